package packet

import (
	"bytes"
	"testing"
)

// FuzzParse feeds arbitrary datagrams to Parse. It must never panic, and any
// packet it accepts must re-serialize to exactly the bytes it consumed.
func FuzzParse(f *testing.F) {
	f.Add([]byte("\x00\x01a.txt\x00octet\x00"))
	f.Add([]byte("\x00\x02f\x00netascii\x00blksize\x001024\x00tsize\x000\x00"))
	f.Add([]byte{0x00, 0x03, 0x00, 0x01, 'h', 'i'})
	f.Add([]byte{0x00, 0x04, 0x00, 0x00})
	f.Add([]byte("\x00\x05\x00\x01File not found\x00"))
	f.Add([]byte("\x00\x06blksize\x00512\x00"))
	f.Add([]byte{})
	f.Add([]byte{0xff, 0xfe, 0x00, 0x01})

	f.Fuzz(func(t *testing.T, data []byte) {
		p, n, err := Parse(data)
		if err != nil {
			return
		}
		if n <= 0 || n > len(data) {
			t.Fatalf("consumed %d of %d bytes", n, len(data))
		}
		if p.Len() != n {
			t.Fatalf("Len() = %d, consumed %d", p.Len(), n)
		}
		if _, ok := p.(OptionAck); ok {
			// Serialization sorts option names, so only the set must survive.
			again, _, err := Parse(p.ToBytes())
			if err != nil {
				t.Fatalf("re-parse: %v", err)
			}
			if !bytes.Equal(again.ToBytes(), p.ToBytes()) {
				t.Fatalf("OACK not stable across re-serialization")
			}
			return
		}
		if out := p.ToBytes(); !bytes.Equal(out, data[:n]) {
			t.Fatalf("re-serialized %x, consumed %x", out, data[:n])
		}
	})
}
