package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Pablu23/tftp/internal/packet"
)

func newDecodeCmd() *cobra.Command {
	var blockSize int
	cmd := &cobra.Command{
		Use:   "decode <hex>...",
		Short: "Decode a TFTP datagram given in hex",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := hex.DecodeString(strings.Join(strings.Fields(strings.Join(args, " ")), ""))
			if err != nil {
				return errors.Wrap(err, "decode hex")
			}
			p, n, err := packet.ParseBlockSize(b, blockSize)
			if err != nil {
				return err
			}
			describe(cmd.OutOrStdout(), p)
			if n < len(b) {
				fmt.Fprintf(cmd.OutOrStdout(), "unconsumed %d bytes\n", len(b)-n)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&blockSize, "blksize", packet.BlockSize, "DATA payload ceiling")
	return cmd
}

func describe(w io.Writer, p packet.Packet) {
	fmt.Fprintf(w, "%s (%d bytes)\n", p.Opcode(), p.Len())
	switch p := p.(type) {
	case packet.Request:
		fmt.Fprintf(w, "filename %q\nmode %q\n", p.Filename(), p.Mode())
		for _, opt := range p.Options() {
			fmt.Fprintf(w, "option %q = %q\n", opt.Name, opt.Value)
		}
	case packet.Data:
		fmt.Fprintf(w, "block %d\npayload %d bytes\n", p.Block(), len(p.Payload()))
	case packet.Ack:
		fmt.Fprintf(w, "block %d\n", p.Block())
	case packet.Error:
		fmt.Fprintf(w, "code %d (%s)\nmessage %q\n", p.Code(), p.Code(), p.Message())
		if err := p.CheckCode(); err != nil {
			fmt.Fprintf(w, "warning: %v\n", err)
		}
	case packet.OptionAck:
		for _, name := range p.Names() {
			v, _ := p.Value(name)
			fmt.Fprintf(w, "option %q = %q\n", name, v)
		}
	}
}
