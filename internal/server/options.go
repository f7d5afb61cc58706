package server

import "time"

type Options struct {
	// Address is used by ListenAndServe.
	Address string
	// Root is the directory files are served from and written to.
	Root string
	// Timeout applies to every wait unless the client negotiates one.
	Timeout time.Duration
	// Retries is how often the last packet is resent before giving up.
	Retries int
	// MaxBlockSize caps a negotiated blksize.
	MaxBlockSize int
	// MaxFileSize limits uploads; zero means no limit.
	MaxFileSize int64
	AllowWrite  bool
}

func NewDefaultOptions() *Options {
	return &Options{
		Address:      "0.0.0.0:69",
		Root:         ".",
		Timeout:      5 * time.Second,
		Retries:      5,
		MaxBlockSize: 1468,
		MaxFileSize:  0,
		AllowWrite:   false,
	}
}
