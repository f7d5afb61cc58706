package main

import (
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Pablu23/tftp/internal/client"
)

type clientFlags struct {
	mode      string
	blockSize int
	timeout   time.Duration
	offer     bool
	retries   int
	tsize     bool
}

func (f *clientFlags) register(cmd *cobra.Command) {
	defaults := client.NewDefaultOptions()
	fl := cmd.Flags()
	fl.StringVar(&f.mode, "mode", defaults.Mode, "transfer mode, octet or netascii")
	fl.IntVar(&f.blockSize, "blksize", 0, "request this blksize, 0 to use 512")
	fl.DurationVar(&f.timeout, "timeout", defaults.Timeout, "retransmit timeout")
	fl.BoolVar(&f.offer, "offer-timeout", false, "offer the timeout to the server")
	fl.IntVar(&f.retries, "retries", defaults.Retries, "retransmits before giving up")
	fl.BoolVar(&f.tsize, "tsize", defaults.TransferSize, "request the transfer size")
}

func (f *clientFlags) client() (*client.Client, error) {
	return client.New(func(o *client.Options) {
		o.Mode = f.mode
		o.BlockSize = f.blockSize
		o.Timeout = f.timeout
		o.RequestTimeout = f.offer
		o.Retries = f.retries
		o.TransferSize = f.tsize
	})
}

func newGetCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "get <addr> <remote> [local]",
		Short: "Download a file",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			local := path.Base(args[1])
			if len(args) == 3 {
				local = args[2]
			}

			file, err := os.OpenFile(local, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
			if err != nil {
				return errors.Wrap(err, "create local file")
			}
			stats, err := c.Get(args[0], args[1], file)
			if cerr := file.Close(); cerr != nil && err == nil {
				err = errors.Wrap(cerr, "close local file")
			}
			if err != nil {
				if rerr := os.Remove(local); rerr != nil {
					log.WithError(rerr).Error("Could not remove partial File")
				}
				return err
			}
			printStats(cmd.OutOrStdout(), "received", stats)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newPutCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "put <addr> <local> [remote]",
		Short: "Upload a file",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			remote := path.Base(args[1])
			if len(args) == 3 {
				remote = args[2]
			}

			file, err := os.Open(args[1])
			if err != nil {
				return errors.Wrap(err, "open local file")
			}
			defer file.Close()
			fi, err := file.Stat()
			if err != nil {
				return errors.Wrap(err, "stat local file")
			}

			stats, err := c.Put(args[0], remote, file, fi.Size())
			if err != nil {
				return err
			}
			printStats(cmd.OutOrStdout(), "sent", stats)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func printStats(w io.Writer, verb string, stats client.Stats) {
	rate := 0.0
	if secs := stats.Duration.Seconds(); secs > 0 {
		rate = float64(stats.Bytes) * 8 / 1024 / 1024 / secs
	}
	fmt.Fprintf(w, "%s %d bytes in %d blocks of %d (%v, %.2f Mbit/s, %d retransmits)\n",
		verb, stats.Bytes, stats.Blocks, stats.BlockSize, stats.Duration.Round(time.Millisecond),
		rate, stats.Retransmits)
}
