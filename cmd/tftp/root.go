package main

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:   "tftp",
		Short: "Trivial File Transfer Protocol server and client",
		Long: `tftp serves a directory over TFTP (RFC 1350) with option negotiation
for blksize, timeout and tsize, and transfers single files as a client.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := log.ParseLevel(logLevel)
			if err != nil {
				return errors.Wrap(err, "--log-level")
			}
			log.SetLevel(level)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(newServeCmd(), newGetCmd(), newPutCmd(), newDecodeCmd())
	return root
}
