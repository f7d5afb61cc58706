package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Pablu23/tftp/internal/metrics"
	"github.com/Pablu23/tftp/internal/server"
)

func newServeCmd() *cobra.Command {
	var (
		cfgFile     string
		listen      string
		root        string
		allowWrite  bool
		metricsAddr string
		timeout     time.Duration
		retries     int
		maxBlock    int
		maxFileSize int64
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a directory over TFTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := defaultServeConfig()
			if cfgFile != "" {
				var err error
				if cfg, err = loadServeConfig(cfgFile); err != nil {
					return err
				}
			}

			flags := cmd.Flags()
			if flags.Changed("listen") {
				cfg.Server.Address = listen
			}
			if flags.Changed("root") {
				cfg.Server.Root = root
			}
			if flags.Changed("allow-write") {
				cfg.Server.AllowWrite = allowWrite
			}
			if flags.Changed("timeout") {
				cfg.Server.Timeout = timeout
			}
			if flags.Changed("retries") {
				cfg.Server.Retries = retries
			}
			if flags.Changed("max-blksize") {
				cfg.Server.MaxBlockSize = maxBlock
			}
			if flags.Changed("max-file-size") {
				cfg.Server.MaxFileSize = maxFileSize
			}
			if flags.Changed("metrics") {
				cfg.Metrics = metricsAddr
			}

			return runServe(cmd.Context(), cfg)
		},
	}

	defaults := server.NewDefaultOptions()
	f := cmd.Flags()
	f.StringVar(&cfgFile, "config", "", "TOML config file")
	f.StringVar(&listen, "listen", defaults.Address, "UDP address to listen on")
	f.StringVar(&root, "root", defaults.Root, "directory to serve")
	f.BoolVar(&allowWrite, "allow-write", defaults.AllowWrite, "accept write requests")
	f.StringVar(&metricsAddr, "metrics", "", "HTTP address for Prometheus metrics")
	f.DurationVar(&timeout, "timeout", defaults.Timeout, "retransmit timeout")
	f.IntVar(&retries, "retries", defaults.Retries, "retransmits before a transfer is abandoned")
	f.IntVar(&maxBlock, "max-blksize", defaults.MaxBlockSize, "largest blksize to accept")
	f.Int64Var(&maxFileSize, "max-file-size", defaults.MaxFileSize, "largest upload in bytes, 0 for no limit")
	return cmd
}

func runServe(ctx context.Context, cfg serveConfig) error {
	opts := *cfg.Server
	srv, err := server.New(func(o *server.Options) { *o = opts })
	if err != nil {
		return err
	}

	if cfg.Metrics != "" {
		metrics.RegisterMetrics()
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		httpSrv := &http.Server{Addr: cfg.Metrics, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.WithField("Address", cfg.Metrics).Info("Serving metrics")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("Metrics endpoint stopped")
			}
		}()
		defer httpSrv.Close()
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		if err := srv.Close(); err != nil {
			log.WithError(err).Error("Could not close server")
		}
	}()

	return srv.ListenAndServe()
}
