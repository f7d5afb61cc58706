package main

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/Pablu23/tftp/internal/server"
)

type fileConfig struct {
	Listen       string `toml:"listen"`
	Root         string `toml:"root"`
	AllowWrite   bool   `toml:"allow_write"`
	Timeout      string `toml:"timeout"`
	Retries      int    `toml:"retries"`
	MaxBlockSize int    `toml:"max_block_size"`
	MaxFileSize  int64  `toml:"max_file_size"`
	Metrics      string `toml:"metrics"`
}

type serveConfig struct {
	Server *server.Options
	// Metrics is the HTTP address for /metrics; empty disables it.
	Metrics string
}

func defaultServeConfig() serveConfig {
	return serveConfig{Server: server.NewDefaultOptions()}
}

// loadServeConfig overlays the keys present in the TOML file at path onto
// the defaults.
func loadServeConfig(path string) (serveConfig, error) {
	cfg := defaultServeConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return serveConfig{}, errors.Wrap(err, "load config")
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return serveConfig{}, errors.Errorf("unknown config key %q", undecoded[0].String())
	}

	if meta.IsDefined("listen") {
		cfg.Server.Address = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("root") {
		cfg.Server.Root = strings.TrimSpace(raw.Root)
	}
	if meta.IsDefined("allow_write") {
		cfg.Server.AllowWrite = raw.AllowWrite
	}
	if meta.IsDefined("timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return serveConfig{}, errors.Wrap(err, "parse timeout")
		}
		cfg.Server.Timeout = d
	}
	if meta.IsDefined("retries") {
		cfg.Server.Retries = raw.Retries
	}
	if meta.IsDefined("max_block_size") {
		cfg.Server.MaxBlockSize = raw.MaxBlockSize
	}
	if meta.IsDefined("max_file_size") {
		cfg.Server.MaxFileSize = raw.MaxFileSize
	}
	if meta.IsDefined("metrics") {
		cfg.Metrics = strings.TrimSpace(raw.Metrics)
	}
	return cfg, nil
}
