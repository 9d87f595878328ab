// Package config loads helixd's own configuration: CLI flags, an optional
// YAML file, and environment overrides, plus an Argus-backed watcher that
// hot-reloads the log level without a daemon restart.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/agilira/argus"
	flashflags "github.com/agilira/flash-flags"
	"gopkg.in/yaml.v3"

	"github.com/alexdev-tb/helix/internal/hlog"
	"github.com/alexdev-tb/helix/internal/logregistry"
)

// Config is helixd's daemon-level configuration, distinct from a module
// manifest: it describes where the daemon looks for modules and how it
// listens, not any single module's metadata.
type Config struct {
	ModulesRoot      string `yaml:"modules_root"`
	SocketPath       string `yaml:"socket_path"`
	CoreVersion      string `yaml:"core_version"`
	APIVersion       string `yaml:"api_version"`
	LogQueueCapacity int    `yaml:"log_queue_capacity"`
	LogMinLevel      int    `yaml:"log_min_level"`
	Foreground       bool   `yaml:"-"`
	ConfigPath       string `yaml:"-"`
}

// Default returns the built-in defaults (modules root "./modules",
// socket "/tmp/helixd.sock", queue capacity 256, min level Info).
func Default() Config {
	return Config{
		ModulesRoot:      "./modules",
		SocketPath:       "/tmp/helixd.sock",
		CoreVersion:      "1.0.0",
		APIVersion:       "1.0.0",
		LogQueueCapacity: 256,
		LogMinLevel:      1,
	}
}

// LoadFile overlays YAML file contents onto cfg; a missing file is not an
// error (no configuration file is required).
func LoadFile(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// ParseFlags parses argv into cfg. The optional config file is applied
// first, then HELIX_LOG_QUEUE_CAP / HELIX_LOG_MIN_LEVEL from the
// environment, then any --modules-dir / --socket value that differs from
// cfg's prior value. Returns (showHelp, showVersion, error).
func ParseFlags(cfg *Config, args []string) (showHelp bool, showVersion bool, err error) {
	fs := flashflags.New("helixd")

	defaultModulesDir, defaultSocket := cfg.ModulesRoot, cfg.SocketPath
	modulesDir := fs.String("modules-dir", defaultModulesDir, "directory containing installed modules")
	socket := fs.String("socket", defaultSocket, "control socket path")
	configPath := fs.String("config", "", "path to an optional helixd.yaml")
	foreground := fs.Bool("foreground", true, "run in the foreground (always true; kept for CLI compatibility)")
	interactive := fs.Bool("interactive", false, "accepted for CLI compatibility with the legacy helixd; unused")
	help := fs.Bool("help", false, "show usage")
	version := fs.Bool("version", false, "print core/API version and exit")

	if err := fs.Parse(args); err != nil {
		return false, false, err
	}
	_ = interactive

	if *configPath != "" {
		if err := LoadFile(cfg, *configPath); err != nil {
			return false, false, err
		}
		cfg.ConfigPath = *configPath
	}
	if v := os.Getenv("HELIX_LOG_QUEUE_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LogQueueCapacity = n
		}
	}
	if v := os.Getenv("HELIX_LOG_MIN_LEVEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LogMinLevel = n
		}
	}
	if *modulesDir != defaultModulesDir {
		cfg.ModulesRoot = *modulesDir
	}
	if *socket != defaultSocket {
		cfg.SocketPath = *socket
	}
	cfg.Foreground = *foreground

	return *help, *version, nil
}

// WatchLogLevel starts an Argus watcher on path (typically the same
// helixd.yaml consulted at startup) that applies log_min_level changes to
// reg live, without a daemon restart.
func WatchLogLevel(path string, reg *logregistry.Registry, logger hlog.Logger) (*argus.Watcher, error) {
	w := argus.New(argus.Config{
		PollInterval:         2 * time.Second,
		OptimizationStrategy: argus.OptimizationSingleEvent,
	})

	err := w.Watch(path, func(event argus.ChangeEvent) {
		var cfg Config
		if err := LoadFile(&cfg, path); err != nil {
			logger.Warn("failed reloading config for log-level watch", "error", err)
			return
		}
		reg.SetMinLevel(logregistry.Level(cfg.LogMinLevel))
	})
	if err != nil {
		return nil, err
	}
	if err := w.Start(); err != nil {
		return nil, err
	}
	return w, nil
}
