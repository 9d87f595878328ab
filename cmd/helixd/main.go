// Command helixd is the Helix control daemon: it installs, enables,
// starts, stops, disables, and uninstalls modules, and serves the
// line-oriented control protocol on a Unix domain socket.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alexdev-tb/helix/internal/config"
	"github.com/alexdev-tb/helix/internal/daemon"
	"github.com/alexdev-tb/helix/internal/hlog"
	"github.com/alexdev-tb/helix/internal/ipc"
	"github.com/alexdev-tb/helix/internal/logregistry"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "helixd:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg := config.Default()
	showHelp, showVersion, err := config.ParseFlags(&cfg, args)
	if err != nil {
		return err
	}
	if showHelp {
		printUsage()
		return nil
	}
	if showVersion {
		fmt.Printf("core=%s\napi=%s\n", cfg.CoreVersion, cfg.APIVersion)
		return nil
	}

	logger := hlog.NewStdLogger(os.Stderr)
	logs := logregistry.New(cfg.LogQueueCapacity, logregistry.Level(cfg.LogMinLevel), logger)

	// Default sink: module log messages surface on the daemon's own
	// structured log stream. It is registered before any module loads and
	// stays registered alongside any sink a logger module adds later.
	logs.RegisterSink(&logregistry.Sink{Fn: func(module string, level logregistry.Level, message string) {
		lvl := []string{"debug", "info", "warn", "error"}[clampIdx(int(level))]
		logger.Info("module log", "module", module, "level", lvl, "message", message)
	}})

	d := daemon.New(cfg.ModulesRoot, cfg.CoreVersion, cfg.APIVersion, logs, logger)
	if err := d.Initialize(); err != nil {
		return err
	}

	// Live log-level changes: watch the config file (when one was given) and
	// apply log_min_level edits without a restart.
	if cfg.ConfigPath != "" {
		if w, err := config.WatchLogLevel(cfg.ConfigPath, logs, logger); err != nil {
			logger.Warn("config watch unavailable", "error", err)
		} else {
			defer func() { _ = w.Stop() }()
		}
	}

	server := ipc.NewServer(cfg.SocketPath, handlerFor(d, cfg.SocketPath), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("ipc server stopped unexpectedly", "error", err)
		}
	}

	_ = server.Stop()
	return d.Shutdown()
}

func clampIdx(i int) int {
	if i < 0 {
		return 0
	}
	if i > 3 {
		return 3
	}
	return i
}

func printUsage() {
	fmt.Println(`helixd - Helix control daemon

Usage: helixd [flags]

  --modules-dir <path>   directory containing installed modules (default ./modules)
  --socket <path>        control socket path (default /tmp/helixd.sock)
  --config <path>        optional helixd.yaml
  --foreground           accepted for compatibility; always runs in the foreground
  --version              print core/API version and exit
  --help                 show this message`)
}

// handlerFor builds the IPC command dispatcher: one command word plus an
// optional argument in, one reply out.
func handlerFor(d *daemon.Daemon, socketPath string) ipc.Handler {
	return func(line string) string {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			return "ERR unknown command: "
		}
		cmd := fields[0]
		arg := ""
		if len(fields) > 1 {
			arg = strings.Join(fields[1:], " ")
		}

		switch cmd {
		case "status":
			return formatStatus(d.Status(), socketPath)
		case "version":
			st := d.Status()
			if st.CoreVersion == "" || st.APIVersion == "" {
				return "ERR version unavailable"
			}
			return fmt.Sprintf("core=%s\napi=%s\n", st.CoreVersion, st.APIVersion)
		case "list":
			return formatList(d.List())
		case "info":
			return formatInfo(d, arg)
		case "install":
			return runOp("install", d.Install(arg))
		case "enable":
			return runOp("enable", d.Enable(arg))
		case "start":
			return runOp("start", d.Start(arg))
		case "stop":
			return runOp("stop", d.Stop(arg))
		case "disable":
			return runOp("disable", d.Disable(arg))
		case "uninstall":
			return runOp("uninstall", d.Uninstall(arg))
		default:
			return "ERR unknown command: " + cmd
		}
	}
}

func runOp(op string, err error) string {
	if err == nil {
		return "OK"
	}
	return fmt.Sprintf("ERR %s: %s", op, err.Error())
}

func formatStatus(st daemon.Status, socketPath string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "modules_root=%s\n", st.ModulesRoot)
	fmt.Fprintf(&b, "socket=%s\n", socketPath)
	fmt.Fprintf(&b, "core=%s\n", st.CoreVersion)
	fmt.Fprintf(&b, "api=%s\n", st.APIVersion)
	fmt.Fprintf(&b, "uptime_seconds=%d\n", int64(st.Uptime.Seconds()))
	fmt.Fprintf(&b, "total=%d\n", st.Total)
	for _, state := range []daemon.State{
		daemon.StateInstalled, daemon.StateLoaded, daemon.StateInitialized,
		daemon.StateRunning, daemon.StateStopped, daemon.StateError, daemon.StateUnknown,
	} {
		if count := st.ByState[state]; count > 0 {
			fmt.Fprintf(&b, "%s=%d\n", state, count)
		}
	}
	return b.String()
}

func formatList(entries []daemon.Entry) string {
	if len(entries) == 0 {
		return "\n"
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s %s\n", e.Name, e.State)
	}
	return b.String()
}

func formatInfo(d *daemon.Daemon, name string) string {
	e, err := d.Info(name)
	if err != nil {
		return "ERR not installed"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "name=%s\n", e.Name)
	fmt.Fprintf(&b, "version=%s\n", e.Version)
	fmt.Fprintf(&b, "state=%s\n", e.State)
	fmt.Fprintf(&b, "description=%s\n", e.Manifest.Description)
	fmt.Fprintf(&b, "author=%s\n", e.Manifest.Author)
	fmt.Fprintf(&b, "license=%s\n", e.Manifest.License)
	fmt.Fprintf(&b, "binary_path=%s\n", e.Manifest.BinaryPath)
	if e.Manifest.MinimumCoreVersion != "" {
		fmt.Fprintf(&b, "minimum_core_version=%s\n", e.Manifest.MinimumCoreVersion)
	}
	if e.Manifest.MinimumAPIVersion != "" {
		fmt.Fprintf(&b, "minimum_api_version=%s\n", e.Manifest.MinimumAPIVersion)
	}
	if e.LastError != "" {
		fmt.Fprintf(&b, "last_error=%s\n", e.LastError)
	}
	return b.String()
}
