package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/digitalocean/go-qemu/qmp"
	"github.com/spf13/pflag"

	"github.com/valvemist/pbsbridge/backup"
)

var logger *slog.Logger

type customHandler struct {
	level slog.Leveler
}

// Enabled determines whether the customHandler should log messages at the given level.
func (h *customHandler) Enabled(_ context.Context, lvl slog.Level) bool {
	return lvl >= h.level.Level()
}

// Handle processes a log record using the customHandler.
func (h *customHandler) Handle(_ context.Context, r slog.Record) error {
	fmt.Printf("[%s] %s", r.Level, r.Message)
	r.Attrs(func(a slog.Attr) bool {
		fmt.Printf(" %s=%v", a.Key, a.Value)
		return true
	})
	// Include file and line number
	if src := r.Source(); src != nil && src.File != "" {
		fmt.Printf(" (%s:%d)", filepath.Base(src.File), src.Line)
	}
	fmt.Println()
	return nil
}

// WithAttrs returns a new handler with the given attributes.
func (h *customHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }

// WithGroup returns a new handler with the given group name.
func (h *customHandler) WithGroup(_ string) slog.Handler { return h }

func parseFlags(args []string) (verbose bool, cfg backup.Config, err error) {
	flags := pflag.NewFlagSet("vmbackup", pflag.ContinueOnError)
	flags.BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	flags.StringVar(&cfg.SocketFile, "socket", "", "Path to QMP socket (required)")
	flags.StringVar(&cfg.BackupID, "id", "", "Backup id, usually the VM id (required)")
	flags.StringVarP(&cfg.BridgeConfig, "config", "c", "", "Bridge config file with repository, policy and encryption")
	flags.StringVarP(&cfg.Repository, "repository", "r", "", "Repository as [[user@]host[:port]:]datastore, overrides the config file")
	flags.StringSliceVarP(&cfg.Devices, "device", "d", nil, "Device to back up, repeatable (default: every writable device)")
	flags.StringVar(&cfg.VMConfig, "vm-config", "", "Guest config file stored with the snapshot")
	flags.BoolVar(&cfg.Pause, "pause", false, "Pause the guest while its disks are read")
	flags.BoolVar(&cfg.Incremental, "incremental", true, "Reuse the previous snapshot's indexes for dedup")
	flags.IntVar(&cfg.Outstanding, "outstanding", backup.DefaultOutstanding, "Writes kept in flight per device")
	if err = flags.Parse(args); err != nil {
		return
	}
	if err = cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "Usage of vmbackup:")
		flags.PrintDefaults()
	}
	return
}

// main is the entry point for the backup CLI tool.
func main() {
	level := new(slog.LevelVar)
	logger = slog.New(&customHandler{level: level})
	slog.SetDefault(logger)
	backup.SetLogger(logger)

	verbose, cfg, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		logger.Error("Invalid arguments", "error", err)
		os.Exit(2)
	}
	if verbose {
		level.Set(slog.LevelDebug)
	}

	// catch ctrl-c
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor, err := qmp.NewSocketMonitor("unix", cfg.SocketFile, 2*time.Second)
	if err != nil {
		logger.Error("Failed to connect to QMP", "error", err)
		os.Exit(1)
	}
	if err := monitor.Connect(); err != nil {
		logger.Error("QMP handshake failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		monitor.Disconnect()
		logger.Info("Program finished.")
	}()

	if err := RunBackupWorkflow(ctx, monitor, cfg); err != nil {
		logger.Error("RunBackupWorkflow failed", "error", err)
		monitor.Disconnect()
		os.Exit(1)
	}
}
