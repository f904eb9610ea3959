// workflow.go contains CLI-specific orchestration logic for backup flows.

package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/digitalocean/go-qemu/qmp"
	"golang.org/x/sync/errgroup"

	"github.com/valvemist/pbsbridge/backup"
	"github.com/valvemist/pbsbridge/bridge"
	"github.com/valvemist/pbsbridge/config"
	"github.com/valvemist/pbsbridge/executor"
	"github.com/valvemist/pbsbridge/keyconfig"
)

// configBlobName is the name the guest config is stored under.
const configBlobName = "qemu-server.conf"

// loadBridgeConfig reads the config file, if any, and applies the
// repository override.
func loadBridgeConfig(cfg backup.Config) (*config.Config, error) {
	bc := config.LoadDefaults()
	if cfg.BridgeConfig != "" {
		loaded, err := config.Load(cfg.BridgeConfig)
		if err != nil && cfg.Repository == "" {
			return nil, err
		}
		if err == nil {
			bc = loaded
		}
	}
	if cfg.Repository != "" {
		repo, err := config.ParseRepository(cfg.Repository)
		if err != nil {
			return nil, err
		}
		repo.Token = bc.Repository.Token
		repo.Fingerprint = bc.Repository.Fingerprint
		repo.Insecure = bc.Repository.Insecure
		bc.Repository = repo
	}
	if token := os.Getenv("PBS_TOKEN"); token != "" {
		bc.Repository.Token = token
	}
	return bc, bc.Validate()
}

func credentials(bc *config.Config) keyconfig.Credentials {
	creds := keyconfig.Credentials{KeyFile: bc.Encryption.KeyFile}
	if bc.Encryption.PasswordEnv != "" {
		creds.Password = []byte(os.Getenv(bc.Encryption.PasswordEnv))
	}
	return creds
}

// RunBackupWorkflow backs up the selected devices of the guest behind
// monitor into one snapshot.
func RunBackupWorkflow(ctx context.Context, monitor qmp.Monitor, cfg backup.Config) error {
	logger.Info("Starting backup workflow", "id", cfg.BackupID)
	bc, err := loadBridgeConfig(cfg)
	if err != nil {
		return err
	}

	all, err := backup.QueryDevices(monitor)
	if err != nil {
		return fmt.Errorf("query-block: %w", err)
	}
	devices, err := backup.SelectDevices(all, cfg.Devices)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return fmt.Errorf("guest has no device to back up")
	}
	for _, dev := range devices {
		if dev.Format != "raw" {
			return fmt.Errorf("device %s is %s, only raw images can be read directly", dev.Name, dev.Format)
		}
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	var wg sync.WaitGroup
	defer wg.Wait()
	eventsCtx, stopEvents := context.WithCancel(ctx)
	defer stopEvents()
	wg.Go(func() {
		err := backup.Events(eventsCtx, monitor, func(event qmp.Event) {
			handleEvents(event, cancel)
		})
		if err != nil {
			logger.Warn("Event stream unavailable", "error", err)
		}
	})

	if cfg.Pause {
		state, err := backup.Status(monitor)
		if err != nil {
			return err
		}
		if state == "running" {
			if err := backup.Pause(monitor); err != nil {
				return fmt.Errorf("pausing guest: %w", err)
			}
			logger.Info("Guest paused")
			defer func() {
				if err := backup.Resume(monitor); err != nil {
					logger.Error("Resuming guest failed", "error", err)
					return
				}
				logger.Info("Guest resumed")
			}()
		}
	}

	b, err := bridge.New(bridge.Options{Policy: bc.Policy, Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		b.Close()
		if err := executor.Shutdown(bc.Policy.ShutdownGrace); err != nil {
			logger.Warn("Runtime host shutdown", "error", err)
		}
	}()

	h, err := b.CreateJob(ctx, bridge.JobOptions{
		Repository:  bc.Repository,
		BackupID:    cfg.BackupID,
		Credentials: credentials(bc),
	})
	if err != nil {
		return fmt.Errorf("creating job: %w", err)
	}
	defer b.Release(h)
	incremental, err := b.HasPrevious(h)
	if err != nil {
		return err
	}
	incremental = incremental && cfg.Incremental

	if err := pushDevices(ctx, b, h, devices, cfg, bc, incremental); err != nil {
		if cause := context.Cause(ctx); cause != nil {
			err = cause
		}
		b.Abort(h, err.Error())
		return err
	}
	if cfg.VMConfig != "" {
		data, err := os.ReadFile(cfg.VMConfig)
		if err != nil {
			b.Abort(h, err.Error())
			return err
		}
		if err := b.AddConfig(h, configBlobName, data); err != nil {
			return err
		}
	}
	if err := b.Finish(h); err != nil {
		return fmt.Errorf("finishing job: %w (%s)", err, b.LastError(h))
	}

	if stats, err := b.Stats(h); err == nil {
		logger.Info("Backup workflow finished",
			"bytes", stats.BytesWritten,
			"chunks", stats.Chunks,
			"zero", stats.ZeroChunks,
			"reused", stats.DedupHits,
			"uploaded", stats.Uploaded)
	}
	return nil
}

// pushDevices streams every device concurrently. The first failure
// cancels the others.
func pushDevices(ctx context.Context, b *bridge.Bridge, h bridge.JobHandle, devices []backup.Device, cfg backup.Config, bc *config.Config, incremental bool) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, dev := range devices {
		g.Go(func() error {
			f, err := os.Open(dev.File)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = backup.StreamImage(gctx, b, h, backup.ImageName(dev), f, dev.Size, backup.StreamOptions{
				BlockSize:   bc.Policy.ChunkSize,
				Outstanding: cfg.Outstanding,
				Incremental: incremental,
			})
			if err != nil {
				return fmt.Errorf("device %s: %w", dev.Name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func handleEvents(event qmp.Event, cancel context.CancelCauseFunc) {
	switch event.Event {
	case backup.EventShutdown:
		logger.Error("Guest shut down during backup", "data", event.Data)
		cancel(fmt.Errorf("guest shut down during backup"))
	case backup.EventBlockIOError:
		logger.Error("Block I/O error", "data", event.Data)
		cancel(fmt.Errorf("block I/O error on %v", event.Data["device"]))
	default:
		logger.Debug("Event received", "event", event.Event, "data", event.Data)
	}
}
