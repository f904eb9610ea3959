package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/digitalocean/go-qemu/qmp"
	"github.com/stretchr/testify/require"

	"github.com/valvemist/pbsbridge/backup"
	"github.com/valvemist/pbsbridge/config"
)

func init() {
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadBridgeConfigRepositoryOverride(t *testing.T) {
	path := writeConfig(t, `
repository:
  address: pbs.example:8007
  datastore: main
  token: secret
  fingerprint: "ab:cd"
policy:
  workers: 2
`)
	bc, err := loadBridgeConfig(backup.Config{BridgeConfig: path, Repository: "backup@backup2.example:fast"})
	require.NoError(t, err)
	require.Equal(t, "backup2.example:8007", bc.Repository.Address)
	require.Equal(t, "fast", bc.Repository.Datastore)
	require.Equal(t, "backup", bc.Repository.User)
	require.Equal(t, "secret", bc.Repository.Token)
	require.Equal(t, "ab:cd", bc.Repository.Fingerprint)
	require.Equal(t, 2, bc.Policy.Workers)
}

func TestLoadBridgeConfigNeedsRepository(t *testing.T) {
	_, err := loadBridgeConfig(backup.Config{})
	require.ErrorIs(t, err, config.ErrAddressMissing)

	bc, err := loadBridgeConfig(backup.Config{Repository: "main"})
	require.NoError(t, err)
	require.Equal(t, "localhost:8007", bc.Repository.Address)
	require.Equal(t, config.DefaultPolicy(), bc.Policy)
}

func TestTokenFromEnvironment(t *testing.T) {
	t.Setenv("PBS_TOKEN", "from-env")
	bc, err := loadBridgeConfig(backup.Config{Repository: "main"})
	require.NoError(t, err)
	require.Equal(t, "from-env", bc.Repository.Token)
}

func TestCredentials(t *testing.T) {
	t.Setenv("KEY_PASSWORD", "hunter2")
	bc := config.LoadDefaults()
	bc.Encryption = config.Encryption{KeyFile: "/etc/pbs/key.age", PasswordEnv: "KEY_PASSWORD"}
	creds := credentials(bc)
	require.Equal(t, "/etc/pbs/key.age", creds.KeyFile)
	require.Equal(t, []byte("hunter2"), creds.Password)
}

func TestShutdownEventCancelsBackup(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	handleEvents(qmp.Event{Event: backup.EventStop}, cancel)
	require.NoError(t, ctx.Err())

	handleEvents(qmp.Event{Event: backup.EventShutdown}, cancel)
	require.Error(t, ctx.Err())
	require.ErrorContains(t, context.Cause(ctx), "guest shut down")
}

func TestParseFlags(t *testing.T) {
	verbose, cfg, err := parseFlags([]string{"--socket", "/run/qmp.sock", "--id", "100", "-d", "drive-scsi0", "-d", "drive-scsi1", "-v", "--pause"})
	require.NoError(t, err)
	require.True(t, verbose)
	require.Equal(t, "/run/qmp.sock", cfg.SocketFile)
	require.Equal(t, "100", cfg.BackupID)
	require.Equal(t, []string{"drive-scsi0", "drive-scsi1"}, cfg.Devices)
	require.True(t, cfg.Pause)
	require.True(t, cfg.Incremental)
	require.Equal(t, backup.DefaultOutstanding, cfg.Outstanding)

	_, _, err = parseFlags([]string{"--id", "100"})
	require.ErrorIs(t, err, backup.ErrSocketMissing)
}
