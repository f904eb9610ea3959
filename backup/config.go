package backup

import (
	"errors"
	"strings"
)

// Config holds configuration of backup operation
type Config struct {
	SocketFile string
	// BridgeConfig is the YAML file with repository, policy and encryption.
	BridgeConfig string
	// Repository overrides the configured repository, as
	// [[user@]host[:port]:]datastore.
	Repository  string
	BackupID    string
	Devices     []string
	VMConfig    string
	Pause       bool
	Incremental bool
	Outstanding int
}

var (
	ErrSocketMissing   = errors.New("QMP socket is required")
	ErrBackupIDMissing = errors.New("backup id is required")
)

// Validate checks the fields every run needs.
func (c Config) Validate() error {
	if c.SocketFile == "" {
		return ErrSocketMissing
	}
	if c.BackupID == "" {
		return ErrBackupIDMissing
	}
	return nil
}

// ImageName returns the archive base name for dev. Characters outside
// [A-Za-z0-9_.-] become '_'.
func ImageName(dev Device) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			return r
		}
		return '_'
	}, dev.Name)
}
