// Package config loads the bridge's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPort is the backup server port assumed when a repository
// string omits one.
const DefaultPort = 8007

type Repository struct {
	Address     string `yaml:"address"`
	Datastore   string `yaml:"datastore"`
	User        string `yaml:"user"`
	Token       string `yaml:"token"`
	Fingerprint string `yaml:"fingerprint"` // hex SHA-256 of the server certificate
	Insecure    bool   `yaml:"insecure"`    // plaintext transport, for local testing
}

// Policy holds the numeric knobs of the upload pipeline. None of the
// defaults are load-bearing; they are tuned for a LAN backup server.
type Policy struct {
	Workers           int           `yaml:"workers"`
	RetryBudget       int           `yaml:"retryBudget"`
	RetryBaseDelay    time.Duration `yaml:"retryBaseDelay"`
	ReconnectBudget   int           `yaml:"reconnectBudget"`
	InFlightLimit     int           `yaml:"inFlightLimit"`
	ShutdownGrace     time.Duration `yaml:"shutdownGrace"`
	ChunkSize         uint64        `yaml:"chunkSize"`
	Compression       string        `yaml:"compression"`
	CheckBeforeUpload bool          `yaml:"checkBeforeUpload"`
	BandwidthLimit    int64         `yaml:"bandwidthLimit"` // bytes per second, 0 is unlimited
	DedupCapacity     uint64        `yaml:"dedupCapacity"`
}

type Encryption struct {
	KeyFile     string `yaml:"keyfile"`
	PasswordEnv string `yaml:"passwordEnv"`
}

type Config struct {
	Repository Repository `yaml:"repository"`
	Policy     Policy     `yaml:"policy"`
	Encryption Encryption `yaml:"encryption"`
}

var (
	ErrConfigFileUnreadable     = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable = errors.New("config file is unmarshallable")
	ErrAddressMissing           = errors.New("repository.address is missing in config")
	ErrDatastoreMissing         = errors.New("repository.datastore is missing in config")
	ErrWorkersInvalid           = errors.New("policy.workers must be positive")
	ErrRetryBudgetInvalid       = errors.New("policy.retryBudget must not be negative")
	ErrReconnectBudgetInvalid   = errors.New("policy.reconnectBudget must not be negative")
	ErrInFlightLimitInvalid     = errors.New("policy.inFlightLimit must be positive")
	ErrChunkSizeInvalid         = errors.New("policy.chunkSize must be a power of two between 64 KiB and 16 MiB")
	ErrCompressionInvalid       = errors.New("policy.compression must be one of none, lz4, zstd, auto")
	ErrPasswordEnvMissing       = errors.New("encryption.passwordEnv is required when encryption.keyfile is set")
	ErrRepositoryInvalid        = errors.New("repository string is invalid")
)

// DefaultPolicy returns the policy used when a config leaves fields unset.
func DefaultPolicy() Policy {
	return Policy{
		Workers:         4,
		RetryBudget:     5,
		RetryBaseDelay:  200 * time.Millisecond,
		ReconnectBudget: 3,
		InFlightLimit:   16,
		ShutdownGrace:   30 * time.Second,
		ChunkSize:       4 * 1024 * 1024,
		Compression:     "zstd",
	}
}

// LoadDefaults returns a config with defaults and no repository.
func LoadDefaults() *Config {
	return &Config{Policy: DefaultPolicy()}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigFileUnreadable, err)
	}
	cfg := LoadDefaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigFileUnmarshallable, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Repository.Address == "" {
		return ErrAddressMissing
	}
	if c.Repository.Datastore == "" {
		return ErrDatastoreMissing
	}
	if c.Encryption.KeyFile != "" && c.Encryption.PasswordEnv == "" {
		return ErrPasswordEnvMissing
	}
	return c.Policy.Validate()
}

func (p Policy) Validate() error {
	if p.Workers <= 0 {
		return ErrWorkersInvalid
	}
	if p.RetryBudget < 0 {
		return ErrRetryBudgetInvalid
	}
	if p.ReconnectBudget < 0 {
		return ErrReconnectBudgetInvalid
	}
	if p.InFlightLimit <= 0 {
		return ErrInFlightLimitInvalid
	}
	if p.ChunkSize != 0 {
		if p.ChunkSize < 64*1024 || p.ChunkSize > 16*1024*1024 || p.ChunkSize&(p.ChunkSize-1) != 0 {
			return ErrChunkSizeInvalid
		}
	}
	switch p.Compression {
	case "", "none", "lz4", "zstd", "auto":
	default:
		return ErrCompressionInvalid
	}
	return nil
}

// ParseRepository splits a repository string of the form
// [[user@]host[:port]:]datastore. The host defaults to localhost.
// IPv6 hosts are written in brackets.
func ParseRepository(s string) (Repository, error) {
	var repo Repository
	if s == "" {
		return repo, fmt.Errorf("%w: empty", ErrRepositoryInvalid)
	}
	sep := strings.LastIndex(s, ":")
	if sep < 0 {
		repo.Datastore = s
		repo.Address = fmt.Sprintf("localhost:%d", DefaultPort)
		return repo, nil
	}
	repo.Datastore = s[sep+1:]
	hostPart := s[:sep]
	if repo.Datastore == "" || hostPart == "" {
		return repo, fmt.Errorf("%w: %q", ErrRepositoryInvalid, s)
	}
	if at := strings.LastIndex(hostPart, "@"); at >= 0 {
		repo.User = hostPart[:at]
		hostPart = hostPart[at+1:]
		if repo.User == "" || hostPart == "" {
			return repo, fmt.Errorf("%w: %q", ErrRepositoryInvalid, s)
		}
	}
	switch {
	case strings.HasPrefix(hostPart, "["):
		end := strings.Index(hostPart, "]")
		if end < 0 {
			return repo, fmt.Errorf("%w: unterminated IPv6 host in %q", ErrRepositoryInvalid, s)
		}
		if rest := hostPart[end+1:]; rest == "" {
			repo.Address = fmt.Sprintf("%s:%d", hostPart[:end+1], DefaultPort)
		} else if strings.HasPrefix(rest, ":") && len(rest) > 1 {
			repo.Address = hostPart
		} else {
			return repo, fmt.Errorf("%w: %q", ErrRepositoryInvalid, s)
		}
	case strings.Contains(hostPart, ":"):
		repo.Address = hostPart
	default:
		repo.Address = fmt.Sprintf("%s:%d", hostPart, DefaultPort)
	}
	return repo, nil
}
