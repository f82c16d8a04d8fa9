// Package config loads the YAML configuration shared by every kueue
// process mode (server, worker, submit, status), following the
// struct-with-yaml-tags pattern of the teacher's internal/cli.Config.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kueuedb/kueue/internal/permission"
)

// Config is the complete on-disk configuration.
type Config struct {
	Worker struct {
		Types        []string      `yaml:"types"`
		Concurrency  int           `yaml:"concurrency"`
		Cargo        int           `yaml:"cargo"`
		PollInterval time.Duration `yaml:"poll_interval"`
		Prefetch     int           `yaml:"prefetch"`
	} `yaml:"worker"`

	Store struct {
		WALPath         string        `yaml:"wal_path"`
		SnapshotPath    string        `yaml:"snapshot_path"`
		WALBufferSize   int           `yaml:"wal_buffer_size"`
		WALFlushInterval time.Duration `yaml:"wal_flush_interval"`
	} `yaml:"store"`

	Scheduler struct {
		PromotionPeriod time.Duration `yaml:"promotion_period"`
		SnapshotPeriod  time.Duration `yaml:"snapshot_period"`
	} `yaml:"scheduler"`

	RPC struct {
		ListenAddr string `yaml:"listen_addr"`
		MasterAddr string `yaml:"master_addr"` // dial target, worker mode
	} `yaml:"rpc"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	// Permissions is the on-disk form of a Gate's allow rules: for each
	// tag, the set of caller identities allowed to invoke it. Predicate
	// rules (time windows, per-collection logic) have no YAML
	// representation and must be added in code after Load.
	Permissions map[string][]string `yaml:"permissions"`
}

// Load reads and parses the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 1
	}
	if c.Worker.Cargo <= 0 {
		c.Worker.Cargo = 1
	}
	if c.Worker.PollInterval <= 0 {
		c.Worker.PollInterval = 5 * time.Second
	}
	if c.Store.WALPath == "" {
		c.Store.WALPath = "data/kueue.wal"
	}
	if c.Store.SnapshotPath == "" {
		c.Store.SnapshotPath = "data/snapshot.json"
	}
	if c.Store.WALBufferSize <= 0 {
		c.Store.WALBufferSize = 64
	}
	if c.Store.WALFlushInterval <= 0 {
		c.Store.WALFlushInterval = 100 * time.Millisecond
	}
	if c.Scheduler.PromotionPeriod <= 0 {
		c.Scheduler.PromotionPeriod = 15 * time.Second
	}
	if c.RPC.ListenAddr == "" {
		c.RPC.ListenAddr = ":50051"
	}
	if c.Metrics.Port <= 0 {
		c.Metrics.Port = 9090
	}
}

// BuildGate constructs a permission.Gate from Permissions, registering
// every tag's allowed identities as a single Allow rule. Callers that
// need Predicate-based rules (e.g. a time-of-day window) add them to
// the returned Gate before serving traffic.
func (c *Config) BuildGate() *permission.Gate {
	gate := permission.NewGate()
	for tag, identities := range c.Permissions {
		if len(identities) == 0 {
			continue
		}
		gate.Allow(permission.Tag(tag), permission.Identities(identities...))
	}
	return gate
}
