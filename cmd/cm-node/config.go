package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	cm "github.com/unkn0wn-root/copymachine"
	"github.com/unkn0wn-root/copymachine/cluster"
	"github.com/unkn0wn-root/copymachine/filecopy"
	"github.com/unkn0wn-root/copymachine/store"
)

// nodeConfig is the YAML file a node is started from.
type nodeConfig struct {
	Node        cluster.Config  `yaml:"node"`
	Store       storeConfig     `yaml:"store"`
	MetricsAddr string          `yaml:"metrics_addr"`
	LogLevel    string          `yaml:"log_level"`
	Machine     machineConfig   `yaml:"machine"`
	Copy        filecopy.Config `yaml:"filecopy"`
	// Shard splits the tree over the live members instead of every node
	// copying all of it.
	Shard bool `yaml:"shard"`
}

type storeConfig struct {
	Driver string `yaml:"driver"` // badger | sqlite | memory
	Path   string `yaml:"path"`
}

type machineConfig struct {
	// ID keys the window record. A node restarted with the same id resumes
	// its operation.
	ID               uint64        `yaml:"id"`
	LivenessInterval time.Duration `yaml:"liveness_interval"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	// ExpectPeers is how many other nodes must be alive before the
	// operation starts.
	ExpectPeers  int           `yaml:"expect_peers"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
	// Linger keeps the node serving after its share completes so slower
	// replicas still reach it.
	Linger time.Duration `yaml:"linger"`
}

func defaultNodeConfig() nodeConfig {
	node := cluster.Default()
	node.BindAddr = ":7400"
	opts := cm.DefaultOptions()
	return nodeConfig{
		Node:     node,
		Store:    storeConfig{Driver: "badger", Path: "cm-data"},
		LogLevel: "info",
		Machine: machineConfig{
			ID:               1,
			LivenessInterval: opts.LivenessInterval,
			ConnectTimeout:   opts.ConnectTimeout,
			ReadyTimeout:     time.Minute,
		},
		Copy: filecopy.DefaultConfig(),
	}
}

// loadConfig overlays the file at path on the defaults. An empty path
// returns the defaults.
func loadConfig(path string) (nodeConfig, error) {
	cfg := defaultNodeConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.validate()
}

func (c *nodeConfig) validate() error {
	switch c.Store.Driver {
	case "badger", "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store: %s needs a path", c.Store.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("store: unknown driver %q", c.Store.Driver)
	}
	if c.Shard && c.Copy.Pace {
		return fmt.Errorf("filecopy: pace and shard are exclusive")
	}
	if c.Machine.ExpectPeers < 0 {
		return fmt.Errorf("machine: expect_peers must not be negative")
	}
	if c.Machine.ExpectPeers > 0 && c.Machine.ReadyTimeout <= 0 {
		return fmt.Errorf("machine: expect_peers needs a ready_timeout")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return lvl, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}

func openStore(c storeConfig, logger *slog.Logger) (cm.Store, error) {
	switch c.Driver {
	case "badger":
		bc := store.DefaultBadgerConfig()
		bc.Path = c.Path
		bc.Logger = logger
		st, err := store.OpenBadger(bc)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "sqlite":
		st, err := store.OpenSQLite(c.Path)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "memory":
		return cm.NewMemStore(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", c.Driver)
}
