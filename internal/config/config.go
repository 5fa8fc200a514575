// Package config loads the relay's TOML configuration file, grounded on
// elemta's internal/config/config.go's FindConfigFile/LoadConfig
// search-path-then-parse pattern and its use of github.com/pelletier/go-toml/v2,
// scoped down to the sections this module actually needs: spool location,
// retry defaults, concurrency, next-hop TLS policy, the control surface,
// and the external metrics store.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the relay's full runtime configuration.
type Config struct {
	Spool    Spool    `toml:"spool"`
	Retry    Retry    `toml:"retry"`
	Delivery Delivery `toml:"delivery"`
	Control  Control  `toml:"control"`
	Metrics  Metrics  `toml:"metrics"`
	Logging  Logging  `toml:"logging"`
}

// Spool configures the on-disk message store.
type Spool struct {
	Root string `toml:"root"`
}

// Retry configures the default retry schedule assigned to newly enqueued
// messages that don't specify their own.
type Retry struct {
	IntervalsSeconds []int `toml:"intervals_seconds"`
}

// IntervalsAsDurations converts the configured seconds list to
// time.Duration values.
func (r Retry) IntervalsAsDurations() []time.Duration {
	out := make([]time.Duration, len(r.IntervalsSeconds))
	for i, s := range r.IntervalsSeconds {
		out[i] = time.Duration(s) * time.Second
	}
	return out
}

// Delivery configures the delivery loop and outbound connection policy.
type Delivery struct {
	TickIntervalSeconds      int    `toml:"tick_interval_seconds"`
	MaxConcurrentSendJobs    int    `toml:"max_concurrent_send_jobs"`
	MaxConnectionsPerHost    int    `toml:"max_connections_per_host"`
	ConnectionTimeoutSeconds int    `toml:"connection_timeout_seconds"`
	EntryLockGiveUpSeconds   int    `toml:"entry_lock_give_up_seconds"`
	ConnectionGiveUpSeconds  int    `toml:"connection_give_up_seconds"`
	HeloName                 string `toml:"helo_name"`
	TLSInsecureSkipVerify    bool   `toml:"tls_insecure_skip_verify"`
}

// Control configures the operator control surface.
type Control struct {
	ListenAddr  string `toml:"listen_addr"`
	IndexDBPath string `toml:"index_db_path"`
}

// Metrics configures the external metrics store.
type Metrics struct {
	RedisAddr string `toml:"redis_addr"`
}

// Logging configures process-wide structured logging.
type Logging struct {
	Level string `toml:"level"`
}

// Default returns the configuration used when no config file is found.
func Default() *Config {
	return &Config{
		Spool: Spool{Root: "/var/spool/relay"},
		Retry: Retry{IntervalsSeconds: []int{60, 300, 900, 3600, 10800, 21600}},
		Delivery: Delivery{
			TickIntervalSeconds:      10,
			MaxConcurrentSendJobs:    20,
			MaxConnectionsPerHost:    10,
			ConnectionTimeoutSeconds: 30,
			EntryLockGiveUpSeconds:   5,
			ConnectionGiveUpSeconds:  60,
			HeloName:                 "localhost",
		},

		Control: Control{
			ListenAddr:  ":8081",
			IndexDBPath: "/var/spool/relay/index.db",
		},
		Metrics: Metrics{RedisAddr: "localhost:6379"},
		Logging: Logging{Level: "info"},
	}
}

// searchPaths lists the locations checked when no explicit path is given,
// matching the teacher's layered lookup (cwd, then config/, then home,
// then /etc).
func searchPaths() []string {
	return []string{
		"./relay.toml",
		"./config/relay.toml",
		os.ExpandEnv("$HOME/.relay.toml"),
		"/etc/relay/relay.toml",
	}
}

// Find locates the configuration file, preferring an explicit path.
func Find(path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("config file not found at %s: %w", path, err)
		}
		return path, nil
	}
	for _, candidate := range searchPaths() {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no config file found in %v", searchPaths())
}

// Load reads and parses the configuration at path, falling back to
// Default() if no file is found at all. An explicit path that doesn't
// exist is a hard error.
func Load(path string) (*Config, error) {
	cfg := Default()

	file, err := Find(path)
	if err != nil {
		if path != "" {
			return nil, err
		}
		return cfg, nil
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", file, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", file, err)
	}

	if !filepath.IsAbs(cfg.Spool.Root) {
		cfg.Spool.Root = filepath.Join(filepath.Dir(file), cfg.Spool.Root)
	}
	return cfg, nil
}
