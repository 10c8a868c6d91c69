package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// EventLogConfig bounds the per-session NDJSON event log.
type EventLogConfig struct {
	// MaxSegmentBytes is the size threshold at which the active segment is
	// rotated. The active segment may exceed it by at most one event line.
	MaxSegmentBytes int64 `json:"maxSegmentBytes"`

	// MaxSegments is the number of rotated segments kept before the oldest
	// is dropped.
	MaxSegments int `json:"maxSegments"`
}

// TimeoutConfig holds the default deadlines for externally-facing operations.
// Any of them can be overridden per invocation via CLI flags.
type TimeoutConfig struct {
	// Prompt bounds a full prompt turn, including agent startup.
	Prompt Duration `json:"prompt"`

	// Control bounds mode and config-option changes.
	Control Duration `json:"control"`

	// Connect bounds the ACP initialize handshake.
	Connect Duration `json:"connect"`
}

// OwnerConfig tunes the queue-owner process.
type OwnerConfig struct {
	// IdleTTL is how long the owner waits for the next task before exiting.
	// Zero disables idle shutdown.
	IdleTTL Duration `json:"idleTtl"`

	// HeartbeatInterval is the periodic lease refresh cadence. The lease is
	// additionally refreshed whenever queue state changes.
	HeartbeatInterval Duration `json:"heartbeatInterval"`

	// HeartbeatStaleAfter is the age past which another process treats the
	// lease as abandoned.
	HeartbeatStaleAfter Duration `json:"heartbeatStaleAfter"`
}

// Config is the process-scope configuration for acpx. It is loaded once at
// startup and passed down explicitly; nothing below the CLI layer reads
// environment variables.
type Config struct {
	// DataDir is the root for all persistent state. Defaults to ~/.acpx.
	DataDir string `json:"dataDir"`

	EventLog EventLogConfig `json:"eventLog"`
	Timeouts TimeoutConfig  `json:"timeouts"`
	Owner    OwnerConfig    `json:"owner"`
}

// SessionsDir is where session records and their event logs live.
func (c *Config) SessionsDir() string { return filepath.Join(c.DataDir, "sessions") }

// QueueDir is where queue-owner lease files and sockets live.
func (c *Config) QueueDir() string { return filepath.Join(c.DataDir, "queues") }

// LogsDir is where the queue-owner process writes its rotated log file.
func (c *Config) LogsDir() string { return filepath.Join(c.DataDir, "logs") }

// Default returns the built-in configuration rooted at ~/.acpx.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		DataDir: filepath.Join(home, ".acpx"),
		EventLog: EventLogConfig{
			MaxSegmentBytes: 4 * 1024 * 1024,
			MaxSegments:     10,
		},
		Timeouts: TimeoutConfig{
			Prompt:  Duration(10 * time.Minute),
			Control: Duration(30 * time.Second),
			Connect: Duration(60 * time.Second),
		},
		Owner: OwnerConfig{
			IdleTTL:             Duration(5 * time.Minute),
			HeartbeatInterval:   Duration(5 * time.Second),
			HeartbeatStaleAfter: Duration(15 * time.Second),
		},
	}
}

// Load reads the JSON config file and returns the parsed Config layered over
// defaults. The file path is taken from the ACPX_CONFIG env var, defaulting
// to <data-root>/config.json; a missing file is not an error.
func Load() (*Config, error) {
	cfg := Default()

	path := os.Getenv("ACPX_CONFIG")
	if path == "" {
		path = filepath.Join(cfg.DataDir, "config.json")
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Duration is a time.Duration that marshals as a Go duration string
// (e.g. "90s", "5m") in the config file.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}
