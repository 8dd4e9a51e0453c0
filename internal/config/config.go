// Package config loads and validates a Hyperletter node's YAML
// configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/hugoterelle/hyperletter/internal/letter"
)

// Config is the full configuration for one hyperletter-node process, a
// single document covering both roles: a Hyperletter node both listens
// and dials.
type Config struct {
	NodeID  string   `yaml:"node_id"` // empty: a random NodeId is generated at startup
	Listen  string   `yaml:"listen"`  // empty: do not bind
	Peers   []string `yaml:"peers"`   // addresses to Connect (reconnect forever)

	Heartbeat       HeartbeatConfig `yaml:"heartbeat"`
	MaxPendingRetry int             `yaml:"max_pending_retry"`

	Logging       LoggingInfo         `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`

	// NodeIDRaw is populated by Validate from NodeID (or generated);
	// it does not come from the YAML.
	NodeIDRaw letter.NodeID `yaml:"-"`
}

// HeartbeatConfig controls the fleet's shared idle-check ticker and an
// Outbound channel's fixed reconnect backoff.
type HeartbeatConfig struct {
	Interval       time.Duration `yaml:"interval"`        // default: 15s
	ReconnectDelay time.Duration `yaml:"reconnect_delay"` // default: 5s
}

// LoggingInfo configures the structured logger, plus an optional file
// sink and per-peer trace directory.
type LoggingInfo struct {
	Level  string `yaml:"level"`  // default: "info"
	Format string `yaml:"format"` // default: "json"
	File   string `yaml:"file"`   // empty: stdout only

	// PeerLogDir, if set, makes the node additionally write a per-peer
	// DEBUG-level trace file under {PeerLogDir}/{nodeID}/{binding}.log
	// for troubleshooting one connection in isolation.
	PeerLogDir string `yaml:"peer_log_dir"`
}

// ObservabilityConfig configures the periodic reporter and the
// lifecycle-event log.
type ObservabilityConfig struct {
	ReportSchedule string `yaml:"report_schedule"` // cron expression, default: "*/15 * * * * *"

	EventLogFile     string `yaml:"event_log_file"`      // empty: event log disabled
	EventLogMaxLines int    `yaml:"event_log_max_lines"` // default: 10000
}

// Load reads and validates the YAML configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate fills in defaults, parses NodeID (generating a random one if
// absent), and rejects an unusable configuration.
func (c *Config) Validate() error {
	if c.Listen == "" && len(c.Peers) == 0 {
		return fmt.Errorf("at least one of listen or peers is required")
	}

	if c.NodeID == "" {
		id, err := uuid.NewRandom()
		if err != nil {
			return fmt.Errorf("generating node_id: %w", err)
		}
		c.NodeIDRaw = letter.NodeID(id)
	} else {
		id, err := uuid.Parse(c.NodeID)
		if err != nil {
			return fmt.Errorf("node_id: %w", err)
		}
		c.NodeIDRaw = letter.NodeID(id)
	}

	if c.Heartbeat.Interval <= 0 {
		c.Heartbeat.Interval = 15 * time.Second
	}
	if c.Heartbeat.ReconnectDelay <= 0 {
		c.Heartbeat.ReconnectDelay = 5 * time.Second
	}
	if c.MaxPendingRetry <= 0 {
		c.MaxPendingRetry = 256
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Observability.ReportSchedule == "" {
		c.Observability.ReportSchedule = "*/15 * * * * *"
	}
	if c.Observability.EventLogMaxLines <= 0 {
		c.Observability.EventLogMaxLines = 10000
	}

	return nil
}
