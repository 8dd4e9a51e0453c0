package socket

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hugoterelle/hyperletter/internal/letter"
)

// Config carries a UnicastSocket's tuning knobs (the "Configuration
// options"). Use Option functions to build one, or populate it directly
// from internal/config for YAML-backed callers.
type Config struct {
	NodeID            letter.NodeID
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	MaxPendingRetry   int
	Logger            *slog.Logger
}

// Option mutates a Config under construction, the functional-options
// idiom: Option/defaultConfig/applyConfig.
type Option func(*Config)

func defaultConfig() Config {
	id, err := uuid.NewRandom()
	var nodeID letter.NodeID
	if err == nil {
		nodeID = letter.NodeID(id)
	}
	return Config{
		NodeID:            nodeID,
		HeartbeatInterval: time.Second,
		ReconnectDelay:    2 * time.Second,
		MaxPendingRetry:   256,
		Logger:            slog.Default(),
	}
}

func applyOptions(opts []Option) Config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithNodeID overrides the randomly generated NodeId this socket presents
// to peers during the Initialize handshake.
func WithNodeID(id letter.NodeID) Option {
	return func(c *Config) { c.NodeID = id }
}

// WithHeartbeatInterval sets the cadence of the fleet's shared idle-check
// ticker.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Config) { c.HeartbeatInterval = d }
}

// WithReconnectDelay sets the fixed backoff between an Outbound channel's
// dial attempts.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Config) { c.ReconnectDelay = d }
}

// WithMaxPendingRetry bounds the socket-level pending-retry list used when
// a non-SilentDiscard Send finds no Ready channel (the routing open
// question; see DESIGN.md for the chosen resolution).
func WithMaxPendingRetry(n int) Option {
	return func(c *Config) { c.MaxPendingRetry = n }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}
