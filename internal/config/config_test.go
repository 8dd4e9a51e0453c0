package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_ExampleFile(t *testing.T) {
	cfgPath := filepath.Join("..", "..", "configs", "hyperletter.example.yaml")
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("failed to load example config: %v", err)
	}

	if cfg.Listen != "0.0.0.0:9847" {
		t.Errorf("expected listen '0.0.0.0:9847', got %q", cfg.Listen)
	}
	if len(cfg.Peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(cfg.Peers))
	}
	if cfg.Peers[0] != "10.0.0.2:9847" {
		t.Errorf("expected peers[0] '10.0.0.2:9847', got %q", cfg.Peers[0])
	}
	if cfg.Heartbeat.Interval != 15*time.Second {
		t.Errorf("expected heartbeat.interval 15s, got %v", cfg.Heartbeat.Interval)
	}
	if cfg.Heartbeat.ReconnectDelay != 5*time.Second {
		t.Errorf("expected heartbeat.reconnect_delay 5s, got %v", cfg.Heartbeat.ReconnectDelay)
	}
	if cfg.MaxPendingRetry != 256 {
		t.Errorf("expected max_pending_retry 256, got %d", cfg.MaxPendingRetry)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected logging level 'info', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.File != "/var/log/hyperletter/node.log" {
		t.Errorf("expected logging file '/var/log/hyperletter/node.log', got %q", cfg.Logging.File)
	}
	if cfg.Observability.ReportSchedule != "*/15 * * * * *" {
		t.Errorf("expected report_schedule '*/15 * * * * *', got %q", cfg.Observability.ReportSchedule)
	}
	if cfg.Observability.EventLogMaxLines != 10000 {
		t.Errorf("expected event_log_max_lines 10000, got %d", cfg.Observability.EventLogMaxLines)
	}
	// a random NodeIDRaw was generated since node_id was empty
	var zero [16]byte
	if cfg.NodeIDRaw == zero {
		t.Errorf("expected a generated NodeIDRaw, got the zero value")
	}
}

func TestValidate_RequiresListenOrPeers(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error when neither listen nor peers is set")
	}
}

func TestValidate_RejectsMalformedNodeID(t *testing.T) {
	cfg := &Config{Listen: "127.0.0.1:0", NodeID: "not-a-uuid"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for a malformed node_id")
	}
}

func TestValidate_ParsesExplicitNodeID(t *testing.T) {
	const id = "6ba7b810-9dad-11d1-80b4-00c04fd430c8"
	cfg := &Config{Listen: "127.0.0.1:0", NodeID: id}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.NodeIDRaw.String() != id {
		t.Errorf("expected NodeIDRaw %q, got %q", id, cfg.NodeIDRaw.String())
	}
}

func TestValidate_FillsDefaults(t *testing.T) {
	cfg := &Config{Peers: []string{"127.0.0.1:9847"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Heartbeat.Interval != 15*time.Second {
		t.Errorf("expected default heartbeat interval 15s, got %v", cfg.Heartbeat.Interval)
	}
	if cfg.MaxPendingRetry != 256 {
		t.Errorf("expected default max_pending_retry 256, got %d", cfg.MaxPendingRetry)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("expected default logging format 'json', got %q", cfg.Logging.Format)
	}
}
