package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewPeerLogger_Disabled(t *testing.T) {
	base := slog.New(slog.NewTextHandler(os.Stderr, nil))

	logger, closer, path, err := NewPeerLogger(base, "", "node-1", "127.0.0.1:9847")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closer.Close()

	if logger != base {
		t.Error("expected base logger when peerLogDir is empty")
	}
	if path != "" {
		t.Errorf("expected empty path, got %q", path)
	}
}

func TestNewPeerLogger_CreatesFileAndLogs(t *testing.T) {
	dir := t.TempDir()
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger, closer, logPath, err := NewPeerLogger(base, dir, "node-1", "127.0.0.1:9847")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	nodeDir := filepath.Join(dir, "node-1")
	if _, err := os.Stat(nodeDir); os.IsNotExist(err) {
		t.Fatalf("node dir not created: %s", nodeDir)
	}

	expectedPath := filepath.Join(nodeDir, "127.0.0.1_9847.log")
	if logPath != expectedPath {
		t.Errorf("expected path %q, got %q", expectedPath, logPath)
	}

	logger.Info("test message", "key", "value")
	closer.Close()

	if !strings.Contains(baseBuf.String(), "test message") {
		t.Errorf("log message not found in base handler output: %s", baseBuf.String())
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading peer log file: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "test message") {
		t.Errorf("log message not found in peer file: %s", content)
	}
	if !strings.Contains(content, `"key":"value"`) {
		t.Errorf("structured key not found in peer file: %s", content)
	}
}

func TestNewPeerLogger_DebugInFileInfoInBase(t *testing.T) {
	dir := t.TempDir()

	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	logger, closer, logPath, err := NewPeerLogger(base, dir, "node-1", "127.0.0.1:9847")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logger.Debug("debug only message")
	logger.Info("info for both")

	closer.Close()

	if strings.Contains(baseBuf.String(), "debug only message") {
		t.Error("DEBUG message should not appear in base handler with INFO level")
	}
	if !strings.Contains(baseBuf.String(), "info for both") {
		t.Error("INFO message missing from base handler")
	}

	data, _ := os.ReadFile(logPath)
	content := string(data)
	if !strings.Contains(content, "debug only message") {
		t.Errorf("DEBUG message missing from peer file: %s", content)
	}
	if !strings.Contains(content, "info for both") {
		t.Errorf("INFO message missing from peer file: %s", content)
	}
}

func TestRemovePeerLog(t *testing.T) {
	dir := t.TempDir()
	nodeDir := filepath.Join(dir, "node-1")
	os.MkdirAll(nodeDir, 0755)

	logPath := filepath.Join(nodeDir, "127.0.0.1_9847.log")
	os.WriteFile(logPath, []byte("test"), 0644)

	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		t.Fatal("setup failed: log file not created")
	}

	RemovePeerLog(dir, "node-1", "127.0.0.1:9847")

	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Error("peer log file should have been removed")
	}
}

func TestRemovePeerLog_NoOpWhenEmpty(t *testing.T) {
	RemovePeerLog("", "node-1", "127.0.0.1:9847")
}

func TestRemovePeerLog_NoOpWhenFileMissing(t *testing.T) {
	RemovePeerLog(t.TempDir(), "node-1", "127.0.0.1:9999")
}

func TestNewPeerLogger_WithAttrs(t *testing.T) {
	dir := t.TempDir()
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger, closer, logPath, err := NewPeerLogger(base, dir, "node-1", "127.0.0.1:9847")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	enriched := logger.With("binding", "127.0.0.1:9847", "direction", "outbound")
	enriched.Info("enriched message")

	closer.Close()

	if !strings.Contains(baseBuf.String(), "127.0.0.1:9847") {
		t.Error("binding attr missing from base handler")
	}

	data, _ := os.ReadFile(logPath)
	content := string(data)
	if !strings.Contains(content, "127.0.0.1:9847") {
		t.Errorf("binding attr missing from peer file: %s", content)
	}
	if !strings.Contains(content, "outbound") {
		t.Errorf("direction attr missing from peer file: %s", content)
	}
}
