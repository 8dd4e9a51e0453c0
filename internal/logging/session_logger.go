package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// sanitizeFileSegment replaces characters that are awkward in a file
// name (":" from a host:port binding) with "_".
func sanitizeFileSegment(s string) string {
	return strings.ReplaceAll(s, ":", "_")
}

// fanOutHandler is a slog.Handler that dispatches each record to two
// handlers at once: used by NewPeerLogger to write simultaneously to
// the process-wide handler and a connection's dedicated debug file.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	// Checks each handler's Enabled() individually so a DEBUG record
	// isn't forced onto a primary handler configured for INFO or above.
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// A write failure on the peer file must not suppress the primary log.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewPeerLogger builds a logger that writes to both baseLogger and a
// dedicated per-peer debug file, for troubleshooting one connection in
// isolation without raising the whole process's log level:
//
//	{peerLogDir}/{nodeID}/{binding}.log
//
// Returns the enriched logger, an io.Closer that must be called (defer)
// when the connection ends, and the path of the file created (under
// peerLogDir, so absolute only when peerLogDir is).
// If peerLogDir is empty, returns baseLogger unmodified (no-op).
func NewPeerLogger(baseLogger *slog.Logger, peerLogDir, nodeID, binding string) (*slog.Logger, io.Closer, string, error) {
	if peerLogDir == "" {
		return baseLogger, io.NopCloser(nil), "", nil
	}

	dir := filepath.Join(peerLogDir, sanitizeFileSegment(nodeID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating peer log directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, sanitizeFileSegment(binding)+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening peer log file %s: %w", logPath, err)
	}

	// The per-peer file always runs at DEBUG for maximum capture.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	combined := &fanOutHandler{
		primary:   baseLogger.Handler(),
		secondary: fileHandler,
	}

	return slog.New(combined), f, logPath, nil
}

// RemovePeerLog deletes a closed connection's per-peer debug file. A
// no-op if peerLogDir is empty or the file doesn't exist.
func RemovePeerLog(peerLogDir, nodeID, binding string) {
	if peerLogDir == "" {
		return
	}
	logPath := filepath.Join(peerLogDir, sanitizeFileSegment(nodeID), sanitizeFileSegment(binding)+".log")
	os.Remove(logPath)
}
