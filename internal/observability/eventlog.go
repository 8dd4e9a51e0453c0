package observability

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// EventType names the kind of socket-level lifecycle event recorded by
// an EventLog.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventInitialized  EventType = "initialized"
	EventDisconnected EventType = "disconnected"
)

// Event is one line of the JSONL event log: an audit trail of socket
// lifecycle transitions, not of in-flight channel or letter state, so
// it carries no resume information across a restart.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Binding   string    `json:"binding"`
	Reason    string    `json:"reason,omitempty"`
}

// EventLog appends one JSON line per Event to path, rotating to a
// gzip-compressed segment once the file exceeds maxLines rather than
// discarding the displaced lines.
type EventLog struct {
	mu        sync.Mutex
	path      string
	maxLines  int
	file      *os.File
	lineCount int
}

// OpenEventLog opens (or creates) path for append. maxLines <= 0 means
// rotation never triggers.
func OpenEventLog(path string, maxLines int) (*EventLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat event log: %w", err)
	}

	lineCount := 0
	if info.Size() > 0 {
		lineCount, err = countLines(path)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("counting event log lines: %w", err)
		}
	}

	return &EventLog{path: path, maxLines: maxLines, file: f, lineCount: lineCount}, nil
}

func countLines(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n, nil
}

// Append writes e as one JSON line and rotates if the file has grown
// past maxLines.
func (l *EventLog) Append(e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	l.lineCount++

	if l.maxLines > 0 && l.lineCount > l.maxLines {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotating event log: %w", err)
		}
	}
	return nil
}

// rotate closes the active file, gzip-compresses it to a
// timestamp-suffixed ".gz" segment, and opens a fresh empty file at
// path. Must be called with l.mu held.
func (l *EventLog) rotate() error {
	if err := l.file.Close(); err != nil {
		return err
	}

	archivePath := fmt.Sprintf("%s.%d.gz", l.path, time.Now().UnixNano())
	if err := gzipFile(l.path, archivePath); err != nil {
		l.file, _ = os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		return err
	}

	f, err := os.Create(l.path)
	if err != nil {
		return fmt.Errorf("truncating event log after rotation: %w", err)
	}
	l.file = f
	l.lineCount = 0
	return nil
}

func gzipFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	gw := gzip.NewWriter(dst)
	if _, err := io.Copy(gw, src); err != nil {
		gw.Close()
		return err
	}
	return gw.Close()
}

// Close flushes and closes the underlying file.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
