// Package channel implements the per-connection Hyperletter engine: the
// streaming frame reader, the single-writer frame sender, and the Channel
// state machine that ties them together with the handshake and ack
// pipeline.
package channel

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hugoterelle/hyperletter/internal/letter"
)

// ErrClosed is returned by LetterTransmitter.Enqueue (and passed to its
// sent callback) once the transmitter has been closed or has failed.
var ErrClosed = errors.New("channel: receiver closed")

// LetterReceiver reassembles the length-prefixed frame stream produced by
// one TCP connection into Letters, one at a time. It owns no goroutine of
// its own: Receive blocks the caller's single reader goroutine until a
// frame other than Heartbeat is available, or the connection fails.
type LetterReceiver struct {
	r *bufio.Reader

	// prefix is reused across calls to avoid an allocation per frame.
	prefix [letter.LengthPrefixSize]byte
}

// NewLetterReceiver wraps r. r is read from exactly one goroutine at a time.
func NewLetterReceiver(r io.Reader) *LetterReceiver {
	return &LetterReceiver{r: bufio.NewReader(r)}
}

// Receive blocks until it has reassembled and decoded one Letter that is
// not a Heartbeat (Heartbeats are consumed and discarded internally, never
// surfaced). It returns a non-nil error, wrapping the underlying I/O error
// or ErrMalformedFrame, the moment the stream cannot continue.
func (lr *LetterReceiver) Receive() (letter.Letter, error) {
	for {
		l, err := lr.receiveOne()
		if err != nil {
			return letter.Letter{}, err
		}
		if l.Type == letter.TypeHeartbeat {
			continue
		}
		return l, nil
	}
}

// receiveOne reads exactly one frame off the wire: a 4-byte little-endian
// total length (inclusive of itself), then exactly that many bytes of body.
func (lr *LetterReceiver) receiveOne() (letter.Letter, error) {
	if _, err := io.ReadFull(lr.r, lr.prefix[:]); err != nil {
		return letter.Letter{}, fmt.Errorf("channel: reading length prefix: %w", err)
	}

	total := binary.LittleEndian.Uint32(lr.prefix[:])
	if total < letter.LengthPrefixSize {
		return letter.Letter{}, letter.ErrMalformedFrame
	}

	bodyLen := total - letter.LengthPrefixSize
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(lr.r, body); err != nil {
		return letter.Letter{}, fmt.Errorf("channel: reading frame body: %w", err)
	}

	return letter.DecodeBody(body)
}
