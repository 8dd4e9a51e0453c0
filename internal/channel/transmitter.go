package channel

import (
	"io"
	"sync"

	"github.com/hugoterelle/hyperletter/internal/letter"
)

// pendingWrite is one letter waiting in the transmitter's FIFO.
type pendingWrite struct {
	l     letter.Letter
	frame []byte
	sent  func(error)
}

// LetterTransmitter serializes writes to one TCP connection through a
// single background goroutine draining an unbounded FIFO queue. Enqueue
// is safe to call from any number of goroutines; the queue itself is
// drained by exactly one writer, so at most one write is ever in flight
// on the underlying connection.
type LetterTransmitter struct {
	w io.Writer

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []pendingWrite
	closed bool
	done   chan struct{}
}

// NewLetterTransmitter starts the draining goroutine over w.
func NewLetterTransmitter(w io.Writer) *LetterTransmitter {
	t := &LetterTransmitter{w: w, done: make(chan struct{})}
	t.cond = sync.NewCond(&t.mu)
	go t.run()
	return t
}

// Enqueue appends l to the FIFO. sent, if non-nil, is called at most once:
// with the write's outcome after the final byte of l's frame has been
// written, or with ErrClosed if the transmitter has already stopped. A
// letter still queued when Close runs, or when an earlier write fails, is
// never written and its sent is not called; Close returns it instead.
// Enqueue never blocks on the network.
func (t *LetterTransmitter) Enqueue(l letter.Letter, sent func(error)) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		if sent != nil {
			sent(ErrClosed)
		}
		return ErrClosed
	}
	t.queue = append(t.queue, pendingWrite{l: l, frame: letter.Encode(l), sent: sent})
	t.mu.Unlock()
	t.cond.Signal()
	return nil
}

// run is the transmitter's single writer goroutine.
func (t *LetterTransmitter) run() {
	for {
		t.mu.Lock()
		for len(t.queue) == 0 && !t.closed {
			t.cond.Wait()
		}
		if len(t.queue) == 0 && t.closed {
			t.mu.Unlock()
			close(t.done)
			return
		}
		next := t.queue[0]
		t.queue = t.queue[1:]
		t.mu.Unlock()

		_, err := t.w.Write(next.frame)
		if next.sent != nil {
			next.sent(err)
		}
		if err != nil {
			t.fail()
			close(t.done)
			return
		}
	}
}

// fail marks the transmitter closed without running its remaining queue
// through a write, leaving it for Close to report as unsent.
func (t *LetterTransmitter) fail() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// Close stops the transmitter (idempotent) and returns every letter still
// queued but never written. Channel.shutdown does not use this list: it
// fails unsent User/Batch letters from its own pending-ack queue.
func (t *LetterTransmitter) Close() []letter.Letter {
	t.mu.Lock()
	alreadyClosed := t.closed
	t.closed = true
	unsent := make([]letter.Letter, len(t.queue))
	for i, pw := range t.queue {
		unsent[i] = pw.l
	}
	t.queue = nil
	t.mu.Unlock()
	t.cond.Broadcast()

	if !alreadyClosed {
		<-t.done
	}
	return unsent
}
