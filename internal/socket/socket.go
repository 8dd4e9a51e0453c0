// Package socket implements UnicastSocket, the public dispatcher that
// owns a fleet of channels, routes outbound letters across them, and
// delivers inbound letters and lifecycle events upward.
package socket

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/hugoterelle/hyperletter/internal/channel"
	"github.com/hugoterelle/hyperletter/internal/fleet"
	"github.com/hugoterelle/hyperletter/internal/letter"
)

// ErrNotDeliverable is returned (and surfaced via Callbacks.Lost) when a
// non-SilentDiscard letter exhausts every routing option: no channel was
// Ready and the socket-level pending list was already full.
var ErrNotDeliverable = errors.New("socket: letter not deliverable")

// Binding re-exports channel.Binding so callers never need to import the
// channel package directly for the public API surface.
type Binding = channel.Binding

// Callbacks is UnicastSocket's public event surface. Each is called with
// its payload directly rather than an event-bus dispatch; a nil field is
// simply not invoked.
type Callbacks struct {
	Sent         func(l letter.Letter)
	Received     func(l letter.Letter)
	Connected    func(binding Binding)
	Disconnected func(binding Binding, reason channel.DisconnectReason)
	// Lost reports a letter that could not be delivered to any channel
	// and was not SilentDiscard.
	Lost func(l letter.Letter)
}

// Socket is the public UnicastSocket.
type Socket struct {
	cfg       Config
	callbacks Callbacks
	fleet     *fleet.Fleet

	rrIndex atomic.Uint64

	pendingMu sync.Mutex
	pending   []letter.Letter
}

// New builds a UnicastSocket and starts its fleet's heartbeat ticker.
// Bind/Connect are called afterward to actually open listeners or dial
// peers.
func New(callbacks Callbacks, opts ...Option) *Socket {
	cfg := applyOptions(opts)
	s := &Socket{cfg: cfg, callbacks: callbacks}
	s.fleet = fleet.New(cfg.NodeID, s.fleetCallbacks(), cfg.Logger, cfg.HeartbeatInterval, cfg.ReconnectDelay)
	return s
}

// NodeID returns the NodeId this socket presents to peers.
func (s *Socket) NodeID() letter.NodeID { return s.cfg.NodeID }

// FleetSnapshot reports how many owned channels are in each
// non-terminal state, for internal/observability's periodic report.
func (s *Socket) FleetSnapshot() fleet.Snapshot { return s.fleet.Snapshot() }

// Bind opens a listener on addr (host:port); every accepted connection
// becomes an Inbound channel.
func (s *Socket) Bind(addr string) error {
	return s.fleet.Bind(addr)
}

// Connect dials binding and keeps reconnecting (fixed backoff) for as
// long as the socket lives, unless Dispose is called first.
func (s *Socket) Connect(binding Binding) error {
	return s.fleet.Connect(binding)
}

// Dispose tears down every channel and stops accepting/dialing.
func (s *Socket) Dispose() {
	s.fleet.Dispose()
}

// Send is non-blocking: it hands l to a channel (or the pending-retry
// list, or drops it) and returns immediately. Delivery, if any, is
// reported asynchronously via Callbacks.Sent.
func (s *Socket) Send(l letter.Letter) error {
	if l.Options.Has(letter.OptMulticast) {
		return s.sendMulticast(l)
	}
	return s.sendUnicast(l)
}

func (s *Socket) sendMulticast(l letter.Letter) error {
	ready := s.fleet.Ready()
	if len(ready) == 0 {
		return s.unroutable(l)
	}
	for _, ch := range ready {
		ch.Enqueue(l)
	}
	return nil
}

func (s *Socket) sendUnicast(l letter.Letter) error {
	ch := s.pickReady()
	if ch == nil {
		return s.unroutable(l)
	}
	return ch.Enqueue(l)
}

// pickReady selects one Ready channel round-robin.
func (s *Socket) pickReady() *channel.Channel {
	ready := s.fleet.Ready()
	if len(ready) == 0 {
		return nil
	}
	idx := s.rrIndex.Add(1)
	return ready[idx%uint64(len(ready))]
}

// unroutable implements the routing-on-all-channels-down decision:
// SilentDiscard letters are dropped silently; everything else is buffered
// in a bounded pending list until a channel becomes Ready, or reported
// Lost if that list is already full (see DESIGN.md for the rationale).
func (s *Socket) unroutable(l letter.Letter) error {
	if l.Options.Has(letter.OptSilentDiscard) {
		return nil
	}

	s.pendingMu.Lock()
	if len(s.pending) >= s.cfg.MaxPendingRetry {
		s.pendingMu.Unlock()
		if s.callbacks.Lost != nil {
			s.callbacks.Lost(l)
		}
		return ErrNotDeliverable
	}
	s.pending = append(s.pending, l)
	s.pendingMu.Unlock()
	return nil
}

// drainPending retries every buffered letter once a channel has become
// Ready. A letter that still finds nothing Ready re-enters the pending
// list via unroutable (or is reported Lost if that list is full); one
// whose chosen channel has stopped being Ready fails through
// FailedToSend and goes through reroute.
func (s *Socket) drainPending() {
	s.pendingMu.Lock()
	items := s.pending
	s.pending = nil
	s.pendingMu.Unlock()

	for _, l := range items {
		s.Send(l)
	}
}

// reroute implements the second half of the routing policy: a
// letter that failed after already being routed to a channel
// (FailedToSend) is retried once against another Ready channel. If none
// exists it is surfaced as Lost rather than re-buffered, to avoid an
// unbounded retry storm across repeated channel churn (see DESIGN.md).
func (s *Socket) reroute(l letter.Letter) {
	if l.Options.Has(letter.OptSilentDiscard) {
		return
	}
	if l.Options.Has(letter.OptMulticast) {
		if s.callbacks.Lost != nil {
			s.callbacks.Lost(l)
		}
		return
	}

	if ch := s.pickReady(); ch != nil {
		if err := ch.Enqueue(l); err == nil {
			return
		}
	}
	if s.callbacks.Lost != nil {
		s.callbacks.Lost(l)
	}
}

func (s *Socket) fleetCallbacks() fleet.Callbacks {
	return fleet.Callbacks{
		Initialized: func(ch *channel.Channel) {
			if s.callbacks.Connected != nil {
				s.callbacks.Connected(ch.Binding())
			}
			s.drainPending()
		},
		Disconnected: func(ch *channel.Channel, reason channel.DisconnectReason) {
			if s.callbacks.Disconnected != nil {
				s.callbacks.Disconnected(ch.Binding(), reason)
			}
		},
		Sent: func(ch *channel.Channel, l letter.Letter) {
			if s.callbacks.Sent != nil {
				s.callbacks.Sent(l)
			}
		},
		Received: func(ch *channel.Channel, l letter.Letter) {
			if s.callbacks.Received != nil {
				s.callbacks.Received(l)
			}
		},
		FailedToSend: func(ch *channel.Channel, l letter.Letter) {
			s.reroute(l)
		},
	}
}
