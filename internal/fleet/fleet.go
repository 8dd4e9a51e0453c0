// Package fleet owns the set of Channels for one socket: it accepts
// inbound connections, dials outbound ones, paces reconnects, drives a
// shared heartbeat ticker, and forwards channel events upward.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hugoterelle/hyperletter/internal/channel"
	"github.com/hugoterelle/hyperletter/internal/letter"
)

// dialTimeout bounds a single outbound connection attempt.
const dialTimeout = 10 * time.Second

// maxAcceptBackoff caps the pause between retries of a failing listener.
const maxAcceptBackoff = 5 * time.Second

// ErrAlreadyConnected is returned by Connect when a channel already
// exists for the requested binding.
var ErrAlreadyConnected = errors.New("fleet: already connected to binding")

// Callbacks mirrors channel.Callbacks at fleet scope: every event from
// every channel the fleet owns, except QueueEmpty, is forwarded here, with
// the Channel identifying which connection it came from.
type Callbacks struct {
	Connected    func(ch *channel.Channel)
	Initialized  func(ch *channel.Channel)
	Disconnected func(ch *channel.Channel, reason channel.DisconnectReason)
	Sent         func(ch *channel.Channel, l letter.Letter)
	Received     func(ch *channel.Channel, l letter.Letter)
	FailedToSend func(ch *channel.Channel, l letter.Letter)
}

// Fleet owns and coordinates every Channel for one socket.
type Fleet struct {
	nodeID            letter.NodeID
	logger            *slog.Logger
	callbacks         Callbacks
	reconnectDelay    time.Duration
	heartbeatInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	channels  map[channel.Binding]*channel.Channel
	listeners []net.Listener

	wg          sync.WaitGroup
	disposeOnce sync.Once
}

// New starts a Fleet's heartbeat ticker immediately; Bind/Connect are
// called afterward to populate it.
func New(nodeID letter.NodeID, callbacks Callbacks, logger *slog.Logger, heartbeatInterval, reconnectDelay time.Duration) *Fleet {
	ctx, cancel := context.WithCancel(context.Background())
	f := &Fleet{
		nodeID:            nodeID,
		logger:            logger.With("component", "fleet"),
		callbacks:         callbacks,
		reconnectDelay:    reconnectDelay,
		heartbeatInterval: heartbeatInterval,
		ctx:               ctx,
		cancel:            cancel,
		channels:          make(map[channel.Binding]*channel.Channel),
	}
	f.wg.Add(1)
	go f.heartbeatLoop()
	return f
}

func (f *Fleet) heartbeatLoop() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.ctx.Done():
			return
		case now := <-ticker.C:
			for _, ch := range f.snapshot() {
				ch.Tick(now)
			}
		}
	}
}

func (f *Fleet) snapshot() []*channel.Channel {
	f.mu.RLock()
	defer f.mu.RUnlock()
	chans := make([]*channel.Channel, 0, len(f.channels))
	for _, ch := range f.channels {
		chans = append(chans, ch)
	}
	return chans
}

// Snapshot summarizes channel counts by state, for periodic reporting.
type Snapshot struct {
	Connecting       int
	HandshakePending int
	Ready            int
	ShuttingDown     int
}

// Snapshot reports how many owned channels are in each non-terminal
// state, for internal/observability's periodic fleet report.
func (f *Fleet) Snapshot() Snapshot {
	var s Snapshot
	for _, ch := range f.snapshot() {
		switch ch.State() {
		case channel.StateConnecting:
			s.Connecting++
		case channel.StateHandshakePending:
			s.HandshakePending++
		case channel.StateReady:
			s.Ready++
		case channel.StateShuttingDown:
			s.ShuttingDown++
		}
	}
	return s
}

// Ready returns every channel currently in the Ready state, for the
// dispatcher's routing decisions.
func (f *Fleet) Ready() []*channel.Channel {
	all := f.snapshot()
	ready := all[:0:0]
	for _, ch := range all {
		if ch.State() == channel.StateReady {
			ready = append(ready, ch)
		}
	}
	return ready
}

// Bind opens a listener on addr; every accepted connection becomes an
// Inbound channel.
func (f *Fleet) Bind(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("fleet: listen %s: %w", addr, err)
	}

	f.mu.Lock()
	f.listeners = append(f.listeners, ln)
	f.mu.Unlock()

	f.wg.Add(1)
	go f.acceptLoop(ln)
	return nil
}

// acceptLoop retries Accept with a bounded linear backoff on consecutive
// errors, preventing a hot loop without ever giving up.
func (f *Fleet) acceptLoop(ln net.Listener) {
	defer f.wg.Done()
	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-f.ctx.Done():
				return
			default:
			}
			consecutiveErrors++
			f.logger.Error("accept failed", "error", err, "consecutive_errors", consecutiveErrors)
			delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
			if delay > maxAcceptBackoff {
				delay = maxAcceptBackoff
			}
			select {
			case <-f.ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		consecutiveErrors = 0
		f.acceptConn(conn)
	}
}

func (f *Fleet) acceptConn(conn net.Conn) {
	binding, err := bindingFromAddr(conn.RemoteAddr())
	if err != nil {
		f.logger.Error("parsing remote address", "error", err)
		conn.Close()
		return
	}

	ch := channel.NewBindingChannel(binding, f.nodeID, f.inboundCallbacks(binding), f.logger)

	f.mu.Lock()
	if existing, ok := f.channels[binding]; ok {
		f.mu.Unlock()
		existing.Dispose()
		f.mu.Lock()
	}
	f.channels[binding] = ch
	f.mu.Unlock()

	ch.Connected(conn)
}

// Connect creates an Outbound channel and starts dialing it; subsequent
// reconnects are paced by a fixed-rate limiter and persist for the
// channel's lifetime.
func (f *Fleet) Connect(binding channel.Binding) error {
	f.mu.Lock()
	if _, exists := f.channels[binding]; exists {
		f.mu.Unlock()
		return ErrAlreadyConnected
	}

	limiter := rate.NewLimiter(rate.Every(f.reconnectDelay), 1)
	var ch *channel.Channel
	ch = channel.NewConnectingChannel(binding, f.nodeID, f.outboundCallbacks(), f.logger, func(reason channel.DisconnectReason) {
		if reason == channel.ReasonRequested {
			return
		}
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.dialLoop(ch, binding, limiter)
		}()
	})
	f.channels[binding] = ch
	f.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.dialLoop(ch, binding, limiter)
	}()
	return nil
}

// dialLoop dials binding, paced by limiter, until it succeeds or the
// fleet is disposed. limiter enforces a fixed reconnect backoff (see
// DESIGN.md for why this is fixed rather than exponential).
func (f *Fleet) dialLoop(ch *channel.Channel, binding channel.Binding, limiter *rate.Limiter) {
	for {
		select {
		case <-f.ctx.Done():
			return
		default:
		}

		ch.Connecting()
		if err := limiter.Wait(f.ctx); err != nil {
			return
		}

		dialer := net.Dialer{Timeout: dialTimeout}
		conn, err := dialer.DialContext(f.ctx, "tcp", binding.String())
		if err != nil {
			f.logger.Warn("dial failed, will retry", "binding", binding.String(), "error", err)
			continue
		}

		ch.Connected(conn)
		return
	}
}

func (f *Fleet) inboundCallbacks(binding channel.Binding) channel.Callbacks {
	return channel.Callbacks{
		Connected:    f.callbacks.Connected,
		Initialized:  f.callbacks.Initialized,
		Sent:         f.callbacks.Sent,
		Received:     f.callbacks.Received,
		FailedToSend: f.callbacks.FailedToSend,
		Disconnected: func(ch *channel.Channel, reason channel.DisconnectReason) {
			f.mu.Lock()
			if cur, ok := f.channels[binding]; ok && cur == ch {
				delete(f.channels, binding)
			}
			f.mu.Unlock()
			if f.callbacks.Disconnected != nil {
				f.callbacks.Disconnected(ch, reason)
			}
		},
	}
}

// outboundCallbacks forwards events as-is: an Outbound channel's entry
// stays in the map across disconnects so it can reconnect.
func (f *Fleet) outboundCallbacks() channel.Callbacks {
	return channel.Callbacks{
		Connected:    f.callbacks.Connected,
		Initialized:  f.callbacks.Initialized,
		Sent:         f.callbacks.Sent,
		Received:     f.callbacks.Received,
		FailedToSend: f.callbacks.FailedToSend,
		Disconnected: f.callbacks.Disconnected,
	}
}

// Dispose stops accepting/dialing and shuts every channel down with
// ReasonRequested. Idempotent.
func (f *Fleet) Dispose() {
	f.disposeOnce.Do(func() {
		f.cancel()

		f.mu.Lock()
		listeners := f.listeners
		chans := make([]*channel.Channel, 0, len(f.channels))
		for _, ch := range f.channels {
			chans = append(chans, ch)
		}
		f.mu.Unlock()

		for _, ln := range listeners {
			ln.Close()
		}
		for _, ch := range chans {
			ch.Dispose()
		}
		f.wg.Wait()
	})
}

func bindingFromAddr(addr net.Addr) (channel.Binding, error) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return channel.Binding{}, fmt.Errorf("fleet: unsupported remote address type %T", addr)
	}
	ap := tcpAddr.AddrPort()
	return channel.Binding{Addr: ap.Addr(), Port: ap.Port()}, nil
}
