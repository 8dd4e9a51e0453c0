package channel

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hugoterelle/hyperletter/internal/letter"
)

// shutdownDrainTimeout bounds how long Shutdown waits for the reader actor
// to observe the closed socket and exit.
const shutdownDrainTimeout = 1500 * time.Millisecond

// ErrNotReady is returned by Enqueue when the channel has not completed
// its initialization handshake.
var ErrNotReady = errors.New("channel: not ready")

// State is one of the channel's four-plus lifecycle states.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshakePending
	StateReady
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshakePending:
		return "handshake_pending"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// Direction distinguishes a listener-accepted channel from a dialed one.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// DisconnectReason classifies why a channel left the Ready state.
type DisconnectReason int

const (
	ReasonRequested DisconnectReason = iota
	ReasonSocket
	ReasonRemote
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonRequested:
		return "requested"
	case ReasonSocket:
		return "socket"
	case ReasonRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Callbacks is the set of typed notifications a Channel raises. Each is
// called with the Channel reference and its payload rather than relying on
// a closure that captures mutable state. Any field left nil is simply not
// invoked. Callbacks run on the I/O actor
// goroutine that produced them — they must not call back into this
// Channel's Enqueue/Shutdown synchronously in a way that would deadlock,
// and should hand off to another goroutine if they do substantial work.
type Callbacks struct {
	Connected    func(ch *Channel)
	Initialized  func(ch *Channel)
	Disconnected func(ch *Channel, reason DisconnectReason)
	Sent         func(ch *Channel, l letter.Letter)
	Received     func(ch *Channel, l letter.Letter)
	FailedToSend func(ch *Channel, l letter.Letter)
	QueueEmpty   func(ch *Channel)
}

// Channel is one live TCP connection plus its Hyperletter protocol state.
// A Channel outlives any single TCP connection on the
// Outbound side: Connected is called again after each successful reconnect,
// resetting per-connection state while the Channel identity (Binding,
// Direction, callbacks) persists.
type Channel struct {
	binding   Binding
	direction Direction
	nodeID    letter.NodeID
	callbacks Callbacks
	logger    *slog.Logger

	// postDisconnect is the direction-specific hook invoked after a
	// previously-Ready channel tears down: nil for Inbound,
	// a reconnect scheduler for Outbound.
	postDisconnect func(DisconnectReason)

	stateVal atomic.Int32

	connMu sync.Mutex
	conn   net.Conn
	tx     *LetterTransmitter
	rx     *LetterReceiver

	connected    atomic.Bool
	shuttingDown atomic.Bool

	initCount atomic.Int32

	nodeMu          sync.Mutex
	remoteNodeID    letter.NodeID
	remoteNodeIDSet bool

	// sendMu serializes enqueueInternal end to end: the pendingAck append
	// and the hand-off to tx.Enqueue must happen as one atomic step, or
	// two concurrent callers can race and leave pendingAck's order out of
	// sync with the transmitter's actual wire order.
	sendMu sync.Mutex

	queueMu     sync.Mutex
	pendingAck  []letter.Letter
	incomingAck []letter.Letter

	lastActivityAt   atomic.Int64
	lastTickBaseline atomic.Int64

	readerDone chan struct{}
}

func newChannel(binding Binding, direction Direction, nodeID letter.NodeID, callbacks Callbacks, logger *slog.Logger, postDisconnect func(DisconnectReason)) *Channel {
	c := &Channel{
		binding:        binding,
		direction:      direction,
		nodeID:         nodeID,
		callbacks:      callbacks,
		logger:         logger.With("component", "channel", "binding", binding.String(), "direction", direction.String()),
		postDisconnect: postDisconnect,
		readerDone:     make(chan struct{}),
	}
	close(c.readerDone) // no connection yet; Shutdown must never block before the first Connected
	c.stateVal.Store(int32(StateDisconnected))
	return c
}

// NewBindingChannel creates an Inbound channel for a connection a listener
// has just accepted. The fleet destroys it on disconnect.
func NewBindingChannel(binding Binding, nodeID letter.NodeID, callbacks Callbacks, logger *slog.Logger) *Channel {
	return newChannel(binding, Inbound, nodeID, callbacks, logger, nil)
}

// NewConnectingChannel creates an Outbound channel for an explicit Connect
// request. postDisconnect is invoked with the reason after every
// disconnect of a previously-Ready channel, ReasonRequested included; the
// hook decides whether to schedule a reconnect attempt (the fleet's hook
// ignores ReasonRequested). The Channel object persists across reconnects.
func NewConnectingChannel(binding Binding, nodeID letter.NodeID, callbacks Callbacks, logger *slog.Logger, postDisconnect func(DisconnectReason)) *Channel {
	return newChannel(binding, Outbound, nodeID, callbacks, logger, postDisconnect)
}

func (c *Channel) Binding() Binding     { return c.binding }
func (c *Channel) Direction() Direction { return c.direction }
func (c *Channel) State() State         { return State(c.stateVal.Load()) }
func (c *Channel) IsConnected() bool    { return c.connected.Load() }
func (c *Channel) setState(s State)     { c.stateVal.Store(int32(s)) }

// RemoteNodeID returns the peer's NodeId once the handshake has delivered
// it, and whether it has been set yet.
func (c *Channel) RemoteNodeID() (letter.NodeID, bool) {
	c.nodeMu.Lock()
	defer c.nodeMu.Unlock()
	return c.remoteNodeID, c.remoteNodeIDSet
}

func (c *Channel) setRemoteNodeID(firstPart []byte) {
	c.nodeMu.Lock()
	copy(c.remoteNodeID[:], firstPart)
	c.remoteNodeIDSet = true
	c.nodeMu.Unlock()
}

// Connecting marks the channel as dialing, before the socket exists. Only
// meaningful for Outbound channels; the fleet calls it before Dial.
func (c *Channel) Connecting() {
	c.setState(StateConnecting)
}

// Connected transitions a freshly-established socket into the handshake
// phase: it wires up the Transmitter/Receiver, resets per-connection
// counters, raises ChannelConnected, starts the reader actor, and enqueues
// this side's Initialize letter.
func (c *Channel) Connected(conn net.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.tx = NewLetterTransmitter(conn)
	c.rx = NewLetterReceiver(conn)
	c.connMu.Unlock()

	c.readerDone = make(chan struct{})
	c.connected.Store(true)
	c.shuttingDown.Store(false)
	c.initCount.Store(0)
	c.lastActivityAt.Store(0)
	c.lastTickBaseline.Store(0)
	c.setState(StateHandshakePending)

	if c.callbacks.Connected != nil {
		c.callbacks.Connected(c)
	}

	go c.runReader()

	hello := letter.Letter{Type: letter.TypeInitialize, Options: letter.OptAck, Parts: [][]byte{c.nodeID[:]}}
	if err := c.enqueueInternal(hello); err != nil {
		c.logger.Warn("failed to enqueue handshake Initialize", "error", err)
	}
}

// Enqueue is the application-facing send path. It fails the letter via
// FailedToSend if the channel is not Ready.
func (c *Channel) Enqueue(l letter.Letter) error {
	if c.State() != StateReady {
		if c.callbacks.FailedToSend != nil {
			c.callbacks.FailedToSend(c, l)
		}
		return ErrNotReady
	}
	return c.enqueueInternal(l)
}

// enqueueInternal is used both by Enqueue and by Connected (for the
// handshake Initialize, which must bypass the Ready check). The
// pendingAck append and the tx.Enqueue hand-off run under sendMu so the
// two never interleave across concurrent callers: pendingAck's order is
// only meaningful if it matches the order letters actually reach the
// wire.
func (c *Channel) enqueueInternal(l letter.Letter) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.connMu.Lock()
	tx := c.tx
	c.connMu.Unlock()
	if tx == nil {
		return ErrNotReady
	}

	if l.RequiresAck() {
		c.queueMu.Lock()
		c.pendingAck = append(c.pendingAck, l)
		c.queueMu.Unlock()
	}

	return tx.Enqueue(l, func(err error) {
		if err == nil {
			c.onTransmitted(l)
		}
	})
}

// onTransmitted is the Transmitter-sent callback.
//
// Only a letter that was actually queued onto pendingAck (RequiresAck)
// pops it on transmission. Heartbeat and any other exempt type never
// touch pendingAck, so they complete with no queue interaction — popping
// the head regardless of type would otherwise dequeue an unrelated
// letter still genuinely awaiting its peer's Ack.
func (c *Channel) onTransmitted(l letter.Letter) {
	c.touch()

	switch {
	case l.Type == letter.TypeAck:
		c.queueMu.Lock()
		if len(c.incomingAck) == 0 {
			c.queueMu.Unlock()
			return
		}
		delivered := c.incomingAck[0]
		c.incomingAck = c.incomingAck[1:]
		c.queueMu.Unlock()
		c.deliverUpward(delivered)

	case !l.RequiresAck():
		// Heartbeat and any other letter never tracked in pending_ack_queue.

	case !l.Options.Has(letter.OptAck):
		c.queueMu.Lock()
		if len(c.pendingAck) == 0 {
			c.queueMu.Unlock()
			return
		}
		head := c.pendingAck[0]
		c.pendingAck = c.pendingAck[1:]
		empty := len(c.pendingAck) == 0
		c.queueMu.Unlock()
		c.handleSent(head)
		if empty && c.callbacks.QueueEmpty != nil {
			c.callbacks.QueueEmpty(c)
		}

	default:
		// Options.Ack set: left at the head of pending_ack_queue, awaiting
		// the peer's Ack.
	}
}

// handleSent dispatches a letter that has been fully acknowledged (or
// never needed acknowledgement in the first place) off pending_ack_queue.
func (c *Channel) handleSent(l letter.Letter) {
	switch l.Type {
	case letter.TypeInitialize:
		c.completeInitialize()
	case letter.TypeUser, letter.TypeBatch:
		if c.callbacks.Sent != nil {
			c.callbacks.Sent(c, l)
		}
	}
}

func (c *Channel) completeInitialize() {
	if c.initCount.Add(1) >= 2 {
		c.setState(StateReady)
		if c.callbacks.Initialized != nil {
			c.callbacks.Initialized(c)
		}
	}
}

// runReader owns the reader actor's full lifecycle: it drives readLoop to
// completion (which closes readerDone as its very last act) and only then
// calls shutdown, so Shutdown's wait on readerDone can never deadlock
// against its own goroutine.
func (c *Channel) runReader() {
	reason := c.readLoop()
	c.shutdown(reason)
}

func (c *Channel) readLoop() DisconnectReason {
	defer close(c.readerDone)

	c.connMu.Lock()
	rx := c.rx
	c.connMu.Unlock()

	for {
		l, err := rx.Receive()
		if err != nil {
			return classifyReceiveErr(err)
		}
		if reason, bad := c.onReceived(l); bad {
			return reason
		}
	}
}

func classifyReceiveErr(err error) DisconnectReason {
	if errors.Is(err, letter.ErrMalformedFrame) {
		return ReasonSocket
	}
	if errors.Is(err, io.EOF) {
		return ReasonRemote
	}
	return ReasonSocket
}

// onReceived is the Receiver-received callback. It returns a reason and
// true when the frame forces the channel to shut down (a spurious Ack, or
// an undecodable Batch part — both treated as a protocol violation rather
// than crashing on a hostile or buggy peer).
func (c *Channel) onReceived(l letter.Letter) (DisconnectReason, bool) {
	c.touch()

	if l.Type == letter.TypeAck {
		c.queueMu.Lock()
		if len(c.pendingAck) == 0 {
			c.queueMu.Unlock()
			return ReasonSocket, true
		}
		head := c.pendingAck[0]
		c.pendingAck = c.pendingAck[1:]
		empty := len(c.pendingAck) == 0
		c.queueMu.Unlock()
		c.handleSent(head)
		if empty && c.callbacks.QueueEmpty != nil {
			c.callbacks.QueueEmpty(c)
		}
		return 0, false
	}

	if l.Options.Has(letter.OptAck) {
		c.queueMu.Lock()
		c.incomingAck = append(c.incomingAck, l)
		c.queueMu.Unlock()

		c.connMu.Lock()
		tx := c.tx
		c.connMu.Unlock()
		if tx != nil {
			ack := letter.Letter{Type: letter.TypeAck}
			tx.Enqueue(ack, func(err error) {
				if err == nil {
					c.onTransmitted(ack)
				}
			})
		}
		return 0, false
	}

	if bad := c.deliverUpward(l); bad {
		return ReasonSocket, true
	}
	return 0, false
}

// deliverUpward dispatches a received letter that either needed no local
// Ack, or whose local Ack has just been transmitted. It returns true if l
// cannot be honored (an undecodable Batch part).
func (c *Channel) deliverUpward(l letter.Letter) (bad bool) {
	switch l.Type {
	case letter.TypeInitialize:
		if len(l.Parts) > 0 {
			c.setRemoteNodeID(l.Parts[0])
		}
		c.completeInitialize()

	case letter.TypeUser:
		l.RemoteNodeId, _ = c.RemoteNodeID()
		if c.callbacks.Received != nil {
			c.callbacks.Received(c, l)
		}

	case letter.TypeBatch:
		for _, part := range l.Parts {
			inner, err := letter.Decode(part)
			if err != nil {
				return true
			}
			inner.RemoteNodeId, _ = c.RemoteNodeID()
			if c.callbacks.Received != nil {
				c.callbacks.Received(c, inner)
			}
		}
	}
	return false
}

// touch resets the heartbeat idle baseline: any send or receive, via
// onTransmitted or onReceived, counts as activity.
func (c *Channel) touch() {
	c.lastActivityAt.Store(time.Now().UnixNano())
}

// Tick is driven externally, typically by one shared ticker per fleet.
// If activity occurred since the previous Tick, it records the new
// baseline; otherwise it enqueues a single silent Heartbeat. Because the
// Heartbeat's own transmission counts as activity, steady idle produces a
// Heartbeat roughly every other Tick — bounded, for a tick cadence equal
// to HeartbeatInterval, by 2×HeartbeatInterval.
func (c *Channel) Tick(now time.Time) {
	if c.State() != StateReady {
		return
	}
	last := c.lastActivityAt.Load()
	if last > c.lastTickBaseline.Load() {
		c.lastTickBaseline.Store(last)
		return
	}

	c.connMu.Lock()
	tx := c.tx
	c.connMu.Unlock()
	if tx == nil {
		return
	}
	hb := letter.Letter{Type: letter.TypeHeartbeat, Options: letter.OptSilentDiscard}
	tx.Enqueue(hb, func(err error) {
		if err == nil {
			c.onTransmitted(hb)
		}
	})
}

// Dispose shuts the channel down with ReasonRequested (a local, voluntary
// disconnect — never followed by a reconnect even on the Outbound side).
func (c *Channel) Dispose() {
	c.shutdown(ReasonRequested)
}

// shutdown is idempotent (guarded by the one-shot shuttingDown flag, reset
// on every Connected so an Outbound channel can shut down again after
// reconnecting) and runs a fixed teardown sequence: stop the I/O actors,
// close the socket, wait up to shutdownDrainTimeout
// for the reader to drain, fail every still-queued User/Batch letter, and
// — only if the channel had reached Ready — raise ChannelDisconnected and
// invoke the direction-specific post-disconnect hook.
func (c *Channel) shutdown(reason DisconnectReason) {
	if !c.shuttingDown.CompareAndSwap(false, true) {
		return
	}

	prevState := c.State()
	c.setState(StateShuttingDown)
	c.connected.Store(false)

	c.connMu.Lock()
	conn := c.conn
	tx := c.tx
	c.connMu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if tx != nil {
		tx.Close()
	}

	select {
	case <-c.readerDone:
	case <-time.After(shutdownDrainTimeout):
		c.logger.Warn("shutdown: reader actor did not drain in time")
	}

	c.queueMu.Lock()
	remaining := c.pendingAck
	c.pendingAck = nil
	c.incomingAck = nil
	c.queueMu.Unlock()

	for _, l := range remaining {
		if l.Type == letter.TypeUser || l.Type == letter.TypeBatch {
			if c.callbacks.FailedToSend != nil {
				c.callbacks.FailedToSend(c, l)
			}
		}
	}

	c.setState(StateDisconnected)

	if prevState == StateReady {
		if c.callbacks.Disconnected != nil {
			c.callbacks.Disconnected(c, reason)
		}
		if c.postDisconnect != nil {
			c.postDisconnect(reason)
		}
	}
}
