// Package letter implements the Hyperletter wire format: a discrete,
// self-delimiting message unit exchanged between nodes, and the codec
// that turns it into a length-prefixed byte frame and back.
package letter

import "encoding/hex"

// LetterType identifies the role a Letter plays in the channel protocol.
type LetterType uint8

const (
	// TypeInitialize carries the sender's NodeId during the handshake.
	TypeInitialize LetterType = iota
	// TypeUser carries application payload.
	TypeUser
	// TypeBatch carries a sequence of serialized Letters as its Parts.
	TypeBatch
	// TypeAck acknowledges a single previously received Letter.
	TypeAck
	// TypeHeartbeat is a zero-part idle-detection frame; never surfaced upward.
	TypeHeartbeat
)

func (t LetterType) String() string {
	switch t {
	case TypeInitialize:
		return "Initialize"
	case TypeUser:
		return "User"
	case TypeBatch:
		return "Batch"
	case TypeAck:
		return "Ack"
	case TypeHeartbeat:
		return "Heartbeat"
	default:
		return "Unknown"
	}
}

// Options is a bitset of per-letter delivery modifiers.
type Options uint8

const (
	// OptAck requests per-letter acknowledgement from the peer.
	OptAck Options = 1 << iota
	// OptSilentDiscard drops the letter without notifying the sender if undeliverable.
	OptSilentDiscard
	// OptUniqueId means Id carries a meaningful correlation identifier.
	OptUniqueId
	// OptMulticast delivers the letter on every ready channel, not one.
	OptMulticast
)

// Has reports whether flag is set.
func (o Options) Has(flag Options) bool { return o&flag != 0 }

// NodeID is the 128-bit identifier a process presents during the
// Initialize handshake.
type NodeID [16]byte

// String renders the canonical 8-4-4-4-12 hyphenated form, matching
// github.com/google/uuid's formatting so a NodeID round-trips through
// uuid.Parse.
func (id NodeID) String() string {
	var buf [36]byte
	hex.Encode(buf[:8], id[:4])
	buf[8] = '-'
	hex.Encode(buf[9:13], id[4:6])
	buf[13] = '-'
	hex.Encode(buf[14:18], id[6:8])
	buf[18] = '-'
	hex.Encode(buf[19:23], id[8:10])
	buf[23] = '-'
	hex.Encode(buf[24:], id[10:16])
	return string(buf[:])
}

// Letter is one application-level message unit.
type Letter struct {
	Type LetterType
	Options
	Id NodeID // valid iff Options.Has(OptUniqueId)

	// Parts is the ordered payload. For Batch, each part is itself a
	// fully encoded Letter frame. For Initialize, the single part is the
	// sender's NodeId.
	Parts [][]byte

	// RemoteNodeId is populated by the receive pipeline (Channel, after
	// its handshake has completed) and is never put on the wire.
	RemoteNodeId NodeID
}

// requiresAck reports whether l must go through the per-channel
// pending-ack queue when enqueued for send.
func (l Letter) requiresAck() bool {
	switch l.Type {
	case TypeInitialize, TypeUser, TypeBatch:
		return true
	default:
		return false
	}
}

// RequiresAck is the exported form of requiresAck, used by the channel
// engine to decide which queue a letter belongs to.
func (l Letter) RequiresAck() bool { return l.requiresAck() }
