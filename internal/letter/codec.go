package letter

import (
	"encoding/binary"
	"errors"
)

// ErrMalformedFrame is returned by Decode/DecodeBody when a frame's
// declared lengths do not match its actual bytes.
var ErrMalformedFrame = errors.New("letter: malformed frame")

// LengthPrefixSize is the size, in bytes, of the leading total_length field.
const LengthPrefixSize = 4

// minBodySize is the smallest possible body: 1 byte type + 1 byte options +
// 2 byte part_count, with no id and no parts.
const minBodySize = 1 + 1 + 2

// Encode serializes l into a complete wire frame: a little-endian uint32
// total length (inclusive of itself) followed by the body.
func Encode(l Letter) []byte {
	body := EncodeBody(l)
	frame := make([]byte, LengthPrefixSize+len(body))
	binary.LittleEndian.PutUint32(frame[:LengthPrefixSize], uint32(LengthPrefixSize+len(body)))
	copy(frame[LengthPrefixSize:], body)
	return frame
}

// EncodeBody serializes l's type/options/[id]/part_count/parts, without
// the leading length prefix. LetterReceiver accumulates exactly this many
// bytes per frame before calling DecodeBody.
func EncodeBody(l Letter) []byte {
	size := 1 + 1 + 2 // type + options + part_count
	if l.Options.Has(OptUniqueId) {
		size += 16
	}
	for _, part := range l.Parts {
		size += 4 + len(part)
	}

	body := make([]byte, size)
	pos := 0
	body[pos] = byte(l.Type)
	pos++
	body[pos] = byte(l.Options)
	pos++
	if l.Options.Has(OptUniqueId) {
		copy(body[pos:pos+16], l.Id[:])
		pos += 16
	}
	binary.LittleEndian.PutUint16(body[pos:pos+2], uint16(len(l.Parts)))
	pos += 2
	for _, part := range l.Parts {
		binary.LittleEndian.PutUint32(body[pos:pos+4], uint32(len(part)))
		pos += 4
		copy(body[pos:pos+len(part)], part)
		pos += len(part)
	}
	return body
}

// Decode parses a complete wire frame (including its length prefix) back
// into a Letter. It fails with ErrMalformedFrame if the declared total
// length does not match len(frame), or if DecodeBody rejects the body.
func Decode(frame []byte) (Letter, error) {
	if len(frame) < LengthPrefixSize {
		return Letter{}, ErrMalformedFrame
	}
	total := binary.LittleEndian.Uint32(frame[:LengthPrefixSize])
	if int(total) != len(frame) {
		return Letter{}, ErrMalformedFrame
	}
	return DecodeBody(frame[LengthPrefixSize:])
}

// DecodeBody parses everything after the length prefix: type, options,
// optional id, part count, and parts. body must be exactly the bytes of
// one frame's body — the caller (LetterReceiver) is responsible for
// knowing where the body ends (it read total_length itself).
func DecodeBody(body []byte) (Letter, error) {
	if len(body) < minBodySize {
		return Letter{}, ErrMalformedFrame
	}

	pos := 0
	l := Letter{
		Type:    LetterType(body[pos]),
		Options: Options(body[pos+1]),
	}
	pos += 2

	if l.Options.Has(OptUniqueId) {
		if len(body) < pos+16 {
			return Letter{}, ErrMalformedFrame
		}
		copy(l.Id[:], body[pos:pos+16])
		pos += 16
	}

	if len(body) < pos+2 {
		return Letter{}, ErrMalformedFrame
	}
	partCount := binary.LittleEndian.Uint16(body[pos : pos+2])
	pos += 2

	if partCount > 0 {
		l.Parts = make([][]byte, 0, partCount)
	}
	for i := 0; i < int(partCount); i++ {
		if len(body) < pos+4 {
			return Letter{}, ErrMalformedFrame
		}
		partLen := binary.LittleEndian.Uint32(body[pos : pos+4])
		pos += 4
		if uint64(pos)+uint64(partLen) > uint64(len(body)) {
			return Letter{}, ErrMalformedFrame
		}
		part := make([]byte, partLen)
		copy(part, body[pos:pos+int(partLen)])
		l.Parts = append(l.Parts, part)
		pos += int(partLen)
	}

	if pos != len(body) {
		return Letter{}, ErrMalformedFrame
	}
	return l, nil
}
