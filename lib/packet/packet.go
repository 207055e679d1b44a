// Package packet provides the wire format shared by the scanner host and its workers.
// This file contains the packet header layout, constants and the encode/decode functions.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Type identifies the kind of packet. Values are single bits so that a set of
// expected types fits in a TypeSet.
type Type uint32

const (
	TypeVersion Type = 1 // Version handshake, both directions
	TypeLoad    Type = 2 // Host asks the worker to probe a candidate
	TypeDetails Type = 4 // Worker answers a LOAD with serialized record chunks
	TypeExit    Type = 8 // Graceful shutdown, echoed by the worker
)

// String returns the string representation of Type
func (t Type) String() string {
	switch t {
	case TypeVersion:
		return "VERSION"
	case TypeLoad:
		return "LOAD"
	case TypeDetails:
		return "DETAILS"
	case TypeExit:
		return "EXIT"
	default:
		return fmt.Sprintf("Type(%d)", uint32(t))
	}
}

const (
	// 4 Bytes for the type, 4 Bytes for the sequence, 4 Bytes for the payload size and 4 Bytes for the magic
	HeaderSize = 16

	// Magic must be present in every header; anything else means the stream is out of sync.
	Magic uint32 = 0xbefec0ae

	// MaxPacketSize bounds a whole packet, header included.
	MaxPacketSize = 32 * 1024 * 1024

	// MaxPayloadSize is the largest payload a header may declare.
	MaxPayloadSize = MaxPacketSize - HeaderSize
)

var (
	// ErrCorruptPacket is returned for a header with a bad magic or an oversized payload.
	ErrCorruptPacket = errors.New("corrupt packet")

	// ErrPayloadTooLarge is returned when encoding or buffering more than the hard cap.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Header is the fixed 16-byte prefix of every packet.
type Header struct {
	Type        Type
	Sequence    uint32
	PayloadSize uint32
	Magic       uint32
}

// Packet is a fully received packet.
type Packet struct {
	Type     Type
	Sequence uint32
	Payload  []byte
}

// Encode serializes a packet as [type][seq][payload_size][magic][payload...], big endian.
func Encode(t Type, seq uint32, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds maximum %d", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}

	buf := make([]byte, HeaderSize+len(payload))
	PutHeader(buf, Header{
		Type:        t,
		Sequence:    seq,
		PayloadSize: uint32(len(payload)),
		Magic:       Magic,
	})
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// PutHeader writes h into the first HeaderSize bytes of dst.
func PutHeader(dst []byte, h Header) {
	binary.BigEndian.PutUint32(dst[0:4], uint32(h.Type))
	binary.BigEndian.PutUint32(dst[4:8], h.Sequence)
	binary.BigEndian.PutUint32(dst[8:12], h.PayloadSize)
	binary.BigEndian.PutUint32(dst[12:16], h.Magic)
}

// DecodeHeader parses and validates a header. It only looks at the first
// HeaderSize bytes, so an oversized payload is rejected before any of it is read.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header is %d bytes, need %d", ErrCorruptPacket, len(b), HeaderSize)
	}

	h := Header{
		Type:        Type(binary.BigEndian.Uint32(b[0:4])),
		Sequence:    binary.BigEndian.Uint32(b[4:8]),
		PayloadSize: binary.BigEndian.Uint32(b[8:12]),
		Magic:       binary.BigEndian.Uint32(b[12:16]),
	}

	if h.Magic != Magic {
		return Header{}, fmt.Errorf("%w: bad magic 0x%08x", ErrCorruptPacket, h.Magic)
	}
	if h.PayloadSize > MaxPayloadSize {
		return Header{}, fmt.Errorf("%w: payload size %d exceeds maximum %d", ErrCorruptPacket, h.PayloadSize, MaxPayloadSize)
	}
	return h, nil
}

// DecodePayload assembles a packet from a validated header and exactly
// PayloadSize bytes of payload. The payload is copied.
func DecodePayload(h Header, b []byte) (*Packet, error) {
	if uint32(len(b)) != h.PayloadSize {
		return nil, fmt.Errorf("%w: got %d payload bytes, header declares %d", ErrCorruptPacket, len(b), h.PayloadSize)
	}

	p := &Packet{
		Type:     h.Type,
		Sequence: h.Sequence,
	}
	if len(b) > 0 {
		p.Payload = make([]byte, len(b))
		copy(p.Payload, b)
	}
	return p, nil
}

// Decode parses a complete encoded packet.
func Decode(b []byte) (*Packet, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return nil, err
	}
	return DecodePayload(h, b[HeaderSize:])
}

// TypeSet is a bitmask of packet types.
type TypeSet uint32

// SetOf builds a TypeSet from the given types.
func SetOf(types ...Type) TypeSet {
	var s TypeSet
	for _, t := range types {
		s |= TypeSet(t)
	}
	return s
}

// Has reports whether t is in the set.
func (s TypeSet) Has(t Type) bool {
	// Only single-bit values are real packet types.
	if t == 0 || t&(t-1) != 0 {
		return false
	}
	return TypeSet(t)&s != 0
}
