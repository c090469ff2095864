// Package wsproto implements the subset of the RFC 6455 wire protocol that
// doorbell speaks: unfragmented frames, client masking, control frames and the
// opening-handshake accept key.
package wsproto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Opcode identifies the purpose of a frame.
type Opcode uint8

// Frame opcodes from RFC 6455 section 5.2.
const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// IsControl reports whether o is a control opcode (close, ping, pong and the
// reserved 0xB-0xF range).
func (o Opcode) IsControl() bool {
	return o&0x8 != 0
}

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("opcode(0x%X)", uint8(o))
	}
}

const (
	finBit   = 0x80
	rsvBits  = 0x70
	maskBit  = 0x80
	len7Max  = 125
	len16Tag = 126
	len64Tag = 127

	// MaxControlPayload is the largest payload a control frame may carry.
	MaxControlPayload = 125

	// MaxPayloadSize bounds inbound payloads. Clients have no inbound message
	// types, so anything beyond this is abuse rather than traffic.
	MaxPayloadSize = 1 << 20
)

// Frame is one parsed, unfragmented frame.
type Frame struct {
	Payload []byte
	Opcode  Opcode
}

// Decode errors. All of them are fatal for the connection that produced the bytes.
var (
	ErrReservedBits   = errors.New("reserved bits set without a negotiated extension")
	ErrFragmented     = errors.New("fragmented frames are not supported")
	ErrControlTooLong = errors.New("control frame payload exceeds 125 bytes")
	ErrTooLarge       = errors.New("frame payload exceeds limit")
)

// EncodeFrame builds a server-to-client frame. Server frames always carry
// FIN=1 and are never masked.
func EncodeFrame(payload []byte, op Opcode) []byte {
	n := len(payload)
	var out []byte
	switch {
	case n <= len7Max:
		out = make([]byte, 2, 2+n)
		out[1] = byte(n)
	case n <= 0xFFFF:
		out = make([]byte, 4, 4+n)
		out[1] = len16Tag
		binary.BigEndian.PutUint16(out[2:], uint16(n))
	default:
		out = make([]byte, 10, 10+n)
		out[1] = len64Tag
		binary.BigEndian.PutUint64(out[2:], uint64(n))
	}
	out[0] = finBit | byte(op&0x0F)
	return append(out, payload...)
}

// MaskFrame builds a client-to-server frame masked with key. The server never
// sends these; the bundled client and the tests do.
func MaskFrame(payload []byte, op Opcode, key [4]byte) []byte {
	frame := EncodeFrame(payload, op)
	hdr := len(frame) - len(payload)

	out := make([]byte, 0, len(frame)+4)
	out = append(out, frame[:hdr]...)
	out[1] |= maskBit
	out = append(out, key[:]...)
	start := len(out)
	out = append(out, payload...)
	applyMask(out[start:], key)
	return out
}

// DecodeFrame parses one frame from the front of buf and returns it along with
// the number of bytes consumed. When buf does not yet hold a whole frame it
// returns (nil, 0, nil) and the caller should wait for more bytes.
func DecodeFrame(buf []byte) (*Frame, int, error) {
	if len(buf) < 2 {
		return nil, 0, nil
	}

	b0, b1 := buf[0], buf[1]
	op := Opcode(b0 & 0x0F)

	if b0&rsvBits != 0 {
		return nil, 0, ErrReservedBits
	}
	if b0&finBit == 0 || op == OpContinuation {
		return nil, 0, ErrFragmented
	}

	pos := 2
	length := uint64(b1 & 0x7F)
	switch length {
	case len16Tag:
		if len(buf) < pos+2 {
			return nil, 0, nil
		}
		length = uint64(binary.BigEndian.Uint16(buf[pos:]))
		pos += 2
	case len64Tag:
		if len(buf) < pos+8 {
			return nil, 0, nil
		}
		length = binary.BigEndian.Uint64(buf[pos:])
		pos += 8
		if length>>63 != 0 {
			return nil, 0, fmt.Errorf("%w: 64-bit length has MSB set", ErrTooLarge)
		}
	}

	if op.IsControl() && length > MaxControlPayload {
		return nil, 0, ErrControlTooLong
	}
	if length > MaxPayloadSize {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrTooLarge, length)
	}

	var key [4]byte
	masked := b1&maskBit != 0
	if masked {
		if len(buf) < pos+4 {
			return nil, 0, nil
		}
		copy(key[:], buf[pos:pos+4])
		pos += 4
	}

	end := pos + int(length)
	if len(buf) < end {
		return nil, 0, nil
	}

	payload := make([]byte, length)
	copy(payload, buf[pos:end])
	if masked {
		applyMask(payload, key)
	}

	return &Frame{Opcode: op, Payload: payload}, end, nil
}

func applyMask(p []byte, key [4]byte) {
	for i := range p {
		p[i] ^= key[i%4]
	}
}
