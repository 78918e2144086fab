// Package wsframe implements RFC 6455 frame parsing and building for the
// websocket bridge. The relay cannot use a websocket library on this hop:
// browser-to-server frames arrive masked, but the copy written back to the
// browser must be re-framed unmasked, so the payload has to be lifted out of
// its frame and re-wrapped per direction.
package wsframe

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame opcodes (RFC 6455 section 5.2).
const (
	OpContinuation byte = 0x0
	OpText         byte = 0x1
	OpBinary       byte = 0x2
	OpClose        byte = 0x8
	OpPing         byte = 0x9
	OpPong         byte = 0xA
)

// ErrIncomplete signals that the buffer does not yet hold a complete frame.
// TCP delivers arbitrary chunk boundaries; callers buffer and retry.
var ErrIncomplete = errors.New("wsframe: incomplete frame")

// Frame is one parsed websocket frame with its payload already unmasked.
type Frame struct {
	FIN     bool
	Opcode  byte
	Masked  bool
	Payload []byte
}

// IsControl reports whether the frame is a control frame (close/ping/pong).
func (f Frame) IsControl() bool { return f.Opcode&0x8 != 0 }

// Parse reads one frame from the front of buf. It returns the frame and the
// number of bytes consumed, or ErrIncomplete when more bytes are needed.
// Other errors indicate an unrecoverable protocol violation.
func Parse(buf []byte) (Frame, int, error) {
	if len(buf) < 2 {
		return Frame{}, 0, ErrIncomplete
	}
	f := Frame{
		FIN:    buf[0]&0x80 != 0,
		Opcode: buf[0] & 0x0F,
		Masked: buf[1]&0x80 != 0,
	}
	length := uint64(buf[1] & 0x7F)
	offset := 2
	switch length {
	case 126:
		if len(buf) < offset+2 {
			return Frame{}, 0, ErrIncomplete
		}
		length = uint64(binary.BigEndian.Uint16(buf[offset:]))
		offset += 2
	case 127:
		if len(buf) < offset+8 {
			return Frame{}, 0, ErrIncomplete
		}
		length = binary.BigEndian.Uint64(buf[offset:])
		offset += 8
		if length > 1<<32-1 {
			return Frame{}, 0, fmt.Errorf("wsframe: payload length %d exceeds 32-bit limit", length)
		}
	}
	var maskKey [4]byte
	if f.Masked {
		if len(buf) < offset+4 {
			return Frame{}, 0, ErrIncomplete
		}
		copy(maskKey[:], buf[offset:offset+4])
		offset += 4
	}
	end := offset + int(length)
	if end < offset || len(buf) < end {
		return Frame{}, 0, ErrIncomplete
	}
	payload := make([]byte, length)
	copy(payload, buf[offset:end])
	if f.Masked {
		for i := range payload {
			payload[i] ^= maskKey[i%4]
		}
	}
	f.Payload = payload
	return f, end, nil
}

// Build wraps payload in a FIN=1, unmasked frame. Unmasked frames are only
// valid in the server-to-client direction; the client-to-server copy is
// produced by the browser itself, never by the relay.
func Build(payload []byte, isBinary bool) []byte {
	opcode := OpText
	if isBinary {
		opcode = OpBinary
	}
	return BuildOpcode(payload, opcode)
}

// BuildOpcode is Build with an explicit opcode, used for close frames.
func BuildOpcode(payload []byte, opcode byte) []byte {
	n := len(payload)
	var header []byte
	switch {
	case n < 126:
		header = []byte{0x80 | opcode, byte(n)}
	case n < 1<<16:
		header = make([]byte, 4)
		header[0] = 0x80 | opcode
		header[1] = 126
		binary.BigEndian.PutUint16(header[2:], uint16(n))
	default:
		header = make([]byte, 10)
		header[0] = 0x80 | opcode
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:], uint64(n))
	}
	out := make([]byte, 0, len(header)+n)
	out = append(out, header...)
	out = append(out, payload...)
	return out
}

// ClosePayload encodes a close frame body: big-endian status code followed by
// the UTF-8 reason. A zero code yields an empty body (no status present).
func ClosePayload(code int, reason string) []byte {
	if code == 0 {
		return nil
	}
	out := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(out, uint16(code))
	copy(out[2:], reason)
	return out
}

// ParseClose decodes a close frame body. Returns 0, "" when the body carries
// no status code.
func ParseClose(payload []byte) (code int, reason string) {
	if len(payload) < 2 {
		return 0, ""
	}
	return int(binary.BigEndian.Uint16(payload)), string(payload[2:])
}

// Assembler buffers raw socket chunks and yields complete frames, so callers
// never care where TCP split the stream.
type Assembler struct {
	buf []byte
}

// Push appends a raw chunk read from the socket.
func (a *Assembler) Push(p []byte) {
	a.buf = append(a.buf, p...)
}

// Next returns the next complete frame, or ErrIncomplete when the buffered
// bytes do not yet form one. A non-ErrIncomplete error poisons the stream and
// the connection should be dropped.
func (a *Assembler) Next() (Frame, error) {
	f, n, err := Parse(a.buf)
	if err != nil {
		return Frame{}, err
	}
	a.buf = a.buf[n:]
	return f, nil
}

// Buffered returns the number of bytes waiting for a complete frame.
func (a *Assembler) Buffered() int { return len(a.buf) }

// Reset discards buffered bytes after a poisoned parse.
func (a *Assembler) Reset() { a.buf = nil }
