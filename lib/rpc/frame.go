// Package rpc implements the length-framed binary transport that carries
// agent and daemon RPC traffic over vsock and Unix sockets: a 4-byte
// big-endian length prefix followed by a gob-encoded Frame, multiplexed
// over one connection by stream id so a provision/exec call's streamed
// output can run alongside a concurrent log subscription.
package rpc

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"io"

	"github.com/rumvm/rum/lib/rumerr"
)

// maxFrameSize bounds a single frame's payload, guarding against a
// corrupt or hostile length prefix causing an unbounded allocation.
const maxFrameSize = 64 << 20

// FrameKind distinguishes what a Frame carries.
type FrameKind uint8

const (
	// FrameCall opens a new call: Method and Payload (the gob-encoded
	// request) are set.
	FrameCall FrameKind = iota
	// FrameData carries one streamed chunk (a Tx/Rx element) on an
	// already-open call.
	FrameData
	// FrameResponse carries a unary call's final, successful result and
	// ends the stream.
	FrameResponse
	// FrameError ends the stream with a failure; Payload is the error
	// text.
	FrameError
	// FrameEnd ends a streaming call's data portion without itself
	// carrying a result; a FrameResponse or FrameError with the same
	// stream id follows.
	FrameEnd
)

// Frame is the unit exchanged over a Conn. StreamID scopes a call: the
// caller picks a fresh id per call and every frame belonging to that call
// carries it, so multiple calls interleave freely on one connection.
type Frame struct {
	StreamID uint64
	Kind     FrameKind
	Method   string
	Payload  []byte
}

// WriteFrame writes f to w as a length-prefixed gob blob.
func WriteFrame(w io.Writer, f Frame) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(f); err != nil {
		return rumerr.Wrap(rumerr.Io, "encoding rpc frame", err)
	}
	if buf.Len() > maxFrameSize {
		return rumerr.New(rumerr.Io, "rpc frame exceeds maximum size")
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return rumerr.Wrap(rumerr.Io, "writing rpc frame length", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return rumerr.Wrap(rumerr.Io, "writing rpc frame body", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed gob-encoded Frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameSize {
		return Frame{}, rumerr.New(rumerr.Io, "rpc frame exceeds maximum size")
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, rumerr.Wrap(rumerr.Io, "reading rpc frame body", err)
	}

	var f Frame
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&f); err != nil {
		return Frame{}, rumerr.Wrap(rumerr.Io, "decoding rpc frame", err)
	}
	return f, nil
}

// EncodePayload gob-encodes v for use as a Frame's Payload.
func EncodePayload(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, rumerr.Wrap(rumerr.Io, "encoding rpc payload", err)
	}
	return buf.Bytes(), nil
}

// DecodePayload gob-decodes a Frame's Payload into v.
func DecodePayload(payload []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(v); err != nil {
		return rumerr.Wrap(rumerr.Io, "decoding rpc payload", err)
	}
	return nil
}
