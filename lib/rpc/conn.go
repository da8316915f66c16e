package rpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rumvm/rum/lib/rumerr"
)

// ErrClosed is returned by Conn operations once the underlying transport
// has been closed or has failed.
var ErrClosed = errors.New("rpc: connection closed")

// Conn multiplexes calls over one net.Conn by stream id: a readLoop
// goroutine demultiplexes incoming frames into per-stream channels, and
// writes are serialized by a mutex since net.Conn.Write isn't safe for
// concurrent callers on its own.
type Conn struct {
	nc net.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	streams map[uint64]chan Frame
	nextID  uint64
	parity  uint64

	incoming chan *IncomingCall

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// NewConn wraps nc and starts demultiplexing frames in the background.
// clientSide picks which half of the stream-id space this end allocates
// from (odd for true, even for false) so a call this Conn opens can never
// collide with one the peer's Conn opens on its own, even though each side
// numbers its own calls independently. incomingBacklog bounds how many
// not-yet-Accept'd incoming calls queue before the read loop blocks; 0
// picks a small default.
func NewConn(nc net.Conn, clientSide bool, incomingBacklog int) *Conn {
	if incomingBacklog <= 0 {
		incomingBacklog = 32
	}
	parity := uint64(0)
	if clientSide {
		parity = 1
	}
	c := &Conn{
		nc:       nc,
		streams:  make(map[uint64]chan Frame),
		parity:   parity,
		incoming: make(chan *IncomingCall, incomingBacklog),
		closed:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Close shuts down the connection and unblocks every pending Call, Stream
// read, and Accept.
func (c *Conn) Close() error {
	c.shutdown(ErrClosed)
	return c.nc.Close()
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = err
		for _, ch := range c.streams {
			close(ch)
		}
		c.streams = nil
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *Conn) readLoop() {
	for {
		f, err := ReadFrame(c.nc)
		if err != nil {
			c.shutdown(err)
			close(c.incoming)
			return
		}

		if f.Kind == FrameCall {
			ch := make(chan Frame, 16)
			c.mu.Lock()
			if c.streams == nil {
				c.mu.Unlock()
				return
			}
			c.streams[f.StreamID] = ch
			c.mu.Unlock()

			call := &IncomingCall{
				conn:     c,
				streamID: f.StreamID,
				method:   f.Method,
				payload:  f.Payload,
				frames:   ch,
			}
			select {
			case c.incoming <- call:
			case <-c.closed:
				return
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.streams[f.StreamID]
		c.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case ch <- f:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) newStream() (uint64, chan Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streams == nil {
		return 0, nil, c.closeErr
	}
	id := atomic.AddUint64(&c.nextID, 1)*2 + c.parity
	ch := make(chan Frame, 16)
	c.streams[id] = ch
	return id, ch, nil
}

func (c *Conn) dropStream(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streams == nil {
		return
	}
	if ch, ok := c.streams[id]; ok {
		delete(c.streams, id)
		close(ch)
	}
}

func (c *Conn) writeFrame(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	return WriteFrame(c.nc, f)
}

// Call makes a unary request: method named by method, req gob-encoded as
// the request, resp (if non-nil) decoded from the response payload.
func (c *Conn) Call(ctx context.Context, method string, req, resp any) error {
	stream, err := c.OpenCall(ctx, method, req)
	if err != nil {
		return err
	}
	defer stream.Close()
	return stream.Result(ctx, resp)
}

// OpenCall opens a streaming call and returns a Stream the caller can
// read FrameData chunks from before consuming the final Result.
func (c *Conn) OpenCall(ctx context.Context, method string, req any) (*Stream, error) {
	payload, err := EncodePayload(req)
	if err != nil {
		return nil, err
	}

	id, ch, err := c.newStream()
	if err != nil {
		return nil, err
	}

	if err := c.writeFrame(Frame{StreamID: id, Kind: FrameCall, Method: method, Payload: payload}); err != nil {
		c.dropStream(id)
		return nil, err
	}

	return &Stream{conn: c, id: id, frames: ch}, nil
}

// Accept blocks until a peer opens a new call, or ctx is cancelled, or
// the connection closes.
func (c *Conn) Accept(ctx context.Context) (*IncomingCall, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, c.closeErr
	case call, ok := <-c.incoming:
		if !ok {
			return nil, c.closeErr
		}
		return call, nil
	}
}

// Stream is the caller-side handle for one in-flight call: Recv drains
// any FrameData chunks the callee streams back, and Result waits for the
// final FrameResponse or FrameError.
type Stream struct {
	conn    *Conn
	id      uint64
	frames  chan Frame
	done    bool
	pending *Frame
}

// Send writes one FrameData chunk on this call, for client-to-server
// streaming (e.g. write_file's upload chunks).
func (s *Stream) Send(v any) error {
	payload, err := EncodePayload(v)
	if err != nil {
		return err
	}
	return s.conn.writeFrame(Frame{StreamID: s.id, Kind: FrameData, Payload: payload})
}

// CloseSend signals that no more FrameData chunks are coming from this
// side; the call itself stays open until the callee responds.
func (s *Stream) CloseSend() error {
	return s.conn.writeFrame(Frame{StreamID: s.id, Kind: FrameEnd})
}

// Recv decodes the next streamed chunk into v. ok is false once the
// call has reached its final response or error; call Result to retrieve
// it.
func (s *Stream) Recv(ctx context.Context, v any) (ok bool, err error) {
	if s.done {
		return false, nil
	}
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case f, chOk := <-s.frames:
		if !chOk {
			return false, ErrClosed
		}
		switch f.Kind {
		case FrameData:
			if v != nil {
				if err := DecodePayload(f.Payload, v); err != nil {
					return false, err
				}
			}
			return true, nil
		case FrameEnd:
			return s.Recv(ctx, v)
		case FrameResponse, FrameError:
			s.done = true
			s.pending = &f
			return false, nil
		default:
			return false, rumerr.New(rumerr.Io, "unexpected rpc frame kind")
		}
	}
}

// Result waits for the call's final outcome, decoding a successful
// response into resp (ignored if nil). Safe to call directly without a
// preceding Recv loop for calls that stream nothing back.
func (s *Stream) Result(ctx context.Context, resp any) error {
	if s.pending == nil {
		for {
			ok, err := s.Recv(ctx, nil)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
		}
	}
	if s.pending == nil {
		return ErrClosed
	}
	switch s.pending.Kind {
	case FrameResponse:
		if resp == nil {
			return nil
		}
		return DecodePayload(s.pending.Payload, resp)
	case FrameError:
		return errors.New(string(s.pending.Payload))
	default:
		return rumerr.New(rumerr.Io, "unexpected rpc frame kind")
	}
}

// Close releases this call's stream slot. Safe to call more than once.
func (s *Stream) Close() {
	s.conn.dropStream(s.id)
}

// IncomingCall is the callee-side handle for one call a peer opened via
// OpenCall.
type IncomingCall struct {
	conn     *Conn
	streamID uint64
	method   string
	payload  []byte
	frames   chan Frame
}

// Method is the name the caller opened this call with.
func (c *IncomingCall) Method() string { return c.method }

// DecodeRequest decodes the call's initial request payload into v.
func (c *IncomingCall) DecodeRequest(v any) error {
	return DecodePayload(c.payload, v)
}

// Recv reads the next client-to-server FrameData chunk the caller streamed
// on this call (e.g. write_file's upload chunks), decoding it into v. ok is
// false once the caller has sent FrameEnd; if the connection has closed,
// Recv returns ErrClosed.
func (c *IncomingCall) Recv(ctx context.Context, v any) (ok bool, err error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case f, chOk := <-c.frames:
		if !chOk {
			return false, ErrClosed
		}
		switch f.Kind {
		case FrameData:
			if v != nil {
				if err := DecodePayload(f.Payload, v); err != nil {
					return false, err
				}
			}
			return true, nil
		case FrameEnd:
			return false, nil
		default:
			return false, rumerr.New(rumerr.Io, "unexpected rpc frame kind")
		}
	}
}

// Send streams one chunk back to the caller.
func (c *IncomingCall) Send(v any) error {
	payload, err := EncodePayload(v)
	if err != nil {
		return err
	}
	return c.conn.writeFrame(Frame{StreamID: c.streamID, Kind: FrameData, Payload: payload})
}

// Respond sends the call's final successful result and ends the stream.
func (c *IncomingCall) Respond(v any) error {
	defer c.conn.dropStream(c.streamID)
	payload, err := EncodePayload(v)
	if err != nil {
		return err
	}
	return c.conn.writeFrame(Frame{StreamID: c.streamID, Kind: FrameResponse, Payload: payload})
}

// Fail ends the stream with an error the caller's Result/Call observes.
func (c *IncomingCall) Fail(err error) error {
	defer c.conn.dropStream(c.streamID)
	return c.conn.writeFrame(Frame{StreamID: c.streamID, Kind: FrameError, Payload: []byte(err.Error())})
}
