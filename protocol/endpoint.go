package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/gaetschwartz/nushell-sub000/pipe"
)

// Role tags which side of a duplex endpoint this process plays. The
// server side runs the background loop; the client side issues calls.
type Role uint8

const (
	RoleServer Role = iota
	RoleClient
)

// String returns the role name.
func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

var (
	// ErrAlreadyServing is returned by Serve/ServeSource while a
	// background loop is still running.
	ErrAlreadyServing = errors.New("endpoint already has a background loop")
	// ErrWrongRole is returned when a client operation runs on a server
	// endpoint or vice versa.
	ErrWrongRole = errors.New("operation not valid for this endpoint role")
	// ErrEndpointClosed is returned after Close.
	ErrEndpointClosed = errors.New("endpoint is closed")
)

// Handler answers one framed request on the server side. Returning
// stop=true exits the loop without writing anything further; returning a
// non-nil error sends a runtime-error response and keeps serving.
type Handler func(req *Request) (resp []byte, stop bool, err error)

// Endpoint is one side of a duplex channel built from two unidirectional
// pipes: this side reads requests (or responses) from in and writes to
// out. The two peers hold the pipe ends swapped so each side's writes
// reach the other's reads.
//
// An endpoint must not be reused after Close. Close joins the background
// loop when one is running; the loop itself only ends when the peer says
// goodbye, closes its pipe end, or a handler decides to stop — a blocked
// read cannot be interrupted from outside.
type Endpoint struct {
	in    io.Reader
	out   io.Writer
	fr    *FrameReader
	fw    *FrameWriter
	codec Codec
	role  Role

	mu        sync.Mutex
	serving   bool
	done      chan struct{}
	loopErr   error
	loopPanic any
	closed    bool
}

// NewEndpoint builds an endpoint over a read side and a write side with
// the wire codec both peers agreed on.
func NewEndpoint(in io.Reader, out io.Writer, role Role, codec Codec) *Endpoint {
	return &Endpoint{
		in:    in,
		out:   out,
		fr:    NewFrameReader(in),
		fw:    NewFrameWriter(out),
		role:  role,
		codec: codec,
	}
}

// Codec returns the wire codec in force.
func (e *Endpoint) Codec() Codec { return e.codec }

// Role returns which side of the channel this endpoint plays.
func (e *Endpoint) Role() Role { return e.role }

// Send writes one framed request. Most callers want Call; Send exists so
// a transport can put the write on its own thread while another thread
// blocks reading the response.
func (e *Endpoint) Send(req *Request) error {
	if e.role != RoleClient {
		return ErrWrongRole
	}
	payload, err := e.codec.Marshal(req)
	if err != nil {
		return fmt.Errorf("request serialization failed: %w", err)
	}
	return e.fw.WriteFrame(payload)
}

// Receive blocks reading one framed response and checks it answers the
// given call id. A runtime error on the wire comes back as *RuntimeError,
// not as a protocol failure.
func (e *Endpoint) Receive(id []byte) ([]byte, error) {
	if e.role != RoleClient {
		return nil, ErrWrongRole
	}
	payload, err := e.fr.ReadFrame()
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := e.codec.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("response deserialization failed: %w", err)
	}
	if !bytes.Equal(resp.ID, id) {
		return nil, fmt.Errorf("response id mismatch: sent %x, got %x", id, resp.ID)
	}
	if resp.Err != nil {
		return nil, &RuntimeError{Message: resp.Err.Message}
	}
	return resp.Ok, nil
}

// Call writes one framed request, flushes, and blocks until the matching
// response arrives.
func (e *Endpoint) Call(op string, body []byte) ([]byte, error) {
	req := &Request{ID: NewCallID(), Op: op, Body: body}
	if err := e.Send(req); err != nil {
		return nil, err
	}
	return e.Receive(req.ID)
}

// Goodbye tells the peer's loop to stop. The channel carries nothing
// further after it.
func (e *Endpoint) Goodbye() error {
	return e.fw.WriteGoodbye()
}

// Serve spawns the background loop answering framed requests with the
// given handler. The loop ends on goodbye, peer close, or a handler stop
// decision; Close joins it.
func (e *Endpoint) Serve(handler Handler) error {
	if e.role != RoleServer {
		return ErrWrongRole
	}
	if err := e.startLoop(); err != nil {
		return err
	}
	go e.runLoop(func() error { return e.serveCalls(handler) })
	return nil
}

// ServeSource spawns the background loop serving src through the fixed
// command protocol instead of typed requests. The loop ends on ReadAll,
// Close, or the peer closing its command pipe; Close joins it.
func (e *Endpoint) ServeSource(src io.Reader) error {
	if e.role != RoleServer {
		return ErrWrongRole
	}
	if err := e.startLoop(); err != nil {
		return err
	}
	go e.runLoop(func() error { return ServeByteSource(e.in, e.out, src) })
	return nil
}

// Source returns the client-side driver for a peer running ServeSource.
func (e *Endpoint) Source() (*SourceClient, error) {
	if e.role != RoleClient {
		return nil, ErrWrongRole
	}
	return NewSourceClient(e.out, e.in), nil
}

func (e *Endpoint) startLoop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEndpointClosed
	}
	if e.serving {
		return ErrAlreadyServing
	}
	e.serving = true
	e.done = make(chan struct{})
	return nil
}

func (e *Endpoint) runLoop(loop func() error) {
	defer close(e.done)
	defer func() {
		if p := recover(); p != nil {
			e.mu.Lock()
			e.loopPanic = p
			e.mu.Unlock()
		}
	}()
	err := loop()
	e.mu.Lock()
	e.loopErr = err
	e.mu.Unlock()
}

func (e *Endpoint) serveCalls(handler Handler) error {
	for {
		payload, err := e.fr.ReadFrame()
		if errors.Is(err, ErrGoodbye) || err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		var req Request
		if err := e.codec.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("request deserialization failed: %w", err)
		}

		result, stop, handlerErr := handler(&req)
		if stop {
			// Stop means exactly that: no further writes on the channel.
			return nil
		}

		resp := Response{ID: req.ID}
		if handlerErr != nil {
			resp.Err = &WireError{Message: handlerErr.Error()}
		} else {
			resp.Ok = result
		}
		out, err := e.codec.Marshal(&resp)
		if err != nil {
			return fmt.Errorf("response serialization failed: %w", err)
		}
		if err := e.fw.WriteFrame(out); err != nil {
			return err
		}
	}
}

// Close joins the background loop (when one is running), propagates its
// error to the caller, and closes whichever sides of the channel this
// endpoint owns. A panic that escaped the loop is re-raised here: the
// loop may have died without closing a handle, and hiding that would turn
// a loud bug into a silent leak.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEndpointClosed
	}
	e.closed = true
	serving := e.serving
	done := e.done
	e.mu.Unlock()

	var loopErr error
	if serving {
		<-done
		e.mu.Lock()
		loopErr = e.loopErr
		panicked := e.loopPanic
		e.mu.Unlock()
		if panicked != nil {
			panic(panicked)
		}
	}

	// The source-serving loop closes the data side itself; a second close
	// of the same stream is not a failure of this endpoint.
	if c, ok := e.out.(io.Closer); ok {
		if err := c.Close(); err != nil && loopErr == nil && !alreadyClosed(err) {
			loopErr = err
		}
	}
	if c, ok := e.in.(io.Closer); ok {
		if err := c.Close(); err != nil && loopErr == nil && !alreadyClosed(err) {
			loopErr = err
		}
	}
	return loopErr
}

func alreadyClosed(err error) bool {
	return errors.Is(err, pipe.ErrWriterClosed) ||
		errors.Is(err, pipe.ErrReaderClosed) ||
		errors.Is(err, pipe.ErrHandleClosed)
}
