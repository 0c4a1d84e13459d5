package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/gaetschwartz/nushell-sub000/pipe"
)

// FrameMagic opens every framed message: "NXPC" big-endian.
const FrameMagic uint32 = 0x4E585043

// DefaultMaxFrame caps a single framed payload. Large values travel
// through byte-source serving or a side pipe, not through one frame.
const DefaultMaxFrame = 64 << 20

// frameHeaderSize is magic (u32) + payload length (u64).
const frameHeaderSize = 12

// ErrGoodbye is returned by ReadFrame when the peer sent the zero-length
// goodbye frame. It is the orderly end of a framed conversation, distinct
// from io.EOF (peer closed the pipe without saying goodbye).
var ErrGoodbye = errors.New("peer said goodbye")

// FrameReader reads framed messages: magic u32, length u64 (both
// big-endian), then the payload bytes.
type FrameReader struct {
	r        io.Reader
	maxFrame uint64
}

// NewFrameReader wraps r with the default frame size limit.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r, maxFrame: DefaultMaxFrame}
}

// SetMaxFrame adjusts the frame size limit.
func (fr *FrameReader) SetMaxFrame(n uint64) { fr.maxFrame = n }

// ReadFrame reads one framed message, blocking until it is complete.
// Returns ErrGoodbye for the zero-length goodbye frame and io.EOF when
// the peer closed the pipe between frames.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(fr.r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("truncated frame header: %w", err)
		}
		return nil, err
	}
	magic := binary.BigEndian.Uint32(header[0:4])
	if magic != FrameMagic {
		return nil, fmt.Errorf("bad frame magic 0x%08X, expected 0x%08X", magic, FrameMagic)
	}
	length := binary.BigEndian.Uint64(header[4:12])
	if length == 0 {
		return nil, ErrGoodbye
	}
	if length > fr.maxFrame {
		return nil, fmt.Errorf("frame size %d exceeds limit %d", length, fr.maxFrame)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, fmt.Errorf("truncated frame payload: %w", err)
	}
	return payload, nil
}

// flusher is what buffered pipe writers implement; framed writes flush
// eagerly because every frame is latency-sensitive.
type flusher interface {
	Flush() error
}

// FrameWriter writes framed messages.
type FrameWriter struct {
	w        io.Writer
	maxFrame uint64
}

// NewFrameWriter wraps w with the default frame size limit.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w, maxFrame: DefaultMaxFrame}
}

// SetMaxFrame adjusts the frame size limit.
func (fw *FrameWriter) SetMaxFrame(n uint64) { fw.maxFrame = n }

// WriteFrame writes one framed message and flushes it.
func (fw *FrameWriter) WriteFrame(payload []byte) error {
	if uint64(len(payload)) > fw.maxFrame {
		return fmt.Errorf("frame size %d exceeds limit %d", len(payload), fw.maxFrame)
	}
	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], FrameMagic)
	binary.BigEndian.PutUint64(header[4:12], uint64(len(payload)))
	if _, err := fw.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := fw.w.Write(payload); err != nil {
		return err
	}
	return fw.Flush()
}

// WriteGoodbye writes the zero-length goodbye frame.
func (fw *FrameWriter) WriteGoodbye() error {
	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], FrameMagic)
	if _, err := fw.w.Write(header[:]); err != nil {
		return err
	}
	return fw.Flush()
}

// Flush pushes buffered bytes toward the peer when the underlying writer
// buffers.
func (fw *FrameWriter) Flush() error {
	if f, ok := fw.w.(flusher); ok {
		return f.Flush()
	}
	return nil
}

// Request is the framed call envelope. Body bytes are opaque to this
// layer; the caller and the handler agree on their shape. Stream, when
// set, names a side pipe the callee must open to retrieve a payload too
// large to inline.
type Request struct {
	ID             []byte          `json:"id" cbor:"1,keyasint"`
	Op             string          `json:"op" cbor:"2,keyasint"`
	Body           []byte          `json:"body,omitempty" cbor:"3,keyasint,omitempty"`
	Stream         *pipe.WireToken `json:"stream,omitempty" cbor:"4,keyasint,omitempty"`
	StreamEncoding string          `json:"stream_encoding,omitempty" cbor:"5,keyasint,omitempty"`
}

// WireError is a runtime error crossing the wire. It converts to a local
// RuntimeError at the receiving end; it is never re-panicked.
type WireError struct {
	Message string `json:"message" cbor:"1,keyasint"`
}

// Response is the framed response envelope: a tagged union of success
// bytes and a runtime error. Exactly one of Ok and Err is meaningful.
type Response struct {
	ID  []byte     `json:"id" cbor:"1,keyasint"`
	Ok  []byte     `json:"ok,omitempty" cbor:"2,keyasint,omitempty"`
	Err *WireError `json:"err,omitempty" cbor:"3,keyasint,omitempty"`
}

// RuntimeError is the local form of an error value received over the
// wire from the peer.
type RuntimeError struct {
	Message string
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("peer runtime error: %s", e.Message)
}

// NewCallID returns a fresh 16-byte correlation id.
func NewCallID() []byte {
	id := uuid.New()
	b, _ := id.MarshalBinary()
	return b
}
