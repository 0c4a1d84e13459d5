package pipe

import (
	"bufio"
	"bytes"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/gaetschwartz/nushell-sub000/internal/trace"
)

// DefaultReaderBuffer is the read buffering capacity. Bulk transfers go
// through the pipe in syscall-sized slices; a large buffer keeps the
// syscall count low.
const DefaultReaderBuffer = 32 << 20

// DefaultWriterBuffer is the write buffering capacity.
const DefaultWriterBuffer = 1 << 20

// zstdMagic is the frame magic every zstd stream starts with.
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// HandleWriter is a buffered, optionally compressing writer over a
// WriteHandle. It owns the handle: Close finishes the compressor (writing
// the format terminator), flushes, and closes the handle, in that order.
// Closing the handle before finishing the compressor would corrupt the
// stream for the reader, so the order is not configurable.
type HandleWriter struct {
	handle   *WriteHandle
	bw       *bufio.Writer
	zw       *zstd.Encoder
	encoding Encoding
	closed   bool
}

// NewHandleWriter wraps a write handle with buffering and, for
// EncodingZstd, a streaming compressor. The writer becomes the handle's
// owner.
func NewHandleWriter(h *WriteHandle, encoding Encoding) (*HandleWriter, error) {
	bw := bufio.NewWriterSize(h, DefaultWriterBuffer)
	w := &HandleWriter{handle: h, bw: bw, encoding: encoding}
	if encoding == EncodingZstd {
		zw, err := zstd.NewWriter(bw)
		if err != nil {
			return nil, err
		}
		w.zw = zw
	}
	return w, nil
}

// Encoding returns the payload transformation this writer applies.
func (w *HandleWriter) Encoding() Encoding { return w.encoding }

// Write buffers p, compressing it first when the encoding asks for it.
func (w *HandleWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrWriterClosed
	}
	if w.zw != nil {
		return w.zw.Write(p)
	}
	return w.bw.Write(p)
}

// Flush pushes buffered bytes into the pipe. For compressed streams this
// ends the current compression block so the reader can make progress; it
// does not write the stream terminator — that is Close's job.
func (w *HandleWriter) Flush() error {
	if w.closed {
		return ErrWriterClosed
	}
	if w.zw != nil {
		if err := w.zw.Flush(); err != nil {
			return err
		}
	}
	return w.bw.Flush()
}

// Close finishes the compressor, flushes the buffer, and closes the
// handle. Further Write/Flush calls return ErrWriterClosed. The handle is
// closed even when finishing fails; the first error wins.
func (w *HandleWriter) Close() error {
	if w.closed {
		return ErrWriterClosed
	}
	w.closed = true
	var firstErr error
	if w.zw != nil {
		if err := w.zw.Close(); err != nil {
			firstErr = err
		}
	}
	if err := w.bw.Flush(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.handle.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// HandleReader is a buffered, optionally decompressing reader over a
// ReadHandle. It owns the handle.
//
// For EncodingZstd the decompressor is interposed lazily at the first
// Read: if the stream does not begin with a zstd header the reader
// degrades to raw buffered passthrough instead of failing, so the link
// stays usable for diagnostic reads.
type HandleReader struct {
	handle   *ReadHandle
	br       *bufio.Reader
	zr       *zstd.Decoder
	encoding Encoding
	decided  bool
	closed   bool
}

// NewHandleReader wraps a read handle with DefaultReaderBuffer buffering.
// The reader becomes the handle's owner.
func NewHandleReader(h *ReadHandle, encoding Encoding) *HandleReader {
	return NewHandleReaderSize(h, encoding, DefaultReaderBuffer)
}

// NewHandleReaderSize is NewHandleReader with an explicit buffer capacity.
func NewHandleReaderSize(h *ReadHandle, encoding Encoding, size int) *HandleReader {
	return &HandleReader{
		handle:   h,
		br:       bufio.NewReaderSize(h, size),
		encoding: encoding,
	}
}

// Encoding returns the payload transformation this reader expects.
func (r *HandleReader) Encoding() Encoding { return r.encoding }

// decide interposes the decompressor once, at the first Read, so that
// constructing a reader never blocks on the peer.
func (r *HandleReader) decide() {
	r.decided = true
	if r.encoding != EncodingZstd {
		return
	}
	header, err := r.br.Peek(len(zstdMagic))
	if err != nil || !bytes.Equal(header, zstdMagic) {
		trace.Logf("zstd header missing, degrading to raw passthrough",
			"handle", uint64(r.handle.Native()))
		return
	}
	zr, err := zstd.NewReader(r.br, zstd.WithDecoderConcurrency(1))
	if err != nil {
		trace.Logf("zstd decoder init failed, degrading to raw passthrough",
			"handle", uint64(r.handle.Native()), "err", err)
		return
	}
	r.zr = zr
}

// Read reads decoded bytes, blocking until data arrives. A peer that
// closed its write end surfaces as io.EOF.
func (r *HandleReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, ErrReaderClosed
	}
	if !r.decided {
		r.decide()
	}
	if r.zr != nil {
		return r.zr.Read(p)
	}
	return r.br.Read(p)
}

// Close releases the decompressor and closes the handle.
func (r *HandleReader) Close() error {
	if r.closed {
		return ErrReaderClosed
	}
	r.closed = true
	if r.zr != nil {
		r.zr.Close()
	}
	return r.handle.Close()
}

var (
	_ io.ReadCloser  = (*HandleReader)(nil)
	_ io.WriteCloser = (*HandleWriter)(nil)
)
