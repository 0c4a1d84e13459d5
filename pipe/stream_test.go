package pipe

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"
	"time"
)

// Compressed round trip where the whole payload fits inside a single
// pipe buffer: write, close, then read everything back.
func TestCompressedRoundTripSmall(t *testing.T) {
	pair, err := NewPair(EncodingZstd, ModeInProcess)
	if err != nil {
		t.Fatalf("NewPair failed: %v", err)
	}

	w, err := pair.OpenWriter()
	if err != nil {
		t.Fatalf("OpenWriter failed: %v", err)
	}
	payload := bytes.Repeat([]byte("compressible payload "), 100)
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r, err := pair.OpenReader()
	if err != nil {
		t.Fatalf("OpenReader failed: %v", err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload mismatch: got %d bytes, expected %d", len(got), len(payload))
	}
	if err := r.Close(); err != nil {
		t.Fatalf("reader Close failed: %v", err)
	}
}

// Compressed round trip larger than the pipe's kernel buffer. The writer
// runs on its own goroutine while the reader drains with a small buffer,
// exercising backpressure through the compressor.
func TestCompressedRoundTripLarge(t *testing.T) {
	pair, err := NewPair(EncodingZstd, ModeCrossProcess)
	if err != nil {
		t.Fatalf("NewPair failed: %v", err)
	}

	payload := make([]byte, 8<<20)
	rng := rand.New(rand.NewSource(7))
	rng.Read(payload)

	w, err := pair.OpenWriter()
	if err != nil {
		t.Fatalf("OpenWriter failed: %v", err)
	}
	writeErr := make(chan error, 1)
	go func() {
		if _, err := w.Write(payload); err != nil {
			w.Close()
			writeErr <- err
			return
		}
		writeErr <- w.Close()
	}()

	r, err := pair.OpenReaderSize(4096)
	if err != nil {
		t.Fatalf("OpenReaderSize failed: %v", err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("writer goroutine failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload mismatch after compressed transfer of %d bytes", len(payload))
	}
	if err := r.Close(); err != nil {
		t.Fatalf("reader Close failed: %v", err)
	}
}

// A reader expecting zstd degrades to raw passthrough when the stream
// does not start with the zstd magic.
func TestDecompressorDegradesToRaw(t *testing.T) {
	pair, err := NewPair(EncodingNone, ModeInProcess)
	if err != nil {
		t.Fatalf("NewPair failed: %v", err)
	}

	w, _ := pair.WriteEnd()
	payload := []byte("plain uncompressed bytes")
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	h, _ := pair.ReadEnd()
	r := NewHandleReader(h, EncodingZstd)
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("degraded read mismatch: got %q", got)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("reader Close failed: %v", err)
	}
}

func TestWriterClosedErrors(t *testing.T) {
	pair, err := NewPair(EncodingNone, ModeCrossProcess)
	if err != nil {
		t.Fatalf("NewPair failed: %v", err)
	}
	defer pair.Close()

	w, err := pair.OpenWriter()
	if err != nil {
		t.Fatalf("OpenWriter failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := w.Write([]byte("x")); !errors.Is(err, ErrWriterClosed) {
		t.Errorf("Write after Close: expected ErrWriterClosed, got %v", err)
	}
	if err := w.Flush(); !errors.Is(err, ErrWriterClosed) {
		t.Errorf("Flush after Close: expected ErrWriterClosed, got %v", err)
	}
	if err := w.Close(); !errors.Is(err, ErrWriterClosed) {
		t.Errorf("second Close: expected ErrWriterClosed, got %v", err)
	}
}

// In-process pairs close a still-unclaimed write end when the reader is
// opened, so the reader sees immediate end-of-stream instead of hanging.
func TestInProcessReaderAutoClosesWriteEnd(t *testing.T) {
	pair, err := NewPair(EncodingNone, ModeInProcess)
	if err != nil {
		t.Fatalf("NewPair failed: %v", err)
	}

	r, err := pair.OpenReader()
	if err != nil {
		t.Fatalf("OpenReader failed: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := r.Read(make([]byte, 1))
		done <- err
	}()
	select {
	case err := <-done:
		if err != io.EOF {
			t.Errorf("expected io.EOF, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reader hung; unclaimed write end was not closed")
	}
	r.Close()
}

// Cross-process pairs leave the unclaimed write end alone: it is destined
// for a child and must survive OpenReader.
func TestCrossProcessReaderKeepsWriteEnd(t *testing.T) {
	pair, err := NewPair(EncodingNone, ModeCrossProcess)
	if err != nil {
		t.Fatalf("NewPair failed: %v", err)
	}

	r, err := pair.OpenReader()
	if err != nil {
		t.Fatalf("OpenReader failed: %v", err)
	}

	w, err := pair.WriteEnd()
	if err != nil {
		t.Fatalf("write end was consumed by OpenReader: %v", err)
	}
	if _, err := w.Write([]byte("still open")); err != nil {
		t.Fatalf("write failed on kept end: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(got) != "still open" {
		t.Errorf("unexpected payload %q", got)
	}
	r.Close()
}

func TestPairEndsClaimedOnce(t *testing.T) {
	pair, err := NewPair(EncodingNone, ModeCrossProcess)
	if err != nil {
		t.Fatalf("NewPair failed: %v", err)
	}
	defer pair.Close()

	r, err := pair.ReadEnd()
	if err != nil {
		t.Fatalf("ReadEnd failed: %v", err)
	}
	defer r.Close()
	if _, err := pair.ReadEnd(); err == nil {
		t.Error("second ReadEnd claim succeeded")
	}
	if _, err := pair.OpenReader(); err == nil {
		t.Error("OpenReader succeeded after ReadEnd claim")
	}

	w, err := pair.OpenWriter()
	if err != nil {
		t.Fatalf("OpenWriter failed: %v", err)
	}
	defer w.Close()
	if _, err := pair.WriteEnd(); err == nil {
		t.Error("WriteEnd claim succeeded after OpenWriter")
	}
}

func TestEncodingParse(t *testing.T) {
	cases := []struct {
		in   string
		want Encoding
		ok   bool
	}{
		{"", EncodingNone, true},
		{"none", EncodingNone, true},
		{"zstd", EncodingZstd, true},
		{"gzip", EncodingNone, false},
	}
	for _, c := range cases {
		got, err := ParseEncoding(c.in)
		if c.ok && err != nil {
			t.Errorf("ParseEncoding(%q) failed: %v", c.in, err)
		}
		if !c.ok && err == nil {
			t.Errorf("ParseEncoding(%q) accepted an unknown encoding", c.in)
		}
		if c.ok && got != c.want {
			t.Errorf("ParseEncoding(%q) = %v, expected %v", c.in, got, c.want)
		}
	}
}
