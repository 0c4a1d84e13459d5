package pipe

import "errors"

// Pair is one OS pipe whose two ends are tagged with a shared Encoding
// and a process-locality Mode chosen at creation.
//
// Each end is claimed at most once, either as a raw handle (ReadEnd,
// WriteEnd) or as a stream (OpenReader, OpenWriter). For in-process pairs,
// opening the reader closes a still-unclaimed write end: a stray write
// handle held on the reading side would keep the pipe open and suppress
// end-of-stream forever. Cross-process pairs never auto-close, because the
// unclaimed end is destined for another process via its wire token.
type Pair struct {
	read       *ReadHandle
	write      *WriteHandle
	encoding   Encoding
	mode       Mode
	readTaken  bool
	writeTaken bool
}

// NewPair creates one OS pipe with the requested encoding and mode.
func NewPair(encoding Encoding, mode Mode) (*Pair, error) {
	r, w, err := sysCreatePipe()
	if err != nil {
		return nil, &Error{Op: "create", Err: err}
	}
	return &Pair{
		read:     NewRawReadHandle(r),
		write:    NewRawWriteHandle(w),
		encoding: encoding,
		mode:     mode,
	}, nil
}

// Encoding returns the encoding both ends were tagged with.
func (p *Pair) Encoding() Encoding { return p.encoding }

// Mode returns the pair's process-locality mode.
func (p *Pair) Mode() Mode { return p.mode }

// ReadEnd claims the raw read handle. The pair no longer manages it.
func (p *Pair) ReadEnd() (*ReadHandle, error) {
	if p.readTaken {
		return nil, errors.New("pipe pair read end already claimed")
	}
	p.readTaken = true
	return p.read, nil
}

// WriteEnd claims the raw write handle. The pair no longer manages it.
func (p *Pair) WriteEnd() (*WriteHandle, error) {
	if p.writeTaken {
		return nil, errors.New("pipe pair write end already claimed")
	}
	p.writeTaken = true
	return p.write, nil
}

// OpenReader claims the read end as a stream with the pair's encoding.
// In-process pairs close an unclaimed write end here; see the type docs.
func (p *Pair) OpenReader() (*HandleReader, error) {
	h, err := p.ReadEnd()
	if err != nil {
		return nil, err
	}
	if p.mode == ModeInProcess && !p.writeTaken {
		p.writeTaken = true
		if err := p.write.Close(); err != nil {
			return nil, err
		}
	}
	return NewHandleReader(h, p.encoding), nil
}

// OpenReaderSize is OpenReader with an explicit buffer capacity.
func (p *Pair) OpenReaderSize(size int) (*HandleReader, error) {
	h, err := p.ReadEnd()
	if err != nil {
		return nil, err
	}
	if p.mode == ModeInProcess && !p.writeTaken {
		p.writeTaken = true
		if err := p.write.Close(); err != nil {
			return nil, err
		}
	}
	return NewHandleReaderSize(h, p.encoding, size), nil
}

// OpenWriter claims the write end as a stream with the pair's encoding.
func (p *Pair) OpenWriter() (*HandleWriter, error) {
	h, err := p.WriteEnd()
	if err != nil {
		return nil, err
	}
	return NewHandleWriter(h, p.encoding)
}

// Close closes any end that was never claimed. Claimed ends belong to
// whoever claimed them.
func (p *Pair) Close() error {
	var firstErr error
	if !p.readTaken {
		p.readTaken = true
		if err := p.read.Close(); err != nil {
			firstErr = err
		}
	}
	if !p.writeTaken {
		p.writeTaken = true
		if err := p.write.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
