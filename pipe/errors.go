package pipe

import (
	"errors"
	"fmt"
)

// ErrHandleClosed is returned when a handle operation runs after Close.
var ErrHandleClosed = errors.New("pipe handle is closed")

// ErrWriterClosed is returned by HandleWriter.Write/Flush after Close.
var ErrWriterClosed = errors.New("pipe writer is closed")

// ErrReaderClosed is returned by HandleReader.Read after Close.
var ErrReaderClosed = errors.New("pipe reader is closed")

// ErrUnsupportedPlatform is returned by every pipe operation on platforms
// with neither a POSIX nor a Windows backend.
var ErrUnsupportedPlatform = errors.New("pipes are not supported on this platform")

// Error wraps a failed pipe syscall with the offending handle and its
// direction so failures are diagnosable across the process boundary.
type Error struct {
	Op     string
	Native NativeHandle
	Dir    Direction
	Err    error
}

func (e *Error) Error() string {
	if e.Op == "create" {
		return fmt.Sprintf("pipe creation failed: %v", e.Err)
	}
	return fmt.Sprintf("pipe %s failed on %s handle %d: %v", e.Op, e.Dir, e.Native, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrapErr(op string, native NativeHandle, dir Direction, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Native: native, Dir: dir, Err: err}
}
