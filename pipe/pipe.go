// Package pipe provides direction-typed handles over raw OS pipes, plus
// buffered and optionally compressed stream adapters on top of them.
//
// A pipe end is owned by exactly one handle. Handles are created in pairs
// by NewPair, or singly by deserializing a wire token received from another
// process. Ownership moves into a HandleReader/HandleWriter when a stream
// is opened, and ends with an explicit Close.
package pipe

import "fmt"

// NativeHandle is the platform identifier for one pipe end: a file
// descriptor on POSIX, a kernel HANDLE on Windows. It carries no semantics
// beyond being passable to the platform syscalls.
type NativeHandle uintptr

// Direction tags a pipe end for diagnostics and wire tokens. Compile-time
// direction safety comes from the ReadHandle/WriteHandle split; Direction
// only appears in errors and serialized form.
type Direction uint8

const (
	DirRead Direction = iota
	DirWrite
)

// String returns the single-letter wire tag for the direction.
func (d Direction) String() string {
	if d == DirRead {
		return "r"
	}
	return "w"
}

// Encoding selects the payload transformation applied by a stream
// reader/writer pair. Both ends of a pipe must agree on it.
type Encoding uint8

const (
	EncodingNone Encoding = iota
	EncodingZstd
)

// String returns the encoding name used in wire tokens and handshakes.
func (e Encoding) String() string {
	switch e {
	case EncodingNone:
		return "none"
	case EncodingZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(e))
	}
}

// ParseEncoding parses an encoding name back into an Encoding tag.
func ParseEncoding(name string) (Encoding, error) {
	switch name {
	case "none", "":
		return EncodingNone, nil
	case "zstd":
		return EncodingZstd, nil
	default:
		return EncodingNone, fmt.Errorf("unknown pipe encoding %q", name)
	}
}

// Mode records whether both ends of a pair live in one process or whether
// one end crosses a process boundary via a wire token.
//
// ModeInProcess pairs close the unused opposite end automatically when one
// side is opened, enforcing exclusive ownership within the process.
// ModeCrossProcess pairs defer that close: the opposite end is destined for
// a child process and closing it locally before the child inherits it would
// invalidate the hand-off.
type Mode uint8

const (
	ModeInProcess Mode = iota
	ModeCrossProcess
)

// String returns the mode name.
func (m Mode) String() string {
	if m == ModeInProcess {
		return "in-process"
	}
	return "cross-process"
}
