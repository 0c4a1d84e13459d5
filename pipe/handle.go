package pipe

import (
	"fmt"
	"io"
	"os/exec"
	"runtime"

	"github.com/gaetschwartz/nushell-sub000/internal/trace"
)

// handleCore holds the state shared by both handle directions. It exists
// so the leak finalizer can observe the closed flag without keeping the
// outer handle alive.
type handleCore struct {
	native NativeHandle
	dir    Direction
	closed bool
}

func newCore(native NativeHandle, dir Direction) *handleCore {
	c := &handleCore{native: native, dir: dir}
	// A handle dropped without Close leaks a process-wide resource and can
	// wedge the peer end. Flag it; do not crash the process over it.
	runtime.SetFinalizer(c, func(c *handleCore) {
		if !c.closed {
			trace.Logf("pipe handle leaked without Close", "handle", uint64(c.native), "dir", c.dir.String())
		}
	})
	return c
}

// release marks the core closed without a close syscall, for ownership
// transfers (stream adoption, child inheritance).
func (c *handleCore) release() {
	c.closed = true
	runtime.SetFinalizer(c, nil)
}

func (c *handleCore) close() error {
	if c.closed {
		return ErrHandleClosed
	}
	c.release()
	return wrapErr("close", c.native, c.dir, sysClose(c.native))
}

// ReadHandle exclusively owns the read end of one OS pipe.
//
// ReadHandle and WriteHandle are distinct nominal types on purpose: the
// type system, not a runtime check, prevents writing to a read end.
type ReadHandle struct {
	core *handleCore
}

// WriteHandle exclusively owns the write end of one OS pipe.
type WriteHandle struct {
	core *handleCore
}

// NewRawReadHandle wraps a native value the caller asserts is a live,
// unowned read-direction pipe descriptor. There is no way to verify the
// assertion; a wrong value corrupts unrelated process state.
func NewRawReadHandle(native NativeHandle) *ReadHandle {
	return &ReadHandle{core: newCore(native, DirRead)}
}

// NewRawWriteHandle is the write-direction counterpart of NewRawReadHandle.
func NewRawWriteHandle(native NativeHandle) *WriteHandle {
	return &WriteHandle{core: newCore(native, DirWrite)}
}

// Native returns the platform value for diagnostics. The value must not
// be used to construct a second owner.
func (h *ReadHandle) Native() NativeHandle { return h.core.native }

// Native returns the platform value for diagnostics.
func (h *WriteHandle) Native() NativeHandle { return h.core.native }

// Read reads from the pipe, blocking until data arrives. A peer that
// closed its write end surfaces as io.EOF, the Go spelling of the
// platform's 0-byte end-of-stream signal.
func (h *ReadHandle) Read(p []byte) (int, error) {
	if h.core.closed {
		return 0, ErrHandleClosed
	}
	n, err := sysRead(h.core.native, p)
	if err != nil {
		return n, wrapErr("read", h.core.native, DirRead, err)
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write writes the whole buffer to the pipe, blocking whenever the OS
// pipe buffer is full. That blocking is the backpressure mechanism; no
// flow control is layered on top.
func (h *WriteHandle) Write(p []byte) (int, error) {
	if h.core.closed {
		return 0, ErrHandleClosed
	}
	total := 0
	for total < len(p) {
		n, err := sysWrite(h.core.native, p[total:])
		total += n
		if err != nil {
			return total, wrapErr("write", h.core.native, DirWrite, err)
		}
		if n == 0 {
			return total, wrapErr("write", h.core.native, DirWrite, io.ErrShortWrite)
		}
	}
	return total, nil
}

// Close closes the underlying descriptor exactly once. A second Close
// returns ErrHandleClosed rather than touching a possibly reused value.
func (h *ReadHandle) Close() error { return h.core.close() }

// Close closes the underlying descriptor exactly once.
func (h *WriteHandle) Close() error { return h.core.close() }

// TryClone duplicates the descriptor so two independently closable owners
// exist, e.g. when one copy goes to a child and the parent keeps one for
// diagnostics.
func (h *ReadHandle) TryClone() (*ReadHandle, error) {
	native, err := h.clone()
	if err != nil {
		return nil, err
	}
	return &ReadHandle{core: newCore(native, DirRead)}, nil
}

// TryClone duplicates the descriptor so two independently closable owners
// exist.
func (h *WriteHandle) TryClone() (*WriteHandle, error) {
	native, err := h.clone()
	if err != nil {
		return nil, err
	}
	return &WriteHandle{core: newCore(native, DirWrite)}, nil
}

func (h *ReadHandle) clone() (NativeHandle, error)  { return h.core.dup() }
func (h *WriteHandle) clone() (NativeHandle, error) { return h.core.dup() }

func (c *handleCore) dup() (NativeHandle, error) {
	if c.closed {
		return 0, ErrHandleClosed
	}
	native, err := sysDuplicate(c.native)
	if err != nil {
		return 0, wrapErr("duplicate", c.native, c.dir, err)
	}
	return native, nil
}

// Equal reports whether two read handles refer to the same native value.
// Equality across directions is deliberately inexpressible: a closed and
// reused value must never make a read end compare equal to a write end.
func (h *ReadHandle) Equal(other *ReadHandle) bool {
	return other != nil && h.core.native == other.core.native
}

// Equal reports whether two write handles refer to the same native value.
func (h *WriteHandle) Equal(other *WriteHandle) bool {
	return other != nil && h.core.native == other.core.native
}

// WireToken is the serialized form of one pipe end, passed as JSON to a
// child process which takes ownership of the end it names. The mode letter
// is the sole integrity check across the process boundary; the native
// value itself cannot be validated.
type WireToken struct {
	Handle uint64 `json:"handle"`
	Mode   string `json:"mode"` // "r" or "w"
}

// Token serializes the handle. The caller keeps ownership; converting the
// token back into a handle in the same process creates an aliased owner,
// which is the caller's double-close to avoid.
func (h *ReadHandle) Token() WireToken {
	return WireToken{Handle: uint64(h.core.native), Mode: DirRead.String()}
}

// Token serializes the handle.
func (h *WriteHandle) Token() WireToken {
	return WireToken{Handle: uint64(h.core.native), Mode: DirWrite.String()}
}

// OpenRead deserializes a wire token into a read handle, performing any
// OS-specific activation. It fails if the token's mode letter is not "r";
// a swapped or forged token must never silently yield a usable handle.
func OpenRead(tok WireToken) (*ReadHandle, error) {
	if tok.Mode != DirRead.String() {
		return nil, fmt.Errorf("wire token direction mismatch: expected %q, got %q", DirRead, tok.Mode)
	}
	native := NativeHandle(tok.Handle)
	if err := sysActivate(native); err != nil {
		return nil, wrapErr("activate", native, DirRead, err)
	}
	return NewRawReadHandle(native), nil
}

// OpenWrite deserializes a wire token into a write handle. It fails if
// the token's mode letter is not "w".
func OpenWrite(tok WireToken) (*WriteHandle, error) {
	if tok.Mode != DirWrite.String() {
		return nil, fmt.Errorf("wire token direction mismatch: expected %q, got %q", DirWrite, tok.Mode)
	}
	native := NativeHandle(tok.Handle)
	if err := sysActivate(native); err != nil {
		return nil, wrapErr("activate", native, DirWrite, err)
	}
	return NewRawWriteHandle(native), nil
}

// PrepareInherit registers the handle with cmd so the spawned child
// inherits it, and returns the wire token the child must deserialize.
// Ownership moves to the child: the handle is consumed and the returned
// release func closes the parent's residual copy once the child has been
// spawned. Clone first if the parent needs to keep the end alive.
func (h *ReadHandle) PrepareInherit(cmd *exec.Cmd) (WireToken, func(), error) {
	child, release, err := prepareInherit(cmd, h.core.native, DirRead)
	if err != nil {
		return WireToken{}, nil, wrapErr("inherit", h.core.native, DirRead, err)
	}
	h.core.release()
	return WireToken{Handle: child, Mode: DirRead.String()}, release, nil
}

// PrepareInherit registers the handle with cmd so the spawned child
// inherits it; see ReadHandle.PrepareInherit.
func (h *WriteHandle) PrepareInherit(cmd *exec.Cmd) (WireToken, func(), error) {
	child, release, err := prepareInherit(cmd, h.core.native, DirWrite)
	if err != nil {
		return WireToken{}, nil, wrapErr("inherit", h.core.native, DirWrite, err)
	}
	h.core.release()
	return WireToken{Handle: child, Mode: DirWrite.String()}, release, nil
}
