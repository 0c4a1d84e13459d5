//go:build unix

package pipe

import (
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// sysCreatePipe creates one OS pipe and returns (read end, write end).
// Both ends are created close-on-exec; inheritance is granted explicitly
// at spawn time via prepareInherit.
func sysCreatePipe() (NativeHandle, NativeHandle, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return 0, 0, err
	}
	for _, fd := range fds {
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return 0, 0, err
		}
	}
	return NativeHandle(fds[0]), NativeHandle(fds[1]), nil
}

// sysRead reads from a pipe end. A 0-byte result with nil error is the
// peer-closed signal on every platform.
func sysRead(h NativeHandle, p []byte) (int, error) {
	for {
		n, err := unix.Read(int(h), p)
		if err == unix.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

// sysWrite writes to a pipe end. Blocks while the OS pipe buffer is full;
// that blocking is the protocol's only flow control.
func sysWrite(h NativeHandle, p []byte) (int, error) {
	for {
		n, err := unix.Write(int(h), p)
		if err == unix.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

func sysClose(h NativeHandle) error {
	return unix.Close(int(h))
}

// sysDuplicate duplicates the descriptor so two independently closable
// owners exist. The duplicate is close-on-exec like the original.
func sysDuplicate(h NativeHandle) (NativeHandle, error) {
	fd, err := unix.Dup(int(h))
	if err != nil {
		return 0, err
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		unix.Close(fd)
		return 0, err
	}
	return NativeHandle(fd), nil
}

// sysActivate performs OS-specific activation of a just-deserialized
// handle. POSIX descriptors need none.
func sysActivate(h NativeHandle) error {
	return nil
}

// prepareInherit attaches the handle to cmd so the spawned child inherits
// it, and returns the native value the handle will carry in the child.
// On POSIX os/exec maps extra files to descriptors 3, 4, ... in order.
// The returned release func closes the parent's copy; it must run after
// the child has been spawned (or after spawning failed).
func prepareInherit(cmd *exec.Cmd, h NativeHandle, dir Direction) (uint64, func(), error) {
	f := os.NewFile(uintptr(h), "nxpc-pipe-"+dir.String())
	cmd.ExtraFiles = append(cmd.ExtraFiles, f)
	return uint64(3 + len(cmd.ExtraFiles) - 1), func() { f.Close() }, nil
}
