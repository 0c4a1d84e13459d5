//go:build windows

package pipe

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// sysCreatePipe creates one anonymous pipe and returns (read end, write
// end). Handles are created non-inheritable; inheritance is granted
// explicitly at spawn time via prepareInherit.
func sysCreatePipe() (NativeHandle, NativeHandle, error) {
	var r, w windows.Handle
	// nil security attributes: default descriptor, handles not inheritable.
	if err := windows.CreatePipe(&r, &w, nil, 0); err != nil {
		return 0, 0, err
	}
	return NativeHandle(r), NativeHandle(w), nil
}

// sysRead reads from a pipe end. ERROR_BROKEN_PIPE means the peer closed
// its write end, which must surface as the same 0-byte end-of-stream
// signal POSIX read gives, not as an error.
func sysRead(h NativeHandle, p []byte) (int, error) {
	var done uint32
	err := windows.ReadFile(windows.Handle(h), p, &done, nil)
	if err == windows.ERROR_BROKEN_PIPE || err == windows.ERROR_PIPE_NOT_CONNECTED {
		return 0, nil
	}
	return int(done), err
}

// sysWrite writes to a pipe end. Blocks while the OS pipe buffer is full;
// that blocking is the protocol's only flow control.
func sysWrite(h NativeHandle, p []byte) (int, error) {
	var done uint32
	err := windows.WriteFile(windows.Handle(h), p, &done, nil)
	return int(done), err
}

func sysClose(h NativeHandle) error {
	return windows.CloseHandle(windows.Handle(h))
}

// sysDuplicate duplicates the handle so two independently closable owners
// exist.
func sysDuplicate(h NativeHandle) (NativeHandle, error) {
	proc := windows.CurrentProcess()
	var dup windows.Handle
	err := windows.DuplicateHandle(proc, windows.Handle(h), proc, &dup, 0, false, windows.DUPLICATE_SAME_ACCESS)
	if err != nil {
		return 0, err
	}
	return NativeHandle(dup), nil
}

// sysActivate performs OS-specific activation of a just-deserialized
// handle. Anonymous pipe handles inherited from the parent are usable as
// is; there is nothing to configure.
func sysActivate(h NativeHandle) error {
	return nil
}

// prepareInherit marks the handle inheritable and registers it with the
// command so the spawned child receives it. Inherited handle values are
// identical in the child's handle table, so the child-side value equals
// the parent's. The returned release func closes the parent's copy; it
// must run after the child has been spawned (or after spawning failed).
func prepareInherit(cmd *exec.Cmd, h NativeHandle, dir Direction) (uint64, func(), error) {
	if err := windows.SetHandleInformation(windows.Handle(h), windows.HANDLE_FLAG_INHERIT, windows.HANDLE_FLAG_INHERIT); err != nil {
		return 0, nil, err
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.AdditionalInheritedHandles = append(cmd.SysProcAttr.AdditionalInheritedHandles, syscall.Handle(h))
	return uint64(h), func() { windows.CloseHandle(windows.Handle(h)) }, nil
}
