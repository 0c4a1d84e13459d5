//go:build !unix && !windows

package pipe

import "os/exec"

func sysCreatePipe() (NativeHandle, NativeHandle, error) {
	return 0, 0, ErrUnsupportedPlatform
}

func sysRead(h NativeHandle, p []byte) (int, error) {
	return 0, ErrUnsupportedPlatform
}

func sysWrite(h NativeHandle, p []byte) (int, error) {
	return 0, ErrUnsupportedPlatform
}

func sysClose(h NativeHandle) error {
	return ErrUnsupportedPlatform
}

func sysDuplicate(h NativeHandle) (NativeHandle, error) {
	return 0, ErrUnsupportedPlatform
}

func sysActivate(h NativeHandle) error {
	return ErrUnsupportedPlatform
}

func prepareInherit(cmd *exec.Cmd, h NativeHandle, dir Direction) (uint64, func(), error) {
	return 0, nil, ErrUnsupportedPlatform
}
