package nxpc

import (
	"fmt"
	"io"
)

// The encoding handshake is the first thing a plugin writes on its output
// channel: one length byte L, then L raw ASCII bytes naming the wire
// codec used for every framed message that follows. The parent reads
// exactly 1+L bytes before decoding anything else.

// WriteHandshake writes the handshake announcing the given codec name.
func WriteHandshake(w io.Writer, name string) error {
	if len(name) > 255 {
		return fmt.Errorf("encoding name %q exceeds 255 bytes", name)
	}
	for i := 0; i < len(name); i++ {
		if name[i] >= 0x80 {
			return fmt.Errorf("encoding name %q is not ASCII", name)
		}
	}
	buf := make([]byte, 1+len(name))
	buf[0] = byte(len(name))
	copy(buf[1:], name)
	if _, err := w.Write(buf); err != nil {
		return err
	}
	if f, ok := w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// ReadHandshake reads the handshake and returns the announced codec name.
func ReadHandshake(r io.Reader) (string, error) {
	var length [1]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return "", fmt.Errorf("reading encoding handshake length: %w", err)
	}
	name := make([]byte, length[0])
	if _, err := io.ReadFull(r, name); err != nil {
		return "", fmt.Errorf("reading encoding handshake name: %w", err)
	}
	return string(name), nil
}
