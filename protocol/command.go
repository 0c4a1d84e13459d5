package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// CommandFrameSize is the exact size of one byte-source command frame.
// Commands are tiny and latency-sensitive; a fixed frame avoids the
// length-prefix round trip the general call path pays.
const CommandFrameSize = 128

// CommandTag discriminates byte-source commands. The values are wire
// constants.
type CommandTag uint8

const (
	CmdSkip    CommandTag = 0
	CmdRead    CommandTag = 1
	CmdReadAll CommandTag = 2
	CmdClose   CommandTag = 3
)

// String returns the command name.
func (t CommandTag) String() string {
	switch t {
	case CmdSkip:
		return "SKIP"
	case CmdRead:
		return "READ"
	case CmdReadAll:
		return "READ_ALL"
	case CmdClose:
		return "CLOSE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Command is one byte-source command. Arg is meaningful for Skip (byte
// count to advance) and Read (byte count to copy).
type Command struct {
	Tag CommandTag
	Arg uint64
}

// Encode lays the command out as a fixed frame: byte 0 is the tag, bytes
// 1-8 the big-endian argument, the remainder reserved zero.
func (c Command) Encode() [CommandFrameSize]byte {
	var frame [CommandFrameSize]byte
	frame[0] = byte(c.Tag)
	binary.BigEndian.PutUint64(frame[1:9], c.Arg)
	return frame
}

// DecodeCommand parses a fixed command frame, rejecting unknown tags and
// nonzero reserved bytes.
func DecodeCommand(frame []byte) (Command, error) {
	if len(frame) != CommandFrameSize {
		return Command{}, fmt.Errorf("command frame must be %d bytes, got %d", CommandFrameSize, len(frame))
	}
	tag := CommandTag(frame[0])
	if tag > CmdClose {
		return Command{}, fmt.Errorf("unknown command tag %d", frame[0])
	}
	for i := 9; i < CommandFrameSize; i++ {
		if frame[i] != 0 {
			return Command{}, fmt.Errorf("command frame reserved byte %d is nonzero", i)
		}
	}
	return Command{Tag: tag, Arg: binary.BigEndian.Uint64(frame[1:9])}, nil
}

// ServeByteSource runs the per-connection command loop: read one fixed
// command frame from cmds, execute it against src, repeat until Close,
// ReadAll, or the command pipe closes.
//
// Skip uses a native seek when src supports it and discards read bytes
// otherwise. Read copies up to Arg bytes into data; a short copy means
// the source is exhausted. ReadAll copies until exhaustion and then, like
// Close, closes the data side so the peer observes end-of-stream.
func ServeByteSource(cmds io.Reader, data io.Writer, src io.Reader) error {
	var frame [CommandFrameSize]byte
	for {
		if _, err := io.ReadFull(cmds, frame[:]); err != nil {
			if err == io.EOF {
				// Peer closed the command pipe: implicit Close.
				return closeData(data)
			}
			return err
		}
		cmd, err := DecodeCommand(frame[:])
		if err != nil {
			return err
		}

		switch cmd.Tag {
		case CmdSkip:
			if err := skipSource(src, cmd.Arg); err != nil {
				return err
			}

		case CmdRead:
			copied, err := io.CopyN(data, src, int64(cmd.Arg))
			if err != nil && err != io.EOF {
				return err
			}
			if uint64(copied) < cmd.Arg {
				// Source exhausted mid-read: close the data side so the
				// peer observes the short count instead of blocking.
				return closeData(data)
			}
			if err := flushData(data); err != nil {
				return err
			}

		case CmdReadAll:
			if _, err := io.Copy(data, src); err != nil {
				return err
			}
			return closeData(data)

		case CmdClose:
			return closeData(data)
		}
	}
}

func skipSource(src io.Reader, n uint64) error {
	if seeker, ok := src.(io.Seeker); ok && n <= math.MaxInt64 {
		_, err := seeker.Seek(int64(n), io.SeekCurrent)
		return err
	}
	// The discard count is signed; arguments above MaxInt64 advance in
	// clamped steps until the count is spent or the source runs out.
	for n > 0 {
		step := n
		if step > math.MaxInt64 {
			step = math.MaxInt64
		}
		copied, err := io.CopyN(io.Discard, src, int64(step))
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		n -= uint64(copied)
	}
	return nil
}

func flushData(data io.Writer) error {
	if f, ok := data.(flusher); ok {
		return f.Flush()
	}
	return nil
}

func closeData(data io.Writer) error {
	if err := flushData(data); err != nil {
		return err
	}
	if c, ok := data.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// SourceClient drives a peer's byte-source loop from the other end of
// the duplex channel.
type SourceClient struct {
	cmds io.Writer
	data io.Reader
}

// NewSourceClient pairs the command write side with the data read side.
func NewSourceClient(cmds io.Writer, data io.Reader) *SourceClient {
	return &SourceClient{cmds: cmds, data: data}
}

func (c *SourceClient) send(cmd Command) error {
	frame := cmd.Encode()
	if _, err := c.cmds.Write(frame[:]); err != nil {
		return err
	}
	if f, ok := c.cmds.(flusher); ok {
		return f.Flush()
	}
	return nil
}

// Skip advances the peer's source by n bytes.
func (c *SourceClient) Skip(n uint64) error {
	return c.send(Command{Tag: CmdSkip, Arg: n})
}

// ReadN retrieves up to n bytes. A short result means the peer's source
// is exhausted.
func (c *SourceClient) ReadN(n uint64) ([]byte, error) {
	if err := c.send(Command{Tag: CmdRead, Arg: n}); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	read, err := io.ReadFull(c.data, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return buf[:read], nil
	}
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadAll retrieves everything left in the peer's source. The peer closes
// the data side afterwards, so this ends the connection.
func (c *SourceClient) ReadAll() ([]byte, error) {
	if err := c.send(Command{Tag: CmdReadAll, Arg: 0}); err != nil {
		return nil, err
	}
	return io.ReadAll(c.data)
}

// Close ends the peer's command loop.
func (c *SourceClient) Close() error {
	return c.send(Command{Tag: CmdClose, Arg: 0})
}
