package nxpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/gaetschwartz/nushell-sub000/internal/trace"
	"github.com/gaetschwartz/nushell-sub000/pipe"
	"github.com/gaetschwartz/nushell-sub000/protocol"
)

// OpSignature is the reserved discovery op every runtime answers with its
// capability declaration.
const OpSignature = "signature"

// HandlerFunc answers one op. Body bytes are the request payload in the
// wire codec; stream is non-nil when the host sent a side-pipe payload
// and is drained/closed by the runtime after the handler returns.
type HandlerFunc func(body []byte, stream io.Reader) ([]byte, error)

// Runtime is the plugin side of the transport: it announces a wire codec
// through the encoding handshake and answers framed calls with registered
// handlers until the host says goodbye or closes the pipe.
type Runtime struct {
	caps     *Capabilities
	codec    protocol.Codec
	handlers map[string]HandlerFunc

	// Channel overrides for in-process use; nil means real stdio.
	stdin  io.Reader
	stdout io.Writer
}

// NewRuntime builds a runtime for the given declaration. The announced
// codec is the declaration's first encoding.
func NewRuntime(caps *Capabilities) (*Runtime, error) {
	if len(caps.Encodings) == 0 {
		return nil, fmt.Errorf("capability declaration lists no encodings")
	}
	codec, err := protocol.LookupCodec(caps.Encodings[0])
	if err != nil {
		return nil, err
	}
	return &Runtime{
		caps:     caps,
		codec:    codec,
		handlers: make(map[string]HandlerFunc),
	}, nil
}

// Register installs the handler for an op, replacing any previous one.
func (rt *Runtime) Register(op string, fn HandlerFunc) {
	rt.handlers[op] = fn
}

// SetChannel overrides the runtime's input and output, for running a
// plugin in-process (tests, embedded plugins).
func (rt *Runtime) SetChannel(in io.Reader, out io.Writer) {
	rt.stdin = in
	rt.stdout = out
}

// Run serves the plugin protocol. args is os.Args[1:].
//
// -h/--help prints the capability declaration and returns without
// touching any pipe. A wire-token JSON argument selects dedicated pipe
// handles; otherwise the inherited stdio carries the channel.
func (rt *Runtime) Run(args []string) error {
	for _, arg := range args {
		if arg == "-h" || arg == "--help" {
			declaration, err := rt.caps.Marshal()
			if err != nil {
				return err
			}
			out := rt.stdout
			if out == nil {
				out = os.Stdout
			}
			_, err = fmt.Fprintln(out, string(declaration))
			return err
		}
	}

	in, out, err := rt.openChannel(args)
	if err != nil {
		return err
	}

	// The handshake goes out before anything else; the host reads exactly
	// these bytes before decoding frames.
	if err := WriteHandshake(out, rt.codec.Name()); err != nil {
		return err
	}

	endpoint := protocol.NewEndpoint(in, out, protocol.RoleServer, rt.codec)
	if err := endpoint.Serve(rt.handleRequest); err != nil {
		return err
	}
	return endpoint.Close()
}

// openChannel picks the duplex channel: wire-token pipes when argv
// carries tokens, inherited stdio otherwise. The host may place its own
// arguments before the token, so every argument is probed, not just the
// first.
func (rt *Runtime) openChannel(args []string) (io.Reader, io.Writer, error) {
	for _, arg := range args {
		var tokens pipeTokenArg
		if err := json.Unmarshal([]byte(arg), &tokens); err != nil || tokens.Input.Mode == "" {
			continue
		}
		inHandle, err := pipe.OpenRead(tokens.Input)
		if err != nil {
			return nil, nil, err
		}
		outHandle, err := pipe.OpenWrite(tokens.Output)
		if err != nil {
			inHandle.Close()
			return nil, nil, err
		}
		writer, err := pipe.NewHandleWriter(outHandle, pipe.EncodingNone)
		if err != nil {
			inHandle.Close()
			outHandle.Close()
			return nil, nil, err
		}
		trace.Logf("plugin channel opened from wire tokens",
			"input", tokens.Input.Handle, "output", tokens.Output.Handle)
		return pipe.NewHandleReaderSize(inHandle, pipe.EncodingNone, 1<<20), writer, nil
	}

	in := rt.stdin
	if in == nil {
		in = os.Stdin
	}
	out := rt.stdout
	if out == nil {
		out = bufio.NewWriter(os.Stdout)
	}
	return in, out, nil
}

// handleRequest answers one framed request inside the server loop.
func (rt *Runtime) handleRequest(req *protocol.Request) ([]byte, bool, error) {
	if req.Op == OpSignature {
		declaration, err := rt.caps.Marshal()
		return declaration, false, err
	}

	handler, ok := rt.handlers[req.Op]
	if !ok {
		return nil, false, fmt.Errorf("no handler registered for op %q", req.Op)
	}

	var stream io.ReadCloser
	if req.Stream != nil {
		handle, err := pipe.OpenRead(*req.Stream)
		if err != nil {
			return nil, false, err
		}
		encoding, err := pipe.ParseEncoding(req.StreamEncoding)
		if err != nil {
			handle.Close()
			return nil, false, err
		}
		stream = pipe.NewHandleReaderSize(handle, encoding, 1<<20)
		defer func() {
			io.Copy(io.Discard, stream)
			stream.Close()
		}()
	}

	var streamArg io.Reader
	if stream != nil {
		streamArg = stream
	}
	resp, err := handler(req.Body, streamArg)
	return resp, false, err
}
