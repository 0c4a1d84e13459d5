package nxpc

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/gaetschwartz/nushell-sub000/internal/trace"
	"github.com/gaetschwartz/nushell-sub000/pipe"
	"github.com/gaetschwartz/nushell-sub000/protocol"
)

// Call is one request to a plugin. Body bytes are already serialized in
// the negotiated wire codec; Stream, when set, is a payload too large to
// inline, delivered through a dedicated side pipe instead of the framed
// call message.
type Call struct {
	Op     string
	Body   []byte
	Stream io.Reader
}

// Result is the plugin's answer plus how its process ended.
type Result struct {
	Body []byte
	// ExitCode is the child's exit status. A nonzero code next to a
	// successfully decoded response is a soft inconsistency: the response
	// channel already carried the authoritative result.
	ExitCode int
}

// Transport spawns one plugin process per call and runs exactly one
// request/response cycle with it.
type Transport struct {
	// Program is the plugin executable, script, or binary path.
	Program string
	// Args precede the wire-token argument in the child's argv.
	Args []string
	// UsePipeTokens selects dedicated pipe handles passed as a wire-token
	// argv over the inherited-stdio fallback. Set it from a capability
	// probe (see Negotiate) or directly.
	UsePipeTokens bool
	// StreamEncoding is applied to the side pipe carrying Call.Stream.
	StreamEncoding pipe.Encoding
	// Stderr receives the child's stderr; defaults to this process's.
	Stderr io.Writer
}

// NewTransport returns a transport for the given program with the
// inherited-stdio channel and uncompressed side streams.
func NewTransport(program string) *Transport {
	return &Transport{Program: program}
}

// Negotiate probes the plugin's capability declaration and configures the
// transport accordingly. Probing spawns the plugin once with --help.
func (t *Transport) Negotiate() (*Capabilities, error) {
	caps, err := ProbeCapabilities(t.Program)
	if err != nil {
		return nil, err
	}
	t.UsePipeTokens = caps.PipeTokens
	return caps, nil
}

// pipeTokenArg is the JSON argv[1] handed to a child spawned in
// pipe-token mode. Directions are the child's view: it reads requests
// from Input and writes responses to Output.
type pipeTokenArg struct {
	Input  pipe.WireToken `json:"input"`
	Output pipe.WireToken `json:"output"`
}

// Signature runs a discovery cycle: the plugin answers the reserved
// "signature" op with its capability declaration.
func (t *Transport) Signature() (*Capabilities, error) {
	res, err := t.Call(&Call{Op: OpSignature})
	if err != nil {
		return nil, err
	}
	return ParseCapabilities(res.Body)
}

// Call spawns the plugin, performs the encoding handshake, exchanges one
// framed request/response cycle, and reaps the child.
//
// The outgoing request is written on a dedicated goroutine while this
// goroutine blocks reading the response: if both sides' OS pipe buffers
// fill at once, a single-threaded write-then-read deadlocks. A Stream
// payload is copied into its side pipe on a third goroutine for the same
// reason. All goroutines are joined before Call returns; proceeding
// without the joins could leave a pipe end open behind our back.
func (t *Transport) Call(call *Call) (*Result, error) {
	cmd := buildCommand(t.Program, t.Args)
	cmd.Stderr = t.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	var (
		childIn  io.WriteCloser
		childOut io.ReadCloser
		releases []func()
		pending  []io.Closer
	)
	started := false
	defer func() {
		// A child that never spawned leaves every prepared end behind:
		// release the inherited copies and close whatever was opened so no
		// handle outlives the failed call. Ends that already changed owner
		// answer the extra Close with their closed-sentinel, which is fine.
		if !started {
			for _, release := range releases {
				release()
			}
			for _, c := range pending {
				c.Close()
			}
		}
	}()

	// Channel setup must finish before Start: inherited handles can only
	// be granted to a child that has not been spawned yet.
	if t.UsePipeTokens {
		inPair, err := pipe.NewPair(pipe.EncodingNone, pipe.ModeCrossProcess)
		if err != nil {
			return nil, err
		}
		pending = append(pending, inPair)
		outPair, err := pipe.NewPair(pipe.EncodingNone, pipe.ModeCrossProcess)
		if err != nil {
			return nil, err
		}
		pending = append(pending, outPair)

		inRead, _ := inPair.ReadEnd()
		pending = append(pending, inRead)
		inTok, release, err := inRead.PrepareInherit(cmd)
		if err != nil {
			return nil, err
		}
		releases = append(releases, release)

		outWrite, _ := outPair.WriteEnd()
		pending = append(pending, outWrite)
		outTok, release, err := outWrite.PrepareInherit(cmd)
		if err != nil {
			return nil, err
		}
		releases = append(releases, release)

		tokens, err := json.Marshal(pipeTokenArg{Input: inTok, Output: outTok})
		if err != nil {
			return nil, err
		}
		cmd.Args = append(cmd.Args, string(tokens))

		if childIn, err = inPair.OpenWriter(); err != nil {
			return nil, err
		}
		pending = append(pending, childIn)
		if childOut, err = outPair.OpenReader(); err != nil {
			return nil, err
		}
		pending = append(pending, childOut)
	} else {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		pending = append(pending, stdin)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		pending = append(pending, stdout)
		childIn, childOut = stdin, stdout
	}

	var sidePair *pipe.Pair
	streamEncoding := t.StreamEncoding
	var streamToken *pipe.WireToken
	if call.Stream != nil {
		pair, err := pipe.NewPair(streamEncoding, pipe.ModeCrossProcess)
		if err != nil {
			return nil, err
		}
		sidePair = pair
		pending = append(pending, pair)
		sideRead, _ := pair.ReadEnd()
		pending = append(pending, sideRead)
		tok, release, err := sideRead.PrepareInherit(cmd)
		if err != nil {
			return nil, err
		}
		releases = append(releases, release)
		streamToken = &tok
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Program: t.Program, Err: err}
	}
	started = true
	// The child owns its inherited ends now; drop the parent's copies so
	// end-of-stream propagates.
	for _, release := range releases {
		release()
	}

	// The child is reaped unconditionally, even on error paths; a missed
	// wait leaves a zombie.
	reaped := false
	defer func() {
		if !reaped {
			childIn.Close()
			childOut.Close()
			cmd.Process.Kill()
			cmd.Wait()
		}
	}()

	// The child speaks first: one length byte, then the codec name.
	name, err := ReadHandshake(childOut)
	if err != nil {
		return nil, &PhaseError{Phase: PhaseHandshake, Err: err}
	}
	codec, err := protocol.LookupCodec(name)
	if err != nil {
		return nil, &PhaseError{Phase: PhaseHandshake, Err: err}
	}
	trace.Logf("plugin handshake complete", "program", t.Program, "codec", name)

	endpoint := protocol.NewEndpoint(childOut, childIn, protocol.RoleClient, codec)
	req := &protocol.Request{
		ID:     protocol.NewCallID(),
		Op:     call.Op,
		Body:   call.Body,
		Stream: streamToken,
	}
	if streamToken != nil {
		req.StreamEncoding = streamEncoding.String()
	}

	writeTask := spawnTask(func() error {
		return endpoint.Send(req)
	})

	var streamTask *task
	if sidePair != nil {
		src := call.Stream
		streamTask = spawnTask(func() error {
			w, err := sidePair.OpenWriter()
			if err != nil {
				return err
			}
			if _, err := io.Copy(w, src); err != nil {
				w.Close()
				return err
			}
			return w.Close()
		})
	}

	body, respErr := endpoint.Receive(req.ID)

	if err := writeTask.Join(); err != nil {
		if respErr == nil {
			respErr = &PhaseError{Phase: PhaseCall, Err: err}
		}
	}
	if streamTask != nil {
		if err := streamTask.Join(); err != nil && respErr == nil {
			respErr = &PhaseError{Phase: PhaseCall, Err: err}
		}
	}

	// Tell the child's loop to stop, then close our write side so it sees
	// end-of-stream even if it missed the goodbye.
	if respErr == nil {
		if err := endpoint.Goodbye(); err != nil {
			respErr = &PhaseError{Phase: PhaseResponse, Err: err}
		}
	}
	childIn.Close()

	waitErr := cmd.Wait()
	reaped = true
	childOut.Close()

	if respErr != nil {
		if rt, ok := respErr.(*protocol.RuntimeError); ok {
			// The child reported a runtime error as a value; that is a
			// typed failure of the call, not of the process.
			return nil, rt
		}
		if _, ok := respErr.(*PhaseError); ok {
			return nil, respErr
		}
		return nil, &PhaseError{Phase: PhaseResponse, Err: respErr}
	}

	exitCode := 0
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
		trace.Logf("plugin exited nonzero after a decoded response",
			"program", t.Program, "exit_code", exitCode)
	} else if waitErr != nil {
		return nil, fmt.Errorf("waiting for plugin %q: %w", t.Program, waitErr)
	}

	return &Result{Body: body, ExitCode: exitCode}, nil
}

// buildCommand picks the interpreter prefix by file extension: scripts
// run under their interpreter, everything else runs directly.
func buildCommand(program string, args []string) *exec.Cmd {
	switch strings.ToLower(filepath.Ext(program)) {
	case ".sh":
		return exec.Command("sh", append([]string{program}, args...)...)
	case ".py":
		return exec.Command("python3", append([]string{program}, args...)...)
	case ".cmd", ".bat":
		return exec.Command("cmd", append([]string{"/c", program}, args...)...)
	default:
		return exec.Command(program, args...)
	}
}

// task is a joinable background goroutine. A panic inside the goroutine
// is re-raised at Join: swallowing it could hide a handle that was never
// closed.
type task struct {
	done     chan struct{}
	err      error
	panicked any
}

func spawnTask(fn func() error) *task {
	t := &task{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer func() {
			if p := recover(); p != nil {
				t.panicked = p
			}
		}()
		t.err = fn()
	}()
	return t
}

// Join blocks until the goroutine finishes and returns its error.
func (t *task) Join() error {
	<-t.done
	if t.panicked != nil {
		panic(t.panicked)
	}
	return t.err
}
