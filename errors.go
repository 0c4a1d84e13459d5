package nxpc

import "fmt"

// Phase names the stage of a plugin exchange that failed, so protocol
// failures are attributable without a debugger on both sides.
type Phase string

const (
	PhaseHandshake Phase = "handshake"
	PhaseCall      Phase = "call"
	PhaseResponse  Phase = "response"
)

// PhaseError wraps a protocol failure with the phase it happened in.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("plugin %s phase failed: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// SpawnError reports a child process that could not be started, naming
// the attempted program.
type SpawnError struct {
	Program string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn plugin %q: %v", e.Program, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }
