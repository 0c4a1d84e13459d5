package nxpc

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaetschwartz/nushell-sub000/pipe"
	"github.com/gaetschwartz/nushell-sub000/protocol"
)

func TestBuildCommand(t *testing.T) {
	cases := []struct {
		program string
		args    []string
		want    []string
	}{
		{"plugin.sh", nil, []string{"sh", "plugin.sh"}},
		{"plugin.py", []string{"-v"}, []string{"python3", "plugin.py", "-v"}},
		{"plugin.CMD", nil, []string{"cmd", "/c", "plugin.CMD"}},
		{"plugin.bat", nil, []string{"cmd", "/c", "plugin.bat"}},
		{"plugin", []string{"--flag"}, []string{"plugin", "--flag"}},
		{"plugin.exe", nil, []string{"plugin.exe"}},
	}
	for _, c := range cases {
		cmd := buildCommand(c.program, c.args)
		assert.Equal(t, c.want, cmd.Args, "program %q", c.program)
	}
}

func TestTaskJoinPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	tk := spawnTask(func() error { return boom })
	assert.ErrorIs(t, tk.Join(), boom)

	tk = spawnTask(func() error { return nil })
	assert.NoError(t, tk.Join())
}

func TestTaskJoinReRaisesPanic(t *testing.T) {
	tk := spawnTask(func() error { panic("escaped") })
	assert.PanicsWithValue(t, "escaped", func() { tk.Join() })
}

func TestProbeCapabilitiesFromScript(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("probe script requires sh")
	}
	script := filepath.Join(t.TempDir(), "declare.sh")
	body := "#!/bin/sh\necho '{\"name\":\"scripted\",\"protocol\":\"nxpc\",\"encodings\":[\"json\"],\"pipe_tokens\":true}'\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	caps, err := ProbeCapabilities(script)
	require.NoError(t, err)
	assert.Equal(t, "scripted", caps.Name)
	assert.True(t, caps.PipeTokens)

	tr := NewTransport(script)
	negotiated, err := tr.Negotiate()
	require.NoError(t, err)
	assert.Equal(t, caps, negotiated)
	assert.True(t, tr.UsePipeTokens)
}

func TestProbeCapabilitiesMissingProgram(t *testing.T) {
	_, err := ProbeCapabilities(filepath.Join(t.TempDir(), "nonexistent"))
	var spawnErr *SpawnError
	assert.ErrorAs(t, err, &spawnErr)
}

// The spawn tests re-execute this test binary as the plugin; see
// TestHelperPluginProcess.
func helperTransport(t *testing.T) *Transport {
	t.Helper()
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
	return &Transport{
		Program: os.Args[0],
		Args:    []string{"-test.run=TestHelperPluginProcess", "--"},
		Stderr:  os.Stderr,
	}
}

func TestTransportCallOverStdio(t *testing.T) {
	tr := helperTransport(t)

	res, err := tr.Call(&Call{Op: "echo", Body: []byte("ping")})
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), res.Body)
	assert.Zero(t, res.ExitCode)
}

func TestTransportSignature(t *testing.T) {
	tr := helperTransport(t)

	caps, err := tr.Signature()
	require.NoError(t, err)
	assert.Equal(t, "helper", caps.Name)
	assert.Contains(t, caps.Ops, "echo")
}

func TestTransportCallPipeTokens(t *testing.T) {
	tr := helperTransport(t)
	tr.UsePipeTokens = true

	res, err := tr.Call(&Call{Op: "echo", Body: []byte("ping")})
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), res.Body)
	assert.Zero(t, res.ExitCode)
}

// The token is appended after the transport's own arguments, so a child
// invoked with extra argv entries must still find its channel.
func TestTransportPipeTokensWithExtraArgs(t *testing.T) {
	tr := helperTransport(t)
	tr.UsePipeTokens = true
	tr.Args = append(tr.Args, "--verbose")

	res, err := tr.Call(&Call{Op: "echo", Body: []byte("routed")})
	require.NoError(t, err)
	assert.Equal(t, []byte("routed"), res.Body)
}

func TestTransportStreamOverStdio(t *testing.T) {
	tr := helperTransport(t)

	payload := bytes.Repeat([]byte{0x5A}, 1<<20+7)
	res, err := tr.Call(&Call{Op: "count", Stream: bytes.NewReader(payload)})
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(len(payload)), string(res.Body))
}

func TestTransportStreamPipeTokens(t *testing.T) {
	tr := helperTransport(t)
	tr.UsePipeTokens = true

	payload := bytes.Repeat([]byte{0xA5}, 1<<20+7)
	res, err := tr.Call(&Call{Op: "count", Stream: bytes.NewReader(payload)})
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(len(payload)), string(res.Body))
}

func TestTransportStreamCompressed(t *testing.T) {
	tr := helperTransport(t)
	tr.StreamEncoding = pipe.EncodingZstd

	payload := bytes.Repeat([]byte("compress me "), 100_000)
	res, err := tr.Call(&Call{Op: "count", Stream: bytes.NewReader(payload)})
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(len(payload)), string(res.Body))
}

func TestTransportRuntimeErrorFromChild(t *testing.T) {
	tr := helperTransport(t)

	_, err := tr.Call(&Call{Op: "fail", Body: []byte("reason")})
	var rt *protocol.RuntimeError
	require.ErrorAs(t, err, &rt)
	assert.Contains(t, rt.Message, "reason")
}

func TestTransportSpawnFailure(t *testing.T) {
	tr := NewTransport(filepath.Join(t.TempDir(), "no-such-plugin"))
	_, err := tr.Call(&Call{Op: "echo"})
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, tr.Program, spawnErr.Program)
}

// A failed spawn in pipe-token mode with a stream payload walks the full
// pre-start cleanup: both token pairs, the side pair, and the opened
// channel ends.
func TestTransportSpawnFailurePipeTokens(t *testing.T) {
	tr := NewTransport(filepath.Join(t.TempDir(), "no-such-plugin"))
	tr.UsePipeTokens = true

	_, err := tr.Call(&Call{Op: "count", Stream: bytes.NewReader([]byte("payload"))})
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, tr.Program, spawnErr.Program)
}

// TestHelperPluginProcess is not a real test: the transport tests spawn
// this binary with GO_WANT_HELPER_PROCESS set and it behaves as a plugin
// serving over inherited stdio.
func TestHelperPluginProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		t.Skip("helper process for the transport spawn tests")
	}
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}

	rt, err := NewRuntime(&Capabilities{
		Name:       "helper",
		Protocol:   "nxpc",
		Encodings:  []string{"json"},
		Ops:        []string{"echo", "fail", "count"},
		PipeTokens: true,
		Streams:    true,
	})
	if err != nil {
		os.Exit(1)
	}
	rt.Register("echo", func(body []byte, stream io.Reader) ([]byte, error) {
		return body, nil
	})
	rt.Register("fail", func(body []byte, stream io.Reader) ([]byte, error) {
		return nil, errors.New(string(body))
	})
	rt.Register("count", func(body []byte, stream io.Reader) ([]byte, error) {
		if stream == nil {
			return nil, errors.New("count requires a stream payload")
		}
		n, err := io.Copy(io.Discard, stream)
		if err != nil {
			return nil, err
		}
		return []byte(strconv.FormatInt(n, 10)), nil
	})
	if err := rt.Run(args); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}
