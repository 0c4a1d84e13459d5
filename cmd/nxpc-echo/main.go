// Command nxpc-echo is a reference plugin for the nxpc transport. It
// answers "echo" with its request body, "reverse" with the body reversed,
// and "count" with the byte count of a side-pipe stream payload.
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	nxpc "github.com/gaetschwartz/nushell-sub000"
)

func main() {
	rt, err := nxpc.NewRuntime(&nxpc.Capabilities{
		Name:       "nxpc-echo",
		Version:    "0.1.0",
		Protocol:   "nxpc",
		Encodings:  []string{"cbor", "json"},
		Ops:        []string{"echo", "reverse", "count"},
		PipeTokens: true,
		Streams:    true,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	rt.Register("echo", func(body []byte, stream io.Reader) ([]byte, error) {
		return body, nil
	})
	rt.Register("reverse", func(body []byte, stream io.Reader) ([]byte, error) {
		out := make([]byte, len(body))
		for i, b := range body {
			out[len(body)-1-i] = b
		}
		return out, nil
	})
	rt.Register("count", func(body []byte, stream io.Reader) ([]byte, error) {
		if stream == nil {
			return nil, fmt.Errorf("count requires a stream payload")
		}
		n, err := io.Copy(io.Discard, stream)
		if err != nil {
			return nil, err
		}
		return []byte(strconv.FormatInt(n, 10)), nil
	})

	if err := rt.Run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
