// Package protocol implements the NXPC duplex request/response protocol:
// length-prefixed framed messages for typed calls, and a fixed-size
// command protocol for serving arbitrary byte sources, both run over a
// pair of unidirectional pipes.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Codec serializes envelope values for the framed message layer. The
// codec in force is announced by the child in the encoding handshake; both
// ends use it for every framed message thereafter.
type Codec interface {
	// Name is the ASCII identifier exchanged in the encoding handshake.
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec is the human-debuggable wire codec.
type JSONCodec struct{}

func (JSONCodec) Name() string                        { return "json" }
func (JSONCodec) Marshal(v any) ([]byte, error)       { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error  { return json.Unmarshal(data, v) }

// CBORCodec is the compact binary wire codec. Envelope fields use integer
// keys, so CBOR messages stay small even for chatty exchanges.
type CBORCodec struct{}

func (CBORCodec) Name() string                        { return "cbor" }
func (CBORCodec) Marshal(v any) ([]byte, error)       { return cbor.Marshal(v) }
func (CBORCodec) Unmarshal(data []byte, v any) error  { return cbor.Unmarshal(data, v) }

// LookupCodec resolves a handshake name to a codec.
func LookupCodec(name string) (Codec, error) {
	switch name {
	case "json":
		return JSONCodec{}, nil
	case "cbor":
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown wire codec %q", name)
	}
}

// CodecNames lists the codecs this build understands, preferred first.
func CodecNames() []string {
	return []string{"cbor", "json"}
}
