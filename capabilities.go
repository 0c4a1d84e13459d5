package nxpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Capabilities is the declaration a plugin prints when invoked with -h or
// --help: which wire codecs it speaks and which protocol features it
// supports. A plugin asked for its capabilities must exit zero without
// reading any pipe.
type Capabilities struct {
	// Name identifies the plugin.
	Name string `json:"name"`
	// Version is the plugin's own version string.
	Version string `json:"version,omitempty"`
	// Protocol is the protocol family, always "nxpc".
	Protocol string `json:"protocol"`
	// Encodings lists the wire codec names the plugin can announce in the
	// encoding handshake, preferred first.
	Encodings []string `json:"encodings"`
	// Ops lists the operations the plugin answers.
	Ops []string `json:"ops,omitempty"`
	// PipeTokens reports whether the plugin accepts wire-token pipes as
	// argv[1]. Without it the transport falls back to inherited stdio.
	PipeTokens bool `json:"pipe_tokens,omitempty"`
	// Streams reports whether the plugin can retrieve large payloads
	// through a side pipe.
	Streams bool `json:"streams,omitempty"`
}

// capabilitiesSchema validates a capability declaration before anything
// trusts it. Draft-7, matching the validator.
const capabilitiesSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["name", "protocol", "encodings"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"version": {"type": "string"},
		"protocol": {"type": "string", "const": "nxpc"},
		"encodings": {
			"type": "array",
			"minItems": 1,
			"items": {"type": "string", "minLength": 1}
		},
		"ops": {"type": "array", "items": {"type": "string"}},
		"pipe_tokens": {"type": "boolean"},
		"streams": {"type": "boolean"}
	},
	"additionalProperties": false
}`

// ParseCapabilities validates raw declaration JSON against the schema and
// unmarshals it.
func ParseCapabilities(data []byte) (*Capabilities, error) {
	schemaLoader := gojsonschema.NewStringLoader(capabilitiesSchema)
	docLoader := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return nil, fmt.Errorf("capability declaration is not valid JSON: %w", err)
	}
	if !result.Valid() {
		var details []string
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return nil, fmt.Errorf("capability declaration failed schema validation: %s", strings.Join(details, "; "))
	}

	var caps Capabilities
	if err := json.Unmarshal(data, &caps); err != nil {
		return nil, err
	}
	return &caps, nil
}

// Marshal renders the declaration as JSON, the form a plugin prints for
// -h/--help.
func (c *Capabilities) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// SupportsEncoding reports whether the declaration lists the given codec
// name.
func (c *Capabilities) SupportsEncoding(name string) bool {
	for _, e := range c.Encodings {
		if e == name {
			return true
		}
	}
	return false
}

// ProbeCapabilities runs the plugin with --help and parses its printed
// declaration. This is the capability-negotiation half of spawning: the
// result decides whether the real invocation gets wire-token pipes or
// inherited stdio.
func ProbeCapabilities(program string) (*Capabilities, error) {
	cmd := buildCommand(program, []string{"--help"})
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("plugin %q exited nonzero for --help: %w", program, err)
		}
		return nil, &SpawnError{Program: program, Err: err}
	}
	return ParseCapabilities(bytes.TrimSpace(stdout.Bytes()))
}
