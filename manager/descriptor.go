package manager

import (
	"fmt"
	"strings"
)

// Kind names a transport kind.
type Kind string

// Transport kinds accepted in a ServerConfig.
const (
	KindStdio Kind = "stdio"
	KindHTTP  Kind = "http"
	KindSSE   Kind = "sse"

	// kindHTTPStream is accepted as an alias of KindHTTP.
	kindHTTPStream Kind = "httpStream"
)

// Descriptor describes how to reach one MCP server. It is implemented by StdioDescriptor,
// HTTPDescriptor and SSEDescriptor only.
type Descriptor interface {
	// Kind returns the transport kind the descriptor selects.
	Kind() Kind
	// Target returns the command or URL, for logs and errors.
	Target() string

	descriptor()
}

// StdioDescriptor runs the server as a child process speaking over standard input/output.
type StdioDescriptor struct {
	Command string
	Args    []string
	// Env overlays the parent's environment.
	Env map[string]string
	Dir string
}

// HTTPDescriptor reaches a server that accepts JSON-RPC messages as HTTP POST bodies.
type HTTPDescriptor struct {
	URL     string
	Headers map[string]string
}

// SSEDescriptor reaches a server through a Server-Sent Events stream.
type SSEDescriptor struct {
	URL     string
	Headers map[string]string
}

// ServerConfig is the serialized form of a Descriptor, as it appears in configuration files
// and API requests.
type ServerConfig struct {
	Type    Kind              `json:"type" koanf:"type"`
	Command string            `json:"command,omitempty" koanf:"command"`
	Args    []string          `json:"args,omitempty" koanf:"args"`
	Env     map[string]string `json:"env,omitempty" koanf:"env"`
	Dir     string            `json:"dir,omitempty" koanf:"dir"`
	URL     string            `json:"url,omitempty" koanf:"url"`
	Headers map[string]string `json:"headers,omitempty" koanf:"headers"`
}

// Kind implements Descriptor.
func (StdioDescriptor) Kind() Kind { return KindStdio }

// Target implements Descriptor.
func (d StdioDescriptor) Target() string { return d.Command }

func (StdioDescriptor) descriptor() {}

// Kind implements Descriptor.
func (HTTPDescriptor) Kind() Kind { return KindHTTP }

// Target implements Descriptor.
func (d HTTPDescriptor) Target() string { return d.URL }

func (HTTPDescriptor) descriptor() {}

// Kind implements Descriptor.
func (SSEDescriptor) Kind() Kind { return KindSSE }

// Target implements Descriptor.
func (d SSEDescriptor) Target() string { return d.URL }

func (SSEDescriptor) descriptor() {}

// Descriptor validates the config and returns the descriptor it describes. A stdio command
// that contains spaces is split on whitespace; its tail comes before any explicit args.
func (c ServerConfig) Descriptor() (Descriptor, error) {
	switch c.Type {
	case KindStdio:
		fields := strings.Fields(c.Command)
		if len(fields) == 0 {
			return nil, fmt.Errorf("stdio server requires a command")
		}
		args := append(fields[1:len(fields):len(fields)], c.Args...)
		return StdioDescriptor{
			Command: fields[0],
			Args:    args,
			Env:     c.Env,
			Dir:     c.Dir,
		}, nil
	case KindHTTP, kindHTTPStream:
		if c.URL == "" {
			return nil, fmt.Errorf("%s server requires a url", c.Type)
		}
		return HTTPDescriptor{URL: c.URL, Headers: c.Headers}, nil
	case KindSSE:
		if c.URL == "" {
			return nil, fmt.Errorf("sse server requires a url")
		}
		return SSEDescriptor{URL: c.URL, Headers: c.Headers}, nil
	case "":
		return nil, fmt.Errorf("server type is required")
	default:
		return nil, fmt.Errorf("unsupported server type %q", c.Type)
	}
}
