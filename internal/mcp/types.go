package mcp

import "fmt"

// Transport selects how the server talks to its MCP client.
type Transport string

const (
	// TransportStdio serves a single client over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP serves clients via the MCP Streamable HTTP
	// protocol on the HTTP listener.
	TransportStreamableHTTP Transport = "streamable-http"
)

// DefaultPath is the HTTP path the streamable transport is mounted on.
const DefaultPath = "/mcp"

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ParseTransport converts s to a [Transport]. The empty string selects
// [TransportStdio].
func ParseTransport(s string) (Transport, error) {
	if s == "" {
		return TransportStdio, nil
	}
	t := Transport(s)
	if !t.IsValid() {
		return "", fmt.Errorf("mcp: unknown transport %q (want %q or %q)", s, TransportStdio, TransportStreamableHTTP)
	}
	return t, nil
}
