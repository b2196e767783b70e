// Package tools defines the shared [Tool] type used by the built-in MCP tool
// packages. Each sub-package exports a constructor that returns a slice of
// [Tool] values ready for registration with the MCP server.
package tools

import (
	"context"
	"time"
)

// Definition is the client-facing schema of a tool.
type Definition struct {
	// Name is the unique tool name, e.g. "start_listening".
	Name string

	// Description is shown to the MCP client.
	Description string

	// Parameters is a JSON Schema object describing the tool arguments.
	Parameters map[string]any
}

// Tool represents a built-in tool ready for registration.
//
// Each Tool carries its schema together with the handler invoked when a
// client calls the tool. DeclaredP50 and DeclaredMax are the author's latency
// estimates; DeclaredMax doubles as the execution timeout.
type Tool struct {
	// Definition is the tool's name, description and parameter schema.
	Definition Definition

	// Handler executes the tool with JSON-encoded args and returns the text
	// shown to the client. Implementations must be safe for concurrent use
	// and must respect context cancellation.
	Handler func(ctx context.Context, args string) (string, error)

	// DeclaredP50 is the declared median execution latency in milliseconds.
	DeclaredP50 int64

	// DeclaredMax is the declared upper-bound latency in milliseconds.
	// Zero disables the timeout.
	DeclaredMax int64
}

// Timeout returns DeclaredMax as a duration.
func (t Tool) Timeout() time.Duration {
	return time.Duration(t.DeclaredMax) * time.Millisecond
}
