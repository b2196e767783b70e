// Package mcp serves the built-in tools over the Model Context Protocol using
// the official MCP Go SDK (github.com/modelcontextprotocol/go-sdk).
//
// A [Server] is built once, populated with [tools.Tool] values and then either
// run on stdio or mounted as an HTTP handler for the streamable transport.
// Every call is traced, bounded by the tool's declared maximum latency and
// counted in [observe.Metrics].
//
// Typical usage:
//
//	srv := mcp.NewServer("contextengine", version)
//	if err := srv.Register(audiotool.NewTools(svc)...); err != nil { ... }
//	err := srv.Run(ctx) // stdio
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/contextengine/internal/mcp/tools"
	"github.com/MrWong99/contextengine/internal/observe"
)

// ErrUnknownTool is returned by [Server.Call] for unregistered tool names.
var ErrUnknownTool = errors.New("mcp: unknown tool")

// Option configures a [Server].
type Option func(*Server)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithInstructions sets the instructions string sent to clients on
// initialisation.
func WithInstructions(text string) Option {
	return func(s *Server) { s.instructions = text }
}

// Server exposes registered tools to MCP clients.
//
// The zero value is not usable; create instances with [NewServer].
type Server struct {
	sdk          *mcpsdk.Server
	metrics      *observe.Metrics
	instructions string

	mu    sync.RWMutex
	tools map[string]tools.Tool
}

// NewServer creates a server that announces itself as name/version.
func NewServer(name, version string, opts ...Option) *Server {
	s := &Server{tools: make(map[string]tools.Tool)}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	var sopts *mcpsdk.ServerOptions
	if s.instructions != "" {
		sopts = &mcpsdk.ServerOptions{Instructions: s.instructions}
	}
	s.sdk = mcpsdk.NewServer(&mcpsdk.Implementation{Name: name, Version: version}, sopts)
	return s
}

// Register adds tools to the server. Names must be unique and each tool needs
// a handler and an object parameter schema.
func (s *Server) Register(ts ...tools.Tool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range ts {
		name := t.Definition.Name
		switch {
		case name == "":
			return errors.New("mcp: tool must have a non-empty name")
		case t.Handler == nil:
			return fmt.Errorf("mcp: tool %q has no handler", name)
		case t.Definition.Parameters["type"] != "object":
			return fmt.Errorf("mcp: tool %q: parameter schema must be an object", name)
		}
		if _, dup := s.tools[name]; dup {
			return fmt.Errorf("mcp: tool %q registered twice", name)
		}
		s.tools[name] = t
		s.sdk.AddTool(&mcpsdk.Tool{
			Name:        name,
			Description: t.Definition.Description,
			InputSchema: t.Definition.Parameters,
		}, s.handler(name))
		slog.Debug("mcp: tool registered", "tool", name, "declared_p50_ms", t.DeclaredP50, "declared_max_ms", t.DeclaredMax)
	}
	return nil
}

// Tools returns the registered tool names in sorted order.
func (s *Server) Tools() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (s *Server) handler(name string) mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args string
		if req != nil && req.Params != nil {
			args = string(req.Params.Arguments)
		}
		out, err := s.Call(ctx, name, args)
		if err != nil {
			return &mcpsdk.CallToolResult{
				IsError: true,
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: err.Error()}},
			}, nil
		}
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: out}},
		}, nil
	}
}

// Call executes the named tool with JSON-encoded args. It is the code path
// used by MCP clients and is exported for in-process callers such as the CLI.
func (s *Server) Call(ctx context.Context, name, args string) (string, error) {
	s.mu.RLock()
	t, ok := s.tools[name]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}

	ctx, span := observe.StartToolSpan(ctx, name)
	defer span.End()

	if timeout := t.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := t.Handler(ctx, args)
	elapsed := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
		observe.Fail(span, err, "")
	}
	s.metrics.RecordToolCall(ctx, name, status)
	s.metrics.ToolExecutionDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(observe.Attr("tool", name)),
	)
	observe.Logger(ctx).Info("mcp: tool call", "tool", name, "status", status, "duration", elapsed.Round(time.Microsecond))
	if err != nil {
		return "", fmt.Errorf("mcp: tool %q: %w", name, err)
	}
	return out, nil
}

// Run serves a single client over stdin/stdout until ctx is cancelled or the
// client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.Serve(ctx, &mcpsdk.StdioTransport{})
}

// Serve serves a single client over t until ctx is cancelled or the client
// disconnects.
func (s *Server) Serve(ctx context.Context, t mcpsdk.Transport) error {
	slog.Info("mcp: serving", "tools", s.Tools())
	if err := s.sdk.Run(ctx, t); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp: serve: %w", err)
	}
	return nil
}

// Connect attaches the server to t without blocking and returns the session.
// Used for in-process clients.
func (s *Server) Connect(ctx context.Context, t mcpsdk.Transport) (*mcpsdk.ServerSession, error) {
	return s.sdk.Connect(ctx, t, nil)
}

// Handler returns an HTTP handler serving the streamable transport.
func (s *Server) Handler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return s.sdk }, nil)
}
