// Package mock provides test doubles for the stt package interfaces.
//
// Use Engine to return controlled Results and to inspect which utterances were
// submitted. Set Gate to hold Transcribe calls open, which lets tests observe
// the pipeline while an engine call is in flight.
//
// Example:
//
//	eng := &mock.Engine{Results: []*stt.Result{mock.Text("hello")}}
//	res, _ := eng.Transcribe(ctx, req)
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/contextengine/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Engine.Transcribe.
type TranscribeCall struct {
	// Req is the request passed to Transcribe. Samples are copied.
	Req stt.Request
}

// Engine is a mock implementation of stt.Engine.
type Engine struct {
	mu sync.Mutex

	// Results are returned by successive Transcribe calls. Once exhausted,
	// Result is returned.
	Results []*stt.Result

	// Result is returned once Results is exhausted. Nil means an empty result.
	Result *stt.Result

	// Err, if non-nil, is returned (wrapped in stt.ErrEngine) by every call.
	Err error

	// Errs, when non-nil at the index of a call, overrides Err for that call.
	Errs []error

	// Gate, if non-nil, blocks each call until it is closed or ctx is done.
	Gate chan struct{}

	// Started, if non-nil, receives one value when each call begins. Sends
	// are non-blocking.
	Started chan struct{}

	// Calls records every call to Transcribe in order.
	Calls []TranscribeCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Transcribe records the call and returns the scripted result.
func (e *Engine) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	e.mu.Lock()
	i := len(e.Calls)
	cp := req
	cp.Samples = append([]float32(nil), req.Samples...)
	e.Calls = append(e.Calls, TranscribeCall{Req: cp})
	gate, started := e.Gate, e.Started
	e.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, fmt.Errorf("mock stt: %w: %w", stt.ErrEngine, ctx.Err())
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.Err
	if i < len(e.Errs) && e.Errs[i] != nil {
		err = e.Errs[i]
	}
	if err != nil {
		return nil, fmt.Errorf("mock stt: %w: %w", stt.ErrEngine, err)
	}
	if i < len(e.Results) {
		return e.Results[i], nil
	}
	if e.Result != nil {
		return e.Result, nil
	}
	return &stt.Result{Model: "mock", Duration: stt.DurationOf(req)}, nil
}

// Close records the call.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CloseCallCount++
	return nil
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (e *Engine) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Calls)
}

// Requests returns a copy of the recorded requests. Thread-safe.
func (e *Engine) Requests() []stt.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]stt.Request, len(e.Calls))
	for i, c := range e.Calls {
		out[i] = c.Req
	}
	return out
}

// Text builds a result whose segments are the given texts.
func Text(segments ...string) *stt.Result {
	res := &stt.Result{Model: "mock", Language: "en"}
	for _, s := range segments {
		res.Segments = append(res.Segments, stt.Segment{Text: s})
	}
	return res
}

// Ensure Engine implements stt.Engine at compile time.
var _ stt.Engine = (*Engine)(nil)
