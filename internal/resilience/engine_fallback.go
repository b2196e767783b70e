package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/contextengine/internal/observe"
	"github.com/MrWong99/contextengine/pkg/provider/stt"
)

// EngineFallback implements [stt.Engine] with failover across several
// transcription engines, each behind its own circuit breaker.
type EngineFallback struct {
	group   *FallbackGroup[namedEngine]
	metrics *observe.Metrics
}

type namedEngine struct {
	name string
	stt.Engine
}

var (
	_ stt.Engine = (*EngineFallback)(nil)
	_ stt.Closer = (*EngineFallback)(nil)
)

// NewEngineFallback creates an [EngineFallback] with primary as the preferred
// engine. A nil m means [observe.DefaultMetrics].
func NewEngineFallback(primary stt.Engine, primaryName string, cfg CircuitBreakerConfig, m *observe.Metrics) *EngineFallback {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	f := &EngineFallback{metrics: m}
	f.group = NewFallbackGroup(namedEngine{primaryName, primary}, primaryName, FallbackConfig{
		CircuitBreaker: cfg,
		OnFailure: func(ctx context.Context, name string, err error) {
			if !errors.Is(err, ErrCircuitOpen) {
				m.RecordProviderError(ctx, name, "stt")
			}
		},
	})
	return f
}

// AddFallback registers an engine tried after all earlier ones.
func (f *EngineFallback) AddFallback(name string, e stt.Engine) {
	f.group.AddFallback(name, namedEngine{name, e})
}

// Names returns the engine names in failover order.
func (f *EngineFallback) Names() []string {
	return f.group.Names()
}

// Transcribe runs req on the first healthy engine.
func (f *EngineFallback) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	res, err := ExecuteWithResult(ctx, f.group, func(ctx context.Context, e namedEngine) (*stt.Result, error) {
		res, err := e.Transcribe(ctx, req)
		status := "ok"
		if err != nil {
			status = "error"
		}
		f.metrics.RecordProviderRequest(ctx, e.name, "stt", status)
		return res, err
	})
	if err != nil {
		if errors.Is(err, stt.ErrEngine) {
			return nil, err
		}
		return nil, fmt.Errorf("stt fallback: %w: %w", stt.ErrEngine, err)
	}
	return res, nil
}

// Close closes every engine that implements [stt.Closer].
func (f *EngineFallback) Close() error {
	var errs []error
	f.group.Each(func(name string, e namedEngine) {
		if c, ok := e.Engine.(stt.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("stt fallback: close %s: %w", name, err))
			}
		}
	})
	return errors.Join(errs...)
}
