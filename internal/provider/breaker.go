package provider

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/voxflow/voxflow/internal/metrics"
	"github.com/voxflow/voxflow/pkg/schema"
)

// BreakerConfig tunes the circuit breaker guarding a provider.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultBreakerConfig returns conservative defaults: trip at a 60%
// failure rate over at least 5 requests, retry after 30 seconds.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      5,
	}
}

func newBreaker(cfg BreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

func breakerError(name string, err error) error {
	switch err {
	case gobreaker.ErrOpenState, gobreaker.ErrTooManyRequests:
		return schema.NewErrorf(schema.ErrCodeProvider, "%s is unavailable", name).WithCause(err)
	default:
		return err
	}
}

func recordFailure(collector *metrics.Collector, name string) {
	if collector != nil {
		collector.ProviderFailures.WithLabelValues(name).Inc()
	}
}

// BreakerReasoningProvider wraps a ReasoningProvider with a circuit
// breaker. When the breaker is open, Complete fails fast with a
// provider error so the turn driver can degrade gracefully.
type BreakerReasoningProvider struct {
	inner   ReasoningProvider
	cb      *gobreaker.CircuitBreaker
	name    string
	metrics *metrics.Collector
}

// NewBreakerReasoningProvider wraps inner with the given breaker config.
// collector may be nil.
func NewBreakerReasoningProvider(inner ReasoningProvider, cfg BreakerConfig, logger *slog.Logger, collector *metrics.Collector) *BreakerReasoningProvider {
	return &BreakerReasoningProvider{inner: inner, cb: newBreaker(cfg, logger), name: cfg.Name, metrics: collector}
}

func (p *BreakerReasoningProvider) Complete(ctx context.Context, req *ReasoningRequest) (*ReasoningResult, error) {
	out, err := p.cb.Execute(func() (any, error) {
		return p.inner.Complete(ctx, req)
	})
	if err != nil {
		recordFailure(p.metrics, p.name)
		return nil, breakerError(p.name, err)
	}
	return out.(*ReasoningResult), nil
}

// BreakerToolInvoker wraps a ToolInvoker with a circuit breaker. Domain
// failures (result.OK == false) do not count against the breaker.
type BreakerToolInvoker struct {
	inner   ToolInvoker
	cb      *gobreaker.CircuitBreaker
	name    string
	metrics *metrics.Collector
}

// NewBreakerToolInvoker wraps inner with the given breaker config.
// collector may be nil.
func NewBreakerToolInvoker(inner ToolInvoker, cfg BreakerConfig, logger *slog.Logger, collector *metrics.Collector) *BreakerToolInvoker {
	return &BreakerToolInvoker{inner: inner, cb: newBreaker(cfg, logger), name: cfg.Name, metrics: collector}
}

func (t *BreakerToolInvoker) Invoke(ctx context.Context, req *ToolRequest) (*ToolResult, error) {
	out, err := t.cb.Execute(func() (any, error) {
		return t.inner.Invoke(ctx, req)
	})
	if err != nil {
		recordFailure(t.metrics, t.name)
		return nil, breakerError(t.name, err)
	}
	return out.(*ToolResult), nil
}
