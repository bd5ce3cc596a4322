package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"leadqual_backend/internal/qualification/domain"
	"leadqual_backend/platform/logger"
	"leadqual_backend/platform/metrics"
)

// Operation names used in stats and metrics.
const (
	OpGenerateReply  = "generate_reply"
	OpExtractFields  = "extract_fields"
	OpClassifyIntent = "classify_intent"
)

// OperationStats counts calls for one operation.
type OperationStats struct {
	Requests int64 `json:"requests"`
	Errors   int64 `json:"errors"`
}

// Stats is a snapshot of provider usage since start.
type Stats struct {
	Provider      string                    `json:"provider"`
	TotalRequests int64                     `json:"totalRequests"`
	TotalErrors   int64                     `json:"totalErrors"`
	Operations    map[string]OperationStats `json:"operations"`
	LastError     string                    `json:"lastError,omitempty"`
	LastErrorAt   *time.Time                `json:"lastErrorAt,omitempty"`
}

// Health is the result of a provider probe.
type Health struct {
	Provider  string `json:"provider"`
	Healthy   bool   `json:"healthy"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// Instrumented bounds every call with a fixed timeout and records usage.
type Instrumented struct {
	next    Provider
	name    string
	timeout time.Duration
	metrics *metrics.Metrics
	log     *logger.Logger

	mu    sync.Mutex
	stats Stats
}

// NewInstrumented wraps next. A zero timeout disables the per-call deadline.
func NewInstrumented(next Provider, timeout time.Duration, m *metrics.Metrics, log *logger.Logger) *Instrumented {
	name := "provider"
	if n, ok := next.(Named); ok {
		name = n.Name()
	}
	return &Instrumented{
		next:    next,
		name:    name,
		timeout: timeout,
		metrics: m,
		log:     log,
		stats:   Stats{Provider: name, Operations: map[string]OperationStats{}},
	}
}

// Name returns the wrapped backend name.
func (p *Instrumented) Name() string {
	return p.name
}

func (p *Instrumented) GenerateReply(ctx context.Context, history []domain.Message, collected map[string]string, criteria domain.Criteria) (string, error) {
	var reply string
	err := p.call(ctx, OpGenerateReply, func(ctx context.Context) error {
		var err error
		reply, err = p.next.GenerateReply(ctx, history, collected, criteria)
		return err
	})
	return reply, err
}

func (p *Instrumented) ExtractFields(ctx context.Context, text string, knownFields []string) (map[string]string, error) {
	var fields map[string]string
	err := p.call(ctx, OpExtractFields, func(ctx context.Context) error {
		var err error
		fields, err = p.next.ExtractFields(ctx, text, knownFields)
		return err
	})
	return fields, err
}

func (p *Instrumented) ClassifyIntent(ctx context.Context, text string) (domain.Intent, error) {
	var intent domain.Intent
	err := p.call(ctx, OpClassifyIntent, func(ctx context.Context) error {
		var err error
		intent, err = p.next.ClassifyIntent(ctx, text)
		return err
	})
	return intent, err
}

// HealthCheck issues a tiny classification request.
func (p *Instrumented) HealthCheck(ctx context.Context) Health {
	start := time.Now()
	_, err := p.ClassifyIntent(ctx, "hello")
	h := Health{Provider: p.name, Healthy: err == nil, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		h.Error = err.Error()
	}
	return h
}

// Stats returns a copy of the usage counters.
func (p *Instrumented) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.stats
	out.Operations = make(map[string]OperationStats, len(p.stats.Operations))
	for k, v := range p.stats.Operations {
		out.Operations[k] = v
	}
	if p.stats.LastErrorAt != nil {
		at := *p.stats.LastErrorAt
		out.LastErrorAt = &at
	}
	return out
}

func (p *Instrumented) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(ctx)
	if err != nil && !errors.Is(err, ErrUnavailable) {
		err = fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	elapsed := time.Since(start)

	p.record(op, err, start)
	p.metrics.ObserveProvider(p.name, op, err, elapsed)
	if err != nil && p.log != nil {
		p.log.WithContext(ctx).ProviderFailure(p.name, op, err)
	}
	return err
}

func (p *Instrumented) record(op string, err error, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats.Operations[op]
	s.Requests++
	p.stats.TotalRequests++
	if err != nil {
		s.Errors++
		p.stats.TotalErrors++
		p.stats.LastError = err.Error()
		stamp := at
		p.stats.LastErrorAt = &stamp
	}
	p.stats.Operations[op] = s
}
