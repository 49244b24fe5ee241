package llm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/staydesk/staydesk/internal/metrics"
)

// RateLimited spaces out calls to the wrapped client
type RateLimited struct {
	next    Client
	limiter *rate.Limiter
}

// NewRateLimited allows rps calls per second with the given burst
func NewRateLimited(next Client, rps float64, burst int) *RateLimited {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *RateLimited) Name() string { return r.next.Name() }

func (r *RateLimited) Complete(ctx context.Context, prompt string) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}
	return r.next.Complete(ctx, prompt)
}

// Instrumented records duration and outcome of every call
type Instrumented struct {
	next   Client
	logger *zap.Logger
}

// NewInstrumented wraps next with call metrics and failure logging
func NewInstrumented(next Client, logger *zap.Logger) *Instrumented {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Instrumented{next: next, logger: logger}
}

func (i *Instrumented) Name() string { return i.next.Name() }

func (i *Instrumented) Complete(ctx context.Context, prompt string) (string, error) {
	start := time.Now()
	text, err := i.next.Complete(ctx, prompt)
	elapsed := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
		i.logger.Warn("completion call failed",
			zap.String("provider", i.next.Name()),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
	}
	metrics.RecordLLMCall(i.next.Name(), status, elapsed)
	return text, err
}
