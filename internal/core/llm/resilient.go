package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/markdave123-py/drivesync/internal/core"
)

// fallbackValue fills the constant vector used when embedding is unavailable
// and the fallback is enabled.
const fallbackValue = 0.1

// maxBackoff caps the wait between two attempts.
const maxBackoff = 10 * time.Second

// ResilientConfig bounds every provider call.
type ResilientConfig struct {
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	Fallback    bool
	Dim         int
}

// Resilient wraps a provider with a per-call timeout, retries and an optional
// constant fallback vector.
type Resilient struct {
	inner  core.EmbeddingProvider
	cfg    ResilientConfig
	logger *slog.Logger
}

func NewResilient(inner core.EmbeddingProvider, cfg ResilientConfig, logger *slog.Logger) *Resilient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resilient{inner: inner, cfg: cfg, logger: logger.With("component", "embedder")}
}

func (r *Resilient) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var out [][]float32
	err := r.withRetries(ctx, func(callCtx context.Context) error {
		vecs, err := r.inner.EmbedTexts(callCtx, texts)
		if err != nil {
			return err
		}
		if len(vecs) != len(texts) {
			return fmt.Errorf("embedding count mismatch: %d for %d texts", len(vecs), len(texts))
		}
		out = vecs
		return nil
	})
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil || !r.cfg.Fallback || r.cfg.Dim <= 0 {
		return nil, fmt.Errorf("embed %d texts: %w", len(texts), err)
	}

	r.logger.Warn("embedding failed, using fallback vectors", "count", len(texts), "err", err)
	return fallbackVectors(len(texts), r.cfg.Dim), nil
}

// withRetries runs call under the per-call timeout until it succeeds, the
// attempts run out or ctx ends. The error carries every failed attempt.
func (r *Resilient) withRetries(ctx context.Context, call func(context.Context) error) error {
	var errs []error
	for n := 1; ; n++ {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		err := call(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("attempt %d: %w", n, err))
		if n >= r.cfg.MaxAttempts || ctx.Err() != nil {
			return errors.Join(errs...)
		}

		wait := backoffDelay(r.cfg.BaseDelay, n)
		r.logger.Debug("embedding attempt failed", "attempt", n, "retry_in", wait, "err", err)
		select {
		case <-ctx.Done():
			return errors.Join(append(errs, ctx.Err())...)
		case <-time.After(wait):
		}
	}
}

// backoffDelay is the wait after the n-th failed attempt: base doubled per
// attempt and capped at maxBackoff.
func backoffDelay(base time.Duration, n int) time.Duration {
	d := base
	for i := 1; i < n && d < maxBackoff; i++ {
		d *= 2
	}
	return min(d, maxBackoff)
}

func fallbackVectors(n, dim int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			v[j] = fallbackValue
		}
		out[i] = v
	}
	return out
}

var _ core.EmbeddingProvider = (*Resilient)(nil)
