package retry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/wudi/dwebgate/internal/config"
)

// Policy retries collaborator calls with exponential backoff.
type Policy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Metrics        *Metrics
}

// Metrics tracks retry statistics for one collaborator
type Metrics struct {
	Requests  atomic.Int64
	Retries   atomic.Int64
	Successes atomic.Int64
	Failures  atomic.Int64
}

// Snapshot returns a point-in-time copy of the metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Requests:  m.Requests.Load(),
		Retries:   m.Retries.Load(),
		Successes: m.Successes.Load(),
		Failures:  m.Failures.Load(),
	}
}

// MetricsSnapshot is a point-in-time copy of retry metrics
type MetricsSnapshot struct {
	Requests  int64 `json:"requests"`
	Retries   int64 `json:"retries"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
}

// NewPolicy creates a retry policy from config
func NewPolicy(cfg config.RetryConfig) *Policy {
	p := &Policy{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		Metrics:        &Metrics{},
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 100 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 10 * time.Second
	}
	return p
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

func (p *Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.InitialBackoff),
		backoff.WithMaxInterval(p.MaxBackoff),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxRetries)), ctx)
}

// Do runs op until it succeeds, returns a Permanent error, the retries run
// out, or ctx ends. A nil policy runs op once.
func Do[T any](ctx context.Context, p *Policy, op func(context.Context) (T, error)) (T, error) {
	if p == nil {
		return op(ctx)
	}
	p.Metrics.Requests.Add(1)

	attempt := 0
	res, err := backoff.RetryWithData(func() (T, error) {
		if attempt > 0 {
			p.Metrics.Retries.Add(1)
		}
		attempt++
		return op(ctx)
	}, p.backOff(ctx))

	if err != nil {
		p.Metrics.Failures.Add(1)
		return res, err
	}
	p.Metrics.Successes.Add(1)
	return res, nil
}
