package circuitbreaker

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/wudi/dwebgate/internal/config"
	"github.com/wudi/dwebgate/internal/logging"
	"go.uber.org/zap"
)

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// Breaker guards one collaborator. A nil or disabled Breaker passes every
// call through.
type Breaker struct {
	name     string
	cb       *gobreaker.CircuitBreaker[any]
	rejected atomic.Int64
}

// New builds a breaker from cfg. Errors for which ignore returns true are
// not counted against the collaborator.
func New(name string, cfg config.CircuitBreakerConfig, ignore func(error) bool) *Breaker {
	if !cfg.Enabled {
		return nil
	}

	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	maxRequests := cfg.MaxRequests
	if maxRequests <= 0 {
		maxRequests = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(maxRequests),
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	if ignore != nil {
		settings.IsExcluded = ignore
	}

	return &Breaker{
		name: name,
		cb:   gobreaker.NewCircuitBreaker[any](settings),
	}
}

// Execute runs fn through b.
func Execute[T any](b *Breaker, fn func() (T, error)) (T, error) {
	if b == nil {
		return fn()
	}
	res, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.rejected.Add(1)
		var zero T
		return zero, ErrOpen
	}
	if res == nil {
		var zero T
		return zero, err
	}
	return res.(T), err
}

// Snapshot returns a point-in-time view of the breaker state
func (b *Breaker) Snapshot() Snapshot {
	if b == nil {
		return Snapshot{State: "disabled"}
	}
	counts := b.cb.Counts()
	return Snapshot{
		Name:                b.name,
		State:               b.cb.State().String(),
		Requests:            counts.Requests,
		TotalSuccesses:      counts.TotalSuccesses,
		TotalFailures:       counts.TotalFailures,
		ConsecutiveFailures: counts.ConsecutiveFailures,
		Rejected:            b.rejected.Load(),
	}
}

// Snapshot is a point-in-time view of a circuit breaker
type Snapshot struct {
	Name                string `json:"name,omitempty"`
	State               string `json:"state"`
	Requests            uint32 `json:"requests"`
	TotalSuccesses      uint32 `json:"total_successes"`
	TotalFailures       uint32 `json:"total_failures"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
	Rejected            int64  `json:"rejected"`
}
