package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wudi/dwebgate/internal/config"
	gwerrors "github.com/wudi/dwebgate/internal/errors"
	"github.com/wudi/dwebgate/internal/logging"
	"github.com/wudi/dwebgate/internal/metrics"
	"github.com/wudi/dwebgate/internal/sandbox"
	"go.uber.org/zap"
)

// DefaultDrainTimeout bounds how long a replaced state waits for its
// in-flight requests before being torn down.
const DefaultDrainTimeout = 30 * time.Second

// Gateway serves requests from the components built for the current
// configuration. A reload builds a complete new set, swaps it in atomically
// and retires the old one once its in-flight requests finish.
type Gateway struct {
	metrics      *metrics.Collector
	current      atomic.Pointer[state]
	drainTimeout time.Duration

	mu       sync.Mutex // serializes Reload and Close
	retiring sync.WaitGroup
	closed   bool
}

// New builds a gateway for cfg.
func New(cfg *config.Config) (*Gateway, error) {
	g := &Gateway{
		metrics:      metrics.NewCollector(),
		drainTimeout: DefaultDrainTimeout,
	}

	s, err := g.build(context.Background(), cfg, nil)
	if err != nil {
		return nil, err
	}
	g.current.Store(s)

	g.metrics.RegisterExecutor(func() metrics.ExecutorStats {
		st := g.current.Load().executor.Stats()
		return metrics.ExecutorStats{
			Workers:   st.Workers,
			Queued:    st.Queued,
			Running:   st.Running,
			Completed: st.Completed,
			Rejected:  st.Rejected,
		}
	})
	return g, nil
}

// Handler returns the gateway's request handler. It stays valid across
// reloads.
func (g *Gateway) Handler() http.Handler {
	return http.HandlerFunc(g.serveHTTP)
}

func (g *Gateway) serveHTTP(w http.ResponseWriter, r *http.Request) {
	for {
		s := g.current.Load()
		if s.acquire() {
			defer s.release()
			s.handler.ServeHTTP(w, r)
			return
		}
		// A refused state that is still current has been closed; otherwise
		// it was swapped out and the next Load sees its replacement.
		if g.current.Load() == s {
			gwerrors.ErrServiceUnavailable.WriteJSON(w)
			return
		}
	}
}

// Config returns the configuration currently served.
func (g *Gateway) Config() *config.Config {
	return g.current.Load().config
}

// Metrics returns the gateway's collector.
func (g *Gateway) Metrics() *metrics.Collector {
	return g.metrics
}

// SetDrainTimeout changes how long reloads wait for in-flight requests.
func (g *Gateway) SetDrainTimeout(d time.Duration) {
	g.mu.Lock()
	g.drainTimeout = d
	g.mu.Unlock()
}

// Reload swaps in components built from cfg. On failure the current
// components keep serving.
func (g *Gateway) Reload(ctx context.Context, cfg *config.Config) ReloadResult {
	result := ReloadResult{Timestamp: time.Now()}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		result.Error = "gateway closed"
		return result
	}

	old := g.current.Load()
	next, err := g.build(ctx, cfg, old)
	if err != nil {
		result.Error = err.Error()
		g.metrics.RecordReload(false)
		return result
	}

	result.Changes = diffConfig(old.config, cfg)
	g.current.Store(next)
	if old.config.Logging.Level != cfg.Logging.Level {
		logging.SetLevel(cfg.Logging.Level)
	}

	timeout := g.drainTimeout
	g.retiring.Add(1)
	go func() {
		defer g.retiring.Done()
		g.retire(old, timeout)
	}()

	g.metrics.RecordReload(true)
	result.Success = true
	return result
}

// retire waits for s to drain, then releases what it owns.
func (g *Gateway) retire(s *state, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.drain(ctx); err != nil {
		logging.Warn("replaced config still had requests in flight",
			zap.Int64("in_flight", s.inFlight()), zap.Error(err))
	}
	s.close(context.Background())
}

// Purge drops every cached module, both raw bytes and compiled code.
func (g *Gateway) Purge(ctx context.Context) {
	s := g.current.Load()
	s.loader.Purge()
	s.runtime.Purge(ctx)
	logging.Info("module caches purged")
}

// PingRedis checks the shared Redis client. configured is false when no
// Redis is set up.
func (g *Gateway) PingRedis(ctx context.Context) (configured bool, err error) {
	s := g.current.Load()
	if s.redis == nil {
		return false, nil
	}
	return true, s.redis.Ping(ctx).Err()
}

// Close drains the current state and releases everything.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	s := g.current.Load()
	g.mu.Unlock()

	err := s.drain(ctx)
	g.retiring.Wait()
	s.close(ctx)
	if err != nil {
		return fmt.Errorf("gateway: drain: %w", err)
	}
	return nil
}

// Stats describes the components currently serving.
type Stats struct {
	InFlight      int64                 `json:"in_flight"`
	Loader        any                   `json:"loader"`
	ByteCache     any                   `json:"byte_cache,omitempty"`
	ModuleCache   sandbox.CacheStats    `json:"module_cache"`
	Executor      sandbox.ExecutorStats `json:"executor"`
	RateLimit     any                   `json:"rate_limit,omitempty"`
	Tracing       map[string]any        `json:"tracing"`
	Collaborators map[string]any        `json:"collaborators,omitempty"`
}

// GetStats returns current gateway statistics
func (g *Gateway) GetStats() *Stats {
	s := g.current.Load()
	stats := &Stats{
		InFlight:      s.inFlight(),
		Loader:        s.loader.Stats(),
		ModuleCache:   s.runtime.CacheStats(),
		Executor:      s.executor.Stats(),
		Tracing:       s.tracer.Status(),
		Collaborators: make(map[string]any),
	}
	if cs, ok := s.loader.CacheStats(); ok {
		stats.ByteCache = cs
	}
	if s.limiter != nil {
		stats.RateLimit = s.limiter.Stats()
	}
	if r, ok := s.resolver.(statser); ok {
		stats.Collaborators["naming"] = r.Stats()
	}
	if c, ok := s.store.(statser); ok {
		stats.Collaborators["content"] = c.Stats()
	}
	return stats
}

type statser interface {
	Stats() map[string]any
}
