package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wudi/dwebgate/internal/cache"
	"github.com/wudi/dwebgate/internal/config"
	"github.com/wudi/dwebgate/internal/content"
	"github.com/wudi/dwebgate/internal/loader"
	"github.com/wudi/dwebgate/internal/logging"
	"github.com/wudi/dwebgate/internal/middleware"
	"github.com/wudi/dwebgate/internal/middleware/ratelimit"
	"github.com/wudi/dwebgate/internal/naming"
	"github.com/wudi/dwebgate/internal/pipeline"
	"github.com/wudi/dwebgate/internal/sandbox"
	"github.com/wudi/dwebgate/internal/tracing"
	"go.uber.org/zap"
)

// ReloadResult represents the outcome of a config reload.
type ReloadResult struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
	Changes   []string  `json:"changes,omitempty"`
}

// state is everything built from one configuration. It is immutable once
// published, apart from the in-flight accounting.
type state struct {
	config   *config.Config
	handler  http.Handler
	resolver naming.Resolver
	store    content.Store
	loader   *loader.ContentLoader
	runtime  *sandbox.Runtime
	executor *sandbox.Executor
	limiter  *ratelimit.HostLimiter
	tracer   *tracing.Tracer
	redis    *redis.Client

	// ownsSandbox is false while the runtime and executor belong to a
	// newer state.
	ownsSandbox bool

	mu       sync.Mutex
	active   int64
	draining bool
	idle     chan struct{}
}

// build assembles a state for cfg. When prev runs an identical sandbox
// configuration its runtime and executor, with their compiled modules, are
// carried over.
func (g *Gateway) build(ctx context.Context, cfg *config.Config, prev *state) (s *state, err error) {
	s = &state{config: cfg, idle: make(chan struct{})}
	defer func() {
		if err != nil {
			s.close(context.Background())
		}
	}()

	client := &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}

	if cfg.Redis.Address != "" {
		opts := &redis.Options{
			Addr:        cfg.Redis.Address,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			DialTimeout: cfg.Redis.DialTimeout,
		}
		if cfg.Redis.TLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		s.redis = redis.NewClient(opts)
	}

	if s.resolver, err = naming.New(cfg.Naming, client); err != nil {
		return nil, fmt.Errorf("failed to initialize resolver: %w", err)
	}
	if s.store, err = content.New(ctx, cfg.Content, client); err != nil {
		return nil, fmt.Errorf("failed to initialize content store: %w", err)
	}
	byteCache, err := cache.New(cfg.Cache, s.redis)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	s.loader, err = loader.New(loader.Options{
		Rewriter: naming.Rewriter{
			GatewaySuffix: cfg.Naming.GatewaySuffix,
			DomainSuffix:  cfg.Naming.DomainSuffix,
		},
		Resolver:       s.resolver,
		Store:          s.store,
		Cache:          byteCache,
		ResolveTimeout: cfg.Naming.Timeout,
		FetchTimeout:   cfg.Content.Timeout,
		MaxModuleBytes: cfg.Content.MaxModuleBytes,
	})
	if err != nil {
		return nil, err
	}

	reuse := prev != nil && prev.ownsSandbox && prev.config.Sandbox == cfg.Sandbox
	if reuse {
		s.runtime, s.executor = prev.runtime, prev.executor
	} else {
		if s.runtime, err = sandbox.NewRuntime(ctx, cfg.Sandbox); err != nil {
			return nil, fmt.Errorf("failed to initialize sandbox: %w", err)
		}
		s.executor = sandbox.NewExecutor(cfg.Sandbox.Workers, cfg.Sandbox.QueueTimeout)
		s.ownsSandbox = true
	}

	if s.tracer, err = tracing.New(cfg.Tracing); err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	if cfg.RateLimit.Enabled {
		s.limiter = ratelimit.New(cfg.RateLimit)
		s.limiter.OnReject(g.metrics.RecordRateLimited)
	}

	p, err := pipeline.New(pipeline.Options{
		Loader:              s.loader,
		Runtime:             s.runtime,
		Executor:            s.executor,
		Metrics:             g.metrics,
		Tracer:              s.tracer,
		Logger:              logging.Global(),
		StrictMethods:       cfg.Sandbox.StrictMethods,
		MaxRequestBodyBytes: cfg.Sandbox.MaxRequestBodyBytes,
	})
	if err != nil {
		return nil, err
	}

	builder := middleware.NewBuilder().
		Use(middleware.Recovery()).
		Use(middleware.RequestID()).
		Use(s.tracer.Middleware()).
		Use(middleware.AccessLog(middleware.AccessLogConfig{Logger: logging.Global().Named("access")}))
	if s.limiter != nil {
		builder.Use(s.limiter.Middleware())
	}
	s.handler = builder.Handler(p)

	if reuse {
		prev.ownsSandbox = false
		s.ownsSandbox = true
	}
	return s, nil
}

// acquire registers an in-flight request. It fails once draining started.
func (s *state) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.active++
	return true
}

func (s *state) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
	if s.active == 0 && s.draining {
		close(s.idle)
	}
}

func (s *state) inFlight() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// drain refuses new requests and waits for the active ones.
func (s *state) drain(ctx context.Context) error {
	s.mu.Lock()
	if !s.draining {
		s.draining = true
		if s.active == 0 {
			close(s.idle)
		}
	}
	s.mu.Unlock()

	select {
	case <-s.idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close releases what s owns. Fields left nil by a failed build are skipped.
func (s *state) close(ctx context.Context) {
	if s.ownsSandbox {
		if s.executor != nil {
			s.executor.Close()
		}
		if s.runtime != nil {
			if err := s.runtime.Close(ctx); err != nil {
				logging.Warn("sandbox close failed", zap.Error(err))
			}
		}
	}
	if s.tracer != nil {
		if err := s.tracer.Close(ctx); err != nil {
			logging.Warn("tracer close failed", zap.Error(err))
		}
	}
	if c, ok := s.store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logging.Warn("content store close failed", zap.Error(err))
		}
	}
	if s.redis != nil {
		s.redis.Close()
	}
}

// diffConfig returns a list of human-readable changes between old and new configs.
func diffConfig(oldCfg, newCfg *config.Config) []string {
	var changes []string

	oldListeners := make(map[string]bool, len(oldCfg.Listeners))
	for _, l := range oldCfg.Listeners {
		oldListeners[l.ID] = true
	}
	newListeners := make(map[string]bool, len(newCfg.Listeners))
	for _, l := range newCfg.Listeners {
		newListeners[l.ID] = true
		if !oldListeners[l.ID] {
			changes = append(changes, "listener added: "+l.ID)
		}
	}
	for id := range oldListeners {
		if !newListeners[id] {
			changes = append(changes, "listener removed: "+id)
		}
	}

	sections := []struct {
		name     string
		old, new any
	}{
		{"naming", oldCfg.Naming, newCfg.Naming},
		{"content", oldCfg.Content, newCfg.Content},
		{"cache", oldCfg.Cache, newCfg.Cache},
		{"redis", oldCfg.Redis, newCfg.Redis},
		{"sandbox", oldCfg.Sandbox, newCfg.Sandbox},
		{"rate_limit", oldCfg.RateLimit, newCfg.RateLimit},
		{"tracing", oldCfg.Tracing, newCfg.Tracing},
		{"logging", oldCfg.Logging, newCfg.Logging},
	}
	for _, sec := range sections {
		if !reflect.DeepEqual(sec.old, sec.new) {
			changes = append(changes, sec.name+" changed")
		}
	}

	sort.Strings(changes)
	return changes
}
