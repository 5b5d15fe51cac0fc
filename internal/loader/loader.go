// Package loader turns a request hostname into module bytes: it resolves
// the name, assembles the content identifier and fetches the bytes.
package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/wudi/dwebgate/internal/cache"
	"github.com/wudi/dwebgate/internal/coalesce"
	"github.com/wudi/dwebgate/internal/content"
	"github.com/wudi/dwebgate/internal/contentid"
	gwerrors "github.com/wudi/dwebgate/internal/errors"
	"github.com/wudi/dwebgate/internal/naming"
	"golang.org/x/sync/errgroup"
)

// Options configures a ContentLoader.
type Options struct {
	Rewriter       naming.Rewriter
	Resolver       naming.Resolver
	Store          content.Store
	Cache          cache.Store // optional
	ResolveTimeout time.Duration
	FetchTimeout   time.Duration
	MaxModuleBytes int64
}

// ContentLoader resolves hostnames and fetches module bytes. It does not
// retry; the collaborators own that.
type ContentLoader struct {
	rewriter       naming.Rewriter
	resolver       naming.Resolver
	store          content.Store
	cache          cache.Store
	resolveTimeout time.Duration
	fetchTimeout   time.Duration
	maxBytes       int64

	fetches coalesce.Group[[]byte]

	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
}

// Stats reports loader counters.
type Stats struct {
	CacheHits   int64          `json:"cache_hits"`
	CacheMisses int64          `json:"cache_misses"`
	Coalesce    coalesce.Stats `json:"coalesce"`
}

// New builds a ContentLoader from opts.
func New(opts Options) (*ContentLoader, error) {
	if opts.Resolver == nil {
		return nil, fmt.Errorf("loader: resolver is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("loader: content store is required")
	}
	return &ContentLoader{
		rewriter:       opts.Rewriter,
		resolver:       opts.Resolver,
		store:          opts.Store,
		cache:          opts.Cache,
		resolveTimeout: opts.ResolveTimeout,
		fetchTimeout:   opts.FetchTimeout,
		maxBytes:       opts.MaxModuleBytes,
	}, nil
}

// Load resolves hostname and fetches the module it names.
func (l *ContentLoader) Load(ctx context.Context, hostname string) ([]byte, error) {
	id, err := l.Resolve(ctx, hostname)
	if err != nil {
		return nil, err
	}
	return l.Fetch(ctx, id)
}

// Resolve rewrites hostname and looks up its address and content hash
// concurrently. Either lookup failing fails the whole resolution.
func (l *ContentLoader) Resolve(ctx context.Context, hostname string) (contentid.Identifier, error) {
	name, ok := l.rewriter.Rewrite(hostname)
	if !ok {
		return "", gwerrors.Errorf(gwerrors.KindNameNotFound, "no usable host in %q", hostname).
			WithStage(gwerrors.StageResolvingName)
	}

	rctx, cancel := withTimeout(ctx, l.resolveTimeout)
	defer cancel()

	var address, contentHash []byte
	g, gctx := errgroup.WithContext(rctx)
	g.Go(func() error {
		var err error
		address, err = l.resolver.ResolveAddress(gctx, name)
		if err != nil {
			return fmt.Errorf("address of %s: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		contentHash, err = l.resolver.ResolveContentHash(gctx, name)
		if err != nil {
			return fmt.Errorf("content hash of %s: %w", name, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		kind := gwerrors.KindNameResolutionFailed
		if errors.Is(err, naming.ErrNameNotFound) {
			kind = gwerrors.KindNameNotFound
		}
		e := gwerrors.E(kind, err)
		e.Timeout = timedOut(rctx, err)
		return "", e.WithStage(gwerrors.StageResolvingName)
	}

	id, err := contentid.Assemble(address, contentHash)
	if err != nil {
		return "", gwerrors.As(err).WithStage(gwerrors.StageResolvingName)
	}
	return id, nil
}

// Fetch returns the module bytes for id from the cache or the store.
// Concurrent fetches of one identifier share a single store read.
func (l *ContentLoader) Fetch(ctx context.Context, id contentid.Identifier) ([]byte, error) {
	key := string(id)
	if l.cache != nil {
		if data, ok := l.cache.Get(key); ok {
			l.cacheHits.Add(1)
			return data, nil
		}
		l.cacheMisses.Add(1)
	}

	data, _, err := l.fetches.Do(ctx, key, func(sctx context.Context) ([]byte, error) {
		fctx, cancel := withTimeout(sctx, l.fetchTimeout)
		defer cancel()
		data, err := l.read(fctx, id)
		if err != nil {
			e := gwerrors.E(gwerrors.KindContentFetchFailed, err)
			e.Timeout = timedOut(fctx, err)
			return nil, e
		}
		if l.cache != nil {
			l.cache.Set(key, data)
		}
		return data, nil
	})
	if err != nil {
		var ge *gwerrors.Error
		if !errors.As(err, &ge) {
			// The caller's own context ended while waiting.
			ge = gwerrors.E(gwerrors.KindContentFetchFailed, err)
			ge.Timeout = errors.Is(err, context.DeadlineExceeded)
		}
		return nil, ge.WithStage(gwerrors.StageFetchingContent)
	}
	return data, nil
}

func (l *ContentLoader) read(ctx context.Context, id contentid.Identifier) ([]byte, error) {
	rc, err := l.store.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	r := io.Reader(rc)
	if l.maxBytes > 0 {
		r = io.LimitReader(rc, l.maxBytes+1)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("read %s: %w", id, err)
	}
	if l.maxBytes > 0 && int64(buf.Len()) > l.maxBytes {
		return nil, fmt.Errorf("module %s exceeds %d bytes", id, l.maxBytes)
	}
	return buf.Bytes(), nil
}

// Purge drops every cached module.
func (l *ContentLoader) Purge() {
	if l.cache != nil {
		l.cache.Purge()
	}
}

// CacheStats returns byte cache statistics, or false when caching is off.
func (l *ContentLoader) CacheStats() (cache.StoreStats, bool) {
	if l.cache == nil {
		return cache.StoreStats{}, false
	}
	return l.cache.Stats(), true
}

// Stats returns loader counters.
func (l *ContentLoader) Stats() Stats {
	return Stats{
		CacheHits:   l.cacheHits.Load(),
		CacheMisses: l.cacheMisses.Load(),
		Coalesce:    l.fetches.Stats(),
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func timedOut(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
}
