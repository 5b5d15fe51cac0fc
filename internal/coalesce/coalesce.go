// Package coalesce shares one in-flight call among concurrent callers that
// ask for the same key.
package coalesce

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Stats holds coalescing metrics.
type Stats struct {
	GroupsCreated     int64 `json:"groups_created"`
	RequestsCoalesced int64 `json:"requests_coalesced"`
	InFlight          int64 `json:"in_flight"`
}

// Group deduplicates concurrent calls for the same key.
type Group[T any] struct {
	group singleflight.Group

	groupsCreated     atomic.Int64
	requestsCoalesced atomic.Int64
	inFlight          atomic.Int64
}

// Do runs fn once per key among concurrent callers and reports whether the
// result was shared. fn receives a context detached from the caller's
// cancellation, so one client going away does not fail the others; fn must
// bound its own work. A caller whose ctx ends stops waiting.
func (g *Group[T]) Do(ctx context.Context, key string, fn func(context.Context) (T, error)) (T, bool, error) {
	g.inFlight.Add(1)
	defer g.inFlight.Add(-1)

	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}

	detached := context.WithoutCancel(ctx)
	ch := g.group.DoChan(key, func() (any, error) {
		g.groupsCreated.Add(1)
		return fn(detached)
	})

	select {
	case res := <-ch:
		if res.Shared {
			g.requestsCoalesced.Add(1)
		}
		if res.Err != nil {
			return zero, res.Shared, res.Err
		}
		return res.Val.(T), res.Shared, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

// Stats returns a snapshot of coalescing metrics.
func (g *Group[T]) Stats() Stats {
	return Stats{
		GroupsCreated:     g.groupsCreated.Load(),
		RequestsCoalesced: g.requestsCoalesced.Load(),
		InFlight:          g.inFlight.Load(),
	}
}
