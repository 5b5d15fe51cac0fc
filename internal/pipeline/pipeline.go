// Package pipeline serves one HTTP request by resolving the requested name,
// loading the module it points at and running that module's entry point.
package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/wudi/dwebgate/internal/contentid"
	gwerrors "github.com/wudi/dwebgate/internal/errors"
	"github.com/wudi/dwebgate/internal/loader"
	"github.com/wudi/dwebgate/internal/metrics"
	"github.com/wudi/dwebgate/internal/middleware"
	"github.com/wudi/dwebgate/internal/sandbox"
	"github.com/wudi/dwebgate/internal/tracing"
)

const numStages = int(gwerrors.StageResponding) + 1

// Outcome describes how one request ended.
type Outcome struct {
	RequestID    string
	Host         string
	ID           contentid.Identifier
	Stage        gwerrors.Stage // Responding on success, the failing stage otherwise
	Err          *gwerrors.Error
	Status       int
	ModuleCached bool
	Durations    [numStages]time.Duration
	Total        time.Duration
}

// Failed reports whether the request ended in an error response.
func (o *Outcome) Failed() bool { return o.Err != nil }

// Options wires a Pipeline to its collaborators.
type Options struct {
	Loader   *loader.ContentLoader
	Runtime  *sandbox.Runtime
	Executor *sandbox.Executor
	Metrics  *metrics.Collector // optional
	Tracer   *tracing.Tracer    // optional
	Logger   *zap.Logger        // optional

	// StrictMethods rejects methods outside GET, POST, PUT and DELETE with
	// 405 instead of presenting them to the guest as GET.
	StrictMethods       bool
	MaxRequestBodyBytes int64

	// OnOutcome, when set, observes every finished request.
	OnOutcome func(Outcome)
}

// Pipeline is the gateway's request handler.
type Pipeline struct {
	loader   *loader.ContentLoader
	runtime  *sandbox.Runtime
	executor *sandbox.Executor
	metrics  *metrics.Collector
	tracer   *tracing.Tracer
	logger   *zap.Logger

	strictMethods bool
	maxBody       int64
	onOutcome     func(Outcome)
}

// New builds a Pipeline. Loader, runtime and executor are required.
func New(opts Options) (*Pipeline, error) {
	if opts.Loader == nil || opts.Runtime == nil || opts.Executor == nil {
		return nil, fmt.Errorf("pipeline: loader, runtime and executor are required")
	}
	p := &Pipeline{
		loader:        opts.Loader,
		runtime:       opts.Runtime,
		executor:      opts.Executor,
		metrics:       opts.Metrics,
		tracer:        opts.Tracer,
		logger:        opts.Logger,
		strictMethods: opts.StrictMethods,
		maxBody:       opts.MaxRequestBodyBytes,
		onOutcome:     opts.OnOutcome,
	}
	if p.tracer == nil {
		p.tracer = tracing.Disabled()
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p, nil
}

// ServeHTTP runs the request through every stage, stopping at the first
// failure.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	out := Outcome{
		RequestID: middleware.RequestIDFromContext(r.Context()),
		Host:      r.Host,
	}

	if err := p.serve(w, r, &out); err != nil {
		out.Err = gwerrors.As(err)
		out.Stage = out.Err.Stage
		out.Status = out.Err.Status()
		p.writeError(w, &out)
	} else {
		out.Stage = gwerrors.StageResponding
	}
	out.Total = time.Since(start)
	p.record(&out)
}

func (p *Pipeline) serve(w http.ResponseWriter, r *http.Request, out *Outcome) error {
	ctx := r.Context()

	if p.strictMethods && !supportedMethod(r.Method) {
		return gwerrors.Errorf(gwerrors.KindUnsupportedMethod, "method %s", r.Method).
			WithStage(gwerrors.StageResolvingName)
	}

	// Names are mutable, so resolution runs on every request even when the
	// module it ends at is already compiled.
	id, err := stage(ctx, p, out, gwerrors.StageResolvingName, func(ctx context.Context) (contentid.Identifier, error) {
		return p.loader.Resolve(ctx, r.Host)
	})
	if err != nil {
		return err
	}
	out.ID = id

	mod, cached := p.runtime.Cached(string(id))
	out.ModuleCached = cached
	if p.metrics != nil {
		p.metrics.RecordCacheLookup("module", cached)
	}
	if !cached {
		code, err := stage(ctx, p, out, gwerrors.StageFetchingContent, func(ctx context.Context) ([]byte, error) {
			return p.loader.Fetch(ctx, id)
		})
		if err != nil {
			return err
		}
		if p.metrics != nil {
			p.metrics.ObserveModuleSize(len(code))
		}
		mod, err = stage(ctx, p, out, gwerrors.StageLoading, func(ctx context.Context) (*sandbox.Module, error) {
			return p.runtime.Compile(ctx, string(id), code)
		})
		if err != nil {
			return err
		}
	}

	snap, err := sandbox.NewRequestSnapshot(r, p.maxBody)
	if err != nil {
		mod.Release(ctx)
		return gwerrors.As(err).WithStage(gwerrors.StageExecuting)
	}
	bridge := sandbox.NewBridge(snap)

	if err := p.execute(ctx, mod, bridge, out); err != nil {
		return err
	}

	_, err = stage(ctx, p, out, gwerrors.StageResponding, func(context.Context) (struct{}, error) {
		err := bridge.Response.WriteTo(w)
		if err != nil && !gwerrors.IsKind(err, gwerrors.KindResponseStatusUnset) {
			// The status line is out; all that is left is a client that went away.
			p.logger.Debug("response write failed", zap.String("request_id", out.RequestID), zap.Error(err))
			err = nil
		}
		return struct{}{}, err
	})
	if err == nil {
		out.Status, _ = bridge.Response.Status()
	}
	return err
}

// execute instantiates and runs mod on a worker. The module reference is
// handed to the instance, or released if no worker ever picks the job up.
func (p *Pipeline) execute(ctx context.Context, mod *sandbox.Module, bridge *sandbox.Bridge, out *Outcome) error {
	logger := p.logger.With(
		zap.String("request_id", out.RequestID),
		zap.String("module", string(out.ID)),
	)

	ran := false
	err := p.executor.Submit(ctx, func(ctx context.Context) error {
		ran = true
		inst, err := stage(ctx, p, out, gwerrors.StageLoading, func(ctx context.Context) (*sandbox.Instance, error) {
			return p.runtime.Load(ctx, mod)
		})
		if err != nil {
			return err
		}
		defer inst.Close(ctx)

		guestStart := time.Now()
		_, err = stage(ctx, p, out, gwerrors.StageExecuting, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, inst.Invoke(ctx, bridge, logger)
		})
		if p.metrics != nil {
			p.metrics.ObserveGuest(time.Since(guestStart))
		}
		return err
	})
	if !ran {
		mod.Release(ctx)
	}
	return err
}

// stage runs fn in a span, adds its latency to the outcome and tags any
// failure with s.
func stage[T any](ctx context.Context, p *Pipeline, out *Outcome, s gwerrors.Stage, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := p.tracer.StartSpan(ctx, "dwebgate."+s.String())
	defer span.End()

	start := time.Now()
	v, err := fn(ctx)
	d := time.Since(start)
	out.Durations[s] += d
	if p.metrics != nil {
		p.metrics.ObserveStage(s.String(), d)
	}

	if err != nil {
		e := gwerrors.As(err).WithStage(s)
		span.RecordError(e)
		span.SetStatus(codes.Error, e.Kind.String())
		span.SetAttributes(attribute.String("dwebgate.error.kind", e.Kind.String()))
		var zero T
		return zero, e
	}
	return v, nil
}

func (p *Pipeline) writeError(w http.ResponseWriter, out *Outcome) {
	resp := out.Err.Response()
	if out.RequestID != "" {
		resp = resp.WithRequestID(out.RequestID)
	}
	resp.WriteJSON(w)
}

func (p *Pipeline) record(out *Outcome) {
	kind := ""
	if out.Err != nil {
		kind = out.Err.Kind.String()
	}
	if p.metrics != nil {
		p.metrics.RecordRequest(out.Stage.String(), kind, out.Status, out.Total)
	}

	fields := []zap.Field{
		zap.String("request_id", out.RequestID),
		zap.String("host", out.Host),
		zap.String("stage", out.Stage.String()),
		zap.Int("status", out.Status),
		zap.Bool("module_cached", out.ModuleCached),
		zap.Duration("total", out.Total),
	}
	if out.ID != "" {
		fields = append(fields, zap.String("module", string(out.ID)))
	}

	switch {
	case out.Err == nil:
		p.logger.Debug("request served", fields...)
	case out.Err.Kind.Trap():
		// The guest broke the host contract; the gateway itself is healthy.
		p.logger.Warn("guest trapped", append(fields, zap.String("kind", kind), zap.Error(out.Err))...)
	case out.Status >= http.StatusInternalServerError:
		p.logger.Error("request failed", append(fields, zap.String("kind", kind), zap.Error(out.Err))...)
	default:
		p.logger.Info("request rejected", append(fields, zap.String("kind", kind), zap.Error(out.Err))...)
	}

	if p.onOutcome != nil {
		p.onOutcome(*out)
	}
}

func supportedMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}
