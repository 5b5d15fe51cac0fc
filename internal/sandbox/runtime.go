// Package sandbox compiles guest modules and runs them against the fixed
// host ABI in the env namespace.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"github.com/wippyai/wasm-runtime/wasm"
	"go.uber.org/zap"

	"github.com/wudi/dwebgate/internal/coalesce"
	"github.com/wudi/dwebgate/internal/config"
	gwerrors "github.com/wudi/dwebgate/internal/errors"
)

const (
	memoryExport = "memory"
	entryExport  = "handle"
)

// Runtime owns the shared wazero runtime and the compiled module cache.
type Runtime struct {
	rt               wazero.Runtime
	cache            *moduleCache
	compiles         coalesce.Group[*Module]
	execTimeout      time.Duration
	maxResponseBytes int
}

// NewRuntime builds the engine described by cfg and registers the host
// module.
func NewRuntime(ctx context.Context, cfg config.SandboxConfig) (*Runtime, error) {
	var rtCfg wazero.RuntimeConfig
	if cfg.RuntimeMode == "interpreter" {
		rtCfg = wazero.NewRuntimeConfigInterpreter()
	} else {
		rtCfg = wazero.NewRuntimeConfigCompiler()
	}

	maxPages := cfg.MaxMemoryPages
	if maxPages == 0 {
		maxPages = 256 // 16MB
	}
	rtCfg = rtCfg.
		WithMemoryLimitPages(maxPages).
		WithCloseOnContextDone(true)

	rt := wazero.NewRuntimeWithConfig(ctx, rtCfg)
	if err := registerHostModule(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("sandbox: register host module: %w", err)
	}

	timeout := cfg.ExecutionTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Runtime{
		rt:               rt,
		cache:            newModuleCache(cfg.ModuleCacheSize),
		execTimeout:      timeout,
		maxResponseBytes: cfg.MaxResponseBodyBytes,
	}, nil
}

func registerHostModule(ctx context.Context, rt wazero.Runtime) error {
	env := rt.NewHostModuleBuilder(Namespace)
	for _, fn := range HostFunctions() {
		env.NewFunctionBuilder().
			WithGoModuleFunction(hostCall(fn.Index), fn.Params, fn.Results).
			WithParameterNames(fn.ParamNames...).
			Export(fn.Name)
	}
	_, err := env.Instantiate(ctx)
	return err
}

// Cached returns the compiled module for id if one is cached. The caller
// must Release it.
func (r *Runtime) Cached(id string) (*Module, bool) {
	return r.cache.acquire(id, true)
}

// Compile validates code against the host ABI and compiles it. The result
// is cached under id; concurrent compiles of one id share the work.
func (r *Runtime) Compile(ctx context.Context, id string, code []byte) (*Module, error) {
	if m, ok := r.cache.acquire(id, false); ok {
		return m, nil
	}
	if !r.cache.enabled() {
		m, err := r.compile(ctx, id, code)
		if err != nil {
			return nil, gwerrors.As(err).WithStage(gwerrors.StageLoading)
		}
		r.cache.adopt(ctx, m)
		return m, nil
	}

	// The shared compile outlives callers that stop waiting, so the cache
	// takes the module before any caller does.
	m, _, err := r.compiles.Do(ctx, id, func(ctx context.Context) (*Module, error) {
		m, err := r.compile(ctx, id, code)
		if err != nil {
			return nil, err
		}
		return r.cache.insert(ctx, m), nil
	})
	if err != nil {
		return nil, gwerrors.As(err).WithStage(gwerrors.StageLoading)
	}
	if r.cache.adopt(ctx, m) {
		return m, nil
	}

	// Evicted and freed before we could take a reference.
	m, err = r.compile(ctx, id, code)
	if err != nil {
		return nil, gwerrors.As(err).WithStage(gwerrors.StageLoading)
	}
	m.evicted = true
	r.cache.adopt(ctx, m)
	return m, nil
}

func (r *Runtime) compile(ctx context.Context, id string, code []byte) (*Module, error) {
	if err := Validate(code); err != nil {
		return nil, err
	}

	compiled, err := r.rt.CompileModule(ctx, code)
	if err != nil {
		return nil, gwerrors.E(gwerrors.KindModuleParseFailed, err)
	}
	if err := checkExports(compiled); err != nil {
		compiled.Close(ctx)
		return nil, err
	}
	return &Module{id: id, compiled: compiled, size: len(code), cache: r.cache}, nil
}

// Validate checks code against the guest contract without compiling it:
// no start function, and only ABI functions imported from env with their
// exact signatures.
func Validate(code []byte) error {
	mod, err := wasm.ParseModule(code)
	if err != nil {
		return gwerrors.E(gwerrors.KindModuleParseFailed, err)
	}
	if mod.Start != nil {
		return gwerrors.Errorf(gwerrors.KindStartFunctionNotSupported, "module declares start function %d", *mod.Start)
	}

	for _, imp := range mod.Imports {
		qualified := imp.Module + "." + imp.Name
		if imp.Module != Namespace {
			return errorf(gwerrors.KindUnresolvedImport, qualified, "import outside namespace %q", Namespace)
		}
		fn, ok := Lookup(imp.Name)
		if !ok {
			return errorf(gwerrors.KindUnresolvedImport, imp.Name, "no such host function")
		}
		if imp.Desc.Kind != wasm.KindFunc {
			return errorf(gwerrors.KindImportTypeMismatch, imp.Name, "imported as %s, want function", externName(imp.Desc.Kind))
		}
		ft := funcType(mod, imp.Desc.TypeIdx)
		if ft == nil {
			return errorf(gwerrors.KindImportTypeMismatch, imp.Name, "unknown type index %d", imp.Desc.TypeIdx)
		}
		if !fn.Signature(valueTypes(ft.Params), valueTypes(ft.Results)) {
			return errorf(gwerrors.KindImportTypeMismatch, imp.Name, "signature %v -> %v does not match", ft.Params, ft.Results)
		}
	}
	return nil
}

func funcType(mod *wasm.Module, typeIdx uint32) *wasm.FuncType {
	if int(typeIdx) < len(mod.Types) {
		return &mod.Types[typeIdx]
	}
	return nil
}

func valueTypes(in []wasm.ValType) []api.ValueType {
	out := make([]api.ValueType, len(in))
	for i, v := range in {
		out[i] = api.ValueType(v)
	}
	return out
}

func externName(kind byte) string {
	switch kind {
	case wasm.KindFunc:
		return "function"
	case wasm.KindTable:
		return "table"
	case wasm.KindMemory:
		return "memory"
	case wasm.KindGlobal:
		return "global"
	case wasm.KindTag:
		return "tag"
	default:
		return fmt.Sprintf("kind %d", kind)
	}
}

func checkExports(compiled wazero.CompiledModule) error {
	if _, ok := compiled.ExportedMemories()[memoryExport]; !ok {
		return gwerrors.Errorf(gwerrors.KindMissingMemoryExport, "no %q export", memoryExport)
	}
	def, ok := compiled.ExportedFunctions()[entryExport]
	if !ok {
		return errorf(gwerrors.KindMissingOrMalformedEntryPoint, entryExport, "no function export")
	}
	if len(def.ParamTypes()) != 0 || len(def.ResultTypes()) != 0 {
		return errorf(gwerrors.KindMissingOrMalformedEntryPoint, entryExport,
			"signature %v -> %v, want () -> ()", def.ParamTypes(), def.ResultTypes())
	}
	return nil
}

// Instance is one live execution environment for a Module. It serves a
// single invocation and is never reused.
type Instance struct {
	mod    api.Module
	memory api.Memory
	handle api.Function
	module *Module
	rt     *Runtime
}

// Load instantiates m with no start functions and takes ownership of the
// caller's reference on m until the instance is closed.
func (r *Runtime) Load(ctx context.Context, m *Module) (*Instance, error) {
	cfg := wazero.NewModuleConfig().WithName("").WithStartFunctions()
	mod, err := r.rt.InstantiateModule(ctx, m.compiled, cfg)
	if err != nil {
		m.Release(ctx)
		return nil, gwerrors.E(gwerrors.KindInstantiationFailed, err).WithStage(gwerrors.StageLoading)
	}

	mem := mod.ExportedMemory(memoryExport)
	if mem == nil {
		mod.Close(ctx)
		m.Release(ctx)
		return nil, gwerrors.Errorf(gwerrors.KindMissingMemoryExport, "instance has no %q", memoryExport).
			WithStage(gwerrors.StageLoading)
	}
	handle := mod.ExportedFunction(entryExport)
	if handle == nil {
		mod.Close(ctx)
		m.Release(ctx)
		return nil, errorf(gwerrors.KindMissingOrMalformedEntryPoint, entryExport, "instance has no entry point").
			WithStage(gwerrors.StageLoading)
	}
	return &Instance{mod: mod, memory: mem, handle: handle, module: m, rt: r}, nil
}

// Invoke calls handle once with a fresh Dispatcher over bridge. Execution
// is cut off after the runtime's budget.
func (in *Instance) Invoke(ctx context.Context, bridge *Bridge, logger *zap.Logger) error {
	d := NewDispatcher(bridge, in.memory, logger, in.rt.maxResponseBytes)

	ctx, cancel := context.WithTimeout(ctx, in.rt.execTimeout)
	defer cancel()

	results, err := in.handle.Call(WithDispatcher(ctx, d))
	if err != nil {
		return classify(ctx, err).WithStage(gwerrors.StageExecuting)
	}
	if len(results) != 0 {
		return gwerrors.Errorf(gwerrors.KindGuestExecutionFailed, "entry point returned %d values", len(results)).
			WithStage(gwerrors.StageExecuting)
	}
	return nil
}

func classify(ctx context.Context, err error) *gwerrors.Error {
	var trap *gwerrors.Error
	if errors.As(err, &trap) {
		return trap
	}
	var exit *sys.ExitError
	if errors.As(err, &exit) && exit.ExitCode() == sys.ExitCodeDeadlineExceeded {
		e := gwerrors.E(gwerrors.KindGuestExecutionTimedOut, err)
		e.Timeout = true
		return e
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		e := gwerrors.E(gwerrors.KindGuestExecutionTimedOut, err)
		e.Timeout = true
		return e
	}
	return gwerrors.E(gwerrors.KindGuestExecutionFailed, err)
}

// Close frees the instance and its reference on the module.
func (in *Instance) Close(ctx context.Context) {
	in.mod.Close(ctx)
	in.module.Release(ctx)
}

// Purge empties the compiled module cache.
func (r *Runtime) Purge(ctx context.Context) {
	r.cache.purge(ctx)
}

// CacheStats returns compiled module cache statistics.
func (r *Runtime) CacheStats() CacheStats {
	return r.cache.stats()
}

// Close tears down the runtime and every module compiled by it.
func (r *Runtime) Close(ctx context.Context) error {
	return r.rt.Close(ctx)
}
