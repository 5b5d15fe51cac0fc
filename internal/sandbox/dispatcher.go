package sandbox

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"golang.org/x/net/http/httpguts"

	gwerrors "github.com/wudi/dwebgate/internal/errors"
)

type dispatcherKey struct{}

// WithDispatcher binds d to ctx for the host functions of one invocation.
func WithDispatcher(ctx context.Context, d *Dispatcher) context.Context {
	return context.WithValue(ctx, dispatcherKey{}, d)
}

func dispatcherFrom(ctx context.Context) *Dispatcher {
	d, _ := ctx.Value(dispatcherKey{}).(*Dispatcher)
	return d
}

// Dispatcher serves the host functions for exactly one invocation. It is
// not safe for concurrent use.
type Dispatcher struct {
	bridge           *Bridge
	mem              api.Memory
	logger           *zap.Logger
	maxResponseBytes int
}

// NewDispatcher binds bridge to the instance memory mem. logger receives
// guest traces; maxResponseBytes bounds the response body when positive.
func NewDispatcher(bridge *Bridge, mem api.Memory, logger *zap.Logger, maxResponseBytes int) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		bridge:           bridge,
		mem:              mem,
		logger:           logger,
		maxResponseBytes: maxResponseBytes,
	}
}

type handler func(d *Dispatcher, stack []uint64) error

var handlers = [numHostFunctions]handler{
	FnGetRequestMethod:    (*Dispatcher).getRequestMethod,
	FnGetRequestURL:       (*Dispatcher).getRequestURL,
	FnGetRequestURLLen:    (*Dispatcher).getRequestURLLen,
	FnGetRequestHeader:    (*Dispatcher).getRequestHeader,
	FnGetRequestHeaderLen: (*Dispatcher).getRequestHeaderLen,
	FnGetRequestBody:      (*Dispatcher).getRequestBody,
	FnGetRequestBodyLen:   (*Dispatcher).getRequestBodyLen,
	FnSetResponseStatus:   (*Dispatcher).setResponseStatus,
	FnSetResponseHeader:   (*Dispatcher).setResponseHeader,
	FnSetResponseBody:     (*Dispatcher).setResponseBody,
	FnTrace:               (*Dispatcher).trace,
}

// Dispatch runs the host function in slot idx. Parameters are read from
// stack and results written back to it. A non-nil error is a trap.
func (d *Dispatcher) Dispatch(idx HostFunctionIndex, stack []uint64) error {
	if idx >= numHostFunctions {
		e := gwerrors.E(gwerrors.KindUnsupportedFunction, ErrUnsupportedFunction)
		e.Name = idx.String()
		return e
	}
	fn := hostFunctions[idx]
	if len(stack) < len(fn.Params) || len(stack) < len(fn.Results) {
		return errorf(gwerrors.KindUnsupportedFunction, fn.Name, "call with %d stack slots", len(stack))
	}
	return handlers[idx](d, stack)
}

func (d *Dispatcher) getRequestMethod(stack []uint64) error {
	tag, _ := d.bridge.Request.MethodTag()
	stack[0] = api.EncodeI32(tag)
	return nil
}

func (d *Dispatcher) getRequestURLLen(stack []uint64) error {
	stack[0] = lenResult(int64(len(d.bridge.Request.URL)))
	return nil
}

func (d *Dispatcher) getRequestURL(stack []uint64) error {
	n, err := writeGuest(d.mem, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]), []byte(d.bridge.Request.URL))
	if err != nil {
		return err
	}
	stack[0] = lenResult(int64(n))
	return nil
}

func (d *Dispatcher) headerName(ptr, length uint32) (string, error) {
	return readGuestString(d.mem, ptr, length, "request header name")
}

func (d *Dispatcher) getRequestHeaderLen(stack []uint64) error {
	name, err := d.headerName(api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	if err != nil {
		return err
	}
	stack[0] = lenResult(int64(len(d.bridge.Request.HeaderValue(name))))
	return nil
}

func (d *Dispatcher) getRequestHeader(stack []uint64) error {
	name, err := d.headerName(api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	if err != nil {
		return err
	}
	value := d.bridge.Request.HeaderValue(name)
	n, err := writeGuest(d.mem, api.DecodeU32(stack[2]), api.DecodeU32(stack[3]), []byte(value))
	if err != nil {
		return err
	}
	stack[0] = lenResult(int64(n))
	return nil
}

func (d *Dispatcher) getRequestBodyLen(stack []uint64) error {
	stack[0] = lenResult(d.bridge.Request.BodyLen())
	return nil
}

func (d *Dispatcher) getRequestBody(stack []uint64) error {
	n, err := writeGuest(d.mem, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]), d.bridge.Request.Body)
	if err != nil {
		return err
	}
	stack[0] = lenResult(int64(n))
	return nil
}

func (d *Dispatcher) setResponseStatus(stack []uint64) error {
	code := api.DecodeI32(stack[0])
	// 1xx is informational and can never be the final response.
	if code < 200 || code > 599 {
		return gwerrors.Errorf(gwerrors.KindInvalidResponseStatus, "status %d out of range", code)
	}
	d.bridge.Response.SetStatus(int(code))
	return nil
}

func (d *Dispatcher) setResponseHeader(stack []uint64) error {
	name, err := readGuestString(d.mem, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]), "response header name")
	if err != nil {
		return err
	}
	value, err := readGuestString(d.mem, api.DecodeU32(stack[2]), api.DecodeU32(stack[3]), "response header value")
	if err != nil {
		return err
	}
	if !httpguts.ValidHeaderFieldName(name) {
		return errorf(gwerrors.KindInvalidResponseHeader, name, "invalid header name")
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return errorf(gwerrors.KindInvalidResponseHeader, name, "invalid header value")
	}
	d.bridge.Response.SetHeader(name, value)
	return nil
}

func (d *Dispatcher) setResponseBody(stack []uint64) error {
	ptr, length := api.DecodeU32(stack[0]), api.DecodeU32(stack[1])
	if d.maxResponseBytes > 0 && uint64(length) > uint64(d.maxResponseBytes) {
		return gwerrors.Errorf(gwerrors.KindResponseTooLarge, "body of %d bytes exceeds %d", length, d.maxResponseBytes)
	}
	data, err := readGuest(d.mem, ptr, length)
	if err != nil {
		return err
	}
	d.bridge.Response.SetBody(append([]byte(nil), data...))
	return nil
}

// trace never fails on encoding; invalid sequences are replaced.
func (d *Dispatcher) trace(stack []uint64) error {
	data, err := readGuest(d.mem, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	if err != nil {
		return err
	}
	if utf8.Valid(data) {
		d.logger.Info("guest trace", zap.String("message", string(data)))
		return nil
	}
	d.logger.Info("guest trace",
		zap.String("message", strings.ToValidUTF8(string(data), "\uFFFD")),
		zap.Bool("invalid_utf8", true))
	return nil
}

// hostCall adapts slot idx to wazero. Traps surface as panics, which wazero
// turns into an error from the guest call that still wraps ours.
func hostCall(idx HostFunctionIndex) api.GoModuleFunc {
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		d := dispatcherFrom(ctx)
		if d == nil {
			panic(gwerrors.Errorf(gwerrors.KindInternal, "%s called outside an invocation", idx))
		}
		if err := d.Dispatch(idx, stack); err != nil {
			panic(err)
		}
	}
}
