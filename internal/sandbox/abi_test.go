package sandbox

import (
	"errors"
	"testing"

	"github.com/tetratelabs/wazero/api"

	gwerrors "github.com/wudi/dwebgate/internal/errors"
)

func TestLookup(t *testing.T) {
	names := []string{
		"_get_request_method", "_get_request_url", "_get_request_url_len",
		"_get_request_header", "_get_request_header_len", "_get_request_body",
		"_get_request_body_len", "_set_response_status", "_set_response_header",
		"_set_response_body", "_trace",
	}
	if len(HostFunctions()) != len(names) {
		t.Fatalf("table has %d entries, want %d", len(HostFunctions()), len(names))
	}
	for i, name := range names {
		fn, ok := Lookup(name)
		if !ok {
			t.Errorf("Lookup(%q) failed", name)
			continue
		}
		if fn.Index != HostFunctionIndex(i) {
			t.Errorf("%s at slot %d, want %d", name, fn.Index, i)
		}
		if fn.Index.String() != name {
			t.Errorf("String() = %q, want %q", fn.Index.String(), name)
		}
		if fn.ParamNames != nil && len(fn.ParamNames) != len(fn.Params) {
			t.Errorf("%s: %d param names for %d params", name, len(fn.ParamNames), len(fn.Params))
		}
	}
	if _, ok := Lookup("get_request_method"); ok {
		t.Error("names without the leading underscore must not resolve")
	}
}

func TestSignature(t *testing.T) {
	fn, _ := Lookup("_get_request_header")
	i32 := api.ValueTypeI32
	if !fn.Signature([]api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}) {
		t.Error("exact signature rejected")
	}
	if fn.Signature([]api.ValueType{i32, i32, i32, i32}, nil) {
		t.Error("missing result accepted")
	}
	if fn.Signature([]api.ValueType{i32, i32, i32, api.ValueTypeI64}, []api.ValueType{i32}) {
		t.Error("wrong param type accepted")
	}
}

func TestDispatchUnsupported(t *testing.T) {
	d := NewDispatcher(NewBridge(&RequestSnapshot{}), nil, nil, 0)
	err := d.Dispatch(numHostFunctions, make([]uint64, 4))
	if !gwerrors.IsKind(err, gwerrors.KindUnsupportedFunction) {
		t.Fatalf("err = %v, want unsupported function", err)
	}
	if !errors.Is(err, ErrUnsupportedFunction) {
		t.Error("error should wrap ErrUnsupportedFunction")
	}
	if HostFunctionIndex(200).String() != "host_function(200)" {
		t.Errorf("String() = %q", HostFunctionIndex(200).String())
	}
}

func TestDispatchShortStack(t *testing.T) {
	d := NewDispatcher(NewBridge(&RequestSnapshot{}), nil, nil, 0)
	err := d.Dispatch(FnSetResponseHeader, make([]uint64, 2))
	if !gwerrors.IsKind(err, gwerrors.KindUnsupportedFunction) {
		t.Fatalf("err = %v, want unsupported function", err)
	}
}

func TestDispatchMethodAndLengths(t *testing.T) {
	req := &RequestSnapshot{Method: "PUT", URL: "/a?b=c", Body: []byte("xyz"), ContentLength: -1}
	d := NewDispatcher(NewBridge(req), nil, nil, 0)
	stack := make([]uint64, 1)

	if err := d.Dispatch(FnGetRequestMethod, stack); err != nil || api.DecodeI32(stack[0]) != MethodPut {
		t.Errorf("method = %d, %v", api.DecodeI32(stack[0]), err)
	}
	if err := d.Dispatch(FnGetRequestURLLen, stack); err != nil || api.DecodeI32(stack[0]) != 6 {
		t.Errorf("url len = %d, %v", api.DecodeI32(stack[0]), err)
	}
	if err := d.Dispatch(FnGetRequestBodyLen, stack); err != nil || api.DecodeI32(stack[0]) != 3 {
		t.Errorf("body len = %d, %v", api.DecodeI32(stack[0]), err)
	}

	stack[0] = api.EncodeI32(600)
	if err := d.Dispatch(FnSetResponseStatus, stack); !gwerrors.IsKind(err, gwerrors.KindInvalidResponseStatus) {
		t.Errorf("status 600: err = %v", err)
	}
	stack[0] = api.EncodeI32(-1)
	if err := d.Dispatch(FnSetResponseStatus, stack); !gwerrors.IsKind(err, gwerrors.KindInvalidResponseStatus) {
		t.Errorf("status -1: err = %v", err)
	}
	stack[0] = api.EncodeI32(418)
	if err := d.Dispatch(FnSetResponseStatus, stack); err != nil {
		t.Fatalf("status 418: %v", err)
	}
	if code, ok := d.bridge.Response.Status(); !ok || code != 418 {
		t.Errorf("status = %d, %v", code, ok)
	}
}
