package sandbox

import (
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// Namespace is the only import module a guest may use.
const Namespace = "env"

// HostFunctionIndex is the fixed slot of a host function.
type HostFunctionIndex uint8

const (
	FnGetRequestMethod HostFunctionIndex = iota
	FnGetRequestURL
	FnGetRequestURLLen
	FnGetRequestHeader
	FnGetRequestHeaderLen
	FnGetRequestBody
	FnGetRequestBodyLen
	FnSetResponseStatus
	FnSetResponseHeader
	FnSetResponseBody
	FnTrace

	numHostFunctions
)

// ErrUnsupportedFunction is returned when dispatch is asked for a slot
// outside the table.
var ErrUnsupportedFunction = errors.New("unsupported host function")

// Method tags returned by _get_request_method.
const (
	MethodGet    int32 = 1
	MethodPost   int32 = 2
	MethodPut    int32 = 3
	MethodDelete int32 = 4
)

// HostFunction describes one import of the guest ABI.
type HostFunction struct {
	Index      HostFunctionIndex
	Name       string
	Params     []api.ValueType
	Results    []api.ValueType
	ParamNames []string
}

var (
	i32   = api.ValueTypeI32
	none  = []api.ValueType{}
	ret32 = []api.ValueType{i32}
)

var hostFunctions = [numHostFunctions]HostFunction{
	FnGetRequestMethod: {
		Name: "_get_request_method", Params: none, Results: ret32,
	},
	FnGetRequestURL: {
		Name: "_get_request_url", Params: []api.ValueType{i32, i32}, Results: ret32,
		ParamNames: []string{"dest_ptr", "dest_len"},
	},
	FnGetRequestURLLen: {
		Name: "_get_request_url_len", Params: none, Results: ret32,
	},
	FnGetRequestHeader: {
		Name: "_get_request_header", Params: []api.ValueType{i32, i32, i32, i32}, Results: ret32,
		ParamNames: []string{"name_ptr", "name_len", "dest_ptr", "dest_len"},
	},
	FnGetRequestHeaderLen: {
		Name: "_get_request_header_len", Params: []api.ValueType{i32, i32}, Results: ret32,
		ParamNames: []string{"name_ptr", "name_len"},
	},
	FnGetRequestBody: {
		Name: "_get_request_body", Params: []api.ValueType{i32, i32}, Results: ret32,
		ParamNames: []string{"dest_ptr", "dest_len"},
	},
	FnGetRequestBodyLen: {
		Name: "_get_request_body_len", Params: none, Results: ret32,
	},
	FnSetResponseStatus: {
		Name: "_set_response_status", Params: []api.ValueType{i32}, Results: none,
		ParamNames: []string{"code"},
	},
	FnSetResponseHeader: {
		Name: "_set_response_header", Params: []api.ValueType{i32, i32, i32, i32}, Results: none,
		ParamNames: []string{"name_ptr", "name_len", "val_ptr", "val_len"},
	},
	FnSetResponseBody: {
		Name: "_set_response_body", Params: []api.ValueType{i32, i32}, Results: none,
		ParamNames: []string{"ptr", "len"},
	},
	FnTrace: {
		Name: "_trace", Params: []api.ValueType{i32, i32}, Results: none,
		ParamNames: []string{"ptr", "len"},
	},
}

var byName = func() map[string]HostFunctionIndex {
	m := make(map[string]HostFunctionIndex, numHostFunctions)
	for i := range hostFunctions {
		hostFunctions[i].Index = HostFunctionIndex(i)
		m[hostFunctions[i].Name] = HostFunctionIndex(i)
	}
	return m
}()

// Lookup finds a host function by import name.
func Lookup(name string) (HostFunction, bool) {
	idx, ok := byName[name]
	if !ok {
		return HostFunction{}, false
	}
	return hostFunctions[idx], true
}

// HostFunctions returns the ABI table in slot order.
func HostFunctions() []HostFunction {
	out := make([]HostFunction, numHostFunctions)
	copy(out, hostFunctions[:])
	return out
}

func (i HostFunctionIndex) String() string {
	if i < numHostFunctions {
		return hostFunctions[i].Name
	}
	return fmt.Sprintf("host_function(%d)", uint8(i))
}

// Signature reports whether params and results match f exactly.
func (f HostFunction) Signature(params, results []api.ValueType) bool {
	return equalTypes(f.Params, params) && equalTypes(f.Results, results)
}

func equalTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
