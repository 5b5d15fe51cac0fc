// Package guesttest assembles small guest modules for tests. Guests are
// described as Go values and encoded to the binary format, so test
// fixtures need no external toolchain.
package guesttest

import (
	"github.com/wippyai/wasm-runtime/wasm"
)

const i32 = wasm.ValI32

// abi is the guest author's view of the host functions.
var abi = map[string]wasm.FuncType{
	"_get_request_method":     {Results: []wasm.ValType{i32}},
	"_get_request_url":        {Params: []wasm.ValType{i32, i32}, Results: []wasm.ValType{i32}},
	"_get_request_url_len":    {Results: []wasm.ValType{i32}},
	"_get_request_header":     {Params: []wasm.ValType{i32, i32, i32, i32}, Results: []wasm.ValType{i32}},
	"_get_request_header_len": {Params: []wasm.ValType{i32, i32}, Results: []wasm.ValType{i32}},
	"_get_request_body":       {Params: []wasm.ValType{i32, i32}, Results: []wasm.ValType{i32}},
	"_get_request_body_len":   {Results: []wasm.ValType{i32}},
	"_set_response_status":    {Params: []wasm.ValType{i32}},
	"_set_response_header":    {Params: []wasm.ValType{i32, i32, i32, i32}},
	"_set_response_body":      {Params: []wasm.ValType{i32, i32}},
	"_trace":                  {Params: []wasm.ValType{i32, i32}},
}

// Builder describes a guest with one memory and one entry point.
type Builder struct {
	mod       wasm.Module
	funcIdx   map[string]uint32
	numFuncs  uint32
	data      []wasm.DataSegment
	pages     uint64
	maxPages  *uint64
	memExport string
	noMemory  bool
	entry     string
	params    []wasm.ValType
	results   []wasm.ValType
	locals    uint32
	body      []byte
	start     bool
}

// New returns a builder for a guest exporting "memory" (one page) and
// "handle".
func New() *Builder {
	return &Builder{
		funcIdx:   make(map[string]uint32),
		pages:     1,
		memExport: "memory",
		entry:     "handle",
	}
}

// Call returns a call to the named env host function, importing it with
// its ABI signature on first use.
func (b *Builder) Call(name string) []byte {
	idx, ok := b.funcIdx["env."+name]
	if !ok {
		ft, known := abi[name]
		if !known {
			ft = wasm.FuncType{}
		}
		idx = b.Import("env", name, ft.Params, ft.Results)
	}
	return append([]byte{wasm.OpCall}, wasm.EncodeLEB128u(idx)...)
}

// Import declares a function import with an arbitrary signature and
// returns its function index.
func (b *Builder) Import(module, name string, params, results []wasm.ValType) uint32 {
	typeIdx := b.mod.AddType(wasm.FuncType{Params: params, Results: results})
	b.mod.Imports = append(b.mod.Imports, wasm.Import{
		Module: module,
		Name:   name,
		Desc:   wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: typeIdx},
	})
	idx := b.numFuncs
	b.numFuncs++
	b.funcIdx[module+"."+name] = idx
	return idx
}

// ImportGlobal declares an immutable i32 global import.
func (b *Builder) ImportGlobal(module, name string) *Builder {
	b.mod.Imports = append(b.mod.Imports, wasm.Import{
		Module: module,
		Name:   name,
		Desc:   wasm.ImportDesc{Kind: wasm.KindGlobal, Global: &wasm.GlobalType{ValType: i32}},
	})
	return b
}

// Data places bytes at offset in memory.
func (b *Builder) Data(offset uint32, data []byte) *Builder {
	b.data = append(b.data, wasm.DataSegment{
		Offset: Seq([]byte{wasm.OpI32Const}, wasm.EncodeLEB128s(int32(offset)), []byte{wasm.OpEnd}),
		Init:   data,
	})
	return b
}

// Pages sets the initial memory size in 64KiB pages.
func (b *Builder) Pages(n uint64) *Builder {
	b.pages = n
	return b
}

// MaxPages caps memory growth.
func (b *Builder) MaxPages(n uint64) *Builder {
	b.maxPages = &n
	return b
}

// MemoryExport renames the memory export; empty drops it.
func (b *Builder) MemoryExport(name string) *Builder {
	b.memExport = name
	return b
}

// NoMemory omits the memory entirely.
func (b *Builder) NoMemory() *Builder {
	b.noMemory = true
	return b
}

// Entry renames the entry export; empty drops it.
func (b *Builder) Entry(name string) *Builder {
	b.entry = name
	return b
}

// Signature changes the entry point's signature.
func (b *Builder) Signature(params, results []wasm.ValType) *Builder {
	b.params, b.results = params, results
	return b
}

// Locals declares n i32 locals in the entry point.
func (b *Builder) Locals(n uint32) *Builder {
	b.locals = n
	return b
}

// Start adds a start function.
func (b *Builder) Start() *Builder {
	b.start = true
	return b
}

// Handle sets the entry point body. The final end is added by Bytes.
func (b *Builder) Handle(code ...[]byte) *Builder {
	b.body = Seq(code...)
	return b
}

// Bytes encodes the module.
func (b *Builder) Bytes() []byte {
	m := b.mod
	m.Imports = append([]wasm.Import(nil), b.mod.Imports...)
	m.Types = append([]wasm.FuncType(nil), b.mod.Types...)

	entryType := m.AddType(wasm.FuncType{Params: b.params, Results: b.results})
	entryIdx := b.numFuncs
	m.Funcs = []uint32{entryType}
	body := wasm.FuncBody{Code: Seq(b.body, []byte{wasm.OpEnd})}
	if b.locals > 0 {
		body.Locals = []wasm.LocalEntry{{Count: b.locals, ValType: i32}}
	}
	m.Code = []wasm.FuncBody{body}

	if b.start {
		noop := m.AddType(wasm.FuncType{})
		m.Funcs = append(m.Funcs, noop)
		m.Code = append(m.Code, wasm.FuncBody{Code: []byte{wasm.OpEnd}})
		startIdx := entryIdx + 1
		m.Start = &startIdx
	}

	if !b.noMemory {
		m.Memories = []wasm.MemoryType{{Limits: wasm.Limits{Min: b.pages, Max: b.maxPages}}}
		if b.memExport != "" {
			m.Exports = append(m.Exports, wasm.Export{Name: b.memExport, Kind: wasm.KindMemory, Idx: 0})
		}
		m.Data = b.data
	}
	if b.entry != "" {
		m.Exports = append(m.Exports, wasm.Export{Name: b.entry, Kind: wasm.KindFunc, Idx: entryIdx})
	}
	return m.Encode()
}

// Seq concatenates instruction sequences.
func Seq(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// I32 pushes a constant.
func I32(v int32) []byte {
	return append([]byte{wasm.OpI32Const}, wasm.EncodeLEB128s(v)...)
}

// Drop discards the top of the stack.
func Drop() []byte { return []byte{wasm.OpDrop} }

// Unreachable traps.
func Unreachable() []byte { return []byte{wasm.OpUnreachable} }

// LocalGet pushes local idx.
func LocalGet(idx uint32) []byte {
	return append([]byte{wasm.OpLocalGet}, wasm.EncodeLEB128u(idx)...)
}

// LocalSet pops into local idx.
func LocalSet(idx uint32) []byte {
	return append([]byte{wasm.OpLocalSet}, wasm.EncodeLEB128u(idx)...)
}

// Spin loops forever.
func Spin() []byte {
	return []byte{wasm.OpLoop, 0x40, wasm.OpBr, 0x00, wasm.OpEnd}
}

// Respond sets status, one header and a body, with the strings placed in
// memory at offset.
func (b *Builder) Respond(status int32, header, value, body string, offset uint32) []byte {
	hOff := offset
	vOff := hOff + uint32(len(header))
	bOff := vOff + uint32(len(value))
	b.Data(hOff, []byte(header+value+body))
	return Seq(
		I32(status), b.Call("_set_response_status"),
		I32(int32(hOff)), I32(int32(len(header))), I32(int32(vOff)), I32(int32(len(value))), b.Call("_set_response_header"),
		I32(int32(bOff)), I32(int32(len(body))), b.Call("_set_response_body"),
	)
}

// Add sums the two values on top of the stack.
func Add() []byte { return []byte{wasm.OpI32Add} }
