package vm

import (
	"fmt"
	"math"
	"strings"

	"github.com/dolthub/swiss"

	"github.com/mna/zubvm/lang/bytecode"
	"github.com/mna/zubvm/lang/compiler"
)

// Object is anything allocated on the Heap. Trace is called during mark
// phase and must call tracer.mark on every Handle the object directly
// references.
type Object interface {
	Trace(t *tracer)
	String(heap *Heap) string
}

// StringObj is a heap-allocated string.
type StringObj struct {
	Value string
}

func (s *StringObj) Trace(t *tracer)       {}
func (s *StringObj) String(h *Heap) string { return s.Value }

// FunctionObj is a compiled function: its own bytecode chunk plus the
// shape of upvalues it expects a Closure to capture. A new FunctionObj is
// allocated, together with the ClosureObj over it, each time a Closure
// instruction executes (and once for the top-level program in ExecFrom).
type FunctionObj struct {
	Name     string
	Arity    int
	Chunk    *bytecode.Chunk
	Upvalues []compiler.Upvalue
}

func (f *FunctionObj) Trace(t *tracer)       {}
func (f *FunctionObj) String(h *Heap) string { return fmt.Sprintf("<function %s>", nameOr(f.Name)) }

func nameOr(name string) string {
	if name == "" {
		return "anonymous"
	}
	return name
}

// NativeFunc is the signature of a function implemented in Go and exposed
// to VM code via AddNative. ctx exposes the call's arguments and lets the
// native re-enter the VM (e.g. to invoke a callback argument).
type NativeFunc func(ctx *CallContext) (Value, error)

// NativeFunctionObj wraps a Go function so it can be stored as a Value and
// called from VM code like any other callable.
type NativeFunctionObj struct {
	Name string
	Fn   NativeFunc
}

func (n *NativeFunctionObj) Trace(t *tracer) {}
func (n *NativeFunctionObj) String(h *Heap) string {
	return fmt.Sprintf("<native function %s>", nameOr(n.Name))
}

// UpvalueObj is a captured variable cell. While open, it aliases a live
// operand-stack slot (identified by StackIndex); once the stack frame that
// owns that slot returns, Close copies the current value out and the
// upvalue becomes closed, owning its own value independently of the
// stack.
type UpvalueObj struct {
	Closed     bool
	StackIndex int
	Value      Value
}

func (u *UpvalueObj) Trace(t *tracer) {
	if u.Closed && u.Value.IsHandle() {
		t.mark(u.Value.AsHandle())
	}
}
func (u *UpvalueObj) String(h *Heap) string { return "<upvalue>" }

// ClosureObj pairs a FunctionObj with the upvalue cells it captured at the
// point it was created.
type ClosureObj struct {
	Function  Handle
	Upvalues  []Handle // each points to an UpvalueObj
}

func (c *ClosureObj) Trace(t *tracer) {
	t.mark(c.Function)
	for _, u := range c.Upvalues {
		t.mark(u)
	}
}
func (c *ClosureObj) String(h *Heap) string {
	fn, ok := h.Get(c.Function)
	if !ok {
		return "<closure>"
	}
	return fmt.Sprintf("<closure %s>", nameOr(fn.(*FunctionObj).Name))
}

// ListObj is a mutable, growable sequence of values.
type ListObj struct {
	Items []Value
}

func (l *ListObj) Trace(t *tracer) {
	for _, v := range l.Items {
		if v.IsHandle() {
			t.mark(v.AsHandle())
		}
	}
}
func (l *ListObj) String(h *Heap) string {
	parts := make([]string, len(l.Items))
	for i, v := range l.Items {
		parts[i] = DisplayValue(h, v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// HashValue is the shape-tagged key type used by DictObj: values that
// would compare Equal hash equal, in particular two distinct
// heap-allocated strings with the same content, and any float together
// with its exact IEEE-754 bit pattern.
type HashValue struct {
	kind byte
	bits uint64
	str  string
}

const (
	hashFloat byte = iota
	hashBool
	hashNil
	hashString
)

// Hash converts v into its HashValue key. It panics if v is not hashable
// (only heap handles other than strings, i.e. lists, dicts, functions, and
// closures, are unhashable).
func Hash(heap *Heap, v Value) HashValue {
	switch {
	case v.IsFloat():
		return HashValue{kind: hashFloat, bits: math.Float64bits(v.AsFloat())}
	case v == True, v == False:
		return HashValue{kind: hashBool, bits: uint64(v)}
	case v.IsNil():
		return HashValue{kind: hashNil}
	case v.IsHandle():
		obj, ok := heap.Get(v.AsHandle())
		if ok {
			if s, ok := obj.(*StringObj); ok {
				return HashValue{kind: hashString, str: s.Value}
			}
		}
	}
	panic("vm: value is not hashable")
}

// DictObj is a persistent-style hash mapping from hashable Values to
// Values, backed by a SwissTable for fast lookup. Two dicts never share
// backing storage: Set always mutates the receiver, matching the
// reference-object semantics of every other heap object in this runtime.
type DictObj struct {
	m *swiss.Map[HashValue, dictEntry]
}

type dictEntry struct {
	key   Value
	value Value
}

// NewDict returns an empty dict pre-sized for sizeHint entries.
func NewDict(sizeHint int) *DictObj {
	if sizeHint < 1 {
		sizeHint = 1
	}
	return &DictObj{m: swiss.NewMap[HashValue, dictEntry](uint32(sizeHint))}
}

func (d *DictObj) Trace(t *tracer) {
	d.m.Iter(func(_ HashValue, e dictEntry) bool {
		if e.key.IsHandle() {
			t.mark(e.key.AsHandle())
		}
		if e.value.IsHandle() {
			t.mark(e.value.AsHandle())
		}
		return false
	})
}

func (d *DictObj) String(h *Heap) string {
	var parts []string
	d.m.Iter(func(_ HashValue, e dictEntry) bool {
		parts = append(parts, DisplayValue(h, e.key)+": "+DisplayValue(h, e.value))
		return false
	})
	return "{" + strings.Join(parts, ", ") + "}"
}

// Get looks up key, returning its value and whether it was present.
func (d *DictObj) Get(heap *Heap, key Value) (Value, bool) {
	e, ok := d.m.Get(Hash(heap, key))
	return e.value, ok
}

// Set inserts or overwrites key's value.
func (d *DictObj) Set(heap *Heap, key, value Value) {
	d.m.Put(Hash(heap, key), dictEntry{key: key, value: value})
}

// Len returns the number of entries.
func (d *DictObj) Len() int { return d.m.Count() }

// DisplayValue renders v for printing/tracing. Heap is needed to resolve
// handles.
func DisplayValue(heap *Heap, v Value) string {
	switch {
	case v.IsNil():
		return "nil"
	case v == True:
		return "true"
	case v == False:
		return "false"
	case v.IsFloat():
		return formatFloat(v.AsFloat())
	case v.IsHandle():
		obj, ok := heap.Get(v.AsHandle())
		if !ok {
			return "<stale>"
		}
		if s, ok := obj.(*StringObj); ok {
			return s.Value
		}
		return obj.String(heap)
	}
	return "<invalid>"
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && !math.IsInf(f, 0) {
		return fmt.Sprintf("%.1f", f)
	}
	return fmt.Sprintf("%g", f)
}
