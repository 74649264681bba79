// Package vm implements the bytecode interpreter: a NaN-boxed stack
// machine with a mark-and-sweep heap, upvalue-based closures, and a
// re-entrant native-function call protocol.
package vm

import (
	"fmt"
	"math"

	"golang.org/x/exp/slices"

	"github.com/mna/zubvm/lang/bytecode"
	"github.com/mna/zubvm/lang/compiler"
	"github.com/mna/zubvm/lang/ir"
)

const (
	// StackSize is the maximum number of operand-stack slots. Exceeding it
	// is a fatal, non-recoverable error: the program has overflowed the
	// machine's addressable stack space.
	StackSize = 4096
	// MaxFrames is the maximum call depth.
	MaxFrames = 256
	// gcHeapGrowthFactor controls how much next_gc grows after a
	// collection that did not free enough to get back under budget.
	gcHeapGrowthFactor = 2
	// gcTriggerCount is the initial heap object budget before the first
	// collection is considered.
	gcTriggerCount = 1024
)

// RuntimeError is returned by Exec/ExecFrom/CallContext.Call when VM
// execution fails. It carries a best-effort call-stack trace, formatted
// the way a top-level error report would render it.
type RuntimeError struct {
	Message string
	Trace   []string
}

func (e *RuntimeError) Error() string {
	msg := e.Message
	for _, frame := range e.Trace {
		msg += "\n\tat " + frame
	}
	return msg
}

type callFrame struct {
	closure    Handle // points to a ClosureObj
	ip         int
	stackStart int
}

// VM is a single bytecode interpreter instance: its heap, global
// namespace, operand stack, and call frames. A VM is not safe for
// concurrent use; it is a single-threaded machine by design (see the
// package-level Non-goals).
type VM struct {
	heap         *Heap
	globals      map[string]Value
	stack        []Value
	frames       []callFrame
	openUpvalues []Handle // sorted by descending StackIndex, most-recent first
	nextGC       int
	internTable  map[string]Value
}

// New returns a fresh VM with an empty global namespace.
func New() *VM {
	return &VM{
		heap:        NewHeap(),
		globals:     make(map[string]Value),
		nextGC:      gcTriggerCount,
		internTable: make(map[string]Value),
	}
}

// Heap exposes the VM's heap, mainly so embedders can call DisplayValue
// on values returned from Exec.
func (vm *VM) Heap() *Heap { return vm.heap }

// Global returns the current value of a global variable and whether it is
// defined.
func (vm *VM) Global(name string) (Value, bool) {
	v, ok := vm.globals[name]
	return v, ok
}

// AddNative registers a native function under name in the global
// namespace, callable from VM code like any other function value.
func (vm *VM) AddNative(name string, fn NativeFunc) {
	h := vm.heap.Alloc(&NativeFunctionObj{Name: name, Fn: fn})
	vm.globals[name] = handleValue(h)
}

// Exec compiles and runs a top-level program. On success the returned
// value is always Nil: the compiled top-level chunk ends with an implicit
// Nil return, so a program's results are observed through its globals.
func (vm *VM) Exec(name string, program []ir.Expr) (Value, error) {
	_, v, err := vm.ExecFrom(name, program, nil)
	return v, err
}

// ExecFrom compiles program against an existing set of top-level locals
// (as returned by a previous ExecFrom call) and runs it, returning the
// updated locals for a subsequent call, the resulting value, and any
// error. This is the primitive an incremental top-level evaluator (e.g. a
// REPL) builds on.
func (vm *VM) ExecFrom(name string, program []ir.Expr, locals []compiler.Local) ([]compiler.Local, Value, error) {
	newLocals, chunk, err := compiler.CompileFrom(name, program, locals)
	if err != nil {
		return nil, Nil, err
	}

	fn := &FunctionObj{Name: name, Arity: 0, Chunk: chunk}
	fnHandle := vm.heap.Alloc(fn)
	vm.heap.Root(fnHandle)
	closureHandle := vm.heap.Alloc(&ClosureObj{Function: fnHandle})
	vm.heap.Unroot(fnHandle)
	vm.heap.Root(closureHandle)
	defer vm.heap.Unroot(closureHandle)

	vm.push(handleValue(closureHandle))
	if err := vm.callValue(handleValue(closureHandle), 0); err != nil {
		return nil, Nil, err
	}
	v, err := vm.run()
	if err != nil {
		return nil, Nil, err
	}
	return newLocals, v, nil
}

func (vm *VM) push(v Value) {
	if len(vm.stack) >= StackSize {
		panic("vm: operand stack overflow")
	}
	vm.stack = append(vm.stack, v)
}

func (vm *VM) pop() Value {
	n := len(vm.stack) - 1
	v := vm.stack[n]
	vm.stack = vm.stack[:n]
	return v
}

func (vm *VM) peek(distance int) Value {
	return vm.stack[len(vm.stack)-1-distance]
}

func (vm *VM) frame() *callFrame { return &vm.frames[len(vm.frames)-1] }

func (vm *VM) closureOf(frame *callFrame) *ClosureObj {
	return vm.heap.MustGet(frame.closure).(*ClosureObj)
}

func (vm *VM) chunkOf(frame *callFrame) *bytecode.Chunk {
	cl := vm.closureOf(frame)
	fn := vm.heap.MustGet(cl.Function).(*FunctionObj)
	return fn.Chunk
}

// run drives the dispatch loop until the outermost frame (the one pushed
// by the most recent Exec/ExecFrom/internalCall) returns, then returns its
// value. It recovers stack-overflow and stale-handle panics into
// RuntimeErrors so the public API never panics across an Exec boundary.
func (vm *VM) run() (result Value, err error) {
	baseFrame := len(vm.frames) - 1
	defer func() {
		if r := recover(); r != nil {
			err = vm.runtimeError("%v", r)
		}
	}()

	for len(vm.frames)-1 >= baseFrame {
		frame := vm.frame()
		chunk := vm.chunkOf(frame)
		op := bytecode.Op(chunk.Code[frame.ip])
		frame.ip++

		switch {
		case op.IsCall():
			if err := vm.call(op.Arity()); err != nil {
				return Nil, err
			}
			continue
		}

		switch op {
		case bytecode.Return:
			v := vm.pop()
			vm.closeUpvalues(frame.stackStart)
			vm.frames = vm.frames[:len(vm.frames)-1]
			vm.stack = vm.stack[:frame.stackStart]
			if len(vm.frames)-1 < baseFrame {
				return v, nil
			}
			vm.push(v)

		case bytecode.Constant:
			idx := chunk.ReadUint16(frame.ip)
			frame.ip += 2
			s := chunk.Constants[idx].(string)
			vm.push(vm.internString(s))

		case bytecode.Immediate:
			bits := chunk.ReadUint64(frame.ip)
			frame.ip += 8
			vm.push(Float(math.Float64frombits(bits)))

		case bytecode.Nil:
			vm.push(Nil)
		case bytecode.True:
			vm.push(True)
		case bytecode.False:
			vm.push(False)
		case bytecode.Pop:
			vm.pop()

		case bytecode.GetLocal:
			slot := chunk.Code[frame.ip]
			frame.ip++
			vm.push(vm.stack[frame.stackStart+int(slot)])
		case bytecode.SetLocal:
			slot := chunk.Code[frame.ip]
			frame.ip++
			vm.stack[frame.stackStart+int(slot)] = vm.peek(0)

		case bytecode.GetGlobal:
			idx := chunk.ReadUint16(frame.ip)
			frame.ip += 2
			name := chunk.Constants[idx].(string)
			v, ok := vm.globals[name]
			if !ok {
				return Nil, vm.runtimeError("undefined global %q", name)
			}
			vm.push(v)
		case bytecode.SetGlobal:
			idx := chunk.ReadUint16(frame.ip)
			frame.ip += 2
			name := chunk.Constants[idx].(string)
			// Writing an undefined global defines it, matching assignment's
			// usual role as the declaration form for module-level bindings; only
			// reads of an undefined global are a fatal error.
			vm.globals[name] = vm.peek(0)
		case bytecode.DefineGlobal:
			idx := chunk.ReadUint16(frame.ip)
			frame.ip += 2
			name := chunk.Constants[idx].(string)
			vm.globals[name] = vm.pop()

		case bytecode.GetUpvalue:
			idx := chunk.Code[frame.ip]
			frame.ip++
			cl := vm.closureOf(frame)
			uv := vm.heap.MustGet(cl.Upvalues[idx]).(*UpvalueObj)
			if uv.Closed {
				vm.push(uv.Value)
			} else {
				vm.push(vm.stack[uv.StackIndex])
			}
		case bytecode.SetUpvalue:
			idx := chunk.Code[frame.ip]
			frame.ip++
			cl := vm.closureOf(frame)
			uv := vm.heap.MustGet(cl.Upvalues[idx]).(*UpvalueObj)
			if uv.Closed {
				uv.Value = vm.peek(0)
			} else {
				vm.stack[uv.StackIndex] = vm.peek(0)
			}
		case bytecode.CloseUpvalue:
			vm.closeUpvalues(len(vm.stack) - 1)
			vm.pop()

		case bytecode.Jump:
			target := chunk.ReadUint16(frame.ip)
			frame.ip = int(target)
		case bytecode.JumpIfFalse:
			target := chunk.ReadUint16(frame.ip)
			frame.ip += 2
			if !vm.peek(0).Truthy() {
				frame.ip = int(target)
			}
		case bytecode.Loop:
			dist := chunk.ReadUint16(frame.ip)
			frame.ip += 2
			frame.ip -= int(dist)

		case bytecode.Add:
			if err := vm.add(); err != nil {
				return Nil, err
			}
		case bytecode.Sub:
			if err := vm.numericBinOp(func(a, b float64) float64 { return a - b }); err != nil {
				return Nil, err
			}
		case bytecode.Mul:
			if err := vm.numericBinOp(func(a, b float64) float64 { return a * b }); err != nil {
				return Nil, err
			}
		case bytecode.Div:
			if err := vm.numericBinOp(func(a, b float64) float64 { return a / b }); err != nil {
				return Nil, err
			}
		case bytecode.Rem:
			if err := vm.numericBinOp(math.Mod); err != nil {
				return Nil, err
			}
		case bytecode.Pow:
			if err := vm.numericBinOp(math.Pow); err != nil {
				return Nil, err
			}
		case bytecode.Equal:
			b := vm.pop()
			a := vm.pop()
			vm.push(Bool(Equal(vm.heap, a, b)))
		case bytecode.Greater:
			if err := vm.comparisonOp(func(a, b float64) bool { return a > b }); err != nil {
				return Nil, err
			}
		case bytecode.Less:
			if err := vm.comparisonOp(func(a, b float64) bool { return a < b }); err != nil {
				return Nil, err
			}
		case bytecode.Not:
			vm.push(Bool(!vm.pop().Truthy()))
		case bytecode.Neg:
			v := vm.pop()
			if !v.IsFloat() {
				return Nil, vm.runtimeError("cannot negate a non-number")
			}
			vm.push(Float(-v.AsFloat()))

		case bytecode.MakeList:
			n := int(chunk.Code[frame.ip])
			frame.ip++
			// The elements stay on the operand stack (so they remain a GC
			// root) through the allocation itself; only once the ListObj
			// exists and owns a copy of them do we pop them off.
			items := make([]Value, n)
			copy(items, vm.stack[len(vm.stack)-n:])
			h := vm.allocate(&ListObj{Items: items})
			vm.stack = vm.stack[:len(vm.stack)-n]
			vm.push(handleValue(h))

		case bytecode.MakeDict:
			n := int(chunk.Code[frame.ip])
			frame.ip++
			d := NewDict(n)
			base := len(vm.stack) - 2*n
			for i := 0; i < n; i++ {
				k := vm.stack[base+2*i]
				v := vm.stack[base+2*i+1]
				d.Set(vm.heap, k, v)
			}
			h := vm.allocate(d)
			vm.stack = vm.stack[:base]
			vm.push(handleValue(h))

		case bytecode.GetElement:
			target := vm.pop()
			idx := vm.pop()
			v, err := vm.index(target, idx)
			if err != nil {
				return Nil, err
			}
			vm.push(v)
		case bytecode.SetElement:
			target := vm.pop()
			idx := vm.pop()
			val := vm.pop()
			if err := vm.setIndex(target, idx, val); err != nil {
				return Nil, err
			}
			vm.push(val)

		case bytecode.Closure:
			if err := vm.closureOp(frame, chunk); err != nil {
				return Nil, err
			}

		default:
			return Nil, vm.runtimeError("unknown opcode 0x%02x", byte(op))
		}
	}
	return Nil, nil
}

// closureOp decodes a Closure instruction: a leading upvalue count, that
// many (is_local,idx) capture pairs, then the function's constant-pool
// index. Pairs before the constant index is this compiler's resolution of
// the capture-pair-ordering question; the leading count lets the decoder
// find the constant index without first inspecting the constant itself.
func (vm *VM) closureOp(frame *callFrame, chunk *bytecode.Chunk) error {
	n := int(chunk.Code[frame.ip])
	frame.ip++
	pairs := make([]compiler.Upvalue, n)
	for i := 0; i < n; i++ {
		isLocal := chunk.Code[frame.ip] == 1
		frame.ip++
		idx := chunk.Code[frame.ip]
		frame.ip++
		pairs[i] = compiler.Upvalue{Index: idx, IsLocal: isLocal}
	}
	constIdx := chunk.ReadUint16(frame.ip)
	frame.ip += 2

	cf := chunk.Constants[constIdx].(*compiler.CompiledFunction)
	fnObj := &FunctionObj{Name: cf.Name, Arity: cf.Arity, Chunk: cf.Chunk, Upvalues: cf.Upvalues}
	fnHandle := vm.allocate(fnObj)
	// fnHandle is reachable from nothing yet (it isn't on the stack and no
	// closure references it): root it explicitly until the closure that
	// will reference it exists, so a collection triggered by one of the
	// allocations below cannot reclaim it.
	vm.heap.Root(fnHandle)
	defer vm.heap.Unroot(fnHandle)

	upvalues := make([]Handle, n)
	for i, p := range pairs {
		if p.IsLocal {
			upvalues[i] = vm.captureUpvalue(frame.stackStart + int(p.Index))
		} else {
			cl := vm.closureOf(frame)
			upvalues[i] = cl.Upvalues[p.Index]
		}
	}
	clHandle := vm.allocate(&ClosureObj{Function: fnHandle, Upvalues: upvalues})
	vm.push(handleValue(clHandle))
	return nil
}

func (vm *VM) captureUpvalue(stackIndex int) Handle {
	for _, h := range vm.openUpvalues {
		uv := vm.heap.MustGet(h).(*UpvalueObj)
		if uv.StackIndex == stackIndex {
			return h
		}
	}
	h := vm.allocate(&UpvalueObj{StackIndex: stackIndex})
	vm.openUpvalues = append(vm.openUpvalues, h)
	slices.SortFunc(vm.openUpvalues, func(a, b Handle) int {
		return vm.heap.MustGet(b).(*UpvalueObj).StackIndex - vm.heap.MustGet(a).(*UpvalueObj).StackIndex
	})
	return h
}

// closeUpvalues closes every open upvalue whose captured stack slot is at
// or above threshold, copying the current stack value into the upvalue
// and detaching it from the stack.
func (vm *VM) closeUpvalues(threshold int) {
	kept := vm.openUpvalues[:0]
	for _, h := range vm.openUpvalues {
		uv := vm.heap.MustGet(h).(*UpvalueObj)
		if uv.StackIndex >= threshold {
			uv.Value = vm.stack[uv.StackIndex]
			uv.Closed = true
		} else {
			kept = append(kept, h)
		}
	}
	vm.openUpvalues = kept
}

func (vm *VM) add() error {
	b := vm.pop()
	a := vm.pop()
	if a.IsFloat() && b.IsFloat() {
		vm.push(Float(a.AsFloat() + b.AsFloat()))
		return nil
	}
	_, aIsStr := vm.asString(a)
	_, bIsStr := vm.asString(b)
	if aIsStr || bIsStr {
		vm.push(vm.internString(DisplayValue(vm.heap, a) + DisplayValue(vm.heap, b)))
		return nil
	}
	return vm.runtimeError("cannot add operands of incompatible types")
}

func (vm *VM) asString(v Value) (string, bool) {
	if !v.IsHandle() {
		return "", false
	}
	obj, ok := vm.heap.Get(v.AsHandle())
	if !ok {
		return "", false
	}
	s, ok := obj.(*StringObj)
	if !ok {
		return "", false
	}
	return s.Value, true
}

func (vm *VM) numericBinOp(op func(a, b float64) float64) error {
	b := vm.pop()
	a := vm.pop()
	if !a.IsFloat() || !b.IsFloat() {
		return vm.runtimeError("arithmetic on a non-number")
	}
	vm.push(Float(op(a.AsFloat(), b.AsFloat())))
	return nil
}

func (vm *VM) comparisonOp(op func(a, b float64) bool) error {
	b := vm.pop()
	a := vm.pop()
	if !a.IsFloat() || !b.IsFloat() {
		return vm.runtimeError("comparison on a non-number")
	}
	vm.push(Bool(op(a.AsFloat(), b.AsFloat())))
	return nil
}

func (vm *VM) index(target, idx Value) (Value, error) {
	if !target.IsHandle() {
		return Nil, vm.runtimeError("cannot index a non-collection")
	}
	obj := vm.heap.MustGet(target.AsHandle())
	switch o := obj.(type) {
	case *ListObj:
		if !idx.IsFloat() {
			return Nil, vm.runtimeError("list index must be a number")
		}
		i := int(idx.AsFloat())
		if i < 0 || i >= len(o.Items) {
			return Nil, vm.runtimeError("list index %d out of range", i)
		}
		return o.Items[i], nil
	case *DictObj:
		v, ok := o.Get(vm.heap, idx)
		if !ok {
			return Nil, nil
		}
		return v, nil
	}
	return Nil, vm.runtimeError("value is not indexable")
}

func (vm *VM) setIndex(target, idx, val Value) error {
	if !target.IsHandle() {
		return vm.runtimeError("cannot index a non-collection")
	}
	obj := vm.heap.MustGet(target.AsHandle())
	switch o := obj.(type) {
	case *ListObj:
		if !idx.IsFloat() {
			return vm.runtimeError("list index must be a number")
		}
		i := int(idx.AsFloat())
		if i < 0 || i >= len(o.Items) {
			return vm.runtimeError("list index %d out of range", i)
		}
		o.Items[i] = val
		return nil
	case *DictObj:
		o.Set(vm.heap, idx, val)
		return nil
	}
	return vm.runtimeError("value is not indexable")
}

// internString returns the one Value representing s's content, allocating
// and permanently rooting a StringObj the first time s is seen. Every
// later intern of the same content returns the identical Value, which is
// what lets Equal compare strings by raw bitwise equality instead of
// dereferencing into the heap on every comparison.
func (vm *VM) internString(s string) Value {
	if v, ok := vm.internTable[s]; ok {
		return v
	}
	h := vm.allocate(&StringObj{Value: s})
	vm.heap.Root(h)
	v := handleValue(h)
	vm.internTable[s] = v
	return v
}

// allocate inserts obj into the heap, triggering a collection first if the
// heap has grown past its budget. The collection excludes the entire
// operand stack, every open upvalue's current value, and the global
// namespace from sweeping, matching the GC root rule that nothing
// reachable from a live frame, an open upvalue, or a global may be
// collected mid-execution.
func (vm *VM) allocate(obj Object) Handle {
	if vm.heap.Len() >= vm.nextGC {
		vm.collect()
		if vm.heap.Len() >= vm.nextGC {
			vm.nextGC = vm.heap.Len() * gcHeapGrowthFactor
		}
	}
	return vm.heap.Alloc(obj)
}

func (vm *VM) collect() {
	var excluding []Handle
	for _, v := range vm.stack {
		if v.IsHandle() {
			excluding = append(excluding, v.AsHandle())
		}
	}
	for _, v := range vm.globals {
		if v.IsHandle() {
			excluding = append(excluding, v.AsHandle())
		}
	}
	for _, h := range vm.openUpvalues {
		excluding = append(excluding, h)
	}
	for _, f := range vm.frames {
		excluding = append(excluding, f.closure)
	}
	vm.heap.Clean(excluding)
}

// call dispatches a Call(arity) instruction: the callee sits at stack
// depth arity below the arguments, i.e. at len(stack)-arity-1.
func (vm *VM) call(arity int) error {
	callee := vm.peek(arity)
	return vm.callValue(callee, arity)
}

func (vm *VM) callValue(callee Value, arity int) error {
	if !callee.IsHandle() {
		return vm.runtimeError("attempt to call a non-function value")
	}
	obj, ok := vm.heap.Get(callee.AsHandle())
	if !ok {
		return vm.runtimeError("attempt to call a stale value")
	}
	switch fn := obj.(type) {
	case *ClosureObj:
		fnObj := vm.heap.MustGet(fn.Function).(*FunctionObj)
		if arity != fnObj.Arity {
			return vm.runtimeError("function %s expects %d arguments, got %d", nameOr(fnObj.Name), fnObj.Arity, arity)
		}
		if len(vm.frames) >= MaxFrames {
			return vm.runtimeError("call stack overflow")
		}
		vm.frames = append(vm.frames, callFrame{
			closure:    callee.AsHandle(),
			stackStart: len(vm.stack) - arity - 1,
		})
		return nil
	case *NativeFunctionObj:
		ctx := &CallContext{vm: vm, frameStart: len(vm.stack) - arity - 1}
		v, err := fn.Fn(ctx)
		if err != nil {
			return vm.runtimeError("%s: %v", nameOr(fn.Name), err)
		}
		vm.stack = vm.stack[:ctx.frameStart]
		vm.push(v)
		return nil
	}
	return vm.runtimeError("attempt to call a non-function value")
}

// internalCall is the re-entrant call primitive used by CallContext.Call:
// it pushes a new frame (or performs a native call) and drives the
// dispatch loop until that specific call returns, then returns its value,
// without disturbing any frame that was already on the stack. callValue
// already fully resolves a native callee (it pushes the result itself), so
// that case pops the result straight off the stack without entering run.
func (vm *VM) internalCall(callee Value, args []Value) (Value, error) {
	framesBefore := len(vm.frames)
	vm.push(callee)
	for _, a := range args {
		vm.push(a)
	}
	if err := vm.callValue(callee, len(args)); err != nil {
		return Nil, err
	}
	if len(vm.frames) == framesBefore {
		// callee was a native function: callValue already produced the
		// result value on top of the stack.
		return vm.pop(), nil
	}
	return vm.run()
}

func (vm *VM) runtimeError(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	var trace []string
	for i := len(vm.frames) - 1; i >= 0; i-- {
		cl := vm.closureOf(&vm.frames[i])
		fnObj := vm.heap.MustGet(cl.Function).(*FunctionObj)
		line := fnObj.Chunk.Line(vm.frames[i].ip)
		trace = append(trace, fmt.Sprintf("line %d in %s", line, nameOr(fnObj.Name)))
	}
	return &RuntimeError{Message: msg, Trace: trace}
}

// CallContext is passed to a NativeFunc. Argument 0 is always the callee
// itself (the native function's own Value, for symmetry with closures,
// which is why real arguments start at index 1); NArgs therefore counts
// the callee slot.
type CallContext struct {
	vm         *VM
	frameStart int
}

// NArgs returns the number of stack slots passed to this call, including
// the callee slot at index 0.
func (c *CallContext) NArgs() int {
	return len(c.vm.stack) - c.frameStart
}

// Arg returns the value at index i of this call; index 0 is the callee.
func (c *CallContext) Arg(i int) Value {
	return c.vm.stack[c.frameStart+i]
}

// Display renders v using this call's VM heap.
func (c *CallContext) Display(v Value) string {
	return DisplayValue(c.vm.heap, v)
}

// Call re-enters the dispatch loop to invoke callee with args, returning
// its result. This is how a native function invokes a callback argument
// recursively, including recursively calling back into native code.
func (c *CallContext) Call(callee Value, args []Value) (Value, error) {
	return c.vm.internalCall(callee, args)
}
