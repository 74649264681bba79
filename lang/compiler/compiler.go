// Package compiler lowers an ir.Expr tree into a bytecode.Chunk: a
// single-pass, linear emitter with forward-reference jump patching and
// explicit upvalue resolution, mirroring a classic tree-walking bytecode
// compiler.
package compiler

import (
	"fmt"
	"go/scanner"
	"go/token"
	"math"

	"github.com/mna/zubvm/lang/bytecode"
	"github.com/mna/zubvm/lang/ir"
)

// Local is a compile-time record of a local variable's stack slot,
// lexical depth, and whether it has been captured by a nested closure (in
// which case leaving its scope emits CloseUpvalue instead of Pop).
type Local struct {
	Name     string
	Depth    int
	Captured bool
}

// Upvalue is a compile-time record of a captured variable: either a local
// slot of the immediately enclosing function (IsLocal true) or an upvalue
// index already resolved in the immediately enclosing function (IsLocal
// false, chaining the capture outward).
type Upvalue struct {
	Index   uint8
	IsLocal bool
}

// state is the per-function compile-time context. One state exists for
// every function nested in the program being compiled, including the
// implicit top-level function; states form a stack, outer function first.
type state struct {
	chunk      *bytecode.Chunk
	locals     []Local
	upvalues   []Upvalue
	scopeDepth int
	loopBreaks [][]int // pending break-jump patch sites, one slice per enclosing loop
}

// Compiler compiles one or more top-level programs against a shared global
// namespace, threading compile-time Local state between calls so that
// incremental top-level execution (e.g. a REPL) can keep building on
// previously-declared locals.
type Compiler struct {
	states []*state
	errs   scanner.ErrorList
}

// New returns a Compiler ready to compile a fresh top-level program.
func New() *Compiler {
	return &Compiler{}
}

// Compile lowers a top-level program (e.g. the body of a REPL line or an
// embedded script) into a bytecode.Chunk named name. It returns the
// compiled chunk, or a non-nil error (a scanner.ErrorList) describing
// every structural problem found.
func Compile(name string, program []ir.Expr) (*bytecode.Chunk, error) {
	_, chunk, err := CompileFrom(name, program, nil)
	return chunk, err
}

// CompileFrom compiles program reusing an existing set of top-level Local
// slots (as previously returned by CompileFrom), letting a REPL-style
// caller declare new top-level locals across many compiles while keeping
// earlier ones addressable. It returns the resulting locals (for the next
// call), the compiled chunk, and any error.
func CompileFrom(name string, program []ir.Expr, locals []Local) ([]Local, *bytecode.Chunk, error) {
	c := New()
	top := &state{chunk: bytecode.NewChunk(name), locals: append([]Local(nil), locals...)}
	if len(top.locals) == 0 {
		// Slot 0 holds the top-level closure itself (the callee).
		top.locals = append(top.locals, Local{})
	}
	c.states = append(c.states, top)

	for _, expr := range program {
		c.compileExpr(top, expr, 1)
	}
	top.chunk.Write(bytecode.Nil, 0)
	top.chunk.Write(bytecode.Return, 0)

	if len(c.errs) > 0 {
		c.errs.Sort()
		return nil, nil, c.errs.Err()
	}
	return top.locals, top.chunk, nil
}

func (c *Compiler) fail(format string, args ...interface{}) {
	c.errs.Add(token.Position{}, fmt.Sprintf(format, args...))
}

func (c *Compiler) current() *state { return c.states[len(c.states)-1] }

// isVoid reports whether expr compiles in statement position, i.e. nets no
// value onto the operand stack. Block uses this to decide which of its
// non-last items need an explicit Pop: inserting one unconditionally would
// pop an unrelated value out from under a void item like Bind or Return.
func isVoid(expr ir.Expr) bool {
	switch expr.(type) {
	case ir.Bind, ir.BindGlobal, ir.Mutate, ir.Return, ir.Pop, ir.While, ir.Break:
		return true
	default:
		return false
	}
}

// compileExpr compiles expr for its value, leaving exactly one value on
// the operand stack, except for statement-shaped nodes (Bind, BindGlobal,
// Mutate, Return, Pop, While, Break) which are void. line is a best-effort source line for the
// emitted instructions; this package has no token positions of its own so
// frontends pass whatever they have, or 0.
func (c *Compiler) compileExpr(st *state, expr ir.Expr, line int) {
	switch e := expr.(type) {
	case ir.Literal:
		c.emitConstantLiteral(st, e.Value, line)

	case ir.Var:
		c.varGet(st, e.Binding, line)

	case ir.Bind:
		// A bound function must see its own name as an already-resolved local
		// so a self-call inside its body captures it as an upvalue of this
		// scope (recursive functions work through upvalue capture of the
		// function binding from the enclosing scope). Any other value is
		// compiled before the name comes into scope, so it can't observe its
		// own not-yet-initialized binding.
		if _, ok := e.Value.(ir.Function); ok {
			c.defineLocal(st, e.Binding.Name)
			c.compileExpr(st, e.Value, line)
		} else {
			c.compileExpr(st, e.Value, line)
			c.defineLocal(st, e.Binding.Name)
		}

	case ir.BindGlobal:
		c.compileExpr(st, e.Value, line)
		idx := c.addConstant(st, e.Binding.Name)
		st.chunk.Write(bytecode.DefineGlobal, line)
		st.chunk.WriteUint16(uint16(idx), line)

	case ir.Mutate:
		v, ok := e.Target.(ir.Var)
		if !ok {
			c.fail("compiler: cannot mutate a non-variable target")
			return
		}
		c.compileExpr(st, e.Value, line)
		c.varSet(st, v.Binding, line)
		// The Set* instructions leave the assigned value in place; Mutate is
		// void, so discard it.
		st.chunk.Write(bytecode.Pop, line)

	case ir.Binary:
		c.compileBinary(st, e, line)

	case ir.Unary:
		c.compileExpr(st, e.Value, line)
		switch e.Op {
		case ir.Neg:
			st.chunk.Write(bytecode.Neg, line)
		case ir.Not:
			st.chunk.Write(bytecode.Not, line)
		}

	case ir.Call:
		if len(e.Args) > bytecode.MaxCallArity {
			c.fail("compiler: call with %d arguments exceeds the maximum of %d", len(e.Args), bytecode.MaxCallArity)
			return
		}
		c.compileExpr(st, e.Callee, line)
		for _, a := range e.Args {
			c.compileExpr(st, a, line)
		}
		st.chunk.Write(bytecode.Call(len(e.Args)), line)

	case ir.Function:
		c.functionDecl(e, line)

	case ir.Return:
		if e.Value != nil {
			c.compileExpr(st, e.Value, line)
		} else {
			st.chunk.Write(bytecode.Nil, line)
		}
		st.chunk.Write(bytecode.Return, line)

	case ir.Pop:
		c.compileExpr(st, e.Value, line)
		st.chunk.Write(bytecode.Pop, line)

	case ir.List:
		if len(e.Items) > 255 {
			c.fail("compiler: list literal with %d elements exceeds the maximum of 255", len(e.Items))
			return
		}
		for _, it := range e.Items {
			c.compileExpr(st, it, line)
		}
		st.chunk.Write(bytecode.MakeList, line)
		st.chunk.WriteByte(byte(len(e.Items)), line)

	case ir.Dict:
		if len(e.Keys) > 255 {
			c.fail("compiler: dict literal with %d pairs exceeds the maximum of 255", len(e.Keys))
			return
		}
		for i := range e.Keys {
			c.compileExpr(st, e.Keys[i], line)
			c.compileExpr(st, e.Values[i], line)
		}
		st.chunk.Write(bytecode.MakeDict, line)
		st.chunk.WriteByte(byte(len(e.Keys)), line)

	case ir.GetElement:
		// index compiles before target: the container ends up on top of the
		// index at runtime.
		c.compileExpr(st, e.Index, line)
		c.compileExpr(st, e.Target, line)
		st.chunk.Write(bytecode.GetElement, line)

	case ir.SetElement:
		c.compileExpr(st, e.Value, line)
		c.compileExpr(st, e.Index, line)
		c.compileExpr(st, e.Target, line)
		st.chunk.Write(bytecode.SetElement, line)

	case ir.If:
		c.compileExpr(st, e.Cond, line)
		thenJump := emitJump(st.chunk, bytecode.JumpIfFalse, line)
		st.chunk.Write(bytecode.Pop, line)
		c.compileExpr(st, e.Then, line)
		elseJump := emitJump(st.chunk, bytecode.Jump, line)
		patchJump(st.chunk, thenJump)
		st.chunk.Write(bytecode.Pop, line)
		if e.Else != nil {
			c.compileExpr(st, e.Else, line)
		} else {
			st.chunk.Write(bytecode.Nil, line)
		}
		patchJump(st.chunk, elseJump)

	case ir.While:
		// While is void (statement-like, per the stack-discipline rule): the
		// frontend is expected to supply a body that itself nets to zero
		// stack effect (e.g. wrapped in ir.Pop), matching what the compiled
		// sequence below actually leaves on the stack.
		loopStart := len(st.chunk.Code)
		st.loopBreaks = append(st.loopBreaks, nil)
		c.compileExpr(st, e.Cond, line)
		exitJump := emitJump(st.chunk, bytecode.JumpIfFalse, line)
		st.chunk.Write(bytecode.Pop, line)
		c.compileExpr(st, e.Body, line)
		emitLoop(st.chunk, loopStart, line)
		patchJump(st.chunk, exitJump)
		st.chunk.Write(bytecode.Pop, line)
		breaks := st.loopBreaks[len(st.loopBreaks)-1]
		st.loopBreaks = st.loopBreaks[:len(st.loopBreaks)-1]
		for _, b := range breaks {
			patchJump(st.chunk, b)
		}

	case ir.Break:
		if len(st.loopBreaks) == 0 {
			c.fail("compiler: break outside of a loop")
			return
		}
		j := emitJump(st.chunk, bytecode.Jump, line)
		n := len(st.loopBreaks) - 1
		st.loopBreaks[n] = append(st.loopBreaks[n], j)

	case ir.Block:
		c.beginScope(st)
		for i, inner := range e.Body {
			c.compileExpr(st, inner, line)
			if i != len(e.Body)-1 && !isVoid(inner) {
				st.chunk.Write(bytecode.Pop, line)
			}
		}
		if len(e.Body) == 0 || isVoid(e.Body[len(e.Body)-1]) {
			st.chunk.Write(bytecode.Nil, line)
		}
		c.endScope(st, line)

	default:
		c.fail("compiler: unsupported expression node %T", expr)
	}
}

func (c *Compiler) emitConstantLiteral(st *state, v interface{}, line int) {
	switch val := v.(type) {
	case nil:
		st.chunk.Write(bytecode.Nil, line)
	case bool:
		if val {
			st.chunk.Write(bytecode.True, line)
		} else {
			st.chunk.Write(bytecode.False, line)
		}
	case float64:
		// Floating point immediates bypass the constant pool entirely: the
		// raw bits follow the opcode directly.
		st.chunk.Write(bytecode.Immediate, line)
		st.chunk.WriteUint64(math.Float64bits(val), line)
	case string:
		idx := c.addConstant(st, val)
		st.chunk.Write(bytecode.Constant, line)
		st.chunk.WriteUint16(uint16(idx), line)
	default:
		c.fail("compiler: unsupported literal type %T", v)
	}
}

// addConstant interns value into st's constant pool, reporting a
// structural compile error instead of overflowing when the pool is full.
func (c *Compiler) addConstant(st *state, value interface{}) int {
	idx, ok := st.chunk.AddConstant(value)
	if !ok {
		c.fail("compiler: constant pool exceeds the maximum of %d entries", bytecode.MaxConstants)
		return 0
	}
	return idx
}

func (c *Compiler) compileBinary(st *state, e ir.Binary, line int) {
	switch e.Op {
	case ir.And:
		c.compileExpr(st, e.Left, line)
		end := emitJump(st.chunk, bytecode.JumpIfFalse, line)
		st.chunk.Write(bytecode.Pop, line)
		c.compileExpr(st, e.Right, line)
		patchJump(st.chunk, end)
		return
	case ir.Or:
		c.compileExpr(st, e.Left, line)
		elseJump := emitJump(st.chunk, bytecode.JumpIfFalse, line)
		end := emitJump(st.chunk, bytecode.Jump, line)
		patchJump(st.chunk, elseJump)
		st.chunk.Write(bytecode.Pop, line)
		c.compileExpr(st, e.Right, line)
		patchJump(st.chunk, end)
		return
	}

	c.compileExpr(st, e.Left, line)
	c.compileExpr(st, e.Right, line)
	switch e.Op {
	case ir.Add:
		st.chunk.Write(bytecode.Add, line)
	case ir.Sub:
		st.chunk.Write(bytecode.Sub, line)
	case ir.Mul:
		st.chunk.Write(bytecode.Mul, line)
	case ir.Div:
		st.chunk.Write(bytecode.Div, line)
	case ir.Rem:
		st.chunk.Write(bytecode.Rem, line)
	case ir.Pow:
		st.chunk.Write(bytecode.Pow, line)
	case ir.Equal:
		st.chunk.Write(bytecode.Equal, line)
	case ir.NotEqual:
		st.chunk.Write(bytecode.Equal, line)
		st.chunk.Write(bytecode.Not, line)
	case ir.Greater:
		st.chunk.Write(bytecode.Greater, line)
	case ir.GreaterEqual:
		st.chunk.Write(bytecode.Less, line)
		st.chunk.Write(bytecode.Not, line)
	case ir.Less:
		st.chunk.Write(bytecode.Less, line)
	case ir.LessEqual:
		st.chunk.Write(bytecode.Greater, line)
		st.chunk.Write(bytecode.Not, line)
	}
}

func (c *Compiler) varGet(st *state, b ir.Binding, line int) {
	switch {
	case b.IsGlobal():
		idx := c.addConstant(st, b.Name)
		st.chunk.Write(bytecode.GetGlobal, line)
		st.chunk.WriteUint16(uint16(idx), line)
	case b.IsUpvalue():
		idx := c.resolveUpvalue(len(c.states)-1, b)
		st.chunk.Write(bytecode.GetUpvalue, line)
		st.chunk.WriteByte(idx, line)
	default:
		slot := c.resolveLocal(st, b.Name)
		st.chunk.Write(bytecode.GetLocal, line)
		st.chunk.WriteByte(byte(slot), line)
	}
}

func (c *Compiler) varSet(st *state, b ir.Binding, line int) {
	switch {
	case b.IsGlobal():
		idx := c.addConstant(st, b.Name)
		st.chunk.Write(bytecode.SetGlobal, line)
		st.chunk.WriteUint16(uint16(idx), line)
	case b.IsUpvalue():
		idx := c.resolveUpvalue(len(c.states)-1, b)
		st.chunk.Write(bytecode.SetUpvalue, line)
		st.chunk.WriteByte(idx, line)
	default:
		slot := c.resolveLocal(st, b.Name)
		st.chunk.Write(bytecode.SetLocal, line)
		st.chunk.WriteByte(byte(slot), line)
	}
}

func (c *Compiler) defineLocal(st *state, name string) {
	// 256 one-byte slots, slot 0 being the reserved callee slot.
	if len(st.locals) >= 256 {
		c.fail("compiler: too many local variables in function (max 255)")
		return
	}
	st.locals = append(st.locals, Local{Name: name, Depth: st.scopeDepth})
}

func (c *Compiler) resolveLocal(st *state, name string) int {
	for i := len(st.locals) - 1; i >= 0; i-- {
		if st.locals[i].Name == name {
			return i
		}
	}
	c.fail("compiler: unresolved local variable %q", name)
	return 0
}

// resolveUpvalue implements the capture-chain algorithm: starting from the
// function nested at stateIdx, walk outward through enclosing compile
// states until we reach the function that actually owns b (the one whose
// local slice contains it), marking the local captured there, then thread
// an Upvalue entry through every intermediate function so an arbitrarily
// deep capture is reachable one hop at a time.
func (c *Compiler) resolveUpvalue(stateIdx int, b ir.Binding) uint8 {
	if stateIdx == 0 {
		c.fail("compiler: unresolved upvalue %q", b.Name)
		return 0
	}
	enclosing := c.states[stateIdx-1]

	for i := len(enclosing.locals) - 1; i >= 0; i-- {
		if enclosing.locals[i].Name == b.Name {
			enclosing.locals[i].Captured = true
			return c.addUpvalue(c.states[stateIdx], Upvalue{Index: uint8(i), IsLocal: true})
		}
	}

	outerIdx := c.resolveUpvalue(stateIdx-1, b)
	return c.addUpvalue(c.states[stateIdx], Upvalue{Index: outerIdx, IsLocal: false})
}

func (c *Compiler) addUpvalue(st *state, uv Upvalue) uint8 {
	for i, existing := range st.upvalues {
		if existing == uv {
			return uint8(i)
		}
	}
	if len(st.upvalues) >= 255 {
		c.fail("compiler: too many captured variables in function (max 255)")
		return 0
	}
	st.upvalues = append(st.upvalues, uv)
	return uint8(len(st.upvalues) - 1)
}

func (c *Compiler) beginScope(st *state) { st.scopeDepth++ }

func (c *Compiler) endScope(st *state, line int) {
	st.scopeDepth--
	for len(st.locals) > 0 && st.locals[len(st.locals)-1].Depth > st.scopeDepth {
		last := st.locals[len(st.locals)-1]
		st.locals = st.locals[:len(st.locals)-1]
		if last.Captured {
			st.chunk.Write(bytecode.CloseUpvalue, line)
		} else {
			st.chunk.Write(bytecode.Pop, line)
		}
	}
}

// functionDecl compiles a nested function: it pushes a new compile state,
// binds parameters as locals at function depth 1, compiles the body, pops
// the state, and emits a Closure instruction capturing the upvalues
// discovered while compiling the body. Per this compiler's resolution of
// the upvalue-pair ordering question, the (is_local, idx) pairs are
// emitted before the function's 2-byte constant-pool index, and the VM
// decodes them in that same order.
func (c *Compiler) functionDecl(fn ir.Function, line int) {
	outer := c.current()
	inner := &state{chunk: bytecode.NewChunk(fn.Var.Name), scopeDepth: 1}
	c.states = append(c.states, inner)

	// Slot 0 holds the callee; parameters occupy slots 1..arity.
	inner.locals = append(inner.locals, Local{})
	for _, p := range fn.Body.Params {
		inner.locals = append(inner.locals, Local{Name: p.Name, Depth: 1})
	}
	c.compileExpr(inner, fn.Body.Inner, line)
	inner.chunk.Write(bytecode.Nil, line)
	inner.chunk.Write(bytecode.Return, line)

	c.states = c.states[:len(c.states)-1]

	compiled := &CompiledFunction{
		Name:     fn.Var.Name,
		Arity:    len(fn.Body.Params),
		Chunk:    inner.chunk,
		Upvalues: inner.upvalues,
	}
	idx := c.addConstant(outer, compiled)

	// Layout: opcode, upvalue count, then that many (is_local,idx) pairs,
	// then the function's constant-pool index. The count byte lets the VM
	// know how many pairs to consume before it reaches the constant index,
	// resolving this compiler's decision on the pairs-vs-constant-index
	// ordering question without requiring a lookahead into the constant
	// pool to learn the count.
	outer.chunk.Write(bytecode.Closure, line)
	outer.chunk.WriteByte(byte(len(inner.upvalues)), line)
	for _, uv := range inner.upvalues {
		if uv.IsLocal {
			outer.chunk.WriteByte(1, line)
		} else {
			outer.chunk.WriteByte(0, line)
		}
		outer.chunk.WriteByte(uv.Index, line)
	}
	outer.chunk.WriteUint16(uint16(idx), line)
}

// CompiledFunction is the constant-pool payload for a Closure instruction:
// the function's own chunk, its declared arity, and the shape of upvalues
// it captures, filled in by the VM into a runtime Closure object.
type CompiledFunction struct {
	Name     string
	Arity    int
	Chunk    *bytecode.Chunk
	Upvalues []Upvalue
}

func emitJump(chunk *bytecode.Chunk, op bytecode.Op, line int) int {
	chunk.Write(op, line)
	return chunk.WriteUint16(0xffff, line)
}

func patchJump(chunk *bytecode.Chunk, offset int) {
	target := len(chunk.Code)
	chunk.PatchUint16(offset, uint16(target))
}

func emitLoop(chunk *bytecode.Chunk, loopStart, line int) {
	chunk.Write(bytecode.Loop, line)
	offset := chunk.WriteUint16(0, line)
	distance := (offset + 2) - loopStart
	chunk.PatchUint16(offset, uint16(distance))
}
