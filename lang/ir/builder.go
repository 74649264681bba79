package ir

// FunctionBuilder assembles an IrFunction (a Function node plus its body)
// for a frontend that tracks binding depths itself. Build may be called
// before Params/Body are finalized and later mutated through the returned
// Function's Body pointer, which is how recursive functions see their own
// Var binding resolve correctly.
type FunctionBuilder struct {
	fn *Function
}

// NewLocalFunction starts a function bound at depth/functionDepth, i.e. one
// that is itself a local (or upvalue-capturable) binding, such as a
// function expression assigned to a local variable.
func NewLocalFunction(name string, depth, functionDepth int) *FunctionBuilder {
	return &FunctionBuilder{fn: &Function{
		Var:  Local(name, depth, functionDepth),
		Body: &FunctionBody{},
	}}
}

// NewGlobalFunction starts a function bound as a top-level global.
func NewGlobalFunction(name string) *FunctionBuilder {
	return &FunctionBuilder{fn: &Function{
		Var:  Global(name),
		Body: &FunctionBody{},
	}}
}

// WithParams sets the function's parameter bindings.
func (b *FunctionBuilder) WithParams(params ...Binding) *FunctionBuilder {
	b.fn.Body.Params = params
	return b
}

// WithBody sets the function's body expression.
func (b *FunctionBuilder) WithBody(body Expr) *FunctionBuilder {
	b.fn.Body.Inner = body
	return b
}

// Build returns the finished Function node. The caller decides where to
// emit it (Bind, BindGlobal, a list item, a call argument, ...); the
// function node itself is never auto-emitted into an enclosing Builder.
func (b *FunctionBuilder) Build() Function {
	return *b.fn
}

// Builder accumulates top-level expressions that form a program. It is a
// thin, explicit-depth API: callers supply fully-resolved Bindings
// themselves. ScopedBuilder wraps this type for frontends that would
// rather have depth tracked for them.
type Builder struct {
	program []Expr
}

// NewBuilder returns an empty program builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Emit appends expr to the program, in statement position. The compiler
// does not pop a top-level expression's value: a value it produces stays on
// the operand stack until the program returns, unless expr is wrapped in Pop.
func (b *Builder) Emit(expr Expr) {
	b.program = append(b.program, expr)
}

// Build returns the accumulated program as a slice of top-level
// expressions, in emission order.
func (b *Builder) Build() []Expr {
	return b.program
}

// Convenience constructors mirroring the low-level Expr variants; these
// exist so a frontend can write ir.NewBuilder() and a chain of calls
// without importing the Expr struct literals directly.

func (b *Builder) Bind(binding Binding, value Expr)       { b.Emit(Bind{Binding: binding, Value: value}) }
func (b *Builder) BindGlobal(binding Binding, value Expr) { b.Emit(BindGlobal{Binding: binding, Value: value}) }
func (b *Builder) Mutate(target, value Expr)              { b.Emit(Mutate{Target: target, Value: value}) }
func (b *Builder) Return(value Expr)                      { b.Emit(Return{Value: value}) }
func (b *Builder) Pop(value Expr)                         { b.Emit(Pop{Value: value}) }

func (b *Builder) Var(binding Binding) Expr           { return Var{Binding: binding} }
func (b *Builder) Call(callee Expr, args ...Expr) Expr { return Call{Callee: callee, Args: args} }
func (b *Builder) Binary(op BinaryOp, l, r Expr) Expr  { return Binary{Op: op, Left: l, Right: r} }
func (b *Builder) UnaryOp(op UnaryOp, v Expr) Expr     { return Unary{Op: op, Value: v} }
func (b *Builder) Number(n float64) Expr               { return Literal{Value: n} }
func (b *Builder) String(s string) Expr                { return Literal{Value: s} }
func (b *Builder) Bool(v bool) Expr                    { return Literal{Value: v} }
func (b *Builder) Nil() Expr                           { return Literal{Value: nil} }

// Function builds a Function node whose body is constructed by build
// against a fresh Builder, isolated from b's own accumulated program. The
// body sequence build emits is wrapped into a Block and becomes the
// function's Inner expression. The caller still decides where to emit the
// returned Function (typically via Bind or BindGlobal), as with every other
// expression constructor on Builder.
func (b *Builder) Function(binding Binding, params []Binding, build func(*Builder)) Function {
	inner := NewBuilder()
	build(inner)
	return Function{
		Var: binding,
		Body: &FunctionBody{
			Params: params,
			Inner:  Block{Body: inner.Build()},
		},
	}
}

// ScopedBuilder wraps Builder and synthesizes Binding depths automatically
// as the frontend enters and leaves blocks and functions, so the frontend
// need not hand-compute (depth, functionDepth) pairs itself.
type ScopedBuilder struct {
	*Builder
	depth         int
	functionDepth int
	fnDepths      []int
}

// NewScopedBuilder returns a ScopedBuilder at the top-level scope (depth 0,
// function depth 0).
func NewScopedBuilder() *ScopedBuilder {
	return &ScopedBuilder{Builder: NewBuilder()}
}

// EnterBlock increases the current block depth without changing the
// current function depth.
func (s *ScopedBuilder) EnterBlock() { s.depth++ }

// LeaveBlock decreases the current block depth.
func (s *ScopedBuilder) LeaveBlock() { s.depth-- }

// EnterFunction increases both the block depth and the function depth,
// remembering the enclosing function's depth so LeaveFunction can restore
// it.
func (s *ScopedBuilder) EnterFunction() {
	s.fnDepths = append(s.fnDepths, s.functionDepth)
	s.depth++
	s.functionDepth = s.depth
}

// LeaveFunction restores the block and function depth to what they were
// before the matching EnterFunction.
func (s *ScopedBuilder) LeaveFunction() {
	n := len(s.fnDepths)
	s.functionDepth = s.fnDepths[n-1]
	s.fnDepths = s.fnDepths[:n-1]
	s.depth--
}

// NewLocal returns a Binding for name at the current scope.
func (s *ScopedBuilder) NewLocal(name string) Binding {
	return Local(name, s.depth, s.functionDepth)
}

// NewGlobal returns a Binding for name at the top level, regardless of
// current scope (globals are always visible from anywhere).
func (s *ScopedBuilder) NewGlobal(name string) Binding {
	return Global(name)
}
