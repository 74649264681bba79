package ir_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mna/zubvm/lang/ir"
)

func TestScopedBuilderTracksBlockDepth(t *testing.T) {
	b := ir.NewScopedBuilder()
	top := b.NewLocal("x")
	require.Equal(t, 0, *top.Depth)
	require.Equal(t, 0, top.FunctionDepth)

	b.EnterBlock()
	nested := b.NewLocal("y")
	require.Equal(t, 1, *nested.Depth)
	require.Equal(t, 0, nested.FunctionDepth)
	b.LeaveBlock()

	afterLeave := b.NewLocal("z")
	require.Equal(t, 0, *afterLeave.Depth)
}

func TestScopedBuilderTracksFunctionDepth(t *testing.T) {
	b := ir.NewScopedBuilder()
	b.EnterFunction()
	param := b.NewLocal("n")
	require.Equal(t, 1, *param.Depth)
	require.Equal(t, 1, param.FunctionDepth)

	b.EnterFunction()
	inner := b.NewLocal("m")
	require.Equal(t, 2, *inner.Depth)
	require.Equal(t, 2, inner.FunctionDepth)
	b.LeaveFunction()

	b.LeaveFunction()
	outer := b.NewLocal("after")
	require.Equal(t, 0, *outer.Depth)
	require.Equal(t, 0, outer.FunctionDepth)
}

func TestScopedBuilderGlobalIgnoresDepth(t *testing.T) {
	b := ir.NewScopedBuilder()
	b.EnterFunction()
	b.EnterBlock()
	g := b.NewGlobal("g")
	require.True(t, g.IsGlobal())
}

func TestFunctionBuilderBuildsNamedLocalFunction(t *testing.T) {
	fb := ir.NewLocalFunction("f", 0, 0)
	param := ir.Local("a", 1, 1)
	fn := fb.WithParams(param).WithBody(ir.Return{Value: ir.Var{Binding: param}}).Build()

	require.Equal(t, "f", fn.Var.Name)
	require.Len(t, fn.Body.Params, 1)
	require.NotNil(t, fn.Body.Inner)
}

func TestFunctionBuilderGlobalFunction(t *testing.T) {
	fb := ir.NewGlobalFunction("main")
	fn := fb.Build()
	require.True(t, fn.Var.IsGlobal())
}

func TestBuilderFunctionBuildsBodyInIsolation(t *testing.T) {
	outer := ir.NewBuilder()
	outer.Pop(outer.Number(1)) // pre-existing program content, untouched by Function

	param := ir.Local("n", 1, 1)
	fn := outer.Function(ir.Local("double", 0, 0), []ir.Binding{param}, func(inner *ir.Builder) {
		inner.Return(inner.Binary(ir.Add, inner.Var(param), inner.Var(param)))
	})

	require.Equal(t, "double", fn.Var.Name)
	require.Len(t, fn.Body.Params, 1)
	block, ok := fn.Body.Inner.(ir.Block)
	require.True(t, ok)
	require.Len(t, block.Body, 1)
	_, ok = block.Body[0].(ir.Return)
	require.True(t, ok)

	// The body builder's own emissions never leaked into outer's program.
	require.Len(t, outer.Build(), 1)
}

func TestBuilderEmitsInOrder(t *testing.T) {
	b := ir.NewBuilder()
	b.BindGlobal(ir.Global("a"), b.Number(1))
	b.BindGlobal(ir.Global("b"), b.Number(2))

	program := b.Build()
	require.Len(t, program, 2)
	bind0, ok := program[0].(ir.BindGlobal)
	require.True(t, ok)
	require.Equal(t, "a", bind0.Binding.Name)
}
