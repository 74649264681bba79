package ir_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mna/zubvm/lang/ir"
)

func TestGlobalBindingHasNoDepth(t *testing.T) {
	b := ir.Global("x")
	require.True(t, b.IsGlobal())
	require.False(t, b.IsUpvalue())
}

func TestLocalBindingAtOwnFunctionIsNeitherGlobalNorUpvalue(t *testing.T) {
	b := ir.Local("x", 1, 1)
	require.False(t, b.IsGlobal())
	require.False(t, b.IsUpvalue())
}

func TestUpvalueClassification(t *testing.T) {
	// Declared at depth 0 by the function at depth 0, referenced from a
	// nested function whose body starts at depth 1: depth > function_depth.
	b := ir.Local("fib", 1, 0)
	require.True(t, b.IsUpvalue())
	require.Equal(t, 1, b.UpvalueDepth())
}

func TestUpvalueDepthPanicsOnNonUpvalue(t *testing.T) {
	b := ir.Local("x", 0, 0)
	require.Panics(t, func() { b.UpvalueDepth() })
}

func TestResolveRebindsDepthAndFunctionDepth(t *testing.T) {
	b := ir.Global("x").Resolve(2, 1)
	require.False(t, b.IsGlobal())
	require.True(t, b.IsUpvalue())
	require.Equal(t, 2, b.UpvalueDepth())
}
