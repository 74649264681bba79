package vm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mna/zubvm/lang/ir"
)

// After any top-level exec, the operand stack and call frames are back to
// empty, regardless of what the program computed along the way.
func TestExecLeavesStackAndFramesEmpty(t *testing.T) {
	program := []ir.Expr{
		ir.BindGlobal{Binding: ir.Global("a"), Value: ir.Literal{Value: 1.0}},
		ir.Pop{Value: ir.Binary{Op: ir.Add, Left: ir.Literal{Value: 1.0}, Right: ir.Literal{Value: 2.0}}},
		ir.BindGlobal{Binding: ir.Global("b"), Value: ir.List{Items: []ir.Expr{ir.Literal{Value: 1.0}}}},
	}

	m := New()
	_, err := m.Exec("stack-discipline", program)
	require.NoError(t, err)
	require.Empty(t, m.stack)
	require.Empty(t, m.frames)
}

// A GC triggered mid-allocation must not reclaim anything still reachable
// from globals, the operand stack, or an open upvalue's closed value. This
// sets the trigger threshold to 0 so the first allocate() call runs a
// collection; after that allocate's growth rule keeps collections running
// as the garbage lists below are allocated. It checks that a list bound to
// a global survives those collections untouched.
func TestGCPreservesGlobalReachableValues(t *testing.T) {
	m := New()
	m.nextGC = 0

	program := []ir.Expr{
		ir.BindGlobal{
			Binding: ir.Global("kept"),
			Value: ir.List{Items: []ir.Expr{
				ir.Literal{Value: "a"},
				ir.Literal{Value: "b"},
				ir.Literal{Value: "c"},
			}},
		},
		// Allocate a bunch of garbage lists that nothing ever binds, to give
		// the GC something to actually reclaim while "kept" stays live.
		ir.Pop{Value: ir.List{Items: []ir.Expr{ir.Literal{Value: 1.0}}}},
		ir.Pop{Value: ir.List{Items: []ir.Expr{ir.Literal{Value: 2.0}}}},
		ir.Pop{Value: ir.List{Items: []ir.Expr{ir.Literal{Value: 3.0}}}},
	}

	_, err := m.Exec("gc-reachability", program)
	require.NoError(t, err)

	v, ok := m.Global("kept")
	require.True(t, ok)
	require.True(t, v.IsHandle())

	obj, ok := m.heap.Get(v.AsHandle())
	require.True(t, ok, "GC reclaimed a value still reachable from globals")
	list, ok := obj.(*ListObj)
	require.True(t, ok)
	require.Len(t, list.Items, 3)

	// A second collection against the same root set reclaims the same
	// nothing-new (idempotence): "kept" must still resolve afterward.
	m.collect()
	m.collect()
	_, ok = m.heap.Get(v.AsHandle())
	require.True(t, ok, "a second GC pass reclaimed a still-reachable value")
}
