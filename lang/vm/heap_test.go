package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type dummyObj struct {
	refs []Handle
}

func (d *dummyObj) Trace(t *tracer) {
	for _, h := range d.refs {
		t.mark(h)
	}
}
func (d *dummyObj) String(*Heap) string { return "dummy" }

func TestHeapAllocAndGet(t *testing.T) {
	h := NewHeap()
	handle := h.Alloc(&dummyObj{})
	obj, ok := h.Get(handle)
	require.True(t, ok)
	require.IsType(t, &dummyObj{}, obj)
}

func TestHeapCleanFreesUnreachable(t *testing.T) {
	h := NewHeap()
	garbage := h.Alloc(&dummyObj{})
	h.Clean(nil)

	_, ok := h.Get(garbage)
	require.False(t, ok, "unrooted, unreferenced object should have been collected")
}

func TestHeapCleanKeepsRooted(t *testing.T) {
	h := NewHeap()
	kept := h.Alloc(&dummyObj{})
	h.Root(kept)
	h.Clean(nil)

	_, ok := h.Get(kept)
	require.True(t, ok)

	h.Unroot(kept)
	h.Clean(nil)
	_, ok = h.Get(kept)
	require.False(t, ok)
}

func TestHeapCleanTracesReachableGraph(t *testing.T) {
	h := NewHeap()
	leaf := h.Alloc(&dummyObj{})
	root := h.Alloc(&dummyObj{refs: []Handle{leaf}})
	h.Root(root)

	h.Clean(nil)

	_, ok := h.Get(leaf)
	require.True(t, ok, "leaf reachable from a rooted object must survive")
}

func TestHeapCleanRespectsExcluding(t *testing.T) {
	h := NewHeap()
	onStack := h.Alloc(&dummyObj{})
	h.Clean([]Handle{onStack})

	_, ok := h.Get(onStack)
	require.True(t, ok)
}

func TestHeapCleanIdempotent(t *testing.T) {
	h := NewHeap()
	kept := h.Alloc(&dummyObj{})
	h.Root(kept)
	h.Alloc(&dummyObj{}) // garbage

	h.Clean(nil)
	firstLen := h.Len()
	h.Clean(nil)
	require.Equal(t, firstLen, h.Len())
}

func TestHeapStaleHandleAfterRecycle(t *testing.T) {
	h := NewHeap()
	first := h.Alloc(&dummyObj{})
	h.Clean(nil) // first is unrooted, gets swept and its slot freed

	second := h.Alloc(&dummyObj{}) // reuses first's freed slot
	require.Equal(t, first.slot, second.slot)
	require.NotEqual(t, first.gen, second.gen)

	_, ok := h.Get(first)
	require.False(t, ok, "stale handle must not alias the recycled slot")
}

func TestHeapRootNests(t *testing.T) {
	h := NewHeap()
	handle := h.Alloc(&dummyObj{})
	h.Root(handle)
	h.Root(handle)
	h.Unroot(handle)
	h.Clean(nil)

	_, ok := h.Get(handle)
	require.True(t, ok, "object rooted twice must survive a single unroot")

	h.Unroot(handle)
	h.Clean(nil)
	_, ok = h.Get(handle)
	require.False(t, ok)
}
