package vm

// Handle identifies a heap-allocated Object. It is a generation-checked
// slot index into the Heap's object slab rather than a raw pointer: Go's
// garbage collector does not sanction round-tripping a live pointer through
// a non-pointer-shaped integer, which is what a NaN-boxed payload requires,
// so this module stores a slot index instead and validates it against the
// slot's current generation on every dereference. A Handle whose slot has
// been recycled by Clean (its generation bumped) is detected as stale
// rather than aliasing unrelated data.
type Handle struct {
	slot uint32
	gen  uint16
}

func (h Handle) pack() uint64 {
	return uint64(h.gen)<<32 | uint64(h.slot)
}

func unpackHandle(raw uint64) Handle {
	return Handle{gen: uint16(raw >> 32), slot: uint32(raw)}
}

type slot struct {
	gen    uint16
	alive  bool
	object Object
	sweep  int
}

// Heap owns every Object allocated by the VM and reclaims unreachable ones
// with a mark-and-sweep collector. Rooted handles (those with a positive
// Root count) and anything reachable from them, plus an
// explicit exclusion set supplied to Clean, survive a collection; anything
// else is freed and its slot's generation is advanced so that stale
// Handles referring to it are detectable.
type Heap struct {
	slots     []slot
	freeList  []uint32
	rooted    map[Handle]*rootRef
	lastSweep int
}

type rootRef struct {
	count int
}

// NewHeap returns an empty heap.
func NewHeap() *Heap {
	return &Heap{rooted: make(map[Handle]*rootRef)}
}

// Alloc inserts obj into the heap and returns a Handle to it. The new
// object is not rooted: callers that need it to survive a collection that
// may run before it is reachable from any existing root must root it
// explicitly or keep it off the stack only briefly (the VM always pushes a
// freshly allocated object before it can trigger a GC check, per §4.3's
// GC root rule for in-flight allocations).
func (h *Heap) Alloc(obj Object) Handle {
	if n := len(h.freeList); n > 0 {
		idx := h.freeList[n-1]
		h.freeList = h.freeList[:n-1]
		s := &h.slots[idx]
		s.alive = true
		s.object = obj
		s.sweep = h.lastSweep
		return Handle{slot: idx, gen: s.gen}
	}
	h.slots = append(h.slots, slot{alive: true, object: obj, sweep: h.lastSweep})
	return Handle{slot: uint32(len(h.slots) - 1), gen: 0}
}

// Get dereferences h, returning its Object and whether h is still valid
// (i.e. its generation matches the slot's current generation and the slot
// is alive).
func (h *Heap) Get(handle Handle) (Object, bool) {
	if int(handle.slot) >= len(h.slots) {
		return nil, false
	}
	s := &h.slots[handle.slot]
	if !s.alive || s.gen != handle.gen {
		return nil, false
	}
	return s.object, true
}

// MustGet dereferences h, panicking if it is stale. The VM uses this once
// it has established (via the root/reachability invariants) that a handle
// it holds must still be valid; panicking surfaces a GC root-set bug
// loudly instead of silently corrupting execution.
func (h *Heap) MustGet(handle Handle) Object {
	obj, ok := h.Get(handle)
	if !ok {
		panic("vm: dereferenced a stale heap handle")
	}
	return obj
}

// Root increments the root count for handle, keeping it (and anything it
// transitively references) alive across collections until a matching
// Unroot call. Roots nest: two Root calls require two Unroot calls.
func (h *Heap) Root(handle Handle) {
	r, ok := h.rooted[handle]
	if !ok {
		r = &rootRef{}
		h.rooted[handle] = r
	}
	r.count++
}

// Unroot decrements the root count for handle, removing it once it reaches
// zero.
func (h *Heap) Unroot(handle Handle) {
	r, ok := h.rooted[handle]
	if !ok {
		return
	}
	r.count--
	if r.count <= 0 {
		delete(h.rooted, handle)
	}
}

// Len returns the number of live objects on the heap.
func (h *Heap) Len() int {
	n := 0
	for _, s := range h.slots {
		if s.alive {
			n++
		}
	}
	return n
}

// Clean runs a mark-and-sweep collection. Roots (handles with a positive
// root count) and every handle in excluding are marked reachable, then
// traced transitively via each Object's Trace method; anything left
// unmarked is freed.
func (h *Heap) Clean(excluding []Handle) {
	h.lastSweep++
	sweep := h.lastSweep
	tr := &tracer{heap: h, sweep: sweep}

	for handle := range h.rooted {
		tr.mark(handle)
	}
	for _, handle := range excluding {
		tr.mark(handle)
	}

	for i := range h.slots {
		s := &h.slots[i]
		if s.alive && s.sweep != sweep {
			s.alive = false
			s.object = nil
			s.gen++
			h.freeList = append(h.freeList, uint32(i))
		}
	}
}

type tracer struct {
	heap  *Heap
	sweep int
}

func (t *tracer) mark(handle Handle) {
	if int(handle.slot) >= len(t.heap.slots) {
		return
	}
	s := &t.heap.slots[handle.slot]
	if !s.alive || s.gen != handle.gen || s.sweep == t.sweep {
		return
	}
	s.sweep = t.sweep
	s.object.Trace(t)
}
