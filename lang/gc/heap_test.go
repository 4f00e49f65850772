package gc_test

import (
	"testing"

	"github.com/mna/corevm/lang/gc"
	"github.com/stretchr/testify/require"
)

// fakeObj is a minimal gc.Object used to exercise the collector without
// depending on the value package.
type fakeObj struct {
	gc.Block
	id        int
	children  []*fakeObj
	marks     *int
	finalized *bool
}

func (f *fakeObj) GCBlock() *gc.Block { return &f.Block }
func (f *fakeObj) Mark(h *gc.Heap) {
	if f.marks != nil {
		*f.marks++
	}
	for _, c := range f.children {
		h.MarkObject(c)
	}
}
func (f *fakeObj) Finalize(h *gc.Heap) {
	if f.finalized != nil {
		*f.finalized = true
	}
}

func newFake(h *gc.Heap, id int) *fakeObj {
	o := &fakeObj{id: id}
	h.Alloc(o, gc.TagUserdata, 8)
	return o
}

type fakeRoots struct{ active gc.Object }

func (r fakeRoots) ActiveRoot() gc.Object { return r.active }

func TestCollectReclaimsUnreached(t *testing.T) {
	h := gc.NewHeap(0)
	var aFinal, bFinal bool
	a := newFake(h, 1)
	a.finalized = &aFinal
	b := newFake(h, 2)
	b.finalized = &bFinal

	h.PushRoot(a)
	require.Equal(t, 2, h.Count())

	freed := h.Collect(fakeRoots{})
	require.Equal(t, 1, freed)
	require.False(t, aFinal, "rooted object must survive")
	require.True(t, bFinal, "unreached object must be finalized")
	require.Equal(t, 1, h.Count())
}

func TestMarkIdempotentOnCycle(t *testing.T) {
	h := gc.NewHeap(0)
	var marksA, marksB int
	a := newFake(h, 1)
	a.marks = &marksA
	b := newFake(h, 2)
	b.marks = &marksB
	a.children = []*fakeObj{b}
	b.children = []*fakeObj{a} // cycle

	h.PushRoot(a)
	h.Collect(fakeRoots{}) // must terminate despite the cycle

	require.Equal(t, 1, marksA)
	require.Equal(t, 1, marksB)
	require.Equal(t, 2, h.Count())
}

func TestPinSurvivesWithoutReachability(t *testing.T) {
	h := gc.NewHeap(0)
	var final bool
	a := newFake(h, 1)
	a.finalized = &final
	gc.Pin(a)

	h.Collect(fakeRoots{})
	require.False(t, final)
	require.Equal(t, 1, h.Count())

	gc.Unpin(a)
	h.Collect(fakeRoots{})
	require.True(t, final)
	require.Equal(t, 0, h.Count())
}

func TestActiveRootMarked(t *testing.T) {
	h := gc.NewHeap(0)
	var final bool
	a := newFake(h, 1)
	a.finalized = &final

	h.Collect(fakeRoots{active: a})
	require.False(t, final)
}

func TestInternDeduplicates(t *testing.T) {
	h := gc.NewHeap(0)
	x := newInternedString(h, "abc")
	y := newInternedString(h, "abc")
	canon := h.Intern(x)
	got := h.Intern(y)
	require.Same(t, canon.(*internedString), got.(*internedString))
}

type internedString struct {
	gc.Block
	s string
}

func newInternedString(h *gc.Heap, s string) *internedString {
	o := &internedString{s: s}
	h.Alloc(o, gc.TagString, len(s))
	return o
}

func (s *internedString) GCBlock() *gc.Block    { return &s.Block }
func (s *internedString) Mark(h *gc.Heap)       {}
func (s *internedString) Finalize(h *gc.Heap)   { h.Unintern(s) }
func (s *internedString) ContentHash() uint64 {
	var hv uint64 = 1469598103934665603
	for i := 0; i < len(s.s); i++ {
		hv ^= uint64(s.s[i])
		hv *= 1099511628211
	}
	return hv
}
func (s *internedString) StructuralEqual(o gc.Interned) bool {
	other, ok := o.(*internedString)
	return ok && other.s == s.s
}
