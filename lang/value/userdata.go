package value

import "github.com/mna/corevm/lang/gc"

// UserdataObj wraps an arbitrary host-owned Go value so it can be passed
// around and stored by language code without the language understanding
// its contents (spec.md §6.3's host ABI; out-of-scope domains like I/O
// handles attach their state this way).
type UserdataObj struct {
	gc.Block
	Tag  string // host-defined discriminator, e.g. "file-handle"
	Data interface{}
}

func (o *UserdataObj) GCBlock() *gc.Block { return &o.Block }
func (o *UserdataObj) Mark(h *gc.Heap)     {}
func (o *UserdataObj) Finalize(h *gc.Heap) {}

// NewUserdata allocates a userdata value wrapping data, tagged for the
// host's own dispatch.
func NewUserdata(h *gc.Heap, tag string, data interface{}) Value {
	o := &UserdataObj{Tag: tag, Data: data}
	h.Alloc(o, gc.TagUserdata, 0)
	return fromObj(Userdata, o)
}

// UserdataTag returns the host-defined tag of a Userdata value.
func UserdataTag(v Value) string { return v.obj.(*UserdataObj).Tag }

// UserdataValue returns the wrapped Go value of a Userdata value.
func UserdataValue(v Value) interface{} { return v.obj.(*UserdataObj).Data }
