package value

import "github.com/mna/corevm/lang/gc"

// BufferObj is the heap representation of the buffer variant: mutable
// bytes, never interned, compared and hashed by identity.
type BufferObj struct {
	gc.Block
	data []byte
}

func (o *BufferObj) GCBlock() *gc.Block { return &o.Block }
func (o *BufferObj) Mark(h *gc.Heap)    {}
func (o *BufferObj) Finalize(h *gc.Heap) {
	o.data = nil // release backing storage
}

// NewBuffer allocates a mutable buffer initialized with a copy of init.
func NewBuffer(h *gc.Heap, init []byte) Value {
	o := &BufferObj{data: append([]byte(nil), init...)}
	h.Alloc(o, gc.TagBuffer, len(init))
	return fromObj(Buffer, o)
}

// BufferBytes returns the live backing slice of a Buffer value. Mutations
// through the returned slice are visible to the language. Behavior is
// undefined if v.Tag() != Buffer.
func BufferBytes(v Value) []byte { return v.obj.(*BufferObj).data }

// BufferAppend appends p to buf's backing storage, growing it as needed.
func BufferAppend(v Value, p []byte) {
	o := v.obj.(*BufferObj)
	o.data = append(o.data, p...)
}
