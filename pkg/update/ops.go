package update

// OpKind identifies one abstract render operation. The engine never
// touches a display surface itself; it emits these ops and the
// attachment layer decides how a change is painted.
type OpKind string

const (
	// OpSet repaints a single value binding.
	OpSet OpKind = "set"

	// OpMount attaches per-item state for a new list position.
	OpMount OpKind = "mount"

	// OpUnmount detaches per-item state for a dropped position.
	OpUnmount OpKind = "unmount"

	// OpMove relocates existing per-item state to a new slot.
	OpMove OpKind = "move"

	// OpRedraw re-renders an item in place, no mount or unmount.
	OpRedraw OpKind = "redraw"

	// OpClear empties a container in one operation, skipping per-item
	// teardown.
	OpClear OpKind = "clear"
)

// RenderOp is one emitted operation.
type RenderOp struct {
	Kind    OpKind `json:"kind"`
	Pattern string `json:"pattern"`
	Indexes []int  `json:"indexes,omitempty"`
	From    int    `json:"from,omitempty"`
	To      int    `json:"to,omitempty"`
	Item    uint64 `json:"item,omitempty"`
	Value   any    `json:"value,omitempty"`
}

// OpSink receives render operations. Flush is called once at the end of
// each cycle's render pass with the cycle number.
type OpSink interface {
	Emit(op RenderOp)
	Flush(cycle uint64)
}

// NopSink discards all operations.
type NopSink struct{}

func (NopSink) Emit(RenderOp) {}

func (NopSink) Flush(uint64) {}
