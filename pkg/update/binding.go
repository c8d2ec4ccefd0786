package update

import (
	"strconv"
	"sync/atomic"

	"github.com/vango-go/bindery/pkg/ref"
	"github.com/vango-go/bindery/pkg/state"
)

var bindingIDCounter uint64

// Binding is one view binding driven by the render pass. The engine
// calls Render for every binding whose reference is in the cycle's
// updating set.
type Binding interface {
	// ID returns the binding's stable identity, used by the scheduler
	// to render each binding at most once per cycle.
	ID() uint64

	// Ref returns the reference the binding is attached to.
	Ref() *ref.Ref

	// Render brings the bound view fragment up to date.
	Render(rd *Renderer, sc *state.Scope) error
}

// ValueBinding repaints a single value. How the value is painted is the
// attachment layer's concern; the binding emits an OpSet carrying the
// current value.
type ValueBinding struct {
	id   uint64
	acc  *state.Accessor
	ref  *ref.Ref
	sink OpSink
}

// NewValueBinding creates a binding that re-emits the referenced value
// whenever it changes.
func NewValueBinding(acc *state.Accessor, r *ref.Ref, sink OpSink) *ValueBinding {
	if sink == nil {
		sink = NopSink{}
	}
	return &ValueBinding{
		id:   atomic.AddUint64(&bindingIDCounter, 1),
		acc:  acc,
		ref:  r,
		sink: sink,
	}
}

// ID implements Binding.
func (b *ValueBinding) ID() uint64 {
	return b.id
}

// Ref implements Binding.
func (b *ValueBinding) Ref() *ref.Ref {
	return b.ref
}

// Render implements Binding.
func (b *ValueBinding) Render(rd *Renderer, sc *state.Scope) error {
	value, err := b.acc.GetByRef(sc, b.ref)
	if err != nil {
		return err
	}
	op := RenderOp{
		Kind:    OpSet,
		Pattern: b.ref.Info.Pattern,
		Value:   value,
	}
	if pos, err := b.ref.ListIndex(); err != nil {
		return err
	} else if pos != nil {
		op.Indexes = pos.Indexes()
	}
	b.sink.Emit(op)
	return nil
}

// bindingRenderKey identifies one binding within a cycle's rendered set.
func bindingRenderKey(b Binding) string {
	return strconv.FormatUint(b.ID(), 10)
}
