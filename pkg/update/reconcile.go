package update

import (
	"sync/atomic"

	"github.com/vango-go/bindery/internal/errs"
	"github.com/vango-go/bindery/pkg/listpos"
	"github.com/vango-go/bindery/pkg/ref"
	"github.com/vango-go/bindery/pkg/state"
	"github.com/vango-go/bindery/pkg/statepath"
)

// ErrMissingItemState is returned when reconciliation expects allocated
// per-item state for a surviving position and finds none. This is an
// internal bookkeeping bug; the binding aborts and the error is never
// swallowed.
var ErrMissingItemState = errs.New("B301", errs.CategoryConsistency, "no allocated item state for position")

// transition classifies one old/new collection pair. The six classes are
// mutually exclusive and collectively exhaustive, both-empty included
// (it falls under transOverwrite with zero affected positions).
type transition int

const (
	transAllNew transition = iota
	transAllRemoved
	transPartialRemove
	transAdditions
	transReorder
	transOverwrite
)

// String returns the metrics label for the transition class.
func (t transition) String() string {
	switch t {
	case transAllNew:
		return "all_new"
	case transAllRemoved:
		return "all_removed"
	case transPartialRemove:
		return "partial_remove"
	case transAdditions:
		return "additions"
	case transReorder:
		return "reorder"
	default:
		return "overwrite"
	}
}

// classify decides which reconciliation path applies. oldIndex maps each
// old node to its array position before the diff renumbered anything.
func classify(oldNodes, newNodes []*listpos.Node, oldIndex map[*listpos.Node]int) transition {
	if len(oldNodes) == 0 && len(newNodes) == 0 {
		return transOverwrite
	}
	if len(oldNodes) == 0 {
		return transAllNew
	}
	if len(newNodes) == 0 {
		return transAllRemoved
	}

	newSet := make(map[*listpos.Node]int, len(newNodes))
	for j, n := range newNodes {
		newSet[n] = j
	}

	adds := 0
	addedAt := make(map[int]bool)
	moved := false
	for j, n := range newNodes {
		if oi, ok := oldIndex[n]; !ok {
			adds++
			addedAt[j] = true
		} else if oi != j {
			moved = true
		}
	}

	removed := 0
	removedAt := make(map[int]bool)
	for _, n := range oldNodes {
		if _, ok := newSet[n]; !ok {
			removed++
			removedAt[oldIndex[n]] = true
		}
	}

	if adds > 0 {
		// A value change at an unchanged position is an in-place
		// overwrite: every add sits exactly where a removal happened
		// and no survivor moved.
		if len(oldNodes) == len(newNodes) && adds == removed && !moved && sameIndexSet(addedAt, removedAt) {
			return transOverwrite
		}
		return transAdditions
	}
	if removed > 0 {
		return transPartialRemove
	}
	if moved {
		return transReorder
	}
	return transOverwrite
}

func sameIndexSet(a, b map[int]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

// ListBinding binds a collection path to a sequence of per-item view
// fragments, reusing pooled item state across cycles.
type ListBinding struct {
	id   uint64
	acc  *state.Accessor
	ref  *ref.Ref
	item *statepath.Info
	sink OpSink

	pool   itemPool
	items  []*Item
	byNode map[*listpos.Node]*Item

	// exclusiveContainer is true when the surrounding container's
	// visible content is bounded exactly by this binding's own items,
	// allowing all-removed to clear the container in one operation.
	exclusiveContainer bool
}

// ListOption configures a ListBinding.
type ListOption func(*ListBinding)

// WithExclusiveContainer marks the binding as sole occupant of its
// container, enabling the single-operation clear path.
func WithExclusiveContainer() ListOption {
	return func(b *ListBinding) {
		b.exclusiveContainer = true
	}
}

// NewListBinding creates a binding for a collection-typed reference.
func NewListBinding(acc *state.Accessor, r *ref.Ref, sink OpSink, opts ...ListOption) *ListBinding {
	if sink == nil {
		sink = NopSink{}
	}
	b := &ListBinding{
		id:     atomic.AddUint64(&bindingIDCounter, 1),
		acc:    acc,
		ref:    r,
		item:   statepath.MustResolve(r.Info.Pattern + ".*"),
		sink:   sink,
		byNode: make(map[*listpos.Node]*Item),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ID implements Binding.
func (b *ListBinding) ID() uint64 {
	return b.id
}

// Ref implements Binding.
func (b *ListBinding) Ref() *ref.Ref {
	return b.ref
}

// Items returns the current per-item state in order. Exposed for the
// attachment layer and for tests.
func (b *ListBinding) Items() []*Item {
	return b.items
}

// PooledItems returns how many released items wait for reuse.
func (b *ListBinding) PooledItems() int {
	return b.pool.size()
}

// Render implements Binding: it diffs the collection's positions and
// drives the mount/unmount/move/redraw sequence that maps the old item
// order to the new one with maximal reuse.
func (b *ListBinding) Render(rd *Renderer, sc *state.Scope) error {
	oldNodes := make([]*listpos.Node, len(b.items))
	oldIndex := make(map[*listpos.Node]int, len(b.items))
	for i, it := range b.items {
		oldNodes[i] = it.pos
		oldIndex[it.pos] = i
	}

	newNodes, err := b.acc.ListPositionsByRef(sc, b.ref)
	if err != nil {
		return err
	}

	class := classify(oldNodes, newNodes, oldIndex)
	rd.observeTransition(class)

	switch class {
	case transAllNew:
		return b.applyAllNew(rd, newNodes)
	case transAllRemoved:
		return b.applyAllRemoved()
	case transPartialRemove:
		return b.applyPartialRemove(newNodes)
	case transAdditions:
		return b.applyAdditions(rd, newNodes, oldIndex)
	case transReorder:
		return b.applyReorder(newNodes, oldIndex)
	default:
		return b.applyOverwrite(newNodes)
	}
}

// applyAllNew mounts every position in order, pooled items first.
func (b *ListBinding) applyAllNew(rd *Renderer, newNodes []*listpos.Node) error {
	items := make([]*Item, len(newNodes))
	for j, n := range newNodes {
		items[j] = b.allocate(rd, n)
		b.sink.Emit(RenderOp{
			Kind:    OpMount,
			Pattern: b.item.Pattern,
			Indexes: n.Indexes(),
			To:      j,
			Item:    items[j].id,
		})
	}
	b.replaceItems(items)
	return nil
}

// applyAllRemoved tears everything down. With an exclusive container the
// whole container is cleared in one operation and per-item unmounts are
// skipped; otherwise items are removed one at a time.
func (b *ListBinding) applyAllRemoved() error {
	if b.exclusiveContainer {
		b.sink.Emit(RenderOp{Kind: OpClear, Pattern: b.ref.Info.Pattern})
		for _, it := range b.items {
			b.teardown(it)
		}
	} else {
		for _, it := range b.items {
			b.sink.Emit(RenderOp{
				Kind:    OpUnmount,
				Pattern: b.item.Pattern,
				Indexes: it.pos.Indexes(),
				Item:    it.id,
			})
			b.teardown(it)
		}
	}
	b.replaceItems(nil)
	return nil
}

// applyPartialRemove unmounts exactly the dropped positions; survivors
// keep their relative order.
func (b *ListBinding) applyPartialRemove(newNodes []*listpos.Node) error {
	newSet := make(map[*listpos.Node]struct{}, len(newNodes))
	for _, n := range newNodes {
		newSet[n] = struct{}{}
	}
	for _, it := range b.items {
		if _, ok := newSet[it.pos]; ok {
			continue
		}
		b.sink.Emit(RenderOp{
			Kind:    OpUnmount,
			Pattern: b.item.Pattern,
			Indexes: it.pos.Indexes(),
			Item:    it.id,
		})
		b.teardown(it)
	}

	items := make([]*Item, len(newNodes))
	for j, n := range newNodes {
		it, ok := b.byNode[n]
		if !ok {
			return b.missingItem(n)
		}
		items[j] = it
	}
	b.replaceItems(items)
	return nil
}

// applyAdditions rebuilds the ordered sequence in a single O(n) pass:
// dropped positions are unmounted, survivors are reused and re-mounted
// only when their following-sibling chain broke, new positions get
// allocated items at their slot.
func (b *ListBinding) applyAdditions(rd *Renderer, newNodes []*listpos.Node, oldIndex map[*listpos.Node]int) error {
	newSet := make(map[*listpos.Node]struct{}, len(newNodes))
	for _, n := range newNodes {
		newSet[n] = struct{}{}
	}
	for _, it := range b.items {
		if _, ok := newSet[it.pos]; ok {
			continue
		}
		b.sink.Emit(RenderOp{
			Kind:    OpUnmount,
			Pattern: b.item.Pattern,
			Indexes: it.pos.Indexes(),
			Item:    it.id,
		})
		b.teardown(it)
	}

	items := make([]*Item, len(newNodes))
	maxOld := -1
	for j, n := range newNodes {
		if oi, ok := oldIndex[n]; ok {
			it, found := b.byNode[n]
			if !found {
				return b.missingItem(n)
			}
			items[j] = it
			// Survivors arriving out of old order lost their
			// following sibling and must be re-mounted at the slot.
			if oi < maxOld {
				b.sink.Emit(RenderOp{
					Kind:    OpMove,
					Pattern: b.item.Pattern,
					Indexes: n.Indexes(),
					From:    oi,
					To:      j,
					Item:    it.id,
				})
			} else {
				maxOld = oi
			}
			continue
		}
		items[j] = b.allocate(rd, n)
		b.sink.Emit(RenderOp{
			Kind:    OpMount,
			Pattern: b.item.Pattern,
			Indexes: n.Indexes(),
			To:      j,
			Item:    items[j].id,
		})
	}
	b.replaceItems(items)
	return nil
}

// applyReorder moves existing item state to new slots, no allocation.
func (b *ListBinding) applyReorder(newNodes []*listpos.Node, oldIndex map[*listpos.Node]int) error {
	items := make([]*Item, len(newNodes))
	for j, n := range newNodes {
		it, ok := b.byNode[n]
		if !ok {
			return b.missingItem(n)
		}
		items[j] = it
		if oi := oldIndex[n]; oi != j {
			b.sink.Emit(RenderOp{
				Kind:    OpMove,
				Pattern: b.item.Pattern,
				Indexes: n.Indexes(),
				From:    oi,
				To:      j,
				Item:    it.id,
			})
		}
	}
	b.replaceItems(items)
	return nil
}

// applyOverwrite re-renders items whose value changed at an unchanged
// position, keeping their existing state. Also the vacuous no-change
// case, where it emits nothing.
func (b *ListBinding) applyOverwrite(newNodes []*listpos.Node) error {
	items := make([]*Item, len(newNodes))
	for j, n := range newNodes {
		if it, ok := b.byNode[n]; ok {
			items[j] = it
			continue
		}
		if j >= len(b.items) || b.items[j] == nil {
			return b.missingItem(n)
		}
		it := b.items[j]
		b.acc.Cache().DropPosition(it.pos)
		it.pos = n
		items[j] = it
		b.sink.Emit(RenderOp{
			Kind:    OpRedraw,
			Pattern: b.item.Pattern,
			Indexes: n.Indexes(),
			Item:    it.id,
		})
	}
	b.replaceItems(items)
	return nil
}

// allocate takes an item from the pool, falling back to a fresh one.
func (b *ListBinding) allocate(rd *Renderer, n *listpos.Node) *Item {
	reused := b.pool.size() > 0
	it := b.pool.get()
	it.pos = n
	rd.observeAllocation(reused)
	return it
}

// teardown drops the position's interned references and pools the item.
func (b *ListBinding) teardown(it *Item) {
	if it.pos != nil {
		b.acc.Cache().DropPosition(it.pos)
	}
	b.pool.put(it)
}

// replaceItems swaps in the new order and rebuilds the node index.
func (b *ListBinding) replaceItems(items []*Item) {
	b.items = items
	b.byNode = make(map[*listpos.Node]*Item, len(items))
	for _, it := range items {
		b.byNode[it.pos] = it
	}
}

func (b *ListBinding) missingItem(n *listpos.Node) error {
	return ErrMissingItemState.
		With("op", "reconcile").
		With("pattern", b.ref.Info.Pattern).
		With("indexes", n.Indexes())
}
