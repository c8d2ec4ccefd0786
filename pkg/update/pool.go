package update

import (
	"sync/atomic"

	"github.com/vango-go/bindery/pkg/listpos"
)

var itemIDCounter uint64

// Item is the per-position view state a list binding allocates for each
// element. Items released by removal go back to the pool and are the
// first choice for the next allocation, so transient per-item state
// survives churn across successive cycles wherever possible.
type Item struct {
	id  uint64
	pos *listpos.Node
}

// ID returns the item's stable identity, unchanged across pooling.
func (it *Item) ID() uint64 {
	return it.id
}

// Position returns the list position the item is currently bound to,
// or nil while pooled.
func (it *Item) Position() *listpos.Node {
	return it.pos
}

// itemPool is an index-addressed free list with LIFO reuse order:
// the most recently released item is the first reused. Push and pop are
// amortized O(1).
type itemPool struct {
	free []*Item
}

// get returns a pooled item or allocates a fresh one.
func (p *itemPool) get() *Item {
	if n := len(p.free); n > 0 {
		it := p.free[n-1]
		p.free = p.free[:n-1]
		return it
	}
	return &Item{id: atomic.AddUint64(&itemIDCounter, 1)}
}

// put releases an item back to the free list.
func (p *itemPool) put(it *Item) {
	it.pos = nil
	p.free = append(p.free, it)
}

// size returns the number of pooled items.
func (p *itemPool) size() int {
	return len(p.free)
}
