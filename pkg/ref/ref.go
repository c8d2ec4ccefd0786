// Package ref interns property references: pairings of an interned path
// descriptor with an optional list position node.
//
// Binding code relies on reference identity for its own secondary
// caching ("has this exact reference been rendered this cycle"), so
// equal (position, pattern) pairs must always yield the identical *Ref.
//
// The cache does not own position nodes. Ownership stays with the
// binding layer, which signals teardown explicitly through DropPosition;
// that is the eviction event. Dereferencing a reference's position after
// the drop is a programming error and reported as such, never a nil.
package ref

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/vango-go/bindery/internal/errs"
	"github.com/vango-go/bindery/pkg/listpos"
	"github.com/vango-go/bindery/pkg/statepath"
)

// ErrStalePosition is returned by Ref.ListIndex after the position node
// has been dropped from the cache. This is an invariant violation: the
// reference outlived the item it pointed into.
var ErrStalePosition = errs.New("B101", errs.CategoryInvariant, "list position dereferenced after drop")

// Ref pairs one path descriptor with one optional list position.
// Instances are interned; compare them with ==.
type Ref struct {
	// Info is the interned path descriptor.
	Info *statepath.Info

	// Key is the stable cache key, composed from the path ID and, if
	// present, the position node ID.
	Key string

	pos   *listpos.Node
	stale atomic.Bool
}

// HasPosition reports whether the reference carries a list position.
func (r *Ref) HasPosition() bool {
	return r.pos != nil
}

// ListIndex returns the reference's position node. It returns
// ErrStalePosition once the owning binding has dropped the position;
// a reference without a position returns (nil, nil).
func (r *Ref) ListIndex() (*listpos.Node, error) {
	if r.pos == nil {
		return nil, nil
	}
	if r.stale.Load() {
		return nil, ErrStalePosition.
			With("op", "listIndex").
			With("pattern", r.Info.Pattern).
			With("key", r.Key)
	}
	return r.pos, nil
}

// Cache interns references with two-level keying: outer key the position
// node (a shared sentinel for "no position"), inner key the pattern.
type Cache struct {
	mu    sync.Mutex
	byPos map[*listpos.Node]map[string]*Ref
	// noPos holds references without a position, keyed by pattern.
	noPos map[string]*Ref
}

// NewCache creates an empty reference cache.
func NewCache() *Cache {
	return &Cache{
		byPos: make(map[*listpos.Node]map[string]*Ref),
		noPos: make(map[string]*Ref),
	}
}

// GetRef returns the interned reference for (info, pos), creating it on
// first request. Equal arguments always return the identical *Ref.
func (c *Cache) GetRef(info *statepath.Info, pos *listpos.Node) *Ref {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pos == nil {
		if r, ok := c.noPos[info.Pattern]; ok {
			return r
		}
		r := &Ref{
			Info: info,
			Key:  strconv.FormatUint(info.ID(), 10),
		}
		c.noPos[info.Pattern] = r
		return r
	}

	inner, ok := c.byPos[pos]
	if !ok {
		inner = make(map[string]*Ref)
		c.byPos[pos] = inner
	}
	if r, ok := inner[info.Pattern]; ok {
		return r
	}
	r := &Ref{
		Info: info,
		Key:  strconv.FormatUint(info.ID(), 10) + "@" + strconv.FormatUint(pos.ID(), 10),
		pos:  pos,
	}
	inner[info.Pattern] = r
	return r
}

// DropPosition evicts every reference interned under pos and marks the
// outstanding ones stale. The binding layer calls this when it tears
// down the item the position belongs to.
func (c *Cache) DropPosition(pos *listpos.Node) {
	if pos == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	inner, ok := c.byPos[pos]
	if !ok {
		return
	}
	for _, r := range inner {
		r.stale.Store(true)
	}
	delete(c.byPos, pos)
}

// Len returns the total number of interned references.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.noPos)
	for _, inner := range c.byPos {
		n += len(inner)
	}
	return n
}
