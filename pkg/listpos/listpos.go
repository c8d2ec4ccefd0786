// Package listpos provides identity-stable position nodes for elements
// of (possibly nested) collections.
//
// A Node represents "the i-th element of the j-th nested collection of
// the k-th outer collection". When a collection is reordered the
// surviving element keeps its Node and only the index is renumbered, so
// any state attached to the node survives list shuffles.
package listpos

import (
	"reflect"
	"sync/atomic"

	"github.com/vango-go/bindery/internal/errs"
)

// ErrNodeCountMismatch is returned by DiffValues when the old values and
// old nodes disagree in length, which indicates a bookkeeping bug in the
// caller.
var ErrNodeCountMismatch = errs.New("B302", errs.CategoryConsistency, "old values and old position nodes differ in length")

var idCounter uint64

// Node is one element's position within a nested collection. Only the
// reconciliation path mutates the index; everything else treats a Node
// as read-only.
type Node struct {
	id     uint64
	parent *Node
	depth  int

	index   int
	version uint32

	cached        []int
	cachedVersion uint64
}

// New creates a position node under parent (nil for an outermost
// collection) at the given index.
func New(parent *Node, index int) *Node {
	depth := 0
	if parent != nil {
		depth = parent.depth + 1
	}
	return &Node{
		id:     atomic.AddUint64(&idCounter, 1),
		parent: parent,
		depth:  depth,
		index:  index,
	}
}

// ID returns the stable numeric identity of this node. It never changes,
// even when the index is renumbered.
func (n *Node) ID() uint64 {
	return n.id
}

// Parent returns the enclosing collection's position, or nil.
func (n *Node) Parent() *Node {
	return n.parent
}

// Depth returns the nesting depth, 0 for an outermost collection element.
func (n *Node) Depth() int {
	return n.depth
}

// Index returns the node's current position in its collection.
func (n *Node) Index() int {
	return n.index
}

// SetIndex renumbers the node in place. Only the reconciler calls this;
// the node's identity is unaffected.
func (n *Node) SetIndex(index int) {
	if n.index == index {
		return
	}
	n.index = index
	n.version++
}

// At walks from the root toward this node and returns the ancestor at
// the requested depth (0 = outermost). Returns nil when depth exceeds
// this node's own depth.
func (n *Node) At(depth int) *Node {
	if depth < 0 || depth > n.depth {
		return nil
	}
	cur := n
	for cur.depth > depth {
		cur = cur.parent
	}
	return cur
}

// Indexes returns the index path from the outermost collection down to
// this node. The slice is cached lazily and rebuilt when this node or
// any ancestor is renumbered. Callers must not mutate the result.
func (n *Node) Indexes() []int {
	sum := n.versionSum()
	if n.cached != nil && n.cachedVersion == sum {
		return n.cached
	}
	idx := make([]int, n.depth+1)
	for cur := n; cur != nil; cur = cur.parent {
		idx[cur.depth] = cur.index
	}
	n.cached = idx
	n.cachedVersion = sum
	return idx
}

// versionSum folds the version counters of this node and its ancestors
// into a cache validity stamp.
func (n *Node) versionSum() uint64 {
	var sum uint64
	for cur := n; cur != nil; cur = cur.parent {
		sum = sum<<7 | sum>>57
		sum += uint64(cur.version) + 1
	}
	return sum
}

// DiffValues maps an old collection to a new one while preserving node
// identity. Values present in both keep their existing node, renumbered
// to the new position; values that newly appeared get fresh nodes under
// parent; nodes whose value disappeared are dropped.
//
// When a value occurs more than once in the old collection, the node at
// the highest original index owns it (last-seen-wins). Each surviving
// node is consumed at most once, so duplicates in the new collection
// beyond the available survivors get fresh nodes.
//
// Values are matched with == when comparable and reflect.DeepEqual
// otherwise. Behavior for values whose identity changes mid-diff is
// undefined.
func DiffValues(parent *Node, oldValues, newValues []any, oldNodes []*Node) ([]*Node, error) {
	if len(oldValues) != len(oldNodes) {
		return nil, ErrNodeCountMismatch.
			With("op", "diffValues").
			With("values", len(oldValues)).
			With("nodes", len(oldNodes))
	}

	type slot struct {
		node *Node
		used bool
	}
	// Last-seen-wins: later occurrences overwrite earlier ones.
	byValue := make(map[any]*slot, len(oldValues))
	var fallback []*slot // non-comparable old values, scanned linearly
	var fallbackVals []any
	for i, v := range oldValues {
		s := &slot{node: oldNodes[i]}
		if isComparable(v) {
			byValue[v] = s
		} else {
			fallback = append(fallback, s)
			fallbackVals = append(fallbackVals, v)
		}
	}

	result := make([]*Node, len(newValues))
	for j, v := range newValues {
		var s *slot
		if isComparable(v) {
			if cand, ok := byValue[v]; ok && !cand.used {
				s = cand
			}
		} else {
			// Scan from the end so duplicates keep last-seen-wins.
			for k := len(fallback) - 1; k >= 0; k-- {
				if !fallback[k].used && reflect.DeepEqual(fallbackVals[k], v) {
					s = fallback[k]
					break
				}
			}
		}
		if s != nil {
			s.used = true
			s.node.SetIndex(j)
			result[j] = s.node
		} else {
			result[j] = New(parent, j)
		}
	}
	return result, nil
}

// isComparable reports whether v can be used as a map key.
func isComparable(v any) bool {
	if v == nil {
		return true
	}
	return reflect.TypeOf(v).Comparable()
}
