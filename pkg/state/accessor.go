// Package state implements the dependency-tracking accessor: the layer
// through which every read and write of reactive application state
// passes.
//
// Reads resolve a textual property name to an interned path and list
// position, form a property reference, and fetch the value, evaluating
// registered getter properties with their reference pushed onto the
// scope's read-stack so that reads performed inside the getter body are
// attributed to it as dynamic dependencies. Writes resolve the same way,
// apply the value to the state tree, and enqueue the affected reference
// on the pending-update sink.
package state

import (
	"log/slog"
	"sync"

	"github.com/vango-go/bindery/internal/errs"
	"github.com/vango-go/bindery/pkg/depgraph"
	"github.com/vango-go/bindery/pkg/listpos"
	"github.com/vango-go/bindery/pkg/ref"
	"github.com/vango-go/bindery/pkg/statepath"
)

// Errors reported by the accessor.
var (
	// ErrLoopContextNoFrame is returned when a loop context is entered
	// while no reference is being evaluated. Correct binding code never
	// triggers this.
	ErrLoopContextNoFrame = errs.New("B103", errs.CategoryInvariant, "loop context entered with empty read-stack")

	// ErrGetterOnly is returned when writing a derived, read-only path.
	ErrGetterOnly = errs.New("B104", errs.CategoryUserData, "cannot assign to a derived path")

	// ErrNoLoopPosition is returned when a wildcard path is resolved
	// contextually but no loop position of the required depth is active.
	ErrNoLoopPosition = errs.New("B105", errs.CategoryInvariant, "no active loop position for wildcard path")

	// ErrBadContainer is returned when a path walks into a value that is
	// neither a map nor a collection.
	ErrBadContainer = errs.New("B202", errs.CategoryUserData, "path walks into a non-container value")

	// ErrIndexOutOfRange is returned when an explicit or loop index falls
	// outside the collection.
	ErrIndexOutOfRange = errs.New("B203", errs.CategoryUserData, "list index out of range")

	// ErrNotCollection is returned when a collection-typed path holds a
	// value that is not a collection.
	ErrNotCollection = errs.New("B204", errs.CategoryUserData, "value is not a collection")
)

// Sink receives references enqueued by writes. The update scheduler
// installs itself here.
type Sink interface {
	Enqueue(r *ref.Ref)
}

// Getter computes a derived, read-only property. Reads it performs
// through the accessor are recorded as its dependencies.
type Getter func(sc *Scope, a *Accessor) (any, error)

// Accessor mediates all access to one reactive state tree.
type Accessor struct {
	mu   sync.Mutex
	root map[string]any

	getters map[string]Getter
	deps    *depgraph.Manager
	cache   *ref.Cache
	sink    Sink
	logger  *slog.Logger

	// listNodes and listValues track, per collection reference, the
	// position nodes handed out and the values they were diffed against.
	listNodes  map[string][]*listpos.Node
	listValues map[string][]any
}

// Option configures an Accessor.
type Option func(*Accessor)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Accessor) {
		a.logger = l
	}
}

// WithInitial seeds the state tree with parsed key/value pairs, e.g.
// from a snapshot store.
func WithInitial(values map[string]any) Option {
	return func(a *Accessor) {
		for k, v := range values {
			a.root[k] = v
		}
	}
}

// New creates an accessor over an empty state tree.
func New(opts ...Option) *Accessor {
	a := &Accessor{
		root:       make(map[string]any),
		getters:    make(map[string]Getter),
		deps:       depgraph.New(),
		cache:      ref.NewCache(),
		listNodes:  make(map[string][]*listpos.Node),
		listValues: make(map[string][]any),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// Manager exposes the path/dependency registry.
func (a *Accessor) Manager() *depgraph.Manager {
	return a.deps
}

// Cache exposes the property reference cache.
func (a *Accessor) Cache() *ref.Cache {
	return a.cache
}

// SetSink installs the pending-update sink. The scheduler owns this.
func (a *Accessor) SetSink(s Sink) {
	a.sink = s
}

// RegisterGetter registers a derived, read-only property. Its
// dependencies are discovered lazily the first time it is evaluated.
func (a *Accessor) RegisterGetter(pattern string, fn Getter) error {
	if _, err := statepath.Resolve(pattern); err != nil {
		return err
	}
	a.mu.Lock()
	a.getters[pattern] = fn
	a.mu.Unlock()
	a.deps.RegisterGetter(pattern)
	return nil
}

// Snapshot returns a deep copy of the plain data tree. Derived values
// are not materialized.
func (a *Accessor) Snapshot() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return copyTree(a.root)
}

// Restore replaces the data tree wholesale. Interned references and
// registered getters are unaffected; callers normally follow up with a
// full render to bring bindings in line with the restored values.
func (a *Accessor) Restore(values map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.root = copyTree(values)
	a.listNodes = make(map[string][]*listpos.Node)
	a.listValues = make(map[string][]any)
}

func copyTree(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyTree(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}

// RegisterList marks a pattern as denoting a collection.
func (a *Accessor) RegisterList(pattern string) error {
	if _, err := statepath.Resolve(pattern); err != nil {
		return err
	}
	a.deps.RegisterPath(pattern, true)
	return nil
}

// Get resolves a textual property name and returns its value, recording
// a dependency edge when called from inside a getter body.
func (a *Accessor) Get(sc *Scope, name string) (any, error) {
	nm, err := statepath.ParseName(name)
	if err != nil {
		return nil, err
	}
	pos, err := a.resolvePosition(sc, nm)
	if err != nil {
		return nil, err
	}
	return a.getByRef(sc, a.cache.GetRef(nm.Info, pos))
}

// Set resolves a textual property name, applies the value, and enqueues
// the affected reference for update.
func (a *Accessor) Set(sc *Scope, name string, value any) error {
	nm, err := statepath.ParseName(name)
	if err != nil {
		return err
	}
	pos, err := a.resolvePosition(sc, nm)
	if err != nil {
		return err
	}
	return a.setByRef(sc, a.cache.GetRef(nm.Info, pos), value)
}

// GetByRef is the by-reference read intrinsic used by the binding layer.
func (a *Accessor) GetByRef(sc *Scope, r *ref.Ref) (any, error) {
	return a.getByRef(sc, r)
}

// SetByRef is the by-reference write intrinsic used by the binding layer.
func (a *Accessor) SetByRef(sc *Scope, r *ref.Ref, value any) error {
	return a.setByRef(sc, r, value)
}

// WithLoopPosition runs fn with pos as the active loop position, so
// wildcard paths read inside fn resolve against it. The position is
// restored on every exit path. Entering a loop context with no reference
// under evaluation is an invariant violation.
func (a *Accessor) WithLoopPosition(sc *Scope, pos *listpos.Node, fn func() error) error {
	if sc.CurrentRef() == nil {
		return ErrLoopContextNoFrame.With("op", "withLoopPosition")
	}
	sc.pushLoop(pos)
	defer sc.popLoop()
	return fn()
}

// ListPositionsByRef returns the identity-stable position nodes for a
// collection reference, diffing the current collection value against the
// previously observed one so unchanged items keep their nodes.
func (a *Accessor) ListPositionsByRef(sc *Scope, r *ref.Ref) ([]*listpos.Node, error) {
	return a.listPositions(r)
}

// NotifyMount is the lifecycle entry point called when a binding
// attaches a reference to the view.
func (a *Accessor) NotifyMount(r *ref.Ref) {
	a.logger.Debug("binding mounted", "pattern", r.Info.Pattern, "key", r.Key)
}

// NotifyUnmount is the lifecycle entry point called when a binding
// detaches. It drops the reference's position from the cache, which is
// the explicit eviction event for interned references under it.
func (a *Accessor) NotifyUnmount(r *ref.Ref) {
	a.logger.Debug("binding unmounted", "pattern", r.Info.Pattern, "key", r.Key)
	pos, err := r.ListIndex()
	if err != nil || pos == nil {
		return
	}
	a.cache.DropPosition(pos)
}

// getByRef records the read for dependency tracking and fetches or
// computes the value.
func (a *Accessor) getByRef(sc *Scope, r *ref.Ref) (any, error) {
	a.recordRead(sc, r)
	a.deps.RegisterPath(r.Info.Pattern, false)

	a.mu.Lock()
	getter, isGetter := a.getters[r.Info.Pattern]
	a.mu.Unlock()

	if !isGetter {
		return a.rawValue(r)
	}

	if err := sc.pushRef(r); err != nil {
		return nil, err
	}
	defer sc.popRef()

	// A positioned getter evaluates with its own position active, so
	// wildcard reads inside the body resolve against the same item.
	if pos, err := r.ListIndex(); err != nil {
		return nil, err
	} else if pos != nil {
		sc.pushLoop(pos)
		defer sc.popLoop()
	}

	return getter(sc, a)
}

// setByRef applies a write and enqueues the reference.
func (a *Accessor) setByRef(sc *Scope, r *ref.Ref, value any) error {
	pattern := r.Info.Pattern
	if a.deps.IsGetter(pattern) {
		return ErrGetterOnly.With("op", "set").With("pattern", pattern)
	}

	pos, err := r.ListIndex()
	if err != nil {
		return err
	}
	var idx []int
	if pos != nil {
		idx = pos.Indexes()
	}

	a.mu.Lock()
	err = setTree(a.root, r.Info, idx, value)
	a.mu.Unlock()
	if err != nil {
		return err
	}

	a.deps.RegisterPath(pattern, false)
	if a.sink != nil {
		a.sink.Enqueue(r)
	}
	return nil
}

// recordRead attributes this read to the getter currently on top of the
// read-stack, if any.
func (a *Accessor) recordRead(sc *Scope, r *ref.Ref) {
	top := sc.CurrentRef()
	if top == nil || top == r {
		return
	}
	if !a.deps.IsGetter(top.Info.Pattern) {
		return
	}
	if top.Info.Pattern == r.Info.Pattern {
		return
	}
	a.deps.AddDynamicDependency(top.Info.Pattern, r.Info.Pattern)
}

// resolvePosition determines the list position for a parsed name:
// explicit indexes build the node chain level by level; otherwise the
// active loop position is used, trimmed to the path's wildcard depth.
func (a *Accessor) resolvePosition(sc *Scope, nm statepath.Name) (*listpos.Node, error) {
	wc := nm.Info.WildcardCount
	if wc == 0 {
		return nil, nil
	}

	if nm.Explicit() {
		var pos *listpos.Node
		for k, wp := range nm.Info.WildcardParents {
			i, err := a.indexValue(sc, nm.Indexes[k])
			if err != nil {
				return nil, err
			}
			nodes, err := a.listPositions(a.cache.GetRef(wp, pos))
			if err != nil {
				return nil, err
			}
			if i < 0 || i >= len(nodes) {
				return nil, ErrIndexOutOfRange.
					With("op", "resolvePosition").
					With("pattern", nm.Info.Pattern).
					With("index", i).
					With("len", len(nodes))
			}
			pos = nodes[i]
		}
		return pos, nil
	}

	ap := sc.ActiveLoop()
	for ap != nil && ap.Depth()+1 > wc {
		ap = ap.Parent()
	}
	if ap == nil || ap.Depth()+1 != wc {
		return nil, ErrNoLoopPosition.
			With("op", "resolvePosition").
			With("pattern", nm.Info.Pattern).
			With("wildcards", wc)
	}
	return ap, nil
}

// indexValue resolves one IndexRef, reading index-name references from
// the active loop position.
func (a *Accessor) indexValue(sc *Scope, ir statepath.IndexRef) (int, error) {
	if ir.FromLoop == 0 {
		return ir.Explicit, nil
	}
	ap := sc.ActiveLoop()
	if ap == nil {
		return 0, ErrNoLoopPosition.With("op", "indexValue").With("loopDepth", ir.FromLoop)
	}
	idx := ap.Indexes()
	if ir.FromLoop > len(idx) {
		return 0, ErrNoLoopPosition.
			With("op", "indexValue").
			With("loopDepth", ir.FromLoop).
			With("available", len(idx))
	}
	return idx[ir.FromLoop-1], nil
}

// listPositions maintains the node array for one collection reference.
func (a *Accessor) listPositions(r *ref.Ref) ([]*listpos.Node, error) {
	raw, err := a.rawValue(r)
	if err != nil {
		return nil, err
	}
	var list []any
	switch v := raw.(type) {
	case nil:
		list = nil
	case []any:
		list = v
	default:
		return nil, ErrNotCollection.
			With("op", "listPositions").
			With("pattern", r.Info.Pattern)
	}

	parent, err := r.ListIndex()
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	oldVals := a.listValues[r.Key]
	oldNodes := a.listNodes[r.Key]
	newNodes, err := listpos.DiffValues(parent, oldVals, list, oldNodes)
	if err != nil {
		return nil, err
	}
	a.listValues[r.Key] = append([]any(nil), list...)
	a.listNodes[r.Key] = newNodes

	a.deps.RegisterPath(r.Info.Pattern, true)
	return newNodes, nil
}

// rawValue walks the state tree for a non-getter reference.
func (a *Accessor) rawValue(r *ref.Ref) (any, error) {
	pos, err := r.ListIndex()
	if err != nil {
		return nil, err
	}
	var idx []int
	if pos != nil {
		idx = pos.Indexes()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return walkTree(a.root, r.Info, idx)
}

// walkTree navigates segments, consuming one index per wildcard.
// A missing map key yields nil without error; walking into a value of
// the wrong shape is a user-data error.
func walkTree(root map[string]any, info *statepath.Info, idx []int) (any, error) {
	var cur any = root
	wc := 0
	for _, seg := range info.Segments {
		if cur == nil {
			return nil, nil
		}
		if seg == statepath.Wildcard {
			list, ok := cur.([]any)
			if !ok {
				return nil, ErrNotCollection.
					With("op", "get").
					With("pattern", info.Pattern)
			}
			if wc >= len(idx) {
				return nil, ErrNoLoopPosition.
					With("op", "get").
					With("pattern", info.Pattern)
			}
			i := idx[wc]
			if i < 0 || i >= len(list) {
				return nil, ErrIndexOutOfRange.
					With("op", "get").
					With("pattern", info.Pattern).
					With("index", i).
					With("len", len(list))
			}
			cur = list[i]
			wc++
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, ErrBadContainer.
				With("op", "get").
				With("pattern", info.Pattern).
				With("segment", seg)
		}
		cur = m[seg]
	}
	return cur, nil
}

// setTree writes a value at the path, creating intermediate maps for
// plain segments. Collections are never created implicitly.
func setTree(root map[string]any, info *statepath.Info, idx []int, value any) error {
	var cur any = root
	wc := 0
	last := len(info.Segments) - 1

	for k, seg := range info.Segments {
		if seg == statepath.Wildcard {
			list, ok := cur.([]any)
			if !ok {
				return ErrNotCollection.
					With("op", "set").
					With("pattern", info.Pattern)
			}
			if wc >= len(idx) {
				return ErrNoLoopPosition.
					With("op", "set").
					With("pattern", info.Pattern)
			}
			i := idx[wc]
			if i < 0 || i >= len(list) {
				return ErrIndexOutOfRange.
					With("op", "set").
					With("pattern", info.Pattern).
					With("index", i).
					With("len", len(list))
			}
			if k == last {
				list[i] = value
				return nil
			}
			cur = list[i]
			wc++
			continue
		}

		m, ok := cur.(map[string]any)
		if !ok {
			return ErrBadContainer.
				With("op", "set").
				With("pattern", info.Pattern).
				With("segment", seg)
		}
		if k == last {
			m[seg] = value
			return nil
		}
		next, exists := m[seg]
		if !exists || next == nil {
			child := make(map[string]any)
			m[seg] = child
			cur = child
			continue
		}
		cur = next
	}
	return nil
}
