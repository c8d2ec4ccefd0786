// Package depgraph tracks every path a bound view has touched and the
// dynamic dependency edges between derived paths and their sources.
//
// Registrations are append-only and accumulate for the lifetime of one
// bound view instance; there is no eviction. All operations are
// idempotent and safe for concurrent use: insertion never drops edges
// observed by a read in progress.
package depgraph

import (
	"sort"
	"strings"
	"sync"
)

// Manager is the registry of paths and dependency edges.
type Manager struct {
	mu sync.RWMutex

	all     map[string]struct{}
	lists   map[string]struct{}
	getters map[string]struct{}

	// forward maps derived pattern -> set of source patterns.
	forward map[string]map[string]struct{}
	// reverse maps source pattern -> set of derived patterns, kept in
	// lockstep with forward so propagation needs no scan.
	reverse map[string]map[string]struct{}

	root *trieNode
}

// trieNode is one segment of the registered-path prefix tree.
type trieNode struct {
	children map[string]*trieNode
	terminal bool
	pattern  string
}

// New creates an empty manager.
func New() *Manager {
	return &Manager{
		all:     make(map[string]struct{}),
		lists:   make(map[string]struct{}),
		getters: make(map[string]struct{}),
		forward: make(map[string]map[string]struct{}),
		reverse: make(map[string]map[string]struct{}),
		root:    &trieNode{children: make(map[string]*trieNode)},
	}
}

// RegisterPath records a touched path. isList marks patterns known to
// denote collections. Idempotent; a later isList=true upgrade sticks.
func (m *Manager) RegisterPath(pattern string, isList bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.all[pattern]; !ok {
		m.all[pattern] = struct{}{}
		m.insertTrie(pattern)
	}
	if isList {
		m.lists[pattern] = struct{}{}
	}
}

// RegisterGetter records a derived, read-only path.
func (m *Manager) RegisterGetter(pattern string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getters[pattern] = struct{}{}
	if _, ok := m.all[pattern]; !ok {
		m.all[pattern] = struct{}{}
		m.insertTrie(pattern)
	}
}

// Has reports whether the pattern has ever been registered.
func (m *Manager) Has(pattern string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.all[pattern]
	return ok
}

// IsList reports whether the pattern denotes a collection.
func (m *Manager) IsList(pattern string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.lists[pattern]
	return ok
}

// IsGetter reports whether the pattern is derived-only.
func (m *Manager) IsGetter(pattern string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.getters[pattern]
	return ok
}

// AddDynamicDependency records that the derived pattern read the source
// pattern during its evaluation. Duplicate edges are ignored.
func (m *Manager) AddDynamicDependency(derived, source string) {
	if derived == source {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	fwd, ok := m.forward[derived]
	if !ok {
		fwd = make(map[string]struct{})
		m.forward[derived] = fwd
	}
	if _, dup := fwd[source]; dup {
		return
	}
	fwd[source] = struct{}{}

	rev, ok := m.reverse[source]
	if !ok {
		rev = make(map[string]struct{})
		m.reverse[source] = rev
	}
	rev[derived] = struct{}{}
}

// SourcesOf returns the source patterns the derived pattern depends on.
func (m *Manager) SourcesOf(derived string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.forward[derived])
}

// DependentsOf returns the derived patterns whose dependency set
// includes the source pattern.
func (m *Manager) DependentsOf(source string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.reverse[source])
}

// TransitiveDependentsOf walks the reverse edges to a fixed point and
// returns every derived pattern affected by a write to source.
func (m *Manager) TransitiveDependentsOf(source string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	queue := []string{source}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for dep := range m.reverse[cur] {
			if _, ok := seen[dep]; ok {
				continue
			}
			seen[dep] = struct{}{}
			queue = append(queue, dep)
		}
	}
	return sortedKeys(seen)
}

// NestedUnder returns every registered pattern that is a structural
// descendant of the given pattern (excluding the pattern itself),
// answered from the prefix tree without a linear scan.
func (m *Manager) NestedUnder(pattern string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	node := m.root
	for _, seg := range strings.Split(pattern, ".") {
		child, ok := node.children[seg]
		if !ok {
			return nil
		}
		node = child
	}

	var out []string
	var walk func(n *trieNode)
	walk = func(n *trieNode) {
		for _, child := range n.children {
			if child.terminal {
				out = append(out, child.pattern)
			}
			walk(child)
		}
	}
	walk(node)
	sort.Strings(out)
	return out
}

// insertTrie adds a pattern to the prefix tree. Caller holds the lock.
func (m *Manager) insertTrie(pattern string) {
	node := m.root
	for _, seg := range strings.Split(pattern, ".") {
		child, ok := node.children[seg]
		if !ok {
			child = &trieNode{children: make(map[string]*trieNode)}
			node.children[seg] = child
		}
		node = child
	}
	node.terminal = true
	node.pattern = pattern
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
