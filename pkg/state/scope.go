package state

import (
	"github.com/vango-go/bindery/internal/errs"
	"github.com/vango-go/bindery/pkg/listpos"
	"github.com/vango-go/bindery/pkg/ref"
)

// maxReadDepth bounds the read-stack. Exceeding it means runaway getter
// recursion, which is an invariant violation rather than a user error.
const maxReadDepth = 256

// ErrReadStackOverflow is returned when getter evaluation nests deeper
// than maxReadDepth, which indicates a dependency cycle.
var ErrReadStackOverflow = errs.New("B106", errs.CategoryInvariant, "read-stack depth limit exceeded")

// Scope carries the ambient evaluation state for one flow of control:
// the stack of references currently being read and the stack of active
// loop positions. It replaces the implicit global stacks of classic
// reactive runtimes with an explicitly threaded value; create one per
// update cycle or per render pass and pass it down every call.
//
// A Scope is not safe for concurrent use.
type Scope struct {
	refStack []*ref.Ref
	loop     []*listpos.Node
}

// NewScope returns an empty evaluation scope.
func NewScope() *Scope {
	return &Scope{}
}

// CurrentRef returns the reference currently being evaluated, or nil.
func (sc *Scope) CurrentRef() *ref.Ref {
	if len(sc.refStack) == 0 {
		return nil
	}
	return sc.refStack[len(sc.refStack)-1]
}

// ActiveLoop returns the innermost active loop position, or nil.
func (sc *Scope) ActiveLoop() *listpos.Node {
	if len(sc.loop) == 0 {
		return nil
	}
	return sc.loop[len(sc.loop)-1]
}

// pushRef enters a reference evaluation frame.
func (sc *Scope) pushRef(r *ref.Ref) error {
	if len(sc.refStack) >= maxReadDepth {
		return ErrReadStackOverflow.
			With("op", "pushRef").
			With("pattern", r.Info.Pattern).
			With("depth", len(sc.refStack))
	}
	sc.refStack = append(sc.refStack, r)
	return nil
}

// popRef leaves the current evaluation frame. Paired with pushRef via
// defer so frames unwind on error paths too.
func (sc *Scope) popRef() {
	sc.refStack = sc.refStack[:len(sc.refStack)-1]
}

// pushLoop activates a loop position for contextual path resolution.
func (sc *Scope) pushLoop(pos *listpos.Node) {
	sc.loop = append(sc.loop, pos)
}

// popLoop deactivates the innermost loop position.
func (sc *Scope) popLoop() {
	sc.loop = sc.loop[:len(sc.loop)-1]
}
