package update

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/vango-go/bindery/pkg/ref"
	"github.com/vango-go/bindery/pkg/state"
	"github.com/vango-go/bindery/pkg/statepath"
)

// recordingOps captures emitted operations with flush boundaries.
type recordingOps struct {
	ops     []RenderOp
	cycles  []uint64
	perCyc  [][]RenderOp
	current []RenderOp
}

func (s *recordingOps) Emit(op RenderOp) {
	s.ops = append(s.ops, op)
	s.current = append(s.current, op)
}

func (s *recordingOps) Flush(cycle uint64) {
	s.cycles = append(s.cycles, cycle)
	s.perCyc = append(s.perCyc, s.current)
	s.current = nil
}

func (s *recordingOps) opsOfKind(kind OpKind) []RenderOp {
	var out []RenderOp
	for _, op := range s.ops {
		if op.Kind == kind {
			out = append(out, op)
		}
	}
	return out
}

func newUpdaterForTest() (*state.Accessor, *Updater, *recordingOps) {
	acc := state.New(WithInitialState())
	sink := &recordingOps{}
	u := New(acc, WithOpSink(sink))
	return acc, u, sink
}

// WithInitialState returns the accessor option used across these tests.
func WithInitialState() state.Option {
	return state.WithInitial(map[string]any{
		"title": "cart",
		"items": []any{"x", "y", "z"},
	})
}

func TestUpdateRendersWrittenBinding(t *testing.T) {
	acc, u, sink := newUpdaterForTest()

	titleRef := acc.Cache().GetRef(statepath.MustResolve("title"), nil)
	u.AddBinding(NewValueBinding(acc, titleRef, sink))

	err := u.Update(func(sc *state.Scope) error {
		return acc.Set(sc, "title", "basket")
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	sets := sink.opsOfKind(OpSet)
	if len(sets) != 1 {
		t.Fatalf("expected 1 set op, got %d", len(sets))
	}
	if sets[0].Pattern != "title" || sets[0].Value != "basket" {
		t.Errorf("unexpected op: %+v", sets[0])
	}
}

func TestUpdateDeduplicatesWrites(t *testing.T) {
	acc, u, sink := newUpdaterForTest()

	titleRef := acc.Cache().GetRef(statepath.MustResolve("title"), nil)
	u.AddBinding(NewValueBinding(acc, titleRef, sink))

	err := u.Update(func(sc *state.Scope) error {
		if err := acc.Set(sc, "title", "a"); err != nil {
			return err
		}
		return acc.Set(sc, "title", "b")
	})
	if err != nil {
		t.Fatal(err)
	}

	if got := len(sink.opsOfKind(OpSet)); got != 1 {
		t.Errorf("two writes to one ref should render once, got %d ops", got)
	}
}

func TestOutOfCycleWriteRendersNextCycle(t *testing.T) {
	acc, u, sink := newUpdaterForTest()

	titleRef := acc.Cache().GetRef(statepath.MustResolve("title"), nil)
	u.AddBinding(NewValueBinding(acc, titleRef, sink))

	// A write outside any cycle still enqueues its ref; the next cycle
	// must consume it.
	if err := acc.Set(state.NewScope(), "title", "early"); err != nil {
		t.Fatal(err)
	}
	if err := u.Update(func(sc *state.Scope) error { return nil }); err != nil {
		t.Fatal(err)
	}

	sets := sink.opsOfKind(OpSet)
	if len(sets) != 1 {
		t.Fatalf("out-of-cycle write should render in the next cycle, got %d set ops", len(sets))
	}
	if sets[0].Pattern != "title" || sets[0].Value != "early" {
		t.Errorf("unexpected op: %+v", sets[0])
	}

	// Consumed exactly once: another empty cycle renders nothing more.
	if err := u.Update(func(sc *state.Scope) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if got := len(sink.opsOfKind(OpSet)); got != 1 {
		t.Errorf("pending ref consumed more than once, got %d set ops", got)
	}
}

// changeCheckBinding records what ChangedThisCycle reports for its own
// reference and for an unrelated one during its render.
type changeCheckBinding struct {
	id        uint64
	ref       *ref.Ref
	other     *ref.Ref
	self      bool
	unrelated bool
}

func newChangeCheckBinding(r, other *ref.Ref) *changeCheckBinding {
	return &changeCheckBinding{
		id:    atomic.AddUint64(&bindingIDCounter, 1),
		ref:   r,
		other: other,
	}
}

func (b *changeCheckBinding) ID() uint64    { return b.id }
func (b *changeCheckBinding) Ref() *ref.Ref { return b.ref }

func (b *changeCheckBinding) Render(rd *Renderer, sc *state.Scope) error {
	b.self = rd.ChangedThisCycle(b.ref)
	b.unrelated = rd.ChangedThisCycle(b.other)
	return nil
}

func TestChangedThisCycleTracksUpdatingSet(t *testing.T) {
	acc, u, _ := newUpdaterForTest()

	titleRef := acc.Cache().GetRef(statepath.MustResolve("title"), nil)
	itemsRef := acc.Cache().GetRef(statepath.MustResolve("items"), nil)
	b := newChangeCheckBinding(titleRef, itemsRef)
	u.AddBinding(b)

	if err := u.Update(func(sc *state.Scope) error {
		return acc.Set(sc, "title", "v")
	}); err != nil {
		t.Fatal(err)
	}

	if !b.self {
		t.Error("written ref should be reported as changed this cycle")
	}
	if b.unrelated {
		t.Error("untouched ref must not be reported as changed")
	}
}

func TestDependencyPropagation(t *testing.T) {
	acc, u, sink := newUpdaterForTest()

	err := acc.RegisterGetter("summary", func(sc *state.Scope, a *state.Accessor) (any, error) {
		title, err := a.Get(sc, "title")
		if err != nil {
			return nil, err
		}
		return "summary: " + title.(string), nil
	})
	if err != nil {
		t.Fatal(err)
	}

	summaryRef := acc.Cache().GetRef(statepath.MustResolve("summary"), nil)
	u.AddBinding(NewValueBinding(acc, summaryRef, sink))

	// Prime the dependency edge by evaluating the getter once.
	if _, err := acc.Get(state.NewScope(), "summary"); err != nil {
		t.Fatal(err)
	}

	err = u.Update(func(sc *state.Scope) error {
		return acc.Set(sc, "title", "basket")
	})
	if err != nil {
		t.Fatal(err)
	}

	sets := sink.opsOfKind(OpSet)
	if len(sets) != 1 {
		t.Fatalf("derived binding should render in the same cycle, got %d ops", len(sets))
	}
	if sets[0].Pattern != "summary" || sets[0].Value != "summary: basket" {
		t.Errorf("unexpected op: %+v", sets[0])
	}
}

func TestTransitiveDependencyPropagation(t *testing.T) {
	acc, u, sink := newUpdaterForTest()

	acc.RegisterGetter("inner", func(sc *state.Scope, a *state.Accessor) (any, error) {
		return a.Get(sc, "title")
	})
	acc.RegisterGetter("outer", func(sc *state.Scope, a *state.Accessor) (any, error) {
		return a.Get(sc, "inner")
	})

	outerRef := acc.Cache().GetRef(statepath.MustResolve("outer"), nil)
	u.AddBinding(NewValueBinding(acc, outerRef, sink))

	if _, err := acc.Get(state.NewScope(), "outer"); err != nil {
		t.Fatal(err)
	}

	if err := u.Update(func(sc *state.Scope) error {
		return acc.Set(sc, "title", "t2")
	}); err != nil {
		t.Fatal(err)
	}

	if got := len(sink.opsOfKind(OpSet)); got != 1 {
		t.Fatalf("transitively derived binding should render, got %d ops", got)
	}
}

func TestNestedUpdateQueuesBehindActiveCycle(t *testing.T) {
	acc, u, sink := newUpdaterForTest()

	titleRef := acc.Cache().GetRef(statepath.MustResolve("title"), nil)
	u.AddBinding(NewValueBinding(acc, titleRef, sink))

	var pending <-chan error
	err := u.Update(func(sc *state.Scope) error {
		if err := acc.Set(sc, "title", "first"); err != nil {
			return err
		}
		// Re-entrant update must queue, not interleave.
		_, pending = u.ScheduleUpdate(func(sc *state.Scope) error {
			return acc.Set(sc, "title", "second")
		})
		if pending == nil {
			t.Error("nested update should have been queued")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := <-pending; err != nil {
		t.Fatal(err)
	}

	// Two cycles, each with its own flush and exactly one set op, in
	// program order.
	if len(sink.perCyc) != 2 {
		t.Fatalf("expected 2 cycles, got %d", len(sink.perCyc))
	}
	if len(sink.perCyc[0]) != 1 || sink.perCyc[0][0].Value != "first" {
		t.Errorf("cycle 1 ops = %+v", sink.perCyc[0])
	}
	if len(sink.perCyc[1]) != 1 || sink.perCyc[1][0].Value != "second" {
		t.Errorf("cycle 2 ops = %+v", sink.perCyc[1])
	}
}

func TestUpdateOrderingBackToBack(t *testing.T) {
	acc, u, sink := newUpdaterForTest()

	titleRef := acc.Cache().GetRef(statepath.MustResolve("title"), nil)
	u.AddBinding(NewValueBinding(acc, titleRef, sink))

	if err := u.Update(func(sc *state.Scope) error {
		return acc.Set(sc, "title", "one")
	}); err != nil {
		t.Fatal(err)
	}
	if err := u.Update(func(sc *state.Scope) error {
		return acc.Set(sc, "title", "two")
	}); err != nil {
		t.Fatal(err)
	}

	if len(sink.perCyc) != 2 {
		t.Fatalf("expected 2 flushed cycles, got %d", len(sink.perCyc))
	}
	if sink.perCyc[0][0].Value != "one" || sink.perCyc[1][0].Value != "two" {
		t.Error("second update's effects leaked before the first cycle completed")
	}
}

func TestMutatorErrorPropagates(t *testing.T) {
	_, u, _ := newUpdaterForTest()

	boom := errors.New("boom")
	err := u.Update(func(sc *state.Scope) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected mutator error to propagate, got %v", err)
	}
}

func TestRenderErrorAbortsBindingOnly(t *testing.T) {
	acc, u, sink := newUpdaterForTest()

	// A getter that fails poisons its own binding but not others.
	acc.RegisterGetter("bad", func(sc *state.Scope, a *state.Accessor) (any, error) {
		return nil, errors.New("render boom")
	})
	badRef := acc.Cache().GetRef(statepath.MustResolve("bad"), nil)
	titleRef := acc.Cache().GetRef(statepath.MustResolve("title"), nil)
	u.AddBinding(NewValueBinding(acc, badRef, sink))
	u.AddBinding(NewValueBinding(acc, titleRef, sink))

	err := u.Update(func(sc *state.Scope) error {
		u.Enqueue(badRef)
		return acc.Set(sc, "title", "still renders")
	})
	if err != nil {
		t.Fatalf("render error must not fail the cycle: %v", err)
	}

	sets := sink.opsOfKind(OpSet)
	if len(sets) != 1 || sets[0].Pattern != "title" {
		t.Errorf("healthy binding should still render, ops = %+v", sets)
	}
}

func TestInitialRenderOnce(t *testing.T) {
	acc, u, sink := newUpdaterForTest()

	titleRef := acc.Cache().GetRef(statepath.MustResolve("title"), nil)
	u.AddBinding(NewValueBinding(acc, titleRef, sink))

	if err := u.InitialRenderOnce(); err != nil {
		t.Fatal(err)
	}
	if err := u.InitialRenderOnce(); err != nil {
		t.Fatal(err)
	}

	if got := len(sink.opsOfKind(OpSet)); got != 1 {
		t.Errorf("initial render should run exactly once, got %d ops", got)
	}
}

func TestDoneReleasedAfterCycle(t *testing.T) {
	acc, u, _ := newUpdaterForTest()

	// Idle updater: Done releases immediately.
	select {
	case <-u.Done():
	default:
		t.Fatal("Done should be closed while idle")
	}

	var done <-chan struct{}
	err := u.Update(func(sc *state.Scope) error {
		done = u.Done()
		select {
		case <-done:
			t.Error("Done must not release while the cycle is active")
		default:
		}
		return acc.Set(sc, "title", "v")
	})
	if err != nil {
		t.Fatal(err)
	}

	// After Update returns the queue has drained and the waiter
	// registered mid-cycle must be released.
	select {
	case <-done:
	default:
		t.Error("Done waiter should be released once the cycle completes")
	}
}
