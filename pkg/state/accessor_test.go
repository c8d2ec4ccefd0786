package state

import (
	"errors"
	"testing"

	"github.com/vango-go/bindery/pkg/ref"
	"github.com/vango-go/bindery/pkg/statepath"
)

// recordingSink collects enqueued refs for assertions.
type recordingSink struct {
	refs []*ref.Ref
}

func (s *recordingSink) Enqueue(r *ref.Ref) {
	s.refs = append(s.refs, r)
}

func newTestAccessor() (*Accessor, *recordingSink) {
	a := New(WithInitial(map[string]any{
		"title": "cart",
		"items": []any{
			map[string]any{"name": "apple", "price": 3},
			map[string]any{"name": "pear", "price": 5},
		},
	}))
	sink := &recordingSink{}
	a.SetSink(sink)
	return a, sink
}

func TestGetPlainPath(t *testing.T) {
	a, _ := newTestAccessor()
	sc := NewScope()

	v, err := a.Get(sc, "title")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if v != "cart" {
		t.Errorf("got %v, want cart", v)
	}

	// Absent keys read as nil, not as an error.
	v, err = a.Get(sc, "missing.deeply")
	if err != nil || v != nil {
		t.Errorf("absent path = (%v, %v), want (nil, nil)", v, err)
	}
}

func TestGetExplicitIndex(t *testing.T) {
	a, _ := newTestAccessor()
	sc := NewScope()

	v, err := a.Get(sc, "items.1.name")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if v != "pear" {
		t.Errorf("got %v, want pear", v)
	}

	if _, err := a.Get(sc, "items.9.name"); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("expected ErrIndexOutOfRange, got %v", err)
	}
}

func TestGetContextualWildcard(t *testing.T) {
	a, _ := newTestAccessor()
	sc := NewScope()

	// Without a loop position a contextual wildcard read must fail fast.
	if _, err := a.Get(sc, "items.*.name"); !errors.Is(err, ErrNoLoopPosition) {
		t.Fatalf("expected ErrNoLoopPosition, got %v", err)
	}

	listRef := a.Cache().GetRef(statepath.MustResolve("items"), nil)
	nodes, err := a.ListPositionsByRef(sc, listRef)
	if err != nil {
		t.Fatalf("list positions failed: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(nodes))
	}

	// Loop context requires an active read frame.
	err = a.WithLoopPosition(sc, nodes[0], func() error { return nil })
	if !errors.Is(err, ErrLoopContextNoFrame) {
		t.Fatalf("expected ErrLoopContextNoFrame, got %v", err)
	}

	// Reads inside a frame resolve against the active position.
	frame := a.Cache().GetRef(statepath.MustResolve("items.*"), nodes[1])
	if err := sc.pushRef(frame); err != nil {
		t.Fatal(err)
	}
	defer sc.popRef()

	err = a.WithLoopPosition(sc, nodes[1], func() error {
		v, err := a.Get(sc, "items.*.name")
		if err != nil {
			return err
		}
		if v != "pear" {
			t.Errorf("got %v, want pear", v)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("loop read failed: %v", err)
	}
}

func TestIndexNameShorthand(t *testing.T) {
	a, _ := newTestAccessor()
	sc := NewScope()

	listRef := a.Cache().GetRef(statepath.MustResolve("items"), nil)
	nodes, err := a.ListPositionsByRef(sc, listRef)
	if err != nil {
		t.Fatal(err)
	}

	frame := a.Cache().GetRef(statepath.MustResolve("items.*"), nodes[0])
	if err := sc.pushRef(frame); err != nil {
		t.Fatal(err)
	}
	defer sc.popRef()

	err = a.WithLoopPosition(sc, nodes[0], func() error {
		v, err := a.Get(sc, "items.$1.price")
		if err != nil {
			return err
		}
		if v != 3 {
			t.Errorf("got %v, want 3", v)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("index-name read failed: %v", err)
	}
}

func TestSetEnqueuesRef(t *testing.T) {
	a, sink := newTestAccessor()
	sc := NewScope()

	if err := a.Set(sc, "title", "basket"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	v, _ := a.Get(sc, "title")
	if v != "basket" {
		t.Errorf("got %v, want basket", v)
	}
	if len(sink.refs) != 1 || sink.refs[0].Info.Pattern != "title" {
		t.Errorf("unexpected sink contents: %v", sink.refs)
	}

	// Writes through an explicit index enqueue the positioned ref.
	if err := a.Set(sc, "items.0.price", 4); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	v, _ = a.Get(sc, "items.0.price")
	if v != 4 {
		t.Errorf("got %v, want 4", v)
	}
	if len(sink.refs) != 2 || !sink.refs[1].HasPosition() {
		t.Errorf("expected positioned ref, got %v", sink.refs)
	}
}

func TestSetCreatesIntermediateMaps(t *testing.T) {
	a, _ := newTestAccessor()
	sc := NewScope()

	if err := a.Set(sc, "user.profile.name", "ada"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	v, err := a.Get(sc, "user.profile.name")
	if err != nil || v != "ada" {
		t.Errorf("got (%v, %v), want ada", v, err)
	}
}

func TestSetGetterOnlyFails(t *testing.T) {
	a, _ := newTestAccessor()
	sc := NewScope()

	err := a.RegisterGetter("total", func(sc *Scope, a *Accessor) (any, error) {
		return 0, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Set(sc, "total", 10); !errors.Is(err, ErrGetterOnly) {
		t.Errorf("expected ErrGetterOnly, got %v", err)
	}
}

func TestGetterDependencyRecording(t *testing.T) {
	a, _ := newTestAccessor()
	sc := NewScope()

	err := a.RegisterGetter("summary", func(sc *Scope, acc *Accessor) (any, error) {
		title, err := acc.Get(sc, "title")
		if err != nil {
			return nil, err
		}
		return "summary of " + title.(string), nil
	})
	if err != nil {
		t.Fatal(err)
	}

	v, err := a.Get(sc, "summary")
	if err != nil {
		t.Fatalf("getter eval failed: %v", err)
	}
	if v != "summary of cart" {
		t.Errorf("got %v", v)
	}

	deps := a.Manager().SourcesOf("summary")
	if len(deps) != 1 || deps[0] != "title" {
		t.Errorf("SourcesOf(summary) = %v, want [title]", deps)
	}
	if got := a.Manager().DependentsOf("title"); len(got) != 1 || got[0] != "summary" {
		t.Errorf("DependentsOf(title) = %v, want [summary]", got)
	}
}

func TestGetterChainDependencies(t *testing.T) {
	a, _ := newTestAccessor()
	sc := NewScope()

	a.RegisterGetter("subtotal", func(sc *Scope, acc *Accessor) (any, error) {
		v, err := acc.Get(sc, "items.0.price")
		if err != nil {
			return nil, err
		}
		return v, nil
	})
	a.RegisterGetter("grand", func(sc *Scope, acc *Accessor) (any, error) {
		v, err := acc.Get(sc, "subtotal")
		if err != nil {
			return nil, err
		}
		return v, nil
	})

	if _, err := a.Get(sc, "grand"); err != nil {
		t.Fatalf("getter chain failed: %v", err)
	}

	if got := a.Manager().SourcesOf("grand"); len(got) != 1 || got[0] != "subtotal" {
		t.Errorf("SourcesOf(grand) = %v, want [subtotal]", got)
	}
	if got := a.Manager().SourcesOf("subtotal"); len(got) != 1 || got[0] != "items.*.price" {
		t.Errorf("SourcesOf(subtotal) = %v, want [items.*.price]", got)
	}
}

func TestGetterErrorUnwindsStack(t *testing.T) {
	a, _ := newTestAccessor()
	sc := NewScope()

	boom := errors.New("boom")
	a.RegisterGetter("bad", func(sc *Scope, acc *Accessor) (any, error) {
		return nil, boom
	})

	if _, err := a.Get(sc, "bad"); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if sc.CurrentRef() != nil {
		t.Error("read-stack must unwind after a getter error")
	}
	if sc.ActiveLoop() != nil {
		t.Error("loop stack must unwind after a getter error")
	}
}

func TestListPositionsIdentityAcrossChange(t *testing.T) {
	a, _ := newTestAccessor()
	sc := NewScope()

	listRef := a.Cache().GetRef(statepath.MustResolve("items"), nil)
	first, err := a.ListPositionsByRef(sc, listRef)
	if err != nil {
		t.Fatal(err)
	}

	// Repeated resolution without change keeps identical nodes.
	again, err := a.ListPositionsByRef(sc, listRef)
	if err != nil {
		t.Fatal(err)
	}
	for i := range first {
		if first[i] != again[i] {
			t.Fatalf("node %d changed identity without a list change", i)
		}
	}

	if !a.Manager().IsList("items") {
		t.Error("resolving positions should register the list path")
	}
}

func TestNonCollectionListValue(t *testing.T) {
	a, _ := newTestAccessor()
	sc := NewScope()

	if err := a.Set(sc, "items", "oops"); err != nil {
		t.Fatal(err)
	}
	listRef := a.Cache().GetRef(statepath.MustResolve("items"), nil)
	if _, err := a.ListPositionsByRef(sc, listRef); !errors.Is(err, ErrNotCollection) {
		t.Errorf("expected ErrNotCollection, got %v", err)
	}
}
