// Package update batches state writes into update cycles and drives the
// render pass that brings bindings up to date.
//
// A cycle runs a mutator, collects every reference its writes enqueued,
// expands the set once through the dependency graph (a write to a source
// pattern pulls in every derived pattern that read it), and then renders
// exactly the bindings attached to the final updating set. Cycles never
// nest: an update scheduled while a cycle is active queues behind it and
// runs strictly after, preserving program order of effects.
package update

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/bindery/pkg/ref"
	"github.com/vango-go/bindery/pkg/state"
	"github.com/vango-go/bindery/pkg/statepath"
)

// Mutator is the body of one update cycle. Writes it performs through
// the accessor are collected into the cycle's updating set.
type Mutator func(sc *state.Scope) error

// queued is one update waiting behind the active cycle.
type queued struct {
	mutator Mutator
	ch      chan error
}

// Updater is the cycle scheduler. It installs itself as the accessor's
// pending-update sink.
type Updater struct {
	acc    *state.Accessor
	logger *slog.Logger
	sink   OpSink

	metrics *Metrics
	tracer  trace.Tracer

	mu       sync.Mutex
	bindings map[string][]Binding
	active   bool
	queue    []queued
	waiters  []chan struct{}
	cycle    uint64

	// Per-cycle collections, reset by runCycle.
	pending     []*ref.Ref
	pendingSeen map[*ref.Ref]struct{}
	changed     map[*ref.Ref]struct{}
	rendered    map[string]struct{}

	initialMu   sync.Mutex
	initialDone bool
}

// Option configures an Updater.
type Option func(*Updater)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(u *Updater) {
		u.logger = l
	}
}

// WithOpSink sets the sink receiving render operations.
func WithOpSink(s OpSink) Option {
	return func(u *Updater) {
		u.sink = s
	}
}

// WithMetrics attaches Prometheus instrumentation to the updater.
func WithMetrics(m *Metrics) Option {
	return func(u *Updater) {
		u.metrics = m
	}
}

// WithTracer attaches an OpenTelemetry tracer; each cycle becomes one span.
func WithTracer(t trace.Tracer) Option {
	return func(u *Updater) {
		u.tracer = t
	}
}

// New creates an updater over the accessor and installs itself as the
// accessor's write sink.
func New(acc *state.Accessor, opts ...Option) *Updater {
	u := &Updater{
		acc:      acc,
		bindings: make(map[string][]Binding),
		sink:     NopSink{},
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.logger == nil {
		u.logger = slog.Default()
	}
	acc.SetSink(u)
	return u
}

// AddBinding registers a binding; it renders whenever its reference's
// pattern lands in a cycle's updating set.
func (u *Updater) AddBinding(b Binding) {
	u.mu.Lock()
	defer u.mu.Unlock()
	pattern := b.Ref().Info.Pattern
	u.bindings[pattern] = append(u.bindings[pattern], b)
}

// Enqueue implements state.Sink: every write lands here, deduplicated
// by reference identity. Refs enqueued outside any active cycle stay
// pending until the next cycle consumes them.
func (u *Updater) Enqueue(r *ref.Ref) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.pendingSeen == nil {
		u.pendingSeen = make(map[*ref.Ref]struct{})
	}
	if _, ok := u.pendingSeen[r]; ok {
		return
	}
	u.pendingSeen[r] = struct{}{}
	u.pending = append(u.pending, r)
}

// ScheduleUpdate runs the mutator in one cycle if the updater is idle,
// returning the outcome directly. If a cycle is active the call queues
// behind it and the second return value carries the eventual outcome;
// the first is then nil.
func (u *Updater) ScheduleUpdate(mutator Mutator) (error, <-chan error) {
	u.mu.Lock()
	if u.active {
		ch := make(chan error, 1)
		u.queue = append(u.queue, queued{mutator: mutator, ch: ch})
		u.mu.Unlock()
		return nil, ch
	}
	u.active = true
	u.mu.Unlock()

	err := u.runCycle(mutator)
	u.drain()
	return err, nil
}

// Update runs the mutator in one cycle and blocks for the outcome.
// Calling Update from inside a mutator deadlocks; use ScheduleUpdate
// there instead.
func (u *Updater) Update(mutator Mutator) error {
	err, pending := u.ScheduleUpdate(mutator)
	if pending != nil {
		return <-pending
	}
	return err
}

// InitialRenderOnce renders every registered binding in one cycle,
// exactly once per updater. Later calls are no-ops.
func (u *Updater) InitialRenderOnce() error {
	u.initialMu.Lock()
	if u.initialDone {
		u.initialMu.Unlock()
		return nil
	}
	u.initialDone = true
	u.initialMu.Unlock()

	return u.Update(func(sc *state.Scope) error {
		u.mu.Lock()
		var all []Binding
		for _, bs := range u.bindings {
			all = append(all, bs...)
		}
		u.mu.Unlock()
		for _, b := range all {
			u.Enqueue(b.Ref())
		}
		return nil
	})
}

// Done returns a channel closed after the currently running or next
// cycle finishes and the queue drains. Waiters are released in
// submission order.
func (u *Updater) Done() <-chan struct{} {
	u.mu.Lock()
	defer u.mu.Unlock()
	ch := make(chan struct{})
	if !u.active {
		close(ch)
		return ch
	}
	u.waiters = append(u.waiters, ch)
	return ch
}

// drain runs queued updates FIFO, then releases completion waiters.
func (u *Updater) drain() {
	for {
		u.mu.Lock()
		if len(u.queue) == 0 {
			u.active = false
			waiters := u.waiters
			u.waiters = nil
			u.mu.Unlock()
			for _, w := range waiters {
				close(w)
			}
			return
		}
		next := u.queue[0]
		u.queue = u.queue[1:]
		u.mu.Unlock()

		next.ch <- u.runCycle(next.mutator)
	}
}

// runCycle executes one mutate-then-render unit of work. Refs already
// enqueued by writes performed between cycles stay pending and are
// consumed by this cycle's render pass alongside the mutator's own.
func (u *Updater) runCycle(mutator Mutator) error {
	u.mu.Lock()
	u.cycle++
	cycle := u.cycle
	u.changed = make(map[*ref.Ref]struct{})
	u.rendered = make(map[string]struct{})
	u.mu.Unlock()

	var span trace.Span
	if u.tracer != nil {
		_, span = u.tracer.Start(context.Background(), "bindery.cycle")
	}
	start := time.Now()

	sc := state.NewScope()
	var mutErr error
	if mutator != nil {
		mutErr = mutator(sc)
	}

	u.expandPending()

	u.mu.Lock()
	updating := u.pending
	u.pending = nil
	u.pendingSeen = make(map[*ref.Ref]struct{})
	for _, r := range updating {
		u.changed[r] = struct{}{}
	}
	u.mu.Unlock()

	rd := &Renderer{u: u}
	for _, r := range updating {
		for _, b := range u.bindingsFor(r) {
			key := bindingRenderKey(b)
			if rd.RenderedThisCycle(key) {
				continue
			}
			rd.MarkRendered(key)
			if err := b.Render(rd, sc); err != nil {
				// A render failure aborts this binding's subtree only;
				// the rest of the pass continues.
				u.logger.Error("binding render failed",
					"pattern", b.Ref().Info.Pattern,
					"cycle", cycle,
					"error", err)
			}
		}
	}

	u.sink.Flush(cycle)

	if u.metrics != nil {
		u.metrics.observeCycle(time.Since(start), len(updating), mutErr != nil)
	}
	if span != nil {
		finishCycleSpan(span, len(updating), mutErr)
		if mutErr != nil {
			span.SetStatus(codes.Error, mutErr.Error())
		}
		span.End()
	}
	return mutErr
}

// expandPending adds, for each written pattern, every derived pattern
// whose dependency set transitively includes it.
func (u *Updater) expandPending() {
	u.mu.Lock()
	snapshot := make([]*ref.Ref, len(u.pending))
	copy(snapshot, u.pending)
	u.mu.Unlock()

	deps := u.acc.Manager()
	cache := u.acc.Cache()
	for _, r := range snapshot {
		for _, derived := range deps.TransitiveDependentsOf(r.Info.Pattern) {
			// Patterns in the registry were interned when registered,
			// so resolution cannot fail here.
			info, err := statepath.Resolve(derived)
			if err != nil {
				continue
			}
			pos, perr := r.ListIndex()
			if perr != nil {
				pos = nil
			}
			// A derived pattern inherits the written position only when
			// it lives at the same wildcard depth.
			if pos != nil && info.WildcardCount != pos.Depth()+1 {
				pos = nil
			}
			u.Enqueue(cache.GetRef(info, pos))
		}
	}
}

// bindingsFor returns the bindings attached to the reference's pattern.
func (u *Updater) bindingsFor(r *ref.Ref) []Binding {
	u.mu.Lock()
	defer u.mu.Unlock()
	bs := u.bindings[r.Info.Pattern]
	out := make([]Binding, len(bs))
	copy(out, bs)
	return out
}

// Renderer is the scheduler-owned object handed to bindings during a
// render pass. It answers which references changed this cycle and which
// bindings have already rendered.
type Renderer struct {
	u *Updater
}

// ChangedThisCycle reports whether the reference is in the cycle's
// updating set.
func (rd *Renderer) ChangedThisCycle(r *ref.Ref) bool {
	rd.u.mu.Lock()
	defer rd.u.mu.Unlock()
	_, ok := rd.u.changed[r]
	return ok
}

// RenderedThisCycle reports whether the key was already rendered.
func (rd *Renderer) RenderedThisCycle(key string) bool {
	rd.u.mu.Lock()
	defer rd.u.mu.Unlock()
	_, ok := rd.u.rendered[key]
	return ok
}

// MarkRendered records that the key rendered this cycle.
func (rd *Renderer) MarkRendered(key string) {
	rd.u.mu.Lock()
	defer rd.u.mu.Unlock()
	rd.u.rendered[key] = struct{}{}
}

// observeTransition forwards a reconciler classification to metrics.
func (rd *Renderer) observeTransition(t transition) {
	if rd.u.metrics != nil {
		rd.u.metrics.observeTransition(t)
	}
}

// observeAllocation forwards a pool hit or miss to metrics.
func (rd *Renderer) observeAllocation(reused bool) {
	if rd.u.metrics != nil {
		rd.u.metrics.observeAllocation(reused)
	}
}
