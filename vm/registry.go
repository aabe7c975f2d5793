package vm

import (
	"context"
	"iter"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/matrix-construct/construct-sub013/event"
)

// Eval is one in-flight evaluation as seen by the registry.
type Eval struct {
	ID      uint64
	Owner   string
	EventID string
	Event   *event.Event
	Opts    *Opts
	Started time.Time

	seq   atomic.Uint64
	phase atomic.Uint32
	// idx of an admitted event being replayed
	replay event.Idx
}

// Seq is the idx assigned to the event, IdxNone until the INDEX phase.
func (ev *Eval) Seq() event.Idx {
	return event.Idx(ev.seq.Load())
}

// Phase is the phase the evaluation is currently in.
func (ev *Eval) Phase() Phase {
	return Phase(ev.phase.Load())
}

func (ev *Eval) enter(p Phase) {
	ev.phase.Store(uint32(p))
}

type ownerKey struct{}

// WithOwner names the logical task the evaluations started under ctx
// belong to; Registry.Count enumerates by this name.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

func ownerOf(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

// Registry tracks every live evaluation of a VM.
type Registry struct {
	ids    atomic.Uint64
	evals  *xsync.MapOf[uint64, *Eval]
	byID   *xsync.MapOf[string, *Eval]
	owners *xsync.MapOf[string, int]
}

func NewRegistry() *Registry {
	return &Registry{
		evals:  xsync.NewMapOf[uint64, *Eval](),
		byID:   xsync.NewMapOf[string, *Eval](),
		owners: xsync.NewMapOf[string, int](),
	}
}

// register adds ev; when another live evaluation already holds its
// event_id that one is returned and ev is not added.
func (r *Registry) register(ev *Eval) (*Eval, bool) {
	if ev.EventID != "" {
		if other, loaded := r.byID.LoadOrStore(ev.EventID, ev); loaded {
			return other, false
		}
	}
	ev.ID = r.ids.Add(1)
	r.evals.Store(ev.ID, ev)
	r.owners.Compute(ev.Owner, func(n int, _ bool) (int, bool) {
		return n + 1, false
	})
	evalsInFlight.Inc()
	return ev, true
}

func (r *Registry) unregister(ev *Eval) {
	if _, ok := r.evals.LoadAndDelete(ev.ID); !ok {
		return
	}
	if ev.EventID != "" {
		r.byID.Compute(ev.EventID, func(cur *Eval, loaded bool) (*Eval, bool) {
			return cur, !loaded || cur == ev
		})
	}
	r.owners.Compute(ev.Owner, func(n int, _ bool) (int, bool) {
		return n - 1, n <= 1
	})
	evalsInFlight.Dec()
}

// Find looks up the live evaluation of an event id.
func (r *Registry) Find(id string) (*Eval, bool) {
	return r.byID.Load(id)
}

// Len is the number of live evaluations.
func (r *Registry) Len() int {
	return r.evals.Size()
}

// Count is the number of live evaluations started by owner.
func (r *Registry) Count(owner string) int {
	n, _ := r.owners.Load(owner)
	return n
}

// All walks the live evaluations in no particular order.
func (r *Registry) All() iter.Seq[*Eval] {
	return func(yield func(*Eval) bool) {
		r.evals.Range(func(_ uint64, ev *Eval) bool {
			return yield(ev)
		})
	}
}

// SeqMin is the lowest idx held by an evaluation that has not finished;
// IdxNone when none holds one.
func (r *Registry) SeqMin() (min event.Idx) {
	for ev := range r.All() {
		if seq := ev.Seq(); seq != event.IdxNone && (min == event.IdxNone || seq < min) {
			min = seq
		}
	}
	return
}

// SeqMax is the highest idx held by an unfinished evaluation.
func (r *Registry) SeqMax() (max event.Idx) {
	for ev := range r.All() {
		if seq := ev.Seq(); seq > max {
			max = seq
		}
	}
	return
}

// SeqNext is the evaluation holding the lowest idx above after.
func (r *Registry) SeqNext(after event.Idx) (next *Eval) {
	for ev := range r.All() {
		seq := ev.Seq()
		if seq > after && (next == nil || seq < next.Seq()) {
			next = ev
		}
	}
	return
}
