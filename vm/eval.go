package vm

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/matrix-construct/construct-sub013/dbs"
	"github.com/matrix-construct/construct-sub013/event"
)

// Eval runs e through the phases selected by opts (Default when nil) and
// returns the idx it was committed under. IdxNone with a nil error means
// nothing was committed: the write phases were disabled or the fault was
// in opts.NoThrow. A missing event_id is derived for the room version and
// set on e.
func (m *VM) Eval(ctx context.Context, e *event.Event, opts *Opts) (event.Idx, error) {
	if opts == nil {
		opts = &Default
	}
	return m.eval(ctx, e, nil, opts)
}

// EvalJSON parses raw and evaluates it. The event id of room v3+ events
// is computed over raw itself.
func (m *VM) EvalJSON(ctx context.Context, raw []byte, opts *Opts) (event.Idx, error) {
	if opts == nil {
		opts = &Default
	}
	e, err := event.Parse(raw)
	if err != nil {
		ev := &Eval{Owner: ownerOf(ctx), Event: &event.Event{}, Opts: opts}
		_, span := tracer.Start(ctx, "vm.eval")
		defer span.End()
		return m.finish(ctx, span, ev, event.IdxNone, &Error{Fault: FaultEvent, Err: err})
	}
	return m.eval(ctx, e, raw, opts)
}

func (m *VM) eval(ctx context.Context, e *event.Event, raw []byte, opts *Opts) (event.Idx, error) {
	ctx, span := tracer.Start(ctx, "vm.eval")
	defer span.End()
	ev := &Eval{Owner: ownerOf(ctx), Event: e, Opts: opts, Started: m.opts.Now()}
	idx, err := m.run(ctx, ev, raw)
	return m.finish(ctx, span, ev, idx, err)
}

func (m *VM) run(ctx context.Context, ev *Eval, raw []byte) (event.Idx, error) {
	e := ev.Event
	if raw == nil {
		raw = e.Source
	}
	if err := m.Identify(e, raw, ev.Opts); err != nil {
		return event.IdxNone, fault(FaultEvent, "", err)
	}
	ev.EventID = e.EventID
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("event_id", e.EventID),
		attribute.String("room_id", e.RoomID),
		attribute.String("type", e.Type),
	)

	if _, ok := m.reg.register(ev); !ok {
		return event.IdxNone, &Error{Fault: FaultExists, EventID: ev.EventID, Err: ErrInFlight}
	}
	defer m.reg.unregister(ev)

	known, err := m.db.EventIdx(m.db.Reader(), ev.EventID)
	if err != nil {
		return event.IdxNone, fault(FaultGeneral, ev.EventID, err)
	}
	if known != event.IdxNone {
		if !ev.Opts.Replays {
			return event.IdxNone, &Error{Fault: FaultExists, EventID: ev.EventID, Err: ErrExists}
		}
		ev.replay = known
	}

	if err := m.phase(ctx, ev, PhaseFetch, func(ctx context.Context) error {
		return m.fetchPhase(ctx, ev)
	}); err != nil {
		return event.IdxNone, err
	}
	if err := m.phase(ctx, ev, PhaseConform, func(ctx context.Context) error {
		return m.conform(ctx, ev, len(raw))
	}); err != nil {
		return event.IdxNone, err
	}
	if err := m.phase(ctx, ev, PhaseAuth, func(ctx context.Context) error {
		if err := m.opts.Authorizer.Authorize(ctx, m.db, e); err != nil {
			return &Error{Fault: FaultAuth, EventID: ev.EventID, Err: fmt.Errorf("%w: %w", ErrDenied, err)}
		}
		return nil
	}); err != nil {
		return event.IdxNone, err
	}

	idx, err := m.write(ctx, ev)
	if err != nil || idx == event.IdxNone {
		return idx, err
	}

	// the event is durable from here on; hook failures are only logged
	if err := m.phase(ctx, ev, PhaseNotify, func(ctx context.Context) error {
		return m.opts.Hooks.run(ctx, SiteNotify, ev, false)
	}); err != nil {
		m.log.WarnCtx(ctx, "vm: notify", "event_id", ev.EventID, "idx", idx, "err", err)
	}
	if err := m.phase(ctx, ev, PhaseEffect, func(ctx context.Context) error {
		return m.opts.Hooks.run(ctx, SiteEffect, ev, false)
	}); err != nil {
		m.log.WarnCtx(ctx, "vm: effect", "event_id", ev.EventID, "idx", idx, "err", err)
	}
	return idx, nil
}

// phase runs f when p is enabled, under its own span and timer.
func (m *VM) phase(ctx context.Context, ev *Eval, p Phase, f func(ctx context.Context) error) error {
	if !ev.Opts.phases().Has(p) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fault(FaultInterrupt, ev.EventID, err)
	}
	ev.enter(p)
	name := p.String()
	ctx, span := tracer.Start(ctx, "vm."+strings.ToLower(name))
	defer span.End()
	start := time.Now()
	err := f(ctx)
	EvalDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, name)
	}
	return err
}

func (m *VM) conform(ctx context.Context, ev *Eval, size int) error {
	report := event.Conforms(ev.Event, size)
	if !report.Clean(ev.Opts.NonConform) {
		return &Error{
			Fault:   FaultEvent,
			EventID: ev.EventID,
			Err:     fmt.Errorf("%w: %s", ErrNonConforming, report&^ev.Opts.NonConform),
		}
	}
	if err := m.opts.Hooks.run(ctx, SiteConform, ev, true); err != nil {
		return fault(FaultEvent, ev.EventID, err)
	}
	return nil
}

// write runs INDEX and WRITE as one critical section of the sequence.
// The idx is only consumed when the transaction commits. A replay is
// written under the idx the event already has.
func (m *VM) write(ctx context.Context, ev *Eval) (event.Idx, error) {
	phases := ev.Opts.phases()
	if !phases.Has(PhaseIndex) {
		return event.IdxNone, nil
	}
	idx, committed := ev.replay, false
	if idx == event.IdxNone {
		idx = m.seq.acquire()
		defer func() { m.seq.release(idx, committed) }()
	} else {
		m.seq.lock()
		defer m.seq.unlock()
	}
	defer func() {
		if !committed {
			ev.seq.Store(0)
		}
	}()
	ev.seq.Store(uint64(idx))

	txn := m.db.NewBatch()
	defer txn.Close()
	err := m.phase(ctx, ev, PhaseIndex, func(context.Context) error {
		return m.db.Write(txn, ev.Event, dbs.WriteOpts{Op: dbs.Set, Idx: idx, Appendix: ev.Opts.appendix()})
	})
	if err != nil {
		return event.IdxNone, fault(writeFault(err), ev.EventID, err)
	}
	if !phases.Has(PhaseWrite) {
		return event.IdxNone, nil
	}
	err = m.phase(ctx, ev, PhaseWrite, func(context.Context) error {
		return m.db.Commit(txn)
	})
	if err != nil {
		return event.IdxNone, fault(FaultGeneral, ev.EventID, err)
	}
	committed = true
	return idx, nil
}

func writeFault(err error) Fault {
	switch {
	case errors.Is(err, dbs.ErrKeyTooLong), errors.Is(err, dbs.ErrKeyInvalid), errors.Is(err, event.ErrNoEventID):
		return FaultEvent
	default:
		return FaultGeneral
	}
}

func (m *VM) finish(ctx context.Context, span trace.Span, ev *Eval, idx event.Idx, err error) (event.Idx, error) {
	f := FaultOf(err)
	EvalCount.WithLabelValues(f.String()).Inc()
	args := []any{"event_id", ev.EventID, "room_id", ev.Event.RoomID, "type", ev.Event.Type}
	if err == nil {
		if idx != event.IdxNone {
			span.SetAttributes(attribute.Int64("idx", int64(idx)))
			args = append(args, "idx", idx, "depth", ev.Event.Depth)
			if ev.Opts.InfoLog {
				m.log.InfoCtx(ctx, "vm: accepted", args...)
			} else {
				m.log.DebugCtx(ctx, "vm: accepted", args...)
			}
		}
		return idx, nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, f.String())
	args = append(args, "fault", f, "err", err)
	switch f {
	case FaultExists:
		m.log.DebugCtx(ctx, "vm: rejected", args...)
	case FaultEvent, FaultState, FaultAuth, FaultInterrupt:
		m.log.WarnCtx(ctx, "vm: rejected", args...)
	default:
		m.log.ErrorCtx(ctx, "vm: rejected", args...)
	}
	if f != FaultInterrupt && ev.Opts.NoThrow&f != 0 {
		return event.IdxNone, nil
	}
	return event.IdxNone, err
}

// BatchReport counts the outcome of EvalBatch.
type BatchReport struct {
	Accepted int
	// nothing committed without an error
	Skipped int
	Faults  map[Fault]int
	Last    event.Idx
}

func (r *BatchReport) Faulted() (n int) {
	for _, c := range r.Faults {
		n += c
	}
	return
}

// compareEvents is the ascending evaluation order of a batch.
func compareEvents(a, b *event.Event) int {
	return cmp.Or(
		cmp.Compare(a.Depth, b.Depth),
		cmp.Compare(a.OriginServerTS, b.OriginServerTS),
		strings.Compare(a.EventID, b.EventID),
	)
}

// EvalBatch evaluates events one at a time in ascending (depth, ts, id)
// order. A rejected event does not stop the batch; cancellation does, and
// is returned.
func (m *VM) EvalBatch(ctx context.Context, events []*event.Event, opts *Opts) (rep BatchReport, err error) {
	sorted := slices.Clone(events)
	slices.SortStableFunc(sorted, compareEvents)
	rep.Faults = make(map[Fault]int)
	for _, e := range sorted {
		if err = ctx.Err(); err != nil {
			return
		}
		idx, everr := m.Eval(ctx, e, opts)
		switch f := FaultOf(everr); {
		case f == FaultInterrupt:
			return rep, everr
		case everr != nil:
			rep.Faults[f]++
		case idx == event.IdxNone:
			rep.Skipped++
		default:
			rep.Accepted++
			rep.Last = idx
		}
	}
	return
}
