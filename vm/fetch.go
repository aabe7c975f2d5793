package vm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/matrix-construct/construct-sub013/event"
)

// FetchRequest asks the network for events an evaluation depends on.
type FetchRequest struct {
	RoomID string
	// the event that needs them
	EventID string
	// remote server likely to have them
	Origin string
	IDs    []string
}

// Fetcher retrieves events from other servers. The result is a JSON array
// of events which are evaluated before the dependent event continues.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) ([]byte, error)
}

type FetcherFunc func(ctx context.Context, req FetchRequest) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, req FetchRequest) ([]byte, error) {
	return f(ctx, req)
}

// maxFetchDepth bounds recursion through events fetched for events that
// were themselves fetched.
const maxFetchDepth = 8

type fetchDepthKey struct{}

func fetchDepth(ctx context.Context) int {
	n, _ := ctx.Value(fetchDepthKey{}).(int)
	return n
}

// missing lists the ids of ids that are not admitted.
func (m *VM) missing(ids []string) (miss []string, err error) {
	r := m.db.Reader()
	for _, id := range ids {
		idx, err := m.db.EventIdx(r, id)
		if err != nil {
			return nil, err
		}
		if idx == event.IdxNone {
			miss = append(miss, id)
		}
	}
	return miss, nil
}

// fetchPhase decides which dependencies are missing, asks the fetcher
// for them up to FetchRetries times, then applies the prev_events policy.
// Missing events that are tolerated are left to the event horizon.
func (m *VM) fetchPhase(ctx context.Context, ev *Eval) error {
	e := ev.Event
	prevs := e.PrevIDs()
	for attempt := 0; ; attempt++ {
		missPrev, err := m.missing(prevs)
		if err != nil {
			return fault(FaultGeneral, ev.EventID, err)
		}
		var want []string
		if ev.Opts.FetchAuth {
			missAuth, err := m.missing(e.AuthIDs())
			if err != nil {
				return fault(FaultGeneral, ev.EventID, err)
			}
			want = append(want, missAuth...)
		}
		if ev.Opts.FetchPrev {
			want = append(want, missPrev...)
		}
		if len(want) == 0 || m.opts.Fetcher == nil || attempt >= ev.Opts.fetchRetries() || fetchDepth(ctx) >= maxFetchDepth {
			return m.prevPolicy(ctx, ev, prevs, missPrev)
		}
		if err := m.fetch(ctx, ev, dedup(want)); err != nil {
			if interrupted(err) && ctx.Err() != nil {
				return fault(FaultInterrupt, ev.EventID, err)
			}
			m.log.WarnCtx(ctx, "vm: fetch failed", "event_id", ev.EventID, "room_id", e.RoomID,
				"attempt", attempt+1, "ids", len(want), "err", err)
		}
	}
}

func (m *VM) prevPolicy(ctx context.Context, ev *Eval, prevs, miss []string) error {
	if len(miss) == 0 {
		return nil
	}
	if ev.Opts.RequireAllPrev || (ev.Opts.RequireAnyPrev && len(miss) == len(prevs)) {
		return &Error{
			Fault:   FaultState,
			EventID: ev.EventID,
			Err:     fmt.Errorf("%w: %s", ErrMissingPrev, strings.Join(miss, " ")),
		}
	}
	m.log.DebugCtx(ctx, "vm: admitting with missing prev events", "event_id", ev.EventID, "missing", len(miss), "prevs", len(prevs))
	return nil
}

// fetch calls the fetcher once and evaluates what it returned. Rejected
// events are counted but do not fail the dependent evaluation.
func (m *VM) fetch(ctx context.Context, ev *Eval, ids []string) error {
	fctx := ctx
	if ev.Opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, ev.Opts.FetchTimeout)
		defer cancel()
	}
	body, err := m.opts.Fetcher.Fetch(fctx, FetchRequest{
		RoomID:  ev.Event.RoomID,
		EventID: ev.EventID,
		Origin:  ev.Opts.Origin,
		IDs:     ids,
	})
	if err != nil {
		FetchRequests.WithLabelValues("error").Inc()
		return err
	}
	res := gjson.ParseBytes(body)
	if !res.IsArray() {
		FetchRequests.WithLabelValues("malformed").Inc()
		return event.ErrMalformed
	}
	FetchRequests.WithLabelValues("ok").Inc()

	child := *ev.Opts
	child.Replays = false
	child.NoThrow |= FaultExists
	var events []*event.Event
	res.ForEach(func(_, v gjson.Result) bool {
		raw := []byte(v.Raw)
		e, err := event.Parse(raw)
		if err == nil {
			err = m.Identify(e, raw, &child)
		}
		if err != nil {
			m.log.WarnCtx(ctx, "vm: fetched event unusable", "for", ev.EventID, "err", err)
			return true
		}
		events = append(events, e)
		return true
	})
	cctx := context.WithValue(ctx, fetchDepthKey{}, fetchDepth(ctx)+1)
	rep, err := m.EvalBatch(cctx, events, &child)
	m.log.DebugCtx(ctx, "vm: fetched", "for", ev.EventID, "asked", len(ids), "got", len(events),
		"accepted", rep.Accepted, "faulted", rep.Faulted())
	return err
}

func dedup(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
