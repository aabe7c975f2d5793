package vm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-construct/construct-sub013/dbs"
	"github.com/matrix-construct/construct-sub013/event"
	"github.com/matrix-construct/construct-sub013/utils"
)

const (
	room  = "!r:example.org"
	alice = "@alice:example.org"
)

// lenient admits the unsigned test events
var lenient = Opts{
	FetchPrev:  true,
	FetchAuth:  true,
	NonConform: event.MissingSignatures | event.MissingOriginSignature | event.MissingAuthEvents,
}

func newVM(t *testing.T, opts Options) *VM {
	db, err := dbs.Open("db", &pebble.Options{FS: vfs.NewMem()}, dbs.Options{
		Logger: utils.NewDefaultLogger(slog.LevelError),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	if opts.Logger == nil {
		opts.Logger = utils.NewDefaultLogger(slog.LevelError)
	}
	m, err := New(db, opts)
	require.NoError(t, err)
	return m
}

func refs(ids ...string) json.RawMessage {
	if ids == nil {
		ids = []string{}
	}
	raw, _ := json.Marshal(ids)
	return raw
}

func message(id string, depth int64, prevs ...string) *event.Event {
	return &event.Event{
		EventID:        id,
		RoomID:         room,
		Sender:         alice,
		Type:           "m.room.message",
		Depth:          depth,
		OriginServerTS: 1000 + depth,
		PrevEvents:     refs(prevs...),
		AuthEvents:     refs(),
		Content:        json.RawMessage(`{"body":"` + id + `"}`),
	}
}

func create(id string) *event.Event {
	sk := ""
	e := message(id, 1)
	e.Type = event.TypeCreate
	e.StateKey = &sk
	e.Content = json.RawMessage(`{"creator":"` + alice + `"}`)
	return e
}

func idxOf(t *testing.T, m *VM, id string) event.Idx {
	idx, err := m.DB().EventIdx(m.DB().Reader(), id)
	require.NoError(t, err)
	return idx
}

func TestEval_IdxDense(t *testing.T) {
	ctx := context.Background()
	m := newVM(t, Options{})

	idx, err := m.Eval(ctx, create("$A"), &lenient)
	require.NoError(t, err)
	assert.Equal(t, event.Idx(1), idx)
	prev := "$A"
	for i := 2; i <= 5; i++ {
		id := fmt.Sprintf("$m%d", i)
		idx, err = m.Eval(ctx, message(id, int64(i), prev), &lenient)
		require.NoError(t, err)
		assert.Equal(t, event.Idx(i), idx)
		prev = id
	}

	// a rejected event does not consume an idx
	bad := message("$bad", 6, prev)
	bad.RoomID = "nope"
	idx, err = m.Eval(ctx, bad, &lenient)
	assert.Zero(t, idx)
	assert.ErrorIs(t, err, ErrNonConforming)
	assert.Equal(t, FaultEvent, FaultOf(err))

	// neither does an evaluation that stops before WRITE
	dry := lenient
	dry.Phases = PhaseAll &^ PhaseWrite
	idx, err = m.Eval(ctx, message("$dry", 6, prev), &dry)
	require.NoError(t, err)
	assert.Zero(t, idx)
	assert.Zero(t, idxOf(t, m, "$dry"))

	idx, err = m.Eval(ctx, message("$m6", 6, prev), &lenient)
	require.NoError(t, err)
	assert.Equal(t, event.Idx(6), idx)
	assert.Equal(t, event.Idx(6), m.Retired())

	for i := event.Idx(1); i <= 6; i++ {
		_, ok, err := m.DB().EventIDOf(m.DB().Reader(), i)
		require.NoError(t, err)
		assert.True(t, ok, "idx %d", i)
	}

	// a new vm continues the sequence
	again, err := New(m.DB(), Options{Logger: utils.NewDefaultLogger(slog.LevelError)})
	require.NoError(t, err)
	assert.Equal(t, event.Idx(6), again.Retired())
}

func TestEval_OutOfOrderFederation(t *testing.T) {
	ctx := context.Background()
	m := newVM(t, Options{})
	for _, e := range []*event.Event{message("$C", 3, "$B"), create("$A"), message("$B", 2, "$A")} {
		_, err := m.Eval(ctx, e, &lenient)
		require.NoError(t, err)
	}
	db, r := m.DB(), m.DB().Reader()

	var order []string
	for _, idx := range db.RoomEvents(r, room, false) {
		id, ok, err := db.EventIDOf(r, idx)
		require.NoError(t, err)
		require.True(t, ok)
		order = append(order, id)
	}
	assert.Equal(t, []string{"$C", "$B", "$A"}, order)

	a, b, c := idxOf(t, m, "$A"), idxOf(t, m, "$B"), idxOf(t, m, "$C")
	ok, err := db.HasRef(r, b, dbs.RefNext, c)
	require.NoError(t, err)
	assert.True(t, ok, "C -> B")
	ok, err = db.HasRef(r, a, dbs.RefNext, b)
	require.NoError(t, err)
	assert.True(t, ok, "B -> A")

	for _, id := range []string{"$A", "$B"} {
		for idx := range db.Horizon(r, id) {
			t.Errorf("horizon row left for %s: %d", id, idx)
		}
	}
	var heads []string
	for _, id := range db.RoomHeads(r, room) {
		heads = append(heads, id)
	}
	assert.Equal(t, []string{"$C"}, heads)
}

func TestEval_PrevPolicy(t *testing.T) {
	ctx := context.Background()
	m := newVM(t, Options{})

	strict := lenient
	strict.RequireAllPrev = true
	_, err := m.Eval(ctx, message("$orphan", 2, "$nowhere"), &strict)
	assert.ErrorIs(t, err, ErrMissingPrev)
	assert.Equal(t, FaultState, FaultOf(err))

	some := lenient
	some.RequireAnyPrev = true
	_, err = m.Eval(ctx, create("$A"), &some)
	require.NoError(t, err)
	idx, err := m.Eval(ctx, message("$half", 2, "$A", "$nowhere"), &some)
	require.NoError(t, err)
	assert.Equal(t, event.Idx(2), idx)
	_, err = m.Eval(ctx, message("$none", 2, "$x", "$y"), &some)
	assert.Equal(t, FaultState, FaultOf(err))

	assert.Equal(t, event.Idx(2), m.Retired())
}

func TestEval_DuplicateConcurrentAdmission(t *testing.T) {
	ctx := context.Background()
	m := newVM(t, Options{})
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	m.Hooks().Add(SiteConform, Filter{Type: event.TypeCreate}, func(context.Context, *Eval) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	})

	type result struct {
		idx event.Idx
		err error
	}
	done := make(chan result, 1)
	go func() {
		idx, err := m.Eval(ctx, create("$A"), &lenient)
		done <- result{idx, err}
	}()
	<-entered

	live, ok := m.Registry().Find("$A")
	require.True(t, ok)
	assert.Equal(t, PhaseConform, live.Phase())

	idx, err := m.Eval(ctx, create("$A"), &lenient)
	assert.Zero(t, idx)
	assert.ErrorIs(t, err, ErrInFlight)
	assert.Equal(t, FaultExists, FaultOf(err))

	close(release)
	first := <-done
	require.NoError(t, first.err)
	assert.Equal(t, event.Idx(1), first.idx)

	// once admitted, the store catches the duplicate
	_, err = m.Eval(ctx, create("$A"), &lenient)
	assert.ErrorIs(t, err, ErrExists)
	quiet := lenient
	quiet.NoThrow = FaultExists
	idx, err = m.Eval(ctx, create("$A"), &quiet)
	assert.NoError(t, err)
	assert.Zero(t, idx)

	assert.Equal(t, event.Idx(1), m.Retired())
	assert.Zero(t, m.Registry().Len())
}

func TestEval_SequenceVisibleToDependants(t *testing.T) {
	ctx := WithOwner(context.Background(), "sync")
	m := newVM(t, Options{})
	var seq, min, max event.Idx
	var next *Eval
	var owned int
	m.Hooks().Add(SiteNotify, Filter{}, func(_ context.Context, ev *Eval) error {
		seq, min, max = ev.Seq(), m.Registry().SeqMin(), m.Registry().SeqMax()
		next = m.Registry().SeqNext(seq - 1)
		owned = m.Registry().Count("sync")
		return nil
	})
	_, err := m.Eval(ctx, create("$A"), &lenient)
	require.NoError(t, err)
	idx, err := m.Eval(ctx, message("$B", 2, "$A"), &lenient)
	require.NoError(t, err)

	assert.Equal(t, idx, seq)
	assert.Equal(t, idx, min)
	assert.Equal(t, idx, max)
	require.NotNil(t, next)
	assert.Equal(t, "$B", next.EventID)
	assert.Equal(t, 1, owned)
	assert.Zero(t, m.Registry().Count("sync"))
}

func TestEval_ReplayKeepsIdx(t *testing.T) {
	ctx := context.Background()
	m := newVM(t, Options{})

	idx, err := m.Eval(ctx, create("$A"), &lenient)
	require.NoError(t, err)
	require.Equal(t, event.Idx(1), idx)

	replay := lenient
	replay.Replays = true
	idx, err = m.Eval(ctx, create("$A"), &replay)
	require.NoError(t, err)
	assert.Equal(t, event.Idx(1), idx)
	assert.Equal(t, event.Idx(1), m.Retired())
	assert.Equal(t, event.Idx(1), idxOf(t, m, "$A"))
	assert.Equal(t, 1, m.DB().Count(dbs.EventID, nil))
	assert.Equal(t, 1, m.DB().Count(dbs.EventIdx, nil))

	// the sequence continues where it was
	idx, err = m.Eval(ctx, message("$B", 2, "$A"), &lenient)
	require.NoError(t, err)
	assert.Equal(t, event.Idx(2), idx)

	// without the option it is a duplicate
	_, err = m.Eval(ctx, create("$A"), &lenient)
	assert.ErrorIs(t, err, ErrExists)
}

func TestEvalJSON_StoresReceivedEvent(t *testing.T) {
	ctx := context.Background()
	m := newVM(t, Options{})

	raw, err := event.WithHashes([]byte(`{"type":"m.room.create","room_id":"` + room + `",` +
		`"sender":"` + alice + `","state_key":"","origin":"example.org","origin_server_ts":1,` +
		`"depth":1,"prev_events":[],"auth_events":[],"prev_state":[],"membership":"join",` +
		`"content":{"creator":"` + alice + `","room_version":"10"}}`))
	require.NoError(t, err)
	id, err := event.ID(raw, "10")
	require.NoError(t, err)

	idx, err := m.EvalJSON(ctx, raw, &lenient)
	require.NoError(t, err)
	require.Equal(t, event.Idx(1), idx)
	assert.Equal(t, idx, idxOf(t, m, id))

	f := dbs.NewFetch(dbs.FetchOpts{ForceJSON: true})
	require.True(t, m.DB().Seek(m.DB().Reader(), f, idx))
	assert.Contains(t, string(f.JSON), `"prev_state":[]`)
	assert.Contains(t, string(f.JSON), `"membership":"join"`)
	assert.True(t, event.CheckHashes(f.JSON))
	again, err := event.ID(f.JSON, "10")
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, id, f.Event.EventID)
}

func TestEvalBatch_SortsAndAbsorbs(t *testing.T) {
	ctx := context.Background()
	m := newVM(t, Options{})
	bad := message("$bad", 2, "$A")
	bad.Sender = "nobody"
	events := []*event.Event{message("$C", 3, "$B"), bad, create("$A"), message("$B", 2, "$A")}

	rep, err := m.EvalBatch(ctx, events, &lenient)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Accepted)
	assert.Equal(t, 1, rep.Faults[FaultEvent])
	assert.Equal(t, 1, rep.Faulted())
	assert.Equal(t, event.Idx(3), rep.Last)
	assert.Equal(t, event.Idx(1), idxOf(t, m, "$A"))
	assert.Equal(t, event.Idx(2), idxOf(t, m, "$B"))
	assert.Equal(t, event.Idx(3), idxOf(t, m, "$C"))

	// replaying the batch skips what is there
	quiet := lenient
	quiet.NoThrow = FaultExists
	rep, err = m.EvalBatch(ctx, events, &quiet)
	require.NoError(t, err)
	assert.Zero(t, rep.Accepted)
	assert.Equal(t, 3, rep.Skipped)
}

func TestEvalBatch_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := newVM(t, Options{})
	m.Hooks().Add(SiteNotify, Filter{}, func(context.Context, *Eval) error {
		cancel()
		return nil
	})
	events := []*event.Event{create("$A"), message("$B", 2, "$A"), message("$C", 3, "$B")}
	rep, err := m.EvalBatch(ctx, events, &lenient)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, rep.Accepted)
	assert.Equal(t, event.Idx(1), m.Retired())

	// cancellation is never absorbed
	opts := lenient
	opts.NoThrow = FaultInterrupt | FaultExists
	idx, err := m.Eval(ctx, message("$D", 2, "$A"), &opts)
	assert.Zero(t, idx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, FaultInterrupt, FaultOf(err))
}

func TestEval_FetchesMissingPrev(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var reqs []FetchRequest
	fetcher := FetcherFunc(func(_ context.Context, req FetchRequest) ([]byte, error) {
		mu.Lock()
		reqs = append(reqs, req)
		mu.Unlock()
		return json.Marshal([]*event.Event{message("$B", 2, "$A"), create("$A")})
	})
	m := newVM(t, Options{Fetcher: fetcher})
	opts := lenient
	opts.Origin = "remote.org"
	opts.RequireAllPrev = true

	idx, err := m.Eval(ctx, message("$C", 3, "$B"), &opts)
	require.NoError(t, err)
	assert.Equal(t, event.Idx(3), idx)
	require.Len(t, reqs, 1)
	assert.Equal(t, []string{"$B"}, reqs[0].IDs)
	assert.Equal(t, "remote.org", reqs[0].Origin)
	assert.Equal(t, "$C", reqs[0].EventID)
	assert.Equal(t, event.Idx(1), idxOf(t, m, "$A"))
	assert.Equal(t, event.Idx(2), idxOf(t, m, "$B"))
}

func TestEval_FetchRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	calls := 0
	m := newVM(t, Options{Fetcher: FetcherFunc(func(context.Context, FetchRequest) ([]byte, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("remote unreachable")
		}
		return []byte("[]"), nil
	})})
	opts := lenient
	opts.RequireAnyPrev = true
	opts.FetchRetries = 3

	_, err := m.Eval(ctx, message("$C", 3, "$B"), &opts)
	assert.Equal(t, FaultState, FaultOf(err))
	assert.Equal(t, 3, calls)
	assert.Zero(t, m.Retired())
}

func TestHooks(t *testing.T) {
	ctx := context.Background()
	m := newVM(t, Options{})
	remove := m.Hooks().Add(SiteConform, Filter{Type: "m.room.message"}, func(context.Context, *Eval) error {
		return errors.New("no messages here")
	})
	var notified []event.Idx
	m.Hooks().Add(SiteNotify, Filter{RoomID: room}, func(_ context.Context, ev *Eval) error {
		notified = append(notified, ev.Seq())
		return nil
	})
	m.Hooks().Add(SiteEffect, Filter{}, func(context.Context, *Eval) error {
		return errors.New("effect failed")
	})

	_, err := m.Eval(ctx, create("$A"), &lenient)
	require.NoError(t, err)
	_, err = m.Eval(ctx, message("$B", 2, "$A"), &lenient)
	assert.Equal(t, FaultEvent, FaultOf(err))
	assert.ErrorContains(t, err, "no messages here")

	remove()
	assert.Zero(t, m.Hooks().Len(SiteConform))
	idx, err := m.Eval(ctx, message("$B", 2, "$A"), &lenient)
	require.NoError(t, err)
	assert.Equal(t, event.Idx(2), idx)
	assert.Equal(t, []event.Idx{1, 2}, notified)
}

func TestAuthorizer(t *testing.T) {
	ctx := context.Background()
	m := newVM(t, Options{Authorizer: AuthorizerFunc(func(_ context.Context, _ *dbs.DB, e *event.Event) error {
		if e.Sender != alice {
			return errors.New("not alice")
		}
		return nil
	})})
	_, err := m.Eval(ctx, create("$A"), &lenient)
	require.NoError(t, err)
	eve := message("$E", 2, "$A")
	eve.Sender = "@eve:example.org"
	_, err = m.Eval(ctx, eve, &lenient)
	assert.ErrorIs(t, err, ErrDenied)
	assert.Equal(t, FaultAuth, FaultOf(err))

	skip := lenient
	skip.Phases = PhaseAll &^ PhaseAuth
	idx, err := m.Eval(ctx, eve, &skip)
	require.NoError(t, err)
	assert.Equal(t, event.Idx(2), idx)
}
