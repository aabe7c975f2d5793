package dbs

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-construct/construct-sub013/event"
	"github.com/matrix-construct/construct-sub013/utils"
)

const room = "!room:example.org"

func openTestDB(t *testing.T, fs vfs.FS) *DB {
	if fs == nil {
		fs = vfs.NewMem()
	}
	d, err := Open("db", &pebble.Options{FS: fs}, Options{
		Logger:      utils.NewDefaultLogger(slog.LevelError),
		HorizonPage: 4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func ids(refs ...string) json.RawMessage {
	if refs == nil {
		refs = []string{}
	}
	raw, _ := json.Marshal(refs)
	return raw
}

func message(id string, depth int64, prevs ...string) *event.Event {
	return &event.Event{
		EventID:        id,
		RoomID:         room,
		Sender:         "@alice:example.org",
		Type:           "m.room.message",
		Depth:          depth,
		OriginServerTS: 1000 + depth,
		PrevEvents:     ids(prevs...),
		AuthEvents:     ids(),
		Content:        json.RawMessage(`{"body":"` + id + `","msgtype":"m.text"}`),
	}
}

func stateEvent(id, typ, stateKey string, depth int64, content string, prevs ...string) *event.Event {
	e := message(id, depth, prevs...)
	e.Type = typ
	e.StateKey = &stateKey
	e.Content = json.RawMessage(content)
	return e
}

func admit(t *testing.T, d *DB, e *event.Event, idx event.Idx) {
	txn := d.NewBatch()
	defer txn.Close()
	require.NoError(t, d.Write(txn, e, WriteOpts{Op: Set, Idx: idx}))
	require.NoError(t, d.Commit(txn))
}

func timeline(d *DB) (out []event.Idx) {
	for _, idx := range d.RoomEvents(d.Reader(), room, false) {
		out = append(out, idx)
	}
	return
}

func heads(d *DB) (out []string) {
	for _, id := range d.RoomHeads(d.Reader(), room) {
		out = append(out, id)
	}
	slices.Sort(out)
	return
}

func TestWrite_TimelineDescendingDepth(t *testing.T) {
	d := openTestDB(t, nil)
	admit(t, d, message("$d2", 2), 1)
	admit(t, d, message("$d5", 5), 2)
	admit(t, d, message("$d1", 1), 3)
	admit(t, d, message("$d3", 3), 4)
	admit(t, d, message("$d5b", 5), 5)

	assert.Equal(t, []event.Idx{5, 2, 4, 1, 3}, timeline(d))

	var asc []int64
	for depth := range d.RoomEvents(d.Reader(), room, true) {
		asc = append(asc, depth)
	}
	assert.Equal(t, []int64{1, 2, 3, 5, 5}, asc)
}

func TestWrite_OutOfOrderAdmission(t *testing.T) {
	d := openTestDB(t, nil)
	a := message("$A", 1)
	b := message("$B", 2, "$A")
	c := message("$C", 3, "$B")

	admit(t, d, c, 1)
	assert.Equal(t, []event.Idx{1}, slices.Collect(d.Horizon(d.Reader(), "$B")))
	admit(t, d, a, 2)
	admit(t, d, b, 3)

	assert.Equal(t, []event.Idx{1, 3, 2}, timeline(d), "C, B, A")
	ok, err := d.HasRef(d.Reader(), 3, RefNext, 1)
	require.NoError(t, err)
	assert.True(t, ok, "C -> B")
	ok, err = d.HasRef(d.Reader(), 2, RefNext, 3)
	require.NoError(t, err)
	assert.True(t, ok, "B -> A")
	assert.Empty(t, slices.Collect(d.Horizon(d.Reader(), "$B")))
	assert.Equal(t, []string{"$C"}, heads(d))
}

func TestHorizon_ResolvesAcrossPages(t *testing.T) {
	d := openTestDB(t, nil)
	const n = 11
	for i := 1; i <= n; i++ {
		admit(t, d, message("$child"+string(rune('a'+i)), 5, "$parent"), event.Idx(i))
	}
	assert.Len(t, slices.Collect(d.Horizon(d.Reader(), "$parent")), n)
	assert.Len(t, heads(d), n)

	admit(t, d, message("$parent", 4), n+1)

	assert.Empty(t, slices.Collect(d.Horizon(d.Reader(), "$parent")))
	var refs []event.Idx
	for typ, src := range d.Referrers(d.Reader(), n+1) {
		assert.Equal(t, RefNext, typ)
		refs = append(refs, src)
	}
	assert.Len(t, refs, n)
	assert.Len(t, heads(d), n, "the parent is not a leaf")
	assert.NotContains(t, heads(d), "$parent")
}

func TestHorizon_UnfetchableReferrerIsSkipped(t *testing.T) {
	d := openTestDB(t, nil)
	txn := d.NewBatch()
	key, err := EventHorizonKey("$late", 40)
	require.NoError(t, err)
	require.NoError(t, txn.Set(EventHorizon.key(key), nil, nil))
	require.NoError(t, d.Commit(txn))
	require.NoError(t, txn.Close())

	admit(t, d, message("$late", 1), 1)
	assert.Equal(t, []event.Idx{40}, slices.Collect(d.Horizon(d.Reader(), "$late")))
}

func TestFetch_StrategiesAgree(t *testing.T) {
	d := openTestDB(t, nil)
	e := stateEvent("$m", event.TypeMember, "@bob:example.org", 7,
		`{"membership":"join", "displayname":"Bob"}`, "$x")
	e.Origin = "example.org"
	admit(t, d, e, 1)

	sel := event.AllFields.Without(event.FieldHashes).Without(event.FieldSignatures)
	cols := NewFetch(FetchOpts{Fields: sel})
	require.True(t, cols.Opts.Decomposed())
	require.True(t, d.Seek(d.Reader(), cols, 1))
	assert.Nil(t, cols.JSON)

	blob := NewFetch(FetchOpts{Fields: sel, ForceJSON: true})
	require.True(t, d.Seek(d.Reader(), blob, 1))
	assert.NotNil(t, blob.JSON)

	assert.Equal(t, cols.Event, blob.Event)
	assert.Equal(t, `{"displayname":"Bob","membership":"join"}`, string(cols.Event.Content))
	assert.Equal(t, "$m", cols.Event.EventID)

	full, err := d.Get(1, FetchOpts{})
	require.NoError(t, err)
	assert.False(t, (&FetchOpts{}).Decomposed(), "hashes and signatures only live in the blob")
	assert.Equal(t, e.StateKeyString(), full.StateKeyString())
}

func TestFetch_EventIDFallback(t *testing.T) {
	d := openTestDB(t, nil)
	admit(t, d, message("$real", 1), 1)

	f := NewFetch(FetchOpts{Fields: event.Select("type", "event_id")})
	f.Hint = "$hinted"
	require.True(t, d.Seek(d.Reader(), f, 1))
	assert.Equal(t, "$hinted", f.Event.EventID)

	require.True(t, d.Seek(d.Reader(), f, 1))
	assert.Equal(t, "$real", f.Event.EventID, "the hint is consumed by one seek")

	only := NewFetch(FetchOpts{Fields: event.Select("event_id")})
	require.True(t, d.Seek(d.Reader(), only, 1))
	assert.Equal(t, "$real", only.Event.EventID)

	assert.False(t, d.Seek(d.Reader(), f, 2))
	_, err := d.Get(2, FetchOpts{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFetch_MalformedBlobIsNotFound(t *testing.T) {
	d := openTestDB(t, nil)
	txn := d.NewBatch()
	require.NoError(t, txn.Set(EventJSON.key(IdxKey(9)), compress(CompressionZstd, []byte(`{"type":`)), nil))
	require.NoError(t, d.Commit(txn))
	require.NoError(t, txn.Close())

	f := NewFetch(FetchOpts{ForceJSON: true})
	assert.False(t, d.Seek(d.Reader(), f, 9))
	_, err := d.Get(9, FetchOpts{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHeadReset_Idempotent(t *testing.T) {
	d := openTestDB(t, nil)
	admit(t, d, message("$1", 1), 1)
	admit(t, d, message("$2", 2, "$1"), 2)
	admit(t, d, message("$3", 3, "$2"), 3)

	// a stale head left by some earlier corruption
	txn := d.NewBatch()
	key, _ := RoomHeadKey(room, 1)
	require.NoError(t, txn.Set(RoomHead.key(key), []byte("$1"), nil))
	require.NoError(t, d.Commit(txn))
	require.NoError(t, txn.Close())
	assert.Equal(t, []string{"$1", "$3"}, heads(d))

	rep, err := d.HeadReset(context.Background(), room)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Rows)
	assert.Equal(t, 1, rep.Repaired)
	assert.Equal(t, []string{"$3"}, heads(d))

	_, err = d.HeadReset(context.Background(), room)
	require.NoError(t, err)
	assert.Equal(t, []string{"$3"}, heads(d))
}

func TestHeadRebuild_Forks(t *testing.T) {
	d := openTestDB(t, nil)
	admit(t, d, message("$root", 1), 1)
	admit(t, d, message("$left", 2, "$root"), 2)
	admit(t, d, message("$right", 2, "$root"), 3)
	admit(t, d, message("$tip", 3, "$left"), 4)
	want := []string{"$right", "$tip"}
	assert.Equal(t, want, heads(d))

	txn := d.NewBatch()
	_, err := d.clearHeads(txn, room)
	require.NoError(t, err)
	require.NoError(t, d.Commit(txn))
	require.NoError(t, txn.Close())
	assert.Empty(t, heads(d))

	rep, err := d.HeadRebuild(context.Background(), room)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Rows)
	assert.Equal(t, 0, rep.Skipped)
	assert.Equal(t, want, heads(d))
}

func TestRoomState_NewestByDepthWins(t *testing.T) {
	d := openTestDB(t, nil)
	admit(t, d, stateEvent("$name5", "m.room.name", "", 5, `{"name":"five"}`), 1)
	admit(t, d, stateEvent("$name3", "m.room.name", "", 3, `{"name":"three"}`), 2)

	idx, ok, err := d.RoomStateGet(d.Reader(), room, "m.room.name", "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, event.Idx(1), idx)

	var space []event.Idx
	for cell := range d.StateSpace(d.Reader(), room, "m.room.name") {
		space = append(space, cell.Idx)
	}
	assert.Equal(t, []event.Idx{1, 2}, space)

	admit(t, d, stateEvent("$name9", "m.room.name", "", 9, `{"name":"nine"}`), 3)
	idx, _, _ = d.RoomStateGet(d.Reader(), room, "m.room.name", "")
	assert.Equal(t, event.Idx(3), idx)

	rep, err := d.StateRebuild(context.Background(), room)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Rows)
	assert.Equal(t, 1, rep.Repaired)
	idx, _, _ = d.RoomStateGet(d.Reader(), room, "m.room.name", "")
	assert.Equal(t, event.Idx(3), idx)
}

func TestStateSpaceRebuild(t *testing.T) {
	d := openTestDB(t, nil)
	admit(t, d, stateEvent("$c", event.TypeCreate, "", 1, `{"creator":"@alice:example.org"}`), 1)
	admit(t, d, message("$msg", 2, "$c"), 2)
	admit(t, d, stateEvent("$n", "m.room.name", "", 3, `{"name":"n"}`, "$msg"), 3)

	txn := d.NewBatch()
	for key := range d.scan(d.db, RoomStateSpace, nil, false) {
		require.NoError(t, txn.Delete(RoomStateSpace.key(key), nil))
	}
	require.NoError(t, d.Commit(txn))
	require.NoError(t, txn.Close())
	assert.Empty(t, slices.Collect(d.StateSpace(d.Reader(), room)))

	rep, err := d.StateSpaceRebuild(context.Background(), room)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Rows)
	assert.Equal(t, 2, rep.Repaired)
	var types []string
	for cell := range d.StateSpace(d.Reader(), room) {
		types = append(types, cell.Type)
	}
	assert.Equal(t, []string{event.TypeCreate, "m.room.name"}, types)
}

func TestRoomRedact_RemovesState(t *testing.T) {
	d := openTestDB(t, nil)
	admit(t, d, stateEvent("$topic", "m.room.topic", "", 2, `{"topic":"t"}`), 1)
	redaction := message("$redact", 3, "$topic")
	redaction.Type = event.TypeRedaction
	redaction.Redacts = "$topic"
	admit(t, d, redaction, 2)

	_, ok, err := d.RoomStateGet(d.Reader(), room, "m.room.topic", "")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = d.HasRef(d.Reader(), 1, RefRedaction, 2)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStateRebuild_KeepsRedactionsOut(t *testing.T) {
	d := openTestDB(t, nil)
	admit(t, d, stateEvent("$c", event.TypeCreate, "", 1, `{"creator":"@alice:example.org"}`), 1)
	admit(t, d, stateEvent("$old", "m.room.topic", "", 2, `{"topic":"old"}`, "$c"), 2)
	admit(t, d, stateEvent("$topic", "m.room.topic", "", 3, `{"topic":"t"}`, "$old"), 3)
	redaction := message("$redact", 4, "$topic")
	redaction.Type = event.TypeRedaction
	redaction.Redacts = "$topic"
	admit(t, d, redaction, 4)
	_, ok, err := d.RoomStateGet(d.Reader(), room, "m.room.topic", "")
	require.NoError(t, err)
	require.False(t, ok)

	rep, err := d.StateRebuild(context.Background(), room)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Rows)
	assert.Equal(t, 1, rep.Repaired)

	_, ok, err = d.RoomStateGet(d.Reader(), room, "m.room.topic", "")
	require.NoError(t, err)
	assert.False(t, ok, "neither the redacted topic nor the one it replaced comes back")
	idx, ok, err := d.RoomStateGet(d.Reader(), room, event.TypeCreate, "")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, event.Idx(1), idx)
}

func TestRoomJoined_FollowsMembership(t *testing.T) {
	d := openTestDB(t, nil)
	joined := func() (users []string) {
		for _, user := range d.Joined(d.Reader(), room) {
			users = append(users, user)
		}
		return
	}
	admit(t, d, stateEvent("$j", event.TypeMember, "@bob:other.org", 2, `{"membership":"join"}`), 1)
	assert.Equal(t, []string{"@bob:other.org"}, joined())

	admit(t, d, stateEvent("$l", event.TypeMember, "@bob:other.org", 3, `{"membership":"leave"}`), 2)
	assert.Empty(t, joined())

	// an older join arriving late does not rejoin
	admit(t, d, stateEvent("$old", event.TypeMember, "@bob:other.org", 1, `{"membership":"join"}`), 3)
	assert.Empty(t, joined())
}

func TestWrite_DeleteUndoes(t *testing.T) {
	d := openTestDB(t, nil)
	e := message("$gone", 1)
	admit(t, d, e, 1)
	idx, err := d.EventIdx(d.Reader(), "$gone")
	require.NoError(t, err)
	assert.Equal(t, event.Idx(1), idx)

	txn := d.NewBatch()
	require.NoError(t, d.Write(txn, e, WriteOpts{Op: Delete, Idx: 1}))
	require.NoError(t, d.Commit(txn))
	require.NoError(t, txn.Close())

	idx, err = d.EventIdx(d.Reader(), "$gone")
	require.NoError(t, err)
	assert.Equal(t, event.IdxNone, idx)
	assert.Empty(t, timeline(d))
	assert.Empty(t, heads(d))
}

func TestWrite_Preconditions(t *testing.T) {
	d := openTestDB(t, nil)
	txn := d.NewBatch()
	defer txn.Close()
	assert.ErrorIs(t, d.Write(txn, message("$x", 1), WriteOpts{}), ErrNoIdx)
	assert.ErrorIs(t, d.Write(txn, message("", 1), WriteOpts{Idx: 1}), event.ErrNoEventID)
	plain := d.Pebble().NewBatch()
	defer plain.Close()
	assert.ErrorIs(t, d.Write(plain, message("$x", 1), WriteOpts{Idx: 1}), ErrNotIndexed)
}

func TestOpen_DropsDeprecatedColumnsAndRecoversIdx(t *testing.T) {
	fs := vfs.NewMem()
	d, err := Open("db", &pebble.Options{FS: fs}, Options{Logger: utils.NewDefaultLogger(slog.LevelError)})
	require.NoError(t, err)
	last, err := d.LastIdx()
	require.NoError(t, err)
	assert.Equal(t, event.IdxNone, last)

	admit(t, d, message("$a", 1), 1)
	admit(t, d, message("$b", 2, "$a"), 2)
	require.NoError(t, d.Pebble().Set(stateNode.key([]byte("old")), []byte("v"), pebble.Sync))
	require.NoError(t, d.Close())

	d = openTestDB(t, fs)
	_, closer, err := d.Pebble().Get(stateNode.key([]byte("old")))
	if closer != nil {
		_ = closer.Close()
	}
	assert.ErrorIs(t, err, pebble.ErrNotFound)
	last, err = d.LastIdx()
	require.NoError(t, err)
	assert.Equal(t, event.Idx(2), last)
	assert.Equal(t, 2, d.Count(EventJSON, nil))
}

func TestAppendix_Parse(t *testing.T) {
	a, err := ParseAppendix("event_refs|ROOM_HEAD, room_head_resolve")
	require.NoError(t, err)
	assert.Equal(t, AppendixEventRefs|AppendixRoomHead|AppendixRoomHeadResolve, a)
	assert.Equal(t, "EVENT_REFS|ROOM_HEAD_RESOLVE|ROOM_HEAD", a.String())
	all, err := ParseAppendix("all")
	require.NoError(t, err)
	assert.Equal(t, AppendixAll, all)
	_, err = ParseAppendix("nope")
	assert.Error(t, err)
}
