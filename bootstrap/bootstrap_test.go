package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-construct/construct-sub013/dbs"
	"github.com/matrix-construct/construct-sub013/event"
	"github.com/matrix-construct/construct-sub013/utils"
	"github.com/matrix-construct/construct-sub013/vm"
)

const (
	room  = "!r:example.org"
	alice = "@alice:example.org"
)

var quiet = utils.NewDefaultLogger(slog.LevelError)

// snapshot is vm.Bootstrap tolerating the unsigned test events
var snapshot = func() vm.Opts {
	opts := vm.Bootstrap
	opts.NonConform |= event.MissingAuthEvents
	return opts
}()

func newVM(t *testing.T) *vm.VM {
	db, err := dbs.Open("db", &pebble.Options{FS: vfs.NewMem()}, dbs.Options{Logger: quiet})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	m, err := vm.New(db, vm.Options{Logger: quiet})
	require.NoError(t, err)
	return m
}

func ev(id string, depth int64, prevs ...string) *event.Event {
	if prevs == nil {
		prevs = []string{}
	}
	p, _ := json.Marshal(prevs)
	e := &event.Event{
		EventID:        id,
		RoomID:         room,
		Sender:         alice,
		Type:           "m.room.message",
		Depth:          depth,
		OriginServerTS: 1000 + depth,
		PrevEvents:     p,
		AuthEvents:     json.RawMessage(`[]`),
		Content:        json.RawMessage(`{"body":"` + id + `"}`),
	}
	if depth == 1 {
		sk := ""
		e.Type = event.TypeCreate
		e.StateKey = &sk
		e.Content = json.RawMessage(`{"creator":"` + alice + `"}`)
	}
	return e
}

// chain is a create event followed by n-1 messages, each on the last.
func chain(n int) []*event.Event {
	events := []*event.Event{ev("$e1", 1)}
	for i := 2; i <= n; i++ {
		events = append(events, ev(fmt.Sprintf("$e%d", i), int64(i), fmt.Sprintf("$e%d", i-1)))
	}
	return events
}

func jsonl(t *testing.T, events []*event.Event) []byte {
	var buf bytes.Buffer
	for _, e := range events {
		raw, err := json.Marshal(e)
		require.NoError(t, err)
		buf.Write(raw)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func TestFeed_Array(t *testing.T) {
	m := newVM(t)
	events := chain(50)
	raw, err := json.Marshal(events)
	require.NoError(t, err)

	stats, err := Feed(context.Background(), m, bytes.NewReader(append([]byte("\n  "), raw...)), Options{
		Logger:     quiet,
		Eval:       &snapshot,
		BatchBytes: 2048,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(50), stats.Events)
	assert.Equal(t, uint64(50), stats.Accepted)
	assert.Zero(t, stats.Faulted)
	assert.NotEmpty(t, stats.Job)
	assert.Equal(t, event.Idx(50), m.Retired())
	assert.Contains(t, stats.String(), "50 events")

	var heads []string
	for _, id := range m.DB().RoomHeads(m.DB().Reader(), room) {
		heads = append(heads, id)
	}
	assert.Equal(t, []string{"$e50"}, heads)
}

func TestFeed_LinesAndBadRecords(t *testing.T) {
	m := newVM(t)
	events := chain(10)
	feed := jsonl(t, events[:5])
	feed = append(feed, "{\"type\":7}\n\"not an event\"\n"...)
	feed = append(feed, jsonl(t, events[5:])...)

	stats, err := Feed(context.Background(), m, bytes.NewReader(feed), Options{Logger: quiet, Eval: &snapshot})
	require.NoError(t, err)
	assert.Equal(t, uint64(12), stats.Events)
	assert.Equal(t, uint64(10), stats.Accepted)
	assert.Equal(t, uint64(2), stats.Faulted)

	// a second pass skips what is already there
	stats, err = Feed(context.Background(), m, bytes.NewReader(jsonl(t, events)), Options{Logger: quiet, Eval: &snapshot})
	require.NoError(t, err)
	assert.Zero(t, stats.Accepted)
	assert.Equal(t, uint64(10), stats.Skipped)
	assert.Equal(t, event.Idx(10), m.Retired())
}

func TestFeed_TruncatedInput(t *testing.T) {
	m := newVM(t)
	raw, err := json.Marshal(chain(3))
	require.NoError(t, err)
	_, err = Feed(context.Background(), m, bytes.NewReader(raw[:len(raw)-10]), Options{Logger: quiet, Eval: &snapshot})
	assert.Error(t, err)
}

func TestFeed_Cancelled(t *testing.T) {
	m := newVM(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Feed(ctx, m, bytes.NewReader(jsonl(t, chain(5))), Options{Logger: quiet, Eval: &snapshot})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFile_Missing(t *testing.T) {
	_, err := File(context.Background(), newVM(t), t.TempDir()+"/nope.json", Options{Logger: quiet})
	assert.Error(t, err)
}

func TestBackfill_PagesUntilNothingNew(t *testing.T) {
	ctx := context.Background()
	m := newVM(t)
	history := chain(30)
	lenient := snapshot
	_, err := m.Eval(ctx, history[29], &lenient)
	require.NoError(t, err)

	var calls atomic.Int32
	src := SourceFunc(func(_ context.Context, r string, from []string, limit int) ([]byte, error) {
		calls.Add(1)
		if r != room || len(from) == 0 {
			return nil, errors.New("bad request")
		}
		// the events right below the oldest one we were given
		var depth int
		_, _ = fmt.Sscanf(from[0], "$e%d", &depth)
		lo := max(0, depth-1-limit)
		return json.Marshal(history[lo : depth-1])
	})
	b := NewBackfill(m, src, BackfillOptions{Logger: quiet, Eval: &lenient, Limit: 10, Workers: 2})
	defer b.Close()

	done := make(chan Job, 1)
	id, err := b.Submit(ctx, room, done)
	require.NoError(t, err)
	job := <-done
	b.Wait()

	assert.Equal(t, id, job.ID)
	assert.NoError(t, job.Err)
	assert.Equal(t, 29, job.Accepted)
	assert.Equal(t, 4, job.Pages)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, event.Idx(30), m.Retired())
}

func TestBackfill_SameRoomSameWorker(t *testing.T) {
	b := NewBackfill(newVM(t), SourceFunc(func(context.Context, string, []string, int) ([]byte, error) {
		return []byte("[]"), nil
	}), BackfillOptions{Logger: quiet, Workers: 8})
	defer b.Close()
	for i := 0; i < 16; i++ {
		r := fmt.Sprintf("!room%d:example.org", i)
		assert.Equal(t, b.shard(r), b.shard(r))
		assert.Less(t, b.shard(r), 8)
	}
}

func TestBackfill_Close(t *testing.T) {
	ctx := context.Background()
	m := newVM(t)
	lenient := snapshot
	_, err := m.Eval(ctx, ev("$e1", 1), &lenient)
	require.NoError(t, err)

	started := make(chan struct{})
	src := SourceFunc(func(ctx context.Context, _ string, _ []string, _ int) ([]byte, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	b := NewBackfill(m, src, BackfillOptions{Logger: quiet, Workers: 1})
	done := make(chan Job, 2)
	_, err = b.Submit(ctx, room, done)
	require.NoError(t, err)
	_, err = b.Submit(ctx, room, done)
	require.NoError(t, err)
	<-started

	require.NoError(t, b.Close())
	first, second := <-done, <-done
	assert.ErrorIs(t, first.Err, context.Canceled)
	assert.ErrorIs(t, second.Err, ErrBackfillClosed)

	_, err = b.Submit(ctx, room, done)
	assert.ErrorIs(t, err, ErrBackfillClosed)
	assert.True(t, strings.HasPrefix(ErrBackfillClosed.Error(), "construct:"))
}

func TestBackfill_CloseWithIdleReceiver(t *testing.T) {
	ctx := context.Background()
	m := newVM(t)
	started := make(chan struct{})
	src := SourceFunc(func(ctx context.Context, _ string, _ []string, _ int) ([]byte, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	b := NewBackfill(m, src, BackfillOptions{Logger: quiet, Workers: 1})
	_, err := m.Eval(ctx, ev("$e1", 1), &snapshot)
	require.NoError(t, err)

	// nobody ever reads this
	done := make(chan Job)
	_, err = b.Submit(ctx, room, done)
	require.NoError(t, err)
	<-started

	closed := make(chan struct{})
	go func() {
		_ = b.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked on the outcome receiver")
	}
}
