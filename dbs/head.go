package dbs

import (
	"context"
	"iter"

	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/matrix-construct/construct-sub013/event"
)

var RepairRows = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "construct",
	Subsystem: "dbs",
	Name:      "repair_rows",
}, []string{"tool", "result"})

// Report is what a repair tool did.
type Report struct {
	Rows     int
	Repaired int
	Skipped  int
}

// RoomEvents walks a room's timeline newest first: depth descending,
// idx descending. reverse walks it oldest first.
func (d *DB) RoomEvents(r pebble.Reader, room string, reverse bool) iter.Seq2[int64, event.Idx] {
	return func(yield func(int64, event.Idx) bool) {
		for key := range d.scan(r, RoomEvents, stringPrefix(room), reverse) {
			if !yield(RoomEventsKeyDecode(key)) {
				return
			}
		}
	}
}

// RoomHeads lists the current head of a room: idx and event id of every
// event without a known child.
func (d *DB) RoomHeads(r pebble.Reader, room string) iter.Seq2[event.Idx, string] {
	return func(yield func(event.Idx, string) bool) {
		for key, val := range d.scan(r, RoomHead, stringPrefix(room), false) {
			_, idx := RoomHeadKeyDecode(key)
			if !yield(idx, string(val)) {
				return
			}
		}
	}
}

// RoomTop is the newest event of a room's timeline.
func (d *DB) RoomTop(r pebble.Reader, room string) (depth int64, idx event.Idx, ok bool) {
	for depth, idx = range d.RoomEvents(r, room, false) {
		return depth, idx, true
	}
	return 0, event.IdxNone, false
}

func (d *DB) clearHeads(txn *pebble.Batch, room string) (n int, err error) {
	for key := range d.scan(d.db, RoomHead, stringPrefix(room), false) {
		if err = txn.Delete(RoomHead.key(key), nil); err != nil {
			return
		}
		n++
	}
	return
}

// HeadReset makes the newest timeline event the sole head of the room.
// Unfetchable rows are logged and skipped in favour of the next newest.
func (d *DB) HeadReset(ctx context.Context, room string) (rep Report, err error) {
	txn := d.NewBatch()
	defer txn.Close()
	if rep.Rows, err = d.clearHeads(txn, room); err != nil {
		return
	}
	for _, idx := range d.RoomEvents(d.db, room, false) {
		if err = ctx.Err(); err != nil {
			return
		}
		id, ok, lerr := d.EventIDOf(txn, idx)
		if lerr != nil || !ok {
			d.log.WarnCtx(ctx, "head reset: skipping unfetchable event", "room_id", room, "idx", idx, "err", lerr)
			RepairRows.WithLabelValues("head_reset", "skipped").Inc()
			rep.Skipped++
			continue
		}
		var key []byte
		if key, err = RoomHeadKey(room, idx); err != nil {
			return
		}
		if err = txn.Set(RoomHead.key(key), []byte(id), nil); err != nil {
			return
		}
		rep.Repaired++
		RepairRows.WithLabelValues("head_reset", "repaired").Inc()
		break
	}
	err = d.Commit(txn)
	d.log.InfoCtx(ctx, "head reset", "room_id", room, "removed", rep.Rows, "repaired", rep.Repaired, "skipped", rep.Skipped)
	return
}

var headFields = event.Select("room_id", "prev_events", "event_id")

// HeadRebuild replays ROOM_HEAD over the whole timeline oldest first.
func (d *DB) HeadRebuild(ctx context.Context, room string) (rep Report, err error) {
	txn := d.NewBatch()
	defer txn.Close()
	if _, err = d.clearHeads(txn, room); err != nil {
		return
	}
	f := NewFetch(FetchOpts{Fields: headFields})
	for depth, idx := range d.RoomEvents(d.db, room, true) {
		if err = ctx.Err(); err != nil {
			return
		}
		rep.Rows++
		if !d.Seek(txn, f, idx) || f.Event.EventID == "" {
			d.log.WarnCtx(ctx, "head rebuild: skipping unfetchable event",
				"room_id", room, "idx", idx, "depth", depth)
			RepairRows.WithLabelValues("head_rebuild", "skipped").Inc()
			rep.Skipped++
			continue
		}
		err = d.Write(txn, &f.Event, WriteOpts{
			Op:       Set,
			Idx:      idx,
			Appendix: AppendixRoomHeadResolve | AppendixRoomHead,
		})
		if err != nil {
			return
		}
		rep.Repaired++
		RepairRows.WithLabelValues("head_rebuild", "repaired").Inc()
	}
	err = d.Commit(txn)
	d.log.InfoCtx(ctx, "head rebuild", "room_id", room, "rows", rep.Rows, "repaired", rep.Repaired, "skipped", rep.Skipped)
	return
}
