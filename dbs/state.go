package dbs

import (
	"context"
	"iter"

	"github.com/cockroachdb/pebble"

	"github.com/matrix-construct/construct-sub013/event"
)

// StateCell is one present-state entry of a room.
type StateCell struct {
	Type     string
	StateKey string
	Idx      event.Idx
}

// StateSpaceCell is one historical state entry.
type StateSpaceCell struct {
	Type     string
	StateKey string
	Depth    int64
	Idx      event.Idx
}

// RoomStateGet resolves the present state cell (type, state_key).
func (d *DB) RoomStateGet(r pebble.Reader, room, typ, stateKey string) (event.Idx, bool, error) {
	key, err := RoomStateKey(room, typ, stateKey)
	if err != nil {
		return event.IdxNone, false, err
	}
	return d.roomStateIdx(r, key)
}

// RoomState walks the present state of a room ordered by type and
// state_key, optionally limited to one type.
func (d *DB) RoomState(r pebble.Reader, room string, typ ...string) iter.Seq[StateCell] {
	return func(yield func(StateCell) bool) {
		for key, val := range d.scan(r, RoomState, RoomStatePrefix(room, typ...), false) {
			t, sk := RoomStateKeyDecode(key)
			if !yield(StateCell{Type: t, StateKey: sk, Idx: IdxKeyDecode(val)}) {
				return
			}
		}
	}
}

// StateSpace walks every state event ever seen in a room by type and
// state_key, newest first within each cell. parts narrows it to a type,
// then a state_key.
func (d *DB) StateSpace(r pebble.Reader, room string, parts ...string) iter.Seq[StateSpaceCell] {
	return func(yield func(StateSpaceCell) bool) {
		for key := range d.scan(r, RoomStateSpace, RoomStateSpacePrefix(room, parts...), false) {
			t, sk, depth, idx := RoomStateSpaceKeyDecode(key)
			if !yield(StateSpaceCell{Type: t, StateKey: sk, Depth: depth, Idx: idx}) {
				return
			}
		}
	}
}

// Joined walks the joined members of a room as (origin, user_id).
func (d *DB) Joined(r pebble.Reader, room string) iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		for key := range d.scan(r, RoomJoined, stringPrefix(room), false) {
			if !yield(RoomJoinedKeyDecode(key)) {
				return
			}
		}
	}
}

// EventsByType walks the idx of every event of a type, ascending.
func (d *DB) EventsByType(r pebble.Reader, typ string) iter.Seq[event.Idx] {
	return d.stringIdx(r, EventType, typ)
}

// EventsBySender walks the idx of every event a user sent, ascending.
func (d *DB) EventsBySender(r pebble.Reader, sender string) iter.Seq[event.Idx] {
	return d.stringIdx(r, EventSender, sender)
}

func (d *DB) stringIdx(r pebble.Reader, desc *Descriptor, s string) iter.Seq[event.Idx] {
	return func(yield func(event.Idx) bool) {
		for key := range d.scan(r, desc, stringPrefix(s), false) {
			_, idx := stringIdxKeyDecode(key)
			if !yield(idx) {
				return
			}
		}
	}
}

var stateSpaceFields = event.Select("room_id", "type", "state_key", "depth")

// StateSpaceRebuild regenerates a room's state space from its timeline.
func (d *DB) StateSpaceRebuild(ctx context.Context, room string) (rep Report, err error) {
	txn := d.NewBatch()
	defer txn.Close()
	for key := range d.scan(d.db, RoomStateSpace, stringPrefix(room), false) {
		if err = txn.Delete(RoomStateSpace.key(key), nil); err != nil {
			return
		}
	}
	f := NewFetch(FetchOpts{Fields: stateSpaceFields})
	for depth, idx := range d.RoomEvents(d.db, room, true) {
		if err = ctx.Err(); err != nil {
			return
		}
		rep.Rows++
		if !d.Seek(d.db, f, idx) {
			d.log.WarnCtx(ctx, "state space rebuild: skipping unfetchable event",
				"room_id", room, "idx", idx, "depth", depth)
			RepairRows.WithLabelValues("state_space_rebuild", "skipped").Inc()
			rep.Skipped++
			continue
		}
		if !f.Event.IsState() {
			continue
		}
		err = d.Write(txn, &f.Event, WriteOpts{Op: Set, Idx: idx, Appendix: AppendixRoomStateSpace})
		if err != nil {
			return
		}
		rep.Repaired++
		RepairRows.WithLabelValues("state_space_rebuild", "repaired").Inc()
	}
	err = d.Commit(txn)
	d.log.InfoCtx(ctx, "state space rebuild", "room_id", room, "rows", rep.Rows, "repaired", rep.Repaired, "skipped", rep.Skipped)
	return
}

var redactionFields = event.Select("room_id")

// redacted reports whether an event of room redacts tgt.
func (d *DB) redacted(r pebble.Reader, room string, tgt event.Idx) bool {
	f := NewFetch(FetchOpts{Fields: redactionFields})
	for typ, src := range d.Referrers(r, tgt) {
		if typ != RefRedaction {
			continue
		}
		if d.Seek(r, f, src) && f.Event.RoomID == room {
			return true
		}
	}
	return false
}

// StateRebuild recomputes the present state of a room from its state
// space: the newest event of every (type, state_key) wins, and a
// redacted winner leaves the cell empty. Rows whose event is gone are
// logged and skipped.
func (d *DB) StateRebuild(ctx context.Context, room string) (rep Report, err error) {
	txn := d.NewBatch()
	defer txn.Close()
	for cell := range d.RoomState(d.db, room) {
		var key []byte
		if key, err = RoomStateKey(room, cell.Type, cell.StateKey); err != nil {
			return
		}
		if err = txn.Delete(RoomState.key(key), nil); err != nil {
			return
		}
	}
	var last *StateSpaceCell
	for cell := range d.StateSpace(d.db, room) {
		if err = ctx.Err(); err != nil {
			return
		}
		rep.Rows++
		if last != nil && last.Type == cell.Type && last.StateKey == cell.StateKey {
			continue
		}
		if _, ok, _ := d.EventIDOf(d.db, cell.Idx); !ok {
			d.log.WarnCtx(ctx, "state rebuild: skipping missing event",
				"room_id", room, "type", cell.Type, "state_key", cell.StateKey, "idx", cell.Idx)
			RepairRows.WithLabelValues("state_rebuild", "skipped").Inc()
			rep.Skipped++
			continue
		}
		if d.redacted(d.db, room, cell.Idx) {
			c := cell
			last = &c
			continue
		}
		var key []byte
		if key, err = RoomStateKey(room, cell.Type, cell.StateKey); err != nil {
			d.log.WarnCtx(ctx, "state rebuild: skipping unkeyable cell", "room_id", room, "type", cell.Type, "err", err)
			rep.Skipped++
			err = nil
			continue
		}
		if err = txn.Set(RoomState.key(key), IdxKey(cell.Idx), nil); err != nil {
			return
		}
		c := cell
		last = &c
		rep.Repaired++
		RepairRows.WithLabelValues("state_rebuild", "repaired").Inc()
	}
	err = d.Commit(txn)
	d.log.InfoCtx(ctx, "state rebuild", "room_id", room, "rows", rep.Rows, "repaired", rep.Repaired, "skipped", rep.Skipped)
	return
}
