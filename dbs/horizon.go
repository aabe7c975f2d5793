package dbs

import (
	"bytes"
	"iter"

	"github.com/cockroachdb/pebble"

	"github.com/matrix-construct/construct-sub013/event"
)

// horizonReplay is what is re-run for an event once a reference it was
// waiting on becomes known.
const horizonReplay = AppendixEventRefs | AppendixRoomRedact | AppendixRoomHeadResolve

var horizonFields = event.Select("room_id", "type", "prev_events", "auth_events", "redacts", "content")

type horizonRow struct {
	key []byte
	idx event.Idx
}

// eventHorizonResolve discharges every horizon row waiting on this
// event's id, a page at a time. Referrers that cannot be fetched are
// logged and left in place.
func (w *writer) eventHorizonResolve() error {
	if w.op == Delete {
		return nil
	}
	prefix := stringPrefix(w.e.EventID)
	page := w.d.opts.HorizonPage
	var from []byte
	f := NewFetch(FetchOpts{Fields: horizonFields})
	for {
		rows := make([]horizonRow, 0, page)
		for key := range w.d.scanFrom(w.txn, EventHorizon, prefix, from, false) {
			_, idx := EventHorizonKeyDecode(key)
			rows = append(rows, horizonRow{key: bytes.Clone(key), idx: idx})
			if len(rows) == page {
				break
			}
		}
		for _, row := range rows {
			if err := w.resolve(f, row); err != nil {
				return err
			}
		}
		if len(rows) < page {
			return nil
		}
		from = append(rows[len(rows)-1].key, 0)
	}
}

func (w *writer) resolve(f *Fetch, row horizonRow) error {
	if !w.d.Seek(w.txn, f, row.idx) {
		w.d.log.Warn("horizon referrer unfetchable",
			"event_id", w.e.EventID, "room_id", w.e.RoomID, "referrer_idx", row.idx)
		HorizonSkipped.Inc()
		return nil
	}
	err := w.d.Write(w.txn, &f.Event, WriteOpts{
		Op:       Set,
		Idx:      row.idx,
		Appendix: horizonReplay,
	})
	if err != nil {
		return err
	}
	HorizonResolved.Inc()
	return w.del(EventHorizon, row.key)
}

// Horizon lists the idx of every event waiting on the unknown event id.
func (d *DB) Horizon(r pebble.Reader, id string) iter.Seq[event.Idx] {
	return func(yield func(event.Idx) bool) {
		for key := range d.scan(r, EventHorizon, stringPrefix(id), false) {
			_, idx := EventHorizonKeyDecode(key)
			if !yield(idx) {
				return
			}
		}
	}
}

// HorizonIDs walks the whole horizon: each unresolved id with one
// referrer per step.
func (d *DB) HorizonIDs(r pebble.Reader) iter.Seq2[string, event.Idx] {
	return func(yield func(string, event.Idx) bool) {
		for key := range d.scan(r, EventHorizon, nil, false) {
			if !yield(EventHorizonKeyDecode(key)) {
				return
			}
		}
	}
}

// Referrers lists the events referencing tgt and how.
func (d *DB) Referrers(r pebble.Reader, tgt event.Idx) iter.Seq2[RefType, event.Idx] {
	return func(yield func(RefType, event.Idx) bool) {
		for key := range d.scan(r, EventRefs, EventRefsPrefix(tgt), false) {
			_, typ, src := EventRefsKeyDecode(key)
			if !yield(typ, src) {
				return
			}
		}
	}
}

// HasRef reports whether the edge src -typ-> tgt is indexed.
func (d *DB) HasRef(r pebble.Reader, tgt event.Idx, typ RefType, src event.Idx) (bool, error) {
	_, ok, err := d.get(r, EventRefs, EventRefsKey(tgt, typ, src))
	return ok, err
}
