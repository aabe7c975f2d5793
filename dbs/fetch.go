package dbs

import (
	"encoding/binary"

	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/matrix-construct/construct-sub013/event"
)

var FetchCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "construct",
	Subsystem: "dbs",
	Name:      "fetch",
}, []string{"strategy", "result"})

// FetchOpts selects what a fetch reconstructs. A zero Fields selects
// every field.
type FetchOpts struct {
	Fields    event.FieldSet
	ForceJSON bool
}

func (o *FetchOpts) selection() event.FieldSet {
	if o.Fields == 0 {
		return event.AllFields
	}
	return o.Fields
}

// Decomposed reports whether the per-field columns can serve the
// selection. event_id is derived and never forces the JSON blob.
func (o *FetchOpts) Decomposed() bool {
	if o.ForceJSON {
		return false
	}
	ok := true
	o.selection().Without(event.FieldEventID).Each(func(i int) bool {
		ok = fieldColumns[i] != nil
		return ok
	})
	return ok
}

// Fetch is a reusable fetch state. Hint, when set, is the event id the
// caller already knows for the next seek.
type Fetch struct {
	Opts  FetchOpts
	Hint  string
	Event event.Event
	Idx   event.Idx
	Valid bool
	// JSON is the canonical blob when the JSON strategy served the seek.
	JSON []byte
}

func NewFetch(opts FetchOpts) *Fetch {
	return &Fetch{Opts: opts}
}

func (f *Fetch) reset(idx event.Idx) {
	f.Event = event.Event{}
	f.Idx = idx
	f.Valid = false
	f.JSON = nil
}

// Seek loads the event at idx into f through r. Storage errors and
// corrupt rows count as not found; the latter are logged as critical.
func (d *DB) Seek(r pebble.Reader, f *Fetch, idx event.Idx) bool {
	f.reset(idx)
	hint := f.Hint
	f.Hint = ""
	if idx == event.IdxNone {
		return false
	}
	strategy := "json"
	if f.Opts.Decomposed() {
		strategy = "cols"
		f.Valid = d.seekCols(r, f)
		if !f.Valid {
			// the columns may simply not have been written for this row
			strategy = "json"
			f.Valid = d.seekJSON(r, f)
		}
	} else {
		f.Valid = d.seekJSON(r, f)
	}
	if f.Valid && f.Opts.selection().Has(event.FieldEventID) && f.Event.EventID == "" {
		f.Event.EventID = d.deriveEventID(r, idx, hint)
	}
	result := "ok"
	if !f.Valid {
		result = "miss"
	}
	FetchCount.WithLabelValues(strategy, result).Inc()
	return f.Valid
}

// SeekID is Seek by event id.
func (d *DB) SeekID(r pebble.Reader, f *Fetch, id string) bool {
	idx, err := d.EventIdx(r, id)
	if err != nil {
		d.log.Error("event idx lookup failed", "event_id", id, "err", err)
		f.reset(event.IdxNone)
		return false
	}
	f.Hint = id
	return d.Seek(r, f, idx)
}

// Get is the erroring form of Seek against committed data.
func (d *DB) Get(idx event.Idx, opts FetchOpts) (*event.Event, error) {
	f := NewFetch(opts)
	if !d.Seek(d.db, f, idx) {
		return nil, ErrNotFound
	}
	return &f.Event, nil
}

// GetID is Get by event id.
func (d *DB) GetID(id string, opts FetchOpts) (*event.Event, event.Idx, error) {
	f := NewFetch(opts)
	if !d.SeekID(d.db, f, id) {
		return nil, event.IdxNone, ErrNotFound
	}
	return &f.Event, f.Idx, nil
}

// deriveEventID: the explicit field, else the caller's hint, else the
// idx to id mapping, else empty.
func (d *DB) deriveEventID(r pebble.Reader, idx event.Idx, hint string) string {
	if hint != "" {
		return hint
	}
	id, ok, err := d.EventIDOf(r, idx)
	if err != nil {
		d.log.Error("event id lookup failed", "idx", idx, "err", err)
	}
	if !ok {
		return ""
	}
	return id
}

func (d *DB) seekJSON(r pebble.Reader, f *Fetch) bool {
	raw, ok, err := d.get(r, EventJSON, IdxKey(f.Idx))
	if err != nil {
		d.log.Critical("event json unreadable", "idx", f.Idx, "err", err)
		return false
	}
	if !ok {
		return false
	}
	e, err := event.Parse(raw)
	if err != nil {
		d.log.Critical("malformed event json", "idx", f.Idx, "err", err)
		return false
	}
	sel := f.Opts.selection()
	if sel != event.AllFields {
		// a projection no longer matches the blob
		e.Source = nil
	}
	for i := 0; i < event.NumFields; i++ {
		if !sel.Has(i) {
			_ = e.SetAt(i, event.Value{})
		}
	}
	f.Event = *e
	f.JSON = raw
	return true
}

func (d *DB) seekCols(r pebble.Reader, f *Fetch) bool {
	found := false
	failed := false
	f.Opts.selection().Each(func(i int) bool {
		desc := fieldColumns[i]
		if desc == nil {
			return true
		}
		val, ok, err := d.get(r, desc, IdxKey(f.Idx))
		if err != nil {
			d.log.Critical("event column unreadable", "column", desc.Name, "idx", f.Idx, "err", err)
			failed = true
			return false
		}
		if !ok {
			return true
		}
		v, err := decodeValue(event.Fields[i].Kind, val)
		if err == nil {
			err = f.Event.SetAt(i, v)
		}
		if err != nil {
			d.log.Critical("malformed event column", "column", desc.Name, "idx", f.Idx, "err", err)
			failed = true
			return false
		}
		found = true
		return true
	})
	if failed {
		return false
	}
	if found {
		return true
	}
	// an event_id-only selection is served by the idx binding alone
	if f.Opts.selection().Without(event.FieldEventID) != 0 {
		return false
	}
	_, ok, _ := d.EventIDOf(r, f.Idx)
	return ok
}

func encodeValue(v event.Value) []byte {
	switch v.Kind {
	case event.KindString:
		return []byte(v.Str)
	case event.KindInt:
		return binary.BigEndian.AppendUint64(nil, uint64(v.Int))
	}
	return v.Raw
}

func decodeValue(kind event.Kind, b []byte) (event.Value, error) {
	switch kind {
	case event.KindString:
		return event.Value{Kind: kind, Str: string(b)}, nil
	case event.KindInt:
		if len(b) != 8 {
			return event.Value{}, ErrCorruptValue
		}
		return event.Value{Kind: kind, Int: int64(binary.BigEndian.Uint64(b))}, nil
	}
	return event.Value{Kind: kind, Raw: b}, nil
}
