package dbs

import (
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidwall/gjson"

	"github.com/matrix-construct/construct-sub013/event"
)

// Op is the storage operation a write stages.
type Op uint8

const (
	Set Op = iota
	Delete
)

func (op Op) String() string {
	if op == Delete {
		return "DELETE"
	}
	return "SET"
}

// Appendix names one category of index update. Write runs them in the
// order declared here; later appendices read what earlier ones staged.
type Appendix uint32

const (
	AppendixEventID Appendix = 1 << iota
	AppendixEventJSON
	AppendixEventCols
	AppendixEventType
	AppendixEventSender
	AppendixEventRefs
	// unknown reference targets get a horizon row, with EventRefs
	AppendixEventHorizon
	AppendixRoomRedact
	AppendixRoomEvents
	AppendixRoomHeadResolve
	AppendixRoomHead
	AppendixRoomState
	AppendixRoomStateSpace
	AppendixRoomJoined
	AppendixEventHorizonResolve

	appendixEnd
	AppendixAll = appendixEnd - 1
)

var appendixNames = []string{
	"EVENT_ID",
	"EVENT_JSON",
	"EVENT_COLS",
	"EVENT_TYPE",
	"EVENT_SENDER",
	"EVENT_REFS",
	"EVENT_HORIZON",
	"ROOM_REDACT",
	"ROOM_EVENTS",
	"ROOM_HEAD_RESOLVE",
	"ROOM_HEAD",
	"ROOM_STATE",
	"ROOM_STATE_SPACE",
	"ROOM_JOINED",
	"EVENT_HORIZON_RESOLVE",
}

func (a Appendix) Has(b Appendix) bool {
	return a&b != 0
}

func (a Appendix) String() string {
	var names []string
	for i := range appendixNames {
		if a&(1<<i) != 0 {
			names = append(names, appendixNames[i])
		}
	}
	return strings.Join(names, "|")
}

// ParseAppendix reads a '|' or ',' separated list of appendix names.
func ParseAppendix(s string) (Appendix, error) {
	var a Appendix
	for _, name := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		name = strings.ToUpper(strings.TrimSpace(name))
		if name == "ALL" {
			a |= AppendixAll
			continue
		}
		found := false
		for i := range appendixNames {
			if appendixNames[i] == name {
				a |= 1 << i
				found = true
			}
		}
		if !found {
			return 0, errors.Errorf("unknown appendix %q", name)
		}
	}
	return a, nil
}

type WriteOpts struct {
	Op  Op
	Idx event.Idx
	// zero means AppendixAll
	Appendix Appendix
}

var (
	HorizonDeferred = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "construct",
		Subsystem: "dbs",
		Name:      "horizon_deferred",
	})
	HorizonResolved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "construct",
		Subsystem: "dbs",
		Name:      "horizon_resolved",
	})
	HorizonSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "construct",
		Subsystem: "dbs",
		Name:      "horizon_skipped",
	})
)

type writer struct {
	d    *DB
	txn  *pebble.Batch
	e    *event.Event
	op   Op
	idx  event.Idx
	apps Appendix
}

// Write stages the index mutations of e into txn. It never commits:
// atomicity of one event, or of a whole batch, is up to the caller. txn
// must come from NewBatch.
func (d *DB) Write(txn *pebble.Batch, e *event.Event, opts WriteOpts) error {
	if !txn.Indexed() {
		return ErrNotIndexed
	}
	if opts.Idx == event.IdxNone {
		return ErrNoIdx
	}
	w := &writer{d: d, txn: txn, e: e, op: opts.Op, idx: opts.Idx, apps: opts.Appendix}
	if w.apps == 0 {
		w.apps = AppendixAll
	}
	if w.apps.Has(AppendixEventID|AppendixRoomHead) && e.EventID == "" {
		return event.ErrNoEventID
	}
	steps := []struct {
		app Appendix
		run func() error
	}{
		{AppendixEventID, w.eventID},
		{AppendixEventJSON, w.eventJSON},
		{AppendixEventCols, w.eventCols},
		{AppendixEventType, w.eventType},
		{AppendixEventSender, w.eventSender},
		{AppendixEventRefs, w.eventRefs},
		{AppendixRoomRedact, w.roomRedact},
		{AppendixRoomEvents, w.roomEvents},
		{AppendixRoomHeadResolve, w.roomHeadResolve},
		{AppendixRoomHead, w.roomHead},
		{AppendixRoomState, w.roomState},
		{AppendixRoomStateSpace, w.roomStateSpace},
		{AppendixRoomJoined, w.roomJoined},
		{AppendixEventHorizonResolve, w.eventHorizonResolve},
	}
	for _, step := range steps {
		if !w.apps.Has(step.app) {
			continue
		}
		if err := step.run(); err != nil {
			return errors.Wrapf(err, "%s %s idx:%d", step.app, e.EventID, w.idx)
		}
	}
	return nil
}

func (w *writer) put(desc *Descriptor, colkey, val []byte) error {
	if w.op == Delete {
		return w.del(desc, colkey)
	}
	return w.set(desc, colkey, val)
}

func (w *writer) set(desc *Descriptor, colkey, val []byte) error {
	return errors.Wrapf(w.txn.Set(desc.key(colkey), compress(desc.Compression, val), nil), "set %s", desc.Name)
}

func (w *writer) del(desc *Descriptor, colkey []byte) error {
	return errors.Wrapf(w.txn.Delete(desc.key(colkey), nil), "delete %s", desc.Name)
}

func (w *writer) eventID() error {
	key, err := EventIdxKey(w.e.EventID)
	if err != nil {
		return err
	}
	if w.op == Delete {
		w.d.ids.Remove(w.e.EventID)
	}
	if err := w.put(EventIdx, key, IdxKey(w.idx)); err != nil {
		return err
	}
	return w.put(EventID, IdxKey(w.idx), []byte(w.e.EventID))
}

func (w *writer) eventJSON() error {
	raw, err := w.e.CanonicalJSON()
	if err != nil {
		return err
	}
	return w.put(EventJSON, IdxKey(w.idx), raw)
}

func (w *writer) eventCols() error {
	key := IdxKey(w.idx)
	for i, desc := range fieldColumns {
		if desc == nil {
			continue
		}
		v := w.e.At(i)
		if !v.Present() {
			if w.op == Delete {
				if err := w.del(desc, key); err != nil {
					return err
				}
			}
			continue
		}
		if v.Kind == event.KindJSON {
			if canon, err := event.Canonical(v.Raw); err == nil {
				v.Raw = canon
			}
		}
		if err := w.put(desc, key, encodeValue(v)); err != nil {
			return err
		}
	}
	return nil
}

func (w *writer) eventType() error {
	if w.e.Type == "" {
		return nil
	}
	key, err := EventTypeKey(w.e.Type, w.idx)
	if err != nil {
		return err
	}
	return w.put(EventType, key, nil)
}

func (w *writer) eventSender() error {
	if w.e.Sender == "" {
		return nil
	}
	key, err := EventSenderKey(w.e.Sender, w.idx)
	if err != nil {
		return err
	}
	return w.put(EventSender, key, nil)
}

// Ref is one outgoing reference of an event.
type Ref struct {
	ID   string
	Type RefType
}

// RefsOf lists the outgoing references of an event in the order they are
// indexed.
func RefsOf(e *event.Event) []Ref {
	var refs []Ref
	for _, id := range e.PrevIDs() {
		refs = append(refs, Ref{id, RefNext})
	}
	for _, id := range e.AuthIDs() {
		refs = append(refs, Ref{id, RefNextAuth})
	}
	if id := e.RedactsID(); id != "" {
		refs = append(refs, Ref{id, RefRedaction})
	}
	if len(e.Content) > 0 {
		rel := gjson.GetBytes(e.Content, `m\.relates_to.event_id`)
		if rel.Type == gjson.String && rel.Str != "" {
			refs = append(refs, Ref{rel.Str, RefRelates})
		}
	}
	return refs
}

// eventRefs writes an edge for every known target; unknown targets get a
// horizon row when AppendixEventHorizon is on.
func (w *writer) eventRefs() error {
	for _, r := range RefsOf(w.e) {
		if len(r.ID) == 0 || len(r.ID) > event.MaxIDLength {
			w.d.log.Debug("skipping unindexable reference", "event_id", w.e.EventID, "ref", r.ID)
			continue
		}
		tgt, err := w.d.EventIdx(w.txn, r.ID)
		if err != nil {
			return err
		}
		if tgt != event.IdxNone {
			if err := w.put(EventRefs, EventRefsKey(tgt, r.Type, w.idx), nil); err != nil {
				return err
			}
			continue
		}
		if !w.apps.Has(AppendixEventHorizon) {
			continue
		}
		key, err := EventHorizonKey(r.ID, w.idx)
		if err != nil {
			return err
		}
		if err := w.put(EventHorizon, key, nil); err != nil {
			return err
		}
		if w.op == Set {
			HorizonDeferred.Inc()
		}
	}
	return nil
}

var redactTargetFields = event.Select("room_id", "type", "state_key")

// roomRedact removes a redacted state event from the present room state.
func (w *writer) roomRedact() error {
	if w.e.Type != event.TypeRedaction || w.op == Delete {
		return nil
	}
	target := w.e.RedactsID()
	tgt, err := w.d.EventIdx(w.txn, target)
	if err != nil || tgt == event.IdxNone {
		return err
	}
	f := NewFetch(FetchOpts{Fields: redactTargetFields})
	if !w.d.Seek(w.txn, f, tgt) {
		w.d.log.Warn("redaction target unfetchable", "event_id", w.e.EventID, "redacts", target, "idx", tgt)
		return nil
	}
	if !f.Event.IsState() || f.Event.RoomID != w.e.RoomID {
		return nil
	}
	key, err := RoomStateKey(f.Event.RoomID, f.Event.Type, f.Event.StateKeyString())
	if err != nil {
		return nil
	}
	cur, ok, err := w.d.roomStateIdx(w.txn, key)
	if err != nil || !ok || cur != tgt {
		return err
	}
	return w.del(RoomState, key)
}

func (w *writer) roomEvents() error {
	key, err := RoomEventsKey(w.e.RoomID, w.e.Depth, w.idx)
	if err != nil {
		return err
	}
	return w.put(RoomEvents, key, nil)
}

// roomHeadResolve removes the head entries of the direct ancestors.
func (w *writer) roomHeadResolve() error {
	if w.op == Delete {
		return nil
	}
	for _, id := range w.e.PrevIDs() {
		prev, err := w.d.EventIdx(w.txn, id)
		if err != nil {
			return err
		}
		if prev == event.IdxNone {
			continue
		}
		key, err := RoomHeadKey(w.e.RoomID, prev)
		if err != nil {
			return err
		}
		if err := w.del(RoomHead, key); err != nil {
			return err
		}
	}
	return nil
}

func (w *writer) roomHead() error {
	key, err := RoomHeadKey(w.e.RoomID, w.idx)
	if err != nil {
		return err
	}
	return w.put(RoomHead, key, []byte(w.e.EventID))
}

var depthField = event.Select("depth")

// roomState points the (type, state_key) cell at this event unless the
// cell already holds a deeper one.
func (w *writer) roomState() error {
	if !w.e.IsState() {
		return nil
	}
	key, err := RoomStateKey(w.e.RoomID, w.e.Type, w.e.StateKeyString())
	if err != nil {
		return err
	}
	cur, ok, err := w.d.roomStateIdx(w.txn, key)
	if err != nil {
		return err
	}
	if w.op == Delete {
		if ok && cur == w.idx {
			return w.del(RoomState, key)
		}
		return nil
	}
	if ok && cur != w.idx {
		f := NewFetch(FetchOpts{Fields: depthField})
		if w.d.Seek(w.txn, f, cur) {
			if f.Event.Depth > w.e.Depth || (f.Event.Depth == w.e.Depth && cur > w.idx) {
				return nil
			}
		}
	}
	return w.set(RoomState, key, IdxKey(w.idx))
}

func (w *writer) roomStateSpace() error {
	if !w.e.IsState() {
		return nil
	}
	key, err := RoomStateSpaceKey(w.e.RoomID, w.e.Type, w.e.StateKeyString(), w.e.Depth, w.idx)
	if err != nil {
		return err
	}
	return w.put(RoomStateSpace, key, nil)
}

// roomJoined follows the membership of the member event that holds the
// room state cell.
func (w *writer) roomJoined() error {
	if w.e.Type != event.TypeMember || !w.e.IsState() {
		return nil
	}
	user := w.e.StateKeyString()
	key, err := RoomJoinedKey(w.e.RoomID, event.Host(user), user)
	if err != nil {
		return err
	}
	if w.op == Delete {
		return w.del(RoomJoined, key)
	}
	if skey, err := RoomStateKey(w.e.RoomID, w.e.Type, user); err == nil {
		cur, ok, err := w.d.roomStateIdx(w.txn, skey)
		if err != nil {
			return err
		}
		if ok && cur != w.idx {
			return nil
		}
	}
	if w.e.Membership() == "join" {
		return w.set(RoomJoined, key, nil)
	}
	return w.del(RoomJoined, key)
}

func (d *DB) roomStateIdx(r pebble.Reader, key []byte) (event.Idx, bool, error) {
	val, ok, err := d.get(r, RoomState, key)
	if err != nil || !ok {
		return event.IdxNone, false, err
	}
	return IdxKeyDecode(val), true, nil
}
