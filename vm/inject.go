package vm

import (
	"cmp"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/matrix-construct/construct-sub013/dbs"
	"github.com/matrix-construct/construct-sub013/event"
)

var (
	ErrUnknownRoom = errors.New("construct: room is not known here")
	ErrNotLocal    = errors.New("construct: sender is not a local user")
)

// MaxPrevEvents caps the prev_events of an injected event.
const MaxPrevEvents = 20

// Identify sets a missing event_id from the reference hash of the room
// version; v1 and v2 events must carry one.
func (m *VM) Identify(e *event.Event, raw []byte, opts *Opts) (err error) {
	if e.EventID != "" {
		return nil
	}
	version := opts.RoomVersion
	if version == "" {
		if version, err = m.RoomVersion(e.RoomID, e); err != nil {
			return err
		}
	}
	if raw == nil {
		if raw, err = e.CanonicalJSON(); err != nil {
			return err
		}
	}
	e.EventID, err = event.ID(raw, version)
	return err
}

var versionFields = event.Select("content")

// RoomVersion reads room_version from the create event of room. For the
// create event itself, pass it as e. Rooms whose create event is not
// known use the configured default.
func (m *VM) RoomVersion(room string, e *event.Event) (string, error) {
	if e != nil && e.Type == event.TypeCreate {
		return createVersion(e), nil
	}
	idx, ok, err := m.db.RoomStateGet(m.db.Reader(), room, event.TypeCreate, "")
	if err != nil {
		return "", err
	}
	if !ok {
		return m.opts.RoomVersion, nil
	}
	create, err := m.db.Get(idx, dbs.FetchOpts{Fields: versionFields})
	if err != nil {
		return "", err
	}
	return createVersion(create), nil
}

func createVersion(create *event.Event) string {
	if v := create.ContentString("room_version"); v != "" {
		return v
	}
	return "1"
}

// Template is what a local client supplies for a new event.
type Template struct {
	RoomID   string
	Sender   string
	Type     string
	StateKey *string
	Content  json.RawMessage
	Redacts  string
}

var depthFields = event.Select("depth")

// Inject builds a local event from t: prev_events from the room head,
// depth above the deepest of them, auth_events from the present state,
// hashes, signature and event id. It then evaluates it with opts.
func (m *VM) Inject(ctx context.Context, t Template, opts *Opts) (*event.Event, event.Idx, error) {
	if opts == nil {
		opts = &Default
	}
	e, raw, err := m.build(t)
	if err != nil {
		return nil, event.IdxNone, err
	}
	idx, err := m.eval(ctx, e, raw, opts)
	return e, idx, err
}

func (m *VM) build(t Template) (*event.Event, []byte, error) {
	if m.opts.Origin == "" {
		return nil, nil, &Error{Fault: FaultGeneral, Err: ErrNoIdentity}
	}
	if event.Host(t.Sender) != m.opts.Origin {
		return nil, nil, &Error{Fault: FaultEvent, Err: fmt.Errorf("%w: %s", ErrNotLocal, t.Sender)}
	}
	content := t.Content
	if len(content) == 0 {
		content = json.RawMessage("{}")
	}
	content, err := event.Canonical(content)
	if err != nil {
		return nil, nil, &Error{Fault: FaultEvent, Err: err}
	}

	e := &event.Event{
		RoomID:         t.RoomID,
		Sender:         t.Sender,
		Type:           t.Type,
		StateKey:       t.StateKey,
		Redacts:        t.Redacts,
		Origin:         m.opts.Origin,
		OriginServerTS: m.opts.Now().UnixMilli(),
	}
	var version string
	var prevs, auths []string
	if t.Type == event.TypeCreate {
		version = gjsonString(content, "room_version")
		if version == "" {
			version = m.opts.RoomVersion
			if content, err = event.With(content, "room_version", strconv.AppendQuote(nil, version)); err != nil {
				return nil, nil, &Error{Fault: FaultEvent, Err: err}
			}
		}
		e.Depth = 1
	} else {
		if version, err = m.RoomVersion(t.RoomID, nil); err != nil {
			return nil, nil, fault(FaultGeneral, "", err)
		}
		if prevs, e.Depth, err = m.prevs(t.RoomID); err != nil {
			return nil, nil, fault(FaultGeneral, "", err)
		}
		if len(prevs) == 0 {
			return nil, nil, &Error{Fault: FaultState, Err: fmt.Errorf("%w: %s", ErrUnknownRoom, t.RoomID)}
		}
		if auths, err = m.auths(e, content); err != nil {
			return nil, nil, fault(FaultGeneral, "", err)
		}
	}
	e.Content = content
	v, err := event.Version(version)
	if err != nil {
		return nil, nil, &Error{Fault: FaultEvent, Err: err}
	}
	if e.PrevEvents, err = m.refArray(prevs, version, v); err != nil {
		return nil, nil, &Error{Fault: FaultEvent, Err: err}
	}
	if e.AuthEvents, err = m.refArray(auths, version, v); err != nil {
		return nil, nil, &Error{Fault: FaultEvent, Err: err}
	}
	if v < 3 {
		e.EventID = "$" + strings.ReplaceAll(uuid.NewString(), "-", "")[:18] + ":" + m.opts.Origin
	}
	raw, err := e.MarshalJSON()
	if err == nil {
		raw, err = event.WithHashes(raw)
	}
	if err == nil && m.opts.Key != nil {
		raw, err = event.Sign(raw, version, m.opts.Origin, m.opts.KeyID, m.opts.Key)
	}
	if err != nil {
		return nil, nil, &Error{Fault: FaultEvent, Err: err}
	}
	signed, err := event.Parse(raw)
	if err != nil {
		return nil, nil, &Error{Fault: FaultEvent, Err: err}
	}
	if signed.EventID, err = event.ID(raw, version); err != nil {
		return nil, nil, &Error{Fault: FaultEvent, Err: err}
	}
	return signed, raw, nil
}

// prevs takes the newest MaxPrevEvents of the room head and the depth
// one above the deepest of them.
func (m *VM) prevs(room string) (ids []string, depth int64, err error) {
	r := m.db.Reader()
	type head struct {
		idx event.Idx
		id  string
	}
	var heads []head
	for idx, id := range m.db.RoomHeads(r, room) {
		heads = append(heads, head{idx, id})
	}
	slices.SortFunc(heads, func(a, b head) int { return cmp.Compare(b.idx, a.idx) })
	if len(heads) > MaxPrevEvents {
		heads = heads[:MaxPrevEvents]
	}
	f := dbs.NewFetch(dbs.FetchOpts{Fields: depthFields})
	for _, h := range heads {
		if !m.db.Seek(r, f, h.idx) {
			m.log.Warn("inject: head event is unfetchable", "room_id", room, "event_id", h.id, "idx", h.idx)
			continue
		}
		ids = append(ids, h.id)
		depth = max(depth, f.Event.Depth)
	}
	return ids, depth + 1, nil
}

// auths selects the auth_events of e from the present state: create,
// power levels, the sender's membership and, for membership changes, the
// join rules and the target's membership.
func (m *VM) auths(e *event.Event, content []byte) ([]string, error) {
	type cell struct{ typ, sk string }
	cells := []cell{
		{event.TypeCreate, ""},
		{event.TypePowerLevels, ""},
		{event.TypeMember, e.Sender},
	}
	if e.Type == event.TypeMember {
		target := e.StateKeyString()
		if target != e.Sender {
			cells = append(cells, cell{event.TypeMember, target})
		}
		switch gjsonString(content, "membership") {
		case "join", "invite", "knock":
			cells = append(cells, cell{event.TypeJoinRules, ""})
		}
	}
	r := m.db.Reader()
	var ids []string
	for _, c := range cells {
		idx, ok, err := m.db.RoomStateGet(r, e.RoomID, c.typ, c.sk)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		id, ok, err := m.db.EventIDOf(r, idx)
		if err != nil {
			return nil, err
		}
		if ok && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// refArray encodes prev_events or auth_events: bare ids from room v3 on,
// [id, {"sha256": reference hash}] pairs before. A reference that cannot
// be read back gets empty hashes.
func (m *VM) refArray(ids []string, version string, v int) (json.RawMessage, error) {
	if v >= 3 {
		return idArray(ids)
	}
	r := m.db.Reader()
	f := dbs.NewFetch(dbs.FetchOpts{ForceJSON: true})
	pairs := make([][2]any, 0, len(ids))
	for _, id := range ids {
		hashes := map[string]string{}
		if m.db.SeekID(r, f, id) {
			ref, err := event.ReferenceHash(f.JSON, version)
			if err != nil {
				return nil, err
			}
			hashes["sha256"] = base64.RawStdEncoding.EncodeToString(ref)
		} else {
			m.log.Warn("inject: reference unreadable", "event_id", id)
		}
		pairs = append(pairs, [2]any{id, hashes})
	}
	raw, err := json.Marshal(pairs)
	if err != nil {
		return nil, err
	}
	return event.Canonical(raw)
}

func idArray(ids []string) (json.RawMessage, error) {
	if ids == nil {
		ids = []string{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return nil, err
	}
	return event.Canonical(raw)
}

func gjsonString(raw []byte, key string) string {
	return gjson.GetBytes(raw, key).Str
}
