// Package event holds the Matrix event record, its field schema and the
// wire-level rules applied to it: canonical JSON, content and reference
// hashes, event ids per room version, redaction, signing and the
// structural conformity report.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Idx is the dense sequence number assigned once per accepted event.
// Zero is never assigned.
type Idx uint64

const IdxNone Idx = 0

var (
	ErrMalformed = errors.New("construct: malformed event json")
	ErrNotObject = errors.New("construct: event is not a json object")
	ErrFieldType = errors.New("construct: event field has the wrong type")
)

// Event is the decoded form of one Matrix PDU. Nested values are kept as
// canonical JSON so that reconstructions are byte-identical no matter
// which storage strategy produced them.
type Event struct {
	AuthEvents     json.RawMessage
	Content        json.RawMessage
	Depth          int64
	EventID        string
	Hashes         json.RawMessage
	Origin         string
	OriginServerTS int64
	PrevEvents     json.RawMessage
	Redacts        string
	RoomID         string
	Sender         string
	Signatures     json.RawMessage
	StateKey       *string
	Type           string

	// Source is the canonical form of the JSON the event was parsed
	// from, members outside the schema included. Hashes and the event id
	// are computed over it, so it is what gets stored; nil for events
	// assembled in code.
	Source json.RawMessage
}

// Parse decodes raw event JSON. Members outside the schema are only kept
// in Source; nested objects and arrays are canonicalised.
func Parse(raw []byte) (*Event, error) {
	if !gjson.ValidBytes(raw) {
		return nil, ErrMalformed
	}
	res := gjson.ParseBytes(raw)
	if !res.IsObject() {
		return nil, ErrNotObject
	}
	e := new(Event)
	var err error
	res.ForEach(func(key, value gjson.Result) bool {
		i := FieldIndex(key.Str)
		if i < 0 {
			return true
		}
		err = e.setResult(i, value)
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	e.Source = appendCanonical(nil, res)
	return e, nil
}

// CanonicalJSON is Source when the event was parsed, else the canonical
// encoding of the schema fields.
func (e *Event) CanonicalJSON() ([]byte, error) {
	if e.Source != nil {
		return e.Source, nil
	}
	return e.MarshalJSON()
}

func (e *Event) setResult(i int, v gjson.Result) error {
	f := Fields[i]
	switch f.Kind {
	case KindString:
		if v.Type != gjson.String {
			return fmt.Errorf("%w: %s", ErrFieldType, f.Name)
		}
		return e.SetAt(i, Value{Kind: KindString, Str: v.Str})
	case KindInt:
		if v.Type != gjson.Number {
			return fmt.Errorf("%w: %s", ErrFieldType, f.Name)
		}
		return e.SetAt(i, Value{Kind: KindInt, Int: v.Int()})
	default:
		if !v.IsObject() && !v.IsArray() {
			return fmt.Errorf("%w: %s", ErrFieldType, f.Name)
		}
		return e.SetAt(i, Value{Kind: KindJSON, Raw: appendCanonical(nil, v)})
	}
}

// IsState reports whether the event carries a state_key.
func (e *Event) IsState() bool {
	return e.StateKey != nil
}

func (e *Event) StateKeyString() string {
	if e.StateKey == nil {
		return ""
	}
	return *e.StateKey
}

// PrevIDs lists prev_events ids; both the bare-id form and the room v1/v2
// [id, hashes] pair form are accepted.
func (e *Event) PrevIDs() []string {
	return refIDs(e.PrevEvents)
}

func (e *Event) AuthIDs() []string {
	return refIDs(e.AuthEvents)
}

func refIDs(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	arr := gjson.ParseBytes(raw)
	if !arr.IsArray() {
		return nil
	}
	var ids []string
	arr.ForEach(func(_, v gjson.Result) bool {
		switch {
		case v.Type == gjson.String:
			ids = append(ids, v.Str)
		case v.IsArray():
			if id := v.Get("0"); id.Type == gjson.String {
				ids = append(ids, id.Str)
			}
		}
		return true
	})
	return ids
}

// RedactsID is the redaction target: top-level `redacts`, or
// content.redacts as room v11 moved it.
func (e *Event) RedactsID() string {
	if e.Redacts != "" {
		return e.Redacts
	}
	if e.Type != TypeRedaction || len(e.Content) == 0 {
		return ""
	}
	return gjson.GetBytes(e.Content, "redacts").Str
}

// ContentString reads a top-level string member of content.
func (e *Event) ContentString(key string) string {
	if len(e.Content) == 0 {
		return ""
	}
	return gjson.GetBytes(e.Content, gjsonEscape(key)).Str
}

// Membership is content.membership of an m.room.member event.
func (e *Event) Membership() string {
	if e.Type != TypeMember {
		return ""
	}
	return e.ContentString("membership")
}

// MarshalJSON writes the event as canonical JSON: members in schema order,
// which is lexical, absent members omitted.
func (e *Event) MarshalJSON() ([]byte, error) {
	out := []byte{'{'}
	first := true
	for i, f := range Fields {
		v := e.At(i)
		if !v.Present() {
			continue
		}
		if !first {
			out = append(out, ',')
		}
		first = false
		out = appendString(out, f.Name)
		out = append(out, ':')
		out = v.appendJSON(out)
	}
	out = append(out, '}')
	return out, nil
}

func (e *Event) String() string {
	return fmt.Sprintf("%s %s %s %s depth:%d", e.EventID, e.RoomID, e.Type, e.Sender, e.Depth)
}

// Well-known event types the core indexes specially.
const (
	TypeCreate            = "m.room.create"
	TypeMember            = "m.room.member"
	TypePowerLevels       = "m.room.power_levels"
	TypeJoinRules         = "m.room.join_rules"
	TypeRedaction         = "m.room.redaction"
	TypeAliases           = "m.room.aliases"
	TypeHistoryVisibility = "m.room.history_visibility"
	TypeThirdPartyInvite  = "m.room.third_party_invite"
)

// Host returns the server part of a sigiled Matrix identifier.
func Host(id string) string {
	i := strings.IndexByte(id, ':')
	if i < 0 {
		return ""
	}
	return id[i+1:]
}

// ValidID checks the sigil and, for everything except room v3+ event ids,
// the presence of a server part.
func ValidID(sigil byte, id string) bool {
	if len(id) < 2 || id[0] != sigil || len(id) > MaxIDLength {
		return false
	}
	if sigil == '$' {
		return true
	}
	i := strings.IndexByte(id, ':')
	return i > 1 && i < len(id)-1
}

func gjsonEscape(key string) string {
	if !strings.ContainsAny(key, ".*?|#@\\") {
		return key
	}
	var b strings.Builder
	for _, c := range key {
		switch c {
		case '.', '*', '?', '|', '#', '@', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
