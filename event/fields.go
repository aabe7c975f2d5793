package event

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Kind is the value type of a schema field.
type Kind byte

const (
	KindString Kind = 's'
	KindInt    Kind = 'i'
	KindJSON   Kind = 'j'
)

type Field struct {
	Name string
	Kind Kind
}

// Fields is the event schema in declaration order. Positions are stable
// and double as bit numbers in FieldSet and as storage column suffixes.
var Fields = []Field{
	{Name: "auth_events", Kind: KindJSON},
	{Name: "content", Kind: KindJSON},
	{Name: "depth", Kind: KindInt},
	{Name: "event_id", Kind: KindString},
	{Name: "hashes", Kind: KindJSON},
	{Name: "origin", Kind: KindString},
	{Name: "origin_server_ts", Kind: KindInt},
	{Name: "prev_events", Kind: KindJSON},
	{Name: "redacts", Kind: KindString},
	{Name: "room_id", Kind: KindString},
	{Name: "sender", Kind: KindString},
	{Name: "signatures", Kind: KindJSON},
	{Name: "state_key", Kind: KindString},
	{Name: "type", Kind: KindString},
}

const (
	FieldAuthEvents = iota
	FieldContent
	FieldDepth
	FieldEventID
	FieldHashes
	FieldOrigin
	FieldOriginServerTS
	FieldPrevEvents
	FieldRedacts
	FieldRoomID
	FieldSender
	FieldSignatures
	FieldStateKey
	FieldType
	NumFields
)

// FieldIndex maps a member name to its schema position, -1 if unknown.
func FieldIndex(name string) int {
	for i := range Fields {
		if Fields[i].Name == name {
			return i
		}
	}
	return -1
}

// FieldSet selects schema fields by position.
type FieldSet uint32

const AllFields = FieldSet(1<<NumFields - 1)

func Select(names ...string) (set FieldSet) {
	for _, name := range names {
		if i := FieldIndex(name); i >= 0 {
			set |= 1 << i
		}
	}
	return
}

func (s FieldSet) Has(i int) bool {
	return s&(1<<i) != 0
}

func (s FieldSet) With(i int) FieldSet {
	return s | 1<<i
}

func (s FieldSet) Without(i int) FieldSet {
	return s &^ (1 << i)
}

// Each calls f for every selected position in schema order.
func (s FieldSet) Each(f func(i int) bool) {
	for i := 0; i < NumFields; i++ {
		if s.Has(i) && !f(i) {
			return
		}
	}
}

func (s FieldSet) String() string {
	var names []string
	s.Each(func(i int) bool {
		names = append(names, Fields[i].Name)
		return true
	})
	return strings.Join(names, ",")
}

// Value is one field value in a kind-tagged form. An unset Kind means
// the member is absent.
type Value struct {
	Kind Kind
	Str  string
	Int  int64
	Raw  json.RawMessage
}

func (v Value) Present() bool {
	return v.Kind != 0
}

func (v Value) appendJSON(dst []byte) []byte {
	switch v.Kind {
	case KindString:
		return appendString(dst, v.Str)
	case KindInt:
		return strconv.AppendInt(dst, v.Int, 10)
	default:
		return append(dst, v.Raw...)
	}
}

// At returns the value at schema position i.
func (e *Event) At(i int) Value {
	str := func(s string) Value {
		if s == "" {
			return Value{}
		}
		return Value{Kind: KindString, Str: s}
	}
	raw := func(r json.RawMessage) Value {
		if len(r) == 0 {
			return Value{}
		}
		return Value{Kind: KindJSON, Raw: r}
	}
	switch i {
	case FieldAuthEvents:
		return raw(e.AuthEvents)
	case FieldContent:
		return raw(e.Content)
	case FieldDepth:
		return Value{Kind: KindInt, Int: e.Depth}
	case FieldEventID:
		return str(e.EventID)
	case FieldHashes:
		return raw(e.Hashes)
	case FieldOrigin:
		return str(e.Origin)
	case FieldOriginServerTS:
		return Value{Kind: KindInt, Int: e.OriginServerTS}
	case FieldPrevEvents:
		return raw(e.PrevEvents)
	case FieldRedacts:
		return str(e.Redacts)
	case FieldRoomID:
		return str(e.RoomID)
	case FieldSender:
		return str(e.Sender)
	case FieldSignatures:
		return raw(e.Signatures)
	case FieldStateKey:
		if e.StateKey == nil {
			return Value{}
		}
		return Value{Kind: KindString, Str: *e.StateKey}
	case FieldType:
		return str(e.Type)
	}
	return Value{}
}

// SetAt assigns the value at schema position i. An absent value clears it.
func (e *Event) SetAt(i int, v Value) error {
	if v.Present() && v.Kind != Fields[i].Kind {
		return ErrFieldType
	}
	switch i {
	case FieldAuthEvents:
		e.AuthEvents = v.Raw
	case FieldContent:
		e.Content = v.Raw
	case FieldDepth:
		e.Depth = v.Int
	case FieldEventID:
		e.EventID = v.Str
	case FieldHashes:
		e.Hashes = v.Raw
	case FieldOrigin:
		e.Origin = v.Str
	case FieldOriginServerTS:
		e.OriginServerTS = v.Int
	case FieldPrevEvents:
		e.PrevEvents = v.Raw
	case FieldRedacts:
		e.Redacts = v.Str
	case FieldRoomID:
		e.RoomID = v.Str
	case FieldSender:
		e.Sender = v.Str
	case FieldSignatures:
		e.Signatures = v.Raw
	case FieldStateKey:
		if v.Present() {
			sk := v.Str
			e.StateKey = &sk
		} else {
			e.StateKey = nil
		}
	case FieldType:
		e.Type = v.Str
	}
	return nil
}
