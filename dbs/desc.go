// Package dbs is the storage schema of the event core: column descriptors
// with their comparators and prefix transforms, the binary key codecs,
// the index writer and its appendices, the event horizon, room head and
// state repair tools and event fetch.
package dbs

import (
	"github.com/matrix-construct/construct-sub013/event"
)

// Descriptor configures one column. All columns share a single pebble
// keyspace; Tag is the first byte of every key in the column.
type Descriptor struct {
	Name string
	Tag  byte

	// logical key and value types, informational
	Key   string
	Value string

	// Compare orders column keys (tag stripped); nil is bytewise.
	Compare func(a, b []byte) int
	// Prefix maps a column key to its group; nil means no grouping.
	Prefix func(key []byte) []byte

	CacheSize   int64
	Compression Compression

	// Drop marks a deprecated column erased on open.
	Drop bool
}

func (d *Descriptor) String() string {
	return d.Name
}

func (d *Descriptor) key(colkey []byte) []byte {
	key := make([]byte, 0, len(colkey)+1)
	key = append(key, d.Tag)
	return append(key, colkey...)
}

func (d *Descriptor) compare(a, b []byte) int {
	if d.Compare != nil {
		return d.Compare(a, b)
	}
	return compareBytes(a, b)
}

const (
	mb = 1 << 20
)

var (
	EventIdx = &Descriptor{
		Name:      "event_idx",
		Tag:       'I',
		Key:       "event_id",
		Value:     "idx",
		CacheSize: 32 * mb,
	}
	EventID = &Descriptor{
		Name:      "event_id",
		Tag:       'D',
		Key:       "idx",
		Value:     "event_id",
		CacheSize: 16 * mb,
	}
	EventJSON = &Descriptor{
		Name:        "event_json",
		Tag:         'J',
		Key:         "idx",
		Value:       "json",
		CacheSize:   64 * mb,
		Compression: CompressionZstd,
	}
	EventRefs = &Descriptor{
		Name:      "event_refs",
		Tag:       'R',
		Key:       "idx,ref,idx",
		Value:     "",
		Prefix:    prefixFixed(8),
		CacheSize: 16 * mb,
	}
	EventType = &Descriptor{
		Name:      "event_type",
		Tag:       'T',
		Key:       "type\\0idx",
		Prefix:    prefixNUL,
		CacheSize: 8 * mb,
	}
	EventSender = &Descriptor{
		Name:      "event_sender",
		Tag:       'S',
		Key:       "sender\\0idx",
		Prefix:    prefixNUL,
		CacheSize: 8 * mb,
	}
	EventHorizon = &Descriptor{
		Name:      "event_horizon",
		Tag:       'H',
		Key:       "event_id\\0idx",
		Prefix:    prefixNUL,
		CacheSize: 4 * mb,
	}
	RoomEvents = &Descriptor{
		Name:      "room_events",
		Tag:       'E',
		Key:       "room_id\\0depth,idx",
		Compare:   CompareRoomEvents,
		Prefix:    prefixNUL,
		CacheSize: 32 * mb,
	}
	RoomHead = &Descriptor{
		Name:      "room_head",
		Tag:       'L',
		Key:       "room_id\\0idx",
		Value:     "event_id",
		Prefix:    prefixNUL,
		CacheSize: 4 * mb,
	}
	RoomState = &Descriptor{
		Name:      "room_state",
		Tag:       'X',
		Key:       "room_id\\0type\\0state_key",
		Value:     "idx",
		Prefix:    prefixNUL,
		CacheSize: 16 * mb,
	}
	RoomStateSpace = &Descriptor{
		Name:      "room_state_space",
		Tag:       'Y',
		Key:       "room_id\\0type\\0state_key\\0depth,idx",
		Compare:   CompareRoomStateSpace,
		Prefix:    prefixNUL,
		CacheSize: 16 * mb,
	}
	RoomJoined = &Descriptor{
		Name:      "room_joined",
		Tag:       'M',
		Key:       "room_id\\0origin\\0user_id",
		Prefix:    prefixNUL,
		CacheSize: 8 * mb,
	}

	// deprecated
	stateNode = &Descriptor{Name: "state_node", Tag: 'N', Drop: true}
	eventBad  = &Descriptor{Name: "event_bad", Tag: 'B', Drop: true}
)

// fieldColumns are the decomposed per-field columns keyed by idx, by
// schema position. event_id, hashes and signatures have none.
var fieldColumns [event.NumFields]*Descriptor

func init() {
	const first = 'a'
	for i, f := range event.Fields {
		switch i {
		case event.FieldEventID, event.FieldHashes, event.FieldSignatures:
			continue
		}
		desc := &Descriptor{
			Name:      "_" + f.Name,
			Tag:       byte(first + i),
			Key:       "idx",
			Value:     string(f.Kind),
			CacheSize: 4 * mb,
		}
		if i == event.FieldContent {
			desc.CacheSize = 32 * mb
			desc.Compression = CompressionLZ4
		}
		fieldColumns[i] = desc
	}
}

// FieldColumn is the decomposed column of a schema field, nil if the
// field is only kept in event_json.
func FieldColumn(i int) *Descriptor {
	if i < 0 || i >= len(fieldColumns) {
		return nil
	}
	return fieldColumns[i]
}

// Columns lists every descriptor the database opens with, deprecated
// ones included.
func Columns() []*Descriptor {
	cols := []*Descriptor{
		EventIdx, EventID, EventJSON, EventRefs, EventType, EventSender,
		EventHorizon, RoomEvents, RoomHead, RoomState, RoomStateSpace,
		RoomJoined,
	}
	for _, d := range fieldColumns {
		if d != nil {
			cols = append(cols, d)
		}
	}
	return append(cols, stateNode, eventBad)
}

// ColumnByName finds a descriptor by its name.
func ColumnByName(name string) *Descriptor {
	for _, d := range Columns() {
		if d.Name == name {
			return d
		}
	}
	return nil
}
