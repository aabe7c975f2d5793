package dbs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"

	"golang.org/x/exp/constraints"

	"github.com/matrix-construct/construct-sub013/event"
)

var (
	ErrKeyTooLong = errors.New("construct: key field exceeds its maximum length")
	ErrKeyInvalid = errors.New("construct: key field contains a NUL byte")
)

// Key layout: variable-length strings are terminated by NUL, integers
// are fixed 8-byte big-endian so that byte order is numeric order.
const sep = 0

const (
	// DepthNone is what a key without a depth decodes to; stored as
	// uint64 it is the maximum, so it leads a descending scan.
	DepthNone int64 = -1
	// IdxMax is what a key without an idx decodes to.
	IdxMax = event.Idx(math.MaxUint64)
)

func appendInt[T constraints.Integer](dst []byte, v T) []byte {
	return binary.BigEndian.AppendUint64(dst, uint64(v))
}

// readInt decodes an 8-byte integer, def if the key is truncated.
func readInt[T constraints.Integer](b []byte, def T) (T, []byte) {
	if len(b) < 8 {
		return def, nil
	}
	return T(binary.BigEndian.Uint64(b)), b[8:]
}

func appendString(dst []byte, s string, max int) ([]byte, error) {
	if len(s) > max {
		return dst, ErrKeyTooLong
	}
	if bytes.IndexByte([]byte(s), sep) >= 0 {
		return dst, ErrKeyInvalid
	}
	dst = append(dst, s...)
	return append(dst, sep), nil
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

// cutNUL splits off the leading NUL-terminated string. A key without a
// NUL is all head.
func cutNUL(key []byte) (head, tail []byte) {
	i := bytes.IndexByte(key, sep)
	if i < 0 {
		return key, nil
	}
	return key[:i], key[i+1:]
}

// IdxKey is the key of every column indexed by idx alone.
func IdxKey(idx event.Idx) []byte {
	return appendInt(make([]byte, 0, 8), idx)
}

func IdxKeyDecode(key []byte) event.Idx {
	idx, _ := readInt(key, event.IdxNone)
	return idx
}

// EventIdxKey maps an event id to the key of event_idx.
func EventIdxKey(id string) ([]byte, error) {
	if len(id) == 0 || len(id) > event.MaxIDLength {
		return nil, ErrKeyTooLong
	}
	return []byte(id), nil
}

// stringIdxKey is `s \0 idx`, shared by event_type, event_sender,
// event_horizon and room_head.
func stringIdxKey(s string, max int, idx event.Idx) ([]byte, error) {
	key, err := appendString(make([]byte, 0, len(s)+9), s, max)
	if err != nil {
		return nil, err
	}
	return appendInt(key, idx), nil
}

func stringIdxKeyDecode(key []byte) (string, event.Idx) {
	head, tail := cutNUL(key)
	idx, _ := readInt(tail, IdxMax)
	return string(head), idx
}

// stringPrefix is `s \0`.
func stringPrefix(s string) []byte {
	return append([]byte(s), sep)
}

func EventTypeKey(typ string, idx event.Idx) ([]byte, error) {
	return stringIdxKey(typ, event.MaxTypeLength, idx)
}

func EventTypeKeyDecode(key []byte) (string, event.Idx) {
	return stringIdxKeyDecode(key)
}

func EventSenderKey(sender string, idx event.Idx) ([]byte, error) {
	return stringIdxKey(sender, event.MaxIDLength, idx)
}

func EventSenderKeyDecode(key []byte) (string, event.Idx) {
	return stringIdxKeyDecode(key)
}

// EventHorizonKey records that the event at idx references the not yet
// known event id.
func EventHorizonKey(id string, idx event.Idx) ([]byte, error) {
	return stringIdxKey(id, event.MaxIDLength, idx)
}

func EventHorizonKeyDecode(key []byte) (string, event.Idx) {
	return stringIdxKeyDecode(key)
}

func RoomHeadKey(room string, idx event.Idx) ([]byte, error) {
	return stringIdxKey(room, event.MaxIDLength, idx)
}

func RoomHeadKeyDecode(key []byte) (string, event.Idx) {
	return stringIdxKeyDecode(key)
}

// RoomEventsKey is `room \0 depth idx`. A room-only prefix decodes with
// DepthNone and IdxMax and sorts before every row of the room.
func RoomEventsKey(room string, depth int64, idx event.Idx) ([]byte, error) {
	key, err := appendString(make([]byte, 0, len(room)+17), room, event.MaxIDLength)
	if err != nil {
		return nil, err
	}
	key = appendInt(key, depth)
	return appendInt(key, idx), nil
}

// RoomEventsKeyDecode recovers depth and idx from a room_events key.
func RoomEventsKeyDecode(key []byte) (depth int64, idx event.Idx) {
	_, tail := cutNUL(key)
	return decodeDepthIdx(tail)
}

func decodeDepthIdx(tail []byte) (depth int64, idx event.Idx) {
	depth, tail = readInt(tail, DepthNone)
	idx, _ = readInt(tail, IdxMax)
	return
}

// RoomStateKey is `room \0 type \0 state_key`.
func RoomStateKey(room, typ, stateKey string) ([]byte, error) {
	key := make([]byte, 0, len(room)+len(typ)+len(stateKey)+3)
	var err error
	if key, err = appendString(key, room, event.MaxIDLength); err != nil {
		return nil, err
	}
	if key, err = appendString(key, typ, event.MaxTypeLength); err != nil {
		return nil, err
	}
	if len(stateKey) > event.MaxStateKeySize {
		return nil, ErrKeyTooLong
	}
	if bytes.IndexByte([]byte(stateKey), sep) >= 0 {
		return nil, ErrKeyInvalid
	}
	return append(key, stateKey...), nil
}

func RoomStateKeyDecode(key []byte) (typ, stateKey string) {
	_, tail := cutNUL(key)
	t, sk := cutNUL(tail)
	return string(t), string(sk)
}

// RoomStatePrefix bounds a room_state scan: room only, or room and type.
func RoomStatePrefix(room string, typ ...string) []byte {
	prefix := stringPrefix(room)
	if len(typ) > 0 {
		prefix = append(prefix, typ[0]...)
		prefix = append(prefix, sep)
	}
	return prefix
}

// RoomStateSpaceKey is `room \0 type \0 state_key \0 depth idx`. Type and
// state_key are truncated to their maximum sizes.
func RoomStateSpaceKey(room, typ, stateKey string, depth int64, idx event.Idx) ([]byte, error) {
	typ = truncate(typ, event.MaxTypeLength)
	stateKey = truncate(stateKey, event.MaxStateKeySize)
	key := make([]byte, 0, len(room)+len(typ)+len(stateKey)+19)
	var err error
	if key, err = appendString(key, room, event.MaxIDLength); err != nil {
		return nil, err
	}
	if key, err = appendString(key, typ, event.MaxTypeLength); err != nil {
		return nil, err
	}
	if key, err = appendString(key, stateKey, event.MaxStateKeySize); err != nil {
		return nil, err
	}
	key = appendInt(key, depth)
	return appendInt(key, idx), nil
}

func RoomStateSpaceKeyDecode(key []byte) (typ, stateKey string, depth int64, idx event.Idx) {
	_, tail := cutNUL(key)
	t, tail := cutNUL(tail)
	sk, tail := cutNUL(tail)
	depth, idx = decodeDepthIdx(tail)
	return string(t), string(sk), depth, idx
}

// RoomStateSpacePrefix bounds a state-space scan by room, then
// optionally type and state_key.
func RoomStateSpacePrefix(room string, parts ...string) []byte {
	prefix := stringPrefix(room)
	for i, p := range parts {
		if i == 2 {
			break
		}
		prefix = append(prefix, p...)
		prefix = append(prefix, sep)
	}
	return prefix
}

// RoomJoinedKey is `room \0 origin \0 user_id`.
func RoomJoinedKey(room, origin, user string) ([]byte, error) {
	key := make([]byte, 0, len(room)+len(origin)+len(user)+2)
	var err error
	if key, err = appendString(key, room, event.MaxIDLength); err != nil {
		return nil, err
	}
	if key, err = appendString(key, origin, event.MaxIDLength); err != nil {
		return nil, err
	}
	if len(user) > event.MaxIDLength {
		return nil, ErrKeyTooLong
	}
	return append(key, user...), nil
}

func RoomJoinedKeyDecode(key []byte) (origin, user string) {
	_, tail := cutNUL(key)
	o, u := cutNUL(tail)
	return string(o), string(u)
}

// RefType classifies an event_refs edge.
type RefType byte

const (
	RefNext      RefType = 0x00 // prev_events
	RefNextAuth  RefType = 0x01 // auth_events
	RefRedaction RefType = 0x02 // redacts
	RefRelates   RefType = 0x03 // content m.relates_to
)

func (t RefType) String() string {
	switch t {
	case RefNext:
		return "NEXT"
	case RefNextAuth:
		return "NEXT_AUTH"
	case RefRedaction:
		return "M_ROOM_REDACTION"
	case RefRelates:
		return "M_RELATES"
	}
	return "UNKNOWN"
}

const eventRefsKeyLen = 8 + 1 + 8

// EventRefsKey records that src references tgt: `tgt type src`.
func EventRefsKey(tgt event.Idx, typ RefType, src event.Idx) []byte {
	key := make([]byte, 0, eventRefsKeyLen)
	key = appendInt(key, tgt)
	key = append(key, byte(typ))
	return appendInt(key, src)
}

func EventRefsKeyDecode(key []byte) (tgt event.Idx, typ RefType, src event.Idx) {
	tgt, rest := readInt(key, event.IdxNone)
	if len(rest) == 0 {
		return tgt, 0, event.IdxNone
	}
	typ = RefType(rest[0])
	src, _ = readInt(rest[1:], event.IdxNone)
	return
}

// EventRefsPrefix bounds the scan of everything referencing tgt.
func EventRefsPrefix(tgt event.Idx) []byte {
	return IdxKey(tgt)
}

// prefix transforms

func prefixNUL(key []byte) []byte {
	head, _ := cutNUL(key)
	return head
}

func prefixFixed(n int) func(key []byte) []byte {
	return func(key []byte) []byte {
		if len(key) < n {
			return key
		}
		return key[:n]
	}
}
