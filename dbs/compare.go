package dbs

import (
	"bytes"
	"cmp"

	"github.com/cockroachdb/pebble"
)

func compareBytes(a, b []byte) int {
	return bytes.Compare(a, b)
}

func compareDesc[T cmp.Ordered](a, b T) int {
	return cmp.Compare(b, a)
}

// CompareRoomEvents orders room_events keys by room bytewise, then depth
// descending, then idx descending, so a forward scan from a room prefix
// walks its timeline newest first. Depth compares as unsigned, which puts
// the DepthNone of a bare room key before every row.
func CompareRoomEvents(a, b []byte) int {
	ra, ta := cutNUL(a)
	rb, tb := cutNUL(b)
	if c := bytes.Compare(ra, rb); c != 0 {
		return c
	}
	da, ia := decodeDepthIdx(ta)
	db, ib := decodeDepthIdx(tb)
	if c := compareDesc(uint64(da), uint64(db)); c != 0 {
		return c
	}
	if c := compareDesc(ia, ib); c != 0 {
		return c
	}
	return bytes.Compare(a, b)
}

// CompareRoomStateSpace orders by room, type and state_key ascending, then
// depth and idx descending.
func CompareRoomStateSpace(a, b []byte) int {
	ta, tb := a, b
	for i := 0; i < 3; i++ {
		var ha, hb []byte
		ha, ta = cutNUL(ta)
		hb, tb = cutNUL(tb)
		if c := bytes.Compare(ha, hb); c != 0 {
			return c
		}
	}
	da, ia := decodeDepthIdx(ta)
	db, ib := decodeDepthIdx(tb)
	if c := compareDesc(uint64(da), uint64(db)); c != 0 {
		return c
	}
	if c := compareDesc(ia, ib); c != 0 {
		return c
	}
	return bytes.Compare(a, b)
}

const comparerName = "construct.dbs.v1"

// Comparer builds the database-wide comparer: keys order by column tag
// first, then by the column's own comparator.
func Comparer(cols []*Descriptor) *pebble.Comparer {
	var table [256]func(a, b []byte) int
	for _, d := range cols {
		if d.Compare != nil {
			table[d.Tag] = d.Compare
		}
	}
	compare := func(a, b []byte) int {
		if len(a) == 0 || len(b) == 0 {
			return cmp.Compare(len(a), len(b))
		}
		if a[0] != b[0] {
			return cmp.Compare(a[0], b[0])
		}
		if f := table[a[0]]; f != nil {
			return f(a[1:], b[1:])
		}
		return bytes.Compare(a[1:], b[1:])
	}
	return &pebble.Comparer{
		Compare: compare,
		Equal:   bytes.Equal,
		AbbreviatedKey: func(key []byte) uint64 {
			if len(key) == 0 {
				return 0
			}
			return uint64(key[0]) << 56
		},
		FormatKey: pebble.DefaultComparer.FormatKey,
		Separator: func(dst, a, b []byte) []byte {
			return append(dst, a...)
		},
		Successor: func(dst, a []byte) []byte {
			return append(dst, a...)
		},
		ImmediateSuccessor: func(dst, a []byte) []byte {
			return append(append(dst, a...), 0)
		},
		Split: func(a []byte) int {
			return len(a)
		},
		Name: comparerName,
	}
}

// upperBound is the first key past every key starting with prefix.
// Column comparators that order by a NUL-terminated head keep that head
// bytewise, so the bytewise successor is a valid bound for them too.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
