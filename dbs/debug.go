package dbs

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/matrix-construct/construct-sub013/event"
)

// KVString renders one row of desc, key decoded per the column layout.
func KVString(desc *Descriptor, key, val []byte) string {
	var b strings.Builder
	b.WriteString(desc.Name)
	b.WriteByte('\t')
	switch desc {
	case EventIdx:
		fmt.Fprintf(&b, "%s\t%d", key, IdxKeyDecode(val))
	case EventID, EventJSON:
		fmt.Fprintf(&b, "%d\t%s", IdxKeyDecode(key), val)
	case EventRefs:
		tgt, typ, src := EventRefsKeyDecode(key)
		fmt.Fprintf(&b, "%d\t%s\t%d", tgt, typ, src)
	case EventType, EventSender, EventHorizon:
		s, idx := stringIdxKeyDecode(key)
		fmt.Fprintf(&b, "%s\t%d", s, idx)
	case RoomEvents:
		room, _ := cutNUL(key)
		depth, idx := RoomEventsKeyDecode(key)
		fmt.Fprintf(&b, "%s\t%d\t%d", room, depth, idx)
	case RoomHead:
		room, idx := RoomHeadKeyDecode(key)
		fmt.Fprintf(&b, "%s\t%d\t%s", room, idx, val)
	case RoomState:
		room, _ := cutNUL(key)
		typ, sk := RoomStateKeyDecode(key)
		fmt.Fprintf(&b, "%s\t%s\t%q\t%d", room, typ, sk, IdxKeyDecode(val))
	case RoomStateSpace:
		room, _ := cutNUL(key)
		typ, sk, depth, idx := RoomStateSpaceKeyDecode(key)
		fmt.Fprintf(&b, "%s\t%s\t%q\t%d\t%d", room, typ, sk, depth, idx)
	case RoomJoined:
		room, _ := cutNUL(key)
		origin, user := RoomJoinedKeyDecode(key)
		fmt.Fprintf(&b, "%s\t%s\t%s", room, origin, user)
	default:
		i := event.FieldIndex(strings.TrimPrefix(desc.Name, "_"))
		if i < 0 || FieldColumn(i) != desc {
			fmt.Fprintf(&b, "%x\t%x", key, val)
			break
		}
		v, err := decodeValue(event.Fields[i].Kind, val)
		if err != nil {
			fmt.Fprintf(&b, "%d\t!%v", IdxKeyDecode(key), err)
			break
		}
		fmt.Fprintf(&b, "%d\t%s", IdxKeyDecode(key), valueString(v))
	}
	return b.String()
}

func valueString(v event.Value) string {
	switch v.Kind {
	case event.KindString:
		return strconv.Quote(v.Str)
	case event.KindInt:
		return strconv.FormatInt(v.Int, 10)
	}
	return string(v.Raw)
}

// Dump writes the rows of desc under prefix, at most limit of them when
// limit is positive.
func (d *DB) Dump(w io.Writer, desc *Descriptor, prefix []byte, limit int) (n int) {
	for key, val := range d.scan(d.db, desc, prefix, false) {
		if limit > 0 && n >= limit {
			break
		}
		_, _ = fmt.Fprintln(w, KVString(desc, key, val))
		n++
	}
	return
}

type ColumnStats struct {
	Name string
	Tag  byte
	Rows int
	Drop bool
}

// Stats counts the rows of every column. It walks the whole database.
func (d *DB) Stats() []ColumnStats {
	stats := make([]ColumnStats, 0, len(d.cols))
	for _, c := range d.cols {
		stats = append(stats, ColumnStats{Name: c.Name, Tag: c.Tag, Rows: d.Count(c, nil), Drop: c.Drop})
	}
	return stats
}
