package construct

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/matrix-construct/construct-sub013/dbs"
)

var ErrNoColumn = errors.New("construct: no such column")

// DumpColumn writes the rows of a column whose keys start with prefix.
func (h *Homeserver) DumpColumn(w io.Writer, name, prefix string, limit int) (int, error) {
	desc := dbs.ColumnByName(name)
	if desc == nil {
		return 0, fmt.Errorf("%w: %s", ErrNoColumn, name)
	}
	return h.db.Dump(w, desc, []byte(prefix), limit), nil
}

// DumpAll writes every live column.
func (h *Homeserver) DumpAll(w io.Writer) {
	for _, desc := range dbs.Columns() {
		if desc.Drop {
			continue
		}
		if h.db.Dump(w, desc, nil, 0) > 0 {
			_, _ = fmt.Fprintln(w)
		}
	}
}

// DumpStats writes row counts per column and the engine summary.
func (h *Homeserver) DumpStats(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "column\ttag\trows\t")
	for _, s := range h.db.Stats() {
		if s.Drop {
			continue
		}
		_, _ = fmt.Fprintf(tw, "%s\t%c\t%s\t\n", s.Name, s.Tag, humanize.Comma(int64(s.Rows)))
	}
	_ = tw.Flush()
	m := h.db.Pebble().Metrics()
	_, _ = fmt.Fprintf(w, "\nretired idx %d, evals in flight %d, disk %s\n",
		h.vm.Retired(), h.vm.Registry().Len(), humanize.IBytes(m.DiskSpaceUsage()))
}
