package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/matrix-construct/construct-sub013/dbs"
	"github.com/matrix-construct/construct-sub013/event"
)

var (
	HelpEvent     = errors.New("event <$event_id|idx>")
	HelpIdx       = errors.New("idx <$event_id>")
	HelpRefs      = errors.New("refs <$event_id|idx>")
	HelpHead      = errors.New("head [reset|rebuild] <!room_id>")
	HelpState     = errors.New("state [rebuild|space] <!room_id> [type]")
	HelpEval      = errors.New("eval <event json>")
	HelpBootstrap = errors.New("bootstrap <snapshot file>")
	HelpDump      = errors.New("dump <column> [prefix] [limit]")
	HelpSet       = errors.New("set <item> <value>")

	ErrNotFound = errors.New("not found")
)

var helps = []error{HelpEvent, HelpIdx, HelpRefs, HelpHead, HelpState, HelpEval, HelpBootstrap, HelpDump, HelpSet}

func (repl *REPL) CommandHelp(args []string) error {
	for _, h := range helps {
		repl.printf("%s\n", h.Error())
	}
	repl.printf("horizon [$event_id]\nstats\nevals\nget [item]\nexit\n")
	return nil
}

// resolve takes an event id or an idx.
func (repl *REPL) resolve(arg string) (event.Idx, string, error) {
	db := repl.Host.DB()
	r := db.Reader()
	if n, err := strconv.ParseUint(arg, 10, 64); err == nil {
		id, ok, err := db.EventIDOf(r, event.Idx(n))
		if err != nil {
			return 0, "", err
		}
		if !ok {
			return 0, "", fmt.Errorf("%w: idx %d", ErrNotFound, n)
		}
		return event.Idx(n), id, nil
	}
	idx, err := db.EventIdx(r, arg)
	if err != nil {
		return 0, "", err
	}
	if idx == event.IdxNone {
		return 0, "", fmt.Errorf("%w: %s", ErrNotFound, arg)
	}
	return idx, arg, nil
}

func (repl *REPL) CommandEvent(args []string) error {
	if len(args) != 1 {
		return HelpEvent
	}
	idx, _, err := repl.resolve(args[0])
	if err != nil {
		return err
	}
	f := dbs.NewFetch(dbs.FetchOpts{ForceJSON: true})
	if !repl.Host.DB().Seek(repl.Host.DB().Reader(), f, idx) {
		return fmt.Errorf("%w: idx %d", ErrNotFound, idx)
	}
	repl.printf("%d\t%s\n", idx, f.JSON)
	return nil
}

func (repl *REPL) CommandIdx(args []string) error {
	if len(args) != 1 {
		return HelpIdx
	}
	idx, _, err := repl.resolve(args[0])
	if err != nil {
		return err
	}
	repl.printf("%d\n", idx)
	return nil
}

func (repl *REPL) CommandRefs(args []string) error {
	if len(args) != 1 {
		return HelpRefs
	}
	idx, _, err := repl.resolve(args[0])
	if err != nil {
		return err
	}
	db := repl.Host.DB()
	r := db.Reader()
	for typ, src := range db.Referrers(r, idx) {
		id, _, _ := db.EventIDOf(r, src)
		repl.printf("%s\t%d\t%s\n", typ, src, id)
	}
	return nil
}

func (repl *REPL) CommandHorizon(args []string) error {
	db := repl.Host.DB()
	r := db.Reader()
	if len(args) == 1 {
		for idx := range db.Horizon(r, args[0]) {
			id, _, _ := db.EventIDOf(r, idx)
			repl.printf("%d\t%s\n", idx, id)
		}
		return nil
	}
	for id, idx := range db.HorizonIDs(r) {
		repl.printf("%s\t%d\n", id, idx)
	}
	return nil
}

func (repl *REPL) report(rep dbs.Report, started time.Time) {
	repl.printf("%d rows, %d repaired, %d skipped in %s\n",
		rep.Rows, rep.Repaired, rep.Skipped, time.Since(started).Round(time.Millisecond))
}

func (repl *REPL) CommandHead(ctx context.Context, args []string) error {
	if len(args) == 2 {
		start := time.Now()
		var rep dbs.Report
		var err error
		switch args[0] {
		case "reset":
			rep, err = repl.Host.HeadReset(ctx, args[1])
		case "rebuild":
			rep, err = repl.Host.HeadRebuild(ctx, args[1])
		default:
			return HelpHead
		}
		if err == nil {
			repl.report(rep, start)
		}
		return err
	}
	if len(args) != 1 {
		return HelpHead
	}
	db := repl.Host.DB()
	r := db.Reader()
	for idx, id := range db.RoomHeads(r, args[0]) {
		f := dbs.NewFetch(dbs.FetchOpts{Fields: event.Select("depth")})
		depth := int64(-1)
		if db.Seek(r, f, idx) {
			depth = f.Event.Depth
		}
		repl.printf("%d\t%d\t%s\n", idx, depth, id)
	}
	return nil
}

func (repl *REPL) CommandState(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return HelpState
	}
	db := repl.Host.DB()
	r := db.Reader()
	switch args[0] {
	case "rebuild":
		if len(args) != 2 {
			return HelpState
		}
		start := time.Now()
		rep, err := repl.Host.StateRebuild(ctx, args[1])
		if err == nil {
			repl.report(rep, start)
		}
		return err
	case "space":
		if len(args) < 2 {
			return HelpState
		}
		for cell := range db.StateSpace(r, args[1], args[2:]...) {
			repl.printf("%s\t%q\t%d\t%d\n", cell.Type, cell.StateKey, cell.Depth, cell.Idx)
		}
		return nil
	}
	for cell := range db.RoomState(r, args[0], args[1:]...) {
		id, _, _ := db.EventIDOf(r, cell.Idx)
		repl.printf("%s\t%q\t%d\t%s\n", cell.Type, cell.StateKey, cell.Idx, id)
	}
	return nil
}

func (repl *REPL) CommandEval(ctx context.Context, raw string) error {
	if raw == "" {
		return HelpEval
	}
	idx, err := repl.Host.Eval(ctx, []byte(raw))
	if err != nil {
		return err
	}
	if idx == event.IdxNone {
		repl.printf("not written\n")
		return nil
	}
	id, _, _ := repl.Host.DB().EventIDOf(repl.Host.DB().Reader(), idx)
	repl.printf("%d\t%s\n", idx, id)
	return nil
}

func (repl *REPL) CommandBootstrap(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return HelpBootstrap
	}
	stats, err := repl.Host.Bootstrap(ctx, args[0])
	repl.printf("%s\n", stats.String())
	return err
}

func (repl *REPL) CommandDump(args []string) error {
	if len(args) == 0 {
		return HelpDump
	}
	prefix, limit := "", 0
	if len(args) > 1 {
		prefix = args[1]
	}
	if len(args) > 2 {
		n, err := strconv.Atoi(args[2])
		if err != nil {
			return HelpDump
		}
		limit = n
	}
	n, err := repl.Host.DumpColumn(repl.Out, args[0], prefix, limit)
	if err != nil {
		return err
	}
	repl.printf("%s rows\n", humanize.Comma(int64(n)))
	return nil
}

func (repl *REPL) CommandEvals(args []string) error {
	reg := repl.Host.VM().Registry()
	for ev := range reg.All() {
		repl.printf("%d\t%s\t%s\t%s\t%s\n", ev.ID, ev.EventID, ev.Phase(), ev.Owner, humanize.Time(ev.Started))
	}
	repl.printf("%d in flight, seq %d..%d, retired %d\n",
		reg.Len(), reg.SeqMin(), reg.SeqMax(), repl.Host.VM().Retired())
	return nil
}

func (repl *REPL) CommandGet(args []string) error {
	names := args
	if len(names) == 0 {
		names = repl.Runtime.Names()
	}
	for _, name := range names {
		it, ok := repl.Runtime.Get(name)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		repl.printf("%s = %s\n", it.Name(), it.String())
	}
	return nil
}

func (repl *REPL) CommandSet(args []string) error {
	if len(args) < 2 {
		return HelpSet
	}
	if err := repl.Runtime.Set(args[0], strings.Join(args[1:], " ")); err != nil {
		return err
	}
	return repl.CommandGet(args[:1])
}
