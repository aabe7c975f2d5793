// Package bootstrap feeds events into the vm at scale: whole snapshot
// files and per-room backfill from other servers.
package bootstrap

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/matrix-construct/construct-sub013/event"
	"github.com/matrix-construct/construct-sub013/utils"
	"github.com/matrix-construct/construct-sub013/vm"
)

var FeedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "construct",
	Subsystem: "bootstrap",
	Name:      "events",
}, []string{"result"})

var FeedBytes = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "construct",
	Subsystem: "bootstrap",
	Name:      "bytes",
})

type records [][]byte

type Options struct {
	Logger utils.Logger
	// evaluation options of every event; vm.Bootstrap when nil
	Eval *vm.Opts
	// records buffered between the reader and the evaluator
	QueueLimit int
	// a batch is handed to the vm once it holds this many bytes
	BatchBytes int
	// or once this much time passed since its first record
	BatchWait time.Duration
	// progress is logged at this interval
	Report time.Duration
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if o.Eval == nil {
		o.Eval = &vm.Bootstrap
	}
	if o.QueueLimit <= 0 {
		o.QueueLimit = 4096
	}
	if o.BatchBytes <= 0 {
		o.BatchBytes = 1 << 20
	}
	if o.BatchWait <= 0 {
		o.BatchWait = 100 * time.Millisecond
	}
	if o.Report <= 0 {
		o.Report = 5 * time.Second
	}
}

// Stats is what a feed did.
type Stats struct {
	Job      string
	Events   uint64
	Bytes    uint64
	Accepted uint64
	Skipped  uint64
	Faulted  uint64
	Elapsed  time.Duration
}

func (s Stats) String() string {
	secs := s.Elapsed.Seconds()
	if secs <= 0 {
		secs = 1
	}
	return fmt.Sprintf("%s events (%s accepted, %s skipped, %s faulted), %s in %s, %.0f events/s, %s/s",
		humanize.Comma(int64(s.Events)), humanize.Comma(int64(s.Accepted)), humanize.Comma(int64(s.Skipped)),
		humanize.Comma(int64(s.Faulted)), humanize.Bytes(s.Bytes), s.Elapsed.Round(time.Millisecond),
		float64(s.Events)/secs, humanize.Bytes(uint64(float64(s.Bytes)/secs)))
}

// File feeds the events of a snapshot file into m.
func File(ctx context.Context, m *vm.VM, path string, opts Options) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, err
	}
	defer f.Close()
	return Feed(ctx, m, f, opts)
}

// Feed evaluates every event read from r: either one JSON array of
// events or a stream of JSON objects such as newline-delimited JSON.
// Cancellation is honoured between batches.
func Feed(ctx context.Context, m *vm.VM, r io.Reader, opts Options) (stats Stats, err error) {
	opts.SetDefaults()
	log := opts.Logger
	stats.Job = uuid.NewString()
	ctx = utils.WithDefaultArgs(ctx, "job", stats.Job)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	q := utils.NewFDQueue[records](opts.QueueLimit, opts.BatchWait, opts.BatchBytes)
	readErr := make(chan error, 1)
	go func() {
		readErr <- read(ctx, r, q)
		_ = q.Close()
	}()

	start := time.Now()
	events, bytes := utils.NewRate(start), utils.NewRate(start)
	ticker := time.NewTicker(opts.Report)
	defer ticker.Stop()
	log.InfoCtx(ctx, "bootstrap: started")

	for {
		if err = ctx.Err(); err != nil {
			break
		}
		recs, ferr := q.Feed(ctx)
		if errors.Is(ferr, utils.ErrClosed) {
			break
		}
		if ferr != nil {
			err = ferr
			break
		}
		batch := make([]*event.Event, 0, len(recs))
		for _, raw := range recs {
			stats.Events++
			stats.Bytes += uint64(len(raw))
			e, perr := event.Parse(raw)
			if perr == nil {
				perr = m.Identify(e, raw, opts.Eval)
			}
			if perr != nil {
				stats.Faulted++
				FeedEvents.WithLabelValues("malformed").Inc()
				log.WarnCtx(ctx, "bootstrap: unusable record", "size", len(raw), "err", perr)
				continue
			}
			batch = append(batch, e)
		}
		events.Add(uint64(len(recs)))
		bytes.Add(uint64(recordsSize(recs)))
		FeedBytes.Add(float64(recordsSize(recs)))

		rep, berr := m.EvalBatch(ctx, batch, opts.Eval)
		stats.Accepted += uint64(rep.Accepted)
		stats.Skipped += uint64(rep.Skipped)
		stats.Faulted += uint64(rep.Faulted())
		FeedEvents.WithLabelValues("accepted").Add(float64(rep.Accepted))
		FeedEvents.WithLabelValues("skipped").Add(float64(rep.Skipped))
		FeedEvents.WithLabelValues("faulted").Add(float64(rep.Faulted()))
		if berr != nil {
			err = berr
			break
		}

		select {
		case now := <-ticker.C:
			evRate, _ := events.Tick(now)
			byteRate, _ := bytes.Tick(now)
			log.InfoCtx(ctx, "bootstrap: progress",
				"events", humanize.Comma(int64(stats.Events)),
				"accepted", stats.Accepted,
				"events_per_sec", fmt.Sprintf("%.0f", evRate),
				"bytes", humanize.Bytes(stats.Bytes),
				"bytes_per_sec", humanize.Bytes(uint64(byteRate)),
				"last_idx", m.Retired())
		default:
		}
	}
	cancel()
	if rerr := <-readErr; err == nil && rerr != nil && !errors.Is(rerr, context.Canceled) {
		err = rerr
	}
	stats.Elapsed = time.Since(start)
	if err != nil {
		log.ErrorCtx(ctx, "bootstrap: stopped", "stats", stats.String(), "err", err)
	} else {
		log.InfoCtx(ctx, "bootstrap: done", "stats", stats.String())
	}
	return stats, err
}

func recordsSize(recs records) (n int) {
	for _, rec := range recs {
		n += len(rec)
	}
	return
}

// read splits r into event records and queues them.
func read(ctx context.Context, r io.Reader, q *utils.FDQueue[records]) error {
	br := bufio.NewReaderSize(r, 1<<16)
	array, err := opensArray(br)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(br)
	if array {
		if _, err := dec.Token(); err != nil {
			return err
		}
	}
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		if err := q.Drain(ctx, records{raw}); err != nil {
			return err
		}
	}
	if array {
		if _, err := dec.Token(); err != nil {
			return err
		}
	}
	return nil
}

// opensArray peeks past leading whitespace for '['.
func opensArray(br *bufio.Reader) (bool, error) {
	for {
		b, err := br.Peek(1)
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			_, _ = br.ReadByte()
		default:
			return b[0] == '[', nil
		}
	}
}
