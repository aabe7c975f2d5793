package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidwall/gjson"

	"github.com/matrix-construct/construct-sub013/event"
	"github.com/matrix-construct/construct-sub013/utils"
	"github.com/matrix-construct/construct-sub013/vm"
)

var BackfillJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "construct",
	Subsystem: "bootstrap",
	Name:      "backfill_jobs",
}, []string{"result"})

var BackfillDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "construct",
	Subsystem: "bootstrap",
	Name:      "backfill_duration_seconds",
	Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
})

var ErrBackfillClosed = errors.New("construct: backfill is closed")

// Source serves room history older than the from events as a JSON array,
// like the federation backfill endpoint.
type Source interface {
	Backfill(ctx context.Context, room string, from []string, limit int) ([]byte, error)
}

type SourceFunc func(ctx context.Context, room string, from []string, limit int) ([]byte, error)

func (f SourceFunc) Backfill(ctx context.Context, room string, from []string, limit int) ([]byte, error) {
	return f(ctx, room, from, limit)
}

type BackfillOptions struct {
	Logger utils.Logger
	// evaluation options; vm.Default with duplicates skipped when nil
	Eval *vm.Opts
	// concurrent rooms
	Workers int
	// events asked per request
	Limit int
	// requests per room
	MaxPages int
	// oldest events of the room sent as the starting point
	FromEvents int
	// queued rooms per worker
	Backlog int
}

func (o *BackfillOptions) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if o.Eval == nil {
		opts := vm.Default
		opts.NoThrow |= vm.FaultExists
		o.Eval = &opts
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Limit <= 0 {
		o.Limit = 64
	}
	if o.MaxPages <= 0 {
		o.MaxPages = 16
	}
	if o.FromEvents <= 0 {
		o.FromEvents = 4
	}
	if o.Backlog <= 0 {
		o.Backlog = 64
	}
}

// Job is the outcome of backfilling one room.
type Job struct {
	ID       string
	Room     string
	Pages    int
	Accepted int
	Faulted  int
	Err      error
}

type job struct {
	Job
	done chan<- Job
}

// Backfill runs rooms through a fixed pool of workers. A room always
// lands on the same worker, so one room is never backfilled twice at
// once. Close cancels outstanding work and waits for the workers.
type Backfill struct {
	m      *vm.VM
	src    Source
	opts   BackfillOptions
	log    utils.Logger
	ctx    context.Context
	cancel context.CancelFunc
	shards []chan job
	wg     sync.WaitGroup
	jobs   sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewBackfill(m *vm.VM, src Source, opts BackfillOptions) *Backfill {
	opts.SetDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	b := &Backfill{
		m:      m,
		src:    src,
		opts:   opts,
		log:    opts.Logger,
		ctx:    ctx,
		cancel: cancel,
		shards: make([]chan job, opts.Workers),
	}
	for i := range b.shards {
		b.shards[i] = make(chan job, opts.Backlog)
		b.wg.Add(1)
		go b.worker(i, b.shards[i])
	}
	return b
}

func (b *Backfill) shard(room string) int {
	return int(xxhash.Sum64String(room) % uint64(len(b.shards)))
}

// Submit queues room and returns its job id. The outcome is sent on done
// when it is not nil; after Close it is dropped if done is not ready.
func (b *Backfill) Submit(ctx context.Context, room string, done chan<- Job) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return "", ErrBackfillClosed
	}
	j := job{Job: Job{ID: uuid.NewString(), Room: room}, done: done}
	b.jobs.Add(1)
	select {
	case b.shards[b.shard(room)] <- j:
		return j.ID, nil
	case <-ctx.Done():
		b.jobs.Done()
		return "", ctx.Err()
	case <-b.ctx.Done():
		b.jobs.Done()
		return "", ErrBackfillClosed
	}
}

// Wait blocks until every submitted room is finished.
func (b *Backfill) Wait() {
	b.jobs.Wait()
}

// Close interrupts the workers and waits for them to exit. Queued rooms
// finish with ErrBackfillClosed.
func (b *Backfill) Close() error {
	b.cancel()
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		for _, ch := range b.shards {
			close(ch)
		}
	}
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}

func (b *Backfill) worker(n int, ch <-chan job) {
	defer b.wg.Done()
	for j := range ch {
		if b.ctx.Err() != nil {
			j.Err = ErrBackfillClosed
		} else {
			start := time.Now()
			ctx := utils.WithDefaultArgs(b.ctx, "job", j.ID, "room_id", j.Room, "worker", n)
			b.room(ctx, &j.Job)
			BackfillDuration.Observe(time.Since(start).Seconds())
		}
		result := "ok"
		if j.Err != nil {
			result = "error"
		}
		BackfillJobs.WithLabelValues(result).Inc()
		b.report(j)
		b.jobs.Done()
	}
}

// report hands the outcome to the submitter. Once the pool is closing a
// receiver that is not ready loses it rather than blocking Close.
func (b *Backfill) report(j job) {
	if j.done == nil {
		return
	}
	select {
	case j.done <- j.Job:
		return
	default:
	}
	select {
	case j.done <- j.Job:
	case <-b.ctx.Done():
		b.log.Warn("backfill: outcome dropped", "job", j.ID, "room_id", j.Room, "err", j.Err)
	}
}

// room pages backwards through the history of j.Room until a page brings
// nothing new.
func (b *Backfill) room(ctx context.Context, j *Job) {
	for j.Pages < b.opts.MaxPages {
		from := b.oldest(j.Room)
		if len(from) == 0 {
			b.log.WarnCtx(ctx, "backfill: room has no events to start from")
			return
		}
		body, err := b.src.Backfill(ctx, j.Room, from, b.opts.Limit)
		if err != nil {
			j.Err = err
			b.log.WarnCtx(ctx, "backfill: request failed", "page", j.Pages, "err", err)
			return
		}
		j.Pages++
		events := b.parse(ctx, body)
		rep, err := b.m.EvalBatch(ctx, events, b.opts.Eval)
		j.Accepted += rep.Accepted
		j.Faulted += rep.Faulted()
		if err != nil {
			j.Err = err
			return
		}
		if rep.Accepted == 0 {
			break
		}
	}
	b.log.InfoCtx(ctx, "backfill: room done", "pages", j.Pages, "accepted", j.Accepted, "faulted", j.Faulted)
}

// oldest lists the event ids at the bottom of the room's timeline.
func (b *Backfill) oldest(room string) (ids []string) {
	db := b.m.DB()
	r := db.Reader()
	for _, idx := range db.RoomEvents(r, room, true) {
		id, ok, err := db.EventIDOf(r, idx)
		if err != nil || !ok {
			continue
		}
		if ids = append(ids, id); len(ids) >= b.opts.FromEvents {
			break
		}
	}
	return
}

func (b *Backfill) parse(ctx context.Context, body []byte) (events []*event.Event) {
	res := gjson.ParseBytes(body)
	if !res.IsArray() {
		b.log.WarnCtx(ctx, "backfill: response is not an array", "size", len(body))
		return nil
	}
	res.ForEach(func(_, v gjson.Result) bool {
		raw := []byte(v.Raw)
		e, err := event.Parse(raw)
		if err == nil {
			err = b.m.Identify(e, raw, b.opts.Eval)
		}
		if err != nil {
			b.log.WarnCtx(ctx, "backfill: unusable event", "err", err)
			return true
		}
		events = append(events, e)
		return true
	})
	return
}
