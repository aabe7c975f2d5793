// Package construct is a Matrix homeserver core: an event store with
// its indices and the virtual machine every event passes through.
package construct

import (
	"context"
	"crypto/ed25519"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/matrix-construct/construct-sub013/bootstrap"
	"github.com/matrix-construct/construct-sub013/conf"
	"github.com/matrix-construct/construct-sub013/dbs"
	"github.com/matrix-construct/construct-sub013/event"
	"github.com/matrix-construct/construct-sub013/utils"
	"github.com/matrix-construct/construct-sub013/vm"
)

var (
	ErrClosed   = errors.New("construct: homeserver is closed")
	ErrNoSource = errors.New("construct: no backfill source configured")
)

type Options struct {
	pebble.Options

	Logger utils.Logger

	Origin      string
	KeyID       string
	Key         ed25519.PrivateKey
	RoomVersion string

	// block cache created when Options.Cache is nil
	CacheSize   int64
	IDCacheSize int
	HorizonPage int
	Sync        bool

	Authorizer vm.Authorizer
	Fetcher    vm.Fetcher
	// evaluation options of Eval; vm.Default when zero
	Eval vm.Opts

	// history of rooms we learn about late; Backfill is disabled when nil
	Source    bootstrap.Source
	Backfill  bootstrap.BackfillOptions
	Bootstrap bootstrap.Options
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if o.Eval == (vm.Opts{}) {
		o.Eval = vm.Default
	}
	if o.Backfill.Logger == nil {
		o.Backfill.Logger = o.Logger
	}
	if o.Bootstrap.Logger == nil {
		o.Bootstrap.Logger = o.Logger
	}
}

// Homeserver owns one event store and its vm.
type Homeserver struct {
	dir       string
	opts      Options
	log       utils.Logger
	db        *dbs.DB
	vm        *vm.VM
	eval      atomic.Pointer[vm.Opts]
	backfill  *bootstrap.Backfill
	collector *PebbleCollector
	closed    atomic.Bool
}

// Open opens or creates the store in dirname.
func Open(dirname string, opts Options) (*Homeserver, error) {
	opts.SetDefaults()
	if opts.Cache == nil && opts.CacheSize > 0 {
		cache := pebble.NewCache(opts.CacheSize)
		defer cache.Unref()
		opts.Cache = cache
	}
	db, err := dbs.Open(dirname, &opts.Options, dbs.Options{
		Logger:      opts.Logger,
		IDCacheSize: opts.IDCacheSize,
		HorizonPage: opts.HorizonPage,
		Sync:        opts.Sync,
	})
	if err != nil {
		return nil, err
	}
	m, err := vm.New(db, vm.Options{
		Logger:      opts.Logger,
		Authorizer:  opts.Authorizer,
		Fetcher:     opts.Fetcher,
		Origin:      opts.Origin,
		KeyID:       opts.KeyID,
		Key:         opts.Key,
		RoomVersion: opts.RoomVersion,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	h := &Homeserver{
		dir:       dirname,
		opts:      opts,
		log:       opts.Logger,
		db:        db,
		vm:        m,
		collector: NewPebbleCollector(db.Pebble()),
	}
	eval := opts.Eval
	h.eval.Store(&eval)
	if opts.Source != nil {
		h.backfill = bootstrap.NewBackfill(m, opts.Source, opts.Backfill)
	}
	h.log.Info("homeserver open", "dir", dirname, "origin", opts.Origin, "retired", m.Retired())
	return h, nil
}

// Close stops the backfill workers and closes the store. Evaluations
// still running fail with a storage error.
func (h *Homeserver) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	if h.backfill != nil {
		_ = h.backfill.Close()
	}
	if n := h.vm.Registry().Len(); n > 0 {
		h.log.Warn("closing with evaluations in flight", "evals", n)
	}
	h.log.Info("homeserver closed", "dir", h.dir, "retired", h.vm.Retired())
	return h.db.Close()
}

func (h *Homeserver) DB() *dbs.DB {
	return h.db
}

func (h *Homeserver) VM() *vm.VM {
	return h.vm
}

func (h *Homeserver) Logger() utils.Logger {
	return h.log
}

// EvalOpts is a copy of the options Eval uses.
func (h *Homeserver) EvalOpts() vm.Opts {
	return *h.eval.Load()
}

func (h *Homeserver) SetEvalOpts(opts vm.Opts) {
	h.eval.Store(&opts)
}

func (h *Homeserver) updateEvalOpts(fn func(o *vm.Opts)) {
	for {
		old := h.eval.Load()
		next := *old
		fn(&next)
		if h.eval.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Eval admits one event received as JSON.
func (h *Homeserver) Eval(ctx context.Context, raw []byte) (event.Idx, error) {
	if h.closed.Load() {
		return 0, ErrClosed
	}
	return h.vm.EvalJSON(ctx, raw, h.eval.Load())
}

// Inject builds, signs and admits a local event.
func (h *Homeserver) Inject(ctx context.Context, t vm.Template) (*event.Event, event.Idx, error) {
	if h.closed.Load() {
		return nil, 0, ErrClosed
	}
	return h.vm.Inject(ctx, t, h.eval.Load())
}

// Bootstrap feeds a snapshot file.
func (h *Homeserver) Bootstrap(ctx context.Context, path string) (bootstrap.Stats, error) {
	if h.closed.Load() {
		return bootstrap.Stats{}, ErrClosed
	}
	return bootstrap.File(ctx, h.vm, path, h.opts.Bootstrap)
}

// Backfill queues room for backfill and returns the job id.
func (h *Homeserver) Backfill(ctx context.Context, room string, done chan<- bootstrap.Job) (string, error) {
	if h.backfill == nil {
		return "", ErrNoSource
	}
	return h.backfill.Submit(ctx, room, done)
}

type repair func(ctx context.Context, room string) (dbs.Report, error)

func (h *Homeserver) repair(ctx context.Context, name, room string, fn repair) (dbs.Report, error) {
	ctx = utils.WithDefaultArgs(ctx, "repair", name, "room_id", room)
	rep, err := fn(ctx, room)
	if err != nil {
		h.log.ErrorCtx(ctx, "repair failed", "rows", rep.Rows, "err", err)
		return rep, err
	}
	h.log.InfoCtx(ctx, "repair done", "rows", rep.Rows, "repaired", rep.Repaired, "skipped", rep.Skipped)
	return rep, nil
}

// HeadReset makes the newest event of the room its only head.
func (h *Homeserver) HeadReset(ctx context.Context, room string) (dbs.Report, error) {
	return h.repair(ctx, "head reset", room, h.db.HeadReset)
}

// HeadRebuild recomputes the room head from the whole timeline.
func (h *Homeserver) HeadRebuild(ctx context.Context, room string) (dbs.Report, error) {
	return h.repair(ctx, "head rebuild", room, h.db.HeadRebuild)
}

// StateRebuild recomputes the present state from the state space.
func (h *Homeserver) StateRebuild(ctx context.Context, room string) (dbs.Report, error) {
	return h.repair(ctx, "state rebuild", room, h.db.StateRebuild)
}

func (h *Homeserver) StateSpaceRebuild(ctx context.Context, room string) (dbs.Report, error) {
	return h.repair(ctx, "state space rebuild", room, h.db.StateSpaceRebuild)
}

// Bind makes the runtime settings take effect. level may be nil when
// the logger level is fixed.
func (h *Homeserver) Bind(rt *conf.Runtime, level *slog.LevelVar) {
	rt.LogLevel.OnSet(func(s string) {
		l, err := conf.ParseLevel(s)
		if err != nil {
			h.log.Warn("log level not changed", "err", err)
			return
		}
		if level != nil {
			level.Set(l)
		}
	})
	rt.FetchRetries.OnSet(func(n int) {
		h.updateEvalOpts(func(o *vm.Opts) { o.FetchRetries = n })
	})
	rt.FetchTimeout.OnSet(func(d time.Duration) {
		h.updateEvalOpts(func(o *vm.Opts) { o.FetchTimeout = d })
	})
	rt.RequireAnyPrev.OnSet(func(b bool) {
		h.updateEvalOpts(func(o *vm.Opts) { o.RequireAnyPrev = b })
	})
	rt.RequireAllPrev.OnSet(func(b bool) {
		h.updateEvalOpts(func(o *vm.Opts) { o.RequireAllPrev = b })
	})
}
