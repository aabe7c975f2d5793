// Package vm evaluates Matrix events: every event, received or local,
// passes the FETCH, CONFORM, AUTH, INDEX, WRITE and NOTIFY phases before
// it owns an idx.
package vm

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"time"

	"github.com/matrix-construct/construct-sub013/dbs"
	"github.com/matrix-construct/construct-sub013/event"
	"github.com/matrix-construct/construct-sub013/utils"
)

// Authorizer is the room-version authorization predicate of the AUTH
// phase. A non-nil error rejects the event.
type Authorizer interface {
	Authorize(ctx context.Context, db *dbs.DB, e *event.Event) error
}

type AuthorizerFunc func(ctx context.Context, db *dbs.DB, e *event.Event) error

func (f AuthorizerFunc) Authorize(ctx context.Context, db *dbs.DB, e *event.Event) error {
	return f(ctx, db, e)
}

// AllowAll permits every event.
var AllowAll = AuthorizerFunc(func(context.Context, *dbs.DB, *event.Event) error { return nil })

type Options struct {
	Logger     utils.Logger
	Authorizer Authorizer
	Fetcher    Fetcher
	Hooks      *Hooks

	// identity of this server for Inject
	Origin string
	KeyID  string
	Key    ed25519.PrivateKey
	// room version of rooms created locally
	RoomVersion string

	Now func() time.Time
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
	if o.Authorizer == nil {
		o.Authorizer = AllowAll
	}
	if o.Hooks == nil {
		o.Hooks = NewHooks()
	}
	if o.RoomVersion == "" {
		o.RoomVersion = event.DefaultRoomVersion
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// VM owns the eval registry and the idx sequence of one database.
type VM struct {
	db   *dbs.DB
	opts Options
	log  utils.Logger
	reg  *Registry
	seq  sequence
}

// New starts the sequence after the last idx found in db.
func New(db *dbs.DB, opts Options) (*VM, error) {
	opts.SetDefaults()
	last, err := db.LastIdx()
	if err != nil {
		return nil, err
	}
	m := &VM{
		db:   db,
		opts: opts,
		log:  opts.Logger,
		reg:  NewRegistry(),
	}
	m.seq.init(last)
	m.log.Info("vm ready", "retired", last)
	return m, nil
}

func (m *VM) DB() *dbs.DB {
	return m.db
}

func (m *VM) Registry() *Registry {
	return m.reg
}

func (m *VM) Hooks() *Hooks {
	return m.opts.Hooks
}

// Retired is the highest idx durably committed.
func (m *VM) Retired() event.Idx {
	return m.seq.Retired()
}
