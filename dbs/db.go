package dbs

import (
	"bytes"
	"iter"
	"log/slog"

	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/matrix-construct/construct-sub013/event"
	"github.com/matrix-construct/construct-sub013/utils"
)

var (
	ErrNotFound   = errors.New("construct: event not found")
	ErrNotIndexed = errors.New("construct: write needs an indexed batch")
	ErrNoIdx      = errors.New("construct: write without an event idx")
)

type Options struct {
	Logger utils.Logger
	// event_id -> idx lookups kept in memory
	IDCacheSize int
	// horizon rows resolved per iteration
	HorizonPage int
	// fsync every commit
	Sync bool
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
	if o.IDCacheSize <= 0 {
		o.IDCacheSize = 1 << 16
	}
	if o.HorizonPage <= 0 {
		o.HorizonPage = 32
	}
}

// DB is the event store: one pebble database holding every column.
type DB struct {
	db   *pebble.DB
	cols []*Descriptor
	opts Options
	log  utils.Logger
	ids  *lru.Cache[string, event.Idx]
	wo   *pebble.WriteOptions
}

// Open opens or creates the database at dirname. popts may be nil; its
// comparer is always replaced by the column-dispatching one.
func Open(dirname string, popts *pebble.Options, opts Options) (*DB, error) {
	opts.SetDefaults()
	o := &pebble.Options{}
	if popts != nil {
		o = popts.Clone()
	}
	cols := Columns()
	o.Comparer = Comparer(cols)
	if o.Cache == nil {
		var size int64
		for _, c := range cols {
			size += c.CacheSize
		}
		cache := pebble.NewCache(size)
		defer cache.Unref()
		o.Cache = cache
	}
	db, err := pebble.Open(dirname, o)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", dirname)
	}
	ids, _ := lru.New[string, event.Idx](opts.IDCacheSize)
	d := &DB{
		db:   db,
		cols: cols,
		opts: opts,
		log:  opts.Logger,
		ids:  ids,
		wo:   pebble.NoSync,
	}
	if opts.Sync {
		d.wo = pebble.Sync
	}
	if err := d.dropColumns(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Pebble exposes the underlying database for metrics and snapshots.
func (d *DB) Pebble() *pebble.DB {
	return d.db
}

func (d *DB) Logger() utils.Logger {
	return d.log
}

// NewBatch returns the indexed batch writes are staged into; it reads
// its own mutations, which horizon resolution relies on.
func (d *DB) NewBatch() *pebble.Batch {
	return d.db.NewIndexedBatch()
}

// Commit applies a staged batch atomically. The caller closes it.
func (d *DB) Commit(txn *pebble.Batch) error {
	return errors.Wrap(d.db.Apply(txn, d.wo), "commit")
}

func (d *DB) dropColumns() error {
	for _, c := range d.cols {
		if !c.Drop {
			continue
		}
		lower, upper := []byte{c.Tag}, []byte{c.Tag + 1}
		it, err := d.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
		if err != nil {
			return errors.Wrapf(err, "%s iterator", c.Name)
		}
		has := it.First()
		_ = it.Close()
		if !has {
			continue
		}
		d.log.Info("dropping deprecated column", "column", c.Name)
		if err := d.db.DeleteRange(lower, upper, pebble.Sync); err != nil {
			return errors.Wrapf(err, "drop %s", c.Name)
		}
	}
	return nil
}

// LastIdx is the highest idx stored, IdxNone for an empty database.
func (d *DB) LastIdx() (event.Idx, error) {
	it, err := d.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{EventID.Tag},
		UpperBound: []byte{EventID.Tag + 1},
	})
	if err != nil {
		return event.IdxNone, errors.Wrap(err, "event_id iterator")
	}
	defer it.Close()
	if !it.Last() {
		return event.IdxNone, errors.Wrap(it.Error(), "event_id last")
	}
	return IdxKeyDecode(it.Key()[1:]), nil
}

// get reads one column value; the returned slice is owned by the caller.
func (d *DB) get(r pebble.Reader, desc *Descriptor, colkey []byte) ([]byte, bool, error) {
	val, closer, err := r.Get(desc.key(colkey))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "%s get", desc.Name)
	}
	defer closer.Close()
	out, err := decompress(desc.Compression, val)
	if err != nil {
		return nil, false, errors.Wrapf(err, "%s value", desc.Name)
	}
	return bytes.Clone(out), true, nil
}

// scan walks the column keys starting with prefix; keys and values are
// valid for one step only.
func (d *DB) scan(r pebble.Reader, desc *Descriptor, prefix []byte, reverse bool) iter.Seq2[[]byte, []byte] {
	return d.scanFrom(r, desc, prefix, nil, reverse)
}

// scanFrom is scan resuming at the column key from (inclusive).
func (d *DB) scanFrom(r pebble.Reader, desc *Descriptor, prefix, from []byte, reverse bool) iter.Seq2[[]byte, []byte] {
	return func(yield func(key, val []byte) bool) {
		full := desc.key(prefix)
		opts := &pebble.IterOptions{LowerBound: full, UpperBound: upperBound(full)}
		if from != nil {
			opts.LowerBound = desc.key(from)
		}
		it, err := r.NewIter(opts)
		if err != nil {
			d.log.Error("iterator", "column", desc.Name, "err", err)
			return
		}
		defer it.Close()
		first, next := it.First, it.Next
		if reverse {
			first, next = it.Last, it.Prev
		}
		for ok := first(); ok; ok = next() {
			key := it.Key()
			if !bytes.HasPrefix(key, full) {
				continue
			}
			val, err := decompress(desc.Compression, it.Value())
			if err != nil {
				d.log.Critical("corrupt value", "column", desc.Name, "key", key, "err", err)
				continue
			}
			if !yield(key[1:], val) {
				return
			}
		}
		if err := it.Error(); err != nil {
			d.log.Error("iteration failed", "column", desc.Name, "err", err)
		}
	}
}

// Count is the number of rows in a column under prefix.
func (d *DB) Count(desc *Descriptor, prefix []byte) (n int) {
	for range d.scan(d.db, desc, prefix, false) {
		n++
	}
	return
}

// EventIdx resolves an event id, IdxNone if it is unknown. Only reads
// from the database itself populate the cache; a batch may not commit.
func (d *DB) EventIdx(r pebble.Reader, id string) (event.Idx, error) {
	if idx, ok := d.ids.Get(id); ok {
		return idx, nil
	}
	key, err := EventIdxKey(id)
	if err != nil {
		return event.IdxNone, nil
	}
	val, ok, err := d.get(r, EventIdx, key)
	if err != nil || !ok {
		return event.IdxNone, err
	}
	idx := IdxKeyDecode(val)
	if r == pebble.Reader(d.db) {
		d.ids.Add(id, idx)
	}
	return idx, nil
}

// EventIDOf maps an idx back to its event id.
func (d *DB) EventIDOf(r pebble.Reader, idx event.Idx) (string, bool, error) {
	val, ok, err := d.get(r, EventID, IdxKey(idx))
	if err != nil || !ok {
		return "", false, err
	}
	return string(val), true, nil
}

// Reader is the committed view used when no batch is involved.
func (d *DB) Reader() pebble.Reader {
	return d.db
}
