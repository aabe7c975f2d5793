package conf

import (
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

var ErrUnknownItem = fmt.Errorf("%w: no such item", ErrInvalid)

// Item is a named runtime setting. Observers run synchronously after
// every Set, in the order they were added.
type Item[T any] struct {
	name string
	mu   sync.RWMutex
	val  T
	obs  []func(T)
}

func NewItem[T any](name string, def T) *Item[T] {
	return &Item[T]{name: name, val: def}
}

func (it *Item[T]) Name() string {
	return it.name
}

func (it *Item[T]) Get() T {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.val
}

func (it *Item[T]) Set(v T) {
	it.mu.Lock()
	it.val = v
	obs := it.obs
	it.mu.Unlock()
	for _, fn := range obs {
		fn(v)
	}
}

// OnSet adds an observer; it is not called for the current value.
func (it *Item[T]) OnSet(fn func(T)) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.obs = append(slices.Clip(it.obs), fn)
}

// Parse sets the item from a TOML value. Bare words are taken as
// strings, so `debug` and `"debug"` are the same.
func (it *Item[T]) Parse(s string) error {
	var holder struct {
		V T `toml:"v"`
	}
	if _, err := toml.Decode("v = "+s, &holder); err != nil {
		if _, qerr := toml.Decode("v = "+strconv.Quote(s), &holder); qerr != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, it.name, err)
		}
	}
	it.Set(holder.V)
	return nil
}

func (it *Item[T]) String() string {
	return fmt.Sprint(it.Get())
}

// Setting is the untyped view of an Item used by the console.
type Setting interface {
	Name() string
	Parse(s string) error
	String() string
}

type Items struct {
	mu    sync.RWMutex
	items map[string]Setting
}

func NewItems(items ...Setting) *Items {
	r := &Items{items: make(map[string]Setting)}
	for _, it := range items {
		r.Add(it)
	}
	return r
}

func (r *Items) Add(it Setting) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[it.Name()] = it
}

func (r *Items) Get(name string) (Setting, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	it, ok := r.items[name]
	return it, ok
}

func (r *Items) Set(name, value string) error {
	it, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownItem, name)
	}
	return it.Parse(value)
}

func (r *Items) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.items))
	for name := range r.items {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Runtime holds the settings that take effect without a restart.
type Runtime struct {
	LogLevel       *Item[string]
	FetchRetries   *Item[int]
	FetchTimeout   *Item[time.Duration]
	RequireAnyPrev *Item[bool]
	RequireAllPrev *Item[bool]
	*Items
}

func (c *Config) Runtime() *Runtime {
	rt := &Runtime{
		LogLevel:       NewItem("log.level", c.Log.Level),
		FetchRetries:   NewItem("vm.fetch_retries", c.VM.FetchRetries),
		FetchTimeout:   NewItem("vm.fetch_timeout", c.VM.FetchTimeout),
		RequireAnyPrev: NewItem("vm.require_any_prev", c.VM.RequireAnyPrev),
		RequireAllPrev: NewItem("vm.require_all_prev", c.VM.RequireAllPrev),
	}
	rt.Items = NewItems(rt.LogLevel, rt.FetchRetries, rt.FetchTimeout, rt.RequireAnyPrev, rt.RequireAllPrev)
	return rt
}
