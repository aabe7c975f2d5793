package vm

import (
	"context"
	"errors"
	"sync"
)

// Site names a point of the evaluation where hooks run.
type Site string

const (
	// before auth; an error rejects the event
	SiteConform Site = "vm.conform"
	// after commit; errors are logged
	SiteNotify Site = "vm.notify"
	// after notify, for side effects of accepted events; errors are logged
	SiteEffect Site = "vm.effect"
)

type HookFunc func(ctx context.Context, ev *Eval) error

// Filter limits a hook to matching events; empty fields match anything.
type Filter struct {
	Type   string
	RoomID string
	Sender string
}

func (f Filter) match(ev *Eval) bool {
	e := ev.Event
	return (f.Type == "" || f.Type == e.Type) &&
		(f.RoomID == "" || f.RoomID == e.RoomID) &&
		(f.Sender == "" || f.Sender == e.Sender)
}

type hook struct {
	id     uint64
	filter Filter
	fn     HookFunc
}

// Hooks holds the callbacks of every site.
type Hooks struct {
	mu    sync.RWMutex
	last  uint64
	sites map[Site][]hook
}

func NewHooks() *Hooks {
	return &Hooks{sites: make(map[Site][]hook)}
}

// Add registers fn at site and returns a function removing it again.
func (h *Hooks) Add(site Site, filter Filter, fn HookFunc) (remove func()) {
	h.mu.Lock()
	h.last++
	id := h.last
	h.sites[site] = append(h.sites[site], hook{id: id, filter: filter, fn: fn})
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		list := h.sites[site]
		for i := range list {
			if list[i].id == id {
				h.sites[site] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Len is the number of hooks registered at site.
func (h *Hooks) Len(site Site) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sites[site])
}

// run calls the matching hooks of site in registration order. With stop
// set the first error ends the run; otherwise all errors are joined.
func (h *Hooks) run(ctx context.Context, site Site, ev *Eval, stop bool) error {
	h.mu.RLock()
	list := h.sites[site]
	h.mu.RUnlock()
	var errs []error
	for _, hk := range list {
		if !hk.filter.match(ev) {
			continue
		}
		if err := hk.fn(ctx, ev); err != nil {
			if stop {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
