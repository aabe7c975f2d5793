package vm

import (
	"sync"
	"sync/atomic"

	"github.com/matrix-construct/construct-sub013/event"
)

// sequence hands out event idx. Everything between acquire and release
// runs under one mutex so idx are assigned and committed in order; an
// idx that fails to commit is handed out again.
type sequence struct {
	mu      sync.Mutex
	retired atomic.Uint64
}

func (s *sequence) init(last event.Idx) {
	s.retired.Store(uint64(last))
	retiredIdx.Set(float64(last))
}

// acquire blocks until the caller is the only writer and returns the idx
// it may use.
func (s *sequence) acquire() event.Idx {
	s.mu.Lock()
	return event.Idx(s.retired.Load() + 1)
}

// release ends the write; committed marks idx as durably used.
func (s *sequence) release(idx event.Idx, committed bool) {
	if committed {
		s.retired.Store(uint64(idx))
		retiredIdx.Set(float64(idx))
	}
	s.mu.Unlock()
}

// lock takes the writer mutex without handing out an idx.
func (s *sequence) lock() {
	s.mu.Lock()
}

func (s *sequence) unlock() {
	s.mu.Unlock()
}

// Retired is the highest idx durably committed.
func (s *sequence) Retired() event.Idx {
	return event.Idx(s.retired.Load())
}
