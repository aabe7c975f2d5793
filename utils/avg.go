package utils

import (
	"sync"
	"time"
)

type AvgVal struct {
	v     float64
	count int
	lock  sync.Mutex
}

func NewAvgVal(val float64) *AvgVal {
	return &AvgVal{
		v:     val,
		count: 1,
	}
}

func (a *AvgVal) Add(val float64) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.v = (float64(a.count)*a.v + val) / float64(a.count+1)
	a.count++
}

func (a *AvgVal) Val() float64 {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.v
}

// Rate tracks a running total and reports the per-second rate since the
// previous Tick together with the overall average of those rates.
type Rate struct {
	lock  sync.Mutex
	start time.Time
	last  time.Time
	total uint64
	mark  uint64
	avg   *AvgVal
}

func NewRate(now time.Time) *Rate {
	return &Rate{start: now, last: now}
}

func (r *Rate) Add(n uint64) {
	r.lock.Lock()
	r.total += n
	r.lock.Unlock()
}

func (r *Rate) Total() uint64 {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.total
}

// Tick returns the rate over the interval since the last Tick.
func (r *Rate) Tick(now time.Time) (rate float64, avg float64) {
	r.lock.Lock()
	elapsed := now.Sub(r.last).Seconds()
	delta := r.total - r.mark
	r.mark = r.total
	r.last = now
	if elapsed > 0 {
		rate = float64(delta) / elapsed
	}
	if r.avg == nil {
		r.avg = NewAvgVal(rate)
	} else {
		r.avg.Add(rate)
	}
	avg = r.avg.Val()
	r.lock.Unlock()
	return rate, avg
}

// Overall is the mean rate since construction.
func (r *Rate) Overall(now time.Time) float64 {
	r.lock.Lock()
	defer r.lock.Unlock()
	elapsed := now.Sub(r.start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(r.total) / elapsed
}
