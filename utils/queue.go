package utils

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrClosed = errors.New("[construct] feed/drain queue is closed")

// FDQueue is a bounded feed/drain queue of byte records. Drain blocks
// while the queue is full; Feed returns a batch once batchSize bytes are
// accumulated or timelimit passes after the first record arrived.
// After Close, Feed keeps returning buffered records until the queue is
// empty and then reports ErrClosed.
type FDQueue[T ~[][]byte] struct {
	ctx       context.Context
	close     context.CancelFunc
	recs      chan []byte
	timelimit time.Duration
	batchSize int
	closeOnce sync.Once
}

func NewFDQueue[T ~[][]byte](limit int, timelimit time.Duration, batchSize int) *FDQueue[T] {
	ctx, cancel := context.WithCancel(context.Background())
	if limit <= 0 {
		limit = 1
	}
	return &FDQueue[T]{
		ctx:       ctx,
		close:     cancel,
		recs:      make(chan []byte, limit),
		timelimit: timelimit,
		batchSize: batchSize,
	}
}

func (q *FDQueue[T]) Close() error {
	q.closeOnce.Do(q.close)
	return nil
}

func (q *FDQueue[T]) Size() int {
	return len(q.recs)
}

func (q *FDQueue[T]) Drain(ctx context.Context, recs T) error {
	for _, rec := range recs {
		if q.ctx.Err() != nil {
			return ErrClosed
		}
		select {
		case q.recs <- rec:
		case <-q.ctx.Done():
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (q *FDQueue[T]) Feed(ctx context.Context) (recs T, err error) {
	select {
	case rec := <-q.recs:
		recs = append(recs, rec)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.ctx.Done():
		return q.rest()
	}

	size := len(recs[0])
	timer := time.NewTimer(q.timelimit)
	defer timer.Stop()
	for size < q.batchSize {
		select {
		case rec := <-q.recs:
			recs = append(recs, rec)
			size += len(rec)
		case <-timer.C:
			return recs, nil
		case <-ctx.Done():
			return recs, nil
		case <-q.ctx.Done():
			more, _ := q.rest()
			return append(recs, more...), nil
		}
	}
	return recs, nil
}

// rest drains whatever is buffered after Close.
func (q *FDQueue[T]) rest() (recs T, err error) {
	for {
		select {
		case rec := <-q.recs:
			recs = append(recs, rec)
		default:
			if len(recs) == 0 {
				return nil, ErrClosed
			}
			return recs, nil
		}
	}
}
