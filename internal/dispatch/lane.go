package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// laneBacklog is how many submitted jobs may wait per worker before
// Submit blocks.
const laneBacklog = 16

// Lane is a fixed pool of workers draining a shared job queue.
type Lane struct {
	name        string
	concurrency int
	jobs        chan func()

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	active    atomic.Int32
	completed atomic.Int64
}

// LaneStats is a point-in-time view of lane utilization.
type LaneStats struct {
	Name        string `json:"name"`
	Concurrency int    `json:"concurrency"`
	Active      int    `json:"active"`
	Queued      int    `json:"queued"`
	Completed   int64  `json:"completed"`
}

// NewLane starts concurrency workers.
func NewLane(name string, concurrency int) *Lane {
	if concurrency <= 0 {
		concurrency = 1
	}
	l := &Lane{
		name:        name,
		concurrency: concurrency,
		jobs:        make(chan func(), concurrency*laneBacklog),
		stopCh:      make(chan struct{}),
	}
	for i := 0; i < concurrency; i++ {
		l.wg.Add(1)
		go l.worker()
	}
	slog.Debug("lane started", "lane", name, "concurrency", concurrency)
	return l
}

// Submit queues fn. It blocks while the backlog is full, until ctx ends or
// the lane stops.
func (l *Lane) Submit(ctx context.Context, fn func()) error {
	select {
	case <-l.stopCh:
		return ErrLaneStopped
	default:
	}
	select {
	case l.jobs <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopCh:
		return ErrLaneStopped
	}
}

// TrySubmit queues fn without waiting. It returns ErrLaneFull when the
// backlog is full.
func (l *Lane) TrySubmit(fn func()) error {
	select {
	case <-l.stopCh:
		return ErrLaneStopped
	default:
	}
	select {
	case l.jobs <- fn:
		return nil
	default:
		return ErrLaneFull
	}
}

// Stopped reports whether Stop has been called.
func (l *Lane) Stopped() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

func (l *Lane) worker() {
	defer l.wg.Done()
	for {
		select {
		case <-l.stopCh:
			return
		case fn := <-l.jobs:
			l.active.Add(1)
			fn()
			l.active.Add(-1)
			l.completed.Add(1)
		}
	}
}

// Stop waits for running jobs to finish. Jobs still queued are discarded.
func (l *Lane) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

// Stats returns current utilization.
func (l *Lane) Stats() LaneStats {
	return LaneStats{
		Name:        l.name,
		Concurrency: l.concurrency,
		Active:      int(l.active.Load()),
		Queued:      len(l.jobs),
		Completed:   l.completed.Load(),
	}
}
