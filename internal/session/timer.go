package session

import "time"

// retryTimer is a single cancellable delay owned by the manager's event
// loop. Scheduling replaces any pending callback, and a callback that fires
// after being cancelled or replaced is discarded on the loop. All methods
// must be called from the loop goroutine.
type retryTimer struct {
	post func(func()) bool
	t    *time.Timer
	seq  uint64
}

func newRetryTimer(post func(func()) bool) *retryTimer {
	return &retryTimer{post: post}
}

// schedule runs fn on the loop after d, cancelling whatever was pending.
func (r *retryTimer) schedule(d time.Duration, fn func()) {
	r.cancel()
	seq := r.seq
	r.t = time.AfterFunc(d, func() {
		r.post(func() {
			if r.seq != seq {
				return
			}
			r.t = nil
			fn()
		})
	})
}

// cancel stops the pending callback, if any.
func (r *retryTimer) cancel() {
	if r.t != nil {
		r.t.Stop()
		r.t = nil
	}
	r.seq++
}

func (r *retryTimer) pending() bool { return r.t != nil }
