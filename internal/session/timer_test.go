package session

import (
	"sync/atomic"
	"testing"
	"time"
)

// testLoop runs posted closures on one goroutine, like Manager.Run.
func testLoop(t *testing.T) (post func(func()) bool) {
	cmds := make(chan func(), 16)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case fn := <-cmds:
				fn()
			case <-stop:
				return
			}
		}
	}()
	t.Cleanup(func() { close(stop) })
	return func(fn func()) bool {
		cmds <- fn
		return true
	}
}

func onLoop(post func(func()) bool, fn func()) {
	done := make(chan struct{})
	post(func() {
		fn()
		close(done)
	})
	<-done
}

func TestRetryTimerReplaces(t *testing.T) {
	post := testLoop(t)
	r := newRetryTimer(post)
	var a, b atomic.Int32

	onLoop(post, func() {
		r.schedule(10*time.Millisecond, func() { a.Add(1) })
		r.schedule(10*time.Millisecond, func() { b.Add(1) })
	})
	time.Sleep(60 * time.Millisecond)

	if a.Load() != 0 || b.Load() != 1 {
		t.Errorf("a=%d b=%d, want only the replacement to fire", a.Load(), b.Load())
	}
	var pending bool
	onLoop(post, func() { pending = r.pending() })
	if pending {
		t.Error("timer still pending after firing")
	}
}

func TestRetryTimerCancel(t *testing.T) {
	post := testLoop(t)
	r := newRetryTimer(post)
	var fired atomic.Int32

	onLoop(post, func() {
		r.schedule(10*time.Millisecond, func() { fired.Add(1) })
		r.cancel()
	})
	time.Sleep(40 * time.Millisecond)
	if fired.Load() != 0 {
		t.Error("cancelled timer fired")
	}
}
