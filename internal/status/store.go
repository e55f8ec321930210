package status

import (
	"context"
	"sync"
	"time"
)

// Observer receives snapshots. It runs on a goroutine owned by its
// subscription, so a slow observer only delays itself.
type Observer func(Snapshot)

// Store owns the current Snapshot. Apply and AddStats are the only writers.
type Store struct {
	mu      sync.Mutex
	current Snapshot
	subs    map[uint64]*subscriber
	nextID  uint64
	now     func() time.Time
}

// NewStore creates a store in the disconnected state with fresh stats.
func NewStore() *Store {
	return newStoreWithClock(time.Now)
}

func newStoreWithClock(now func() time.Time) *Store {
	t := now()
	return &Store{
		current: Snapshot{
			State:            StateDisconnected,
			LastTransitionAt: t,
			Stats:            Stats{StartedAt: t},
		},
		subs: make(map[uint64]*subscriber),
		now:  now,
	}
}

// Current returns the latest snapshot.
func (s *Store) Current() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Apply merges u into the current snapshot, stamps LastTransitionAt and
// publishes the result. Fields not set in u keep their values, except where
// the state invariants require clearing them.
func (s *Store) Apply(u Update) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current
	next := prev
	if u.State.Set {
		next.State = u.State.Value
	}
	if u.QRPayload.Set {
		next.QRPayload = u.QRPayload.Value
	}
	if u.PairingCode.Set {
		next.PairingCode = u.PairingCode.Value
	}
	if u.PairingNumber.Set {
		next.PairingNumber = u.PairingNumber.Value
	}
	if u.Identity.Set {
		next.Identity = u.Identity.Value
	}
	if u.LastError.Set {
		next.LastError = u.LastError.Value
	}
	if u.ErrorKind.Set {
		next.ErrorKind = u.ErrorKind.Value
	}

	// The last error survives until the session makes progress again.
	if next.State != prev.State && !u.LastError.Set && isProgress(next.State) {
		next.LastError = ""
		next.ErrorKind = ErrorNone
	}

	enforceInvariants(&next)
	next.ErrorLabel = next.ErrorKind.Label()
	next.LastTransitionAt = s.now()

	s.current = next
	s.publishLocked(next)
	return next
}

// AddStats increments the counters. Counter changes are published but are
// not transitions, so LastTransitionAt is left alone.
func (s *Store) AddStats(messages, users int64) Snapshot {
	if messages < 0 {
		messages = 0
	}
	if users < 0 {
		users = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current
	next.Stats.MessagesProcessed += messages
	next.Stats.UsersSeen += users
	s.current = next
	s.publishLocked(next)
	return next
}

// Subscribe registers fn. It receives the current snapshot first, then every
// later snapshot in publish order. The returned func unsubscribes; it is safe
// to call more than once.
func (s *Store) Subscribe(fn Observer) (unsubscribe func()) {
	sub := newSubscriber(fn)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	sub.push(s.current)
	s.mu.Unlock()

	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			sub.stop()
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (s *Store) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close drops every subscription. Pending deliveries are discarded.
func (s *Store) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[uint64]*subscriber)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

// WaitFor blocks until a published snapshot satisfies pred or ctx ends.
// The current snapshot is checked first.
func (s *Store) WaitFor(ctx context.Context, pred func(Snapshot) bool) (Snapshot, error) {
	matched := make(chan Snapshot, 1)
	unsubscribe := s.Subscribe(func(snap Snapshot) {
		if pred(snap) {
			select {
			case matched <- snap:
			default:
			}
		}
	})
	defer unsubscribe()

	select {
	case snap := <-matched:
		return snap, nil
	case <-ctx.Done():
		return s.Current(), ctx.Err()
	}
}

// Must be called with s.mu held so every subscriber sees the same order.
func (s *Store) publishLocked(snap Snapshot) {
	for _, sub := range s.subs {
		sub.push(snap)
	}
}

func isProgress(state ConnectionState) bool {
	switch state {
	case StateConnected, StateAwaitingQR, StateAwaitingPairingInput:
		return true
	}
	return false
}

// enforceInvariants clears fields that are only meaningful in one state.
func enforceInvariants(s *Snapshot) {
	if s.State != StateAwaitingQR {
		s.QRPayload = ""
	}
	if s.State != StateAwaitingPairingInput {
		s.PairingCode = ""
	}
	if s.State != StateAwaitingPairingInput && s.State != StateRequestingPairing {
		s.PairingNumber = ""
	}
	if s.State != StateConnected {
		s.Identity = nil
	}
}

// subscriber delivers snapshots in order from an unbounded queue.
type subscriber struct {
	fn    Observer
	mu    sync.Mutex
	queue []Snapshot
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newSubscriber(fn Observer) *subscriber {
	return &subscriber{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (sub *subscriber) push(snap Snapshot) {
	sub.mu.Lock()
	sub.queue = append(sub.queue, snap)
	sub.mu.Unlock()

	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *subscriber) stop() {
	sub.once.Do(func() { close(sub.done) })
}

func (sub *subscriber) run() {
	for {
		select {
		case <-sub.done:
			return
		case <-sub.wake:
		}

		for {
			sub.mu.Lock()
			if len(sub.queue) == 0 {
				sub.mu.Unlock()
				break
			}
			next := sub.queue[0]
			sub.queue = sub.queue[1:]
			sub.mu.Unlock()

			select {
			case <-sub.done:
				return
			default:
			}
			sub.fn(next)
		}
	}
}
