package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/knightbot/knightbot/internal/status"
	"github.com/knightbot/knightbot/internal/transport"
)

type sentMessage struct {
	chatID string
	text   string
}

type fakeTransport struct {
	events chan transport.Event

	mu        sync.Mutex
	closed    bool
	pairCode  string
	pairErr   error
	pairCalls []string
	sent      []sentMessage
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan transport.Event, 64), pairCode: "ABCD1234EFGH"}
}

func (f *fakeTransport) Events() <-chan transport.Event { return f.events }

func (f *fakeTransport) emit(ev transport.Event) {
	select {
	case f.events <- ev:
	default:
	}
}

func (f *fakeTransport) SendMessage(_ context.Context, chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrClosed
	}
	f.sent = append(f.sent, sentMessage{chatID, text})
	return nil
}

func (f *fakeTransport) RequestPairingCode(_ context.Context, phone string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pairCalls = append(f.pairCalls, phone)
	return f.pairCode, f.pairErr
}

func (f *fakeTransport) Logout(context.Context) error { return nil }

func (f *fakeTransport) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) pairingCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pairCalls...)
}

// fakeFactory hands out fakeTransports. errs are returned by the first
// len(errs) starts; configure customizes each transport before it is
// returned.
type fakeFactory struct {
	mu        sync.Mutex
	errs      []error
	configure func(*fakeTransport)
	gate      chan struct{}

	starts  atomic.Int32
	started chan *fakeTransport
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{started: make(chan *fakeTransport, 32)}
}

func (f *fakeFactory) Start(ctx context.Context) (transport.Transport, error) {
	f.starts.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		f.mu.Unlock()
		return nil, err
	}
	configure := f.configure
	f.mu.Unlock()

	tr := newFakeTransport()
	if configure != nil {
		configure(tr)
	}
	f.started <- tr
	return tr, nil
}

func (f *fakeFactory) next(t *testing.T) *fakeTransport {
	t.Helper()
	select {
	case tr := <-f.started:
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a transport to start")
		return nil
	}
}

type fakeCredentials struct {
	purges atomic.Int32
}

func (c *fakeCredentials) Purge(context.Context) error {
	c.purges.Add(1)
	return nil
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []transport.InboundMessage
}

func (s *recordingSink) Dispatch(_ context.Context, msg transport.InboundMessage) {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

type countingWelcomer struct {
	calls atomic.Int32
}

func (w *countingWelcomer) Welcome(context.Context, status.Identity) { w.calls.Add(1) }

var errBoom = errors.New("boom")

// startManager runs m until the test ends.
func startManager(t *testing.T, opts Options) (*Manager, *status.Store) {
	t.Helper()
	if opts.Status == nil {
		opts.Status = status.NewStore()
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = 20 * time.Millisecond
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 20 * time.Millisecond
	}
	if opts.DefaultCountryCode == "" {
		opts.DefaultCountryCode = "62"
	}
	m := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		opts.Status.Close()
	})
	return m, opts.Status
}

func waitFor(t *testing.T, st *status.Store, desc string, pred func(status.Snapshot) bool) status.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := st.WaitFor(ctx, pred)
	if err != nil {
		t.Fatalf("waiting for %s: %v (last state %q)", desc, err, st.Current().State)
	}
	return snap
}

func waitState(t *testing.T, st *status.Store, state status.ConnectionState) status.Snapshot {
	t.Helper()
	return waitFor(t, st, string(state), func(s status.Snapshot) bool { return s.State == state })
}
