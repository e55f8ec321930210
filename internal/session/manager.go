// Package session owns the lifecycle of the single messaging session: it
// builds transports, turns their events into status transitions, schedules
// reconnects and serves pairing-code requests.
//
// All state changes run on one event-loop goroutine (Run). Public methods
// post closures to that loop; blocking transport calls run in their own
// goroutines and post their results back, tagged with the transport
// generation so results from a released transport are ignored.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/knightbot/knightbot/internal/status"
	"github.com/knightbot/knightbot/internal/transport"
)

const (
	defaultReconnectDelay = 10 * time.Second
	defaultRetryDelay     = 15 * time.Second
	pairingTimeout        = 30 * time.Second
	purgeTimeout          = 10 * time.Second
	commandBuffer         = 64
)

// MessageSink receives inbound chat messages straight from the transport.
// Dispatch must not block for long; it runs on the transport's event pump.
type MessageSink interface {
	Dispatch(ctx context.Context, msg transport.InboundMessage)
}

// Welcomer performs the one-time action after the session authenticates.
type Welcomer interface {
	Welcome(ctx context.Context, id status.Identity)
}

// Options configures a Manager.
type Options struct {
	Factory     transport.Factory
	Credentials transport.CredentialStore // optional; purged on logout
	Status      *status.Store
	Welcomer    Welcomer // optional

	ReconnectDelay     time.Duration
	RetryDelay         time.Duration
	DefaultCountryCode string
}

// Manager is the session state machine.
type Manager struct {
	opts Options
	st   *status.Store
	cmds chan func()
	stop chan struct{}
	done chan struct{}
	sink atomic.Pointer[sinkRef]
	live atomic.Pointer[liveRef]

	runCtx context.Context

	running  atomic.Bool
	stopOnce sync.Once

	// Owned by the loop goroutine.
	gen        uint64
	tr         transport.Transport
	trQuit     chan struct{}
	connecting bool
	retry      *retryTimer

	pending         string
	pairingInFlight bool
	pairSeq         uint64
	pairingIdentity *status.Identity // set when pairing was served on a connected session
	welcomed        map[string]bool
}

type sinkRef struct{ s MessageSink }

type liveRef struct{ t transport.Transport }

// New creates a manager. Call Run to start its event loop.
func New(opts Options) *Manager {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.Status == nil {
		opts.Status = status.NewStore()
	}
	m := &Manager{
		opts:     opts,
		st:       opts.Status,
		cmds:     make(chan func(), commandBuffer),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		runCtx:   context.Background(),
		welcomed: make(map[string]bool),
	}
	m.retry = newRetryTimer(m.post)
	return m
}

// SetMessageSink routes inbound messages. Messages arriving with no sink
// are dropped.
func (m *Manager) SetMessageSink(s MessageSink) {
	if s == nil {
		m.sink.Store(nil)
		return
	}
	m.sink.Store(&sinkRef{s: s})
}

// Status returns the status store the manager writes to.
func (m *Manager) Status() *status.Store { return m.st }

// Run processes the event loop until ctx is cancelled or Stop is called.
// On exit it cancels timers, releases the transport and publishes
// "disconnected".
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("session manager already running")
	}
	defer close(m.done)
	m.runCtx = ctx

	for {
		select {
		case <-ctx.Done():
			m.teardown()
			return nil
		case <-m.stop:
			m.teardown()
			return nil
		case fn := <-m.cmds:
			fn()
		}
	}
}

// Stop ends the event loop and waits for teardown.
func (m *Manager) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stop) })
	if !m.running.Load() {
		return nil
	}
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start begins connecting. It is a no-op while a connection attempt is in
// progress or a transport is live, and it cancels a pending retry.
func (m *Manager) Start() error {
	if !m.post(m.start) {
		return ErrStopped
	}
	return nil
}

// RequestPairing validates phone and queues a pairing-code request,
// replacing any earlier one. A *ValidationError is returned synchronously
// and leaves the state unchanged; every other outcome is published through
// the status store. It returns the normalized number.
func (m *Manager) RequestPairing(phone string) (string, error) {
	number, err := NormalizePhone(phone, m.opts.DefaultCountryCode)
	if err != nil {
		return "", err
	}
	if !m.post(func() { m.requestPairing(number) }) {
		return "", ErrStopped
	}
	return number, nil
}

// Logout ends the session through the transport, purges credentials and
// enters logged_out. No reconnect follows until Start or RequestPairing.
func (m *Manager) Logout(ctx context.Context) error {
	result := make(chan error, 1)
	ok := m.post(func() {
		tr := m.tr
		if tr == nil {
			m.handleLoggedOut(errors.New("logout requested"))
			result <- nil
			return
		}
		go func() {
			err := tr.Logout(ctx)
			if err == nil {
				m.post(func() { m.handleLoggedOut(errors.New("logout requested")) })
			}
			result <- err
		}()
	})
	if !ok {
		return ErrStopped
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send delivers text through the live transport. It is best effort: with
// no authenticated transport it returns ErrNotConnected.
func (m *Manager) Send(ctx context.Context, chatID, text string) error {
	ref := m.live.Load()
	if ref == nil || !m.st.Current().Connected() {
		return ErrNotConnected
	}
	return ref.t.SendMessage(ctx, chatID, text)
}

func (m *Manager) post(fn func()) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.cmds <- fn:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) apply(u status.Update) {
	snap := m.st.Apply(u)
	if u.State.Set {
		attrs := []any{"state", snap.State}
		if snap.LastError != "" {
			attrs = append(attrs, "error", snap.LastError)
		}
		slog.Info("session: transition", attrs...)
	}
}

// --- loop-side handlers ---

func (m *Manager) start() {
	if m.connecting || m.tr != nil {
		slog.Debug("session: start ignored, connection in progress")
		return
	}
	m.connect()
}

// connect releases any transport and builds a new one.
func (m *Manager) connect() {
	m.retry.cancel()
	m.releaseTransport()
	m.connecting = true
	gen := m.gen
	ctx := m.runCtx
	m.apply(status.Transition(status.StateConnecting))

	go func() {
		tr, err := m.opts.Factory.Start(ctx)
		if !m.post(func() { m.onStarted(gen, tr, err) }) && tr != nil {
			tr.Close()
		}
	}()
}

func (m *Manager) onStarted(gen uint64, tr transport.Transport, err error) {
	if gen != m.gen {
		if tr != nil {
			tr.Close()
		}
		return
	}
	m.connecting = false
	if err != nil {
		m.apply(status.Failure(status.StateError, status.ErrorTransportInit,
			fmt.Errorf("%w: %v", ErrTransportInit, err)))
		m.retry.schedule(m.opts.RetryDelay, m.connect)
		return
	}

	quit := make(chan struct{})
	m.tr = tr
	m.trQuit = quit
	m.live.Store(&liveRef{t: tr})
	go m.pump(gen, tr, quit)
}

// releaseTransport closes the live transport and invalidates every
// in-flight result tied to it.
func (m *Manager) releaseTransport() {
	m.gen++
	m.connecting = false
	m.pairingInFlight = false
	if m.tr == nil {
		return
	}
	close(m.trQuit)
	m.live.Store(nil)
	tr := m.tr
	m.tr, m.trQuit = nil, nil
	tr.Close()
}

func (m *Manager) pump(gen uint64, tr transport.Transport, quit <-chan struct{}) {
	for {
		select {
		case <-quit:
			return
		case ev := <-tr.Events():
			if msg, ok := ev.(transport.Message); ok {
				m.deliver(msg.Msg)
				continue
			}
			if !m.post(func() { m.handleEvent(gen, ev) }) {
				return
			}
		}
	}
}

func (m *Manager) deliver(msg transport.InboundMessage) {
	ref := m.sink.Load()
	if ref == nil {
		slog.Debug("session: message dropped, no sink", "raw_id", msg.RawID)
		return
	}
	ref.s.Dispatch(m.runCtx, msg)
}

func (m *Manager) handleEvent(gen uint64, ev transport.Event) {
	if gen != m.gen || m.tr == nil {
		return
	}
	switch e := ev.(type) {
	case transport.QR:
		m.onQR(e)
	case transport.Open:
		m.onOpen(e)
	case transport.Close:
		m.onClose(e)
	}
}

func (m *Manager) onQR(e transport.QR) {
	switch m.st.Current().State {
	case status.StateRequestingPairing, status.StateAwaitingPairingInput:
		// A pairing code is on screen; rotating QR codes must not replace it.
		return
	}
	m.apply(status.Update{
		State:     status.Set(status.StateAwaitingQR),
		QRPayload: status.Set(e.Payload),
	})
	if m.pending != "" && !m.pairingInFlight {
		m.servePairing()
	}
}

func (m *Manager) onOpen(e transport.Open) {
	m.connecting = false
	id := status.Identity{ID: e.Identity.ID, Name: e.Identity.Name}
	m.apply(status.Update{
		State:    status.Set(status.StateConnected),
		Identity: status.Set(&id),
	})

	if m.opts.Welcomer != nil && !m.welcomed[id.ID] {
		m.welcomed[id.ID] = true
		w, ctx := m.opts.Welcomer, m.runCtx
		go w.Welcome(ctx, id)
	}

	if m.pending != "" && !m.pairingInFlight {
		m.servePairing()
	}
}

func (m *Manager) onClose(e transport.Close) {
	if e.LoggedOut() {
		m.handleLoggedOut(e)
		return
	}
	if m.st.Current().State.Terminal() {
		return
	}
	m.releaseTransport()
	m.apply(status.Update{
		State:     status.Set(status.StateReconnecting),
		LastError: status.Set(e.Error()),
	})
	m.retry.schedule(m.opts.ReconnectDelay, m.connect)
}

func (m *Manager) handleLoggedOut(cause error) {
	hadTransport := m.tr != nil
	m.retry.cancel()
	m.releaseTransport()
	m.pending = ""

	if !hadTransport && m.st.Current().State == status.StateLoggedOut {
		return
	}

	if m.opts.Credentials != nil {
		ctx, cancel := context.WithTimeout(context.Background(), purgeTimeout)
		if err := m.opts.Credentials.Purge(ctx); err != nil {
			slog.Error("session: credential purge failed", "error", err)
		}
		cancel()
	}
	m.apply(status.Failure(status.StateLoggedOut, status.ErrorLoggedOut,
		fmt.Errorf("%w: %v", ErrLoggedOut, cause)))
}

func (m *Manager) requestPairing(number string) {
	if m.pending != "" && m.pending != number {
		slog.Info("session: pending pairing request replaced", "old", m.pending, "new", number)
	}
	m.pending = number

	switch {
	case m.pairingInFlight:
		// Served when the in-flight request returns.
	case m.tr != nil && pairingReady(m.st.Current().State):
		m.servePairing()
	case m.connecting:
		// Served on the next QR or Open from the transport being built.
	default:
		// Nothing live can take the request: restart the connect sequence.
		m.connect()
	}
}

func pairingReady(s status.ConnectionState) bool {
	switch s {
	case status.StateAwaitingQR, status.StateAwaitingPairingInput, status.StateConnected:
		return true
	}
	return false
}

func (m *Manager) servePairing() {
	number := m.pending
	tr := m.tr
	if number == "" || tr == nil {
		return
	}
	m.pairSeq++
	gen, seq, ctx := m.gen, m.pairSeq, m.runCtx
	m.pairingInFlight = true
	m.pairingIdentity = nil
	if cur := m.st.Current(); cur.State == status.StateConnected {
		m.pairingIdentity = cur.Identity
	}
	m.apply(status.Update{
		State:         status.Set(status.StateRequestingPairing),
		PairingNumber: status.Set(number),
	})

	go func() {
		reqCtx, cancel := context.WithTimeout(ctx, pairingTimeout)
		code, err := tr.RequestPairingCode(reqCtx, number)
		cancel()
		m.post(func() { m.onPairingResult(gen, seq, number, code, err) })
	}()
}

func (m *Manager) onPairingResult(gen, seq uint64, number, code string, err error) {
	if gen != m.gen || seq != m.pairSeq {
		return
	}
	m.pairingInFlight = false
	if m.pending != number {
		// Overwritten while in flight.
		m.servePairing()
		return
	}
	m.pending = ""

	if err != nil {
		failure := status.Failure(status.StateError, status.ErrorPairing,
			fmt.Errorf("%w: %v", ErrPairingRequest, err))
		if id := m.pairingIdentity; id != nil {
			// The linked session is still healthy: keep it.
			slog.Warn("session: pairing request failed on a connected session", "number", number, "error", err)
			failure.State = status.Set(status.StateConnected)
			failure.Identity = status.Set(id)
			m.apply(failure)
			return
		}
		m.releaseTransport()
		m.apply(failure)
		m.retry.schedule(m.opts.RetryDelay, m.connect)
		return
	}

	formatted := FormatPairingCode(code)
	m.apply(status.Update{
		State:         status.Set(status.StateAwaitingPairingInput),
		PairingCode:   status.Set(formatted),
		PairingNumber: status.Set(number),
	})
	slog.Info("session: pairing code ready", "number", number, "code", formatted)
}

func (m *Manager) teardown() {
	m.retry.cancel()
	m.releaseTransport()
	m.pending = ""
	m.apply(status.Transition(status.StateDisconnected))
}
