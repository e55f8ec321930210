// Package gateway serves the dashboard bridge: a JSON HTTP API and a
// WebSocket that pushes session status to browsers.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/knightbot/knightbot/internal/config"
	"github.com/knightbot/knightbot/internal/status"
	"github.com/knightbot/knightbot/pkg/protocol"
)

// Pairer queues pairing-code requests and returns the normalized number.
type Pairer interface {
	RequestPairing(phone string) (string, error)
}

// Options configure a Server. Status is required.
type Options struct {
	Gateway config.GatewayConfig
	Bot     config.BotConfig
	Status  *status.Store
	Pairing Pairer // nil disables pairing requests
	Now     func() time.Time
}

// Server is the dashboard HTTP and WebSocket server.
type Server struct {
	cfg     config.GatewayConfig
	bot     config.BotConfig
	st      *status.Store
	pairer  Pairer
	limiter *RateLimiter
	router  *MethodRouter
	health  *healthTracker

	upgrader websocket.Upgrader
	mu       sync.RWMutex
	clients  map[string]*Client
	seq      atomic.Int64
	lastQR   string // guarded by mu

	now         func() time.Time
	startedAt   time.Time
	unsubscribe func()
	closeOnce   sync.Once
}

// NewServer creates the server and starts forwarding status snapshots to
// WebSocket clients. Call Close (or Start, which closes on return) to stop.
func NewServer(opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{
		cfg:     opts.Gateway,
		bot:     opts.Bot,
		st:      opts.Status,
		pairer:  opts.Pairing,
		limiter: NewRateLimiter(opts.Gateway.PairingRPM, opts.Gateway.PairingBurst),
		clients: make(map[string]*Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		now:       opts.Now,
		startedAt: opts.Now(),
	}
	s.health = newHealthTracker(opts.Status.Current())
	s.router = NewMethodRouter(s)
	s.unsubscribe = opts.Status.Subscribe(s.onSnapshot)
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleDashboard)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/system-info", s.handleSystemInfo)
	mux.HandleFunc("POST /api/pairing", s.handlePairing)
	mux.HandleFunc("GET /api/qr.png", s.handleQRImage)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	return mux
}

// Start listens on the configured address until ctx is done, then shuts
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	defer s.Close()

	addr := s.cfg.Addr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway: listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway listen %s: %w", addr, err)
	case <-ctx.Done():
	}

	s.broadcast(protocol.EventShutdown, nil)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	slog.Info("gateway: stopped")
	return nil
}

// Close stops status forwarding and disconnects every WebSocket client.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.unsubscribe()
		s.limiter.Stop()

		s.mu.Lock()
		clients := s.clients
		s.clients = make(map[string]*Client)
		s.mu.Unlock()
		for _, c := range clients {
			c.Close()
		}
	})
}

// Router returns the method router so callers can register extra methods.
func (s *Server) Router() *MethodRouter { return s.router }

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) register(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	slog.Info("gateway: client connected", "client", c.id, "remote", c.remote)
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	_, ok := s.clients[c.id]
	delete(s.clients, c.id)
	s.mu.Unlock()
	if ok {
		c.Close()
	}
	slog.Info("gateway: client disconnected", "client", c.id)
}

// onSnapshot runs on the status subscription goroutine.
func (s *Server) onSnapshot(snap status.Snapshot) {
	s.health.observe(snap)
	s.broadcast(protocol.EventStatus, snap)

	s.mu.Lock()
	changed := snap.QRPayload != "" && snap.QRPayload != s.lastQR
	s.lastQR = snap.QRPayload
	s.mu.Unlock()
	if !changed {
		return
	}
	qr, err := qrPayload(snap.QRPayload)
	if err != nil {
		slog.Warn("gateway: qr render failed", "error", err)
		return
	}
	s.broadcast(protocol.EventQR, qr)
}

func (s *Server) broadcast(event string, payload any) {
	evt := protocol.NewEvent(event, payload)
	evt.Seq = s.seq.Add(1)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.SendEvent(*evt)
	}
}

// requestPairing is shared by the HTTP endpoint and the pairing.request
// method. The returned status code is the HTTP status to use.
func (s *Server) requestPairing(key, phone string) (protocol.PairingResult, int) {
	if s.pairer == nil {
		return protocol.PairingResult{Message: "Pairing is not available"}, http.StatusServiceUnavailable
	}
	if !s.limiter.Allow(key) {
		return protocol.PairingResult{Message: "Too many pairing requests, try again later"}, http.StatusTooManyRequests
	}
	if phone == "" {
		return protocol.PairingResult{Message: "Phone number required"}, http.StatusBadRequest
	}
	number, err := s.pairer.RequestPairing(phone)
	if err != nil {
		code := http.StatusServiceUnavailable
		if isValidation(err) {
			code = http.StatusBadRequest
		}
		return protocol.PairingResult{Message: err.Error()}, code
	}
	slog.Info("gateway: pairing requested", "number", number, "key", key)
	return protocol.PairingResult{
		Success: true,
		Message: "Pairing code requested successfully",
		Number:  number,
	}, http.StatusOK
}
