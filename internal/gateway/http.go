package gateway

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/knightbot/knightbot/internal/session"
	"github.com/knightbot/knightbot/internal/status"
	"github.com/knightbot/knightbot/pkg/protocol"
)

//go:embed dashboard.html
var dashboardHTML string

var dashboardTmpl = template.Must(template.New("dashboard").Parse(dashboardHTML))

const maxRequestBodySize = 1 << 16

type statusResponse struct {
	status.Snapshot
	SystemInfo SystemInfo `json:"systemInfo"`
	ServerTime time.Time  `json:"serverTime"`
}

// SystemInfo describes the host process.
type SystemInfo struct {
	Platform   string `json:"platform"`
	Arch       string `json:"arch"`
	CPUs       int    `json:"cpus"`
	GoVersion  string `json:"goVersion"`
	Goroutines int    `json:"goroutines"`
	HeapMB     uint64 `json:"heapMb"`
	SysMB      uint64 `json:"sysMb"`
	Uptime     string `json:"uptime"`
}

type healthResponse struct {
	Status          string                 `json:"status"`
	Timestamp       time.Time              `json:"timestamp"`
	UptimeSec       int64                  `json:"uptimeSec"`
	BotConnected    bool                   `json:"botConnected"`
	ConnectionState status.ConnectionState `json:"connectionState"`
	Clients         int                    `json:"clients"`
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	domain := s.bot.PublicDomain
	if domain == "" {
		domain = r.Host
	}
	err := dashboardTmpl.Execute(w, map[string]any{
		"BotName": s.bot.Name,
		"Owner":   s.bot.Owner,
		"Version": s.bot.Version,
		"Domain":  domain,
		"Token":   s.cfg.Token != "",
	})
	if err != nil {
		slog.Warn("gateway: dashboard render failed", "error", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Snapshot:   s.st.Current(),
		SystemInfo: s.systemInfo(),
		ServerTime: s.now().UTC(),
	})
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.systemInfo())
}

func (s *Server) handlePairing(w http.ResponseWriter, r *http.Request) {
	if !tokenMatch(requestToken(r), s.cfg.Token) {
		writeJSON(w, http.StatusUnauthorized, protocol.PairingResult{Message: "Invalid authentication"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var body struct {
		PhoneNumber string `json:"phoneNumber"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.PairingResult{Message: "Invalid JSON: " + err.Error()})
		return
	}

	res, code := s.requestPairing(clientIP(r), body.PhoneNumber)
	if code == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "60")
	}
	writeJSON(w, code, res)
}

func (s *Server) handleQRImage(w http.ResponseWriter, r *http.Request) {
	snap := s.st.Current()
	if snap.State != status.StateAwaitingQR || snap.QRPayload == "" {
		http.Error(w, "no QR code available", http.StatusNotFound)
		return
	}
	png, err := qrPNG(snap.QRPayload)
	if err != nil {
		http.Error(w, "qr render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	res, healthy := s.healthReport()
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, res)
}

func (s *Server) healthReport() (healthResponse, bool) {
	now := s.now()
	snap := s.st.Current()
	threshold := time.Duration(s.cfg.UnhealthyAfterSec) * time.Second
	healthy := s.health.healthy(snap, now, threshold)
	res := healthResponse{
		Status:          "healthy",
		Timestamp:       now.UTC(),
		UptimeSec:       int64(now.Sub(s.startedAt).Seconds()),
		BotConnected:    snap.Connected(),
		ConnectionState: snap.State,
		Clients:         s.ClientCount(),
	}
	if !healthy {
		res.Status = "unhealthy"
	}
	return res, healthy
}

func (s *Server) systemInfo() SystemInfo {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return SystemInfo{
		Platform:   runtime.GOOS,
		Arch:       runtime.GOARCH,
		CPUs:       runtime.NumCPU(),
		GoVersion:  runtime.Version(),
		Goroutines: runtime.NumGoroutine(),
		HeapMB:     ms.HeapAlloc / 1024 / 1024,
		SysMB:      ms.Sys / 1024 / 1024,
		Uptime:     formatUptime(s.now().Sub(s.startedAt)),
	}
}

func formatUptime(d time.Duration) string {
	d = d.Truncate(time.Minute)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	return fmt.Sprintf("%dd %dh %dm", days, hours, d/time.Minute)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("gateway: write response", "error", err)
	}
}

func isValidation(err error) bool {
	return errors.Is(err, session.ErrValidation)
}

// healthTracker remembers since when the session has not been connected.
type healthTracker struct {
	mu        sync.Mutex
	downSince time.Time // zero while connected
}

func newHealthTracker(snap status.Snapshot) *healthTracker {
	h := &healthTracker{}
	h.observe(snap)
	return h
}

func (h *healthTracker) observe(snap status.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case snap.Connected():
		h.downSince = time.Time{}
	case h.downSince.IsZero():
		h.downSince = snap.LastTransitionAt
	}
}

// healthy reports false once the session has been down longer than
// threshold. A non-positive threshold disables the check.
func (h *healthTracker) healthy(snap status.Snapshot, now time.Time, threshold time.Duration) bool {
	if snap.Connected() || threshold <= 0 {
		return true
	}
	h.mu.Lock()
	since := h.downSince
	h.mu.Unlock()
	if since.IsZero() {
		since = snap.LastTransitionAt
	}
	return now.Sub(since) <= threshold
}
