package gateway

import (
	"log/slog"
	"net/http"

	"github.com/knightbot/knightbot/pkg/protocol"
)

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !tokenMatch(requestToken(r), s.cfg.Token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gateway: websocket upgrade failed", "error", err)
		return
	}

	c := NewClient(conn, s, clientIP(r))
	s.register(c)
	defer s.unregister(c)

	hello := protocol.NewEvent(protocol.EventHello, map[string]any{
		"protocol": protocol.ProtocolVersion,
		"clientId": c.id,
		"server": map[string]any{
			"name":    s.bot.Name,
			"version": s.bot.Version,
		},
	})
	hello.Seq = s.seq.Add(1)
	c.SendEvent(*hello)

	snap := s.st.Current()
	initial := protocol.NewEvent(protocol.EventStatus, snap)
	initial.Seq = s.seq.Add(1)
	c.SendEvent(*initial)
	if snap.QRPayload != "" {
		if qr, err := qrPayload(snap.QRPayload); err == nil {
			evt := protocol.NewEvent(protocol.EventQR, qr)
			evt.Seq = s.seq.Add(1)
			c.SendEvent(*evt)
		}
	}

	c.Run(r.Context())
}
