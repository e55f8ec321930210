package methods

import (
	"context"
	"errors"
	"time"

	"github.com/knightbot/knightbot/internal/gateway"
	"github.com/knightbot/knightbot/internal/session"
	"github.com/knightbot/knightbot/pkg/protocol"
)

// SessionControl is the subset of the session manager exposed to operators.
type SessionControl interface {
	Start() error
	Logout(ctx context.Context) error
}

// SessionMethods handles session.start and session.logout.
type SessionMethods struct {
	ctl SessionControl
}

func NewSessionMethods(ctl SessionControl) *SessionMethods {
	return &SessionMethods{ctl: ctl}
}

func (m *SessionMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodSessionStart, m.handleStart)
	router.Register(protocol.MethodSessionLogout, m.handleLogout)
}

func (m *SessionMethods) handleStart(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	if err := m.ctl.Start(); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, sessionErrorCode(err), err.Error()))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{"ok": true}))
}

func (m *SessionMethods) handleLogout(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	logoutCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := m.ctl.Logout(logoutCtx); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, sessionErrorCode(err), err.Error()))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{"ok": true}))
}

func sessionErrorCode(err error) string {
	if errors.Is(err, session.ErrStopped) {
		return protocol.ErrUnavailable
	}
	return protocol.ErrInternal
}
