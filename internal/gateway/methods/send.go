// Package methods holds optional WebSocket RPC methods that need
// collaborators beyond the status store.
package methods

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/knightbot/knightbot/internal/gateway"
	"github.com/knightbot/knightbot/internal/session"
	"github.com/knightbot/knightbot/pkg/protocol"
)

// Sender delivers a text message to a chat.
type Sender interface {
	Send(ctx context.Context, chatID, text string) error
}

// SendMethods handles message.send, letting the dashboard operator write
// to a chat through the live session.
type SendMethods struct {
	sender Sender
}

func NewSendMethods(sender Sender) *SendMethods {
	return &SendMethods{sender: sender}
}

func (m *SendMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodMessageSend, m.handleSend)
}

func (m *SendMethods) handleSend(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		To      string `json:"to"`
		Message string `json:"message"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}

	if params.To == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "to is required"))
		return
	}
	if strings.TrimSpace(params.Message) == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "message is required"))
		return
	}

	to := params.To
	if !strings.Contains(to, "@") {
		to += "@s.whatsapp.net"
	}

	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := m.sender.Send(sendCtx, to, params.Message); err != nil {
		code := protocol.ErrInternal
		if errors.Is(err, session.ErrNotConnected) {
			code = protocol.ErrFailedPrecondition
		}
		client.SendResponse(protocol.NewErrorResponse(req.ID, code, err.Error()))
		return
	}

	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{
		"ok": true,
		"to": to,
	}))
}
