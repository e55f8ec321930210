package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/knightbot/knightbot/internal/status"
	"github.com/knightbot/knightbot/pkg/protocol"
)

// MethodHandler processes a single RPC method request.
type MethodHandler func(ctx context.Context, client *Client, req *protocol.RequestFrame)

// MethodRouter maps method names to handlers.
type MethodRouter struct {
	handlers map[string]MethodHandler
	server   *Server
}

// NewMethodRouter creates a router with the built-in methods registered.
func NewMethodRouter(server *Server) *MethodRouter {
	r := &MethodRouter{
		handlers: make(map[string]MethodHandler),
		server:   server,
	}
	r.registerDefaults()
	return r
}

// Register adds a method handler.
func (r *MethodRouter) Register(method string, handler MethodHandler) {
	r.handlers[method] = handler
}

// Handle dispatches a request to the appropriate handler.
func (r *MethodRouter) Handle(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	handler, ok := r.handlers[req.Method]
	if !ok {
		slog.Warn("unknown method", "method", req.Method, "client", client.id)
		client.SendResponse(protocol.NewErrorResponse(
			req.ID,
			protocol.ErrInvalidRequest,
			"unknown method: "+req.Method,
		))
		return
	}

	slog.Debug("handling method", "method", req.Method, "client", client.id, "req_id", req.ID)
	handler(ctx, client, req)
}

func (r *MethodRouter) registerDefaults() {
	r.Register(protocol.MethodHealth, r.handleHealth)
	r.Register(protocol.MethodStatusGet, r.handleStatus)
	r.Register(protocol.MethodQRGet, r.handleQR)
	r.Register(protocol.MethodPairingRequest, r.handlePairing)
}

func (r *MethodRouter) handleHealth(_ context.Context, client *Client, req *protocol.RequestFrame) {
	res, _ := r.server.healthReport()
	client.SendResponse(protocol.NewOKResponse(req.ID, res))
}

func (r *MethodRouter) handleStatus(_ context.Context, client *Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewOKResponse(req.ID, r.server.st.Current()))
}

func (r *MethodRouter) handleQR(_ context.Context, client *Client, req *protocol.RequestFrame) {
	snap := r.server.st.Current()
	if snap.State != status.StateAwaitingQR || snap.QRPayload == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrFailedPrecondition, "no QR code available"))
		return
	}
	qr, err := qrPayload(snap.QRPayload)
	if err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error()))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, qr))
}

func (r *MethodRouter) handlePairing(_ context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		PhoneNumber string `json:"phoneNumber"`
	}
	if req.Params != nil {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params: "+err.Error()))
			return
		}
	}

	res, code := r.server.requestPairing(client.remote, params.PhoneNumber)
	switch code {
	case http.StatusOK:
		client.SendResponse(protocol.NewOKResponse(req.ID, res))
	case http.StatusTooManyRequests:
		resp := protocol.NewErrorResponse(req.ID, protocol.ErrResourceExhausted, res.Message)
		resp.Error.Retryable = true
		resp.Error.RetryAfterMs = 60_000
		client.SendResponse(resp)
	case http.StatusBadRequest:
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, res.Message))
	default:
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnavailable, res.Message))
	}
}
