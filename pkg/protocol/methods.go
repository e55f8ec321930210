package protocol

// RPC method names accepted on the dashboard WebSocket.
const (
	MethodHealth         = "health"
	MethodStatusGet      = "status.get"
	MethodQRGet          = "qr.get"
	MethodPairingRequest = "pairing.request"
)

// Methods registered by internal/gateway/methods.
const (
	MethodMessageSend = "message.send"
	MethodConfigGet   = "config.get"

	MethodSessionStart  = "session.start"
	MethodSessionLogout = "session.logout"
)
