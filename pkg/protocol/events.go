package protocol

// WebSocket event names pushed from server to client.
const (
	EventHello    = "hello"
	EventStatus   = "status"
	EventQR       = "qr"
	EventShutdown = "shutdown"
)

// QRPayload is the payload of EventQR and the qr.get response.
type QRPayload struct {
	Payload string `json:"payload"`
	DataURL string `json:"dataUrl"`
}

// PairingResult is the payload of pairing.request and POST /api/pairing.
type PairingResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Number  string `json:"number,omitempty"`
}
