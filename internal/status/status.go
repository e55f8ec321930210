// Package status holds the session status snapshot and fans it out to
// observers. The Store is the single writer; everyone else reads snapshots.
package status

import "time"

// ConnectionState is the lifecycle state of the messaging session.
type ConnectionState string

const (
	StateDisconnected         ConnectionState = "disconnected"
	StateConnecting           ConnectionState = "connecting"
	StateAwaitingQR           ConnectionState = "awaiting_qr"
	StateAwaitingPairingInput ConnectionState = "awaiting_pairing_input"
	StateRequestingPairing    ConnectionState = "requesting_pairing"
	StateConnected            ConnectionState = "connected"
	StateReconnecting         ConnectionState = "reconnecting"
	StateLoggedOut            ConnectionState = "logged_out"
	StateError                ConnectionState = "error"
)

// Terminal reports whether no automatic progress follows this state.
func (s ConnectionState) Terminal() bool {
	return s == StateLoggedOut
}

// ErrorKind labels LastError for the dashboard.
type ErrorKind string

const (
	ErrorNone          ErrorKind = ""
	ErrorTransportInit ErrorKind = "transport_init"
	ErrorValidation    ErrorKind = "validation"
	ErrorPairing       ErrorKind = "pairing"
	ErrorLoggedOut     ErrorKind = "logged_out"
)

// Label returns the human-readable text shown next to the error.
func (k ErrorKind) Label() string {
	switch k {
	case ErrorTransportInit:
		return "Connection failed, retrying"
	case ErrorValidation:
		return "Invalid phone number"
	case ErrorPairing:
		return "Pairing code request failed"
	case ErrorLoggedOut:
		return "Device logged out, scan again"
	default:
		return ""
	}
}

// Identity is the external account the session is logged in as.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Stats are process-lifetime counters. They never decrease.
type Stats struct {
	StartedAt         time.Time `json:"startedAt"`
	MessagesProcessed int64     `json:"messagesProcessed"`
	UsersSeen         int64     `json:"usersSeen"`
}

// Snapshot is an immutable copy of the session status. Identity is shared
// between snapshots and must never be modified after publishing.
type Snapshot struct {
	State            ConnectionState `json:"connectionState"`
	QRPayload        string          `json:"qrPayload,omitempty"`
	PairingCode      string          `json:"pairingCode,omitempty"`
	PairingNumber    string          `json:"pairingNumber,omitempty"`
	Identity         *Identity       `json:"identity,omitempty"`
	LastTransitionAt time.Time       `json:"lastTransitionAt"`
	LastError        string          `json:"lastError,omitempty"`
	ErrorKind        ErrorKind       `json:"errorKind,omitempty"`
	ErrorLabel       string          `json:"errorLabel,omitempty"`
	Stats            Stats           `json:"stats"`
}

// Connected reports whether the session is authenticated and live.
func (s Snapshot) Connected() bool { return s.State == StateConnected }

// Field is an optional value in an Update. The zero Field leaves the
// snapshot field untouched.
type Field[T any] struct {
	Set   bool
	Value T
}

// Set returns a Field that overwrites the snapshot value with v.
func Set[T any](v T) Field[T] { return Field[T]{Set: true, Value: v} }

// Update is a partial snapshot; only fields marked Set are applied.
type Update struct {
	State         Field[ConnectionState]
	QRPayload     Field[string]
	PairingCode   Field[string]
	PairingNumber Field[string]
	Identity      Field[*Identity]
	LastError     Field[string]
	ErrorKind     Field[ErrorKind]
}

// Transition is shorthand for an Update that only changes the state.
func Transition(state ConnectionState) Update {
	return Update{State: Set(state)}
}

// Failure builds an Update moving to state with a labelled error.
func Failure(state ConnectionState, kind ErrorKind, err error) Update {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Update{
		State:     Set(state),
		LastError: Set(msg),
		ErrorKind: Set(kind),
	}
}
