// Package transport adapts the messaging wire protocol to a closed set of
// lifecycle events. The session manager only sees the Transport interface
// and the Event variants defined here.
package transport

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrClosed is returned by operations on a released transport.
var ErrClosed = errors.New("transport closed")

// Identity is the account a transport authenticated as.
type Identity struct {
	ID   string
	Name string
}

// InboundMessage is a normalized chat message.
type InboundMessage struct {
	RawID      string
	ChatID     string
	SenderID   string
	PushName   string
	IsGroup    bool
	FromSelf   bool
	Text       string
	ReceivedAt time.Time
}

// CloseReason says why a transport connection ended.
type CloseReason string

const (
	CloseLoggedOut      CloseReason = "logged_out"
	CloseConnectionLost CloseReason = "connection_lost"
	CloseReplaced       CloseReason = "stream_replaced"
	CloseQRTimeout      CloseReason = "qr_timeout"
	CloseBanned         CloseReason = "temporary_ban"
	CloseConnectFailure CloseReason = "connect_failure"
)

// Event is one of QR, Open, Close or Message.
type Event interface {
	isEvent()
}

// QR carries a login QR payload. It also signals that the transport is
// connected but not yet authenticated, which is when pairing codes can be
// requested.
type QR struct {
	Payload string
}

// Open signals an authenticated, live connection.
type Open struct {
	Identity Identity
}

// Close signals the end of the connection.
type Close struct {
	Reason CloseReason
	Err    error
}

// LoggedOut reports whether the close was a logout, which ends the session.
func (c Close) LoggedOut() bool { return c.Reason == CloseLoggedOut }

func (c Close) Error() string {
	if c.Err != nil {
		return string(c.Reason) + ": " + c.Err.Error()
	}
	return string(c.Reason)
}

// Message carries an inbound chat message.
type Message struct {
	Msg InboundMessage
}

func (QR) isEvent()      {}
func (Open) isEvent()    {}
func (Close) isEvent()   {}
func (Message) isEvent() {}

// Transport is one live connection. It is owned by exactly one session
// manager and is discarded, never reused, after Close.
type Transport interface {
	// Events delivers lifecycle and message events. The channel is not
	// closed; stop reading once the transport is released.
	Events() <-chan Event
	SendMessage(ctx context.Context, chatID, text string) error
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	Logout(ctx context.Context) error
	Close()
}

// Factory builds a transport from the durable credentials.
type Factory interface {
	Start(ctx context.Context) (Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context) (Transport, error)

func (f FactoryFunc) Start(ctx context.Context) (Transport, error) { return f(ctx) }

// CredentialStore is the durable credential storage behind a Factory.
type CredentialStore interface {
	Purge(ctx context.Context) error
}

// IsGroupChat reports whether a chat id addresses a group.
func IsGroupChat(chatID string) bool {
	return strings.HasSuffix(chatID, "@g.us")
}
