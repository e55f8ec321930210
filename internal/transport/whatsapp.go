package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// eventBuffer is the per-transport event queue. whatsmeow calls handlers
// synchronously, so a full queue stalls its read loop until drained.
const eventBuffer = 256

// WhatsAppOptions configures the whatsmeow-backed factory.
type WhatsAppOptions struct {
	DeviceName string
	Logger     waLog.Logger
}

// WhatsAppFactory starts whatsmeow clients from a credential container.
type WhatsAppFactory struct {
	container *sqlstore.Container
	opts      WhatsAppOptions
}

// NewWhatsAppFactory creates a factory. The device name is what the phone
// shows under linked devices.
func NewWhatsAppFactory(container *sqlstore.Container, opts WhatsAppOptions) *WhatsAppFactory {
	if opts.Logger == nil {
		opts.Logger = NewSlogLogger(nil, "whatsmeow")
	}
	if opts.DeviceName != "" {
		store.DeviceProps.Os = proto.String(opts.DeviceName)
	}
	return &WhatsAppFactory{container: container, opts: opts}
}

// Start loads the stored device (or a fresh one when none exists) and
// connects. Unauthenticated devices get a QR channel; its codes surface as
// QR events.
func (f *WhatsAppFactory) Start(ctx context.Context) (Transport, error) {
	device, err := f.container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}

	client := whatsmeow.NewClient(device, f.opts.Logger.Sub("Client"))
	// Reconnects are owned by the session manager.
	client.EnableAutoReconnect = false

	lifeCtx, cancel := context.WithCancel(context.Background())
	w := &WhatsApp{
		client: client,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	client.AddEventHandler(w.handleEvent)

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(lifeCtx)
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("qr channel: %w", err)
		}
		go w.pumpQR(qrChan)
	}

	if err := client.Connect(); err != nil {
		w.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}

	slog.Info("whatsapp: transport started", "logged_in", client.Store.ID != nil)
	return w, nil
}

// WhatsApp is a single whatsmeow client connection.
type WhatsApp struct {
	client *whatsmeow.Client
	events chan Event
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
}

func (w *WhatsApp) Events() <-chan Event { return w.events }

func (w *WhatsApp) SendMessage(ctx context.Context, chatID, text string) error {
	if w.closed() || !w.client.IsConnected() {
		return ErrClosed
	}
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return fmt.Errorf("parse chat id %q: %w", chatID, err)
	}
	_, err = w.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return fmt.Errorf("send to %s: %w", chatID, err)
	}
	return nil
}

func (w *WhatsApp) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	if w.closed() {
		return "", ErrClosed
	}
	code, err := w.client.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		return "", fmt.Errorf("pair phone: %w", err)
	}
	return code, nil
}

func (w *WhatsApp) Logout(ctx context.Context) error {
	if w.closed() {
		return ErrClosed
	}
	return w.client.Logout(ctx)
}

// Close disconnects and stops event delivery. Safe to call more than once.
func (w *WhatsApp) Close() {
	w.once.Do(func() {
		close(w.done)
		w.cancel()
		w.client.RemoveEventHandlers()
		w.client.Disconnect()
	})
}

func (w *WhatsApp) closed() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *WhatsApp) emit(ev Event) {
	select {
	case w.events <- ev:
	case <-w.done:
	}
}

func (w *WhatsApp) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			w.emit(QR{Payload: item.Code})
		case "timeout":
			w.emit(Close{Reason: CloseQRTimeout, Err: errors.New("qr code not scanned in time")})
		case "error":
			w.emit(Close{Reason: CloseConnectFailure, Err: item.Error})
		case "success":
			slog.Info("whatsapp: qr login succeeded")
		}
	}
}

func (w *WhatsApp) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		id := Identity{Name: w.client.Store.PushName}
		if w.client.Store.ID != nil {
			id.ID = w.client.Store.ID.ToNonAD().String()
		}
		w.emit(Open{Identity: id})

	case *events.PairSuccess:
		// The container has already persisted the new credentials.
		slog.Info("whatsapp: device paired", "jid", v.ID.String(), "platform", v.Platform)

	case *events.LoggedOut:
		w.emit(Close{Reason: CloseLoggedOut, Err: fmt.Errorf("logged out: %s", v.Reason.String())})

	case *events.ConnectFailure:
		if v.Reason.IsLoggedOut() {
			w.emit(Close{Reason: CloseLoggedOut, Err: fmt.Errorf("connect failure: %s", v.Reason.String())})
			return
		}
		w.emit(Close{Reason: CloseConnectFailure, Err: fmt.Errorf("connect failure: %s %s", v.Reason.String(), v.Message)})

	case *events.StreamReplaced:
		w.emit(Close{Reason: CloseReplaced})

	case *events.TemporaryBan:
		w.emit(Close{Reason: CloseBanned, Err: errors.New(v.String())})

	case *events.Disconnected:
		w.emit(Close{Reason: CloseConnectionLost})

	case *events.Message:
		w.emit(Message{Msg: inboundFromEvent(v)})
	}
}

func inboundFromEvent(v *events.Message) InboundMessage {
	info := v.Info
	return InboundMessage{
		RawID:      info.ID,
		ChatID:     info.Chat.String(),
		SenderID:   info.Sender.ToNonAD().String(),
		PushName:   info.PushName,
		IsGroup:    info.IsGroup,
		FromSelf:   info.IsFromMe,
		Text:       ExtractText(v.Message),
		ReceivedAt: info.Timestamp,
	}
}

// ExtractText returns the user-visible text of a message: plain text,
// extended text, or a media caption. Other message kinds yield "".
func ExtractText(m *waE2E.Message) string {
	if m == nil {
		return ""
	}
	if t := m.GetConversation(); t != "" {
		return t
	}
	if t := m.GetExtendedTextMessage().GetText(); t != "" {
		return t
	}
	if t := m.GetImageMessage().GetCaption(); t != "" {
		return t
	}
	if t := m.GetVideoMessage().GetCaption(); t != "" {
		return t
	}
	return m.GetDocumentMessage().GetCaption()
}
