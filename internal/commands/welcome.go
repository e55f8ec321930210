package commands

import (
	"context"
	"log/slog"
	"time"

	"github.com/knightbot/knightbot/internal/status"
)

// Welcomer sends the welcome message to the bot's own chat after login.
type Welcomer struct {
	table *Table
	send  SendFunc
	now   func() time.Time
}

// NewWelcomer creates a Welcomer that sends through send.
func NewWelcomer(t *Table, send SendFunc) *Welcomer {
	return &Welcomer{table: t, send: send, now: time.Now}
}

// Welcome implements session.Welcomer. Failures are logged only.
func (w *Welcomer) Welcome(ctx context.Context, id status.Identity) {
	if id.ID == "" {
		return
	}
	v := w.table.Vars()
	v.Time = w.now().Format("2006-01-02 15:04:05 MST")
	text := Render(w.table.Replies().Welcome, v)

	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := w.send(sendCtx, id.ID, text); err != nil {
		slog.Warn("commands: welcome message failed", "to", id.ID, "error", err)
		return
	}
	slog.Info("commands: welcome message sent", "to", id.ID)
}
