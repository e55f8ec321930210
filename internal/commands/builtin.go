package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knightbot/knightbot/internal/status"
	"github.com/knightbot/knightbot/internal/store"
)

// pairWait bounds how long !pair waits for the code before giving up.
const pairWait = 45 * time.Second

// Pairer queues pairing-code requests. It returns the normalized number.
type Pairer interface {
	RequestPairing(phone string) (string, error)
}

// Deps are the collaborators of the built-in commands. Nil fields disable
// the commands that need them.
type Deps struct {
	Users   store.UserStore
	Pairing Pairer
	Status  *status.Store
	Now     func() time.Time
}

// RegisterBuiltins installs the default command set on t.
func RegisterBuiltins(t *Table, d Deps) {
	if d.Now == nil {
		d.Now = time.Now
	}

	t.Register(static(t, func(r *Replies) string { return r.Menu }), "!menu", ".menu", "menu")
	t.Register(static(t, func(r *Replies) string { return r.Download }), "!download")
	t.Register(static(t, func(r *Replies) string { return r.Games }), "!game")
	t.Register(static(t, func(r *Replies) string { return r.Sticker }), "!sticker")
	t.Register(static(t, func(r *Replies) string { return r.Voice }), "!voice")
	t.Register(static(t, func(r *Replies) string { return r.Owner }), "!owner")
	t.Register(static(t, func(r *Replies) string { return r.QR }), "!qr")
	t.Register(aiHandler(t), "!ai")
	t.Register(pingHandler(t, d.Now), "!ping", "ping")
	if d.Users != nil {
		t.Register(infoHandler(t, d.Users), "!info")
	}
	if d.Pairing != nil && d.Status != nil {
		t.Register(pairHandler(t, d.Pairing, d.Status), "!pair")
	}
}

func static(t *Table, pick func(*Replies) string) Handler {
	return func(ctx context.Context, req *Request) error {
		return req.Reply(ctx, Render(pick(t.Replies()), t.Vars()))
	}
}

func aiHandler(t *Table) Handler {
	return func(ctx context.Context, req *Request) error {
		r := t.Replies()
		if strings.TrimSpace(req.Args) == "" {
			return req.Reply(ctx, Render(r.AIHelp, t.Vars()))
		}
		v := t.Vars()
		v.Question = req.Args
		return req.Reply(ctx, Render(r.AIAnswer, v))
	}
}

// pingHandler measures the round trip of a first reply and reports it in a
// second one.
func pingHandler(t *Table, now func() time.Time) Handler {
	return func(ctx context.Context, req *Request) error {
		r := t.Replies()
		start := now()
		if err := req.Reply(ctx, Render(r.Pinging, t.Vars())); err != nil {
			return err
		}
		v := t.Vars()
		v.LatencyMS = now().Sub(start).Milliseconds()
		return req.Reply(ctx, Render(r.Pong, v))
	}
}

func infoHandler(t *Table, users store.UserStore) Handler {
	return func(ctx context.Context, req *Request) error {
		n, err := users.Count(ctx)
		if err != nil {
			return fmt.Errorf("count users: %w", err)
		}
		v := t.Vars()
		v.Users = n
		return req.Reply(ctx, Render(t.Replies().Info, v))
	}
}

// pairHandler requests a pairing code for the given number and replies with
// the code once the session publishes it.
func pairHandler(t *Table, p Pairer, st *status.Store) Handler {
	return func(ctx context.Context, req *Request) error {
		r := t.Replies()
		if !ownerAllowed(t.Vars().OwnerNumber, req.SenderID) {
			v := t.Vars()
			v.Error = "only the bot owner can request pairing codes"
			return req.Reply(ctx, Render(r.PairFailure, v))
		}
		fields, err := req.Fields()
		if err != nil || len(fields) == 0 {
			return req.Reply(ctx, Render(r.PairUsage, t.Vars()))
		}
		if err := req.Reply(ctx, Render(r.PairRequesting, t.Vars())); err != nil {
			return err
		}

		since := st.Current().LastTransitionAt
		number, err := p.RequestPairing(strings.Join(fields, ""))
		if err != nil {
			v := t.Vars()
			v.Error = err.Error()
			return req.Reply(ctx, Render(r.PairFailure, v))
		}

		waitCtx, cancel := context.WithTimeout(ctx, pairWait)
		defer cancel()
		snap, err := st.WaitFor(waitCtx, func(s status.Snapshot) bool {
			return pairingSettled(s, number, since)
		})

		v := t.Vars()
		v.Number = number
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			v.Error = "timed out waiting for the code"
		case err != nil:
			return err
		case snap.State == status.StateAwaitingPairingInput:
			v.Code = snap.PairingCode
			return req.Reply(ctx, Render(r.PairSuccess, v))
		default:
			v.Error = snap.ErrorLabel
			if snap.LastError != "" {
				v.Error = snap.LastError
			}
		}
		return req.Reply(ctx, Render(r.PairFailure, v))
	}
}

// ownerAllowed reports whether sender may run owner-only commands. Any
// sender is allowed when no owner number is configured.
func ownerAllowed(owner, sender string) bool {
	owner = strings.TrimPrefix(strings.TrimSpace(owner), "+")
	if owner == "" {
		return true
	}
	number, _, _ := strings.Cut(sender, "@")
	number, _, _ = strings.Cut(number, ":")
	return number == owner
}

func pairingSettled(s status.Snapshot, number string, since time.Time) bool {
	if s.State == status.StateAwaitingPairingInput {
		return s.PairingNumber == number && s.PairingCode != ""
	}
	if !s.LastTransitionAt.After(since) {
		return false
	}
	if s.ErrorKind == status.ErrorPairing {
		// A connected session reports the failure without leaving connected.
		return s.State == status.StateError || s.State == status.StateConnected
	}
	return s.State == status.StateLoggedOut
}
