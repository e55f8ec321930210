// Package commands maps command keys to handlers and ships the built-in
// command set.
package commands

import (
	"context"
	"errors"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/mattn/go-shellwords"
	"golang.org/x/text/cases"

	"github.com/knightbot/knightbot/internal/transport"
)

// SendFunc delivers text to a chat.
type SendFunc func(ctx context.Context, chatID, text string) error

// Handler executes one command. A returned error is reported to the chat
// as a generic apology by the dispatcher.
type Handler func(ctx context.Context, req *Request) error

// Request is one command invocation.
type Request struct {
	ChatID   string
	SenderID string
	PushName string
	IsGroup  bool
	Command  string // folded command key
	Args     string // text after the command key
	Raw      transport.InboundMessage

	send SendFunc
}

// NewRequest builds a request whose Reply goes through send.
func NewRequest(msg transport.InboundMessage, command, args string, send SendFunc) *Request {
	return &Request{
		ChatID:   msg.ChatID,
		SenderID: msg.SenderID,
		PushName: msg.PushName,
		IsGroup:  msg.IsGroup,
		Command:  command,
		Args:     args,
		Raw:      msg,
		send:     send,
	}
}

// Reply sends text to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	if r.send == nil {
		return errors.New("request has no sender")
	}
	return r.send(ctx, r.ChatID, text)
}

// Fields splits Args with shell quoting rules.
func (r *Request) Fields() ([]string, error) {
	return shellwords.Parse(r.Args)
}

// Table is the command table. It is safe for concurrent use.
type Table struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	replies  atomic.Pointer[Replies]
	vars     Vars
}

// NewTable creates an empty table answering with replies. base supplies
// the bot-wide template fields (name, version, domain, owner).
func NewTable(replies *Replies, base Vars) *Table {
	if replies == nil {
		replies = DefaultReplies()
	}
	t := &Table{handlers: make(map[string]Handler), vars: base}
	t.replies.Store(replies)
	return t
}

// FoldKey case-folds a command key.
func FoldKey(key string) string {
	return cases.Fold().String(key)
}

// Register binds h to every key. Later registrations win.
func (t *Table) Register(h Handler, keys ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range keys {
		t.handlers[FoldKey(k)] = h
	}
}

// Resolve looks up a folded command key.
func (t *Table) Resolve(key string) (Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handlers[key]
	return h, ok
}

// Keys returns the registered keys, sorted.
func (t *Table) Keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]string, 0, len(t.handlers))
	for k := range t.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Replies returns the active reply set.
func (t *Table) Replies() *Replies { return t.replies.Load() }

// SetReplies swaps the reply set, e.g. after a config reload.
func (t *Table) SetReplies(r *Replies) {
	if r != nil {
		t.replies.Store(r)
	}
}

// Vars returns the bot-wide template fields.
func (t *Table) Vars() Vars { return t.vars }

// AutoReply picks a random greeting for pushName.
func (t *Table) AutoReply(pushName string) string {
	greetings := t.Replies().Greetings
	if len(greetings) == 0 {
		return ""
	}
	if pushName == "" {
		pushName = "User"
	}
	v := t.vars
	v.Name = pushName
	return Render(greetings[rand.IntN(len(greetings))], v)
}

// Apology is the generic failure reply.
func (t *Table) Apology() string {
	return Render(t.Replies().Apology, t.vars)
}
