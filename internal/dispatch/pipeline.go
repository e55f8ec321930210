// Package dispatch routes inbound chat messages to command handlers.
// Messages of one chat are handled in arrival order; different chats run
// concurrently on a bounded worker lane.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/knightbot/knightbot/internal/commands"
	"github.com/knightbot/knightbot/internal/session"
	"github.com/knightbot/knightbot/internal/status"
	"github.com/knightbot/knightbot/internal/store"
	"github.com/knightbot/knightbot/internal/tracing"
	"github.com/knightbot/knightbot/internal/transport"
)

const (
	defaultWorkers        = 8
	defaultQueueCap       = 32
	defaultPrefixes       = "!./"
	defaultSelfIDPattern  = `^BAE5[0-9A-F]{12}$`
	defaultDedupeTTL      = 20 * time.Minute
	defaultDedupeSize     = 5000
	defaultHandlerTimeout = 2 * time.Minute
	sendTimeout           = 30 * time.Second
)

// CommandTable resolves folded command keys and supplies canned replies.
type CommandTable interface {
	Resolve(key string) (commands.Handler, bool)
	AutoReply(pushName string) string
	Apology() string
}

// Sender delivers a text message to a chat.
type Sender interface {
	Send(ctx context.Context, chatID, text string) error
}

// StatsSink receives counter increments.
type StatsSink interface {
	AddStats(messages, users int64) status.Snapshot
}

// Options configure a Pipeline. Commands and Sender are required.
type Options struct {
	Commands CommandTable
	Sender   Sender
	Users    store.UserStore // optional
	Stats    StatsSink       // optional

	Workers         int
	QueueCap        int
	DropPolicy      DropPolicy
	AutoReplyChance float64
	Prefixes        string
	SelfIDPattern   string
	DedupeTTL       time.Duration
	DedupeSize      int
	HandlerTimeout  time.Duration

	// Rand returns a value in [0,1). Defaults to math/rand/v2.
	Rand func() float64
	Now  func() time.Time
}

type tunables struct {
	chance   float64
	prefixes string
}

// Pipeline is the inbound message dispatcher. It implements
// session.MessageSink.
type Pipeline struct {
	opts   Options
	selfID *regexp.Regexp
	dedupe *DedupeCache
	lane   *Lane
	queues *ChatQueues
	tun    atomic.Pointer[tunables]

	usersMu sync.Mutex
	tracer  trace.Tracer
}

// New validates opts and starts the worker lane.
func New(opts Options) (*Pipeline, error) {
	if opts.Commands == nil || opts.Sender == nil {
		return nil, errors.New("dispatch: commands and sender are required")
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueCap <= 0 {
		opts.QueueCap = defaultQueueCap
	}
	if opts.Prefixes == "" {
		opts.Prefixes = defaultPrefixes
	}
	if opts.SelfIDPattern == "" {
		opts.SelfIDPattern = defaultSelfIDPattern
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = defaultDedupeTTL
	}
	if opts.DedupeSize <= 0 {
		opts.DedupeSize = defaultDedupeSize
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = defaultHandlerTimeout
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	selfID, err := regexp.Compile(opts.SelfIDPattern)
	if err != nil {
		return nil, fmt.Errorf("dispatch: self id pattern: %w", err)
	}

	lane := NewLane("dispatch", opts.Workers)
	p := &Pipeline{
		opts:   opts,
		selfID: selfID,
		dedupe: NewDedupeCache(opts.DedupeTTL, opts.DedupeSize),
		lane:   lane,
		queues: NewChatQueues(lane, opts.QueueCap, opts.DropPolicy),
		tracer: tracing.Tracer(),
	}
	p.SetTunables(opts.AutoReplyChance, opts.Prefixes)
	return p, nil
}

// SetTunables swaps the auto-reply chance and command prefixes. An empty
// prefixes string keeps the current set.
func (p *Pipeline) SetTunables(chance float64, prefixes string) {
	if chance < 0 {
		chance = 0
	}
	if chance > 1 {
		chance = 1
	}
	if prefixes == "" {
		if cur := p.tun.Load(); cur != nil {
			prefixes = cur.prefixes
		} else {
			prefixes = defaultPrefixes
		}
	}
	p.tun.Store(&tunables{chance: chance, prefixes: prefixes})
}

// Dispatch accepts one inbound message. Filtering happens inline; the
// rest runs on the chat's queue. It never waits for a worker.
func (p *Pipeline) Dispatch(ctx context.Context, msg transport.InboundMessage) {
	if msg.FromSelf || strings.TrimSpace(msg.Text) == "" {
		return
	}
	if msg.RawID != "" {
		if p.selfID.MatchString(msg.RawID) {
			slog.Debug("dispatch: dropped self-generated id", "id", msg.RawID)
			return
		}
		if p.dedupe.IsDuplicate(msg.RawID) {
			slog.Debug("dispatch: dropped duplicate", "id", msg.RawID)
			return
		}
	}

	// Handlers outlive the transport pump that delivered the message.
	jobCtx := context.WithoutCancel(ctx)
	if err := p.queues.Enqueue(msg.ChatID, func() { p.handle(jobCtx, msg) }); err != nil {
		if msg.RawID != "" {
			p.dedupe.Forget(msg.RawID)
		}
		slog.Warn("dispatch: message not queued", "chat", msg.ChatID, "id", msg.RawID, "error", err)
	}
}

func (p *Pipeline) handle(ctx context.Context, msg transport.InboundMessage) {
	ctx, span := p.tracer.Start(ctx, "dispatch.message", trace.WithAttributes(
		attribute.String("chat.id", msg.ChatID),
		attribute.Bool("chat.group", msg.IsGroup),
		attribute.String("message.preview", tracing.Preview(msg.Text, tracing.PreviewWidth)),
	))
	defer span.End()

	p.touchUser(ctx, msg.SenderID)
	if p.opts.Stats != nil {
		p.opts.Stats.AddStats(1, 0)
	}

	key, args := Tokenize(msg.Text)
	span.SetAttributes(attribute.String("command.key", key))

	h, ok := p.opts.Commands.Resolve(key)
	if !ok {
		p.maybeAutoReply(ctx, msg)
		return
	}

	hctx, cancel := context.WithTimeout(ctx, p.opts.HandlerTimeout)
	defer cancel()
	req := commands.NewRequest(msg, key, args, p.opts.Sender.Send)
	if err := invoke(hctx, h, req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.reportFailure(ctx, err)
	}
}

// invoke runs h, converting errors and panics into *HandlerError.
func invoke(ctx context.Context, h commands.Handler, req *commands.Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Command: req.Command, ChatID: req.ChatID, Panic: r}
		}
	}()
	if herr := h(ctx, req); herr != nil {
		return &HandlerError{Command: req.Command, ChatID: req.ChatID, Err: herr}
	}
	return nil
}

func (p *Pipeline) reportFailure(ctx context.Context, err error) {
	var herr *HandlerError
	if !errors.As(err, &herr) {
		return
	}
	slog.Error("dispatch: handler failed", "command", herr.Command, "chat", herr.ChatID, "error", herr)
	if herr.Err != nil && isTransportGone(herr.Err) {
		return
	}
	p.send(ctx, herr.ChatID, p.opts.Commands.Apology())
}

func (p *Pipeline) maybeAutoReply(ctx context.Context, msg transport.InboundMessage) {
	tun := p.tun.Load()
	if HasCommandPrefix(msg.Text, tun.prefixes) {
		return
	}
	if p.opts.Rand() >= tun.chance {
		return
	}
	if text := p.opts.Commands.AutoReply(msg.PushName); text != "" {
		p.send(ctx, msg.ChatID, text)
	}
}

// send is a best-effort reply; the failure is logged here and nowhere else.
func (p *Pipeline) send(ctx context.Context, chatID, text string) {
	sctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := p.opts.Sender.Send(sctx, chatID, text); err != nil {
		if isTransportGone(err) {
			slog.Debug("dispatch: reply dropped, not connected", "chat", chatID)
			return
		}
		slog.Warn("dispatch: reply failed", "chat", chatID, "error", err)
	}
}

// touchUser counts the message against its sender. The mutex keeps
// load-modify-save atomic per process.
func (p *Pipeline) touchUser(ctx context.Context, senderID string) {
	if p.opts.Users == nil || senderID == "" {
		return
	}
	p.usersMu.Lock()
	defer p.usersMu.Unlock()

	rec, err := p.opts.Users.Load(ctx, senderID)
	if err != nil {
		slog.Warn("dispatch: load user", "sender", senderID, "error", err)
		return
	}
	isNew := rec == nil
	if isNew {
		rec = &store.UserRecord{ID: senderID}
	}
	rec.Touch(p.opts.Now())
	if err := p.opts.Users.Save(ctx, rec); err != nil {
		slog.Warn("dispatch: save user", "sender", senderID, "error", err)
		return
	}
	if isNew && p.opts.Stats != nil {
		p.opts.Stats.AddStats(0, 1)
	}
}

// LaneStats reports worker utilization.
func (p *Pipeline) LaneStats() LaneStats {
	return p.lane.Stats()
}

// Stop waits for running handlers and discards queued messages.
func (p *Pipeline) Stop() {
	p.lane.Stop()
}

func isTransportGone(err error) bool {
	return errors.Is(err, transport.ErrClosed) || errors.Is(err, session.ErrNotConnected)
}
