package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/knightbot/knightbot/internal/commands"
	"github.com/knightbot/knightbot/internal/session"
	"github.com/knightbot/knightbot/internal/status"
	"github.com/knightbot/knightbot/internal/store"
	"github.com/knightbot/knightbot/internal/transport"
)

type sent struct{ chat, text string }

type recordingSender struct {
	mu   sync.Mutex
	msgs []sent
	err  error
}

func (s *recordingSender) Send(_ context.Context, chatID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, sent{chatID, text})
	return nil
}

func (s *recordingSender) all() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.msgs...)
}

type memUsers struct {
	mu   sync.Mutex
	recs map[string]store.UserRecord
}

func newMemUsers() *memUsers { return &memUsers{recs: make(map[string]store.UserRecord)} }

func (m *memUsers) Load(_ context.Context, id string) (*store.UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *memUsers) Save(_ context.Context, rec *store.UserRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.ID] = *rec
	return nil
}

func (m *memUsers) Count(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs), nil
}

func (m *memUsers) Close() error { return nil }

func (m *memUsers) count(id string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recs[id].MessageCount
}

type counters struct{ messages, users atomic.Int64 }

func (c *counters) AddStats(messages, users int64) status.Snapshot {
	c.messages.Add(messages)
	c.users.Add(users)
	return status.Snapshot{}
}

type fixture struct {
	p      *Pipeline
	table  *commands.Table
	sender *recordingSender
	users  *memUsers
	stats  *counters
}

func newFixture(t *testing.T, chance float64) *fixture {
	t.Helper()
	return newFixtureOpts(t, Options{Workers: 4, AutoReplyChance: chance})
}

// newFixtureOpts fills the collaborators of opts with recording fakes.
func newFixtureOpts(t *testing.T, opts Options) *fixture {
	t.Helper()
	r := commands.DefaultReplies()
	r.Greetings = []string{"hi {{.Name}}"}
	r.Apology = "sorry"
	f := &fixture{
		table:  commands.NewTable(r, commands.Vars{}),
		sender: &recordingSender{},
		users:  newMemUsers(),
		stats:  &counters{},
	}
	f.table.Register(func(ctx context.Context, req *commands.Request) error {
		return req.Reply(ctx, "echo:"+req.Args)
	}, "!echo")

	opts.Commands = f.table
	opts.Sender = f.sender
	opts.Users = f.users
	opts.Stats = f.stats
	opts.Rand = func() float64 { return 0.5 }
	p, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(p.Stop)
	f.p = p
	return f
}

func msg(id, chat, text string) transport.InboundMessage {
	return transport.InboundMessage{RawID: id, ChatID: chat, SenderID: "u1@s.whatsapp.net", PushName: "Budi", Text: text}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("New without commands succeeded")
	}
	_, err := New(Options{Commands: commands.NewTable(nil, commands.Vars{}), Sender: &recordingSender{}, SelfIDPattern: "("})
	if err == nil {
		t.Error("New with a bad pattern succeeded")
	}
}

func TestFromSelfIsIgnored(t *testing.T) {
	f := newFixture(t, 1)
	m := msg("ID1", "c@s", "!echo x")
	m.FromSelf = true
	f.p.Dispatch(context.Background(), m)
	f.p.Dispatch(context.Background(), msg("ID2", "c@s", ""))

	f.p.Dispatch(context.Background(), msg("ID3", "c@s", "!echo marker"))
	eventually(t, "marker reply", func() bool { return len(f.sender.all()) == 1 })

	if got := f.stats.messages.Load(); got != 1 {
		t.Errorf("messagesProcessed = %d, want 1", got)
	}
	if got := f.users.count("u1@s.whatsapp.net"); got != 1 {
		t.Errorf("messageCount = %d, want 1", got)
	}
}

func TestDuplicateRawIDCountedOnce(t *testing.T) {
	f := newFixture(t, 0)
	f.p.Dispatch(context.Background(), msg("ID1", "c@s", "!echo a"))
	f.p.Dispatch(context.Background(), msg("ID1", "c@s", "!echo a"))
	f.p.Dispatch(context.Background(), msg("ID2", "c@s", "!echo b"))
	eventually(t, "two replies", func() bool { return len(f.sender.all()) == 2 })

	if got := f.users.count("u1@s.whatsapp.net"); got != 2 {
		t.Errorf("messageCount = %d, want 2", got)
	}
	if got := f.stats.users.Load(); got != 1 {
		t.Errorf("usersSeen = %d, want 1", got)
	}
}

func TestSelfGeneratedIDDropped(t *testing.T) {
	f := newFixture(t, 0)
	f.p.Dispatch(context.Background(), msg("BAE5ABCDEF012345", "c@s", "!echo self"))
	f.p.Dispatch(context.Background(), msg("3EB0ABCDEF012345", "c@s", "!echo other"))
	eventually(t, "reply", func() bool { return len(f.sender.all()) == 1 })

	if got := f.sender.all()[0].text; got != "echo:other" {
		t.Errorf("reply = %q", got)
	}
	if got := f.stats.messages.Load(); got != 1 {
		t.Errorf("messagesProcessed = %d, want 1", got)
	}
}

func TestPerChatOrder(t *testing.T) {
	f := newFixture(t, 0)
	for i := 0; i < 20; i++ {
		f.p.Dispatch(context.Background(), msg(fmt.Sprintf("A%d", i), "a@s", fmt.Sprintf("!echo %d", i)))
		f.p.Dispatch(context.Background(), msg(fmt.Sprintf("B%d", i), "b@s", fmt.Sprintf("!echo %d", i)))
	}
	eventually(t, "40 replies", func() bool { return len(f.sender.all()) == 40 })

	next := map[string]int{}
	for _, s := range f.sender.all() {
		want := fmt.Sprintf("echo:%d", next[s.chat])
		if s.text != want {
			t.Fatalf("chat %s got %q, want %q", s.chat, s.text, want)
		}
		next[s.chat]++
	}
}

func TestHandlerFailureSendsApology(t *testing.T) {
	f := newFixture(t, 0)
	f.table.Register(func(context.Context, *commands.Request) error {
		return errors.New("boom")
	}, "!fail")
	f.table.Register(func(context.Context, *commands.Request) error {
		panic("kaboom")
	}, "!panic")

	f.p.Dispatch(context.Background(), msg("1", "c@s", "!fail"))
	f.p.Dispatch(context.Background(), msg("2", "c@s", "!panic"))
	f.p.Dispatch(context.Background(), msg("3", "c@s", "!echo after"))
	eventually(t, "three replies", func() bool { return len(f.sender.all()) == 3 })

	got := f.sender.all()
	if got[0].text != "sorry" || got[1].text != "sorry" || got[2].text != "echo:after" {
		t.Errorf("replies = %+v", got)
	}
}

func TestNoApologyWhenDisconnected(t *testing.T) {
	f := newFixture(t, 0)
	f.sender.err = session.ErrNotConnected
	done := make(chan struct{})
	f.table.Register(func(ctx context.Context, req *commands.Request) error {
		defer close(done)
		return req.Reply(ctx, "x")
	}, "!x")

	f.p.Dispatch(context.Background(), msg("1", "c@s", "!x"))
	<-done
	f.p.Stop()
	if n := len(f.sender.all()); n != 0 {
		t.Errorf("sent %d messages while disconnected", n)
	}
}

func TestHandlerErrorMatchesSentinel(t *testing.T) {
	err := error(&HandlerError{Command: "!x", Err: session.ErrNotConnected})
	if !errors.Is(err, ErrHandler) || !errors.Is(err, session.ErrNotConnected) {
		t.Error("HandlerError does not match its sentinels")
	}
	if p := (&HandlerError{Command: "!x", Panic: "bad"}); !strings.Contains(p.Error(), "panicked") {
		t.Errorf("Error() = %q", p.Error())
	}
}

func TestAutoReplyChance(t *testing.T) {
	tests := []struct {
		name   string
		chance float64
		text   string
		want   int
	}{
		{"below chance", 0.9, "hello", 1},
		{"above chance", 0.3, "hello", 0},
		{"prefixed", 1, "!unknown", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.chance)
			f.p.Dispatch(context.Background(), msg("1", "c@s", tt.text))
			f.p.Dispatch(context.Background(), msg("2", "c@s", "!echo done"))
			eventually(t, "marker", func() bool {
				all := f.sender.all()
				return len(all) > 0 && all[len(all)-1].text == "echo:done"
			})
			if got := len(f.sender.all()) - 1; got != tt.want {
				t.Errorf("auto replies = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSetTunables(t *testing.T) {
	f := newFixture(t, 0)
	f.p.SetTunables(1, "#")
	f.p.Dispatch(context.Background(), msg("1", "c@s", "!unknown"))
	eventually(t, "auto reply", func() bool { return len(f.sender.all()) == 1 })
	if got := f.sender.all()[0].text; got != "hi Budi" {
		t.Errorf("auto reply = %q", got)
	}

	f.p.SetTunables(2, "")
	if tun := f.p.tun.Load(); tun.chance != 1 || tun.prefixes != "#" {
		t.Errorf("tunables = %+v", *tun)
	}
}

func TestDispatchSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	f := newFixture(t, 0)
	f.p.Dispatch(context.Background(), msg("1", "c@s", "!echo traced"))
	eventually(t, "span", func() bool { return len(rec.Ended()) == 1 })

	span := rec.Ended()[0]
	if span.Name() != "dispatch.message" {
		t.Errorf("span name = %q", span.Name())
	}
	found := false
	for _, kv := range span.Attributes() {
		if kv.Key == "command.key" && kv.Value.AsString() == "!echo" {
			found = true
		}
	}
	if !found {
		t.Errorf("command.key attribute missing: %v", span.Attributes())
	}
}

func TestWhitespaceOnlyIgnored(t *testing.T) {
	f := newFixture(t, 1)
	f.p.Dispatch(context.Background(), msg("1", "c@s", "  \n\t "))
	f.p.Dispatch(context.Background(), msg("2", "c@s", "!echo marker"))
	eventually(t, "marker", func() bool { return len(f.sender.all()) == 1 })

	if got := f.sender.all()[0].text; got != "echo:marker" {
		t.Errorf("reply = %q, want only the marker", got)
	}
	if got := f.stats.messages.Load(); got != 1 {
		t.Errorf("messagesProcessed = %d, want 1", got)
	}
}

func TestDispatchDoesNotWaitForBusyWorkers(t *testing.T) {
	f := newFixtureOpts(t, Options{Workers: 1})
	release := make(chan struct{})
	started := make(chan struct{})
	f.table.Register(func(ctx context.Context, req *commands.Request) error {
		close(started)
		<-release
		return nil
	}, "!slow")

	f.p.Dispatch(context.Background(), msg("S", "slow@s", "!slow"))
	<-started

	const chats = 40
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < chats; i++ {
			f.p.Dispatch(context.Background(), msg(fmt.Sprintf("M%d", i), fmt.Sprintf("c%d@s", i), "!echo x"))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		close(release)
		t.Fatal("Dispatch blocked while the only worker ran a slow handler")
	}

	close(release)
	eventually(t, "all chats answered", func() bool { return len(f.sender.all()) == chats })
}

func TestRejectedMessageCanBeRedelivered(t *testing.T) {
	f := newFixtureOpts(t, Options{Workers: 1, QueueCap: 1, DropPolicy: DropNew})
	release := make(chan struct{})
	started := make(chan struct{})
	f.table.Register(func(ctx context.Context, req *commands.Request) error {
		close(started)
		<-release
		return nil
	}, "!slow")

	f.p.Dispatch(context.Background(), msg("1", "c@s", "!slow"))
	<-started
	f.p.Dispatch(context.Background(), msg("2", "c@s", "!echo two"))
	f.p.Dispatch(context.Background(), msg("3", "c@s", "!echo three")) // queue full, rejected

	close(release)
	eventually(t, "queued reply", func() bool { return len(f.sender.all()) == 1 })

	f.p.Dispatch(context.Background(), msg("3", "c@s", "!echo three"))
	eventually(t, "redelivered reply", func() bool { return len(f.sender.all()) == 2 })

	if got := f.sender.all()[1].text; got != "echo:three" {
		t.Errorf("redelivered reply = %q", got)
	}
}
