package methods

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/knightbot/knightbot/internal/config"
	"github.com/knightbot/knightbot/internal/gateway"
	"github.com/knightbot/knightbot/internal/session"
	"github.com/knightbot/knightbot/internal/status"
	"github.com/knightbot/knightbot/pkg/protocol"
)

type fakeSender struct {
	mu   sync.Mutex
	to   []string
	fail error
}

func (f *fakeSender) Send(_ context.Context, chatID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.to = append(f.to, chatID)
	return nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.to...)
}

type response struct {
	ID      string               `json:"id"`
	OK      bool                 `json:"ok"`
	Payload json.RawMessage      `json:"payload"`
	Error   *protocol.ErrorShape `json:"error"`
}

func setup(t *testing.T, sender Sender, cfg *config.Config) func(id, method string, params any) response {
	t.Helper()
	st := status.NewStore()
	srv := gateway.NewServer(gateway.Options{Status: st, Gateway: cfg.Gateway, Bot: cfg.Bot})
	NewSendMethods(sender).Register(srv.Router())
	NewConfigMethods(func() *config.Config { return cfg }, "/etc/knightbot.json5").Register(srv.Router())

	ts := httptest.NewServer(srv.Handler())
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		ts.Close()
		srv.Close()
		st.Close()
	})

	return func(id, method string, params any) response {
		t.Helper()
		req, _ := protocol.NewRequest(id, method, params)
		if err := conn.WriteJSON(req); err != nil {
			t.Fatal(err)
		}
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		for {
			var raw struct {
				Type string `json:"type"`
				response
			}
			if err := conn.ReadJSON(&raw); err != nil {
				t.Fatalf("read: %v", err)
			}
			if raw.Type == protocol.FrameTypeResponse && raw.ID == id {
				return raw.response
			}
		}
	}
}

func TestMessageSend(t *testing.T) {
	sender := &fakeSender{}
	call := setup(t, sender, config.Default())

	if r := call("1", protocol.MethodMessageSend, map[string]string{"to": "628123456789", "message": "hi"}); !r.OK {
		t.Fatalf("send = %+v", r.Error)
	}
	if to := sender.sent(); len(to) != 1 || to[0] != "628123456789@s.whatsapp.net" {
		t.Errorf("sent to %v", to)
	}
	if r := call("2", protocol.MethodMessageSend, map[string]string{"to": "x@g.us"}); r.OK {
		t.Error("empty message accepted")
	}

	sender.mu.Lock()
	sender.fail = session.ErrNotConnected
	sender.mu.Unlock()
	r := call("3", protocol.MethodMessageSend, map[string]string{"to": "x@g.us", "message": "hi"})
	if r.OK || r.Error.Code != protocol.ErrFailedPrecondition {
		t.Errorf("disconnected send = %+v", r)
	}
}

func TestConfigGetMasksSecrets(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.Token = "" // dial without a token
	cfg.Storage.UsersDSN = "postgres://bot:hunter2@db/bot"
	call := setup(t, &fakeSender{}, cfg)

	r := call("1", protocol.MethodConfigGet, nil)
	if !r.OK {
		t.Fatalf("config.get = %+v", r.Error)
	}
	body := string(r.Payload)
	if strings.Contains(body, "hunter2") || !strings.Contains(body, "/etc/knightbot.json5") {
		t.Errorf("payload = %s", body)
	}
}

type fakeSession struct {
	mu      sync.Mutex
	starts  int
	logouts int
	err     error
}

func (f *fakeSession) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return f.err
}

func (f *fakeSession) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return f.err
}

func TestSessionMethods(t *testing.T) {
	cfg := config.Default()
	ctl := &fakeSession{}
	st := status.NewStore()
	srv := gateway.NewServer(gateway.Options{Status: st, Gateway: cfg.Gateway, Bot: cfg.Bot})
	NewSessionMethods(ctl).Register(srv.Router())
	ts := httptest.NewServer(srv.Handler())
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() {
		conn.Close()
		ts.Close()
		srv.Close()
		st.Close()
	}()

	call := func(id, method string) response {
		t.Helper()
		req, _ := protocol.NewRequest(id, method, nil)
		if err := conn.WriteJSON(req); err != nil {
			t.Fatal(err)
		}
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		for {
			var raw struct {
				Type string `json:"type"`
				response
			}
			if err := conn.ReadJSON(&raw); err != nil {
				t.Fatalf("read: %v", err)
			}
			if raw.Type == protocol.FrameTypeResponse && raw.ID == id {
				return raw.response
			}
		}
	}

	if r := call("1", protocol.MethodSessionStart); !r.OK {
		t.Errorf("start = %+v", r.Error)
	}
	if r := call("2", protocol.MethodSessionLogout); !r.OK {
		t.Errorf("logout = %+v", r.Error)
	}

	ctl.mu.Lock()
	ctl.err = session.ErrStopped
	ctl.mu.Unlock()
	if r := call("3", protocol.MethodSessionStart); r.OK || r.Error.Code != protocol.ErrUnavailable {
		t.Errorf("stopped start = %+v", r)
	}

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if ctl.starts != 2 || ctl.logouts != 1 {
		t.Errorf("starts=%d logouts=%d", ctl.starts, ctl.logouts)
	}
}
