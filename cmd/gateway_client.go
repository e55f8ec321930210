package cmd

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/knightbot/knightbot/internal/config"
	"github.com/knightbot/knightbot/pkg/protocol"
)

// gatewayConn is a CLI connection to a running knightbot server.
type gatewayConn struct {
	conn *websocket.Conn
	seq  int
}

// gatewayURL returns the dashboard WebSocket URL for cfg. A wildcard
// listen host is reached through loopback.
func gatewayURL(cfg *config.Config) url.URL {
	host := cfg.Gateway.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return url.URL{Scheme: "ws", Host: net.JoinHostPort(host, strconv.Itoa(cfg.Gateway.Port)), Path: "/ws"}
}

// dialGateway connects and authenticates with the configured token.
func dialGateway(cfg *config.Config) (*gatewayConn, error) {
	u := gatewayURL(cfg)
	header := http.Header{}
	if cfg.Gateway.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Gateway.Token)
	}
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 5 * time.Second
	conn, resp, err := dialer.Dial(u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("gateway at %s rejected the token", u.String())
		}
		return nil, fmt.Errorf("connect to gateway at %s: %w", u.String(), err)
	}
	return &gatewayConn{conn: conn}, nil
}

func (g *gatewayConn) Close() error { return g.conn.Close() }

// call sends one RPC and waits for its response, skipping events.
func (g *gatewayConn) call(method string, params any, timeout time.Duration) (*protocol.ResponseFrame, json.RawMessage, error) {
	g.seq++
	id := "cli-" + strconv.Itoa(g.seq)
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, nil, err
	}
	if err := g.conn.WriteJSON(req); err != nil {
		return nil, nil, fmt.Errorf("send RPC: %w", err)
	}

	g.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		_, msg, err := g.conn.ReadMessage()
		if err != nil {
			return nil, nil, fmt.Errorf("read response: %w", err)
		}
		frameType, _ := protocol.ParseFrameType(msg)
		if frameType != protocol.FrameTypeResponse {
			continue
		}

		var resp struct {
			protocol.ResponseFrame
			Payload json.RawMessage `json:"payload,omitempty"`
		}
		if err := json.Unmarshal(msg, &resp); err != nil {
			return nil, nil, fmt.Errorf("parse response: %w", err)
		}
		if resp.ID != id {
			continue
		}
		if !resp.OK {
			msg := "unknown error"
			if resp.Error != nil {
				msg = resp.Error.Code + ": " + resp.Error.Message
			}
			return &resp.ResponseFrame, resp.Payload, fmt.Errorf("%s failed: %s", method, msg)
		}
		return &resp.ResponseFrame, resp.Payload, nil
	}
}

// nextEvent waits for the next event frame named event.
func (g *gatewayConn) nextEvent(event string, deadline time.Time) (json.RawMessage, error) {
	g.conn.SetReadDeadline(deadline)
	for {
		_, msg, err := g.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		var ev struct {
			Type    string          `json:"type"`
			Event   string          `json:"event"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(msg, &ev); err != nil {
			continue
		}
		if ev.Type == protocol.FrameTypeEvent && ev.Event == event {
			return ev.Payload, nil
		}
	}
}

// gatewayRPC runs a single call against the server named by the config.
func gatewayRPC(method string, params any) (json.RawMessage, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	g, err := dialGateway(cfg)
	if err != nil {
		return nil, err
	}
	defer g.Close()
	_, payload, err := g.call(method, params, 30*time.Second)
	return payload, err
}

// isGatewayReachable reports whether something accepts TCP connections on
// the gateway address.
func isGatewayReachable(cfg *config.Config) bool {
	u := gatewayURL(cfg)
	conn, err := net.DialTimeout("tcp", u.Host, 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
