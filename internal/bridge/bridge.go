// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

// Package bridge relays game events received over a WebSocket to chat channels.
//
// A game-side plugin connects with the shared token and streams JSON events. Every event must carry
// the token as well; events that do not, or that cannot be parsed, are dropped without closing the
// connection.
package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/schultz-is/rcon-admin/moderation"
)

// DefaultReadLimit bounds the size of a single inbound message.
const DefaultReadLimit = 64 << 10

// EventType identifies what happened in game.
type EventType string

const (
	EventJoin  EventType = "join"
	EventQuit  EventType = "quit"
	EventDeath EventType = "death"
	EventChat  EventType = "chat"
)

// Event is a single message received from the game server.
type Event struct {
	Type    EventType `json:"type"`
	Player  string    `json:"player"`
	Message string    `json:"message,omitempty"`
	Token   string    `json:"token"`
}

// Format renders e as chat text. It reports false for events that cannot be rendered.
func Format(e Event) (string, bool) {
	if e.Player == "" {
		return "", false
	}
	switch e.Type {
	case EventJoin:
		return e.Player + " joined the game", true
	case EventQuit:
		return e.Player + " left the game", true
	case EventDeath:
		if e.Message == "" {
			return e.Player + " died", true
		}
		return e.Player + " died: " + e.Message, true
	case EventChat:
		if strings.TrimSpace(e.Message) == "" {
			return "", false
		}
		return "<" + e.Player + "> " + e.Message, true
	}
	return "", false
}

// Config contains settings to control a [Server].
type Config struct {
	// Token is the shared secret. An empty token rejects every connection.
	Token string

	// Channels receive every relayed event.
	Channels []string

	// Sender delivers formatted events. Required.
	Sender ChatSender

	// Moderation, when set, vets chat events before they are relayed.
	Moderation moderation.Classifier

	// ReadLimit bounds the size of an inbound message. Defaults to DefaultReadLimit.
	ReadLimit int64

	Logger *slog.Logger
}

// Server accepts WebSocket connections from the game server and relays their events.
type Server struct {
	cfg      Config
	channels atomic.Pointer[[]string]
	upgrader websocket.Upgrader
}

// New creates a [Server].
func New(cfg Config) *Server {
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	s := &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			// Callers authenticate with the token, not with an origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.SetChannels(cfg.Channels)
	return s
}

// SetChannels replaces the set of destination channels. It is safe to call while connections are
// being served.
func (s *Server) SetChannels(channels []string) {
	c := append([]string(nil), channels...)
	s.channels.Store(&c)
}

// Channels returns the current destination channels.
func (s *Server) Channels() []string {
	return append([]string(nil), *s.channels.Load()...)
}

func (s *Server) validToken(token string) bool {
	if s.cfg.Token == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) == 1
}

// handshakeToken returns the token presented in the query string or as a bearer token.
func handshakeToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// ServeHTTP upgrades authenticated requests and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !s.validToken(handshakeToken(r)) {
		s.log(ctx, slog.LevelWarn, "bridge connection rejected: invalid token", slog.String("remote", r.RemoteAddr))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log(ctx, slog.LevelWarn, "bridge upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.cfg.ReadLimit)

	s.log(ctx, slog.LevelInfo, "bridge connected", slog.String("remote", r.RemoteAddr))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log(ctx, slog.LevelWarn, "bridge read failed", slog.Any("error", err))
			}
			break
		}
		s.handleMessage(ctx, data)
	}
	s.log(ctx, slog.LevelInfo, "bridge disconnected", slog.String("remote", r.RemoteAddr))
}

func (s *Server) handleMessage(ctx context.Context, data []byte) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		s.log(ctx, slog.LevelDebug, "bridge dropped malformed message", slog.Any("error", err))
		return
	}
	if !s.validToken(e.Token) {
		s.log(ctx, slog.LevelDebug, "bridge dropped message with invalid token", slog.String("type", string(e.Type)))
		return
	}
	s.Relay(ctx, e)
}

// Relay formats e and sends it to every channel, returning the number of successful deliveries.
// Chat events that moderation disallows are not relayed. The event's token is not checked.
func (s *Server) Relay(ctx context.Context, e Event) int {
	text, ok := Format(e)
	if !ok {
		s.log(ctx, slog.LevelDebug, "bridge dropped unrenderable event", slog.String("type", string(e.Type)))
		return 0
	}
	if e.Type == EventChat && !moderation.Permits(ctx, s.cfg.Moderation, e.Message, s.cfg.Logger) {
		s.log(ctx, slog.LevelInfo, "bridge withheld chat message", slog.String("player", e.Player))
		return 0
	}

	delivered := 0
	for _, ch := range *s.channels.Load() {
		if s.cfg.Sender.Send(ctx, ch, text) {
			delivered++
		} else {
			s.log(ctx, slog.LevelWarn, "bridge delivery failed", slog.String("channel", ch))
		}
	}
	return delivered
}

func (s *Server) log(ctx context.Context, level slog.Level, msg string, attrs ...slog.Attr) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.LogAttrs(ctx, level, msg, attrs...)
}
