// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/schultz-is/rcon-admin/moderation"
)

const token = "s3cret"

type relayed struct {
	channel, text string
}

// recorder is a ChatSender that captures deliveries.
type recorder struct {
	out  chan relayed
	fail bool
}

func newRecorder() *recorder { return &recorder{out: make(chan relayed, 16)} }

func (r *recorder) Send(_ context.Context, channel, text string) bool {
	r.out <- relayed{channel, text}
	return !r.fail
}

func (r *recorder) next(t *testing.T) relayed {
	t.Helper()
	select {
	case m := <-r.out:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relay")
		return relayed{}
	}
}

func startServer(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()
	s := New(cfg)
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return s, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestFormat(t *testing.T) {
	tests := []struct {
		event Event
		want  string
		ok    bool
	}{
		{Event{Type: EventJoin, Player: "Steve"}, "Steve joined the game", true},
		{Event{Type: EventQuit, Player: "Steve"}, "Steve left the game", true},
		{Event{Type: EventDeath, Player: "Steve", Message: "fell from a high place"}, "Steve died: fell from a high place", true},
		{Event{Type: EventDeath, Player: "Steve"}, "Steve died", true},
		{Event{Type: EventChat, Player: "Steve", Message: "hi"}, "<Steve> hi", true},
		{Event{Type: EventChat, Player: "Steve", Message: "  "}, "", false},
		{Event{Type: EventJoin}, "", false},
		{Event{Type: "advancement", Player: "Steve"}, "", false},
	}
	for _, tt := range tests {
		got, ok := Format(tt.event)
		require.Equal(t, tt.ok, ok, "%+v", tt.event)
		require.Equal(t, tt.want, got)
	}
}

func TestHandshake(t *testing.T) {
	_, url := startServer(t, Config{Token: token, Channels: []string{"general"}, Sender: newRecorder()})

	tests := []struct {
		name   string
		url    string
		header http.Header
		ok     bool
	}{
		{name: "query token", url: url + "?token=" + token, ok: true},
		{name: "bearer token", url: url, header: http.Header{"Authorization": {"Bearer " + token}}, ok: true},
		{name: "wrong token", url: url + "?token=nope"},
		{name: "no token", url: url},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := websocket.DefaultDialer.Dial(tt.url, tt.header)
			if tt.ok {
				require.NoError(t, err)
				conn.Close()
				return
			}
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
}

func TestEmptyTokenRejectsEverything(t *testing.T) {
	_, url := startServer(t, Config{Sender: newRecorder()})
	_, resp, err := websocket.DefaultDialer.Dial(url+"?token=", nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRelay(t *testing.T) {
	rec := newRecorder()
	s, url := startServer(t, Config{
		Token:      token,
		Channels:   []string{"general", "staff"},
		Sender:     rec,
		Moderation: moderation.NewBlocklist("grief"),
	})

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token="+token, nil)
	require.NoError(t, err)
	defer conn.Close()

	send := func(v any) {
		t.Helper()
		require.NoError(t, conn.WriteJSON(v))
	}

	// Each of these is dropped; the connection stays open for the event that follows.
	send(Event{Type: EventJoin, Player: "Mallory", Token: "wrong"})
	send(Event{Type: EventJoin, Player: "Mallory"})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	send(Event{Type: "advancement", Player: "Steve", Token: token})
	send(Event{Type: EventChat, Player: "Steve", Message: "lets grief spawn", Token: token})

	send(Event{Type: EventJoin, Player: "Steve", Token: token})
	require.Equal(t, relayed{"general", "Steve joined the game"}, rec.next(t))
	require.Equal(t, relayed{"staff", "Steve joined the game"}, rec.next(t))

	s.SetChannels([]string{"general"})
	send(Event{Type: EventChat, Player: "Steve", Message: "hi", Token: token})
	require.Equal(t, relayed{"general", "<Steve> hi"}, rec.next(t))

	select {
	case m := <-rec.out:
		t.Fatalf("unexpected relay %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelayQuitOverWebSocket(t *testing.T) {
	rec := newRecorder()
	_, url := startServer(t, Config{Token: token, Channels: []string{"general"}, Sender: rec})

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token="+token, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Plugins send the raw wire names; "leave" is not one of them.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"leave","player":"Alex","token":"`+token+`"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"quit","player":"Steve","token":"`+token+`"}`)))
	require.Equal(t, relayed{"general", "Steve left the game"}, rec.next(t))

	select {
	case m := <-rec.out:
		t.Fatalf("unexpected relay %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelayCountsDeliveries(t *testing.T) {
	rec := newRecorder()
	rec.fail = true
	s := New(Config{Token: token, Channels: []string{"a", "b"}, Sender: rec})
	require.Equal(t, 0, s.Relay(context.Background(), Event{Type: EventQuit, Player: "Alex"}))

	rec.fail = false
	require.Equal(t, 2, s.Relay(context.Background(), Event{Type: EventQuit, Player: "Alex"}))
	require.Equal(t, []string{"a", "b"}, s.Channels())
}

func TestReadLimitClosesConnection(t *testing.T) {
	_, url := startServer(t, Config{Token: token, Sender: newRecorder(), ReadLimit: 64})

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token="+token, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 1024))))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseMessageTooBig), "got %v", err)
}

func TestWebhookSender(t *testing.T) {
	var (
		mu  sync.Mutex
		got []map[string]string
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		got = append(got, body)
		mu.Unlock()
		if body["channel"] == "broken" {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer ts.Close()

	ws := WebhookSender{URL: ts.URL}
	require.True(t, ws.Send(context.Background(), "general", "Steve joined the game"))
	require.False(t, ws.Send(context.Background(), "broken", "x"))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []map[string]string{
		{"channel": "general", "text": "Steve joined the game"},
		{"channel": "broken", "text": "x"},
	}, got)

	require.False(t, WebhookSender{URL: "http://127.0.0.1:1"}.Send(context.Background(), "general", "x"))
}

func TestLogSender(t *testing.T) {
	require.True(t, LogSender{}.Send(context.Background(), "general", "hi"))
}
