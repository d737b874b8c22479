// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// ChatSender delivers text to a chat channel. Send reports whether delivery succeeded.
type ChatSender interface {
	Send(ctx context.Context, channelID, text string) bool
}

// LogSender writes messages to a logger instead of a chat platform.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(ctx context.Context, channelID, text string) bool {
	if s.Logger == nil {
		return true
	}
	s.Logger.LogAttrs(ctx, slog.LevelInfo, "relay", slog.String("channel", channelID), slog.String("text", text))
	return true
}

// WebhookSender POSTs each message as {"channel": ..., "text": ...} to URL.
type WebhookSender struct {
	URL string

	// Client defaults to a client with a ten second timeout.
	Client *http.Client
}

var defaultWebhookClient = &http.Client{Timeout: 10 * time.Second}

func (s WebhookSender) Send(ctx context.Context, channelID, text string) bool {
	body, err := json.Marshal(struct {
		Channel string `json:"channel"`
		Text    string `json:"text"`
	}{channelID, text})
	if err != nil {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = defaultWebhookClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
