// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package rcon

import (
	"context"
	"log/slog"
	"net"
	"time"
)

// DefaultTimeout is the default amount of time allowed for a complete command execution: connect,
// login, request and response.
const DefaultTimeout = 15 * time.Second

// Commander executes a single command against a game server and returns its textual output.
type Commander interface {
	Execute(ctx context.Context, command string) (string, error)
}

// Config contains settings to control [Session] and [Executor] instances.
type Config struct {
	// Address is the host:port of the RCON server.
	Address string

	// Password is sent in the login request.
	Password string

	// Timeout limits the whole of an [Executor.Execute] call. A value of zero will inform the
	// executor to use the [DefaultTimeout].
	Timeout time.Duration

	// MultiPacket enables reassembly of replies that span several frames. See [Session.Exec].
	MultiPacket bool

	// TolerateAuthPreamble skips one empty response value frame that some servers send before the
	// auth reply. See [Session.Login].
	TolerateAuthPreamble bool

	// Dial opens the transport connection. When nil, a [net.Dialer] is used.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)

	// Logger receives log entries from sessions and executors.
	Logger *slog.Logger

	// LogOutboundAuthPackets is a flag that must be explicitly enabled. This field enables debug
	// logging to include outbound authorization request packets, exposing server passwords in
	// plaintext. When this field is false (the default value,) outbound authorization packets will
	// be sanitized to hide both the password text and packet length.
	//
	// WARNING: Only enable this flag if you are aware of the implications and are willing to accept
	// the risks!
	LogOutboundAuthPackets bool
}

// Executor runs every command on a fresh, single-use [Session]. Executors hold no connection
// state, so one executor may serve any number of concurrent calls.
type Executor struct {
	cfg Config
}

var _ Commander = (*Executor)(nil)

// NewExecutor creates an [Executor] configured by cfg.
func NewExecutor(cfg Config) *Executor {
	return &Executor{cfg: cfg}
}

// Execute dials the server, logs in, sends command and returns the reply text. The whole exchange
// is bounded by the configured timeout in addition to any deadline on ctx, and the connection is
// closed before Execute returns, however the call ends.
func (e *Executor) Execute(ctx context.Context, command string) (string, error) {
	timeout := e.cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out, err := e.execute(ctx, command)
	if e.cfg.Logger != nil {
		attrs := []slog.Attr{
			slog.String("addr", e.cfg.Address),
			slog.Duration("elapsed", time.Since(start)),
		}
		if err != nil {
			attrs = append(attrs, slog.String("kind", KindOf(err).String()), slog.String("error", err.Error()))
			e.cfg.Logger.LogAttrs(ctx, slog.LevelWarn, "rcon command failed", attrs...)
		} else {
			e.cfg.Logger.LogAttrs(ctx, slog.LevelDebug, "rcon command executed", attrs...)
		}
	}
	return out, err
}

func (e *Executor) execute(ctx context.Context, command string) (string, error) {
	s, err := Dial(ctx, e.cfg)
	if err != nil {
		return "", err
	}
	defer s.Close()

	if err := s.Login(ctx); err != nil {
		return "", err
	}

	resp, err := s.Exec(ctx, command)
	if err != nil {
		return "", err
	}
	return resp.Body, nil
}

// Execute is a convenience wrapper running command through a one-off [Executor].
func Execute(ctx context.Context, cfg Config, command string) (string, error) {
	return NewExecutor(cfg).Execute(ctx, command)
}
