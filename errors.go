// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package rcon

import (
	"context"
	"errors"
	"io"
	"net"
)

// ErrorKind classifies failures surfaced by sessions and executors so that callers can tell an
// unreachable server apart from a rejected password or a misbehaving peer.
type ErrorKind int

const (
	// KindConnect means the TCP connection could not be established.
	KindConnect ErrorKind = iota + 1

	// KindAuth means the server rejected the password.
	KindAuth

	// KindProtocol means the server sent a malformed or unexpected frame, or hung up mid-exchange.
	KindProtocol

	// KindTimeout means the caller's time bound elapsed before the exchange completed.
	KindTimeout

	// KindCanceled means the caller's context was canceled before the exchange completed.
	KindCanceled
)

// String returns the short lowercase name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindAuth:
		return "auth"
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Sentinel errors for use with [errors.Is]. Any [*Error] matches the sentinel of its kind.
var (
	ErrConnect  = &Error{Kind: KindConnect}
	ErrAuth     = &Error{Kind: KindAuth}
	ErrProtocol = &Error{Kind: KindProtocol}
	ErrTimeout  = &Error{Kind: KindTimeout}
	ErrCanceled = &Error{Kind: KindCanceled}
)

// ErrNotAuthenticated is returned when a command is attempted on a session that has not completed
// a successful login.
var ErrNotAuthenticated = errors.New("rcon: session not authenticated")

// Error is a classified RCON failure.
type Error struct {
	// Kind is the failure class.
	Kind ErrorKind

	// Op names the step that failed, such as "dial", "auth" or "exec".
	Op string

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	msg := "rcon: " + e.Kind.String() + " error"
	if e.Op != "" {
		msg = "rcon: " + e.Op + ": " + e.Kind.String() + " error"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an [*Error] of the same kind. This lets the package sentinels match
// any error of their class.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the [ErrorKind] of err, or zero when err is not a classified RCON error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func protocolError(op string, err error) error {
	return &Error{Kind: KindProtocol, Op: op, Err: err}
}

// classify wraps an I/O error raised during op. Context state wins over the raw error because an
// expired or canceled context is what forced the connection deadline in the first place.
func classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	case errors.Is(ctx.Err(), context.Canceled):
		return &Error{Kind: KindCanceled, Op: op, Err: err}
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	if errors.Is(err, io.EOF) {
		return &Error{Kind: KindProtocol, Op: op, Err: errors.New("connection closed by server")}
	}
	return &Error{Kind: KindProtocol, Op: op, Err: err}
}
