// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

// Package dispatch maps administrative actions onto server console commands, runs them through an
// [rcon.Commander] and cleans the output for display.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/schultz-is/rcon-admin"
	"github.com/schultz-is/rcon-admin/moderation"
)

var (
	// ErrUnknownAction is returned for actions the dispatcher does not know.
	ErrUnknownAction = errors.New("dispatch: unknown action")

	// ErrInvalidArgument is returned when an action's arguments are missing or malformed.
	ErrInvalidArgument = errors.New("dispatch: invalid argument")

	// ErrForbidden is returned when the caller is not in the administrator set.
	ErrForbidden = errors.New("dispatch: caller is not an administrator")

	// ErrDisallowed is returned when moderation rejected a broadcast message.
	ErrDisallowed = errors.New("dispatch: message rejected by moderation")
)

// KindOf names the failure class of err for presentation to callers: "forbidden", "usage",
// "disallowed", one of the [rcon.ErrorKind] names, or "internal". It returns "" for a nil error.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrUnknownAction):
		return "usage"
	case errors.Is(err, ErrDisallowed):
		return "disallowed"
	}
	if k := rcon.KindOf(err); k != 0 {
		return k.String()
	}
	return "internal"
}

// Config contains settings to control a [Dispatcher].
type Config struct {
	Builder

	// Admins is the initial administrator set consulted by [Dispatcher.RunAs].
	Admins AdminSet

	// Moderation, when set, vets broadcast text before it is sent to the server.
	Moderation moderation.Classifier

	// Logger receives log entries from the dispatcher.
	Logger *slog.Logger
}

// Dispatcher runs actions against a game server. It performs no retries: every failure is returned
// to the caller.
type Dispatcher struct {
	cmd    rcon.Commander
	cfg    Config
	admins atomic.Pointer[AdminSet]
}

// New creates a [Dispatcher] that executes commands through cmd.
func New(cmd rcon.Commander, cfg Config) *Dispatcher {
	d := &Dispatcher{cmd: cmd, cfg: cfg}
	d.SetAdmins(cfg.Admins)
	return d
}

// SetAdmins replaces the administrator set. It is safe to call while actions are running.
func (d *Dispatcher) SetAdmins(admins AdminSet) {
	d.admins.Store(&admins)
}

// IsAdmin reports whether callerID is in the current administrator set.
func (d *Dispatcher) IsAdmin(callerID string) bool {
	return d.admins.Load().Contains(callerID)
}

// Command returns the command string action would run, without running it.
func (d *Dispatcher) Command(action Action, args ...string) (string, error) {
	return d.cfg.Builder.Build(action, args...)
}

// Run builds the command for action, executes it and returns the output with formatting codes
// removed.
func (d *Dispatcher) Run(ctx context.Context, action Action, args ...string) (string, error) {
	cmd, err := d.Command(action, args...)
	if err != nil {
		return "", err
	}

	if action == ActionSay || action == ActionBroadcast {
		text := strings.Join(args, " ")
		if !moderation.Permits(ctx, d.cfg.Moderation, text, d.cfg.Logger) {
			return "", ErrDisallowed
		}
	}

	d.log(ctx, slog.LevelDebug, "running action", slog.String("action", string(action)), slog.String("command", cmd))
	out, err := d.cmd.Execute(ctx, cmd)
	if err != nil {
		return "", err
	}
	return StripColors(out), nil
}

// RunAs is [Dispatcher.Run] guarded by an administrator check on callerID.
func (d *Dispatcher) RunAs(ctx context.Context, callerID string, action Action, args ...string) (string, error) {
	if !d.IsAdmin(callerID) {
		d.log(ctx, slog.LevelWarn, "rejected action from non-admin", slog.String("caller", callerID), slog.String("action", string(action)))
		return "", ErrForbidden
	}
	d.log(ctx, slog.LevelInfo, "admin action", slog.String("caller", callerID), slog.String("action", string(action)))
	return d.Run(ctx, action, args...)
}

// Raw executes a console command verbatim and strips formatting codes from the output. It is meant
// for operator tooling; callers are responsible for authorization.
func (d *Dispatcher) Raw(ctx context.Context, command string) (string, error) {
	if err := checkText(command); err != nil {
		return "", err
	}
	out, err := d.cmd.Execute(ctx, command)
	if err != nil {
		return "", err
	}
	return StripColors(out), nil
}

func (d *Dispatcher) log(ctx context.Context, level slog.Level, msg string, attrs ...slog.Attr) {
	if d.cfg.Logger == nil {
		return
	}
	d.cfg.Logger.LogAttrs(ctx, level, msg, attrs...)
}
