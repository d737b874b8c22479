// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// Action is an administrative operation that maps onto one server command.
type Action string

const (
	ActionWhitelist Action = "whitelist"
	ActionBan       Action = "ban"
	ActionPardon    Action = "pardon"
	ActionKick      Action = "kick"
	ActionTempban   Action = "tempban"
	ActionBanlist   Action = "banlist"
	ActionList      Action = "list"
	ActionSay       Action = "say"
	ActionBroadcast Action = "broadcast"
)

// Actions lists every supported action in display order.
var Actions = []Action{
	ActionWhitelist,
	ActionBan,
	ActionPardon,
	ActionKick,
	ActionTempban,
	ActionBanlist,
	ActionList,
	ActionSay,
	ActionBroadcast,
}

// DefaultWhitelistPrefix is the vanilla whitelist command.
const DefaultWhitelistPrefix = "whitelist"

// tempbanDuration matches durations such as "30m", "1d12h", "2mo" or a bare number of seconds.
var tempbanDuration = regexp.MustCompile(`^(?:\d+(?:mo|[smhdwy])?)+$`)

// TextRun is one styled segment of a JSON text component.
type TextRun struct {
	Text  string `json:"text"`
	Color string `json:"color,omitempty"`
	Bold  bool   `json:"bold,omitempty"`
}

// Builder turns actions into command strings. The zero value targets a vanilla server.
type Builder struct {
	// WhitelistPrefix replaces "whitelist" in whitelist commands, for servers where a plugin such
	// as "swl" manages the whitelist.
	WhitelistPrefix string

	// BroadcastPrefix, when set, is prepended to broadcast messages as its own styled run.
	BroadcastPrefix string

	// BroadcastColor is the color of the prefix run. Defaults to gold.
	BroadcastColor string
}

// Build returns the command string for action. Arguments are validated before anything is
// assembled: player names must be a single token, and free text must fit on one line.
func (b Builder) Build(action Action, args ...string) (string, error) {
	switch action {
	case ActionWhitelist:
		return b.whitelist(args)

	case ActionBan, ActionPardon:
		if len(args) != 1 {
			return "", usage(action, "<player>")
		}
		return command(string(action), args[0])

	case ActionKick:
		if len(args) < 1 {
			return "", usage(action, "<player> [reason]")
		}
		return command("kick", args[0], strings.Join(nonEmpty(args[1:]), " "))

	case ActionTempban:
		rest := nonEmpty(args)
		if len(rest) < 1 || args[0] == "" {
			return "", usage(action, "<player> [duration] [reason]")
		}
		name, rest := rest[0], rest[1:]
		duration := ""
		if len(rest) > 0 && startsWithDigit(rest[0]) {
			if !tempbanDuration.MatchString(rest[0]) {
				return "", fmt.Errorf("%w: malformed duration %q", ErrInvalidArgument, rest[0])
			}
			duration, rest = rest[0], rest[1:]
		}
		return command("tempban", name, duration, strings.Join(rest, " "))

	case ActionBanlist:
		switch {
		case len(args) == 0:
			return "banlist", nil
		case len(args) == 1 && (args[0] == "players" || args[0] == "ips"):
			return "banlist " + args[0], nil
		}
		return "", usage(action, "[players|ips]")

	case ActionList:
		if len(args) != 0 {
			return "", usage(action, "")
		}
		return "list", nil

	case ActionSay, ActionBroadcast:
		text := strings.TrimSpace(strings.Join(args, " "))
		if text == "" {
			return "", usage(action, "<message>")
		}
		if err := checkText(text); err != nil {
			return "", err
		}
		var runs []TextRun
		if b.BroadcastPrefix != "" {
			color := b.BroadcastColor
			if color == "" {
				color = "gold"
			}
			runs = append(runs, TextRun{Text: b.BroadcastPrefix + " ", Color: color, Bold: true})
		}
		runs = append(runs, TextRun{Text: text})
		return Tellraw("@a", runs...)
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownAction, action)
}

func (b Builder) whitelist(args []string) (string, error) {
	prefix := b.WhitelistPrefix
	if prefix == "" {
		prefix = DefaultWhitelistPrefix
	}
	if len(args) == 0 {
		return "", usage(ActionWhitelist, "list|add|remove [player]")
	}

	switch op := args[0]; op {
	case "list":
		if len(args) != 1 {
			return "", usage(ActionWhitelist, "list")
		}
		return prefix + " list", nil
	case "add", "remove":
		if len(args) != 2 {
			return "", usage(ActionWhitelist, op+" <player>")
		}
		return command(prefix+" "+op, args[1])
	default:
		return "", fmt.Errorf("%w: unknown whitelist operation %q", ErrInvalidArgument, op)
	}
}

// BuildCommand builds the command for action on a server whose whitelist command is prefix.
func BuildCommand(prefix string, action Action, args ...string) (string, error) {
	return Builder{WhitelistPrefix: prefix}.Build(action, args...)
}

// Tellraw returns a tellraw command sending runs to target.
func Tellraw(target string, runs ...TextRun) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(runs); err != nil {
		return "", err
	}
	return "tellraw " + target + " " + strings.TrimSuffix(buf.String(), "\n"), nil
}

// command validates name and joins head, name and the non-empty extras with single spaces.
func command(head, name string, extras ...string) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	out := []string{head, name}
	for _, e := range extras {
		if e == "" {
			continue
		}
		if err := checkText(e); err != nil {
			return "", err
		}
		out = append(out, e)
	}
	return strings.Join(out, " "), nil
}

// nonEmpty returns args without empty elements.
func nonEmpty(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func startsWithDigit(s string) bool {
	return s != "" && s[0] >= '0' && s[0] <= '9'
}

func checkName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: missing player name", ErrInvalidArgument)
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: player name %q must be a single word", ErrInvalidArgument, name)
		}
	}
	return nil
}

func checkText(text string) error {
	if strings.ContainsAny(text, "\x00\r\n") {
		return fmt.Errorf("%w: text must be a single line without null bytes", ErrInvalidArgument)
	}
	return nil
}

func usage(action Action, synopsis string) error {
	return fmt.Errorf("%w: usage: %s", ErrInvalidArgument, strings.TrimSpace(string(action)+" "+synopsis))
}
