// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

// Package moderation classifies free text before it is relayed between a chat platform and a game
// server.
//
// Classification fails open: when a classifier cannot decide, or fails outright, the text is
// allowed through unchanged. Relaying is a convenience feature, and an unavailable classifier must
// not silence the channel.
package moderation

import (
	"context"
	"log/slog"
	"strings"
	"unicode"
)

// Verdict is the outcome of classifying a piece of text.
type Verdict int

const (
	Indeterminate Verdict = iota
	Allowed
	Disallowed
)

func (v Verdict) String() string {
	switch v {
	case Allowed:
		return "allowed"
	case Disallowed:
		return "disallowed"
	default:
		return "indeterminate"
	}
}

// Classifier decides whether text may be relayed.
type Classifier interface {
	Classify(ctx context.Context, text string) (Verdict, error)
}

// ClassifierFunc adapts a plain function to the [Classifier] interface.
type ClassifierFunc func(ctx context.Context, text string) (Verdict, error)

func (f ClassifierFunc) Classify(ctx context.Context, text string) (Verdict, error) {
	return f(ctx, text)
}

// Permits reports whether text may be relayed. Only an explicit [Disallowed] verdict blocks it; a
// nil classifier, an [Indeterminate] verdict and classifier errors all permit the text. Errors are
// logged at warn level when logger is not nil.
func Permits(ctx context.Context, c Classifier, text string, logger *slog.Logger) bool {
	if c == nil {
		return true
	}
	v, err := c.Classify(ctx, text)
	if err != nil {
		if logger != nil {
			logger.LogAttrs(ctx, slog.LevelWarn, "moderation failed, allowing text", slog.String("error", err.Error()))
		}
		return true
	}
	return v != Disallowed
}

// Blocklist disallows text containing any of its words. Matching is case-insensitive and works on
// whole words, so "class" does not match a blocked "ass".
type Blocklist struct {
	words map[string]struct{}
}

// NewBlocklist creates a [Blocklist] from words. Empty entries are ignored.
func NewBlocklist(words ...string) *Blocklist {
	b := &Blocklist{words: make(map[string]struct{}, len(words))}
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			b.words[w] = struct{}{}
		}
	}
	return b
}

// Classify returns [Disallowed] when text contains a blocked word and [Allowed] otherwise. An
// empty blocklist has no opinion and returns [Indeterminate].
func (b *Blocklist) Classify(_ context.Context, text string) (Verdict, error) {
	if len(b.words) == 0 {
		return Indeterminate, nil
	}
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, f := range fields {
		if _, ok := b.words[f]; ok {
			return Disallowed, nil
		}
	}
	return Allowed, nil
}
