// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package dispatch

import "strings"

// formatMarker introduces a two character Minecraft formatting code such as "§a" or "§r".
const formatMarker = '§'

// StripColors removes Minecraft formatting codes from s. Each section sign is removed together with
// the character following it; a section sign at the very end is dropped on its own.
func StripColors(s string) string {
	if !strings.ContainsRune(s, formatMarker) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	skip := false
	for _, r := range s {
		switch {
		case skip:
			skip = false
		case r == formatMarker:
			skip = true
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
