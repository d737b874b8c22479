// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package dispatch

import "strings"

// AdminSet is an immutable set of caller identifiers allowed to run actions. The zero value is
// empty and admits nobody.
type AdminSet struct {
	ids map[string]struct{}
}

// NewAdminSet creates an [AdminSet] from ids. Surrounding whitespace is trimmed and empty ids are
// ignored.
func NewAdminSet(ids ...string) AdminSet {
	s := AdminSet{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			s.ids[id] = struct{}{}
		}
	}
	return s
}

// Contains reports whether id is an administrator.
func (s *AdminSet) Contains(id string) bool {
	if s == nil {
		return false
	}
	_, ok := s.ids[id]
	return ok
}

// Len returns the number of administrators.
func (s *AdminSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ids)
}
