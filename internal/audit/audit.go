// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

// Package audit records administrative actions in a SQLite database.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// MaxRecent bounds the number of entries [Store.Recent] returns.
const MaxRecent = 500

// Entry is one recorded action.
type Entry struct {
	ID      string    `json:"id"`
	At      time.Time `json:"at"`
	Caller  string    `json:"caller"`
	Action  string    `json:"action"`
	Args    []string  `json:"args"`
	Command string    `json:"command,omitempty"`
	Result  string    `json:"result,omitempty"`

	// Kind is the failure class of the action, empty on success.
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error,omitempty"`
}

// Store is an audit log backed by SQLite.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id      TEXT PRIMARY KEY,
	at      INTEGER NOT NULL,
	caller  TEXT NOT NULL,
	action  TEXT NOT NULL,
	args    TEXT NOT NULL,
	command TEXT NOT NULL DEFAULT '',
	result  TEXT NOT NULL DEFAULT '',
	kind    TEXT NOT NULL DEFAULT '',
	error   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS audit_log_at ON audit_log (at);
`

// Open opens the SQLite database at path, creating the schema if needed. The path ":memory:" opens
// a private in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	if path == ":memory:" {
		// Every connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// dsn appends the connection parameters to path, which may already carry parameters of its own.
func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_busy_timeout=5000"
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores e, assigning an ID and timestamp when they are unset, and returns the stored entry.
func (s *Store) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	e.At = e.At.UTC()
	if e.Args == nil {
		e.Args = []string{}
	}

	args, err := json.Marshal(e.Args)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: encode args: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, at, caller, action, args, command, result, kind, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.At.UnixNano(), e.Caller, e.Action, string(args), e.Command, e.Result, e.Kind, e.Error,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: insert entry: %w", err)
	}
	return e, nil
}

// Recent returns up to limit entries, newest first. A limit outside 1..[MaxRecent] is clamped.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > MaxRecent {
		limit = MaxRecent
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, caller, action, args, command, result, kind, error
		 FROM audit_log ORDER BY at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e    Entry
			at   int64
			args string
		)
		if err := rows.Scan(&e.ID, &at, &e.Caller, &e.Action, &args, &e.Command, &e.Result, &e.Kind, &e.Error); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		e.At = time.Unix(0, at).UTC()
		if err := json.Unmarshal([]byte(args), &e.Args); err != nil {
			return nil, fmt.Errorf("audit: decode args of %s: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: query entries: %w", err)
	}
	return entries, nil
}
