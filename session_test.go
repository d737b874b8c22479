// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package rcon_test

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/schultz-is/rcon-admin"
)

// pipe runs serve as the server end of an in-memory connection and returns the client end. Both
// ends are closed, and serve is waited for, when the test finishes.
func pipe(t *testing.T, serve func(sc net.Conn)) net.Conn {
	t.Helper()
	cc, sc := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		serve(sc)
	}()
	t.Cleanup(func() {
		_ = cc.Close()
		_ = sc.Close()
		<-done
	})
	return cc
}

func readPacket(t *testing.T, conn net.Conn) (rcon.Packet, bool) {
	var p rcon.Packet
	if _, err := p.ReadFrom(conn); err != nil {
		return p, false
	}
	return p, true
}

func writePacket(t *testing.T, conn net.Conn, p rcon.Packet) {
	if _, err := p.WriteTo(conn); err != nil {
		t.Errorf("Failed to write packet to client: %s", err)
	}
}

// loggedIn returns a session that has completed the login exchange, after which serve takes over
// the server end.
func loggedIn(t *testing.T, cfg rcon.Config, serve func(sc net.Conn)) *rcon.Session {
	t.Helper()
	cc := pipe(t, func(sc net.Conn) {
		req, ok := readPacket(t, sc)
		if !ok {
			t.Error("Failed to read auth request packet from client")
			return
		}
		writePacket(t, sc, rcon.Packet{ID: req.ID, Type: rcon.PacketTypeAuthResponse})
		serve(sc)
	})

	s := rcon.NewSession(cc, cfg)
	if err := s.Login(context.Background()); err != nil {
		t.Fatalf("Session login failed: %s", err)
	}
	return s
}

func TestSessionLogin(t *testing.T) {
	t.Run(
		"successful auth",
		func(t *testing.T) {
			var got rcon.Packet
			cc := pipe(t, func(sc net.Conn) {
				got, _ = readPacket(t, sc)
				writePacket(t, sc, rcon.Packet{ID: 0, Type: rcon.PacketTypeAuthResponse})
			})

			s := rcon.NewSession(cc, rcon.Config{Password: "secret"})
			if s.State() != rcon.StateConnecting {
				t.Fatalf("New session state, got: %s, want: %s", s.State(), rcon.StateConnecting)
			}

			err := s.Login(context.Background())
			if err != nil {
				t.Fatalf("Session login failed: %s", err)
			}
			if s.State() != rcon.StateAuthenticated {
				t.Fatalf("Session state, got: %s, want: %s", s.State(), rcon.StateAuthenticated)
			}

			want := rcon.Packet{ID: 0, Type: rcon.PacketTypeAuth, Body: []byte("secret")}
			if !got.EqualTo(want) {
				t.Fatalf("Auth request mismatch, got: %#v, want: %#v", got, want)
			}
		},
	)

	for _, typ := range []int32{rcon.PacketTypeAuthResponse, rcon.PacketTypeResponseValue, 17} {
		t.Run(
			"auth failure with type "+strconv.Itoa(int(typ)),
			func(t *testing.T) {
				cc := pipe(t, func(sc net.Conn) {
					if _, ok := readPacket(t, sc); ok {
						writePacket(t, sc, rcon.Packet{ID: -1, Type: typ})
					}
				})

				s := rcon.NewSession(cc, rcon.Config{Password: "wrong"})
				err := s.Login(context.Background())
				if !errors.Is(err, rcon.ErrAuth) {
					t.Fatalf("Login with a rejected password, got: %v, want an auth error", err)
				}
				if errors.Is(err, rcon.ErrConnect) || errors.Is(err, rcon.ErrTimeout) {
					t.Fatalf("Auth error matched another kind: %v", err)
				}
				if s.State() != rcon.StateAuthFailed {
					t.Fatalf("Session state, got: %s, want: %s", s.State(), rcon.StateAuthFailed)
				}
			},
		)
	}

	t.Run(
		"auth preamble is taken as the result by default",
		func(t *testing.T) {
			cc := pipe(t, func(sc net.Conn) {
				if _, ok := readPacket(t, sc); ok {
					writePacket(t, sc, rcon.Packet{ID: 0, Type: rcon.PacketTypeResponseValue})
					// The real auth result is never read by the client; the write fails once the
					// pipe is closed.
					_, _ = rcon.Packet{ID: -1, Type: rcon.PacketTypeAuthResponse}.WriteTo(sc)
				}
			})

			s := rcon.NewSession(cc, rcon.Config{})
			if err := s.Login(context.Background()); err != nil {
				t.Fatalf("Session login failed: %s", err)
			}
			_ = s.Close()
		},
	)

	t.Run(
		"auth preamble is skipped when tolerated",
		func(t *testing.T) {
			cc := pipe(t, func(sc net.Conn) {
				if _, ok := readPacket(t, sc); ok {
					writePacket(t, sc, rcon.Packet{ID: 0, Type: rcon.PacketTypeResponseValue})
					writePacket(t, sc, rcon.Packet{ID: -1, Type: rcon.PacketTypeAuthResponse})
				}
			})

			s := rcon.NewSession(cc, rcon.Config{TolerateAuthPreamble: true})
			if err := s.Login(context.Background()); !errors.Is(err, rcon.ErrAuth) {
				t.Fatalf("Login after a preamble, got: %v, want an auth error", err)
			}
		},
	)

	t.Run(
		"server hangs up during auth",
		func(t *testing.T) {
			cc := pipe(t, func(sc net.Conn) {
				_, _ = readPacket(t, sc)
				_ = sc.Close()
			})

			s := rcon.NewSession(cc, rcon.Config{})
			if err := s.Login(context.Background()); !errors.Is(err, rcon.ErrProtocol) {
				t.Fatalf("Login against a closed server, got: %v, want a protocol error", err)
			}
		},
	)

	t.Run(
		"auth timeout",
		func(t *testing.T) {
			cc := pipe(t, func(sc net.Conn) {
				// Read the auth request and never answer.
				_, _ = readPacket(t, sc)
			})

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			s := rcon.NewSession(cc, rcon.Config{})
			err := s.Login(ctx)
			if !errors.Is(err, rcon.ErrTimeout) {
				t.Fatalf("Login against a silent server, got: %v, want a timeout error", err)
			}
			if errors.Is(err, rcon.ErrAuth) {
				t.Fatalf("Timeout matched the auth kind: %v", err)
			}
		},
	)

	t.Run(
		"cancellation during auth",
		func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			cc := pipe(t, func(sc net.Conn) {
				_, _ = readPacket(t, sc)
				cancel()
			})

			s := rcon.NewSession(cc, rcon.Config{})
			if err := s.Login(ctx); !errors.Is(err, rcon.ErrCanceled) {
				t.Fatalf("Canceled login, got: %v, want a canceled error", err)
			}
		},
	)

	t.Run(
		"login twice",
		func(t *testing.T) {
			s := loggedIn(t, rcon.Config{}, func(net.Conn) {})
			if err := s.Login(context.Background()); err == nil {
				t.Fatal("Second login unexpectedly succeeded")
			}
		},
	)

	t.Run(
		"outbound auth packets are sanitized",
		func(t *testing.T) {
			password := "password"
			cc := pipe(t, func(sc net.Conn) {
				if _, ok := readPacket(t, sc); ok {
					writePacket(t, sc, rcon.Packet{ID: 0, Type: rcon.PacketTypeAuthResponse})
				}
			})

			s := rcon.NewSession(cc, rcon.Config{
				Password: password,
				Logger:   slog.New(&testLogger{t, password}),
			})
			if err := s.Login(context.Background()); err != nil {
				t.Fatalf("Failed to authorize: %s", err)
			}
		},
	)
}

func TestSessionExec(t *testing.T) {
	t.Run(
		"successful exec command",
		func(t *testing.T) {
			var got rcon.Packet
			s := loggedIn(t, rcon.Config{}, func(sc net.Conn) {
				got, _ = readPacket(t, sc)
				writePacket(t, sc, rcon.Packet{ID: got.ID, Type: rcon.PacketTypeResponseValue, Body: []byte("There are 0 of a max of 20 players online: ")})
			})

			resp, err := s.Exec(context.Background(), "list")
			if err != nil {
				t.Fatalf("Session exec failed: %s", err)
			}
			if resp.Body != "There are 0 of a max of 20 players online: " {
				t.Fatalf("Exec response mismatch, got: %q", resp.Body)
			}
			if got.Type != rcon.PacketTypeExecCommand || string(got.Body) != "list" || got.ID != resp.ID {
				t.Fatalf("Unexpected exec request: %#v", got)
			}
			if got.ID == 0 {
				t.Fatal("Exec request reused the login request ID")
			}
		},
	)

	t.Run(
		"unauthenticated exec command",
		func(t *testing.T) {
			cc := pipe(t, func(net.Conn) {})
			s := rcon.NewSession(cc, rcon.Config{})

			_, err := s.Exec(context.Background(), "list")
			if !errors.Is(err, rcon.ErrNotAuthenticated) {
				t.Fatalf("Unauthenticated exec, got: %v, want: %v", err, rcon.ErrNotAuthenticated)
			}
		},
	)

	t.Run(
		"response id mismatch",
		func(t *testing.T) {
			s := loggedIn(t, rcon.Config{}, func(sc net.Conn) {
				req, _ := readPacket(t, sc)
				writePacket(t, sc, rcon.Packet{ID: req.ID + 100, Type: rcon.PacketTypeResponseValue, Body: []byte("not yours")})
			})

			_, err := s.Exec(context.Background(), "list")
			if !errors.Is(err, rcon.ErrProtocol) {
				t.Fatalf("Mismatched response, got: %v, want a protocol error", err)
			}
		},
	)

	t.Run(
		"responses are truncated to one frame by default",
		func(t *testing.T) {
			s := loggedIn(t, rcon.Config{}, func(sc net.Conn) {
				req, _ := readPacket(t, sc)
				writePacket(t, sc, rcon.Packet{ID: req.ID, Body: []byte("first")})
				_, _ = rcon.Packet{ID: req.ID, Body: []byte("second")}.WriteTo(sc)
			})

			resp, err := s.Exec(context.Background(), "banlist")
			if err != nil {
				t.Fatalf("Session exec failed: %s", err)
			}
			if resp.Body != "first" {
				t.Fatalf("Exec response, got: %q, want: %q", resp.Body, "first")
			}
			_ = s.Close()
		},
	)

	t.Run(
		"multi packet reassembly",
		func(t *testing.T) {
			s := loggedIn(t, rcon.Config{MultiPacket: true}, func(sc net.Conn) {
				req, _ := readPacket(t, sc)
				sentinel, _ := readPacket(t, sc)
				if sentinel.Type != rcon.PacketTypeResponseValue || len(sentinel.Body) != 0 || sentinel.ID == req.ID {
					t.Errorf("Unexpected sentinel packet: %#v", sentinel)
				}
				writePacket(t, sc, rcon.Packet{ID: req.ID, Body: []byte("There are 3 bans: ")})
				writePacket(t, sc, rcon.Packet{ID: req.ID, Body: []byte("Steve, Alex, Herobrine")})
				writePacket(t, sc, rcon.Packet{ID: sentinel.ID, Body: []byte("Unknown request 0")})
			})

			resp, err := s.Exec(context.Background(), "banlist")
			if err != nil {
				t.Fatalf("Session exec failed: %s", err)
			}
			if want := "There are 3 bans: Steve, Alex, Herobrine"; resp.Body != want {
				t.Fatalf("Exec response, got: %q, want: %q", resp.Body, want)
			}
		},
	)

	t.Run(
		"read from a closed conn",
		func(t *testing.T) {
			s := loggedIn(t, rcon.Config{}, func(sc net.Conn) {
				_, _ = readPacket(t, sc)
				_ = sc.Close()
			})

			_, err := s.Exec(context.Background(), "list")
			if !errors.Is(err, rcon.ErrProtocol) {
				t.Fatalf("Read from a closed connection, got: %v, want a protocol error", err)
			}
		},
	)

	t.Run(
		"write to a closed conn",
		func(t *testing.T) {
			s := loggedIn(t, rcon.Config{}, func(net.Conn) {})
			if err := s.Close(); err != nil {
				t.Fatalf("Problem closing session: %s", err)
			}
			if err := s.Close(); err != nil {
				t.Fatalf("Second close returned an error: %s", err)
			}
			if s.State() != rcon.StateDisconnected {
				t.Fatalf("Session state, got: %s, want: %s", s.State(), rcon.StateDisconnected)
			}

			if _, err := s.Exec(context.Background(), "list"); err == nil {
				t.Fatal("Exec on a closed session unexpectedly succeeded")
			}
		},
	)

	t.Run(
		"consecutive ids",
		func(t *testing.T) {
			var ids []int32
			s := loggedIn(t, rcon.Config{}, func(sc net.Conn) {
				for i := 0; i < 3; i++ {
					req, ok := readPacket(t, sc)
					if !ok {
						return
					}
					ids = append(ids, req.ID)
					writePacket(t, sc, rcon.Packet{ID: req.ID})
				}
			})

			for i := 0; i < 3; i++ {
				if _, err := s.Exec(context.Background(), "list"); err != nil {
					t.Fatalf("Session exec failed: %s", err)
				}
			}
			if len(ids) != 3 || ids[0] != 1 || ids[1] != 2 || ids[2] != 3 {
				t.Fatalf("Request ids, got: %v, want: [1 2 3]", ids)
			}
		},
	)
}

func TestErrorKinds(t *testing.T) {
	err := &rcon.Error{Kind: rcon.KindTimeout, Op: "exec", Err: context.DeadlineExceeded}
	if !errors.Is(err, rcon.ErrTimeout) || errors.Is(err, rcon.ErrAuth) {
		t.Fatalf("Kind matching is wrong for %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("Error does not unwrap to its cause")
	}
	if got := rcon.KindOf(err); got != rcon.KindTimeout {
		t.Fatalf("KindOf, got: %s, want: %s", got, rcon.KindTimeout)
	}
	if got := rcon.KindOf(errors.New("plain")); got != 0 {
		t.Fatalf("KindOf for a plain error, got: %s", got)
	}
	if msg := err.Error(); msg != "rcon: exec: timeout error: context deadline exceeded" {
		t.Fatalf("Error message, got: %q", msg)
	}
}

type testLogger struct {
	t        *testing.T
	password string
}

func (l *testLogger) Enabled(_ context.Context, _ slog.Level) bool { return true }
func (l *testLogger) WithAttrs(_ []slog.Attr) slog.Handler         { return l }
func (l *testLogger) WithGroup(_ string) slog.Handler              { return l }

func (l *testLogger) Handle(_ context.Context, r slog.Record) error {
	r.Attrs(func(a slog.Attr) bool {
		if strings.Contains(a.Value.String(), hex.EncodeToString([]byte(l.password))) {
			l.t.Error("Outbound authorization packet was not scrubbed from logs")
		}
		return true
	})
	return nil
}
