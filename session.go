// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package rcon

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// SessionState is the authentication state of a [Session].
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateAwaitingAuthResult
	StateAuthenticated
	StateAuthFailed
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingAuthResult:
		return "awaiting-auth-result"
	case StateAuthenticated:
		return "authenticated"
	case StateAuthFailed:
		return "auth-failed"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// Response is the decoded reply to a command.
type Response struct {
	// ID is the request ID the reply was correlated with.
	ID int32

	// Body is the reply text. Invalid UTF-8 has been replaced rather than rejected.
	Body string
}

// Session is a single RCON connection. It is created immediately before a command, authenticated,
// used for one request and response exchange, and closed. Sessions are owned by exactly one
// caller and must not be shared between goroutines.
//
// While the RCON protocol specifies transport over TCP, a session can run over anything that
// satisfies the [net.Conn] interface, for example a [crypto/tls.Conn] when the server sits behind
// a TLS terminator, or one end of a [net.Pipe] in tests.
//
// RCON does not specify any keep alive functionality, so every blocking operation is bounded by
// the deadline of the context passed to it.
type Session struct {
	// seq tracks the packet ID handed out to the next command. Zero is reserved for the login
	// request, so this is a positive value up to [math.MaxInt32] inclusive.
	seq atomic.Int32

	conn  net.Conn
	state SessionState

	password string
	cfg      Config

	closeOnce sync.Once
	closeErr  error
}

// Dial opens a TCP connection to the configured server and returns a session in the
// [StateConnecting] state. Failures to connect are reported as [KindConnect] unless the context
// expired first, which is reported as [KindTimeout] or [KindCanceled].
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	dial := cfg.Dial
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}

	conn, err := dial(ctx, "tcp", cfg.Address)
	if err != nil {
		kind := KindConnect
		var ne net.Error
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			kind = KindTimeout
		case errors.Is(ctx.Err(), context.Canceled):
			kind = KindCanceled
		case errors.As(err, &ne) && ne.Timeout():
			kind = KindTimeout
		}
		return nil, &Error{Kind: kind, Op: "dial", Err: err}
	}

	return NewSession(conn, cfg), nil
}

// NewSession wraps an already established conn. The returned session is in the [StateConnecting]
// state and must be logged in before commands can be executed.
//
// Once a conn is provided to a NewSession call, the conn should not be used outside of the
// session in order to ensure reliable message delivery.
func NewSession(conn net.Conn, cfg Config) *Session {
	s := &Session{
		conn:     conn,
		state:    StateConnecting,
		password: cfg.Password,
		cfg:      cfg,
	}
	s.seq.Store(1)
	return s
}

// State returns the current authentication state.
func (s *Session) State() SessionState {
	return s.state
}

// Close closes the underlying connection. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
		s.state = StateDisconnected
	})
	return s.closeErr
}

// Login sends the password and reads exactly one reply. A reply carrying [AuthFailedID] moves the
// session to [StateAuthFailed] and yields a [KindAuth] error, whatever the reply's type.
//
// Some servers send an empty [PacketTypeResponseValue] packet ahead of the auth reply. That frame
// is only skipped when [Config.TolerateAuthPreamble] is set; otherwise it is taken as the auth
// result.
func (s *Session) Login(ctx context.Context) error {
	if s.state != StateConnecting {
		return fmt.Errorf("rcon: cannot log in from state %s", s.state)
	}
	defer s.bind(ctx)()

	req := Packet{
		ID:   0,
		Type: PacketTypeAuth,
		Body: []byte(s.password),
	}
	if err := s.send(ctx, "auth", req); err != nil {
		return err
	}
	s.state = StateAwaitingAuthResult

	resp, err := s.receive(ctx, "auth")
	if err != nil {
		return err
	}
	if s.cfg.TolerateAuthPreamble && resp.Type == PacketTypeResponseValue && resp.ID != AuthFailedID {
		resp, err = s.receive(ctx, "auth")
		if err != nil {
			return err
		}
	}

	if resp.ID == AuthFailedID {
		s.state = StateAuthFailed
		return &Error{Kind: KindAuth, Op: "auth", Err: errors.New("password rejected")}
	}

	s.state = StateAuthenticated
	s.log(ctx, slog.LevelDebug, "session authenticated")
	return nil
}

// Exec sends command as a single [PacketTypeExecCommand] packet and returns the decoded reply. The
// session must be authenticated.
//
// By default exactly one reply frame is read, so output the server splits across several frames
// is truncated to the first. With [Config.MultiPacket] set, an empty [PacketTypeResponseValue]
// packet is sent right after the command; servers process requests in order, so every frame
// received before the echo of that sentinel belongs to the command's output.
func (s *Session) Exec(ctx context.Context, command string) (Response, error) {
	if s.state != StateAuthenticated {
		return Response{}, ErrNotAuthenticated
	}
	defer s.bind(ctx)()

	id := s.loadAndIncrementSeq()
	req := Packet{
		ID:   id,
		Type: PacketTypeExecCommand,
		Body: []byte(command),
	}
	if err := s.send(ctx, "exec", req); err != nil {
		return Response{}, err
	}

	sentinel := int32(AuthFailedID)
	if s.cfg.MultiPacket {
		sentinel = s.loadAndIncrementSeq()
		if err := s.send(ctx, "exec", Packet{ID: sentinel, Type: PacketTypeResponseValue}); err != nil {
			return Response{}, err
		}
	}

	resp, err := s.receive(ctx, "exec")
	if err != nil {
		return Response{}, err
	}
	if resp.ID != id {
		return Response{}, protocolError("exec", fmt.Errorf("response id %d does not match request id %d", resp.ID, id))
	}
	if !s.cfg.MultiPacket {
		return Response{ID: id, Body: resp.Text()}, nil
	}

	body := resp.Body
	for {
		next, err := s.receive(ctx, "exec")
		if err != nil {
			return Response{}, err
		}
		if next.ID == sentinel {
			break
		}
		if next.ID != id {
			return Response{}, protocolError("exec", fmt.Errorf("response id %d does not match request id %d", next.ID, id))
		}
		body = append(body, next.Body...)
	}
	return Response{ID: id, Body: Packet{Body: body}.Text()}, nil
}

// bind ties blocking I/O on the connection to ctx: the context deadline becomes the connection
// deadline, and cancellation expires the deadline immediately so that pending reads and writes
// return. The returned function detaches the context again.
func (s *Session) bind(ctx context.Context) func() {
	dl, _ := ctx.Deadline()
	_ = s.conn.SetDeadline(dl)
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetDeadline(time.Unix(1, 0))
	})
	return func() { stop() }
}

func (s *Session) send(ctx context.Context, op string, p Packet) error {
	s.logPacket(ctx, "sending packet", p)
	if _, err := p.WriteTo(s.conn); err != nil {
		return classify(ctx, op, err)
	}
	return nil
}

func (s *Session) receive(ctx context.Context, op string) (Packet, error) {
	var p Packet
	if _, err := p.ReadFrom(s.conn); err != nil {
		return Packet{}, classify(ctx, op, err)
	}
	s.logPacket(ctx, "received packet", p)
	return p, nil
}

// loadAndIncrementSeq returns and then increments the receiving session's seq, wrapping around to
// one when [math.MaxInt32] is reached.
func (s *Session) loadAndIncrementSeq() int32 {
	var seq int32
	swapped := false
	for !swapped {
		seq = s.seq.Load()
		switch {
		case seq < 1:
			swapped = s.seq.CompareAndSwap(seq, 2)
			seq = 1

		case seq == math.MaxInt32:
			swapped = s.seq.CompareAndSwap(seq, 1)

		default:
			swapped = s.seq.CompareAndSwap(seq, seq+1)
		}
	}
	return seq
}

func (s *Session) log(ctx context.Context, level slog.Level, msg string, attrs ...slog.Attr) {
	if s.cfg.Logger == nil {
		return
	}
	attrs = append(attrs, slog.String("addr", s.cfg.Address))
	s.cfg.Logger.LogAttrs(ctx, level, msg, attrs...)
}

// logPacket sends a log record containing the provided log message and packet to the session's
// logger for handling. When the logger is nil or is not level set for debug records, this function
// is essentially a NOP. If the provided packet is an outbound authorization packet, its body and
// length are obfuscated to prevent leaking a plaintext password into logs.
func (s *Session) logPacket(ctx context.Context, logMsg string, packet Packet) {
	if s.cfg.Logger == nil || !s.cfg.Logger.Handler().Enabled(ctx, slog.LevelDebug) {
		return
	}

	// Unless the session is explicitly configured to log outbound authorization packets, scrub
	// the password when applicable.
	if packet.Type == PacketTypeAuth && !s.cfg.LogOutboundAuthPackets {
		packet.Body = []byte{'x', 'x', 'x', 'x', 'x'}
	}

	s.cfg.Logger.LogAttrs(ctx, slog.LevelDebug, logMsg,
		slog.String("packet", hex.EncodeToString(packet.appendFrame(nil))),
		slog.Int("id", int(packet.ID)),
	)
}
