// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package rcon

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// WrapperSize is the cumulative size of non-body bytes that contribute to calculation of the packet
// size that precedes a binary packet. Eight bytes are accounted for by the packet ID and type,
// while two bytes are accounted for by the null byte termination of the body and packet. The packet
// size itself is not included in the size calculation.
const WrapperSize = 8 + 2

// MaximumPacketSize is the largest value allowed for the packet size that precedes outbound
// packets.
const MaximumPacketSize = 4096

// MaximumResponseSize is the largest value accepted for the packet size of inbound packets. Game
// servers fragment long output into bodies of up to 4096 bytes, so a full fragment exceeds
// [MaximumPacketSize] by the wrapper.
const MaximumResponseSize = MaximumPacketSize + WrapperSize

const (
	// PacketTypeAuth represents a client authorization request packet. It indicates that the body
	// will contain the server password.
	PacketTypeAuth = 3

	// PacketTypeAuthResponse represents a server authorization response packet. If authorization
	// failed, the packet ID will have a value of -1 rather than that of the matching client request
	// packet.
	PacketTypeAuthResponse = 2

	// PacketTypeExecCommand represents a client request packet that contains a command to be executed
	// by the server.
	PacketTypeExecCommand = 2

	// PacketTypeResponseValue represents a server response packet that contains the output of a
	// server command initiated by a [PacketTypeExecCommand] client request packet.
	PacketTypeResponseValue = 0
)

// AuthFailedID is the packet ID a server answers an authorization request with when the password
// was rejected. The packet type is irrelevant in that case.
const AuthFailedID = -1

// Packet is a singular RCON protocol packet, either as a request from a client or a response from
// a server.
type Packet struct {
	// ID is a field chosen by the client which can be used to correlate request packets with
	// response packets. The singular case where a response ID will not match the request is an
	// auth failure, where this field will have a value of [AuthFailedID].
	ID int32

	// Type indicates the purpose of the packet. Its value should always be one of [PacketTypeAuth],
	// [PacketTypeAuthResponse], [PacketTypeExecCommand], or [PacketTypeResponseValue].
	Type int32

	// Body contains the RCON password, the command to be executed, or the server's response to a
	// request. It's possible that the body is empty. Bodies must not contain null bytes; doing so
	// is a caller error the codec does not check for.
	Body []byte
}

// MarshalBinary encodes the receiving [Packet] into binary form and returns the result. This
// satisfies the [encoding.BinaryMarshaler] interface.
func (p Packet) MarshalBinary() ([]byte, error) {
	packetSize := int32(len(p.Body) + WrapperSize)
	if packetSize > MaximumPacketSize {
		return nil, protocolError("marshal", errors.New("packet too large"))
	}

	return p.appendFrame(make([]byte, 0, packetSize+4)), nil
}

// appendFrame appends the wire encoding of p to b without enforcing any size limit.
func (p Packet) appendFrame(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(p.Body)+WrapperSize))
	b = binary.LittleEndian.AppendUint32(b, uint32(p.ID))
	b = binary.LittleEndian.AppendUint32(b, uint32(p.Type))
	b = append(b, p.Body...)
	return append(b, 0, 0)
}

// WriteTo writes a binary representation of the packet to [io.Writer] w. This method satisfies the
// [io.WriterTo] interface.
func (p Packet) WriteTo(w io.Writer) (int64, error) {
	bs, err := p.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(bs)

	return int64(n), err
}

// UnmarshalBinary decodes the binary encoded packet b into the receiving [Packet]. Bytes beyond
// the declared packet size are rejected. This satisfies the [encoding.BinaryUnmarshaler]
// interface.
func (p *Packet) UnmarshalBinary(b []byte) error {
	r := bytes.NewReader(b)
	if _, err := p.ReadFrom(r); err != nil {
		return err
	}
	if r.Len() != 0 {
		return protocolError("unmarshal", fmt.Errorf("%d trailing bytes after packet", r.Len()))
	}
	return nil
}

// ReadFrom reads a binary representation of a packet into the receiving [Packet] instance. This
// method satisfies the [io.ReaderFrom] interface.
//
// Exactly the two terminating bytes are stripped from the body; zero bytes that are part of the
// body are kept. Reader errors other than a truncated frame are returned unchanged so that
// callers can tell deadlines and closed connections apart from malformed input.
func (p *Packet) ReadFrom(r io.Reader) (int64, error) {
	n := int64(0)

	var header [12]byte
	m, err := io.ReadFull(r, header[:4])
	n += int64(m)
	if err != nil {
		return n, truncated(err)
	}
	packetSize := int32(binary.LittleEndian.Uint32(header[:4]))

	if packetSize < WrapperSize {
		return n, protocolError("read", fmt.Errorf("packet too small: %d", packetSize))
	}
	if packetSize > MaximumResponseSize {
		return n, protocolError("read", fmt.Errorf("packet too large: %d", packetSize))
	}

	m, err = io.ReadFull(r, header[4:])
	n += int64(m)
	if err != nil {
		return n, truncated(err)
	}
	p.ID = int32(binary.LittleEndian.Uint32(header[4:8]))
	p.Type = int32(binary.LittleEndian.Uint32(header[8:12]))

	rest := make([]byte, packetSize-8)
	m, err = io.ReadFull(r, rest)
	n += int64(m)
	if err != nil {
		return n, truncated(err)
	}

	// Ensure the packet is properly terminated by two zero bytes.
	body, term := rest[:len(rest)-2], rest[len(rest)-2:]
	if term[0] != 0 || term[1] != 0 {
		return n, protocolError("read", errors.New("packet incorrectly terminated"))
	}
	p.Body = body

	return n, nil
}

// Text returns the packet body as a string. Invalid UTF-8 sequences are replaced with the Unicode
// replacement character rather than reported.
func (p Packet) Text() string {
	return strings.ToValidUTF8(string(p.Body), "\uFFFD")
}

// Clone returns a deep copy of the receiving packet.
func (p Packet) Clone() Packet {
	p2 := p
	if p.Body != nil {
		p2.Body = bytes.Clone(p.Body)
	}
	return p2
}

// EqualTo determines if the provided Packet content matches the receiving Packet content.
func (p Packet) EqualTo(p2 Packet) bool {
	switch {
	case p.ID != p2.ID:
		return false
	case p.Type != p2.Type:
		return false
	case !bytes.Equal(p.Body, p2.Body):
		return false
	}
	return true
}

// truncated maps a short read onto a protocol error. The declared length promised more bytes
// than the stream delivered.
func truncated(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return protocolError("read", errors.New("packet shorter than declared size"))
	}
	return err
}
