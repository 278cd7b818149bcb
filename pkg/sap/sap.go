// Package sap implements the Session Announcement Protocol (RFC 2974) wire format.
//
// Header layout (RFC 2974 §3):
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	| V=1 |A|R|T|E|C|   auth len    |         msg id hash           |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                 originating source (32 bits)                  |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                 optional authentication data                  |
//	|                        ....                                   |
//	|                 optional payload type, NUL terminated         |
//	|                 payload                                       |
//
// The originating source is always read as a 4-byte IPv4 address, including
// packets that set the A bit.
package sap

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"net/netip"
)

const (
	// Version is the only SAP version defined by RFC 2974.
	Version = 1

	// DefaultGroup and DefaultPort are the IANA-assigned SAP channel for
	// global scope IPv4 announcements.
	DefaultGroup = "224.2.127.254"
	DefaultPort  = 9875

	// HeaderLength is the fixed header plus the IPv4 originating source.
	HeaderLength = 8

	// MaxDatagramSize bounds a single UDP datagram.
	MaxDatagramSize = 65535
)

const (
	flagAddressType = 1 << 4
	flagReserved    = 1 << 3
	flagType        = 1 << 2
	flagEncrypted   = 1 << 1
	flagCompressed  = 1 << 0
)

// MessageType distinguishes announcements from deletions (the T bit).
type MessageType uint8

const (
	Announce MessageType = iota
	Delete
)

func (t MessageType) String() string {
	switch t {
	case Announce:
		return "announce"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// AddressFamily is the family announced by the A bit.
type AddressFamily uint8

const (
	IPv4 AddressFamily = iota
	IPv6
)

func (f AddressFamily) String() string {
	if f == IPv6 {
		return "ipv6"
	}
	return "ipv4"
}

// Packet is a decoded SAP datagram. Payload aliases the decoded buffer.
type Packet struct {
	Version       uint8
	Type          MessageType
	AddressFamily AddressFamily
	Encrypted     bool
	Compressed    bool
	AuthLength    uint8
	MessageID     uint16
	Origin        netip.Addr
	Payload       []byte
}

// Decode parses a SAP datagram. The version is passed through unchecked.
func Decode(data []byte) (Packet, error) {
	var p Packet
	if _, err := p.decode(data); err != nil {
		return Packet{}, err
	}
	return p, nil
}

// decode fills p from data and returns the header length consumed,
// including authentication data.
func (p *Packet) decode(data []byte) (int, error) {
	if len(data) < HeaderLength {
		return 0, fmt.Errorf("%w: %d bytes, need at least %d", ErrTruncated, len(data), HeaderLength)
	}

	b0 := data[0]
	p.Version = b0 >> 5
	p.AddressFamily = IPv4
	if b0&flagAddressType != 0 {
		p.AddressFamily = IPv6
	}
	p.Type = Announce
	if b0&flagType != 0 {
		p.Type = Delete
	}
	p.Encrypted = b0&flagEncrypted != 0
	p.Compressed = b0&flagCompressed != 0

	p.AuthLength = data[1]
	p.MessageID = binary.BigEndian.Uint16(data[2:4])
	p.Origin = netip.AddrFrom4([4]byte(data[4:8]))

	off := HeaderLength
	auth := int(p.AuthLength) * 4
	if auth > len(data)-off {
		return 0, fmt.Errorf("%w: auth data of %d bytes exceeds remaining %d", ErrTruncated, auth, len(data)-off)
	}
	off += auth
	p.Payload = data[off:]
	return off, nil
}

// header renders the fixed 8-byte header for p with no authentication data.
func (p *Packet) header(dst []byte) error {
	if !p.Origin.Is4() {
		return fmt.Errorf("%w: %s", ErrOrigin, p.Origin)
	}
	b0 := byte(Version << 5)
	if p.Type == Delete {
		b0 |= flagType
	}
	dst[0] = b0
	dst[1] = 0
	binary.BigEndian.PutUint16(dst[2:4], p.MessageID)
	a := p.Origin.As4()
	copy(dst[4:8], a[:])
	return nil
}

// Encode builds a version 1 datagram without authentication data.
func Encode(payload []byte, id uint16, origin netip.Addr, t MessageType) ([]byte, error) {
	l := &Layer{Packet: Packet{
		Version:   Version,
		Type:      t,
		MessageID: id,
		Origin:    origin,
	}}
	return serialize(l, payload)
}

// MessageIDFor derives a message id from the payload it identifies: the first
// two bytes of its SHA-1 digest, big-endian. An unchanged document keeps its
// id across restarts and an edited one gets a new id.
func MessageIDFor(payload []byte) uint16 {
	h := sha1.Sum(payload)
	return binary.BigEndian.Uint16(h[:2])
}
