package announcer

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/net/ipv4"
)

// ErrTransport wraps failures to open the announce socket.
var ErrTransport = errors.New("announce transport")

// Transport delivers encoded SAP datagrams to the group.
type Transport interface {
	Send(pkt []byte) error
	Close() error
}

// TransportOptions configures a multicast transport.
type TransportOptions struct {
	Group     string
	Port      int
	Interface string
	TTL       int
	// Loopback delivers sent packets to listeners on this host.
	Loopback bool
}

// MulticastTransport sends to a multicast group from an ephemeral port.
type MulticastTransport struct {
	raw  net.PacketConn
	conn *ipv4.PacketConn
	dst  *net.UDPAddr
}

// NewMulticastTransport opens a UDP socket with the configured hop limit and
// outgoing interface.
func NewMulticastTransport(opts TransportOptions) (*MulticastTransport, error) {
	group := net.ParseIP(opts.Group).To4()
	if group == nil || !group.IsMulticast() {
		return nil, fmt.Errorf("%w: invalid group %q", ErrTransport, opts.Group)
	}

	raw, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	conn := ipv4.NewPacketConn(raw)

	fail := func(err error) (*MulticastTransport, error) {
		_ = raw.Close()
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if err := conn.SetMulticastTTL(opts.TTL); err != nil {
		return fail(err)
	}
	if err := conn.SetMulticastLoopback(opts.Loopback); err != nil {
		return fail(err)
	}
	if opts.Interface != "" {
		ifi, err := net.InterfaceByName(opts.Interface)
		if err != nil {
			return fail(err)
		}
		if err := conn.SetMulticastInterface(ifi); err != nil {
			return fail(err)
		}
	}

	return &MulticastTransport{
		raw:  raw,
		conn: conn,
		dst:  &net.UDPAddr{IP: group, Port: opts.Port},
	}, nil
}

// Send writes one datagram to the group.
func (t *MulticastTransport) Send(pkt []byte) error {
	_, err := t.conn.WriteTo(pkt, nil, t.dst)
	return err
}

// Destination returns the group address as host:port.
func (t *MulticastTransport) Destination() string {
	return net.JoinHostPort(t.dst.IP.String(), strconv.Itoa(t.dst.Port))
}

func (t *MulticastTransport) Close() error {
	return t.raw.Close()
}
