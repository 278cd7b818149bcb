// Package listener receives SAP announcements and maintains the session
// directory from them.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/ipv4"

	"firestige.xyz/sap/internal/log"
	"firestige.xyz/sap/pkg/sap"
)

// ErrSocket wraps failures to bind the SAP port or join the group.
var ErrSocket = errors.New("sap socket")

// Options configures the multicast socket.
type Options struct {
	Group     string
	Port      int
	Interface string
}

// Listener owns the SAP socket and feeds every datagram to a Dispatcher.
type Listener struct {
	conn       *ipv4.PacketConn
	raw        net.PacketConn
	group      *net.UDPAddr
	ifi        *net.Interface
	dispatcher *Dispatcher
	now        func() time.Time
	log        log.Logger
}

// Open binds the SAP port with address reuse and joins the group. Any failure
// here is fatal for the caller.
func Open(ctx context.Context, opts Options, d *Dispatcher, logger log.Logger) (*Listener, error) {
	if logger == nil {
		logger = log.GetLogger()
	}
	group := net.ParseIP(opts.Group).To4()
	if group == nil || !group.IsMulticast() {
		return nil, fmt.Errorf("%w: invalid group %q", ErrSocket, opts.Group)
	}

	var ifi *net.Interface
	if opts.Interface != "" {
		var err error
		if ifi, err = net.InterfaceByName(opts.Interface); err != nil {
			return nil, fmt.Errorf("%w: interface %s: %w", ErrSocket, opts.Interface, err)
		}
	}

	lc := net.ListenConfig{Control: reuseAddrControl}
	raw, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(opts.Port)))
	if err != nil {
		return nil, fmt.Errorf("%w: bind port %d: %w", ErrSocket, opts.Port, err)
	}

	conn := ipv4.NewPacketConn(raw)
	groupAddr := &net.UDPAddr{IP: group}
	if err := conn.JoinGroup(ifi, groupAddr); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("%w: join %s: %w", ErrSocket, group, err)
	}

	return &Listener{
		conn:       conn,
		raw:        raw,
		group:      groupAddr,
		ifi:        ifi,
		dispatcher: d,
		now:        time.Now,
		log:        logger.WithField("component", "listener"),
	}, nil
}

// LocalAddr returns the bound address.
func (l *Listener) LocalAddr() net.Addr { return l.raw.LocalAddr() }

// Run reads datagrams until ctx is cancelled. Cancellation closes the socket
// to unblock the pending read.
func (l *Listener) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = l.raw.Close() })
	defer stop()

	l.log.WithFields(map[string]interface{}{
		"group": l.group.IP.String(),
		"addr":  l.raw.LocalAddr().String(),
	}).Info("listening for SAP")

	buf := make([]byte, sap.MaxDatagramSize)
	for {
		n, _, src, err := l.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("%w: %w", ErrSocket, err)
			}
			l.log.WithError(err).Warn("read failed")
			continue
		}
		if l.log.IsTraceEnabled() {
			l.log.WithFields(map[string]interface{}{"src": src.String(), "size": n}).Trace("datagram")
		}
		l.dispatcher.Handle(buf[:n], l.now())
	}
}

// Close leaves the group and closes the socket.
func (l *Listener) Close() error {
	_ = l.conn.LeaveGroup(l.ifi, l.group)
	err := l.raw.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
