package daemon

import (
	"net"
	"net/netip"
	"strconv"
)

func netip4(s string) netip.Addr { return netip.MustParseAddr(s) }

func portOf(a net.Addr) string {
	if u, ok := a.(*net.UDPAddr); ok {
		return strconv.Itoa(u.Port)
	}
	_, port, _ := net.SplitHostPort(a.String())
	return port
}
