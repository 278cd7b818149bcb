// Package sdp renders the SDP documents this host announces for its own
// RTP streams.
package sdp

import (
	"crypto/sha1"
	"fmt"
	"net/netip"
	"strings"
)

const (
	DefaultPort           = 5004
	DefaultPayloadType    = 96
	DefaultEncoding       = "H264"
	DefaultClockRate      = 90000
	DefaultProfileLevelID = "42e01f"
	DefaultTTL            = 1
)

// Description holds the fields of a single-stream video session. A nil
// PayloadType selects DefaultPayloadType, so payload type 0 stays expressible.
type Description struct {
	Name           string
	Origin         netip.Addr
	Group          netip.Addr
	Port           int
	PayloadType    *int
	Encoding       string
	ClockRate      int
	ProfileLevelID string
	// Source, when valid, adds a source-specific multicast filter.
	Source netip.Addr
	TTL    int
}

// WithDefaults fills zero fields. A missing group is derived from the name.
func (d Description) WithDefaults() Description {
	if !d.Group.IsValid() {
		d.Group = GroupFromName(d.Name)
	}
	if !d.Origin.IsValid() {
		d.Origin = netip.IPv4Unspecified()
	}
	if d.Port == 0 {
		d.Port = DefaultPort
	}
	if d.PayloadType == nil {
		pt := DefaultPayloadType
		d.PayloadType = &pt
	}
	if d.Encoding == "" {
		d.Encoding = DefaultEncoding
	}
	if d.ClockRate == 0 {
		d.ClockRate = DefaultClockRate
	}
	if d.ProfileLevelID == "" {
		d.ProfileLevelID = DefaultProfileLevelID
	}
	if d.TTL == 0 {
		d.TTL = DefaultTTL
	}
	return d
}

// Build renders d, after defaults, as newline separated SDP with a trailing
// newline.
func Build(d Description) []byte {
	d = d.WithDefaults()
	pt := *d.PayloadType

	lines := []string{
		"v=0",
		fmt.Sprintf("o=sender 1 1 IN IP4 %s", d.Origin),
		"s=" + d.Name,
		fmt.Sprintf("i=%s RTP", d.Encoding),
		"t=0 0",
		fmt.Sprintf("c=IN IP4 %s/%d", d.Group, d.TTL),
		fmt.Sprintf("m=video %d RTP/AVP %d", d.Port, pt),
		fmt.Sprintf("a=rtpmap:%d %s/%d", pt, d.Encoding, d.ClockRate),
		fmt.Sprintf("a=fmtp:%d packetization-mode=1;profile-level-id=%s", pt, d.ProfileLevelID),
	}
	if d.Source.IsValid() {
		lines = append(lines, fmt.Sprintf("a=source-filter: incl IN IP4 %s %s", d.Group, d.Source))
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

// GroupFromName maps a session name to 239.255.X.Y, where X and Y are the
// first two bytes of the name's SHA-1 digest. The mapping is stable across runs.
func GroupFromName(name string) netip.Addr {
	h := sha1.Sum([]byte(name))
	return netip.AddrFrom4([4]byte{239, 255, h[0], h[1]})
}
