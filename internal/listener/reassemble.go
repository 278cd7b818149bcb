package listener

import (
	"net/netip"
	"sort"
	"time"

	"github.com/google/gopacket/layers"
)

// fragmentTimeout bounds how long a partial datagram is kept, in capture time.
const fragmentTimeout = 30 * time.Second

type fragmentKey struct {
	src, dst netip.Addr
	id       uint16
	protocol layers.IPProtocol
}

type fragment struct {
	offset int
	data   []byte
}

type fragmentBuffer struct {
	fragments []fragment
	received  map[int]bool
	total     int // 0 until the last fragment arrives
	firstSeen time.Time
}

// reassembler rebuilds fragmented IPv4 datagrams seen in a capture. It is
// not safe for concurrent use.
type reassembler struct {
	buffers map[fragmentKey]*fragmentBuffer
	timeout time.Duration
}

func newReassembler(timeout time.Duration) *reassembler {
	return &reassembler{
		buffers: make(map[fragmentKey]*fragmentBuffer),
		timeout: timeout,
	}
}

func isFragment(ip4 *layers.IPv4) bool {
	return ip4.Flags&layers.IPv4MoreFragments != 0 || ip4.FragOffset != 0
}

// add stores one fragment and returns the reassembled IP payload once every
// byte from offset 0 to the end of the last fragment is present.
func (r *reassembler) add(ip4 *layers.IPv4, ts time.Time) ([]byte, bool) {
	r.expire(ts)

	src, _ := netip.AddrFromSlice(ip4.SrcIP.To4())
	dst, _ := netip.AddrFromSlice(ip4.DstIP.To4())
	key := fragmentKey{src: src, dst: dst, id: ip4.Id, protocol: ip4.Protocol}

	buf, ok := r.buffers[key]
	if !ok {
		buf = &fragmentBuffer{received: make(map[int]bool), firstSeen: ts}
		r.buffers[key] = buf
	}

	offset := int(ip4.FragOffset) * 8
	if buf.received[offset] {
		return nil, false
	}
	buf.received[offset] = true
	buf.fragments = append(buf.fragments, fragment{
		offset: offset,
		data:   append([]byte(nil), ip4.Payload...),
	})
	if ip4.Flags&layers.IPv4MoreFragments == 0 {
		buf.total = offset + len(ip4.Payload)
	}

	payload, done := buf.assemble()
	if done {
		delete(r.buffers, key)
	}
	return payload, done
}

func (b *fragmentBuffer) assemble() ([]byte, bool) {
	if b.total == 0 {
		return nil, false
	}
	sort.Slice(b.fragments, func(i, j int) bool { return b.fragments[i].offset < b.fragments[j].offset })

	covered := 0
	for _, f := range b.fragments {
		if f.offset > covered {
			return nil, false
		}
		if end := f.offset + len(f.data); end > covered {
			covered = end
		}
	}
	if covered < b.total {
		return nil, false
	}

	payload := make([]byte, b.total)
	for _, f := range b.fragments {
		if f.offset < b.total {
			copy(payload[f.offset:], f.data)
		}
	}
	return payload, true
}

func (r *reassembler) expire(now time.Time) {
	for key, buf := range r.buffers {
		if now.Sub(buf.firstSeen) > r.timeout {
			delete(r.buffers, key)
		}
	}
}
