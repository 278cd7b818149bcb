package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/sap/internal/metrics"
	"firestige.xyz/sap/internal/session"
	"firestige.xyz/sap/pkg/sap"
)

// Expirer runs one expiry pass at a given instant.
type Expirer interface {
	SweepAt(now time.Time) []session.Record
}

// ReplayStats summarises a replayed capture.
type ReplayStats struct {
	Frames    int
	Datagrams int
	// Reassembled counts datagrams rebuilt from IPv4 fragments.
	Reassembled int
	Results     map[Result]int
	Expired     int
	First       time.Time
	Last        time.Time
}

// Replay feeds the SAP traffic of a pcap stream through d, using capture
// timestamps as the clock. If exp is non-nil it is swept every interval of
// capture time and once more at the last frame.
func Replay(ctx context.Context, r io.Reader, d *Dispatcher, exp Expirer, interval time.Duration) (ReplayStats, error) {
	stats := ReplayStats{Results: make(map[Result]int)}

	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return stats, fmt.Errorf("open capture: %w", err)
	}

	var (
		eth     layers.Ethernet
		sll     layers.LinuxSLL
		ip4     layers.IPv4
		udp     layers.UDP
		sapL    sap.Layer
		decoded = make([]gopacket.LayerType, 0, 5)
	)

	var first gopacket.LayerType
	switch reader.LinkType() {
	case layers.LinkTypeEthernet:
		first = layers.LayerTypeEthernet
	case layers.LinkTypeLinuxSLL:
		first = layers.LayerTypeLinuxSLL
	case layers.LinkTypeRaw, layers.LinkTypeIPv4:
		first = layers.LayerTypeIPv4
	default:
		return stats, fmt.Errorf("unsupported link type %s", reader.LinkType())
	}

	parser := gopacket.NewDecodingLayerParser(first, &eth, &sll, &ip4, &udp, &sapL)
	parser.IgnoreUnsupported = true
	udpParser := gopacket.NewDecodingLayerParser(layers.LayerTypeUDP, &udp, &sapL)
	udpParser.IgnoreUnsupported = true
	defrag := newReassembler(fragmentTimeout)

	var nextSweep time.Time
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		data, ci, err := reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("read capture: %w", err)
		}
		stats.Frames++

		ts := ci.Timestamp
		if stats.First.IsZero() {
			stats.First = ts
			nextSweep = ts.Add(interval)
		}
		stats.Last = ts

		if exp != nil && interval > 0 {
			for !ts.Before(nextSweep) {
				stats.Expired += len(exp.SweepAt(nextSweep))
				nextSweep = nextSweep.Add(interval)
			}
		}

		err = parser.DecodeLayers(data, &decoded)
		if contains(decoded, layers.LayerTypeIPv4) && isFragment(&ip4) {
			whole, ok := defrag.add(&ip4, ts)
			if !ok {
				continue
			}
			stats.Reassembled++
			err = udpParser.DecodeLayers(whole, &decoded)
		}
		if !contains(decoded, layers.LayerTypeUDP) || udp.DstPort != layers.UDPPort(sap.DefaultPort) {
			continue
		}
		stats.Datagrams++

		var res Result
		switch {
		case contains(decoded, sap.LayerTypeSAP):
			res = d.Apply(sapL.Packet, ts)
		case err != nil:
			metrics.DatagramsDroppedTotal.WithLabelValues(metrics.DropMalformed).Inc()
			res = Dropped
		default:
			res = d.Handle(udp.Payload, ts)
		}
		stats.Results[res]++
	}

	if exp != nil && !stats.Last.IsZero() {
		stats.Expired += len(exp.SweepAt(stats.Last))
	}
	return stats, nil
}

func contains(decoded []gopacket.LayerType, t gopacket.LayerType) bool {
	for _, lt := range decoded {
		if lt == t {
			return true
		}
	}
	return false
}
