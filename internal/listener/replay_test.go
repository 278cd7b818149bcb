package listener

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/sap/internal/log"
	"firestige.xyz/sap/internal/reaper"
	"firestige.xyz/sap/internal/session"
	"firestige.xyz/sap/internal/sink"
	"firestige.xyz/sap/pkg/sap"
)

type frame struct {
	at      time.Duration
	dstPort uint16
	payload []byte
}

func sapFrame(t *testing.T, at time.Duration, title string, id uint16, typ sap.MessageType) frame {
	t.Helper()
	raw, err := sap.Encode([]byte("v=0\ns="+title+"\nt=0 0"), id, origin, typ)
	require.NoError(t, err)
	return frame{at: at, dstPort: sap.DefaultPort, payload: raw}
}

func writeCapture(t *testing.T, frames []frame) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	for _, f := range frames {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
			DstMAC:       net.HardwareAddr{0x01, 0, 0x5e, 0x02, 0x7f, 0xfe},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:  4,
			TTL:      1,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    origin.AsSlice(),
			DstIP:    net.IPv4(224, 2, 127, 254).To4(),
		}
		udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(f.dstPort)}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

		out := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(out, opts, eth, ip, udp, gopacket.Payload(f.payload)))

		data := out.Bytes()
		ci := gopacket.CaptureInfo{
			Timestamp:     t0.Add(f.at),
			CaptureLength: len(data),
			Length:        len(data),
		}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return &buf
}

func TestReplay(t *testing.T) {
	dir := t.TempDir()
	fs, err := sink.NewFileSink(dir)
	require.NoError(t, err)

	store := session.NewStore(fs, session.Options{Extension: ".sdp", Logger: log.Nop()})
	d := NewDispatcher(store, log.Nop())
	r := reaper.New(store, 300*time.Second, 30*time.Second, reaper.WithLogger(log.Nop()))

	capture := writeCapture(t, []frame{
		sapFrame(t, 0, "Feed A", 1, sap.Announce),
		sapFrame(t, 0, "Feed B", 2, sap.Announce),
		{at: 10 * time.Second, dstPort: sap.DefaultPort, payload: []byte{0x20, 0, 0, 1, 192}},
		{at: 15 * time.Second, dstPort: 5004, payload: []byte("rtp")},
		sapFrame(t, 200*time.Second, "Feed B", 2, sap.Announce),
		sapFrame(t, 250*time.Second, "Feed X", 3, sap.Delete),
		sapFrame(t, 400*time.Second, "Feed C", 4, sap.Announce),
	})

	stats, err := Replay(context.Background(), capture, d, r, 30*time.Second)
	require.NoError(t, err)

	assert.Equal(t, 7, stats.Frames)
	assert.Equal(t, 6, stats.Datagrams)
	assert.Equal(t, 3, stats.Results[Created])
	assert.Equal(t, 1, stats.Results[Refreshed])
	assert.Equal(t, 1, stats.Results[NotFound])
	assert.Equal(t, 1, stats.Results[Dropped])
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, t0, stats.First)
	assert.Equal(t, t0.Add(400*time.Second), stats.Last)

	snap := store.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "Feed B", snap[0].Title)
	assert.Equal(t, "Feed C", snap[1].Title)

	assert.NoFileExists(t, filepath.Join(dir, "Feed_A.sdp"))
	content, err := os.ReadFile(filepath.Join(dir, "Feed_B.sdp"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "s=Feed B")
	assert.FileExists(t, filepath.Join(dir, "Feed_C.sdp"))
}

func TestReplayRejectsGarbage(t *testing.T) {
	d := NewDispatcher(session.NewStore(nil, session.Options{Logger: log.Nop()}), log.Nop())
	_, err := Replay(context.Background(), bytes.NewReader([]byte("not a pcap")), d, nil, 0)
	assert.Error(t, err)
}

func TestReplayHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewDispatcher(session.NewStore(nil, session.Options{Logger: log.Nop()}), log.Nop())
	capture := writeCapture(t, []frame{sapFrame(t, 0, "Feed A", 1, sap.Announce)})
	_, err := Replay(ctx, capture, d, nil, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
