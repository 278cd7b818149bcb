package sap

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// LayerTypeSAP is registered with gopacket and bound to UDP port 9875, so
// packets decoded from captures expose a *Layer without extra wiring.
var LayerTypeSAP = gopacket.RegisterLayerType(2974, gopacket.LayerTypeMetadata{
	Name:    "SAP",
	Decoder: gopacket.DecodeFunc(decodeSAP),
})

func init() {
	layers.RegisterUDPPortLayerType(layers.UDPPort(DefaultPort), LayerTypeSAP)
}

// Layer adapts Packet to gopacket's DecodingLayer and SerializableLayer.
type Layer struct {
	layers.BaseLayer
	Packet Packet
}

func (l *Layer) LayerType() gopacket.LayerType { return LayerTypeSAP }

func (l *Layer) CanDecode() gopacket.LayerClass { return LayerTypeSAP }

// NextLayerType ends decoding; the payload is surfaced as the application layer.
func (l *Layer) NextLayerType() gopacket.LayerType { return gopacket.LayerTypeZero }

// Payload satisfies gopacket.ApplicationLayer.
func (l *Layer) Payload() []byte { return l.Packet.Payload }

func (l *Layer) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	n, err := l.Packet.decode(data)
	if err != nil {
		df.SetTruncated()
		return err
	}
	l.BaseLayer = layers.BaseLayer{Contents: data[:n], Payload: data[n:]}
	return nil
}

// SerializeTo prepends the fixed header. Authentication data is never emitted.
func (l *Layer) SerializeTo(b gopacket.SerializeBuffer, _ gopacket.SerializeOptions) error {
	hdr, err := b.PrependBytes(HeaderLength)
	if err != nil {
		return err
	}
	return l.Packet.header(hdr)
}

func decodeSAP(data []byte, p gopacket.PacketBuilder) error {
	l := &Layer{}
	if err := l.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(l)
	p.SetApplicationLayer(l)
	return nil
}

func serialize(l *Layer, payload []byte) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, l, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
