// Package rtp implements RTP packet framing, wrap-around sequence/timestamp
// arithmetic, a jitter buffer, and an outgoing RTP session, using pion/rtp
// for wire (de)serialization.
package rtp

import (
	"errors"
	"fmt"

	pionrtp "github.com/pion/rtp"
)

// ErrMalformedPacket is returned by Parse when the input cannot possibly be
// a valid RTP packet: too short, or an unsupported version.
var ErrMalformedPacket = errors.New("rtp: malformed packet")

const (
	fixedHeaderSize = 12
	protocolVersion = 2
)

// Packet is the subset of an RTP packet the conversation/audio pipeline
// needs. It wraps pion/rtp for wire work but exposes a minimal, stable
// surface instead of pion's type directly.
type Packet struct {
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
	PayloadType    uint8
	Marker         bool
	Payload        []byte
}

// Parse validates and decodes an RTP packet per spec: reject inputs
// shorter than the fixed header, reject any version other than 2, and let
// pion/rtp handle CSRC/extension/padding framing beyond that.
func Parse(data []byte) (Packet, error) {
	if len(data) < fixedHeaderSize {
		return Packet{}, fmt.Errorf("%w: length %d < %d", ErrMalformedPacket, len(data), fixedHeaderSize)
	}
	if version := data[0] >> 6; version != protocolVersion {
		return Packet{}, fmt.Errorf("%w: version %d", ErrMalformedPacket, version)
	}

	var pkt pionrtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}

	return Packet{
		SequenceNumber: pkt.SequenceNumber,
		Timestamp:      pkt.Timestamp,
		SSRC:           pkt.SSRC,
		PayloadType:    pkt.PayloadType,
		Marker:         pkt.Marker,
		Payload:        pkt.Payload,
	}, nil
}

// Serialize packs the fixed 12-byte header (no CSRCs, no extension, no
// padding) followed by the payload.
func (p Packet) Serialize() ([]byte, error) {
	pkt := pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        protocolVersion,
			Marker:         p.Marker,
			PayloadType:    p.PayloadType,
			SequenceNumber: p.SequenceNumber,
			Timestamp:      p.Timestamp,
			SSRC:           p.SSRC,
		},
		Payload: p.Payload,
	}
	data, err := pkt.Marshal()
	if err != nil {
		return nil, fmt.Errorf("rtp: serialize: %w", err)
	}
	return data, nil
}
