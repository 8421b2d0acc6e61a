package rtp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// SessionConfig configures an outgoing RTP session. Zero values for SSRC,
// InitialSequence, and InitialTimestamp are replaced with random values.
type SessionConfig struct {
	SSRC               uint32
	PayloadType        uint8
	TimestampIncrement uint32 // samples per packet, e.g. 160 at 8kHz/20ms
	InitialSequence    uint16
	InitialTimestamp   uint32
}

// Session tracks outgoing sequence number and timestamp bookkeeping for
// one RTP stream. Safe for concurrent use; all counters are atomic.
type Session struct {
	ssrc               uint32
	payloadType        uint8
	timestampIncrement uint32

	sequence  uint32 // holds the next uint16 sequence number
	timestamp uint32

	packetsSent uint64
	bytesSent   uint64
}

// SessionStats reports a Session's running send counters.
type SessionStats struct {
	PacketsSent uint64
	BytesSent   uint64
}

// NewSession builds a Session, generating any unset random fields.
func NewSession(cfg SessionConfig) (*Session, error) {
	ssrc := cfg.SSRC
	if ssrc == 0 {
		v, err := randomUint32()
		if err != nil {
			return nil, fmt.Errorf("rtp: generating ssrc: %w", err)
		}
		ssrc = v
	}

	seq := cfg.InitialSequence
	if seq == 0 {
		v, err := randomUint16()
		if err != nil {
			return nil, fmt.Errorf("rtp: generating initial sequence: %w", err)
		}
		seq = v
	}

	ts := cfg.InitialTimestamp
	if ts == 0 {
		v, err := randomUint32()
		if err != nil {
			return nil, fmt.Errorf("rtp: generating initial timestamp: %w", err)
		}
		ts = v
	}

	return &Session{
		ssrc:               ssrc,
		payloadType:        cfg.PayloadType,
		timestampIncrement: cfg.TimestampIncrement,
		sequence:           uint32(seq),
		timestamp:          ts,
	}, nil
}

// NextPacket builds the next outgoing packet and advances sequence and
// timestamp bookkeeping by one packet's worth.
func (s *Session) NextPacket(payload []byte, marker bool) Packet {
	seq := uint16(atomic.AddUint32(&s.sequence, 1) - 1)
	ts := atomic.AddUint32(&s.timestamp, s.timestampIncrement) - s.timestampIncrement

	atomic.AddUint64(&s.packetsSent, 1)
	atomic.AddUint64(&s.bytesSent, uint64(len(payload)))

	return Packet{
		SequenceNumber: seq,
		Timestamp:      ts,
		SSRC:           s.ssrc,
		PayloadType:    s.payloadType,
		Marker:         marker,
		Payload:        payload,
	}
}

// Stats returns a snapshot of the session's send counters.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		PacketsSent: atomic.LoadUint64(&s.packetsSent),
		BytesSent:   atomic.LoadUint64(&s.bytesSent),
	}
}

func randomUint32() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func randomUint16() (uint16, error) {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}
