package rtp

import "testing"

func TestNewSessionGeneratesRandomFieldsWhenUnset(t *testing.T) {
	s, err := NewSession(SessionConfig{PayloadType: 0, TimestampIncrement: 160})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if s.ssrc == 0 {
		t.Error("expected a non-zero generated SSRC")
	}
}

func TestNewSessionHonorsExplicitFields(t *testing.T) {
	s, err := NewSession(SessionConfig{
		SSRC:               42,
		PayloadType:        0,
		TimestampIncrement: 160,
		InitialSequence:    100,
		InitialTimestamp:   5000,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	pkt := s.NextPacket([]byte{1, 2}, false)
	if pkt.SSRC != 42 {
		t.Errorf("SSRC = %d, want 42", pkt.SSRC)
	}
	if pkt.SequenceNumber != 100 {
		t.Errorf("SequenceNumber = %d, want 100", pkt.SequenceNumber)
	}
	if pkt.Timestamp != 5000 {
		t.Errorf("Timestamp = %d, want 5000", pkt.Timestamp)
	}
}

func TestNextPacketAdvancesSequenceAndTimestamp(t *testing.T) {
	s, err := NewSession(SessionConfig{
		SSRC:               1,
		TimestampIncrement: 160,
		InitialSequence:    10,
		InitialTimestamp:   1000,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	first := s.NextPacket([]byte{1, 2, 3}, false)
	second := s.NextPacket([]byte{4, 5}, true)

	if second.SequenceNumber != first.SequenceNumber+1 {
		t.Errorf("sequence did not advance by 1: %d -> %d", first.SequenceNumber, second.SequenceNumber)
	}
	if second.Timestamp != first.Timestamp+160 {
		t.Errorf("timestamp did not advance by 160: %d -> %d", first.Timestamp, second.Timestamp)
	}
	if !second.Marker {
		t.Error("expected marker bit to be carried through")
	}

	stats := s.Stats()
	if stats.PacketsSent != 2 {
		t.Errorf("PacketsSent = %d, want 2", stats.PacketsSent)
	}
	if stats.BytesSent != 5 {
		t.Errorf("BytesSent = %d, want 5", stats.BytesSent)
	}
}

func TestNextPacketWrapsSequence(t *testing.T) {
	s, err := NewSession(SessionConfig{
		SSRC:               1,
		TimestampIncrement: 160,
		InitialSequence:    65535,
		InitialTimestamp:   0,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	first := s.NextPacket(nil, false)
	second := s.NextPacket(nil, false)
	if first.SequenceNumber != 65535 {
		t.Fatalf("first.SequenceNumber = %d, want 65535", first.SequenceNumber)
	}
	if second.SequenceNumber != 0 {
		t.Fatalf("second.SequenceNumber = %d, want 0 (wrap)", second.SequenceNumber)
	}
}
