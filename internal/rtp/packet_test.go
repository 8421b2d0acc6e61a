package rtp

import (
	"errors"
	"testing"
)

func TestParseTooShort(t *testing.T) {
	_, err := Parse(make([]byte, 4))
	if !errors.Is(err, ErrMalformedPacket) {
		t.Fatalf("expected ErrMalformedPacket, got %v", err)
	}
}

func TestParseWrongVersion(t *testing.T) {
	data := make([]byte, 12)
	data[0] = 0x00 // version 0
	_, err := Parse(data)
	if !errors.Is(err, ErrMalformedPacket) {
		t.Fatalf("expected ErrMalformedPacket for bad version, got %v", err)
	}
}

func TestSerializeParseRoundTrip(t *testing.T) {
	pkt := Packet{
		SequenceNumber: 1234,
		Timestamp:      98765,
		SSRC:           0xDEADBEEF,
		PayloadType:    0,
		Marker:         true,
		Payload:        []byte{1, 2, 3, 4, 5},
	}

	data, err := pkt.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	parsed, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if parsed.SequenceNumber != pkt.SequenceNumber {
		t.Errorf("SequenceNumber = %d, want %d", parsed.SequenceNumber, pkt.SequenceNumber)
	}
	if parsed.Timestamp != pkt.Timestamp {
		t.Errorf("Timestamp = %d, want %d", parsed.Timestamp, pkt.Timestamp)
	}
	if parsed.SSRC != pkt.SSRC {
		t.Errorf("SSRC = %d, want %d", parsed.SSRC, pkt.SSRC)
	}
	if parsed.PayloadType != pkt.PayloadType {
		t.Errorf("PayloadType = %d, want %d", parsed.PayloadType, pkt.PayloadType)
	}
	if !parsed.Marker {
		t.Error("Marker = false, want true")
	}
	if string(parsed.Payload) != string(pkt.Payload) {
		t.Errorf("Payload = %v, want %v", parsed.Payload, pkt.Payload)
	}
}

func TestSequenceLessWrapAround(t *testing.T) {
	cases := []struct {
		a, b uint16
		want bool
	}{
		{5, 10, true},
		{10, 5, false},
		{65535, 0, true},  // wraps forward
		{0, 65535, false}, // wraps backward
		{100, 100, false}, // equal is not less
	}
	for _, tc := range cases {
		if got := SequenceLess(tc.a, tc.b); got != tc.want {
			t.Errorf("SequenceLess(%d, %d) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestSequenceDiffWrapAround(t *testing.T) {
	if d := SequenceDiff(65535, 0); d != 1 {
		t.Errorf("SequenceDiff(65535, 0) = %d, want 1", d)
	}
	if d := SequenceDiff(0, 65535); d != -1 {
		t.Errorf("SequenceDiff(0, 65535) = %d, want -1", d)
	}
	if d := SequenceDiff(10, 15); d != 5 {
		t.Errorf("SequenceDiff(10, 15) = %d, want 5", d)
	}
}
