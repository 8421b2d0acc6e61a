package pipeline

import (
	"math"
	"testing"

	"github.com/agent-handwerk/callcore/internal/codec"
)

func TestNewUnknownCodec(t *testing.T) {
	if _, err := New("bogus"); err == nil {
		t.Fatal("expected error constructing pipeline for unknown codec")
	}
}

func TestDecodeForAIProducesAISampleRate(t *testing.T) {
	p, err := New(codec.PCMU)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	wire := make([]byte, 160) // 20ms @ 8kHz
	samples := p.DecodeForAI(wire)
	want := 160 * aiSampleRate / 8000
	if len(samples) != want {
		t.Fatalf("len(samples) = %d, want %d", len(samples), want)
	}
}

func TestDecodeForAIRangeNormalized(t *testing.T) {
	p, _ := New(codec.PCMU)
	wire := make([]byte, 160)
	for i := range wire {
		wire[i] = 0xFF // mu-law silence byte
	}
	samples := p.DecodeForAI(wire)
	for i, s := range samples {
		if s < -1.0 || s > 1.0 {
			t.Fatalf("sample %d out of [-1,1] range: %f", i, s)
		}
	}
}

func TestEncodeForTelephonyClips(t *testing.T) {
	p, _ := New(codec.PCMU)
	samples := []float32{2.0, -2.0, 0.0}
	wire := p.EncodeForTelephony(samples)
	if len(wire) == 0 {
		t.Fatal("expected non-empty wire output")
	}
}

func TestRoundTripBoundedSNR(t *testing.T) {
	p, err := New(codec.PCMU)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	n := 320 // 20ms at 16kHz
	original := make([]float32, n)
	for i := range original {
		original[i] = float32(0.3 * math.Sin(2*math.Pi*200*float64(i)/16000))
	}

	wire := p.EncodeForTelephony(original)
	recovered := p.DecodeForAI(wire)

	if len(recovered) != len(original) {
		t.Fatalf("recovered length = %d, want %d", len(recovered), len(original))
	}

	var sumSq, errSq float64
	for i := range original {
		d := float64(original[i] - recovered[i])
		errSq += d * d
		sumSq += float64(original[i]) * float64(original[i])
	}
	rms := math.Sqrt(errSq / float64(n))
	if rms > 0.08 {
		t.Fatalf("round-trip RMS error too large: %f", rms)
	}
}
