package codec

import (
	"math"
	"testing"
)

func sineWave(n int, freq, sampleRate float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		v := math.Sin(2 * math.Pi * freq * float64(i) / sampleRate)
		out[i] = int16(v * 12000)
	}
	return out
}

func rmsError(a, b []int16) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return math.Sqrt(sum / float64(n))
}

func TestNewUnknownType(t *testing.T) {
	if _, err := New("bogus"); err == nil {
		t.Fatal("expected error for unknown codec type")
	}
}

func TestInfoForKnownTypes(t *testing.T) {
	for _, typ := range []Type{PCMU, PCMA, G722, L16} {
		info, err := InfoFor(typ)
		if err != nil {
			t.Fatalf("InfoFor(%s): %v", typ, err)
		}
		if info.Type != typ {
			t.Fatalf("InfoFor(%s).Type = %s", typ, info.Type)
		}
	}
}

func TestMuLawRoundTripSilence(t *testing.T) {
	c, _ := New(PCMU)
	pcm := make([]int16, 160)
	decoded := c.Decode(c.Encode(pcm))
	for i, s := range decoded {
		if s != 0 {
			t.Fatalf("sample %d: expected silence to decode to 0, got %d", i, s)
		}
	}
}

func TestMuLawRoundTripBounded(t *testing.T) {
	c, _ := New(PCMU)
	pcm := sineWave(160, 440, 8000)
	decoded := c.Decode(c.Encode(pcm))
	if len(decoded) != len(pcm) {
		t.Fatalf("length mismatch: got %d want %d", len(decoded), len(pcm))
	}
	// mu-law is a logarithmic codec: quantization error scales with signal
	// magnitude, so bound the round-trip RMS error against a tolerance
	// large enough for the segment size at this amplitude.
	if err := rmsError(pcm, decoded); err > 600 {
		t.Fatalf("mu-law round-trip RMS error too large: %f", err)
	}
}

func TestALawRoundTripSilence(t *testing.T) {
	c, _ := New(PCMA)
	pcm := make([]int16, 160)
	decoded := c.Decode(c.Encode(pcm))
	for i, s := range decoded {
		if s != 0 {
			t.Fatalf("sample %d: expected silence to decode to 0, got %d", i, s)
		}
	}
}

func TestALawRoundTripBounded(t *testing.T) {
	c, _ := New(PCMA)
	pcm := sineWave(160, 440, 8000)
	decoded := c.Decode(c.Encode(pcm))
	if err := rmsError(pcm, decoded); err > 600 {
		t.Fatalf("A-law round-trip RMS error too large: %f", err)
	}
}

// TestMuLawEncodeMinInt16 guards against the int16 negate overflow at the
// most negative sample value, where -sample stays negative in int16
// arithmetic instead of becoming its magnitude.
func TestMuLawEncodeMinInt16(t *testing.T) {
	c, _ := New(PCMU)
	decoded := c.Decode(c.Encode([]int16{math.MinInt16}))
	if decoded[0] >= 0 {
		t.Fatalf("mu-law encode of MinInt16 decoded to %d, want a large-magnitude negative sample", decoded[0])
	}
}

func TestALawEncodeMinInt16(t *testing.T) {
	c, _ := New(PCMA)
	decoded := c.Decode(c.Encode([]int16{math.MinInt16}))
	if decoded[0] >= 0 {
		t.Fatalf("A-law encode of MinInt16 decoded to %d, want a large-magnitude negative sample", decoded[0])
	}
}

func TestMuLawEncodeLengthMatchesInput(t *testing.T) {
	c, _ := New(PCMU)
	pcm := sineWave(320, 200, 8000)
	if got := len(c.Encode(pcm)); got != len(pcm) {
		t.Fatalf("Encode length = %d, want %d", got, len(pcm))
	}
}

func TestL16RoundTripExact(t *testing.T) {
	c, _ := New(L16)
	pcm := sineWave(320, 440, 16000)
	decoded := c.Decode(c.Encode(pcm))
	if len(decoded) != len(pcm) {
		t.Fatalf("length mismatch: got %d want %d", len(decoded), len(pcm))
	}
	for i := range pcm {
		if decoded[i] != pcm[i] {
			t.Fatalf("sample %d: got %d want %d (L16 must be exact)", i, decoded[i], pcm[i])
		}
	}
}

func TestG722RoundTripSilence(t *testing.T) {
	c, _ := New(G722)
	pcm := make([]int16, 320)
	decoded := c.Decode(c.Encode(pcm))
	for i, s := range decoded {
		if s > 64 || s < -64 {
			t.Fatalf("sample %d: expected near-silence, got %d", i, s)
		}
	}
}

func TestG722EncodeHalvesSampleCount(t *testing.T) {
	c, _ := New(G722)
	pcm := sineWave(320, 440, 16000)
	encoded := c.Encode(pcm)
	if got, want := len(encoded), len(pcm)/2; got != want {
		t.Fatalf("G.722 Encode length = %d, want %d (one byte per sample pair)", got, want)
	}
	decoded := c.Decode(encoded)
	if got, want := len(decoded), len(pcm); got != want {
		t.Fatalf("G.722 Decode length = %d, want %d", got, want)
	}
}

func TestG722ConcurrentUseIsStateless(t *testing.T) {
	c, _ := New(G722)
	pcm := sineWave(320, 440, 16000)
	first := c.Decode(c.Encode(pcm))
	second := c.Decode(c.Encode(pcm))
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("sample %d: repeated Encode/Decode on shared codec diverged (%d vs %d), codec must be stateless across calls", i, first[i], second[i])
		}
	}
}
