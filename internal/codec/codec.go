// Package codec implements the telephony audio codecs the core negotiates
// with a PBX: G.711 mu-law (PCMU), G.711 A-law (PCMA), G.722, and linear
// 16-bit PCM passthrough (L16). Encode and Decode are stateless and safe for
// concurrent use by many calls.
package codec

import "fmt"

// Type identifies a supported codec.
type Type string

const (
	PCMU Type = "PCMU"
	PCMA Type = "PCMA"
	G722 Type = "G722"
	L16  Type = "L16"
)

// Info describes a codec's fixed wire characteristics.
type Info struct {
	Type          Type
	SampleRate    int
	BitsPerSample int
	FrameDuration int // ms
}

var registry = map[Type]Info{
	PCMU: {Type: PCMU, SampleRate: 8000, BitsPerSample: 8, FrameDuration: 20},
	PCMA: {Type: PCMA, SampleRate: 8000, BitsPerSample: 8, FrameDuration: 20},
	G722: {Type: G722, SampleRate: 16000, BitsPerSample: 8, FrameDuration: 20},
	L16:  {Type: L16, SampleRate: 16000, BitsPerSample: 16, FrameDuration: 20},
}

// InfoFor returns the fixed characteristics of a codec type.
func InfoFor(t Type) (Info, error) {
	info, ok := registry[t]
	if !ok {
		return Info{}, fmt.Errorf("codec: unknown type %q", t)
	}
	return info, nil
}

// Codec encodes linear 16-bit PCM to the wire format and decodes it back.
// Both directions are stateless: concurrent calls on the same Codec value
// from different goroutines are safe.
type Codec interface {
	Type() Type
	// Encode converts linear PCM samples to wire bytes. It never allocates
	// more than len(pcm) bytes of output for PCMU/PCMA.
	Encode(pcm []int16) []byte
	// Decode converts wire bytes back to linear PCM samples.
	Decode(data []byte) []int16
}

// New returns the Codec implementation for t.
func New(t Type) (Codec, error) {
	switch t {
	case PCMU:
		return muLawCodec{}, nil
	case PCMA:
		return aLawCodec{}, nil
	case G722:
		return newG722Codec(), nil
	case L16:
		return l16Codec{}, nil
	default:
		return nil, fmt.Errorf("codec: unsupported type %q", t)
	}
}
