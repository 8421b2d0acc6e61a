package codec

import "encoding/binary"

// l16Codec is linear 16-bit PCM, big-endian on the wire per RFC 3551.
type l16Codec struct{}

func (l16Codec) Type() Type { return L16 }

func (l16Codec) Encode(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.BigEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func (l16Codec) Decode(data []byte) []int16 {
	n := len(data) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.BigEndian.Uint16(data[i*2:]))
	}
	return out
}
