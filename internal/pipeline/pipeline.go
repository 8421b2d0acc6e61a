// Package pipeline composes internal/codec and internal/resample into the
// two transforms the audio transports (audiobridge, wsaudio) call: telephony wire
// bytes in a negotiated codec to AI-side float32 PCM at 16kHz, and back.
package pipeline

import (
	"fmt"

	"github.com/agent-handwerk/callcore/internal/codec"
	"github.com/agent-handwerk/callcore/internal/resample"
)

// aiSampleRate is the fixed rate the conversation engine's STT/TTS
// capabilities operate at.
const aiSampleRate = 16000

// Pipeline decodes telephony bytes to AI-ready float32 samples and encodes
// them back, for one negotiated codec. A Pipeline is stateless and safe for
// concurrent use.
type Pipeline struct {
	codec     codec.Codec
	codecRate int
}

// New builds a Pipeline for the given telephony codec type.
func New(t codec.Type) (*Pipeline, error) {
	c, err := codec.New(t)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	info, err := codec.InfoFor(t)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	return &Pipeline{codec: c, codecRate: info.SampleRate}, nil
}

// DecodeForAI turns telephony wire bytes into normalized float32 samples in
// [-1.0, 1.0] at aiSampleRate, for consumption by STT/VAD capabilities.
func (p *Pipeline) DecodeForAI(wire []byte) []float32 {
	pcm := p.codec.Decode(wire)
	resampled := resample.Resample(pcm, p.codecRate, aiSampleRate)

	out := make([]float32, len(resampled))
	for i, s := range resampled {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// EncodeForTelephony turns AI-generated float32 samples (e.g. from TTS)
// back into telephony wire bytes in the pipeline's configured codec.
func (p *Pipeline) EncodeForTelephony(samples []float32) []byte {
	pcm := make([]int16, len(samples))
	for i, f := range samples {
		v := f * 32767.0
		switch {
		case v > 32767:
			v = 32767
		case v < -32768:
			v = -32768
		}
		pcm[i] = int16(v)
	}

	resampled := resample.Resample(pcm, aiSampleRate, p.codecRate)
	return p.codec.Encode(resampled)
}
