package conversation

import "github.com/agent-handwerk/callcore/internal/capability"

// ThresholdVAD is the default capability.VADDetector implementation: a
// frame counts as speech when its RMS energy exceeds a configured
// threshold. End-of-utterance detection reuses this same RMS-over-N-frames
// mechanism rather than requiring a separate PBX-side silence-detection
// event (see DESIGN.md's open questions).
type ThresholdVAD struct {
	Threshold float64
}

// NewThresholdVAD constructs a ThresholdVAD with the given RMS threshold.
func NewThresholdVAD(threshold float64) *ThresholdVAD {
	return &ThresholdVAD{Threshold: threshold}
}

// IsSpeech reports whether frame's RMS energy exceeds the threshold.
func (v *ThresholdVAD) IsSpeech(frame []float32) bool {
	return RMS(frame) > v.Threshold
}

// UtteranceDetector accumulates consecutive non-speech frames after speech
// has started to decide when a caller's utterance has ended, for callers
// (the audio bridge, or the dialer's outbound listen loop) that need to
// segment a continuous frame stream into discrete utterances before calling
// Engine.ProcessAudio.
type UtteranceDetector struct {
	vad            capability.VADDetector
	silenceFrames  int
	requiredSilent int

	inSpeech bool
}

// NewUtteranceDetector builds a detector that considers an utterance ended
// after requiredSilentFrames consecutive non-speech frames, once speech has
// been observed.
func NewUtteranceDetector(vad capability.VADDetector, requiredSilentFrames int) *UtteranceDetector {
	if requiredSilentFrames <= 0 {
		requiredSilentFrames = 10
	}
	return &UtteranceDetector{vad: vad, requiredSilent: requiredSilentFrames}
}

// Feed reports whether, after observing this frame, the utterance should be
// considered complete (speech followed by enough trailing silence).
func (u *UtteranceDetector) Feed(frame []float32) bool {
	if u.vad.IsSpeech(frame) {
		u.inSpeech = true
		u.silenceFrames = 0
		return false
	}
	if !u.inSpeech {
		return false
	}
	u.silenceFrames++
	if u.silenceFrames >= u.requiredSilent {
		u.inSpeech = false
		u.silenceFrames = 0
		return true
	}
	return false
}

// Reset clears accumulated state, e.g. after an utterance has been
// dispatched for processing.
func (u *UtteranceDetector) Reset() {
	u.inSpeech = false
	u.silenceFrames = 0
}
