package conversation

import (
	"context"
	"strings"

	"github.com/agent-handwerk/callcore/internal/capability"
)

// KeywordDialectDetector is a reference capability.DialectDetector: it
// scores a transcribed utterance against per-language keyword lists loaded
// once at startup as configuration data, never as compiled-at-call-time
// regex, so new languages can be added without a code change.
// It operates on text rather than raw audio, so it is meant to be invoked
// after a first-pass STT call returns a transcript (see the engine's
// transcribe helper, which only calls Detect once per call before the
// language key locks).
type KeywordDialectDetector struct {
	keywords map[string][]string // languageKey -> lowercase keyword list
	fallback string

	// lastTranscript lets Detect re-use the STT text instead of re-running
	// a second transcription pass; the conversation engine's pcm/sampleRate
	// arguments are accepted to satisfy capability.DialectDetector but are
	// unused here because classification is purely lexical.
	lastTranscript func() string
}

// NewKeywordDialectDetector builds a detector from per-language keyword
// configuration. transcriptSource supplies the most recent STT transcript
// for the call being classified.
func NewKeywordDialectDetector(keywords map[string][]string, fallback string, transcriptSource func() string) *KeywordDialectDetector {
	lower := make(map[string][]string, len(keywords))
	for lang, words := range keywords {
		l := make([]string, len(words))
		for i, w := range words {
			l[i] = strings.ToLower(w)
		}
		lower[lang] = l
	}
	return &KeywordDialectDetector{keywords: lower, fallback: fallback, lastTranscript: transcriptSource}
}

// Detect scores the current transcript against each language's keyword
// list and returns the best match, or fallback if nothing matches.
func (d *KeywordDialectDetector) Detect(ctx context.Context, pcm []float32, sampleRate int) (string, float64, error) {
	text := strings.ToLower(d.lastTranscript())
	bestLang, bestCount := d.fallback, 0
	for lang, words := range d.keywords {
		count := 0
		for _, w := range words {
			if strings.Contains(text, w) {
				count++
			}
		}
		if count > bestCount {
			bestCount, bestLang = count, lang
		}
	}
	if bestCount == 0 {
		return d.fallback, 0, nil
	}
	confidence := float64(bestCount) / float64(len(d.keywords[bestLang]))
	if confidence > 1 {
		confidence = 1
	}
	return bestLang, confidence, nil
}

var _ capability.DialectDetector = (*KeywordDialectDetector)(nil)
