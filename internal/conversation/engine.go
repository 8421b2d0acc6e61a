// Engine owns the per-call turn loop: transcribe, generate, synthesize,
// speak, with barge-in able to cut a turn short at any point.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/agent-handwerk/callcore/internal/capability"
)

// ErrUnknownCall is returned by any operation keyed on a call id the engine
// has no record of (either never started, or already ended).
var ErrUnknownCall = errors.New("conversation: unknown call id")

// defaultSentenceTerminators splits a streamed LLM reply into speakable
// chunks.
var defaultSentenceTerminators = []rune{'.', '!', '?'}

// Config tunes the engine's behavior across all calls it manages.
type Config struct {
	SystemPrompt       string
	GreetingText       string
	FallbackApology    string
	ExitPhrases        []string
	BargeInRMSThreshold float64
	BargeInFrameCount   int // consecutive energetic frames before barge-in fires
	GenerateOptions     capability.GenerateOptions
	TTSOptions          capability.TTSOptions
}

// applyDefaults fills zero-valued tunables with sane production defaults.
func (c *Config) applyDefaults() {
	if c.GreetingText == "" {
		c.GreetingText = "Hello, how can I help you today?"
	}
	if c.FallbackApology == "" {
		c.FallbackApology = "I'm sorry, I'm having trouble right now. Could you repeat that?"
	}
	if c.BargeInRMSThreshold <= 0 {
		c.BargeInRMSThreshold = 0.02
	}
	if c.BargeInFrameCount <= 0 {
		c.BargeInFrameCount = 3
	}
}

// Capabilities bundles the external collaborators the engine drives. LLM is
// required; STT, TTS, Dialect, and VAD are optional — a nil STT always
// yields an empty transcript, a nil TTS always yields no audio.
type Capabilities struct {
	STT     capability.STT
	LLM     capability.Conversational
	TTS     capability.TTS
	Dialect capability.DialectDetector
	VAD     capability.VADDetector
	Clock   capability.Clock
	Models  *ModelCache // optional; the engine does not read it, LLM stays caps.LLM
}

// call holds the exclusive, per-call state the engine owns: one goroutine
// (the caller's) operates on a given call id's state machine at a time,
// serialized through the call's mutex.
type call struct {
	mu sync.Mutex

	id  string
	fsm *fsm.FSM

	turns       []capability.Turn
	languageKey string
	langLocked  bool

	speaking        bool
	bargeCancel     context.CancelFunc
	bargeFrameRun   int
	playbackAborted bool
}

// Engine runs the conversation state machine for every live call. It holds
// no cross-call mutable state beyond the call table itself.
type Engine struct {
	cfg    Config
	caps   Capabilities
	logger *slog.Logger

	mu    sync.RWMutex
	calls map[string]*call
}

// New constructs an Engine. llm (Capabilities.LLM) must be non-nil.
func New(cfg Config, caps Capabilities, logger *slog.Logger) (*Engine, error) {
	if caps.LLM == nil {
		return nil, errors.New("conversation: LLM capability is required")
	}
	cfg.applyDefaults()
	if caps.Clock == nil {
		caps.Clock = capability.SystemClock{}
	}
	return &Engine{
		cfg:    cfg,
		caps:   caps,
		logger: logger.With("subsystem", "conversation"),
		calls:  make(map[string]*call),
	}, nil
}

// StartConversation begins a new call under a freshly generated id: it
// seeds the turn history with exactly one system turn, synthesizes the
// greeting, and leaves the call in LISTENING. The returned audio is the
// greeting's synthesized bytes (nil if no TTS capability is wired).
func (e *Engine) StartConversation(ctx context.Context) (string, []byte, error) {
	id := uuid.NewString()
	audio, err := e.startConversationFor(ctx, id)
	return id, audio, err
}

// StartConversationFor begins a new call under a caller-assigned id,
// for transports (internal/audiobridge, internal/wsaudio, internal/pbx)
// that already mint their own call identifier on connect. It errors if id
// is already tracked.
func (e *Engine) StartConversationFor(ctx context.Context, id string) ([]byte, error) {
	e.mu.RLock()
	_, exists := e.calls[id]
	e.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("conversation: call %s already started", id)
	}
	return e.startConversationFor(ctx, id)
}

func (e *Engine) startConversationFor(ctx context.Context, id string) ([]byte, error) {
	c := &call{id: id, fsm: newFSM()}
	c.turns = append(c.turns, capability.Turn{
		Role:      capability.RoleSystem,
		Content:   e.cfg.SystemPrompt,
		Timestamp: e.caps.Clock.Now(),
	})

	if err := c.fsm.Event(ctx, eventConnect); err != nil {
		return nil, fmt.Errorf("conversation: start: %w", err)
	}

	e.mu.Lock()
	e.calls[id] = c
	e.mu.Unlock()

	audio := e.synthesize(ctx, e.cfg.GreetingText)

	c.mu.Lock()
	_ = c.fsm.Event(ctx, eventGreetingDone)
	c.mu.Unlock()

	e.logger.Info("conversation started", "call_id", id)
	return audio, nil
}

// EndConversation tears down call state. It is idempotent: ending an
// unknown or already-ended call is a no-op.
func (e *Engine) EndConversation(id string) {
	e.mu.Lock()
	c, ok := e.calls[id]
	delete(e.calls, id)
	e.mu.Unlock()
	if !ok {
		return
	}
	c.mu.Lock()
	if c.fsm.Can(eventHangup) {
		_ = c.fsm.Event(context.Background(), eventHangup)
	}
	if c.bargeCancel != nil {
		c.bargeCancel()
	}
	c.mu.Unlock()
	e.logger.Info("conversation ended", "call_id", id)
}

// State returns the current FSM state name for a call.
func (e *Engine) State(id string) (string, bool) {
	e.mu.RLock()
	c, ok := e.calls[id]
	e.mu.RUnlock()
	if !ok {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fsm.Current(), true
}

// ActiveCallCount reports the number of calls the engine currently tracks,
// for internal/metrics.
func (e *Engine) ActiveCallCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.calls)
}

func (e *Engine) lookup(id string) (*call, error) {
	e.mu.RLock()
	c, ok := e.calls[id]
	e.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownCall
	}
	return c, nil
}

// NotifyIncomingFrame feeds one raw audio frame from the telephony side to
// the barge-in detector. It is a no-op unless the call is currently
// SPEAKING and a VAD capability is wired; once BargeInFrameCount
// consecutive energetic frames are observed it cancels in-flight TTS and
// transitions the call back to LISTENING.
func (e *Engine) NotifyIncomingFrame(id string, frame []float32) {
	if e.caps.VAD == nil {
		return
	}
	c, err := e.lookup(id)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fsm.Current() != StateSpeaking {
		c.bargeFrameRun = 0
		return
	}
	if !e.caps.VAD.IsSpeech(frame) {
		c.bargeFrameRun = 0
		return
	}
	c.bargeFrameRun++
	if c.bargeFrameRun < e.cfg.BargeInFrameCount {
		return
	}
	c.bargeFrameRun = 0
	c.playbackAborted = true
	if c.bargeCancel != nil {
		c.bargeCancel()
	}
	if c.fsm.Can(eventBargeIn) {
		_ = c.fsm.Event(context.Background(), eventBargeIn)
		e.logger.Info("barge-in", "call_id", id)
	}
}

// ProcessAudio runs one full non-streaming turn: transcribe, generate,
// synthesize. An empty transcript returns the call to LISTENING without
// invoking the LLM.
func (e *Engine) ProcessAudio(ctx context.Context, id string, pcm []float32, sampleRate int) (string, []byte, error) {
	c, err := e.lookup(id)
	if err != nil {
		return "", nil, err
	}

	c.mu.Lock()
	if !c.fsm.Can(eventUtteranceDone) {
		c.mu.Unlock()
		return "", nil, fmt.Errorf("conversation: call %s not listening (state=%s)", id, c.fsm.Current())
	}
	_ = c.fsm.Event(ctx, eventUtteranceDone)
	c.mu.Unlock()

	text, langHint := e.transcribe(ctx, id, c, pcm, sampleRate)
	if strings.TrimSpace(text) == "" {
		c.mu.Lock()
		_ = c.fsm.Event(ctx, eventEmptyTranscript)
		c.mu.Unlock()
		return "", nil, nil
	}

	c.mu.Lock()
	c.turns = append(c.turns, capability.Turn{Role: capability.RoleUser, Content: text, Timestamp: e.caps.Clock.Now()})
	history := append([]capability.Turn(nil), c.turns...)
	c.mu.Unlock()

	if e.isExitPhrase(text) {
		e.EndConversation(id)
		return text, nil, nil
	}

	opts := e.cfg.GenerateOptions
	reply, err := e.caps.LLM.Generate(ctx, history, opts)
	if err != nil {
		e.logger.Error("llm generate failed", "call_id", id, "error", err)
		reply = e.cfg.FallbackApology
	}

	c.mu.Lock()
	c.turns = append(c.turns, capability.Turn{Role: capability.RoleAssistant, Content: reply, Timestamp: e.caps.Clock.Now()})
	_ = c.fsm.Event(ctx, eventReplyReady)
	c.mu.Unlock()

	audio := e.synthesizeGuarded(ctx, c, reply)

	c.mu.Lock()
	if c.fsm.Can(eventSpeechFlushed) {
		_ = c.fsm.Event(ctx, eventSpeechFlushed)
	}
	c.mu.Unlock()

	_ = langHint
	return reply, audio, nil
}

// SentenceHandler receives one completed sentence's text and synthesized
// audio, in production order. Returning an error aborts the remainder of
// the streaming reply (e.g. the writer's connection dropped).
type SentenceHandler func(text string, audio []byte) error

// ProcessAudioStreaming runs one turn with sentence-incremental TTS: the
// LLM's streamed reply is split on sentence terminators, each sentence is
// synthesized and handed to onSentenceReady strictly in order before the
// next sentence begins synthesis, so playback never reorders sentences.
func (e *Engine) ProcessAudioStreaming(ctx context.Context, id string, pcm []float32, sampleRate int, onSentenceReady SentenceHandler) (string, string, error) {
	c, err := e.lookup(id)
	if err != nil {
		return "", "", err
	}

	c.mu.Lock()
	if !c.fsm.Can(eventUtteranceDone) {
		c.mu.Unlock()
		return "", "", fmt.Errorf("conversation: call %s not listening (state=%s)", id, c.fsm.Current())
	}
	_ = c.fsm.Event(ctx, eventUtteranceDone)
	c.mu.Unlock()

	userText, _ := e.transcribe(ctx, id, c, pcm, sampleRate)
	if strings.TrimSpace(userText) == "" {
		c.mu.Lock()
		_ = c.fsm.Event(ctx, eventEmptyTranscript)
		c.mu.Unlock()
		return "", "", nil
	}

	c.mu.Lock()
	c.turns = append(c.turns, capability.Turn{Role: capability.RoleUser, Content: userText, Timestamp: e.caps.Clock.Now()})
	history := append([]capability.Turn(nil), c.turns...)
	c.mu.Unlock()

	if e.isExitPhrase(userText) {
		e.EndConversation(id)
		return userText, "", nil
	}

	opts := e.cfg.GenerateOptions
	fragments, err := e.caps.LLM.GenerateStream(ctx, history, opts)
	if err != nil {
		e.logger.Error("llm generate_stream failed", "call_id", id, "error", err)
		fallback := e.cfg.FallbackApology
		c.mu.Lock()
		c.turns = append(c.turns, capability.Turn{Role: capability.RoleAssistant, Content: fallback, Timestamp: e.caps.Clock.Now()})
		_ = c.fsm.Event(ctx, eventReplyReady)
		c.mu.Unlock()
		audio := e.synthesizeGuarded(ctx, c, fallback)
		if onSentenceReady != nil && len(audio) > 0 {
			_ = onSentenceReady(fallback, audio)
		}
		c.mu.Lock()
		if c.fsm.Can(eventSpeechFlushed) {
			_ = c.fsm.Event(ctx, eventSpeechFlushed)
		}
		c.mu.Unlock()
		return userText, fallback, nil
	}

	c.mu.Lock()
	_ = c.fsm.Event(ctx, eventReplyReady)
	c.playbackAborted = false
	c.mu.Unlock()

	var full strings.Builder
	var pending strings.Builder
	terminators := e.cfg.GenerateOptions.SentenceTerminators
	if len(terminators) == 0 {
		terminators = defaultSentenceTerminators
	}

loop:
	for frag := range fragments {
		full.WriteString(frag.Text)
		pending.WriteString(frag.Text)

		for {
			idx := indexOfAny(pending.String(), terminators)
			if idx < 0 {
				break
			}
			sentence := strings.TrimSpace(pending.String()[:idx+1])
			rest := pending.String()[idx+1:]
			pending.Reset()
			pending.WriteString(rest)

			if sentence == "" {
				continue
			}

			c.mu.Lock()
			aborted := c.playbackAborted
			c.mu.Unlock()
			if aborted {
				break loop
			}

			audio := e.synthesizeGuarded(ctx, c, sentence)

			c.mu.Lock()
			aborted = c.playbackAborted
			c.mu.Unlock()
			if aborted {
				break loop
			}

			if onSentenceReady != nil {
				if err := onSentenceReady(sentence, audio); err != nil {
					break loop
				}
			}
		}
		if frag.Done {
			break
		}
	}

	if remaining := strings.TrimSpace(pending.String()); remaining != "" {
		c.mu.Lock()
		aborted := c.playbackAborted
		c.mu.Unlock()
		if !aborted {
			audio := e.synthesizeGuarded(ctx, c, remaining)
			c.mu.Lock()
			aborted = c.playbackAborted
			c.mu.Unlock()
			if !aborted && onSentenceReady != nil {
				_ = onSentenceReady(remaining, audio)
			}
		}
	}

	reply := full.String()
	c.mu.Lock()
	c.turns = append(c.turns, capability.Turn{Role: capability.RoleAssistant, Content: reply, Timestamp: e.caps.Clock.Now()})
	if c.fsm.Can(eventSpeechFlushed) {
		_ = c.fsm.Event(ctx, eventSpeechFlushed)
	}
	c.mu.Unlock()

	return userText, reply, nil
}

// transcribe runs STT with the call's language routing key as the language
// hint and, when a dialect detector is wired, locks in the detected key
// after the first utterance so a call never re-routes languages
// mid-sentence. The key only feeds the STT hint; it does not select a
// different LLM. A nil STT or a transcription error both degrade to an
// empty transcript rather than failing the turn.
func (e *Engine) transcribe(ctx context.Context, id string, c *call, pcm []float32, sampleRate int) (string, string) {
	if e.caps.STT == nil {
		return "", ""
	}

	c.mu.Lock()
	langHint := c.languageKey
	c.mu.Unlock()

	result, err := e.caps.STT.Transcribe(ctx, pcm, sampleRate, langHint)
	if err != nil {
		e.logger.Warn("stt failed", "call_id", id, "error", err)
		return "", langHint
	}

	if e.caps.Dialect != nil {
		c.mu.Lock()
		if !c.langLocked {
			if key, _, derr := e.caps.Dialect.Detect(ctx, pcm, sampleRate); derr == nil && key != "" {
				c.languageKey = key
				c.langLocked = true
			}
		}
		c.mu.Unlock()
	}

	return result.Text, result.DetectedLanguage
}

// synthesize runs TTS without barge-in cancellation wiring (used for the
// greeting, which cannot be interrupted before the caller has connected).
func (e *Engine) synthesize(ctx context.Context, text string) []byte {
	if e.caps.TTS == nil || strings.TrimSpace(text) == "" {
		return nil
	}
	audio, err := e.caps.TTS.Synthesize(ctx, text, e.cfg.TTSOptions)
	if err != nil {
		e.logger.Warn("tts failed", "error", err)
		return nil
	}
	return audio
}

// synthesizeGuarded runs TTS with a cancellation token stored on the call
// so NotifyIncomingFrame's barge-in path can cut it off; TTS failures omit
// audio but never fail the turn.
func (e *Engine) synthesizeGuarded(ctx context.Context, c *call, text string) []byte {
	if e.caps.TTS == nil || strings.TrimSpace(text) == "" {
		return nil
	}
	sctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.bargeCancel = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.bargeCancel = nil
		c.mu.Unlock()
		cancel()
	}()

	audio, err := e.caps.TTS.Synthesize(sctx, text, e.cfg.TTSOptions)
	if err != nil {
		if sctx.Err() != nil {
			return nil // cancelled by barge-in, not a failure
		}
		e.logger.Warn("tts failed", "error", err)
		return nil
	}
	return audio
}

func (e *Engine) isExitPhrase(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	for _, phrase := range e.cfg.ExitPhrases {
		if lower == strings.ToLower(phrase) {
			return true
		}
	}
	return false
}

func indexOfAny(s string, runes []rune) int {
	for i, r := range s {
		for _, t := range runes {
			if r == t {
				return i
			}
		}
	}
	return -1
}

// RMS computes the root-mean-square energy of a frame, used by the default
// VAD-backed barge-in/end-of-utterance heuristic in vad.go.
func RMS(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frame)))
}
