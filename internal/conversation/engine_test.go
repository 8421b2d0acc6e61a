package conversation

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/agent-handwerk/callcore/internal/capability"
)

type fakeClock struct{ t time.Time }

func (c fakeClock) Now() time.Time { return c.t }

type fakeSTT struct{ text string }

func (f fakeSTT) Transcribe(ctx context.Context, pcm []float32, sampleRate int, hint string) (capability.TranscriptionResult, error) {
	return capability.TranscriptionResult{Text: f.text}, nil
}

type fakeLLM struct {
	reply       string
	streamParts []string
}

func (f fakeLLM) Generate(ctx context.Context, history []capability.Turn, opts capability.GenerateOptions) (string, error) {
	return f.reply, nil
}

func (f fakeLLM) GenerateStream(ctx context.Context, history []capability.Turn, opts capability.GenerateOptions) (<-chan capability.TokenFragment, error) {
	ch := make(chan capability.TokenFragment, len(f.streamParts))
	for i, p := range f.streamParts {
		ch <- capability.TokenFragment{Text: p, Done: i == len(f.streamParts)-1}
	}
	close(ch)
	return ch, nil
}

type fakeTTS struct{ calls *[]string }

func (f fakeTTS) Synthesize(ctx context.Context, text string, opts capability.TTSOptions) ([]byte, error) {
	if f.calls != nil {
		*f.calls = append(*f.calls, text)
	}
	return []byte(text), nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, nil))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestStartEndConversationIdempotent(t *testing.T) {
	e, err := New(Config{}, Capabilities{LLM: fakeLLM{}, Clock: fakeClock{time.Now()}}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	id, _, err := e.StartConversation(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := e.State(id); !ok {
		t.Fatal("expected call to exist after start")
	}
	e.EndConversation(id)
	if _, ok := e.State(id); ok {
		t.Fatal("expected call to be gone after end")
	}
	// idempotent: ending again must not panic.
	e.EndConversation(id)
}

func TestProcessAudioEmptyTranscript(t *testing.T) {
	var ttsCalls []string
	e, err := New(Config{}, Capabilities{
		STT:   fakeSTT{text: "   "},
		LLM:   fakeLLM{reply: "should not be used"},
		TTS:   fakeTTS{calls: &ttsCalls},
		Clock: fakeClock{time.Now()},
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	id, _, _ := e.StartConversation(context.Background())
	// StartConversation synthesizes the greeting; only count TTS calls made
	// while processing the empty transcript.
	ttsCalls = nil

	reply, audio, err := e.ProcessAudio(context.Background(), id, make([]float32, 160), 16000)
	if err != nil {
		t.Fatal(err)
	}
	if reply != "" || audio != nil {
		t.Fatalf("expected empty reply/audio, got %q / %v", reply, audio)
	}
	if len(ttsCalls) != 0 {
		t.Fatalf("expected no TTS invocations, got %v", ttsCalls)
	}
	if state, _ := e.State(id); state != StateListening {
		t.Fatalf("expected state=listening, got %s", state)
	}
}

func TestProcessAudioStreamingSplitsSentences(t *testing.T) {
	var ttsCalls []string
	e, err := New(Config{}, Capabilities{
		STT: fakeSTT{text: "hallo"},
		LLM: fakeLLM{streamParts: []string{"Hallo. ", "Wie geht es Ihnen?"}},
		TTS: fakeTTS{calls: &ttsCalls},
		Clock: fakeClock{time.Now()},
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	id, _, _ := e.StartConversation(context.Background())

	var sentences []string
	_, full, err := e.ProcessAudioStreaming(context.Background(), id, make([]float32, 160), 16000, func(text string, audio []byte) error {
		sentences = append(sentences, text)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(sentences) != 2 {
		t.Fatalf("expected 2 sentences, got %d: %v", len(sentences), sentences)
	}
	if sentences[0] != "Hallo." || sentences[1] != "Wie geht es Ihnen?" {
		t.Fatalf("unexpected sentence order: %v", sentences)
	}
	if !strings.Contains(full, "Hallo") {
		t.Fatalf("unexpected full reply: %q", full)
	}
}

func TestBargeInCancelsRemainingSentences(t *testing.T) {
	vad := NewThresholdVAD(0.01)
	e, err := New(Config{BargeInFrameCount: 1}, Capabilities{
		STT:   fakeSTT{text: "hi"},
		LLM:   fakeLLM{streamParts: []string{"One. ", "Two. ", "Three."}},
		TTS:   fakeTTS{},
		VAD:   vad,
		Clock: fakeClock{time.Now()},
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	id, _, _ := e.StartConversation(context.Background())

	var emitted []string
	loud := make([]float32, 160)
	for i := range loud {
		loud[i] = 1.0
	}

	_, _, err = e.ProcessAudioStreaming(context.Background(), id, make([]float32, 160), 16000, func(text string, audio []byte) error {
		emitted = append(emitted, text)
		if len(emitted) == 1 {
			e.NotifyIncomingFrame(id, loud)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(emitted) != 1 {
		t.Fatalf("expected exactly 1 sentence emitted before barge-in, got %v", emitted)
	}
}
