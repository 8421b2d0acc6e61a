package audiobridge

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/agent-handwerk/callcore/internal/codec"
	"github.com/agent-handwerk/callcore/internal/pipeline"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBridgeAcceptsConnectionAndDeliversAudio(t *testing.T) {
	p, err := pipeline.New(codec.PCMU)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}

	var mu sync.Mutex
	var connectedCallID string
	received := make(chan []float32, 1)
	disconnected := make(chan struct{}, 1)

	cfg := Config{BindAddr: "127.0.0.1:0", FrameBytes: 16, BufferChunks: 1, IdleTimeout: 2 * time.Second}
	b := New(cfg, p, Callbacks{
		OnConnection: func(callID string) {
			mu.Lock()
			connectedCallID = callID
			mu.Unlock()
		},
		OnAudioReceived: func(callID string, samples []float32) {
			received <- samples
		},
		OnDisconnection: func(callID string) {
			disconnected <- struct{}{}
		},
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	b.cfg.BindAddr = addr

	go b.Start(ctx)
	time.Sleep(50 * time.Millisecond) // let the listener come up

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	frame := make([]byte, 16)
	for i := range frame {
		frame[i] = 0xFF // mu-law silence
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case samples := <-received:
		if len(samples) == 0 {
			t.Fatal("expected non-empty decoded samples")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnAudioReceived")
	}

	mu.Lock()
	gotCallID := connectedCallID
	mu.Unlock()
	if gotCallID == "" {
		t.Fatal("expected OnConnection to have been invoked with a call ID")
	}

	conn.Close()
	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnDisconnection")
	}

	b.Stop()
}

func TestSendAudioUnknownCallReturnsFalse(t *testing.T) {
	p, _ := pipeline.New(codec.PCMU)
	b := New(Config{BindAddr: "127.0.0.1:0"}, p, Callbacks{}, discardLogger())
	if ok := b.SendAudio("nonexistent", []float32{0.1, 0.2}); ok {
		t.Fatal("expected SendAudio to fail for unknown call ID")
	}
}

func TestActiveCallsEmptyInitially(t *testing.T) {
	p, _ := pipeline.New(codec.PCMU)
	b := New(Config{BindAddr: "127.0.0.1:0"}, p, Callbacks{}, discardLogger())
	if ids := b.ActiveCalls(); len(ids) != 0 {
		t.Fatalf("expected no active calls, got %v", ids)
	}
}

func TestExpectCallAssignsKnownIDToNextConnection(t *testing.T) {
	p, err := pipeline.New(codec.PCMU)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}

	connected := make(chan string, 1)
	b := New(Config{BindAddr: "127.0.0.1:0", FrameBytes: 16, BufferChunks: 1, IdleTimeout: 2 * time.Second}, p, Callbacks{
		OnConnection: func(callID string) { connected <- callID },
	}, discardLogger())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	b.cfg.BindAddr = addr

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b.ExpectCall("outbound-call-1")

	go b.Start(ctx)
	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	select {
	case callID := <-connected:
		if callID != "outbound-call-1" {
			t.Fatalf("expected connection to claim expected call id, got %q", callID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnConnection")
	}

	b.Stop()
}

func TestNextFrameDeliversDecodedAudio(t *testing.T) {
	p, err := pipeline.New(codec.PCMU)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}

	b := New(Config{BindAddr: "127.0.0.1:0", FrameBytes: 16, BufferChunks: 1, IdleTimeout: 2 * time.Second}, p, Callbacks{}, discardLogger())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	b.cfg.BindAddr = addr

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b.ExpectCall("outbound-call-2")
	go b.Start(ctx)
	time.Sleep(50 * time.Millisecond)

	awaited := make(chan bool, 1)
	go func() { awaited <- b.AwaitConnection(ctx, "outbound-call-2", 2*time.Second) }()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	select {
	case ok := <-awaited:
		if !ok {
			t.Fatal("AwaitConnection should have returned true once the socket connects")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for AwaitConnection to resolve")
	}

	frame := make([]byte, 16)
	for i := range frame {
		frame[i] = 0xFF
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	fctx, fcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer fcancel()
	samples, ok := b.NextFrame(fctx, "outbound-call-2")
	if !ok || len(samples) == 0 {
		t.Fatal("expected NextFrame to deliver decoded samples")
	}

	b.Stop()
}

func TestAwaitConnectionTimesOutWithoutConnection(t *testing.T) {
	p, _ := pipeline.New(codec.PCMU)
	b := New(Config{BindAddr: "127.0.0.1:0"}, p, Callbacks{}, discardLogger())

	ctx := context.Background()
	start := time.Now()
	if b.AwaitConnection(ctx, "never-arrives", 100*time.Millisecond) {
		t.Fatal("expected AwaitConnection to time out")
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Fatal("expected AwaitConnection to actually wait for the timeout")
	}
}
