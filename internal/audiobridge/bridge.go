// Package audiobridge accepts raw telephony audio stream connections (a
// plain framed TCP socket, not RTP — the PBX's mod_socket-style media
// bridge) and marshals audio between the telephony side and the AI
// pipeline for many concurrent calls.
//
// Each accepted connection gets its own goroutine and a per-connection set
// of atomic counters for its stats, repurposed from a caller<->callee relay
// shape into a telephony<->AI frame bridge.
package audiobridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agent-handwerk/callcore/internal/pipeline"
)

// Config controls the bridge's listening socket and per-connection framing.
// The telephony codec itself is fixed by the Pipeline passed to New.
type Config struct {
	BindAddr     string
	FrameBytes   int // bytes per telephony frame, e.g. 160 at 8kHz/20ms
	BufferChunks int // frames accumulated before invoking OnAudioReceived
	IdleTimeout  time.Duration
}

// Callbacks are the bridge's registered event handlers.
type Callbacks struct {
	OnConnection    func(callID string)
	OnAudioReceived func(callID string, samples []float32)
	OnDisconnection func(callID string)
}

// ConnStats holds per-connection atomic counters.
type ConnStats struct {
	FramesReceived uint64
	FramesSent     uint64
	BytesReceived  uint64
	BytesSent      uint64
	CodecErrors    uint64
}

// framePullBuffer bounds how many decoded frames a NextFrame caller can lag
// behind the telephony read loop before frames start being dropped instead
// of delivered.
const framePullBuffer = 64

type connection struct {
	callID string
	conn   net.Conn

	writeMu sync.Mutex

	// frames mirrors every decoded chunk to a pull-based consumer (e.g. an
	// outbound call's synchronous listen loop) alongside the push-based
	// OnAudioReceived callback used by inbound calls.
	frames chan []float32

	framesReceived atomic.Uint64
	framesSent     atomic.Uint64
	bytesReceived  atomic.Uint64
	bytesSent      atomic.Uint64
	codecErrors    atomic.Uint64

	closed atomic.Bool
}

func (c *connection) stats() ConnStats {
	return ConnStats{
		FramesReceived: c.framesReceived.Load(),
		FramesSent:     c.framesSent.Load(),
		BytesReceived:  c.bytesReceived.Load(),
		BytesSent:      c.bytesSent.Load(),
		CodecErrors:    c.codecErrors.Load(),
	}
}

// Bridge accepts telephony connections and bridges their audio to the AI
// pipeline. One owner goroutine per connection reads frames; Send writes
// are serialized per-connection under that connection's lock.
type Bridge struct {
	cfg       Config
	pipeline  *pipeline.Pipeline
	callbacks Callbacks
	logger    *slog.Logger

	listener net.Listener

	mu    sync.RWMutex
	conns map[string]*connection

	// pendingMu guards both expected and waiters: a caller that already
	// knows a call's id (an outbound call the dialer told the PBX to fork
	// here via ExpectCall) claims the next accepted connection that
	// doesn't announce its own id, and can block in AwaitConnection until
	// that connection actually arrives, since accept order isn't under
	// this package's control.
	pendingMu sync.Mutex
	expected  []string
	waiters   map[string]chan struct{}

	wg sync.WaitGroup
}

// New constructs a Bridge. p is the codec pipeline used to translate
// telephony bytes to/from AI float32 samples.
func New(cfg Config, p *pipeline.Pipeline, callbacks Callbacks, logger *slog.Logger) *Bridge {
	if cfg.FrameBytes <= 0 {
		cfg.FrameBytes = 160
	}
	if cfg.BufferChunks <= 0 {
		cfg.BufferChunks = 1
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	return &Bridge{
		cfg:       cfg,
		pipeline:  p,
		callbacks: callbacks,
		logger:    logger.With("subsystem", "audiobridge"),
		conns:     make(map[string]*connection),
		waiters:   make(map[string]chan struct{}),
	}
}

// Start begins accepting connections on cfg.BindAddr. It blocks until ctx
// is canceled or the listener fails.
func (b *Bridge) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("audiobridge: listen: %w", err)
	}
	b.listener = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				b.wg.Wait()
				return nil
			}
			b.logger.Error("accept failed", "error", err)
			continue
		}
		b.wg.Add(1)
		go b.handleConnection(ctx, conn)
	}
}

// Stop closes the listener and waits for all connection loops to exit.
func (b *Bridge) Stop() {
	if b.listener != nil {
		b.listener.Close()
	}
	b.wg.Wait()
}

func (b *Bridge) handleConnection(ctx context.Context, conn net.Conn) {
	defer b.wg.Done()
	defer conn.Close()

	callID := b.claimCallID()
	c := &connection{callID: callID, conn: conn, frames: make(chan []float32, framePullBuffer)}

	b.mu.Lock()
	b.conns[callID] = c
	b.mu.Unlock()
	b.resolveWaiter(callID)

	defer func() {
		b.mu.Lock()
		delete(b.conns, callID)
		b.mu.Unlock()
		close(c.frames)
		if b.callbacks.OnDisconnection != nil {
			b.callbacks.OnDisconnection(callID)
		}
	}()

	if b.callbacks.OnConnection != nil {
		b.callbacks.OnConnection(callID)
	}

	b.readLoop(ctx, c, bufio.NewReader(conn))
}

// ExpectCall registers callID as the identity for the next accepted
// connection that hasn't already claimed one — used when an outbound call
// is told (via pbx.Client.StreamToSocket) to fork its audio here, so the
// PBX's resulting connection is attributed to the call that requested it
// instead of getting an arbitrary generated id. Calls are claimed in the
// order ExpectCall was called, matching the order the PBX is expected to
// connect back in.
func (b *Bridge) ExpectCall(callID string) {
	b.pendingMu.Lock()
	b.expected = append(b.expected, callID)
	b.pendingMu.Unlock()
}

// claimCallID pops the oldest ExpectCall'd id, if any, otherwise generates
// a fresh one for a connection nothing was expecting (the inbound case:
// dialplan-configured forks with no id of their own to offer).
func (b *Bridge) claimCallID() string {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	if len(b.expected) > 0 {
		id := b.expected[0]
		b.expected = b.expected[1:]
		return id
	}
	return uuid.NewString()
}

// resolveWaiter signals any AwaitConnection call blocked waiting for
// callID's connection to register.
func (b *Bridge) resolveWaiter(callID string) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	if ch, ok := b.waiters[callID]; ok {
		close(ch)
		delete(b.waiters, callID)
	}
}

// AwaitConnection blocks until callID's telephony connection has been
// accepted, ctx is done, or timeout elapses. It returns true immediately
// if the connection already exists.
func (b *Bridge) AwaitConnection(ctx context.Context, callID string, timeout time.Duration) bool {
	b.mu.RLock()
	_, ok := b.conns[callID]
	b.mu.RUnlock()
	if ok {
		return true
	}

	b.pendingMu.Lock()
	ch, ok := b.waiters[callID]
	if !ok {
		ch = make(chan struct{})
		b.waiters[callID] = ch
	}
	b.pendingMu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-ch:
		return true
	case <-wctx.Done():
		return false
	}
}

// NextFrame blocks for one decoded audio frame from callID's connection,
// for callers driving a synchronous turn loop rather than the push-based
// OnAudioReceived callback. It returns false once the connection closes or
// ctx is done.
func (b *Bridge) NextFrame(ctx context.Context, callID string) ([]float32, bool) {
	b.mu.RLock()
	c, ok := b.conns[callID]
	b.mu.RUnlock()
	if !ok {
		return nil, false
	}

	select {
	case frame, ok := <-c.frames:
		return frame, ok
	case <-ctx.Done():
		return nil, false
	}
}

// readLoop reads fixed-size telephony frames, accumulates BufferChunks of
// them, decodes through the pipeline, and delivers the result both to
// OnAudioReceived and to any pull-based NextFrame caller. Codec errors are
// per-connection and never terminate other connections.
func (b *Bridge) readLoop(ctx context.Context, c *connection, reader *bufio.Reader) {
	frame := make([]byte, b.cfg.FrameBytes)
	var accumulated []byte

	for {
		if ctx.Err() != nil {
			return
		}

		c.conn.SetReadDeadline(time.Now().Add(b.cfg.IdleTimeout))
		n, err := io.ReadFull(reader, frame)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return
			}
			b.logger.Warn("read error, closing connection", "call_id", c.callID, "error", err)
			return
		}

		c.framesReceived.Add(1)
		c.bytesReceived.Add(uint64(n))
		accumulated = append(accumulated, frame[:n]...)

		if len(accumulated)/b.cfg.FrameBytes < b.cfg.BufferChunks {
			continue
		}

		samples := b.pipeline.DecodeForAI(accumulated)
		accumulated = accumulated[:0]

		select {
		case c.frames <- samples:
		default:
			// No pull-based consumer is keeping up (or none is
			// listening); drop rather than block the telephony read
			// loop, which must keep draining the socket regardless.
		}

		if b.callbacks.OnAudioReceived != nil {
			b.callbacks.OnAudioReceived(c.callID, samples)
		}
	}
}

// SendAudio encodes samples (if not already telephony bytes) and writes
// them to the named call's outbound stream. It returns false if the call
// is unknown or the connection is closed.
func (b *Bridge) SendAudio(callID string, samples []float32) bool {
	b.mu.RLock()
	c, ok := b.conns[callID]
	b.mu.RUnlock()
	if !ok || c.closed.Load() {
		return false
	}

	wire := b.pipeline.EncodeForTelephony(samples)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	n, err := c.conn.Write(wire)
	if err != nil {
		c.codecErrors.Add(1)
		b.logger.Warn("write failed", "call_id", callID, "error", err)
		return false
	}
	c.framesSent.Add(1)
	c.bytesSent.Add(uint64(n))
	return true
}

// SendAudioBytes writes pre-encoded telephony bytes directly, bypassing the
// pipeline's float32 encode step.
func (b *Bridge) SendAudioBytes(callID string, wire []byte) bool {
	b.mu.RLock()
	c, ok := b.conns[callID]
	b.mu.RUnlock()
	if !ok || c.closed.Load() {
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	n, err := c.conn.Write(wire)
	if err != nil {
		c.codecErrors.Add(1)
		return false
	}
	c.framesSent.Add(1)
	c.bytesSent.Add(uint64(n))
	return true
}

// Stats returns a snapshot of one connection's counters.
func (b *Bridge) Stats(callID string) (ConnStats, bool) {
	b.mu.RLock()
	c, ok := b.conns[callID]
	b.mu.RUnlock()
	if !ok {
		return ConnStats{}, false
	}
	return c.stats(), true
}

// ActiveCalls returns the call IDs of currently connected telephony streams.
func (b *Bridge) ActiveCalls() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.conns))
	for id := range b.conns {
		ids = append(ids, id)
	}
	return ids
}

// ActiveConnections reports the current concurrent telephony stream count,
// for internal/metrics.
func (b *Bridge) ActiveConnections() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(len(b.conns))
}
