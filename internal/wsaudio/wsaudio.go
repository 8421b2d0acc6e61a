// Package wsaudio adapts internal/audiobridge's role onto a WebSocket
// transport, for browser clients and provider media-streaming integrations
// that carry telephony audio over JSON/binary WebSocket frames instead of a
// raw RTP or framed-TCP socket.
//
// Two wire protocols are supported on the same connection cap and callback
// surface: a generic JSON/binary protocol (internal/wsaudio/generic.go) and
// a provider Media-Streams-style protocol (internal/wsaudio/mediastreams.go).
package wsaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agent-handwerk/callcore/internal/pipeline"
)

// ErrAtCapacity is the reason text of the 1013 close that HandleGeneric and
// HandleMediaStreams send when the configured connection cap is already
// reached.
var ErrAtCapacity = errors.New("wsaudio: connection capacity reached")

// Protocol selects which wire framing a Server mux endpoint speaks.
type Protocol int

const (
	ProtocolGeneric Protocol = iota
	ProtocolMediaStreams
)

// Config controls connection limits and protocol-specific codecs.
type Config struct {
	MaxConnections int
	IdleTimeout    time.Duration
	// TelephonyCodec builds the pipeline used to translate Media-Streams
	// mu-law payloads to/from AI float32 samples. Generic-protocol audio is
	// already 16-bit PCM at 16kHz and bypasses the pipeline.
	TelephonyCodec func() (*pipeline.Pipeline, error)
	// JWTSecret signs and validates the generic protocol's bearer token.
	// Empty disables auth, for local/dev use only.
	JWTSecret []byte
}

func (c *Config) withDefaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 100
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
}

// Callbacks mirrors internal/audiobridge's callback surface so a single
// conversation engine can be wired to either transport interchangeably.
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
	ProtocolErrors uint64
}

type wsConn struct {
	callID   string
	conn     *websocket.Conn
	protocol Protocol

	writeMu sync.Mutex
	closeWg sync.WaitGroup

	mediaPipeline *pipeline.Pipeline
	streamSID     string
	callSID       string

	framesReceived atomic.Uint64
	framesSent     atomic.Uint64
	bytesReceived  atomic.Uint64
	bytesSent      atomic.Uint64
	protocolErrors atomic.Uint64

	closed atomic.Bool
}

func (c *wsConn) stats() ConnStats {
	return ConnStats{
		FramesReceived: c.framesReceived.Load(),
		FramesSent:     c.framesSent.Load(),
		BytesReceived:  c.bytesReceived.Load(),
		BytesSent:      c.bytesSent.Load(),
		ProtocolErrors: c.protocolErrors.Load(),
	}
}

// Server accepts WebSocket audio connections for both protocol variants,
// capped at Config.MaxConnections concurrent sessions.
type Server struct {
	cfg       Config
	callbacks Callbacks
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*wsConn

	active atomic.Int64
	wg     sync.WaitGroup
}

// New constructs a Server. callbacks are invoked identically regardless of
// which protocol a given connection speaks.
func New(cfg Config, callbacks Callbacks, logger *slog.Logger) *Server {
	cfg.withDefaults()
	return &Server{
		cfg:       cfg,
		callbacks: callbacks,
		logger:    logger.With("subsystem", "wsaudio"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*wsConn),
	}
}

// HandleGeneric upgrades r to the generic JSON/binary protocol.
func (s *Server) HandleGeneric(w http.ResponseWriter, r *http.Request) {
	s.handleUpgrade(w, r, ProtocolGeneric)
}

// HandleMediaStreams upgrades r to the provider Media-Streams-style
// protocol.
func (s *Server) HandleMediaStreams(w http.ResponseWriter, r *http.Request) {
	s.handleUpgrade(w, r, ProtocolMediaStreams)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request, protocol Protocol) {
	if s.active.Load() >= int64(s.cfg.MaxConnections) {
		s.rejectAtCapacity(w, r)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}

	s.active.Add(1)
	s.wg.Add(1)
	go s.serve(r.Context(), conn, protocol)
}

// rejectAtCapacity completes the WebSocket handshake and immediately closes
// with code 1013 ("try again later"), per spec: excess connections beyond
// the configured cap are closed with code 1013 rather than refused at the
// HTTP layer, so clients receive a standard WS close frame.
func (s *Server) rejectAtCapacity(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, ErrAtCapacity.Error())
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
	conn.Close()
}

func (s *Server) serve(ctx context.Context, conn *websocket.Conn, protocol Protocol) {
	defer s.wg.Done()
	defer s.active.Add(-1)
	defer conn.Close()

	callID := uuid.NewString()
	c := &wsConn{callID: callID, conn: conn, protocol: protocol}

	if protocol == ProtocolMediaStreams && s.cfg.TelephonyCodec != nil {
		p, err := s.cfg.TelephonyCodec()
		if err != nil {
			s.logger.Error("telephony codec init failed", "error", err)
			return
		}
		c.mediaPipeline = p
	}

	s.mu.Lock()
	s.conns[callID] = c
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, callID)
		s.mu.Unlock()
		if s.callbacks.OnDisconnection != nil {
			s.callbacks.OnDisconnection(callID)
		}
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		return nil
	})

	switch protocol {
	case ProtocolMediaStreams:
		s.serveMediaStreams(ctx, c)
	default:
		s.serveGeneric(ctx, c)
	}
}

// SendAudio writes AI-generated samples to the named connection, encoding
// through the connection's protocol. It returns false if the call is
// unknown or the connection is closed.
func (s *Server) SendAudio(callID string, samples []float32) bool {
	s.mu.RLock()
	c, ok := s.conns[callID]
	s.mu.RUnlock()
	if !ok || c.closed.Load() {
		return false
	}

	switch c.protocol {
	case ProtocolMediaStreams:
		return s.sendMediaStreamsAudio(c, samples)
	default:
		return s.sendGenericAudio(c, samples)
	}
}

// Stats returns the named connection's counters, or the zero value if the
// call is unknown.
func (s *Server) Stats(callID string) ConnStats {
	s.mu.RLock()
	c, ok := s.conns[callID]
	s.mu.RUnlock()
	if !ok {
		return ConnStats{}
	}
	return c.stats()
}

// ActiveConnections reports the current concurrent session count.
func (s *Server) ActiveConnections() int64 {
	return s.active.Load()
}

// Stop closes all active connections and waits for their serve loops to
// return.
func (s *Server) Stop() {
	s.mu.RLock()
	conns := make([]*wsConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.closed.Store(true)
		c.conn.Close()
	}
	s.wg.Wait()
}

func writeJSON(c *wsConn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("wsaudio: write json: %w", err)
	}
	return nil
}

func writeBinary(c *wsConn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("wsaudio: write binary: %w", err)
	}
	return nil
}
