package wsaudio

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/gorilla/websocket"
)

// genericMessage is the envelope for the generic protocol's JSON control
// and audio messages. Fields are a union across message types; only the
// ones relevant to Type are populated.
type genericMessage struct {
	Type string `json:"type"`

	// audio message fields
	Data          string `json:"data,omitempty"`
	SampleRate    int    `json:"sample_rate,omitempty"`
	Channels      int    `json:"channels,omitempty"`
	BitsPerSample int    `json:"bits_per_sample,omitempty"`
	TimestampMs   int64  `json:"timestamp_ms,omitempty"`

	// start message field
	Token string `json:"token,omitempty"`

	// error message field
	Error string `json:"error,omitempty"`

	// transcript/response message field
	Text string `json:"text,omitempty"`
}

const (
	genericTypeStart       = "start"
	genericTypeStop        = "stop"
	genericTypeStatus      = "status"
	genericTypeAudio       = "audio"
	genericTypeConnected   = "connected"
	genericTypeAudioStart  = "audio_start"
	genericTypeAudioEnd    = "audio_end"
	genericTypeTranscript  = "transcript"
	genericTypeResponse    = "response"
	genericTypeErrorOutput = "error"
)

func (s *Server) serveGeneric(ctx context.Context, c *wsConn) {
	authenticated := len(s.cfg.JWTSecret) == 0

	for {
		if ctx.Err() != nil {
			return
		}

		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if !authenticated {
				writeJSON(c, genericMessage{Type: genericTypeErrorOutput, Error: "unauthenticated"})
				continue
			}
			s.handleGenericBinaryFrame(c, payload)
		case websocket.TextMessage:
			var msg genericMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				c.protocolErrors.Add(1)
				writeJSON(c, genericMessage{Type: genericTypeErrorOutput, Error: "invalid json"})
				continue
			}
			switch msg.Type {
			case genericTypeStart:
				if len(s.cfg.JWTSecret) > 0 {
					if _, err := ValidateSessionToken(s.cfg.JWTSecret, msg.Token); err != nil {
						writeJSON(c, genericMessage{Type: genericTypeErrorOutput, Error: "invalid or expired token"})
						c.conn.Close()
						return
					}
				}
				authenticated = true
				if s.callbacks.OnConnection != nil {
					s.callbacks.OnConnection(c.callID)
				}
				writeJSON(c, genericMessage{Type: genericTypeConnected})
			case genericTypeStop:
				if s.callbacks.OnDisconnection != nil {
					s.callbacks.OnDisconnection(c.callID)
				}
				return
			case genericTypeStatus:
				writeJSON(c, genericMessage{Type: genericTypeConnected})
			case genericTypeAudio:
				if !authenticated {
					writeJSON(c, genericMessage{Type: genericTypeErrorOutput, Error: "unauthenticated"})
					continue
				}
				s.handleGenericAudioMessage(c, msg)
			default:
				c.protocolErrors.Add(1)
			}
		}
	}
}

func (s *Server) handleGenericBinaryFrame(c *wsConn, payload []byte) {
	c.framesReceived.Add(1)
	c.bytesReceived.Add(uint64(len(payload)))

	samples := pcm16LEToFloat32(payload)
	if s.callbacks.OnAudioReceived != nil {
		s.callbacks.OnAudioReceived(c.callID, samples)
	}
}

func (s *Server) handleGenericAudioMessage(c *wsConn, msg genericMessage) {
	raw, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		c.protocolErrors.Add(1)
		return
	}
	c.framesReceived.Add(1)
	c.bytesReceived.Add(uint64(len(raw)))

	samples := pcm16LEToFloat32(raw)
	if s.callbacks.OnAudioReceived != nil {
		s.callbacks.OnAudioReceived(c.callID, samples)
	}
}

func (s *Server) sendGenericAudio(c *wsConn, samples []float32) bool {
	wire := float32ToPCM16LE(samples)
	if err := writeBinary(c, wire); err != nil {
		return false
	}
	c.framesSent.Add(1)
	c.bytesSent.Add(uint64(len(wire)))
	return true
}

func pcm16LEToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		out[i] = float32(v) / 32768.0
	}
	return out
}

func float32ToPCM16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, f := range samples {
		v := f * 32767.0
		switch {
		case v > 32767:
			v = 32767
		case v < -32768:
			v = -32768
		}
		s := int16(v)
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}
