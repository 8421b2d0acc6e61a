package wsaudio

import (
	"context"
	"encoding/base64"
	"encoding/json"
)

// mediaStreamsMessage is the provider Media-Streams JSON envelope. Only the
// sub-object matching Event is populated on any given message.
type mediaStreamsMessage struct {
	Event          string              `json:"event"`
	SequenceNumber string              `json:"sequenceNumber,omitempty"`
	StreamSID      string              `json:"streamSid,omitempty"`
	Start          *mediaStreamsStart  `json:"start,omitempty"`
	Media          *mediaStreamsMedia  `json:"media,omitempty"`
	Stop           *mediaStreamsStop   `json:"stop,omitempty"`
	Mark           *mediaStreamsMark   `json:"mark,omitempty"`
	DTMF           *mediaStreamsDTMF   `json:"dtmf,omitempty"`
}

type mediaStreamsStart struct {
	StreamSID     string             `json:"streamSid"`
	AccountSID    string             `json:"accountSid"`
	CallSID       string             `json:"callSid"`
	Tracks        []string           `json:"tracks,omitempty"`
	MediaFormat   mediaStreamsFormat `json:"mediaFormat"`
	CustomParams  map[string]string  `json:"customParameters,omitempty"`
}

type mediaStreamsFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaStreamsMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type mediaStreamsStop struct {
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid,omitempty"`
}

type mediaStreamsMark struct {
	Name string `json:"name"`
}

type mediaStreamsDTMF struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

func (s *Server) serveMediaStreams(ctx context.Context, c *wsConn) {
	for {
		if ctx.Err() != nil {
			return
		}

		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg mediaStreamsMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.protocolErrors.Add(1)
			continue
		}

		switch msg.Event {
		case "connected":
			// provider handshake; no action required.
		case "start":
			if msg.Start != nil {
				c.streamSID = msg.Start.StreamSID
				c.callSID = msg.Start.CallSID
			}
			if s.callbacks.OnConnection != nil {
				s.callbacks.OnConnection(c.callID)
			}
		case "media":
			s.handleMediaStreamsMedia(c, msg.Media)
		case "mark", "dtmf":
			// no-op: neither carries caller audio.
		case "stop":
			if s.callbacks.OnDisconnection != nil {
				s.callbacks.OnDisconnection(c.callID)
			}
			return
		default:
			c.protocolErrors.Add(1)
		}
	}
}

func (s *Server) handleMediaStreamsMedia(c *wsConn, media *mediaStreamsMedia) {
	if media == nil {
		c.protocolErrors.Add(1)
		return
	}
	raw, err := base64.StdEncoding.DecodeString(media.Payload)
	if err != nil {
		c.protocolErrors.Add(1)
		return
	}
	c.framesReceived.Add(1)
	c.bytesReceived.Add(uint64(len(raw)))

	if c.mediaPipeline == nil || s.callbacks.OnAudioReceived == nil {
		return
	}
	samples := c.mediaPipeline.DecodeForAI(raw)
	s.callbacks.OnAudioReceived(c.callID, samples)
}

func (s *Server) sendMediaStreamsAudio(c *wsConn, samples []float32) bool {
	if c.mediaPipeline == nil {
		return false
	}
	wire := c.mediaPipeline.EncodeForTelephony(samples)

	msg := mediaStreamsMessage{
		Event:     "media",
		StreamSID: c.streamSID,
		Media: &mediaStreamsMedia{
			Payload: base64.StdEncoding.EncodeToString(wire),
		},
	}
	if err := writeJSON(c, msg); err != nil {
		return false
	}
	c.framesSent.Add(1)
	c.bytesSent.Add(uint64(len(wire)))
	return true
}

// SendMark writes a named marker event on the Media-Streams connection,
// used to correlate playback completion with TTS sentence boundaries.
func (s *Server) SendMark(callID, name string) bool {
	s.mu.RLock()
	c, ok := s.conns[callID]
	s.mu.RUnlock()
	if !ok || c.protocol != ProtocolMediaStreams || c.closed.Load() {
		return false
	}
	msg := mediaStreamsMessage{Event: "mark", StreamSID: c.streamSID, Mark: &mediaStreamsMark{Name: name}}
	return writeJSON(c, msg) == nil
}
