// Package conversation implements the per-call conversation state machine:
// greeting, turn-taking between listening and processing, streaming TTS
// playback, barge-in, and optional dialect-based model routing.
//
// States and events are named and driven through looplab/fsm, constructed
// once per call; the Engine methods call the STT, LLM and TTS capabilities
// directly.
package conversation

import "github.com/looplab/fsm"

// State names for the per-call conversation FSM.
const (
	StateNew        = "new"
	StateGreeting   = "greeting"
	StateListening  = "listening"
	StateProcessing = "processing"
	StateSpeaking   = "speaking"
	StateEnded      = "ended"
)

// Event names accepted by the conversation FSM.
const (
	eventConnect        = "connect"
	eventGreetingDone    = "greeting_done"
	eventUtteranceDone   = "utterance_done"
	eventEmptyTranscript = "empty_transcript"
	eventReplyReady      = "reply_ready"
	eventSpeechFlushed   = "speech_flushed"
	eventBargeIn         = "barge_in"
	eventHangup          = "hangup"
)

// newFSM builds the conversation state machine in its NEW state.
func newFSM() *fsm.FSM {
	return fsm.NewFSM(
		StateNew,
		fsm.Events{
			{Name: eventConnect, Src: []string{StateNew}, Dst: StateGreeting},
			{Name: eventGreetingDone, Src: []string{StateGreeting}, Dst: StateListening},
			{Name: eventUtteranceDone, Src: []string{StateListening}, Dst: StateProcessing},
			{Name: eventEmptyTranscript, Src: []string{StateProcessing}, Dst: StateListening},
			{Name: eventReplyReady, Src: []string{StateProcessing}, Dst: StateSpeaking},
			{Name: eventSpeechFlushed, Src: []string{StateSpeaking}, Dst: StateListening},
			{Name: eventBargeIn, Src: []string{StateSpeaking}, Dst: StateListening},
			{
				Name: eventHangup,
				Src:  []string{StateNew, StateGreeting, StateListening, StateProcessing, StateSpeaking},
				Dst:  StateEnded,
			},
		},
		nil,
	)
}
