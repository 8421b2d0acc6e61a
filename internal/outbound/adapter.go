package outbound

import "github.com/agent-handwerk/callcore/internal/dialer"

// ToDialerOutcome maps a dialogue Outcome onto the coarser CallOutcome
// vocabulary the dialer's retry/SMS-fallback policy acts on.
func ToDialerOutcome(o Outcome) dialer.CallOutcome {
	switch o {
	case OutcomeAppointmentConfirmed, OutcomeAppointmentRescheduled, OutcomeInformationDelivered, OutcomeCallbackScheduled:
		return dialer.OutcomeAnswered
	case OutcomePatientDeclined, OutcomeCallbackRequested:
		return dialer.OutcomeAnswered
	case OutcomeVoicemailLeft:
		return dialer.OutcomeVoicemailDetected
	case OutcomeWrongPerson, OutcomeConversationFailed:
		return dialer.OutcomeFailed
	case OutcomeHungUp:
		return dialer.OutcomeNoAnswer
	default:
		return dialer.OutcomeFailed
	}
}

// TurnLoop runs a campaign conversation to completion, driven by listen
// for each round of patient speech, up to maxTurns exchanges. listen
// should return the patient's transcribed utterance (or an error to abort
// the call, e.g. on hangup detection).
func TurnLoop(m *Manager, ctx *Context, maxTurns int, listen func() (string, error)) (Outcome, error) {
	if maxTurns <= 0 {
		maxTurns = 20
	}

	resp := m.StartConversation(ctx)
	for turn := 0; turn < maxTurns; turn++ {
		if resp.ShouldEndCall {
			return ctx.Outcome, nil
		}

		input, err := listen()
		if err != nil {
			return dialerHangupOutcome(ctx), err
		}
		resp = m.ProcessInput(ctx, input)
	}

	if ctx.Outcome == "" {
		// Turn budget exhausted without either side reaching a terminal
		// state: treat it as a completed, if incomplete, delivery rather
		// than a failure, since the campaign message was spoken.
		ctx.Outcome = OutcomeInformationDelivered
	}
	return ctx.Outcome, nil
}

func dialerHangupOutcome(ctx *Context) Outcome {
	if ctx.Outcome != "" {
		return ctx.Outcome
	}
	return OutcomeHungUp
}
