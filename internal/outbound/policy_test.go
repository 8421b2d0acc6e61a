package outbound

import (
	"testing"
	"time"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newTestManager() *Manager {
	return NewManager(DefaultKeywords(), fixedClock{time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)})
}

func TestReminderHappyPathConfirmsAppointment(t *testing.T) {
	m := newTestManager()
	apptDate := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	apptTime := time.Date(0, 1, 1, 14, 30, 0, 0, time.UTC)
	ctx := &Context{
		CampaignType:     CampaignReminder,
		PatientName:      "Max Mustermann",
		PatientFirstName: "Max",
		AppointmentDate:  &apptDate,
		AppointmentTime:  &apptTime,
	}

	resp := m.StartConversation(ctx)
	if resp.State != StateIntroduction {
		t.Fatalf("expected introduction, got %s", resp.State)
	}

	resp = m.ProcessInput(ctx, "Ja, das bin ich")
	if resp.State != StatePurposeStatement {
		t.Fatalf("expected purpose statement, got %s", resp.State)
	}

	resp = m.ProcessInput(ctx, "Ja, das passt mir")
	if !resp.ShouldEndCall {
		t.Fatal("expected call to end after confirmation")
	}
	if ctx.Outcome != OutcomeAppointmentConfirmed {
		t.Fatalf("expected appointment_confirmed outcome, got %s", ctx.Outcome)
	}
}

func TestWrongPersonEndsCall(t *testing.T) {
	m := newTestManager()
	ctx := &Context{CampaignType: CampaignReminder, PatientName: "Erika Musterfrau"}
	m.StartConversation(ctx)

	resp := m.ProcessInput(ctx, "Nein, falsche Nummer")
	if !resp.ShouldEndCall {
		t.Fatal("expected call to end")
	}
	if ctx.Outcome != OutcomeWrongPerson {
		t.Fatalf("expected wrong_person outcome, got %s", ctx.Outcome)
	}
}

func TestRescheduleFlow(t *testing.T) {
	m := newTestManager()
	apptDate := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	apptTime := time.Date(0, 1, 1, 14, 30, 0, 0, time.UTC)
	ctx := &Context{
		CampaignType:    CampaignReminder,
		PatientName:     "Max Mustermann",
		AppointmentDate: &apptDate,
		AppointmentTime: &apptTime,
	}
	m.StartConversation(ctx)
	m.ProcessInput(ctx, "ja genau")
	resp := m.ProcessInput(ctx, "Können wir den Termin verschieben?")
	if resp.State != StateAppointmentOffer {
		t.Fatalf("expected appointment_offer after reschedule request, got %s", resp.State)
	}
}

func TestCallbackRequestAnyState(t *testing.T) {
	m := newTestManager()
	ctx := &Context{CampaignType: CampaignReminder, PatientName: "Max Mustermann"}
	m.StartConversation(ctx)

	resp := m.ProcessInput(ctx, "Ich bin gerade im Meeting, kann nicht sprechen")
	if !resp.ShouldEndCall {
		t.Fatal("expected callback request to end call")
	}
	if ctx.Outcome != OutcomeCallbackRequested {
		t.Fatalf("expected callback_requested outcome, got %s", ctx.Outcome)
	}
}

func TestTurnLoopCapsAtMaxTurns(t *testing.T) {
	m := newTestManager()
	ctx := &Context{CampaignType: CampaignLabResults, PatientName: "Test Patient"}

	calls := 0
	listen := func() (string, error) {
		calls++
		return "hmm unklar", nil
	}

	outcome, err := TurnLoop(m, ctx, 3, listen)
	if err != nil {
		t.Fatal(err)
	}
	if calls > 3 {
		t.Fatalf("expected at most 3 listen calls, got %d", calls)
	}
	if outcome != OutcomeInformationDelivered {
		t.Fatalf("expected turn-budget exhaustion to resolve to information_delivered, got %s", outcome)
	}
}

func TestCancellationFlowDeclinesAppointment(t *testing.T) {
	m := newTestManager()
	apptDate := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	apptTime := time.Date(0, 1, 1, 14, 30, 0, 0, time.UTC)
	ctx := &Context{
		CampaignType:    CampaignReminder,
		PatientName:     "Max Mustermann",
		AppointmentDate: &apptDate,
		AppointmentTime: &apptTime,
	}
	m.StartConversation(ctx)
	m.ProcessInput(ctx, "ja genau")
	resp := m.ProcessInput(ctx, "nein, das passt nicht, bitte absagen")
	if resp.State != StateCancellationConfirm {
		t.Fatalf("expected cancellation_confirm after decline, got %s", resp.State)
	}
	resp = m.ProcessInput(ctx, "ja, bitte stornieren")
	if !resp.ShouldEndCall {
		t.Fatal("expected call to end after confirmed cancellation")
	}
	if ctx.Outcome != OutcomePatientDeclined {
		t.Fatalf("expected patient_declined outcome, got %s", ctx.Outcome)
	}
}

func TestVoicemailGreetingEndsCallWithVoicemailLeft(t *testing.T) {
	m := newTestManager()
	ctx := &Context{CampaignType: CampaignReminder, PatientName: "Max Mustermann"}
	m.StartConversation(ctx)

	resp := m.ProcessInput(ctx, "Sie sind mit der Mailbox verbunden, bitte hinterlassen Sie eine Nachricht nach dem Signalton")
	if !resp.ShouldEndCall {
		t.Fatal("expected voicemail greeting to end the call")
	}
	if ctx.Outcome != OutcomeVoicemailLeft {
		t.Fatalf("expected voicemail_left outcome, got %s", ctx.Outcome)
	}
}

func TestToDialerOutcomeMapping(t *testing.T) {
	if ToDialerOutcome(OutcomeAppointmentConfirmed) != "answered" {
		t.Fatal("expected appointment_confirmed to map to answered")
	}
	if ToDialerOutcome(OutcomeWrongPerson) != "failed" {
		t.Fatal("expected wrong_person to map to failed")
	}
}
