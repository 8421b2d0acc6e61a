// Package outbound implements the goal-directed dialogue policy run once
// an outbound call is answered: identity verification, a campaign-specific
// purpose statement, and a small number of campaign-specific branches
// (appointment confirmation/reschedule, recall scheduling, notifications),
// ending in one of a fixed set of outcomes.
package outbound

import (
	"fmt"
	"strings"
	"time"
)

// State is a step in the outbound dialogue state machine.
type State string

// States the dialogue can occupy, in roughly the order a call progresses
// through them.
const (
	StateIntroduction        State = "introduction"
	StateIdentityVerify      State = "identity_verification"
	StatePurposeStatement    State = "purpose_statement"
	StateMainDialog          State = "main_dialog"
	StateAppointmentOffer    State = "appointment_offer"
	StateConfirmation        State = "confirmation"
	StateCancellationConfirm State = "cancellation_confirm"
	StateFarewell            State = "farewell"
	StateCompleted           State = "completed"
)

// Outcome is the final disposition of an outbound conversation.
type Outcome string

// Possible outcomes, grouped loosely by favorability.
const (
	OutcomeAppointmentConfirmed   Outcome = "appointment_confirmed"
	OutcomeAppointmentRescheduled Outcome = "appointment_rescheduled"
	OutcomeInformationDelivered   Outcome = "information_delivered"
	OutcomeCallbackScheduled      Outcome = "callback_scheduled"

	OutcomePatientDeclined   Outcome = "patient_declined"
	OutcomeCallbackRequested Outcome = "callback_requested"
	OutcomeVoicemailLeft     Outcome = "voicemail_left"

	OutcomeWrongPerson        Outcome = "wrong_person"
	OutcomeConversationFailed Outcome = "conversation_failed"
	OutcomeHungUp             Outcome = "hung_up"
)

// CampaignType selects which introduction/purpose templates are used.
type CampaignType string

// Supported campaign types.
const (
	CampaignReminder     CampaignType = "reminder"
	CampaignRecall       CampaignType = "recall"
	CampaignNoShow       CampaignType = "no_show"
	CampaignLabResults   CampaignType = "lab_results"
	CampaignPrescription CampaignType = "prescription"
)

// Turn is one exchange recorded in a conversation's history.
type Turn struct {
	Role      string
	Message   string
	Timestamp time.Time
}

// Context carries the mutable state of one outbound conversation across
// calls to Manager.ProcessInput.
type Context struct {
	CallID           string
	CampaignType     CampaignType
	PatientName      string
	PatientFirstName string
	ProviderName     string
	AppointmentDate  *time.Time
	AppointmentTime  *time.Time

	State            State
	IdentityVerified bool
	PurposeStated    bool

	Turns []Turn

	Outcome      Outcome
	OutcomeNotes string

	NewAppointmentDate *time.Time
	NewAppointmentTime *time.Time

	StartedAt time.Time
	EndedAt   time.Time
}

// AddTurn appends a turn to the context's history with the given clock.
func (c *Context) AddTurn(role, message string, now time.Time) {
	c.Turns = append(c.Turns, Turn{Role: role, Message: message, Timestamp: now})
}

// Response is what Manager returns after each step: the message to speak
// and control flags for the caller (end the call, transfer, etc).
type Response struct {
	State            State
	Message          string
	ShouldEndCall    bool
	ShouldTransfer   bool
	TransferTarget   string
	WaitForResponse  bool
	Metadata         map[string]string
}

// Keywords holds the German response-classification keyword lists. They
// are ordinary configuration data, not compiled regular expressions,
// matching the keyword-classifier approach used elsewhere for dialect
// routing.
type Keywords struct {
	Positive   []string
	Negative   []string
	Reschedule []string
	Callback   []string
	Goodbye    []string
	Voicemail  []string
}

// DefaultKeywords returns the standard German keyword lists.
func DefaultKeywords() Keywords {
	return Keywords{
		Positive: []string{
			"ja", "okay", "ok", "gut", "richtig", "genau", "passt",
			"stimmt", "korrekt", "gerne", "einverstanden", "bestätigt",
		},
		Negative: []string{
			"nein", "nicht", "falsch", "absagen", "stornieren",
			"geht nicht", "kann nicht", "leider nicht",
		},
		Reschedule: []string{
			"verschieben", "anderen termin", "umbuchen", "ändern",
			"später", "früher", "anderer tag", "andere zeit",
		},
		Callback: []string{
			"zurückrufen", "später anrufen", "gerade schlecht",
			"kann nicht sprechen", "im meeting", "beschäftigt",
		},
		Goodbye: []string{
			"tschüss", "auf wiedersehen", "wiederhören", "bye", "ciao", "servus",
		},
		Voicemail: []string{
			"nachricht hinterlassen", "sind momentan nicht erreichbar",
			"nach dem signalton", "nach dem piepton", "mailbox",
			"bitte hinterlassen sie",
		},
	}
}

// Clock abstracts time.Now for deterministic tests, matching the
// capability.Clock contract used elsewhere without importing it directly.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Manager runs the outbound dialogue policy.
type Manager struct {
	kw    Keywords
	clock Clock
}

// NewManager builds a Manager. A zero-value Keywords selects
// DefaultKeywords; a nil clock uses the wall clock.
func NewManager(kw Keywords, clock Clock) *Manager {
	if len(kw.Positive) == 0 {
		kw = DefaultKeywords()
	}
	if clock == nil {
		clock = systemClock{}
	}
	return &Manager{kw: kw, clock: clock}
}

// StartConversation begins a conversation: sets the initial state and
// returns the introduction message.
func (m *Manager) StartConversation(ctx *Context) Response {
	now := m.clock.Now()
	ctx.StartedAt = now
	ctx.State = StateIntroduction

	msg := m.introduction(ctx, now)
	ctx.AddTurn("assistant", msg, now)

	return Response{State: StateIntroduction, Message: msg, WaitForResponse: true}
}

// ProcessInput advances the conversation given the patient's (transcribed)
// response and returns the next step.
func (m *Manager) ProcessInput(ctx *Context, input string) Response {
	now := m.clock.Now()
	ctx.AddTurn("user", input, now)
	lower := strings.ToLower(input)

	if ctx.State == StateIntroduction && m.matchesAny(lower, m.kw.Voicemail) {
		return m.handleVoicemail(ctx)
	}
	if m.matchesAny(lower, m.kw.Callback) {
		return m.handleCallbackRequest(ctx)
	}
	if m.matchesAny(lower, m.kw.Goodbye) {
		return m.handleGoodbye(ctx)
	}

	switch ctx.State {
	case StateIntroduction:
		return m.handleIntroductionResponse(ctx, lower)
	case StateIdentityVerify:
		return m.handleIdentityResponse(ctx, lower)
	case StatePurposeStatement:
		return m.handlePurposeResponse(ctx, lower)
	case StateMainDialog:
		return m.handleMainDialog(ctx, lower)
	case StateAppointmentOffer:
		return m.handleAppointmentResponse(ctx, lower)
	case StateConfirmation:
		return m.handleConfirmation(ctx, lower)
	case StateCancellationConfirm:
		return m.handleCancellationConfirm(ctx, lower)
	case StateFarewell:
		return m.end(ctx, OutcomeInformationDelivered, "")
	default:
		return m.end(ctx, OutcomeConversationFailed, "")
	}
}

func (m *Manager) matchesAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func (m *Manager) isPositive(text string) bool   { return m.matchesAny(text, m.kw.Positive) }
func (m *Manager) isNegative(text string) bool    { return m.matchesAny(text, m.kw.Negative) }
func (m *Manager) isReschedule(text string) bool  { return m.matchesAny(text, m.kw.Reschedule) }

func (m *Manager) handleIntroductionResponse(ctx *Context, input string) Response {
	if m.isPositive(input) {
		ctx.IdentityVerified = true
		ctx.State = StatePurposeStatement
		msg := m.purposeStatement(ctx)
		ctx.AddTurn("assistant", msg, m.clock.Now())
		return Response{State: StatePurposeStatement, Message: msg}
	}
	if m.isNegative(input) || strings.Contains(input, "falsche nummer") {
		return m.end(ctx, OutcomeWrongPerson, "")
	}

	ctx.State = StateIdentityVerify
	msg := "Können Sie mir bitte Ihren Vornamen nennen, damit ich sichergehen kann, dass ich richtig verbunden bin?"
	ctx.AddTurn("assistant", msg, m.clock.Now())
	return Response{State: StateIdentityVerify, Message: msg}
}

func (m *Manager) handleIdentityResponse(ctx *Context, input string) Response {
	if m.isPositive(input) || (ctx.PatientFirstName != "" && strings.Contains(input, strings.ToLower(ctx.PatientFirstName))) {
		ctx.IdentityVerified = true
		ctx.State = StatePurposeStatement
		msg := m.purposeStatement(ctx)
		ctx.AddTurn("assistant", msg, m.clock.Now())
		return Response{State: StatePurposeStatement, Message: msg}
	}
	if m.isNegative(input) {
		return m.end(ctx, OutcomeWrongPerson, "")
	}

	msg := fmt.Sprintf("Entschuldigung, ich möchte sichergehen. Spreche ich mit %s?", ctx.PatientName)
	ctx.AddTurn("assistant", msg, m.clock.Now())
	return Response{State: StateIdentityVerify, Message: msg}
}

func (m *Manager) handlePurposeResponse(ctx *Context, input string) Response {
	ctx.PurposeStated = true

	if ctx.CampaignType == CampaignReminder {
		switch {
		case m.isPositive(input):
			return m.confirmAppointment(ctx)
		case m.isReschedule(input):
			return m.offerReschedule(ctx)
		case m.isNegative(input):
			return m.handleCancellation(ctx)
		}
	}

	if ctx.CampaignType == CampaignRecall {
		ctx.State = StateAppointmentOffer
		msg := m.appointmentOffer()
		ctx.AddTurn("assistant", msg, m.clock.Now())
		return Response{State: StateAppointmentOffer, Message: msg}
	}

	ctx.State = StateMainDialog
	msg := "Haben Sie dazu noch Fragen?"
	ctx.AddTurn("assistant", msg, m.clock.Now())
	return Response{State: StateMainDialog, Message: msg}
}

func (m *Manager) handleMainDialog(ctx *Context, input string) Response {
	if m.isNegative(input) || strings.Contains(input, "keine fragen") {
		return m.end(ctx, OutcomeInformationDelivered, "")
	}
	if strings.Contains(input, "?") || strings.Contains(input, "frage") {
		msg := "Für detaillierte Fragen verbinde ich Sie gerne mit einer Mitarbeiterin. Einen Moment bitte."
		ctx.AddTurn("assistant", msg, m.clock.Now())
		return Response{State: StateMainDialog, Message: msg, ShouldTransfer: true, TransferTarget: "reception"}
	}
	return m.end(ctx, OutcomeInformationDelivered, "")
}

func (m *Manager) handleAppointmentResponse(ctx *Context, input string) Response {
	if m.isPositive(input) {
		ctx.State = StateConfirmation
		msg := m.confirmationMessage(ctx)
		ctx.AddTurn("assistant", msg, m.clock.Now())
		return Response{State: StateConfirmation, Message: msg}
	}
	if m.isReschedule(input) || m.isNegative(input) {
		msg := "Ich schaue nach anderen Terminen. Wie wäre es mit nächster Woche? Ich hätte Montag um 9 Uhr oder Mittwoch um 15 Uhr."
		ctx.AddTurn("assistant", msg, m.clock.Now())
		return Response{State: StateAppointmentOffer, Message: msg}
	}
	msg := "Möchten Sie den vorgeschlagenen Termin annehmen, oder soll ich Ihnen andere Termine anbieten?"
	ctx.AddTurn("assistant", msg, m.clock.Now())
	return Response{State: StateAppointmentOffer, Message: msg}
}

func (m *Manager) handleConfirmation(ctx *Context, input string) Response {
	if m.isPositive(input) {
		outcome := OutcomeAppointmentConfirmed
		if ctx.NewAppointmentDate != nil {
			outcome = OutcomeAppointmentRescheduled
		}
		return m.end(ctx, outcome, "")
	}
	ctx.State = StateAppointmentOffer
	msg := "Kein Problem. Möchten Sie einen anderen Termin?"
	ctx.AddTurn("assistant", msg, m.clock.Now())
	return Response{State: StateAppointmentOffer, Message: msg}
}

func (m *Manager) confirmAppointment(ctx *Context) Response {
	ctx.State = StateFarewell
	ctx.Outcome = OutcomeAppointmentConfirmed
	msg := fmt.Sprintf(
		"Wunderbar, Ihr Termin am %s um %s Uhr ist bestätigt. Wir freuen uns auf Sie! Auf Wiederhören.",
		formatGermanDate(ctx.AppointmentDate), formatGermanTime(ctx.AppointmentTime),
	)
	ctx.AddTurn("assistant", msg, m.clock.Now())
	return Response{State: StateFarewell, Message: msg, ShouldEndCall: true}
}

func (m *Manager) offerReschedule(ctx *Context) Response {
	ctx.State = StateAppointmentOffer
	msg := "Natürlich können wir den Termin verschieben. Wann würde es Ihnen besser passen? Vormittags oder nachmittags?"
	ctx.AddTurn("assistant", msg, m.clock.Now())
	return Response{State: StateAppointmentOffer, Message: msg}
}

func (m *Manager) handleCancellation(ctx *Context) Response {
	ctx.State = StateCancellationConfirm
	msg := "Verstanden. Möchten Sie den Termin absagen, oder sollen wir einen neuen Termin finden?"
	ctx.AddTurn("assistant", msg, m.clock.Now())
	return Response{State: StateCancellationConfirm, Message: msg}
}

// handleCancellationConfirm resolves the cancellation offered by
// handleCancellation: a positive answer is a hard decline (the patient
// doesn't want the appointment at all), while anything else routes back to
// rescheduling.
func (m *Manager) handleCancellationConfirm(ctx *Context, input string) Response {
	if m.isPositive(input) {
		msg := "Ihr Termin wurde storniert. Auf Wiederhören."
		return m.end(ctx, OutcomePatientDeclined, msg)
	}
	ctx.State = StateAppointmentOffer
	msg := "Kein Problem, dann suchen wir einen neuen Termin. " + m.appointmentOffer()
	ctx.AddTurn("assistant", msg, m.clock.Now())
	return Response{State: StateAppointmentOffer, Message: msg}
}

// handleVoicemail ends the call with a short message for the caller to
// play into the mailbox, triggered when the introduction's response
// matches a voicemail/answering-machine greeting instead of a live person.
func (m *Manager) handleVoicemail(ctx *Context) Response {
	return m.end(ctx, OutcomeVoicemailLeft, m.voicemailMessage(ctx))
}

func (m *Manager) voicemailMessage(ctx *Context) string {
	if ctx.CampaignType == CampaignReminder && ctx.AppointmentDate != nil {
		return fmt.Sprintf(
			"Guten Tag, hier ist der automatische Terminservice der Praxis mit einer Erinnerung an Ihren Termin am %s um %s Uhr. Bei Fragen rufen Sie uns bitte zurück.",
			formatGermanDate(ctx.AppointmentDate), formatGermanTime(ctx.AppointmentTime),
		)
	}
	return "Guten Tag, hier ist die Praxis. Bitte rufen Sie uns bei Gelegenheit zurück."
}

func (m *Manager) handleCallbackRequest(ctx *Context) Response {
	ctx.Outcome = OutcomeCallbackRequested
	ctx.OutcomeNotes = "Patient requested callback"
	msg := "Natürlich, kein Problem. Wir rufen Sie später noch einmal an. Auf Wiederhören!"
	return m.end(ctx, OutcomeCallbackRequested, msg)
}

func (m *Manager) handleGoodbye(ctx *Context) Response {
	outcome := ctx.Outcome
	if ctx.State == StateFarewell || ctx.State == StateConfirmation {
		if outcome == "" {
			outcome = OutcomeInformationDelivered
		}
	} else {
		outcome = OutcomeHungUp
	}
	return m.end(ctx, outcome, "")
}

func (m *Manager) end(ctx *Context, outcome Outcome, finalMessage string) Response {
	ctx.State = StateCompleted
	ctx.Outcome = outcome
	ctx.EndedAt = m.clock.Now()

	if finalMessage == "" {
		finalMessage = "Vielen Dank für das Gespräch. Auf Wiederhören!"
	}
	ctx.AddTurn("assistant", finalMessage, ctx.EndedAt)

	return Response{
		State:         StateCompleted,
		Message:       finalMessage,
		ShouldEndCall: true,
		Metadata:      map[string]string{"outcome": string(outcome)},
	}
}

func (m *Manager) introduction(ctx *Context, now time.Time) string {
	greeting := timeGreeting(now)
	switch ctx.CampaignType {
	case CampaignReminder:
		return fmt.Sprintf("%s, hier ist der automatische Terminservice der Praxis. Spreche ich mit %s?", greeting, ctx.PatientName)
	case CampaignRecall:
		return fmt.Sprintf("%s, hier ist der Vorsorge-Erinnerungsservice der Praxis. Spreche ich mit %s?", greeting, ctx.PatientName)
	case CampaignNoShow:
		return fmt.Sprintf("%s, hier ist die Praxis. Ich rufe an wegen Ihres heutigen Termins. Spreche ich mit %s?", greeting, ctx.PatientName)
	default:
		return fmt.Sprintf("%s, hier ist die Praxis. Spreche ich mit %s?", greeting, ctx.PatientName)
	}
}

func (m *Manager) purposeStatement(ctx *Context) string {
	switch ctx.CampaignType {
	case CampaignReminder:
		provider := ctx.ProviderName
		if provider == "" {
			provider = "uns"
		}
		return fmt.Sprintf(
			"Ich rufe an, um Sie an Ihren Termin am %s um %s Uhr bei %s zu erinnern. Können Sie diesen Termin wahrnehmen?",
			formatGermanDate(ctx.AppointmentDate), formatGermanTime(ctx.AppointmentTime), provider,
		)
	case CampaignRecall:
		return "Wir möchten Sie darauf aufmerksam machen, dass es Zeit für Ihre nächste Vorsorgeuntersuchung ist. Dürfen wir einen Termin für Sie vereinbaren?"
	case CampaignNoShow:
		return fmt.Sprintf(
			"Wir haben Sie heute zum Termin um %s Uhr erwartet. Ist alles in Ordnung? Können wir einen neuen Termin vereinbaren?",
			formatGermanTime(ctx.AppointmentTime),
		)
	case CampaignLabResults:
		return "Ihre Laborergebnisse liegen vor. Bitte vereinbaren Sie einen Termin zur Besprechung."
	case CampaignPrescription:
		return "Ihr Rezept liegt zur Abholung bereit. Sie können es während der Sprechzeiten abholen."
	default:
		return "Ich habe eine wichtige Mitteilung für Sie."
	}
}

func (m *Manager) appointmentOffer() string {
	return "Ich kann Ihnen folgende Termine anbieten: Morgen um 10 Uhr, oder übermorgen um 14 Uhr. Welcher Termin passt Ihnen besser?"
}

func (m *Manager) confirmationMessage(ctx *Context) string {
	if ctx.NewAppointmentDate != nil {
		return fmt.Sprintf(
			"Ich habe den Termin für Sie gebucht: %s um %s Uhr. Sie erhalten eine SMS-Bestätigung. Ist das korrekt?",
			formatGermanDate(ctx.NewAppointmentDate), formatGermanTime(ctx.NewAppointmentTime),
		)
	}
	return fmt.Sprintf(
		"Ihr Termin am %s um %s Uhr ist bestätigt. Ist das korrekt?",
		formatGermanDate(ctx.AppointmentDate), formatGermanTime(ctx.AppointmentTime),
	)
}

var germanWeekdays = [...]string{"Sonntag", "Montag", "Dienstag", "Mittwoch", "Donnerstag", "Freitag", "Samstag"}

func formatGermanDate(d *time.Time) string {
	if d == nil {
		return "dem vereinbarten Tag"
	}
	return fmt.Sprintf("%s, den %d.%d.", germanWeekdays[d.Weekday()], d.Day(), int(d.Month()))
}

func formatGermanTime(t *time.Time) string {
	if t == nil {
		return "der vereinbarten Zeit"
	}
	return fmt.Sprintf("%d:%02d", t.Hour(), t.Minute())
}

func timeGreeting(now time.Time) string {
	hour := now.Hour()
	switch {
	case hour < 12:
		return "Guten Morgen"
	case hour < 18:
		return "Guten Tag"
	default:
		return "Guten Abend"
	}
}
