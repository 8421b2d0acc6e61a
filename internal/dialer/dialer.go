package dialer

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agent-handwerk/callcore/internal/capability"
	"github.com/agent-handwerk/callcore/internal/pbx"
)

// CallPlacer places and controls outbound PBX calls. pbx.Client satisfies
// this interface structurally.
type CallPlacer interface {
	Originate(req pbx.OriginateRequest) (string, error)
	Hangup(callUUID, cause string) error
	AwaitOutcome(ctx context.Context, callUUID string, timeout time.Duration) (pbx.Outcome, error)
	StreamToSocket(callUUID, socketAddr string) error
}

// AudioRegistrar lets the dialer tell an audio bridge which call ID to
// attribute to the next connection it accepts, without the dialer
// importing the bridge package directly. *audiobridge.Bridge satisfies
// this interface structurally.
type AudioRegistrar interface {
	ExpectCall(callID string)
}

// ConversationHandler runs the outbound conversation for an answered call
// and returns the resulting CallOutcome. Injected rather than imported
// directly so the dialer never depends on the conversation policy package.
type ConversationHandler func(ctx context.Context, callID string, call QueuedCall) (CallOutcome, error)

// SMSBuilder builds a fallback SMS message for a call that exhausted its
// retries, e.g. a German-language appointment-reminder template keyed by
// campaign type.
type SMSBuilder func(call QueuedCall) capability.SMSMessage

// Callbacks are optional observer hooks invoked at each stage of a call's
// lifecycle; any may be nil.
type Callbacks struct {
	OnCallStart    func(QueuedCall)
	OnCallComplete func(QueuedCall, CallOutcome)
	OnSMSFallback  func(QueuedCall, capability.SMSResult)
}

// Dialer schedules and places outbound calls from a priority queue,
// respecting business hours, a concurrency cap, and a minimum interval
// between originations, and applies a retry/SMS-fallback policy based on
// each call's outcome.
type Dialer struct {
	cfg    Config
	caps   Capabilities
	conv   ConversationHandler
	sms    SMSBuilder
	cb     Callbacks
	logger *slog.Logger

	mu       sync.Mutex
	queue    callQueue
	paused   atomic.Bool
	status   atomic.Int32
	active   map[string]struct{}
	lastCall time.Time

	stats Stats

	stopCh chan struct{}
	doneCh chan struct{}
}

// Capabilities bundles the externally-implemented services the dialer
// consults before and after placing a call.
type Capabilities struct {
	Placer      CallPlacer
	AudioBridge AudioRegistrar // optional; enables real audio streaming to ConversationHandler
	Consent     capability.ConsentStore
	Audit       capability.AuditLog
	SMS         capability.SMSGateway
	Clock       capability.Clock
}

// New constructs a Dialer. conv runs the outbound conversation for
// answered calls; sms builds fallback messages once a call exhausts its
// retries (may be nil to disable SMS fallback).
func New(cfg Config, caps Capabilities, conv ConversationHandler, sms SMSBuilder, cb Callbacks, logger *slog.Logger) (*Dialer, error) {
	if caps.Placer == nil {
		return nil, fmt.Errorf("dialer: CallPlacer capability is required")
	}
	if caps.Clock == nil {
		caps.Clock = capability.SystemClock{}
	}
	d := &Dialer{
		cfg:    cfg.withDefaults(),
		caps:   caps,
		conv:   conv,
		sms:    sms,
		cb:     cb,
		logger: logger.With("subsystem", "dialer"),
		active: make(map[string]struct{}),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	return d, nil
}

// QueueCall adds a call to the queue, assigning an ID if none is set.
func (d *Dialer) QueueCall(call QueuedCall) QueuedCall {
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	if call.ScheduledAt.IsZero() {
		call.ScheduledAt = d.caps.Clock.Now()
	}
	if call.Priority == 0 {
		call.Priority = PriorityNormal
	}

	d.mu.Lock()
	heap.Push(&d.queue, &call)
	d.mu.Unlock()

	atomic.AddInt64(&d.stats.Queued, 1)
	d.logger.Info("call queued", "call_id", call.ID, "priority", call.Priority, "campaign", call.CampaignType)
	return call
}

// CancelCall removes a queued call by ID. Reports false if not found
// (including calls already placed).
func (d *Dialer) CancelCall(callID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, c := range d.queue {
		if c.ID == callID {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			heap.Init(&d.queue)
			return true
		}
	}
	return false
}

// QueueLen reports the number of calls currently waiting.
func (d *Dialer) QueueLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// ClearQueue removes every queued call (does not affect in-flight calls).
func (d *Dialer) ClearQueue() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = nil
}

// Pause stops new calls from being placed without clearing the queue.
func (d *Dialer) Pause() { d.paused.Store(true) }

// Resume allows call placement to continue after Pause.
func (d *Dialer) Resume() { d.paused.Store(false) }

// Stats returns a snapshot of cumulative counters.
func (d *Dialer) Stats() Stats {
	return Stats{
		Queued:        atomic.LoadInt64(&d.stats.Queued),
		Placed:        atomic.LoadInt64(&d.stats.Placed),
		Answered:      atomic.LoadInt64(&d.stats.Answered),
		NoAnswer:      atomic.LoadInt64(&d.stats.NoAnswer),
		Busy:          atomic.LoadInt64(&d.stats.Busy),
		Failed:        atomic.LoadInt64(&d.stats.Failed),
		ConsentDenied: atomic.LoadInt64(&d.stats.ConsentDenied),
		Retried:       atomic.LoadInt64(&d.stats.Retried),
		SMSFallbacks:  atomic.LoadInt64(&d.stats.SMSFallbacks),
	}
}

// Run drives the scheduling loop until ctx is cancelled or Stop is
// called. It gates in the same order the calling code checks them: pause,
// business hours, concurrency, minimum interval, then the next call's
// scheduled time.
func (d *Dialer) Run(ctx context.Context) {
	d.status.Store(int32(StatusRunning))
	defer func() {
		d.status.Store(int32(StatusStopped))
		close(d.doneCh)
	}()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
		}
		d.tick(ctx)
	}
}

// Stop ends Run and waits for it to return.
func (d *Dialer) Stop() {
	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}
	<-d.doneCh
}

func (d *Dialer) tick(ctx context.Context) {
	if d.paused.Load() {
		return
	}
	now := d.caps.Clock.Now()
	if !d.withinBusinessHours(now) {
		return
	}

	d.mu.Lock()
	if len(d.active) >= d.cfg.MaxConcurrentCalls {
		d.mu.Unlock()
		return
	}
	if !d.lastCall.IsZero() && now.Sub(d.lastCall) < d.cfg.MinCallInterval {
		d.mu.Unlock()
		return
	}
	if len(d.queue) == 0 {
		d.mu.Unlock()
		return
	}
	next := d.queue[0]
	if next.ScheduledAt.After(now) {
		d.mu.Unlock()
		return
	}

	call := heap.Pop(&d.queue).(*QueuedCall)
	d.active[call.ID] = struct{}{}
	d.lastCall = now
	d.mu.Unlock()

	go d.executeCall(ctx, *call)
}

func (d *Dialer) withinBusinessHours(now time.Time) bool {
	dayOK := false
	for _, day := range d.cfg.BusinessDays {
		if now.Weekday() == day {
			dayOK = true
			break
		}
	}
	if !dayOK {
		return false
	}
	hour := now.Hour()
	return hour >= d.cfg.BusinessHoursStart && hour < d.cfg.BusinessHoursEnd
}

func (d *Dialer) executeCall(ctx context.Context, call QueuedCall) {
	defer func() {
		d.mu.Lock()
		delete(d.active, call.ID)
		d.mu.Unlock()
	}()

	if d.cb.OnCallStart != nil {
		d.cb.OnCallStart(call)
	}

	if d.caps.Consent != nil {
		allowed, err := d.caps.Consent.HasConsent(ctx, call.SubjectID, capability.ConsentKind("outbound_call"))
		if err != nil {
			d.logger.Error("consent check failed", "call_id", call.ID, "error", err)
		}
		if err == nil && !allowed {
			d.logger.Info("outbound call blocked: no consent", "call_id", call.ID, "subject", call.SubjectID)
			atomic.AddInt64(&d.stats.ConsentDenied, 1)
			d.auditAttempt(ctx, call, OutcomeConsentDenied)
			d.finish(call, OutcomeConsentDenied)
			return
		}
	}

	d.auditAttempt(ctx, call, "")

	outcome := d.placeCall(ctx, call)
	atomic.AddInt64(&d.stats.Placed, 1)
	d.recordOutcome(outcome)
	d.finish(call, outcome)
	d.handlePolicy(call, outcome)
}

func (d *Dialer) auditAttempt(ctx context.Context, call QueuedCall, outcome CallOutcome) {
	if d.caps.Audit == nil {
		return
	}
	details := map[string]string{
		"phone_number":   call.PhoneNumber,
		"campaign_type":  call.CampaignType,
		"attempt_number": fmt.Sprintf("%d", call.AttemptNumber),
	}
	if outcome != "" {
		details["outcome"] = string(outcome)
	}
	d.caps.Audit.Record(ctx, capability.AuditEntry{
		ActorID:      "dialer",
		Action:       "outbound_call_attempt",
		ResourceType: "call",
		ResourceID:   call.ID,
		Details:      details,
	})
}

func (d *Dialer) placeCall(ctx context.Context, call QueuedCall) CallOutcome {
	req := pbx.OriginateRequest{
		DialString: call.PhoneNumber,
		Vars: map[string]string{
			"call_id":  call.ID,
			"campaign": call.CampaignType,
		},
	}

	callID, err := d.caps.Placer.Originate(req)
	if err != nil {
		d.logger.Warn("originate failed", "call_id", call.ID, "error", err)
		return OutcomeFailed
	}

	result, err := d.caps.Placer.AwaitOutcome(ctx, callID, d.cfg.AnswerTimeout)
	if err != nil {
		d.logger.Info("call not answered", "call_id", call.ID, "error", err)
		d.caps.Placer.Hangup(callID, "NO_ANSWER")
		return OutcomeNoAnswer
	}
	if result.Kind == pbx.OutcomeHungUp {
		return mapHangupCause(result.HangupCause)
	}

	// Answered: hand off to the conversation policy, if one is wired.
	if d.conv == nil {
		d.caps.Placer.Hangup(callID, "NORMAL_CLEARING")
		return OutcomeAnswered
	}

	if d.cfg.AudioBridgeAddr != "" {
		if d.caps.AudioBridge != nil {
			d.caps.AudioBridge.ExpectCall(callID)
		}
		if err := d.caps.Placer.StreamToSocket(callID, d.cfg.AudioBridgeAddr); err != nil {
			d.logger.Warn("audio fork to bridge failed", "call_id", call.ID, "error", err)
		}
	}

	outcome, err := d.conv(ctx, callID, call)
	d.caps.Placer.Hangup(callID, "NORMAL_CLEARING")
	if err != nil {
		d.logger.Warn("outbound conversation failed", "call_id", call.ID, "error", err)
		return OutcomeFailed
	}
	return outcome
}

func mapHangupCause(cause string) CallOutcome {
	switch cause {
	case "USER_BUSY":
		return OutcomeBusy
	case "NO_ANSWER", "NO_USER_RESPONSE", "ORIGINATOR_CANCEL":
		return OutcomeNoAnswer
	default:
		return OutcomeFailed
	}
}

func (d *Dialer) recordOutcome(outcome CallOutcome) {
	switch outcome {
	case OutcomeAnswered:
		atomic.AddInt64(&d.stats.Answered, 1)
	case OutcomeNoAnswer:
		atomic.AddInt64(&d.stats.NoAnswer, 1)
	case OutcomeBusy:
		atomic.AddInt64(&d.stats.Busy, 1)
	case OutcomeFailed:
		atomic.AddInt64(&d.stats.Failed, 1)
	}
}

func (d *Dialer) finish(call QueuedCall, outcome CallOutcome) {
	if d.cb.OnCallComplete != nil {
		d.cb.OnCallComplete(call, outcome)
	}
}

// handlePolicy applies the retry/SMS-fallback rule: retryable outcomes are
// rescheduled up to MaxRetries, and once a call has failed
// SMSAfterFailedAttempts times an SMS fallback is sent instead.
func (d *Dialer) handlePolicy(call QueuedCall, outcome CallOutcome) {
	retryable := outcome == OutcomeNoAnswer || outcome == OutcomeBusy || outcome == OutcomeFailed
	if !retryable {
		return
	}

	if call.AttemptNumber < d.cfg.MaxRetries {
		retry := call
		retry.AttemptNumber++
		retry.ScheduledAt = d.caps.Clock.Now().Add(d.cfg.RetryDelay)
		d.mu.Lock()
		heap.Push(&d.queue, &retry)
		d.mu.Unlock()
		atomic.AddInt64(&d.stats.Retried, 1)
		d.logger.Info("call scheduled for retry", "call_id", call.ID, "attempt", retry.AttemptNumber)
		return
	}

	if call.AttemptNumber+1 >= d.cfg.SMSAfterFailedAttempts && d.sms != nil && d.caps.SMS != nil {
		msg := d.sms(call)
		result, err := d.caps.SMS.Send(context.Background(), msg)
		if err != nil {
			d.logger.Warn("sms fallback failed", "call_id", call.ID, "error", err)
			return
		}
		atomic.AddInt64(&d.stats.SMSFallbacks, 1)
		if d.cb.OnSMSFallback != nil {
			d.cb.OnSMSFallback(call, result)
		}
	}
}
