package dialer

import (
	"container/heap"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/agent-handwerk/callcore/internal/capability"
	"github.com/agent-handwerk/callcore/internal/pbx"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestQueueOrdersByPriorityThenSchedule(t *testing.T) {
	var q callQueue
	base := time.Now()
	heap.Push(&q, &QueuedCall{ID: "a", Priority: PriorityLow, ScheduledAt: base})
	heap.Push(&q, &QueuedCall{ID: "b", Priority: PriorityHigh, ScheduledAt: base.Add(time.Minute)})
	heap.Push(&q, &QueuedCall{ID: "c", Priority: PriorityHigh, ScheduledAt: base})

	first := heap.Pop(&q).(*QueuedCall)
	second := heap.Pop(&q).(*QueuedCall)
	third := heap.Pop(&q).(*QueuedCall)

	if first.ID != "c" || second.ID != "b" || third.ID != "a" {
		t.Fatalf("unexpected pop order: %s, %s, %s", first.ID, second.ID, third.ID)
	}
}

type fakeClock struct{ t time.Time }

func (c fakeClock) Now() time.Time { return c.t }

type fakePlacer struct {
	originateErr   error
	outcome        pbx.Outcome
	awaitErr       error
	streamedTo     string
	streamedCallID string
}

func (p *fakePlacer) Originate(req pbx.OriginateRequest) (string, error) {
	if p.originateErr != nil {
		return "", p.originateErr
	}
	return "call-uuid", nil
}

func (p *fakePlacer) Hangup(callUUID, cause string) error { return nil }

func (p *fakePlacer) StreamToSocket(callUUID, socketAddr string) error {
	p.streamedCallID = callUUID
	p.streamedTo = socketAddr
	return nil
}

type fakeAudioRegistrar struct {
	expected []string
}

func (r *fakeAudioRegistrar) ExpectCall(callID string) {
	r.expected = append(r.expected, callID)
}

func (p *fakePlacer) AwaitOutcome(ctx context.Context, callUUID string, timeout time.Duration) (pbx.Outcome, error) {
	return p.outcome, p.awaitErr
}

func TestExecuteCallAnsweredRunsConversation(t *testing.T) {
	placer := &fakePlacer{outcome: pbx.Outcome{Kind: pbx.OutcomeAnswered}}
	var convCalled bool
	conv := func(ctx context.Context, callID string, call QueuedCall) (CallOutcome, error) {
		convCalled = true
		return OutcomeAnswered, nil
	}

	d, err := New(Config{}, Capabilities{Placer: placer, Clock: fakeClock{time.Now()}}, conv, nil, Callbacks{}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	var completedOutcome CallOutcome
	d.cb.OnCallComplete = func(c QueuedCall, o CallOutcome) { completedOutcome = o }

	d.executeCall(context.Background(), QueuedCall{ID: "call1"})

	if !convCalled {
		t.Fatal("expected conversation handler to be invoked on answer")
	}
	if completedOutcome != OutcomeAnswered {
		t.Fatalf("expected answered outcome, got %s", completedOutcome)
	}
}

func TestExecuteCallAnsweredForksAudioToBridge(t *testing.T) {
	placer := &fakePlacer{outcome: pbx.Outcome{Kind: pbx.OutcomeAnswered}}
	registrar := &fakeAudioRegistrar{}
	conv := func(ctx context.Context, callID string, call QueuedCall) (CallOutcome, error) {
		return OutcomeAnswered, nil
	}

	d, err := New(
		Config{AudioBridgeAddr: "127.0.0.1:9000"},
		Capabilities{Placer: placer, AudioBridge: registrar, Clock: fakeClock{time.Now()}},
		conv, nil, Callbacks{}, testLogger(),
	)
	if err != nil {
		t.Fatal(err)
	}

	d.executeCall(context.Background(), QueuedCall{ID: "call1"})

	if placer.streamedTo != "127.0.0.1:9000" {
		t.Fatalf("expected call audio streamed to bridge addr, got %q", placer.streamedTo)
	}
	if placer.streamedCallID != "call-uuid" {
		t.Fatalf("expected call audio streamed for originated call id, got %q", placer.streamedCallID)
	}
	if len(registrar.expected) != 1 || registrar.expected[0] != "call-uuid" {
		t.Fatalf("expected ExpectCall registered for originated call id, got %v", registrar.expected)
	}
}

func TestExecuteCallAnsweredWithoutAudioBridgeAddrSkipsStreaming(t *testing.T) {
	placer := &fakePlacer{outcome: pbx.Outcome{Kind: pbx.OutcomeAnswered}}
	conv := func(ctx context.Context, callID string, call QueuedCall) (CallOutcome, error) {
		return OutcomeAnswered, nil
	}

	d, err := New(Config{}, Capabilities{Placer: placer, Clock: fakeClock{time.Now()}}, conv, nil, Callbacks{}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	d.executeCall(context.Background(), QueuedCall{ID: "call1"})

	if placer.streamedTo != "" {
		t.Fatalf("expected no audio streaming without AudioBridgeAddr configured, got %q", placer.streamedTo)
	}
}

func TestHandlePolicyRetriesUpToMax(t *testing.T) {
	placer := &fakePlacer{}
	d, err := New(Config{MaxRetries: 2, RetryDelay: time.Minute}, Capabilities{Placer: placer, Clock: fakeClock{time.Now()}}, nil, nil, Callbacks{}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	d.handlePolicy(QueuedCall{ID: "c1", AttemptNumber: 0}, OutcomeNoAnswer)
	if d.QueueLen() != 1 {
		t.Fatalf("expected retry to be queued, queue len=%d", d.QueueLen())
	}

	d.mu.Lock()
	retried := d.queue[0]
	d.mu.Unlock()
	if retried.AttemptNumber != 1 {
		t.Fatalf("expected attempt number incremented to 1, got %d", retried.AttemptNumber)
	}
}

func TestHandlePolicySMSFallbackAfterMaxAttempts(t *testing.T) {
	placer := &fakePlacer{}
	var smsSent capability.SMSMessage
	smsGW := fakeSMSGateway{sendFn: func(ctx context.Context, msg capability.SMSMessage) (capability.SMSResult, error) {
		smsSent = msg
		return capability.SMSResult{Success: true, MessageID: "sms1"}, nil
	}}

	d, err := New(
		Config{MaxRetries: 1, SMSAfterFailedAttempts: 1},
		Capabilities{Placer: placer, Clock: fakeClock{time.Now()}, SMS: smsGW},
		nil,
		func(call QueuedCall) capability.SMSMessage {
			return capability.SMSMessage{To: call.PhoneNumber, Body: "reminder"}
		},
		Callbacks{},
		testLogger(),
	)
	if err != nil {
		t.Fatal(err)
	}

	d.handlePolicy(QueuedCall{ID: "c1", PhoneNumber: "+4915112345", AttemptNumber: 1}, OutcomeNoAnswer)

	if smsSent.To != "+4915112345" {
		t.Fatalf("expected sms fallback sent, got %+v", smsSent)
	}
	if d.Stats().SMSFallbacks != 1 {
		t.Fatalf("expected 1 sms fallback counted, got %d", d.Stats().SMSFallbacks)
	}
}

type fakeSMSGateway struct {
	sendFn func(ctx context.Context, msg capability.SMSMessage) (capability.SMSResult, error)
}

func (f fakeSMSGateway) Send(ctx context.Context, msg capability.SMSMessage) (capability.SMSResult, error) {
	return f.sendFn(ctx, msg)
}

func TestWithinBusinessHours(t *testing.T) {
	d, err := New(Config{BusinessHoursStart: 8, BusinessHoursEnd: 18}, Capabilities{Placer: &fakePlacer{}, Clock: fakeClock{time.Now()}}, nil, nil, Callbacks{}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	monday9am := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC) // a Monday
	if !d.withinBusinessHours(monday9am) {
		t.Fatal("expected 9am monday to be within business hours")
	}

	monday9pm := time.Date(2024, 1, 1, 21, 0, 0, 0, time.UTC)
	if d.withinBusinessHours(monday9pm) {
		t.Fatal("expected 9pm monday to be outside business hours")
	}

	sunday := time.Date(2024, 1, 7, 10, 0, 0, 0, time.UTC)
	if d.withinBusinessHours(sunday) {
		t.Fatal("expected sunday to be outside business days")
	}
}
