// Package app composes every capability adapter and core component into a
// runnable agentcore process: it owns no business logic of its own, only
// construction order, wiring, and lifecycle.
package app

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agent-handwerk/callcore/internal/audiobridge"
	"github.com/agent-handwerk/callcore/internal/capability"
	"github.com/agent-handwerk/callcore/internal/codec"
	"github.com/agent-handwerk/callcore/internal/config"
	"github.com/agent-handwerk/callcore/internal/conversation"
	"github.com/agent-handwerk/callcore/internal/dialer"
	"github.com/agent-handwerk/callcore/internal/llmadapter/anthropic"
	"github.com/agent-handwerk/callcore/internal/llmadapter/openai"
	"github.com/agent-handwerk/callcore/internal/metrics"
	"github.com/agent-handwerk/callcore/internal/outbound"
	"github.com/agent-handwerk/callcore/internal/pbx"
	"github.com/agent-handwerk/callcore/internal/pipeline"
	"github.com/agent-handwerk/callcore/internal/security"
	"github.com/agent-handwerk/callcore/internal/smsadapter/twilio"
	"github.com/agent-handwerk/callcore/internal/store/postgres"
	"github.com/agent-handwerk/callcore/internal/store/sqlite"
	"github.com/agent-handwerk/callcore/internal/wsaudio"
)

// store is the subset of *sqlite.Store (and *postgres.Store) the
// container needs, so it can hold either behind one field without an
// adapter type.
type store interface {
	capability.Repository
	capability.ConsentStore
	capability.AuditLog
	Close() error
}

// defaultVADThreshold is the RMS energy floor above which a frame counts as
// speech, shared by the engine's barge-in detector and the outbound turn
// loop's utterance segmentation.
const defaultVADThreshold = 0.02

// outboundUtteranceSilenceFrames is how many consecutive non-speech frames
// end an outbound call's listening window, at one frame per
// conversation.UtteranceDetector.Feed call (20ms telephony frames -> ~1s).
const outboundUtteranceSilenceFrames = 50

// outboundListenTimeout bounds how long runOutboundConversation waits for
// the PBX to fork an answered call's audio into the bridge before giving up
// on that turn.
const outboundListenTimeout = 10 * time.Second

// App is the wired, runnable agentcore process.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store    store
	pbx      *pbx.Client
	bridge   *audiobridge.Bridge
	wsaudio  *wsaudio.Server
	engine   *conversation.Engine
	vad      *conversation.ThresholdVAD
	dialer   *dialer.Dialer
	security *security.Manager
	outbound *outbound.Manager

	httpServer *http.Server
	startTime  time.Time

	// inboundVia tracks which transport accepted a given inbound call id,
	// so a synthesized reply is played back through the same connection
	// that delivered the caller's audio. outboundCalls marks call ids the
	// dialer originated, so the bridge's connection callbacks don't treat
	// their forked audio connection as a new inbound call.
	inboundMu     sync.Mutex
	inboundVia    map[string]audioSink
	outboundMu    sync.Mutex
	outboundCalls map[string]struct{}
}

// audioSink is the subset both internal/audiobridge.Bridge and
// internal/wsaudio.Server expose for pushing synthesized audio back to a
// live call.
type audioSink interface {
	SendAudio(callID string, samples []float32) bool
}

// New constructs the application container, wiring every adapter and
// component per cfg. It performs no I/O beyond opening the persistence
// layer; Run starts the network-facing components.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	st, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	llm, err := buildLLM(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	stt, tts, err := buildSpeechCapabilities(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	// Shared between the engine's barge-in detector and the outbound turn
	// loop's utterance segmentation, so both sides of a call agree on what
	// counts as speech.
	vad := conversation.NewThresholdVAD(defaultVADThreshold)

	engine, err := conversation.New(conversation.Config{
		SystemPrompt: "You are a helpful telephony assistant.",
	}, conversation.Capabilities{
		STT:   stt,
		LLM:   llm,
		TTS:   tts,
		VAD:   vad,
		Clock: capability.SystemClock{},
	}, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("app: constructing conversation engine: %w", err)
	}

	p, err := pipeline.New(codec.Type(cfg.TelephonyCodec))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("app: constructing codec pipeline: %w", err)
	}

	a := &App{
		cfg: cfg, logger: logger, store: st, engine: engine, vad: vad, startTime: time.Now(),
		inboundVia:    make(map[string]audioSink),
		outboundCalls: make(map[string]struct{}),
	}

	bridge := audiobridge.New(audiobridge.Config{
		BindAddr:     cfg.BridgeBindAddr,
		FrameBytes:   cfg.BridgeFrameBytes,
		BufferChunks: cfg.BridgeBufChunks,
	}, p, audiobridge.Callbacks{
		OnConnection: func(callID string) {
			if a.isOutboundCall(callID) {
				return
			}
			a.startInbound(callID, a.bridge)
		},
		OnAudioReceived: func(callID string, samples []float32) {
			if a.isOutboundCall(callID) {
				return
			}
			a.feedInboundAudio(callID, samples)
		},
		OnDisconnection: func(callID string) {
			if a.isOutboundCall(callID) {
				return
			}
			a.endInbound(callID)
		},
	}, logger)
	a.bridge = bridge

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("app: %w", err)
	}

	wsServer := wsaudio.New(wsaudio.Config{
		MaxConnections: cfg.WSMaxConnections,
		TelephonyCodec: func() (*pipeline.Pipeline, error) { return pipeline.New(codec.Type(cfg.TelephonyCodec)) },
		JWTSecret:      jwtSecret,
	}, wsaudio.Callbacks{
		OnConnection:    func(callID string) { a.startInbound(callID, a.wsaudio) },
		OnAudioReceived: a.feedInboundAudio,
		OnDisconnection: a.endInbound,
	}, logger)
	a.wsaudio = wsServer

	pbxClient := pbx.New(pbx.Config{
		Host:     cfg.PBXHost,
		Port:     cfg.PBXPort,
		Password: cfg.PBXPassword,
	}, logger)

	secManager, err := buildSecurityManager(cfg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	outboundMgr := outbound.NewManager(outbound.DefaultKeywords(), nil)

	smsBuilder, smsGateway, err := buildSMS(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	a.pbx = pbxClient
	a.security = secManager
	a.outbound = outboundMgr

	// A nil BusinessDays gets the dialer's Monday-Friday default.
	var businessDays []time.Weekday
	if !cfg.BusinessWeekdaysOnly {
		businessDays = []time.Weekday{time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday}
	}

	d, err := dialer.New(dialer.Config{
		BusinessHoursStart:     cfg.BusinessHoursStart,
		BusinessHoursEnd:       cfg.BusinessHoursEnd,
		BusinessDays:           businessDays,
		MaxConcurrentCalls:     cfg.MaxConcurrentCalls,
		MinCallInterval:        cfg.MinCallInterval(),
		AnswerTimeout:          cfg.AnswerTimeout(),
		MaxRetries:             cfg.MaxRetries,
		RetryDelay:             cfg.RetryDelay(),
		SMSAfterFailedAttempts: cfg.SMSAfterFailedAttempt,
		AudioBridgeAddr:        cfg.BridgeBindAddr,
	}, dialer.Capabilities{
		Placer:      pbxClient,
		AudioBridge: bridge,
		Consent:     st,
		Audit:       st,
		SMS:         smsGateway,
		Clock:       capability.SystemClock{},
	}, a.runOutboundConversation, smsBuilder, dialer.Callbacks{}, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("app: constructing dialer: %w", err)
	}
	a.dialer = d

	a.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: a.router(),
	}

	return a, nil
}

// runOutboundConversation satisfies dialer.ConversationHandler: it drives a
// campaign dialogue (internal/outbound) for one answered call, listening for
// real patient speech forked into the audio bridge by the dialer's
// StreamToSocket/ExpectCall call before this handler runs.
func (a *App) runOutboundConversation(ctx context.Context, callID string, call dialer.QueuedCall) (dialer.CallOutcome, error) {
	a.markOutboundCall(callID)
	defer a.unmarkOutboundCall(callID)

	engineID, _, err := a.engine.StartConversation(ctx)
	if err != nil {
		return dialer.OutcomeFailed, fmt.Errorf("app: starting conversation for %s: %w", callID, err)
	}
	defer a.engine.EndConversation(engineID)

	if !a.bridge.AwaitConnection(ctx, callID, outboundListenTimeout) {
		return dialer.OutcomeFailed, fmt.Errorf("app: audio bridge connection for %s never arrived", callID)
	}

	octx := &outbound.Context{
		CallID:       callID,
		CampaignType: outbound.CampaignType(call.CampaignType),
		PatientName:  call.Metadata["patient_name"],
	}

	detector := conversation.NewUtteranceDetector(a.vad, outboundUtteranceSilenceFrames)
	outcome, err := outbound.TurnLoop(a.outbound, octx, 20, func() (string, error) {
		pcm, herr := a.listenForOutboundUtterance(ctx, callID, detector)
		if herr != nil {
			return "", herr
		}
		text, _, convErr := a.engine.ProcessAudio(ctx, engineID, pcm, 16000)
		return text, convErr
	})
	if err != nil {
		return dialer.OutcomeFailed, err
	}
	return outbound.ToDialerOutcome(outcome), nil
}

// listenForOutboundUtterance pulls frames from the audio bridge until
// detector reports the patient has stopped talking, returning the
// accumulated speech. It returns an error if the call hangs up (NextFrame
// reports the connection closed) or ctx is canceled first.
func (a *App) listenForOutboundUtterance(ctx context.Context, callID string, detector *conversation.UtteranceDetector) ([]float32, error) {
	detector.Reset()
	var utterance []float32
	for {
		frame, ok := a.bridge.NextFrame(ctx, callID)
		if !ok {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("app: outbound call %s hung up", callID)
		}
		utterance = append(utterance, frame...)
		if detector.Feed(frame) {
			return utterance, nil
		}
	}
}

// markOutboundCall and unmarkOutboundCall track which call ids the dialer
// originated, so the bridge's OnConnection/OnAudioReceived/OnDisconnection
// callbacks can tell an outbound call's audio fork apart from a genuinely
// new inbound connection and skip starting an inbound conversation for it.
func (a *App) markOutboundCall(callID string) {
	a.outboundMu.Lock()
	a.outboundCalls[callID] = struct{}{}
	a.outboundMu.Unlock()
}

func (a *App) unmarkOutboundCall(callID string) {
	a.outboundMu.Lock()
	delete(a.outboundCalls, callID)
	a.outboundMu.Unlock()
}

func (a *App) isOutboundCall(callID string) bool {
	a.outboundMu.Lock()
	_, ok := a.outboundCalls[callID]
	a.outboundMu.Unlock()
	return ok
}

// startInbound registers callID against the transport that accepted it and
// seeds a conversation under that same id, so replies route back through
// whichever of audiobridge or wsaudio answered the call.
func (a *App) startInbound(callID string, sink audioSink) {
	a.inboundMu.Lock()
	a.inboundVia[callID] = sink
	a.inboundMu.Unlock()

	greeting, err := a.engine.StartConversationFor(context.Background(), callID)
	if err != nil {
		a.logger.Error("starting conversation for inbound call", "call_id", callID, "error", err)
		return
	}
	if len(greeting) > 0 {
		sink.SendAudio(callID, pcm16ToFloat32(greeting))
	}
}

// feedInboundAudio is the shared OnAudioReceived handler for both inbound
// transports: it feeds the frame to the engine's barge-in detector and runs
// one conversation turn, playing any synthesized reply back out through the
// transport that owns callID.
func (a *App) feedInboundAudio(callID string, samples []float32) {
	a.inboundMu.Lock()
	sink, ok := a.inboundVia[callID]
	a.inboundMu.Unlock()
	if !ok {
		return
	}

	a.engine.NotifyIncomingFrame(callID, samples)

	_, reply, err := a.engine.ProcessAudio(context.Background(), callID, samples, 16000)
	if err != nil {
		a.logger.Warn("processing inbound audio", "call_id", callID, "error", err)
		return
	}
	if len(reply) > 0 {
		sink.SendAudio(callID, pcm16ToFloat32(reply))
	}
}

// endInbound tears down conversation state and sink tracking for a closed
// inbound connection.
func (a *App) endInbound(callID string) {
	a.inboundMu.Lock()
	delete(a.inboundVia, callID)
	a.inboundMu.Unlock()
	a.engine.EndConversation(callID)
}

// pcm16ToFloat32 converts little-endian PCM16 bytes (capability.TTS's wire
// format) into the normalized float32 samples internal/audiobridge and
// internal/wsaudio expect.
func pcm16ToFloat32(data []byte) []float32 {
	out := make([]float32, len(data)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(data[i*2:]))
		out[i] = float32(v) / 32768.0
	}
	return out
}

func (a *App) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/ws/audio", a.wsaudio.HandleGeneric)
	r.Get("/ws/media-streams", a.wsaudio.HandleMediaStreams)
	return r
}

// Run starts every network-facing component and blocks until ctx is
// canceled, at which point it shuts everything down in reverse dependency
// order: stop accepting new connections first, let in-flight calls
// complete, then close the PBX control connection last so outstanding
// AwaitOutcome calls aren't orphaned mid-call.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.bridge.Start(ctx); err != nil {
			errCh <- fmt.Errorf("app: audio bridge: %w", err)
		}
	}()
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("app: http server: %w", err)
		}
	}()
	go a.dialer.Run(ctx)
	go func() {
		if err := a.pbx.Run(ctx); err != nil {
			a.logger.Error("pbx client stopped", "error", err)
		}
	}()

	select {
	case err := <-errCh:
		a.Stop()
		return err
	case <-ctx.Done():
		a.Stop()
		return nil
	}
}

// Stop shuts down every component. Safe to call more than once.
func (a *App) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a.wsaudio.Stop()
	a.bridge.Stop()
	a.httpServer.Shutdown(shutdownCtx)
	a.dialer.Stop()
	a.pbx.Stop()
	a.store.Close()
}

// MetricsCollector builds the prometheus collector for this App's wired
// components, for registration against a metrics registry by main.
func (a *App) MetricsCollector() *metrics.Collector {
	return metrics.NewCollector(a.dialer, a.bridge, a.wsaudio, a.engine, a.startTime)
}

func openStore(cfg *config.Config, logger *slog.Logger) (store, error) {
	if cfg.PostgresDSN != "" {
		return postgres.Open(cfg.PostgresDSN, logger)
	}
	return sqlite.Open(cfg.DataDir, logger)
}

func buildLLM(cfg *config.Config) (capability.Conversational, error) {
	if cfg.AnthropicAPIKey != "" {
		return anthropic.New(cfg.AnthropicAPIKey, "")
	}
	if cfg.OpenAIAPIKey != "" {
		single, err := openai.New(cfg.OpenAIAPIKey, "")
		if err != nil {
			return nil, err
		}
		return openai.WrapConversational(single), nil
	}
	return nil, fmt.Errorf("app: no LLM provider configured (set openai-api-key or anthropic-api-key)")
}

func buildSMS(cfg *config.Config) (dialer.SMSBuilder, capability.SMSGateway, error) {
	if cfg.TwilioAccountSID == "" {
		return nil, nil, nil
	}
	gw, err := twilio.New(cfg.TwilioAccountSID, cfg.TwilioAuthTokenSMS, cfg.TwilioFromNumber)
	if err != nil {
		return nil, nil, fmt.Errorf("app: constructing sms gateway: %w", err)
	}
	return buildSMSTemplate, gw, nil
}

// buildSMSTemplate is the default dialer.SMSBuilder: a campaign-specific
// German fallback message sent once a call has exhausted its retries,
// mirroring the wording internal/outbound's voicemail messages use.
func buildSMSTemplate(call dialer.QueuedCall) capability.SMSMessage {
	var body string
	switch call.CampaignType {
	case string(outbound.CampaignReminder):
		body = fmt.Sprintf("Guten Tag %s, wir konnten Sie zu Ihrem bevorstehenden Termin nicht erreichen. Bitte rufen Sie uns zurück.", call.Metadata["patient_name"])
	case string(outbound.CampaignLabResults):
		body = fmt.Sprintf("Guten Tag %s, Ihre Laborergebnisse liegen vor. Bitte rufen Sie uns zurück.", call.Metadata["patient_name"])
	default:
		body = fmt.Sprintf("Guten Tag %s, wir haben versucht Sie zu erreichen. Bitte rufen Sie uns zurück.", call.Metadata["patient_name"])
	}
	return capability.SMSMessage{
		To:        call.PhoneNumber,
		Body:      body,
		Reference: call.ID,
	}
}

func buildSecurityManager(cfg *config.Config, logger *slog.Logger) (*security.Manager, error) {
	algo := security.AlgoSHA256
	if cfg.GenericWebhookAlgo == "sha512" {
		algo = security.AlgoSHA512
	}
	proxies, err := security.NewTrustedProxies(cfg.TrustedProxyList())
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return security.New(security.Config{
		TwilioAuthToken:    cfg.TwilioAuthToken,
		SipgateAPIToken:    cfg.SipgateAPIToken,
		GenericSecret:      cfg.GenericWebhookSecret,
		GenericAlgorithm:   algo,
		ValidateTimestamp:  cfg.TimestampToleranceSec > 0,
		TimestampTolerance: time.Duration(cfg.TimestampToleranceSec) * time.Second,
		TrustedProxies:     proxies,
	}, logger), nil
}

// buildSpeechCapabilities returns the STT/TTS capability pair. Concrete
// speech adapters are provider-specific; callers running against a real
// STT/TTS provider wire their own capability.STT/capability.TTS
// implementation in here.
func buildSpeechCapabilities(cfg *config.Config) (capability.STT, capability.TTS, error) {
	return nil, nil, nil
}
