// Package config loads runtime configuration for the agentcore process: a
// flag.FlagSet parsed from os.Args with environment-variable fallback,
// precedence CLI > env > default, collected into a single flat Config
// struct.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the agentcore server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir   string
	HTTPPort  int
	LogLevel  string
	LogFormat string

	// Persistence. PostgresDSN selects the postgres-backed store; when
	// empty the sqlite store under DataDir is used (local/dev default).
	PostgresDSN string

	// Audio plane.
	TelephonyCodec   string // PCMU, PCMA, G722, or L16
	BridgeBindAddr   string
	BridgeFrameBytes int
	BridgeBufChunks  int
	// The Jitter* fields are parsed and validated; no other component
	// reads them, so the audio bridge runs without a jitter buffer.
	JitterBuffer     bool
	JitterMinDelayMS int
	JitterTgtDelayMS int
	JitterMaxDelayMS int

	// WebSocket audio adapter.
	WSMaxConnections int
	JWTSecret        string

	// PBX control plane.
	PBXHost     string
	PBXPort     int
	PBXPassword string

	// Outbound dialer.
	BusinessHoursStart    int
	BusinessHoursEnd      int
	BusinessWeekdaysOnly  bool
	MaxConcurrentCalls    int
	MinCallIntervalMS     int
	AnswerTimeoutSeconds  int
	MaxRetries            int
	RetryDelayMinutes     int
	SMSAfterFailedAttempt int

	// Webhook signature validation.
	TwilioAuthToken       string
	SipgateAPIToken       string
	GenericWebhookSecret  string
	GenericWebhookAlgo    string
	TimestampToleranceSec int
	TrustedProxyCIDRs     string

	// Concrete capability adapters.
	OpenAIAPIKey      string
	AnthropicAPIKey   string
	TwilioAccountSID  string
	TwilioAuthTokenSMS string
	TwilioFromNumber  string
}

// defaults
const (
	defaultDataDir          = "./data"
	defaultHTTPPort         = 8080
	defaultLogLevel         = "info"
	defaultLogFormat        = "text"
	defaultTelephonyCodec   = "PCMU"
	defaultBridgeBindAddr   = ":9000"
	defaultBridgeFrameBytes = 160
	defaultBridgeBufChunks  = 1
	defaultJitterMinDelayMS = 20
	defaultJitterTgtDelayMS = 60
	defaultJitterMaxDelayMS = 200
	defaultWSMaxConnections = 100
	defaultPBXPort          = 8021
	defaultBusinessStart    = 8
	defaultBusinessEnd      = 20
	defaultMaxConcurrent    = 4
	defaultMinCallInterval  = 1000
	defaultAnswerTimeout    = 45
	defaultMaxRetries       = 2
	defaultRetryDelayMin    = 30
	defaultSMSAfterFailed   = 2
	defaultTimestampTol     = 300
)

// envPrefix is the prefix for all agentcore environment variables.
const envPrefix = "AGENTCORE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("agentcore", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the sqlite store")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port (webhooks, websocket audio, health)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", "", "PostgreSQL DSN; empty selects the sqlite store under data-dir")

	fs.StringVar(&cfg.TelephonyCodec, "telephony-codec", defaultTelephonyCodec, "telephony codec: PCMU, PCMA, G722, or L16")
	fs.StringVar(&cfg.BridgeBindAddr, "bridge-bind-addr", defaultBridgeBindAddr, "audio bridge listen address")
	fs.IntVar(&cfg.BridgeFrameBytes, "bridge-frame-bytes", defaultBridgeFrameBytes, "telephony frame size in bytes (160 = 20ms at 8kHz)")
	fs.IntVar(&cfg.BridgeBufChunks, "bridge-buffer-chunks", defaultBridgeBufChunks, "telephony frames accumulated before an AI chunk is emitted")
	fs.BoolVar(&cfg.JitterBuffer, "jitter-buffer", true, "RTP jitter buffer switch (stored only; the audio bridge does not read it)")
	fs.IntVar(&cfg.JitterMinDelayMS, "jitter-min-delay-ms", defaultJitterMinDelayMS, "jitter buffer minimum playout delay")
	fs.IntVar(&cfg.JitterTgtDelayMS, "jitter-target-delay-ms", defaultJitterTgtDelayMS, "jitter buffer target playout delay")
	fs.IntVar(&cfg.JitterMaxDelayMS, "jitter-max-delay-ms", defaultJitterMaxDelayMS, "jitter buffer maximum playout delay")

	fs.IntVar(&cfg.WSMaxConnections, "ws-max-connections", defaultWSMaxConnections, "maximum concurrent websocket audio sessions")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret signing websocket session tokens (auto-generated if empty)")

	fs.StringVar(&cfg.PBXHost, "pbx-host", "127.0.0.1", "PBX event-socket host")
	fs.IntVar(&cfg.PBXPort, "pbx-port", defaultPBXPort, "PBX event-socket port")
	fs.StringVar(&cfg.PBXPassword, "pbx-password", "", "PBX event-socket password")

	fs.IntVar(&cfg.BusinessHoursStart, "business-hours-start", defaultBusinessStart, "business hours start, 24h local time")
	fs.IntVar(&cfg.BusinessHoursEnd, "business-hours-end", defaultBusinessEnd, "business hours end, 24h local time")
	fs.BoolVar(&cfg.BusinessWeekdaysOnly, "business-weekdays-only", true, "restrict outbound dialing to Monday-Friday")
	fs.IntVar(&cfg.MaxConcurrentCalls, "max-concurrent-calls", defaultMaxConcurrent, "maximum concurrent outbound calls")
	fs.IntVar(&cfg.MinCallIntervalMS, "min-call-interval-ms", defaultMinCallInterval, "minimum interval between outbound originations")
	fs.IntVar(&cfg.AnswerTimeoutSeconds, "answer-timeout-seconds", defaultAnswerTimeout, "ring timeout before a call is marked no-answer")
	fs.IntVar(&cfg.MaxRetries, "max-retries", defaultMaxRetries, "maximum retry attempts for no-answer/busy/failed outcomes")
	fs.IntVar(&cfg.RetryDelayMinutes, "retry-delay-minutes", defaultRetryDelayMin, "delay before a retried call is re-queued")
	fs.IntVar(&cfg.SMSAfterFailedAttempt, "sms-after-failed-attempts", defaultSMSAfterFailed, "failed attempts after which an SMS fallback is sent")

	fs.StringVar(&cfg.TwilioAuthToken, "twilio-auth-token", "", "Twilio auth token for X-Twilio-Signature webhook validation")
	fs.StringVar(&cfg.SipgateAPIToken, "sipgate-api-token", "", "sipgate API token for X-Sipgate-Signature webhook validation")
	fs.StringVar(&cfg.GenericWebhookSecret, "generic-webhook-secret", "", "shared secret for generic X-Signature webhook validation")
	fs.StringVar(&cfg.GenericWebhookAlgo, "generic-webhook-algo", "sha256", "generic webhook HMAC algorithm: sha256 or sha512")
	fs.IntVar(&cfg.TimestampToleranceSec, "timestamp-tolerance-seconds", defaultTimestampTol, "webhook timestamp freshness tolerance")
	fs.StringVar(&cfg.TrustedProxyCIDRs, "trusted-proxy-cidrs", "", "comma-separated CIDRs trusted to set X-Forwarded-For")

	fs.StringVar(&cfg.OpenAIAPIKey, "openai-api-key", "", "OpenAI API key for the single-turn LLM adapter")
	fs.StringVar(&cfg.AnthropicAPIKey, "anthropic-api-key", "", "Anthropic API key for the conversational LLM adapter")
	fs.StringVar(&cfg.TwilioAccountSID, "twilio-account-sid", "", "Twilio account SID for the SMS gateway adapter")
	fs.StringVar(&cfg.TwilioAuthTokenSMS, "twilio-sms-auth-token", "", "Twilio auth token for the SMS gateway adapter")
	fs.StringVar(&cfg.TwilioFromNumber, "twilio-from-number", "", "Twilio sender number for outbound SMS")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	strVars := map[string]*string{
		"data-dir":                   &cfg.DataDir,
		"log-level":                  &cfg.LogLevel,
		"log-format":                 &cfg.LogFormat,
		"postgres-dsn":                &cfg.PostgresDSN,
		"telephony-codec":             &cfg.TelephonyCodec,
		"bridge-bind-addr":            &cfg.BridgeBindAddr,
		"jwt-secret":                  &cfg.JWTSecret,
		"pbx-host":                    &cfg.PBXHost,
		"pbx-password":                &cfg.PBXPassword,
		"twilio-auth-token":           &cfg.TwilioAuthToken,
		"sipgate-api-token":           &cfg.SipgateAPIToken,
		"generic-webhook-secret":      &cfg.GenericWebhookSecret,
		"generic-webhook-algo":        &cfg.GenericWebhookAlgo,
		"trusted-proxy-cidrs":         &cfg.TrustedProxyCIDRs,
		"openai-api-key":              &cfg.OpenAIAPIKey,
		"anthropic-api-key":           &cfg.AnthropicAPIKey,
		"twilio-account-sid":          &cfg.TwilioAccountSID,
		"twilio-sms-auth-token":       &cfg.TwilioAuthTokenSMS,
		"twilio-from-number":          &cfg.TwilioFromNumber,
	}
	intVars := map[string]*int{
		"http-port":                   &cfg.HTTPPort,
		"bridge-frame-bytes":          &cfg.BridgeFrameBytes,
		"bridge-buffer-chunks":        &cfg.BridgeBufChunks,
		"jitter-min-delay-ms":         &cfg.JitterMinDelayMS,
		"jitter-target-delay-ms":      &cfg.JitterTgtDelayMS,
		"jitter-max-delay-ms":         &cfg.JitterMaxDelayMS,
		"ws-max-connections":          &cfg.WSMaxConnections,
		"pbx-port":                    &cfg.PBXPort,
		"business-hours-start":        &cfg.BusinessHoursStart,
		"business-hours-end":          &cfg.BusinessHoursEnd,
		"max-concurrent-calls":        &cfg.MaxConcurrentCalls,
		"min-call-interval-ms":        &cfg.MinCallIntervalMS,
		"answer-timeout-seconds":      &cfg.AnswerTimeoutSeconds,
		"max-retries":                 &cfg.MaxRetries,
		"retry-delay-minutes":         &cfg.RetryDelayMinutes,
		"sms-after-failed-attempts":   &cfg.SMSAfterFailedAttempt,
		"timestamp-tolerance-seconds": &cfg.TimestampToleranceSec,
	}
	boolVars := map[string]*bool{
		"jitter-buffer":           &cfg.JitterBuffer,
		"business-weekdays-only": &cfg.BusinessWeekdaysOnly,
	}

	for flagName, ptr := range strVars {
		if set[flagName] {
			continue
		}
		if val, ok := os.LookupEnv(envVarName(flagName)); ok && val != "" {
			*ptr = val
		}
	}
	for flagName, ptr := range intVars {
		if set[flagName] {
			continue
		}
		if val, ok := os.LookupEnv(envVarName(flagName)); ok && val != "" {
			if v, err := strconv.Atoi(val); err == nil {
				*ptr = v
			}
		}
	}
	for flagName, ptr := range boolVars {
		if set[flagName] {
			continue
		}
		if val, ok := os.LookupEnv(envVarName(flagName)); ok && val != "" {
			if v, err := strconv.ParseBool(val); err == nil {
				*ptr = v
			}
		}
	}
}

func envVarName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	validCodecs := map[string]bool{"PCMU": true, "PCMA": true, "G722": true, "L16": true}
	if !validCodecs[strings.ToUpper(c.TelephonyCodec)] {
		return fmt.Errorf("telephony-codec must be one of PCMU, PCMA, G722, L16; got %q", c.TelephonyCodec)
	}
	c.TelephonyCodec = strings.ToUpper(c.TelephonyCodec)

	if c.BusinessHoursStart < 0 || c.BusinessHoursStart > 23 {
		return fmt.Errorf("business-hours-start must be between 0 and 23, got %d", c.BusinessHoursStart)
	}
	if c.BusinessHoursEnd < 1 || c.BusinessHoursEnd > 24 {
		return fmt.Errorf("business-hours-end must be between 1 and 24, got %d", c.BusinessHoursEnd)
	}
	if c.BusinessHoursEnd <= c.BusinessHoursStart {
		return fmt.Errorf("business-hours-end (%d) must be after business-hours-start (%d)", c.BusinessHoursEnd, c.BusinessHoursStart)
	}
	if c.JitterMinDelayMS <= 0 || c.JitterMinDelayMS > c.JitterTgtDelayMS || c.JitterTgtDelayMS > c.JitterMaxDelayMS {
		return fmt.Errorf("jitter delays must satisfy 0 < min (%d) <= target (%d) <= max (%d)", c.JitterMinDelayMS, c.JitterTgtDelayMS, c.JitterMaxDelayMS)
	}

	algo := strings.ToLower(c.GenericWebhookAlgo)
	if algo != "sha256" && algo != "sha512" {
		return fmt.Errorf("generic-webhook-algo must be sha256 or sha512, got %q", c.GenericWebhookAlgo)
	}
	c.GenericWebhookAlgo = algo

	return nil
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret used for
// websocket session tokens. If no secret is configured, it generates a
// random one for the process lifetime (tokens won't survive a restart).
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// TrustedProxyList splits the comma-separated trusted-proxy-cidrs flag into
// a slice, trimming whitespace and dropping empty entries.
func (c *Config) TrustedProxyList() []string {
	if c.TrustedProxyCIDRs == "" {
		return nil
	}
	parts := strings.Split(c.TrustedProxyCIDRs, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// MinCallInterval returns the configured minimum inter-call interval as a
// time.Duration.
func (c *Config) MinCallInterval() time.Duration {
	return time.Duration(c.MinCallIntervalMS) * time.Millisecond
}

// AnswerTimeout returns the configured ring timeout as a time.Duration.
func (c *Config) AnswerTimeout() time.Duration {
	return time.Duration(c.AnswerTimeoutSeconds) * time.Second
}

// RetryDelay returns the configured retry delay as a time.Duration.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMinutes) * time.Minute
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
