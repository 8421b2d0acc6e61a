package security

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// TwilioKnownRanges lists Twilio's published signaling IP ranges, used
// only when IP allowlisting is enabled in addition to signature checks.
var TwilioKnownRanges = []string{
	"3.80.0.0/12",
	"54.244.51.0/24",
	"54.172.60.0/24",
	"34.203.250.0/24",
}

// SipgateKnownRanges lists sipgate's published webhook source ranges.
var SipgateKnownRanges = []string{
	"217.10.64.0/20",
}

// Config configures a Manager. Empty secrets disable the corresponding
// validator (ValidateX calls fail closed with ErrMissingSecret).
type Config struct {
	TwilioAuthToken  string
	SipgateAPIToken  string
	GenericSecret    string
	GenericAlgorithm GenericAlgorithm

	ValidateTimestamp bool
	TimestampTolerance time.Duration

	ValidateIP  bool
	AllowedIPs  map[string][]string // provider name -> allowed ranges, defaults to the KnownRanges above

	TrustedProxies TrustedProxies
}

// Manager bundles the three provider-specific validators plus client-IP
// resolution behind one entry point, mirroring how webhook endpoints are
// wired in an HTTP router: one middleware call per provider route.
type Manager struct {
	cfg    Config
	twilio TwilioValidator
	sipgate SipgateValidator
	generic GenericValidator
	logger *slog.Logger
}

// New builds a Manager from cfg.
func New(cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		twilio:  TwilioValidator{AuthToken: cfg.TwilioAuthToken},
		sipgate: SipgateValidator{APIToken: cfg.SipgateAPIToken, ToleranceSeconds: int64(cfg.TimestampTolerance.Seconds())},
		generic: GenericValidator{Secret: cfg.GenericSecret, Algorithm: cfg.GenericAlgorithm},
		logger:  logger.With("subsystem", "webhook-security"),
	}
}

// ValidateTwilio checks an inbound Twilio webhook request's signature and,
// if IP allowlisting is enabled, its resolved client IP.
func (m *Manager) ValidateTwilio(req *http.Request, fullURL string, form url.Values) error {
	if err := m.twilio.Validate(req.Header.Get("X-Twilio-Signature"), fullURL, BuildTwilioParams(form)); err != nil {
		m.logger.Warn("invalid twilio signature", "path", req.URL.Path)
		return err
	}
	if m.cfg.ValidateIP {
		ip := m.cfg.TrustedProxies.ClientIP(req)
		ranges := m.rangesFor("twilio", TwilioKnownRanges)
		if !IPInNetworks(ip, ranges) {
			m.logger.Warn("invalid twilio source ip", "ip", ip)
			return ErrInvalidSignature
		}
	}
	return nil
}

// ValidateSipgate checks an inbound sipgate webhook request's signature,
// timestamp freshness, and (optionally) source IP.
func (m *Manager) ValidateSipgate(req *http.Request, body []byte, now time.Time) error {
	signature := req.Header.Get("X-Sipgate-Signature")
	timestamp := req.Header.Get("X-Sipgate-Timestamp")

	if err := m.sipgate.Validate(signature, timestamp, body, now); err != nil {
		m.logger.Warn("invalid sipgate signature", "path", req.URL.Path, "error", err)
		return err
	}
	if m.cfg.ValidateIP {
		ip := m.cfg.TrustedProxies.ClientIP(req)
		ranges := m.rangesFor("sipgate", SipgateKnownRanges)
		if !IPInNetworks(ip, ranges) {
			m.logger.Warn("invalid sipgate source ip", "ip", ip)
			return ErrInvalidSignature
		}
	}
	return nil
}

// ValidateGeneric checks an inbound webhook request's signature using the
// configured generic HMAC scheme.
func (m *Manager) ValidateGeneric(req *http.Request, body []byte) error {
	signature := req.Header.Get("X-Signature")
	timestamp := req.Header.Get("X-Timestamp")
	if err := m.generic.Validate(signature, body, timestamp); err != nil {
		m.logger.Warn("invalid generic webhook signature", "path", req.URL.Path)
		return err
	}
	return nil
}

func (m *Manager) rangesFor(provider string, fallback []string) []string {
	if r, ok := m.cfg.AllowedIPs[provider]; ok {
		return r
	}
	return fallback
}
