package config

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, e := range os.Environ() {
		if len(e) > len(envPrefix) && e[:len(envPrefix)] == envPrefix {
			key := e[:indexByte(e, '=')]
			os.Unsetenv(key)
		}
	}
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func withArgs(t *testing.T, args []string, fn func()) {
	t.Helper()
	old := os.Args
	os.Args = append([]string{"agentcore"}, args...)
	defer func() { os.Args = old }()
	fn()
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	withArgs(t, nil, func() {
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() returned error: %v", err)
		}
		if cfg.HTTPPort != defaultHTTPPort {
			t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
		}
		if cfg.LogLevel != defaultLogLevel {
			t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
		}
		if cfg.TelephonyCodec != defaultTelephonyCodec {
			t.Errorf("TelephonyCodec = %q, want %q", cfg.TelephonyCodec, defaultTelephonyCodec)
		}
		if !cfg.JitterBuffer {
			t.Error("JitterBuffer default should be true")
		}
		if cfg.MaxConcurrentCalls != defaultMaxConcurrent {
			t.Errorf("MaxConcurrentCalls = %d, want %d", cfg.MaxConcurrentCalls, defaultMaxConcurrent)
		}
	})
}

func TestEnvVarOverride(t *testing.T) {
	clearEnv(t)
	os.Setenv("AGENTCORE_HTTP_PORT", "9999")
	os.Setenv("AGENTCORE_TELEPHONY_CODEC", "g722")
	defer clearEnv(t)

	withArgs(t, nil, func() {
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() returned error: %v", err)
		}
		if cfg.HTTPPort != 9999 {
			t.Errorf("HTTPPort = %d, want 9999", cfg.HTTPPort)
		}
		if cfg.TelephonyCodec != "G722" {
			t.Errorf("TelephonyCodec = %q, want G722", cfg.TelephonyCodec)
		}
	})
}

func TestCLIFlagsPrecedence(t *testing.T) {
	clearEnv(t)
	os.Setenv("AGENTCORE_HTTP_PORT", "9999")
	defer clearEnv(t)

	withArgs(t, []string{"-http-port", "7000"}, func() {
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() returned error: %v", err)
		}
		if cfg.HTTPPort != 7000 {
			t.Errorf("HTTPPort = %d, want 7000 (CLI flag should win over env)", cfg.HTTPPort)
		}
	})
}

func TestValidateInvalidPort(t *testing.T) {
	clearEnv(t)
	withArgs(t, []string{"-http-port", "0"}, func() {
		if _, err := Load(); err == nil {
			t.Error("expected error for invalid http-port, got nil")
		}
	})
}

func TestValidateInvalidLogLevel(t *testing.T) {
	clearEnv(t)
	withArgs(t, []string{"-log-level", "verbose"}, func() {
		if _, err := Load(); err == nil {
			t.Error("expected error for invalid log-level, got nil")
		}
	})
}

func TestValidateInvalidCodec(t *testing.T) {
	clearEnv(t)
	withArgs(t, []string{"-telephony-codec", "opus"}, func() {
		if _, err := Load(); err == nil {
			t.Error("expected error for invalid telephony-codec, got nil")
		}
	})
}

func TestValidateBusinessHoursOrder(t *testing.T) {
	clearEnv(t)
	withArgs(t, []string{"-business-hours-start", "20", "-business-hours-end", "8"}, func() {
		if _, err := Load(); err == nil {
			t.Error("expected error when business-hours-end <= business-hours-start, got nil")
		}
	})
}

func TestSlogLevel(t *testing.T) {
	cfg := &Config{LogLevel: "debug"}
	if cfg.SlogLevel().String() != "DEBUG" {
		t.Errorf("SlogLevel() = %v, want DEBUG", cfg.SlogLevel())
	}
	cfg.LogLevel = "warn"
	if cfg.SlogLevel().String() != "WARN" {
		t.Errorf("SlogLevel() = %v, want WARN", cfg.SlogLevel())
	}
}

func TestJWTSecretBytesGeneratesEphemeral(t *testing.T) {
	cfg := &Config{}
	key, err := cfg.JWTSecretBytes()
	if err != nil {
		t.Fatalf("JWTSecretBytes() returned error: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("generated key length = %d, want 32", len(key))
	}
	if cfg.JWTSecret == "" {
		t.Error("expected JWTSecret to be populated after ephemeral generation")
	}
}

func TestTrustedProxyList(t *testing.T) {
	cfg := &Config{TrustedProxyCIDRs: "10.0.0.0/8, 192.168.1.1"}
	got := cfg.TrustedProxyList()
	want := []string{"10.0.0.0/8", "192.168.1.1"}
	if len(got) != len(want) {
		t.Fatalf("TrustedProxyList() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("TrustedProxyList()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
