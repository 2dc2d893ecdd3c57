package sessionbroker

import (
	"net/http"
	"testing"
	"time"
)

func validTestConfig() Config {
	cfg := defaultConfig()
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults with hs256 key", func(*Config) {}, false},
		{"zero access TTL", func(c *Config) { c.JWT.AccessTTL = 0 }, true},
		{"unknown signing method", func(c *Config) { c.JWT.SigningMethod = "rs256" }, true},
		{"ed25519 without keys", func(c *Config) { c.JWT.SigningMethod = "ed25519"; c.JWT.PrivateKey = nil }, true},
		{"negative leeway", func(c *Config) { c.JWT.Leeway = -time.Second }, true},
		{"empty redis prefix", func(c *Config) { c.Session.RedisPrefix = "" }, true},
		{"zero session lifetime", func(c *Config) { c.Session.Lifetime = 0 }, true},
		{"lifetime below access TTL", func(c *Config) { c.Session.Lifetime = time.Minute; c.JWT.AccessTTL = time.Hour }, true},
		{"empty cookie name", func(c *Config) { c.Cookie.Name = "" }, true},
		{"samesite none without secure", func(c *Config) { c.Cookie.SameSite = http.SameSiteNoneMode; c.Cookie.Secure = false }, true},
		{"events enabled zero buffer", func(c *Config) { c.Events.Enabled = true; c.Events.BufferSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestCloneConfigCopiesKeys(t *testing.T) {
	cfg := validTestConfig()
	clone := cloneConfig(cfg)

	clone.JWT.PrivateKey[0] ^= 0xff
	if cfg.JWT.PrivateKey[0] == clone.JWT.PrivateKey[0] {
		t.Fatal("clone shares key storage with the original")
	}
}

func TestMetricsDisabledIsInert(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})
	m.Inc(MetricSignInSuccess)

	if got := m.Value(MetricSignInSuccess); got != 0 {
		t.Fatalf("disabled metrics recorded %d", got)
	}
	if snap := m.Snapshot(); len(snap.Counters) != 0 {
		t.Fatalf("disabled snapshot has %d counters", len(snap.Counters))
	}
}

func TestMetricsLatencyHistogram(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})
	m.Observe(MetricResolveLatency, 3*time.Millisecond)
	m.Observe(MetricResolveLatency, 80*time.Millisecond)
	m.Observe(MetricResolveLatency, 2*time.Second)

	buckets := m.Snapshot().Histograms[MetricResolveLatency]
	if len(buckets) != histBucketCount {
		t.Fatalf("expected %d buckets, got %d", histBucketCount, len(buckets))
	}
	if buckets[0] != 1 || buckets[4] != 1 || buckets[7] != 1 {
		t.Fatalf("unexpected bucket distribution: %v", buckets)
	}
}
