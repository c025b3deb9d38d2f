package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.VisionTimeout != 120*time.Second {
		t.Errorf("VisionTimeout = %v, want 120s", cfg.VisionTimeout)
	}
	if cfg.SynthesisFallbackQuality != 0.6 {
		t.Errorf("SynthesisFallbackQuality = %v, want 0.6", cfg.SynthesisFallbackQuality)
	}
	if cfg.ProgressMaxPolls != 300 {
		t.Errorf("ProgressMaxPolls = %d, want 300", cfg.ProgressMaxPolls)
	}
	if cfg.RegistryGrace != 5*time.Minute {
		t.Errorf("RegistryGrace = %v, want 5m", cfg.RegistryGrace)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CANOPY_PORT", "9090")
	t.Setenv("CANOPY_VISION_TIMEOUT", "10s")
	t.Setenv("CANOPY_SYNTHESIS_FALLBACK_QUALITY", "0.4")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.VisionTimeout != 10*time.Second {
		t.Errorf("VisionTimeout = %v, want 10s", cfg.VisionTimeout)
	}
	if cfg.SynthesisFallbackQuality != 0.4 {
		t.Errorf("SynthesisFallbackQuality = %v, want 0.4", cfg.SynthesisFallbackQuality)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults pass", func(c *Config) {}, false},
		{"no store configured", func(c *Config) { c.DatabaseURL = ""; c.SQLitePath = "" }, true},
		{"bad provider", func(c *Config) { c.InferenceProvider = "llamacpp" }, true},
		{"fallback quality above range", func(c *Config) { c.SynthesisFallbackQuality = 1.5 }, true},
		{"zero progress interval", func(c *Config) { c.ProgressInterval = 0 }, true},
		{"zero max polls", func(c *Config) { c.ProgressMaxPolls = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
