package config

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestMergeConfigs_SelectionAndFallback(t *testing.T) {
	base := Builtin().Configs[DefaultProfile]

	profile := &Config{
		Audio:     AudioConfig{SampleRate: 16000},
		Capture:   CaptureConfig{ChunkMs: 1000},
		Detection: DetectionConfig{Threshold: floatPtr(0.6)},
		Game:      GameConfig{RedirectDelayMs: intPtr(0)},
	}

	result := mergeConfigs(base, profile)

	// Overridden values
	if result.Audio.SampleRate != 16000 {
		t.Errorf("Expected sample rate 16000, got %d", result.Audio.SampleRate)
	}
	if result.Capture.ChunkMs != 1000 {
		t.Errorf("Expected chunk 1000ms, got %d", result.Capture.ChunkMs)
	}
	if result.Threshold() != 0.6 {
		t.Errorf("Expected threshold 0.6, got %.2f", result.Threshold())
	}
	if result.RedirectDelay() != 0 {
		t.Errorf("Expected immediate redirect, got %s", result.RedirectDelay())
	}

	// Inherited values
	if result.Audio.Backend != "auto" {
		t.Errorf("Expected backend 'auto' inherited, got %s", result.Audio.Backend)
	}
	if result.Detection.Endpoint != DefaultEndpoint {
		t.Errorf("Expected endpoint inherited, got %s", result.Detection.Endpoint)
	}
	if result.Game.StartCountdown != DefaultStartCountdown {
		t.Errorf("Expected countdown %d inherited, got %d", DefaultStartCountdown, result.Game.StartCountdown)
	}

	// Inheritance tracking
	if result.Inheritance == nil {
		t.Fatal("Inheritance tracking not initialized")
	}
	want := map[string]string{
		"audio.sample_rate":      "profile-specific",
		"capture.chunk_ms":       "profile-specific",
		"detection.threshold":    "profile-specific",
		"game.redirect_delay_ms": "profile-specific",
		"audio.backend":          "inherited",
		"detection.endpoint":     "inherited",
	}
	for field, status := range want {
		if got := result.Inheritance.Fields[field]; got != status {
			t.Errorf("Expected %s to be %s, got %s", field, status, got)
		}
	}
}

func TestMergeConfigs_DoesNotAliasBaseRedirectDelay(t *testing.T) {
	base := Builtin().Configs[DefaultProfile]
	result := mergeConfigs(base, &Config{})

	*result.Game.RedirectDelayMs = 42
	if *base.Game.RedirectDelayMs != DefaultRedirectDelayMs {
		t.Errorf("Base redirect delay was modified through merged config: %d", *base.Game.RedirectDelayMs)
	}
}

func TestMergeConfigs_ProfileOnly(t *testing.T) {
	profile := &Config{
		Audio:   AudioConfig{Backend: "portaudio", SampleRate: 48000},
		Capture: CaptureConfig{Container: "wav"},
	}

	result := mergeConfigs(nil, profile)

	if result.Audio.Backend != "portaudio" || result.Audio.SampleRate != 48000 {
		t.Errorf("Audio config not preserved: %+v", result.Audio)
	}
	if result.Capture.Container != "wav" {
		t.Errorf("Capture config not preserved: %+v", result.Capture)
	}
	if result.Game.RedirectDelayMs != nil {
		t.Errorf("Expected unset redirect delay, got %d", *result.Game.RedirectDelayMs)
	}
}

func TestBuiltinProfilesResolve(t *testing.T) {
	tests := []struct {
		profile    string
		threshold  float64
		chunk      time.Duration
		sampleRate int
		redirect   time.Duration
	}{
		{DefaultProfile, DefaultThreshold, 500 * time.Millisecond, DefaultSampleRate, 3 * time.Second},
		{StrictProfile, StrictThreshold, time.Second, StrictSampleRate, 0},
	}

	for _, tt := range tests {
		t.Run(tt.profile, func(t *testing.T) {
			cfg, err := LoadWithProfile("", tt.profile)
			if err != nil {
				t.Fatalf("LoadWithProfile(%q) failed: %v", tt.profile, err)
			}
			if cfg.Profile != tt.profile {
				t.Errorf("Expected profile %s, got %s", tt.profile, cfg.Profile)
			}
			if cfg.Threshold() != tt.threshold {
				t.Errorf("Expected threshold %.1f, got %.1f", tt.threshold, cfg.Threshold())
			}
			if cfg.ChunkDuration() != tt.chunk {
				t.Errorf("Expected chunk %s, got %s", tt.chunk, cfg.ChunkDuration())
			}
			if cfg.Audio.SampleRate != tt.sampleRate {
				t.Errorf("Expected sample rate %d, got %d", tt.sampleRate, cfg.Audio.SampleRate)
			}
			if cfg.RedirectDelay() != tt.redirect {
				t.Errorf("Expected redirect delay %s, got %s", tt.redirect, cfg.RedirectDelay())
			}
			// Shared game timings are identical across profiles
			if cfg.Cooldown() != 500*time.Millisecond || cfg.ToastDuration() != 3*time.Second || cfg.CelebrationDuration() != 5*time.Second {
				t.Errorf("Unexpected game timings: cooldown=%s toast=%s celebration=%s",
					cfg.Cooldown(), cfg.ToastDuration(), cfg.CelebrationDuration())
			}
		})
	}
}

func TestHealthURL(t *testing.T) {
	cfg := &Config{Detection: DetectionConfig{Endpoint: "http://scorer.local:8000/api/detect?x=1"}}
	if got, want := cfg.HealthURL(), "http://scorer.local:8000/api/health"; got != want {
		t.Errorf("HealthURL() = %s, want %s", got, want)
	}
}

func TestValidateConfig(t *testing.T) {
	valid := func() *Config {
		return mergeConfigs(nil, Builtin().Configs[DefaultProfile])
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad backend", func(c *Config) { c.Audio.Backend = "jack" }, "audio.backend"},
		{"stereo", func(c *Config) { c.Audio.Channels = 2 }, "audio.channels"},
		{"low sample rate", func(c *Config) { c.Audio.SampleRate = 100 }, "audio.sample_rate"},
		{"chunk too short", func(c *Config) { c.Capture.ChunkMs = 10 }, "capture.chunk_ms"},
		{"bad container", func(c *Config) { c.Capture.Container = "mp3" }, "capture.container"},
		{"threshold one", func(c *Config) { c.Detection.Threshold = floatPtr(1) }, "detection.threshold"},
		{"endpoint scheme", func(c *Config) { c.Detection.Endpoint = "ftp://x/api/detect" }, "detection.endpoint"},
		{"no field name", func(c *Config) { c.Detection.FieldName = "" }, "detection.field_name"},
		{"countdown zero", func(c *Config) { c.Game.StartCountdown = 0 }, "game.start_countdown"},
		{"no threshold", func(c *Config) { c.Detection.Threshold = nil }, "detection.threshold"},
		{"negative cooldown", func(c *Config) { c.Game.CooldownMs = intPtr(-1) }, "game.cooldown_ms"},
		{"zero threshold", func(c *Config) { c.Detection.Threshold = floatPtr(0) }, ""},
		{"zero cooldown", func(c *Config) { c.Game.CooldownMs = intPtr(0) }, ""},
		{"negative redirect", func(c *Config) { c.Game.RedirectDelayMs = intPtr(-1) }, "game.redirect_delay_ms"},
		{"redirect url", func(c *Config) { c.Game.RedirectURL = "youtube" }, "game.redirect_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := validateConfig(c)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected no error, got: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing %q", tt.wantErr)
			}
			if !containsSubstring(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestBuiltinIsFreshCopy(t *testing.T) {
	a := Builtin()
	*a.Configs[DefaultProfile].Detection.Threshold = 0.9

	b := Builtin()
	if diff := cmp.Diff(DefaultThreshold, *b.Configs[DefaultProfile].Detection.Threshold); diff != "" {
		t.Errorf("Builtin() shares state between calls (-want +got):\n%s", diff)
	}
}

// containsSubstring checks if a string contains a substring
func containsSubstring(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
