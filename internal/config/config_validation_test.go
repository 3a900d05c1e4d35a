package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadWithProfile_FileOverridesBuiltin(t *testing.T) {
	content := `
active_config: studio

globals:
  redirect_url: https://example.com/party

configs:
  default:
    detection:
      endpoint: http://scorer.local:9000/api/detect
  studio:
    audio:
      backend: portaudio
    detection:
      threshold: 0.45
    game:
      redirect_delay_ms: 1500
`
	configFile := createTempConfig(t, content)
	defer os.Remove(configFile)

	cfg, err := LoadWithProfile(configFile, "")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Profile != "studio" {
		t.Errorf("Expected active profile 'studio', got %s", cfg.Profile)
	}
	if cfg.Audio.Backend != "portaudio" {
		t.Errorf("Expected backend portaudio, got %s", cfg.Audio.Backend)
	}
	if cfg.Threshold() != 0.45 {
		t.Errorf("Expected threshold 0.45, got %.2f", cfg.Threshold())
	}
	// Default profile in file overrides the built-in default, studio inherits it
	if cfg.Detection.Endpoint != "http://scorer.local:9000/api/detect" {
		t.Errorf("Expected endpoint from file default profile, got %s", cfg.Detection.Endpoint)
	}
	if cfg.Inheritance.Fields["detection.endpoint"] != "inherited" {
		t.Errorf("Expected endpoint to be inherited, got %s", cfg.Inheritance.Fields["detection.endpoint"])
	}
	// Built-in fields not mentioned anywhere in the file survive
	if cfg.Capture.ChunkMs != DefaultChunkMs {
		t.Errorf("Expected chunk %d, got %d", DefaultChunkMs, cfg.Capture.ChunkMs)
	}
	if cfg.RedirectDelay().Milliseconds() != 1500 {
		t.Errorf("Expected redirect delay 1500ms, got %s", cfg.RedirectDelay())
	}
	if cfg.Game.RedirectURL != "https://example.com/party" {
		t.Errorf("Expected global redirect url, got %s", cfg.Game.RedirectURL)
	}
	if cfg.Inheritance.Fields["game.redirect_url"] != "global" {
		t.Errorf("Expected redirect url marked global, got %s", cfg.Inheritance.Fields["game.redirect_url"])
	}
}

func TestLoadWithProfile_ExplicitProfileWins(t *testing.T) {
	content := `
active_config: default
`
	configFile := createTempConfig(t, content)
	defer os.Remove(configFile)

	cfg, err := LoadWithProfile(configFile, StrictProfile)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Profile != StrictProfile || cfg.Threshold() != StrictThreshold {
		t.Errorf("Expected strict profile, got %s (threshold %.1f)", cfg.Profile, cfg.Threshold())
	}
}

func TestLoadWithProfile_MissingFileUsesBuiltin(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")

	cfg, err := LoadWithProfile(missing, "")
	if err != nil {
		t.Fatalf("Expected builtin fallback, got error: %v", err)
	}
	if cfg.Profile != DefaultProfile {
		t.Errorf("Expected default profile, got %s", cfg.Profile)
	}
}

func TestLoadWithProfile_UnknownProfile(t *testing.T) {
	_, err := LoadWithProfile("", "does-not-exist")
	if err == nil {
		t.Fatal("Expected error for unknown profile")
	}
	if !containsSubstring(err.Error(), "configuration profile 'does-not-exist' not found") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestLoadWithProfile_InvalidValues(t *testing.T) {
	content := `
configs:
  broken:
    capture:
      container: flac
`
	configFile := createTempConfig(t, content)
	defer os.Remove(configFile)

	_, err := LoadWithProfile(configFile, "broken")
	if err == nil {
		t.Fatal("Expected validation error")
	}
	if !containsSubstring(err.Error(), "capture.container") {
		t.Errorf("Expected capture.container error, got: %v", err)
	}
}

func TestLoadWithProfile_EnvEndpointOverride(t *testing.T) {
	t.Setenv("CLAPCOUNT_ENDPOINT", "http://env-scorer:7000/api/detect")

	cfg, err := LoadWithProfile("", "")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Detection.Endpoint != "http://env-scorer:7000/api/detect" {
		t.Errorf("Expected env endpoint, got %s", cfg.Detection.Endpoint)
	}
}

func TestLoadWithProfile_EnvOverridesFileKey(t *testing.T) {
	content := `
configs:
  default:
    detection:
      threshold: 0.4
`
	configFile := createTempConfig(t, content)
	defer os.Remove(configFile)

	t.Setenv("CLAPCOUNT_CONFIGS_DEFAULT_DETECTION_THRESHOLD", "0.55")

	cfg, err := LoadWithProfile(configFile, "")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Threshold() != 0.55 {
		t.Errorf("Expected env threshold 0.55, got %.2f", cfg.Threshold())
	}
}

func TestLoadWithProfile_ExplicitZeroIsKept(t *testing.T) {
	content := `
configs:
  eager:
    detection:
      threshold: 0
    game:
      cooldown_ms: 0
`
	configFile := createTempConfig(t, content)
	defer os.Remove(configFile)

	cfg, err := LoadWithProfile(configFile, "eager")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Threshold() != 0 {
		t.Errorf("Expected threshold 0, got %.2f", cfg.Threshold())
	}
	if cfg.Cooldown() != 0 {
		t.Errorf("Expected no cooldown, got %s", cfg.Cooldown())
	}
	for _, field := range []string{"detection.threshold", "game.cooldown_ms"} {
		if got := cfg.Inheritance.Fields[field]; got != "profile-specific" {
			t.Errorf("Expected %s to be profile-specific, got %s", field, got)
		}
	}
}

func TestAvailableProfilesAndUpdateActiveConfig(t *testing.T) {
	content := `
active_config: default
configs:
  party:
    game:
      start_countdown: 5
`
	configFile := createTempConfig(t, content)
	defer os.Remove(configFile)

	names, err := AvailableProfiles(configFile)
	if err != nil {
		t.Fatalf("AvailableProfiles failed: %v", err)
	}
	want := []string{"default", "party", "strict"}
	if len(names) != len(want) {
		t.Fatalf("Expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, names)
		}
	}

	if err := UpdateActiveConfig(configFile, "party"); err != nil {
		t.Fatalf("UpdateActiveConfig failed: %v", err)
	}

	cfg, err := LoadWithProfile(configFile, "")
	if err != nil {
		t.Fatalf("LoadWithProfile after update failed: %v", err)
	}
	if cfg.Profile != "party" || cfg.Game.StartCountdown != 5 {
		t.Errorf("Expected party profile with countdown 5, got %s/%d", cfg.Profile, cfg.Game.StartCountdown)
	}
}

// createTempConfig writes content to a temporary YAML file
func createTempConfig(t *testing.T, content string) string {
	tmpfile, err := os.CreateTemp("", "clapcount-test-*.yaml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatalf("Failed to write temp file: %v", err)
	}

	if err := tmpfile.Close(); err != nil {
		t.Fatalf("Failed to close temp file: %v", err)
	}

	return tmpfile.Name()
}
