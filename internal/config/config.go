package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"github.com/spf13/viper"
)

// Detection profile constants. The two observed profiles disagree on these
// values, so both are kept as named constants and selected by profile.
const (
	DefaultThreshold  = 0.3
	StrictThreshold   = 0.6
	DefaultChunkMs    = 500
	StrictChunkMs     = 1000
	DefaultSampleRate = 44100
	StrictSampleRate  = 16000

	DefaultRedirectDelayMs = 3000
	StrictRedirectDelayMs  = 0

	DefaultCooldownMs      = 500
	DefaultToastMs         = 3000
	DefaultCelebrationMs   = 5000
	DefaultClapIndicatorMs = 1000
	DefaultStartCountdown  = 10
	DefaultLevelIntervalMs = 16
	DefaultTimeoutMs       = 5000

	DefaultEndpoint    = "http://localhost:8000/api/detect"
	DefaultFieldName   = "audio"
	DefaultRedirectURL = "https://www.youtube.com"

	DefaultProfile = "default"
	StrictProfile  = "strict"
)

var (
	validBackends   = []string{"auto", "ffmpeg", "portaudio"}
	validContainers = []string{"webm", "wav"}
)

type RootConfig struct {
	ActiveConfig string             `mapstructure:"active_config" yaml:"active_config"`
	Globals      *GlobalsConfig     `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	Configs      map[string]*Config `mapstructure:"configs" yaml:"configs"`
}

type GlobalsConfig struct {
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	RedirectURL string `mapstructure:"redirect_url" yaml:"redirect_url"`
}

type Config struct {
	Audio     AudioConfig     `mapstructure:"audio" yaml:"audio"`
	Capture   CaptureConfig   `mapstructure:"capture" yaml:"capture"`
	Detection DetectionConfig `mapstructure:"detection" yaml:"detection"`
	Game      GameConfig      `mapstructure:"game" yaml:"game"`

	// Name of the resolved profile
	Profile string `mapstructure:"-" yaml:"profile"`

	// Internal field to track inheritance information for info command
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

// InheritanceInfo records, per dotted field path, whether a value came from
// the selected profile or was inherited from the default profile.
type InheritanceInfo struct {
	Fields map[string]string
}

type AudioConfig struct {
	Backend       string `mapstructure:"backend" yaml:"backend"` // "ffmpeg", "portaudio", "auto"
	SampleRate    int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels      int    `mapstructure:"channels" yaml:"channels"`
	InputFormat   string `mapstructure:"input_format" yaml:"input_format"` // ffmpeg -f value: pulse, alsa, avfoundation
	InputDevice   string `mapstructure:"input_device" yaml:"input_device"`
	FFmpegCommand string `mapstructure:"ffmpeg_command" yaml:"ffmpeg_command"`
	LatencyMs     int    `mapstructure:"latency_ms" yaml:"latency_ms"`
}

type CaptureConfig struct {
	ChunkMs         int    `mapstructure:"chunk_ms" yaml:"chunk_ms"`
	LevelIntervalMs int    `mapstructure:"level_interval_ms" yaml:"level_interval_ms"`
	Container       string `mapstructure:"container" yaml:"container"` // "webm" or "wav"
}

type DetectionConfig struct {
	Endpoint  string  `mapstructure:"endpoint" yaml:"endpoint"`
	FieldName string  `mapstructure:"field_name" yaml:"field_name"`
	Threshold *float64 `mapstructure:"threshold,omitempty" yaml:"threshold,omitempty"` // 0 counts any detected clap
	TimeoutMs int     `mapstructure:"timeout_ms" yaml:"timeout_ms"`
}

type GameConfig struct {
	StartCountdown  int    `mapstructure:"start_countdown" yaml:"start_countdown"`
	CooldownMs      *int   `mapstructure:"cooldown_ms,omitempty" yaml:"cooldown_ms,omitempty"` // 0 disables debouncing
	ToastMs         int    `mapstructure:"toast_ms" yaml:"toast_ms"`
	CelebrationMs   int    `mapstructure:"celebration_ms" yaml:"celebration_ms"`
	ClapIndicatorMs int    `mapstructure:"clap_indicator_ms" yaml:"clap_indicator_ms"`
	RedirectDelayMs *int   `mapstructure:"redirect_delay_ms,omitempty" yaml:"redirect_delay_ms,omitempty"` // 0 redirects immediately
	RedirectURL     string `mapstructure:"redirect_url" yaml:"redirect_url"`
}

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

// Builtin returns the root configuration used when no config file exists.
// "default" is the responsive profile; "strict" only lists its overrides.
func Builtin() *RootConfig {
	return &RootConfig{
		ActiveConfig: DefaultProfile,
		Configs: map[string]*Config{
			DefaultProfile: {
				Audio: AudioConfig{
					Backend:       "auto",
					SampleRate:    DefaultSampleRate,
					Channels:      1,
					InputFormat:   "pulse",
					InputDevice:   "default",
					FFmpegCommand: "ffmpeg",
					LatencyMs:     10,
				},
				Capture: CaptureConfig{
					ChunkMs:         DefaultChunkMs,
					LevelIntervalMs: DefaultLevelIntervalMs,
					Container:       "webm",
				},
				Detection: DetectionConfig{
					Endpoint:  DefaultEndpoint,
					FieldName: DefaultFieldName,
					Threshold: floatPtr(DefaultThreshold),
					TimeoutMs: DefaultTimeoutMs,
				},
				Game: GameConfig{
					StartCountdown:  DefaultStartCountdown,
					CooldownMs:      intPtr(DefaultCooldownMs),
					ToastMs:         DefaultToastMs,
					CelebrationMs:   DefaultCelebrationMs,
					ClapIndicatorMs: DefaultClapIndicatorMs,
					RedirectDelayMs: intPtr(DefaultRedirectDelayMs),
					RedirectURL:     DefaultRedirectURL,
				},
			},
			StrictProfile: {
				Audio:     AudioConfig{SampleRate: StrictSampleRate},
				Capture:   CaptureConfig{ChunkMs: StrictChunkMs},
				Detection: DetectionConfig{Threshold: floatPtr(StrictThreshold)},
				Game:      GameConfig{RedirectDelayMs: intPtr(StrictRedirectDelayMs)},
			},
		},
	}
}

// LoadWithProfile resolves the named profile (or the active one) from
// configFile layered over the built-in profiles. A missing file is not an
// error: the built-ins are used as-is.
func LoadWithProfile(configFile, profile string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	rootConfig, err := ReadRoot(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	// Determine which config to use
	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = DefaultProfile
	}

	selected, exists := rootConfig.Configs[configName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	base := rootConfig.Configs[DefaultProfile]
	var resolved *Config
	if configName == DefaultProfile {
		resolved = mergeConfigs(nil, selected)
	} else {
		resolved = mergeConfigs(base, selected)
	}
	resolved.Profile = configName

	// Globals take precedence over any profile value
	if rootConfig.Globals != nil {
		if rootConfig.Globals.Endpoint != "" {
			resolved.Detection.Endpoint = rootConfig.Globals.Endpoint
			resolved.Inheritance.Fields["detection.endpoint"] = "global"
		}
		if rootConfig.Globals.RedirectURL != "" {
			resolved.Game.RedirectURL = rootConfig.Globals.RedirectURL
			resolved.Inheritance.Fields["game.redirect_url"] = "global"
		}
	}

	if err := validateConfig(resolved); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return resolved, nil
}

// ReadRoot reads configFile into a RootConfig whose profiles are layered over
// the built-ins. An empty or missing path yields the built-ins.
func ReadRoot(configFile string) (*RootConfig, error) {
	builtin := Builtin()

	v := viper.New()
	v.SetEnvPrefix("CLAPCOUNT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	// keys present in the file can be overridden, e.g.
	// CLAPCOUNT_CONFIGS_DEFAULT_DETECTION_THRESHOLD
	v.AutomaticEnv()
	_ = v.BindEnv("active_config", "CLAPCOUNT_PROFILE")
	_ = v.BindEnv("globals.endpoint", "CLAPCOUNT_ENDPOINT")
	_ = v.BindEnv("globals.redirect_url", "CLAPCOUNT_REDIRECT_URL")

	if configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			v.SetConfigFile(configFile)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("error accessing config file %s: %w", configFile, err)
		}
	}

	var fileRoot RootConfig
	if err := v.Unmarshal(&fileRoot); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	root := &RootConfig{
		ActiveConfig: builtin.ActiveConfig,
		Globals:      fileRoot.Globals,
		Configs:      builtin.Configs,
	}
	if fileRoot.ActiveConfig != "" {
		root.ActiveConfig = fileRoot.ActiveConfig
	}

	for name, profile := range fileRoot.Configs {
		if profile == nil {
			return nil, fmt.Errorf("configs.%s: profile cannot be empty", name)
		}
		if existing, ok := root.Configs[name]; ok {
			// File values override the built-in profile of the same name
			merged := mergeConfigs(existing, profile)
			merged.Inheritance = nil
			root.Configs[name] = merged
			continue
		}
		root.Configs[name] = profile
	}

	return root, nil
}

// AvailableProfiles returns the sorted profile names defined by configFile
// and the built-ins.
func AvailableProfiles(configFile string) ([]string, error) {
	root, err := ReadRoot(configFile)
	if err != nil {
		return nil, err
	}
	names := lo.Keys(root.Configs)
	sort.Strings(names)
	return names, nil
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	// Create a new viper instance to avoid interfering with other readers
	v := viper.New()
	v.SetConfigFile(configFile)

	if _, err := os.Stat(configFile); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// mergeConfigs implements the "Selection & Fallback" model: every value set
// in profile wins, everything else falls back to base.
func mergeConfigs(base, profile *Config) *Config {
	result := &Config{}
	info := &InheritanceInfo{Fields: make(map[string]string)}
	result.Inheritance = info

	if base != nil {
		result.Audio = base.Audio
		result.Capture = base.Capture
		result.Detection = base.Detection
		result.Game = base.Game
		if base.Detection.Threshold != nil {
			result.Detection.Threshold = floatPtr(*base.Detection.Threshold)
		}
		if base.Game.CooldownMs != nil {
			result.Game.CooldownMs = intPtr(*base.Game.CooldownMs)
		}
		if base.Game.RedirectDelayMs != nil {
			result.Game.RedirectDelayMs = intPtr(*base.Game.RedirectDelayMs)
		}
	}

	if profile == nil {
		return result
	}

	track := func(path string, set bool) {
		if set {
			info.Fields[path] = "profile-specific"
		} else {
			info.Fields[path] = "inherited"
		}
	}

	// Audio
	track("audio.backend", profile.Audio.Backend != "")
	if profile.Audio.Backend != "" {
		result.Audio.Backend = profile.Audio.Backend
	}
	track("audio.sample_rate", profile.Audio.SampleRate != 0)
	if profile.Audio.SampleRate != 0 {
		result.Audio.SampleRate = profile.Audio.SampleRate
	}
	track("audio.channels", profile.Audio.Channels != 0)
	if profile.Audio.Channels != 0 {
		result.Audio.Channels = profile.Audio.Channels
	}
	track("audio.input_format", profile.Audio.InputFormat != "")
	if profile.Audio.InputFormat != "" {
		result.Audio.InputFormat = profile.Audio.InputFormat
	}
	track("audio.input_device", profile.Audio.InputDevice != "")
	if profile.Audio.InputDevice != "" {
		result.Audio.InputDevice = profile.Audio.InputDevice
	}
	track("audio.ffmpeg_command", profile.Audio.FFmpegCommand != "")
	if profile.Audio.FFmpegCommand != "" {
		result.Audio.FFmpegCommand = profile.Audio.FFmpegCommand
	}
	track("audio.latency_ms", profile.Audio.LatencyMs != 0)
	if profile.Audio.LatencyMs != 0 {
		result.Audio.LatencyMs = profile.Audio.LatencyMs
	}

	// Capture
	track("capture.chunk_ms", profile.Capture.ChunkMs != 0)
	if profile.Capture.ChunkMs != 0 {
		result.Capture.ChunkMs = profile.Capture.ChunkMs
	}
	track("capture.level_interval_ms", profile.Capture.LevelIntervalMs != 0)
	if profile.Capture.LevelIntervalMs != 0 {
		result.Capture.LevelIntervalMs = profile.Capture.LevelIntervalMs
	}
	track("capture.container", profile.Capture.Container != "")
	if profile.Capture.Container != "" {
		result.Capture.Container = profile.Capture.Container
	}

	// Detection
	track("detection.endpoint", profile.Detection.Endpoint != "")
	if profile.Detection.Endpoint != "" {
		result.Detection.Endpoint = profile.Detection.Endpoint
	}
	track("detection.field_name", profile.Detection.FieldName != "")
	if profile.Detection.FieldName != "" {
		result.Detection.FieldName = profile.Detection.FieldName
	}
	track("detection.threshold", profile.Detection.Threshold != nil)
	if profile.Detection.Threshold != nil {
		result.Detection.Threshold = floatPtr(*profile.Detection.Threshold)
	}
	track("detection.timeout_ms", profile.Detection.TimeoutMs != 0)
	if profile.Detection.TimeoutMs != 0 {
		result.Detection.TimeoutMs = profile.Detection.TimeoutMs
	}

	// Game
	track("game.start_countdown", profile.Game.StartCountdown != 0)
	if profile.Game.StartCountdown != 0 {
		result.Game.StartCountdown = profile.Game.StartCountdown
	}
	track("game.cooldown_ms", profile.Game.CooldownMs != nil)
	if profile.Game.CooldownMs != nil {
		result.Game.CooldownMs = intPtr(*profile.Game.CooldownMs)
	}
	track("game.toast_ms", profile.Game.ToastMs != 0)
	if profile.Game.ToastMs != 0 {
		result.Game.ToastMs = profile.Game.ToastMs
	}
	track("game.celebration_ms", profile.Game.CelebrationMs != 0)
	if profile.Game.CelebrationMs != 0 {
		result.Game.CelebrationMs = profile.Game.CelebrationMs
	}
	track("game.clap_indicator_ms", profile.Game.ClapIndicatorMs != 0)
	if profile.Game.ClapIndicatorMs != 0 {
		result.Game.ClapIndicatorMs = profile.Game.ClapIndicatorMs
	}
	// A pointer so that an explicit 0 (immediate redirect) is distinguishable from unset
	track("game.redirect_delay_ms", profile.Game.RedirectDelayMs != nil)
	if profile.Game.RedirectDelayMs != nil {
		result.Game.RedirectDelayMs = intPtr(*profile.Game.RedirectDelayMs)
	}
	track("game.redirect_url", profile.Game.RedirectURL != "")
	if profile.Game.RedirectURL != "" {
		result.Game.RedirectURL = profile.Game.RedirectURL
	}

	return result
}

// validateConfig checks a resolved configuration
func validateConfig(c *Config) error {
	if !lo.Contains(validBackends, strings.ToLower(c.Audio.Backend)) {
		return fmt.Errorf("audio.backend must be one of %v, got: %q", validBackends, c.Audio.Backend)
	}
	if c.Audio.SampleRate < 8000 || c.Audio.SampleRate > 192000 {
		return fmt.Errorf("audio.sample_rate must be between 8000 and 192000, got: %d", c.Audio.SampleRate)
	}
	if c.Audio.Channels != 1 {
		return fmt.Errorf("audio.channels must be 1 (mono), got: %d", c.Audio.Channels)
	}
	if c.Audio.LatencyMs < 0 {
		return fmt.Errorf("audio.latency_ms must be >= 0, got: %d", c.Audio.LatencyMs)
	}

	if c.Capture.ChunkMs < 100 || c.Capture.ChunkMs > 5000 {
		return fmt.Errorf("capture.chunk_ms must be between 100 and 5000, got: %d", c.Capture.ChunkMs)
	}
	if c.Capture.LevelIntervalMs <= 0 {
		return fmt.Errorf("capture.level_interval_ms must be > 0, got: %d", c.Capture.LevelIntervalMs)
	}
	if !lo.Contains(validContainers, c.Capture.Container) {
		return fmt.Errorf("capture.container must be one of %v, got: %q", validContainers, c.Capture.Container)
	}

	if err := validateHTTPURL(c.Detection.Endpoint); err != nil {
		return fmt.Errorf("detection.endpoint: %w", err)
	}
	if c.Detection.FieldName == "" {
		return fmt.Errorf("detection.field_name is required")
	}
	if c.Detection.Threshold == nil {
		return fmt.Errorf("detection.threshold is required")
	}
	if t := *c.Detection.Threshold; t < 0 || t >= 1 {
		return fmt.Errorf("detection.threshold must be in [0, 1), got: %.2f", t)
	}
	if c.Detection.TimeoutMs <= 0 {
		return fmt.Errorf("detection.timeout_ms must be > 0, got: %d", c.Detection.TimeoutMs)
	}

	if c.Game.StartCountdown < 1 || c.Game.StartCountdown > 99 {
		return fmt.Errorf("game.start_countdown must be between 1 and 99, got: %d", c.Game.StartCountdown)
	}
	if c.Game.CooldownMs != nil && *c.Game.CooldownMs < 0 {
		return fmt.Errorf("game.cooldown_ms must be >= 0, got: %d", *c.Game.CooldownMs)
	}
	if c.Game.ToastMs <= 0 {
		return fmt.Errorf("game.toast_ms must be > 0, got: %d", c.Game.ToastMs)
	}
	if c.Game.CelebrationMs <= 0 {
		return fmt.Errorf("game.celebration_ms must be > 0, got: %d", c.Game.CelebrationMs)
	}
	if c.Game.RedirectDelayMs != nil && *c.Game.RedirectDelayMs < 0 {
		return fmt.Errorf("game.redirect_delay_ms must be >= 0, got: %d", *c.Game.RedirectDelayMs)
	}
	if err := validateHTTPURL(c.Game.RedirectURL); err != nil {
		return fmt.Errorf("game.redirect_url: %w", err)
	}

	return nil
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got: %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}

// ChunkDuration is the capture segmentation cadence
func (c *Config) ChunkDuration() time.Duration {
	return time.Duration(c.Capture.ChunkMs) * time.Millisecond
}

func (c *Config) LevelInterval() time.Duration {
	return time.Duration(c.Capture.LevelIntervalMs) * time.Millisecond
}

func (c *Config) DetectionTimeout() time.Duration {
	return time.Duration(c.Detection.TimeoutMs) * time.Millisecond
}

// Threshold is the score a detected clap must exceed
func (c *Config) Threshold() float64 {
	if c.Detection.Threshold == nil {
		return DefaultThreshold
	}
	return *c.Detection.Threshold
}

func (c *Config) Cooldown() time.Duration {
	if c.Game.CooldownMs == nil {
		return DefaultCooldownMs * time.Millisecond
	}
	return time.Duration(*c.Game.CooldownMs) * time.Millisecond
}

func (c *Config) ToastDuration() time.Duration {
	return time.Duration(c.Game.ToastMs) * time.Millisecond
}

func (c *Config) CelebrationDuration() time.Duration {
	return time.Duration(c.Game.CelebrationMs) * time.Millisecond
}

func (c *Config) ClapIndicatorDuration() time.Duration {
	return time.Duration(c.Game.ClapIndicatorMs) * time.Millisecond
}

// RedirectDelay returns the delay before the redirect fires; zero means immediate
func (c *Config) RedirectDelay() time.Duration {
	if c.Game.RedirectDelayMs == nil {
		return DefaultRedirectDelayMs * time.Millisecond
	}
	return time.Duration(*c.Game.RedirectDelayMs) * time.Millisecond
}

// HealthURL derives the detection service health probe from the endpoint
func (c *Config) HealthURL() string {
	u, err := url.Parse(c.Detection.Endpoint)
	if err != nil {
		return ""
	}
	u.Path = "/api/health"
	u.RawQuery = ""
	return u.String()
}
