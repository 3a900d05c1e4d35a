package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the resolved configuration",
	Long:  `Display the resolved configuration with inheritance indicators. Shows which values come from the selected profile, which are inherited from default and which are set globally.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		field := func(path string, value any) {
			fmt.Printf("%s: %v %s\n", path, value, getInheritanceIndicator(inheritanceOf(path)))
		}

		fmt.Printf("=== PROFILE ===\n")
		fmt.Printf("profile: %s\n", cfg.Profile)
		fmt.Printf("config_file: %s\n", cfgFile)

		fmt.Printf("\n=== RESOLVED CONFIGURATION ===\n")

		fmt.Printf("\n[Audio]\n")
		field("audio.backend", cfg.Audio.Backend)
		field("audio.sample_rate", cfg.Audio.SampleRate)
		field("audio.channels", cfg.Audio.Channels)
		field("audio.input_format", cfg.Audio.InputFormat)
		field("audio.input_device", cfg.Audio.InputDevice)
		field("audio.latency_ms", cfg.Audio.LatencyMs)

		fmt.Printf("\n[Capture]\n")
		field("capture.chunk_ms", cfg.Capture.ChunkMs)
		field("capture.level_interval_ms", cfg.Capture.LevelIntervalMs)
		field("capture.container", cfg.Capture.Container)

		fmt.Printf("\n[Detection]\n")
		field("detection.endpoint", cfg.Detection.Endpoint)
		fmt.Printf("detection.health_url: %s\n", cfg.HealthURL())
		field("detection.field_name", cfg.Detection.FieldName)
		field("detection.threshold", cfg.Threshold())
		field("detection.timeout_ms", cfg.Detection.TimeoutMs)

		fmt.Printf("\n[Game]\n")
		field("game.start_countdown", cfg.Game.StartCountdown)
		field("game.cooldown_ms", cfg.Cooldown().Milliseconds())
		field("game.toast_ms", cfg.Game.ToastMs)
		field("game.celebration_ms", cfg.Game.CelebrationMs)
		field("game.clap_indicator_ms", cfg.Game.ClapIndicatorMs)
		field("game.redirect_delay_ms", cfg.RedirectDelay().Milliseconds())
		field("game.redirect_url", cfg.Game.RedirectURL)

		return nil
	},
}

func inheritanceOf(path string) string {
	if cfg.Inheritance == nil {
		return ""
	}
	return cfg.Inheritance.Fields[path]
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	case "global":
		return "[global]"
	default:
		return "[unknown]"
	}
}
