package cmd

import (
	"fmt"
	"runtime"

	"github.com/audiolibrelab/clapcount/internal/audio"

	"github.com/spf13/cobra"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List available capture devices",
	Long:  `List the capture devices the configured audio backend can open, and the backends available on this system.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Audio Sources (%s)\n", runtime.GOOS)
		fmt.Printf("═══════════════════════════════════════\n\n")

		fmt.Printf("Available backends: %v\n", audio.GetAvailableBackends(cfg.Audio.FFmpegCommand))

		backend := audio.NewBackend(cfg)
		sources, err := backend.ListSources()
		if err != nil {
			return fmt.Errorf("failed to get %s sources: %w", backend.GetType(), err)
		}

		fmt.Printf("\n%s SOURCES (%d found):\n", backend.GetType(), len(sources))
		for i, source := range sources {
			fmt.Printf("  %d. %s\n", i+1, source)
		}

		fmt.Printf("\nUsage:\n")
		fmt.Printf("  • Set audio.input_device to one of the names above\n")
		fmt.Printf("  • For ffmpeg, audio.input_format selects the demuxer (pulse, alsa, avfoundation)\n\n")
		return nil
	},
}
