package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/audiolibrelab/clapcount/internal/audio"
	"github.com/audiolibrelab/clapcount/internal/detect"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/spf13/cobra"
)

var detectCmd = &cobra.Command{
	Use:   "detect [audio-file]",
	Short: "Score an audio file with the clap detector",
	Long: `Send a recorded clip to the detection service exactly as the game sends
captured chunks, and print the verdict. With --features the feature breakdown
from the service is printed as well.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		showFeatures, _ := cmd.Flags().GetBool("features")

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		chunk := audio.Chunk{
			SessionID:   uuid.New(),
			Data:        data,
			ContentType: contentTypeFor(path),
			Filename:    filepath.Base(path),
			CapturedAt:  time.Now(),
		}

		client := detect.NewClient(cfg)
		result, err := client.Submit(cmd.Context(), chunk)
		if err != nil {
			return fmt.Errorf("detection failed: %w", err)
		}

		fmt.Printf("=== DETECTION (%s) ===\n", client.Endpoint())
		fmt.Printf("clap_detected: %t\n", result.ClapDetected)
		fmt.Printf("score: %.3f\n", result.Score)
		if result.Method != "" {
			fmt.Printf("method: %s\n", result.Method)
		}
		fmt.Printf("counts_as_clap: %t (threshold %.2f, profile %s)\n",
			detect.IsCandidate(result, cfg.Threshold()), cfg.Threshold(), cfg.Profile)
		printFeatures(result.Features)

		if !showFeatures {
			return nil
		}

		analysis, err := client.Analyze(cmd.Context(), chunk)
		if err != nil {
			return fmt.Errorf("feature analysis failed: %w", err)
		}
		fmt.Printf("\n=== ANALYSIS ===\n")
		printFeatures(analysis.Features)
		keys := lo.Keys(analysis.Analysis)
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %s: %s\n", k, analysis.Analysis[k])
		}
		return nil
	},
}

func printFeatures(features map[string]float64) {
	if len(features) == 0 {
		return
	}
	keys := lo.Keys(features)
	sort.Strings(keys)
	fmt.Printf("features:\n")
	for _, k := range keys {
		fmt.Printf("  %s: %.4f\n", k, features[k])
	}
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return "audio/wav"
	case ".webm":
		return "audio/webm"
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".mp3":
		return "audio/mpeg"
	default:
		return "application/octet-stream"
	}
}

func init() {
	detectCmd.Flags().Bool("features", false, "also request the feature breakdown")
}
