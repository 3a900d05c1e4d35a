package cmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/audiolibrelab/clapcount/internal/audio"
	"github.com/audiolibrelab/clapcount/internal/detect"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type checkResult struct {
	name   string
	ok     bool
	detail string
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check microphone, encoder and detection service",
	Long: `Run the checks the game depends on: the detection service health endpoint,
microphone access through the configured backend and, for webm chunks, the
ffmpeg encoder. Checks run in parallel; the command fails if any check fails.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		var mutex sync.Mutex
		results := make([]checkResult, 3)
		record := func(i int, r checkResult) {
			mutex.Lock()
			defer mutex.Unlock()
			results[i] = r
		}

		// checks report through record so one failure does not cancel the others
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			record(0, checkDetector(ctx))
			return nil
		})
		g.Go(func() error {
			record(1, checkMicrophone(ctx))
			return nil
		})
		g.Go(func() error {
			record(2, checkEncoder())
			return nil
		})
		if err := g.Wait(); err != nil {
			return err
		}

		fmt.Printf("=== CLAPCOUNT DOCTOR (profile %s) ===\n", cfg.Profile)
		failed := 0
		for _, r := range results {
			mark := "ok"
			if !r.ok {
				mark = "FAIL"
				failed++
			}
			fmt.Printf("[%-4s] %-12s %s\n", mark, r.name, r.detail)
		}
		if failed > 0 {
			return fmt.Errorf("%d check(s) failed", failed)
		}
		return nil
	},
}

func checkDetector(ctx context.Context) checkResult {
	client := detect.NewClient(cfg)
	health, err := client.Health(ctx)
	if err != nil {
		return checkResult{name: "detector", detail: err.Error()}
	}
	return checkResult{
		name:   "detector",
		ok:     health.Status == "ok",
		detail: fmt.Sprintf("%s (%s) %s", health.Status, health.Method, health.Description),
	}
}

func checkMicrophone(ctx context.Context) checkResult {
	backend := audio.NewBackend(cfg)
	gate := audio.NewPermissionGate(backend, audio.FormatFromConfig(cfg))
	state := gate.RequestAccess(ctx)
	return checkResult{
		name:   "microphone",
		ok:     state == audio.PermissionGranted,
		detail: fmt.Sprintf("%s via %s", state, backend.GetType()),
	}
}

func checkEncoder() checkResult {
	encoder := audio.NewEncoder(cfg.Capture.Container, cfg.Audio.FFmpegCommand)
	if ff, ok := encoder.(*audio.FFmpegEncoder); ok {
		if err := ff.Check(); err != nil {
			return checkResult{name: "encoder", detail: err.Error()}
		}
	}
	return checkResult{name: "encoder", ok: true, detail: encoder.ContentType()}
}
