package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/audiolibrelab/clapcount/internal/audio"
	"github.com/audiolibrelab/clapcount/internal/feedback"
	"github.com/audiolibrelab/clapcount/internal/game"
	"github.com/audiolibrelab/clapcount/internal/redirect"
	"github.com/audiolibrelab/clapcount/internal/service"

	"github.com/spf13/cobra"
)

const playHelp = `Keys (type and press Enter):
  m  request microphone access
  s  start / stop listening
  t  test clap
  r  reset
  q  quit`

var playCmd = &cobra.Command{
	Use:   "play",
	Short: "Play the clap countdown in the terminal",
	Long: `Play the clap countdown in the terminal. Microphone access is requested on
start; clap near the microphone to bring the countdown from 10 to 0.

` + playHelp,
	RunE: func(cmd *cobra.Command, args []string) error {
		headless, _ := cmd.Flags().GetBool("headless")
		showMeter, _ := cmd.Flags().GetBool("meter")

		console := feedback.NewConsole(os.Stdout)
		toaster := feedback.NewToaster(cfg.ToastDuration(), console)
		defer toaster.Close()

		svc := service.New(cfg, cfgFile, service.Dependencies{
			Surface: toaster,
			Opener:  redirect.ForMode(headless),
		})
		defer svc.Close()

		svc.OnChange(statePrinter(console))

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if showMeter {
			go printLevels(ctx, svc.Levels())
		}

		fmt.Println(playHelp)
		fmt.Printf("Profile: %s, detector: %s\n\n", cfg.Profile, cfg.Detection.Endpoint)
		svc.RequestPermission(ctx)

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if quit := handlePlayKey(ctx, svc, strings.TrimSpace(strings.ToLower(line))); quit {
					return nil
				}
			}
		}
	},
}

// handlePlayKey runs one command and reports whether the game should exit
func handlePlayKey(ctx context.Context, svc service.Service, key string) bool {
	var err error
	switch key {
	case "m":
		svc.RequestPermission(ctx)
	case "s":
		if svc.Snapshot().Listening {
			err = svc.StopListening()
		} else {
			err = svc.StartListening()
		}
	case "t":
		err = svc.TestClap()
	case "r":
		err = svc.Reset()
	case "q":
		return true
	case "":
	default:
		fmt.Println(playHelp)
	}

	switch {
	case err == nil:
	case errors.Is(err, game.ErrPermissionRequired):
		fmt.Println("[info] press m to allow microphone access first")
	case errors.Is(err, game.ErrGameComplete):
		fmt.Println("[info] countdown complete, press r to play again")
	default:
		fmt.Printf("[error] %v\n", err)
	}
	return false
}

// statePrinter renders a state line only when the visible text changes
func statePrinter(r feedback.Renderer) func(game.Snapshot) {
	var mutex sync.Mutex
	var last string
	return func(snap game.Snapshot) {
		line := snap.String()
		if snap.ClapIndicator && snap.LastScore != nil {
			line = fmt.Sprintf("%s | clap %.2f", line, *snap.LastScore)
		}

		mutex.Lock()
		changed := line != last
		last = line
		mutex.Unlock()

		if changed {
			r.Render(feedback.Event{Type: feedback.EventState, Payload: stringer(line)})
		}
	}
}

type stringer string

func (s stringer) String() string { return string(s) }

// printLevels draws the input meter at most ten times a second
func printLevels(ctx context.Context, levels <-chan audio.Level) {
	var lastDraw time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case lvl := <-levels:
			if time.Since(lastDraw) < 100*time.Millisecond {
				continue
			}
			lastDraw = time.Now()
			fmt.Printf("\r%s", feedback.Meter(lvl.Percent(), 30))
		}
	}
}

func init() {
	playCmd.Flags().Bool("headless", false, "log the reward URL instead of opening a browser")
	playCmd.Flags().Bool("meter", false, "draw the microphone input level")
}
