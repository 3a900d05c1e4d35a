package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/audiolibrelab/clapcount/internal/redirect"
	"github.com/audiolibrelab/clapcount/internal/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web UI",
	Long: `Start the clapcount web server. The page shows the countdown, the input
meter and feedback toasts, pushed live over a websocket.

The microphone is the one attached to the machine running the server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString("port")
		headless, _ := cmd.Flags().GetBool("headless")
		open, _ := cmd.Flags().GetBool("open")

		// Handle config file path - use default if not specified
		configPath := cfgFile
		if configPath == "" {
			configPath = defaultConfigPath()
		}

		srv, err := server.New(configPath, port, server.Options{Headless: headless, Profile: profile})
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}

		slog.Info("clapcount web server starting", "port", port, "config", configPath)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := srv.Start(ctx); err != nil {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		})
		if open {
			g.Go(func() error {
				return openWhenReady(ctx, "http://localhost:"+port)
			})
		}
		return g.Wait()
	},
}

// openWhenReady gives the listener a moment before opening the page
func openWhenReady(ctx context.Context, url string) error {
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(300 * time.Millisecond):
	}
	if err := (redirect.Browser{}).Open(url); err != nil {
		slog.Warn("Could not open browser", "url", url, "error", err)
	}
	return nil
}

func init() {
	serveCmd.Flags().String("port", "8080", "port for the web server")
	serveCmd.Flags().Bool("headless", false, "log the reward URL instead of opening a browser")
	serveCmd.Flags().Bool("open", false, "open the game page in the default browser")
}
