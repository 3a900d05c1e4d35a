package redirect

import (
	"fmt"
	"log/slog"

	"github.com/pkg/browser"
)

// Opener opens an external URL. Callers do not wait for anything beyond the launch.
type Opener interface {
	Open(url string) error
}

// Browser opens URLs in the user's default browser
type Browser struct{}

func (Browser) Open(url string) error {
	if err := browser.OpenURL(url); err != nil {
		return fmt.Errorf("failed to open %s: %w", url, err)
	}
	slog.Info("Opened redirect target", "url", url)
	return nil
}

// Log only records the redirect, for headless use
type Log struct{}

func (Log) Open(url string) error {
	slog.Info("Redirect requested", "url", url)
	return nil
}

// ForMode picks the opener for a CLI mode
func ForMode(headless bool) Opener {
	if headless {
		return Log{}
	}
	return Browser{}
}
