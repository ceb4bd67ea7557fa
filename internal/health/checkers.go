package health

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// Degrader reports whether a best-effort dependency has started failing.
// [archive.Guard] satisfies this interface.
type Degrader interface {
	IsDegraded() bool
}

// SpeechCredentials returns a checker that verifies the Google Cloud
// credentials file exists and is readable. An empty path passes: the
// credentials may instead be supplied inline via configuration.
func SpeechCredentials(path string) Checker {
	return Checker{
		Name: "speech-credentials",
		Check: func(_ context.Context) error {
			if path == "" {
				return nil
			}
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("credentials file: %w", err)
			}
			return nil
		},
	}
}

// Providers returns a checker that fails when no LLM provider has an API key
// configured. A daemon without providers can transcribe but never answer.
func Providers(configured int) Checker {
	return Checker{
		Name: "providers",
		Check: func(_ context.Context) error {
			if configured == 0 {
				return errors.New("no LLM providers configured")
			}
			return nil
		},
	}
}

// CaptureBinary returns a checker that verifies the recorder binary can be
// resolved on PATH (or at an absolute location).
func CaptureBinary(binary string) Checker {
	return Checker{
		Name: "capture",
		Check: func(_ context.Context) error {
			if _, err := exec.LookPath(binary); err != nil {
				return fmt.Errorf("recorder binary: %w", err)
			}
			return nil
		},
	}
}

// Archive returns a checker that reports failure while the transcript
// archive is degraded. Archival is best-effort, so a degraded archive flips
// readiness but never interrupts a live session.
func Archive(g Degrader) Checker {
	return Checker{
		Name: "archive",
		Check: func(_ context.Context) error {
			if g.IsDegraded() {
				return errors.New("archive writes are failing")
			}
			return nil
		},
	}
}
