package config_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/basket/orbital/internal/config"
)

func TestWatcher_ReloadsChangedPolicy(t *testing.T) {
	homeDir := t.TempDir()
	t.Setenv("ORBITAL_ENDPOINT", "")
	t.Setenv("ORBITAL_MAX_ATTEMPTS", "")

	path := config.ConfigPath(homeDir)
	if err := os.WriteFile(path, []byte("link:\n  max_attempts: 5\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}
	current, err := config.LoadFrom(homeDir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	w := config.NewWatcher(homeDir, current, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Retry the write until the watcher reports it, in case notification
	// setup lags on this platform.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	updated := []byte("link:\n  max_attempts: 9\n")
	if err := os.WriteFile(path, updated, 0o644); err != nil {
		t.Fatalf("write updated config: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if ev.Err != nil {
				continue
			}
			if ev.Config.Link.MaxAttempts != 9 {
				t.Fatalf("reloaded max_attempts = %d, want 9", ev.Config.Link.MaxAttempts)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(path, updated, 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for config reload")
		}
	}
}

func TestWatcher_StartFailsForMissingHome(t *testing.T) {
	w := config.NewWatcher("/nonexistent/orbital-home", config.Config{}, nil)
	if err := w.Start(context.Background()); err == nil {
		t.Fatal("expected error watching a missing directory")
	}
}
