package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "logship.yaml", "target_url: http://c\nlog:\n  level: info\n")

	var (
		mu     sync.Mutex
		levels []string
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, slog.Default(), func(cfg *Config) {
			mu.Lock()
			defer mu.Unlock()
			levels = append(levels, cfg.Log.Level)
		})
	}()

	// an invalid file is skipped; a valid one is delivered
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("transport: carrier-pigeon\n"), 0644)
		_ = os.WriteFile(path, []byte("target_url: http://c\nlog:\n  level: debug\n"), 0644)
		mu.Lock()
		defer mu.Unlock()
		return len(levels) > 0 && levels[len(levels)-1] == "debug"
	}, 3*time.Second, 100*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatch_MissingFile(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"), slog.Default(), func(*Config) {})
	assert.Error(t, err)
}
