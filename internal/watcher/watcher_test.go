package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestWatch(t *testing.T) {
	t.Run("fires after the file is rewritten", func(t *testing.T) {
		logger := logrus.New()
		logger.SetLevel(logrus.PanicLevel)

		path := filepath.Join(t.TempDir(), "bacmap.yaml")
		if err := os.WriteFile(path, []byte("version: 1\n"), 0644); err != nil {
			t.Fatalf("write: %v", err)
		}

		changed := make(chan struct{}, 1)
		w := New(path, func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		}, logger).WithDebounce(10 * time.Millisecond)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go w.Watch(ctx)

		// give the watch a moment to attach before touching the file
		time.Sleep(100 * time.Millisecond)
		if err := os.WriteFile(path, []byte("version: 2\n"), 0644); err != nil {
			t.Fatalf("rewrite: %v", err)
		}

		select {
		case <-changed:
		case <-time.After(3 * time.Second):
			t.Fatal("change never reported")
		}
	})

	t.Run("stops when the context is cancelled", func(t *testing.T) {
		logger := logrus.New()
		logger.SetLevel(logrus.PanicLevel)

		path := filepath.Join(t.TempDir(), "bacmap.yaml")
		if err := os.WriteFile(path, []byte("version: 1\n"), 0644); err != nil {
			t.Fatalf("write: %v", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- New(path, func() {}, logger).Watch(ctx)
		}()

		cancel()
		select {
		case err := <-done:
			if err != context.Canceled {
				t.Errorf("expected context.Canceled, got %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("watch never returned")
		}
	})
}
