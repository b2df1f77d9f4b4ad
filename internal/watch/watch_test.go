package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRunProcessesNewFrame(t *testing.T) {
	dir := t.TempDir()
	processed := make(chan string, 1)

	w := New(dir, func(ctx context.Context, path string) error {
		processed <- path
		return nil
	}, slog.Default())
	w.SettlePoll = 20 * time.Millisecond
	w.SettleMax = 2 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(dir, "sci001.fits")
	if err := os.WriteFile(path, []byte("frame data"), 0o644); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	select {
	case got := <-processed:
		if got != path {
			t.Fatalf("processed wrong path: %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("frame never processed")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestRunIgnoresNonFITS(t *testing.T) {
	dir := t.TempDir()
	processed := make(chan string, 1)

	w := New(dir, func(ctx context.Context, path string) error {
		processed <- path
		return nil
	}, slog.Default())
	w.SettlePoll = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-processed:
		t.Fatalf("non-FITS file processed: %q", got)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestWaitSettledTimesOutOnGrowth(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "grow.fits")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	w := New(dir, nil, slog.Default())
	w.SettlePoll = 10 * time.Millisecond
	w.SettleMax = 100 * time.Millisecond

	// Zero-length file never settles (size must be positive).
	if err := w.waitSettled(context.Background(), path); err == nil {
		t.Fatal("expected timeout for empty file")
	}
}
