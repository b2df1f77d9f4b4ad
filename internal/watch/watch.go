// Package watch drives the live observing mode: frames appearing in
// the image directory during the night are fed to the pipeline as soon
// as the camera finishes writing them.
package watch

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"photpipe/internal/fits"
)

// ProcessFunc handles one newly arrived frame.
type ProcessFunc func(ctx context.Context, path string) error

// Watcher monitors one directory for new FITS frames. Cameras write
// frames incrementally, so a frame is handed off only once its size
// has stopped changing between polls.
type Watcher struct {
	dir     string
	process ProcessFunc
	log     *slog.Logger

	// SettlePoll is the interval between file-size polls while waiting
	// for a write to finish.
	SettlePoll time.Duration
	// SettleMax bounds how long to wait for a file to stop growing.
	SettleMax time.Duration
}

// New builds a watcher over dir. process is invoked once per settled
// frame, in arrival order.
func New(dir string, process ProcessFunc, log *slog.Logger) *Watcher {
	return &Watcher{
		dir:        dir,
		process:    process,
		log:        log,
		SettlePoll: 500 * time.Millisecond,
		SettleMax:  30 * time.Second,
	}
}

// Run blocks until ctx is cancelled, processing frames as they arrive.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return err
	}
	w.log.Info("watching directory", "dir", w.dir)

	seen := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !fits.IsFITSFile(event.Name) || seen[event.Name] {
				continue
			}
			seen[event.Name] = true

			if err := w.waitSettled(ctx, event.Name); err != nil {
				w.log.Warn("frame never settled, skipping", "frame", event.Name, "error", err)
				continue
			}
			if err := w.process(ctx, event.Name); err != nil {
				w.log.Error("frame processing failed", "frame", event.Name, "error", err)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Error("filesystem watcher error", "error", err)
		}
	}
}

// waitSettled polls the file size until two consecutive polls agree.
func (w *Watcher) waitSettled(ctx context.Context, path string) error {
	deadline := time.Now().Add(w.SettleMax)
	var last int64 = -1
	for {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.Size() == last && info.Size() > 0 {
			return nil
		}
		last = info.Size()
		if time.Now().After(deadline) {
			return context.DeadlineExceeded
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.SettlePoll):
		}
	}
}
