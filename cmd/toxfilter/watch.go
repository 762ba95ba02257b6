package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pbaille/toxfilter/internal/app"
	"github.com/pbaille/toxfilter/internal/dom"
	"github.com/pbaille/toxfilter/internal/profile"
	"github.com/pbaille/toxfilter/internal/scheduler"
)

// fileWatcher feeds file changes into a scheduler that re-scans the file
type fileWatcher struct {
	app     *app.App
	profile profile.Profile
	path    string
	out     string

	writeMu sync.Mutex
	log     *slog.Logger
}

func newFileWatcher(a *app.App, p profile.Profile, path, out string) *fileWatcher {
	return &fileWatcher{
		app:     a,
		profile: p,
		path:    path,
		out:     out,
		log:     slog.Default().With("component", "watch"),
	}
}

// Run watches until ctx is done
func (w *fileWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file are still seen
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch directory: %w", err)
	}

	cfg := w.app.Config().Scheduler
	sched := scheduler.New(w.scan, scheduler.Options{
		FrameDelay:       cfg.FrameDelayDuration(),
		ActivityInterval: cfg.ActivityIntervalDuration(),
	})

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	for {
		select {
		case <-ctx.Done():
			err := <-done
			st := sched.Stats()
			w.log.Info("watch stopped", "scans", st.Scans, "dropped", st.Dropped)
			return err

		case event, ok := <-watcher.Events:
			if !ok {
				return <-done
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}

			switch {
			case event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0:
				sched.Notify(scheduler.SignalMutation)
			case event.Op&fsnotify.Chmod != 0:
				sched.Notify(scheduler.SignalActivity)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return <-done
			}
			w.log.Warn("watch error", "error", err)
		}
	}
}

// scan re-reads the file and starts a pass on a fresh engine, since every
// parse yields new node ids. The returned func waits for the pass and writes
// the result unless ctx was cancelled meanwhile.
func (w *fileWatcher) scan(ctx context.Context) func() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.log.Warn("read failed", "path", w.path, "error", err)
		return nil
	}
	doc, err := dom.ParseHTMLString(string(data))
	if err != nil {
		w.log.Warn("parse failed", "path", w.path, "error", err)
		return nil
	}

	pass := w.app.NewEngine(w.profile).Start(ctx, doc)

	return func() {
		stats := pass.Wait()
		if ctx.Err() != nil {
			// Classifications failed open; the document may be uncensored
			w.log.Info("scan cancelled, output left unchanged", "scan_id", stats.ScanID)
			return
		}

		w.writeMu.Lock()
		defer w.writeMu.Unlock()
		if err := writeOutput(doc, w.out); err != nil {
			w.log.Warn("write failed", "error", err)
			return
		}
		w.log.Info("scan complete", "scan_id", stats.ScanID, "claimed", stats.Claimed,
			"flagged", stats.Flagged, "rewritten", stats.Rewritten)
	}
}

func sameFile(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}
