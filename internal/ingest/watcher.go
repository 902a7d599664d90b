package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	. "github.com/clawcontrol/clawcontrol/internal/logging"
)

// Watcher nudges the scheduler when session files change, so writes
// become visible faster than the periodic interval alone allows.
type Watcher struct {
	home     string
	onChange func()
	debounce time.Duration
}

// NewWatcher builds a watcher over the runtime home. onChange fires at
// most once per debounce window.
func NewWatcher(home string, onChange func()) *Watcher {
	return &Watcher{home: home, onChange: onChange, debounce: 2 * time.Second}
}

// Run watches every agents/*/sessions directory until the context is
// cancelled. New agent directories are picked up as they appear.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	w.addSessionDirs(fsw)
	// Watch agents/ itself to catch freshly created agents.
	agentsDir := filepath.Join(w.home, "agents")
	if err := fsw.Add(agentsDir); err != nil {
		L_debug("ingest: watch agents dir failed", "dir", agentsDir, "error", err)
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-fire:
			w.onChange()
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					w.addSessionDirs(fsw)
					continue
				}
			}
			if !strings.HasSuffix(event.Name, ".jsonl") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(w.debounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(w.debounce)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			L_warn("ingest: watcher error", "error", err)
		}
	}
}

func (w *Watcher) addSessionDirs(fsw *fsnotify.Watcher) {
	files, err := os.ReadDir(filepath.Join(w.home, "agents"))
	if err != nil {
		return
	}
	for _, entry := range files {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(w.home, "agents", entry.Name(), "sessions")
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			continue
		}
		if err := fsw.Add(dir); err != nil {
			L_debug("ingest: watch failed", "dir", dir, "error", err)
		}
	}
}
