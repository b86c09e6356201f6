// The watch package feeds the pipeline: it observes the configured
// directories and enqueues INGEST tasks for files appearing in or
// vanishing from them. Two modes exist, inotify-style notifications via
// fsnotify and a periodic scan for filesystems where notifications do
// not work (network mounts).
package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/quillon/shelfd/internal/config"
	"github.com/quillon/shelfd/internal/task"
)

// Enqueuer is the slice of the task queue the watcher needs.
type Enqueuer interface {
	Enqueue(typ task.Type, p task.Payload) (*task.Task, error)
}

// Watcher emits INGEST tasks for file events under its directories.
type Watcher struct {
	dirs    []string
	queue   Enqueuer
	polling bool

	// settle is how long a path must stay quiet after a write before it
	// is announced; it doubles as the scan interval in polling mode.
	settle time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func New(cfg *config.C, queue Enqueuer) *Watcher {
	return &Watcher{
		dirs:    cfg.WatchDirs,
		queue:   queue,
		polling: cfg.WatchForcePolling,
		settle:  2 * time.Second,
		timers:  make(map[string]*time.Timer),
	}
}

// Run watches until ctx is cancelled. Files already present get an ADD
// event first, so a daemon restart picks up whatever arrived while it
// was down.
func (w *Watcher) Run(ctx context.Context) error {
	for _, dir := range w.dirs {
		if err := w.scanInitial(dir); err != nil {
			return err
		}
	}
	if w.polling {
		return w.runPolling(ctx)
	}
	return w.runNotify(ctx)
}

func (w *Watcher) scanInitial(dir string) error {
	const method = "Watcher.scanInitial"
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || hidden(path) {
			return nil
		}
		return w.announce(task.EventAdd, path)
	})
	if err != nil {
		return errorf(method, "%q: %v", dir, err)
	}
	return nil
}

func (w *Watcher) runNotify(ctx context.Context) error {
	const method = "Watcher.runNotify"
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errorf(method, "%v", err)
	}
	defer func() {
		_ = fw.Close()
	}()
	defer w.stopTimers()
	for _, dir := range w.dirs {
		if err := addRecursive(fw, dir); err != nil {
			return err
		}
	}
	log.WithFields(log.Fields{"dirs": w.dirs}).Info("Watching for file events")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return errorf(method, "event channel closed")
			}
			w.handleEvent(fw, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return errorf(method, "error channel closed")
			}
			log.WithFields(log.Fields{"error": err}).Warning("Watcher error")
		}
	}
}

func (w *Watcher) handleEvent(fw *fsnotify.Watcher, ev fsnotify.Event) {
	path := ev.Name
	if hidden(path) {
		return
	}
	switch {
	case ev.Has(fsnotify.Create):
		if fi, err := os.Stat(path); err == nil && fi.IsDir() {
			// A directory moved in arrives as a single Create; watch it
			// and announce its contents.
			if err := addRecursive(fw, path); err != nil {
				log.WithFields(log.Fields{"path": path, "error": err}).Warning("Cannot watch new directory")
			}
			if err := w.scanInitial(path); err != nil {
				log.WithFields(log.Fields{"path": path, "error": err}).Warning("Cannot scan new directory")
			}
			return
		}
		w.scheduleAdd(path)
	case ev.Has(fsnotify.Write):
		w.scheduleAdd(path)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.cancelAdd(path)
		if err := w.announce(task.EventDelete, path); err != nil {
			log.WithFields(log.Fields{"path": path, "error": err}).Error("Cannot enqueue delete")
		}
	}
}

// scheduleAdd (re)arms the settle timer for path; the ADD goes out only
// once writes stop long enough.
func (w *Watcher) scheduleAdd(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.timers[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		if err := w.announce(task.EventAdd, path); err != nil {
			log.WithFields(log.Fields{"path": path, "error": err}).Error("Cannot enqueue add")
		}
	})
}

func (w *Watcher) cancelAdd(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
		delete(w.timers, path)
	}
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}

type pollState struct {
	size      int64
	modTime   time.Time
	announced bool
}

// runPolling scans the directories every settle interval. A file is
// announced once its size and mtime hold still across two consecutive
// scans, which is the polling analogue of the settle timer.
func (w *Watcher) runPolling(ctx context.Context) error {
	log.WithFields(log.Fields{"dirs": w.dirs, "interval": w.settle}).Info("Watching by periodic scan")
	known := make(map[string]*pollState)
	// The initial scan already announced everything present.
	w.primePollState(known)
	ticker := time.NewTicker(w.settle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.pollOnce(known)
		}
	}
}

func (w *Watcher) primePollState(known map[string]*pollState) {
	for _, dir := range w.dirs {
		_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() || hidden(path) {
				return nil
			}
			if fi, err := d.Info(); err == nil {
				known[path] = &pollState{size: fi.Size(), modTime: fi.ModTime(), announced: true}
			}
			return nil
		})
	}
}

func (w *Watcher) pollOnce(known map[string]*pollState) {
	seen := make(map[string]bool)
	for _, dir := range w.dirs {
		_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() || hidden(path) {
				return nil
			}
			seen[path] = true
			fi, err := d.Info()
			if err != nil {
				return nil
			}
			st, ok := known[path]
			if !ok || st.size != fi.Size() || !st.modTime.Equal(fi.ModTime()) {
				known[path] = &pollState{size: fi.Size(), modTime: fi.ModTime()}
				return nil
			}
			if !st.announced {
				st.announced = true
				if err := w.announce(task.EventAdd, path); err != nil {
					log.WithFields(log.Fields{"path": path, "error": err}).Error("Cannot enqueue add")
				}
			}
			return nil
		})
	}
	for path := range known {
		if !seen[path] {
			delete(known, path)
			if err := w.announce(task.EventDelete, path); err != nil {
				log.WithFields(log.Fields{"path": path, "error": err}).Error("Cannot enqueue delete")
			}
		}
	}
}

func (w *Watcher) announce(event task.Event, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	_, err = w.queue.Enqueue(task.TypeIngest, &task.IngestPayload{Event: event, Path: abs})
	return err
}

func addRecursive(fw *fsnotify.Watcher, dir string) error {
	const method = "addRecursive"
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fw.Add(path)
		}
		return nil
	})
	if err != nil {
		return errorf(method, "%q: %v", dir, err)
	}
	return nil
}

func hidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}
