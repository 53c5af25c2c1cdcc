package interrupt

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/renderfleet/renderfleet/agent/internal/logger"
)

// Watcher reports interruptions from SIGTERM and from notice files dropped
// into a directory by host tooling.
type Watcher struct {
	dir     string
	log     *logger.Logger
	signals <-chan os.Signal
	now     func() time.Time
}

// NewWatcher creates a watcher over dir. An empty dir watches signals only.
func NewWatcher(dir string, log *logger.Logger) *Watcher {
	return &Watcher{dir: dir, log: log, now: time.Now}
}

// Start begins watching. Notices that already sit in the directory are
// reported first. The returned channel closes when ctx is done.
func (w *Watcher) Start(ctx context.Context) (<-chan Notice, error) {
	var fw *fsnotify.Watcher
	if w.dir != "" {
		if err := os.MkdirAll(w.dir, 0o755); err != nil {
			return nil, fmt.Errorf("create notice dir: %w", err)
		}
		var err error
		fw, err = fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("create fsnotify watcher: %w", err)
		}
		if err := fw.Add(w.dir); err != nil {
			_ = fw.Close()
			return nil, fmt.Errorf("watch %s: %w", w.dir, err)
		}
	}

	sigCh := w.signals
	stopSignals := func() {}
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() { signal.Stop(ch) }
	}

	out := make(chan Notice, 8)
	go func() {
		defer close(out)
		defer stopSignals()
		if fw != nil {
			defer func() { _ = fw.Close() }()
		}
		w.loop(ctx, fw, sigCh, out)
	}()
	return out, nil
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher, sigCh <-chan os.Signal, out chan<- Notice) {
	seen := make(map[string]bool)
	emit := func(n Notice) bool {
		select {
		case out <- n:
			return true
		case <-ctx.Done():
			return false
		}
	}
	file := func(path string) bool {
		name := filepath.Base(path)
		if seen[name] {
			return true
		}
		entry, ok := Lookup(name)
		if !ok {
			w.log.Debug("ignoring unknown notice file", "path", path)
			return true
		}
		seen[name] = true
		return emit(Notice{Entry: entry, Source: "notice-file", Detail: path, At: w.now()})
	}

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if fw != nil {
		events, errs = fw.Events, fw.Errors
		entries, err := os.ReadDir(w.dir)
		if err != nil {
			w.log.Warn("failed to scan notice dir", "dir", w.dir, "error", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if !file(filepath.Join(w.dir, e.Name())) {
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-sigCh:
			if !ok {
				sigCh = nil
				continue
			}
			entry, _ := Lookup(string(Sigterm))
			if !emit(Notice{Entry: entry, Source: "signal", Detail: sig.String(), At: w.now()}) {
				return
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !file(ev.Name) {
				return
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.log.Warn("notice watcher error", "error", err)
		}
	}
}
