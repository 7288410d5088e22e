// Package watcher observes the decision record for external mutation and
// turns editor save storms into single dashboard refreshes. It is a
// two-state machine: fsnotify first, and an irreversible degrade to
// stat-polling if the notify backend ever fails. Consumers cannot tell
// the states apart; both publish the identical "update" signal.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/dechub/internal/bus"
	"github.com/basket/dechub/internal/debounce"
	otelx "github.com/basket/dechub/internal/otel"
	"github.com/basket/dechub/internal/protocol"
)

const (
	defaultDebounceWindow = 150 * time.Millisecond
	defaultPollInterval   = time.Second
)

// Options tune watcher timing. Zero values take the defaults above.
type Options struct {
	DebounceWindow time.Duration
	PollInterval   time.Duration
}

// Watcher watches exactly one file.
type Watcher struct {
	path    string
	b       *bus.Bus
	logger  *slog.Logger
	metrics *otelx.Metrics
	opts    Options
	emit    *debounce.Debouncer

	mu      sync.Mutex
	polling bool
}

// New creates a Watcher for path, publishing on b. Metrics may be nil.
func New(path string, b *bus.Bus, logger *slog.Logger, metrics *otelx.Metrics, opts Options) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = defaultDebounceWindow
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	w := &Watcher{
		path:    path,
		b:       b,
		logger:  logger,
		metrics: metrics,
		opts:    opts,
	}
	w.emit = debounce.New(opts.DebounceWindow, w.publish)
	return w
}

// Start begins watching until ctx is cancelled. A failed notify backend
// is not an error for the caller; the watcher degrades to polling on its
// own. The error return covers only unrecoverable setup problems (none
// today) and keeps the signature uniform with other long-running parts.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("fsnotify unavailable, starting in polling mode", "error", err)
		w.degrade(ctx)
		return nil
	}

	// Watch the parent directory and filter on the file name, so editors
	// that replace the file via rename are still observed.
	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		w.logger.Warn("watch failed, starting in polling mode", "dir", dir, "error", err)
		_ = fsw.Close()
		w.degrade(ctx)
		return nil
	}

	go w.watch(ctx, fsw)
	return nil
}

// Polling reports whether the watcher has degraded to the poll backend.
func (w *Watcher) Polling() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.polling
}

func (w *Watcher) publish() {
	w.logger.Info("decision file changed", "path", w.path)
	w.b.Publish(bus.TopicDecisionFileChanged, protocol.Signal(protocol.TypeUpdate))
}

func (w *Watcher) watch(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	base := filepath.Base(w.path)

	for {
		select {
		case <-ctx.Done():
			w.emit.Stop()
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				w.degrade(ctx)
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.emit.Trigger()
		case err, ok := <-fsw.Errors:
			if !ok {
				w.degrade(ctx)
				return
			}
			w.logger.Error("watch backend error, degrading to polling", "error", err)
			w.degrade(ctx)
			return
		}
	}
}

// degrade switches to the poll backend. The transition is one-way: once
// the notify backend has failed it is never retried.
func (w *Watcher) degrade(ctx context.Context) {
	w.mu.Lock()
	if w.polling {
		w.mu.Unlock()
		return
	}
	w.polling = true
	w.mu.Unlock()

	if w.metrics != nil {
		w.metrics.WatcherFallbacks.Add(ctx, 1)
	}
	go w.poll(ctx)
}

func (w *Watcher) poll(ctx context.Context) {
	var lastMod time.Time
	var lastSize int64
	if fi, err := os.Stat(w.path); err == nil {
		lastMod = fi.ModTime()
		lastSize = fi.Size()
	}

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.emit.Stop()
			return
		case <-ticker.C:
			fi, err := os.Stat(w.path)
			if err != nil {
				// Missing file is not a change; it may be mid-rewrite.
				continue
			}
			if fi.ModTime().Equal(lastMod) && fi.Size() == lastSize {
				continue
			}
			lastMod = fi.ModTime()
			lastSize = fi.Size()
			w.emit.Trigger()
		}
	}
}
