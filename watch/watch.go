// Package watch produces batches of changed paths from operating-system
// change notifications.
package watch

import (
	"context"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/lex00/zed/snapshot"
	"github.com/lex00/zed/storage"
)

// Config of a Watcher.
type Config struct {
	// Absolute path of the directory tree to watch.
	Root string
	// Latency is the window over which notifications are gathered into a
	// single batch. Default is 25ms.
	Latency time.Duration
	// Ignored, if set, returns true for absolute paths which should be neither
	// watched nor reported.
	Ignored func(path string) bool
}

// Watcher watches every directory of a tree, and emits batches of absolute
// paths which were notified as changed. Notifications carry no meaning beyond
// "this path may have changed": consumers must stat the path to learn its state.
type Watcher struct {
	cfg     Config
	store   storage.Storage
	fsw     *fsnotify.Watcher
	batches chan []string
}

// New returns a Watcher of Config Root, having watches established on the
// Root and all of its non-ignored sub-directories.
func New(cfg Config, store storage.Storage) (*Watcher, error) {
	if !filepath.IsAbs(cfg.Root) {
		return nil, errors.Errorf("root must be an absolute path (%s)", cfg.Root)
	}
	cfg.Root = filepath.Clean(cfg.Root)

	if cfg.Latency == 0 {
		cfg.Latency = 25 * time.Millisecond
	}
	if cfg.Ignored == nil {
		cfg.Ignored = func(string) bool { return false }
	}

	var fsw, err = fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WithMessage(err, "creating fsnotify watcher")
	}
	var w = &Watcher{
		cfg:     cfg,
		store:   store,
		fsw:     fsw,
		batches: make(chan []string),
	}
	if err = w.addTree(cfg.Root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Batches returns the channel of notified path batches. It's closed when Serve returns.
func (w *Watcher) Batches() <-chan []string { return w.batches }

// Serve gathers notifications into batches until the context is done, or the
// Watcher is closed.
func (w *Watcher) Serve(ctx context.Context) error {
	defer close(w.batches)

	var pending = make(map[string]struct{})
	var ready []string
	var out chan<- []string // Non-nil iff |ready| is to be sent.

	var timer = time.NewTimer(0)
	<-timer.C // Now idle.
	defer timer.Stop()

	var add = func(p string) {
		if len(pending) == 0 {
			timer.Reset(w.cfg.Latency)
		}
		pending[p] = struct{}{}
	}

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			eventsTotal.WithLabelValues(opName(ev.Op)).Inc()

			if w.cfg.Ignored(ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if err := w.addTree(ev.Name); err != nil {
					log.WithFields(log.Fields{"path": ev.Name, "err": err}).
						Warn("failed to watch created directory")
				}
			}
			add(ev.Name)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Notifications were lost. Every watched directory is re-listed.
				overflowsTotal.Inc()
				log.WithField("root", w.cfg.Root).Warn("notification queue overflowed")

				for _, dir := range w.fsw.WatchList() {
					add(dir)
				}
			} else {
				log.WithField("err", err).Warn("watch error")
			}

		case <-timer.C:
			for p := range pending {
				ready = append(ready, p)
			}
			sort.Strings(ready)
			pending = make(map[string]struct{})
			out = w.batches

		case out <- ready:
			batchesTotal.Inc()
			ready, out = nil, nil

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close the Watcher, releasing its watches.
func (w *Watcher) Close() error { return w.fsw.Close() }

// addTree watches |dir| and its sub-directories. It's not an error if |dir|
// isn't a directory, or no longer exists.
func (w *Watcher) addTree(dir string) error {
	var md, err = w.store.Stat(dir)
	if storage.IsNotFound(err) {
		return nil
	} else if err != nil {
		return err
	} else if md.Kind != snapshot.Directory || w.cfg.Ignored(dir) {
		return nil
	}

	if err = w.fsw.Add(dir); storage.IsNotFound(err) {
		return nil
	} else if err != nil {
		return errors.WithMessagef(err, "watching %s", dir)
	}
	watchedDirs.Inc()

	names, err := w.store.ReadDir(dir)
	if storage.IsNotFound(err) {
		return nil
	} else if err != nil {
		return errors.WithMessagef(err, "listing %s", dir)
	}
	for _, name := range names {
		if err = w.addTree(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

func opName(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Remove):
		return "remove"
	case op.Has(fsnotify.Rename):
		return "rename"
	case op.Has(fsnotify.Write):
		return "write"
	default:
		return "chmod"
	}
}

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zed_watch_events_total",
		Help: "Cumulative number of filesystem notifications, by operation.",
	}, []string{"op"})
	batchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zed_watch_batches_total",
		Help: "Cumulative number of emitted path batches.",
	})
	overflowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zed_watch_overflows_total",
		Help: "Cumulative number of notification queue overflows.",
	})
	watchedDirs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zed_watch_directories_added_total",
		Help: "Cumulative number of directories added to the watch.",
	})
)
