package scanner

import (
	"context"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/lex00/zed/snapshot"
	"github.com/lex00/zed/storage"
)

// ErrRootNotDirectory is returned by Load if the Scanner Root isn't a directory.
var ErrRootNotDirectory = errors.New("root is not a directory")

// Config of a Scanner.
type Config struct {
	// Absolute path of the directory to mirror.
	Root string
	// Glob patterns (as path.Match) of relative paths to ignore. A pattern
	// is matched against both the relative path and its base name.
	Ignore []string
	// Names of version-control metadata directories which are never scanned.
	// If nil, DefaultVCSDirs is used.
	VCSDirs []string
	// ApplyDelay is the duration for which Serve allows path batches to queue
	// before processing all of them as a single batch. This Nagle-like mechanism
	// amortizes the cost of bursts of notifications. Default is 50ms.
	ApplyDelay time.Duration
	// Policy of identity reuse across removals.
	Policy Policy
}

// DefaultVCSDirs are version-control metadata directories skipped by default.
var DefaultVCSDirs = []string{".git", ".hg", ".svn"}

// Observer of published Snapshots. Observers are called in-order after each
// publication, while the Scanner's write lock is still held (which Observers
// must not release, and during which they must not call back into the Scanner).
type Observer func(*snapshot.Snapshot, snapshot.Diff)

// Scanner maintains a Snapshot of a directory tree, updated from batches of
// changed paths. Batches are processed strictly one at a time: a Diff is never
// computed against a partially updated Snapshot.
type Scanner struct {
	cfg      Config
	store    storage.Storage
	assigner IdentityAssigner

	// procMu serializes Load and ProcessBatch invocations.
	procMu sync.Mutex

	mu        sync.RWMutex // Guards |current|, |observers|, and |updateCh|.
	current   *snapshot.Snapshot
	observers []Observer
	updateCh  chan struct{}
}

// New returns a Scanner of the Config Root, which must be an absolute path.
// The Scanner holds an empty Snapshot until Load is called.
func New(cfg Config, store storage.Storage) (*Scanner, error) {
	if !filepath.IsAbs(cfg.Root) {
		return nil, errors.Errorf("root must be an absolute path (%s)", cfg.Root)
	}
	cfg.Root = filepath.Clean(cfg.Root)

	if cfg.VCSDirs == nil {
		cfg.VCSDirs = DefaultVCSDirs
	}
	if cfg.ApplyDelay == 0 {
		cfg.ApplyDelay = 50 * time.Millisecond
	}
	for _, pattern := range cfg.Ignore {
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, errors.WithMessagef(err, "ignore pattern %q", pattern)
		}
	}

	return &Scanner{
		cfg:      cfg,
		store:    store,
		assigner: IdentityAssigner{Policy: cfg.Policy},
		current:  snapshot.Empty(cfg.Root),
		updateCh: make(chan struct{}),
	}, nil
}

// Root is the absolute path mirrored by the Scanner.
func (s *Scanner) Root() string { return s.cfg.Root }

// Snapshot returns the most recently published Snapshot.
func (s *Scanner) Snapshot() *snapshot.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Observe registers an Observer of future publications.
func (s *Scanner) Observe(obv Observer) {
	s.mu.Lock()
	s.observers = append(s.observers, obv)
	s.mu.Unlock()
}

// Update returns a channel which will signal on the next publication.
func (s *Scanner) Update() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updateCh
}

// WaitForVersion blocks until a Snapshot of at least |version| has been
// published, or the context is done.
func (s *Scanner) WaitForVersion(ctx context.Context, version int64) error {
	for {
		s.mu.RLock()
		var cur, ch = s.current.Version(), s.updateCh
		s.mu.RUnlock()

		if err := ctx.Err(); err != nil || cur >= version {
			return err
		}
		select {
		case <-ch:
		case <-ctx.Done():
		}
	}
}

// Load performs a full scan of the Root, and publishes it as a new Snapshot.
// All Entries of the prior Snapshot not found on disk are removed.
func (s *Scanner) Load(ctx context.Context) error {
	s.procMu.Lock()
	defer s.procMu.Unlock()

	if md, err := s.store.Stat(s.cfg.Root); err != nil {
		return errors.WithMessage(err, "stat of root")
	} else if md.Kind != snapshot.Directory {
		return ErrRootNotDirectory
	}

	var c = s.newCycle()
	c.queueDir("", true)

	if err := c.run(ctx); err != nil {
		return err
	}
	var snap, _ = c.finish()
	log.WithFields(log.Fields{
		"root":    s.cfg.Root,
		"version": snap.Version(),
		"entries": snap.Len(),
	}).Info("loaded snapshot")
	return nil
}

// ProcessBatch re-stats each of the absolute |paths|, and publishes and returns
// the resulting Snapshot and Diff. The kind of change which caused a path to be
// notified is irrelevant: only the state of the filesystem at the time of the
// stat is authoritative. Paths outside of the Root, within version-control
// metadata, or which are ignored are dropped.
func (s *Scanner) ProcessBatch(paths []string) (*snapshot.Snapshot, snapshot.Diff) {
	s.procMu.Lock()
	defer s.procMu.Unlock()

	var c = s.newCycle()
	for _, rel := range s.filter(paths) {
		c.queuePath(rel)
	}
	// ProcessBatch isn't cancellable: a batch is always processed to completion.
	_ = c.run(context.Background())

	return c.finish()
}

// Serve processes batches of changed paths read from |batches| until the
// channel is closed (returning nil) or the context is done. Batches arriving
// within ApplyDelay of a first queued batch are merged and processed together.
func (s *Scanner) Serve(ctx context.Context, batches <-chan []string) error {
	var pending []string
	var applyTimer = time.NewTimer(0)
	<-applyTimer.C // Now idle.
	defer applyTimer.Stop()

	for {
		select {
		case batch, ok := <-batches:
			if !ok {
				if len(pending) != 0 {
					s.ProcessBatch(pending)
				}
				return nil
			}
			if len(pending) == 0 {
				applyTimer.Reset(s.cfg.ApplyDelay)
			}
			pending = append(pending, batch...)

		case <-applyTimer.C:
			// |applyTimer| is now idle, and remains so until the next batch.
			s.ProcessBatch(pending)
			pending = nil

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// filter maps absolute |paths| to deduplicated, cleaned relative paths,
// dropping those which aren't to be scanned.
func (s *Scanner) filter(paths []string) []string {
	var out []string
	var seen = make(map[string]struct{}, len(paths))

	for _, p := range paths {
		var rel, ok = s.relative(p)
		if !ok {
			droppedPathsTotal.WithLabelValues("outside-root").Inc()
			continue
		}

		if rel == "" {
			// The root itself is re-listed as a directory.
		} else if reason := s.skip(rel); reason != "" {
			droppedPathsTotal.WithLabelValues(reason).Inc()
			continue
		}
		if _, ok := seen[rel]; !ok {
			seen[rel] = struct{}{}
			out = append(out, rel)
		}
	}
	sort.Strings(out)
	return out
}

// Ignored returns true if absolute path |p| is outside of the Root, or
// would be skipped by the Scanner.
func (s *Scanner) Ignored(p string) bool {
	var rel, ok = s.relative(p)
	return !ok || (rel != "" && s.skip(rel) != "")
}

// relative maps absolute path |p| to a cleaned path relative to the Root.
func (s *Scanner) relative(p string) (string, bool) {
	var rel, err = filepath.Rel(s.cfg.Root, filepath.Clean(p))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return snapshot.CleanPath(filepath.ToSlash(rel)), true
}

// skip returns a non-empty reason if relative path |rel| isn't to be scanned.
// A path is skipped if any of its components is a VCS metadata directory, or
// if an ignore pattern matches any of its components or ancestor paths.
func (s *Scanner) skip(rel string) string {
	var components = strings.Split(rel, "/")

	for i, component := range components {
		for _, vcs := range s.cfg.VCSDirs {
			if component == vcs {
				return "vcs"
			}
		}
		var prefix = strings.Join(components[:i+1], "/")

		for _, pattern := range s.cfg.Ignore {
			if ok, _ := path.Match(pattern, component); ok {
				return "ignored"
			} else if ok, _ = path.Match(pattern, prefix); ok {
				return "ignored"
			}
		}
	}
	return ""
}

// publish |next| and notify Observers of |diff|.
func (s *Scanner) publish(next *snapshot.Snapshot, diff snapshot.Diff) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = next
	for _, obv := range s.observers {
		obv(next, diff)
	}
	close(s.updateCh)
	s.updateCh = make(chan struct{})

	snapshotVersion.Set(float64(next.Version()))
	snapshotEntries.Set(float64(next.Len()))
	diffChangesTotal.Add(float64(len(diff)))
}
