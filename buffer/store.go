package buffer

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/lex00/zed/scanner"
	"github.com/lex00/zed/snapshot"
	"github.com/lex00/zed/storage"
)

var (
	// ErrUnknownHandle is returned for a Handle which isn't bound.
	ErrUnknownHandle = errors.New("unknown handle")
	// ErrPathBound is returned by Bind if the path is bound to a different Document.
	ErrPathBound = errors.New("path is bound to another document")
	// ErrInvalidPath is returned by Bind for an empty or non-relative path.
	ErrInvalidPath = errors.New("invalid path")
	// ErrNotPresent is returned by Reload if the bound path doesn't exist.
	ErrNotPresent = errors.New("path is not present")
	// ErrSubscriptionClosed is returned by Subscription.Next after Close.
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// Config of a Store.
type Config struct {
	// Maximum number of concurrent reads. Default is 8.
	Concurrency int64
	// VerifyDelay is the initial delay before re-checking a binding whose
	// loaded content disagreed with the Snapshot it was loaded for. Delays
	// double with each consecutive attempt. Default is 50ms.
	VerifyDelay time.Duration
	// MaxVerifyAttempts bounds consecutive re-checks. Default is 4.
	MaxVerifyAttempts int
}

// Store binds Documents to paths of a mirrored directory tree, and keeps each
// Document consistent with disk as Snapshots are applied. Store operations are
// linearizable with respect to one another and to Apply.
type Store struct {
	cfg     Config
	root    string
	storage storage.Storage
	ctx     context.Context
	sem     *semaphore.Weighted
	// wg tracks in-flight reads and verification timers.
	wg sync.WaitGroup

	mu         sync.Mutex
	snap       *snapshot.Snapshot
	nextHandle Handle
	bindings   map[Handle]*binding
	byIdentity map[snapshot.Identity]Handle
	byPath     map[string]Handle
	// retry holds bindings whose last read failed. Each is re-evaluated by
	// the next Apply, whether or not its Diff touches the binding.
	retry map[Handle]struct{}
	subs  map[*Subscription]struct{}
}

// NewStore returns a Store of bindings under absolute directory |root|, which
// reads through Storage |store|. Reads are cancelled when |ctx| is done.
func NewStore(ctx context.Context, cfg Config, root string, store storage.Storage) *Store {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.VerifyDelay <= 0 {
		cfg.VerifyDelay = 50 * time.Millisecond
	}
	if cfg.MaxVerifyAttempts <= 0 {
		cfg.MaxVerifyAttempts = 4
	}
	return &Store{
		cfg:        cfg,
		root:       filepath.Clean(root),
		storage:    store,
		ctx:        ctx,
		sem:        semaphore.NewWeighted(cfg.Concurrency),
		snap:       snapshot.Empty(root),
		nextHandle: 1,
		bindings:   make(map[Handle]*binding),
		byIdentity: make(map[snapshot.Identity]Handle),
		byPath:     make(map[string]Handle),
		retry:      make(map[Handle]struct{}),
		subs:       make(map[*Subscription]struct{}),
	}
}

// Attach the Store as an Observer of Scanner |sc|, and apply its current
// Snapshot. Attach should be called before paths are bound.
func (s *Store) Attach(sc *scanner.Scanner) {
	sc.Observe(s.Apply)

	var cur = sc.Snapshot()
	s.mu.Lock()
	if cur.Version() > s.snap.Version() {
		s.snap = cur
	}
	s.mu.Unlock()
}

// Snapshot returns the last applied Snapshot.
func (s *Store) Snapshot() *snapshot.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Bind |doc| to relative |path|, returning its Handle. If |path| is already
// bound to |doc|, the existing Handle is returned and its holder count is
// incremented. If the path is present, its initial load is scheduled.
func (s *Store) Bind(path string, doc Document) (Handle, error) {
	var clean = snapshot.CleanPath(path)
	if clean == "" || filepath.IsAbs(path) {
		return 0, errors.WithMessagef(ErrInvalidPath, "%q", path)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.byPath[clean]; ok {
		var b = s.bindings[h]
		if b.doc != doc {
			return 0, errors.WithMessagef(ErrPathBound, "%q", clean)
		}
		b.holders++
		return h, nil
	}

	var b = &binding{
		handle:  s.nextHandle,
		path:    clean,
		doc:     doc,
		holders: 1,
		state:   StateDeleted,
	}
	s.nextHandle++
	s.bindings[b.handle] = b
	s.byPath[clean] = b.handle
	bindingsGauge.Inc()

	if e, ok := s.snap.Lookup(clean); ok && e.Kind != snapshot.Directory {
		b.state = StatePresent
		s.setIdentity(b, e.Identity)
		s.gate(b, e)
	}
	log.WithFields(log.Fields{
		"handle": b.handle,
		"path":   clean,
		"state":  b.state,
	}).Debug("bound document")

	return b.handle, nil
}

// Unbind releases a holder of Handle |h|. When the last holder is released,
// the binding is removed and any in-flight read is discarded.
func (s *Store) Unbind(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b, ok = s.bindings[h]
	if !ok {
		return ErrUnknownHandle
	}
	if b.holders--; b.holders != 0 {
		return nil
	}
	b.generation++
	b.target = nil

	delete(s.bindings, h)
	delete(s.retry, h)
	if s.byPath[b.path] == h {
		delete(s.byPath, b.path)
	}
	if b.identity != 0 && s.byIdentity[b.identity] == h {
		delete(s.byIdentity, b.identity)
	}
	bindingsGauge.Dec()
	return nil
}

// Lookup returns the Status of Handle |h|.
func (s *Store) Lookup(h Handle) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.bindings[h]; ok {
		return b.status(), nil
	}
	return Status{}, ErrUnknownHandle
}

// Handles returns the Status of every binding, ordered on Handle.
func (s *Store) Handles() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out = make([]Status, 0, len(s.bindings))
	for _, b := range s.bindings {
		out = append(out, b.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// MarkDirty sets whether the Document of |h| has unsaved edits. Disk changes
// observed while dirty are reported as conflicts rather than reloaded. A
// binding marked clean is re-evaluated against the current Snapshot, which
// reloads a conflicting disk change.
func (s *Store) MarkDirty(h Handle, dirty bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b, ok = s.bindings[h]
	if !ok {
		return ErrUnknownHandle
	}
	var wasDirty = b.dirty
	b.dirty = dirty

	if wasDirty && !dirty && b.state == StatePresent {
		b.conflict = nil
		if e, ok := s.snap.Lookup(b.path); ok {
			s.gate(b, e)
		}
	}
	return nil
}

// CommitSave records that the caller wrote the Document of |h| to disk,
// producing a file of |modTime| and |size|. The binding becomes clean and
// Present, in-flight reads are discarded, and the next observation of the
// saved file is adopted as the baseline without a reload.
//
// If the Scanner observes the write before CommitSave is called, the binding
// is still dirty and a ConflictDetected is emitted for the caller's own save.
// CommitSave then clears that conflict and adopts the observation, so callers
// should treat a conflict reported while a save is in progress as provisional.
func (s *Store) CommitSave(h Handle, modTime time.Time, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b, ok = s.bindings[h]
	if !ok {
		return ErrUnknownHandle
	}
	b.generation++
	b.target, b.conflict = nil, nil
	b.dirty = false
	b.state = StatePresent
	b.verifyAttempt = 0

	b.baseline = Baseline{Identity: b.identity, ModTime: modTime, Size: size}
	b.hasBaseline, b.adopt = true, true

	// The Snapshot may already reflect the save.
	if e, ok := s.snap.Lookup(b.path); ok && s.adoptable(b, e) {
		s.adoptObservation(b, e)
	}
	return nil
}

// Reload unconditionally schedules a reload of |h|, discarding unsaved edits
// and any pending conflict.
func (s *Store) Reload(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b, ok = s.bindings[h]
	if !ok {
		return ErrUnknownHandle
	}
	var e, present = s.snap.Lookup(b.path)
	if !present || e.Kind == snapshot.Directory {
		return errors.WithMessagef(ErrNotPresent, "%q", b.path)
	}
	b.dirty, b.conflict = false, nil
	s.schedule(b, e)
	return nil
}

// Wait for all in-flight reads and verifications to complete.
func (s *Store) Wait() { s.wg.Wait() }

// Apply a Snapshot and the Diff which produced it. Each binding touched by the
// Diff, or whose last read failed, is evaluated once against the complete new
// Snapshot. Apply is otherwise idempotent: re-applying a Snapshot schedules
// no further reloads.
func (s *Store) Apply(snap *snapshot.Snapshot, diff snapshot.Diff) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.Version() < s.snap.Version() {
		log.WithFields(log.Fields{
			"version": snap.Version(),
			"current": s.snap.Version(),
		}).Warn("ignoring apply of an older snapshot")
		return
	}
	s.snap = snap

	var touched = make(map[Handle]struct{})
	for _, c := range diff {
		if h, ok := s.resolve(c); ok {
			touched[h] = struct{}{}
		}
	}
	for h := range s.retry {
		touched[h] = struct{}{}
		delete(s.retry, h)
	}
	var handles = make([]Handle, 0, len(touched))
	for h := range touched {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })

	for _, h := range handles {
		s.reconcile(s.bindings[h])
	}
	appliedVersion.Set(float64(snap.Version()))
}

// resolve a Change to a binding: first by the Identity it held, then by the
// Identity it now has, and last by its path.
func (s *Store) resolve(c snapshot.Change) (Handle, bool) {
	for _, e := range []*snapshot.Entry{c.Old, c.New} {
		if e == nil {
			continue
		}
		if h, ok := s.byIdentity[e.Identity]; ok {
			return h, true
		}
	}
	var h, ok = s.byPath[c.Path]
	return h, ok
}

// reconcile binding |b| with the current Snapshot.
func (s *Store) reconcile(b *binding) {
	// Follow the binding's file if it was renamed, unless its new path is
	// bound by another Document.
	if b.identity != 0 {
		if e, ok := s.snap.LookupIdentity(b.identity); ok && e.Path != b.path && e.Kind != snapshot.Directory {
			if other, bound := s.byPath[e.Path]; !bound || other == b.handle {
				s.move(b, e.Path)
			}
		}
	}

	var e, ok = s.snap.Lookup(b.path)
	if !ok || e.Kind == snapshot.Directory {
		s.markDeleted(b)
		return
	}
	s.setIdentity(b, e.Identity)
	b.state = StatePresent
	s.gate(b, e)
}

// gate decides whether binding |b| must be reloaded for observation |e|.
// A reload is required unless the baseline is valid and identical to |e| in
// identity, inode, modification time, and size.
func (s *Store) gate(b *binding, e snapshot.Entry) {
	if b.hasBaseline && b.baseline.matches(e) {
		b.conflict = nil
		return
	} else if s.adoptable(b, e) {
		s.adoptObservation(b, e)
		return
	} else if b.target != nil && sameObservation(*b.target, e) {
		return // Already loading this observation.
	}

	if b.dirty {
		if b.conflict == nil || !sameObservation(*b.conflict, e) {
			var obs = e
			b.conflict = &obs
			conflictsTotal.Inc()
			s.emit(ConflictDetected, b)

			log.WithFields(log.Fields{
				"handle": b.handle,
				"path":   b.path,
			}).Info("disk changed under a document with unsaved edits")
		}
		return
	}
	s.schedule(b, e)
}

// adoptable returns true if |e| is the observation of a save committed by the
// caller, which hasn't yet been seen.
func (s *Store) adoptable(b *binding, e snapshot.Entry) bool {
	return b.adopt && b.hasBaseline &&
		b.baseline.ModTime.Equal(e.ModTime) && b.baseline.Size == e.Size
}

func (s *Store) adoptObservation(b *binding, e snapshot.Entry) {
	b.baseline.Identity, b.baseline.Inode = e.Identity, e.Inode
	b.adopt, b.conflict = false, nil
	s.setIdentity(b, e.Identity)
}

// markDeleted transitions |b| to StateDeleted, emitting a Deleted event once. Its
// baseline is invalidated so that a re-appearance of the path is reloaded
// even if its metadata is unchanged, and in-flight reads are discarded.
func (s *Store) markDeleted(b *binding) {
	if b.state != StateDeleted {
		b.state = StateDeleted
		s.emit(Deleted, b)

		log.WithFields(log.Fields{"handle": b.handle, "path": b.path}).
			Info("bound path was deleted")
	}
	b.hasBaseline, b.adopt = false, false
	b.conflict = nil
	b.verifyAttempt = 0
	delete(s.retry, b.handle)

	if b.target != nil {
		b.generation++
		b.target = nil
	}
}

func (s *Store) move(b *binding, path string) {
	var from = b.path
	if s.byPath[from] == b.handle {
		delete(s.byPath, from)
	}
	b.path = path
	s.byPath[path] = b.handle
	s.emit(Renamed, b)

	log.WithFields(log.Fields{"handle": b.handle, "from": from, "to": path}).
		Info("bound file was renamed")
}

func (s *Store) setIdentity(b *binding, id snapshot.Identity) {
	if b.identity == id {
		return
	}
	if b.identity != 0 && s.byIdentity[b.identity] == b.handle {
		delete(s.byIdentity, b.identity)
	}
	b.identity = id
	s.byIdentity[id] = b.handle
}
