package buffer

import (
	"context"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"

	"github.com/lex00/zed/snapshot"
	"github.com/lex00/zed/storage"
)

// readResult is the outcome of a single read of a bound path. The path is
// stat'd before and after its content is read.
type readResult struct {
	pre, post storage.Metadata
	content   []byte
	err       error
}

// consistent returns true if no modification of the file was observed
// while it was being read.
func (r readResult) consistent() bool {
	if r.pre.Inode != r.post.Inode ||
		!r.pre.ModTime.Equal(r.post.ModTime) ||
		r.pre.Size != r.post.Size ||
		r.pre.Kind != r.post.Kind {
		return false
	}
	return r.pre.Kind != snapshot.File || int64(len(r.content)) == r.pre.Size
}

// schedule a reload of binding |b| for observation |e|. Any in-flight read is
// superseded. The Store lock must be held.
func (s *Store) schedule(b *binding, e snapshot.Entry) {
	b.generation++
	b.target = &e
	delete(s.retry, b.handle)
	reloadsScheduledTotal.Inc()
	s.emit(ReloadNeeded, b)

	s.wg.Add(1)
	go s.read(b.handle, b.generation, b.path, e)
}

// read the content of |path| for |target| and commit the result.
func (s *Store) read(h Handle, gen uint64, path string, target snapshot.Entry) {
	defer s.wg.Done()

	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		s.complete(h, gen, target, readResult{err: err})
		return
	}
	defer s.sem.Release(1)

	if !s.isCurrent(h, gen) {
		reloadsSupersededTotal.Inc()
		return
	}
	var abs = filepath.Join(s.root, filepath.FromSlash(path))
	var res readResult

	if res.pre, res.err = s.storage.Stat(abs); res.err == nil {
		if res.content, res.err = s.storage.ReadFile(s.ctx, abs); res.err == nil {
			res.post, res.err = s.storage.Stat(abs)
		}
	}
	s.complete(h, gen, target, res)
}

// isCurrent returns true if |gen| is the current generation of binding |h|.
func (s *Store) isCurrent(h Handle, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b, ok = s.bindings[h]
	return ok && b.generation == gen
}

// complete a read of generation |gen|. A read superseded by a later
// generation is discarded. A read which observed the file changing is
// rescheduled using the latest observed metadata.
func (s *Store) complete(h Handle, gen uint64, target snapshot.Entry, res readResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b, ok = s.bindings[h]
	if !ok || b.generation != gen {
		reloadsSupersededTotal.Inc()
		log.WithFields(log.Fields{"handle": h, "generation": gen}).
			Debug("discarding superseded read")
		return
	}
	b.target = nil

	var fields = log.Fields{"handle": h, "path": b.path, "generation": gen}

	switch {
	case res.err == context.Canceled || res.err == context.DeadlineExceeded:
		return
	case storage.IsNotFound(res.err):
		s.markDeleted(b)
		return
	case res.err != nil:
		readFailuresTotal.Inc()
		s.retry[h] = struct{}{}
		s.emit(ReloadFailed, b)
		fields["err"] = res.err
		log.WithFields(fields).Warn("failed to read bound path (retrying on next notification)")
		return
	case res.pre.Kind == snapshot.Directory:
		s.markDeleted(b)
		return
	case !res.consistent():
		staleReadsTotal.Inc()
		log.WithFields(fields).Debug("file changed while being read (rescheduling)")

		var next = target
		next.Inode, next.ModTime, next.Size = res.post.Inode, res.post.ModTime, res.post.Size
		s.schedule(b, next)
		return
	case b.dirty:
		// Edits were made while the read was in flight. Loaded content must not
		// replace them.
		if b.conflict == nil || !sameObservation(*b.conflict, target) {
			b.conflict = &target
			conflictsTotal.Inc()
			s.emit(ConflictDetected, b)
		}
		return
	}

	if err := b.doc.SetContent(res.content); err != nil {
		readFailuresTotal.Inc()
		s.emit(ReloadFailed, b)
		fields["err"] = err
		log.WithFields(fields).Warn("document rejected loaded content (retaining prior state)")
		return
	}
	b.baseline = Baseline{
		Identity: target.Identity,
		Inode:    res.pre.Inode,
		ModTime:  res.pre.ModTime,
		Size:     res.pre.Size,
		Checksum: xxh3.Hash(res.content),
	}
	b.hasBaseline, b.adopt = true, false
	b.conflict = nil
	b.state = StatePresent

	reloadsCommittedTotal.Inc()
	readBytesTotal.Add(float64(len(res.content)))
	s.emit(Reloaded, b)

	// If the loaded file doesn't match the current Snapshot, either the
	// Snapshot is behind the disk or the disk changed after the Snapshot was
	// taken and then changed back. Only a further read can tell them apart.
	if e, ok := s.snap.Lookup(b.path); ok && e.Kind != snapshot.Directory && !b.baseline.matches(e) {
		s.verify(b, fields)
	} else {
		b.verifyAttempt = 0
	}
}

// verify schedules a delayed re-check of binding |b| against the then-current
// Snapshot, with exponential back-off. The Store lock must be held.
func (s *Store) verify(b *binding, fields log.Fields) {
	if b.verifyAttempt >= s.cfg.MaxVerifyAttempts {
		log.WithFields(fields).Warn("loaded file still disagrees with snapshot (awaiting next change)")
		b.verifyAttempt = 0
		return
	}
	var delay = s.cfg.VerifyDelay << uint(b.verifyAttempt)
	b.verifyAttempt++
	verificationsTotal.Inc()

	var h, gen = b.handle, b.generation

	s.wg.Add(1)
	time.AfterFunc(delay, func() {
		defer s.wg.Done()

		if s.ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()

		var b, ok = s.bindings[h]
		if !ok || b.generation != gen || b.target != nil || b.state != StatePresent {
			return // Superseded.
		}
		if e, ok := s.snap.Lookup(b.path); ok && e.Kind != snapshot.Directory && !b.baseline.matches(e) {
			if b.dirty {
				s.gate(b, e)
			} else {
				s.schedule(b, e)
			}
		} else {
			b.verifyAttempt = 0
		}
	})
}
