package scanner

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/lex00/zed/snapshot"
	"github.com/lex00/zed/storage"
)

// cycle is a single scan cycle, which observes queued paths and builds the
// successor of the current Snapshot. A cycle runs in three phases:
//  * Observation stats every queued path (and re-lists directories),
//    without modifying the Builder.
//  * Removals are applied, with removed Entries moving into the RemovedPool.
//  * Observed paths are upserted in path order, with Identities assigned
//    against the now-complete RemovedPool.
//
// Applying all removals first allows a rename to be recognized regardless of
// the order in which its two paths were notified.
type cycle struct {
	s    *Scanner
	b    *snapshot.Builder
	pool *RemovedPool

	queue    []scanTarget
	observed map[string]storage.Metadata
	removed  map[string]struct{}
}

// scanTarget is a queued relative path to stat or, if |list|, a directory to
// re-list. Targets are |discovered| if they were found by listing their parent.
// Recursive targets re-list every sub-directory they discover.
type scanTarget struct {
	path       string
	list       bool
	discovered bool
	recursive  bool
}

func (s *Scanner) newCycle() *cycle {
	s.mu.RLock()
	var base = s.current
	s.mu.RUnlock()

	s.assigner.begin()

	return &cycle{
		s:        s,
		b:        snapshot.NewBuilder(base),
		pool:     newRemovedPool(),
		observed: make(map[string]storage.Metadata),
		removed:  make(map[string]struct{}),
	}
}

func (c *cycle) queuePath(rel string) {
	if rel == "" {
		c.queueDir("", false)
	} else {
		c.queue = append(c.queue, scanTarget{path: rel})
	}
}

func (c *cycle) queueDir(rel string, recursive bool) {
	c.queue = append(c.queue, scanTarget{path: rel, list: true, recursive: recursive})
}

func (c *cycle) abs(rel string) string {
	return filepath.Join(c.s.cfg.Root, filepath.FromSlash(rel))
}

// run the observation phase over all queued targets, and apply results
// to the Builder.
func (c *cycle) run(ctx context.Context) error {
	for len(c.queue) != 0 {
		if err := ctx.Err(); err != nil {
			c.s.assigner.end()
			return err
		}
		var t = c.queue[0]
		c.queue = c.queue[1:]

		if t.list {
			c.list(t)
		} else {
			c.observe(t)
		}
	}
	c.apply()
	return nil
}

// observe stats a single target path.
func (c *cycle) observe(t scanTarget) {
	if _, ok := c.observed[t.path]; ok {
		return
	} else if _, ok = c.removed[t.path]; ok {
		return
	}
	statsTotal.Inc()

	var md, err = c.s.store.Stat(c.abs(t.path))
	if storage.IsNotFound(err) {
		c.removed[t.path] = struct{}{}
		return
	} else if err != nil {
		statErrorsTotal.Inc()

		log.WithFields(log.Fields{"path": t.path, "err": err}).
			Warn("failed to stat path (retaining prior entry)")
		return
	}
	c.observed[t.path] = md

	if md.Kind != snapshot.Directory {
		return
	}
	var prev, existed = c.b.Base().Lookup(t.path)
	var isNew = !existed || prev.Kind != snapshot.Directory

	// A directory which was notified, or is new, is re-listed.
	// A new directory is scanned in its entirety.
	if !t.discovered || t.recursive || isNew {
		c.queueDir(t.path, t.recursive || isNew)
	}
}

// list a directory target, queueing its children and marking children of the
// prior Snapshot which are no longer present as removed.
func (c *cycle) list(t scanTarget) {
	if t.path != "" {
		if md, ok := c.observed[t.path]; !ok || md.Kind != snapshot.Directory {
			return
		}
	}

	var names, err = c.s.store.ReadDir(c.abs(t.path))
	if storage.IsNotFound(err) {
		if t.path != "" {
			delete(c.observed, t.path)
			c.removed[t.path] = struct{}{}
		}
		return
	} else if err != nil {
		statErrorsTotal.Inc()
		log.WithFields(log.Fields{"path": t.path, "err": err}).
			Warn("failed to list directory (retaining prior entries)")
		return
	}

	var present = make(map[string]struct{}, len(names))
	for _, name := range names {
		var child = name
		if t.path != "" {
			child = t.path + "/" + name
		}
		if c.s.skip(child) != "" {
			continue
		}
		present[child] = struct{}{}
		c.queue = append(c.queue, scanTarget{path: child, discovered: true, recursive: t.recursive})
	}
	for _, e := range c.b.Base().Children(t.path) {
		if _, ok := present[e.Path]; !ok {
			c.removed[e.Path] = struct{}{}
		}
	}
}

// apply removals and then upserts to the Builder.
func (c *cycle) apply() {
	var removals = make([]string, 0, len(c.removed))
	for p := range c.removed {
		removals = append(removals, p)
	}
	sort.Strings(removals)

	for _, p := range removals {
		c.removeTree(p)
	}

	var upserts = make([]string, 0, len(c.observed))
	for p := range c.observed {
		upserts = append(upserts, p)
	}
	sort.Strings(upserts)

	for _, p := range upserts {
		if c.hasRemovedAncestor(p) {
			// A parent vanished between its stat and ours. The next
			// notification of the parent will bring us to consistency.
			continue
		}
		var md = c.observed[p]

		if prev, ok := c.b.Base().Lookup(p); ok {
			if prev.Kind == snapshot.Directory && md.Kind != snapshot.Directory {
				c.removeDescendants(p)
			}
			if _, removedHere := c.removed[p]; !removedHere && md.Matches(prev) && c.s.assigner.claim(prev.Identity) {
				c.b.Put(prev) // Unchanged.
				continue
			}
		}
		c.b.Put(snapshot.Entry{
			Path:     p,
			Identity: c.s.assigner.Assign(c.pool, c.b.Base(), p, md),
			Inode:    md.Inode,
			ModTime:  md.ModTime,
			Size:     md.Size,
			Kind:     md.Kind,
		})
	}
}

func (c *cycle) removeTree(p string) {
	c.removeDescendants(p)
	if e, ok := c.b.Remove(p); ok {
		c.pool.Add(e)
	}
}

func (c *cycle) removeDescendants(p string) {
	for _, e := range c.b.Descendants(p) {
		c.b.Remove(e.Path)
		c.pool.Add(e)
	}
}

func (c *cycle) hasRemovedAncestor(p string) bool {
	for p = snapshot.Parent(p); p != ""; p = snapshot.Parent(p) {
		if _, ok := c.removed[p]; ok {
			return true
		}
	}
	return false
}

// finish the cycle, publishing and returning the built Snapshot and Diff.
func (c *cycle) finish() (*snapshot.Snapshot, snapshot.Diff) {
	var next, diff = c.b.Build()
	c.s.assigner.end()

	if n := c.pool.Len(); n != 0 {
		log.WithFields(log.Fields{"unmatched": n, "version": next.Version()}).
			Debug("discarding removed entries at cycle end")
	}
	batchesTotal.Inc()
	c.s.publish(next, diff)

	if len(diff) != 0 {
		log.WithFields(log.Fields{
			"version": next.Version(),
			"changes": len(diff),
			"summary": summarize(diff),
		}).Debug("published snapshot")
	}
	return next, diff
}

// summarize a Diff for logging.
func summarize(diff snapshot.Diff) string {
	var added, removed, modified int
	for _, c := range diff {
		switch {
		case c.Old == nil:
			added++
		case c.New == nil:
			removed++
		default:
			modified++
		}
	}
	return fmt.Sprintf("%d added, %d removed, %d modified", added, removed, modified)
}
