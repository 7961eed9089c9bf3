package snapshot

import (
	"fmt"
	"sort"
	"strings"
)

// Snapshot is an immutable, versioned and ordered mapping of relative paths to
// Entries beneath a Root directory. Snapshots are never modified after they're
// built, and may be shared by any number of concurrent readers without locking.
// A successor version is produced by a Builder over the Snapshot.
type Snapshot struct {
	root       string
	version    int64
	entries    Entries
	byIdentity map[Identity]int
}

// Empty returns a Snapshot of |root| at version zero having no Entries.
func Empty(root string) *Snapshot {
	return &Snapshot{root: root, byIdentity: make(map[Identity]int)}
}

// Root is the absolute filesystem path of the Snapshot.
func (s *Snapshot) Root() string { return s.root }

// Version of the Snapshot. Each built successor increments the version by one.
func (s *Snapshot) Version() int64 { return s.version }

// Len is the number of Entries of the Snapshot.
func (s *Snapshot) Len() int { return len(s.entries) }

// Entries returns the ordered Entries of the Snapshot, which must not be modified.
func (s *Snapshot) Entries() Entries { return s.entries }

// Lookup the Entry at |path|.
func (s *Snapshot) Lookup(path string) (Entry, bool) {
	if ind, ok := s.entries.Search(path); ok {
		return s.entries[ind], true
	}
	return Entry{}, false
}

// LookupIdentity returns the single Entry having Identity |id|, if any.
func (s *Snapshot) LookupIdentity(id Identity) (Entry, bool) {
	if ind, ok := s.byIdentity[id]; ok {
		return s.entries[ind], true
	}
	return Entry{}, false
}

// Descendants returns all Entries beneath directory |dir|.
func (s *Snapshot) Descendants(dir string) Entries { return s.entries.Descendants(dir) }

// Children returns the direct children of directory |dir|.
func (s *Snapshot) Children(dir string) Entries {
	var out Entries
	var prefix = len(dir)
	if dir != "" {
		prefix++ // Skip separator.
	}
	for _, e := range s.entries.Descendants(dir) {
		if strings.IndexByte(e.Path[prefix:], '/') == -1 {
			out = append(out, e)
		}
	}
	return out
}

func (s *Snapshot) String() string {
	return fmt.Sprintf("Snapshot{root: %s, version: %d, entries: %d}", s.root, s.version, len(s.entries))
}

// Change is the difference at a single Path between two successive Snapshots.
// Old is nil if the Path was added, and New is nil if it was removed.
type Change struct {
	Path string
	Old  *Entry
	New  *Entry
}

// Exists returns whether the Path is present in the newer Snapshot.
func (c Change) Exists() bool { return c.New != nil }

// Diff is an ordered set of Changes between two successive Snapshot versions.
type Diff []Change

// Builder stages modifications of a base Snapshot, and builds its successor.
// Unmodified Entries are shared with the base Snapshot; only touched paths are
// tracked by the Builder itself. A Builder is not safe for concurrent use.
type Builder struct {
	base    *Snapshot
	touched map[string]*Entry // Nil value marks a removal.
}

// NewBuilder returns a Builder of the successor of |base|.
func NewBuilder(base *Snapshot) *Builder {
	return &Builder{base: base, touched: make(map[string]*Entry)}
}

// Base returns the Snapshot over which the Builder stages modifications.
func (b *Builder) Base() *Snapshot { return b.base }

// Lookup the current staged Entry at |path|.
func (b *Builder) Lookup(path string) (Entry, bool) {
	if e, ok := b.touched[path]; ok {
		if e == nil {
			return Entry{}, false
		}
		return *e, true
	}
	return b.base.Lookup(path)
}

// Put stages the insertion or replacement of Entry |e|.
func (b *Builder) Put(e Entry) {
	if e.Path == "" {
		panic("snapshot root cannot be an Entry")
	}
	b.touched[e.Path] = &e
}

// Remove stages the removal of the Entry at |path|, returning the removed
// Entry if one was present.
func (b *Builder) Remove(path string) (Entry, bool) {
	var e, ok = b.Lookup(path)
	if ok {
		b.touched[path] = nil
	}
	return e, ok
}

// Descendants returns the current staged Entries beneath directory |dir|,
// in path order.
func (b *Builder) Descendants(dir string) Entries {
	var out Entries
	for _, e := range b.base.Descendants(dir) {
		if _, ok := b.touched[e.Path]; !ok {
			out = append(out, e)
		}
	}
	for p, e := range b.touched {
		if e != nil && (dir == "" || strings.HasPrefix(p, dir+"/")) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Build the successor Snapshot and the Diff of its touched paths. Touched paths
// which ultimately equal their base Entry (or were removed without existing)
// are omitted from the Diff.
func (b *Builder) Build() (*Snapshot, Diff) {
	var paths = make([]string, 0, len(b.touched))
	for p := range b.touched {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var next = &Snapshot{
		root:    b.base.root,
		version: b.base.version + 1,
		entries: make(Entries, 0, len(b.base.entries)+len(paths)),
	}
	var diff Diff

	// Build |next| via a single ordered pass over |current|. Unmodified runs of
	// paths are copied, and touched paths are patched in as they're encountered.
	var current = b.base.entries
	for _, p := range paths {
		var ind, found = current.Search(p)
		next.entries = append(next.entries, current[:ind]...)

		var old *Entry
		if found {
			var e = current[ind]
			old = &e
			ind++
		}
		current = current[ind:]

		var update = b.touched[p]
		if update != nil {
			next.entries = append(next.entries, *update)
		}

		if old == nil && update == nil {
			continue
		} else if old != nil && update != nil && old.Equal(*update) {
			continue
		}
		diff = append(diff, Change{Path: p, Old: old, New: update})
	}
	next.entries = append(next.entries, current...)

	next.byIdentity = make(map[Identity]int, len(next.entries))
	for i, e := range next.entries {
		if e.Identity == 0 {
			continue
		} else if prev, ok := next.byIdentity[e.Identity]; ok {
			panic(fmt.Sprintf("duplicate identity %d (paths %q and %q)",
				e.Identity, next.entries[prev].Path, e.Path))
		}
		next.byIdentity[e.Identity] = i
	}
	return next, diff
}
