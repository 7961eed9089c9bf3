package scanner

import (
	"github.com/lex00/zed/snapshot"
	"github.com/lex00/zed/storage"
)

// Policy selects how an IdentityAssigner treats paths removed in a scan cycle.
type Policy int

const (
	// ReuseRemoved re-attaches the Identity of an Entry removed in the current
	// cycle to a new path having the same inode, if the new path also has the
	// same modification time or is the very same path (a rename, or a delete
	// and re-create which the filesystem happened to give the same inode).
	ReuseRemoved Policy = iota
	// NeverReuseRemoved always mints a new Identity for a path observed after
	// its removal, leaving re-association of documents to path lookups.
	NeverReuseRemoved
)

// RemovedPool is the multiset of Entries removed during a single scan cycle,
// keyed on inode. A RemovedPool lives only for the duration of one cycle.
type RemovedPool struct {
	byInode map[uint64][]snapshot.Entry
	paths   map[string]struct{}
}

func newRemovedPool() *RemovedPool {
	return &RemovedPool{
		byInode: make(map[uint64][]snapshot.Entry),
		paths:   make(map[string]struct{}),
	}
}

// Add a removed Entry to the pool.
func (p *RemovedPool) Add(e snapshot.Entry) {
	p.byInode[e.Inode] = append(p.byInode[e.Inode], e)
	p.paths[e.Path] = struct{}{}
}

// Len is the number of Entries remaining in the pool.
func (p *RemovedPool) Len() (n int) {
	for _, v := range p.byInode {
		n += len(v)
	}
	return
}

// take removes and returns the first pooled Entry of |inode| for which
// |match| is true.
func (p *RemovedPool) take(inode uint64, match func(snapshot.Entry) bool) (snapshot.Entry, bool) {
	var entries = p.byInode[inode]
	for i, e := range entries {
		if match(e) {
			p.byInode[inode] = append(entries[:i:i], entries[i+1:]...)
			return e, true
		}
	}
	return snapshot.Entry{}, false
}

// IdentityAssigner maps a freshly observed path to an Identity. Identity reuse
// is a heuristic: inode reuse by the OS may attribute a stale Identity to an
// unrelated file, and coarse modification times may hide a re-create. Consumers
// must not rely on Identity alone to decide whether content changed.
type IdentityAssigner struct {
	Policy Policy

	last    snapshot.Identity
	claimed map[snapshot.Identity]struct{}
}

// begin a scan cycle. Identities handed out within a cycle are unique.
func (a *IdentityAssigner) begin() { a.claimed = make(map[snapshot.Identity]struct{}) }

// end a scan cycle.
func (a *IdentityAssigner) end() { a.claimed = nil }

// Assign returns the Identity of |path| having metadata |md|. |prev| is the
// Snapshot over which the current cycle is being built, and |pool| holds the
// Entries removed so far within the cycle.
func (a *IdentityAssigner) Assign(pool *RemovedPool, prev *snapshot.Snapshot, path string, md storage.Metadata) snapshot.Identity {
	if a.claimed == nil {
		a.begin()
	}
	var _, removedHere = pool.paths[path]

	if a.Policy == ReuseRemoved {
		if e, ok := pool.take(md.Inode, func(e snapshot.Entry) bool {
			return md.Inode != 0 && (e.ModTime.Equal(md.ModTime) || e.Path == path)
		}); ok && a.claim(e.Identity) {
			return e.Identity
		}
	}
	if e, ok := prev.Lookup(path); ok && !(removedHere && a.Policy == NeverReuseRemoved) {
		if a.claim(e.Identity) {
			return e.Identity
		}
	}
	return a.mint()
}

func (a *IdentityAssigner) claim(id snapshot.Identity) bool {
	if _, ok := a.claimed[id]; ok || id == 0 {
		return false
	}
	a.claimed[id] = struct{}{}
	return true
}

func (a *IdentityAssigner) mint() snapshot.Identity {
	a.last++
	a.claimed[a.last] = struct{}{}
	return a.last
}

// observe notes Identities of a loaded Snapshot, so minted Identities never collide.
func (a *IdentityAssigner) observe(s *snapshot.Snapshot) {
	for _, e := range s.Entries() {
		if e.Identity > a.last {
			a.last = e.Identity
		}
	}
}
