package snapshot

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

// Identity is an opaque handle which tracks "the same logical file" across
// incremental updates of a Snapshot, including renames. Identities are assigned
// heuristically and are not guaranteed to survive a delete and re-create.
// The zero Identity is never assigned.
type Identity uint64

// Kind of a filesystem object.
type Kind int

const (
	File Kind = iota
	Directory
	Symlink
)

func (k Kind) String() string {
	switch k {
	case File:
		return "file"
	case Directory:
		return "dir"
	case Symlink:
		return "symlink"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Entry is the last observed metadata of a single filesystem object.
type Entry struct {
	// Path of the object, relative to the Snapshot Root. Paths are cleaned,
	// slash-separated, and never have a leading "/" or "./".
	Path     string
	Identity Identity
	Inode    uint64
	ModTime  time.Time
	Size     int64
	Kind     Kind
}

// Equal returns true if |e| and |other| describe the same observation.
func (e Entry) Equal(other Entry) bool {
	return e.Path == other.Path &&
		e.Identity == other.Identity &&
		e.Inode == other.Inode &&
		e.ModTime.Equal(other.ModTime) &&
		e.Size == other.Size &&
		e.Kind == other.Kind
}

// CleanPath normalizes a relative, slash-separated path. The empty string
// (or ".") denotes the Snapshot Root.
func CleanPath(p string) string {
	p = path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	return strings.TrimPrefix(p, "/")
}

// Parent returns the parent directory of |p|, or "" if |p| is a child of the root.
func Parent(p string) string {
	if i := strings.LastIndexByte(p, '/'); i != -1 {
		return p[:i]
	}
	return ""
}

// Entries is a collection of Entry naturally ordered on Path.
type Entries []Entry

// Search returns the index at which |p| is found to be present,
// or should be inserted to maintain ordering.
func (e Entries) Search(p string) (ind int, found bool) {
	ind = sort.Search(len(e), func(i int) bool {
		return p <= e[i].Path
	})
	found = ind != len(e) && e[ind].Path == p
	return
}

// Range returns the sub-slice of Entries spanning paths [from, to).
func (e Entries) Range(from, to string) Entries {
	var ind, _ = e.Search(from)
	var tmp = e[ind:]

	ind, _ = tmp.Search(to)
	return tmp[:ind]
}

// Descendants returns the sub-slice of Entries strictly beneath directory |dir|.
// An empty |dir| returns all Entries.
func (e Entries) Descendants(dir string) Entries {
	if dir == "" {
		return e
	}
	// '0' is the byte following '/', so [dir/, dir0) spans exactly dir's subtree.
	return e.Range(dir+"/", dir+"0")
}

// Copy returns a copy of the Entries.
func (e Entries) Copy() Entries {
	return append(Entries(nil), e...)
}
