package buffer

import (
	"fmt"
	"time"

	"github.com/lex00/zed/snapshot"
)

// Handle references a binding of a Store.
type Handle uint64

// DiskState of a bound path.
type DiskState int

const (
	// StatePresent indicates the bound path exists.
	StatePresent DiskState = iota
	// StateDeleted indicates the bound path doesn't exist. The binding remains
	// and resumes if the path re-appears.
	StateDeleted
)

func (s DiskState) String() string {
	switch s {
	case StatePresent:
		return "present"
	case StateDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("DiskState(%d)", int(s))
	}
}

// Document is the caller's in-memory model of a bound file.
type Document interface {
	// SetContent replaces the Document content with bytes loaded from disk.
	// It's invoked while the Store lock is held, and must not call into the Store.
	// If SetContent errors, the load is not committed.
	SetContent(content []byte) error
}

// Baseline is the disk metadata last confirmed to correspond to the content
// of a bound Document.
type Baseline struct {
	Identity snapshot.Identity
	Inode    uint64
	ModTime  time.Time
	Size     int64
	// Checksum is the XXH3 digest of loaded content, or zero if the Baseline
	// was committed by the caller's own save.
	Checksum uint64
}

// matches returns true if Entry |e| is the observation the Baseline was taken from.
func (b Baseline) matches(e snapshot.Entry) bool {
	return b.Identity == e.Identity &&
		b.Inode == e.Inode &&
		b.ModTime.Equal(e.ModTime) &&
		b.Size == e.Size
}

// binding is the association of a Document with a path, and with the
// identity and metadata the Document believes its content corresponds to.
// Bindings are guarded by the Store lock.
type binding struct {
	handle   Handle
	path     string
	identity snapshot.Identity
	state    DiskState
	doc      Document
	holders  int
	dirty    bool

	// baseline is valid only if |hasBaseline|. A deletion invalidates it, so
	// a re-appearing file is always reloaded.
	baseline    Baseline
	hasBaseline bool
	// adopt is set by a CommitSave: the next observation matching the saved
	// ModTime and Size completes the baseline with its Identity and inode.
	adopt bool

	// generation increments with every scheduled reload and with every event
	// which invalidates in-flight reads. A read completing with a prior
	// generation is discarded.
	generation uint64
	// target is the observation of the in-flight reload, if any.
	target *snapshot.Entry
	// conflict is the last observation reported as a conflict, if any.
	conflict *snapshot.Entry
	// verifyAttempt counts consecutive loads which disagreed with the Snapshot.
	verifyAttempt int
}

// Status of a binding.
type Status struct {
	Handle      Handle
	Path        string
	Identity    snapshot.Identity
	State       DiskState
	Dirty       bool
	Baseline    Baseline
	HasBaseline bool
	Generation  uint64
	Reloading   bool
	Conflict    bool
	Holders     int
}

func (b *binding) status() Status {
	return Status{
		Handle:      b.handle,
		Path:        b.path,
		Identity:    b.identity,
		State:       b.state,
		Dirty:       b.dirty,
		Baseline:    b.baseline,
		HasBaseline: b.hasBaseline,
		Generation:  b.generation,
		Reloading:   b.target != nil,
		Conflict:    b.conflict != nil,
		Holders:     b.holders,
	}
}

// sameObservation compares Entries on the fields which the reload gate considers.
func sameObservation(a, b snapshot.Entry) bool {
	return a.Identity == b.Identity && a.Inode == b.Inode && a.ModTime.Equal(b.ModTime) && a.Size == b.Size
}
