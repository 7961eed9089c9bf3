package scanner

import (
	"context"
	"syscall"
	"testing"
	"time"

	gc "gopkg.in/check.v1"

	"github.com/lex00/zed/snapshot"
	"github.com/lex00/zed/storage"
	"github.com/lex00/zed/storage/storagetest"
)

type ScannerSuite struct {
	mem *storagetest.Memory
	s   *Scanner
}

var t0 = time.Unix(1500000000, 0)

func (s *ScannerSuite) SetUpTest(c *gc.C) {
	s.mem = storagetest.NewMemory("/work")
	s.mem.WriteFile("/work/a.txt", "aaa", t0)
	s.mem.WriteFile("/work/dir/b.txt", "bb", t0)
	s.mem.WriteFile("/work/.git/HEAD", "ref", t0)
	s.mem.WriteFile("/work/dir/x.swp", "swap", t0)

	s.s = s.newScanner(c, ReuseRemoved)
}

func (s *ScannerSuite) newScanner(c *gc.C, policy Policy) *Scanner {
	var scanner, err = New(Config{
		Root:       "/work",
		Ignore:     []string{"*.swp"},
		ApplyDelay: 50 * time.Millisecond,
		Policy:     policy,
	}, s.mem)
	c.Assert(err, gc.IsNil)
	c.Assert(scanner.Load(context.Background()), gc.IsNil)
	return scanner
}

func (s *ScannerSuite) lookup(c *gc.C, p string) snapshot.Entry {
	var e, ok = s.s.Snapshot().Lookup(p)
	c.Assert(ok, gc.Equals, true, gc.Commentf("path %s", p))
	return e
}

func (s *ScannerSuite) TestLoadSkipsVCSAndIgnoredPaths(c *gc.C) {
	var snap = s.s.Snapshot()
	c.Check(snap.Version(), gc.Equals, int64(1))

	var paths []string
	var ids = make(map[snapshot.Identity]bool)
	for _, e := range snap.Entries() {
		paths = append(paths, e.Path)
		c.Check(e.Identity, gc.Not(gc.Equals), snapshot.Identity(0))
		ids[e.Identity] = true
	}
	c.Check(paths, gc.DeepEquals, []string{"a.txt", "dir", "dir/b.txt"})
	c.Check(ids, gc.HasLen, 3)
	c.Check(s.lookup(c, "dir").Kind, gc.Equals, snapshot.Directory)
	c.Check(s.lookup(c, "a.txt").Size, gc.Equals, int64(3))
}

func (s *ScannerSuite) TestLoadRequiresDirectoryRoot(c *gc.C) {
	var scanner, err = New(Config{Root: "/work/a.txt"}, s.mem)
	c.Assert(err, gc.IsNil)
	c.Check(scanner.Load(context.Background()), gc.Equals, ErrRootNotDirectory)

	_, err = New(Config{Root: "relative"}, s.mem)
	c.Check(err, gc.ErrorMatches, "root must be an absolute path .*")
	_, err = New(Config{Root: "/work", Ignore: []string{"[bad"}}, s.mem)
	c.Check(err, gc.ErrorMatches, `ignore pattern "\[bad": .*`)
}

func (s *ScannerSuite) TestInPlaceUpdateRetainsIdentity(c *gc.C) {
	var before = s.lookup(c, "a.txt")
	s.mem.WriteFile("/work/a.txt", "aaaa", t0.Add(time.Second))

	var snap, diff = s.s.ProcessBatch([]string{"/work/a.txt", "/work/a.txt"})
	c.Check(snap.Version(), gc.Equals, int64(2))
	c.Assert(diff, gc.HasLen, 1)
	c.Check(diff[0].Old.Identity, gc.Equals, before.Identity)
	c.Check(diff[0].New.Identity, gc.Equals, before.Identity)
	c.Check(diff[0].New.Size, gc.Equals, int64(4))

	// A repeated notification without a change produces an empty Diff.
	snap, diff = s.s.ProcessBatch([]string{"/work/a.txt"})
	c.Check(snap.Version(), gc.Equals, int64(3))
	c.Check(diff, gc.HasLen, 0)
}

func (s *ScannerSuite) TestRenameWithinBatchCarriesIdentity(c *gc.C) {
	var before = s.lookup(c, "a.txt")
	s.mem.Rename("/work/a.txt", "/work/c.txt")

	// The new path is notified before the old one.
	var snap, diff = s.s.ProcessBatch([]string{"/work/c.txt", "/work/a.txt"})
	c.Check(diff, gc.HasLen, 2)

	var e, ok = snap.LookupIdentity(before.Identity)
	c.Check(ok, gc.Equals, true)
	c.Check(e.Path, gc.Equals, "c.txt")
	_, ok = snap.Lookup("a.txt")
	c.Check(ok, gc.Equals, false)
}

func (s *ScannerSuite) TestRenameAcrossBatchesMintsIdentity(c *gc.C) {
	var before = s.lookup(c, "a.txt")
	s.mem.Rename("/work/a.txt", "/work/c.txt")

	s.s.ProcessBatch([]string{"/work/a.txt"})
	var snap, _ = s.s.ProcessBatch([]string{"/work/c.txt"})

	var e, _ = snap.Lookup("c.txt")
	c.Check(e.Identity, gc.Not(gc.Equals), before.Identity)
	_, ok := snap.LookupIdentity(before.Identity)
	c.Check(ok, gc.Equals, false)
}

func (s *ScannerSuite) TestNeverReusePolicyMintsOnRename(c *gc.C) {
	s.s = s.newScanner(c, NeverReuseRemoved)
	var before = s.lookup(c, "a.txt")
	s.mem.Rename("/work/a.txt", "/work/c.txt")

	var snap, _ = s.s.ProcessBatch([]string{"/work/a.txt", "/work/c.txt"})
	var e, _ = snap.Lookup("c.txt")
	c.Check(e.Identity, gc.Not(gc.Equals), before.Identity)
}

func (s *ScannerSuite) TestInodeReuseAttributesStaleIdentity(c *gc.C) {
	var before = s.lookup(c, "a.txt")

	// The OS recycles a.txt's inode for an unrelated file having the same mtime.
	s.mem.Remove("/work/a.txt")
	s.mem.CreateFile("/work/unrelated", "zz", t0, before.Inode)

	var snap, _ = s.s.ProcessBatch([]string{"/work/a.txt", "/work/unrelated"})
	var e, _ = snap.Lookup("unrelated")
	c.Check(e.Identity, gc.Equals, before.Identity) // Known hazard of the heuristic.

	// Under NeverReuseRemoved, it's a new Identity.
	s.SetUpTest(c)
	s.s = s.newScanner(c, NeverReuseRemoved)
	before = s.lookup(c, "a.txt")
	s.mem.Remove("/work/a.txt")
	s.mem.CreateFile("/work/unrelated", "zz", t0, before.Inode)

	snap, _ = s.s.ProcessBatch([]string{"/work/a.txt", "/work/unrelated"})
	e, _ = snap.Lookup("unrelated")
	c.Check(e.Identity, gc.Not(gc.Equals), before.Identity)
}

func (s *ScannerSuite) TestDeleteAndRecreateAtPath(c *gc.C) {
	var before = s.lookup(c, "a.txt")

	// Removal is observed, then the file re-appears with new content but the
	// same modification time. The in-place heuristic isn't available across
	// cycles, and a new Identity is minted.
	s.mem.Remove("/work/a.txt")
	var _, diff = s.s.ProcessBatch([]string{"/work/a.txt"})
	c.Assert(diff, gc.HasLen, 1)
	c.Check(diff[0].New, gc.IsNil)

	s.mem.WriteFile("/work/a.txt", "BB", t0)
	var snap, _ = s.s.ProcessBatch([]string{"/work/a.txt"})
	var e, _ = snap.Lookup("a.txt")
	c.Check(e.Identity, gc.Not(gc.Equals), before.Identity)
	c.Check(e.Size, gc.Equals, int64(2))

	// Within a single cycle, an atomic replace keeps the path's Identity.
	before = e
	s.mem.Remove("/work/a.txt")
	s.mem.WriteFile("/work/a.txt", "CCC", t0)
	snap, _ = s.s.ProcessBatch([]string{"/work/a.txt"})
	e, _ = snap.Lookup("a.txt")
	c.Check(e.Identity, gc.Equals, before.Identity)
	c.Check(e.Inode, gc.Not(gc.Equals), before.Inode)
}

func (s *ScannerSuite) TestDirectoryRemovalRemovesDescendants(c *gc.C) {
	s.mem.Remove("/work/dir")

	var snap, diff = s.s.ProcessBatch([]string{"/work/dir"})
	c.Check(diff, gc.HasLen, 2)
	c.Check(snap.Len(), gc.Equals, 1)
}

func (s *ScannerSuite) TestNewDirectoryIsScannedRecursively(c *gc.C) {
	s.mem.WriteFile("/work/new/sub/one", "1", t0)
	s.mem.WriteFile("/work/new/two", "22", t0)
	s.mem.WriteFile("/work/new/.git/config", "x", t0)

	var _, diff = s.s.ProcessBatch([]string{"/work/new"})

	var paths []string
	for _, ch := range diff {
		c.Check(ch.Old, gc.IsNil)
		paths = append(paths, ch.Path)
	}
	c.Check(paths, gc.DeepEquals, []string{"new", "new/sub", "new/sub/one", "new/two"})
}

func (s *ScannerSuite) TestNotifiedDirectoryIsRelisted(c *gc.C) {
	s.mem.WriteFile("/work/dir/c.txt", "c", t0)
	s.mem.Remove("/work/dir/b.txt")

	var _, diff = s.s.ProcessBatch([]string{"/work/dir"})
	c.Assert(diff, gc.HasLen, 2)
	c.Check(diff[0].Path, gc.Equals, "dir/b.txt")
	c.Check(diff[0].New, gc.IsNil)
	c.Check(diff[1].Path, gc.Equals, "dir/c.txt")
	c.Check(diff[1].Old, gc.IsNil)

	// Notification of the root re-lists it.
	s.mem.WriteFile("/work/top", "t", t0)
	_, diff = s.s.ProcessBatch([]string{"/work"})
	c.Assert(diff, gc.HasLen, 1)
	c.Check(diff[0].Path, gc.Equals, "top")
}

func (s *ScannerSuite) TestDirectoryReplacedByFile(c *gc.C) {
	s.mem.Remove("/work/dir")
	s.mem.WriteFile("/work/dir", "now a file", t0)

	var snap, diff = s.s.ProcessBatch([]string{"/work/dir"})
	c.Check(diff, gc.HasLen, 2)

	var e, _ = snap.Lookup("dir")
	c.Check(e.Kind, gc.Equals, snapshot.File)
	c.Check(snap.Descendants("dir"), gc.HasLen, 0)
}

func (s *ScannerSuite) TestStatErrorRetainsPriorEntry(c *gc.C) {
	var before = s.lookup(c, "a.txt")
	s.mem.WriteFile("/work/a.txt", "changed", t0.Add(time.Second))
	s.mem.SetStatError("/work/a.txt", syscall.EACCES)

	var _, diff = s.s.ProcessBatch([]string{"/work/a.txt"})
	c.Check(diff, gc.HasLen, 0)
	c.Check(s.lookup(c, "a.txt"), gc.DeepEquals, before)

	// The next notification retries.
	s.mem.SetStatError("/work/a.txt", nil)
	_, diff = s.s.ProcessBatch([]string{"/work/a.txt"})
	c.Assert(diff, gc.HasLen, 1)
	c.Check(diff[0].New.Size, gc.Equals, int64(7))
}

func (s *ScannerSuite) TestFilteredPathsNeverAppearInDiff(c *gc.C) {
	s.mem.WriteFile("/elsewhere/x", "x", t0)
	s.mem.WriteFile("/work/.git/index", "i", t0)
	s.mem.WriteFile("/work/dir/y.swp", "y", t0)

	var snap, diff = s.s.ProcessBatch([]string{
		"/elsewhere/x",
		"/work/../elsewhere/x",
		"/work/.git/index",
		"/work/dir/y.swp",
	})
	c.Check(diff, gc.HasLen, 0)
	c.Check(snap.Version(), gc.Equals, int64(2))
}

func (s *ScannerSuite) TestSkipMatchesAncestors(c *gc.C) {
	c.Check(s.s.skip(".git"), gc.Equals, "vcs")
	c.Check(s.s.skip("sub/.hg/store"), gc.Equals, "vcs")
	c.Check(s.s.skip("dir/x.swp"), gc.Equals, "ignored")
	c.Check(s.s.skip("x.swp/child"), gc.Equals, "ignored")
	c.Check(s.s.skip("dir/b.txt"), gc.Equals, "")

	c.Check(s.s.Ignored("/work"), gc.Equals, false)
	c.Check(s.s.Ignored("/work/dir/b.txt"), gc.Equals, false)
	c.Check(s.s.Ignored("/work/.git"), gc.Equals, true)
	c.Check(s.s.Ignored("/work/dir/x.swp"), gc.Equals, true)
	c.Check(s.s.Ignored("/elsewhere"), gc.Equals, true)
}

func (s *ScannerSuite) TestObserversAndVersionWaits(c *gc.C) {
	var observed []snapshot.Diff
	s.s.Observe(func(snap *snapshot.Snapshot, diff snapshot.Diff) {
		observed = append(observed, diff)
	})
	var update = s.s.Update()

	s.mem.WriteFile("/work/a.txt", "new", t0.Add(time.Second))
	s.s.ProcessBatch([]string{"/work/a.txt"})

	<-update // Signalled.
	c.Check(observed, gc.HasLen, 1)
	c.Check(observed[0], gc.HasLen, 1)
	c.Check(s.s.WaitForVersion(context.Background(), 2), gc.IsNil)

	var ctx, cancel = context.WithCancel(context.Background())
	cancel()
	c.Check(s.s.WaitForVersion(ctx, 100), gc.Equals, context.Canceled)
}

func (s *ScannerSuite) TestServeCoalescesBatches(c *gc.C) {
	var batches = make(chan []string)
	var done = make(chan error)
	go func() { done <- s.s.Serve(context.Background(), batches) }()

	s.mem.WriteFile("/work/a.txt", "1111", t0.Add(time.Second))
	s.mem.WriteFile("/work/dir/b.txt", "22222", t0.Add(time.Second))

	batches <- []string{"/work/a.txt"}
	batches <- []string{"/work/dir/b.txt"}

	c.Check(s.s.WaitForVersion(context.Background(), 2), gc.IsNil)
	close(batches)
	c.Check(<-done, gc.IsNil)

	// Both batches were applied by a single cycle.
	c.Check(s.s.Snapshot().Version(), gc.Equals, int64(2))
	c.Check(s.lookup(c, "a.txt").Size, gc.Equals, int64(4))
	c.Check(s.lookup(c, "dir/b.txt").Size, gc.Equals, int64(5))

	// Serve returns on context cancellation.
	var ctx, cancel = context.WithCancel(context.Background())
	cancel()
	c.Check(s.s.Serve(ctx, make(chan []string)), gc.Equals, context.Canceled)
}

func (s *ScannerSuite) TestIdentityAssignerPolicy(c *gc.C) {
	var b = snapshot.NewBuilder(snapshot.Empty("/work"))
	b.Put(snapshot.Entry{Path: "p", Identity: 5, Inode: 50, ModTime: t0})
	var prev, _ = b.Build()

	var a = IdentityAssigner{Policy: ReuseRemoved}
	a.observe(prev)

	var pool = newRemovedPool()
	pool.Add(snapshot.Entry{Path: "gone", Identity: 3, Inode: 30, ModTime: t0})

	// Same inode, but neither mtime nor path match: not reused.
	c.Check(a.Assign(pool, prev, "q", storage.Metadata{Inode: 30, ModTime: t0.Add(time.Second)}),
		gc.Equals, snapshot.Identity(6))
	c.Check(pool.Len(), gc.Equals, 1)
	// Same inode and mtime: reused, and taken from the pool.
	c.Check(a.Assign(pool, prev, "r", storage.Metadata{Inode: 30, ModTime: t0}), gc.Equals, snapshot.Identity(3))
	c.Check(pool.Len(), gc.Equals, 0)
	// In-place update.
	c.Check(a.Assign(pool, prev, "p", storage.Metadata{Inode: 51}), gc.Equals, snapshot.Identity(5))
	// An Identity is never handed out twice within a cycle.
	c.Check(a.Assign(pool, prev, "p", storage.Metadata{Inode: 51}), gc.Equals, snapshot.Identity(7))
}

var _ = gc.Suite(&ScannerSuite{})

func Test(t *testing.T) { gc.TestingT(t) }
