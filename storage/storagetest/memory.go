// Package storagetest provides an in-memory storage.Storage fixture which gives
// tests explicit control over inodes, modification times, stat failures, and
// the interleaving of reads with concurrent writers.
package storagetest

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lex00/zed/snapshot"
	"github.com/lex00/zed/storage"
)

// Memory is an in-memory storage.Storage. Paths are absolute and slash-separated.
// Parent directories are created implicitly by writes.
type Memory struct {
	mu        sync.Mutex
	nodes     map[string]*node
	nextInode uint64
	statErrs  map[string]error
	readErrs  map[string]error

	// ReadHook, if set, is invoked by ReadFile after the file content has been
	// captured and before it's returned. Hooks may block, or mutate the Memory
	// to model a writer racing the read.
	ReadHook func(path string)
}

type node struct {
	inode   uint64
	mtime   time.Time
	content []byte
	kind    snapshot.Kind
}

var _ storage.Storage = (*Memory)(nil)

// NewMemory returns a Memory having a single root directory |root|.
func NewMemory(root string) *Memory {
	var m = &Memory{
		nodes:     make(map[string]*node),
		nextInode: 100,
		statErrs:  make(map[string]error),
		readErrs:  make(map[string]error),
	}
	m.mkdirAll(path.Clean(root), time.Unix(0, 0))
	return m
}

// WriteFile writes |content| with modification time |mtime|, preserving the
// inode of an existing file at |p| or allocating a new one.
func (m *Memory) WriteFile(p, content string, mtime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p = path.Clean(p)
	m.mkdirAll(path.Dir(p), mtime)

	if n, ok := m.nodes[p]; ok && n.kind == snapshot.File {
		n.content, n.mtime = []byte(content), mtime
		return
	}
	m.nodes[p] = &node{inode: m.allocInode(), mtime: mtime, content: []byte(content), kind: snapshot.File}
}

// CreateFile creates a file at |p| having the explicit |inode|, replacing any
// existing object. It models inode reuse by the operating system.
func (m *Memory) CreateFile(p, content string, mtime time.Time, inode uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p = path.Clean(p)
	m.mkdirAll(path.Dir(p), mtime)
	m.nodes[p] = &node{inode: inode, mtime: mtime, content: []byte(content), kind: snapshot.File}
}

// Mkdir creates directory |p| and any missing parents.
func (m *Memory) Mkdir(p string, mtime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mkdirAll(path.Clean(p), mtime)
}

// Remove the object at |p|, and all its descendants.
func (m *Memory) Remove(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p = path.Clean(p)
	for k := range m.nodes {
		if k == p || strings.HasPrefix(k, p+"/") {
			delete(m.nodes, k)
		}
	}
}

// Rename |from| to |to|, replacing any object at |to|. Descendants of a
// renamed directory move with it.
func (m *Memory) Rename(from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from, to = path.Clean(from), path.Clean(to)
	if _, ok := m.nodes[from]; !ok {
		panic(fmt.Sprintf("rename of missing path %q", from))
	}
	for k := range m.nodes {
		if k == to || strings.HasPrefix(k, to+"/") {
			delete(m.nodes, k)
		}
	}
	for k, n := range m.nodes {
		if k == from {
			delete(m.nodes, k)
			m.nodes[to] = n
		} else if strings.HasPrefix(k, from+"/") {
			delete(m.nodes, k)
			m.nodes[to+k[len(from):]] = n
		}
	}
}

// Inode returns the inode of the object at |p|, or zero if it doesn't exist.
func (m *Memory) Inode(p string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n, ok := m.nodes[path.Clean(p)]; ok {
		return n.inode
	}
	return 0
}

// SetStatError causes Stat of |p| to fail with |err|. A nil |err| clears it.
func (m *Memory) SetStatError(p string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		delete(m.statErrs, path.Clean(p))
	} else {
		m.statErrs[path.Clean(p)] = err
	}
}

// SetReadError causes ReadFile of |p| to fail with |err|. A nil |err| clears it.
func (m *Memory) SetReadError(p string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		delete(m.readErrs, path.Clean(p))
	} else {
		m.readErrs[path.Clean(p)] = err
	}
}

// Stat implements storage.Storage.
func (m *Memory) Stat(p string) (storage.Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p = path.Clean(p)
	if err, ok := m.statErrs[p]; ok {
		return storage.Metadata{}, &fs.PathError{Op: "stat", Path: p, Err: err}
	}
	var n, ok = m.nodes[p]
	if !ok {
		return storage.Metadata{}, &fs.PathError{Op: "stat", Path: p, Err: fs.ErrNotExist}
	}
	var md = storage.Metadata{Inode: n.inode, ModTime: n.mtime, Kind: n.kind}
	if n.kind != snapshot.Directory {
		md.Size = int64(len(n.content))
	}
	return md, nil
}

// ReadDir implements storage.Storage.
func (m *Memory) ReadDir(p string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p = path.Clean(p)
	if n, ok := m.nodes[p]; !ok {
		return nil, &fs.PathError{Op: "readdir", Path: p, Err: fs.ErrNotExist}
	} else if n.kind != snapshot.Directory {
		return nil, &fs.PathError{Op: "readdir", Path: p, Err: fmt.Errorf("not a directory")}
	}

	var names []string
	for k := range m.nodes {
		if path.Dir(k) == p && k != p {
			names = append(names, path.Base(k))
		}
	}
	sort.Strings(names)
	return names, nil
}

// ReadFile implements storage.Storage.
func (m *Memory) ReadFile(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	p = path.Clean(p)

	var content []byte
	var err error

	if rerr, ok := m.readErrs[p]; ok {
		err = &fs.PathError{Op: "read", Path: p, Err: rerr}
	} else if n, ok := m.nodes[p]; !ok {
		err = &fs.PathError{Op: "read", Path: p, Err: fs.ErrNotExist}
	} else if n.kind == snapshot.Directory {
		err = &fs.PathError{Op: "read", Path: p, Err: fmt.Errorf("is a directory")}
	} else {
		content = append([]byte(nil), n.content...)
	}
	var hook = m.ReadHook
	m.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	return content, err
}

func (m *Memory) mkdirAll(p string, mtime time.Time) {
	for ; ; p = path.Dir(p) {
		if n, ok := m.nodes[p]; ok && n.kind == snapshot.Directory {
			return
		}
		m.nodes[p] = &node{inode: m.allocInode(), mtime: mtime, kind: snapshot.Directory}

		if p == "/" || p == "." {
			return
		}
	}
}

func (m *Memory) allocInode() uint64 {
	m.nextInode++
	return m.nextInode
}
