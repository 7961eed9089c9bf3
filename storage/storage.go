// Package storage abstracts the filesystem operations consumed by the scanner
// and by document reloads: synchronous Stat and ReadDir, and cancellable reads.
package storage

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/spf13/afero"

	"github.com/lex00/zed/snapshot"
)

// Metadata is the result of a successful Stat.
type Metadata struct {
	Inode   uint64
	ModTime time.Time
	Size    int64
	Kind    snapshot.Kind
}

// Matches returns true if |md| is the same observation as Entry |e|
// (ignoring the Entry's Identity and Path).
func (md Metadata) Matches(e snapshot.Entry) bool {
	return md.Inode == e.Inode && md.ModTime.Equal(e.ModTime) && md.Size == e.Size && md.Kind == e.Kind
}

// Storage is the filesystem as observed by this module. All paths are absolute.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Stat the object at |path| without following a final symlink.
	// A missing object returns an error for which IsNotFound is true.
	Stat(path string) (Metadata, error)
	// ReadDir returns the sorted base names of the directory's children.
	ReadDir(path string) ([]string, error)
	// ReadFile returns the full content of the file at |path|.
	ReadFile(ctx context.Context, path string) ([]byte, error)
}

// IsNotFound returns whether |err| indicates the path doesn't exist.
// A path traversing a non-directory is also reported as not found.
func IsNotFound(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || isNotDir(err)
}

// AferoStorage is a Storage over an afero.Fs.
type AferoStorage struct {
	afero.Fs
}

// NewOSStorage returns a Storage of the local operating system filesystem.
func NewOSStorage() AferoStorage { return AferoStorage{Fs: afero.NewOsFs()} }

// Stat implements Storage.
func (s AferoStorage) Stat(path string) (Metadata, error) {
	var info os.FileInfo
	var err error

	if l, ok := s.Fs.(afero.Lstater); ok {
		info, _, err = l.LstatIfPossible(path)
	} else {
		info, err = s.Fs.Stat(path)
	}
	if err != nil {
		return Metadata{}, err
	}

	var md = Metadata{
		Inode:   inodeOf(info),
		ModTime: info.ModTime(),
		Size:    info.Size(),
		Kind:    snapshot.File,
	}
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		md.Kind = snapshot.Symlink
	case info.IsDir():
		md.Kind, md.Size = snapshot.Directory, 0
	}
	return md, nil
}

// ReadDir implements Storage.
func (s AferoStorage) ReadDir(path string) ([]string, error) {
	var f, err = s.Fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// ReadFile implements Storage. The read itself isn't interruptible, but a
// cancelled |ctx| is checked before the read begins.
func (s AferoStorage) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return afero.ReadFile(s.Fs, path)
}
