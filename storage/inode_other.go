//go:build !unix

package storage

import "os"

// Inodes aren't available, and identity assignment falls back to path equality.
func inodeOf(os.FileInfo) uint64 { return 0 }

func isNotDir(error) bool { return false }
