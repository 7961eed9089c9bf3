// Package snapshot models an immutable, versioned tree of filesystem Entries,
// and the Diff between successive versions. Snapshots are produced by a
// Builder, which copies unmodified Entries of its base in a single ordered pass.
package snapshot
