// Package snapshot produces integrity-checked, point-in-time copies of a live
// automation database and stores them as retained backup artifacts. A copy
// that fails the engine's own consistency check is deleted, never kept.
package snapshot

import "errors"

// Standard snapshot error types.
var (
	// ErrSnapshotCorrupt indicates the post-copy consistency check failed.
	// The partial artifact has already been deleted when this is returned.
	ErrSnapshotCorrupt = errors.New("snapshot failed integrity check")

	// ErrOwnerStillRunning indicates the process owning an embedded database
	// could not be stopped. Copying a live single-file database risks
	// write-ahead-log split-brain, so the snapshot aborts before copying.
	ErrOwnerStillRunning = errors.New("database owner process still running")

	// ErrArtifactMissing indicates a backup artifact disappeared between
	// creation and verification.
	ErrArtifactMissing = errors.New("backup artifact missing")
)
