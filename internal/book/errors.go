package book

import "errors"

var (
	// ErrStaleUpdate marks a diff already covered by the book. Dropped.
	ErrStaleUpdate = errors.New("stale depth update")
	// ErrSequenceGap marks a diff that does not extend the book contiguously.
	ErrSequenceGap = errors.New("depth sequence gap")
	// ErrCrossedBook marks a best bid at or above the best ask.
	ErrCrossedBook = errors.New("crossed book")
	// ErrPendingOverflow marks the unready buffer exceeding its bound.
	ErrPendingOverflow = errors.New("pending depth buffer overflow")
	// ErrSnapshotFetch wraps failures of the REST snapshot request.
	ErrSnapshotFetch = errors.New("depth snapshot fetch failed")
)
