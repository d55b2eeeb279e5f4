package btreedir

import "errors"

// --- Error Definitions ---

var (
	// ErrCorruptedDirectory is returned whenever an on-disk invariant of the
	// directory stream is violated: a short read, a bad node flag, an
	// out-of-range page reference, a traversal deeper than the depth bound,
	// broken free-list linkage, or a parent mismatch in the node cache.
	// The engine never repairs corruption; callers must discard the
	// directory instance.
	ErrCorruptedDirectory = errors.New("directory stream is corrupted")

	// ErrNameTooLong is returned when an external filename exceeds
	// MaxFilenameLength.
	ErrNameTooLong = errors.New("filename too long")

	// ErrOutOfRange indicates an internal index past the end of a node's
	// entries or children. It is a programming error, not a data error.
	ErrOutOfRange = errors.New("index out of range")

	// ErrIO wraps errors from the underlying paged stream.
	ErrIO = errors.New("i/o error")

	// ErrBlockSizeTooSmall is returned when the configured block size
	// cannot hold a node with the minimum supported fan-out.
	ErrBlockSizeTooSmall = errors.New("block size too small for btree node")
)
