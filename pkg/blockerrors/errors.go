// Package blockerrors defines the sentinel error kinds shared by the block
// and record layers. Callers discriminate with errors.Is; implementations
// wrap a sentinel with fmt.Errorf("...: %w", ...) to attach context.
package blockerrors

import "errors"

var (
	// ErrBadArgument is returned for null/invalid parameters, e.g. Create(nil) generator.
	ErrBadArgument = errors.New("blockstore: bad argument")

	// ErrDisposed is returned for any operation on a released Block.
	ErrDisposed = errors.New("blockstore: block is disposed")

	// ErrBadField is returned when a header field index is out of range.
	ErrBadField = errors.New("blockstore: bad header field")

	// ErrOutOfBounds is returned when a read/write range exceeds block content or buffer bounds.
	ErrOutOfBounds = errors.New("blockstore: out of bounds")

	// ErrMisalignedStorage is returned when the stream length is not a multiple of block size.
	ErrMisalignedStorage = errors.New("blockstore: misaligned storage")

	// ErrMisalignedFreeList is returned when a free-list block's content length is not a multiple of 4.
	ErrMisalignedFreeList = errors.New("blockstore: misaligned free list")

	// ErrEmptyFreeList is returned when a pop is attempted against a block that should be non-empty.
	ErrEmptyFreeList = errors.New("blockstore: empty free list")

	// ErrOversizedRecord is returned when a record's declared length exceeds the 4 MiB maximum.
	ErrOversizedRecord = errors.New("blockstore: oversized record")

	// ErrBrokenChain is returned for a dangling next pointer or a deleted block on a live chain.
	ErrBrokenChain = errors.New("blockstore: broken chain")

	// ErrAllocationFailed is returned when the block layer could not create a new block.
	ErrAllocationFailed = errors.New("blockstore: allocation failed")

	// ErrShortRead is returned when the underlying stream hits EOF mid-read.
	ErrShortRead = errors.New("blockstore: short read")

	// ErrChecksumMismatch is returned when a block's stored content checksum
	// (header field 5) does not match the recomputed xxhash of its content.
	// This is an enrichment over the spec's error kinds, not a substitute
	// for any of them; it only fires when Config.VerifyChecksums is set.
	ErrChecksumMismatch = errors.New("blockstore: checksum mismatch")
)

// sentinels lists every error kind Kind recognizes, most specific first.
var sentinels = []error{
	ErrBadArgument,
	ErrDisposed,
	ErrBadField,
	ErrOutOfBounds,
	ErrMisalignedStorage,
	ErrMisalignedFreeList,
	ErrEmptyFreeList,
	ErrOversizedRecord,
	ErrBrokenChain,
	ErrAllocationFailed,
	ErrShortRead,
	ErrChecksumMismatch,
}

// Kind returns a short, stable label for err's sentinel kind, or "other"
// when err does not wrap one of the kinds this package defines. Intended
// for tagging metrics and logs, not for control flow.
func Kind(err error) string {
	for _, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "other"
}
