// Package block implements the block layer of the disk-backed record
// store: it partitions a seekable byte stream into fixed-size blocks, each
// carrying a small header of i64 fields and an opaque content area, and
// gives random access to blocks by id with write-behind of header changes.
package block

import (
	"fmt"
	"io"
	"sync"

	"github.com/kevo-io/blockstore/pkg/blockerrors"
	"github.com/kevo-io/blockstore/pkg/common/log"
)

const (
	// DefaultBlockSize is the block size used when a Storage is
	// constructed without an explicit override.
	DefaultBlockSize = 40960

	// DefaultHeaderSize is the header size used when a Storage is
	// constructed without an explicit override. 48 bytes holds six i64
	// fields, the minimum the record layer requires.
	DefaultHeaderSize = 48

	// MinHeaderSize is the smallest header_size the record layer can work
	// with: five reserved fields plus the checksum enrichment field.
	MinHeaderSize = 48

	// MinBlockSize is the smallest block_size Storage accepts.
	MinBlockSize = 128

	largeSectorSize = 4096
	smallSectorSize = 128
	largeSectorCutoff = 4096
)

// liveEntry is a reference-counted slot in the live-block table. A second
// Get for an id already live returns the same *Block so header edits made
// by one observer are visible to the other before either releases.
type liveEntry struct {
	block    *Block
	refCount int
}

// Storage partitions a Stream into fixed-size blocks and hands out Block
// references by id, keeping a live-block table so concurrent references
// to the same id share state.
type Storage struct {
	mu sync.Mutex

	stream     Stream
	blockSize  int64
	headerSize int64
	contentSize int64
	sectorSize int64

	verifyChecksums bool

	live map[uint32]*liveEntry

	log log.Logger
}

// Option configures a Storage at construction time.
type Option func(*Storage)

// WithHeaderSize overrides the default header size (must be < block size).
func WithHeaderSize(headerSize int64) Option {
	return func(s *Storage) { s.headerSize = headerSize }
}

// WithVerifyChecksums enables the optional content-checksum enrichment
// described in SPEC_FULL.md section C.
func WithVerifyChecksums(enabled bool) Option {
	return func(s *Storage) { s.verifyChecksums = enabled }
}

// WithLogger attaches a structured logger; defaults to a no-op logger.
func WithLogger(logger log.Logger) Option {
	return func(s *Storage) { s.log = logger }
}

// New constructs a Storage over stream with the given block size (0 means
// DefaultBlockSize) and the options applied.
func New(stream Stream, blockSize int64, opts ...Option) (*Storage, error) {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	if blockSize < MinBlockSize {
		return nil, fmt.Errorf("blockstore: block size %d below minimum %d: %w", blockSize, MinBlockSize, blockerrors.ErrBadArgument)
	}

	s := &Storage{
		stream:     stream,
		blockSize:  blockSize,
		headerSize: DefaultHeaderSize,
		live:       make(map[uint32]*liveEntry),
		log:        log.NewNoop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.headerSize < MinHeaderSize {
		return nil, fmt.Errorf("blockstore: header size %d below minimum %d: %w", s.headerSize, MinHeaderSize, blockerrors.ErrBadArgument)
	}
	if s.headerSize >= s.blockSize {
		return nil, fmt.Errorf("blockstore: header size %d must be less than block size %d: %w", s.headerSize, s.blockSize, blockerrors.ErrBadArgument)
	}

	s.contentSize = s.blockSize - s.headerSize
	if s.blockSize >= largeSectorCutoff {
		s.sectorSize = largeSectorSize
	} else {
		s.sectorSize = smallSectorSize
	}
	if s.headerSize > s.sectorSize {
		return nil, fmt.Errorf("blockstore: header size %d exceeds sector size %d: %w", s.headerSize, s.sectorSize, blockerrors.ErrBadArgument)
	}

	return s, nil
}

// BlockSize, HeaderSize, ContentSize and SectorSize report the storage's
// derived layout parameters.
func (s *Storage) BlockSize() int64   { return s.blockSize }
func (s *Storage) HeaderSize() int64  { return s.headerSize }
func (s *Storage) ContentSize() int64 { return s.contentSize }
func (s *Storage) SectorSize() int64  { return s.sectorSize }

// Get returns the block with the given id, or (nil, nil) if the stream is
// not yet long enough to contain it. A concurrently live reference to the
// same id is returned as-is so header edits stay coherent.
func (s *Storage) Get(id uint32) (*Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.live[id]; ok {
		entry.refCount++
		return entry.block, nil
	}

	length, err := s.stream.Length()
	if err != nil {
		return nil, fmt.Errorf("blockstore: length: %w", err)
	}
	if (int64(id)+1)*s.blockSize > length {
		return nil, nil
	}

	sectorBuf := make([]byte, s.sectorSize)
	if _, err := s.stream.Seek(int64(id)*s.blockSize, io.SeekStart); err != nil {
		return nil, fmt.Errorf("blockstore: seek: %w", err)
	}
	if _, err := io.ReadFull(s.stream, sectorBuf); err != nil {
		return nil, fmt.Errorf("blockstore: read block %d sector: %w", id, blockerrors.ErrShortRead)
	}

	if s.verifyChecksums {
		stored := decodeInt64(sectorBuf[FieldContentChecksum*8 : FieldContentChecksum*8+8])
		computed, err := contentChecksum(s, id, sectorBuf)
		if err != nil {
			return nil, err
		}
		if uint64(stored) != computed {
			return nil, fmt.Errorf("blockstore: block %d: %w", id, blockerrors.ErrChecksumMismatch)
		}
	}

	blk := newBlock(s, id, sectorBuf)
	s.live[id] = &liveEntry{block: blk, refCount: 1}
	return blk, nil
}

// CreateNew grows the stream by one block, assigns it the next sequential
// id, and returns a freshly zeroed Block. The stream length must already
// be an exact multiple of block size.
func (s *Storage) CreateNew() (*Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	length, err := s.stream.Length()
	if err != nil {
		return nil, fmt.Errorf("blockstore: length: %w", err)
	}
	if length%s.blockSize != 0 {
		return nil, fmt.Errorf("blockstore: stream length %d not a multiple of block size %d: %w", length, s.blockSize, blockerrors.ErrMisalignedStorage)
	}

	id := uint32(length / s.blockSize)
	if err := s.stream.SetLength(length + s.blockSize); err != nil {
		return nil, fmt.Errorf("blockstore: grow stream: %w", err)
	}
	if err := s.stream.Flush(); err != nil {
		return nil, fmt.Errorf("blockstore: flush: %w", err)
	}

	sectorBuf := make([]byte, s.sectorSize)
	blk := newBlock(s, id, sectorBuf)
	s.live[id] = &liveEntry{block: blk, refCount: 1}

	s.log.Debug("created block %d (stream now %d bytes)", id, length+s.blockSize)
	return blk, nil
}

// release decrements the live-block table's refcount for id, removing the
// entry once the last reference has been released. Called by Block.Release.
func (s *Storage) release(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.live[id]
	if !ok {
		return
	}
	entry.refCount--
	if entry.refCount <= 0 {
		delete(s.live, id)
	}
}

// VerifyChecksums reports whether the optional content-checksum
// enrichment is active for this storage.
func (s *Storage) VerifyChecksums() bool {
	return s.verifyChecksums
}
