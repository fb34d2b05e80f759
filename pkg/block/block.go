package block

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/kevo-io/blockstore/pkg/blockerrors"
)

// Reserved header field indices. Only these five carry meaning to the
// record layer; everything from FieldContentChecksum up is available for
// enrichment as long as header_size leaves room for it.
const (
	FieldNextBlockID        = 0
	FieldRecordLength       = 1
	FieldBlockContentLength = 2
	FieldPreviousBlockID    = 3
	FieldIsDeleted          = 4
	FieldContentChecksum    = 5

	numReservedHeaderFields = 5
)

// writeThroughChunkSize bounds each chunk written directly to the stream
// for the tail of a read/write that falls outside the sector buffer.
const writeThroughChunkSize = 4096

// Block is a fixed-size region of the underlying stream: a header of i64
// fields and an opaque content area. Header mutations are buffered in an
// in-memory sector and only reach the stream when the Block is released.
type Block struct {
	mu sync.Mutex

	id      uint32
	storage *Storage

	sectorBuf []byte
	dirty     bool

	cacheValid [numReservedHeaderFields]bool
	cache      [numReservedHeaderFields]int64

	disposed bool
}

func newBlock(storage *Storage, id uint32, sectorBuf []byte) *Block {
	return &Block{
		id:        id,
		storage:   storage,
		sectorBuf: sectorBuf,
	}
}

// ID returns the block's stable identifier (offset / block size).
func (b *Block) ID() uint32 {
	return b.id
}

func (b *Block) numHeaderFields() int64 {
	return b.storage.headerSize / 8
}

// GetHeader returns the i64 value of the given header field.
func (b *Block) GetHeader(field int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkAlive(); err != nil {
		return 0, err
	}
	if field < 0 || field >= b.numHeaderFields() {
		return 0, fmt.Errorf("blockstore: header field %d: %w", field, blockerrors.ErrBadField)
	}

	if field < numReservedHeaderFields && b.cacheValid[field] {
		return b.cache[field], nil
	}

	value := decodeInt64(b.sectorBuf[field*8 : field*8+8])
	if field < numReservedHeaderFields {
		b.cache[field] = value
		b.cacheValid[field] = true
	}
	return value, nil
}

// SetHeader writes the i64 value of the given header field. The change is
// buffered in memory; it is not flushed to the stream until Release.
func (b *Block) SetHeader(field int64, value int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkAlive(); err != nil {
		return err
	}
	if field < 0 || field >= b.numHeaderFields() {
		return fmt.Errorf("blockstore: header field %d: %w", field, blockerrors.ErrBadField)
	}

	encodeInt64(b.sectorBuf[field*8:field*8+8], value)
	if field < numReservedHeaderFields {
		b.cache[field] = value
		b.cacheValid[field] = true
	}
	b.dirty = true
	return nil
}

// NextBlockID, RecordLength, BlockContentLength, PreviousBlockID and
// IsDeleted are typed convenience accessors over the five reserved fields.

func (b *Block) NextBlockID() (uint32, error) {
	v, err := b.GetHeader(FieldNextBlockID)
	return uint32(v), err
}

func (b *Block) SetNextBlockID(id uint32) error {
	return b.SetHeader(FieldNextBlockID, int64(id))
}

func (b *Block) RecordLength() (int64, error) {
	return b.GetHeader(FieldRecordLength)
}

func (b *Block) SetRecordLength(n int64) error {
	return b.SetHeader(FieldRecordLength, n)
}

func (b *Block) BlockContentLength() (int64, error) {
	return b.GetHeader(FieldBlockContentLength)
}

func (b *Block) SetBlockContentLength(n int64) error {
	return b.SetHeader(FieldBlockContentLength, n)
}

func (b *Block) PreviousBlockID() (uint32, error) {
	v, err := b.GetHeader(FieldPreviousBlockID)
	return uint32(v), err
}

func (b *Block) SetPreviousBlockID(id uint32) error {
	return b.SetHeader(FieldPreviousBlockID, int64(id))
}

func (b *Block) IsDeleted() (bool, error) {
	v, err := b.GetHeader(FieldIsDeleted)
	return v != 0, err
}

func (b *Block) SetIsDeleted(deleted bool) error {
	var v int64
	if deleted {
		v = 1
	}
	return b.SetHeader(FieldIsDeleted, v)
}

// ContentChecksum and SetContentChecksum store/retrieve the optional
// xxhash-64 of a slice of content, enabled by Config.VerifyChecksums. It
// is not one of the record layer's reserved fields.
func (b *Block) ContentChecksum() (uint64, error) {
	v, err := b.GetHeader(FieldContentChecksum)
	return uint64(v), err
}

func (b *Block) SetContentChecksum(sum uint64) error {
	return b.SetHeader(FieldContentChecksum, int64(sum))
}

// ZeroReservedHeaders clears fields 0-4 (and the checksum field), used
// when a free-list block is popped back into service as a fresh record
// block.
func (b *Block) ZeroReservedHeaders() error {
	for f := int64(0); f < numReservedHeaderFields+1; f++ {
		if err := b.SetHeader(f, 0); err != nil {
			return err
		}
	}
	return nil
}

// Read copies count content bytes starting at content offset srcOff into
// dest starting at dstOff.
func (b *Block) Read(dest []byte, dstOff, srcOff, count int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkAlive(); err != nil {
		return err
	}
	contentSize := b.storage.contentSize
	if srcOff < 0 || count < 0 || srcOff+count > contentSize || dstOff < 0 || dstOff+count > int64(len(dest)) {
		return fmt.Errorf("blockstore: read range [%d,%d)+%d: %w", srcOff, srcOff+count, dstOff, blockerrors.ErrOutOfBounds)
	}
	if count == 0 {
		return nil
	}

	sectorContentLen := b.storage.sectorSize - b.storage.headerSize

	if srcOff < sectorContentLen {
		n := count
		if n > sectorContentLen-srcOff {
			n = sectorContentLen - srcOff
		}
		start := b.storage.headerSize + srcOff
		copy(dest[dstOff:dstOff+n], b.sectorBuf[start:start+n])
		srcOff += n
		dstOff += n
		count -= n
	}

	if count == 0 {
		return nil
	}

	absOffset := int64(b.id)*b.storage.blockSize + b.storage.headerSize + srcOff
	if _, err := b.storage.stream.Seek(absOffset, io.SeekStart); err != nil {
		return fmt.Errorf("blockstore: seek: %w", err)
	}
	for count > 0 {
		chunk := count
		if chunk > b.storage.sectorSize {
			chunk = b.storage.sectorSize
		}
		n, err := io.ReadFull(b.storage.stream, dest[dstOff:dstOff+chunk])
		if err != nil {
			return fmt.Errorf("blockstore: read %d bytes at %d: %w", chunk, absOffset, blockerrors.ErrShortRead)
		}
		dstOff += int64(n)
		count -= int64(n)
	}
	return nil
}

// Write copies count content bytes from src starting at srcOff into this
// block's content starting at dstOff.
func (b *Block) Write(src []byte, srcOff, dstOff, count int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkAlive(); err != nil {
		return err
	}
	contentSize := b.storage.contentSize
	if dstOff < 0 || count < 0 || dstOff+count > contentSize || srcOff < 0 || srcOff+count > int64(len(src)) {
		return fmt.Errorf("blockstore: write range [%d,%d)+%d: %w", dstOff, dstOff+count, srcOff, blockerrors.ErrOutOfBounds)
	}
	if count == 0 {
		return nil
	}

	sectorContentLen := b.storage.sectorSize - b.storage.headerSize

	if dstOff < sectorContentLen {
		n := count
		if n > sectorContentLen-dstOff {
			n = sectorContentLen - dstOff
		}
		start := b.storage.headerSize + dstOff
		copy(b.sectorBuf[start:start+n], src[srcOff:srcOff+n])
		b.dirty = true
		srcOff += n
		dstOff += n
		count -= n
	}

	if count == 0 {
		return nil
	}

	absOffset := int64(b.id)*b.storage.blockSize + b.storage.headerSize + dstOff
	if _, err := b.storage.stream.Seek(absOffset, io.SeekStart); err != nil {
		return fmt.Errorf("blockstore: seek: %w", err)
	}
	for count > 0 {
		chunk := count
		if chunk > writeThroughChunkSize {
			chunk = writeThroughChunkSize
		}
		n, err := b.storage.stream.Write(src[srcOff : srcOff+chunk])
		if err != nil {
			return fmt.Errorf("blockstore: write %d bytes at %d: %w", chunk, absOffset, err)
		}
		if err := b.storage.stream.Flush(); err != nil {
			return fmt.Errorf("blockstore: flush: %w", err)
		}
		srcOff += int64(n)
		count -= int64(n)
	}
	return nil
}

// Release flushes any dirty header/content changes and unregisters the
// block from its storage's live-block table. Idempotent.
func (b *Block) Release() error {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return nil
	}

	var flushErr error
	if b.dirty || b.storage.verifyChecksums {
		if b.storage.verifyChecksums {
			sum, err := contentChecksum(b.storage, b.id, b.sectorBuf)
			if err != nil {
				flushErr = err
			} else {
				encodeInt64(b.sectorBuf[FieldContentChecksum*8:FieldContentChecksum*8+8], int64(sum))
			}
		}
		if flushErr == nil {
			flushErr = b.flushSector()
		}
	}
	b.disposed = true
	b.mu.Unlock()

	b.storage.release(b.id)
	return flushErr
}

func (b *Block) flushSector() error {
	absOffset := int64(b.id) * b.storage.blockSize
	if _, err := b.storage.stream.Seek(absOffset, io.SeekStart); err != nil {
		return fmt.Errorf("blockstore: seek: %w", err)
	}
	n, err := b.storage.stream.Write(b.sectorBuf)
	if err != nil {
		return fmt.Errorf("blockstore: write sector: %w", err)
	}
	if n != len(b.sectorBuf) {
		return fmt.Errorf("blockstore: short sector write: wrote %d of %d bytes", n, len(b.sectorBuf))
	}
	if err := b.storage.stream.Flush(); err != nil {
		return fmt.Errorf("blockstore: flush: %w", err)
	}
	b.dirty = false
	return nil
}

func (b *Block) checkAlive() error {
	if b.disposed {
		return fmt.Errorf("blockstore: block %d: %w", b.id, blockerrors.ErrDisposed)
	}
	return nil
}

// contentChecksum computes the xxhash-64 of a block's full content area:
// the part already sitting in sectorBuf plus whatever tail lies beyond the
// sector on the stream. Used to populate FieldContentChecksum on release
// and to verify it on Storage.Get when VerifyChecksums is enabled.
func contentChecksum(s *Storage, id uint32, sectorBuf []byte) (uint64, error) {
	h := xxhash.New()

	sectorContentLen := s.sectorSize - s.headerSize
	h.Write(sectorBuf[s.headerSize : s.headerSize+sectorContentLen])

	tailLen := s.contentSize - sectorContentLen
	if tailLen > 0 {
		absOffset := int64(id)*s.blockSize + s.sectorSize
		if _, err := s.stream.Seek(absOffset, io.SeekStart); err != nil {
			return 0, fmt.Errorf("blockstore: seek: %w", err)
		}
		buf := make([]byte, tailLen)
		if _, err := io.ReadFull(s.stream, buf); err != nil {
			return 0, fmt.Errorf("blockstore: read tail for checksum: %w", blockerrors.ErrShortRead)
		}
		h.Write(buf)
	}

	return h.Sum64(), nil
}

func decodeInt64(buf []byte) int64 {
	return int64(binary.LittleEndian.Uint64(buf))
}

func encodeInt64(buf []byte, v int64) {
	binary.LittleEndian.PutUint64(buf, uint64(v))
}
