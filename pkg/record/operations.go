package record

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kevo-io/blockstore/pkg/block"
	"github.com/kevo-io/blockstore/pkg/blockerrors"
	"github.com/kevo-io/blockstore/pkg/stats"
	"github.com/kevo-io/blockstore/pkg/telemetry"
)

// Create allocates a single empty record and returns its id. The allocated
// block has all reserved headers zero, so the record it names has length 0.
func (r *RecordStorage) Create(ctx context.Context) (uint32, error) {
	return r.CreateFunc(ctx, func(uint32) ([]byte, error) { return nil, nil })
}

// CreateData allocates a record and fills it with data.
func (r *RecordStorage) CreateData(ctx context.Context, data []byte) (uint32, error) {
	return r.CreateFunc(ctx, func(uint32) ([]byte, error) { return data, nil })
}

// CreateFunc allocates a record's head block, hands its id to gen, and
// writes whatever bytes gen returns as the record's content. This lets a
// caller embed a freshly assigned id inside the record it is about to
// write.
func (r *RecordStorage) CreateFunc(ctx context.Context, gen func(id uint32) ([]byte, error)) (recordID uint32, err error) {
	start := time.Now()
	ctx, end := r.startSpan(ctx, "record.create")
	defer end()

	defer func() {
		status := telemetry.StatusSuccess
		if err != nil {
			status = telemetry.StatusError
			r.stats.TrackError(fmt.Sprintf("create:%v", blockerrors.Kind(err)))
			r.log.Error("record create failed: %v", err)
		}
		r.stats.TrackOperationWithLatency(stats.OpCreate, uint64(time.Since(start).Nanoseconds()))
		telemetry.RecordDuration(ctx, r.tel, "record.create.duration", start,
			attribute.String(telemetry.AttrOperationType, telemetry.OpTypeCreate),
			attribute.String(telemetry.AttrStatus, status))
	}()

	head, err := r.allocateBlock()
	if err != nil {
		return 0, err
	}
	headID := head.ID()

	data, genErr := gen(headID)
	if genErr != nil {
		head.Release()
		return 0, genErr
	}
	if int64(len(data)) > MaxRecordSize {
		head.Release()
		return 0, fmt.Errorf("record: create: length %d: %w", len(data), blockerrors.ErrOversizedRecord)
	}

	if err := head.SetRecordLength(int64(len(data))); err != nil {
		head.Release()
		return 0, err
	}

	if len(data) == 0 {
		if err := head.Release(); err != nil {
			return 0, err
		}
		return headID, nil
	}

	contentSize := r.storage.ContentSize()
	current := head
	var offset int64
	for {
		remaining := int64(len(data)) - offset
		n := remaining
		if n > contentSize {
			n = contentSize
		}
		if err := current.Write(data[offset:offset+n], 0, 0, n); err != nil {
			current.Release()
			return 0, err
		}
		if err := current.SetBlockContentLength(n); err != nil {
			current.Release()
			return 0, err
		}
		offset += n

		if offset >= int64(len(data)) {
			if err := current.Release(); err != nil {
				return 0, err
			}
			break
		}

		next, err := r.allocateBlock()
		if err != nil {
			current.Release()
			return 0, err
		}
		if err := current.SetNextBlockID(next.ID()); err != nil {
			current.Release()
			next.Release()
			return 0, err
		}
		if err := next.SetPreviousBlockID(current.ID()); err != nil {
			current.Release()
			next.Release()
			return 0, err
		}
		if err := current.Release(); err != nil {
			next.Release()
			return 0, err
		}
		current = next
	}

	r.stats.TrackBytes(true, uint64(len(data)))
	telemetry.RecordBytes(ctx, r.tel, "record.bytes_written", int64(len(data)))
	return headID, nil
}

// Get returns a record's content, or (nil, nil) if no live record exists
// under recordID.
func (r *RecordStorage) Get(ctx context.Context, recordID uint32) (data []byte, err error) {
	start := time.Now()
	ctx, end := r.startSpan(ctx, "record.get")
	defer end()

	defer func() {
		status := telemetry.StatusSuccess
		if err != nil {
			status = telemetry.StatusError
			r.stats.TrackError(fmt.Sprintf("get:%v", blockerrors.Kind(err)))
			r.log.Error("record get failed for id %d: %v", recordID, err)
		}
		r.stats.TrackOperationWithLatency(stats.OpGet, uint64(time.Since(start).Nanoseconds()))
		telemetry.RecordDuration(ctx, r.tel, "record.get.duration", start,
			attribute.String(telemetry.AttrOperationType, telemetry.OpTypeGet),
			attribute.String(telemetry.AttrStatus, status))
	}()

	head, err := r.storage.Get(recordID)
	if err != nil {
		return nil, err
	}
	if head == nil {
		return nil, nil
	}

	deleted, err := head.IsDeleted()
	if err != nil {
		head.Release()
		return nil, err
	}
	prev, err := head.PreviousBlockID()
	if err != nil {
		head.Release()
		return nil, err
	}
	if deleted || prev != 0 {
		head.Release()
		return nil, nil
	}

	recLen, err := head.RecordLength()
	if err != nil {
		head.Release()
		return nil, err
	}
	if recLen < 0 || recLen > MaxRecordSize {
		head.Release()
		return nil, fmt.Errorf("record %d: declared length %d: %w", recordID, recLen, blockerrors.ErrOversizedRecord)
	}

	out := make([]byte, recLen)
	var offset int64
	current := head
	contentSize := r.storage.ContentSize()

	for {
		contentLen, err := current.BlockContentLength()
		if err != nil {
			current.Release()
			return nil, err
		}
		if contentLen < 0 || contentLen > contentSize || offset+contentLen > recLen {
			current.Release()
			return nil, fmt.Errorf("record %d: block %d content length %d: %w", recordID, current.ID(), contentLen, blockerrors.ErrBrokenChain)
		}
		if contentLen > 0 {
			if err := current.Read(out[offset:offset+contentLen], 0, 0, contentLen); err != nil {
				current.Release()
				return nil, err
			}
			offset += contentLen
		}

		next, err := current.NextBlockID()
		if err != nil {
			current.Release()
			return nil, err
		}
		if err := current.Release(); err != nil {
			return nil, err
		}
		if next == 0 {
			break
		}

		nextBlk, err := r.storage.Get(next)
		if err != nil {
			return nil, err
		}
		if nextBlk == nil {
			return nil, fmt.Errorf("record %d: missing block %d: %w", recordID, next, blockerrors.ErrBrokenChain)
		}
		current = nextBlk
	}

	if offset != recLen {
		return nil, fmt.Errorf("record %d: chain supplied %d of %d declared bytes: %w", recordID, offset, recLen, blockerrors.ErrBrokenChain)
	}

	r.stats.TrackBytes(false, uint64(len(out)))
	telemetry.RecordBytes(ctx, r.tel, "record.bytes_read", int64(len(out)))
	return out, nil
}

// Exists reports whether recordID names a live, non-deleted record head.
func (r *RecordStorage) Exists(recordID uint32) bool {
	blk, err := r.storage.Get(recordID)
	if err != nil || blk == nil {
		return false
	}
	defer blk.Release()

	deleted, err := blk.IsDeleted()
	if err != nil {
		return false
	}
	prev, err := blk.PreviousBlockID()
	if err != nil {
		return false
	}
	return !deleted && prev == 0
}

// Update rewrites a record's content in place, reusing as many of its
// existing blocks as the new data needs and returning any surplus to the
// free-block queue. If Update fails partway through, every block it
// touched is still released, but the record and free list may be left
// partially updated.
func (r *RecordStorage) Update(ctx context.Context, recordID uint32, data []byte) (err error) {
	start := time.Now()
	ctx, end := r.startSpan(ctx, "record.update")
	defer end()

	defer func() {
		status := telemetry.StatusSuccess
		if err != nil {
			status = telemetry.StatusError
			r.stats.TrackError(fmt.Sprintf("update:%v", blockerrors.Kind(err)))
			r.log.Warn("record update failed for id %d: %v", recordID, err)
		}
		r.stats.TrackOperationWithLatency(stats.OpUpdate, uint64(time.Since(start).Nanoseconds()))
		telemetry.RecordDuration(ctx, r.tel, "record.update.duration", start,
			attribute.String(telemetry.AttrOperationType, telemetry.OpTypeUpdate),
			attribute.String(telemetry.AttrStatus, status))
	}()

	if int64(len(data)) > MaxRecordSize {
		return fmt.Errorf("record %d: update length %d: %w", recordID, len(data), blockerrors.ErrOversizedRecord)
	}

	chain, err := r.getBlocks(recordID)
	if err != nil {
		return err
	}

	contentSize := r.storage.ContentSize()
	neededBlocks := 1
	if len(data) > 0 {
		neededBlocks = int((int64(len(data)) + contentSize - 1) / contentSize)
	}

	working := make([]*block.Block, 0, neededBlocks)
	var predecessor *block.Block
	var opErr error

	for i := 0; i < neededBlocks; i++ {
		var current *block.Block
		if i < len(chain) {
			current = chain[i]
		} else {
			current, opErr = r.allocateBlock()
			if opErr != nil {
				break
			}
		}
		working = append(working, current)

		if predecessor != nil {
			if opErr = predecessor.SetNextBlockID(current.ID()); opErr == nil {
				opErr = current.SetPreviousBlockID(predecessor.ID())
			}
			if opErr != nil {
				break
			}
		}

		offset := int64(i) * contentSize
		remaining := int64(len(data)) - offset
		n := remaining
		if n > contentSize {
			n = contentSize
		}
		if n < 0 {
			n = 0
		}

		if n > 0 {
			if opErr = current.Write(data[offset:offset+n], 0, 0, n); opErr != nil {
				break
			}
		}
		if opErr = current.SetBlockContentLength(n); opErr != nil {
			break
		}
		if opErr = current.SetNextBlockID(0); opErr != nil {
			break
		}
		if i == 0 {
			if opErr = current.SetRecordLength(int64(len(data))); opErr != nil {
				break
			}
		}

		predecessor = current
	}

	var freeErr error
	if opErr == nil {
		for i := neededBlocks; i < len(chain); i++ {
			if err := r.markAsFree(chain[i].ID()); err != nil && freeErr == nil {
				freeErr = err
			}
			if err := chain[i].SetIsDeleted(true); err != nil && freeErr == nil {
				freeErr = err
			}
		}
	}

	releaseSet := make([]*block.Block, 0, len(chain)+len(working))
	releaseSet = append(releaseSet, working...)
	for i := len(working); i < len(chain); i++ {
		releaseSet = append(releaseSet, chain[i])
	}

	releaseErr := releaseAll(releaseSet...)

	switch {
	case opErr != nil:
		return opErr
	case freeErr != nil:
		return freeErr
	default:
		if releaseErr != nil {
			return releaseErr
		}
	}

	r.stats.TrackBytes(true, uint64(len(data)))
	telemetry.RecordBytes(ctx, r.tel, "record.bytes_written", int64(len(data)))
	return nil
}

// Delete marks every block of a record's chain as deleted and returns them
// all to the free-block queue. A chain that breaks before reaching its
// final block (next points at an id that does not exist) fails with
// ErrBrokenChain.
func (r *RecordStorage) Delete(ctx context.Context, recordID uint32) (err error) {
	start := time.Now()
	ctx, end := r.startSpan(ctx, "record.delete")
	defer end()

	defer func() {
		status := telemetry.StatusSuccess
		if err != nil {
			status = telemetry.StatusError
			r.stats.TrackError(fmt.Sprintf("delete:%v", blockerrors.Kind(err)))
			r.log.Warn("record delete failed for id %d: %v", recordID, err)
		}
		r.stats.TrackOperationWithLatency(stats.OpDelete, uint64(time.Since(start).Nanoseconds()))
		telemetry.RecordDuration(ctx, r.tel, "record.delete.duration", start,
			attribute.String(telemetry.AttrOperationType, telemetry.OpTypeDelete),
			attribute.String(telemetry.AttrStatus, status))
	}()

	id := recordID
	for {
		blk, getErr := r.storage.Get(id)
		if getErr != nil {
			return getErr
		}
		if blk == nil {
			return fmt.Errorf("record %d: missing block %d: %w", recordID, id, blockerrors.ErrBrokenChain)
		}

		next, nextErr := blk.NextBlockID()
		if nextErr != nil {
			blk.Release()
			return nextErr
		}

		if freeErr := r.markAsFree(blk.ID()); freeErr != nil {
			blk.Release()
			return freeErr
		}
		if setErr := blk.SetIsDeleted(true); setErr != nil {
			blk.Release()
			return setErr
		}
		if releaseErr := blk.Release(); releaseErr != nil {
			return releaseErr
		}

		if next == 0 {
			break
		}
		id = next
	}

	return nil
}
