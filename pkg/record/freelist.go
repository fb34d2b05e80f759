package record

import (
	"encoding/binary"
	"fmt"

	"github.com/kevo-io/blockstore/pkg/block"
	"github.com/kevo-io/blockstore/pkg/blockerrors"
	"github.com/kevo-io/blockstore/pkg/stats"
)

// releaseAll releases every non-nil block, continuing past individual
// failures and returning the first error encountered, if any.
func releaseAll(blocks ...*block.Block) error {
	var firstErr error
	for _, b := range blocks {
		if b == nil {
			continue
		}
		if err := b.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// getBlocks walks the chain rooted at recordID and returns every block in
// order, each held as a live reference the caller must release. record 0 is
// special: if it does not exist yet, it is created on the spot (bootstrap
// of the free-block queue's sentinel) instead of being treated as a broken
// chain.
func (r *RecordStorage) getBlocks(recordID uint32) ([]*block.Block, error) {
	chain := make([]*block.Block, 0, 1)
	id := recordID

	for i := 0; ; i++ {
		blk, err := r.storage.Get(id)
		if err != nil {
			releaseAll(chain...)
			return nil, err
		}

		if blk == nil {
			if i == 0 && recordID == 0 {
				blk, err = r.storage.CreateNew()
				if err != nil {
					releaseAll(chain...)
					return nil, fmt.Errorf("record: bootstrap block 0: %w", blockerrors.ErrAllocationFailed)
				}
			} else {
				releaseAll(chain...)
				return nil, fmt.Errorf("record: chain from %d missing block %d: %w", recordID, id, blockerrors.ErrBrokenChain)
			}
		} else {
			deleted, err := blk.IsDeleted()
			if err != nil {
				releaseAll(append(chain, blk)...)
				return nil, err
			}
			if deleted {
				releaseAll(append(chain, blk)...)
				return nil, fmt.Errorf("record: chain from %d hit deleted block %d: %w", recordID, id, blockerrors.ErrBrokenChain)
			}
		}

		chain = append(chain, blk)

		next, err := blk.NextBlockID()
		if err != nil {
			releaseAll(chain...)
			return nil, err
		}
		if next == 0 {
			break
		}
		id = next
	}

	return chain, nil
}

// getSpaceTrackingBlocks returns the last block of record 0's chain (the
// free-list queue's current tail) and, if the chain has more than one
// block, the block immediately before it. Every other block on the chain is
// released before returning; the caller owns releasing last and secondLast.
func (r *RecordStorage) getSpaceTrackingBlocks() (last, secondLast *block.Block, err error) {
	chain, err := r.getBlocks(0)
	if err != nil {
		return nil, nil, err
	}

	n := len(chain)
	last = chain[n-1]
	keep := n - 1
	if n >= 2 {
		secondLast = chain[n-2]
		keep = n - 2
	}
	if err := releaseAll(chain[:keep]...); err != nil {
		releaseAll(last, secondLast)
		return nil, nil, err
	}
	return last, secondLast, nil
}

// tryPopFree pops a block id from the free-block queue embedded in record
// 0's content. ok is false when the queue is empty.
func (r *RecordStorage) tryPopFree() (id uint32, ok bool, err error) {
	last, secondLast, err := r.getSpaceTrackingBlocks()
	if err != nil {
		return 0, false, err
	}
	defer func() {
		if releaseErr := releaseAll(last, secondLast); err == nil {
			err = releaseErr
		}
	}()

	contentLen, err := last.BlockContentLength()
	if err != nil {
		return 0, false, err
	}
	if contentLen%freeListEntrySize != 0 {
		return 0, false, fmt.Errorf("record: free-list tail block %d: %w", last.ID(), blockerrors.ErrMisalignedFreeList)
	}

	if contentLen > 0 {
		buf := make([]byte, freeListEntrySize)
		if err := last.Read(buf, 0, contentLen-freeListEntrySize, freeListEntrySize); err != nil {
			return 0, false, err
		}
		popped := binary.LittleEndian.Uint32(buf)
		if err := last.SetBlockContentLength(contentLen - freeListEntrySize); err != nil {
			return 0, false, err
		}
		return popped, true, nil
	}

	if secondLast == nil {
		return 0, false, nil
	}

	secondLen, err := secondLast.BlockContentLength()
	if err != nil {
		return 0, false, err
	}
	if secondLen%freeListEntrySize != 0 {
		return 0, false, fmt.Errorf("record: free-list block %d: %w", secondLast.ID(), blockerrors.ErrMisalignedFreeList)
	}
	if secondLen < freeListEntrySize {
		return 0, false, fmt.Errorf("record: free-list block %d: %w", secondLast.ID(), blockerrors.ErrEmptyFreeList)
	}

	buf := make([]byte, freeListEntrySize)
	if err := secondLast.Read(buf, 0, secondLen-freeListEntrySize, freeListEntrySize); err != nil {
		return 0, false, err
	}
	popped := binary.LittleEndian.Uint32(buf)

	if err := secondLast.SetBlockContentLength(secondLen - freeListEntrySize); err != nil {
		return 0, false, err
	}

	lastIDBuf := make([]byte, freeListEntrySize)
	binary.LittleEndian.PutUint32(lastIDBuf, last.ID())
	newLen := secondLen - freeListEntrySize
	if err := secondLast.Write(lastIDBuf, 0, newLen, freeListEntrySize); err != nil {
		return 0, false, err
	}
	if err := secondLast.SetBlockContentLength(newLen + freeListEntrySize); err != nil {
		return 0, false, err
	}

	if err := secondLast.SetNextBlockID(0); err != nil {
		return 0, false, err
	}
	if err := last.SetPreviousBlockID(0); err != nil {
		return 0, false, err
	}

	return popped, true, nil
}

// markAsFree appends blockID to the tail of the free-block queue, growing
// the queue with a freshly allocated (never reused) block when the current
// tail block is full.
func (r *RecordStorage) markAsFree(blockID uint32) (err error) {
	last, secondLast, err := r.getSpaceTrackingBlocks()
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := releaseAll(last, secondLast); err == nil {
			err = releaseErr
		}
	}()

	contentLen, err := last.BlockContentLength()
	if err != nil {
		return err
	}
	if contentLen%freeListEntrySize != 0 {
		return fmt.Errorf("record: free-list tail block %d: %w", last.ID(), blockerrors.ErrMisalignedFreeList)
	}

	if contentLen+freeListEntrySize <= r.storage.ContentSize() {
		buf := make([]byte, freeListEntrySize)
		binary.LittleEndian.PutUint32(buf, blockID)
		if err := last.Write(buf, 0, contentLen, freeListEntrySize); err != nil {
			return err
		}
		if err := last.SetBlockContentLength(contentLen + freeListEntrySize); err != nil {
			return err
		}
		r.stats.TrackOperation(stats.OpFreeListPush)
		return nil
	}

	grown, err := r.storage.CreateNew()
	if err != nil {
		return fmt.Errorf("record: grow free list: %w", blockerrors.ErrAllocationFailed)
	}

	var growErr error
	if growErr = grown.SetPreviousBlockID(last.ID()); growErr == nil {
		growErr = last.SetNextBlockID(grown.ID())
	}
	if growErr == nil {
		buf := make([]byte, freeListEntrySize)
		binary.LittleEndian.PutUint32(buf, blockID)
		growErr = grown.Write(buf, 0, 0, freeListEntrySize)
	}
	if growErr == nil {
		growErr = grown.SetBlockContentLength(freeListEntrySize)
	}
	if releaseErr := grown.Release(); growErr == nil {
		growErr = releaseErr
	}
	if growErr == nil {
		r.stats.TrackOperation(stats.OpFreeListPush)
	}
	return growErr
}

// allocateBlock returns a block ready to hold new record content: one
// popped from the free-block queue and zeroed, or a brand-new block grown
// onto the end of the stream when the queue is empty.
func (r *RecordStorage) allocateBlock() (*block.Block, error) {
	id, ok, err := r.tryPopFree()
	if err != nil {
		return nil, err
	}
	if ok {
		blk, err := r.storage.Get(id)
		if err != nil {
			return nil, err
		}
		if blk == nil {
			return nil, fmt.Errorf("record: free list pointed at missing block %d: %w", id, blockerrors.ErrAllocationFailed)
		}
		if err := blk.ZeroReservedHeaders(); err != nil {
			blk.Release()
			return nil, err
		}
		r.stats.TrackOperation(stats.OpFreeListPop)
		return blk, nil
	}

	blk, err := r.storage.CreateNew()
	if err != nil {
		return nil, fmt.Errorf("record: allocate block: %w", blockerrors.ErrAllocationFailed)
	}
	r.stats.TrackOperation(stats.OpBlockCreate)
	return blk, nil
}
