package block

import (
	"errors"
	"testing"

	"github.com/kevo-io/blockstore/pkg/blockerrors"
)

func TestNewRejectsUndersizedBlock(t *testing.T) {
	_, err := New(NewMemStream(), 64)
	if !errors.Is(err, blockerrors.ErrBadArgument) {
		t.Fatalf("err = %v, want ErrBadArgument", err)
	}
}

func TestNewRejectsHeaderSizeNotLessThanBlockSize(t *testing.T) {
	_, err := New(NewMemStream(), 128, WithHeaderSize(128))
	if !errors.Is(err, blockerrors.ErrBadArgument) {
		t.Fatalf("err = %v, want ErrBadArgument", err)
	}
}

func TestNewDerivesContentAndSectorSize(t *testing.T) {
	s, err := New(NewMemStream(), 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.BlockSize() != DefaultBlockSize {
		t.Errorf("BlockSize = %d, want %d", s.BlockSize(), DefaultBlockSize)
	}
	if s.HeaderSize() != DefaultHeaderSize {
		t.Errorf("HeaderSize = %d, want %d", s.HeaderSize(), DefaultHeaderSize)
	}
	if s.ContentSize() != DefaultBlockSize-DefaultHeaderSize {
		t.Errorf("ContentSize = %d, want %d", s.ContentSize(), DefaultBlockSize-DefaultHeaderSize)
	}
	if s.SectorSize() != 4096 {
		t.Errorf("SectorSize = %d, want 4096", s.SectorSize())
	}

	small, err := New(NewMemStream(), 128)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if small.SectorSize() != 128 {
		t.Errorf("SectorSize = %d, want 128", small.SectorSize())
	}
}

func TestGetOnEmptyStreamIsAbsent(t *testing.T) {
	s, err := New(NewMemStream(), 128)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	blk, err := s.Get(0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if blk != nil {
		t.Fatal("expected absent block, got one")
	}
}

func TestCreateNewAssignsSequentialIDs(t *testing.T) {
	s, err := New(NewMemStream(), 128)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	b0, err := s.CreateNew()
	if err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	if b0.ID() != 0 {
		t.Errorf("first block id = %d, want 0", b0.ID())
	}
	if err := b0.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	b1, err := s.CreateNew()
	if err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	if b1.ID() != 1 {
		t.Errorf("second block id = %d, want 1", b1.ID())
	}
	if err := b1.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestCreateNewRejectsMisalignedStream(t *testing.T) {
	stream := NewMemStream()
	if err := stream.SetLength(100); err != nil {
		t.Fatalf("SetLength: %v", err)
	}

	s, err := New(stream, 128)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = s.CreateNew()
	if !errors.Is(err, blockerrors.ErrMisalignedStorage) {
		t.Fatalf("err = %v, want ErrMisalignedStorage", err)
	}
}

func TestGetReturnsSameLiveBlock(t *testing.T) {
	s, err := New(NewMemStream(), 128)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	created, err := s.CreateNew()
	if err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	if err := created.SetNextBlockID(42); err != nil {
		t.Fatalf("SetNextBlockID: %v", err)
	}

	again, err := s.Get(created.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if again != created {
		t.Fatal("Get during live lifetime did not return the same block reference")
	}

	next, err := again.NextBlockID()
	if err != nil {
		t.Fatalf("NextBlockID: %v", err)
	}
	if next != 42 {
		t.Errorf("NextBlockID = %d, want 42", next)
	}

	if err := created.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := again.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestGetAfterReleasePersistsHeader(t *testing.T) {
	stream := NewMemStream()
	s, err := New(stream, 128)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	blk, err := s.CreateNew()
	if err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	if err := blk.SetRecordLength(99); err != nil {
		t.Fatalf("SetRecordLength: %v", err)
	}
	if err := blk.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	reopened, err := New(stream, 128)
	if err != nil {
		t.Fatalf("New (reopen): %v", err)
	}
	reread, err := reopened.Get(0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if reread == nil {
		t.Fatal("expected block 0 to exist after release")
	}
	length, err := reread.RecordLength()
	if err != nil {
		t.Fatalf("RecordLength: %v", err)
	}
	if length != 99 {
		t.Errorf("RecordLength = %d, want 99", length)
	}
	if err := reread.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestVerifyChecksumsRoundTrip(t *testing.T) {
	stream := NewMemStream()
	s, err := New(stream, 128, WithVerifyChecksums(true))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	blk, err := s.CreateNew()
	if err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	if err := blk.Write([]byte("payload"), 0, 0, 7); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := blk.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	reopened, err := New(stream, 128, WithVerifyChecksums(true))
	if err != nil {
		t.Fatalf("New (reopen): %v", err)
	}
	reread, err := reopened.Get(0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	out := make([]byte, 7)
	if err := reread.Read(out, 0, 0, 7); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(out) != "payload" {
		t.Fatalf("Read = %q, want %q", out, "payload")
	}
	if err := reread.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestVerifyChecksumsDetectsCorruption(t *testing.T) {
	stream := NewMemStream()
	s, err := New(stream, 128, WithVerifyChecksums(true))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	blk, err := s.CreateNew()
	if err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	if err := blk.Write([]byte("payload"), 0, 0, 7); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := blk.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	corrupted := stream.Bytes()
	corrupted[48] ^= 0xff // flip a byte in block 0's content area
	stream2 := NewMemStream()
	if err := stream2.SetLength(int64(len(corrupted))); err != nil {
		t.Fatalf("SetLength: %v", err)
	}
	if _, err := stream2.Write(corrupted); err != nil {
		t.Fatalf("Write: %v", err)
	}

	reopened, err := New(stream2, 128, WithVerifyChecksums(true))
	if err != nil {
		t.Fatalf("New (reopen): %v", err)
	}
	if _, err := reopened.Get(0); !errors.Is(err, blockerrors.ErrChecksumMismatch) {
		t.Fatalf("Get err = %v, want ErrChecksumMismatch", err)
	}
}
