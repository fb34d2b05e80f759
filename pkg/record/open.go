package record

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kevo-io/blockstore/pkg/block"
	"github.com/kevo-io/blockstore/pkg/config"
)

// DataFileName is the name of the block stream file inside a store
// directory opened with Open.
const DataFileName = "blocks.dat"

// Store bundles a RecordStorage with the resources Open acquired for it, so
// a caller can hand the whole thing to Close when it is done.
type Store struct {
	*RecordStorage

	stream *block.FileStream
	config *config.Config
	dir    string
}

// Config returns the configuration the store was opened or created with.
func (s *Store) Config() *config.Config {
	return s.config
}

// Close releases the backing file. It does not flush individual live
// blocks; callers are expected to have released every Block they borrowed
// before calling Close.
func (s *Store) Close() error {
	return s.stream.Close()
}

// Open opens the store directory at dir, creating it, its data file and a
// fresh manifest sidecar if none exists yet, and returns a ready-to-use
// Store. The manifest records the block layout a store was created with so
// reopening it later derives the same BlockSize/HeaderSize/SectorSize
// regardless of what the process's current defaults happen to be.
func Open(dir string, opts ...Option) (*Store, error) {
	cfg, err := config.LoadConfigFromManifest(dir)
	if err != nil {
		if !errors.Is(err, config.ErrManifestNotFound) {
			return nil, fmt.Errorf("record: open %s: %w", dir, err)
		}
		cfg = config.NewDefaultConfig()
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("record: open %s: %w", dir, err)
	}

	dataPath := filepath.Join(dir, DataFileName)
	file, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("record: open %s: %w", dataPath, err)
	}
	stream := block.NewFileStream(file)

	storage, err := block.New(stream, cfg.BlockSize, cfg.StorageOptions()...)
	if err != nil {
		stream.Close()
		return nil, fmt.Errorf("record: open %s: %w", dir, err)
	}

	if err := cfg.SaveManifest(dir); err != nil {
		stream.Close()
		return nil, fmt.Errorf("record: save manifest for %s: %w", dir, err)
	}

	rs := New(storage, opts...)
	rs.log.Info("opened record store at %s (block_size=%d)", dir, cfg.BlockSize)

	return &Store{
		RecordStorage: rs,
		stream:        stream,
		config:        cfg,
		dir:           dir,
	}, nil
}
