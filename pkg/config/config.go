// Package config holds the on-disk configuration for a block/record store
// and its manifest sidecar persistence.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kevo-io/blockstore/pkg/block"
)

const (
	DefaultManifestFileName = "MANIFEST"
	CurrentManifestVersion  = 1
)

var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrManifestNotFound = errors.New("manifest not found")
	ErrInvalidManifest  = errors.New("invalid manifest")
)

// Config holds the layout parameters a Storage and RecordStorage were
// opened with. BlockSize and HeaderSize are the only independent
// parameters; ContentSize and SectorSize are derived from them the same
// way block.New derives them, and are persisted purely so a manifest can
// be inspected without reopening the store.
type Config struct {
	Version int `json:"version"`

	BlockSize       int64 `json:"block_size"`
	HeaderSize      int64 `json:"header_size"`
	ContentSize     int64 `json:"content_size"`
	SectorSize      int64 `json:"sector_size"`
	VerifyChecksums bool  `json:"verify_checksums"`

	mu sync.RWMutex
}

// NewDefaultConfig creates a Config with the block layer's default layout.
func NewDefaultConfig() *Config {
	c := &Config{
		Version:         CurrentManifestVersion,
		BlockSize:       block.DefaultBlockSize,
		HeaderSize:      block.DefaultHeaderSize,
		VerifyChecksums: false,
	}
	c.deriveLocked()
	return c
}

func (c *Config) deriveLocked() {
	c.ContentSize = c.BlockSize - c.HeaderSize
	if c.BlockSize >= 4096 {
		c.SectorSize = 4096
	} else {
		c.SectorSize = 128
	}
}

// Validate checks the configuration against the same constraints
// block.New enforces, so a manifest can be rejected before it is used to
// reopen a store.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}
	if c.BlockSize < block.MinBlockSize {
		return fmt.Errorf("%w: block size %d below minimum %d", ErrInvalidConfig, c.BlockSize, block.MinBlockSize)
	}
	if c.HeaderSize < block.MinHeaderSize {
		return fmt.Errorf("%w: header size %d below minimum %d", ErrInvalidConfig, c.HeaderSize, block.MinHeaderSize)
	}
	if c.HeaderSize >= c.BlockSize {
		return fmt.Errorf("%w: header size %d must be less than block size %d", ErrInvalidConfig, c.HeaderSize, c.BlockSize)
	}

	wantContent := c.BlockSize - c.HeaderSize
	if c.ContentSize != wantContent {
		return fmt.Errorf("%w: content size %d does not match block size %d minus header size %d", ErrInvalidConfig, c.ContentSize, c.BlockSize, c.HeaderSize)
	}

	wantSector := int64(128)
	if c.BlockSize >= 4096 {
		wantSector = 4096
	}
	if c.SectorSize != wantSector {
		return fmt.Errorf("%w: sector size %d does not match the value derived from block size %d", ErrInvalidConfig, c.SectorSize, c.BlockSize)
	}
	if c.HeaderSize > c.SectorSize {
		return fmt.Errorf("%w: header size %d exceeds sector size %d", ErrInvalidConfig, c.HeaderSize, c.SectorSize)
	}

	return nil
}

// StorageOptions returns the block.Option values that reproduce this
// configuration when passed to block.New.
func (c *Config) StorageOptions() []block.Option {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return []block.Option{
		block.WithHeaderSize(c.HeaderSize),
		block.WithVerifyChecksums(c.VerifyChecksums),
	}
}

// LoadConfigFromManifest loads just the configuration portion from the
// manifest file in dbPath.
func LoadConfigFromManifest(dbPath string) (*Config, error) {
	manifestPath := filepath.Join(dbPath, DefaultManifestFileName)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrManifestNotFound
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// SaveManifest saves the configuration to the manifest file in dbPath,
// writing to a temporary file and renaming it into place so a crash never
// leaves a partially-written manifest.
func (c *Config) SaveManifest(dbPath string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	manifestPath := filepath.Join(dbPath, DefaultManifestFileName)
	tempPath := manifestPath + ".tmp"

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	if err := os.Rename(tempPath, manifestPath); err != nil {
		return fmt.Errorf("failed to rename manifest: %w", err)
	}

	return nil
}

// Update applies fn to the configuration and re-derives ContentSize and
// SectorSize from the result.
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
	c.deriveLocked()
}
