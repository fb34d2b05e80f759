// Package record implements the record layer of the disk-backed record
// store: it composes the block layer's fixed-size blocks into linked
// chains representing variable-length records, and keeps a free-block
// queue embedded as the content of record 0 so deleted blocks can be
// reused without growing the underlying stream.
package record

import (
	"context"

	"github.com/kevo-io/blockstore/pkg/block"
	"github.com/kevo-io/blockstore/pkg/common/log"
	"github.com/kevo-io/blockstore/pkg/stats"
	"github.com/kevo-io/blockstore/pkg/telemetry"
)

// MaxRecordSize is the largest record_length a record may declare.
const MaxRecordSize = 4 * 1024 * 1024

// freeListEntrySize is the width of a free-list queue entry: a
// little-endian u32 block id.
const freeListEntrySize = 4

// RecordStorage composes a block.Storage into a record-oriented store:
// create/get/update/delete of variable-length byte records identified by
// the id of their head block, with record 0 reserved as the free-block
// queue's sentinel.
type RecordStorage struct {
	storage *block.Storage
	log     log.Logger
	stats   stats.Collector
	tel     telemetry.Telemetry
}

// Option configures a RecordStorage at construction time.
type Option func(*RecordStorage)

// WithLogger attaches a structured logger; defaults to a no-op logger.
func WithLogger(logger log.Logger) Option {
	return func(r *RecordStorage) { r.log = logger }
}

// WithStatsCollector attaches a stats.Collector that Create, Get, Update
// and Delete report to; defaults to a fresh stats.AtomicCollector.
func WithStatsCollector(collector stats.Collector) Option {
	return func(r *RecordStorage) { r.stats = collector }
}

// WithTelemetry attaches a telemetry.Telemetry that Create, Get, Update
// and Delete record spans and duration histograms through (Create, Get and
// Update also record byte counters; Exists records nothing); defaults to
// no-op.
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(r *RecordStorage) { r.tel = tel }
}

// New constructs a RecordStorage over an already-open block.Storage.
func New(storage *block.Storage, opts ...Option) *RecordStorage {
	r := &RecordStorage{
		storage: storage,
		log:     log.NewNoop(),
		stats:   stats.NewAtomicCollector(),
		tel:     telemetry.NewNoop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Storage returns the block.Storage this RecordStorage is built on.
func (r *RecordStorage) Storage() *block.Storage {
	return r.storage
}

// Stats returns the statistics collected across every operation on this
// RecordStorage.
func (r *RecordStorage) Stats() map[string]interface{} {
	return r.stats.GetStats()
}

func (r *RecordStorage) startSpan(ctx context.Context, name string) (context.Context, func()) {
	spanCtx, span := r.tel.StartSpan(ctx, name)
	return spanCtx, func() { span.End() }
}
