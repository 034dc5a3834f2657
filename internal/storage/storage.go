// Package storage implements the StorageEngine: the chunk-map owner that
// sits between the write-ahead log and the on-disk chunk files. It accepts
// records, routes them to the correct fixed-duration TimeChunk, and
// answers every range/latest/metric-discovery query the query engine
// needs without ever letting a caller observe a chunk mid-mutation.
package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arborhealth/vitalstore/internal/chunk"
	"github.com/arborhealth/vitalstore/internal/logging"
	"github.com/arborhealth/vitalstore/internal/persistence"
	"github.com/arborhealth/vitalstore/internal/record"
	"github.com/arborhealth/vitalstore/internal/wal"
)

var (
	ErrInvalidTimeRange = errors.New("storage: start must be before end")
	ErrClosed           = errors.New("storage: engine is closed")
)

// DebugSettings overrides the engine's default behavior for performance
// testing. None of these are production tuning knobs.
type DebugSettings struct {
	// MemoryMode turns persistence off for inserts: no WAL appends and no
	// on-full chunk flushes. FlushAll (and so Close and CleanupOldChunks)
	// still writes dirty chunks to disk; records that are never flushed
	// that way are lost on exit.
	MemoryMode bool

	// DisableWAL skips the write-ahead log while leaving chunk flushes
	// active, isolating WAL fsync cost in benchmarks.
	DisableWAL bool

	// BatchSize, when positive, caps how many records InsertBatch hands to
	// a single WAL append; larger batches are split.
	BatchSize int

	FullnessPolicy  chunk.FullnessPolicy
	RetentionPolicy chunk.RetentionPolicy
}

// Config configures a StorageEngine.
type Config struct {
	// ChunkDuration is the fixed width, in seconds, of each TimeChunk's
	// window. Required, must be positive.
	ChunkDuration int64

	// Persistence is the backing PersistenceManager. Required.
	Persistence *persistence.Manager

	// Now supplies the current time; defaults to time.Now.
	Now func() time.Time

	// Logger is dependency-injected; nil disables logging.
	Logger *slog.Logger
}

// Engine is the StorageEngine: a chunk map guarded by a single RWMutex,
// backed by a PersistenceManager for durability. Reads take the read lock;
// writes, flushes, and cleanup take the write lock. Flushing a chunk to
// disk happens outside any lock — the discipline throughout this package
// is clone-under-lock, flush-outside-lock, mark-inside-lock: a chunk is
// cloned while the lock is held, the clone is written to disk with no lock
// held at all, and only the brief bookkeeping step that marks the chunk
// clean re-acquires the lock.
type Engine struct {
	mu     sync.RWMutex
	chunks map[chunk.ID]*chunk.TimeChunk

	chunkDuration int64
	persistence   *persistence.Manager
	now           func() time.Time

	persistenceEnabled atomic.Bool
	debug              atomic.Pointer[DebugSettings]

	closed bool
	logger *slog.Logger
}

// New constructs a StorageEngine and recovers state from disk: every chunk
// file under the persistence manager's chunks directory is loaded, and any
// WAL records not yet reflected in a chunk file are replayed back in.
func New(cfg Config) (*Engine, error) {
	if cfg.ChunkDuration <= 0 {
		return nil, fmt.Errorf("storage: chunk duration must be positive")
	}
	if cfg.Persistence == nil {
		return nil, fmt.Errorf("storage: persistence manager is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	logger := logging.Default(cfg.Logger).With("component", "storage-engine")

	e := &Engine{
		chunks:        make(map[chunk.ID]*chunk.TimeChunk),
		chunkDuration: cfg.ChunkDuration,
		persistence:   cfg.Persistence,
		now:           cfg.Now,
		logger:        logger,
	}
	e.persistenceEnabled.Store(true)

	if err := e.recover(); err != nil {
		return nil, fmt.Errorf("storage: recover: %w", err)
	}

	return e, nil
}

// recover reconstructs the chunk map from disk. Individual failures — a
// chunk file that won't decode, a WAL frame that won't replay — are logged
// and skipped rather than aborting startup: the engine must come up and
// keep serving writes even if every chunk file on disk is corrupt.
func (e *Engine) recover() error {
	ids, err := e.persistence.ListChunks()
	if err != nil {
		return fmt.Errorf("list chunks: %w", err)
	}
	loaded := make(map[chunk.ID]struct{}, len(ids))
	for _, id := range ids {
		c, err := e.persistence.LoadChunk(id)
		if err != nil {
			e.logger.Warn("skipping corrupt chunk file", "chunk_id", int64(id), "error", err)
			continue
		}
		e.chunks[id] = c
		loaded[id] = struct{}{}
	}
	e.logger.Info("recovered chunks from disk", "count", len(loaded))

	recs, err := wal.Replay(e.persistence.WALDir())
	if err != nil {
		// A decode failure mid-log still yields every frame before it;
		// replay what was readable rather than refusing to start.
		e.logger.Warn("wal replay stopped early", "replayed", len(recs), "error", err)
	}
	replayed := 0
	for _, r := range recs {
		// The WAL is only truncated by FlushAll, so a record flushed to a
		// chunk file via the per-insert on-full path is still framed in the
		// log. Skip replayed records the disk-loaded chunk already holds.
		id := chunk.AlignID(r.Timestamp, e.chunkDuration)
		if _, ok := loaded[id]; ok && e.chunks[id].Contains(r) {
			continue
		}
		if err := e.insertLocked(r, false); err != nil {
			e.logger.Warn("skipping unreplayable wal record", "metric", r.MetricName, "timestamp", r.Timestamp, "error", err)
			continue
		}
		replayed++
	}
	if replayed > 0 {
		e.logger.Info("replayed records from wal", "count", replayed)
	}
	return nil
}

// SetDebugSettings installs s and synchronizes the persistence flag:
// persistence is enabled exactly when memory mode is off. Passing nil
// restores the defaults.
func (e *Engine) SetDebugSettings(s *DebugSettings) {
	e.debug.Store(s)
	e.persistenceEnabled.Store(s == nil || !s.MemoryMode)
}

func (e *Engine) walDisabled() bool {
	s := e.debug.Load()
	return s != nil && s.DisableWAL
}

func (e *Engine) walBatchSize() int {
	if s := e.debug.Load(); s != nil && s.BatchSize > 0 {
		return s.BatchSize
	}
	return 0
}

func (e *Engine) fullnessPolicy() chunk.FullnessPolicy {
	if s := e.debug.Load(); s != nil && s.FullnessPolicy != nil {
		return s.FullnessPolicy
	}
	return chunk.DefaultFullnessPolicy()
}

func (e *Engine) retentionPolicy() chunk.RetentionPolicy {
	if s := e.debug.Load(); s != nil && s.RetentionPolicy != nil {
		return s.RetentionPolicy
	}
	return chunk.NeverRetainPolicy{}
}

// SetPersistenceEnabled toggles whether Insert writes to the WAL and
// whether full chunks are flushed to disk. Disabling persistence is for
// tests exercising pure in-memory behavior; it must never be disabled in
// a real deployment, since a crash with persistence off loses every
// unflushed record.
func (e *Engine) SetPersistenceEnabled(enabled bool) {
	e.persistenceEnabled.Store(enabled)
}

// Insert durably records rec: if persistence is enabled, rec is appended
// to the write-ahead log before being applied to its chunk, so a crash
// between the two still yields a consistent replay. If the chunk Insert
// lands in becomes full, it is flushed to disk and marked clean; it stays
// in the chunk map and keeps accepting records for its window.
func (e *Engine) Insert(rec record.Record) error {
	return e.InsertBatch([]record.Record{rec})
}

// InsertBatch durably records every element of recs in one WAL append
// (see wal.AppendBatch), or in several when DebugSettings.BatchSize caps
// the append size, then applies each to its chunk.
func (e *Engine) InsertBatch(recs []record.Record) error {
	if len(recs) == 0 {
		return nil
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.mu.Unlock()

	if e.persistenceEnabled.Load() && !e.walDisabled() {
		if err := e.appendToWAL(recs); err != nil {
			return fmt.Errorf("storage: insert: %w", err)
		}
		e.persistence.NoteAppended(recs)
	}

	for _, r := range recs {
		if err := e.insertLocked(r, e.persistenceEnabled.Load()); err != nil {
			return err
		}
	}
	return nil
}

// appendToWAL writes recs to the write-ahead log, split into sub-batches
// when the debug settings cap the per-append batch size.
func (e *Engine) appendToWAL(recs []record.Record) error {
	size := e.walBatchSize()
	if size <= 0 || size >= len(recs) {
		return e.persistence.WAL().AppendBatch(recs)
	}
	for start := 0; start < len(recs); start += size {
		end := min(start+size, len(recs))
		if err := e.persistence.WAL().AppendBatch(recs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// insertLocked applies rec to its chunk, flushing that chunk if it becomes
// full. flushOnFull is false during WAL replay, since replayed records are
// already durable and a flush mid-replay would just be wasted IO.
func (e *Engine) insertLocked(rec record.Record, flushOnFull bool) error {
	id := chunk.AlignID(rec.Timestamp, e.chunkDuration)

	e.mu.Lock()
	c, ok := e.chunks[id]
	if !ok {
		c = chunk.New(int64(id), int64(id)+e.chunkDuration, e.now())
		c.SetFullnessPolicy(e.fullnessPolicy())
		e.chunks[id] = c
	}
	if err := c.Append(rec, e.now()); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("storage: append to chunk %d: %w", id, err)
	}

	full := flushOnFull && c.IsFull()
	var clone *chunk.TimeChunk
	if full {
		clone = c.Clone()
	}
	e.mu.Unlock()

	if full {
		if err := e.flushChunk(id, clone); err != nil {
			return err
		}
	}
	return nil
}

// flushChunk writes clone to disk with no lock held, then re-acquires the
// lock only long enough to mark the live chunk clean, and prunes the
// active-records table for the chunk's now-durable window. It does not
// truncate the WAL file itself — another chunk may still be dirty and
// depend on the log for recovery. Only FlushAll, once every dirty chunk in
// a batch has been flushed, truncates the WAL wholesale.
func (e *Engine) flushChunk(id chunk.ID, clone *chunk.TimeChunk) error {
	if err := e.persistence.WriteChunk(id, clone); err != nil {
		return fmt.Errorf("storage: flush chunk %d: %w", id, err)
	}

	e.mu.Lock()
	if live, ok := e.chunks[id]; ok {
		live.MarkClean()
	}
	e.mu.Unlock()

	e.persistence.MarkChunkDurable(id, e.chunkDuration)
	e.logger.Info("chunk flushed", "chunk_id", int64(id), "records", clone.Meta().RecordCount)
	return nil
}

// FlushAll writes every dirty chunk to disk. Intended for graceful
// shutdown and for tests that want deterministic on-disk state without
// waiting for chunks to fill up naturally. Once every dirty chunk at the
// time FlushAll was called has been durably written, the WAL is truncated
// in a single pass — a partial failure partway through leaves the
// remaining chunks dirty and the WAL untouched, preserving recovery.
func (e *Engine) FlushAll() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	type pending struct {
		id    chunk.ID
		clone *chunk.TimeChunk
	}
	var toFlush []pending
	for id, c := range e.chunks {
		if c.IsDirty() {
			toFlush = append(toFlush, pending{id: id, clone: c.Clone()})
		}
	}
	e.mu.Unlock()

	if len(toFlush) == 0 {
		return nil
	}

	for _, p := range toFlush {
		if err := e.flushChunk(p.id, p.clone); err != nil {
			return err
		}
	}

	if err := e.persistence.TruncateWAL(); err != nil {
		return fmt.Errorf("storage: flush all: %w", err)
	}
	return nil
}

// QueryRange returns every record for metric with start <= timestamp < end,
// across every chunk that intersects the window, ordered by chunk start.
func (e *Engine) QueryRange(start, end int64, metric string) ([]record.Record, error) {
	if start >= end {
		return nil, ErrInvalidTimeRange
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := e.sortedChunkIDsLocked()
	var out []record.Record
	for _, id := range ids {
		c := e.chunks[id]
		if int64(id)+e.chunkDuration <= start || int64(id) >= end {
			continue
		}
		out = append(out, c.Range(start, end, metric)...)
	}
	return out, nil
}

// QueryByResourceType returns every record in [start, end) for any metric
// indexed under resourceType. Chunks written before the secondary index
// existed have nothing indexed; for a chunk whose secondary index is
// entirely empty, a fallback scan classifies each of that chunk's metrics
// by a sample record's resource type instead. A chunk with any indexed
// resource type gets no fallback scan.
func (e *Engine) QueryByResourceType(start, end int64, resourceType string) ([]record.Record, error) {
	if start >= end {
		return nil, ErrInvalidTimeRange
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := e.sortedChunkIDsLocked()
	var out []record.Record
	for _, id := range ids {
		c := e.chunks[id]
		if int64(id)+e.chunkDuration <= start || int64(id) >= end {
			continue
		}
		metrics := c.MetricsForResource(resourceType)
		if len(metrics) == 0 && !c.HasSecondaryIndex() {
			for _, metric := range c.MetricsList() {
				if sample, ok := c.Sample(metric); ok && sample.ResourceType == resourceType {
					metrics = append(metrics, metric)
				}
			}
		}
		for _, metric := range metrics {
			out = append(out, c.Range(start, end, metric)...)
		}
	}
	return out, nil
}

// Latest returns the most recent record for metric across every known
// chunk.
func (e *Engine) Latest(metric string) (record.Record, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var best record.Record
	found := false
	for _, c := range e.chunks {
		r, ok := c.Latest(metric)
		if !ok {
			continue
		}
		if !found || r.Timestamp > best.Timestamp {
			best = r
			found = true
		}
	}
	return best, found
}

// MetricsWithPrefix returns every distinct metric name, across every
// chunk, starting with prefix.
func (e *Engine) MetricsWithPrefix(prefix string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, c := range e.chunks {
		for _, m := range c.MetricsWithPrefix(prefix) {
			seen[m] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// MetricsForResource returns every distinct metric name, across every
// chunk, indexed under resourceType.
func (e *Engine) MetricsForResource(resourceType string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, c := range e.chunks {
		for _, m := range c.MetricsForResource(resourceType) {
			seen[m] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// CleanupOldChunks flushes every dirty chunk (so nothing unflushed is ever
// evicted), then applies the configured (or default TTL) retention policy
// and deletes every chunk it names, from both the in-memory map and disk.
func (e *Engine) CleanupOldChunks(retention time.Duration) error {
	if err := e.FlushAll(); err != nil {
		return fmt.Errorf("storage: cleanup: %w", err)
	}

	policy := e.retentionPolicy()
	if _, ok := policy.(chunk.NeverRetainPolicy); ok && retention > 0 {
		policy = chunk.NewTTLRetentionPolicy(retention)
	}

	e.mu.Lock()
	state := chunk.StoreState{Now: e.now()}
	for _, id := range e.sortedChunkIDsLocked() {
		state.Chunks = append(state.Chunks, e.chunks[id].Meta())
	}
	evict := policy.Apply(state)
	for _, id := range evict {
		delete(e.chunks, id)
	}
	e.mu.Unlock()

	for _, id := range evict {
		if err := e.persistence.DeleteChunk(id); err != nil {
			return fmt.Errorf("storage: cleanup: %w", err)
		}
	}
	if len(evict) > 0 {
		e.logger.Info("cleaned up old chunks", "count", len(evict))
	}
	return nil
}

func (e *Engine) sortedChunkIDsLocked() []chunk.ID {
	ids := make([]chunk.ID, 0, len(e.chunks))
	for id := range e.chunks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close flushes every dirty chunk and closes the persistence manager.
func (e *Engine) Close() error {
	if err := e.FlushAll(); err != nil {
		return err
	}

	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	return e.persistence.Close()
}
