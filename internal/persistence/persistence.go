// Package persistence owns the on-disk layout beneath a StorageEngine: one
// chunk file per TimeChunk under chunks/, and the active write-ahead log
// under wal/. Every chunk write goes through a temp-file-then-rename dance
// so a reader never observes a half-written chunk file.
package persistence

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/arborhealth/vitalstore/internal/chunk"
	"github.com/arborhealth/vitalstore/internal/logging"
	"github.com/arborhealth/vitalstore/internal/record"
	"github.com/arborhealth/vitalstore/internal/wal"
)

const (
	chunksDirName = "chunks"
	walDirName    = "wal"

	chunkFileSuffix    = ".chunk"
	chunkTmpFileSuffix = ".tmp"
)

var (
	ErrMissingDir  = errors.New("persistence: base dir is required")
	ErrNotFound    = errors.New("persistence: chunk not found")
	ErrInvalidName = errors.New("persistence: malformed chunk file name")
)

// Config configures a Manager.
type Config struct {
	// BaseDir is the root directory; chunks/ and wal/ are created beneath it.
	BaseDir string

	FileMode os.FileMode

	// Logger is dependency-injected; nil disables logging.
	Logger *slog.Logger
}

// Manager is the PersistenceManager: it durably writes and loads chunk
// files, and owns the WAL used to make writes durable ahead of a chunk
// flush.
type Manager struct {
	cfg       Config
	chunksDir string
	walDir    string

	wal *wal.WAL

	// activeRecords is the active-records table: metric name -> latest
	// timestamp this manager has observed appended to the WAL. It lets
	// MarkChunkDurable report which metrics are now fully covered by a
	// flushed chunk file, independent of whether the WAL file itself has
	// been truncated yet — truncation only happens wholesale, in
	// TruncateWAL, once every dirty chunk has been flushed.
	recordsMu     sync.Mutex
	activeRecords map[string]int64

	logger *slog.Logger
}

// New creates (if necessary) the chunks/ and wal/ directories beneath
// cfg.BaseDir and opens the write-ahead log.
func New(cfg Config) (*Manager, error) {
	if cfg.BaseDir == "" {
		return nil, ErrMissingDir
	}
	cfg.FileMode = cmp.Or(cfg.FileMode, 0o644)

	chunksDir := filepath.Join(cfg.BaseDir, chunksDirName)
	walDir := filepath.Join(cfg.BaseDir, walDirName)

	if err := os.MkdirAll(chunksDir, 0o750); err != nil {
		return nil, fmt.Errorf("persistence: create chunks dir: %w", err)
	}
	if err := os.MkdirAll(walDir, 0o750); err != nil {
		return nil, fmt.Errorf("persistence: create wal dir: %w", err)
	}

	logger := logging.Default(cfg.Logger).With("component", "persistence")

	w, err := wal.New(wal.Config{Dir: walDir, FileMode: cfg.FileMode, Logger: cfg.Logger})
	if err != nil {
		return nil, fmt.Errorf("persistence: open wal: %w", err)
	}

	return &Manager{
		cfg:           cfg,
		chunksDir:     chunksDir,
		walDir:        walDir,
		wal:           w,
		activeRecords: make(map[string]int64),
		logger:        logger,
	}, nil
}

// WAL returns the manager's write-ahead log, for StorageEngine to append
// durable writes to ahead of an Insert being acknowledged.
func (m *Manager) WAL() *wal.WAL { return m.wal }

// WALDir returns the wal/ directory, used at startup to replay records
// that were never flushed to a chunk file.
func (m *Manager) WALDir() string { return m.walDir }

func (m *Manager) chunkFileName(id chunk.ID) string {
	return strconv.FormatInt(int64(id), 10) + chunkFileSuffix
}

func (m *Manager) chunkFilePath(id chunk.ID) string {
	return filepath.Join(m.chunksDir, m.chunkFileName(id))
}

// WriteChunk durably persists c under its chunk ID. The write lands in a
// temp file beside the final destination, is fsynced, and is only then
// renamed into place — a reader can never observe a partially written
// chunk file, including across a crash between the write and the rename.
func (m *Manager) WriteChunk(id chunk.ID, c *chunk.TimeChunk) error {
	data, err := c.MarshalCompressed()
	if err != nil {
		return fmt.Errorf("persistence: marshal chunk %d: %w", id, err)
	}

	finalPath := m.chunkFilePath(id)
	tmpPath := filepath.Join(m.chunksDir, strconv.FormatInt(int64(id), 10)+chunkTmpFileSuffix)

	f, err := os.OpenFile(filepath.Clean(tmpPath), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, m.cfg.FileMode)
	if err != nil {
		return fmt.Errorf("persistence: create temp chunk file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("persistence: write temp chunk file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("persistence: sync temp chunk file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("persistence: close temp chunk file: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("persistence: rename chunk file: %w", err)
	}

	m.logger.Debug("chunk flushed", "chunk_id", int64(id), "bytes", len(data))
	return nil
}

// LoadChunk reads and decompresses the chunk file for id.
func (m *Manager) LoadChunk(id chunk.ID) (*chunk.TimeChunk, error) {
	data, err := os.ReadFile(filepath.Clean(m.chunkFilePath(id)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("persistence: read chunk %d: %w", id, err)
	}
	c, err := chunk.UnmarshalCompressed(data)
	if err != nil {
		return nil, fmt.Errorf("persistence: decode chunk %d: %w", id, err)
	}
	return c, nil
}

// ListChunks returns the IDs of every chunk file on disk, sorted oldest
// first, for StorageEngine to load at startup.
func (m *Manager) ListChunks() ([]chunk.ID, error) {
	entries, err := os.ReadDir(m.chunksDir)
	if err != nil {
		return nil, fmt.Errorf("persistence: list chunks: %w", err)
	}

	var ids []chunk.ID
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), chunkFileSuffix) {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), chunkFileSuffix)
		n, err := strconv.ParseInt(stem, 10, 64)
		if err != nil {
			m.logger.Warn("skipping chunk file with malformed name", "name", e.Name())
			continue
		}
		ids = append(ids, chunk.ID(n))
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// DeleteChunk removes the on-disk file for id. Used by retention cleanup.
func (m *Manager) DeleteChunk(id chunk.ID) error {
	err := os.Remove(m.chunkFilePath(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("persistence: delete chunk %d: %w", id, err)
	}
	m.logger.Info("chunk deleted", "chunk_id", int64(id))
	return nil
}

// NoteAppended updates the active-records table with the timestamps of recs,
// which the caller has just durably appended to the WAL. For each metric,
// only the greatest timestamp seen is retained.
func (m *Manager) NoteAppended(recs []record.Record) {
	m.recordsMu.Lock()
	defer m.recordsMu.Unlock()

	for _, r := range recs {
		if cur, ok := m.activeRecords[r.MetricName]; !ok || r.Timestamp > cur {
			m.activeRecords[r.MetricName] = r.Timestamp
		}
	}
}

// MarkChunkDurable removes from the active-records table every entry whose
// latest-observed timestamp is strictly less than chunkID+duration — those
// metrics' WAL-recorded writes are now fully represented by the chunk file
// just written for chunkID. This is advisory bookkeeping only: it never
// touches the WAL file itself. The WAL is truncated wholesale, and only
// once every currently-dirty chunk has been flushed, by TruncateWAL — a
// chunk becoming durable does not by itself mean every other chunk's
// pending writes are safe to discard from the log.
func (m *Manager) MarkChunkDurable(chunkID chunk.ID, duration int64) {
	cutoff := int64(chunkID) + duration

	m.recordsMu.Lock()
	defer m.recordsMu.Unlock()

	for metric, latest := range m.activeRecords {
		if latest < cutoff {
			delete(m.activeRecords, metric)
		}
	}
	m.logger.Debug("active records pruned after durable flush", "chunk_id", int64(chunkID), "cutoff", cutoff)
}

// TruncateWAL empties the write-ahead log. Safe to call only once every
// dirty chunk has been durably flushed to its chunk file — StorageEngine's
// FlushAll is the sole caller, after every pending WriteChunk in that batch
// has succeeded.
func (m *Manager) TruncateWAL() error {
	if err := m.wal.Truncate(); err != nil {
		return fmt.Errorf("persistence: truncate wal: %w", err)
	}
	m.logger.Debug("wal truncated")
	return nil
}

// Close closes the write-ahead log.
func (m *Manager) Close() error {
	return m.wal.Close()
}
