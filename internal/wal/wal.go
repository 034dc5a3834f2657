// Package wal implements the write-ahead log that guarantees Insert
// durability before a record's owning chunk is flushed to disk. Every
// accepted record is framed and appended to the active log file before the
// caller is told the write succeeded; the log is replayed in full at
// startup to reconstruct in-memory state, and truncated once the records
// it holds are known durable in chunk files.
package wal

import (
	"bufio"
	"bytes"
	"cmp"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/arborhealth/vitalstore/internal/logging"
	"github.com/arborhealth/vitalstore/internal/record"
)

// Frame layout: [length:u32 big-endian][json payload]. The length prefix
// lets Replay detect a torn tail (the log's last frame was cut short by a
// crash mid-write) and discard it instead of failing the whole replay.
const lengthPrefixSize = 4

// batchWriteThreshold is the point at which AppendBatch switches from
// writing each frame straight to the file to building the whole batch in
// memory before a single write, trading per-call overhead for one larger
// syscall.
const batchWriteThreshold = 100

var (
	ErrClosed     = errors.New("wal: closed")
	ErrMissingDir = errors.New("wal: dir is required")
)

// logFileName and newFileName are the two on-disk names the WAL ever uses:
// the active log, and the transient empty replacement written during a
// Truncate before it is renamed over the active log.
const (
	logFileName = "records.wal"
	newFileName = "records.wal.new"
)

// Config configures a WAL instance.
type Config struct {
	// Dir is the directory the log file lives in. Required.
	Dir string

	FileMode os.FileMode

	// Now supplies the current time; defaults to time.Now. Overridable for
	// deterministic tests.
	Now func() time.Time

	// Logger is dependency-injected; nil disables logging.
	Logger *slog.Logger
}

// WAL is a simple append-only, length-prefix-framed durability log backed
// by a single file, records.wal, under the configured directory.
type WAL struct {
	mu  sync.Mutex
	cfg Config

	dir    string
	path   string
	active *os.File
	closed bool

	logger *slog.Logger
}

// New opens (creating if necessary) the WAL directory and the active log
// file, appending to whatever is already there.
func New(cfg Config) (*WAL, error) {
	if cfg.Dir == "" {
		return nil, ErrMissingDir
	}
	cfg.FileMode = cmp.Or(cfg.FileMode, 0o644)
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}

	logger := logging.Default(cfg.Logger).With("component", "wal")

	path := filepath.Join(cfg.Dir, logFileName)
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_WRONLY|os.O_APPEND, cfg.FileMode)
	if err != nil {
		return nil, fmt.Errorf("wal: open log: %w", err)
	}

	logger.Info("wal opened", "path", path)
	return &WAL{cfg: cfg, dir: cfg.Dir, path: path, active: f, logger: logger}, nil
}

// Append frames rec as JSON and writes it to the active log, fsyncing
// before returning so the caller's durability guarantee holds.
func (w *WAL) Append(rec record.Record) error {
	return w.AppendBatch([]record.Record{rec})
}

// AppendBatch frames every record in recs and writes them to the active
// log. Batches larger than batchWriteThreshold are assembled in an
// in-memory buffer and written with a single underlying Write, rather than
// issuing syscalls per record — the hot path for bundle ingest.
func (w *WAL) AppendBatch(recs []record.Record) error {
	if len(recs) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	var writer io.Writer = w.active
	var buffered *bytes.Buffer
	if len(recs) > batchWriteThreshold {
		buffered = &bytes.Buffer{}
		writer = buffered
	}

	for _, rec := range recs {
		if err := writeFrame(writer, rec); err != nil {
			return fmt.Errorf("wal: append: %w", err)
		}
	}

	if buffered != nil {
		if _, err := w.active.Write(buffered.Bytes()); err != nil {
			return fmt.Errorf("wal: flush batch: %w", err)
		}
	}

	if err := w.active.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}

	return nil
}

func writeFrame(w io.Writer, rec record.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	var prefix [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload))) //nolint:gosec // payload sizes are bounded by practical record size

	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// Replay reads records.wal under dir and decodes every well-formed frame
// into a Record, in file order. A final frame shorter than its announced
// length — the signature of a crash mid-write — has that trailing partial
// frame silently discarded; every complete frame before it is still
// replayed. A missing log (fresh directory, or one that has never seen a
// write) yields an empty, non-error result.
func Replay(dir string) ([]record.Record, error) {
	path := filepath.Join(dir, logFileName)

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("wal: open log: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var out []record.Record

	for {
		var prefix [lengthPrefixSize]byte
		if _, err := io.ReadFull(r, prefix[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("wal: read frame prefix: %w", err)
		}

		length := binary.BigEndian.Uint32(prefix[:])
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("wal: read frame payload: %w", err)
		}

		var rec record.Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			// A frame that decodes to invalid JSON past a valid length
			// prefix indicates corruption beyond a simple torn tail; stop
			// replay here rather than risk silently dropping good data
			// that follows.
			return out, fmt.Errorf("wal: decode frame: %w", err)
		}
		out = append(out, rec)
	}

	return out, nil
}

// Truncate atomically replaces the log file with an empty one: a fresh
// records.wal.new is created, fsynced, and renamed over records.wal, which
// on the host filesystem is an atomic operation — a reader can never
// observe a log file that is neither the old contents nor the new empty
// one.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	newPath := filepath.Join(w.dir, newFileName)
	nf, err := os.OpenFile(filepath.Clean(newPath), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, w.cfg.FileMode)
	if err != nil {
		return fmt.Errorf("wal: create replacement log: %w", err)
	}
	if err := nf.Sync(); err != nil {
		_ = nf.Close()
		_ = os.Remove(newPath)
		return fmt.Errorf("wal: sync replacement log: %w", err)
	}
	if err := nf.Close(); err != nil {
		_ = os.Remove(newPath)
		return fmt.Errorf("wal: close replacement log: %w", err)
	}

	if err := os.Rename(newPath, w.path); err != nil {
		_ = os.Remove(newPath)
		return fmt.Errorf("wal: rename replacement log: %w", err)
	}

	if err := w.active.Close(); err != nil {
		return fmt.Errorf("wal: close old log handle: %w", err)
	}
	f, err := os.OpenFile(filepath.Clean(w.path), os.O_CREATE|os.O_WRONLY|os.O_APPEND, w.cfg.FileMode)
	if err != nil {
		return fmt.Errorf("wal: reopen log: %w", err)
	}
	w.active = f

	w.logger.Info("wal truncated")
	return nil
}

// Close closes the active log file handle without removing it.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return w.active.Close()
}
