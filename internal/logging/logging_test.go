package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestDiscard(t *testing.T) {
	logger := Discard()
	if logger == nil {
		t.Fatal("Discard() returned nil")
	}

	// Must not panic when logging.
	logger.Info("flush complete")
	logger.Debug("chunk created")
}

func TestDefault(t *testing.T) {
	t.Run("nil returns discard", func(t *testing.T) {
		logger := Default(nil)
		if logger == nil {
			t.Fatal("Default(nil) returned nil")
		}
		if logger.Enabled(context.Background(), slog.LevelInfo) {
			t.Error("Default(nil) should return a discard logger")
		}
	})

	t.Run("non-nil returns same logger", func(t *testing.T) {
		var buf bytes.Buffer
		original := slog.New(slog.NewTextHandler(&buf, nil))
		if got := Default(original); got != original {
			t.Error("Default should return the same logger when non-nil")
		}
	})
}

// captureHandler counts records that pass the filter under test. The
// count is shared across WithAttrs clones so component-scoped derived
// loggers report into the same tally.
type captureHandler struct {
	mu      *sync.Mutex
	records *[]slog.Record
	attrs   []slog.Attr
}

func newCaptureHandler() *captureHandler {
	var mu sync.Mutex
	var records []slog.Record
	return &captureHandler{mu: &mu, records: &records}
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	*h.records = append(*h.records, r)
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &captureHandler{mu: h.mu, records: h.records, attrs: merged}
}

func (h *captureHandler) WithGroup(string) slog.Handler { return h }

func (h *captureHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(*h.records)
}

func TestComponentFilterHandlerBasicFiltering(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewComponentFilterHandler(capture, slog.LevelInfo)
	logger := slog.New(filter)

	logger.Info("wal opened", "component", "wal")
	if capture.count() != 1 {
		t.Errorf("expected 1 record, got %d", capture.count())
	}

	// Debug sits below the default level and is dropped.
	logger.Debug("frame written", "component", "wal")
	if capture.count() != 1 {
		t.Errorf("expected 1 record (debug filtered), got %d", capture.count())
	}

	logger.Warn("torn frame discarded", "component", "wal")
	if capture.count() != 2 {
		t.Errorf("expected 2 records, got %d", capture.count())
	}
}

func TestComponentFilterHandlerSetLevel(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewComponentFilterHandler(capture, slog.LevelInfo)
	logger := slog.New(filter)

	logger.Debug("chunk appended", "component", "storage-engine")
	if capture.count() != 0 {
		t.Errorf("expected 0 records (debug filtered), got %d", capture.count())
	}

	filter.SetLevel("storage-engine", slog.LevelDebug)

	logger.Debug("chunk appended", "component", "storage-engine")
	if capture.count() != 1 {
		t.Errorf("expected 1 record, got %d", capture.count())
	}

	// Other components stay at the default level.
	logger.Debug("range scan", "component", "query-engine")
	if capture.count() != 1 {
		t.Errorf("expected 1 record (other component filtered), got %d", capture.count())
	}
}

func TestComponentFilterHandlerClearLevel(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewComponentFilterHandler(capture, slog.LevelInfo)
	logger := slog.New(filter)

	filter.SetLevel("persistence", slog.LevelDebug)
	logger.Debug("chunk file written", "component", "persistence")
	if capture.count() != 1 {
		t.Errorf("expected 1 record, got %d", capture.count())
	}

	filter.ClearLevel("persistence")
	logger.Debug("chunk file written", "component", "persistence")
	if capture.count() != 1 {
		t.Errorf("expected 1 record (debug filtered after clear), got %d", capture.count())
	}
}

func TestComponentFilterHandlerLevel(t *testing.T) {
	filter := NewComponentFilterHandler(nil, slog.LevelInfo)

	if level := filter.Level("unknown"); level != slog.LevelInfo {
		t.Errorf("expected INFO for unconfigured component, got %v", level)
	}

	filter.SetLevel("storage-engine", slog.LevelDebug)
	if level := filter.Level("storage-engine"); level != slog.LevelDebug {
		t.Errorf("expected DEBUG, got %v", level)
	}

	if level := filter.DefaultLevel(); level != slog.LevelInfo {
		t.Errorf("expected INFO default, got %v", level)
	}
}

func TestComponentFilterHandlerScopedComponent(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewComponentFilterHandler(capture, slog.LevelInfo)

	// Component attached at construction time, the way every component in
	// this module scopes its logger.
	logger := slog.New(filter).With("component", "storage-engine")

	filter.SetLevel("storage-engine", slog.LevelDebug)

	logger.Debug("recovery started")
	if capture.count() != 1 {
		t.Errorf("expected 1 record via scoped component attribute, got %d", capture.count())
	}
}

func TestComponentFilterHandlerNoComponent(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewComponentFilterHandler(capture, slog.LevelInfo)
	logger := slog.New(filter)

	// Records with no component attribute use the default level.
	logger.Info("startup complete")
	if capture.count() != 1 {
		t.Errorf("expected 1 record, got %d", capture.count())
	}

	logger.Debug("detail")
	if capture.count() != 1 {
		t.Errorf("expected 1 record (debug filtered), got %d", capture.count())
	}
}

func TestComponentFilterHandlerConcurrent(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewComponentFilterHandler(capture, slog.LevelInfo)
	logger := slog.New(filter)

	var wg sync.WaitGroup
	const goroutines = 10
	const iterations = 100

	for i := 0; i < goroutines; i++ {
		wg.Go(func() {
			for j := 0; j < iterations; j++ {
				logger.Info("insert", "component", "wal")
			}
		})
	}
	for i := 0; i < goroutines; i++ {
		wg.Go(func() {
			for j := 0; j < iterations; j++ {
				filter.SetLevel("wal", slog.LevelDebug)
				filter.ClearLevel("wal")
			}
		})
	}
	wg.Wait()

	if count := capture.count(); count != goroutines*iterations {
		t.Errorf("expected %d records, got %d", goroutines*iterations, count)
	}
}

func TestComponentFilterHandlerIntegration(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	filter := NewComponentFilterHandler(base, slog.LevelInfo)
	logger := slog.New(filter)

	storageLogger := logger.With("component", "storage-engine")
	queryLogger := logger.With("component", "query-engine")

	// Both start at the default INFO level.
	storageLogger.Debug("flush candidate selected")
	queryLogger.Debug("bucket built")
	if buf.Len() != 0 {
		t.Errorf("expected no output, got: %s", buf.String())
	}

	// Raise verbosity for the storage engine only.
	filter.SetLevel("storage-engine", slog.LevelDebug)

	storageLogger.Debug("flush candidate selected again")
	queryLogger.Debug("bucket built again")

	output := buf.String()
	if !strings.Contains(output, "flush candidate selected again") {
		t.Errorf("expected storage-engine debug log, got: %s", output)
	}
	if strings.Contains(output, "bucket built") {
		t.Errorf("did not expect query-engine debug log, got: %s", output)
	}
}

func TestComponentFilterHandlerWithGroup(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewComponentFilterHandler(capture, slog.LevelInfo)

	logger := slog.New(filter.WithGroup("recovery"))

	logger.Info("chunks loaded", "component", "storage-engine")
	if capture.count() != 1 {
		t.Errorf("expected 1 record, got %d", capture.count())
	}

	logger.Debug("chunk detail", "component", "storage-engine")
	if capture.count() != 1 {
		t.Errorf("expected 1 record (debug filtered), got %d", capture.count())
	}
}

func TestComponentFilterHandlerClearLevelAbsent(t *testing.T) {
	filter := NewComponentFilterHandler(nil, slog.LevelInfo)

	// Clearing a component that was never set is a no-op.
	filter.ClearLevel("query-engine")

	if level := filter.Level("query-engine"); level != slog.LevelInfo {
		t.Errorf("expected INFO, got %v", level)
	}
}
