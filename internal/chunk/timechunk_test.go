package chunk

import (
	"testing"
	"time"

	"github.com/arborhealth/vitalstore/internal/record"
)

func mkRecord(ts int64, metric string, value float64, resourceType string) record.Record {
	return record.Record{
		Timestamp:    ts,
		MetricName:   metric,
		Value:        value,
		ResourceType: resourceType,
	}
}

func TestAppendOutOfRange(t *testing.T) {
	c := New(0, 100, time.Unix(0, 0))
	err := c.Append(mkRecord(200, "patient1|hr|bpm", 72, "Observation"), time.Unix(0, 0))
	if err != ErrOutOfTimeRange {
		t.Fatalf("expected ErrOutOfTimeRange, got %v", err)
	}
}

func TestAppendAndRange(t *testing.T) {
	c := New(0, 100, time.Unix(0, 0))
	now := time.Unix(0, 0)

	for _, ts := range []int64{10, 20, 30, 90} {
		if err := c.Append(mkRecord(ts, "patient1|hr|bpm", float64(ts), "Observation"), now); err != nil {
			t.Fatalf("append %d: %v", ts, err)
		}
	}

	got := c.Range(15, 50, "patient1|hr|bpm")
	if len(got) != 2 {
		t.Fatalf("expected 2 records in [15,50), got %d", len(got))
	}
	if got[0].Timestamp != 20 || got[1].Timestamp != 30 {
		t.Fatalf("unexpected records: %+v", got)
	}
}

func TestRangeUnknownMetricReturnsEmpty(t *testing.T) {
	c := New(0, 100, time.Unix(0, 0))
	if got := c.Range(0, 100, "nope"); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestRangeStrictUnknownMetric(t *testing.T) {
	c := New(0, 100, time.Unix(0, 0))
	if _, err := c.RangeStrict(0, 100, "nope"); err != ErrIndexError {
		t.Fatalf("expected ErrIndexError, got %v", err)
	}
}

func TestLatestPicksMaxTimestampRegardlessOfInsertOrder(t *testing.T) {
	c := New(0, 100, time.Unix(0, 0))
	now := time.Unix(0, 0)
	_ = c.Append(mkRecord(50, "m", 1, ""), now)
	_ = c.Append(mkRecord(10, "m", 2, ""), now)
	_ = c.Append(mkRecord(90, "m", 3, ""), now)

	latest, ok := c.Latest("m")
	if !ok {
		t.Fatal("expected ok")
	}
	if latest.Timestamp != 90 {
		t.Fatalf("expected latest ts 90, got %d", latest.Timestamp)
	}
}

func TestLatestAbsentMetric(t *testing.T) {
	c := New(0, 100, time.Unix(0, 0))
	if _, ok := c.Latest("nope"); ok {
		t.Fatal("expected !ok")
	}
}

func TestMetricsListSorted(t *testing.T) {
	c := New(0, 100, time.Unix(0, 0))
	now := time.Unix(0, 0)
	_ = c.Append(mkRecord(1, "zebra", 1, ""), now)
	_ = c.Append(mkRecord(1, "alpha", 1, ""), now)

	got := c.MetricsList()
	if len(got) != 2 || got[0] != "alpha" || got[1] != "zebra" {
		t.Fatalf("unexpected metrics list: %v", got)
	}
}

func TestMetricsForResource(t *testing.T) {
	c := New(0, 100, time.Unix(0, 0))
	now := time.Unix(0, 0)
	_ = c.Append(mkRecord(1, "patient1|hr|bpm", 1, "Observation"), now)
	_ = c.Append(mkRecord(1, "patient1|spo2|pct", 1, "Observation"), now)
	_ = c.Append(mkRecord(1, "device1|battery|pct", 1, "Device"), now)

	got := c.MetricsForResource("Observation")
	if len(got) != 2 {
		t.Fatalf("expected 2 metrics for Observation, got %v", got)
	}

	if got := c.MetricsForResource("nope"); got != nil {
		t.Fatalf("expected nil for unknown resource type, got %v", got)
	}
}

func TestSummarize(t *testing.T) {
	c := New(0, 100, time.Unix(0, 0))
	now := time.Unix(0, 0)
	for _, v := range []float64{10, 20, 30} {
		_ = c.Append(mkRecord(1, "m", v, ""), now)
	}

	s, err := c.Summarize("m")
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if s.Count != 3 || s.Min != 10 || s.Max != 30 || s.Mean != 20 {
		t.Fatalf("unexpected summary: %+v", s)
	}
}

func TestSummarizeUnknownMetric(t *testing.T) {
	c := New(0, 100, time.Unix(0, 0))
	if _, err := c.Summarize("nope"); err != ErrIndexError {
		t.Fatalf("expected ErrIndexError, got %v", err)
	}
}

func TestIsFullConsultsFullnessPolicy(t *testing.T) {
	c := New(0, 100, time.Unix(0, 0))
	c.SetFullnessPolicy(NewRecordCountPolicy(2))
	now := time.Unix(0, 0)

	_ = c.Append(mkRecord(1, "m", 1, ""), now)
	_ = c.Append(mkRecord(2, "m", 1, ""), now)
	if c.IsFull() {
		t.Fatal("expected not full at threshold")
	}
	_ = c.Append(mkRecord(3, "m", 1, ""), now)
	if !c.IsFull() {
		t.Fatal("expected full past threshold")
	}
}

func TestValidateDetectsOutOfOrder(t *testing.T) {
	c := New(0, 100, time.Unix(0, 0))
	now := time.Unix(0, 0)
	_ = c.Append(mkRecord(10, "m", 1, ""), now)
	_ = c.Append(mkRecord(5, "m", 1, ""), now)

	if err := c.Validate(); err != ErrValidationFailed {
		t.Fatalf("expected ErrValidationFailed for out-of-order records, got %v", err)
	}
}

func TestValidateHealthyChunk(t *testing.T) {
	c := New(0, 100, time.Unix(0, 0))
	now := time.Unix(0, 0)
	_ = c.Append(mkRecord(5, "m", 1, ""), now)
	_ = c.Append(mkRecord(10, "m", 1, ""), now)

	if err := c.Validate(); err != nil {
		t.Fatalf("expected valid chunk, got %v", err)
	}
}

func TestDirtyFlag(t *testing.T) {
	c := New(0, 100, time.Unix(0, 0))
	if c.IsDirty() {
		t.Fatal("new chunk should not be dirty")
	}
	_ = c.Append(mkRecord(1, "m", 1, ""), time.Unix(0, 0))
	if !c.IsDirty() {
		t.Fatal("expected dirty after append")
	}
	c.MarkClean()
	if c.IsDirty() {
		t.Fatal("expected clean after MarkClean")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	c := New(0, 100, time.Unix(0, 0))
	_ = c.Append(mkRecord(1, "m", 1, "Observation"), time.Unix(0, 0))

	clone := c.Clone()
	_ = c.Append(mkRecord(2, "m", 2, "Observation"), time.Unix(0, 0))

	if len(clone.Range(0, 100, "m")) != 1 {
		t.Fatalf("clone should be unaffected by subsequent appends to original")
	}
	if len(c.Range(0, 100, "m")) != 2 {
		t.Fatalf("original should have both records")
	}
}

func TestMergeAdjacentWindows(t *testing.T) {
	a := New(0, 100, time.Unix(0, 0))
	b := New(100, 200, time.Unix(0, 0))
	_ = a.Append(mkRecord(10, "m", 1, ""), time.Unix(0, 0))
	_ = b.Append(mkRecord(110, "m", 2, ""), time.Unix(0, 0))

	if err := a.Merge(b); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if a.End() != 200 {
		t.Fatalf("expected merged end 200, got %d", a.End())
	}
	if len(a.Range(0, 200, "m")) != 2 {
		t.Fatal("expected both records present after merge")
	}
}

func TestMergeDisjointFails(t *testing.T) {
	a := New(0, 100, time.Unix(0, 0))
	b := New(500, 600, time.Unix(0, 0))

	if err := a.Merge(b); err != ErrDisjointMerge {
		t.Fatalf("expected ErrDisjointMerge, got %v", err)
	}
}

func TestMetaReflectsState(t *testing.T) {
	c := New(0, 100, time.Unix(0, 0))
	_ = c.Append(mkRecord(1, "m", 1, ""), time.Unix(0, 0))

	meta := c.Meta()
	if meta.RecordCount != 1 || meta.Start != 0 || meta.End != 100 || !meta.Dirty {
		t.Fatalf("unexpected meta: %+v", meta)
	}
}
