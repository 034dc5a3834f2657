package chunk

import (
	"maps"
	"sort"
	"strings"
	"time"

	"github.com/arborhealth/vitalstore/internal/record"
)

// TimeChunk is a bucket holding every record whose timestamp falls in
// [Start, End). It keeps two indexes:
//
//   - primary: metric name -> ordered sequence of records (insertion order;
//     callers asking for "latest" must not assume insertion order tracks
//     timestamp order and must compute the max explicitly)
//   - secondary: resource type -> set of metric names present in this chunk
//
// A TimeChunk carries no internal lock. It is exclusively owned and
// synchronized by its StorageEngine, whose chunk-map rwlock is the only
// thing that may ever observe a TimeChunk from more than one goroutine at
// a time (except for a Clone()'d snapshot, which is a distinct value).
type TimeChunk struct {
	start, end int64

	primary   map[string][]record.Record
	secondary map[string]map[string]struct{}

	createdAt  time.Time
	lastAccess time.Time

	recordCount int

	compressionState CompressionState
	compressionRatio float64

	dirty bool

	fullness FullnessPolicy
}

// New creates an empty chunk covering the half-open window [start, end).
// now is used to stamp CreatedAt/LastAccess, and is threaded through rather
// than calling time.Now() so recovery can recreate a chunk's timestamps
// deterministically in tests.
func New(start, end int64, now time.Time) *TimeChunk {
	return &TimeChunk{
		start:            start,
		end:              end,
		primary:          make(map[string][]record.Record),
		secondary:        make(map[string]map[string]struct{}),
		createdAt:        now,
		lastAccess:       now,
		compressionState: Uncompressed,
		fullness:         DefaultFullnessPolicy(),
	}
}

func (c *TimeChunk) Start() int64 { return c.start }
func (c *TimeChunk) End() int64   { return c.end }

// SetFullnessPolicy overrides the policy IsFull consults. Used by
// StorageEngine's debug settings to shrink chunk capacity under test.
func (c *TimeChunk) SetFullnessPolicy(p FullnessPolicy) {
	if p == nil {
		p = DefaultFullnessPolicy()
	}
	c.fullness = p
}

// CanAccept reports whether ts falls inside [Start, End).
func (c *TimeChunk) CanAccept(ts int64) bool {
	return ts >= c.start && ts < c.end
}

// Append adds rec to the primary and secondary indexes. Fails with
// ErrOutOfTimeRange if rec.Timestamp is outside [Start, End).
func (c *TimeChunk) Append(rec record.Record, now time.Time) error {
	if !c.CanAccept(rec.Timestamp) {
		return ErrOutOfTimeRange
	}

	c.primary[rec.MetricName] = append(c.primary[rec.MetricName], rec)

	if rec.ResourceType != "" {
		set, ok := c.secondary[rec.ResourceType]
		if !ok {
			set = make(map[string]struct{})
			c.secondary[rec.ResourceType] = set
		}
		set[rec.MetricName] = struct{}{}
	}

	c.recordCount++
	c.dirty = true
	c.lastAccess = now

	return nil
}

// Range returns references to every record for metric with
// start <= ts < end. Returns an empty slice (not an error) if the window
// doesn't intersect the chunk or the metric is absent — strict absence
// signaling is IndexError, reserved for callers that explicitly opt into it
// via RangeStrict.
func (c *TimeChunk) Range(start, end int64, metric string) []record.Record {
	if end <= c.start || start >= c.end {
		return nil
	}
	recs, ok := c.primary[metric]
	if !ok {
		return nil
	}

	out := make([]record.Record, 0, len(recs))
	for _, r := range recs {
		if r.Timestamp >= start && r.Timestamp < end {
			out = append(out, r)
		}
	}
	return out
}

// RangeStrict behaves like Range but reports ErrIndexError when metric has
// never been seen in this chunk, for callers that need to distinguish
// "no data in range" from "unknown metric".
func (c *TimeChunk) RangeStrict(start, end int64, metric string) ([]record.Record, error) {
	if _, ok := c.primary[metric]; !ok {
		return nil, ErrIndexError
	}
	return c.Range(start, end, metric), nil
}

// Latest returns the record with the greatest timestamp for metric. It
// computes the max explicitly rather than assuming the last-inserted record
// carries the latest timestamp, since insertion order and timestamp order
// may diverge (e.g. out-of-order WAL replay).
func (c *TimeChunk) Latest(metric string) (record.Record, bool) {
	recs, ok := c.primary[metric]
	if !ok || len(recs) == 0 {
		return record.Record{}, false
	}

	best := recs[0]
	for _, r := range recs[1:] {
		if r.Timestamp > best.Timestamp {
			best = r
		}
	}
	return best, true
}

// Contains reports whether an identical record is already present under
// rec's metric. Used at recovery to avoid re-applying WAL frames whose
// records a disk-loaded chunk file already holds.
func (c *TimeChunk) Contains(rec record.Record) bool {
	for _, r := range c.primary[rec.MetricName] {
		if r.Timestamp == rec.Timestamp &&
			r.Value == rec.Value &&
			r.ResourceType == rec.ResourceType &&
			maps.Equal(r.Context, rec.Context) {
			return true
		}
	}
	return false
}

// Sample returns one record for metric, for callers that classify a metric
// by inspecting a representative record rather than reading them all.
func (c *TimeChunk) Sample(metric string) (record.Record, bool) {
	recs, ok := c.primary[metric]
	if !ok || len(recs) == 0 {
		return record.Record{}, false
	}
	return recs[0], true
}

// HasSecondaryIndex reports whether any resource type has been indexed in
// this chunk. A populated chunk with an empty secondary index is legacy
// data: its records predate resource-type indexing.
func (c *TimeChunk) HasSecondaryIndex() bool {
	return len(c.secondary) > 0
}

// MetricsList enumerates every metric name present in the primary index.
func (c *TimeChunk) MetricsList() []string {
	out := make([]string, 0, len(c.primary))
	for m := range c.primary {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// MetricsWithPrefix returns every metric in this chunk whose name starts
// with prefix.
func (c *TimeChunk) MetricsWithPrefix(prefix string) []string {
	var out []string
	for m := range c.primary {
		if strings.HasPrefix(m, prefix) {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}

// MetricsForResource enumerates the metric names indexed under resourceType
// via the secondary index.
func (c *TimeChunk) MetricsForResource(resourceType string) []string {
	set, ok := c.secondary[resourceType]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Summarize computes count/min/max/mean for metric, scoped to this chunk.
func (c *TimeChunk) Summarize(metric string) (Summary, error) {
	recs, ok := c.primary[metric]
	if !ok || len(recs) == 0 {
		return Summary{}, ErrIndexError
	}

	s := Summary{Count: len(recs), Min: recs[0].Value, Max: recs[0].Value}
	var sum float64
	for _, r := range recs {
		if r.Value < s.Min {
			s.Min = r.Value
		}
		if r.Value > s.Max {
			s.Max = r.Value
		}
		sum += r.Value
	}
	s.Mean = sum / float64(len(recs))
	return s, nil
}

// estimatedSize approximates the chunk's in-memory/on-disk footprint: for
// every metric, the key length plus record_count * recordBytes. recordBytes
// is a fixed per-record estimate (timestamp + value + small context),
// treating per-record overhead as a constant plus payload.
const estimatedRecordBytes = 64

func (c *TimeChunk) estimatedSize() int64 {
	var total int64
	for metric, recs := range c.primary {
		total += int64(len(metric)) + int64(len(recs))*estimatedRecordBytes
	}
	return total
}

// IsFull reports whether the chunk has reached its fullness policy's
// threshold (by default: more than 10,000 records, or an estimated size
// over 1,000,000 bytes).
func (c *TimeChunk) IsFull() bool {
	return c.fullness.IsFull(FullnessState{
		RecordCount:   c.recordCount,
		EstimatedSize: c.estimatedSize(),
	})
}

// Validate checks the chunk's structural invariants: start < end, every
// record within the window, and per-metric timestamps non-decreasing.
func (c *TimeChunk) Validate() error {
	if c.start >= c.end {
		return ErrValidationFailed
	}
	for _, recs := range c.primary {
		var prev int64
		hasPrev := false
		for _, r := range recs {
			if r.Timestamp < c.start || r.Timestamp >= c.end {
				return ErrValidationFailed
			}
			if hasPrev && r.Timestamp < prev {
				return ErrValidationFailed
			}
			prev = r.Timestamp
			hasPrev = true
		}
	}
	return nil
}

// MarkClean clears the dirty flag after a successful flush.
func (c *TimeChunk) MarkClean() { c.dirty = false }

// IsDirty reports whether the chunk has been mutated since its last flush.
func (c *TimeChunk) IsDirty() bool { return c.dirty }

// Meta returns a snapshot of the chunk's bookkeeping fields.
func (c *TimeChunk) Meta() Meta {
	return Meta{
		ID:               ID(c.start),
		Start:            c.start,
		End:              c.end,
		CreatedAt:        c.createdAt,
		LastAccess:       c.lastAccess,
		RecordCount:      c.recordCount,
		CompressionState: c.compressionState,
		CompressionRatio: c.compressionRatio,
		Dirty:            c.dirty,
	}
}

// Clone returns a deep copy of the chunk, safe to flush on another
// goroutine while the original continues accepting appends. This backs
// StorageEngine's "clone under lock, flush outside lock" discipline.
func (c *TimeChunk) Clone() *TimeChunk {
	cp := &TimeChunk{
		start:            c.start,
		end:              c.end,
		primary:          make(map[string][]record.Record, len(c.primary)),
		secondary:        make(map[string]map[string]struct{}, len(c.secondary)),
		createdAt:        c.createdAt,
		lastAccess:       c.lastAccess,
		recordCount:      c.recordCount,
		compressionState: c.compressionState,
		compressionRatio: c.compressionRatio,
		dirty:            c.dirty,
		fullness:         c.fullness,
	}
	for metric, recs := range c.primary {
		cp.primary[metric] = append([]record.Record(nil), recs...)
	}
	for rtype, metrics := range c.secondary {
		set := make(map[string]struct{}, len(metrics))
		for m := range metrics {
			set[m] = struct{}{}
		}
		cp.secondary[rtype] = set
	}
	return cp
}

// Merge unions other's indexes into c. Requires the two windows to overlap
// or sit adjacent (c.end == other.start or other.end == c.start); returns
// ErrDisjointMerge otherwise. The merged window is the union of both.
func (c *TimeChunk) Merge(other *TimeChunk) error {
	overlaps := other.start < c.end && c.start < other.end
	adjacent := c.end == other.start || other.end == c.start
	if !overlaps && !adjacent {
		return ErrDisjointMerge
	}

	for metric, recs := range other.primary {
		c.primary[metric] = append(c.primary[metric], recs...)
	}
	for rtype, metrics := range other.secondary {
		set, ok := c.secondary[rtype]
		if !ok {
			set = make(map[string]struct{})
			c.secondary[rtype] = set
		}
		for m := range metrics {
			set[m] = struct{}{}
		}
	}

	if other.start < c.start {
		c.start = other.start
	}
	if other.end > c.end {
		c.end = other.end
	}
	c.recordCount += other.recordCount
	c.dirty = true

	return nil
}
