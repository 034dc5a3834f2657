// Package query implements the QueryEngine: the analytics layer sitting on
// top of a StorageEngine. It turns raw ranges of records into aggregated
// time series, time-chunked groupings, trend fits, summary statistics,
// outlier flags, and rate of change, without ever touching chunk files
// directly.
package query

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/arborhealth/vitalstore/internal/logging"
	"github.com/arborhealth/vitalstore/internal/record"
	"github.com/google/uuid"
)

var (
	ErrInvalidTimeRange   = errors.New("query: start must be before end")
	ErrInvalidInterval    = errors.New("query: interval must be positive")
	ErrNoMetrics          = errors.New("query: at least one metric is required")
	ErrUnknownAggregation = errors.New("query: unknown aggregation function")
)

// Aggregation names the reduction applied to a group of records. The zero
// value, "", means "no aggregation": matching records are concatenated raw.
type Aggregation string

const (
	None  Aggregation = ""
	Mean  Aggregation = "mean"
	Max   Aggregation = "max"
	Min   Aggregation = "min"
	Count Aggregation = "count"
	Sum   Aggregation = "sum"
)

func (a Aggregation) valid() bool {
	switch a {
	case None, Mean, Max, Min, Count, Sum:
		return true
	default:
		return false
	}
}

// Store is the subset of StorageEngine the query engine depends on. Kept
// as an interface so tests can substitute an in-memory fake instead of
// standing up a full persistence-backed engine.
type Store interface {
	QueryRange(start, end int64, metric string) ([]record.Record, error)
	QueryByResourceType(start, end int64, resourceType string) ([]record.Record, error)
}

// TimeSeriesQuery describes a range query over one or more metrics, with
// optional aggregation and interval-bucketed grouping.
type TimeSeriesQuery struct {
	Start   int64
	End     int64
	Metrics []string

	// Aggregation is optional. Its zero value (None) means "return raw
	// records, concatenated, with no reduction."
	Aggregation Aggregation

	// Interval is the bucket width in seconds. Only meaningful when
	// Aggregation is set:
	//   - Aggregation set, Interval zero: fold every matching record for a
	//     metric into a single aggregate record.
	//   - Aggregation set, Interval positive: group records by
	//     align(timestamp, Interval) and emit one aggregate record per
	//     group.
	Interval int64
}

// Series is the result for a single metric: either its raw records
// (Aggregation == None) or one aggregate record per group.
type Series struct {
	Metric  string          `json:"metric"`
	Records []record.Record `json:"records"`
}

// Engine is the QueryEngine.
type Engine struct {
	store  Store
	logger *slog.Logger
}

// New constructs a QueryEngine over store.
func New(store Store, logger *slog.Logger) *Engine {
	return &Engine{store: store, logger: logging.Default(logger).With("component", "query-engine")}
}

// QueryRange runs q and returns one Series per requested metric. With no
// aggregation set, each Series carries every matching record unmodified.
// With an aggregation and no interval, each Series carries a single
// aggregate record spanning the whole query window. With both an
// aggregation and an interval, each Series carries one aggregate record
// per align(timestamp, Interval) bucket, ordered by bucket start; each
// aggregate's timestamp, context, and resource type are taken from the
// first record folded into it, not from the bucket boundary — a caller
// that needs the bucket's own start must recompute it via align.
func (e *Engine) QueryRange(q TimeSeriesQuery) ([]Series, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	correlationID := uuid.New().String()
	logger := e.logger.With("query_id", correlationID)
	logger.Debug("query range", "start", q.Start, "end", q.End, "metrics", q.Metrics, "aggregation", q.Aggregation)

	out := make([]Series, 0, len(q.Metrics))
	for _, metric := range q.Metrics {
		recs, err := e.store.QueryRange(q.Start, q.End, metric)
		if err != nil {
			return nil, fmt.Errorf("query: range for %s: %w", metric, err)
		}
		out = append(out, Series{Metric: metric, Records: reduceSeries(recs, q.Aggregation, q.Interval)})
	}
	return out, nil
}

// MetricTimeChunked is QueryRange's fixed-interval special case over named
// metrics: every result bucket is exactly Interval seconds wide, covering
// [Start, End). It exists as a distinct entry point because most callers
// (dashboards, downsampling jobs) always supply an interval and never want
// the single-bucket whole-range behavior QueryRange falls back to when
// Interval is zero. An explicit aggregation is required — a caller that
// wants raw, ungrouped records should call QueryRange with no aggregation.
func (e *Engine) MetricTimeChunked(q TimeSeriesQuery) ([]Series, error) {
	if q.Interval <= 0 {
		return nil, ErrInvalidInterval
	}
	if q.Aggregation == None {
		return nil, ErrUnknownAggregation
	}
	return e.QueryRange(q)
}

// TimeChunkGroup is one bucket of QueryTimeChunked's output: every record
// for the requested resource type whose timestamp aligns into
// [ChunkStart, ChunkEnd).
type TimeChunkGroup struct {
	ChunkStart int64           `json:"chunk_start"`
	ChunkEnd   int64           `json:"chunk_end"`
	Records    []record.Record `json:"records"`
}

// QueryTimeChunked fetches every record for resourceType in [start, end)
// via QueryByResourceType and groups them by align(timestamp,
// chunkSizeSecs), returning one TimeChunkGroup per non-empty bucket,
// sorted by ChunkStart. chunkSizeSecs is a query-time grouping width,
// entirely independent of the storage engine's own chunk duration — a
// caller may ask for 5-minute buckets over data stored in 1-hour chunks,
// or vice versa.
func (e *Engine) QueryTimeChunked(resourceType string, start, end, chunkSizeSecs int64) ([]TimeChunkGroup, error) {
	if start >= end {
		return nil, ErrInvalidTimeRange
	}
	if chunkSizeSecs <= 0 {
		return nil, ErrInvalidInterval
	}

	recs, err := e.store.QueryByResourceType(start, end, resourceType)
	if err != nil {
		return nil, fmt.Errorf("query: time chunked for %s: %w", resourceType, err)
	}

	groups := make(map[int64][]record.Record)
	for _, r := range recs {
		key := alignDown(r.Timestamp, chunkSizeSecs)
		groups[key] = append(groups[key], r)
	}

	keys := make([]int64, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := make([]TimeChunkGroup, 0, len(keys))
	for _, k := range keys {
		bucket := groups[k]
		sortByTimestamp(bucket)
		out = append(out, TimeChunkGroup{ChunkStart: k, ChunkEnd: k + chunkSizeSecs, Records: bucket})
	}
	return out, nil
}

func validateQuery(q TimeSeriesQuery) error {
	if q.Start >= q.End {
		return ErrInvalidTimeRange
	}
	if len(q.Metrics) == 0 {
		return ErrNoMetrics
	}
	if !q.Aggregation.valid() {
		return ErrUnknownAggregation
	}
	if q.Interval < 0 {
		return ErrInvalidInterval
	}
	return nil
}

// reduceSeries implements TimeSeriesQuery's three modes: raw concatenation,
// whole-range aggregate, and interval-bucketed aggregate.
func reduceSeries(recs []record.Record, agg Aggregation, interval int64) []record.Record {
	switch {
	case agg == None:
		return recs
	case interval <= 0:
		if len(recs) == 0 {
			return nil
		}
		return []record.Record{aggregateGroup(recs, agg)}
	default:
		return bucketizeRecords(recs, interval, agg)
	}
}

// bucketizeRecords groups recs by align(timestamp, interval) and folds each
// group into one aggregate record, ordered by the group's bucket key.
func bucketizeRecords(recs []record.Record, interval int64, agg Aggregation) []record.Record {
	groups := make(map[int64][]record.Record)
	var order []int64
	for _, r := range recs {
		key := alignDown(r.Timestamp, interval)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], r)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	out := make([]record.Record, 0, len(order))
	for _, key := range order {
		out = append(out, aggregateGroup(groups[key], agg))
	}
	return out
}

// aggregateGroup folds recs (assumed non-empty) into a single record whose
// value is reduce(values, agg) and whose timestamp/context/resource type
// are copied from the first record in recs in arrival order, not sorted by
// timestamp.
func aggregateGroup(recs []record.Record, agg Aggregation) record.Record {
	first := recs[0]
	return record.Record{
		Timestamp:    first.Timestamp,
		MetricName:   first.MetricName,
		Value:        reduce(valuesOf(recs), agg),
		Context:      first.Context.Copy(),
		ResourceType: first.ResourceType,
	}
}

func reduce(values []float64, agg Aggregation) float64 {
	if len(values) == 0 {
		if agg == Count || agg == Sum {
			return 0
		}
		return math.NaN()
	}

	switch agg {
	case Count:
		return float64(len(values))
	case Sum:
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum
	case Mean:
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	case Min:
		m := values[0]
		for _, v := range values[1:] {
			if v < m {
				m = v
			}
		}
		return m
	case Max:
		m := values[0]
		for _, v := range values[1:] {
			if v > m {
				m = v
			}
		}
		return m
	default:
		return math.NaN()
	}
}

// alignDown floors ts to the nearest multiple of width at or below it,
// using floor division so negative timestamps align toward negative
// infinity rather than toward zero. This mirrors chunk.AlignID's
// semantics, but query-time bucket width is an independent parameter from
// the storage engine's chunk duration, so it is reimplemented locally
// rather than imported from internal/chunk.
func alignDown(ts, width int64) int64 {
	if width <= 0 {
		return ts
	}
	q := ts / width
	r := ts % width
	if r < 0 {
		q--
	}
	return q * width
}

// QueryByResourceType returns every raw record in [start, end) across
// every metric indexed under resourceType. Unlike QueryRange, results are
// not aggregated — this is the entry point for "show me everything about
// this patient/device" style lookups.
func (e *Engine) QueryByResourceType(start, end int64, resourceType string) ([]record.Record, error) {
	if start >= end {
		return nil, ErrInvalidTimeRange
	}
	recs, err := e.store.QueryByResourceType(start, end, resourceType)
	if err != nil {
		return nil, fmt.Errorf("query: by resource type %s: %w", resourceType, err)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Timestamp < recs[j].Timestamp })
	return recs, nil
}
