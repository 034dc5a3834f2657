package query

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/arborhealth/vitalstore/internal/record"
)

// TrendSample is one (timestamp, value) point from the fitted window,
// included in TrendResult.SamplePoints so a caller can render the fit
// alongside the data it was computed from without re-querying.
type TrendSample struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// TrendResult is the result of an ordinary-least-squares linear fit over a
// metric's values against time, plus the descriptive range of the
// underlying window (start/end/min/max values and standard deviation) and
// up to 20 evenly-spaced sample points for rendering the fit against the
// source data.
type TrendResult struct {
	Slope     float64 `json:"slope"`
	Intercept float64 `json:"intercept"`
	RSquared  float64 `json:"r_squared"`
	StdDev    float64 `json:"std_dev"`
	Samples   int     `json:"samples"`

	StartValue float64 `json:"start_value"`
	EndValue   float64 `json:"end_value"`
	MinValue   float64 `json:"min_value"`
	MaxValue   float64 `json:"max_value"`

	// SamplePoints is at most 20 points drawn from the sorted, in-window
	// records, evenly spaced by index so a long series is represented
	// without returning every raw point.
	SamplePoints []TrendSample `json:"sample_points"`
}

// maxTrendSamplePoints bounds TrendResult.SamplePoints.
const maxTrendSamplePoints = 20

// subsamplePoints picks up to maxTrendSamplePoints points from sorted recs,
// evenly spaced by index, always including the first and last record.
func subsamplePoints(recs []record.Record) []TrendSample {
	n := len(recs)
	if n == 0 {
		return nil
	}
	if n <= maxTrendSamplePoints {
		out := make([]TrendSample, n)
		for i, r := range recs {
			out[i] = TrendSample{Timestamp: r.Timestamp, Value: r.Value}
		}
		return out
	}

	out := make([]TrendSample, 0, maxTrendSamplePoints)
	step := float64(n-1) / float64(maxTrendSamplePoints-1)
	for i := range maxTrendSamplePoints {
		idx := int(math.Round(float64(i) * step))
		if idx >= n {
			idx = n - 1
		}
		r := recs[idx]
		out = append(out, TrendSample{Timestamp: r.Timestamp, Value: r.Value})
	}
	return out
}

// Trend fits a line to metric's values over [start, end) using ordinary
// least squares, with the timestamp axis zeroed at start so Intercept
// reads as the value at the start of the window rather than at the Unix
// epoch.
func (e *Engine) Trend(start, end int64, metric string) (TrendResult, error) {
	if start >= end {
		return TrendResult{}, ErrInvalidTimeRange
	}
	recs, err := e.store.QueryRange(start, end, metric)
	if err != nil {
		return TrendResult{}, fmt.Errorf("query: trend for %s: %w", metric, err)
	}
	sortByTimestamp(recs)

	n := len(recs)
	if n == 0 {
		return TrendResult{}, nil
	}
	if n == 1 {
		v := recs[0].Value
		return TrendResult{
			Intercept:    v,
			Samples:      1,
			StartValue:   v,
			EndValue:     v,
			MinValue:     v,
			MaxValue:     v,
			SamplePoints: subsamplePoints(recs),
		}, nil
	}

	var sumX, sumY, sumXY, sumXX float64
	for _, r := range recs {
		x := float64(r.Timestamp - start)
		y := r.Value
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX

	var slope, intercept float64
	if denom != 0 {
		slope = (fn*sumXY - sumX*sumY) / denom
		intercept = (sumY - slope*sumX) / fn
	} else {
		// Every record shares the same timestamp; the fit degenerates to
		// a horizontal line through the mean.
		intercept = sumY / fn
	}

	meanY := sumY / fn
	var ssTot, ssRes float64
	for _, r := range recs {
		x := float64(r.Timestamp - start)
		predicted := slope*x + intercept
		ssRes += (r.Value - predicted) * (r.Value - predicted)
		ssTot += (r.Value - meanY) * (r.Value - meanY)
	}

	var rSquared float64
	if ssTot != 0 {
		rSquared = 1 - ssRes/ssTot
	}

	minV, maxV := recs[0].Value, recs[0].Value
	for _, r := range recs[1:] {
		if r.Value < minV {
			minV = r.Value
		}
		if r.Value > maxV {
			maxV = r.Value
		}
	}

	return TrendResult{
		Slope:        slope,
		Intercept:    intercept,
		RSquared:     rSquared,
		StdDev:       stddev(valuesOf(recs), meanY),
		Samples:      n,
		StartValue:   recs[0].Value,
		EndValue:     recs[n-1].Value,
		MinValue:     minV,
		MaxValue:     maxV,
		SamplePoints: subsamplePoints(recs),
	}, nil
}

// StatsResult summarizes a metric's value distribution over a window.
type StatsResult struct {
	Count      int     `json:"count"`
	Min        float64 `json:"min"`
	Max        float64 `json:"max"`
	Mean       float64 `json:"mean"`
	Median     float64 `json:"median"`
	StdDev     float64 `json:"std_dev"`
	P5         float64 `json:"p5"`
	P10        float64 `json:"p10"`
	P25        float64 `json:"p25"`
	P75        float64 `json:"p75"`
	P90        float64 `json:"p90"`
	P95        float64 `json:"p95"`
	P99        float64 `json:"p99"`
}

// Stats computes descriptive statistics for metric over [start, end).
func (e *Engine) Stats(start, end int64, metric string) (StatsResult, error) {
	if start >= end {
		return StatsResult{}, ErrInvalidTimeRange
	}
	recs, err := e.store.QueryRange(start, end, metric)
	if err != nil {
		return StatsResult{}, fmt.Errorf("query: stats for %s: %w", metric, err)
	}
	if len(recs) == 0 {
		return StatsResult{}, nil
	}

	values := valuesOf(recs)
	sort.Float64s(values)

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	return StatsResult{
		Count:  len(values),
		Min:    values[0],
		Max:    values[len(values)-1],
		Mean:   mean,
		Median: median(values),
		StdDev: stddev(values, mean),
		P5:     percentile(values, 5),
		P10:    percentile(values, 10),
		P25:    percentile(values, 25),
		P75:    percentile(values, 75),
		P90:    percentile(values, 90),
		P95:    percentile(values, 95),
		P99:    percentile(values, 99),
	}, nil
}

// Outlier flags a record whose Z-score against the window's mean/stddev
// exceeds the caller's threshold.
type Outlier struct {
	Record record.Record `json:"record"`
	// Deviation is the record's distance from the window mean, in the
	// metric's own units.
	Deviation float64 `json:"deviation"`
	ZScore    float64 `json:"z_score"`
	// Score is |z| / (|z| + 1), squashing the unbounded Z-score into
	// (0, 1) so outliers can be ranked and thresholded uniformly
	// regardless of the metric's underlying scale.
	Score float64 `json:"score"`
}

// DetectOutliers flags every record in [start, end) whose absolute Z-score
// (against the window's own mean and standard deviation) exceeds
// threshold, worst first.
func (e *Engine) DetectOutliers(start, end int64, metric string, threshold float64) ([]Outlier, error) {
	if start >= end {
		return nil, ErrInvalidTimeRange
	}
	recs, err := e.store.QueryRange(start, end, metric)
	if err != nil {
		return nil, fmt.Errorf("query: outliers for %s: %w", metric, err)
	}
	if len(recs) < 2 {
		return nil, nil
	}

	values := valuesOf(recs)
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	sd := stddev(values, mean)
	if sd == 0 {
		return nil, nil
	}

	var out []Outlier
	for _, r := range recs {
		z := (r.Value - mean) / sd
		if math.Abs(z) > threshold {
			out = append(out, Outlier{
				Record:    r,
				Deviation: r.Value - mean,
				ZScore:    z,
				Score:     math.Abs(z) / (math.Abs(z) + 1),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// RateOfChange computes the rate of change between each pair of
// consecutive, time-ordered records for metric, synthesizing a
// "<metric>_rate" record per pair whose Value is
// (delta value) / (delta timestamp in seconds) * periodSeconds — e.g. with
// periodSeconds=3600 the result reads as "units per hour" regardless of the
// actual sampling interval. Pairs with a non-positive time delta (repeated
// or out-of-order timestamps) are skipped rather than producing an
// infinite or negative-duration rate.
func (e *Engine) RateOfChange(start, end int64, metric string, periodSeconds float64) ([]record.Record, error) {
	if start >= end {
		return nil, ErrInvalidTimeRange
	}
	recs, err := e.store.QueryRange(start, end, metric)
	if err != nil {
		return nil, fmt.Errorf("query: rate of change for %s: %w", metric, err)
	}
	sortByTimestamp(recs)
	if len(recs) < 2 {
		return nil, nil
	}

	out := make([]record.Record, 0, len(recs)-1)
	for i := 1; i < len(recs); i++ {
		prev, cur := recs[i-1], recs[i]
		dt := cur.Timestamp - prev.Timestamp
		if dt <= 0 {
			continue
		}
		ctx := cur.Context.Copy()
		if ctx == nil {
			ctx = record.Context{}
		}
		ctx["rate_period_seconds"] = strconv.FormatFloat(periodSeconds, 'g', -1, 64)
		ctx["original_metric"] = metric

		out = append(out, record.Record{
			Timestamp:    cur.Timestamp,
			MetricName:   metric + "_rate",
			Value:        (cur.Value - prev.Value) / float64(dt) * periodSeconds,
			Context:      ctx,
			ResourceType: cur.ResourceType,
		})
	}
	return out, nil
}

func sortByTimestamp(recs []record.Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Timestamp < recs[j].Timestamp })
}

func valuesOf(recs []record.Record) []float64 {
	values := make([]float64, len(recs))
	for i, r := range recs {
		values[i] = r.Value
	}
	return values
}

func stddev(values []float64, mean float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sumSq float64
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)))
}

// median is the middle value of a pre-sorted slice, or the average of the
// two middle values when the count is even.
func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// percentile returns the value at pct (0-100) in a pre-sorted slice, at
// index round(pct/100 * (n-1)) — nearest-rank, not interpolated.
func percentile(sorted []float64, pct float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := int(math.Round((pct / 100) * float64(len(sorted)-1)))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
