// Package record defines Record, the uniform measurement tuple that flows
// through chunk storage, the write-ahead log, and the query engine. Every
// clinical resource (vitals, device telemetry, medication events, sampled
// waveforms) is flattened to a Record before it reaches this package; the
// mapping from resource documents to Records lives outside the core and is
// treated as an external collaborator.
package record

import (
	"maps"
)

// Context carries provenance for a Record: device, practitioner, sampling
// period, scaling factor, component role, and similar key-value metadata.
// Key order is not significant. It round-trips through chunk and WAL
// storage as a plain JSON object; there is no separate binary wire format
// for context.
type Context map[string]string

// Copy returns a deep copy of the context.
func (c Context) Copy() Context {
	if c == nil {
		return nil
	}
	cp := make(Context, len(c))
	maps.Copy(cp, c)
	return cp
}

// Record is the atomic measurement tuple stored by a chunk, framed by the
// write-ahead log, and returned by queries.
//
// MetricName is, by convention, pipe-separated (subject|code|unit or
// subject|code|component|unit or subject|code|sampled), but storage treats
// it as an uninterpreted key — no component in this module parses it.
type Record struct {
	Timestamp    int64   `json:"timestamp"`
	MetricName   string  `json:"metric_name"`
	Value        float64 `json:"value"`
	Context      Context `json:"context"`
	ResourceType string  `json:"resource_type"`
}

// Copy returns a deep copy of the record, safe to retain past the lifetime
// of any slice or index it was read from.
func (r Record) Copy() Record {
	return Record{
		Timestamp:    r.Timestamp,
		MetricName:   r.MetricName,
		Value:        r.Value,
		Context:      r.Context.Copy(),
		ResourceType: r.ResourceType,
	}
}
