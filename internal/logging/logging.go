// Package logging provides the structured-logging conventions shared by
// every long-lived component in the store.
//
// A single base *slog.Logger is built in main() and handed down through
// each component's Config; nothing in this module calls slog.SetDefault
// or reaches for a process-global logger. Components scope the injected
// logger once, at construction:
//
//	logger := logging.Default(cfg.Logger).With("component", "wal")
//
// so every line a component emits carries its "component" attribute
// ("wal", "persistence", "storage-engine", "query-engine", ...). A nil
// injected logger disables logging for that component entirely.
//
// Log points sit at lifecycle boundaries — recovery, flush, truncation,
// retention sweeps, skip-and-log corruption handling — never inside the
// insert or range-scan hot paths.
package logging

import (
	"context"
	"log/slog"
	"maps"
	"sync/atomic"
)

// discardHandler drops every record without formatting it.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that drops all output.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default resolves an optional injected logger: the logger itself if
// non-nil, a discard logger otherwise. Every component constructor in this
// module runs its Config.Logger through Default before scoping it.
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// levelTable holds the per-component minimum levels behind an atomic
// pointer. Reads (one per log record) are lock-free snapshot loads; writes
// copy the map, mutate the copy, and swap the pointer. Handlers derived
// via WithAttrs/WithGroup all point at the same table, so raising the
// "storage-engine" level mid-run affects every logger already scoped to
// that component.
type levelTable struct {
	levels atomic.Pointer[map[string]slog.Level]
}

func newLevelTable() *levelTable {
	t := &levelTable{}
	empty := make(map[string]slog.Level)
	t.levels.Store(&empty)
	return t
}

func (t *levelTable) lookup(component string) (slog.Level, bool) {
	level, ok := (*t.levels.Load())[component]
	return level, ok
}

func (t *levelTable) set(component string, level slog.Level) {
	old := *t.levels.Load()
	next := make(map[string]slog.Level, len(old)+1)
	maps.Copy(next, old)
	next[component] = level
	t.levels.Store(&next)
}

func (t *levelTable) clear(component string) {
	old := *t.levels.Load()
	if _, ok := old[component]; !ok {
		return
	}
	next := make(map[string]slog.Level, len(old))
	for k, v := range old {
		if k != component {
			next[k] = v
		}
	}
	t.levels.Store(&next)
}

// ComponentFilterHandler wraps another slog.Handler and drops records
// below a per-component minimum level, keyed on each record's "component"
// attribute. It lets an operator chasing a recovery or flush problem turn
// on debug output for just "storage-engine" or "wal" while the rest of the
// store stays at the default level, without any component knowing levels
// exist.
//
//	base := slog.NewJSONHandler(os.Stderr, nil)
//	filter := logging.NewComponentFilterHandler(base, slog.LevelInfo)
//	logger := slog.New(filter)
//	...
//	filter.SetLevel("wal", slog.LevelDebug)
//
// Components without an explicit entry use the default level. Level
// changes are safe to make concurrently with logging.
type ComponentFilterHandler struct {
	sink     slog.Handler
	fallback slog.Level

	// scoped holds attributes attached via WithAttrs, where a
	// component-scoped logger's "component" attribute lands before any
	// per-record attributes are visible.
	scoped []slog.Attr

	table *levelTable
}

// NewComponentFilterHandler wraps next with per-component level filtering.
// Records for components without an explicit SetLevel entry pass when at
// or above defaultLevel.
func NewComponentFilterHandler(next slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	return &ComponentFilterHandler{
		sink:     next,
		fallback: defaultLevel,
		table:    newLevelTable(),
	}
}

// Enabled always reports true: the decision needs the record's
// "component" attribute, which is only visible in Handle.
func (h *ComponentFilterHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

// Handle drops the record if it sits below the minimum level for its
// component, and forwards it to the wrapped handler otherwise.
func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	minLevel := h.fallback
	if component := h.componentOf(r); component != "" {
		if level, ok := h.table.lookup(component); ok {
			minLevel = level
		}
	}
	if r.Level < minLevel {
		return nil
	}
	if !h.sink.Enabled(ctx, r.Level) {
		return nil
	}
	return h.sink.Handle(ctx, r)
}

// componentOf finds the record's "component" attribute, checking the
// handler's scoped attributes first (the construction-time
// `.With("component", ...)` path every component here uses) and the
// record's own attributes second.
func (h *ComponentFilterHandler) componentOf(r slog.Record) string {
	for _, attr := range h.scoped {
		if attr.Key != "component" {
			continue
		}
		if s, ok := attr.Value.Resolve().Any().(string); ok {
			return s
		}
	}

	var component string
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != "component" {
			return true
		}
		if s, ok := a.Value.Resolve().Any().(string); ok {
			component = s
			return false
		}
		return true
	})
	return component
}

// WithAttrs returns a handler carrying attrs, sharing this handler's
// level table so later SetLevel calls reach the derived logger too.
func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	scoped := make([]slog.Attr, 0, len(h.scoped)+len(attrs))
	scoped = append(scoped, h.scoped...)
	scoped = append(scoped, attrs...)

	return &ComponentFilterHandler{
		sink:     h.sink.WithAttrs(attrs),
		fallback: h.fallback,
		scoped:   scoped,
		table:    h.table,
	}
}

// WithGroup returns a handler that opens a group on the wrapped handler,
// sharing this handler's level table.
func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &ComponentFilterHandler{
		sink:     h.sink.WithGroup(name),
		fallback: h.fallback,
		scoped:   h.scoped,
		table:    h.table,
	}
}

// SetLevel sets the minimum level for a component at runtime. Safe to call
// concurrently with logging.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	h.table.set(component, level)
}

// ClearLevel removes a component's explicit level, reverting it to the
// default.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	h.table.clear(component)
}

// Level reports the effective minimum level for a component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	if level, ok := h.table.lookup(component); ok {
		return level
	}
	return h.fallback
}

// DefaultLevel reports the level components without an explicit entry use.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	return h.fallback
}
