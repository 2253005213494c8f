// Package config holds lazyd's runtime tunables.
//
// The Engine is a validated, versioned key/value store. Readers never lock:
// the live values sit behind an atomic pointer and every write builds a new
// copy before swapping it in, so a reader sees either all of a batch (or
// rollback) or none of it. Writers are serialized by a mutex.
package config

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"lazyd/internal/blobstore"
)

// Source records where a value came from.
type Source string

const (
	SourceDefault     Source = "default"
	SourceFile        Source = "file"
	SourceEnvironment Source = "environment"
	SourceRuntime     Source = "runtime"
	SourceService     Source = "service"
)

// Value is one live tunable.
type Value struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	Source    Source    `json:"source"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Change is an immutable audit record appended on every successful write.
type Change struct {
	Key       string    `json:"key"`
	Old       any       `json:"old"`
	New       any       `json:"new"`
	Source    Source    `json:"source"`
	Version   uint64    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	// SnapshotID is set when the change was applied by a rollback.
	SnapshotID string `json:"snapshot_id,omitempty"`
}

// Reader is the read side used by components. Missing keys return zero values.
type Reader interface {
	String(key string) string
	Int(key string) int64
	Float(key string) float64
	Bool(key string) bool
	Duration(key string) time.Duration
}

type state struct {
	values map[string]Value
}

// Options configures an Engine.
type Options struct {
	// Schema defaults to DefaultSchema().
	Schema []Definition
	// Store persists snapshots; nil keeps them in memory only.
	Store blobstore.Store
	Logger zerolog.Logger
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// Engine is the ConfigurationEngine.
type Engine struct {
	cur atomic.Pointer[state]

	mu     sync.Mutex // serializes writers
	defs   map[string]Definition
	store  blobstore.Store
	log    zerolog.Logger
	now    func() time.Time
	subMu  sync.RWMutex
	subs   map[int]func(Change)
	nextID int

	logMu   sync.RWMutex
	changes []Change

	snapMu    sync.RWMutex
	snapshots []*Snapshot // oldest first
}

var _ Reader = (*Engine)(nil)

// New builds an Engine seeded with the schema defaults.
func New(opts Options) *Engine {
	schema := opts.Schema
	if schema == nil {
		schema = DefaultSchema()
	}
	e := &Engine{
		defs:  make(map[string]Definition, len(schema)),
		store: opts.Store,
		log:   opts.Logger,
		now:   opts.Now,
		subs:  make(map[int]func(Change)),
	}
	if e.now == nil {
		e.now = time.Now
	}
	st := &state{values: make(map[string]Value, len(schema))}
	ts := e.now()
	for _, d := range schema {
		v, err := coerce(d.Rule.Kind, d.Default)
		if err != nil {
			panic(fmt.Sprintf("config: bad default for %s: %v", d.Key, err))
		}
		e.defs[d.Key] = d
		st.values[d.Key] = Value{Key: d.Key, Value: v, Source: SourceDefault, Version: 1, UpdatedAt: ts}
	}
	e.cur.Store(st)
	return e
}

// Register adds (or replaces) a key definition at runtime. An existing value
// that still validates is kept; otherwise the key is reset to the default.
func (e *Engine) Register(d Definition) error {
	def, err := coerce(d.Rule.Kind, d.Default)
	if err != nil {
		return &ValidationError{Key: d.Key, Problems: []string{"default: " + err.Error()}}
	}
	if p := check(d.Rule, def); len(p) > 0 {
		return &ValidationError{Key: d.Key, Problems: p}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defs[d.Key] = d
	old := e.cur.Load()
	next := &state{values: maps.Clone(old.values)}
	if cur, ok := old.values[d.Key]; ok {
		if v, err := coerce(d.Rule.Kind, cur.Value); err == nil && len(check(d.Rule, v)) == 0 {
			cur.Value = v
			next.values[d.Key] = cur
			e.cur.Store(next)
			return nil
		}
	}
	next.values[d.Key] = Value{Key: d.Key, Value: def, Source: SourceDefault, Version: 1, UpdatedAt: e.now()}
	e.cur.Store(next)
	return nil
}

// Get returns the live value for key.
func (e *Engine) Get(key string) (Value, bool) {
	v, ok := e.cur.Load().values[key]
	return v, ok
}

// All returns the live values sorted by key.
func (e *Engine) All() []Value {
	st := e.cur.Load()
	out := make([]Value, 0, len(st.values))
	for _, v := range st.values {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Validate checks value against the rule for key without writing it.
func (e *Engine) Validate(key string, value any) error {
	_, err := e.normalize(key, value)
	return err
}

func (e *Engine) normalize(key string, value any) (any, error) {
	e.mu.Lock()
	d, ok := e.defs[key]
	e.mu.Unlock()
	return normalizeWith(d, ok, key, value)
}

func normalizeWith(d Definition, ok bool, key string, value any) (any, error) {
	if !ok {
		return nil, &ValidationError{Key: key, Problems: []string{"unknown key"}}
	}
	v, err := coerce(d.Rule.Kind, value)
	if err != nil {
		return nil, &ValidationError{Key: key, Problems: []string{err.Error()}}
	}
	if p := check(d.Rule, v); len(p) > 0 {
		return nil, &ValidationError{Key: key, Problems: p}
	}
	return v, nil
}

// Set validates and writes a single key.
func (e *Engine) Set(key string, value any, source Source) error {
	res := e.Update(map[string]any{key: value}, source)
	return res[key]
}

// Update validates every key independently. All valid keys are applied in one
// swap; the returned map holds an error (or nil) per key.
func (e *Engine) Update(values map[string]any, source Source) map[string]error {
	results := make(map[string]error, len(values))
	e.mu.Lock()
	old := e.cur.Load()
	next := &state{values: maps.Clone(old.values)}
	ts := e.now()
	var changes []Change
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		d, ok := e.defs[k]
		v, err := normalizeWith(d, ok, k, values[k])
		results[k] = err
		if err != nil {
			continue
		}
		prev := old.values[k]
		nv := Value{Key: k, Value: v, Source: source, Version: prev.Version + 1, UpdatedAt: ts}
		next.values[k] = nv
		changes = append(changes, Change{Key: k, Old: prev.Value, New: v, Source: source, Version: nv.Version, Timestamp: ts})
	}
	changes = rejectMisordered(old, next, changes, results)
	if len(changes) > 0 {
		e.cur.Store(next)
		e.appendLog(changes)
	}
	e.mu.Unlock()

	for k, err := range results {
		if err != nil {
			e.log.Warn().Str("key", k).Str("source", string(source)).Err(err).Msg("config event=write_rejected")
		}
	}
	e.publish(changes)
	return results
}

// rejectMisordered undoes the batch's threshold writes when they leave the
// memory thresholds out of order, recording a ValidationError for each.
func rejectMisordered(old, next *state, changes []Change, results map[string]error) []Change {
	touched := slices.ContainsFunc(changes, func(c Change) bool {
		return slices.Contains(orderedThresholds, c.Key)
	})
	if !touched {
		return changes
	}
	problem := thresholdProblem(next.values)
	if problem == "" {
		return changes
	}
	kept := changes[:0]
	for _, c := range changes {
		if !slices.Contains(orderedThresholds, c.Key) {
			kept = append(kept, c)
			continue
		}
		next.values[c.Key] = old.values[c.Key]
		results[c.Key] = &ValidationError{Key: c.Key, Problems: []string{problem}}
	}
	return kept
}

// appendLog must be called with e.mu held so the log order matches the order
// in which writes were applied.
func (e *Engine) appendLog(changes []Change) {
	limit := int(e.Int(KeyConfigChangeLogSize))
	if limit <= 0 {
		limit = 1000
	}
	e.logMu.Lock()
	e.changes = append(e.changes, changes...)
	if over := len(e.changes) - limit; over > 0 {
		e.changes = append([]Change(nil), e.changes[over:]...)
	}
	e.logMu.Unlock()
}

func (e *Engine) publish(changes []Change) {
	for _, c := range changes {
		e.log.Info().Str("key", c.Key).Str("source", string(c.Source)).Uint64("version", c.Version).
			Interface("old", c.Old).Interface("new", c.New).Msg("config event=changed")
	}
	e.subMu.RLock()
	subs := make([]func(Change), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	e.subMu.RUnlock()
	for _, fn := range subs {
		for _, c := range changes {
			e.notify(fn, c)
		}
	}
}

func (e *Engine) notify(fn func(Change), c Change) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Str("key", c.Key).Interface("panic", r).Msg("config event=watcher_panic")
		}
	}()
	fn(c)
}

// Changes returns the retained change log, oldest first. If limit > 0 only the
// newest limit records are returned.
func (e *Engine) Changes(limit int) []Change {
	e.logMu.RLock()
	defer e.logMu.RUnlock()
	src := e.changes
	if limit > 0 && len(src) > limit {
		src = src[len(src)-limit:]
	}
	return append([]Change(nil), src...)
}

// Subscribe registers fn to receive every change after it is applied. The
// returned func removes the subscription.
func (e *Engine) Subscribe(fn func(Change)) func() {
	e.subMu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = fn
	e.subMu.Unlock()
	return func() {
		e.subMu.Lock()
		delete(e.subs, id)
		e.subMu.Unlock()
	}
}

func (e *Engine) raw(key string) any {
	v, ok := e.cur.Load().values[key]
	if !ok {
		return nil
	}
	return v.Value
}

func (e *Engine) String(key string) string {
	s, _ := e.raw(key).(string)
	return s
}

func (e *Engine) Int(key string) int64 {
	n, _ := e.raw(key).(int64)
	return n
}

func (e *Engine) Float(key string) float64 {
	f, _ := e.raw(key).(float64)
	return f
}

func (e *Engine) Bool(key string) bool {
	b, _ := e.raw(key).(bool)
	return b
}

func (e *Engine) Duration(key string) time.Duration {
	d, _ := e.raw(key).(time.Duration)
	return d
}
