package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.trai.ch/zerr"
)

const snapshotPrefix = "config/snapshots/"

// Snapshot is an immutable capture of some or all live values.
type Snapshot struct {
	ID          string           `json:"id"`
	Description string           `json:"description"`
	Tags        []string         `json:"tags,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	Values      map[string]Value `json:"-"`
	Checksum    string           `json:"checksum"`
}

// SnapshotInfo is the listing view of a snapshot.
type SnapshotInfo struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Keys        int       `json:"keys"`
}

// persisted form: values are rendered to strings with their kind so they
// decode back to the exact canonical types.
type storedValue struct {
	Kind    Kind      `json:"kind"`
	Value   string    `json:"value"`
	Source  Source    `json:"source"`
	Version uint64    `json:"version"`
	Updated time.Time `json:"updated_at"`
}

type storedSnapshot struct {
	ID          string                 `json:"id"`
	Description string                 `json:"description"`
	Tags        []string               `json:"tags,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	Values      map[string]storedValue `json:"values"`
	Checksum    string                 `json:"checksum"`
}

// CreateSnapshot captures the live values of keys (all keys when none are
// given) and returns the new snapshot id. Snapshots past the retention limit
// are pruned, oldest first.
func (e *Engine) CreateSnapshot(ctx context.Context, description string, tags []string, keys ...string) (string, error) {
	st := e.cur.Load()
	captured := make(map[string]Value)
	if len(keys) == 0 {
		maps.Copy(captured, st.values)
	} else {
		for _, k := range keys {
			v, ok := st.values[k]
			if !ok {
				return "", &ValidationError{Key: k, Problems: []string{"unknown key"}}
			}
			captured[k] = v
		}
	}
	snap := &Snapshot{
		ID:          uuid.NewString(),
		Description: description,
		Tags:        append([]string(nil), tags...),
		CreatedAt:   e.now(),
		Values:      captured,
	}
	stored := e.encodeSnapshot(snap)
	snap.Checksum = stored.Checksum
	if e.store != nil {
		b, err := json.Marshal(stored)
		if err != nil {
			return "", zerr.Wrap(err, "failed to encode config snapshot")
		}
		if err := e.store.Put(ctx, snapshotPrefix+snap.ID, b); err != nil {
			return "", err
		}
	}

	e.snapMu.Lock()
	e.snapshots = append(e.snapshots, snap)
	pruned := e.pruneLocked()
	e.snapMu.Unlock()
	e.deletePersisted(ctx, pruned)

	e.log.Info().Str("snapshot", snap.ID).Str("description", description).Int("keys", len(captured)).
		Msg("config event=snapshot_created")
	return snap.ID, nil
}

func (e *Engine) pruneLocked() []string {
	limit := int(e.Int(KeyConfigSnapshotRetention))
	if limit <= 0 {
		limit = 50
	}
	var pruned []string
	for len(e.snapshots) > limit {
		pruned = append(pruned, e.snapshots[0].ID)
		e.snapshots = e.snapshots[1:]
	}
	return pruned
}

func (e *Engine) deletePersisted(ctx context.Context, ids []string) {
	if e.store == nil {
		return
	}
	for _, id := range ids {
		if err := e.store.Delete(ctx, snapshotPrefix+id); err != nil {
			e.log.Warn().Str("snapshot", id).Err(err).Msg("config event=snapshot_prune_failed")
		}
	}
}

// Snapshots lists retained snapshots, oldest first.
func (e *Engine) Snapshots() []SnapshotInfo {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	out := make([]SnapshotInfo, 0, len(e.snapshots))
	for _, s := range e.snapshots {
		out = append(out, SnapshotInfo{ID: s.ID, Description: s.Description, Tags: s.Tags, CreatedAt: s.CreatedAt, Keys: len(s.Values)})
	}
	return out
}

func (e *Engine) findSnapshot(ref string) *Snapshot {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	for _, s := range e.snapshots {
		if s.ID == ref {
			return s
		}
	}
	for i := len(e.snapshots) - 1; i >= 0; i-- {
		if e.snapshots[i].Description == ref {
			return e.snapshots[i]
		}
	}
	return nil
}

// Rollback restores the values captured by a snapshot. ref is a snapshot id or,
// failing that, the description of the newest snapshot carrying it. The
// snapshot's values are copied into a new store which is swapped in at once.
func (e *Engine) Rollback(ref string) error {
	snap := e.findSnapshot(ref)
	if snap == nil {
		return &SnapshotNotFoundError{ID: ref}
	}
	e.mu.Lock()
	old := e.cur.Load()
	next := &state{values: maps.Clone(old.values)}
	ts := e.now()
	keys := make([]string, 0, len(snap.Values))
	for k := range snap.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var changes []Change
	for _, k := range keys {
		sv := snap.Values[k]
		prev := old.values[k]
		nv := Value{Key: k, Value: sv.Value, Source: sv.Source, Version: prev.Version + 1, UpdatedAt: ts}
		next.values[k] = nv
		if !sameValue(prev.Value, sv.Value) {
			changes = append(changes, Change{Key: k, Old: prev.Value, New: sv.Value, Source: sv.Source,
				Version: nv.Version, Timestamp: ts, SnapshotID: snap.ID})
		}
	}
	e.cur.Store(next)
	e.appendLog(changes)
	e.mu.Unlock()

	e.log.Info().Str("snapshot", snap.ID).Int("changed", len(changes)).Msg("config event=rollback")
	e.publish(changes)
	return nil
}

// LoadSnapshots reads persisted snapshots from the store, verifying each
// checksum. Corrupt or undecodable snapshots are skipped and reported in the
// returned error; valid ones are still loaded.
func (e *Engine) LoadSnapshots(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	keys, err := e.store.List(ctx, snapshotPrefix)
	if err != nil {
		return err
	}
	var loaded []*Snapshot
	var errs []error
	for _, k := range keys {
		b, err := e.store.Get(ctx, k)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		snap, err := e.decodeSnapshot(b)
		if err != nil {
			errs = append(errs, zerr.With(err, "key", k))
			e.log.Warn().Str("key", k).Err(err).Msg("config event=snapshot_skipped")
			continue
		}
		loaded = append(loaded, snap)
	}
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].CreatedAt.Before(loaded[j].CreatedAt) })

	e.snapMu.Lock()
	known := make(map[string]bool, len(e.snapshots))
	for _, s := range e.snapshots {
		known[s.ID] = true
	}
	for _, s := range loaded {
		if !known[s.ID] {
			e.snapshots = append(e.snapshots, s)
		}
	}
	sort.SliceStable(e.snapshots, func(i, j int) bool { return e.snapshots[i].CreatedAt.Before(e.snapshots[j].CreatedAt) })
	pruned := e.pruneLocked()
	e.snapMu.Unlock()
	e.deletePersisted(ctx, pruned)
	return errors.Join(errs...)
}

// sameValue compares canonical values by their rendering, so values of
// non-comparable types never reach ==.
func sameValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ka, kb := valueKind(a), valueKind(b)
	return ka == kb && format(ka, a) == format(kb, b)
}

func (e *Engine) kindOf(key string, v any) Kind {
	e.mu.Lock()
	d, ok := e.defs[key]
	e.mu.Unlock()
	if ok {
		return d.Rule.Kind
	}
	return valueKind(v)
}

// valueKind infers a kind from a canonical value's Go type.
func valueKind(v any) Kind {
	switch v.(type) {
	case int64:
		return KindInt
	case float64:
		return KindFloat
	case bool:
		return KindBool
	case time.Duration:
		return KindDuration
	default:
		return KindString
	}
}

func (e *Engine) encodeSnapshot(s *Snapshot) storedSnapshot {
	out := storedSnapshot{
		ID:          s.ID,
		Description: s.Description,
		Tags:        s.Tags,
		CreatedAt:   s.CreatedAt,
		Values:      make(map[string]storedValue, len(s.Values)),
	}
	for k, v := range s.Values {
		kind := e.kindOf(k, v.Value)
		out.Values[k] = storedValue{Kind: kind, Value: format(kind, v.Value), Source: v.Source, Version: v.Version, Updated: v.UpdatedAt}
	}
	out.Checksum = valuesChecksum(out.Values)
	return out
}

func (e *Engine) decodeSnapshot(b []byte) (*Snapshot, error) {
	var in storedSnapshot
	if err := json.Unmarshal(b, &in); err != nil {
		return nil, zerr.Wrap(err, "failed to decode config snapshot")
	}
	if valuesChecksum(in.Values) != in.Checksum {
		return nil, fmt.Errorf("config snapshot %s: checksum mismatch", in.ID)
	}
	snap := &Snapshot{
		ID:          in.ID,
		Description: in.Description,
		Tags:        in.Tags,
		CreatedAt:   in.CreatedAt,
		Values:      make(map[string]Value, len(in.Values)),
		Checksum:    in.Checksum,
	}
	for k, sv := range in.Values {
		v, err := coerce(sv.Kind, sv.Value)
		if err != nil {
			return nil, fmt.Errorf("config snapshot %s: key %s: %w", in.ID, k, err)
		}
		snap.Values[k] = Value{Key: k, Value: v, Source: sv.Source, Version: sv.Version, UpdatedAt: sv.Updated}
	}
	return snap, nil
}

// valuesChecksum hashes the sorted key/kind/value triples.
func valuesChecksum(values map[string]storedValue) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := xxhash.New()
	for _, k := range keys {
		v := values[k]
		_, _ = h.WriteString(k)
		_, _ = h.Write([]byte{0})
		_, _ = h.WriteString(string(v.Kind))
		_, _ = h.Write([]byte{0})
		_, _ = h.WriteString(v.Value)
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Export renders the live values as JSON (key -> formatted value).
func (e *Engine) Export() ([]byte, error) {
	out := make(map[string]string)
	for _, v := range e.All() {
		out[v.Key] = format(e.kindOf(v.Key, v.Value), v.Value)
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, zerr.Wrap(err, "failed to export config")
	}
	return b, nil
}

// Import applies a JSON object of key -> value through Update.
func (e *Engine) Import(data []byte, source Source) (map[string]error, error) {
	var in map[string]any
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, zerr.Wrap(err, "failed to decode config import")
	}
	return e.Update(in, source), nil
}

// SnapshotValues returns a copy of the values captured by a snapshot.
func (e *Engine) SnapshotValues(ref string) (map[string]any, error) {
	snap := e.findSnapshot(ref)
	if snap == nil {
		return nil, &SnapshotNotFoundError{ID: ref}
	}
	out := make(map[string]any, len(snap.Values))
	for k, v := range snap.Values {
		out[k] = v.Value
	}
	return out, nil
}

// HasTag reports whether the snapshot carries tag (case-insensitive).
func (s SnapshotInfo) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}
