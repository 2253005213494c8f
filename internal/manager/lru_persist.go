package manager

import (
	"context"
	"encoding/json"
	"errors"

	"go.trai.ch/zerr"

	"lazyd/internal/blobstore"
)

const usageKey = "manager/usage"

type usageRecord struct {
	LastUsedUnix int64 `json:"last_used_unix"`
	Footprint    int64 `json:"footprint_bytes"`
}

// SaveUsage persists each module's last-used time and measured footprint so
// estimates survive a restart.
func (r *Registry) SaveUsage(ctx context.Context, store blobstore.Store) error {
	snap := make(map[string]usageRecord)
	for _, h := range r.Handles() {
		s := h.Snapshot()
		rec := usageRecord{Footprint: s.Footprint}
		if !s.LastUsed.IsZero() {
			rec.LastUsedUnix = s.LastUsed.Unix()
		}
		snap[s.Name] = rec
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return zerr.Wrap(err, "failed to encode usage")
	}
	if err := store.Put(ctx, usageKey, b); err != nil {
		return zerr.Wrap(err, "failed to store usage")
	}
	return nil
}

// LoadUsage applies persisted footprints to registered modules that were
// registered without an estimate. Missing data is not an error.
func (r *Registry) LoadUsage(ctx context.Context, store blobstore.Store) error {
	b, err := store.Get(ctx, usageKey)
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return zerr.Wrap(err, "failed to read usage")
	}
	var data map[string]usageRecord
	if err := json.Unmarshal(b, &data); err != nil {
		return zerr.Wrap(err, "failed to decode usage")
	}
	for name, rec := range data {
		h, ok := r.Get(name)
		if !ok {
			continue
		}
		h.mu.Lock()
		if h.footprint == 0 && h.state != StateLoaded {
			h.footprint = rec.Footprint
		}
		h.mu.Unlock()
	}
	return nil
}
