package manager

import (
	"sync"
	"time"

	"lazyd/internal/metrics"
)

// Unload reasons.
const (
	ReasonIdle     = "idle"
	ReasonHighIdle = "high_pressure_idle"
	ReasonCritical = "critical_pressure"
	ReasonManual   = "manual"
)

// UnloadRecord describes one completed unload.
type UnloadRecord struct {
	Module     string        `json:"module"`
	Reason     string        `json:"reason"`
	FreedBytes int64         `json:"freed_bytes"`
	Idle       time.Duration `json:"idle"`
	Duration   time.Duration `json:"duration"`
	Time       time.Time     `json:"time"`
}

// release hands a discarded module back to its Releaser, if any.
func (r *Registry) release(name string, v any) {
	rel, ok := v.(Releaser)
	if !ok {
		return
	}
	if err := rel.Release(); err != nil {
		r.log.Warn().Str("module", name).Err(err).Msg("manager event=release_failed")
	}
}

// evictCheck is what the policy selected a candidate on. unload re-checks
// it under the handle lock, since the candidate list is built from snapshots.
type evictCheck struct {
	timeout    time.Duration
	minSavings int64
}

// unload moves a LOADED handle to UNLOADED. It never forces: a borrowed or
// in-use module yields an unloadSkippedError. A non-nil check makes this an
// automatic eviction, refused for pinned, recently used or small modules.
func (h *Handle) unload(reason string, check *evictCheck) (UnloadRecord, error) {
	r := h.reg
	start := time.Now()
	h.mu.Lock()
	if h.state != StateLoaded {
		st := h.state
		h.mu.Unlock()
		if st == StateLoading {
			return UnloadRecord{}, busyError{name: h.name, op: "unload"}
		}
		return UnloadRecord{}, notLoadedError{name: h.name, state: st}
	}
	if check != nil {
		if why := check.refuse(h, r.now()); why != "" {
			h.mu.Unlock()
			return UnloadRecord{}, h.skipped(why)
		}
	}
	if h.borrows > 0 {
		h.mu.Unlock()
		return UnloadRecord{}, h.skipped("borrowed")
	}
	if u, ok := h.value.(InUser); ok && u.InUse() {
		h.mu.Unlock()
		return UnloadRecord{}, h.skipped("in use")
	}
	v := h.value
	h.value = nil
	h.state = StateUnloaded
	rec := UnloadRecord{
		Module:     h.name,
		Reason:     reason,
		FreedBytes: h.footprint,
		Idle:       r.now().Sub(h.lastUsed),
	}
	h.mu.Unlock()

	r.release(h.name, v)
	rec.Duration = time.Since(start)
	rec.Time = r.now()
	r.history.add(rec)
	metrics.ObserveUnload(h.name, reason, rec.FreedBytes)
	metrics.SetModulesLoaded(r.loadedCount())
	r.log.Info().Str("module", h.name).Str("reason", reason).Int64("freed", rec.FreedBytes).
		Dur("idle", rec.Idle).Msg("manager event=unload_done")
	r.publish(Event{Name: EventUnloadDone, Module: h.name, Fields: map[string]any{"reason": reason, "freed_bytes": rec.FreedBytes}})
	return rec, nil
}

// refuse is called with h.mu held.
func (c *evictCheck) refuse(h *Handle, now time.Time) string {
	switch {
	case h.pinned:
		return "pinned"
	case now.Sub(h.lastUsed) < c.timeout:
		return "recently used"
	case h.footprint < c.minSavings:
		return "below min savings"
	}
	return ""
}

func (h *Handle) skipped(why string) error {
	metrics.ObserveUnloadSkipped(h.name)
	h.reg.log.Warn().Str("module", h.name).Str("why", why).Msg("manager event=unload_skipped")
	h.reg.publish(Event{Name: EventUnloadSkipped, Module: h.name, Fields: map[string]any{"why": why}})
	return unloadSkippedError{name: h.name, reason: why}
}

// Unload is the manual unload request. Pinning only protects against
// automatic unloads, so a pinned module is still unloaded here.
func (r *Registry) Unload(name string) (UnloadRecord, error) {
	h, err := r.handle(name)
	if err != nil {
		return UnloadRecord{}, err
	}
	return h.unload(ReasonManual, nil)
}

// UnloadHistory returns up to limit recent unloads, newest last.
func (r *Registry) UnloadHistory(limit int) []UnloadRecord {
	return r.history.list(limit)
}

type unloadHistory struct {
	mu   sync.Mutex
	size int
	recs []UnloadRecord
}

func newUnloadHistory(size int) *unloadHistory { return &unloadHistory{size: size} }

func (u *unloadHistory) add(rec UnloadRecord) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.recs = append(u.recs, rec)
	if over := len(u.recs) - u.size; over > 0 {
		u.recs = append(u.recs[:0:0], u.recs[over:]...)
	}
}

func (u *unloadHistory) list(limit int) []UnloadRecord {
	u.mu.Lock()
	defer u.mu.Unlock()
	recs := u.recs
	if limit > 0 && len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	return append([]UnloadRecord(nil), recs...)
}
