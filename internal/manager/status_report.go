package manager

import (
	"lazyd/pkg/types"
)

// Status builds the module listing for GET /modules.
func (r *Registry) Status() types.ModulesResponse {
	def := r.defaultStrategy()
	handles := r.Handles()
	resp := types.ModulesResponse{Modules: make([]types.ModuleStatus, 0, len(handles))}
	for _, h := range handles {
		s := h.Snapshot()
		strategy := s.Strategy
		if strategy == "" {
			strategy = def
		}
		ms := types.ModuleStatus{
			Name:           s.Name,
			State:          string(s.State),
			Priority:       s.Priority,
			Strategy:       string(strategy),
			Pinned:         s.Pinned,
			DependsOn:      s.DependsOn,
			FootprintBytes: s.Footprint,
			LoadMillis:     s.LoadDuration.Milliseconds(),
			Loads:          s.Loads,
			Failures:       s.Failures,
			LastError:      s.LastError,
			Borrows:        s.Borrows,
		}
		if !s.LastUsed.IsZero() {
			ms.LastUsed = s.LastUsed.Unix()
		}
		if s.State == StateLoaded {
			resp.LoadedCount++
			resp.LoadedBytes += s.Footprint
		}
		resp.Modules = append(resp.Modules, ms)
	}
	for _, rec := range r.UnloadHistory(20) {
		resp.RecentUnloads = append(resp.RecentUnloads, types.UnloadRecord{
			Module:     rec.Module,
			Reason:     rec.Reason,
			FreedBytes: rec.FreedBytes,
			IdleMillis: rec.Idle.Milliseconds(),
			TimeUnix:   rec.Time.Unix(),
		})
	}
	return resp
}
