package types

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// ModuleStatus summarizes one registered module.
type ModuleStatus struct {
	// example: embeddings
	Name string `json:"name" example:"embeddings"`
	// Lifecycle state (REGISTERED, LOADING, LOADED, FAILED, UNLOADED).
	// example: LOADED
	State string `json:"state" example:"LOADED"`
	// example: 10
	Priority int `json:"priority" example:"10"`
	// Effective unloading strategy.
	// example: balanced
	Strategy string `json:"strategy" example:"balanced"`
	// True when the user disallowed unloading.
	Pinned    bool     `json:"pinned"`
	DependsOn []string `json:"depends_on,omitempty"`
	// Estimated footprint in bytes.
	FootprintBytes int64 `json:"footprint_bytes"`
	// Last resolve time (unix seconds); 0 if never used.
	LastUsed int64 `json:"last_used_unix"`
	// Cumulative time spent loading, in milliseconds.
	LoadMillis int64 `json:"load_ms"`
	// Successful loads.
	Loads int `json:"loads"`
	// Consecutive failed attempts.
	Failures  int    `json:"failures"`
	LastError string `json:"last_error,omitempty"`
	// Outstanding borrows.
	Borrows int `json:"borrows"`
}

// ModulesResponse is returned by GET /modules.
type ModulesResponse struct {
	Modules []ModuleStatus `json:"modules"`
	// Modules currently loaded.
	LoadedCount int `json:"loaded_count"`
	// Sum of loaded footprints in bytes.
	LoadedBytes int64 `json:"loaded_bytes"`
	// Scheduler queue plus in-progress loads.
	PendingLoads int `json:"pending_loads"`
	// Recent unloads, newest last.
	RecentUnloads []UnloadRecord `json:"recent_unloads"`
}

// UnloadRecord mirrors a completed unload.
type UnloadRecord struct {
	Module     string `json:"module"`
	Reason     string `json:"reason"`
	FreedBytes int64  `json:"freed_bytes"`
	IdleMillis int64  `json:"idle_ms"`
	TimeUnix   int64  `json:"time_unix"`
}

// TickResponse is the result of POST /unload/tick.
type TickResponse struct {
	// example: HIGH
	Pressure   string         `json:"pressure"`
	Candidates int            `json:"candidates"`
	Unloaded   []UnloadRecord `json:"unloaded"`
	Skipped    []string       `json:"skipped"`
	FreedBytes int64          `json:"freed_bytes"`
	GC         bool           `json:"gc"`
}

// StrategyRequest is the body of PUT /modules/{name}/strategy.
type StrategyRequest struct {
	// example: aggressive
	Strategy string `json:"strategy" example:"aggressive"`
}

// PinRequest is the body of PUT /modules/{name}/pin.
type PinRequest struct {
	// AllowUnload=false pins the module.
	AllowUnload bool `json:"allow_unload"`
}

// InvalidateRequest is the body of POST /cache/invalidate.
type InvalidateRequest struct {
	// Type tag to drop, or "all".
	// example: dependency-graph
	Tag string `json:"tag" example:"dependency-graph"`
}

// InvalidateResponse reports how many entries were removed.
type InvalidateResponse struct {
	Removed int `json:"removed"`
}

// ConfigSetRequest is the body of PUT /config.
type ConfigSetRequest struct {
	// example: unload.strategy
	Key   string `json:"key" example:"unload.strategy"`
	Value any    `json:"value"`
}

// ConfigUpdateRequest is the body of PATCH /config.
type ConfigUpdateRequest struct {
	Values map[string]any `json:"values"`
}

// ConfigUpdateResponse carries per-key results; keys absent from Errors
// were applied.
type ConfigUpdateResponse struct {
	Applied []string          `json:"applied"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// SnapshotRequest is the body of POST /config/snapshots.
type SnapshotRequest struct {
	// example: before tuning
	Description string   `json:"description" example:"before tuning"`
	Tags        []string `json:"tags,omitempty"`
}

// SnapshotResponse returns the created snapshot id.
type SnapshotResponse struct {
	ID string `json:"id"`
}

// RollbackRequest is the body of POST /config/rollback.
type RollbackRequest struct {
	// Snapshot id, or the description of the newest matching snapshot.
	Snapshot string `json:"snapshot"`
}

// GCResponse is returned by POST /gc.
type GCResponse struct {
	HeapBefore uint64 `json:"heap_before_bytes"`
	HeapAfter  uint64 `json:"heap_after_bytes"`
	Freed      int64  `json:"freed_bytes"`
	NumGC      uint32 `json:"num_gc"`
}

// ResolveResponse is returned by POST /modules/{name}/resolve.
type ResolveResponse struct {
	// example: embeddings
	Module string `json:"module" example:"embeddings"`
	// example: LOADED
	State string `json:"state" example:"LOADED"`
	// Wall time of the call, including any wait on an in-flight load.
	WaitMillis int64 `json:"wait_ms"`
}

// ConfigValue is one live tunable as rendered over HTTP. Durations are
// strings such as "30s".
type ConfigValue struct {
	Key       string `json:"key"`
	Value     any    `json:"value"`
	Source    string `json:"source"`
	Version   uint64 `json:"version"`
	UpdatedAt int64  `json:"updated_at_unix"`
}

// GraphSnapshotResponse returns a dependency-graph snapshot checksum.
type GraphSnapshotResponse struct {
	Checksum string `json:"checksum"`
}

// EventRecord is one module lifecycle event.
type EventRecord struct {
	// example: load_ready
	Name string `json:"name" example:"load_ready"`
	// example: embeddings
	Module   string         `json:"module" example:"embeddings"`
	Fields   map[string]any `json:"fields,omitempty"`
	TimeUnix int64          `json:"time_unix"`
}

// EventsResponse is the body of GET /events.
type EventsResponse struct {
	Events []EventRecord `json:"events"`
	// Events pushed out of the bounded log since start.
	Dropped uint64 `json:"dropped"`
}
