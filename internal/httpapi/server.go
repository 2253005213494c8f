package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lazyd/internal/config"
	"lazyd/internal/depcache"
	"lazyd/internal/manager"
	"lazyd/internal/memory"
	"lazyd/pkg/types"
)

// Service defines the methods required by the HTTP API layer. Handlers only
// marshal; every decision is made behind this interface.
type Service interface {
	Modules() types.ModulesResponse
	RecentEvents(limit int) types.EventsResponse
	ResolveModule(ctx context.Context, name string) (any, error)
	SetUnloadStrategy(name, strategy string) error
	SetUserPreference(name string, allowUnload bool) error
	ForceUnload(name string) (manager.UnloadRecord, error)
	ResetModule(name string) error
	DeregisterModule(name string) error
	RunUnloadTick(ctx context.Context) manager.TickReport

	GetMemorySummary() memory.Summary
	GetCacheMetrics() depcache.Metrics
	CacheInvalidate(tag string) (int, error)

	ConfigAll() []config.Value
	ConfigGet(key string) (config.Value, error)
	ConfigSet(key string, value any) error
	ConfigUpdate(values map[string]any) map[string]error
	ConfigSnapshot(ctx context.Context, description string, tags []string) (string, error)
	ConfigSnapshots() []config.SnapshotInfo
	ConfigRollback(ref string) error
	ConfigChanges(limit int) []config.Change

	SaveGraphSnapshot(ctx context.Context) (string, error)
	RestoreGraphSnapshot(ctx context.Context, checksum string) error
	GraphSnapshots() []depcache.SnapshotInfo

	ForceGC() types.GCResponse
	Ready() bool
}

// decodeJSON enforces the content type and body limit, then decodes into v.
// It writes the error response itself and reports whether decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		reject("content_type")
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, options().maxBody())
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		// same answer for oversize bodies, to avoid leaking the limit
		reject("bad_json")
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// queryLimit parses ?limit=, writing a 400 itself when it is malformed.
func queryLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		reject("bad_query")
		writeJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}

// renderValue turns a live config value into its HTTP form.
func renderValue(v config.Value) types.ConfigValue {
	out := types.ConfigValue{Key: v.Key, Value: v.Value, Source: string(v.Source), Version: v.Version, UpdatedAt: v.UpdatedAt.Unix()}
	if d, ok := v.Value.(time.Duration); ok {
		out.Value = d.String()
	}
	return out
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(RequestLogger)
	if c := options().corsMiddleware(); c != nil {
		r.Use(c)
	}
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Route("/modules", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, svc.Modules())
		})
		r.Post("/{name}/resolve", func(w http.ResponseWriter, r *http.Request) {
			name := chi.URLParam(r, "name")
			// Join server base context with request context so shutdown cancels the wait too.
			ctx, cancel := joinContexts(serverBaseCtx, r.Context())
			defer cancel()
			if d := options().resolveTimeout(); d > 0 {
				var done context.CancelFunc
				ctx, done = context.WithTimeout(ctx, d)
				defer done()
			}
			start := time.Now()
			if _, err := svc.ResolveModule(ctx, name); err != nil {
				if r.Context().Err() != nil {
					return
				}
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, types.ResolveResponse{
				Module:     name,
				State:      string(manager.StateLoaded),
				WaitMillis: time.Since(start).Milliseconds(),
			})
		})
		r.Put("/{name}/strategy", func(w http.ResponseWriter, r *http.Request) {
			var req types.StrategyRequest
			if !decodeJSON(w, r, &req) {
				return
			}
			if err := svc.SetUnloadStrategy(chi.URLParam(r, "name"), req.Strategy); err != nil {
				writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
		r.Put("/{name}/pin", func(w http.ResponseWriter, r *http.Request) {
			var req types.PinRequest
			if !decodeJSON(w, r, &req) {
				return
			}
			if err := svc.SetUserPreference(chi.URLParam(r, "name"), req.AllowUnload); err != nil {
				writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
		r.Post("/{name}/unload", func(w http.ResponseWriter, r *http.Request) {
			rec, err := svc.ForceUnload(chi.URLParam(r, "name"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, unloadRecord(rec))
		})
		r.Post("/{name}/reset", func(w http.ResponseWriter, r *http.Request) {
			if err := svc.ResetModule(chi.URLParam(r, "name")); err != nil {
				writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
		r.Delete("/{name}", func(w http.ResponseWriter, r *http.Request) {
			if err := svc.DeregisterModule(chi.URLParam(r, "name")); err != nil {
				writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	})

	r.Post("/unload/tick", func(w http.ResponseWriter, r *http.Request) {
		rep := svc.RunUnloadTick(r.Context())
		resp := types.TickResponse{
			Pressure:   rep.Level.String(),
			Candidates: len(rep.Candidates),
			Unloaded:   make([]types.UnloadRecord, 0, len(rep.Unloaded)),
			Skipped:    append([]string{}, rep.Skipped...),
			FreedBytes: rep.FreedBytes,
			GC:         rep.GC,
		}
		for _, rec := range rep.Unloaded {
			resp.Unloaded = append(resp.Unloaded, unloadRecord(rec))
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
		limit, ok := queryLimit(w, r, 100)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, svc.RecentEvents(limit))
	})

	r.Get("/memory", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.GetMemorySummary())
	})

	r.Get("/cache", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.GetCacheMetrics())
	})
	r.Post("/cache/invalidate", func(w http.ResponseWriter, r *http.Request) {
		var req types.InvalidateRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		n, err := svc.CacheInvalidate(req.Tag)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, types.InvalidateResponse{Removed: n})
	})

	r.Route("/config", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			vals := svc.ConfigAll()
			out := make([]types.ConfigValue, 0, len(vals))
			for _, v := range vals {
				out = append(out, renderValue(v))
			}
			writeJSON(w, http.StatusOK, map[string]any{"values": out})
		})
		r.Put("/", func(w http.ResponseWriter, r *http.Request) {
			var req types.ConfigSetRequest
			if !decodeJSON(w, r, &req) {
				return
			}
			if err := svc.ConfigSet(req.Key, req.Value); err != nil {
				writeError(w, err)
				return
			}
			v, err := svc.ConfigGet(req.Key)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, renderValue(v))
		})
		r.Patch("/", func(w http.ResponseWriter, r *http.Request) {
			var req types.ConfigUpdateRequest
			if !decodeJSON(w, r, &req) {
				return
			}
			if len(req.Values) == 0 {
				writeJSONError(w, http.StatusBadRequest, "values is required")
				return
			}
			res := svc.ConfigUpdate(req.Values)
			resp := types.ConfigUpdateResponse{Applied: []string{}}
			for k, err := range res {
				if err == nil {
					resp.Applied = append(resp.Applied, k)
					continue
				}
				if resp.Errors == nil {
					resp.Errors = make(map[string]string)
				}
				resp.Errors[k] = err.Error()
			}
			sort.Strings(resp.Applied)
			status := http.StatusOK
			if len(resp.Applied) == 0 {
				status = http.StatusBadRequest
			}
			writeJSON(w, status, resp)
		})
		r.Get("/changes", func(w http.ResponseWriter, r *http.Request) {
			limit, ok := queryLimit(w, r, 100)
			if !ok {
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"changes": svc.ConfigChanges(limit)})
		})
		r.Get("/snapshots", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"snapshots": svc.ConfigSnapshots()})
		})
		r.Post("/snapshots", func(w http.ResponseWriter, r *http.Request) {
			var req types.SnapshotRequest
			if !decodeJSON(w, r, &req) {
				return
			}
			id, err := svc.ConfigSnapshot(r.Context(), req.Description, req.Tags)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, types.SnapshotResponse{ID: id})
		})
		r.Post("/rollback", func(w http.ResponseWriter, r *http.Request) {
			var req types.RollbackRequest
			if !decodeJSON(w, r, &req) {
				return
			}
			if req.Snapshot == "" {
				writeJSONError(w, http.StatusBadRequest, "snapshot is required")
				return
			}
			if err := svc.ConfigRollback(req.Snapshot); err != nil {
				writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
		r.Get("/{key}", func(w http.ResponseWriter, r *http.Request) {
			v, err := svc.ConfigGet(chi.URLParam(r, "key"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, renderValue(v))
		})
	})

	r.Route("/graph/snapshots", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"snapshots": svc.GraphSnapshots()})
		})
		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			sum, err := svc.SaveGraphSnapshot(r.Context())
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, types.GraphSnapshotResponse{Checksum: sum})
		})
		r.Post("/{checksum}/restore", func(w http.ResponseWriter, r *http.Request) {
			if err := svc.RestoreGraphSnapshot(r.Context(), chi.URLParam(r, "checksum")); err != nil {
				writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	})

	r.Post("/gc", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.ForceGC())
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("starting"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

func unloadRecord(rec manager.UnloadRecord) types.UnloadRecord {
	return types.UnloadRecord{
		Module:     rec.Module,
		Reason:     rec.Reason,
		FreedBytes: rec.FreedBytes,
		IdleMillis: rec.Idle.Milliseconds(),
		TimeUnix:   rec.Time.Unix(),
	}
}
