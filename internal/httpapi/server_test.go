package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"lazyd/internal/blobstore"
	"lazyd/internal/config"
	"lazyd/internal/lifecycle"
	"lazyd/internal/manager"
	"lazyd/internal/memory"
	"lazyd/pkg/types"
)

type blob struct{ size int64 }

func (b *blob) SizeBytes() int64 { return b.size }

func newTestService(t *testing.T) *lifecycle.Service {
	t.Helper()
	store := blobstore.NewMemoryStore()
	cfg := config.New(config.Options{Store: store})
	if err := cfg.Set(config.KeyLoaderBackoff, "0s", config.SourceRuntime); err != nil {
		t.Fatalf("config: %v", err)
	}
	src := memory.NewStaticSource(memory.Stats{})
	src.SetUsedPercent(20)
	svc, err := lifecycle.New(lifecycle.Options{Config: cfg, Store: store, Source: src})
	if err != nil {
		t.Fatalf("lifecycle.New: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func register(t *testing.T, svc *lifecycle.Service, name string, size int64, opts ...manager.RegisterOption) {
	t.Helper()
	loader := func(context.Context) (any, error) { return &blob{size: size}, nil }
	if _, err := svc.RegisterModule(name, loader, opts...); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("json: %v body=%q", err, w.Body.String())
	}
	return v
}

func TestResolveAndListModules(t *testing.T) {
	svc := newTestService(t)
	register(t, svc, "core-lib", 1<<20)
	register(t, svc, "vision-lib", 2<<20, manager.WithDependsOn("core-lib"))
	mux := NewMux(svc)

	w := do(t, mux, http.MethodPost, "/modules/vision-lib/resolve", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	res := decode[types.ResolveResponse](t, w)
	if res.Module != "vision-lib" || res.State != "LOADED" {
		t.Fatalf("unexpected resolve body: %+v", res)
	}

	w = do(t, mux, http.MethodGet, "/modules", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%s", ct)
	}
	mods := decode[types.ModulesResponse](t, w)
	if len(mods.Modules) != 2 || mods.LoadedCount != 2 {
		t.Fatalf("unexpected modules: %+v", mods)
	}
	if mods.LoadedBytes != 3<<20 {
		t.Fatalf("loaded bytes=%d", mods.LoadedBytes)
	}
}

func TestResolveErrors(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.RegisterModule("broken", func(context.Context) (any, error) { return nil, errors.New("boom") })
	if err != nil {
		t.Fatal(err)
	}
	mux := NewMux(svc)

	w := do(t, mux, http.MethodPost, "/modules/ghost/resolve", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown module status=%d", w.Code)
	}
	body := decode[types.ErrorResponse](t, w)
	if !strings.Contains(body.Error, "ghost") {
		t.Fatalf("error body=%+v", body)
	}

	w = do(t, mux, http.MethodPost, "/modules/broken/resolve", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("failing loader status=%d body=%s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "boom") {
		t.Fatalf("body=%s", w.Body.String())
	}
}

func TestStrategyAndPin(t *testing.T) {
	svc := newTestService(t)
	register(t, svc, "text-lib", 1<<20)
	mux := NewMux(svc)

	w := do(t, mux, http.MethodPut, "/modules/text-lib/strategy", `{"strategy":"aggressive"}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("strategy status=%d body=%s", w.Code, w.Body.String())
	}
	w = do(t, mux, http.MethodPut, "/modules/text-lib/strategy", `{"strategy":"sometimes"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad strategy status=%d", w.Code)
	}
	w = do(t, mux, http.MethodPut, "/modules/ghost/strategy", `{"strategy":"aggressive"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown module status=%d", w.Code)
	}

	w = do(t, mux, http.MethodPut, "/modules/text-lib/pin", `{"allow_unload":false}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("pin status=%d body=%s", w.Code, w.Body.String())
	}
	mods := svc.Modules()
	if len(mods.Modules) != 1 || !mods.Modules[0].Pinned || mods.Modules[0].Strategy != "aggressive" {
		t.Fatalf("unexpected module status: %+v", mods.Modules)
	}
}

func TestUnloadAndReset(t *testing.T) {
	svc := newTestService(t)
	register(t, svc, "plot-lib", 4096)
	mux := NewMux(svc)

	w := do(t, mux, http.MethodPost, "/modules/plot-lib/unload", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("unload of unloaded module status=%d", w.Code)
	}
	if _, err := svc.ResolveModule(context.Background(), "plot-lib"); err != nil {
		t.Fatal(err)
	}
	w = do(t, mux, http.MethodPost, "/modules/plot-lib/unload", "")
	if w.Code != http.StatusOK {
		t.Fatalf("unload status=%d body=%s", w.Code, w.Body.String())
	}
	rec := decode[types.UnloadRecord](t, w)
	if rec.Module != "plot-lib" || rec.Reason != manager.ReasonManual || rec.FreedBytes != 4096 {
		t.Fatalf("unexpected record: %+v", rec)
	}

	w = do(t, mux, http.MethodPost, "/modules/plot-lib/reset", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("reset status=%d", w.Code)
	}
}

func TestDeregisterModule(t *testing.T) {
	svc := newTestService(t)
	register(t, svc, "plot-lib", 1)
	mux := NewMux(svc)

	if w := do(t, mux, http.MethodDelete, "/modules/plot-lib", ""); w.Code != http.StatusNoContent {
		t.Fatalf("delete status=%d body=%s", w.Code, w.Body.String())
	}
	if w := do(t, mux, http.MethodPost, "/modules/plot-lib/resolve", ""); w.Code != http.StatusNotFound {
		t.Fatalf("resolve after delete status=%d", w.Code)
	}
	if w := do(t, mux, http.MethodDelete, "/modules/plot-lib", ""); w.Code != http.StatusNotFound {
		t.Fatalf("second delete status=%d", w.Code)
	}
}

func TestUnloadTickEndpoint(t *testing.T) {
	store := blobstore.NewMemoryStore()
	cfg := config.New(config.Options{Store: store})
	src := memory.NewStaticSource(memory.Stats{})
	src.SetUsedPercent(20)
	var skew atomic.Int64
	svc, err := lifecycle.New(lifecycle.Options{
		Config: cfg, Store: store, Source: src,
		Now: func() time.Time { return time.Now().Add(time.Duration(skew.Load())) },
	})
	if err != nil {
		t.Fatalf("lifecycle.New: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	register(t, svc, "core-lib", 64<<20)
	register(t, svc, "plot-lib", 64<<20)
	for _, name := range []string{"core-lib", "plot-lib"} {
		if _, err := svc.ResolveModule(context.Background(), name); err != nil {
			t.Fatalf("resolve %s: %v", name, err)
		}
	}
	if err := svc.SetUserPreference("core-lib", false); err != nil {
		t.Fatal(err)
	}
	mux := NewMux(svc)

	w := do(t, mux, http.MethodPost, "/unload/tick", "")
	if w.Code != http.StatusOK {
		t.Fatalf("tick status=%d", w.Code)
	}
	if got := decode[types.TickResponse](t, w); got.Pressure != "LOW" || len(got.Unloaded) != 0 {
		t.Fatalf("fresh modules must survive a LOW tick: %+v", got)
	}

	src.SetUsedPercent(95)
	if _, err := svc.SampleMemory(context.Background()); err != nil {
		t.Fatal(err)
	}
	skew.Store(int64(time.Minute))
	got := decode[types.TickResponse](t, do(t, mux, http.MethodPost, "/unload/tick", ""))
	if got.Pressure != "CRITICAL" || len(got.Unloaded) != 1 || got.Unloaded[0].Module != "plot-lib" {
		t.Fatalf("unexpected tick: %+v", got)
	}
	if got.Unloaded[0].Reason != manager.ReasonCritical || got.FreedBytes != 64<<20 {
		t.Fatalf("unexpected record: %+v", got.Unloaded[0])
	}
}

func TestJSONBodyChecks(t *testing.T) {
	svc := newTestService(t)
	register(t, svc, "text-lib", 1)
	mux := NewMux(svc)

	req := httptest.NewRequest(http.MethodPut, "/modules/text-lib/strategy", strings.NewReader(`{"strategy":"lazy"}`))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("content type status=%d", w.Code)
	}

	w = do(t, mux, http.MethodPost, "/cache/invalidate", `{"tag":`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad json status=%d", w.Code)
	}

	Configure(Options{MaxBodyBytes: 16})
	t.Cleanup(func() { Configure(Options{}) })
	w = do(t, mux, http.MethodPost, "/cache/invalidate", `{"tag":"`+strings.Repeat("x", 64)+`"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("oversize status=%d", w.Code)
	}
}

func TestCacheEndpoints(t *testing.T) {
	svc := newTestService(t)
	register(t, svc, "core-lib", 1)
	mux := NewMux(svc)
	if _, err := svc.ResolveModule(context.Background(), "core-lib"); err != nil {
		t.Fatal(err)
	}

	w := do(t, mux, http.MethodGet, "/cache", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if m := decode[map[string]any](t, w); m["entries"].(float64) < 1 {
		t.Fatalf("expected cached load order, got %v", m)
	}

	w = do(t, mux, http.MethodPost, "/cache/invalidate", `{"tag":""}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty tag status=%d", w.Code)
	}
	w = do(t, mux, http.MethodPost, "/cache/invalidate", `{"tag":"all"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("invalidate status=%d body=%s", w.Code, w.Body.String())
	}
	if got := decode[types.InvalidateResponse](t, w); got.Removed < 1 {
		t.Fatalf("removed=%d", got.Removed)
	}
}

func TestConfigEndpoints(t *testing.T) {
	svc := newTestService(t)
	mux := NewMux(svc)

	w := do(t, mux, http.MethodGet, "/config/loader.timeout", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status=%d", w.Code)
	}
	if v := decode[types.ConfigValue](t, w); v.Value != "30s" || v.Source != "default" {
		t.Fatalf("unexpected value: %+v", v)
	}
	w = do(t, mux, http.MethodGet, "/config/no.such.key", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown key status=%d", w.Code)
	}

	w = do(t, mux, http.MethodPut, "/config", `{"key":"loader.max_retries","value":5}`)
	if w.Code != http.StatusOK {
		t.Fatalf("set status=%d body=%s", w.Code, w.Body.String())
	}
	if v := decode[types.ConfigValue](t, w); v.Value != float64(5) || v.Source != "runtime" {
		t.Fatalf("unexpected value: %+v", v)
	}
	w = do(t, mux, http.MethodPut, "/config", `{"key":"loader.max_retries","value":0}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid set status=%d", w.Code)
	}

	w = do(t, mux, http.MethodPatch, "/config", `{"values":{"loader.timeout":"10s","loader.concurrency":-1}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("patch status=%d body=%s", w.Code, w.Body.String())
	}
	up := decode[types.ConfigUpdateResponse](t, w)
	if len(up.Applied) != 1 || up.Applied[0] != "loader.timeout" || up.Errors["loader.concurrency"] == "" {
		t.Fatalf("unexpected update: %+v", up)
	}

	w = do(t, mux, http.MethodGet, "/config/changes?limit=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("changes status=%d", w.Code)
	}
	if got := decode[map[string][]map[string]any](t, w); len(got["changes"]) != 2 {
		t.Fatalf("changes=%v", got)
	}
	w = do(t, mux, http.MethodGet, "/config/changes?limit=x", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status=%d", w.Code)
	}

	w = do(t, mux, http.MethodGet, "/config", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status=%d", w.Code)
	}
	if got := decode[map[string][]types.ConfigValue](t, w); len(got["values"]) == 0 {
		t.Fatal("empty config listing")
	}
}

func TestConfigSnapshotRollback(t *testing.T) {
	svc := newTestService(t)
	mux := NewMux(svc)

	w := do(t, mux, http.MethodPost, "/config/snapshots", `{"description":"before","tags":["test"]}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("snapshot status=%d body=%s", w.Code, w.Body.String())
	}
	if id := decode[types.SnapshotResponse](t, w).ID; id == "" {
		t.Fatal("empty snapshot id")
	}

	if w = do(t, mux, http.MethodPut, "/config", `{"key":"unload.strategy","value":"aggressive"}`); w.Code != http.StatusOK {
		t.Fatalf("set status=%d", w.Code)
	}
	if w = do(t, mux, http.MethodPost, "/config/rollback", `{"snapshot":"before"}`); w.Code != http.StatusNoContent {
		t.Fatalf("rollback status=%d body=%s", w.Code, w.Body.String())
	}
	v, err := svc.ConfigGet(config.KeyUnloadStrategy)
	if err != nil || v.Value != "balanced" {
		t.Fatalf("after rollback: %+v %v", v, err)
	}

	if w = do(t, mux, http.MethodPost, "/config/rollback", `{"snapshot":"nope"}`); w.Code != http.StatusNotFound {
		t.Fatalf("unknown snapshot status=%d", w.Code)
	}
	if w = do(t, mux, http.MethodPost, "/config/rollback", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing snapshot status=%d", w.Code)
	}
	w = do(t, mux, http.MethodGet, "/config/snapshots", "")
	if got := decode[map[string][]map[string]any](t, w); len(got["snapshots"]) != 1 {
		t.Fatalf("snapshots=%v", got)
	}
}

func TestGraphSnapshots(t *testing.T) {
	svc := newTestService(t)
	register(t, svc, "core-lib", 1)
	register(t, svc, "vision-lib", 1, manager.WithDependsOn("core-lib"))
	mux := NewMux(svc)

	w := do(t, mux, http.MethodPost, "/graph/snapshots", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("save status=%d body=%s", w.Code, w.Body.String())
	}
	sum := decode[types.GraphSnapshotResponse](t, w).Checksum
	if sum == "" {
		t.Fatal("empty checksum")
	}
	if w = do(t, mux, http.MethodPost, "/graph/snapshots/"+sum+"/restore", ""); w.Code != http.StatusNoContent {
		t.Fatalf("restore status=%d body=%s", w.Code, w.Body.String())
	}
	if w = do(t, mux, http.MethodPost, "/graph/snapshots/deadbeef/restore", ""); w.Code != http.StatusNotFound {
		t.Fatalf("unknown checksum status=%d", w.Code)
	}
	w = do(t, mux, http.MethodGet, "/graph/snapshots", "")
	if got := decode[map[string][]map[string]any](t, w); len(got["snapshots"]) != 1 {
		t.Fatalf("snapshots=%v", got)
	}
}

func TestMemoryAndGC(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.SampleMemory(context.Background()); err != nil {
		t.Fatal(err)
	}
	mux := NewMux(svc)

	w := do(t, mux, http.MethodGet, "/memory", "")
	if w.Code != http.StatusOK {
		t.Fatalf("memory status=%d", w.Code)
	}
	if got := decode[map[string]any](t, w); got["samples"].(float64) != 1 {
		t.Fatalf("memory summary=%v", got)
	}

	w = do(t, mux, http.MethodPost, "/gc", "")
	if w.Code != http.StatusOK {
		t.Fatalf("gc status=%d", w.Code)
	}
	if got := decode[types.GCResponse](t, w); got.NumGC == 0 {
		t.Fatalf("gc response=%+v", got)
	}
}

func TestHealthAndReady(t *testing.T) {
	svc := newTestService(t)
	mux := NewMux(svc)

	if w := do(t, mux, http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", w.Code)
	}
	w := do(t, mux, http.MethodGet, "/readyz", "")
	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), "starting") {
		t.Fatalf("readyz before start: %d %q", w.Code, w.Body.String())
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if w = do(t, mux, http.MethodGet, "/readyz", ""); w.Code != http.StatusOK {
		t.Fatalf("readyz after start: %d", w.Code)
	}
	if w = do(t, mux, http.MethodGet, "/healthz", ""); w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("missing nosniff header")
	}
}

// failingService overrides single methods of a real service to drive error mapping.
type failingService struct {
	Service
	err error
}

func (f failingService) ResolveModule(context.Context, string) (any, error) { return nil, f.err }

func TestErrorMapping(t *testing.T) {
	base := newTestService(t)
	cases := []struct {
		err  error
		want int
	}{
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("disk on fire"), http.StatusInternalServerError},
		{&manager.ModuleLoadError{Name: "x", Attempt: 1, Cause: manager.ErrLoadTimeout}, http.StatusGatewayTimeout},
		{&config.ValidationError{Key: "k", Problems: []string{"bad"}}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		mux := NewMux(failingService{Service: base, err: tc.err})
		w := do(t, mux, http.MethodPost, "/modules/x/resolve", "")
		if w.Code != tc.want {
			t.Fatalf("%v: status=%d want %d", tc.err, w.Code, tc.want)
		}
		if body := decode[types.ErrorResponse](t, w); body.Error == "" {
			t.Fatalf("%v: empty error body", tc.err)
		}
	}
}

func TestCORSOptIn(t *testing.T) {
	svc := newTestService(t)
	Configure(Options{CORSOrigins: []string{"https://ui.example"}})
	t.Cleanup(func() { Configure(Options{}) })
	mux := NewMux(svc)

	req := httptest.NewRequest(http.MethodGet, "/modules", nil)
	req.Header.Set("Origin", "https://ui.example")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://ui.example" {
		t.Fatalf("allow-origin=%q", got)
	}
}

func TestEventsEndpoint(t *testing.T) {
	svc := newTestService(t)
	register(t, svc, "core-lib", 1)
	register(t, svc, "vision-lib", 1, manager.WithDependsOn("core-lib"))
	mux := NewMux(svc)
	if w := do(t, mux, http.MethodPost, "/modules/vision-lib/resolve", ""); w.Code != http.StatusOK {
		t.Fatalf("resolve status=%d", w.Code)
	}

	w := do(t, mux, http.MethodGet, "/events?limit=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("events status=%d", w.Code)
	}
	got := decode[types.EventsResponse](t, w)
	if len(got.Events) != 2 {
		t.Fatalf("events=%+v", got.Events)
	}
	last := got.Events[1]
	if last.Name != manager.EventLoadReady || last.Module != "vision-lib" {
		t.Fatalf("last event=%+v", last)
	}
	if w := do(t, mux, http.MethodGet, "/events?limit=-1", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status=%d", w.Code)
	}
}
