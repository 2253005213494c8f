package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lazyd/internal/blobstore"
	"lazyd/internal/config"
	"lazyd/internal/httpapi"
	"lazyd/internal/lifecycle"
	"lazyd/internal/memory"
	"lazyd/internal/registry"
)

// createModulesDir creates a temporary directory holding one file per module
// (name -> size in bytes) plus an optional manifest.
func createModulesDir(t *testing.T, manifest string, sizes map[string]int) string {
	t.Helper()
	dir := t.TempDir()
	for name, n := range sizes {
		p := filepath.Join(dir, name+".bin")
		if err := os.WriteFile(p, make([]byte, n), 0o644); err != nil {
			t.Fatalf("write module %s: %v", p, err)
		}
	}
	if manifest != "" {
		if err := os.WriteFile(filepath.Join(dir, registry.ManifestName), []byte(manifest), 0o644); err != nil {
			t.Fatalf("write manifest: %v", err)
		}
	}
	return dir
}

type stack struct {
	svc    *lifecycle.Service
	srv    *httptest.Server
	src    *memory.StaticSource
	stopFn func()
}

// newStack wires the daemon the way cmd/lazyd does, against a file store in
// stateDir so a second stack over the same directory sees persisted state.
func newStack(t *testing.T, modulesDir, stateDir string) *stack {
	t.Helper()
	store, err := blobstore.Open(context.Background(), blobstore.Config{Backend: "file", Dir: stateDir})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	cfg := config.New(config.Options{Store: store})
	if res := cfg.Update(map[string]any{
		config.KeyLoaderMode:    "lazy",
		config.KeyLoaderBackoff: "0s",
	}, config.SourceFile); res[config.KeyLoaderMode] != nil {
		t.Fatalf("config: %v", res)
	}
	src := memory.NewStaticSource(memory.Stats{})
	src.SetUsedPercent(20)
	svc, err := lifecycle.New(lifecycle.Options{Config: cfg, Store: store, Source: src})
	if err != nil {
		t.Fatalf("lifecycle.New: %v", err)
	}
	mods, err := registry.LoadDir(modulesDir, "bin")
	if err != nil {
		t.Fatalf("scan modules: %v", err)
	}
	for _, m := range mods {
		if _, err := svc.RegisterDescriptor(m, registry.FileLoader(m)); err != nil {
			t.Fatalf("register %s: %v", m.Name, err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := svc.Start(ctx); err != nil {
		cancel()
		t.Fatalf("start: %v", err)
	}
	srv := httptest.NewServer(httpapi.NewMux(svc))

	var closed bool
	st := &stack{svc: svc, srv: srv, src: src}
	stop := func() {
		if closed {
			return
		}
		closed = true
		srv.Close()
		cancel()
		_ = svc.Close()
		_ = store.Close()
	}
	t.Cleanup(stop)
	st.stopFn = stop
	return st
}

func (s *stack) stop() { s.stopFn() }

func (s *stack) call(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, s.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode
}
