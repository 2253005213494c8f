package httpapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"":      LevelOff,
		"off":   LevelOff,
		"error": LevelError,
		"info":  LevelInfo,
		"debug": LevelDebug,
		"weird": LevelInfo, // default
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRequestLogLevel_Overrides(t *testing.T) {
	// query param ?log=debug
	r := httptest.NewRequest("GET", "/x?log=debug", nil)
	if got := requestLogLevel(r); got != LevelDebug {
		t.Fatalf("query override failed: %v", got)
	}
	// shorthand ?log=1
	r = httptest.NewRequest("GET", "/x?log=1", nil)
	if got := requestLogLevel(r); got != LevelDebug {
		t.Fatalf("shorthand query override failed: %v", got)
	}
	// header X-Log-Level
	r = httptest.NewRequest("GET", "/x", nil)
	r.Header.Set("X-Log-Level", "error")
	if got := requestLogLevel(r); got != LevelError {
		t.Fatalf("header override failed: %v", got)
	}
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := zlog
	SetLogger(zerolog.New(&buf))
	t.Cleanup(func() { zlog = prev })
	return &buf
}

func TestRequestLogger_LevelGating(t *testing.T) {
	buf := captureLogs(t)
	ok := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	fail := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	ok.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/a?log=off", nil))
	if buf.Len() != 0 {
		t.Fatalf("off level logged: %q", buf.String())
	}

	ok.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/a?log=error", nil))
	if buf.Len() != 0 {
		t.Fatalf("error level logged a 200: %q", buf.String())
	}

	fail.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/b?log=error", nil))
	out := buf.String()
	if !strings.Contains(out, `"level":"error"`) || !strings.Contains(out, `"status":500`) {
		t.Fatalf("missing error line: %q", out)
	}
	buf.Reset()

	ok.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/c?log=debug&x=1", nil))
	out = buf.String()
	if !strings.Contains(out, "http event=request") || !strings.Contains(out, `"query":"log=debug&x=1"`) {
		t.Fatalf("missing debug line: %q", out)
	}
}
