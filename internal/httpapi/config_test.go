package httpapi

import (
	"testing"
	"time"
)

func TestOptionsDefaults(t *testing.T) {
	var o Options
	if got := o.maxBody(); got != defaultMaxBodyBytes {
		t.Fatalf("maxBody=%d", got)
	}
	if got := (&Options{ResolveTimeout: -time.Second}).resolveTimeout(); got != 0 {
		t.Fatalf("negative timeout not clamped: %v", got)
	}
	if o.corsMiddleware() != nil {
		t.Fatalf("cors enabled without origins")
	}
}

func TestConfigureCopiesSlices(t *testing.T) {
	origins := []string{"https://a.example"}
	Configure(Options{CORSOrigins: origins, MaxBodyBytes: 64})
	t.Cleanup(func() { Configure(Options{}) })
	origins[0] = "https://mutated.example"

	o := options()
	if o.CORSOrigins[0] != "https://a.example" {
		t.Fatalf("origins aliased: %v", o.CORSOrigins)
	}
	if o.maxBody() != 64 {
		t.Fatalf("maxBody=%d", o.maxBody())
	}
	if o.corsMiddleware() == nil {
		t.Fatalf("expected cors middleware")
	}
}
