package httpapi

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/cors"
)

const defaultMaxBodyBytes int64 = 1 << 20

// Options tunes the HTTP layer. The zero value is usable.
type Options struct {
	// MaxBodyBytes bounds JSON request bodies; <=0 means 1 MiB.
	MaxBodyBytes int64
	// ResolveTimeout bounds POST /modules/{name}/resolve; <=0 waits for the load.
	ResolveTimeout time.Duration
	// CORSOrigins enables CORS when non-empty.
	CORSOrigins []string
	// CORSMethods and CORSHeaders default to the methods and headers the API uses.
	CORSMethods []string
	CORSHeaders []string
}

var current atomic.Pointer[Options]

func init() { current.Store(&Options{}) }

// Configure installs opts for muxes built afterwards and for in-flight
// body and resolve limits.
func Configure(opts Options) {
	o := opts
	o.CORSOrigins = append([]string(nil), opts.CORSOrigins...)
	o.CORSMethods = append([]string(nil), opts.CORSMethods...)
	o.CORSHeaders = append([]string(nil), opts.CORSHeaders...)
	current.Store(&o)
}

func options() *Options { return current.Load() }

func (o *Options) maxBody() int64 {
	if o.MaxBodyBytes <= 0 {
		return defaultMaxBodyBytes
	}
	return o.MaxBodyBytes
}

func (o *Options) resolveTimeout() time.Duration {
	if o.ResolveTimeout < 0 {
		return 0
	}
	return o.ResolveTimeout
}

// corsMiddleware is nil when CORS is off.
func (o *Options) corsMiddleware() func(http.Handler) http.Handler {
	if len(o.CORSOrigins) == 0 {
		return nil
	}
	methods := o.CORSMethods
	if len(methods) == 0 {
		methods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch}
	}
	headers := o.CORSHeaders
	if len(headers) == 0 {
		headers = []string{"Content-Type", "X-Log-Level"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: o.CORSOrigins,
		AllowedMethods: methods,
		AllowedHeaders: headers,
		MaxAge:         300,
	})
}
