package manager

import (
	"time"

	"github.com/rs/zerolog"

	"lazyd/internal/config"
)

// Defaults applied when the config reader yields zero values.
const (
	defaultLoadTimeout     = 30 * time.Second
	defaultMaxRetries      = 3
	defaultBackoff         = time.Second
	defaultMaxBackoff      = 5 * time.Minute
	defaultConcurrency     = 2
	defaultUnloadInterval  = 30 * time.Second
	defaultMaxPerCycle     = 3
	defaultCriticalTimeout = 30 * time.Second
	defaultHistorySize     = 256
)

// ManagerConfig encapsulates collaborators for Registry construction.
type ManagerConfig struct {
	// Config supplies loader.* and unload.* tunables. Required.
	Config config.Reader
	// Publisher receives lifecycle events; nil drops them.
	Publisher EventPublisher
	Logger    zerolog.Logger
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// NewWithConfig constructs a Registry from ManagerConfig.
func NewWithConfig(cfg ManagerConfig) *Registry {
	r := &Registry{
		cfg:       cfg.Config,
		publisher: cfg.Publisher,
		log:       cfg.Logger,
		now:       cfg.Now,
		handles:   make(map[string]*Handle),
	}
	if r.publisher == nil {
		r.publisher = noopPublisher{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	r.history = newUnloadHistory(r.historySize())
	return r
}

func (r *Registry) loadTimeout() time.Duration {
	if d := r.cfg.Duration(config.KeyLoaderTimeout); d > 0 {
		return d
	}
	return defaultLoadTimeout
}

func (r *Registry) maxRetries() int {
	if n := int(r.cfg.Int(config.KeyLoaderMaxRetries)); n > 0 {
		return n
	}
	return defaultMaxRetries
}

// backoff is how long a FAILED handle must wait after its last failure
// before Resolve may start attempt number failures+1.
func (r *Registry) backoff(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	base := r.cfg.Duration(config.KeyLoaderBackoff)
	if base < 0 {
		base = defaultBackoff
	}
	d := base
	for i := 1; i < failures && d < defaultMaxBackoff; i++ {
		d *= 2
	}
	return min(d, defaultMaxBackoff)
}

func (r *Registry) defaultStrategy() Strategy {
	if s, err := ParseStrategy(r.cfg.String(config.KeyUnloadStrategy)); err == nil {
		return s
	}
	return StrategyBalanced
}

func (r *Registry) historySize() int {
	if n := int(r.cfg.Int(config.KeyUnloadHistorySize)); n > 0 {
		return n
	}
	return defaultHistorySize
}
