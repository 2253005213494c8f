package manager

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle state of a module handle.
type State string

const (
	StateUnregistered State = "UNREGISTERED"
	StateRegistered   State = "REGISTERED"
	StateLoading      State = "LOADING"
	StateLoaded       State = "LOADED"
	StateFailed       State = "FAILED"
	StateUnloaded     State = "UNLOADED"
)

// Strategy controls how long a loaded module may sit idle before it becomes
// eligible for unloading.
type Strategy string

const (
	StrategyAggressive   Strategy = "aggressive"
	StrategyBalanced     Strategy = "balanced"
	StrategyConservative Strategy = "conservative"
)

// Timeout is the idle timeout under normal pressure.
func (s Strategy) Timeout() time.Duration {
	switch s {
	case StrategyAggressive:
		return 5 * time.Minute
	case StrategyConservative:
		return 30 * time.Minute
	default:
		return 15 * time.Minute
	}
}

// ParseStrategy accepts strategy names case-insensitively.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategyAggressive, StrategyBalanced, StrategyConservative:
		return st, nil
	}
	return "", fmt.Errorf("unknown unload strategy %q", s)
}

// Loader initializes a module. It should honor ctx; a loader that ignores
// cancellation is abandoned on timeout and its late result is released.
type Loader func(ctx context.Context) (any, error)

// Releaser is implemented by modules that hold resources beyond memory.
// Release is called once when the module is unloaded or its late result is
// discarded.
type Releaser interface {
	Release() error
}

// Sizer reports a module's resident size after load, replacing the
// registration-time estimate.
type Sizer interface {
	SizeBytes() int64
}

// InUser is implemented by modules that track external borrows themselves.
// A module reporting InUse is skipped by unloads.
type InUser interface {
	InUse() bool
}
