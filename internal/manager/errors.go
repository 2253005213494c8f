package manager

import (
	"errors"
	"fmt"
	"time"
)

// duplicateNameError is returned when registering a name twice.
type duplicateNameError struct{ name string }

func (e duplicateNameError) Error() string   { return "module already registered: " + e.name }
func (e duplicateNameError) StatusCode() int { return 409 }

// IsDuplicateName reports whether err is a registration conflict.
func IsDuplicateName(err error) bool {
	var t duplicateNameError
	return errors.As(err, &t)
}

// moduleNotFoundError is returned for names that are not registered.
type moduleNotFoundError struct{ name string }

func (e moduleNotFoundError) Error() string   { return "module not found: " + e.name }
func (e moduleNotFoundError) StatusCode() int { return 404 }

// ErrModuleNotFound constructs a moduleNotFoundError.
func ErrModuleNotFound(name string) error { return moduleNotFoundError{name: name} }

// IsModuleNotFound reports whether err indicates an unknown module.
func IsModuleNotFound(err error) bool {
	var t moduleNotFoundError
	return errors.As(err, &t)
}

// busyError is returned for operations refused while a load is in flight.
type busyError struct {
	name string
	op   string
}

func (e busyError) Error() string   { return fmt.Sprintf("cannot %s module %s while it is loading", e.op, e.name) }
func (e busyError) StatusCode() int { return 409 }

// IsBusy reports whether err was caused by an in-flight load.
func IsBusy(err error) bool {
	var t busyError
	return errors.As(err, &t)
}

// ModuleLoadError wraps a loader failure with the attempt it happened on.
type ModuleLoadError struct {
	Name    string
	Attempt int
	// Exhausted is set when retries are used up and resolves fail fast until
	// the module is reset.
	Exhausted bool
	// RetryAfter is set when the resolve was refused because the retry
	// backoff after the last failure has not elapsed yet.
	RetryAfter time.Duration
	Cause      error
}

func (e *ModuleLoadError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("module %s: giving up after %d attempts: %v", e.Name, e.Attempt, e.Cause)
	}
	if e.RetryAfter > 0 {
		return fmt.Sprintf("module %s: attempt %d failed, retry in %s: %v", e.Name, e.Attempt, e.RetryAfter.Round(time.Millisecond), e.Cause)
	}
	return fmt.Sprintf("module %s: load attempt %d failed: %v", e.Name, e.Attempt, e.Cause)
}

func (e *ModuleLoadError) Unwrap() error { return e.Cause }

func (e *ModuleLoadError) StatusCode() int {
	if errors.Is(e.Cause, ErrLoadTimeout) {
		return 504
	}
	return 503
}

// IsLoadError reports whether err is a ModuleLoadError.
func IsLoadError(err error) bool {
	var t *ModuleLoadError
	return errors.As(err, &t)
}

// ErrLoadTimeout is the cause recorded when a loader exceeds loader.timeout.
var ErrLoadTimeout = errors.New("load timed out")

// unloadSkippedError is the soft failure for unloads that cannot complete
// now; the policy engine retries on its next tick.
type unloadSkippedError struct {
	name   string
	reason string
}

func (e unloadSkippedError) Error() string   { return "unload skipped for " + e.name + ": " + e.reason }
func (e unloadSkippedError) StatusCode() int { return 409 }

// IsUnloadSkipped reports whether err is a soft unload skip.
func IsUnloadSkipped(err error) bool {
	var t unloadSkippedError
	return errors.As(err, &t)
}

// notLoadedError is returned by manual unloads of modules that are not loaded.
type notLoadedError struct {
	name  string
	state State
}

func (e notLoadedError) Error() string {
	return fmt.Sprintf("module %s is not loaded (state %s)", e.name, e.state)
}
func (e notLoadedError) StatusCode() int { return 409 }

func IsNotLoaded(err error) bool {
	var t notLoadedError
	return errors.As(err, &t)
}
