package manager

// Event represents a module lifecycle event.
// Minimal and stable: name + module name and optional fields via key/values.
type Event struct {
	Name   string
	Module string
	Fields map[string]any
}

// Event names.
const (
	EventRegister      = "register"
	EventDeregister    = "deregister"
	EventLoadStart     = "load_start"
	EventLoadReady     = "load_ready"
	EventLoadFailed    = "load_failed"
	EventUnloadDone    = "unload_done"
	EventUnloadSkipped = "unload_skipped"
	EventReset         = "reset"
	EventPreference    = "preference"
)

// EventPublisher receives events from the registry. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// Publishers fans an event out to several publishers in order.
type Publishers []EventPublisher

func (ps Publishers) Publish(e Event) {
	for _, p := range ps {
		p.Publish(e)
	}
}

// PublisherFunc adapts a function to EventPublisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }
