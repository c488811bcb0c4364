package bus

import (
	"github.com/zeusync/perfmon/internal/core/events"
)

// EventBus fans smoothness metrics and responsiveness incidents out to
// in-process subscribers.
//
// Key characteristics:
// - Two independent subscriber lists, one per event kind, each kept in registration order.
// - Duplicates are allowed: registering the same observer twice delivers twice.
// - Synchronous delivery: Emit* calls observers in the caller goroutine over a
//   snapshot of the list taken at call time.
// - Isolation: a panicking observer is recovered and logged; the remaining
//   observers still receive the event and the emitting goroutine keeps running.
// - Optional observability: metrics are produced only when bus observers are registered.
//
// Notes:
// - Separate Emit calls from different goroutines are not serialized against each other.
// - Observers should be quick; slow work belongs behind a Dispatcher or their own goroutine.
// - All methods are safe for concurrent use.
type EventBus interface {
	// EmitSmoothness delivers metrics to every smoothness observer registered at call time.
	EmitSmoothness(metrics events.SmoothnessMetrics)
	// EmitIncident delivers the incident to every incident observer registered at call time.
	EmitIncident(incident events.ResponsivenessIncident)
	// Emit routes an event to the list matching its kind. Unknown kinds are ignored.
	Emit(event events.Event)

	// RegisterSmoothness appends an observer and returns its handle.
	RegisterSmoothness(obs SmoothnessObserver) Subscription
	// RegisterIncident appends an observer and returns its handle.
	RegisterIncident(obs IncidentObserver) Subscription
	// UnregisterSmoothness removes the handle if it is currently registered.
	// Nil, cancelled or foreign handles are ignored.
	UnregisterSmoothness(sub Subscription)
	// UnregisterIncident removes the handle if it is currently registered.
	UnregisterIncident(sub Subscription)

	// AddObserver registers a bus observer that receives delivery callbacks.
	AddObserver(obs BusObserver)
	// RemoveObserver unregisters a previously added bus observer.
	RemoveObserver(obs BusObserver)
	// GetMetrics returns accumulated counters. Counters only move while at
	// least one bus observer is registered.
	GetMetrics() Metrics
}

// SmoothnessObserver receives one SmoothnessMetrics per closed window.
type SmoothnessObserver interface {
	OnSmoothness(metrics events.SmoothnessMetrics)
}

// IncidentObserver receives responsiveness incidents.
type IncidentObserver interface {
	OnIncident(incident events.ResponsivenessIncident)
}

// SmoothnessFunc adapts a plain function to SmoothnessObserver.
type SmoothnessFunc func(metrics events.SmoothnessMetrics)

func (f SmoothnessFunc) OnSmoothness(metrics events.SmoothnessMetrics) { f(metrics) }

// IncidentFunc adapts a plain function to IncidentObserver.
type IncidentFunc func(incident events.ResponsivenessIncident)

func (f IncidentFunc) OnIncident(incident events.ResponsivenessIncident) { f(incident) }

// Subscription is the handle returned by Register*. Cancel is equivalent to
// the matching Unregister call and may be called any number of times.
type Subscription interface {
	ID() string
	Kind() events.Kind
	IsActive() bool
	Cancel()
}

// BusObserver is notified after every emission. Implementations export
// metrics or logs and must return quickly.
type BusObserver interface {
	OnDelivered(kind events.Kind, handlers int, panics int, durationMicros int64)
}

// Metrics is a minimal set of counters, updated only while observed.
type Metrics struct {
	Published         uint64
	DeliveredHandlers uint64
	Panics            uint64
	SubscribersActive uint64
}
