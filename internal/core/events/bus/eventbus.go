package bus

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zeusync/perfmon/internal/core/events"
	"github.com/zeusync/perfmon/internal/core/observability/log"
)

// subscription implements Subscription for one list.
type subscription[T any] struct {
	id      string
	kind    events.Kind
	handler func(T)
	active  atomic.Bool
	owner   *subscriberList[T]
}

func (s *subscription[T]) ID() string        { return s.id }
func (s *subscription[T]) Kind() events.Kind { return s.kind }
func (s *subscription[T]) IsActive() bool    { return s.active.Load() }
func (s *subscription[T]) Cancel() {
	s.owner.remove(s)
}

// subscriberList is copy-on-write: mutations swap in a fresh slice, so an
// emission iterating the previous slice is never torn.
type subscriberList[T any] struct {
	mu   sync.RWMutex
	kind events.Kind
	subs []*subscription[T]
}

func (l *subscriberList[T]) add(handler func(T)) *subscription[T] {
	s := &subscription[T]{id: uuid.NewString(), kind: l.kind, handler: handler, owner: l}
	s.active.Store(true)

	l.mu.Lock()
	next := make([]*subscription[T], len(l.subs), len(l.subs)+1)
	copy(next, l.subs)
	l.subs = append(next, s)
	l.mu.Unlock()
	return s
}

func (l *subscriberList[T]) remove(s *subscription[T]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := slices.Index(l.subs, s)
	if idx < 0 {
		return
	}
	next := make([]*subscription[T], 0, len(l.subs)-1)
	next = append(next, l.subs[:idx]...)
	l.subs = append(next, l.subs[idx+1:]...)
	s.active.Store(false)
}

func (l *subscriberList[T]) snapshot() []*subscription[T] {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.subs
}

func (l *subscriberList[T]) len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subs)
}

// inMemoryBus is the EventBus used by the monitor.
type inMemoryBus struct {
	smoothness *subscriberList[events.SmoothnessMetrics]
	incidents  *subscriberList[events.ResponsivenessIncident]

	mu        sync.RWMutex
	metrics   Metrics
	observers map[BusObserver]struct{}

	logger log.Log
}

// New creates an EventBus. A nil logger discards panic reports.
func New(logger log.Log) EventBus {
	if logger == nil {
		logger = log.Nop()
	}
	return &inMemoryBus{
		smoothness: &subscriberList[events.SmoothnessMetrics]{kind: events.KindSmoothness},
		incidents:  &subscriberList[events.ResponsivenessIncident]{kind: events.KindIncident},
		observers:  make(map[BusObserver]struct{}),
		logger:     logger.With(log.Component("bus")),
	}
}

func (b *inMemoryBus) EmitSmoothness(metrics events.SmoothnessMetrics) {
	deliver(b, b.smoothness, metrics)
}

func (b *inMemoryBus) EmitIncident(incident events.ResponsivenessIncident) {
	deliver(b, b.incidents, incident)
}

func (b *inMemoryBus) Emit(event events.Event) {
	switch e := event.(type) {
	case events.SmoothnessMetrics:
		b.EmitSmoothness(e)
	case events.ResponsivenessIncident:
		b.EmitIncident(e)
	}
}

func (b *inMemoryBus) RegisterSmoothness(obs SmoothnessObserver) Subscription {
	return b.smoothness.add(obs.OnSmoothness)
}

func (b *inMemoryBus) RegisterIncident(obs IncidentObserver) Subscription {
	return b.incidents.add(obs.OnIncident)
}

func (b *inMemoryBus) UnregisterSmoothness(sub Subscription) {
	if s, ok := sub.(*subscription[events.SmoothnessMetrics]); ok && s.owner == b.smoothness {
		s.Cancel()
	}
}

func (b *inMemoryBus) UnregisterIncident(sub Subscription) {
	if s, ok := sub.(*subscription[events.ResponsivenessIncident]); ok && s.owner == b.incidents {
		s.Cancel()
	}
}

func (b *inMemoryBus) AddObserver(obs BusObserver) {
	b.mu.Lock()
	b.observers[obs] = struct{}{}
	b.mu.Unlock()
}

func (b *inMemoryBus) RemoveObserver(obs BusObserver) {
	b.mu.Lock()
	delete(b.observers, obs)
	b.mu.Unlock()
}

func (b *inMemoryBus) GetMetrics() Metrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.metrics
}

func deliver[T any](b *inMemoryBus, list *subscriberList[T], value T) {
	start := time.Now()
	subs := list.snapshot()

	panics := 0
	for _, s := range subs {
		if !s.active.Load() {
			continue
		}
		if !b.invoke(list.kind, s.id, func() { s.handler(value) }) {
			panics++
		}
	}

	b.mu.RLock()
	obsCount := len(b.observers)
	b.mu.RUnlock()
	if obsCount == 0 {
		return
	}

	dur := time.Since(start).Microseconds()
	b.mu.Lock()
	b.metrics.Published++
	b.metrics.DeliveredHandlers += uint64(len(subs))
	b.metrics.Panics += uint64(panics)
	b.metrics.SubscribersActive = uint64(b.smoothness.len() + b.incidents.len())
	observers := make([]BusObserver, 0, len(b.observers))
	for obs := range b.observers {
		observers = append(observers, obs)
	}
	b.mu.Unlock()

	for _, obs := range observers {
		obs.OnDelivered(list.kind, len(subs), panics, dur)
	}
}

// invoke runs one handler and reports whether it returned normally.
func (b *inMemoryBus) invoke(kind events.Kind, id string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			b.logger.Error("subscriber panicked",
				log.String("kind", kind.String()),
				log.String("subscription", id),
				log.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	fn()
	return true
}
