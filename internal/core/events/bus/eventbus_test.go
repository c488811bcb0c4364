package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/perfmon/internal/core/events"
)

type testObserver struct {
	mu        sync.Mutex
	delivered int
	panics    int
}

func (o *testObserver) OnDelivered(_ events.Kind, handlers int, panics int, _ int64) {
	o.mu.Lock()
	o.delivered += handlers
	o.panics += panics
	o.mu.Unlock()
}

func TestEmitInRegistrationOrder(t *testing.T) {
	b := New(nil)
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		b.RegisterSmoothness(SmoothnessFunc(func(events.SmoothnessMetrics) { order = append(order, i) }))
	}

	b.EmitSmoothness(events.SmoothnessMetrics{FrameCount: 1})
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestKindsAreIndependent(t *testing.T) {
	b := New(nil)
	var smooth, incidents int
	b.RegisterSmoothness(SmoothnessFunc(func(events.SmoothnessMetrics) { smooth++ }))
	b.RegisterIncident(IncidentFunc(func(events.ResponsivenessIncident) { incidents++ }))

	b.EmitIncident(events.ResponsivenessIncident{ID: "x"})
	assert.Equal(t, 0, smooth)
	assert.Equal(t, 1, incidents)

	b.Emit(events.SmoothnessMetrics{})
	assert.Equal(t, 1, smooth)
}

func TestDuplicateRegistrationDeliversTwice(t *testing.T) {
	b := New(nil)
	count := 0
	obs := SmoothnessFunc(func(events.SmoothnessMetrics) { count++ })
	first := b.RegisterSmoothness(obs)
	b.RegisterSmoothness(obs)

	b.EmitSmoothness(events.SmoothnessMetrics{})
	assert.Equal(t, 2, count)

	b.UnregisterSmoothness(first)
	b.EmitSmoothness(events.SmoothnessMetrics{})
	assert.Equal(t, 3, count)
}

func TestRegisterThenUnregisterRestoresBehavior(t *testing.T) {
	b := New(nil)
	got := 0
	sub := b.RegisterIncident(IncidentFunc(func(events.ResponsivenessIncident) { got++ }))
	require.True(t, sub.IsActive())
	assert.Equal(t, events.KindIncident, sub.Kind())
	assert.NotEmpty(t, sub.ID())

	b.UnregisterIncident(sub)
	assert.False(t, sub.IsActive())

	b.EmitIncident(events.ResponsivenessIncident{})
	assert.Equal(t, 0, got)
}

func TestUnregisterUnknownHandleIsNoop(t *testing.T) {
	b := New(nil)
	other := New(nil)
	foreign := other.RegisterSmoothness(SmoothnessFunc(func(events.SmoothnessMetrics) {}))
	incidentSub := b.RegisterIncident(IncidentFunc(func(events.ResponsivenessIncident) {}))

	assert.NotPanics(t, func() {
		b.UnregisterSmoothness(nil)
		b.UnregisterIncident(nil)
		b.UnregisterSmoothness(foreign)
		b.UnregisterSmoothness(incidentSub)
		incidentSub.Cancel()
		incidentSub.Cancel()
		b.UnregisterIncident(incidentSub)
	})
	assert.True(t, foreign.IsActive())
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	b := New(nil)
	obs := &testObserver{}
	b.AddObserver(obs)

	reached := false
	b.RegisterSmoothness(SmoothnessFunc(func(events.SmoothnessMetrics) { panic("bad subscriber") }))
	b.RegisterSmoothness(SmoothnessFunc(func(events.SmoothnessMetrics) { reached = true }))

	assert.NotPanics(t, func() { b.EmitSmoothness(events.SmoothnessMetrics{}) })
	assert.True(t, reached)

	m := b.GetMetrics()
	assert.EqualValues(t, 1, m.Published)
	assert.EqualValues(t, 2, m.DeliveredHandlers)
	assert.EqualValues(t, 1, m.Panics)
	assert.EqualValues(t, 2, m.SubscribersActive)
	assert.Equal(t, 1, obs.panics)
}

func TestMetricsOnlyWhileObserved(t *testing.T) {
	b := New(nil)
	b.RegisterIncident(IncidentFunc(func(events.ResponsivenessIncident) {}))
	b.EmitIncident(events.ResponsivenessIncident{})
	assert.Zero(t, b.GetMetrics().Published)

	obs := &testObserver{}
	b.AddObserver(obs)
	b.EmitIncident(events.ResponsivenessIncident{})
	assert.EqualValues(t, 1, b.GetMetrics().Published)
	assert.Equal(t, 1, obs.delivered)

	b.RemoveObserver(obs)
	b.EmitIncident(events.ResponsivenessIncident{})
	assert.EqualValues(t, 1, b.GetMetrics().Published)
}

func TestUnsubscribeDuringEmission(t *testing.T) {
	b := New(nil)
	var second Subscription
	calls := 0
	b.RegisterSmoothness(SmoothnessFunc(func(events.SmoothnessMetrics) {
		b.UnregisterSmoothness(second)
		b.RegisterSmoothness(SmoothnessFunc(func(events.SmoothnessMetrics) { calls += 100 }))
	}))
	second = b.RegisterSmoothness(SmoothnessFunc(func(events.SmoothnessMetrics) { calls++ }))

	assert.NotPanics(t, func() { b.EmitSmoothness(events.SmoothnessMetrics{}) })
	// second was cancelled before its turn; the late registration misses the in-flight event.
	assert.Equal(t, 0, calls)
}

func TestConcurrentRegisterAndEmit(t *testing.T) {
	b := New(nil)
	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			sub := b.RegisterSmoothness(SmoothnessFunc(func(events.SmoothnessMetrics) {}))
			b.UnregisterSmoothness(sub)
		}
	}()

	deadline := time.After(50 * time.Millisecond)
loop:
	for {
		select {
		case <-deadline:
			break loop
		default:
			b.EmitSmoothness(events.SmoothnessMetrics{})
		}
	}
	close(stop)
	wg.Wait()
}
