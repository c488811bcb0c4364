package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zeusync/perfmon/internal/core/events"
	"github.com/zeusync/perfmon/internal/core/observability/log"
	"github.com/zeusync/perfmon/internal/host"
)

// Publisher is what the trackers push events into.
type Publisher interface {
	// Publish hands the event over without blocking and reports whether it was accepted.
	Publish(event events.Event) bool
}

// OverflowPolicy decides what a full dispatcher queue does with new events.
type OverflowPolicy uint8

const (
	// DropNewest rejects the incoming event when the queue is full.
	DropNewest OverflowPolicy = iota
	// DropOldest evicts the head of the queue to make room for the incoming event.
	DropOldest
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	default:
		return "drop_newest"
	}
}

// ParseOverflowPolicy accepts the names produced by String.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "drop_newest":
		return DropNewest, nil
	case "drop_oldest":
		return DropOldest, nil
	default:
		return DropNewest, fmt.Errorf("unknown overflow policy %q", s)
	}
}

const DefaultQueueSize = 256

// Dispatcher decouples producers from subscribers: producers enqueue into a
// bounded channel and a single goroutine drains it into the bus in FIFO order.
type Dispatcher struct {
	bus     EventBus
	queue   chan events.Event
	policy  OverflowPolicy
	logger  log.Log
	dropped atomic.Uint64

	accepting atomic.Bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	drainID atomic.Uint64
}

// NewDispatcher creates a stopped dispatcher. queueSize <= 0 uses DefaultQueueSize.
func NewDispatcher(b EventBus, queueSize int, policy OverflowPolicy, logger log.Log) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Dispatcher{
		bus:    b,
		queue:  make(chan events.Event, queueSize),
		policy: policy,
		logger: logger.With(log.Component("dispatcher")),
	}
}

// Start launches the draining goroutine. Calling Start on a running dispatcher does nothing.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	d.running = true
	d.accepting.Store(true)

	go d.drain(ctx, d.done)
}

// Stop stops accepting events, discards whatever is still queued and waits
// for an in-flight delivery to finish. Called from a subscriber, it only
// signals: the drain goroutine exits once that delivery returns.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.accepting.Store(false)
	d.cancel()
	done := d.done
	d.running = false
	d.mu.Unlock()

	if host.CurrentGoroutineID() != d.drainID.Load() {
		<-done
	}

	for {
		select {
		case <-d.queue:
		default:
			return
		}
	}
}

// Publish enqueues the event according to the overflow policy.
func (d *Dispatcher) Publish(event events.Event) bool {
	if !d.accepting.Load() {
		return false
	}

	select {
	case d.queue <- event:
		return true
	default:
	}

	if d.policy == DropNewest {
		d.drop(event.Kind())
		return false
	}

	// Concurrent producers may refill the slot we free; give up after a few rounds.
	for i := 0; i < 3; i++ {
		select {
		case <-d.queue:
			d.drop(event.Kind())
		default:
		}
		select {
		case d.queue <- event:
			return true
		default:
		}
	}
	d.drop(event.Kind())
	return false
}

// Dropped returns how many events were discarded by the overflow policy.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Pending returns the number of queued events.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

func (d *Dispatcher) drop(kind events.Kind) {
	n := d.dropped.Add(1)
	d.logger.Debug("event dropped",
		log.String("kind", kind.String()),
		log.String("policy", d.policy.String()),
		log.Uint64("dropped_total", n),
	)
}

func (d *Dispatcher) drain(ctx context.Context, done chan struct{}) {
	d.drainID.Store(host.CurrentGoroutineID())
	defer close(done)
	for ctx.Err() == nil {
		select {
		case <-ctx.Done():
			return
		case event := <-d.queue:
			if ctx.Err() != nil {
				return
			}
			d.bus.Emit(event)
		}
	}
}

// Direct returns a Publisher that emits synchronously on the caller goroutine.
func Direct(b EventBus) Publisher {
	return directPublisher{bus: b}
}

type directPublisher struct {
	bus EventBus
}

func (p directPublisher) Publish(event events.Event) bool {
	p.bus.Emit(event)
	return true
}
