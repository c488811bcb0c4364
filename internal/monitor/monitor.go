// Package monitor owns the lifecycle of the smoothness collector and the
// responsiveness watchdog and exposes the subscription surface.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/perfmon/internal/core/events"
	"github.com/zeusync/perfmon/internal/core/events/bus"
	"github.com/zeusync/perfmon/internal/core/observability/log"
	"github.com/zeusync/perfmon/internal/core/responsiveness"
	"github.com/zeusync/perfmon/internal/core/smoothness"
	"github.com/zeusync/perfmon/internal/host"
)

// Host bundles the primitives the embedding application provides.
type Host struct {
	Frames host.FrameSource
	UI     host.Executor
	Stacks host.StackSampler
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

func (h Host) validate() error {
	switch {
	case h.Frames == nil:
		return fmt.Errorf("%w: frame source", ErrMissingHost)
	case h.UI == nil:
		return fmt.Errorf("%w: ui executor", ErrMissingHost)
	case h.Stacks == nil:
		return fmt.Errorf("%w: stack sampler", ErrMissingHost)
	}
	return nil
}

type options struct {
	logger    log.Log
	observers []bus.BusObserver
}

type Option func(*options)

// WithLogger sets the logger shared by every component.
func WithLogger(l log.Log) Option {
	return func(o *options) { o.logger = l }
}

// WithBusObserver attaches a bus observer before the trackers start.
func WithBusObserver(obs bus.BusObserver) Option {
	return func(o *options) { o.observers = append(o.observers, obs) }
}

// Monitor is a running pair of trackers wired to one bus.
type Monitor struct {
	bus        bus.EventBus
	dispatcher *bus.Dispatcher
	collector  *smoothness.Collector
	watchdog   *responsiveness.Watchdog
	logger     log.Log
}

func newMonitor(h Host, cfg Config, opts ...Option) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := h.validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.Nop()
	}
	clk := h.Clock
	if clk == nil {
		clk = clock.New()
	}

	policy, _ := bus.ParseOverflowPolicy(cfg.Dispatch.Overflow)
	b := bus.New(o.logger)
	for _, obs := range o.observers {
		b.AddObserver(obs)
	}
	d := bus.NewDispatcher(b, cfg.Dispatch.QueueSize, policy, o.logger)

	collector, err := smoothness.New(smoothness.Config{Window: cfg.Smoothness.Window}, h.Frames, clk, d, o.logger)
	if err != nil {
		return nil, fmt.Errorf("smoothness collector: %w", err)
	}
	watchdog, err := responsiveness.New(responsiveness.Config{
		ProbeTimeout:   cfg.Responsiveness.ProbeTimeout,
		MaxStackFrames: cfg.Responsiveness.MaxStackFrames,
	}, h.UI, h.Stacks, clk, d, o.logger)
	if err != nil {
		return nil, fmt.Errorf("responsiveness watchdog: %w", err)
	}

	m := &Monitor{
		bus:        b,
		dispatcher: d,
		collector:  collector,
		watchdog:   watchdog,
		logger:     o.logger.With(log.Component("monitor")),
	}
	if cfg.Smoothness.OnMetrics != nil {
		m.OnSmoothnessMetrics(cfg.Smoothness.OnMetrics)
	}
	if cfg.Responsiveness.OnIncident != nil {
		m.OnResponsivenessIncident(cfg.Responsiveness.OnIncident)
	}
	return m, nil
}

// guarded runs a tracker lifecycle step and turns a panic raised by a host
// primitive into an error.
func guarded(name string, fn func()) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s: %w: %v", name, ErrHostPanic, r)
			}
		}()
		fn()
		return nil
	}
}

// start brings up the dispatcher and both trackers. On failure everything
// that did start is stopped again.
func (m *Monitor) start() error {
	m.dispatcher.Start(context.Background())

	var g errgroup.Group
	g.Go(guarded("smoothness collector", m.collector.Start))
	g.Go(guarded("responsiveness watchdog", m.watchdog.Start))
	if err := g.Wait(); err != nil {
		if stopErr := m.stop(); stopErr != nil {
			err = errors.Join(err, stopErr)
		}
		return err
	}

	m.logger.Info("monitoring started")
	return nil
}

// stop halts both trackers concurrently, then the dispatcher, so nothing is
// delivered once it returns.
func (m *Monitor) stop() error {
	var g errgroup.Group
	g.Go(guarded("smoothness collector", m.collector.Stop))
	g.Go(guarded("responsiveness watchdog", m.watchdog.Stop))
	err := g.Wait()

	m.dispatcher.Stop()
	m.logger.Info("monitoring stopped",
		log.Uint64("dropped_events", m.dispatcher.Dropped()),
		log.Uint64("incidents", m.watchdog.Stats().TimedOut),
	)
	return err
}

// Bus exposes the underlying event bus for observers that need both kinds.
func (m *Monitor) Bus() bus.EventBus {
	return m.bus
}

// OnSmoothnessMetrics registers cb and returns its deregistration handle.
func (m *Monitor) OnSmoothnessMetrics(cb func(events.SmoothnessMetrics)) bus.Subscription {
	return m.bus.RegisterSmoothness(bus.SmoothnessFunc(cb))
}

// OnResponsivenessIncident registers cb and returns its deregistration handle.
func (m *Monitor) OnResponsivenessIncident(cb func(events.ResponsivenessIncident)) bus.Subscription {
	return m.bus.RegisterIncident(bus.IncidentFunc(cb))
}

// DroppedEvents counts events discarded by the dispatcher's overflow policy.
func (m *Monitor) DroppedEvents() uint64 {
	return m.dispatcher.Dropped()
}

// WatchdogStats returns probe outcome counters.
func (m *Monitor) WatchdogStats() responsiveness.Stats {
	return m.watchdog.Stats()
}

// CurrentWindow returns the in-progress smoothness counters.
func (m *Monitor) CurrentWindow() events.SmoothnessMetrics {
	return m.collector.Snapshot()
}

// Launcher hands out at most one live Monitor. The zero value is ready to use.
type Launcher struct {
	mu   sync.Mutex
	slot atomic.Pointer[Monitor]
}

// Start builds and starts a Monitor unless one is already live, in which case
// the live instance is returned unchanged and cfg is ignored.
func (l *Launcher) Start(h Host, cfg Config, opts ...Option) (*Monitor, error) {
	if m := l.slot.Load(); m != nil {
		return m, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if m := l.slot.Load(); m != nil {
		return m, nil
	}

	m, err := newMonitor(h, cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := m.start(); err != nil {
		return nil, err
	}
	l.slot.Store(m)
	return m, nil
}

// Stop tears down the live Monitor, if any, and clears the slot.
func (l *Launcher) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.slot.Load()
	if m == nil {
		return
	}
	if err := m.stop(); err != nil {
		m.logger.Error("monitor stopped with errors", log.Error(err))
	}
	l.slot.Store(nil)
}

// Current returns the live Monitor or nil.
func (l *Launcher) Current() *Monitor {
	return l.slot.Load()
}

var defaultLauncher Launcher

// StartMonitoring starts the process-wide monitor.
func StartMonitoring(h Host, cfg Config, opts ...Option) (*Monitor, error) {
	return defaultLauncher.Start(h, cfg, opts...)
}

// StopMonitoring stops the process-wide monitor. Without a live monitor it does nothing.
func StopMonitoring() {
	defaultLauncher.Stop()
}
