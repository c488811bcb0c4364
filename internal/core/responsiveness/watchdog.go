// Package responsiveness detects a stalled UI execution context by posting a
// heartbeat probe to it on a fixed period and reporting probes that miss
// their deadline.
package responsiveness

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/zeusync/perfmon/internal/core/events"
	"github.com/zeusync/perfmon/internal/core/events/bus"
	"github.com/zeusync/perfmon/internal/core/observability/log"
	"github.com/zeusync/perfmon/internal/host"
)

const (
	DefaultProbeTimeout   = 5 * time.Second
	DefaultMaxStackFrames = 64
)

var (
	ErrInvalidTimeout = errors.New("probe timeout must be positive")
	ErrNilExecutor    = errors.New("ui executor is required")
	ErrNilSampler     = errors.New("stack sampler is required")
	ErrNilPublisher   = errors.New("publisher is required")
)

type Config struct {
	ProbeTimeout time.Duration
	// MaxStackFrames caps the captured snapshot; <= 0 uses DefaultMaxStackFrames.
	MaxStackFrames int
}

// Stats counts probe outcomes since construction.
type Stats struct {
	Probes    uint64
	Completed uint64
	TimedOut  uint64
	Rejected  uint64
}

// Watchdog runs the heartbeat cycle on its own goroutine. The probe period
// equals the timeout: every tick closes the previous cycle and opens the next,
// which bounds reporting to one incident per timeout under a sustained stall.
type Watchdog struct {
	cfg       Config
	executor  host.Executor
	sampler   host.StackSampler
	clock     clock.Clock
	publisher bus.Publisher
	logger    log.Log

	probes    atomic.Uint64
	completed atomic.Uint64
	timedOut  atomic.Uint64
	rejected  atomic.Uint64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	loopID  atomic.Uint64
}

// New validates the configuration and builds a stopped watchdog.
func New(cfg Config, executor host.Executor, sampler host.StackSampler, clk clock.Clock, publisher bus.Publisher, logger log.Log) (*Watchdog, error) {
	if cfg.ProbeTimeout <= 0 {
		return nil, ErrInvalidTimeout
	}
	if executor == nil {
		return nil, ErrNilExecutor
	}
	if sampler == nil {
		return nil, ErrNilSampler
	}
	if publisher == nil {
		return nil, ErrNilPublisher
	}
	if cfg.MaxStackFrames <= 0 {
		cfg.MaxStackFrames = DefaultMaxStackFrames
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Watchdog{
		cfg:       cfg,
		executor:  executor,
		sampler:   sampler,
		clock:     clk,
		publisher: publisher,
		logger:    logger.With(log.Component("responsiveness")),
	}, nil
}

// Start launches the probe goroutine. It does nothing when already running.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}

	var ctx context.Context
	ctx, w.cancel = context.WithCancel(context.Background())
	w.done = make(chan struct{})
	w.running = true

	ticker := w.clock.Ticker(w.cfg.ProbeTimeout)
	go w.run(ctx, ticker, w.done)

	w.logger.Debug("watchdog started", log.Duration("probe_timeout", w.cfg.ProbeTimeout))
}

// Stop cancels the probe goroutine and any in-flight wait. It never waits on
// the UI context, so it returns promptly even while the UI is hung. Called
// from an incident subscriber on the probe goroutine it only cancels.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.cancel()
	if host.CurrentGoroutineID() != w.loopID.Load() {
		<-w.done
	}
	w.running = false

	w.logger.Debug("watchdog stopped")
}

// Stats returns probe outcome counters.
func (w *Watchdog) Stats() Stats {
	return Stats{
		Probes:    w.probes.Load(),
		Completed: w.completed.Load(),
		TimedOut:  w.timedOut.Load(),
		Rejected:  w.rejected.Load(),
	}
}

func (w *Watchdog) run(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	w.loopID.Store(host.CurrentGoroutineID())
	defer close(done)
	defer ticker.Stop()

	ack := w.post()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ack:
			w.completed.Add(1)
			ack = nil
		case <-ticker.C:
			if ack != nil {
				// The probe may have finished in the same instant the tick arrived.
				select {
				case <-ack:
					w.completed.Add(1)
				default:
					w.timedOut.Add(1)
					w.report(ctx)
				}
			}
			if ctx.Err() != nil {
				return
			}
			ack = w.post()
		}
	}
}

// post enqueues a fresh probe. Every cycle owns its channel, so a probe that
// completes after its cycle ended only closes a channel nobody reads.
func (w *Watchdog) post() <-chan struct{} {
	w.probes.Add(1)
	ack := make(chan struct{})
	if !w.executor.Post(func() { close(ack) }) {
		w.rejected.Add(1)
		w.logger.Warn("probe rejected by ui executor")
		return nil
	}
	return ack
}

func (w *Watchdog) report(ctx context.Context) {
	now := w.clock.Now()
	frames, truncated, err := w.sampler.Sample(w.cfg.MaxStackFrames)
	if err != nil {
		w.logger.Warn("stack capture failed", log.Error(err))
		frames = []string{"<stack unavailable: " + err.Error() + ">"}
	}

	incident := events.ResponsivenessIncident{
		ID:             uuid.NewString(),
		Timestamp:      now,
		Timeout:        w.cfg.ProbeTimeout,
		ThreadSnapshot: frames,
		Truncated:      truncated,
		Signature:      xxhash.Sum64String(strings.Join(frames, "\n")),
	}

	if ctx.Err() != nil {
		return
	}
	w.logger.Warn("ui context unresponsive",
		log.String("incident", incident.ID),
		log.Duration("timeout", w.cfg.ProbeTimeout),
		log.Int("frames", len(frames)),
		log.Uint64("signature", incident.Signature),
	)
	if !w.publisher.Publish(incident) {
		w.logger.Warn("incident dropped", log.String("incident", incident.ID))
	}
}
