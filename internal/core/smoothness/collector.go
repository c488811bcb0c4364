// Package smoothness measures frame pacing: how many frames the rendering
// pipeline delivered per window and how many of them missed the frame budget.
package smoothness

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/zeusync/perfmon/internal/core/events"
	"github.com/zeusync/perfmon/internal/core/events/bus"
	"github.com/zeusync/perfmon/internal/core/observability/log"
	"github.com/zeusync/perfmon/internal/host"
)

// FrameBudget is the per-frame time budget at the 60 Hz reference refresh
// rate. A frame is jank when the gap to the previous frame is strictly greater.
const FrameBudget = 16_666_667 * time.Nanosecond

// minElapsed floors the window length used for the FPS division.
const minElapsed = time.Nanosecond

const DefaultWindow = 5 * time.Second

var (
	ErrInvalidWindow  = errors.New("smoothness window must be positive")
	ErrNilFrameSource = errors.New("frame source is required")
	ErrNilPublisher   = errors.New("publisher is required")
)

type Config struct {
	Window time.Duration
}

// Collector counts frames and jank over a rolling window and publishes one
// SmoothnessMetrics per window.
type Collector struct {
	cfg       Config
	source    host.FrameSource
	clock     clock.Clock
	publisher bus.Publisher
	logger    log.Log

	// window state, guarded by mu
	mu          sync.Mutex
	hook        *frameHook
	windowStart time.Time
	lastFrame   time.Time
	frames      int
	janks       int

	life    sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	loopID  atomic.Uint64
}

// frameHook is the callback registered for one Start..Stop run. A delivery
// to a hook from an earlier run finds it no longer current and is ignored.
type frameHook struct {
	c *Collector
}

func (h *frameHook) DoFrame(frameTime time.Time) {
	h.c.record(h, frameTime)
}

// New validates the configuration and builds a stopped collector. A nil
// clock uses the wall clock; a nil logger discards output.
func New(cfg Config, source host.FrameSource, clk clock.Clock, publisher bus.Publisher, logger log.Log) (*Collector, error) {
	if cfg.Window <= 0 {
		return nil, ErrInvalidWindow
	}
	if source == nil {
		return nil, ErrNilFrameSource
	}
	if publisher == nil {
		return nil, ErrNilPublisher
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Collector{
		cfg:       cfg,
		source:    source,
		clock:     clk,
		publisher: publisher,
		logger:    logger.With(log.Component("smoothness")),
	}, nil
}

// Start resets the window, arms a fresh frame callback and starts the
// emission ticker. It does nothing when already running.
func (c *Collector) Start() {
	c.life.Lock()
	defer c.life.Unlock()
	if c.running {
		return
	}

	hook := &frameHook{c: c}
	c.mu.Lock()
	c.hook = hook
	c.windowStart = time.Time{}
	c.lastFrame = time.Time{}
	c.frames = 0
	c.janks = 0
	c.mu.Unlock()

	c.source.PostFrameCallback(hook)

	var ctx context.Context
	ctx, c.cancel = context.WithCancel(context.Background())
	c.done = make(chan struct{})
	c.running = true

	ticker := c.clock.Ticker(c.cfg.Window)
	go c.emitLoop(ctx, ticker, c.done)

	c.logger.Debug("collector started", log.Duration("window", c.cfg.Window))
}

// Stop detaches from the frame source and stops the emission loop. Once Stop
// returns no further metrics are published. Safe to call repeatedly, and from
// a subscriber running on the emission goroutine.
func (c *Collector) Stop() {
	c.life.Lock()
	defer c.life.Unlock()
	if !c.running {
		return
	}

	c.mu.Lock()
	hook := c.hook
	c.hook = nil
	c.mu.Unlock()

	if hook != nil {
		c.source.RemoveFrameCallback(hook)
	}
	c.cancel()
	if host.CurrentGoroutineID() != c.loopID.Load() {
		<-c.done
	}
	c.running = false

	c.logger.Debug("collector stopped")
}

// record counts one frame for the run owning h and re-arms h before
// recording.
func (c *Collector) record(h *frameHook, frameTime time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hook != h {
		return
	}
	c.source.PostFrameCallback(h)

	if c.windowStart.IsZero() {
		c.windowStart = frameTime
	}
	if !c.lastFrame.IsZero() && frameTime.Sub(c.lastFrame) > FrameBudget {
		c.janks++
	}
	c.frames++
	c.lastFrame = frameTime
}

// Snapshot returns the counters of the window in progress.
func (c *Collector) Snapshot() events.SmoothnessMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metricsLocked(c.clock.Now())
}

func (c *Collector) emitLoop(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	c.loopID.Store(host.CurrentGoroutineID())
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics, ok := c.closeWindow()
			if !ok || ctx.Err() != nil {
				return
			}
			if !c.publisher.Publish(metrics) {
				c.logger.Warn("smoothness metrics dropped", log.Int("frames", metrics.FrameCount))
			}
		}
	}
}

// closeWindow snapshots and resets the window in one critical section so no
// frame is counted in two windows or lost between them.
func (c *Collector) closeWindow() (events.SmoothnessMetrics, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hook == nil {
		return events.SmoothnessMetrics{}, false
	}

	now := c.clock.Now()
	metrics := c.metricsLocked(now)

	c.windowStart = now
	c.lastFrame = time.Time{}
	c.frames = 0
	c.janks = 0
	return metrics, true
}

func (c *Collector) metricsLocked(now time.Time) events.SmoothnessMetrics {
	var elapsed time.Duration
	if !c.windowStart.IsZero() {
		elapsed = now.Sub(c.windowStart)
	}
	if elapsed < minElapsed {
		elapsed = minElapsed
	}
	return events.SmoothnessMetrics{
		FrameCount:  c.frames,
		JankCount:   c.janks,
		AverageFPS:  float64(c.frames) / elapsed.Seconds(),
		WindowStart: c.windowStart,
		Elapsed:     elapsed,
	}
}
