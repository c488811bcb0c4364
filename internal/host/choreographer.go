package host

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Choreographer is a FrameSource driven by a vsync ticker. On every pulse with
// pending callbacks it schedules one frame on the executor; pulses that arrive
// while a frame is still queued are coalesced, so a blocked UI context shows
// up as a long gap between frame timestamps.
type Choreographer struct {
	clock    clock.Clock
	interval time.Duration
	executor Executor

	mu        sync.Mutex
	pending   []FrameCallback
	scheduled bool
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}

	frames atomic.Uint64
}

// NewChoreographer creates a frame source pulsing refreshRate times per second.
func NewChoreographer(clk clock.Clock, executor Executor, refreshRate float64) (*Choreographer, error) {
	if refreshRate <= 0 {
		return nil, ErrInvalidRefreshRate
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Choreographer{
		clock:    clk,
		interval: time.Duration(float64(time.Second) / refreshRate),
		executor: executor,
	}, nil
}

// Interval returns the vsync period.
func (c *Choreographer) Interval() time.Duration {
	return c.interval
}

// Start begins pulsing. Calling Start while running does nothing.
func (c *Choreographer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.running = true

	ticker := c.clock.Ticker(c.interval)
	go func(done chan struct{}) {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.vsync()
			}
		}
	}(c.done)
}

// Stop halts the pulse goroutine. Pending callbacks stay registered.
func (c *Choreographer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	done := c.done
	c.mu.Unlock()
	<-done
}

// PostFrameCallback implements FrameSource.
func (c *Choreographer) PostFrameCallback(cb FrameCallback) {
	c.mu.Lock()
	c.pending = append(c.pending, cb)
	c.mu.Unlock()
}

// RemoveFrameCallback implements FrameSource.
func (c *Choreographer) RemoveFrameCallback(cb FrameCallback) {
	c.mu.Lock()
	c.pending = slices.DeleteFunc(c.pending, func(p FrameCallback) bool { return p == cb })
	c.mu.Unlock()
}

// Frames returns how many frames have been delivered.
func (c *Choreographer) Frames() uint64 {
	return c.frames.Load()
}

func (c *Choreographer) vsync() {
	c.mu.Lock()
	if c.scheduled || len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	c.scheduled = true
	c.mu.Unlock()

	if !c.executor.Post(c.doFrame) {
		c.mu.Lock()
		c.scheduled = false
		c.mu.Unlock()
	}
}

func (c *Choreographer) doFrame() {
	frameTime := c.clock.Now()

	c.mu.Lock()
	callbacks := c.pending
	c.pending = nil
	c.scheduled = false
	c.mu.Unlock()

	for _, cb := range callbacks {
		cb.DoFrame(frameTime)
	}
	c.frames.Add(1)
}
