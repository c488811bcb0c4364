package injector

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/google/wire"

	"github.com/zeusync/perfmon/internal/core/observability/log"
	"github.com/zeusync/perfmon/internal/host"
	"github.com/zeusync/perfmon/internal/monitor"
)

// RefreshRate is the choreographer pulse rate in Hz.
type RefreshRate float64

// QueueSize is the UI looper task queue depth.
type QueueSize int

var ProviderSet = wire.NewSet(
	log.Provide,
	ProvideClock,
	ProvideLooper,
	ProvideChoreographer,
	ProvideHost,
	NewAgent,
)

func ProvideClock() clock.Clock {
	return clock.New()
}

func ProvideLooper(size QueueSize) *host.Looper {
	return host.NewLooper(int(size))
}

func ProvideChoreographer(clk clock.Clock, looper *host.Looper, rate RefreshRate) (*host.Choreographer, error) {
	return host.NewChoreographer(clk, looper, float64(rate))
}

func ProvideHost(clk clock.Clock, looper *host.Looper, frames *host.Choreographer) monitor.Host {
	return monitor.Host{
		Frames: frames,
		UI:     looper,
		Stacks: looper.Sampler(),
		Clock:  clk,
	}
}

// Agent is the standalone process: a UI looper, a vsync source and the host
// bundle handed to the monitor.
type Agent struct {
	Logger *log.Logger
	Looper *host.Looper
	Frames *host.Choreographer
	Host   monitor.Host
}

func NewAgent(logger *log.Logger, looper *host.Looper, frames *host.Choreographer, h monitor.Host) *Agent {
	return &Agent{Logger: logger, Looper: looper, Frames: frames, Host: h}
}

// Start runs the looper and begins vsync pulses.
func (a *Agent) Start(ctx context.Context) {
	a.Looper.Start()
	a.Frames.Start(ctx)
}

// Stop halts vsync and then the looper.
func (a *Agent) Stop() {
	a.Frames.Stop()
	a.Looper.Quit()
	<-a.Looper.Done()
}
