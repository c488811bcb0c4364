// Package host contains the primitives perfmon needs from the application it
// is embedded in, plus reference implementations for Go programs that run
// their UI work on a single looper goroutine.
package host

import (
	"errors"
	"time"
)

// Executor posts work onto the UI execution context.
type Executor interface {
	// Post enqueues task without blocking the caller. It returns false when the
	// context no longer accepts work (quit, or queue full).
	Post(task func()) bool
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(task func()) bool

func (f ExecutorFunc) Post(task func()) bool { return f(task) }

// FrameCallback is notified once per rendered frame.
type FrameCallback interface {
	DoFrame(frameTime time.Time)
}

// FrameSource delivers one-shot frame notifications. A callback that wants the
// next frame must post itself again from DoFrame.
type FrameSource interface {
	PostFrameCallback(cb FrameCallback)
	// RemoveFrameCallback drops every pending registration of cb.
	RemoveFrameCallback(cb FrameCallback)
}

// StackSampler captures the call stack of the UI execution context.
type StackSampler interface {
	// Sample returns at most maxFrames frames, innermost first. truncated is
	// true when frames were cut off.
	Sample(maxFrames int) (frames []string, truncated bool, err error)
}

var (
	ErrLooperNotRunning   = errors.New("looper is not running")
	ErrGoroutineNotFound  = errors.New("goroutine not found in stack dump")
	ErrInvalidRefreshRate = errors.New("refresh rate must be positive")
)
