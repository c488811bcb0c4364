package host

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

const DefaultLooperQueueSize = 1024

// Looper is a single goroutine draining a FIFO task queue. It plays the role
// of the UI execution context: everything posted to it runs sequentially on
// the same goroutine, whose id is recorded so its stack can be sampled.
type Looper struct {
	tasks chan func()
	gid   atomic.Uint64

	quitOnce sync.Once
	quit     chan struct{}
	done     chan struct{}
	started  atomic.Bool
}

// NewLooper creates a looper. queueSize <= 0 uses DefaultLooperQueueSize.
func NewLooper(queueSize int) *Looper {
	if queueSize <= 0 {
		queueSize = DefaultLooperQueueSize
	}
	return &Looper{
		tasks: make(chan func(), queueSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start runs the loop on a new goroutine. Repeated calls do nothing.
func (l *Looper) Start() {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	ready := make(chan struct{})
	go l.run(ready)
	<-ready
}

// Loop runs the looper on the calling goroutine until Quit. Use it when the
// caller's goroutine is the UI context.
func (l *Looper) Loop() {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	l.run(nil)
}

func (l *Looper) run(ready chan struct{}) {
	defer close(l.done)
	l.gid.Store(CurrentGoroutineID())
	if ready != nil {
		close(ready)
	}
	for {
		select {
		case <-l.quit:
			return
		case task := <-l.tasks:
			task()
		}
	}
}

// Post implements Executor.
func (l *Looper) Post(task func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}
	select {
	case l.tasks <- task:
		return true
	default:
		return false
	}
}

// Quit stops the loop after the running task returns. Pending tasks are dropped.
func (l *Looper) Quit() {
	l.quitOnce.Do(func() { close(l.quit) })
}

// Done is closed when the loop has exited.
func (l *Looper) Done() <-chan struct{} {
	return l.done
}

// GoroutineID returns the id of the looper goroutine, 0 before it starts.
func (l *Looper) GoroutineID() uint64 {
	return l.gid.Load()
}

// Sampler returns a StackSampler bound to this looper's goroutine.
func (l *Looper) Sampler() StackSampler {
	return &GoroutineSampler{ID: l.GoroutineID}
}

var goroutinePrefix = []byte("goroutine ")

// CurrentGoroutineID returns the id of the calling goroutine, 0 if the
// runtime header cannot be parsed.
func CurrentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], goroutinePrefix)
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
