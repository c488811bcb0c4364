package host

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLooperRunsTasksInOrder(t *testing.T) {
	l := NewLooper(8)
	l.Start()
	defer l.Quit()

	var got []int
	done := make(chan struct{})
	for i := 0; i < 3; i++ {
		i := i
		require.True(t, l.Post(func() { got = append(got, i) }))
	}
	require.True(t, l.Post(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("looper did not run tasks")
	}
	assert.Equal(t, []int{0, 1, 2}, got)
	assert.NotZero(t, l.GoroutineID())
	assert.NotEqual(t, CurrentGoroutineID(), l.GoroutineID())
}

func TestLooperRejectsAfterQuit(t *testing.T) {
	l := NewLooper(1)
	l.Start()
	l.Quit()
	l.Quit()

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("looper did not exit")
	}
	assert.False(t, l.Post(func() {}))
}

func TestLooperRejectsWhenFull(t *testing.T) {
	l := NewLooper(1)
	// not started: nothing drains the queue
	assert.True(t, l.Post(func() {}))
	assert.False(t, l.Post(func() {}))
}

//go:noinline
func blockOnLooper(entered chan<- struct{}, release <-chan struct{}) {
	close(entered)
	<-release
}

func TestSamplerCapturesLooperStack(t *testing.T) {
	l := NewLooper(4)
	l.Start()
	defer l.Quit()

	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	require.True(t, l.Post(func() { blockOnLooper(entered, release) }))
	<-entered

	frames, truncated, err := l.Sampler().Sample(64)
	require.NoError(t, err)
	assert.False(t, truncated)
	require.NotEmpty(t, frames)

	joined := strings.Join(frames, "\n")
	assert.Contains(t, joined, "blockOnLooper")
	assert.Contains(t, joined, "host_test.go:")
}

func TestSamplerCapsFrames(t *testing.T) {
	l := NewLooper(4)
	l.Start()
	defer l.Quit()

	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	require.True(t, l.Post(func() { blockOnLooper(entered, release) }))
	<-entered

	frames, truncated, err := l.Sampler().Sample(1)
	require.NoError(t, err)
	assert.Len(t, frames, 1)
	assert.True(t, truncated)
}

func TestSamplerBeforeStart(t *testing.T) {
	_, _, err := NewLooper(1).Sampler().Sample(10)
	assert.ErrorIs(t, err, ErrLooperNotRunning)
}

func TestSamplerUnknownGoroutine(t *testing.T) {
	s := &GoroutineSampler{ID: func() uint64 { return 1 << 62 }}
	_, _, err := s.Sample(10)
	assert.ErrorIs(t, err, ErrGoroutineNotFound)
}

func TestParseFrames(t *testing.T) {
	block := []byte(`goroutine 7 [chan receive]:
main.(*app).render(0xc000010000, {0x1, 0x2})
	/src/app/render.go:42 +0x1d
main.loop(...)
	/src/app/loop.go:10
created by main.main in goroutine 1
	/src/app/main.go:5 +0x88
`)
	frames, truncated := ParseFrames(block, 0)
	assert.False(t, truncated)
	assert.Equal(t, []string{
		"main.(*app).render /src/app/render.go:42",
		"main.loop /src/app/loop.go:10",
		"created by main.main /src/app/main.go:5",
	}, frames)

	frames, truncated = ParseFrames(block, 2)
	assert.True(t, truncated)
	assert.Len(t, frames, 2)
}

func TestParseFramesElided(t *testing.T) {
	block := []byte("goroutine 9 [running]:\nmain.f()\n\t/a.go:1 +0x1\n...additional frames elided...\n")
	frames, truncated := ParseFrames(block, 0)
	assert.True(t, truncated)
	assert.Equal(t, []string{"main.f /a.go:1"}, frames)
}

type frameRecorder struct {
	mu    sync.Mutex
	times []time.Time
	ch    chan time.Time
}

func (r *frameRecorder) DoFrame(ts time.Time) {
	r.mu.Lock()
	r.times = append(r.times, ts)
	r.mu.Unlock()
	r.ch <- ts
}

func TestChoreographerDeliversOnVsync(t *testing.T) {
	mock := clock.NewMock()
	l := NewLooper(8)
	l.Start()
	defer l.Quit()

	c, err := NewChoreographer(mock, l, 60)
	require.NoError(t, err)
	assert.Equal(t, time.Second/60, c.Interval())
	c.Start(context.Background())
	defer c.Stop()

	rec := &frameRecorder{ch: make(chan time.Time, 4)}
	c.PostFrameCallback(rec)
	mock.Add(c.Interval())

	select {
	case ts := <-rec.ch:
		assert.Equal(t, mock.Now(), ts)
	case <-time.After(time.Second):
		t.Fatal("frame callback not delivered")
	}

	// one-shot: without re-posting nothing else arrives
	mock.Add(c.Interval())
	assert.Never(t, func() bool { return len(rec.ch) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.EqualValues(t, 1, c.Frames())
}

func TestChoreographerCoalescesWhileBlocked(t *testing.T) {
	mock := clock.NewMock()
	posted := make(chan func(), 8)
	exec := ExecutorFunc(func(task func()) bool {
		posted <- task
		return true
	})

	c, err := NewChoreographer(mock, exec, 60)
	require.NoError(t, err)
	c.Start(context.Background())
	defer c.Stop()

	rec := &frameRecorder{ch: make(chan time.Time, 4)}
	c.PostFrameCallback(rec)

	mock.Add(c.Interval())
	var frame func()
	select {
	case frame = <-posted:
	case <-time.After(time.Second):
		t.Fatal("frame not scheduled")
	}

	mock.Add(c.Interval())
	mock.Add(c.Interval())
	assert.Never(t, func() bool { return len(posted) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	frame()
	assert.Equal(t, mock.Now(), <-rec.ch)
}

func TestChoreographerRemoveCallback(t *testing.T) {
	c, err := NewChoreographer(clock.NewMock(), ExecutorFunc(func(func()) bool { return true }), 60)
	require.NoError(t, err)

	rec := &frameRecorder{ch: make(chan time.Time, 4)}
	c.PostFrameCallback(rec)
	c.PostFrameCallback(rec)
	c.RemoveFrameCallback(rec)
	c.doFrame()
	assert.Empty(t, rec.ch)
}

func TestChoreographerRejectsBadRate(t *testing.T) {
	_, err := NewChoreographer(nil, ExecutorFunc(func(func()) bool { return true }), 0)
	assert.ErrorIs(t, err, ErrInvalidRefreshRate)
}

func TestDumpBufferReset(t *testing.T) {
	grown := make([]byte, 10, 4*initialDumpBytes)
	b := resetDumpBuffer(&grown)
	assert.Equal(t, initialDumpBytes, cap(*b))
	assert.Len(t, *b, initialDumpBytes)

	short := make([]byte, 3, initialDumpBytes)
	b = resetDumpBuffer(&short)
	assert.Len(t, *b, initialDumpBytes)
}

func TestDumpAllRespectsLimit(t *testing.T) {
	buf := make([]byte, 0, 16)
	dump, clipped := dumpAll(&buf, 64)
	assert.LessOrEqual(t, len(dump), 64)
	assert.True(t, clipped)
	assert.True(t, strings.HasPrefix(string(dump), "goroutine "))
}
