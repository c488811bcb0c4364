package host

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/zeusync/perfmon/pkg/generic"
)

const (
	initialDumpBytes = 64 << 10
	// DefaultMaxDumpBytes bounds the all-goroutine dump so sampling a process
	// with many goroutines cannot stall the watchdog.
	DefaultMaxDumpBytes = 1 << 20
)

// dumpBuffers recycles dump buffers. Buffers that grew past the initial size
// are shrunk back so one large dump does not pin memory in the pool.
var dumpBuffers = generic.NewPool(func() *[]byte {
	b := make([]byte, initialDumpBytes)
	return &b
}, resetDumpBuffer)

func resetDumpBuffer(b *[]byte) *[]byte {
	if cap(*b) > initialDumpBytes {
		*b = make([]byte, initialDumpBytes)
		return b
	}
	*b = (*b)[:cap(*b)]
	return b
}

// GoroutineSampler captures one goroutine's stack out of a runtime.Stack dump.
type GoroutineSampler struct {
	// ID returns the goroutine to sample; 0 means not yet known.
	ID func() uint64
	// MaxDumpBytes caps the dump buffer; 0 uses DefaultMaxDumpBytes.
	MaxDumpBytes int
}

// Sample implements StackSampler.
func (s *GoroutineSampler) Sample(maxFrames int) ([]string, bool, error) {
	id := s.ID()
	if id == 0 {
		return nil, false, ErrLooperNotRunning
	}
	limit := s.MaxDumpBytes
	if limit <= 0 {
		limit = DefaultMaxDumpBytes
	}
	buf := dumpBuffers.Get()
	defer dumpBuffers.Put(buf)

	dump, clipped := dumpAll(buf, limit)
	block, last, ok := findGoroutine(dump, id)
	if !ok {
		if clipped {
			return nil, true, fmt.Errorf("goroutine %d: %w (dump clipped at %d bytes)", id, ErrGoroutineNotFound, limit)
		}
		return nil, false, fmt.Errorf("goroutine %d: %w", id, ErrGoroutineNotFound)
	}
	frames, truncated := ParseFrames(block, maxFrames)
	return frames, truncated || (clipped && last), nil
}

// dumpAll writes every goroutine's stack into *buf, growing it up to limit.
func dumpAll(buf *[]byte, limit int) ([]byte, bool) {
	b := *buf
	size := min(max(cap(b), initialDumpBytes), limit)
	for {
		if cap(b) < size {
			b = make([]byte, size)
		}
		b = b[:size]
		*buf = b
		n := runtime.Stack(b, true)
		if n < size {
			return b[:n], false
		}
		if size >= limit {
			return b[:n], true
		}
		size = min(size*2, limit)
	}
}

// findGoroutine returns the block for id and whether it is the final block
// of the dump.
func findGoroutine(dump []byte, id uint64) ([]byte, bool, bool) {
	header := []byte("goroutine " + strconv.FormatUint(id, 10) + " [")
	blocks := bytes.Split(dump, []byte("\n\n"))
	for i, block := range blocks {
		if bytes.HasPrefix(block, header) {
			return block, i == len(blocks)-1, true
		}
	}
	return nil, false, false
}

// ParseFrames turns one goroutine block of a runtime.Stack dump into
// "function file:line" strings. Argument values and PC offsets are dropped so
// identical call paths render identically.
func ParseFrames(block []byte, maxFrames int) ([]string, bool) {
	lines := strings.Split(strings.TrimRight(string(block), "\n"), "\n")
	if len(lines) > 0 && strings.HasPrefix(lines[0], "goroutine ") {
		lines = lines[1:]
	}

	var frames []string
	truncated := false
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if strings.HasPrefix(line, "...") {
			truncated = true
			continue
		}
		if strings.HasPrefix(line, "\t") {
			continue
		}
		if maxFrames > 0 && len(frames) == maxFrames {
			truncated = true
			break
		}
		frame := functionName(line)
		if i+1 < len(lines) && strings.HasPrefix(lines[i+1], "\t") {
			frame += " " + location(lines[i+1])
			i++
		}
		frames = append(frames, frame)
	}
	return frames, truncated
}

func functionName(line string) string {
	if strings.HasPrefix(line, "created by ") {
		if i := strings.Index(line, " in goroutine "); i > 0 {
			return line[:i]
		}
		return line
	}
	if strings.HasSuffix(line, ")") {
		if i := strings.LastIndex(line, "("); i > 0 {
			return line[:i]
		}
	}
	return line
}

func location(line string) string {
	loc := strings.TrimSpace(line)
	if i := strings.LastIndex(loc, " +0x"); i > 0 {
		loc = loc[:i]
	}
	return loc
}
