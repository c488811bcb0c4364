// Package events holds the value types perfmon produces. Values are immutable
// once emitted; consumers must treat slices inside them as read-only.
package events

import (
	"strings"
	"time"
)

// Kind identifies which subscriber list an event is delivered to.
type Kind uint8

const (
	KindSmoothness Kind = iota + 1
	KindIncident
)

func (k Kind) String() string {
	switch k {
	case KindSmoothness:
		return "smoothness"
	case KindIncident:
		return "incident"
	default:
		return "unknown"
	}
}

// Event is implemented by every value that travels through the dispatcher.
type Event interface {
	Kind() Kind
}

// SmoothnessMetrics summarizes one aggregation window.
type SmoothnessMetrics struct {
	FrameCount int     `json:"frame_count"`
	JankCount  int     `json:"jank_count"`
	AverageFPS float64 `json:"average_fps"`

	WindowStart time.Time     `json:"window_start"`
	Elapsed     time.Duration `json:"elapsed"`
}

func (SmoothnessMetrics) Kind() Kind { return KindSmoothness }

// JankRatio is the share of frames that missed the budget, 0 for an empty window.
func (m SmoothnessMetrics) JankRatio() float64 {
	if m.FrameCount == 0 {
		return 0
	}
	return float64(m.JankCount) / float64(m.FrameCount)
}

// ResponsivenessIncident records one heartbeat probe that missed its deadline.
type ResponsivenessIncident struct {
	ID             string        `json:"id"`
	Timestamp      time.Time     `json:"timestamp"`
	Timeout        time.Duration `json:"timeout"`
	ThreadSnapshot []string      `json:"thread_snapshot"`
	Truncated      bool          `json:"truncated,omitempty"`
	// Signature is equal for incidents captured with identical stacks.
	Signature uint64 `json:"signature"`
}

func (ResponsivenessIncident) Kind() Kind { return KindIncident }

// Stack renders the snapshot one frame per line.
func (e ResponsivenessIncident) Stack() string {
	return strings.Join(e.ThreadSnapshot, "\n")
}
