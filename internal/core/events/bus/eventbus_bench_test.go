package bus

import (
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/zeusync/perfmon/internal/core/events"
)

func BenchmarkEmitSmoothness(b *testing.B) {
	for _, subs := range []int{1, 4, 16, 64} {
		b.Run("subs="+strconv.Itoa(subs), func(b *testing.B) {
			eb := New(nil)
			var c int64
			for i := 0; i < subs; i++ {
				eb.RegisterSmoothness(SmoothnessFunc(func(events.SmoothnessMetrics) { atomic.AddInt64(&c, 1) }))
			}
			m := events.SmoothnessMetrics{FrameCount: 60, AverageFPS: 60}
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				eb.EmitSmoothness(m)
			}
		})
	}
}

func BenchmarkDispatcherPublish(b *testing.B) {
	eb := New(nil)
	d := NewDispatcher(eb, 1024, DropNewest, nil)
	d.accepting.Store(true)
	e := events.SmoothnessMetrics{}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if !d.Publish(e) {
			for d.Pending() > 0 {
				<-d.queue
			}
		}
	}
}
