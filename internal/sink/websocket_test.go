package sink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/perfmon/internal/core/events"
	"github.com/zeusync/perfmon/internal/core/events/bus"
)

type received struct {
	Type    string          `json:"type"`
	AgentID string          `json:"agent_id"`
	Data    json.RawMessage `json:"data"`
}

// newServer collects envelopes. With dropFirst set, the first connection is
// closed by the server after its first message.
func newServer(t *testing.T, dropFirst bool) (*httptest.Server, <-chan received, *atomic.Int32) {
	t.Helper()
	out := make(chan received, 16)
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := conns.Add(1)
		for {
			var msg received
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			out <- msg
			if dropFirst && n == 1 {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, out, &conns
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSinkForwardsBusEvents(t *testing.T) {
	srv, out, _ := newServer(t, false)

	s := NewWebSocketSink(wsURL(srv), "agent-1", nil)
	s.Start(context.Background())
	defer s.Stop()

	b := bus.New(nil)
	s.Attach(b)

	b.EmitSmoothness(events.SmoothnessMetrics{FrameCount: 60, JankCount: 2, AverageFPS: 60})
	b.EmitIncident(events.ResponsivenessIncident{ID: "inc-1", ThreadSnapshot: []string{"main.main main.go:1"}})

	var got []received
	for len(got) < 2 {
		select {
		case msg := <-out:
			got = append(got, msg)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of 2 envelopes", len(got))
		}
	}

	assert.Equal(t, "smoothness", got[0].Type)
	assert.Equal(t, "agent-1", got[0].AgentID)
	var m events.SmoothnessMetrics
	require.NoError(t, json.Unmarshal(got[0].Data, &m))
	assert.Equal(t, 60, m.FrameCount)
	assert.Equal(t, 2, m.JankCount)

	assert.Equal(t, "incident", got[1].Type)
	var inc events.ResponsivenessIncident
	require.NoError(t, json.Unmarshal(got[1].Data, &inc))
	assert.Equal(t, "inc-1", inc.ID)

	assert.Eventually(t, func() bool { return s.Sent() == 2 }, time.Second, 5*time.Millisecond)
}

func TestSinkDropsWhenBufferFull(t *testing.T) {
	s := NewWebSocketSink("ws://127.0.0.1:1/unused", "", nil)
	for i := 0; i < defaultBuffer+5; i++ {
		s.OnSmoothness(events.SmoothnessMetrics{})
	}
	assert.Equal(t, uint64(5), s.Dropped())
	assert.Zero(t, s.Sent())
}

func TestSinkReconnects(t *testing.T) {
	srv, out, conns := newServer(t, true)

	s := NewWebSocketSink(wsURL(srv), "", nil)
	s.Start(context.Background())
	defer s.Stop()

	s.OnIncident(events.ResponsivenessIncident{ID: "first"})
	select {
	case <-out:
	case <-time.After(2 * time.Second):
		t.Fatal("first envelope not delivered")
	}

	require.Eventually(t, func() bool { return conns.Load() == 2 }, 5*time.Second, 10*time.Millisecond)

	s.OnIncident(events.ResponsivenessIncident{ID: "second"})
	select {
	case msg := <-out:
		assert.Equal(t, "incident", msg.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("sink did not reconnect")
	}
}

func TestSinkStopIsIdempotent(t *testing.T) {
	s := NewWebSocketSink("ws://127.0.0.1:1/unused", "", nil)
	s.Start(context.Background())
	s.Start(context.Background())
	assert.NotPanics(t, func() {
		s.Stop()
		s.Stop()
	})
}
