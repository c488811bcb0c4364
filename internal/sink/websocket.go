// Package sink forwards perfmon events to an external dashboard.
package sink

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/zeusync/perfmon/internal/core/events"
	"github.com/zeusync/perfmon/internal/core/events/bus"
	"github.com/zeusync/perfmon/internal/core/observability/log"
)

const (
	defaultBuffer     = 100
	defaultWriteWait  = 10 * time.Second
	defaultPongWait   = 60 * time.Second
	defaultPingPeriod = 54 * time.Second // must stay below pongWait
	maxReconnectDelay = 30 * time.Second
)

// Envelope is the JSON frame written for every event.
type Envelope struct {
	Type    string       `json:"type"`
	AgentID string       `json:"agent_id,omitempty"`
	SentAt  time.Time    `json:"sent_at"`
	Data    events.Event `json:"data"`
}

// WebSocketSink streams events to a WebSocket endpoint. Delivery is best
// effort: events are buffered up to a fixed depth and dropped when the
// buffer is full or the connection is down.
type WebSocketSink struct {
	url     string
	agentID string
	logger  log.Log
	dialer  *websocket.Dialer

	send    chan Envelope
	dropped atomic.Uint64
	sent    atomic.Uint64

	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

var (
	_ bus.SmoothnessObserver = (*WebSocketSink)(nil)
	_ bus.IncidentObserver   = (*WebSocketSink)(nil)
)

// NewWebSocketSink creates a sink for serverURL (ws:// or wss://).
func NewWebSocketSink(serverURL, agentID string, logger log.Log) *WebSocketSink {
	if logger == nil {
		logger = log.Nop()
	}
	return &WebSocketSink{
		url:        serverURL,
		agentID:    agentID,
		logger:     logger.With(log.Component("sink"), log.String("url", serverURL)),
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		send:       make(chan Envelope, defaultBuffer),
		writeWait:  defaultWriteWait,
		pongWait:   defaultPongWait,
		pingPeriod: defaultPingPeriod,
	}
}

// Attach subscribes the sink to both event kinds.
func (s *WebSocketSink) Attach(b bus.EventBus) []bus.Subscription {
	return []bus.Subscription{
		b.RegisterSmoothness(s),
		b.RegisterIncident(s),
	}
}

func (s *WebSocketSink) OnSmoothness(m events.SmoothnessMetrics) {
	s.enqueue(m)
}

func (s *WebSocketSink) OnIncident(inc events.ResponsivenessIncident) {
	s.enqueue(inc)
}

// Dropped returns how many events never made it into the send buffer.
func (s *WebSocketSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Sent returns how many events were written to a connection.
func (s *WebSocketSink) Sent() uint64 {
	return s.sent.Load()
}

func (s *WebSocketSink) enqueue(e events.Event) {
	env := Envelope{Type: e.Kind().String(), AgentID: s.agentID, SentAt: time.Now(), Data: e}
	select {
	case s.send <- env:
	default:
		s.dropped.Add(1)
		s.logger.Debug("send buffer full, dropping event", log.String("kind", env.Type))
	}
}

// Start connects in the background and keeps reconnecting with exponential
// backoff until Stop.
func (s *WebSocketSink) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.running = true
	go s.run(ctx, s.done)
}

// Stop closes the connection and waits for the background goroutine.
func (s *WebSocketSink) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	done := s.done
	s.mu.Unlock()
	<-done
}

func (s *WebSocketSink) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		conn, err := s.connect(ctx)
		if err != nil {
			return
		}
		s.logger.Info("connected")

		err = s.pump(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("connection lost, reconnecting", log.Error(err))
	}
}

func (s *WebSocketSink) connect(ctx context.Context) (*websocket.Conn, error) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = maxReconnectDelay
	policy.MaxElapsedTime = 0

	var conn *websocket.Conn
	op := func() error {
		c, _, err := s.dialer.DialContext(ctx, s.url, nil)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		s.logger.Warn("dial failed", log.Error(err), log.Duration("retry_in", next))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		_ = conn.Close()
		return nil, ctx.Err()
	}
	return conn, nil
}

var errServerClosed = errors.New("server closed the connection")

func (s *WebSocketSink) pump(ctx context.Context, conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					err = errServerClosed
				}
				readErr <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(s.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.writeWait))
			return nil
		case err := <-readErr:
			return err
		case env := <-s.send:
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			if err := conn.WriteJSON(env); err != nil {
				return err
			}
			s.sent.Add(1)
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}
