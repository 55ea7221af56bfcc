package roshan

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Feed configuration
// ============================================================================

// FeedConfig tunes change-feed reconnect behaviour.
type FeedConfig struct {
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
}

type feedConfig struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

func defaultFeedConfig() *feedConfig {
	return &feedConfig{
		maxAttempts: 10,
		baseDelay:   1 * time.Second,
		maxDelay:    30 * time.Second,
	}
}

func (c *feedConfig) apply(cfg FeedConfig) {
	if cfg.MaxReconnectAttempts > 0 {
		c.maxAttempts = cfg.MaxReconnectAttempts
	}
	if cfg.ReconnectBaseDelay > 0 {
		c.baseDelay = cfg.ReconnectBaseDelay
	}
	if cfg.ReconnectMaxDelay > 0 {
		c.maxDelay = cfg.ReconnectMaxDelay
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(cfg *feedConfig) *reconnector {
	return &reconnector{
		baseDelay:   cfg.baseDelay,
		maxDelay:    cfg.maxDelay,
		maxAttempts: cfg.maxAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Websocket feed subscription
// ============================================================================

// feedSub is one open change-feed stream. The server pushes one envelope per
// frame; frames for other tables or with malformed payloads are skipped.
// Delivery is at-least-once with no ordering guarantee, so the consumer side
// (the synchronization engine) owns deduplication.
type feedSub struct {
	url   string
	table Collection
	recon *reconnector

	mu       sync.Mutex
	conn     *websocket.Conn
	closed   bool
	cancelFn context.CancelFunc

	// events is closed by readLoop, and only by readLoop, when it returns;
	// done signals that return. Unsubscribe waits on done so the channel
	// can never be closed while a send is still committed.
	events chan Event
	done   chan struct{}
}

// openFeed dials the feed endpoint and starts the read loop. A dial failure
// is returned to the caller; reconnects after an established stream drops
// are handled internally with bounded backoff.
func openFeed(ctx context.Context, wsURL string, table Collection, cfg *feedConfig) (Subscription, error) {
	s := &feedSub{
		url:    wsURL,
		table:  table,
		recon:  newReconnector(cfg),
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", table, err)
	}
	s.recon.markConnected()

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.conn = conn
	s.cancelFn = cancel
	s.mu.Unlock()

	go s.readLoop(loopCtx, conn)
	return s, nil
}

func (s *feedSub) Events() <-chan Event { return s.events }

// Unsubscribe closes the stream and waits for the read loop to exit before
// returning. Safe to call more than once.
func (s *feedSub) Unsubscribe() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.cancelFn != nil {
		s.cancelFn()
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "unsubscribe")
	}
	<-s.done
	return err
}

func (s *feedSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *feedSub) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer close(s.done)
	defer close(s.events)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if s.isClosed() || ctx.Err() != nil {
				return
			}
			if !s.reconnect(ctx) {
				return
			}
			s.mu.Lock()
			conn = s.conn
			s.mu.Unlock()
			continue
		}

		var env envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		if env.Table != s.table {
			continue
		}
		ev := decodeEvent(&env)
		if ev == nil {
			continue
		}

		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// reconnect redials with exponential backoff until it succeeds or the
// attempt budget runs out. Returns false when the feed should stay down.
func (s *feedSub) reconnect(ctx context.Context) bool {
	for s.recon.shouldReconnect() {
		delay := s.recon.nextDelay()
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		if s.isClosed() {
			return false
		}

		conn, _, err := websocket.Dial(ctx, s.url, nil)
		if err != nil {
			continue
		}
		s.recon.markConnected()
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		return true
	}
	return false
}
