package notify

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/serialcrawler/internal/crawler"
)

const (
	defaultSubscriberBuffer = 16
	defaultWriteTimeout     = 5 * time.Second
	defaultPingInterval     = 30 * time.Second
)

// HubConfig tunes websocket delivery.
type HubConfig struct {
	SubscriberBuffer int
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	// CheckOrigin overrides the upgrader's origin check; nil allows all.
	CheckOrigin func(r *http.Request) bool
}

// Hub routes events to subscribers. A subscriber registered with an origin
// reference receives only that origin's events; one registered without an
// origin receives every event.
type Hub struct {
	cfg      HubConfig
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	origin string
	ch     chan crawler.Completion
	once   sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// NewHub builds an empty Hub.
func NewHub(cfg HubConfig, logger *zap.Logger) *Hub {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		subs: make(map[*subscriber]struct{}),
	}
}

// Subscribe registers a channel for events. The returned func unsubscribes
// and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(origin string) (<-chan crawler.Completion, func()) {
	sub := &subscriber{origin: origin, ch: make(chan crawler.Completion, h.cfg.SubscriberBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close()
		return sub.ch, func() {}
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub.ch, func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
		sub.close()
	}
}

// Notify implements crawler.Notifier. Delivery never blocks: a subscriber
// whose buffer is full misses the event.
func (h *Hub) Notify(_ context.Context, evt crawler.Completion) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil
	}
	for sub := range h.subs {
		if sub.origin != "" && sub.origin != evt.OriginRef {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			h.logger.Warn("dropping event for slow subscriber",
				zap.String("session_id", evt.SessionID),
				zap.String("subscriber_origin", sub.origin),
			)
		}
	}
	return nil
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		sub.close()
		delete(h.subs, sub)
	}
}

// ServeWS upgrades the request and streams events as JSON text frames until
// the client disconnects or the hub closes. The optional origin_ref query
// parameter scopes the stream.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close() //nolint:errcheck // connection teardown

	origin := r.URL.Query().Get("origin_ref")
	events, unsubscribe := h.Subscribe(origin)
	defer unsubscribe()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(h.cfg.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case evt, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(h.cfg.WriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				h.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}
