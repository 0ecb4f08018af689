package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"

	"github.com/sonzai/livepk/src/domain/realtime"
)

var ErrClosed = errors.New("hub is closed")

type Config struct {
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	// CheckOrigin defaults to allowing every origin; auth happens before the upgrade.
	CheckOrigin func(r *http.Request) bool
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 512
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return c
}

// pingPeriod must stay below the pong wait so an idle but healthy client is never timed out.
func (c Config) pingPeriod() time.Duration {
	return c.PongWait * 9 / 10
}

// Hub keeps websocket subscribers grouped by channel and writes envelopes to them.
// It is the node-local fanout.Transport.
type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu     sync.RWMutex
	subs   map[string]map[*client]struct{}
	closed bool

	connections tally.Gauge
	dropped     tally.Counter
}

type client struct {
	channel string
	conn    *websocket.Conn
	send    chan []byte
	once    sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

func New(cfg Config, logger *zap.Logger, scope tally.Scope) *Hub {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if scope == nil {
		scope = tally.NoopScope
	}
	scope = scope.SubScope("hub")
	return &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		logger:      logger,
		subs:        make(map[string]map[*client]struct{}),
		connections: scope.Gauge("connections"),
		dropped:     scope.Counter("dropped"),
	}
}

// Deliver writes env to every local subscriber of its channel. A channel with no
// subscribers is not an error. Subscribers whose buffer is full are disconnected.
func (h *Hub) Deliver(ctx context.Context, env realtime.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrClosed
	}
	var slow []*client
	for c := range h.subs[env.Channel] {
		select {
		case c.send <- frame:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.dropped.Inc(1)
		h.logger.Warn("disconnecting slow subscriber", zap.String("channel", env.Channel))
		h.unregister(c)
	}
	return nil
}

// Serve upgrades the request and streams channel events until the client goes away.
// It blocks for the lifetime of the connection.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, channel realtime.Channel) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &client{
		channel: channel.String(),
		conn:    conn,
		send:    make(chan []byte, h.cfg.SendBuffer),
	}
	if err := h.register(c); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(h.cfg.WriteWait))
		conn.Close()
		return err
	}

	go h.writePump(c)
	h.readPump(c)
	return nil
}

// Subscribers reports the number of local connections on a channel.
func (h *Hub) Subscribers(channel realtime.Channel) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel.String()])
}

// Close disconnects every subscriber. Deliver fails with ErrClosed afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := h.subs
	h.subs = make(map[string]map[*client]struct{})
	h.mu.Unlock()

	for _, set := range subs {
		for c := range set {
			c.close()
		}
	}
	h.connections.Update(0)
}

func (h *Hub) register(c *client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	set, ok := h.subs[c.channel]
	if !ok {
		set = make(map[*client]struct{})
		h.subs[c.channel] = set
	}
	set[c] = struct{}{}
	h.connections.Update(float64(h.countLocked()))
	return nil
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if set, ok := h.subs[c.channel]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.subs, c.channel)
			}
		}
	}
	h.connections.Update(float64(h.countLocked()))
	h.mu.Unlock()
	c.close()
}

func (h *Hub) countLocked() int {
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

// readPump only services control frames; subscribers never send data.
func (h *Hub) readPump(c *client) {
	defer h.unregister(c)

	c.conn.SetReadLimit(h.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("subscriber read failed", zap.String("channel", c.channel), zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.cfg.pingPeriod())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
