// Package transport carries broker traffic to observers over WebSocket.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/trackcast/internal/logging"
	"github.com/signalsfoundry/trackcast/timectrl"
)

// Reply event types sent in answer to observer requests.
const (
	ReplySubscribed   = "subscription_confirmed"
	ReplyUnsubscribed = "unsubscription_confirmed"
	ReplyPong         = "pong"
	ReplyError        = "error"
)

// Hub is the slice of the broker the handler drives.
type Hub interface {
	Connect() string
	Disconnect(id string)
	Join(id string, topics []string) error
	Leave(id string, topics []string) error
	Touch(id string) error
	Deliver(id string, msg []byte) (bool, error)
	Outbound(id string) (<-chan []byte, error)
	Done(id string) (<-chan struct{}, error)
}

// Request is an inbound observer message. Topics and Channels are
// synonyms; older clients send channels.
type Request struct {
	Type     string   `json:"type"`
	Topics   []string `json:"topics,omitempty"`
	Channels []string `json:"channels,omitempty"`
}

func (r Request) topics() []string {
	if len(r.Topics) > 0 {
		return r.Topics
	}
	return r.Channels
}

type reply struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler upgrades HTTP requests and pumps messages between the socket and
// the hub.
type Handler struct {
	hub      Hub
	upgrader websocket.Upgrader
	log      logging.Logger
	clock    timectrl.SimClock

	writeWait    time.Duration
	pingInterval time.Duration
	readLimit    int64
}

// Option customises a Handler.
type Option func(*Handler)

// WithLogger attaches a structured logger.
func WithLogger(log logging.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

// WithClock sets the clock used to stamp replies.
func WithClock(c timectrl.SimClock) Option {
	return func(h *Handler) {
		if c != nil {
			h.clock = c
		}
	}
}

// WithPingInterval sets how often the server pings idle sockets.
func WithPingInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

// WithWriteWait bounds a single socket write.
func WithWriteWait(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.writeWait = d
		}
	}
}

// WithCheckOrigin overrides the upgrader's origin policy.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(h *Handler) { h.upgrader.CheckOrigin = fn }
}

// NewHandler returns a WebSocket handler bound to hub.
func NewHandler(hub Hub, opts ...Option) *Handler {
	h := &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:          logging.Noop(),
		clock:        timectrl.WallClock{},
		writeWait:    10 * time.Second,
		pingInterval: 30 * time.Second,
		readLimit:    64 << 10,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		h.log.Warn(r.Context(), "websocket upgrade failed", logging.Err(err))
		return
	}

	id := h.hub.Connect()
	ctx, log := logging.WithRequestLogger(context.Background(),
		h.log.With(logging.String("observer_id", id), logging.String("remote", r.RemoteAddr)))
	ctx = logging.ContextWithLogger(ctx, log)

	out, err := h.hub.Outbound(id)
	if err != nil {
		log.Error(ctx, "observer vanished before pumps started", logging.Err(err))
		_ = conn.Close()
		return
	}
	done, _ := h.hub.Done(id)

	log.Info(ctx, "observer connected")
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		h.readPump(ctx, conn, id)
	}()
	h.writePump(ctx, conn, id, out, done, readDone)

	h.hub.Disconnect(id)
	_ = conn.Close()
	<-readDone
	log.Info(ctx, "observer disconnected")
}

// readPump handles observer requests until the socket fails.
func (h *Handler) readPump(ctx context.Context, conn *websocket.Conn, id string) {
	log := logging.FromContext(ctx, h.log)
	conn.SetReadLimit(h.readLimit)
	idle := 2 * h.pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		_ = h.hub.Touch(id)
		return conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug(ctx, "observer read ended", logging.Err(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		if err := h.hub.Touch(id); err != nil {
			// Evicted by the sweeper; the write pump sees Done and exits.
			return
		}
		h.handle(ctx, id, data)
	}
}

func (h *Handler) handle(ctx context.Context, id string, data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		h.reply(ctx, id, ReplyError, map[string]string{"error": "malformed request"})
		return
	}

	switch strings.ToLower(req.Type) {
	case "subscribe":
		if err := h.hub.Join(id, req.topics()); err != nil {
			h.reply(ctx, id, ReplyError, map[string]string{"error": err.Error()})
			return
		}
		h.reply(ctx, id, ReplySubscribed, map[string]any{"channels": req.topics()})
	case "unsubscribe":
		if err := h.hub.Leave(id, req.topics()); err != nil {
			h.reply(ctx, id, ReplyError, map[string]string{"error": err.Error()})
			return
		}
		h.reply(ctx, id, ReplyUnsubscribed, map[string]any{"channels": req.topics()})
	case "ping":
		h.reply(ctx, id, ReplyPong, map[string]int64{"timestamp": h.clock.Now().UnixMilli()})
	default:
		h.reply(ctx, id, ReplyError, map[string]string{"error": "unknown request type " + req.Type})
	}
}

// reply goes through the observer's queue so the write pump stays the
// only writer on the socket.
func (h *Handler) reply(ctx context.Context, id, typ string, data any) {
	payload, err := json.Marshal(reply{Type: typ, Data: data, Timestamp: h.clock.Now()})
	if err != nil {
		logging.FromContext(ctx, h.log).Error(ctx, "marshal reply failed", logging.Err(err))
		return
	}
	if _, err := h.hub.Deliver(id, payload); err != nil {
		logging.FromContext(ctx, h.log).Debug(ctx, "reply not delivered", logging.Err(err))
	}
}

func (h *Handler) writePump(ctx context.Context, conn *websocket.Conn, id string, out <-chan []byte, done <-chan struct{}, readDone <-chan struct{}) {
	log := logging.FromContext(ctx, h.log)
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug(ctx, "observer write failed", logging.Err(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "idle"),
				time.Now().Add(h.writeWait))
			log.Info(ctx, "observer evicted", logging.String("observer_id", id))
			return
		case <-readDone:
			return
		}
	}
}
