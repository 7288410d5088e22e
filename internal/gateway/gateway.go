// Package gateway is the outer surface of the hub: the WebSocket accept
// loop, the broadcast fan-out, and the HTTP API. It owns sockets; the
// hub only ever sees them through the shared.Sendable interface.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/basket/dechub/internal/activity"
	"github.com/basket/dechub/internal/bus"
	"github.com/basket/dechub/internal/domedit"
	"github.com/basket/dechub/internal/hub"
	otelx "github.com/basket/dechub/internal/otel"
	"github.com/basket/dechub/internal/sets"
	"github.com/basket/dechub/internal/watcher"
)

const (
	sendTimeout = 5 * time.Second

	// outboundQueueSize bounds each client's unflushed frames. A client
	// that stops reading overflows its own queue and loses frames; it
	// never delays delivery to anyone else.
	outboundQueueSize = 64
)

type Config struct {
	Hub      *hub.Hub
	Bus      *bus.Bus
	Activity *activity.Tracker
	DOM      *domedit.Manager
	Sets     *sets.Store

	// Watcher may be nil when no decision file is configured.
	Watcher      *watcher.Watcher
	DecisionFile string

	// RecentLimit caps the dom-editor context endpoint's change list.
	RecentLimit int

	// AllowOrigins controls accepted Origin headers for cross-origin
	// WebSocket connections. Empty means same-origin only.
	AllowOrigins []string

	ConfigFingerprint string

	Logger  *slog.Logger
	Metrics *otelx.Metrics
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	started time.Time
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = 10
	}
	return &Server{cfg: cfg, logger: cfg.Logger, started: time.Now().UTC()}
}

var (
	errClientClosed  = errors.New("client closed")
	errSendQueueFull = errors.New("client send queue full")
)

// wsClient wraps one accepted socket behind a bounded outbound queue
// drained by a single writer goroutine. Send enqueues and returns; it
// never waits on the wire, so one stalled connection cannot hold up
// delivery to any other.
type wsClient struct {
	conn  *websocket.Conn
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		conn:  conn,
		queue: make(chan []byte, outboundQueueSize),
		done:  make(chan struct{}),
	}
}

// Send implements shared.Sendable. A full queue drops the frame for this
// client only, the same drop-on-full contract the bus applies to
// saturated subscribers. json.RawMessage payloads pass through without
// re-encoding.
func (c *wsClient) Send(_ context.Context, payload any) error {
	data, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.queue <- data:
		return nil
	default:
		return errSendQueueFull
	}
}

func marshalPayload(payload any) ([]byte, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}

// writeLoop drains the queue onto the wire. A failed or timed-out write
// closes the connection; the read loop then runs the teardown path.
func (c *wsClient) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case data := <-c.queue:
			wctx, cancel := context.WithTimeout(ctx, sendTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (c *wsClient) close(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close(code, reason)
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("ws accept failed", "error", err)
		return
	}

	c := newWSClient(conn)
	go c.writeLoop(r.Context())
	s.cfg.Hub.AddConnection(c)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.Connections.Add(r.Context(), 1)
	}
	s.logger.Info("client connected", "remote", r.RemoteAddr)

	defer func() {
		s.cfg.Hub.RemoveConnection(c)
		c.close(websocket.StatusNormalClosure, "bye")
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.Connections.Add(context.Background(), -1)
		}
		s.logger.Info("client disconnected", "remote", r.RemoteAddr)
	}()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		s.cfg.Hub.Dispatch(r.Context(), c, data)
	}
}

// Run forwards every bus event to every connected dashboard socket.
// It is the bus's only subscriber in production, which keeps per-client
// delivery order identical to publish order. Blocks until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-sub.Ch():
			s.fanOut(ctx, ev)
		}
	}
}

// fanOut serializes the payload once, then enqueues it on every client.
// Enqueue never blocks: a dead or saturated socket loses this frame and
// the rest of the clients are delivered regardless.
func (s *Server) fanOut(ctx context.Context, ev bus.Event) {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		s.logger.Error("broadcast marshal failed", "topic", ev.Topic, "error", err)
		return
	}
	raw := json.RawMessage(data)

	for _, client := range s.cfg.Hub.Registry.Clients() {
		if err := client.Send(ctx, raw); err != nil {
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.SendFailures.Add(ctx, 1)
			}
			s.logger.Debug("broadcast send failed", "topic", ev.Topic, "error", err)
		}
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.Broadcasts.Add(ctx, 1)
	}
}
