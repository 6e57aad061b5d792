// Package eventstream mirrors notifier bus traffic to websocket clients
// as JSON, one message per frame. It only observes: frames are never
// claimed.
package eventstream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"nvec-go/bus"
	"nvec-go/protocol"
	"nvec-go/x/mathx"
	"nvec-go/x/timex"
)

const (
	Path = "/events"

	defaultClientBuffer = 64
	maxClientBuffer     = 1024
	shutdownTimeout     = 5 * time.Second
)

type Config struct {
	Listen       string
	Mask         protocol.Mask // zero means every type
	ClientBuffer int
	Clock        clock.Clock
	Logger       *zap.Logger
}

// Message is the JSON shape of one frame.
type Message struct {
	Type  string `json:"type"`
	Code  uint8  `json:"code"`
	Event bool   `json:"event"`
	Data  string `json:"data"`
	TsMs  int64  `json:"ts_ms"`
	Error string `json:"error,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

type Server struct {
	cfg      Config
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}

	entry   *bus.Entry
	sent    atomic.Uint32
	dropped atomic.Uint32
}

func New(cfg Config) *Server {
	if cfg.Mask == 0 {
		cfg.Mask = protocol.MaskAll
	}
	if cfg.ClientBuffer == 0 {
		cfg.ClientBuffer = defaultClientBuffer
	}
	cfg.ClientBuffer = mathx.Clamp(cfg.ClientBuffer, 1, maxClientBuffer)
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		log:     cfg.Logger.Named("eventstream"),
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Attach registers the server on b. Call it once.
func (s *Server) Attach(b *bus.Bus) {
	s.entry = b.Register("eventstream", s.cfg.Mask, s.onEvent)
}

// Detach removes the bus entry.
func (s *Server) Detach() {
	if s.entry != nil {
		s.entry.Unregister()
		s.entry = nil
	}
}

func (s *Server) onEvent(ev *bus.Event) bus.Verdict {
	msg := Message{
		Type:  ev.Type.String(),
		Code:  uint8(ev.Type),
		Event: ev.Type.IsEvent(),
		Data:  protocol.Hex(ev.Data),
		TsMs:  timex.Ms(s.cfg.Clock.Now()),
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("encode event", zap.Error(err))
		return bus.NotMine
	}
	s.broadcast(raw)
	return bus.NotMine
}

// broadcast queues raw for every client; a client whose queue is full
// misses the message.
func (s *Server) broadcast(raw []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		select {
		case c.send <- raw:
			s.sent.Add(1)
		default:
			s.dropped.Add(1)
		}
	}
}

// Handler serves the websocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(Path, s.handleWS)
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade", zap.Error(err))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, s.cfg.ClientBuffer)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	s.log.Info("client connected", zap.String("remote", r.RemoteAddr), zap.Int("clients", n))

	go func() {
		defer conn.Close()
		for msg := range c.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer s.remove(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	n := len(s.clients)
	s.mu.Unlock()
	s.log.Info("client disconnected", zap.Int("clients", n))
}

// Run serves on cfg.Listen until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Listen, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	s.log.Info("listening", zap.String("addr", s.cfg.Listen))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "eventstream: serve")
	}
	return nil
}

func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) Sent() uint32    { return s.sent.Load() }
func (s *Server) Dropped() uint32 { return s.dropped.Load() }
