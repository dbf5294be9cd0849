// Package dashboard serves a live view of the sync daemon.
//
// Each WebSocket client gets its own send queue drained by the request
// goroutine, so one slow browser tab cannot stall the others. The same
// listener answers /health with the daemon status and /metrics for
// Prometheus.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
)

// MessageType names the payload carried in Message.Data.
type MessageType string

const (
	MessageTypeCycle      MessageType = "cycle"
	MessageTypeUpload     MessageType = "upload"
	MessageTypeFullSync   MessageType = "full_sync"
	MessageTypeProgress   MessageType = "progress"
	MessageTypePause      MessageType = "pause"
	MessageTypeCredential MessageType = "credential"
	MessageTypeStats      MessageType = "stats"
)

// Message is one frame sent to dashboard clients.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

const (
	sendQueueSize = 32
	writeTimeout  = 5 * time.Second
	stopTimeout   = 5 * time.Second
)

// Config holds server configuration.
type Config struct {
	// Host to bind. Empty means loopback.
	Host string
	// Port to listen on. Zero picks a free port.
	Port int
	// Status, when set, is reported under "daemon" in /health.
	Status func() any
	// Metrics, when set, is served at /metrics.
	Metrics http.Handler
	Logger  *slog.Logger
}

// DefaultConfig binds the loopback interface on port 7777.
func DefaultConfig() *Config {
	return &Config{Host: "127.0.0.1", Port: 7777}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Server fans dashboard messages out to WebSocket clients.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	welcome func() (Message, bool)

	ln   net.Listener
	http *http.Server

	// done is closed by Stop and ends every client loop.
	done chan struct{}

	mu      sync.Mutex
	clients map[*client]struct{}
	stopped bool
	wg      sync.WaitGroup
}

// NewServer creates a server. A nil config means DefaultConfig.
func NewServer(cfg *Config) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     c,
		logger:  logger,
		done:    make(chan struct{}),
		clients: make(map[*client]struct{}),
	}
}

// SetWelcome installs the message queued for each client as it connects.
// Call it before Start.
func (s *Server) SetWelcome(fn func() (Message, bool)) {
	s.welcome = fn
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.ln = ln
	s.http = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("dashboard server failed", "error", err)
		}
	}()
	s.logger.Info("dashboard listening", "addr", ln.Addr().String())
	return nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.serveWS)
	mux.HandleFunc("GET /health", s.serveHealth)
	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics)
	}
	mux.HandleFunc("GET /{$}", s.serveIndex)
	return mux
}

// Stop disconnects every client and shuts the listener down.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.done)
	s.mu.Unlock()

	var err error
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if serr := s.http.Shutdown(ctx); serr != nil {
			err = fmt.Errorf("dashboard shutdown: %w", serr)
		}
	}
	s.wg.Wait()
	s.logger.Info("dashboard stopped")
	return err
}

// Broadcast queues msg for every connected client. A client whose queue
// is full misses the message.
func (s *Server) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warn("failed to encode dashboard message", "type", msg.Type, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			s.logger.Warn("dashboard client lagging, message dropped", "type", msg.Type)
		}
	}
}

// register adds c unless the server is stopping.
func (s *Server) register(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.clients[c] = struct{}{}
	s.wg.Add(1)
	s.logger.Debug("dashboard client connected", "clients", len(s.clients))
	return true
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	n := len(s.clients)
	s.mu.Unlock()
	s.logger.Debug("dashboard client disconnected", "clients", n)
	s.wg.Done()
}

// serveWS holds the request for the life of the connection, writing
// queued frames until the client leaves or the server stops.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendQueueSize)}
	if s.welcome != nil {
		if msg, ok := s.welcome(); ok {
			if data, err := json.Marshal(msg); err == nil {
				c.send <- data
			}
		}
	}
	if !s.register(c) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.unregister(c)

	// Client frames are discarded; ctx ends when the peer closes.
	ctx := conn.CloseRead(context.Background())
	for {
		select {
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				_ = conn.CloseNow()
				return
			}
		case <-ctx.Done():
			_ = conn.CloseNow()
			return
		case <-s.done:
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		}
	}
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok", "clients": s.ClientCount()}
	if s.cfg.Status != nil {
		body["daemon"] = s.cfg.Status()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "replica sync dashboard\n\nevents   ws://%[1]s/ws\nhealth   http://%[1]s/health\n", r.Host)
	if s.cfg.Metrics != nil {
		fmt.Fprintf(w, "metrics  http://%s/metrics\n", r.Host)
	}
}

// Addr returns the bound address once started, the configured one before.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
