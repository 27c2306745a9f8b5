// Package dashboard streams synchronization progress to WebSocket clients.
//
// The dashboard broadcasts dispatched batches, completed and failed passes,
// offline registrations and running totals, so a long synchronization can be
// followed live.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// MessageType names the event a Message carries.
type MessageType string

const (
	MessageTypeBatchDispatched MessageType = "batch_dispatched"
	MessageTypeRunSynced       MessageType = "run_synced"
	MessageTypeSyncFailed      MessageType = "sync_failed"
	MessageTypeRunRegistered   MessageType = "run_registered"
	MessageTypeStats           MessageType = "stats"
)

// Message is one event sent to every client as a JSON text frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

const (
	// clientQueue is how many encoded messages may wait for a slow client
	// before it is disconnected.
	clientQueue  = 64
	writeTimeout = 5 * time.Second
)

// client is one connected WebSocket peer with its own send queue, so a
// stalled peer never delays the others.
type client struct {
	addr string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// Server accepts WebSocket clients and fans messages out to them.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	started  time.Time

	mu      sync.Mutex
	clients map[*client]struct{}

	incoming chan Message
	sent     atomic.Int64
	dropped  atomic.Int64

	welcomeMu sync.RWMutex
	welcome   func() Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default: 127.0.0.1:8080). Port 0 picks a free port.
	Addr string

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:   "127.0.0.1:8080",
		Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

// NewServer creates a server. Nothing listens until Start.
func NewServer(config *Config) *Server {
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	addr := config.Addr
	if addr == "" {
		addr = def.Addr
	}
	logger := config.Logger
	if logger == nil {
		logger = def.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:     addr,
		clients:  make(map[*client]struct{}),
		incoming: make(chan Message, 256),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}
}

// Start listens on the configured address and serves /ws, /health and /.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.started = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go s.fanOut()
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop disconnects every client and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	for c := range s.clients {
		s.dropLocked(c, websocket.StatusGoingAway, "server shutting down")
	}
	s.mu.Unlock()

	var err error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := s.server.Shutdown(ctx); serr != nil {
			err = fmt.Errorf("failed to shut down dashboard: %w", serr)
		}
	}
	s.wg.Wait()

	s.logger.Printf("Stopped after %d messages (%d dropped)", s.sent.Load(), s.dropped.Load())
	return err
}

// SetWelcome sets the function producing the first message new clients
// receive. Without one, clients are greeted with an empty stats message.
func (s *Server) SetWelcome(fn func() Message) {
	s.welcomeMu.Lock()
	defer s.welcomeMu.Unlock()
	s.welcome = fn
}

// Broadcast queues msg for every client without blocking. The message is
// dropped when the queue is full.
func (s *Server) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case s.incoming <- msg:
	case <-s.ctx.Done():
	default:
		s.dropped.Add(1)
		s.logger.Printf("Warning: dropping %s message, broadcast queue full", msg.Type)
	}
}

// fanOut encodes each message once and hands it to every client queue.
func (s *Server) fanOut() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.incoming:
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Warning: cannot encode %s message: %v", msg.Type, err)
				continue
			}
			s.mu.Lock()
			for c := range s.clients {
				select {
				case c.send <- data:
				default:
					s.logger.Printf("Warning: client %s is too slow, disconnecting", c.addr)
					s.dropLocked(c, websocket.StatusPolicyViolation, "too slow")
				}
			}
			s.mu.Unlock()
			s.sent.Add(1)
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	c := &client{addr: r.RemoteAddr, conn: conn, send: make(chan []byte, clientQueue)}
	// The welcome message goes first, ahead of anything fanned out later.
	if data, err := json.Marshal(s.welcomeMessage()); err == nil {
		c.send <- data
	}

	// Stop cancels the context before it drops clients under s.mu, so a
	// client registered here is always seen by Stop.
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.wg.Add(1)
	s.mu.Unlock()
	s.logger.Printf("Client connected from %s (total: %d)", r.RemoteAddr, n)

	go s.writeLoop(c)

	// Clients only listen; reading surfaces disconnects and control frames.
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			break
		}
	}
	s.mu.Lock()
	s.dropLocked(c, websocket.StatusNormalClosure, "")
	n = len(s.clients)
	s.mu.Unlock()
	s.logger.Printf("Client %s disconnected (total: %d)", r.RemoteAddr, n)
}

func (s *Server) writeLoop(c *client) {
	defer s.wg.Done()
	for data := range c.send {
		ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			s.mu.Lock()
			s.dropLocked(c, websocket.StatusInternalError, "write failed")
			s.mu.Unlock()
			// Drain so dropLocked's close of send ends the loop.
			for range c.send {
			}
			return
		}
	}
}

// dropLocked unregisters c and closes it once. s.mu must be held.
func (s *Server) dropLocked(c *client, code websocket.StatusCode, reason string) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	c.once.Do(func() {
		close(c.send)
		go c.conn.Close(code, reason)
	})
}

func (s *Server) welcomeMessage() Message {
	msg := Message{Type: MessageTypeStats}
	s.welcomeMu.RLock()
	if s.welcome != nil {
		msg = s.welcome()
	}
	s.welcomeMu.RUnlock()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return msg
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         "ok",
		"clients":        s.ClientCount(),
		"messages_sent":  s.sent.Load(),
		"messages_drop":  s.dropped.Load(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>runtrack sync</title></head>
<body>
<h1>runtrack sync</h1>
<p>Events: <code>ws://%s/ws</code> (batch_dispatched, run_synced, sync_failed, run_registered, stats)</p>
<p>Health: <a href="/health">/health</a></p>
</body>
</html>`, r.Host)
}

// GetAddr returns the address the server listens on.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
