// Package feed streams remote change events over WebSocket.
//
// A Server subscribes to a remote.ChangeSource (any adapter) and broadcasts
// every event to its connected clients as frames. A Client dials a Server and
// is itself a remote.ChangeSource, so a process without direct access to the
// database change stream can still run the realtime merge layer:
//
//	backend := remote.WithChanges(adapter, feed.Dial(ctx, "ws://host:8787/ws", nil))
//
// Frames are JSON text by default; clients may ask for msgpack binary frames
// with ?encoding=msgpack.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/tandemhq/tandem/internal/remote"
)

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default: :8787).
	Addr string

	// Encoding is the default frame codec (default: json).
	Encoding Encoding

	// Kinds to relay (default: every writable table).
	Kinds []remote.Kind

	// Logger for server activity (default: stderr with [feed] prefix).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:     ":8787",
		Encoding: EncodingJSON,
		Kinds:    remote.Kinds,
		Logger:   log.New(os.Stderr, "[feed] ", log.LstdFlags),
	}
}

type client struct {
	conn     *websocket.Conn
	encoding Encoding
}

// Server relays change events to WebSocket clients.
type Server struct {
	config   *Config
	source   remote.ChangeSource
	listener net.Listener
	server   *http.Server
	unsubs   []func()

	clients   map[*websocket.Conn]*client
	clientsMu sync.RWMutex

	broadcast chan remote.Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a server relaying events from source.
func NewServer(source remote.ChangeSource, config *Config) *Server {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if !config.Encoding.Valid() {
		config.Encoding = defaults.Encoding
	}
	if len(config.Kinds) == 0 {
		config.Kinds = defaults.Kinds
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:    config,
		source:    source,
		clients:   make(map[*websocket.Conn]*client),
		broadcast: make(chan remote.Event, 1024),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start subscribes to the source and begins serving /ws and /health.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln

	for _, kind := range s.config.Kinds {
		unsub, err := s.source.SubscribeChanges(kind, nil, s.Broadcast)
		if err != nil {
			s.unsubscribe()
			_ = ln.Close()
			return fmt.Errorf("failed to subscribe to %s: %w", kind, err)
		}
		s.unsubs = append(s.unsubs, unsub)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Feed listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop unsubscribes from the source, disconnects clients and shuts down.
func (s *Server) Stop() error {
	s.unsubscribe()
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	if s.server != nil {
		if shutdownErr := s.server.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("server shutdown error: %w", shutdownErr)
		}
	}

	s.wg.Wait()
	s.logger.Println("Feed stopped")
	return err
}

func (s *Server) unsubscribe() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
}

// Broadcast queues e for every connected client.
func (s *Server) Broadcast(e remote.Event) {
	select {
	case s.broadcast <- e:
	case <-s.ctx.Done():
	default:
		s.logger.Printf("Warning: broadcast queue full, dropping %v", e)
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case e := <-s.broadcast:
			s.send(e)
		}
	}
}

func (s *Server) send(e remote.Event) {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	// encode at most once per codec
	frames := make(map[Encoding][]byte, 2)
	types := make(map[Encoding]websocket.MessageType, 2)
	for _, c := range clients {
		data, ok := frames[c.encoding]
		if !ok {
			typ, encoded, err := EncodeEvent(c.encoding, e)
			if err != nil {
				s.logger.Printf("Failed to encode %v: %v", e, err)
				return
			}
			frames[c.encoding], types[c.encoding], data = encoded, typ, encoded
		}

		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		err := c.conn.Write(ctx, types[c.encoding], data)
		cancel()
		if err != nil {
			s.logger.Printf("Failed to send to client: %v", err)
			s.removeClient(c.conn)
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	encoding := s.config.Encoding
	if q := Encoding(r.URL.Query().Get("encoding")); q != "" {
		if !q.Valid() {
			http.Error(w, fmt.Sprintf("unknown encoding %q", q), http.StatusBadRequest)
			return
		}
		encoding = q
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = &client{conn: conn, encoding: encoding}
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("Client connected (%s, total: %d)", encoding, count)

	go s.readLoop(conn)
}

// readLoop detects disconnects; clients never send frames.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, ok := s.clients[conn]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	count := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Printf("Client disconnected (total: %d)", count)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"clients":  s.ClientCount(),
		"encoding": s.config.Encoding,
	})
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
