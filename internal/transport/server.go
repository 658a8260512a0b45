package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/steveyegge/byfrost/internal/auth"
	filesync "github.com/steveyegge/byfrost/internal/sync"
)

// DefaultPort is the byfrost channel port.
const DefaultPort = 9784

// ServerConfig holds server settings.
type ServerConfig struct {
	// Host to bind. Empty binds all interfaces; the controller dials in
	// from another machine.
	Host string

	// Port to listen on. Defaults to DefaultPort; 0 picks a free port.
	Port int

	// Verifiers authenticates the channel. Required.
	Verifiers *auth.VerifierSet

	// Engine applies and produces file messages. Required.
	Engine *filesync.Engine

	// OnUnknown handles authenticated messages of unknown kind.
	OnUnknown UnknownHandler

	// Logger for server activity. Defaults to the standard logger.
	Logger *log.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:   DefaultPort,
		Logger: log.Default(),
	}
}

// Server accepts websocket connections from the peer and keeps exactly one
// session alive. A second connection supersedes the first: the channel
// pairs two machines, and the newest connection is the live one.
type Server struct {
	addr      string
	listener  net.Listener
	server    *http.Server
	verifiers *auth.VerifierSet
	engine    *filesync.Engine
	onUnknown UnknownHandler

	// Active session management
	mu     sync.Mutex
	active *Session

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a channel server.
func NewServer(config *ServerConfig) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf("%s:%d", config.Host, config.Port),
		verifiers: config.Verifiers,
		engine:    config.Engine,
		onUnknown: config.OnUnknown,
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start begins listening and serving the websocket endpoint.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("channel listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server and any live session.
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	if s.active != nil {
		_ = s.active.Close(websocket.StatusGoingAway, "server shutting down")
		s.active = nil
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	return nil
}

// GetAddr returns the server's listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Connected reports whether a peer session is currently live.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// PeerSource returns the source identity of the live session, if any.
func (s *Server) PeerSource() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ""
	}
	return s.active.Source()
}

// handleWebSocket upgrades the connection and runs its session until the
// peer goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Printf("websocket upgrade failed: %v", err)
		return
	}

	source := r.RemoteAddr
	session := NewSession(conn, &SessionConfig{
		Verifiers: s.verifiers,
		Engine:    s.engine,
		Source:    source,
		Manifest:  ManifestAfterFirstMessage,
		OnUnknown: s.onUnknown,
		Logger:    s.logger,
	})
	s.adopt(session)
	s.logger.Printf("peer connected from %s", source)

	err = session.Run(s.ctx)
	s.release(session)
	s.logger.Printf("peer %s disconnected: %v", source, err)
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// adopt makes session the live one, superseding any predecessor.
func (s *Server) adopt(session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		s.logger.Printf("superseding session for %s", s.active.Source())
		_ = s.active.Close(websocket.StatusGoingAway, "superseded by new connection")
	}
	s.active = session
}

// release clears the live session if it is still this one.
func (s *Server) release(session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == session {
		s.active = nil
	}
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"connected": s.Connected(),
	})
}
