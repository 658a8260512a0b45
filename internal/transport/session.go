// Package transport runs the websocket channel between controller and
// worker.
//
// # Architecture
//
// One Session wraps one websocket connection, whichever side dialed it. The
// session owns the read loop: every frame is parsed, authenticated against
// the verifier set, decoded into a typed message, and dispatched by kind.
// File messages go to the sync engine, pings are answered, unknown kinds go
// to an optional handler so an orchestration layer can ride the same
// channel. Outbound messages funnel through Send, which signs with the
// active secret before writing.
//
// Server accepts connections and keeps at most one session alive; a new
// connection supersedes the old one. Client dials and redials forever with
// capped exponential backoff, so whichever end restarts, the pair finds
// itself again.
//
// A message that fails authentication is answered with the same generic
// error no matter why it failed. The detailed reason lands in the local
// log and audit trail only; putting it on the wire would tell an attacker
// which check stopped them.
package transport

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/steveyegge/byfrost/internal/auth"
	"github.com/steveyegge/byfrost/internal/protocol"
	filesync "github.com/steveyegge/byfrost/internal/sync"
)

// Session defaults.
const (
	// DefaultWriteTimeout bounds one outbound frame write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultReadLimit bounds one inbound frame. Large enough for a
	// project-profile file after base64 expansion plus the envelope.
	DefaultReadLimit = 4 << 20
)

// authFailedReply is the generic error sent for every authentication
// failure. One reply for all reasons; the wire learns nothing about which
// check failed.
const authFailedReply = "authentication failed"

// ManifestMode says when a session walks its tree for the peer.
type ManifestMode int

const (
	// ManifestOnConnect sends the manifest as soon as the session starts.
	// The dialing side uses this: connecting proves the peer is there.
	ManifestOnConnect ManifestMode = iota
	// ManifestAfterFirstMessage waits for the first authenticated message.
	// The accepting side uses this: anyone can open a socket, only the
	// real peer can sign a message.
	ManifestAfterFirstMessage
)

// UnknownHandler is called for authenticated messages whose kind the
// transport does not know. The handler may reply through the session.
type UnknownHandler func(ctx context.Context, session *Session, msg protocol.Unknown)

// SessionConfig holds per-session settings.
type SessionConfig struct {
	// Verifiers authenticates inbound messages and signs outbound ones.
	// Required.
	Verifiers *auth.VerifierSet

	// Engine applies inbound file messages and is attached as the
	// session's sender while the session runs. Required.
	Engine *filesync.Engine

	// Source identifies the peer in guard and audit records. Required.
	Source string

	// Manifest controls when the session sends its manifest.
	Manifest ManifestMode

	// OnUnknown handles authenticated messages of unknown kind. When nil
	// the session replies with an error naming the kind.
	OnUnknown UnknownHandler

	// WriteTimeout defaults to DefaultWriteTimeout.
	WriteTimeout time.Duration

	// Logger for diagnostics. Defaults to stderr.
	Logger *log.Logger
}

// Session is one live connection to the peer. Create it with NewSession
// and drive it with Run; Send may be called from any goroutine while Run
// is active.
type Session struct {
	conn         *websocket.Conn
	verifiers    *auth.VerifierSet
	engine       *filesync.Engine
	source       string
	manifest     ManifestMode
	onUnknown    UnknownHandler
	writeTimeout time.Duration
	logger       *log.Logger

	manifestOnce sync.Once
}

// NewSession wraps an accepted or dialed websocket connection.
func NewSession(conn *websocket.Conn, config *SessionConfig) *Session {
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[transport] ", log.LstdFlags)
	}
	writeTimeout := config.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	conn.SetReadLimit(DefaultReadLimit)
	return &Session{
		conn:         conn,
		verifiers:    config.Verifiers,
		engine:       config.Engine,
		source:       config.Source,
		manifest:     config.Manifest,
		onUnknown:    config.OnUnknown,
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// Source returns the peer identity this session authenticates as.
func (s *Session) Source() string {
	return s.source
}

// Run reads and dispatches messages until the connection drops or ctx is
// canceled. While running, the session is the sync engine's sender; on the
// way out it detaches so flushed changes stop flowing into a dead socket.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.engine.SetSender(s)
	defer s.engine.DetachSender(s)

	if s.manifest == ManifestOnConnect {
		s.startManifest(ctx)
	}

	for {
		_, raw, err := s.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("connection closed: %w", err)
		}
		s.handleFrame(ctx, raw)
	}
}

// Send signs msg with the active secret and writes it to the peer.
// It implements the sync engine's Sender.
func (s *Session) Send(ctx context.Context, msg any) error {
	raw, err := s.verifiers.Sign(msg)
	if err != nil {
		return fmt.Errorf("failed to sign message: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	if err := s.conn.Write(writeCtx, websocket.MessageText, raw); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *Session) Close(code websocket.StatusCode, reason string) error {
	return s.conn.Close(code, reason)
}

// handleFrame runs one inbound frame through parse, authenticate, decode,
// dispatch. Failures are localized to the frame: the session keeps reading.
func (s *Session) handleFrame(ctx context.Context, raw []byte) {
	fields, err := auth.ParseObject(raw)
	if err != nil {
		// Malformed JSON is a protocol error, not an authentication
		// failure; it does not count toward lockout.
		s.logger.Printf("dropping malformed frame from %s: %v", s.source, err)
		s.reply(ctx, protocol.NewError("invalid message"))
		return
	}

	ok, reason := s.verifiers.Authenticate(fields, s.source)
	if !ok {
		s.logger.Printf("rejected message from %s: %s", s.source, reason)
		s.reply(ctx, protocol.NewError(authFailedReply))
		return
	}

	msg, err := protocol.Decode(raw)
	if err != nil {
		s.logger.Printf("dropping undecodable frame from %s: %v", s.source, err)
		s.reply(ctx, protocol.NewError("invalid message"))
		return
	}

	if s.manifest == ManifestAfterFirstMessage {
		s.startManifest(ctx)
	}

	switch m := msg.(type) {
	case protocol.FileSync, protocol.FileChanged:
		s.engine.Apply(msg, s.source)
	case protocol.Ping:
		s.reply(ctx, protocol.Pong{Type: protocol.KindPong})
	case protocol.Pong:
		// Liveness ack; nothing to do.
	case protocol.Error:
		s.logger.Printf("peer reported error: %s", m.Message)
	case protocol.Unknown:
		if s.onUnknown != nil {
			s.onUnknown(ctx, s, m)
			return
		}
		s.reply(ctx, protocol.NewError(fmt.Sprintf("unknown message type: %s", m.Type)))
	}
}

// startManifest kicks off the one manifest walk this session performs.
// The walk runs on its own goroutine so a large tree does not stall the
// read loop, and it dies with the session context.
func (s *Session) startManifest(ctx context.Context) {
	s.manifestOnce.Do(func() {
		go func() {
			if err := s.engine.SendManifest(ctx); err != nil {
				s.logger.Printf("manifest sync failed: %v", err)
			}
		}()
	})
}

// reply sends a response message, logging rather than propagating failures;
// the read loop owns the session's fate.
func (s *Session) reply(ctx context.Context, msg any) {
	if err := s.Send(ctx, msg); err != nil {
		s.logger.Printf("failed to reply to %s: %v", s.source, err)
	}
}
