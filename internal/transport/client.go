package transport

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/steveyegge/byfrost/internal/auth"
	filesync "github.com/steveyegge/byfrost/internal/sync"
)

// Client defaults.
const (
	// DefaultInitialBackoff is the first reconnect delay.
	DefaultInitialBackoff = 5 * time.Second
	// DefaultMaxBackoff caps the reconnect delay.
	DefaultMaxBackoff = 5 * time.Minute
	// DefaultDialTimeout bounds one connection attempt.
	DefaultDialTimeout = 10 * time.Second
	// DefaultPingInterval is how often the client probes a quiet link.
	DefaultPingInterval = 20 * time.Second
	// DefaultPingTimeout is how long a probe may wait for its answer.
	DefaultPingTimeout = 10 * time.Second
)

// ClientConfig holds client settings.
type ClientConfig struct {
	// URL of the peer's websocket endpoint, e.g. ws://10.0.0.5:9784/ws.
	// Required.
	URL string

	// Verifiers authenticates the channel. Required.
	Verifiers *auth.VerifierSet

	// Engine applies and produces file messages. Required.
	Engine *filesync.Engine

	// OnUnknown handles authenticated messages of unknown kind.
	OnUnknown UnknownHandler

	// InitialBackoff defaults to DefaultInitialBackoff.
	InitialBackoff time.Duration

	// MaxBackoff defaults to DefaultMaxBackoff.
	MaxBackoff time.Duration

	// PingInterval defaults to DefaultPingInterval.
	PingInterval time.Duration

	// PingTimeout defaults to DefaultPingTimeout.
	PingTimeout time.Duration

	// Logger for client activity. Defaults to the standard logger.
	Logger *log.Logger
}

// Client dials the peer and keeps dialing. Each established connection is
// served as a session; when it drops, the client backs off exponentially
// from the initial delay to the cap, resetting after any successful
// connection. It gives up only when its context does.
type Client struct {
	url       string
	source    string
	verifiers *auth.VerifierSet
	engine    *filesync.Engine
	onUnknown UnknownHandler

	initialBackoff time.Duration
	maxBackoff     time.Duration
	pingInterval   time.Duration
	pingTimeout    time.Duration

	mu        sync.Mutex
	connected bool

	logger *log.Logger
}

// NewClient creates a channel client for the given peer URL.
func NewClient(config *ClientConfig) (*Client, error) {
	u, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid peer URL: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("peer URL has no host: %s", config.URL)
	}

	c := &Client{
		url:            config.URL,
		source:         u.Host,
		verifiers:      config.Verifiers,
		engine:         config.Engine,
		onUnknown:      config.OnUnknown,
		initialBackoff: config.InitialBackoff,
		maxBackoff:     config.MaxBackoff,
		pingInterval:   config.PingInterval,
		pingTimeout:    config.PingTimeout,
		logger:         config.Logger,
	}
	if c.initialBackoff <= 0 {
		c.initialBackoff = DefaultInitialBackoff
	}
	if c.maxBackoff <= 0 {
		c.maxBackoff = DefaultMaxBackoff
	}
	if c.pingInterval <= 0 {
		c.pingInterval = DefaultPingInterval
	}
	if c.pingTimeout <= 0 {
		c.pingTimeout = DefaultPingTimeout
	}
	if c.logger == nil {
		c.logger = log.Default()
	}
	return c, nil
}

// Connected reports whether a session to the peer is currently live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// PeerSource returns the identity the peer authenticates as.
func (c *Client) PeerSource() string {
	return c.source
}

// Run dials, serves, and redials until ctx is canceled.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.initialBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := c.dial(ctx)
		if err != nil {
			c.logger.Printf("connection to %s failed: %v (retrying in %s)", c.url, err, backoff)
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff, c.maxBackoff)
			continue
		}

		backoff = c.initialBackoff
		c.logger.Printf("connected to %s", c.url)
		c.setConnected(true)
		err = c.serve(ctx, conn)
		c.setConnected(false)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Printf("connection to %s lost: %v (reconnecting in %s)", c.url, err, backoff)
		if !sleepCtx(ctx, backoff) {
			return ctx.Err()
		}
		backoff = nextBackoff(backoff, c.maxBackoff)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, DefaultDialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, c.url, nil)
	return conn, err
}

// serve runs one established connection to completion. A keepalive
// goroutine probes the link; a probe that goes unanswered tears the
// session down so the redial loop can take over.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	session := NewSession(conn, &SessionConfig{
		Verifiers: c.verifiers,
		Engine:    c.engine,
		Source:    c.source,
		Manifest:  ManifestOnConnect,
		OnUnknown: c.onUnknown,
		Logger:    c.logger,
	})

	go func() {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sessCtx.Done():
				return
			case <-ticker.C:
				pingCtx, pingCancel := context.WithTimeout(sessCtx, c.pingTimeout)
				err := conn.Ping(pingCtx)
				pingCancel()
				if err != nil {
					if sessCtx.Err() == nil {
						c.logger.Printf("peer stopped answering pings: %v", err)
					}
					cancel()
					return
				}
			}
		}
	}()

	err := session.Run(sessCtx)
	_ = conn.Close(websocket.StatusNormalClosure, "")
	return err
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// nextBackoff doubles the delay up to the cap.
func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

// sleepCtx sleeps for d unless ctx ends first, reporting whether the full
// sleep happened.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
