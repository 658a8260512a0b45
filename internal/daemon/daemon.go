// Package daemon composes the byfrost sync daemon from its parts.
//
// The daemon:
// 1. Watches the sync root for file changes and ships them to the peer
// 2. Applies authenticated file messages arriving from the peer
// 3. Serves the channel (worker role) or dials it (controller role)
// 4. Periodically drops expired secrets from the verifier set and history
// 5. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/steveyegge/byfrost/internal/audit"
	"github.com/steveyegge/byfrost/internal/auth"
	"github.com/steveyegge/byfrost/internal/secrets"
	filesync "github.com/steveyegge/byfrost/internal/sync"
	"github.com/steveyegge/byfrost/internal/syncpath"
	"github.com/steveyegge/byfrost/internal/transport"
)

// Role selects which end of the channel a daemon is.
type Role string

const (
	// RoleWorker accepts the connection and executes the work.
	RoleWorker Role = "worker"
	// RoleController dials the worker and directs it.
	RoleController Role = "controller"
)

// Sync profiles.
const (
	// ProfileCoordination syncs only the coordination directories.
	ProfileCoordination = "coordination"
	// ProfileProject syncs the whole tree minus ignored files.
	ProfileProject = "project"
)

// DefaultSweepInterval is how often the daemon re-evaluates rotated
// secrets and prunes expired history entries.
const DefaultSweepInterval = time.Minute

// Config holds configuration for the daemon.
type Config struct {
	// Role selects worker (accepts the connection) or controller (dials).
	Role Role

	// SyncRoot is the directory kept in sync with the peer. Empty defaults
	// to ~/byfrost for the coordination profile; the project profile
	// requires an explicit root.
	SyncRoot string

	// Profile selects the path policy: ProfileCoordination or
	// ProfileProject.
	Profile string

	// StateDir holds the secret, lock, and log files. Defaults to
	// ~/.byfrost.
	StateDir string

	// Host and Port are the worker's listen address. Empty host binds all
	// interfaces.
	Host string
	Port int

	// PeerURL is the controller's dial target, e.g. ws://10.0.0.5:9784/ws.
	PeerURL string

	// SweepInterval defaults to DefaultSweepInterval.
	SweepInterval time.Duration

	// DebounceInterval is how long to wait before shipping a changed file.
	// This batches rapid updates together.
	DebounceInterval time.Duration

	// SuppressTTL is how long an applied inbound write suppresses its own
	// watch event.
	SuppressTTL time.Duration

	// ReplayWindow bounds acceptable message timestamp skew.
	ReplayWindow time.Duration

	// GracePeriod is how long a rotated-out secret keeps verifying.
	GracePeriod time.Duration

	// Retention is how long rotated-out secrets stay in history.
	Retention time.Duration

	// InitialBackoff and MaxBackoff shape the controller's redial delays.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// PingInterval is how often the controller probes a quiet link.
	PingInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Role:          RoleWorker,
		Profile:       ProfileCoordination,
		Port:          transport.DefaultPort,
		SweepInterval: DefaultSweepInterval,
		Logger:        log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates watching, the sync engine, and the channel
// transport.
type Daemon struct {
	config *Config

	auditLog  *audit.Logger
	store     *secrets.Store
	guard     *auth.Guard
	verifiers *auth.VerifierSet
	engine    *filesync.Engine
	watcher   *FileWatcher

	// Exactly one of server and client is set, by role.
	server *transport.Server
	client *transport.Client

	lock *Lock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
	stopErr  error
}

// New creates a new Daemon instance.
//
// With no sync root the coordination profile syncs ~/byfrost; the project
// profile requires an explicit root. Use Start() to begin watching and
// syncing.
func New(config *Config) (*Daemon, error) {
	if config == nil {
		config = DefaultConfig()
	}
	switch config.Role {
	case RoleWorker, RoleController:
	default:
		return nil, fmt.Errorf("unknown role: %q", config.Role)
	}
	if config.Role == RoleController && config.PeerURL == "" {
		return nil, fmt.Errorf("controller role requires a peer URL")
	}
	if config.SyncRoot == "" {
		if config.Profile == ProfileProject {
			return nil, fmt.Errorf("project profile requires a sync root")
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		config.SyncRoot = filepath.Join(home, "byfrost")
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if config.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		config.StateDir = filepath.Join(home, ".byfrost")
	}

	var policy *syncpath.Policy
	var err error
	switch config.Profile {
	case ProfileCoordination, "":
		policy, err = syncpath.Coordination(config.SyncRoot)
	case ProfileProject:
		policy, err = syncpath.Project(config.SyncRoot)
	default:
		return nil, fmt.Errorf("unknown sync profile: %q", config.Profile)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build path policy: %w", err)
	}

	auditLog := audit.NewLogger(filepath.Join(config.StateDir, "logs", "audit.log"))

	store, err := secrets.NewStore(&secrets.Config{
		Dir:         config.StateDir,
		GracePeriod: config.GracePeriod,
		Retention:   config.Retention,
		Logger:      config.Logger,
		Audit:       auditLog,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open secret store: %w", err)
	}

	guard := auth.NewGuard(&auth.GuardConfig{
		Logger: config.Logger,
		Audit:  auditLog,
	})
	verifiers := auth.NewVerifierSet(guard, auditLog, &auth.Config{
		ReplayWindow: config.ReplayWindow,
		Logger:       config.Logger,
	})

	engine, err := filesync.NewEngine(&filesync.Config{
		Policy:        policy,
		DebounceDelay: config.DebounceInterval,
		SuppressTTL:   config.SuppressTTL,
		Logger:        config.Logger,
		Audit:         auditLog,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sync engine: %w", err)
	}

	watcher, err := NewFileWatcher(policy)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config:    config,
		auditLog:  auditLog,
		store:     store,
		guard:     guard,
		verifiers: verifiers,
		engine:    engine,
		watcher:   watcher,
		ctx:       ctx,
		cancel:    cancel,
	}

	switch config.Role {
	case RoleWorker:
		d.server = transport.NewServer(&transport.ServerConfig{
			Host:      config.Host,
			Port:      config.Port,
			Verifiers: verifiers,
			Engine:    engine,
			Logger:    config.Logger,
		})
	case RoleController:
		client, err := transport.NewClient(&transport.ClientConfig{
			URL:            config.PeerURL,
			Verifiers:      verifiers,
			Engine:         engine,
			InitialBackoff: config.InitialBackoff,
			MaxBackoff:     config.MaxBackoff,
			PingInterval:   config.PingInterval,
			Logger:         config.Logger,
		})
		if err != nil {
			cancel()
			return nil, err
		}
		d.client = client
	}

	return d, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Lock the state directory and load (or generate) the channel secret
// 2. Start watching the sync root
// 3. Bring up the channel transport for its role
// 4. Sweep rotated secrets on an interval
//
// This blocks until ctx is cancelled or the daemon is stopped.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Printf("Starting daemon (%s)", d.config.Role)

	if err := d.ensureSyncRoot(); err != nil {
		return err
	}

	lock, err := AcquireLock(d.store.Dir())
	if err != nil {
		return err
	}
	d.lock = lock

	if _, err := d.store.LoadOrGenerate(); err != nil {
		d.lock.Release()
		return fmt.Errorf("failed to load secret: %w", err)
	}
	if err := d.refreshSecrets(); err != nil {
		d.lock.Release()
		return err
	}

	if err := d.watcher.Start(); err != nil {
		d.lock.Release()
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	d.config.Logger.Printf("Watching: %s (%s profile)", d.config.SyncRoot, d.profile())

	switch {
	case d.server != nil:
		if err := d.server.Start(); err != nil {
			d.watcher.Stop()
			d.lock.Release()
			return fmt.Errorf("failed to start server: %w", err)
		}
		d.config.Logger.Printf("Listening on %s", d.server.GetAddr())
		d.auditLog.DaemonStart(string(d.config.Role), d.server.GetAddr())
	default:
		d.auditLog.DaemonStart(string(d.config.Role), d.config.PeerURL)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.client.Run(d.ctx); err != nil {
				d.config.Logger.Printf("Client stopped: %v", err)
			}
		}()
	}

	// Start background goroutines
	d.wg.Add(2)
	go d.pumpFileEvents()
	go d.sweepSecrets()

	// Wait for shutdown
	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. Safe to call more than once.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.config.Logger.Println("Stopping daemon")

		// Signal shutdown
		d.cancel()

		var errs *multierror.Error

		if d.server != nil {
			if err := d.server.Stop(); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("failed to stop server: %w", err))
			}
		}

		if err := d.watcher.Stop(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to stop watcher: %w", err))
		}

		// Wait for goroutines to finish
		d.wg.Wait()

		d.engine.Stop()

		d.auditLog.DaemonStop(string(d.config.Role))
		if err := d.auditLog.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to close audit log: %w", err))
		}

		if err := d.lock.Release(); err != nil {
			errs = multierror.Append(errs, err)
		}

		d.config.Logger.Println("Daemon stopped")
		d.stopErr = errs.ErrorOrNil()
	})
	return d.stopErr
}

// Role returns the daemon's configured role.
func (d *Daemon) Role() Role {
	return d.config.Role
}

// Connected reports whether the channel currently has a live session.
func (d *Daemon) Connected() bool {
	if d.server != nil {
		return d.server.Connected()
	}
	return d.client.Connected()
}

// Addr returns the listen address (worker) or the peer URL (controller).
func (d *Daemon) Addr() string {
	if d.server != nil {
		return d.server.GetAddr()
	}
	return d.config.PeerURL
}

// Store exposes the secret store, for rotation triggered while running.
func (d *Daemon) Store() *secrets.Store {
	return d.store
}

func (d *Daemon) profile() string {
	if d.config.Profile == "" {
		return ProfileCoordination
	}
	return d.config.Profile
}

// ensureSyncRoot prepares the sync root for watching. The coordination
// profile creates its directories; the project profile requires an
// existing tree.
func (d *Daemon) ensureSyncRoot() error {
	if d.profile() == ProfileProject {
		info, err := os.Stat(d.config.SyncRoot)
		if err != nil {
			return fmt.Errorf("sync root unavailable: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("sync root is not a directory: %s", d.config.SyncRoot)
		}
		return nil
	}
	for _, dir := range syncpath.CoordinationDirs {
		if err := os.MkdirAll(filepath.Join(d.config.SyncRoot, dir), 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// refreshSecrets loads every currently-valid secret into the verifier set.
// Rotations performed by the CLI while the daemon runs are picked up here,
// on the sweep interval.
func (d *Daemon) refreshSecrets() error {
	entries, err := d.store.ValidSecrets()
	if err != nil {
		return fmt.Errorf("failed to load secrets: %w", err)
	}
	keys := make([]auth.Secret, len(entries))
	for i, entry := range entries {
		keys[i] = auth.Secret{Value: entry.Value, ExpiresAt: entry.ExpiresAt}
	}
	d.verifiers.SetSecrets(keys)
	return nil
}

// pumpFileEvents feeds watcher events into the sync engine.
func (d *Daemon) pumpFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.engine.HandleEvent(event.Path)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// sweepSecrets periodically re-evaluates rotated secrets and removes
// history entries past retention.
func (d *Daemon) sweepSecrets() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if err := d.refreshSecrets(); err != nil {
				d.config.Logger.Printf("Error refreshing secrets: %v", err)
				continue
			}
			removed, err := d.store.PruneHistory()
			if err != nil {
				d.config.Logger.Printf("Error pruning secret history: %v", err)
			} else if removed > 0 {
				d.config.Logger.Printf("Pruned %d expired secret(s) from history", removed)
			}
		}
	}
}
