package auth

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/steveyegge/byfrost/internal/audit"
)

// Lockout defaults.
const (
	// DefaultFailureWindow is the sliding window over which failures
	// accumulate.
	DefaultFailureWindow = 5 * time.Minute
	// DefaultFailureThreshold is the failure count inside the window that
	// triggers a lockout.
	DefaultFailureThreshold = 5
	// DefaultLockoutDuration is how long a locked source stays locked.
	DefaultLockoutDuration = 15 * time.Minute
)

// GuardConfig holds lockout settings.
type GuardConfig struct {
	// FailureWindow defaults to DefaultFailureWindow.
	FailureWindow time.Duration

	// FailureThreshold defaults to DefaultFailureThreshold.
	FailureThreshold int

	// LockoutDuration defaults to DefaultLockoutDuration.
	LockoutDuration time.Duration

	// Logger for diagnostics. Defaults to stderr.
	Logger *log.Logger

	// Audit receives lockout expiry events. Optional.
	Audit *audit.Logger
}

// DefaultGuardConfig returns the default lockout configuration.
func DefaultGuardConfig() *GuardConfig {
	return &GuardConfig{
		FailureWindow:    DefaultFailureWindow,
		FailureThreshold: DefaultFailureThreshold,
		LockoutDuration:  DefaultLockoutDuration,
		Logger:           log.New(os.Stderr, "[auth] ", log.LstdFlags),
	}
}

func (c *GuardConfig) withDefaults() *GuardConfig {
	out := &GuardConfig{}
	if c != nil {
		*out = *c
	}
	if out.FailureWindow <= 0 {
		out.FailureWindow = DefaultFailureWindow
	}
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = DefaultFailureThreshold
	}
	if out.LockoutDuration <= 0 {
		out.LockoutDuration = DefaultLockoutDuration
	}
	if out.Logger == nil {
		out.Logger = log.New(os.Stderr, "[auth] ", log.LstdFlags)
	}
	return out
}

// Guard tracks authentication failures per peer source and decides when a
// source is locked out. It is safe for concurrent use.
type Guard struct {
	window    time.Duration
	threshold int
	lockout   time.Duration
	logger    *log.Logger
	audit     *audit.Logger

	mu      sync.Mutex
	sources map[string]*sourceRecord

	now func() time.Time
}

type sourceRecord struct {
	failures    []time.Time
	lockedUntil time.Time
}

// NewGuard returns a Guard with the given configuration.
func NewGuard(config *GuardConfig) *Guard {
	cfg := config.withDefaults()
	return &Guard{
		window:    cfg.FailureWindow,
		threshold: cfg.FailureThreshold,
		lockout:   cfg.LockoutDuration,
		logger:    cfg.Logger,
		audit:     cfg.Audit,
		sources:   make(map[string]*sourceRecord),
		now:       time.Now,
	}
}

// RecordFailure notes one authentication failure from source and reports
// whether the source is now locked out. Failures older than the window are
// discarded first; reaching the threshold sets the lockout deadline, and
// further failures while locked push it out again.
func (g *Guard) RecordFailure(source string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	rec := g.sources[source]
	if rec == nil {
		rec = &sourceRecord{}
		g.sources[source] = rec
	}

	kept := rec.failures[:0]
	for _, t := range rec.failures {
		if now.Sub(t) <= g.window {
			kept = append(kept, t)
		}
	}
	rec.failures = append(kept, now)

	if len(rec.failures) >= g.threshold {
		rec.lockedUntil = now.Add(g.lockout)
		return true
	}
	return false
}

// RecordSuccess clears all failure state for source.
func (g *Guard) RecordSuccess(source string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sources, source)
}

// IsLocked reports whether source is currently locked out. An expired
// lockout is cleared on the way through.
func (g *Guard) IsLocked(source string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec := g.sources[source]
	if rec == nil || rec.lockedUntil.IsZero() {
		return false
	}
	if g.now().Before(rec.lockedUntil) {
		return true
	}
	rec.lockedUntil = time.Time{}
	g.logger.Printf("lockout expired for %s", source)
	g.audit.LockoutExpired(source)
	return false
}

// LockoutDuration returns how long a triggered lockout lasts.
func (g *Guard) LockoutDuration() time.Duration {
	return g.lockout
}

// LockedSources returns the sources currently locked out.
func (g *Guard) LockedSources() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	var out []string
	for source, rec := range g.sources {
		if !rec.lockedUntil.IsZero() && now.Before(rec.lockedUntil) {
			out = append(out, source)
		}
	}
	return out
}
