// Package secrets persists the shared channel secret and its rotation
// history.
//
// The active secret lives in a single 0600 file. Rotation writes a new
// secret and appends the old one to a history file as "timestamp:secret"
// lines; history entries stay valid for a short grace period so messages
// signed just before a rotation still verify, and are swept out entirely
// after a retention period.
package secrets

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/steveyegge/byfrost/internal/audit"
)

// Rotation defaults.
const (
	// DefaultGracePeriod is how long a rotated-out secret keeps verifying.
	DefaultGracePeriod = 5 * time.Minute
	// DefaultRetention is how long rotated-out secrets stay on disk before
	// the history sweep removes them.
	DefaultRetention = 24 * time.Hour
)

const (
	secretFile  = "secret"
	historyFile = "secret.history"

	fileMode = 0o600
	dirMode  = 0o700

	// secretBytes is the secret length before hex encoding.
	secretBytes = 32
)

// Entry is one secret the verifier should accept.
type Entry struct {
	Value string
	// ExpiresAt is when the secret stops verifying. Zero for the active
	// secret.
	ExpiresAt time.Time
}

// Config holds secret store settings.
type Config struct {
	// Dir is the state directory holding the secret files. Defaults to
	// ~/.byfrost.
	Dir string

	// GracePeriod defaults to DefaultGracePeriod.
	GracePeriod time.Duration

	// Retention defaults to DefaultRetention.
	Retention time.Duration

	// Logger for diagnostics. Defaults to stderr.
	Logger *log.Logger

	// Audit receives rotation events. Optional.
	Audit *audit.Logger
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() *Config {
	return &Config{
		GracePeriod: DefaultGracePeriod,
		Retention:   DefaultRetention,
		Logger:      log.New(os.Stderr, "[secrets] ", log.LstdFlags),
	}
}

// Store manages the secret and history files. It is safe for concurrent
// use within one process; cross-process exclusion comes from the daemon's
// state-directory lock.
type Store struct {
	dir         string
	secretPath  string
	historyPath string
	grace       time.Duration
	retention   time.Duration
	logger      *log.Logger
	audit       *audit.Logger

	mu  sync.Mutex
	now func() time.Time
}

// NewStore returns a Store rooted at the configured directory, creating the
// directory with owner-only permissions when it does not exist.
func NewStore(config *Config) (*Store, error) {
	cfg := &Config{}
	if config != nil {
		*cfg = *config
	}
	if cfg.Dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		cfg.Dir = filepath.Join(home, ".byfrost")
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[secrets] ", log.LstdFlags)
	}

	if err := os.MkdirAll(cfg.Dir, dirMode); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	return &Store{
		dir:         cfg.Dir,
		secretPath:  filepath.Join(cfg.Dir, secretFile),
		historyPath: filepath.Join(cfg.Dir, historyFile),
		grace:       cfg.GracePeriod,
		retention:   cfg.Retention,
		logger:      cfg.Logger,
		audit:       cfg.Audit,
		now:         time.Now,
	}, nil
}

// Dir returns the state directory the store operates in.
func (s *Store) Dir() string {
	return s.dir
}

// Load returns the active secret, or the empty string when none has been
// provisioned yet.
func (s *Store) Load() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (string, error) {
	data, err := os.ReadFile(s.secretPath)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read secret file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// LoadOrGenerate returns the active secret, generating and persisting a
// fresh one when the store is empty.
func (s *Store) LoadOrGenerate() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	secret, err := s.loadLocked()
	if err != nil {
		return "", err
	}
	if secret != "" {
		return secret, nil
	}
	secret, err = newSecret()
	if err != nil {
		return "", err
	}
	if err := s.writeSecretLocked(secret); err != nil {
		return "", err
	}
	s.logger.Printf("generated new channel secret")
	return secret, nil
}

// Rotate replaces the active secret with a fresh one, recording the old
// secret in the history file so it keeps verifying through the grace
// period. It returns the new secret.
func (s *Store) Rotate() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.loadLocked()
	if err != nil {
		return "", err
	}
	next, err := newSecret()
	if err != nil {
		return "", err
	}
	if old != "" {
		line := fmt.Sprintf("%d:%s\n", s.now().Unix(), old)
		if err := appendFile(s.historyPath, line); err != nil {
			return "", fmt.Errorf("failed to record secret history: %w", err)
		}
	}
	if err := s.writeSecretLocked(next); err != nil {
		return "", err
	}
	s.logger.Printf("rotated channel secret")
	s.audit.SecretRotated()
	return next, nil
}

// Set installs a caller-provided secret, typically pasted from the peer
// machine during pairing. Any previous secret moves to the history file so
// it keeps verifying through the grace period.
func (s *Store) Set(secret string) error {
	secret = strings.TrimSpace(secret)
	if len(secret) < 16 {
		return fmt.Errorf("secret too short: need at least 16 characters")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.loadLocked()
	if err != nil {
		return err
	}
	if old == secret {
		return nil
	}
	if old != "" {
		line := fmt.Sprintf("%d:%s\n", s.now().Unix(), old)
		if err := appendFile(s.historyPath, line); err != nil {
			return fmt.Errorf("failed to record secret history: %w", err)
		}
	}
	if err := s.writeSecretLocked(secret); err != nil {
		return err
	}
	s.logger.Printf("installed channel secret")
	s.audit.SecretRotated()
	return nil
}

// ValidSecrets returns every secret that should verify right now: the
// active secret first, then history entries still inside the grace period,
// each carrying its expiry deadline.
func (s *Store) ValidSecrets() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []Entry
	current, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	if current != "" {
		entries = append(entries, Entry{Value: current})
	}

	history, err := s.readHistoryLocked()
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, h := range history {
		deadline := h.rotatedAt.Add(s.grace)
		if now.Before(deadline) {
			entries = append(entries, Entry{Value: h.secret, ExpiresAt: deadline})
		}
	}
	return entries, nil
}

// PruneHistory rewrites the history file keeping only entries younger than
// the retention period. It returns how many entries were removed.
func (s *Store) PruneHistory() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, err := s.readHistoryLocked()
	if err != nil {
		return 0, err
	}
	if len(history) == 0 {
		return 0, nil
	}

	now := s.now()
	var kept []historyEntry
	for _, h := range history {
		if now.Sub(h.rotatedAt) < s.retention {
			kept = append(kept, h)
		}
	}
	removed := len(history) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	var b strings.Builder
	for _, h := range kept {
		fmt.Fprintf(&b, "%d:%s\n", h.rotatedAt.Unix(), h.secret)
	}
	if err := writeFileAtomic(s.historyPath, []byte(b.String()), fileMode); err != nil {
		return 0, fmt.Errorf("failed to rewrite secret history: %w", err)
	}
	s.logger.Printf("pruned %d expired secret(s) from history", removed)
	return removed, nil
}

// LastRotated returns the time of the most recent rotation, or false when
// the secret has never been rotated.
func (s *Store) LastRotated() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, err := s.readHistoryLocked()
	if err != nil || len(history) == 0 {
		return time.Time{}, false
	}
	latest := history[0].rotatedAt
	for _, h := range history[1:] {
		if h.rotatedAt.After(latest) {
			latest = h.rotatedAt
		}
	}
	return latest, true
}

type historyEntry struct {
	rotatedAt time.Time
	secret    string
}

// readHistoryLocked parses the history file. Unparseable lines are skipped
// with a warning; one corrupt line must not invalidate the rest.
func (s *Store) readHistoryLocked() ([]historyEntry, error) {
	data, err := os.ReadFile(s.historyPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secret history: %w", err)
	}

	var entries []historyEntry
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		ts, secret, ok := strings.Cut(line, ":")
		if !ok {
			s.logger.Printf("skipping malformed history line")
			continue
		}
		unix, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			s.logger.Printf("skipping history line with bad timestamp")
			continue
		}
		entries = append(entries, historyEntry{
			rotatedAt: time.Unix(unix, 0),
			secret:    secret,
		})
	}
	return entries, nil
}

func (s *Store) writeSecretLocked(secret string) error {
	if err := writeFileAtomic(s.secretPath, []byte(secret+"\n"), fileMode); err != nil {
		return fmt.Errorf("failed to write secret file: %w", err)
	}
	return nil
}

func newSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func appendFile(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, fileMode)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// writeFileAtomic writes via a temp file and rename so a crash never leaves
// a half-written secret behind.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, mode); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
