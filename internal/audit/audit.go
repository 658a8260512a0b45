// Package audit records security-relevant events as JSON lines.
//
// Each entry is one JSON object per line with a UTC timestamp, an event name,
// the peer source the event concerns, and free-form details. The log is
// append-only from the daemon's point of view; rotation is handled by the
// underlying writer. Events cover authentication outcomes, lockouts, secret
// rotation, rejected sync paths, and daemon lifecycle.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Event names recorded in the audit log.
const (
	EventAuthSuccess    = "AUTH_SUCCESS"
	EventAuthFailure    = "AUTH_FAILURE"
	EventLockout        = "LOCKOUT_TRIGGERED"
	EventLockoutExpired = "LOCKOUT_EXPIRED"
	EventSecretRotated  = "SECRET_ROTATED"
	EventPathRejected   = "PATH_REJECTED"
	EventDaemonStart    = "DAEMON_START"
	EventDaemonStop     = "DAEMON_STOP"
)

// Entry is one audit record.
type Entry struct {
	Timestamp string         `json:"ts"`
	Event     string         `json:"event"`
	Source    string         `json:"source,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Time parses the entry's timestamp. The zero time is returned when the
// timestamp cannot be parsed.
func (e Entry) Time() time.Time {
	t, err := time.Parse(time.RFC3339, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Logger writes audit entries. All methods are safe for concurrent use and
// are no-ops on a nil receiver, so components can treat the audit trail as
// optional.
type Logger struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	errs   *log.Logger
	now    func() time.Time
}

// NewLogger returns a Logger appending to the file at path, rotating at 5 MB
// and keeping 10 backups.
func NewLogger(path string) *Logger {
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    5, // megabytes
		MaxBackups: 10,
	}
	l := NewLoggerTo(lj)
	l.closer = lj
	return l
}

// NewLoggerTo returns a Logger appending to w. Used by tests and by callers
// that manage their own writer.
func NewLoggerTo(w io.Writer) *Logger {
	return &Logger{
		w:   w,
		errs: log.New(os.Stderr, "[audit] ", log.LstdFlags),
		now: time.Now,
	}
}

// Record appends one entry. Failures to encode or write are reported on
// stderr rather than returned; the audit trail must never take down the
// operation it is describing.
func (l *Logger) Record(event, source string, details map[string]any) {
	if l == nil {
		return
	}
	entry := Entry{
		Timestamp: l.now().UTC().Format(time.RFC3339),
		Event:     event,
		Source:    source,
		Details:   details,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		l.errs.Printf("failed to encode audit entry: %v", err)
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(line); err != nil {
		l.errs.Printf("failed to write audit entry: %v", err)
	}
}

// AuthSuccess records a successfully authenticated message from source.
func (l *Logger) AuthSuccess(source string) {
	l.Record(EventAuthSuccess, source, nil)
}

// AuthFailure records a failed authentication attempt and why it failed.
func (l *Logger) AuthFailure(source, reason string) {
	l.Record(EventAuthFailure, source, map[string]any{"reason": reason})
}

// Lockout records that source crossed the failure threshold and is locked
// out for the given duration.
func (l *Logger) Lockout(source string, duration time.Duration) {
	l.Record(EventLockout, source, map[string]any{
		"duration_seconds": duration.Seconds(),
	})
}

// LockoutExpired records that a lockout on source lapsed.
func (l *Logger) LockoutExpired(source string) {
	l.Record(EventLockoutExpired, source, nil)
}

// SecretRotated records a secret rotation.
func (l *Logger) SecretRotated() {
	l.Record(EventSecretRotated, "local", nil)
}

// PathRejected records a sync path that failed validation or containment.
// stage names the check that rejected it.
func (l *Logger) PathRejected(source, path, stage string) {
	l.Record(EventPathRejected, source, map[string]any{
		"path":  path,
		"stage": stage,
	})
}

// DaemonStart records daemon startup.
func (l *Logger) DaemonStart(role, addr string) {
	l.Record(EventDaemonStart, "local", map[string]any{
		"role": role,
		"addr": addr,
	})
}

// DaemonStop records daemon shutdown.
func (l *Logger) DaemonStop(role string) {
	l.Record(EventDaemonStop, "local", map[string]any{"role": role})
}

// Close flushes and closes the underlying writer when it owns one.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	if err := l.closer.Close(); err != nil {
		return fmt.Errorf("failed to close audit log: %w", err)
	}
	return nil
}
