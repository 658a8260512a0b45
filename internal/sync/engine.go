// Package sync moves file changes between the two ends of a byfrost
// channel.
//
// # Architecture
//
// The Engine sits between the filesystem watcher and the transport session.
// Outbound, watcher events funnel through HandleEvent: echo suppression
// drops events caused by the engine's own writes, a per-path debouncer
// coalesces editor-style write bursts, and the surviving change is read,
// checksummed, and handed to the session as a signed file.sync or
// file.changed message. Inbound, Apply runs every gate in order (path
// eligibility, symlink containment, payload decode, checksum, timestamp
// clamp, last-writer-wins) before marking the path suppressed and writing
// atomically.
//
// Conflict resolution is last-writer-wins on the wire modification time.
// Two edits inside the same debounce window on opposite ends converge on
// the later timestamp; the earlier edit is lost. That is the accepted cost
// of keeping the channel free of merge machinery.
package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/steveyegge/byfrost/internal/audit"
	"github.com/steveyegge/byfrost/internal/protocol"
	"github.com/steveyegge/byfrost/internal/syncpath"
)

// mtimeFloor is the oldest modification time accepted off the wire.
// Anything earlier (or more than a day in the future) is replaced with the
// local clock. 2000-01-01T00:00:00Z.
var mtimeFloor = time.Unix(946684800, 0)

// mtimeMaxSkew is how far in the future a wire modification time may sit
// before it is clamped.
const mtimeMaxSkew = 24 * time.Hour

// Sender delivers a signed message to the connected peer.
type Sender interface {
	Send(ctx context.Context, msg any) error
}

// Config holds sync engine settings.
type Config struct {
	// Policy decides path eligibility, containment, and size ceilings.
	// Required.
	Policy *syncpath.Policy

	// DebounceDelay defaults to DefaultDebounceDelay.
	DebounceDelay time.Duration

	// SuppressTTL defaults to DefaultSuppressTTL.
	SuppressTTL time.Duration

	// Logger for diagnostics. Defaults to stderr.
	Logger *log.Logger

	// Audit receives path rejection events. Optional.
	Audit *audit.Logger
}

// Engine synchronizes one sync root with the peer. It is safe for
// concurrent use: watcher events, inbound messages, and manifest walks may
// all run at once.
type Engine struct {
	policy   *syncpath.Policy
	logger   *log.Logger
	audit    *audit.Logger
	debounce *Debouncer
	suppress *suppressor

	mu     sync.Mutex
	sender Sender

	now func() time.Time
}

// NewEngine returns an Engine for the given configuration.
func NewEngine(config *Config) (*Engine, error) {
	if config == nil || config.Policy == nil {
		return nil, fmt.Errorf("sync engine requires a path policy")
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	e := &Engine{
		policy:   config.Policy,
		logger:   logger,
		audit:    config.Audit,
		suppress: newSuppressor(config.SuppressTTL),
		now:      time.Now,
	}
	e.debounce = NewDebouncer(config.DebounceDelay, e.flush)
	return e, nil
}

// SetSender installs the transport session outbound messages go through.
// Changes flushed while no session is attached are dropped; the manifest
// walk on reconnect makes the peer whole.
func (e *Engine) SetSender(s Sender) {
	e.mu.Lock()
	e.sender = s
	e.mu.Unlock()
}

// DetachSender clears the sender, but only while s is still the attached
// one. A superseded session detaching late must not knock out its
// replacement.
func (e *Engine) DetachSender(s Sender) {
	e.mu.Lock()
	if e.sender == s {
		e.sender = nil
	}
	e.mu.Unlock()
}

// Policy returns the engine's path policy.
func (e *Engine) Policy() *syncpath.Policy {
	return e.policy
}

// Stop cancels all pending debounce timers.
func (e *Engine) Stop() {
	e.debounce.Stop()
}

// HandleEvent feeds one watcher event into the outbound pipeline. abs is
// the absolute path the event concerns; deletions and creations arrive the
// same way, since what to send is decided from the filesystem when the
// debounce timer fires.
func (e *Engine) HandleEvent(abs string) {
	rel, ok := e.policy.Rel(abs)
	if !ok {
		return
	}
	if e.suppress.Consume(abs) {
		e.logger.Printf("suppressed echo for %s", rel)
		return
	}
	e.debounce.Trigger(abs)
}

// flush sends the current state of abs: its content when it exists, a
// deletion notice when it does not. Runs on a debounce timer goroutine.
func (e *Engine) flush(abs string) {
	rel, ok := e.policy.Rel(abs)
	if !ok {
		return
	}
	info, err := os.Lstat(abs)
	switch {
	case err == nil && info.Mode()&os.ModeSymlink != 0:
		e.logger.Printf("skipping symlink %s", rel)
	case err == nil && info.IsDir():
		// Directories travel implicitly with the files inside them.
	case err == nil:
		e.sendFile(context.Background(), rel, abs, info.Size(), info.ModTime())
	case os.IsNotExist(err):
		e.sendDelete(rel)
	default:
		e.logger.Printf("failed to stat %s: %v", rel, err)
	}
}

func (e *Engine) sendFile(ctx context.Context, rel, abs string, size int64, mtime time.Time) bool {
	if size > e.policy.MaxFileSize() {
		e.logger.Printf("skipping oversized file %s (%d bytes)", rel, size)
		return false
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		e.logger.Printf("failed to read %s: %v", rel, err)
		return false
	}
	msg := protocol.NewFileSync(rel, data, mtime)
	if !e.send(ctx, msg) {
		return false
	}
	e.logger.Printf("synced %s (%d bytes)", rel, len(data))
	return true
}

func (e *Engine) sendDelete(rel string) {
	if e.send(context.Background(), protocol.NewFileChanged(rel)) {
		e.logger.Printf("synced deletion of %s", rel)
	}
}

// send hands msg to the attached session. With no session attached the
// message is dropped; reconnect recovery resends current state anyway.
func (e *Engine) send(ctx context.Context, msg any) bool {
	e.mu.Lock()
	sender := e.sender
	e.mu.Unlock()
	if sender == nil {
		return false
	}
	if err := sender.Send(ctx, msg); err != nil {
		e.logger.Printf("failed to send message: %v", err)
		return false
	}
	return true
}

// Apply applies one inbound, already-authenticated message from the peer.
// Messages that fail a gate are dropped where they fail; nothing observable
// happens to the tree and the channel keeps going.
func (e *Engine) Apply(msg protocol.Message, source string) {
	switch m := msg.(type) {
	case protocol.FileSync:
		e.applySync(m, source)
	case protocol.FileChanged:
		e.applyChange(m, source)
	default:
		e.logger.Printf("ignoring message kind %s", msg.Kind())
	}
}

// applySync runs the inbound gates for a file.sync message in their fixed
// order, then writes the file and stamps the wire modification time on it.
func (e *Engine) applySync(m protocol.FileSync, source string) {
	if !e.policy.Eligible(m.Path) {
		e.rejectPath(source, m.Path, "validate")
		return
	}
	abs := e.policy.Abs(m.Path)
	if !e.policy.ResolvesInsideRoot(abs) {
		e.rejectPath(source, m.Path, "containment")
		return
	}
	data, err := m.Decode()
	if err != nil {
		e.logger.Printf("dropping %s: %v", m.Path, err)
		return
	}
	if protocol.Checksum(data) != m.Checksum {
		e.logger.Printf("dropping %s: checksum mismatch", m.Path)
		return
	}
	mtime := e.clampMtime(protocol.FromUnixSeconds(m.Mtime))

	// Last writer wins: a strictly newer local copy stays, and the discarded
	// inbound write leaves no suppression mark behind.
	if info, err := os.Stat(abs); err == nil {
		if protocol.UnixSeconds(info.ModTime()) > protocol.UnixSeconds(mtime) {
			e.logger.Printf("keeping newer local copy of %s", m.Path)
			return
		}
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		e.logger.Printf("failed to create directories for %s: %v", m.Path, err)
		return
	}
	// A directory created just now could itself resolve elsewhere; check
	// containment again before touching the file.
	if !e.policy.ResolvesInsideRoot(abs) {
		e.rejectPath(source, m.Path, "containment")
		return
	}

	e.suppress.Mark(abs)
	if err := writeFileAtomic(abs, data, 0o644); err != nil {
		e.logger.Printf("failed to write %s: %v", m.Path, err)
		return
	}
	if err := os.Chtimes(abs, mtime, mtime); err != nil {
		e.logger.Printf("failed to set mtime on %s: %v", m.Path, err)
	}
	e.logger.Printf("applied %s (%d bytes)", m.Path, len(data))
}

// applyChange applies an inbound deletion notice. Deleting a path that is
// already gone is a quiet no-op.
func (e *Engine) applyChange(m protocol.FileChanged, source string) {
	if !m.Deleted {
		return
	}
	if !e.policy.Eligible(m.Path) {
		e.rejectPath(source, m.Path, "validate")
		return
	}
	abs := e.policy.Abs(m.Path)
	if !e.policy.ResolvesInsideRoot(abs) {
		e.rejectPath(source, m.Path, "containment")
		return
	}
	if _, err := os.Lstat(abs); os.IsNotExist(err) {
		return
	}
	e.suppress.Mark(abs)
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		e.logger.Printf("failed to delete %s: %v", m.Path, err)
		return
	}
	e.logger.Printf("applied deletion of %s", m.Path)
}

// SendManifest walks the sync root and sends every eligible file to the
// peer. It brings a freshly connected peer up to date without any stored
// sync state: files the peer already has fall out in its last-writer-wins
// gate. The walk stops quietly when ctx is canceled, which is what a
// disconnect mid-manifest does.
func (e *Engine) SendManifest(ctx context.Context) error {
	root := e.policy.Root()
	sent := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if !e.policy.DescendDir(rel) {
				return fs.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if !e.policy.Eligible(rel) {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		if e.sendFile(ctx, rel, path, info.Size(), info.ModTime()) {
			sent++
		}
		return nil
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		e.logger.Printf("manifest walk stopped after %d file(s): peer went away", sent)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to walk sync root: %w", err)
	}
	e.logger.Printf("manifest sync complete: %d file(s)", sent)
	return nil
}

// clampMtime guards the tree against absurd wire timestamps. Anything
// before the floor or more than a day ahead of local time becomes "now".
func (e *Engine) clampMtime(t time.Time) time.Time {
	now := e.now()
	if t.Before(mtimeFloor) || t.After(now.Add(mtimeMaxSkew)) {
		return now
	}
	return t
}

func (e *Engine) rejectPath(source, path, stage string) {
	e.logger.Printf("rejected path %q at %s check", path, stage)
	e.audit.PathRejected(source, path, stage)
}

// writeFileAtomic writes via a temp file and rename so the watcher and
// readers never observe a half-written file.
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
