package secrets

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(&Config{
		Dir:    filepath.Join(t.TempDir(), "state"),
		Logger: log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return s
}

func TestStore_LoadOrGenerate(t *testing.T) {
	s := newTestStore(t)

	secret, err := s.LoadOrGenerate()
	if err != nil {
		t.Fatalf("LoadOrGenerate failed: %v", err)
	}
	if len(secret) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(secret))
	}

	// A second call returns the same secret.
	again, err := s.LoadOrGenerate()
	if err != nil {
		t.Fatalf("LoadOrGenerate failed: %v", err)
	}
	if again != secret {
		t.Errorf("LoadOrGenerate regenerated an existing secret")
	}
}

func TestStore_SecretFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are not meaningful on windows")
	}
	s := newTestStore(t)

	if _, err := s.LoadOrGenerate(); err != nil {
		t.Fatalf("LoadOrGenerate failed: %v", err)
	}

	info, err := os.Stat(s.secretPath)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("expected secret file mode 0600, got %04o", perm)
	}

	dirInfo, err := os.Stat(s.dir)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if perm := dirInfo.Mode().Perm(); perm != 0o700 {
		t.Errorf("expected state dir mode 0700, got %04o", perm)
	}
}

func TestStore_Load_Empty(t *testing.T) {
	s := newTestStore(t)

	secret, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if secret != "" {
		t.Errorf("expected empty secret before provisioning, got %q", secret)
	}
}

func TestStore_Rotate(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	old, err := s.LoadOrGenerate()
	if err != nil {
		t.Fatalf("LoadOrGenerate failed: %v", err)
	}
	next, err := s.Rotate()
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if next == old {
		t.Fatalf("rotation did not change the secret")
	}

	// The active secret file now holds the new value.
	current, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if current != next {
		t.Errorf("expected active secret %s, got %s", next, current)
	}

	// The old secret is in the history with the rotation timestamp.
	data, err := os.ReadFile(s.historyPath)
	if err != nil {
		t.Fatalf("failed to read history: %v", err)
	}
	line := strings.TrimSpace(string(data))
	if want := "1772366400:" + old; line != want {
		t.Errorf("expected history line %q, got %q", want, line)
	}
}

func TestStore_Set(t *testing.T) {
	s := newTestStore(t)

	pasted := "a1b2c3d4e5f6a7b8a1b2c3d4e5f6a7b8a1b2c3d4e5f6a7b8a1b2c3d4e5f6a7b8"
	if err := s.Set(pasted + "\n"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got != pasted {
		t.Errorf("Load = %q, want the trimmed pasted secret", got)
	}

	// Installing over an existing secret keeps the old one verifying.
	replacement := "ffeeddccbbaa0099ffeeddccbbaa0099ffeeddccbbaa0099ffeeddccbbaa0099"
	if err := s.Set(replacement); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	entries, err := s.ValidSecrets()
	if err != nil {
		t.Fatalf("ValidSecrets failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d valid secrets, want 2 (new + grace)", len(entries))
	}
	if entries[0].Value != replacement {
		t.Errorf("active secret = %q, want the replacement", entries[0].Value)
	}
	if entries[1].Value != pasted {
		t.Errorf("grace secret = %q, want the pasted one", entries[1].Value)
	}

	// Re-installing the same value is a no-op, not a rotation.
	if err := s.Set(replacement); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	entries, err = s.ValidSecrets()
	if err != nil {
		t.Fatalf("ValidSecrets failed: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("idempotent Set grew the valid set to %d", len(entries))
	}

	if err := s.Set("short"); err == nil {
		t.Error("expected an error for a too-short secret")
	}
}

func TestStore_ValidSecrets_Grace(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	s.now = func() time.Time { return clock }

	old, err := s.LoadOrGenerate()
	if err != nil {
		t.Fatalf("LoadOrGenerate failed: %v", err)
	}
	next, err := s.Rotate()
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	// Inside the grace period both secrets are valid, the active one first.
	clock = base.Add(4 * time.Minute)
	entries, err := s.ValidSecrets()
	if err != nil {
		t.Fatalf("ValidSecrets failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 valid secrets, got %d", len(entries))
	}
	if entries[0].Value != next || !entries[0].ExpiresAt.IsZero() {
		t.Errorf("expected active secret first with no expiry, got %+v", entries[0])
	}
	if entries[1].Value != old {
		t.Errorf("expected old secret second, got %+v", entries[1])
	}
	if want := base.Add(5 * time.Minute); !entries[1].ExpiresAt.Equal(want) {
		t.Errorf("expected old secret to expire at %v, got %v", want, entries[1].ExpiresAt)
	}

	// Past the grace period only the active secret remains.
	clock = base.Add(6 * time.Minute)
	entries, err = s.ValidSecrets()
	if err != nil {
		t.Fatalf("ValidSecrets failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Value != next {
		t.Errorf("expected only the active secret after grace, got %+v", entries)
	}
}

func TestStore_PruneHistory(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	s.now = func() time.Time { return clock }

	if _, err := s.LoadOrGenerate(); err != nil {
		t.Fatalf("LoadOrGenerate failed: %v", err)
	}
	if _, err := s.Rotate(); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	clock = base.Add(2 * time.Hour)
	if _, err := s.Rotate(); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	// One day past the first rotation, only the second entry survives.
	clock = base.Add(25 * time.Hour)
	removed, err := s.PruneHistory()
	if err != nil {
		t.Fatalf("PruneHistory failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 pruned entry, got %d", removed)
	}

	data, err := os.ReadFile(s.historyPath)
	if err != nil {
		t.Fatalf("failed to read history: %v", err)
	}
	lines := strings.Fields(string(data))
	if len(lines) != 1 {
		t.Errorf("expected 1 surviving history line, got %d", len(lines))
	}

	// Nothing left to prune.
	removed, err = s.PruneHistory()
	if err != nil {
		t.Fatalf("PruneHistory failed: %v", err)
	}
	if removed != 0 {
		t.Errorf("expected no-op prune, got %d", removed)
	}
}

func TestStore_LastRotated(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	if _, ok := s.LastRotated(); ok {
		t.Errorf("expected no rotation before any Rotate call")
	}

	if _, err := s.LoadOrGenerate(); err != nil {
		t.Fatalf("LoadOrGenerate failed: %v", err)
	}
	if _, err := s.Rotate(); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	got, ok := s.LastRotated()
	if !ok {
		t.Fatalf("expected a rotation timestamp")
	}
	if !got.Equal(time.Unix(base.Unix(), 0)) {
		t.Errorf("expected rotation at %v, got %v", base, got)
	}
}

func TestStore_CorruptHistoryLine(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	if _, err := s.LoadOrGenerate(); err != nil {
		t.Fatalf("LoadOrGenerate failed: %v", err)
	}
	old, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := s.Rotate(); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	// Corrupt the file by prepending garbage; the valid line must survive.
	data, err := os.ReadFile(s.historyPath)
	if err != nil {
		t.Fatalf("failed to read history: %v", err)
	}
	corrupted := append([]byte("garbage-no-colon\nnotanumber:beef\n"), data...)
	if err := os.WriteFile(s.historyPath, corrupted, 0o600); err != nil {
		t.Fatalf("failed to write history: %v", err)
	}

	entries, err := s.ValidSecrets()
	if err != nil {
		t.Fatalf("ValidSecrets failed: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Value == old {
			found = true
		}
	}
	if !found {
		t.Errorf("valid history entry lost among corrupt lines")
	}
}
