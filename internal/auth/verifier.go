package auth

import (
	"fmt"
	"sync"
	"time"

	"github.com/steveyegge/byfrost/internal/audit"
)

// Secret is one shared secret the verifier accepts, with the moment it
// stops being valid. A zero ExpiresAt means the secret does not expire;
// the active secret always has a zero ExpiresAt.
type Secret struct {
	Value     string
	ExpiresAt time.Time
}

// VerifierSet authenticates messages against every currently-valid secret.
// During a rotation grace period it holds the new secret plus the old one,
// so in-flight messages signed before the rotation still verify. Outbound
// messages are always signed with the active secret.
//
// The set is safe for concurrent use and can be rebuilt with SetSecrets
// while traffic is flowing; nonce caches survive a rebuild for secrets that
// remain in the set.
type VerifierSet struct {
	guard  *Guard
	audit  *audit.Logger
	config *Config

	mu      sync.RWMutex
	entries []verifierEntry // active secret first

	now func() time.Time
}

type verifierEntry struct {
	secret    string
	auth      *Authenticator
	expiresAt time.Time
}

// NewVerifierSet returns a VerifierSet with no secrets loaded. guard must
// not be nil; auditLog may be nil.
func NewVerifierSet(guard *Guard, auditLog *audit.Logger, config *Config) *VerifierSet {
	return &VerifierSet{
		guard:  guard,
		audit:  auditLog,
		config: config.withDefaults(),
		now:    time.Now,
	}
}

// SetSecrets replaces the secret set. The first secret is the active one
// used for signing. Authenticators are reused for secrets already in the
// set, which keeps their nonce caches intact across rotation sweeps.
func (v *VerifierSet) SetSecrets(secrets []Secret) {
	v.mu.Lock()
	defer v.mu.Unlock()

	existing := make(map[string]*Authenticator, len(v.entries))
	for _, e := range v.entries {
		existing[e.secret] = e.auth
	}

	entries := make([]verifierEntry, 0, len(secrets))
	for _, s := range secrets {
		a := existing[s.Value]
		if a == nil {
			a = NewAuthenticator(s.Value, v.config)
			a.now = v.now
		}
		entries = append(entries, verifierEntry{
			secret:    s.Value,
			auth:      a,
			expiresAt: s.ExpiresAt,
		})
	}
	v.entries = entries
}

// Sign signs msg with the active secret.
func (v *VerifierSet) Sign(msg any) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if len(v.entries) == 0 {
		return nil, fmt.Errorf("no signing secret configured")
	}
	return v.entries[0].auth.Sign(msg)
}

// Authenticate verifies a parsed message from the given peer source.
//
// A locked-out source is rejected before any verification work. Otherwise
// each currently-valid secret is tried in order; the first success clears
// the source's failure state and is recorded in the audit log. When every
// secret fails, one failure is charged to the source with the last failure
// reason, and a newly-triggered lockout is recorded too.
func (v *VerifierSet) Authenticate(fields map[string]any, source string) (bool, Reason) {
	if v.guard.IsLocked(source) {
		return false, ReasonLockedOut
	}

	now := v.now()
	v.mu.RLock()
	live := make([]*Authenticator, 0, len(v.entries))
	for _, e := range v.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			continue
		}
		live = append(live, e.auth)
	}
	v.mu.RUnlock()

	reason := ReasonInvalidSignature
	for _, a := range live {
		ok, r := a.Verify(fields)
		if ok {
			v.guard.RecordSuccess(source)
			v.audit.AuthSuccess(source)
			return true, ReasonOK
		}
		reason = r
	}

	locked := v.guard.RecordFailure(source)
	v.audit.AuthFailure(source, string(reason))
	if locked {
		v.config.Logger.Printf("locking out %s after repeated authentication failures", source)
		v.audit.Lockout(source, v.guard.LockoutDuration())
	}
	return false, reason
}

// AuthenticateRaw parses raw wire bytes and authenticates them, returning
// the parsed fields on success.
func (v *VerifierSet) AuthenticateRaw(raw []byte, source string) (map[string]any, Reason, error) {
	fields, err := ParseObject(raw)
	if err != nil {
		return nil, ReasonOK, err
	}
	ok, reason := v.Authenticate(fields, source)
	if !ok {
		return nil, reason, nil
	}
	return fields, ReasonOK, nil
}

// Len reports how many secrets the set currently holds, expired or not.
func (v *VerifierSet) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.entries)
}
