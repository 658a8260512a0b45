// Package auth authenticates every message on the byfrost channel.
//
// # Architecture
//
// Three layers cooperate:
//
//   - Authenticator signs and verifies individual messages with one secret:
//     HMAC-SHA256 over a canonical serialization, a timestamp bound to a
//     replay window, and a single-use nonce.
//   - Guard tracks authentication failures per peer source and locks a
//     source out after repeated failures inside a sliding window.
//   - VerifierSet holds the authenticators for every currently-valid secret
//     (the active one plus any still inside the rotation grace period),
//     consults the Guard, and records outcomes in the audit log.
//
// The canonical form of a message is its JSON object serialized with sorted
// keys and no insignificant whitespace, minus the signature field. Signing
// and verification both derive it the same way, so byte-level agreement
// between peers follows from both sides speaking JSON objects.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"sync"
	"time"
)

// Reason classifies an authentication outcome.
type Reason string

// Authentication failure reasons, in the order verification checks them.
const (
	ReasonOK               Reason = "ok"
	ReasonMissingSignature Reason = "MISSING_SIGNATURE"
	ReasonMissingTimestamp Reason = "MISSING_TIMESTAMP"
	ReasonExpired          Reason = "EXPIRED"
	ReasonMissingNonce     Reason = "MISSING_NONCE"
	ReasonReplayed         Reason = "REPLAYED"
	ReasonInvalidSignature Reason = "INVALID_SIGNATURE"
	ReasonLockedOut        Reason = "LOCKED_OUT"
)

// Authentication defaults.
const (
	// DefaultReplayWindow is how far a message timestamp may differ from
	// local time in either direction.
	DefaultReplayWindow = 60 * time.Second
	// DefaultMaxNonces caps the nonce cache; crossing it prunes nonces
	// older than twice the replay window.
	DefaultMaxNonces = 10000
)

// Names of the authentication fields attached to every signed message.
const (
	fieldSignature = "signature"
	fieldTimestamp = "timestamp"
	fieldNonce     = "nonce"
)

// nonceSize is the random nonce length in bytes before hex encoding.
const nonceSize = 16

// Config holds authentication settings.
type Config struct {
	// ReplayWindow bounds acceptable timestamp skew. Defaults to
	// DefaultReplayWindow.
	ReplayWindow time.Duration

	// MaxNonces caps the per-secret nonce cache. Defaults to
	// DefaultMaxNonces.
	MaxNonces int

	// Logger for diagnostics. Defaults to stderr.
	Logger *log.Logger
}

// DefaultConfig returns the default authentication configuration.
func DefaultConfig() *Config {
	return &Config{
		ReplayWindow: DefaultReplayWindow,
		MaxNonces:    DefaultMaxNonces,
		Logger:       log.New(os.Stderr, "[auth] ", log.LstdFlags),
	}
}

func (c *Config) withDefaults() *Config {
	out := &Config{}
	if c != nil {
		*out = *c
	}
	if out.ReplayWindow <= 0 {
		out.ReplayWindow = DefaultReplayWindow
	}
	if out.MaxNonces <= 0 {
		out.MaxNonces = DefaultMaxNonces
	}
	if out.Logger == nil {
		out.Logger = log.New(os.Stderr, "[auth] ", log.LstdFlags)
	}
	return out
}

// Authenticator signs and verifies messages with a single shared secret.
// It is safe for concurrent use.
type Authenticator struct {
	secret    []byte
	window    time.Duration
	maxNonces int
	logger    *log.Logger

	mu     sync.Mutex
	nonces map[string]time.Time // nonce -> time first seen

	now func() time.Time
}

// NewAuthenticator returns an Authenticator for the given secret.
func NewAuthenticator(secret string, config *Config) *Authenticator {
	cfg := config.withDefaults()
	return &Authenticator{
		secret:    []byte(secret),
		window:    cfg.ReplayWindow,
		maxNonces: cfg.MaxNonces,
		logger:    cfg.Logger,
		nonces:    make(map[string]time.Time),
		now:       time.Now,
	}
}

// Sign attaches a timestamp, a fresh nonce, and a signature to msg and
// returns the wire bytes. msg must marshal to a JSON object.
func (a *Authenticator) Sign(msg any) ([]byte, error) {
	fields, err := messageFields(msg)
	if err != nil {
		return nil, err
	}
	fields[fieldTimestamp] = unixSeconds(a.now())
	nonce, err := newNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	fields[fieldNonce] = nonce
	fields[fieldSignature] = a.computeMAC(fields)

	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize signed message: %w", err)
	}
	return raw, nil
}

// Verify checks a parsed message against this authenticator's secret. The
// checks run in a fixed order and the first failure wins: signature present,
// timestamp present, timestamp inside the replay window, nonce present,
// nonce unused, signature valid. A successful verification consumes the
// nonce.
func (a *Authenticator) Verify(fields map[string]any) (bool, Reason) {
	sig, ok := stringField(fields, fieldSignature)
	if !ok || sig == "" {
		return false, ReasonMissingSignature
	}
	ts, ok := numberField(fields, fieldTimestamp)
	if !ok {
		return false, ReasonMissingTimestamp
	}
	if math.Abs(unixSeconds(a.now())-ts) > a.window.Seconds() {
		return false, ReasonExpired
	}
	nonce, ok := stringField(fields, fieldNonce)
	if !ok || nonce == "" {
		return false, ReasonMissingNonce
	}

	a.mu.Lock()
	_, seen := a.nonces[nonce]
	a.mu.Unlock()
	if seen {
		return false, ReasonReplayed
	}

	expected := a.computeMAC(fields)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return false, ReasonInvalidSignature
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, seen := a.nonces[nonce]; seen {
		// Lost the race to a concurrent verification of the same nonce.
		return false, ReasonReplayed
	}
	a.nonces[nonce] = a.now()
	if len(a.nonces) > a.maxNonces {
		a.pruneNoncesLocked()
	}
	return true, ReasonOK
}

// VerifyRaw parses raw wire bytes and verifies them. It exists for callers
// that do not need the parsed fields afterwards.
func (a *Authenticator) VerifyRaw(raw []byte) (bool, Reason) {
	fields, err := ParseObject(raw)
	if err != nil {
		return false, ReasonMissingSignature
	}
	return a.Verify(fields)
}

// computeMAC returns the hex HMAC-SHA256 of the canonical form of fields.
func (a *Authenticator) computeMAC(fields map[string]any) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write(canonicalBytes(fields))
	return hex.EncodeToString(mac.Sum(nil))
}

// pruneNoncesLocked drops nonces old enough that the replay window already
// rejects their messages. Caller holds a.mu.
func (a *Authenticator) pruneNoncesLocked() {
	cutoff := a.now().Add(-2 * a.window)
	for nonce, seen := range a.nonces {
		if seen.Before(cutoff) {
			delete(a.nonces, nonce)
		}
	}
}

// nonceCount reports the cache size. Used by tests.
func (a *Authenticator) nonceCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.nonces)
}

// ParseObject parses raw bytes as a JSON object. A non-object payload is an
// error; authentication operates on objects only.
func ParseObject(raw []byte) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("message is not a JSON object")
	}
	return fields, nil
}

// canonicalBytes serializes fields minus the signature in the canonical
// form both peers sign: encoding/json writes object keys sorted and without
// extra whitespace, so marshaling the map is sufficient.
func canonicalBytes(fields map[string]any) []byte {
	if _, ok := fields[fieldSignature]; ok {
		trimmed := make(map[string]any, len(fields)-1)
		for k, v := range fields {
			if k != fieldSignature {
				trimmed[k] = v
			}
		}
		fields = trimmed
	}
	// Values came from json.Unmarshal or a struct marshal, so re-marshaling
	// cannot fail.
	raw, _ := json.Marshal(fields)
	return raw
}

// messageFields converts msg to its JSON object form.
func messageFields(msg any) (map[string]any, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("message is not a JSON object: %w", err)
	}
	return fields, nil
}

func newNonce() (string, error) {
	buf := make([]byte, nonceSize)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func stringField(fields map[string]any, key string) (string, bool) {
	v, ok := fields[key].(string)
	return v, ok
}

func numberField(fields map[string]any, key string) (float64, bool) {
	v, ok := fields[key].(float64)
	return v, ok
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
