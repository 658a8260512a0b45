// Package protocol defines the wire messages exchanged between a byfrost
// controller and worker.
//
// Every message travels as one JSON object carrying a "type" field plus the
// authentication fields attached by the auth package (timestamp, nonce,
// signature). File synchronization uses file.sync and file.changed; ping and
// pong provide an application-level liveness check; error carries transport
// replies. Kinds this package does not know decode into Unknown so an older
// peer keeps working when a newer one adds message types.
package protocol

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Wire message kinds.
const (
	KindFileSync    = "file.sync"
	KindFileChanged = "file.changed"
	KindPing        = "ping"
	KindPong        = "pong"
	KindError       = "error"
)

// Message is the tagged union over the known wire message kinds.
type Message interface {
	// Kind returns the wire value of the message's type field.
	Kind() string
}

// FileSync carries one file's full content to the peer.
type FileSync struct {
	Type     string  `json:"type"`
	Path     string  `json:"path"`     // slash-separated, relative to the sync root
	Data     string  `json:"data"`     // standard base64 of the file bytes
	Checksum string  `json:"checksum"` // lowercase hex SHA-256 of the decoded bytes
	Mtime    float64 `json:"mtime"`    // modification time, seconds since epoch
}

// Kind implements Message.
func (FileSync) Kind() string { return KindFileSync }

// NewFileSync builds a file.sync message for the given content, filling in
// the encoded payload and its checksum.
func NewFileSync(path string, data []byte, mtime time.Time) FileSync {
	return FileSync{
		Type:     KindFileSync,
		Path:     path,
		Data:     base64.StdEncoding.EncodeToString(data),
		Checksum: Checksum(data),
		Mtime:    UnixSeconds(mtime),
	}
}

// Validate checks that the message carries the fields a receiver needs
// before it can be applied. Data may be empty: a zero-length file encodes
// to an empty payload.
func (m *FileSync) Validate() error {
	if m.Path == "" {
		return fmt.Errorf("path is required")
	}
	if m.Checksum == "" {
		return fmt.Errorf("checksum is required")
	}
	return nil
}

// Decode returns the decoded file bytes, or an error when the payload is not
// valid base64.
func (m *FileSync) Decode() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode file data: %w", err)
	}
	return data, nil
}

// FileChanged signals that a path was deleted on the sending side.
type FileChanged struct {
	Type    string `json:"type"`
	Path    string `json:"path"`
	Deleted bool   `json:"deleted"`
}

// Kind implements Message.
func (FileChanged) Kind() string { return KindFileChanged }

// NewFileChanged builds a deletion notice for the given path.
func NewFileChanged(path string) FileChanged {
	return FileChanged{Type: KindFileChanged, Path: path, Deleted: true}
}

// Validate checks the deletion notice is complete.
func (m *FileChanged) Validate() error {
	if m.Path == "" {
		return fmt.Errorf("path is required")
	}
	return nil
}

// Ping is an application-level liveness probe. The receiver answers Pong.
type Ping struct {
	Type string `json:"type"`
}

// Kind implements Message.
func (Ping) Kind() string { return KindPing }

// Pong answers a Ping.
type Pong struct {
	Type string `json:"type"`
}

// Kind implements Message.
func (Pong) Kind() string { return KindPong }

// Error is a transport-level reply describing why a message was not handled.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Kind implements Message.
func (Error) Kind() string { return KindError }

// NewError builds an error reply.
func NewError(message string) Error {
	return Error{Type: KindError, Message: message}
}

// Unknown holds a message whose kind this package does not know. The raw
// bytes are preserved so a higher layer can register its own handling.
type Unknown struct {
	Type string
	Raw  []byte
}

// Kind implements Message.
func (m Unknown) Kind() string { return m.Type }

// Decode parses raw wire bytes into a typed message. Malformed JSON or a
// missing type field is an error; an unrecognized type is not, and yields
// an Unknown message.
func Decode(raw []byte) (Message, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("message has no type field")
	}

	switch head.Type {
	case KindFileSync:
		var m FileSync
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("failed to parse %s message: %w", head.Type, err)
		}
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("invalid %s message: %w", head.Type, err)
		}
		return m, nil
	case KindFileChanged:
		var m FileChanged
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("failed to parse %s message: %w", head.Type, err)
		}
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("invalid %s message: %w", head.Type, err)
		}
		return m, nil
	case KindPing:
		return Ping{Type: KindPing}, nil
	case KindPong:
		return Pong{Type: KindPong}, nil
	case KindError:
		var m Error
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("failed to parse %s message: %w", head.Type, err)
		}
		return m, nil
	default:
		return Unknown{Type: head.Type, Raw: raw}, nil
	}
}

// Checksum returns the lowercase hex SHA-256 digest of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// UnixSeconds converts a time to float seconds since the epoch, the wire
// representation of timestamps and modification times.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// FromUnixSeconds converts float seconds since the epoch back to a time.
func FromUnixSeconds(s float64) time.Time {
	return time.Unix(0, int64(s*1e9))
}
