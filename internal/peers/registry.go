// Package peers keeps a small registry of known remote machines, so a
// controller can dial a peer by name instead of by URL.
package peers

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

const registryFileName = "peers.toml"

// Peer is one known remote machine.
type Peer struct {
	// Name is the registry key, e.g. "gpu-box". Not stored in the entry
	// itself.
	Name string `toml:"-"`

	// URL is the peer's websocket endpoint, e.g. ws://10.0.0.5:9784/ws.
	URL string `toml:"url"`

	// Role is the role the remote side plays, when known.
	Role string `toml:"role,omitempty"`

	// Notes is free-form operator text.
	Notes string `toml:"notes,omitempty"`

	// Added is when the peer was registered.
	Added time.Time `toml:"added"`
}

type registryFile struct {
	Peers map[string]Peer `toml:"peers"`
}

// Registry reads and writes the peer registry file. Safe for concurrent
// use within one process.
type Registry struct {
	path string
	mu   sync.Mutex
}

// NewRegistry returns a registry stored at path.
func NewRegistry(path string) *Registry {
	return &Registry{path: path}
}

// DefaultPath returns ~/.byfrost/peers.toml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".byfrost", registryFileName), nil
}

// List returns every registered peer, sorted by name. A missing registry
// file is an empty registry.
func (r *Registry) List() ([]Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := r.load()
	if err != nil {
		return nil, err
	}
	out := make([]Peer, 0, len(file.Peers))
	for name, p := range file.Peers {
		p.Name = name
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get returns the named peer.
func (r *Registry) Get(name string) (Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := r.load()
	if err != nil {
		return Peer{}, err
	}
	p, ok := file.Peers[name]
	if !ok {
		return Peer{}, fmt.Errorf("unknown peer: %s", name)
	}
	p.Name = name
	return p, nil
}

// Add registers a new peer. Adding a name that already exists is an error;
// remove it first.
func (r *Registry) Add(p Peer) error {
	if err := validate(p); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := r.load()
	if err != nil {
		return err
	}
	if _, exists := file.Peers[p.Name]; exists {
		return fmt.Errorf("peer already registered: %s", p.Name)
	}
	if p.Added.IsZero() {
		p.Added = time.Now().UTC()
	}
	name := p.Name
	p.Name = ""
	file.Peers[name] = p
	return r.save(file)
}

// Remove deletes the named peer.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := r.load()
	if err != nil {
		return err
	}
	if _, ok := file.Peers[name]; !ok {
		return fmt.Errorf("unknown peer: %s", name)
	}
	delete(file.Peers, name)
	return r.save(file)
}

// Resolve turns a peer reference into a dialable URL. A reference that
// already looks like a URL passes through; anything else is looked up by
// name.
func (r *Registry) Resolve(ref string) (string, error) {
	if strings.Contains(ref, "://") {
		return ref, nil
	}
	p, err := r.Get(ref)
	if err != nil {
		return "", err
	}
	return p.URL, nil
}

func (r *Registry) load() (*registryFile, error) {
	file := &registryFile{Peers: make(map[string]Peer)}
	if _, err := toml.DecodeFile(r.path, file); err != nil {
		if os.IsNotExist(err) {
			return file, nil
		}
		return nil, fmt.Errorf("failed to read peer registry: %w", err)
	}
	if file.Peers == nil {
		file.Peers = make(map[string]Peer)
	}
	return file, nil
}

func (r *Registry) save(file *registryFile) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(file); err != nil {
		return fmt.Errorf("failed to encode peer registry: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write peer registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write peer registry: %w", err)
	}
	return nil
}

func validate(p Peer) error {
	if p.Name == "" {
		return fmt.Errorf("peer name cannot be empty")
	}
	if strings.ContainsAny(p.Name, "/\\ ") {
		return fmt.Errorf("invalid peer name: %q", p.Name)
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return fmt.Errorf("invalid peer URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("peer URL must use ws:// or wss://, got %q", p.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("peer URL has no host: %s", p.URL)
	}
	return nil
}
