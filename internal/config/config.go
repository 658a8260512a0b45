// Package config loads byfrost configuration.
//
// Configuration is loaded from a YAML file and may be overridden by
// BYFROST_* environment variables. The file is found through:
//   - an explicit path (--config flag),
//   - the BYFROST_CONFIG environment variable, or
//   - ~/.byfrost/config.yaml
//
// A missing file is not an error; every setting has a default.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/byfrost/internal/auth"
	"github.com/steveyegge/byfrost/internal/daemon"
	"github.com/steveyegge/byfrost/internal/secrets"
	filesync "github.com/steveyegge/byfrost/internal/sync"
	"github.com/steveyegge/byfrost/internal/transport"
)

// EnvPrefix is the prefix for environment overrides, e.g. BYFROST_PEER_URL.
const EnvPrefix = "BYFROST"

// Config is the on-disk configuration for a byfrost daemon.
type Config struct {
	// Role is "worker" (accepts the connection) or "controller" (dials).
	Role string `mapstructure:"role" yaml:"role"`

	// SyncRoot is the directory kept in sync with the peer.
	SyncRoot string `mapstructure:"sync_root" yaml:"sync_root"`

	// Profile is "coordination" or "project".
	Profile string `mapstructure:"profile" yaml:"profile"`

	// StateDir holds the secret, lock, and log files.
	StateDir string `mapstructure:"state_dir" yaml:"state_dir,omitempty"`

	// Listen is the worker's listen address.
	Listen ListenConfig `mapstructure:"listen" yaml:"listen"`

	// PeerURL is the controller's dial target.
	PeerURL string `mapstructure:"peer_url" yaml:"peer_url,omitempty"`

	// SweepInterval is the secret rotation sweep cadence.
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`

	// Debounce is how long a changed file settles before it ships.
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce"`

	// SuppressTTL is how long an applied inbound write suppresses its own
	// watch event.
	SuppressTTL time.Duration `mapstructure:"suppress_ttl" yaml:"suppress_ttl"`

	// ReplayWindow bounds acceptable message timestamp skew.
	ReplayWindow time.Duration `mapstructure:"replay_window" yaml:"replay_window"`

	// Grace is how long a rotated-out secret keeps verifying.
	Grace time.Duration `mapstructure:"grace" yaml:"grace"`

	// Retention is how long rotated-out secrets stay in history.
	Retention time.Duration `mapstructure:"retention" yaml:"retention"`

	// Reconnect shapes the controller's redial backoff.
	Reconnect ReconnectConfig `mapstructure:"reconnect" yaml:"reconnect"`

	// PingInterval is how often the controller probes a quiet link.
	PingInterval time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
}

// ListenConfig is the worker's listen address.
type ListenConfig struct {
	// Host to bind. Empty binds all interfaces.
	Host string `mapstructure:"host" yaml:"host,omitempty"`

	// Port to listen on.
	Port int `mapstructure:"port" yaml:"port"`
}

// ReconnectConfig is the controller's redial backoff shape.
type ReconnectConfig struct {
	// Initial is the first redial delay; it doubles per failure.
	Initial time.Duration `mapstructure:"initial" yaml:"initial"`

	// Max caps the redial delay.
	Max time.Duration `mapstructure:"max" yaml:"max"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Role:          string(daemon.RoleWorker),
		Profile:       daemon.ProfileCoordination,
		Listen:        ListenConfig{Port: transport.DefaultPort},
		SweepInterval: daemon.DefaultSweepInterval,
		Debounce:      filesync.DefaultDebounceDelay,
		SuppressTTL:   filesync.DefaultSuppressTTL,
		ReplayWindow:  auth.DefaultReplayWindow,
		Grace:         secrets.DefaultGracePeriod,
		Retention:     secrets.DefaultRetention,
		Reconnect: ReconnectConfig{
			Initial: transport.DefaultInitialBackoff,
			Max:     transport.DefaultMaxBackoff,
		},
		PingInterval: transport.DefaultPingInterval,
	}
}

// DefaultPath returns ~/.byfrost/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".byfrost", "config.yaml"), nil
}

// Load reads configuration from path. An empty path falls back to
// $BYFROST_CONFIG, then to the default location; a missing default file
// yields the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if defaultPath, err := DefaultPath(); err == nil {
		v.SetConfigFile(defaultPath)
		if err := v.ReadInConfig(); err != nil {
			// The default file is optional.
			if !errors.Is(err, os.ErrNotExist) {
				var notFound viper.ConfigFileNotFoundError
				if !errors.As(err, &notFound) {
					return nil, fmt.Errorf("failed to read config %s: %w", defaultPath, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Write saves the configuration to path with owner-only permissions,
// creating the parent directory when needed.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	header := "# byfrost configuration\n# Environment variables with the BYFROST_ prefix override these values.\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Daemon maps the configuration onto a daemon config. Validation happens
// when the daemon is created.
func (c *Config) Daemon() *daemon.Config {
	return &daemon.Config{
		Role:             daemon.Role(c.Role),
		SyncRoot:         c.SyncRoot,
		Profile:          c.Profile,
		StateDir:         c.StateDir,
		Host:             c.Listen.Host,
		Port:             c.Listen.Port,
		PeerURL:          c.PeerURL,
		SweepInterval:    c.SweepInterval,
		DebounceInterval: c.Debounce,
		SuppressTTL:      c.SuppressTTL,
		ReplayWindow:     c.ReplayWindow,
		GracePeriod:      c.Grace,
		Retention:        c.Retention,
		InitialBackoff:   c.Reconnect.Initial,
		MaxBackoff:       c.Reconnect.Max,
		PingInterval:     c.PingInterval,
	}
}

func setDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault("role", def.Role)
	v.SetDefault("sync_root", "")
	v.SetDefault("profile", def.Profile)
	v.SetDefault("state_dir", "")
	v.SetDefault("listen.host", "")
	v.SetDefault("listen.port", def.Listen.Port)
	v.SetDefault("peer_url", "")
	v.SetDefault("sweep_interval", def.SweepInterval)
	v.SetDefault("debounce", def.Debounce)
	v.SetDefault("suppress_ttl", def.SuppressTTL)
	v.SetDefault("replay_window", def.ReplayWindow)
	v.SetDefault("grace", def.Grace)
	v.SetDefault("retention", def.Retention)
	v.SetDefault("reconnect.initial", def.Reconnect.Initial)
	v.SetDefault("reconnect.max", def.Reconnect.Max)
	v.SetDefault("ping_interval", def.PingInterval)
}

// expandPaths resolves the ~ shorthand in path settings.
func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.SyncRoot, &c.StateDir} {
		expanded, err := expandHome(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
