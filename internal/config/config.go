// Package config handles adapter configuration loading.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/obadapter/config.yaml,
// /etc/obadapter/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "obadapter", "config.yaml"))
	}

	paths = append(paths, "/etc/obadapter/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise, searches DefaultSearchPaths and returns the first
// that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all adapter configuration.
type Config struct {
	Listen        ListenConfig `yaml:"listen"`
	LogLevel      string       `yaml:"log_level"`
	APITimeoutSec float64      `yaml:"api_timeout_sec"`
	V11           V11Config    `yaml:"onebot_v11"`
	V12           V12Config    `yaml:"onebot_v12"`
}

// ListenConfig defines the inbound HTTP/WebSocket server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // default: 8080
}

// V11Config holds the OneBot v11 connection options.
type V11Config struct {
	// AccessToken validates inbound connections and authenticates
	// outbound ones (Bearer).
	AccessToken string `yaml:"access_token"`
	// Secret is the HMAC-SHA1 key for inbound HTTP signatures.
	Secret string `yaml:"secret"`
	// WSURLs are reverse-WebSocket targets the adapter dials.
	WSURLs []string `yaml:"ws_urls"`
	// APIRoots maps self_id to an HTTP API root URL.
	APIRoots map[string]string `yaml:"api_roots"`
	// Nicknames feed the to-me nickname detection on inbound messages.
	Nicknames []string `yaml:"nicknames"`
}

// V12Config holds the OneBot v12 connection options.
type V12Config struct {
	AccessToken string            `yaml:"access_token"`
	WSURLs      []string          `yaml:"ws_urls"`
	APIRoots    map[string]string `yaml:"api_roots"`
	// UseMsgpack selects MessagePack encoding for outbound actions,
	// globally or per implementation name.
	UseMsgpack MsgpackMode `yaml:"use_msgpack"`
	Nicknames  []string    `yaml:"nicknames"`
}

// MsgpackMode is a YAML value that is either a plain boolean or a map
// from implementation name to boolean, because implementations vary in
// their MessagePack support.
type MsgpackMode struct {
	all     bool
	perImpl map[string]bool
}

// Enabled reports whether MessagePack should be used for the given
// implementation.
func (m MsgpackMode) Enabled(impl string) bool {
	if m.perImpl != nil {
		return m.perImpl[impl]
	}
	return m.all
}

// MsgpackForAll returns a mode enabling MessagePack unconditionally.
// Used by tests and programmatic construction.
func MsgpackForAll(on bool) MsgpackMode { return MsgpackMode{all: on} }

// MsgpackPerImpl returns a per-implementation mode.
func MsgpackPerImpl(m map[string]bool) MsgpackMode { return MsgpackMode{perImpl: m} }

func (m *MsgpackMode) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var b bool
		if err := value.Decode(&b); err != nil {
			return fmt.Errorf("use_msgpack: %w", err)
		}
		*m = MsgpackMode{all: b}
		return nil
	case yaml.MappingNode:
		var per map[string]bool
		if err := value.Decode(&per); err != nil {
			return fmt.Errorf("use_msgpack: %w", err)
		}
		*m = MsgpackMode{perImpl: per}
		return nil
	}
	return fmt.Errorf("use_msgpack: expected bool or map, got yaml kind %d", value.Kind)
}

// APITimeout returns the configured action-call timeout, defaulting to
// 30 seconds.
func (c *Config) APITimeout() time.Duration {
	if c.APITimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.APITimeoutSec * float64(time.Second))
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks URL syntax and fills defaults.
func (c *Config) Validate() error {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	for _, u := range append(append([]string{}, c.V11.WSURLs...), c.V12.WSURLs...) {
		parsed, err := url.Parse(u)
		if err != nil {
			return fmt.Errorf("bad ws url %q: %w", u, err)
		}
		if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
			return fmt.Errorf("bad ws url %q: scheme must be ws or wss", u)
		}
	}
	for id, root := range c.V11.APIRoots {
		if _, err := url.Parse(root); err != nil {
			return fmt.Errorf("bad api root for %s: %w", id, err)
		}
	}
	for id, root := range c.V12.APIRoots {
		if _, err := url.Parse(root); err != nil {
			return fmt.Errorf("bad api root for %s: %w", id, err)
		}
	}
	return nil
}
