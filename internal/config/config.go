package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	TileSize int       `yaml:"tile_size"`
	Spawn    SpawnSpec `yaml:"spawn"`

	// Palette restricts placeable block types. Empty means any non-empty type.
	Palette []string `yaml:"palette,omitempty"`

	MaxUsernameLen  int `yaml:"max_username_len"`
	MaxWorldNameLen int `yaml:"max_world_name_len"`

	// Worlds are created at startup so they show up in metrics before anyone joins.
	Worlds []string `yaml:"worlds,omitempty"`

	Transport TransportSpec `yaml:"transport"`

	SnapshotEverySeconds int `yaml:"snapshot_every_seconds"`
}

type SpawnSpec struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
}

type TransportSpec struct {
	MaxQueue        int  `yaml:"max_queue"`
	ReadTimeoutSec  int  `yaml:"read_timeout_sec"`
	WriteTimeoutSec int  `yaml:"write_timeout_sec"`
	PingEverySec    int  `yaml:"ping_every_sec"`
	MaxMessageBytes int  `yaml:"max_message_bytes"`
	AllowAnyOrigin  bool `yaml:"allow_any_origin"`
}

func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("server.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("server.yaml: %w", err)
	}
	return cfg, nil
}

func Defaults() Config {
	return Config{
		TileSize:        32,
		Spawn:           SpawnSpec{X: 100, Y: 100},
		MaxUsernameLen:  32,
		MaxWorldNameLen: 64,
		Transport: TransportSpec{
			MaxQueue:        64,
			ReadTimeoutSec:  60,
			WriteTimeoutSec: 5,
			PingEverySec:    25,
			MaxMessageBytes: 4096,
			AllowAnyOrigin:  true,
		},
		SnapshotEverySeconds: 60,
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	d := Defaults()
	if c.TileSize == 0 {
		c.TileSize = d.TileSize
	}
	if c.MaxUsernameLen == 0 {
		c.MaxUsernameLen = d.MaxUsernameLen
	}
	if c.MaxWorldNameLen == 0 {
		c.MaxWorldNameLen = d.MaxWorldNameLen
	}
	if c.Transport.MaxQueue == 0 {
		c.Transport.MaxQueue = d.Transport.MaxQueue
	}
	if c.Transport.ReadTimeoutSec == 0 {
		c.Transport.ReadTimeoutSec = d.Transport.ReadTimeoutSec
	}
	if c.Transport.WriteTimeoutSec == 0 {
		c.Transport.WriteTimeoutSec = d.Transport.WriteTimeoutSec
	}
	if c.Transport.PingEverySec == 0 {
		c.Transport.PingEverySec = d.Transport.PingEverySec
	}
	if c.Transport.MaxMessageBytes == 0 {
		c.Transport.MaxMessageBytes = d.Transport.MaxMessageBytes
	}

	palette := make([]string, 0, len(c.Palette))
	seen := map[string]bool{}
	for _, p := range c.Palette {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		palette = append(palette, p)
	}
	sort.Strings(palette)
	c.Palette = palette

	worlds := make([]string, 0, len(c.Worlds))
	seenWorld := map[string]bool{}
	for _, w := range c.Worlds {
		w = strings.TrimSpace(w)
		if w == "" || seenWorld[w] {
			continue
		}
		seenWorld[w] = true
		worlds = append(worlds, w)
	}
	c.Worlds = worlds
}

func (c Config) Validate() error {
	if c.TileSize <= 0 {
		return fmt.Errorf("tile_size must be > 0")
	}
	if c.MaxUsernameLen <= 0 {
		return fmt.Errorf("max_username_len must be > 0")
	}
	if c.MaxWorldNameLen <= 0 {
		return fmt.Errorf("max_world_name_len must be > 0")
	}
	for _, w := range c.Worlds {
		if len(w) > c.MaxWorldNameLen {
			return fmt.Errorf("world %q exceeds max_world_name_len", w)
		}
	}
	if c.Transport.MaxQueue <= 0 || c.Transport.MaxQueue > 4096 {
		return fmt.Errorf("transport.max_queue must be in (0, 4096]")
	}
	if c.Transport.ReadTimeoutSec < 0 || c.Transport.WriteTimeoutSec < 0 {
		return fmt.Errorf("transport timeouts must be >= 0")
	}
	if c.Transport.PingEverySec >= c.Transport.ReadTimeoutSec {
		return fmt.Errorf("transport.ping_every_sec must be < read_timeout_sec")
	}
	if c.Transport.MaxMessageBytes < 256 {
		return fmt.Errorf("transport.max_message_bytes must be >= 256")
	}
	if c.SnapshotEverySeconds < 0 {
		return fmt.Errorf("snapshot_every_seconds must be >= 0")
	}
	return nil
}

// AllowsBlock reports whether t may be placed under this config's palette.
func (c Config) AllowsBlock(t string) bool {
	if strings.TrimSpace(t) == "" {
		return false
	}
	if len(c.Palette) == 0 {
		return true
	}
	i := sort.SearchStrings(c.Palette, t)
	return i < len(c.Palette) && c.Palette[i] == t
}
