package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pelletier/go-toml/v2"

	"github.com/strombase/dmapool/internal/dmabuf"
)

// Config represents the ~/.dmapool/config.toml file.
type Config struct {
	Group        string `toml:"group,omitempty" json:"group"`
	InstanceID   int    `toml:"instance_id,omitempty" json:"instance_id"`
	SegmentSize  int64  `toml:"segment_size,omitempty" json:"segment_size"`
	MaxSegments  int    `toml:"max_segments,omitempty" json:"max_segments"`
	MinSegments  int    `toml:"min_segments,omitempty" json:"min_segments"`
	DeviceMemory int64  `toml:"device_memory,omitempty" json:"device_memory"`
	Pin          string `toml:"pin,omitempty" json:"pin"`
	DebugPoison  bool   `toml:"debug_poison,omitempty" json:"debug_poison"`
}

// Defaults returns the configuration used when config.toml is absent.
// MinSegments -1 means "derive from device_memory".
func Defaults() *Config {
	return &Config{
		Group:       "dmapool",
		InstanceID:  0,
		SegmentSize: 256 << 20,
		MaxSegments: 32,
		MinSegments: -1,
		Pin:         "none",
	}
}

// configDirOverride is set from the --config-dir flag via SetConfigDir.
// DMAPOOL_HOME is read separately by Home.
var configDirOverride string

// SetConfigDir allows the CLI to pass in the --config-dir value.
func SetConfigDir(dir string) {
	configDirOverride = dir
}

// Home returns the config directory path.
// Precedence: --config-dir flag / SetConfigDir > DMAPOOL_HOME env > ~/.dmapool
func Home() string {
	if configDirOverride != "" {
		return configDirOverride
	}
	if v := os.Getenv("DMAPOOL_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".dmapool")
	}
	return filepath.Join(home, ".dmapool")
}

// Path returns the full path to config.toml.
func Path() string {
	return filepath.Join(Home(), "config.toml")
}

// EnsureDir creates the config directory if it does not exist.
func EnsureDir() error {
	return os.MkdirAll(Home(), 0o755)
}

// Load reads config.toml over the defaults. A missing file returns the
// defaults unchanged.
func Load() (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(Path())
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config.toml: %w", err)
	}
	return cfg, nil
}

// Save writes the Config struct back to config.toml.
func Save(cfg *Config) error {
	if err := EnsureDir(); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(Path(), data, 0o644)
}

// Validate checks the pool geometry.
func (c *Config) Validate() error {
	if c.Group == "" {
		return fmt.Errorf("group must not be empty")
	}
	if c.SegmentSize < dmabuf.MinSegmentSize || c.SegmentSize > dmabuf.MaxSegmentSize {
		return fmt.Errorf("segment_size %d out of range [%d, %d]",
			c.SegmentSize, int64(dmabuf.MinSegmentSize), int64(dmabuf.MaxSegmentSize))
	}
	if c.SegmentSize&(c.SegmentSize-1) != 0 {
		return fmt.Errorf("segment_size %d is not a power of two", c.SegmentSize)
	}
	if pg := int64(os.Getpagesize()); c.SegmentSize%pg != 0 {
		return fmt.Errorf("segment_size %d is not a multiple of the page size %d", c.SegmentSize, pg)
	}
	if c.MaxSegments < 1 {
		return fmt.Errorf("max_segments must be at least 1")
	}
	if c.MinSegments > c.MaxSegments {
		return fmt.Errorf("min_segments %d exceeds max_segments %d", c.MinSegments, c.MaxSegments)
	}
	switch c.Pin {
	case "", "none", "mlock":
	default:
		return fmt.Errorf("unknown pin mode %q (want none or mlock)", c.Pin)
	}
	return nil
}

// EffectiveMinSegments resolves min_segments, deriving it from
// device_memory when set to -1.
func (c *Config) EffectiveMinSegments() int {
	if c.MinSegments >= 0 {
		return c.MinSegments
	}
	n := DerivedMinSegments(c.DeviceMemory, c.SegmentSize)
	if n > c.MaxSegments {
		n = c.MaxSegments
	}
	return n
}

// DerivedMinSegments sizes the persistent segment count from the
// attached device memory: none of the first 4 GiB, two thirds of the
// next 6 GiB, half of the next 6 GiB, and a third of everything beyond
// 16 GiB.
func DerivedMinSegments(deviceMemory, segmentSize int64) int {
	const gib = int64(1) << 30
	if deviceMemory <= 4*gib || segmentSize <= 0 {
		return 0
	}
	var pinnable int64
	if over := min(deviceMemory, 10*gib) - 4*gib; over > 0 {
		pinnable += over * 2 / 3
	}
	if over := min(deviceMemory, 16*gib) - 10*gib; over > 0 {
		pinnable += over / 2
	}
	if over := deviceMemory - 16*gib; over > 0 {
		pinnable += over / 3
	}
	return int(pinnable / segmentSize)
}

// validKeys lists the keys that can be used with Get/Set.
var validKeys = map[string]bool{
	"group":         true,
	"instance_id":   true,
	"segment_size":  true,
	"max_segments":  true,
	"min_segments":  true,
	"device_memory": true,
	"pin":           true,
	"debug_poison":  true,
}

// Get retrieves a single config value by key.
func Get(key string) (string, error) {
	if !validKeys[key] {
		return "", fmt.Errorf("unknown config key: %s", key)
	}
	cfg, err := Load()
	if err != nil {
		return "", err
	}
	switch key {
	case "group":
		return cfg.Group, nil
	case "instance_id":
		return strconv.Itoa(cfg.InstanceID), nil
	case "segment_size":
		return strconv.FormatInt(cfg.SegmentSize, 10), nil
	case "max_segments":
		return strconv.Itoa(cfg.MaxSegments), nil
	case "min_segments":
		return strconv.Itoa(cfg.MinSegments), nil
	case "device_memory":
		return strconv.FormatInt(cfg.DeviceMemory, 10), nil
	case "pin":
		return cfg.Pin, nil
	case "debug_poison":
		return strconv.FormatBool(cfg.DebugPoison), nil
	}
	return "", fmt.Errorf("unknown config key: %s", key)
}

// Set updates a single config value by key and saves the file.
func Set(key, value string) error {
	if !validKeys[key] {
		return fmt.Errorf("unknown config key: %s", key)
	}
	cfg, err := Load()
	if err != nil {
		return err
	}
	switch key {
	case "group":
		cfg.Group = value
	case "pin":
		cfg.Pin = value
	case "instance_id", "max_segments", "min_segments":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s wants an integer: %w", key, err)
		}
		switch key {
		case "instance_id":
			cfg.InstanceID = n
		case "max_segments":
			cfg.MaxSegments = n
		case "min_segments":
			cfg.MinSegments = n
		}
	case "segment_size", "device_memory":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%s wants a byte count: %w", key, err)
		}
		if key == "segment_size" {
			cfg.SegmentSize = n
		} else {
			cfg.DeviceMemory = n
		}
	case "debug_poison":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("debug_poison wants a boolean: %w", err)
		}
		cfg.DebugPoison = b
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return Save(cfg)
}

// PoolConfig converts the file configuration into the allocator's
// configuration for a process in the given role.
func (c *Config) PoolConfig(supervisor bool) dmabuf.Config {
	return dmabuf.Config{
		Group:       c.Group,
		InstanceID:  c.InstanceID,
		SegmentSize: uint64(c.SegmentSize),
		MaxSegments: c.MaxSegments,
		MinSegments: c.EffectiveMinSegments(),
		Supervisor:  supervisor,
		DebugPoison: c.DebugPoison,
	}
}
