package cache

import (
	"errors"
	"fmt"
)

// Mode selects the cache backend.
type Mode string

// Cache modes.
const (
	// ModeSingle uses an in-process ristretto cache.
	ModeSingle Mode = "single"
	// ModeHA uses olric so that records are shared between instances.
	ModeHA Mode = "ha"
	// ModeDisabled turns caching off.
	ModeDisabled Mode = "disabled"
)

// Config selects and configures a cache backend.
type Config struct {
	Mode      Mode            `yaml:"mode" toml:"mode"`
	Olric     OlricConfig     `yaml:"olric" toml:"olric"`
	Ristretto RistrettoConfig `yaml:"ristretto" toml:"ristretto"`
}

// RistrettoConfig sizes the in-process cache. Cost is measured in bytes.
type RistrettoConfig struct {
	NumCounters int64 `yaml:"num_counters" toml:"num_counters"`
	MaxCost     int64 `yaml:"max_cost" toml:"max_cost"`
	BufferItems int64 `yaml:"buffer_items" toml:"buffer_items"`
}

// OlricConfig configures the olric backend. With Embedded set the gateway runs
// an olric node in-process and joins Peers; otherwise it dials Addresses.
type OlricConfig struct {
	DMapName  string   `yaml:"dmap_name" toml:"dmap_name"`
	BindAddr  string   `yaml:"bind_addr" toml:"bind_addr"`
	Addresses []string `yaml:"addresses" toml:"addresses"`
	Peers     []string `yaml:"peers" toml:"peers"`
	Embedded  bool     `yaml:"embedded" toml:"embedded"`
}

// Validate checks the configuration for the selected mode.
// An empty mode is treated as ModeSingle.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeSingle, "":
		if c.Ristretto.MaxCost <= 0 {
			return errors.New("cache: ristretto.max_cost must be positive")
		}
		if c.Ristretto.NumCounters <= 0 {
			return errors.New("cache: ristretto.num_counters must be positive")
		}
	case ModeHA:
		if !c.Olric.Embedded && len(c.Olric.Addresses) == 0 {
			return errors.New("cache: olric.addresses required when not embedded")
		}
		if c.Olric.Embedded && c.Olric.BindAddr == "" {
			return errors.New("cache: olric.bind_addr required when embedded")
		}
	case ModeDisabled:
	default:
		return fmt.Errorf("cache: unknown mode %q", c.Mode)
	}
	return nil
}

// ApplyDefaults fills unset sizes with defaults.
func (c *Config) ApplyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeSingle
	}
	def := DefaultRistrettoConfig()
	if c.Ristretto.NumCounters <= 0 {
		c.Ristretto.NumCounters = def.NumCounters
	}
	if c.Ristretto.MaxCost <= 0 {
		c.Ristretto.MaxCost = def.MaxCost
	}
	if c.Ristretto.BufferItems <= 0 {
		c.Ristretto.BufferItems = def.BufferItems
	}
	if c.Olric.DMapName == "" {
		c.Olric.DMapName = DefaultOlricConfig().DMapName
	}
}

// DefaultRistrettoConfig sizes the cache for roughly a hundred thousand quota records.
func DefaultRistrettoConfig() RistrettoConfig {
	return RistrettoConfig{
		NumCounters: 1_000_000,
		MaxCost:     32 << 20,
		BufferItems: 64,
	}
}

// DefaultOlricConfig returns the default olric settings.
func DefaultOlricConfig() OlricConfig {
	return OlricConfig{
		DMapName: "llm-gateway-quota",
	}
}
