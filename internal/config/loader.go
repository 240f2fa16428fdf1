package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Format is a configuration file syntax.
type Format string

// Supported formats.
const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// EnvPrefix prefixes environment overrides such as LLMGW_REDIS_URL.
const EnvPrefix = "LLMGW_"

// detectFormat picks the format from the file extension. Unknown extensions are YAML.
func detectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML
	default:
		return FormatYAML
	}
}

// Load reads, parses and applies environment overrides to the file at path.
// ${VAR} placeholders are expanded before parsing.
func Load(path string) (cfg *Config, err error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close config file: %w", cerr)
		}
	}()

	return LoadFromReaderWithFormat(file, detectFormat(path))
}

// LoadFromReader parses YAML configuration from r.
func LoadFromReader(r io.Reader) (*Config, error) {
	return LoadFromReaderWithFormat(r, FormatYAML)
}

// LoadFromReaderWithFormat parses configuration in the given format from r.
func LoadFromReaderWithFormat(r io.Reader, format Format) (*Config, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	expanded := []byte(os.ExpandEnv(string(content)))

	var cfg Config
	switch format {
	case FormatTOML:
		if err := toml.Unmarshal(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config TOML: %w", err)
		}
	default:
		if err := yaml.Unmarshal(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.Cache.ApplyDefaults()
	return &cfg, nil
}

// applyEnvOverrides lets deployments override the common knobs without editing
// the file.
func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
		return nil
	}
	boolean := func(name string, dst *bool) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err)
		}
		*dst = b
		return nil
	}

	str("LOG_LEVEL", &cfg.Logging.Level)
	str("ADMIN_LISTEN", &cfg.Server.AdminListen)
	str("REDIS_URL", &cfg.Redis.URL)
	str("LEDGER_DSN", &cfg.Ledger.DSN)
	str("QUOTA_START_DATE", &cfg.Quota.StartDate)
	str("RATELIMIT_ALGORITHM", &cfg.RateLimit.Algorithm)
	str("RATELIMIT_BACKEND", &cfg.RateLimit.Backend)
	str("ROUTING_STRATEGY", &cfg.Routing.Strategy)

	if err := boolean("REDIS_ENABLED", &cfg.Redis.Enabled); err != nil {
		return err
	}
	if err := integer("RATELIMIT_REQUESTS_PER_PERIOD", &cfg.RateLimit.RequestsPerPeriod); err != nil {
		return err
	}
	if err := integer("RATELIMIT_BURST", &cfg.RateLimit.Burst); err != nil {
		return err
	}
	return integer("QUOTA_RECONCILE_INTERVAL_MS", &cfg.Quota.ReconcileIntervalMS)
}
