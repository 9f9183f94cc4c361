package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr         string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir    string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	DefaultModel string `json:"default_model" yaml:"default_model" toml:"default_model"`

	Workers          int     `json:"workers" yaml:"workers" toml:"workers"`
	MaxOutstanding   int     `json:"max_outstanding" yaml:"max_outstanding" toml:"max_outstanding"`
	RateCapacity     int     `json:"rate_capacity" yaml:"rate_capacity" toml:"rate_capacity"`
	RateRefillPerSec float64 `json:"rate_refill_per_sec" yaml:"rate_refill_per_sec" toml:"rate_refill_per_sec"`

	RetentionAgeSec int `json:"retention_age_sec" yaml:"retention_age_sec" toml:"retention_age_sec"`
	RetentionMax    int `json:"retention_max" yaml:"retention_max" toml:"retention_max"`
	IdleContextSec  int `json:"idle_context_sec" yaml:"idle_context_sec" toml:"idle_context_sec"`

	MemBudgetMB int `json:"mem_budget_mb" yaml:"mem_budget_mb" toml:"mem_budget_mb"`
	MaxBodyMB   int `json:"max_body_mb" yaml:"max_body_mb" toml:"max_body_mb"`

	CORSEnabled bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
