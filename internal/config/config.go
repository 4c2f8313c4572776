// Package config provides configuration loading for censusd.
package config

import (
	"fmt"
	"time"

	"github.com/metrolabs/censusd/internal/boundary"
	"github.com/metrolabs/censusd/internal/logging"
)

// Config is the full censusd configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Census    CensusConfig    `koanf:"census"`
	Boundary  BoundaryConfig  `koanf:"boundary"`
	LLM       LLMConfig       `koanf:"llm"`
	Collector CollectorConfig `koanf:"collector"`
	Store     StoreConfig     `koanf:"store"`
	Logging   logging.Config  `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// CensusConfig holds upstream Census API settings and the default
// dataset/year applied when requests omit them.
type CensusConfig struct {
	BaseURL        string `koanf:"base_url"`
	DefaultDataset string `koanf:"default_dataset"`
	DefaultYear    string `koanf:"default_year"`
	DefaultRegion  string `koanf:"default_region"`
	DefaultState   string `koanf:"default_state"`
}

// BoundaryConfig holds boundary sources by region.
type BoundaryConfig struct {
	Sources          map[string]boundary.Source `koanf:"sources"`
	IncludeUnmatched bool                       `koanf:"include_unmatched"`
}

// LLMConfig holds the chat completion endpoint settings.
type LLMConfig struct {
	BaseURL   string `koanf:"base_url"`
	Model     string `koanf:"model"`
	APIKey    Secret `koanf:"api_key"`
	MaxRounds int    `koanf:"max_rounds"`
}

// CollectorConfig holds the external log collector endpoint. Empty
// disables collection.
type CollectorConfig struct {
	Endpoint string `koanf:"endpoint"`
}

// StoreConfig holds the SQLite database location.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Census.BaseURL == "" {
		cfg.Census.BaseURL = "https://api.census.gov"
	}
	if cfg.Census.DefaultDataset == "" {
		cfg.Census.DefaultDataset = "acs/acs5"
	}
	if cfg.Census.DefaultYear == "" {
		cfg.Census.DefaultYear = "2022"
	}
	if cfg.Census.DefaultRegion == "" {
		cfg.Census.DefaultRegion = "bay-area"
	}
	if cfg.Census.DefaultState == "" {
		cfg.Census.DefaultState = "06"
	}

	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o-mini"
	}
	if cfg.LLM.MaxRounds == 0 {
		cfg.LLM.MaxRounds = 4
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = "censusd.db"
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if len(c.Boundary.Sources) == 0 {
		return fmt.Errorf("at least one boundary source must be configured")
	}
	for region, src := range c.Boundary.Sources {
		if src.URL == "" {
			return fmt.Errorf("boundary source %q missing url", region)
		}
		if src.UnitIDProperty == "" {
			return fmt.Errorf("boundary source %q missing unit_id_property", region)
		}
	}
	if _, ok := c.Boundary.Sources[c.Census.DefaultRegion]; !ok {
		return fmt.Errorf("default region %q has no boundary source", c.Census.DefaultRegion)
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	return nil
}
