// Package config handles configuration loading for the NeuroFusion server
// and its commands.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Atlas      AtlasConfig      `yaml:"atlas" toml:"atlas"`
	Expression ExpressionConfig `yaml:"expression" toml:"expression"`
	Cache      CacheConfig      `yaml:"cache" toml:"cache"`
	Render     RenderConfig     `yaml:"render" toml:"render"`
	Log        LogConfig        `yaml:"log" toml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port" toml:"port"`
	CORSOrigins []string `yaml:"cors_origins" toml:"cors_origins"`
	Title       string   `yaml:"title" toml:"title"`
	// Preload loads every configured resolution at startup instead of on
	// the first request.
	Preload bool `yaml:"preload" toml:"preload"`
}

// AtlasConfig locates the atlas provider and cache.
type AtlasConfig struct {
	Name string `yaml:"name" toml:"name"`
	// ProviderURL is a gocloud bucket URL (file://, gs://, mem://). Empty
	// means cache only.
	ProviderURL string `yaml:"provider_url" toml:"provider_url"`
	VolumeKey   string `yaml:"volume_key" toml:"volume_key"`
	LabelsKey   string `yaml:"labels_key" toml:"labels_key"`
	CacheDir    string `yaml:"cache_dir" toml:"cache_dir"`
	Resolutions []int  `yaml:"resolutions" toml:"resolutions"`
	// DefaultResolution falls back to the first of Resolutions.
	DefaultResolution int  `yaml:"default_resolution" toml:"default_resolution"`
	BackgroundIndex   int  `yaml:"background_index" toml:"background_index"`
	ZeroBackground    bool `yaml:"zero_background" toml:"zero_background"`
}

// ExpressionConfig selects and tunes the expression source.
type ExpressionConfig struct {
	// Source is "ahba", "synthetic" or "auto".
	Source       string  `yaml:"source" toml:"source"`
	CacheDir     string  `yaml:"cache_dir" toml:"cache_dir"`
	SamplesPath  string  `yaml:"samples_path" toml:"samples_path"`
	Seed         uint64  `yaml:"seed" toml:"seed"`
	NGenes       int     `yaml:"n_genes" toml:"n_genes"`
	IBFThreshold float64 `yaml:"ibf_threshold" toml:"ibf_threshold"`
	RegionAgg    string  `yaml:"region_agg" toml:"region_agg"`
	DonorNorm    bool    `yaml:"donor_norm" toml:"donor_norm"`
	GeneNorm     bool    `yaml:"gene_norm" toml:"gene_norm"`
	Exact        bool    `yaml:"exact" toml:"exact"`
	ToleranceMM  float64 `yaml:"tolerance_mm" toml:"tolerance_mm"`
	LRMirror     bool    `yaml:"lr_mirror" toml:"lr_mirror"`
}

// CacheConfig contains in-memory cache settings.
type CacheConfig struct {
	ImageSizeMB     int `yaml:"image_size_mb" toml:"image_size_mb"`
	ImageTTLMinutes int `yaml:"image_ttl_minutes" toml:"image_ttl_minutes"`
	QueryCacheSize  int `yaml:"query_cache_size" toml:"query_cache_size"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	CellSize        int    `yaml:"cell_size" toml:"cell_size"`
	DefaultColormap string `yaml:"default_colormap" toml:"default_colormap"`
}

// LogConfig configures the optional rotating log file.
type LogConfig struct {
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
}

// Load reads configuration from a YAML or, for a ".toml" path, TOML file.
// Keys absent from the file keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		cfg := DefaultConfig()
		applyDefaults(cfg)
		return cfg, nil
	}

	cfg := DefaultConfig()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "NeuroFusion: AHBA x Harvard-Oxford",
		},
		Atlas: AtlasConfig{
			Name:            "HarvardOxford-Cort",
			VolumeKey:       "HarvardOxford/HarvardOxford-cort-maxprob-thr25-{res}.nii.gz",
			LabelsKey:       "HarvardOxford-Cortical.xml",
			CacheDir:        "./data/atlas",
			Resolutions:     []int{2, 1},
			BackgroundIndex: 0,
			ZeroBackground:  true,
		},
		Expression: ExpressionConfig{
			Source:       "auto",
			CacheDir:     "./data/expression",
			SamplesPath:  "./data/ahba/samples.db",
			Seed:         42,
			NGenes:       100,
			IBFThreshold: 0.5,
			RegionAgg:    "mean",
			DonorNorm:    true,
			GeneNorm:     true,
			Exact:        false,
			ToleranceMM:  2,
			LRMirror:     true,
		},
		Cache: CacheConfig{
			ImageSizeMB:     256,
			ImageTTLMinutes: 10,
			QueryCacheSize:  1000,
		},
		Render: RenderConfig{
			CellSize:        4,
			DefaultColormap: "cold_hot",
		},
		Log: LogConfig{
			MaxSizeMB:  100,
			MaxAgeDays: 28,
			MaxBackups: 3,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Atlas.Name == "" {
		cfg.Atlas.Name = defaults.Atlas.Name
	}
	if cfg.Atlas.CacheDir == "" {
		cfg.Atlas.CacheDir = defaults.Atlas.CacheDir
	}
	if len(cfg.Atlas.Resolutions) == 0 {
		cfg.Atlas.Resolutions = defaults.Atlas.Resolutions
	}
	if cfg.Atlas.DefaultResolution == 0 {
		cfg.Atlas.DefaultResolution = cfg.Atlas.Resolutions[0]
	}
	if cfg.Expression.Source == "" {
		cfg.Expression.Source = defaults.Expression.Source
	}
	if cfg.Expression.CacheDir == "" {
		cfg.Expression.CacheDir = defaults.Expression.CacheDir
	}
	if cfg.Expression.NGenes == 0 {
		cfg.Expression.NGenes = defaults.Expression.NGenes
	}
	if cfg.Expression.RegionAgg == "" {
		cfg.Expression.RegionAgg = defaults.Expression.RegionAgg
	}
	if cfg.Cache.ImageSizeMB == 0 {
		cfg.Cache.ImageSizeMB = defaults.Cache.ImageSizeMB
	}
	if cfg.Cache.ImageTTLMinutes == 0 {
		cfg.Cache.ImageTTLMinutes = defaults.Cache.ImageTTLMinutes
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}
	if cfg.Render.CellSize == 0 {
		cfg.Render.CellSize = defaults.Render.CellSize
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
}

// Validate checks enumerated settings.
func (c *Config) Validate() error {
	for _, r := range c.Atlas.Resolutions {
		if r != 1 && r != 2 {
			return fmt.Errorf("atlas.resolutions: unsupported resolution %d (expected 1 or 2)", r)
		}
	}
	found := false
	for _, r := range c.Atlas.Resolutions {
		found = found || r == c.Atlas.DefaultResolution
	}
	if !found {
		return fmt.Errorf("atlas.default_resolution %d is not in atlas.resolutions %v", c.Atlas.DefaultResolution, c.Atlas.Resolutions)
	}
	switch c.Expression.Source {
	case "ahba", "synthetic", "auto":
	default:
		return fmt.Errorf("expression.source %q (expected ahba, synthetic or auto)", c.Expression.Source)
	}
	switch c.Expression.RegionAgg {
	case "mean", "median":
	default:
		return fmt.Errorf("expression.region_agg %q (expected mean or median)", c.Expression.RegionAgg)
	}
	if c.Expression.IBFThreshold < 0 || c.Expression.IBFThreshold > 1 {
		return fmt.Errorf("expression.ibf_threshold %v outside [0, 1]", c.Expression.IBFThreshold)
	}
	return nil
}
