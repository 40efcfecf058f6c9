// Package config handles configuration loading for the cellview server.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Data     DataConfig     `yaml:"data"`
	Cache    CacheConfig    `yaml:"cache"`
	Render   RenderConfig   `yaml:"render"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// Dataset source kinds.
const (
	KindJSON   = "json"
	KindZarr   = "zarr"
	KindSQLite = "sqlite"
	KindHTTP   = "http"
)

// DatasetConfig describes where one dataset's cells come from.
type DatasetConfig struct {
	Kind           string `yaml:"kind"`
	Path           string `yaml:"path"`
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// ResolvedKind returns Kind, or infers it from URL or Path.
func (d DatasetConfig) ResolvedKind() string {
	if d.Kind != "" {
		return strings.ToLower(d.Kind)
	}
	if d.URL != "" {
		return KindHTTP
	}
	p := strings.ToLower(d.Path)
	switch {
	case strings.HasSuffix(p, ".json"), strings.HasSuffix(p, ".json.zst"):
		return KindJSON
	case strings.HasSuffix(p, ".sqlite"), strings.HasSuffix(p, ".db"):
		return KindSQLite
	default:
		return KindZarr
	}
}

// DataConfig contains the configured datasets. It accepts either a single
// dataset (legacy format, registered as "default") or a mapping from dataset
// id to dataset. The first dataset in file order is the default.
type DataConfig struct {
	Datasets       map[string]DatasetConfig
	DefaultDataset string
	order          []string
}

var legacyDataKeys = map[string]bool{"kind": true, "path": true, "url": true, "timeout_seconds": true}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *DataConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("data: expected mapping, got %v", node.Tag)
	}

	legacy := false
	for i := 0; i < len(node.Content); i += 2 {
		if legacyDataKeys[node.Content[i].Value] && node.Content[i+1].Kind == yaml.ScalarNode {
			legacy = true
			break
		}
	}
	if legacy {
		var ds DatasetConfig
		if err := node.Decode(&ds); err != nil {
			return err
		}
		d.set("default", ds)
		return nil
	}

	for i := 0; i < len(node.Content); i += 2 {
		id := node.Content[i].Value
		var ds DatasetConfig
		if err := node.Content[i+1].Decode(&ds); err != nil {
			return fmt.Errorf("data.%s: %w", id, err)
		}
		d.set(id, ds)
	}
	return nil
}

func (d *DataConfig) set(id string, ds DatasetConfig) {
	if d.Datasets == nil {
		d.Datasets = make(map[string]DatasetConfig)
	}
	if _, exists := d.Datasets[id]; !exists {
		d.order = append(d.order, id)
	}
	d.Datasets[id] = ds
	if d.DefaultDataset == "" {
		d.DefaultDataset = id
	}
}

// DatasetIDs returns the dataset ids in file order.
func (d DataConfig) DatasetIDs() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	RenderSizeMB      int `yaml:"render_size_mb"`
	RenderTTLMinutes  int `yaml:"render_ttl_minutes"`
	QueryCacheSize    int `yaml:"query_cache_size"`
	ProjectionEntries int `yaml:"projection_entries"`
	MaxSessions       int `yaml:"max_sessions"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	Width           int     `yaml:"width"`
	Height          int     `yaml:"height"`
	PointRadius     float64 `yaml:"point_radius"`
	DefaultColormap string  `yaml:"default_colormap"`
}

// PipelineConfig controls how per-cell work is sharded.
type PipelineConfig struct {
	ShardSize int `yaml:"shard_size"`
	Workers   int `yaml:"workers"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "cellview",
		},
		Cache: CacheConfig{
			RenderSizeMB:      256,
			RenderTTLMinutes:  10,
			QueryCacheSize:    256,
			ProjectionEntries: 32,
			MaxSessions:       128,
		},
		Render: RenderConfig{
			Width:           512,
			Height:          512,
			PointRadius:     1.5,
			DefaultColormap: "viridis",
		},
	}
	cfg.Data.set("default", DatasetConfig{Kind: KindJSON, Path: "./data/cells.json"})
	return cfg
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if len(cfg.Data.Datasets) == 0 {
		cfg.Data = defaults.Data
	}
	if cfg.Cache.RenderSizeMB == 0 {
		cfg.Cache.RenderSizeMB = defaults.Cache.RenderSizeMB
	}
	if cfg.Cache.RenderTTLMinutes == 0 {
		cfg.Cache.RenderTTLMinutes = defaults.Cache.RenderTTLMinutes
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}
	if cfg.Cache.ProjectionEntries == 0 {
		cfg.Cache.ProjectionEntries = defaults.Cache.ProjectionEntries
	}
	if cfg.Cache.MaxSessions == 0 {
		cfg.Cache.MaxSessions = defaults.Cache.MaxSessions
	}
	if cfg.Render.Width == 0 {
		cfg.Render.Width = defaults.Render.Width
	}
	if cfg.Render.Height == 0 {
		cfg.Render.Height = defaults.Render.Height
	}
	if cfg.Render.PointRadius == 0 {
		cfg.Render.PointRadius = defaults.Render.PointRadius
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
}

// Validate checks dataset definitions.
func (c *Config) Validate() error {
	for _, id := range c.Data.DatasetIDs() {
		ds := c.Data.Datasets[id]
		switch ds.ResolvedKind() {
		case KindJSON, KindZarr, KindSQLite:
			if ds.Path == "" {
				return fmt.Errorf("data.%s: path is required for kind %s", id, ds.ResolvedKind())
			}
		case KindHTTP:
			if ds.URL == "" {
				return fmt.Errorf("data.%s: url is required for kind http", id)
			}
		default:
			return fmt.Errorf("data.%s: unknown kind %q", id, ds.Kind)
		}
	}
	return nil
}
