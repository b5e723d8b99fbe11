// Package config loads insightmesh deployment configuration.
//
// Configuration comes from a single file named by the --config flag or the
// INSIGHTMESH_CONFIG environment variable. YAML (.yaml, .yml) and JSON with
// comments (.json, .jsonc) are accepted. Values in the file are merged over
// Default and the result is validated; environment variables never override
// file values apart from ${VAR} expansion in paths.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/insightmesh/logging"
	"github.com/hupe1980/insightmesh/pipeline"
)

// EnvVar names the environment variable consulted when no path is given.
const EnvVar = "INSIGHTMESH_CONFIG"

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverSQLite = "sqlite"
)

// Narrator providers.
const (
	ProviderTemplate  = "template"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Config is the complete deployment configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Storage  StorageConfig  `yaml:"storage"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Engine   EngineConfig   `yaml:"engine"`
	Narrator NarratorConfig `yaml:"narrator"`
}

// StoreConfig configures the session store.
type StoreConfig struct {
	// MaxHistory bounds the sessions retained.
	MaxHistory int `yaml:"max_history"`

	// DefaultCacheTTL applies to cache entries set without a TTL.
	DefaultCacheTTL time.Duration `yaml:"default_cache_ttl"`

	// AutoSave persists the store after every mutation.
	AutoSave bool `yaml:"auto_save"`

	// MaxSessionRuntime is the watchdog limit for running sessions.
	MaxSessionRuntime time.Duration `yaml:"max_session_runtime"`

	// StrictRevisions refuses writes when another writer bumped the
	// persisted revision.
	StrictRevisions bool `yaml:"strict_revisions"`
}

// StorageConfig selects the persisted tier.
type StorageConfig struct {
	// Driver is memory, file or sqlite.
	Driver string `yaml:"driver"`

	// Path is the directory (file) or database file (sqlite).
	Path string `yaml:"path"`

	// Codec is json or cbor.
	Codec string `yaml:"codec"`

	// Compress enables zstd compression for the file driver.
	Compress bool `yaml:"compress"`

	// Key is the document key the store persists under.
	Key string `yaml:"key"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EngineConfig configures orchestration and workers.
type EngineConfig struct {
	MaxConcurrentTools int64  `yaml:"max_concurrent_tools"`
	Planner            string `yaml:"planner"`
}

// NarratorConfig selects the narration backend. API keys are read by the
// provider SDKs from their usual environment variables.
type NarratorConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	MaxTokens int64  `yaml:"max_tokens"`
}

// Default returns the configuration used before a file is applied.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			MaxHistory:        50,
			DefaultCacheTTL:   time.Hour,
			AutoSave:          true,
			MaxSessionRuntime: 30 * time.Minute,
		},
		Storage: StorageConfig{
			Driver: DriverMemory,
			Codec:  "json",
			Key:    "insightmesh",
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Engine: EngineConfig{
			MaxConcurrentTools: 4,
			Planner:            pipeline.ModeSequential,
		},
		Narrator: NarratorConfig{
			Provider:  ProviderTemplate,
			MaxTokens: 1024,
		},
	}
}

// Load loads path, or the file named by INSIGHTMESH_CONFIG when path is
// empty. Without either the validated defaults are returned.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg *Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		cfg, err = ParseJSONC(data)
	default:
		cfg, err = ParseYAML(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}

// ParseYAML merges a YAML document over Default and validates the result.
func ParseYAML(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.expandVariables()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ParseJSONC strips comments and trailing commas, then parses the document.
// JSON is a subset of YAML, so both formats share the yaml field tags and
// duration strings such as "90s".
func ParseJSONC(data []byte) (*Config, error) {
	return ParseYAML(jsonc.ToJSON(data))
}

func (c *Config) expandVariables() {
	c.Storage.Path = os.ExpandEnv(c.Storage.Path)
}

// Validate reports every invalid setting, joined.
func (c *Config) Validate() error {
	var errs []error

	if c.Store.MaxHistory < 1 {
		errs = append(errs, fmt.Errorf("store.max_history must be positive, got %d", c.Store.MaxHistory))
	}
	if c.Store.DefaultCacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("store.default_cache_ttl must be positive, got %s", c.Store.DefaultCacheTTL))
	}
	if c.Store.MaxSessionRuntime <= 0 {
		errs = append(errs, fmt.Errorf("store.max_session_runtime must be positive, got %s", c.Store.MaxSessionRuntime))
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverFile, DriverSQLite:
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for the %s driver", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not one of memory, file, sqlite", c.Storage.Driver))
	}
	if c.Storage.Codec != "json" && c.Storage.Codec != "cbor" {
		errs = append(errs, fmt.Errorf("storage.codec %q is not one of json, cbor", c.Storage.Codec))
	}
	if c.Storage.Compress && c.Storage.Driver != DriverFile {
		errs = append(errs, errors.New("storage.compress requires the file driver"))
	}
	if c.Storage.Key == "" {
		errs = append(errs, errors.New("storage.key is required"))
	}

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format %q is not one of json, text", c.Log.Format))
	}

	if c.Engine.MaxConcurrentTools < 1 {
		errs = append(errs, fmt.Errorf("engine.max_concurrent_tools must be positive, got %d", c.Engine.MaxConcurrentTools))
	}
	if _, err := pipeline.NewPlanner(c.Engine.Planner); err != nil {
		errs = append(errs, fmt.Errorf("engine.planner: %w", err))
	}

	switch c.Narrator.Provider {
	case ProviderTemplate, ProviderAnthropic, ProviderOpenAI:
	default:
		errs = append(errs, fmt.Errorf("narrator.provider %q is not one of template, anthropic, openai", c.Narrator.Provider))
	}

	return errors.Join(errs...)
}

// Logger builds the logger described by the log section.
func (c *Config) Logger() *logging.MeshLogger {
	level, err := logging.ParseLevel(c.Log.Level)
	if err != nil {
		level = logging.LogLevelInfo
	}
	return logging.NewSlogLogger(level, c.Log.Format, false)
}
