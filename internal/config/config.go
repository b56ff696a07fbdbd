package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Known search engines.
var Engines = []string{"solr", "elasticsearch", "bleve", "sqlite"}

// Config holds the needle configuration.
type Config struct {
	Env         string                      `yaml:"env"`
	LogLevel    string                      `yaml:"log_level"` // debug, info, warn, error (default: determined by env)
	Settings    Settings                    `yaml:"settings"`
	Connections map[string]ConnectionConfig `yaml:"connections"`
	Routers     []RouterConfig              `yaml:"routers"`
	Indexes     []IndexConfig               `yaml:"indexes"`
	Objects     ObjectsConfig               `yaml:"objects"`
	Redis       RedisConfig                 `yaml:"redis"`
	HTTP        HTTPConfig                  `yaml:"http"`
}

// Settings are process-wide search settings.
type Settings struct {
	LimitToRegisteredModels *bool  `yaml:"limit_to_registered_models"`
	DefaultOperator         string `yaml:"default_operator"` // AND | OR
	LoadStep                int    `yaml:"load_step"`
	BatchSize               int    `yaml:"batch_size"`
	TemplateDir             string `yaml:"template_dir"`
}

// ConnectionConfig describes one backend alias.
type ConnectionConfig struct {
	Engine          string         `yaml:"engine"`
	URL             string         `yaml:"url"`
	Path            string         `yaml:"path"`
	IndexName       string         `yaml:"index_name"`
	Timeout         time.Duration  `yaml:"timeout"`
	SilentlyFail    *bool          `yaml:"silently_fail"`
	IncludeSpelling bool           `yaml:"include_spelling"`
	BatchSize       int            `yaml:"batch_size"`
	ExcludedIndexes []string       `yaml:"excluded_indexes"`
	Kwargs          map[string]any `yaml:"kwargs"`
}

// RouterConfig routes models matching glob patterns, e.g. "blog.*".
type RouterConfig struct {
	Models []string `yaml:"models"`
	Read   string   `yaml:"read"`
	Write  []string `yaml:"write"`
}

// IndexConfig declares the index of one model.
type IndexConfig struct {
	Model  string        `yaml:"model"`
	Fields []FieldConfig `yaml:"fields"`
}

// FieldConfig declares one search field.
type FieldConfig struct {
	Name        string  `yaml:"name"`
	Type        string  `yaml:"type"`
	Document    bool    `yaml:"document"`
	SourceAttr  string  `yaml:"source_attr"`
	Faceted     bool    `yaml:"faceted"`
	Null        bool    `yaml:"null"`
	Indexed     *bool   `yaml:"indexed"`
	Stored      *bool   `yaml:"stored"`
	Default     any     `yaml:"default"`
	Boost       float64 `yaml:"boost"`
	Analyzer    string  `yaml:"analyzer"`
	IndexName   string  `yaml:"index_name"`
	UseTemplate bool    `yaml:"use_template"`
	Template    string  `yaml:"template"`
}

// ObjectsConfig selects the primary store used to hydrate results.
type ObjectsConfig struct {
	Store     string                 `yaml:"store"` // "", redis, sqlite
	Path      string                 `yaml:"path"`  // sqlite database file
	Tables    map[string]TableConfig `yaml:"tables"`
	CacheSize int                    `yaml:"cache_size"`
	CacheTTL  time.Duration          `yaml:"cache_ttl"`
}

// TableConfig maps a model onto a SQL table.
type TableConfig struct {
	Name     string `yaml:"name"`
	PKColumn string `yaml:"pk_column"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addrs            []string `yaml:"addrs"`
	Password         string   `yaml:"password"`
	DB               int      `yaml:"db"`
	KeyPrefix        string   `yaml:"key_prefix"`
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeoutSec  int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec int      `yaml:"write_timeout_sec"`
	ShutdownSec     int      `yaml:"shutdown_timeout_sec"`
	APIKeys         []string `yaml:"api_keys"`
	DefaultPageSize int      `yaml:"default_page_size"`
	MaxPageSize     int      `yaml:"max_page_size"`
}

// Load reads the configuration file named by NEEDLE_CONFIG, or the first
// of config.yaml and /etc/needle/config.yaml that exists.
func Load() (Config, error) {
	return LoadFile(findConfigPath())
}

// LoadFile reads, expands, defaults and validates one YAML file.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML document after ${VAR} substitution.
func Parse(data []byte) (Config, error) {
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.Env == "" {
		c.Env = "local"
	}
	if c.Settings.LimitToRegisteredModels == nil {
		c.Settings.LimitToRegisteredModels = boolPtr(true)
	}
	if c.Settings.DefaultOperator == "" {
		c.Settings.DefaultOperator = "AND"
	}
	c.Settings.DefaultOperator = strings.ToUpper(c.Settings.DefaultOperator)
	if c.Settings.LoadStep == 0 {
		c.Settings.LoadStep = 10
	}
	if c.Settings.BatchSize <= 0 {
		c.Settings.BatchSize = 1000
	}
	if len(c.Connections) == 0 {
		c.Connections = map[string]ConnectionConfig{"default": {Engine: "bleve"}}
	}
	for alias, conn := range c.Connections {
		if conn.IndexName == "" {
			conn.IndexName = "needle"
		}
		if conn.Timeout <= 0 {
			conn.Timeout = 10 * time.Second
		}
		if conn.SilentlyFail == nil {
			conn.SilentlyFail = boolPtr(true)
		}
		c.Connections[alias] = conn
	}
	if c.Objects.CacheTTL <= 0 {
		c.Objects.CacheTTL = time.Minute
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "needle:"
	}
	if c.Redis.ReadinessTimeout <= 0 {
		c.Redis.ReadinessTimeout = 10
	}
	if c.HTTP.Port <= 0 {
		c.HTTP.Port = 8080
	}
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 10
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.HTTP.DefaultPageSize <= 0 {
		c.HTTP.DefaultPageSize = 20
	}
	if c.HTTP.MaxPageSize <= 0 {
		c.HTTP.MaxPageSize = 100
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if _, ok := c.Connections["default"]; !ok {
		return fmt.Errorf(`connections.default is required`)
	}
	for alias, conn := range c.Connections {
		if !slices.Contains(Engines, conn.Engine) {
			return fmt.Errorf("connections.%s.engine must be one of %s, got %q",
				alias, strings.Join(Engines, ", "), conn.Engine)
		}
		if (conn.Engine == "solr" || conn.Engine == "elasticsearch") && conn.URL == "" {
			return fmt.Errorf("connections.%s.url is required for %s", alias, conn.Engine)
		}
	}
	switch c.Settings.DefaultOperator {
	case "AND", "OR":
	default:
		return fmt.Errorf(`settings.default_operator must be "AND" or "OR", got %q`, c.Settings.DefaultOperator)
	}
	if c.Settings.LoadStep <= 0 {
		return fmt.Errorf("settings.load_step must be positive, got %d", c.Settings.LoadStep)
	}
	for i, r := range c.Routers {
		if len(r.Models) == 0 {
			return fmt.Errorf("routers[%d].models is required", i)
		}
		for _, alias := range append([]string{r.Read}, r.Write...) {
			if _, ok := c.Connections[alias]; alias != "" && !ok {
				return fmt.Errorf("routers[%d] names unknown connection %q", i, alias)
			}
		}
	}
	for i, idx := range c.Indexes {
		if idx.Model == "" {
			return fmt.Errorf("indexes[%d].model is required", i)
		}
		for _, f := range idx.Fields {
			if f.Name == "" {
				return fmt.Errorf("indexes[%d] (%s) has a field without a name", i, idx.Model)
			}
			if !slices.Contains(fieldTypes, f.Type) {
				return fmt.Errorf("indexes[%d].%s: unknown field type %q", i, f.Name, f.Type)
			}
		}
	}
	switch c.Objects.Store {
	case "":
	case "redis":
		if len(c.Redis.Addrs) == 0 {
			return fmt.Errorf("redis.addrs is required for the redis object store")
		}
	case "sqlite":
		if c.Objects.Path == "" {
			return fmt.Errorf("objects.path is required for the sqlite object store")
		}
	default:
		return fmt.Errorf(`objects.store must be "redis" or "sqlite", got %q`, c.Objects.Store)
	}
	if c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	return nil
}

var fieldTypes = []string{
	"text", "ngram", "edge_ngram", "integer", "long", "float", "decimal",
	"boolean", "date", "datetime", "location", "multi_value",
}

// findConfigPath locates the config file.
func findConfigPath() string {
	if p := os.Getenv("NEEDLE_CONFIG"); p != "" {
		return p
	}
	for _, p := range []string{"config.yaml", "/etc/needle/config.yaml"} {
		if fileExists(p) {
			return p
		}
	}
	return "config.yaml"
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func boolPtr(b bool) *bool { return &b }

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
