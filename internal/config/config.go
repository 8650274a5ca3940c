// Package config loads the server configuration from an optional YAML file
// overlaid with GRAPHDIFF_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Diff store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverNeo4j  = "neo4j"
)

// Config holds the full server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Graph     GraphConfig     `yaml:"graph"`
	DiffStore DiffStoreConfig `yaml:"diff_store"`
	Diff      DiffConfig      `yaml:"diff"`
	Merge     MergeConfig     `yaml:"merge"`
	Events    EventsConfig    `yaml:"events"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr" validate:"required"`
	ReadTimeout  time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gt=0"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" validate:"gt=0"`
}

type GraphConfig struct {
	Path string `yaml:"path" validate:"required"`
	// SchemaPath points to a YAML schema snapshot. Empty means every
	// relationship has cardinality many.
	SchemaPath string `yaml:"schema_path"`
}

// DiffStoreConfig selects where diff roots are persisted.
type DiffStoreConfig struct {
	Driver string      `yaml:"driver" validate:"oneof=memory sqlite neo4j"`
	Path   string      `yaml:"path" validate:"required_if=Driver sqlite"`
	Neo4j  Neo4jConfig `yaml:"neo4j"`
}

type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

type DiffConfig struct {
	LabelBatchSize int `yaml:"label_batch_size" validate:"gt=0"`
	LabelWorkers   int `yaml:"label_workers" validate:"gt=0"`
}

type MergeConfig struct {
	AllowUnresolvedConflicts bool `yaml:"allow_unresolved_conflicts"`
}

type EventsConfig struct {
	BufferSize        int    `yaml:"buffer_size" validate:"gt=0"`
	Workers           int    `yaml:"workers" validate:"gt=0"`
	UpdateConcurrency int    `yaml:"update_concurrency" validate:"gt=0"`
	WebhookURL        string `yaml:"webhook_url" validate:"omitempty,url"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Graph:     GraphConfig{Path: "graphdiff-graph.db"},
		DiffStore: DiffStoreConfig{Driver: DriverSQLite, Path: "graphdiff-diffs.db", Neo4j: Neo4jConfig{Database: "neo4j"}},
		Diff:      DiffConfig{LabelBatchSize: 100, LabelWorkers: 4},
		Events:    EventsConfig{BufferSize: 1000, Workers: 4, UpdateConcurrency: 4},
		Log:       LogConfig{Level: "info", Format: "json"},
	}
}

// Load returns the defaults merged with the file at path, when path is not
// empty, and then with the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks the configuration and reports every invalid field.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validating config: %w", err)
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
	if c.DiffStore.Driver == DriverNeo4j && c.DiffStore.Neo4j.URI == "" {
		return fmt.Errorf("invalid config: diff_store.neo4j.uri is required for the neo4j driver")
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Server.Addr = getEnv("GRAPHDIFF_ADDR", c.Server.Addr)
	c.Graph.Path = getEnv("GRAPHDIFF_GRAPH_PATH", c.Graph.Path)
	c.Graph.SchemaPath = getEnv("GRAPHDIFF_SCHEMA_PATH", c.Graph.SchemaPath)
	c.DiffStore.Driver = getEnv("GRAPHDIFF_DIFF_STORE_DRIVER", c.DiffStore.Driver)
	c.DiffStore.Path = getEnv("GRAPHDIFF_DIFF_STORE_PATH", c.DiffStore.Path)
	c.DiffStore.Neo4j.URI = getEnv("GRAPHDIFF_NEO4J_URI", c.DiffStore.Neo4j.URI)
	c.DiffStore.Neo4j.Username = getEnv("GRAPHDIFF_NEO4J_USER", c.DiffStore.Neo4j.Username)
	c.DiffStore.Neo4j.Password = getEnv("GRAPHDIFF_NEO4J_PASSWORD", c.DiffStore.Neo4j.Password)
	c.DiffStore.Neo4j.Database = getEnv("GRAPHDIFF_NEO4J_DATABASE", c.DiffStore.Neo4j.Database)
	c.Events.WebhookURL = getEnv("GRAPHDIFF_WEBHOOK_URL", c.Events.WebhookURL)
	c.Log.Level = getEnv("GRAPHDIFF_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("GRAPHDIFF_LOG_FORMAT", c.Log.Format)

	if v := os.Getenv("GRAPHDIFF_ALLOW_UNRESOLVED_CONFLICTS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parsing GRAPHDIFF_ALLOW_UNRESOLVED_CONFLICTS: %w", err)
		}
		c.Merge.AllowUnresolvedConflicts = b
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
