package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Providers []ProviderConfig `json:"providers"`
	Database  DatabaseConfig   `json:"database"`
	Embedding EmbeddingConfig  `json:"embedding"`
	Pipeline  PipelineConfig   `json:"pipeline"`
	Digest    DigestConfig     `json:"digest"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
	Timezone string `json:"timezone"`
}

type ProviderConfig struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	APIKey   string            `json:"api_key"`
	Model    string            `json:"model"`
	Extra    map[string]string `json:"extra,omitempty"`
	Timeout  int               `json:"timeout,omitempty"` // seconds
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type Neo4jConfig struct {
	URI      string  `json:"uri"`
	User     string  `json:"user"`
	Password string  `json:"password"`
	Boost    float64 `json:"boost"`
	Decay    float64 `json:"decay"`
}

type RedisConfig struct {
	URL       string `json:"url"`
	StreamLen int64  `json:"stream_len"`
}

type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"`
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
	Timeout   int    `json:"timeout"` // seconds
	BatchSize int    `json:"batch_size"`
}

// ImportanceWeights mirrors memory.Weights.
type ImportanceWeights struct {
	Pleasure float64 `json:"pleasure"`
	Arousal  float64 `json:"arousal"`
	Entities float64 `json:"entities"`
	Novelty  float64 `json:"novelty"`
}

type PipelineConfig struct {
	PositiveThreshold   float64           `json:"positive_threshold"`
	NegativeThreshold   float64           `json:"negative_threshold"`
	BlendAlpha          float64           `json:"blend_alpha"`
	SimilarityThreshold float64           `json:"similarity_threshold"`
	RelationshipWindow  int               `json:"relationship_window"`
	Importance          ImportanceWeights `json:"importance"`
	OracleProvider      string            `json:"oracle_provider"`
	OracleModel         string            `json:"oracle_model"`
	OracleTimeoutMS     int               `json:"oracle_timeout_ms"`
	MaxTextRunes        int               `json:"max_text_runes"`
	ConflictRetries     int               `json:"conflict_retries"`
	LexiconPath         string            `json:"lexicon_path"`
	TablesPath          string            `json:"tables_path"`
}

type DigestConfig struct {
	Enabled bool     `json:"enabled"`
	Weekly  string   `json:"weekly"`  // cron spec
	Monthly string   `json:"monthly"` // cron spec
	Decay   string   `json:"decay"`   // cron spec for relation decay
	Scopes  []string `json:"scopes"`
}

// Defaults fills every zero value with the built-in default.
func (c *Config) Defaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.Timezone == "" {
		c.Server.Timezone = "UTC"
	}
	if c.Database.Qdrant.Port == 0 {
		c.Database.Qdrant.Port = 6334
	}
	if c.Database.Neo4j.Boost == 0 {
		c.Database.Neo4j.Boost = 0.1
	}
	if c.Database.Neo4j.Decay == 0 {
		c.Database.Neo4j.Decay = 0.01
	}

	p := &c.Pipeline
	if p.PositiveThreshold == 0 {
		p.PositiveThreshold = 0.2
	}
	if p.NegativeThreshold == 0 {
		p.NegativeThreshold = -0.2
	}
	if p.BlendAlpha == 0 {
		p.BlendAlpha = 0.3
	}
	if p.SimilarityThreshold == 0 {
		p.SimilarityThreshold = 0.85
	}
	if p.RelationshipWindow == 0 {
		p.RelationshipWindow = 4
	}
	if p.Importance == (ImportanceWeights{}) {
		p.Importance = ImportanceWeights{Pleasure: 0.35, Arousal: 0.25, Entities: 0.2, Novelty: 0.2}
	}
	if p.OracleTimeoutMS == 0 {
		p.OracleTimeoutMS = 3000
	}
	if p.MaxTextRunes == 0 {
		p.MaxTextRunes = 4000
	}
	if p.ConflictRetries == 0 {
		p.ConflictRetries = 3
	}

	if c.Digest.Weekly == "" {
		c.Digest.Weekly = "0 20 * * 0"
	}
	if c.Digest.Monthly == "" {
		c.Digest.Monthly = "0 20 1 * *"
	}
	if c.Digest.Decay == "" {
		c.Digest.Decay = "@daily"
	}
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	p := c.Pipeline
	if p.PositiveThreshold <= p.NegativeThreshold {
		return fmt.Errorf("pipeline: positive_threshold %v must exceed negative_threshold %v", p.PositiveThreshold, p.NegativeThreshold)
	}
	if p.BlendAlpha < 0 || p.BlendAlpha > 1 {
		return fmt.Errorf("pipeline: blend_alpha %v out of [0,1]", p.BlendAlpha)
	}
	if p.SimilarityThreshold <= 0 || p.SimilarityThreshold > 1 {
		return fmt.Errorf("pipeline: similarity_threshold %v out of (0,1]", p.SimilarityThreshold)
	}
	return nil
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes config JSON with ${VAR} and ${VAR:default} substitution.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, err
	}
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
