// Package config loads and validates build configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// stage of the index build (paths, graph, corpus, lexicon, index, barrels,
// publish) and for the optional external sinks.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/rummager/rummager/pkg/errors"
)

// Config is the top-level build configuration.
type Config struct {
	Paths     PathsConfig     `yaml:"paths"`
	Graph     GraphConfig     `yaml:"graph"`
	Corpus    CorpusConfig    `yaml:"corpus"`
	Tokenizer TokenizerConfig `yaml:"tokenizer"`
	Lexicon   LexiconConfig   `yaml:"lexicon"`
	Index     IndexConfig     `yaml:"index"`
	Barrels   BarrelConfig    `yaml:"barrels"`
	Publish   PublishConfig   `yaml:"publish"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// PathsConfig names every input and output file of the build. Relative
// output paths are resolved against OutputDir.
type PathsConfig struct {
	Citations      string `yaml:"citations"`
	Corpus         string `yaml:"corpus"`
	Metadata       string `yaml:"metadata"`
	Scores         string `yaml:"scores"`
	OutputDir      string `yaml:"outputDir"`
	IDMap          string `yaml:"idMap"`
	Graph          string `yaml:"graph"`
	Lexicon        string `yaml:"lexicon"`
	ForwardIndex   string `yaml:"forwardIndex"`
	DocLengths     string `yaml:"docLengths"`
	InvertedIndex  string `yaml:"invertedIndex"`
	BarrelDir      string `yaml:"barrelDir"`
	PublishedScore string `yaml:"publishedScores"`
	MetadataTable  string `yaml:"metadataTable"`
	CleanCorpus    string `yaml:"cleanCorpus"`
}

// Resolve returns p joined to OutputDir unless p is absolute.
func (p PathsConfig) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || p.OutputDir == "" {
		return path
	}
	return filepath.Join(p.OutputDir, path)
}

// GraphConfig controls raw identifier canonicalization.
type GraphConfig struct {
	StripPrefixes []string `yaml:"stripPrefixes"`
}

// CorpusConfig describes how documents are read from the corpus file.
type CorpusConfig struct {
	Format     string   `yaml:"format"`
	IDField    string   `yaml:"idField"`
	TextFields []string `yaml:"textFields"`
	Limit      int      `yaml:"limit"`
}

// TokenizerConfig selects tokenizer behaviour.
type TokenizerConfig struct {
	Stem           bool     `yaml:"stem"`
	MinLength      int      `yaml:"minLength"`
	ExtraStopwords []string `yaml:"extraStopwords"`
}

// LexiconConfig selects the Term→TermID store.
type LexiconConfig struct {
	Store    string `yaml:"store"`
	BoltPath string `yaml:"boltPath"`
}

// IndexConfig controls inverted-index memory use.
type IndexConfig struct {
	SpillThreshold int64   `yaml:"spillThreshold"`
	SpillDir       string  `yaml:"spillDir"`
	MemoryFraction float64 `yaml:"memoryFraction"`
}

// BarrelConfig controls barrel sharding and document ID resolution.
type BarrelConfig struct {
	TermsPerBarrel uint32 `yaml:"termsPerBarrel"`
	DocIDs         string `yaml:"docIds"`
}

// PublishConfig selects optional publish sinks.
type PublishConfig struct {
	Postgres      bool `yaml:"postgres"`
	Redis         bool `yaml:"redis"`
	BatchSize     int  `yaml:"batchSize"`
	RetryAttempts int  `yaml:"retryAttempts"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// RedisConfig holds Redis connection parameters and the key names used when
// publishing.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	Password    string `yaml:"password"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"poolSize"`
	ScoreKey    string `yaml:"scoreKey"`
	MetadataKey string `yaml:"metadataKey"`
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Notify  bool        `yaml:"notify"`
	Brokers []string    `yaml:"brokers"`
	Topics  KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	IndexComplete string `yaml:"indexComplete"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	ProgressEvery int    `yaml:"progressEvery"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with defaults for any missing
// values.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: reading config file %s: %v", apperrors.ErrInvalidConfig, path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parsing config file %s: %v", apperrors.ErrInvalidConfig, path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config with the artifact names the query engine expects.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			OutputDir:      "output",
			IDMap:          "id_map.txt",
			Graph:          "graph.txt",
			Lexicon:        "lexicon.txt",
			ForwardIndex:   "forward_index.txt",
			DocLengths:     "doc_lengths.txt",
			InvertedIndex:  "inverted_index.txt",
			BarrelDir:      "barrels",
			PublishedScore: "arxiv_pagerank.json",
			MetadataTable:  "doc_metadata.txt",
			CleanCorpus:    "clean_dataset.txt",
		},
		Graph: GraphConfig{
			StripPrefixes: []string{"arXiv:"},
		},
		Corpus: CorpusConfig{
			Format:     "jsonl",
			IDField:    "id",
			TextFields: []string{"title", "abstract", "categories"},
		},
		Tokenizer: TokenizerConfig{
			MinLength: 1,
		},
		Lexicon: LexiconConfig{
			Store: "memory",
		},
		Index: IndexConfig{
			MemoryFraction: 0.25,
		},
		Barrels: BarrelConfig{
			TermsPerBarrel: 50000,
			DocIDs:         "idmap",
		},
		Publish: PublishConfig{
			BatchSize:     1000,
			RetryAttempts: 3,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "rummager",
			User:            "rummager",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    10,
			ScoreKey:    "rummager:scores",
			MetadataKey: "rummager:metadata",
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topics: KafkaTopics{
				IndexComplete: "index.complete",
			},
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "text",
			ProgressEvery: 100000,
		},
		Metrics: MetricsConfig{
			Port: 9090,
		},
	}
}

// Validate rejects configurations no stage can run with.
func (c *Config) Validate() error {
	switch c.Corpus.Format {
	case "jsonl", "tsv":
	default:
		return fmt.Errorf("%w: corpus.format must be jsonl or tsv, got %q", apperrors.ErrInvalidConfig, c.Corpus.Format)
	}
	if c.Corpus.Format == "jsonl" && len(c.Corpus.TextFields) == 0 {
		return fmt.Errorf("%w: corpus.textFields must not be empty", apperrors.ErrInvalidConfig)
	}
	switch c.Lexicon.Store {
	case "memory", "bolt":
	default:
		return fmt.Errorf("%w: lexicon.store must be memory or bolt, got %q", apperrors.ErrInvalidConfig, c.Lexicon.Store)
	}
	switch c.Barrels.DocIDs {
	case "idmap", "ordinal":
	default:
		return fmt.Errorf("%w: barrels.docIds must be idmap or ordinal, got %q", apperrors.ErrInvalidConfig, c.Barrels.DocIDs)
	}
	if c.Barrels.TermsPerBarrel == 0 {
		return fmt.Errorf("%w: barrels.termsPerBarrel must be positive", apperrors.ErrInvalidConfig)
	}
	if c.Index.SpillThreshold < 0 {
		return fmt.Errorf("%w: index.spillThreshold must not be negative", apperrors.ErrInvalidConfig)
	}
	if c.Index.MemoryFraction < 0 || c.Index.MemoryFraction > 1 {
		return fmt.Errorf("%w: index.memoryFraction must be within [0,1]", apperrors.ErrInvalidConfig)
	}
	if c.Publish.BatchSize <= 0 {
		return fmt.Errorf("%w: publish.batchSize must be positive", apperrors.ErrInvalidConfig)
	}
	return nil
}

// applyEnvOverrides reads RM_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RM_OUTPUT_DIR"); v != "" {
		cfg.Paths.OutputDir = v
	}
	if v := os.Getenv("RM_CITATIONS"); v != "" {
		cfg.Paths.Citations = v
	}
	if v := os.Getenv("RM_CORPUS"); v != "" {
		cfg.Paths.Corpus = v
	}
	if v := os.Getenv("RM_METADATA"); v != "" {
		cfg.Paths.Metadata = v
	}
	if v := os.Getenv("RM_SCORES"); v != "" {
		cfg.Paths.Scores = v
	}
	if v := os.Getenv("RM_CORPUS_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Corpus.Limit = n
		}
	}
	if v := os.Getenv("RM_LEXICON_STORE"); v != "" {
		cfg.Lexicon.Store = v
	}
	if v := os.Getenv("RM_SPILL_THRESHOLD"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Index.SpillThreshold = n
		}
	}
	if v := os.Getenv("RM_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("RM_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("RM_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("RM_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("RM_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("RM_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("RM_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("RM_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("RM_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("RM_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
