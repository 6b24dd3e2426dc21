// Package config loads service settings from the environment. A .env file in
// the working directory, if any, is read first; real environment variables
// win over it.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Index backends.
const (
	BackendQdrant = "qdrant"
	BackendMemory = "memory"
)

// Model providers.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// Config holds all environment-based configuration.
type Config struct {
	Port       string
	LogLevel   slog.Level
	CORSOrigin string
	JWTSecret  string

	NATSURL      string
	NotesSubject string

	IndexBackend string
	QdrantURL    string
	Collection   string
	VectorDims   int

	Neo4jURL  string
	Neo4jUser string
	Neo4jPass string
	Neo4jDB   string

	Provider      string
	OllamaURL     string
	EmbedModel    string
	ChatModel     string
	OpenAIKey     string
	OpenAIBaseURL string

	TopK               int
	RelevancePrimary   float64
	RelevanceSecondary float64

	EmbedTimeout    time.Duration
	IndexTimeout    time.Duration
	GenerateTimeout time.Duration
	SyncWorkers     int
	EmbedRPS        float64
}

// Load reads .env (when present) and the environment. Malformed numbers and
// durations are errors rather than silent defaults.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: .env: %w", err)
	}

	p := parser{}
	cfg := Config{
		Port:       envOr("PORT", "8080"),
		LogLevel:   p.levelVar("LOG_LEVEL", slog.LevelInfo),
		CORSOrigin: envOr("CORS_ORIGIN", "*"),
		JWTSecret:  os.Getenv("JWT_SECRET"),

		NATSURL:      envOr("NATS_URL", "nats://localhost:4222"),
		NotesSubject: envOr("NOTES_SUBJECT", "notes.changes"),

		IndexBackend: strings.ToLower(envOr("INDEX_BACKEND", BackendQdrant)),
		QdrantURL:    envOr("QDRANT_URL", "localhost:6334"),
		Collection:   envOr("QDRANT_COLLECTION", "notes"),
		VectorDims:   p.intVar("VECTOR_DIMS", 768),

		Neo4jURL:  envOr("NEO4J_URL", "neo4j://localhost:7687"),
		Neo4jUser: envOr("NEO4J_USER", "neo4j"),
		Neo4jPass: envOr("NEO4J_PASS", "password"),
		Neo4jDB:   os.Getenv("NEO4J_DATABASE"),

		Provider:      strings.ToLower(envOr("PROVIDER", ProviderOllama)),
		OllamaURL:     envOr("OLLAMA_URL", "http://localhost:11434"),
		EmbedModel:    envOr("EMBED_MODEL", "nomic-embed-text"),
		ChatModel:     envOr("CHAT_MODEL", "llama3.1"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),

		TopK:               p.intVar("RETRIEVE_TOP_K", 4),
		RelevancePrimary:   p.floatVar("RELEVANCE_PRIMARY", 0.5),
		RelevanceSecondary: p.floatVar("RELEVANCE_SECONDARY", 0.4),

		EmbedTimeout:    p.durationVar("EMBED_TIMEOUT", 10*time.Second),
		IndexTimeout:    p.durationVar("INDEX_TIMEOUT", 5*time.Second),
		GenerateTimeout: p.durationVar("GENERATE_TIMEOUT", 60*time.Second),
		SyncWorkers:     p.intVar("SYNC_WORKERS", 8),
		EmbedRPS:        p.floatVar("EMBED_RPS", 0),
	}
	if err := errors.Join(p.errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	var errs []error
	if c.RelevancePrimary < -1 || c.RelevancePrimary > 1 {
		errs = append(errs, fmt.Errorf("RELEVANCE_PRIMARY %v outside [-1,1]", c.RelevancePrimary))
	}
	if c.RelevanceSecondary < -1 || c.RelevanceSecondary > 1 {
		errs = append(errs, fmt.Errorf("RELEVANCE_SECONDARY %v outside [-1,1]", c.RelevanceSecondary))
	}
	if c.RelevanceSecondary > c.RelevancePrimary {
		errs = append(errs, errors.New("RELEVANCE_SECONDARY must not exceed RELEVANCE_PRIMARY"))
	}
	if c.TopK < 1 {
		errs = append(errs, fmt.Errorf("RETRIEVE_TOP_K must be at least 1, got %d", c.TopK))
	}
	if c.SyncWorkers < 1 {
		errs = append(errs, fmt.Errorf("SYNC_WORKERS must be at least 1, got %d", c.SyncWorkers))
	}
	if c.VectorDims < 1 {
		errs = append(errs, fmt.Errorf("VECTOR_DIMS must be positive, got %d", c.VectorDims))
	}
	switch c.IndexBackend {
	case BackendQdrant, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown INDEX_BACKEND %q", c.IndexBackend))
	}
	switch c.Provider {
	case ProviderOllama:
	case ProviderOpenAI:
		if c.OpenAIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for the openai provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown PROVIDER %q", c.Provider))
	}
	return errors.Join(errs...)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// parser collects conversion errors so Load can report all of them.
type parser struct {
	errs []error
}

func (p *parser) intVar(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func (p *parser) floatVar(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return f
}

func (p *parser) durationVar(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func (p *parser) levelVar(key string, fallback slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return l
}

// NewLogger returns the JSON logger every binary installs.
func (c Config) NewLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: c.LogLevel}))
}
