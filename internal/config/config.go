// Package config manages application configuration with multi-source
// priority: environment variables over the config file over defaults.
//
// The config file is ~/.cito/config.yaml (or ./config.yaml). Sensitive
// fields are masked in MarshalJSON and String; never log the struct
// through anything else.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Sentinel errors for validation failures.
var (
	ErrConfigNil            = errors.New("configuration is nil")
	ErrInvalidProvider      = errors.New("invalid provider")
	ErrMissingAPIKey        = errors.New("missing API key")
	ErrInvalidStoreBackend  = errors.New("invalid store backend")
	ErrInvalidPostgresHost  = errors.New("invalid PostgreSQL host")
	ErrInvalidPostgresPort  = errors.New("invalid PostgreSQL port")
	ErrInvalidPostgresDB    = errors.New("invalid PostgreSQL database name")
	ErrInvalidTopK          = errors.New("invalid top-k")
	ErrInvalidLimit         = errors.New("invalid per-collection limit")
	ErrInvalidTimeout       = errors.New("invalid timeout")
	ErrInvalidQueryBound    = errors.New("invalid query length bound")
	ErrInvalidHTTPAddr      = errors.New("invalid HTTP listen address")
	ErrInvalidRateLimit     = errors.New("invalid rate limit")
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")
)

// AI provider identifiers used in Config.Provider.
const (
	ProviderGemini   = "gemini"
	ProviderOllama   = "ollama"
	ProviderOpenAI   = "openai"
	ProviderGoogleAI = "googleai"
)

// Store backend identifiers used in Config.StoreBackend.
const (
	StorePostgres = "postgres"
	StoreChromem  = "chromem"
)

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON.
// When adding new sensitive fields, update MarshalJSON.
type Config struct {
	// AI provider and model configuration
	Provider      string `mapstructure:"provider" json:"provider"`
	ModelName     string `mapstructure:"model_name" json:"model_name"`
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`
	OllamaHost    string `mapstructure:"ollama_host" json:"ollama_host"`

	// Retrieval tuning
	StoreBackend           string `mapstructure:"store_backend" json:"store_backend"`
	PerCollectionLimit     int    `mapstructure:"per_collection_limit" json:"per_collection_limit"`
	PerCollectionTimeoutMS int    `mapstructure:"per_collection_timeout_ms" json:"per_collection_timeout_ms"`
	TopK                   int    `mapstructure:"top_k" json:"top_k"`

	// Synthesis tuning
	SynthesisPassages    int `mapstructure:"synthesis_passages" json:"synthesis_passages"`
	SynthesisTimeoutMS   int `mapstructure:"synthesis_timeout_ms" json:"synthesis_timeout_ms"`
	FirstTokenDeadlineMS int `mapstructure:"first_token_deadline_ms" json:"first_token_deadline_ms"`

	// Query bounds and rate limiting
	MaxQueryLen    int     `mapstructure:"max_query_len" json:"max_query_len"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps" json:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst" json:"rate_limit_burst"`

	// Embedding cache
	CacheTTLMinutes int `mapstructure:"cache_ttl_minutes" json:"cache_ttl_minutes"`
	CacheSize       int `mapstructure:"cache_size" json:"cache_size"`

	// PostgreSQL (used when store_backend is "postgres")
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Redis embedding cache (empty addr = in-memory cache)
	RedisAddr     string `mapstructure:"redis_addr" json:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" json:"redis_password"` // SENSITIVE: masked in MarshalJSON
	RedisDB       int    `mapstructure:"redis_db" json:"redis_db"`

	// HTTP API (serve mode)
	HTTPAddr string `mapstructure:"http_addr" json:"http_addr"`
	APIKey   string `mapstructure:"api_key" json:"api_key"` // SENSITIVE: masked in MarshalJSON

	// Grants maps a principal to the collection names it may search.
	// Names are resolved to collection IDs against the store at startup.
	Grants map[string][]string `mapstructure:"grants" json:"grants"`

	// Observability
	OTLP OTLPConfig `mapstructure:"otlp" json:"otlp"`
}

// OTLPConfig configures trace export over OTLP HTTP.
type OTLPConfig struct {
	Enabled     bool   `mapstructure:"enabled" json:"enabled"`
	Endpoint    string `mapstructure:"endpoint" json:"endpoint"`
	ServiceName string `mapstructure:"service_name" json:"service_name"`
	Environment string `mapstructure:"environment" json:"environment"`
}

// Load reads configuration from defaults, the config file and the
// environment, validates it and returns it. Fail-fast: an invalid
// config never leaves this function.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}
	configDir := filepath.Join(home, ".cito")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.parseDatabaseURL(os.Getenv("DATABASE_URL")); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", ProviderGemini)
	v.SetDefault("model_name", "gemini-2.5-flash")
	v.SetDefault("embedder_model", "gemini-embedding-001")
	v.SetDefault("ollama_host", "http://localhost:11434")

	v.SetDefault("store_backend", StorePostgres)
	v.SetDefault("per_collection_limit", 10)
	v.SetDefault("per_collection_timeout_ms", 1500)
	v.SetDefault("top_k", 10)

	v.SetDefault("synthesis_passages", 5)
	v.SetDefault("synthesis_timeout_ms", 30000)
	v.SetDefault("first_token_deadline_ms", 10000)

	v.SetDefault("max_query_len", 500)
	v.SetDefault("rate_limit_rps", 2.0)
	v.SetDefault("rate_limit_burst", 4)

	v.SetDefault("cache_ttl_minutes", 60)
	v.SetDefault("cache_size", 1024)

	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "cito")
	v.SetDefault("postgres_password", "cito_dev_password")
	v.SetDefault("postgres_db_name", "cito")
	v.SetDefault("postgres_ssl_mode", "disable")

	v.SetDefault("redis_db", 0)

	v.SetDefault("http_addr", ":8080")

	v.SetDefault("otlp.enabled", false)
	v.SetDefault("otlp.endpoint", "localhost:4318")
	v.SetDefault("otlp.service_name", "cito")
	v.SetDefault("otlp.environment", "dev")
}

// bindEnvVariables binds environment overrides. Provider API keys
// (GEMINI_API_KEY, OPENAI_API_KEY) are read directly by genkit, not via
// viper; Validate only checks their presence.
func bindEnvVariables(v *viper.Viper) {
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: binding %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("provider", "CITO_PROVIDER")
	mustBind("model_name", "CITO_MODEL_NAME")
	mustBind("embedder_model", "CITO_EMBEDDER_MODEL")
	mustBind("ollama_host", "CITO_OLLAMA_HOST")
	mustBind("store_backend", "CITO_STORE_BACKEND")
	mustBind("http_addr", "CITO_HTTP_ADDR")
	mustBind("api_key", "CITO_API_KEY")
	mustBind("redis_addr", "REDIS_ADDR")
	mustBind("redis_password", "REDIS_PASSWORD")
	mustBind("otlp.enabled", "CITO_OTLP_ENABLED")
	mustBind("otlp.endpoint", "CITO_OTLP_ENDPOINT")
}

// parseDatabaseURL overrides the postgres fields from a DATABASE_URL,
// which takes priority over file and defaults.
func (c *Config) parseDatabaseURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	c.PostgresHost = u.Hostname()
	if port := u.Port(); port != "" {
		if _, err := fmt.Sscanf(port, "%d", &c.PostgresPort); err != nil {
			return fmt.Errorf("invalid port %q", port)
		}
	}
	if u.User != nil {
		c.PostgresUser = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			c.PostgresPassword = pw
		}
	}
	c.PostgresDBName = strings.TrimPrefix(u.Path, "/")
	if mode := u.Query().Get("sslmode"); mode != "" {
		c.PostgresSSLMode = mode
	}
	return nil
}

// Validate checks the configuration, failing fast with sentinel errors.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	switch c.Provider {
	case ProviderGemini, ProviderGoogleAI:
		if os.Getenv("GEMINI_API_KEY") == "" {
			return fmt.Errorf("%w: GEMINI_API_KEY not set", ErrMissingAPIKey)
		}
	case ProviderOpenAI:
		if os.Getenv("OPENAI_API_KEY") == "" {
			return fmt.Errorf("%w: OPENAI_API_KEY not set", ErrMissingAPIKey)
		}
	case ProviderOllama:
		if c.OllamaHost == "" {
			return fmt.Errorf("%w: ollama host is empty", ErrInvalidProvider)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidProvider, c.Provider)
	}

	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: empty", ErrInvalidEmbedderModel)
	}

	switch c.StoreBackend {
	case StorePostgres:
		if c.PostgresHost == "" {
			return ErrInvalidPostgresHost
		}
		if c.PostgresPort < 1 || c.PostgresPort > 65535 {
			return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.PostgresPort)
		}
		if c.PostgresDBName == "" {
			return ErrInvalidPostgresDB
		}
	case StoreChromem:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStoreBackend, c.StoreBackend)
	}

	if c.TopK < 1 || c.TopK > 100 {
		return fmt.Errorf("%w: %d (want 1-100)", ErrInvalidTopK, c.TopK)
	}
	if c.PerCollectionLimit < 1 || c.PerCollectionLimit > 100 {
		return fmt.Errorf("%w: %d (want 1-100)", ErrInvalidLimit, c.PerCollectionLimit)
	}
	if c.SynthesisPassages < 1 || c.SynthesisPassages > c.TopK {
		return fmt.Errorf("%w: synthesis_passages %d (want 1-%d)", ErrInvalidLimit, c.SynthesisPassages, c.TopK)
	}
	for name, ms := range map[string]int{
		"per_collection_timeout_ms": c.PerCollectionTimeoutMS,
		"synthesis_timeout_ms":      c.SynthesisTimeoutMS,
		"first_token_deadline_ms":   c.FirstTokenDeadlineMS,
	} {
		if ms < 1 {
			return fmt.Errorf("%w: %s = %d", ErrInvalidTimeout, name, ms)
		}
	}
	if c.MaxQueryLen < 1 || c.MaxQueryLen > 10000 {
		return fmt.Errorf("%w: max_query_len %d", ErrInvalidQueryBound, c.MaxQueryLen)
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return ErrInvalidRateLimit
	}
	if c.HTTPAddr == "" {
		return ErrInvalidHTTPAddr
	}
	return nil
}

// Duration accessors.

func (c *Config) PerCollectionTimeout() time.Duration {
	return time.Duration(c.PerCollectionTimeoutMS) * time.Millisecond
}

func (c *Config) SynthesisTimeout() time.Duration {
	return time.Duration(c.SynthesisTimeoutMS) * time.Millisecond
}

func (c *Config) FirstTokenDeadline() time.Duration {
	return time.Duration(c.FirstTokenDeadlineMS) * time.Millisecond
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMinutes) * time.Minute
}

// PostgresURL returns the postgres:// URL used by migrations.
func (c *Config) PostgresURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.PostgresUser),
		url.QueryEscape(c.PostgresPassword),
		c.PostgresHost, c.PostgresPort, c.PostgresDBName, c.PostgresSSLMode)
}

// PostgresConnectionString returns the key=value form pgx prefers.
func (c *Config) PostgresConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.PostgresHost, c.PostgresPort, c.PostgresUser, c.PostgresPassword,
		c.PostgresDBName, c.PostgresSSLMode)
}

// FullModelName returns the provider-qualified model name for genkit,
// e.g. "googleai/gemini-2.5-flash" or "ollama/llama3.3".
func (c *Config) FullModelName() string {
	if strings.Contains(c.ModelName, "/") {
		return c.ModelName
	}
	switch c.Provider {
	case ProviderOllama:
		return ProviderOllama + "/" + c.ModelName
	case ProviderOpenAI:
		return ProviderOpenAI + "/" + c.ModelName
	default:
		return ProviderGoogleAI + "/" + c.ModelName
	}
}

// maskedValue avoids substring leaks: full-width blocks never collide
// with real secret characters.
const maskedValue = "████████"

// maskSecret masks a secret for logging. Secrets of 8 chars or fewer
// are fully masked; longer ones keep the first and last 2 characters.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON masks sensitive fields.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	a.RedisPassword = maskSecret(a.RedisPassword)
	a.APIKey = maskSecret(a.APIKey)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer so accidental printing stays masked.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
