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

const (
	IndexPgvector = "pgvector"
	IndexSQLite   = "sqlite"

	StateBadger   = "badger"
	StatePostgres = "postgres"

	EmbedGemini = "gemini"
	EmbedOpenAI = "openai"

	DefaultGeminiEmbedModel = "text-embedding-004"
)

type Config struct {
	Port          string
	LogLevel      string
	LogFormat     string
	PublicBaseURL string

	GraphTenantID     string
	GraphClientID     string
	GraphClientSecret string
	GraphBaseURL      string
	GraphRPS          float64

	WebhookClientState string
	ClientStatePrefix  string
	ClientStateSuffix  string
	JWTSecret          string

	IndexBackend string
	StateBackend string
	DatabaseURL  string
	SslCertPath  string
	SQLitePath   string
	BadgerPath   string

	EmbedProvider    string
	AIAPIKey         string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OpenAIAPIVersion string
	EmbedModel       string
	EmbedDim         int
	EmbedTimeout     time.Duration
	EmbedMaxAttempts int
	EmbedFallback    bool

	AwsAccessKey  string
	AwsSecretKey  string
	AwsRegion     string
	ArchiveBucket string

	TempDir           string
	SyncWorkers       int
	RenewalInterval   time.Duration
	RetentionInterval time.Duration
	IndexCapacity     int64

	Pipeline Pipeline
}

// LoadConfig loads the environment (and the optional pipeline file) into a Config.
// It does not validate; call Validate before serving.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "json"),
		PublicBaseURL: strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),

		GraphTenantID:     getEnv("GRAPH_TENANT_ID", ""),
		GraphClientID:     getEnv("GRAPH_CLIENT_ID", ""),
		GraphClientSecret: getEnv("GRAPH_CLIENT_SECRET", ""),
		GraphBaseURL:      getEnv("GRAPH_BASE_URL", "https://graph.microsoft.com/v1.0"),
		GraphRPS:          getEnvFloat("GRAPH_RPS", 8),

		WebhookClientState: getEnv("WEBHOOK_CLIENT_STATE", ""),
		ClientStatePrefix:  getEnv("CLIENT_STATE_PREFIX", "drivesync"),
		ClientStateSuffix:  getEnv("CLIENT_STATE_SUFFIX", "webhook"),
		JWTSecret:          getEnv("JWT_SECRET", ""),

		IndexBackend: getEnv("INDEX_BACKEND", IndexPgvector),
		StateBackend: getEnv("STATE_BACKEND", StateBadger),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		SslCertPath:  getEnv("SSL_CERT_PATH", ""),
		SQLitePath:   getEnv("SQLITE_PATH", "./data/index.db"),
		BadgerPath:   getEnv("BADGER_PATH", "./data/state"),

		EmbedProvider:    getEnv("EMBED_PROVIDER", EmbedGemini),
		AIAPIKey:         getEnv("GEMINI_API_KEY", ""),
		OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:    getEnv("OPENAI_BASE_URL", ""),
		OpenAIAPIVersion: getEnv("OPENAI_API_VERSION", ""),
		EmbedModel:       getEnv("EMBED_MODEL", DefaultGeminiEmbedModel),
		EmbedDim:         getEnvInt("EMBED_DIM", 768),
		EmbedTimeout:     getEnvDuration("EMBED_TIMEOUT", 30*time.Second),
		EmbedMaxAttempts: getEnvInt("EMBED_MAX_ATTEMPTS", 3),
		EmbedFallback:    getEnvBool("EMBED_FALLBACK", false),

		AwsAccessKey:  getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey:  getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:     getEnv("AWS_REGION", "us-east-2"),
		ArchiveBucket: getEnv("ARCHIVE_BUCKET", ""),

		TempDir:           getEnv("TEMP_DIR", os.TempDir()),
		SyncWorkers:       getEnvInt("SYNC_WORKERS", 4),
		RenewalInterval:   getEnvDuration("RENEWAL_INTERVAL", time.Hour),
		RetentionInterval: getEnvDuration("RETENTION_INTERVAL", 24*time.Hour),
		IndexCapacity:     int64(getEnvInt("INDEX_CAPACITY", 0)),

		Pipeline: DefaultPipeline(),
	}

	if path := getEnv("PIPELINE_CONFIG", ""); path != "" {
		p, err := LoadPipeline(path)
		if err != nil {
			return nil, err
		}
		cfg.Pipeline = p
	}

	return cfg, nil
}

// Validate reports every fatal configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	require := func(v, key string) {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, fmt.Errorf("%s not set", key))
		}
	}

	require(c.GraphTenantID, "GRAPH_TENANT_ID")
	require(c.GraphClientID, "GRAPH_CLIENT_ID")
	require(c.GraphClientSecret, "GRAPH_CLIENT_SECRET")
	require(c.WebhookClientState, "WEBHOOK_CLIENT_STATE")

	switch c.EmbedProvider {
	case EmbedGemini:
		require(c.AIAPIKey, "GEMINI_API_KEY")
	case EmbedOpenAI:
		require(c.OpenAIAPIKey, "OPENAI_API_KEY")
	default:
		errs = append(errs, fmt.Errorf("EMBED_PROVIDER %q is not one of %s, %s", c.EmbedProvider, EmbedGemini, EmbedOpenAI))
	}

	switch c.IndexBackend {
	case IndexPgvector:
		require(c.DatabaseURL, "DATABASE_URL")
	case IndexSQLite:
		require(c.SQLitePath, "SQLITE_PATH")
	default:
		errs = append(errs, fmt.Errorf("INDEX_BACKEND %q is not one of %s, %s", c.IndexBackend, IndexPgvector, IndexSQLite))
	}

	switch c.StateBackend {
	case StateBadger:
		require(c.BadgerPath, "BADGER_PATH")
	case StatePostgres:
		require(c.DatabaseURL, "DATABASE_URL")
	default:
		errs = append(errs, fmt.Errorf("STATE_BACKEND %q is not one of %s, %s", c.StateBackend, StateBadger, StatePostgres))
	}

	if c.ArchiveBucket != "" && (c.AwsAccessKey == "" || c.AwsSecretKey == "") {
		errs = append(errs, errors.New("ARCHIVE_BUCKET set but AWS credentials missing"))
	}
	if c.EmbedDim <= 0 {
		errs = append(errs, fmt.Errorf("EMBED_DIM must be positive, got %d", c.EmbedDim))
	}
	if c.SyncWorkers <= 0 {
		errs = append(errs, fmt.Errorf("SYNC_WORKERS must be positive, got %d", c.SyncWorkers))
	}
	if err := c.Pipeline.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// NotificationURL is where Graph delivers change notifications.
func (c *Config) NotificationURL() string {
	return c.PublicBaseURL + "/api/webhook/notifications"
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("config value is not an int, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("config value is not a number, using default", "key", key, "value", v, "default", def)
		return def
	}
	return f
}

func getEnvBool(key string, def bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("config value is not a bool, using default", "key", key, "value", v, "default", def)
		return def
	}
	return b
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("config value is not a duration, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}
