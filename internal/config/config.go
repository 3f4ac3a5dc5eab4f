// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for the HTTP
// server, logging, the database, the Zoekt dispatch client, the search result
// cache, background task processing, and observability.
package config

import (
	"errors"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "zoekt-coordinator")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// GitalyConfig holds the repository storage connection details that are
// forwarded to search nodes inside indexing requests.
type GitalyConfig struct {
	Address string // GITALY_ADDRESS
	Token   string // GITALY_TOKEN
}

// RedisConfig configures the optional Redis-backed search result cache.
// An empty Addr selects the in-process cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ZoektConfig groups everything the dispatch client, the result merger and
// the task processor need to talk to search nodes.
type ZoektConfig struct {
	// Basic-auth credential files. A missing file omits that credential.
	UsernameFile string
	PasswordFile string

	SearchTimeout time.Duration
	IndexTimeout  time.Duration
	DeleteTimeout time.Duration

	BackoffEnabled bool
	MaxBackoff     time.Duration

	FileSizeLimit int64 // bytes
	ContextLines  int

	// CountLimit is the ceiling on matches requested and counted per query.
	CountLimit int
	CacheTTL   time.Duration
	// CacheMaxPages bounds how many pages past the requested one are cached.
	CacheMaxPages int
	// CacheMaxEntries caps the in-process cache used when Redis is absent.
	CacheMaxEntries int

	TaskBatch       int
	TaskMaxRetries  int
	TaskInterval    time.Duration
	TaskRetention   time.Duration
	PartitionPeriod time.Duration

	// NodeOnlineWindow is how recent a heartbeat must be for a node to be
	// considered for automatic assignment.
	NodeOnlineWindow time.Duration
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	LogFile        string // optional rotated log file
	LogMaxSizeMB   int
	LogMaxBackups  int
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Database
	DBDriver string // sqlite|postgres|mysql
	DBDSN    string // file path for sqlite, DSN otherwise

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	Zoekt  ZoektConfig
	Gitaly GitalyConfig
	Redis  RedisConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		LogFile:        getenv("LOG_FILE", ""),
		LogMaxSizeMB:   getint("LOG_MAX_SIZE_MB", 100),
		LogMaxBackups:  getint("LOG_MAX_BACKUPS", 5),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Database
		DBDriver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
		DBDSN:    getenv("DB_DSN", "zoekt.db"),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 20.0),
		RateBurst: getint("RATE_BURST", 40),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		Zoekt: ZoektConfig{
			UsernameFile:     getenv("ZOEKT_USERNAME_FILE", ""),
			PasswordFile:     getenv("ZOEKT_PASSWORD_FILE", ""),
			SearchTimeout:    getdur("ZOEKT_SEARCH_TIMEOUT", 30*time.Second),
			IndexTimeout:     getdur("ZOEKT_INDEX_TIMEOUT", 30*time.Minute),
			DeleteTimeout:    getdur("ZOEKT_DELETE_TIMEOUT", 30*time.Second),
			BackoffEnabled:   getbool("ZOEKT_BACKOFF_ENABLED", true),
			MaxBackoff:       getdur("ZOEKT_MAX_BACKOFF", 30*time.Minute),
			FileSizeLimit:    int64(getint("ZOEKT_FILE_SIZE_LIMIT", 1<<20)),
			ContextLines:     getint("ZOEKT_CONTEXT_LINES", 1),
			CountLimit:       getint("ZOEKT_COUNT_LIMIT", 5000),
			CacheTTL:         getdur("ZOEKT_CACHE_TTL", 5*time.Minute),
			CacheMaxPages:    getint("ZOEKT_CACHE_MAX_PAGES", 10),
			CacheMaxEntries:  getint("ZOEKT_CACHE_MAX_ENTRIES", 10000),
			TaskBatch:        getint("ZOEKT_TASK_BATCH", 50),
			TaskMaxRetries:   getint("ZOEKT_TASK_MAX_RETRIES", 5),
			TaskInterval:     getdur("ZOEKT_TASK_INTERVAL", 10*time.Second),
			TaskRetention:    getdur("ZOEKT_TASK_RETENTION", 7*24*time.Hour),
			PartitionPeriod:  getdur("ZOEKT_PARTITION_PERIOD", 24*time.Hour),
			NodeOnlineWindow: getdur("ZOEKT_NODE_ONLINE_WINDOW", time.Minute),
		},
		Gitaly: GitalyConfig{
			Address: getenv("GITALY_ADDRESS", "tcp://localhost:8075"),
			Token:   getenv("GITALY_TOKEN", ""),
		},
		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", ""),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getint("REDIS_DB", 0),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "zoekt-coordinator"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	if c.LogLevel == "warning" {
		c.LogLevel = "warn"
	}
	if !oneOf(c.GinMode, "debug", "release", "test") {
		c.GinMode = "release"
	}
	if c.DBDriver == "postgresql" {
		c.DBDriver = "postgres"
	}
}

// validate reports every invalid setting at once.
func (c Config) validate() error {
	return errors.Join(
		c.validateServer(),
		c.validateStorage(),
		validateZoekt(c.Zoekt),
		c.validateObservability(),
	)
}

func (c Config) validateServer() error {
	var errs []error
	if strings.TrimSpace(c.Port) == "" {
		errs = append(errs, errors.New("PORT must not be empty"))
	}
	if c.ReadTimeout <= 0 || c.ReadHeaderTimeout <= 0 || c.WriteTimeout <= 0 || c.IdleTimeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive durations"))
	}
	if c.MaxHeaderBytes <= 0 {
		errs = append(errs, errors.New("MAX_HEADER_BYTES must be > 0"))
	}
	if c.RateRPS < 0 {
		errs = append(errs, errors.New("RATE_RPS must be >= 0"))
	}
	if c.RateBurst < 1 {
		errs = append(errs, errors.New("RATE_BURST must be >= 1"))
	}
	if c.Security.HSTSMaxAge < 0 {
		errs = append(errs, errors.New("HSTS_MAX_AGE must be >= 0"))
	}
	return errors.Join(errs...)
}

func (c Config) validateStorage() error {
	var errs []error
	if !oneOf(c.DBDriver, "sqlite", "postgres", "mysql") {
		errs = append(errs, errors.New("DB_DRIVER must be one of: sqlite, postgres, mysql"))
	}
	if strings.TrimSpace(c.DBDSN) == "" {
		errs = append(errs, errors.New("DB_DSN must not be empty"))
	}
	if c.Redis.DB < 0 {
		errs = append(errs, errors.New("REDIS_DB must be >= 0"))
	}
	return errors.Join(errs...)
}

func (c Config) validateObservability() error {
	var errs []error
	if !oneOf(c.LogLevel, "debug", "info", "warn", "error", "fatal", "panic") {
		errs = append(errs, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic"))
	}
	if c.LogFile != "" && (c.LogMaxSizeMB <= 0 || c.LogMaxBackups < 0) {
		errs = append(errs, errors.New("LOG_MAX_SIZE_MB must be > 0 and LOG_MAX_BACKUPS >= 0"))
	}
	if c.OTEL.SampleRatio < 0 || c.OTEL.SampleRatio > 1 {
		errs = append(errs, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]"))
	}
	return errors.Join(errs...)
}

func validateZoekt(z ZoektConfig) error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}
	check(z.SearchTimeout > 0 && z.IndexTimeout > 0 && z.DeleteTimeout > 0, "ZOEKT_*_TIMEOUT must be positive durations")
	check(z.MaxBackoff > 0, "ZOEKT_MAX_BACKOFF must be > 0")
	check(z.FileSizeLimit > 0, "ZOEKT_FILE_SIZE_LIMIT must be > 0")
	check(z.ContextLines >= 0, "ZOEKT_CONTEXT_LINES must be >= 0")
	check(z.CountLimit >= 1, "ZOEKT_COUNT_LIMIT must be >= 1")
	check(z.CacheTTL > 0, "ZOEKT_CACHE_TTL must be > 0")
	check(z.CacheMaxPages >= 1, "ZOEKT_CACHE_MAX_PAGES must be >= 1")
	check(z.CacheMaxEntries >= 1, "ZOEKT_CACHE_MAX_ENTRIES must be >= 1")
	check(z.TaskBatch >= 1 && z.TaskMaxRetries >= 1, "ZOEKT_TASK_BATCH and ZOEKT_TASK_MAX_RETRIES must be >= 1")
	check(z.TaskInterval > 0 && z.TaskRetention > 0 && z.PartitionPeriod > 0 && z.NodeOnlineWindow > 0,
		"ZOEKT task/partition durations must be positive")
	return errors.Join(errs...)
}
