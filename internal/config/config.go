// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ashita-ai/tane/internal/service/ingest"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Storage. At most one of DatabaseURL and SQLitePath may be set; with
	// neither the engine runs in memory.
	DatabaseURL string
	SQLitePath  string

	// TargetsFile is the YAML file defining target libraries.
	TargetsFile string

	// Scoring.
	DensityWeight  float64
	UniqueWeight   float64
	CriticalWeight float64
	Saturation     float64

	// Scheduling and convergence.
	MaxLineageDepth int
	MaxFruitless    int
	ConvergeRounds  int

	// Compaction.
	CompactInterval  time.Duration
	CompactThreshold int

	// Ingest pipeline.
	BufferSize    int
	FlushTimeout  time.Duration
	IngestWorkers int
	WALDir        string // empty disables the WAL
	WALSyncMode   string

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// Shared secrets exchanged for tokens at /auth/token.
	WorkerAPIKey string
	AdminAPIKey  string

	// Rate limiting for ingest routes, per worker.
	RateLimitRPS   float64
	RateLimitBurst int

	// MCPEnabled mounts the MCP endpoint at /mcp.
	MCPEnabled bool

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64

	// Shutdown phases. Zero waits without a deadline.
	ShutdownHTTPTimeout  time.Duration
	ShutdownDrainTimeout time.Duration
}

// Load reads configuration from environment variables with sensible
// defaults. Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	str := envStr
	num := func(key string, def int) int {
		v, err := envInt(key, def)
		errs = append(errs, err)
		return v
	}
	flt := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		errs = append(errs, err)
		return v
	}
	bln := func(key string, def bool) bool {
		v, err := envBool(key, def)
		errs = append(errs, err)
		return v
	}
	dur := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		errs = append(errs, err)
		return v
	}

	cfg := Config{
		Port:                num("TANE_PORT", 8080),
		ReadTimeout:         dur("TANE_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        dur("TANE_WRITE_TIMEOUT", 30*time.Second),
		DatabaseURL:         str("DATABASE_URL", ""),
		SQLitePath:          str("TANE_SQLITE_PATH", ""),
		TargetsFile:         str("TANE_TARGETS_FILE", "targets.yaml"),
		DensityWeight:       flt("TANE_WEIGHT_DENSITY", 0.3),
		UniqueWeight:        flt("TANE_WEIGHT_UNIQUE", 0.5),
		CriticalWeight:      flt("TANE_WEIGHT_CRITICAL", 0.2),
		Saturation:          flt("TANE_SATURATION", 10),
		MaxLineageDepth:     num("TANE_MAX_LINEAGE_DEPTH", 16),
		MaxFruitless:        num("TANE_MAX_FRUITLESS", 8),
		ConvergeRounds:      num("TANE_CONVERGE_ROUNDS", 20),
		CompactInterval:     dur("TANE_COMPACT_INTERVAL", 5*time.Minute),
		CompactThreshold:    num("TANE_COMPACT_THRESHOLD", 500),
		BufferSize:          num("TANE_BUFFER_SIZE", 1000),
		FlushTimeout:        dur("TANE_FLUSH_TIMEOUT", time.Second),
		IngestWorkers:       num("TANE_INGEST_WORKERS", 4),
		WALDir:              str("TANE_WAL_DIR", ""),
		WALSyncMode:         str("TANE_WAL_SYNC_MODE", ingest.SyncBatch),
		JWTPrivateKeyPath:   str("TANE_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:    str("TANE_JWT_PUBLIC_KEY", ""),
		JWTExpiration:       dur("TANE_JWT_EXPIRATION", 24*time.Hour),
		WorkerAPIKey:        str("TANE_WORKER_API_KEY", ""),
		AdminAPIKey:         str("TANE_ADMIN_API_KEY", ""),
		RateLimitRPS:        flt("TANE_RATE_LIMIT_RPS", 50),
		RateLimitBurst:      num("TANE_RATE_LIMIT_BURST", 200),
		MCPEnabled:          bln("TANE_MCP_ENABLED", true),
		OTELEndpoint:        str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:         str("OTEL_SERVICE_NAME", "tane"),
		LogLevel:            str("TANE_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(num("TANE_MAX_REQUEST_BODY_BYTES", 8*1024*1024)),

		ShutdownHTTPTimeout:  dur("TANE_SHUTDOWN_HTTP_TIMEOUT", 10*time.Second),
		ShutdownDrainTimeout: dur("TANE_SHUTDOWN_DRAIN_TIMEOUT", 30*time.Second),
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	if c.TargetsFile == "" {
		errs = append(errs, errors.New("TANE_TARGETS_FILE is required"))
	}
	if c.DatabaseURL != "" && c.SQLitePath != "" {
		errs = append(errs, errors.New("DATABASE_URL and TANE_SQLITE_PATH are mutually exclusive"))
	}
	if c.DensityWeight < 0 || c.UniqueWeight < 0 || c.CriticalWeight < 0 {
		errs = append(errs, errors.New("scorer weights must be non-negative"))
	}
	if c.Saturation <= 0 {
		errs = append(errs, errors.New("TANE_SATURATION must be positive"))
	}
	if c.MaxLineageDepth < 0 || c.MaxFruitless < 0 || c.ConvergeRounds < 0 || c.CompactThreshold < 0 {
		errs = append(errs, errors.New("scheduling and compaction limits must be non-negative"))
	}
	if c.BufferSize <= 0 {
		errs = append(errs, errors.New("TANE_BUFFER_SIZE must be positive"))
	}
	if c.IngestWorkers <= 0 {
		errs = append(errs, errors.New("TANE_INGEST_WORKERS must be positive"))
	}
	switch c.WALSyncMode {
	case ingest.SyncFull, ingest.SyncBatch, ingest.SyncNone:
	default:
		errs = append(errs, fmt.Errorf("TANE_WAL_SYNC_MODE=%q must be full, batch, or none", c.WALSyncMode))
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("rate limits must be positive"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, errors.New("TANE_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// StoreKind names the configured persistence backend.
func (c Config) StoreKind() string {
	switch {
	case c.DatabaseURL != "":
		return "postgres"
	case c.SQLitePath != "":
		return "sqlite"
	default:
		return "memory"
	}
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
