package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "agentai.yaml"

// minLinkSecretLen is the minimum accepted length of links.secret in bytes.
const minLinkSecretLen = 32

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "AGENTAI_PORT")
	setString(&cfg.Server.CORSOrigin, "AGENTAI_CORS_ORIGIN")
	setString(&cfg.Server.APIKey, "AGENTAI_API_KEY")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "AGENTAI_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "AGENTAI_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "AGENTAI_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "AGENTAI_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "AGENTAI_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "AGENTAI_NATS_STREAM")
	setString(&cfg.LiteLLM.URL, "LITELLM_URL")
	setString(&cfg.LiteLLM.MasterKey, "LITELLM_MASTER_KEY")
	setString(&cfg.LiteLLM.DefaultModel, "AGENTAI_LLM_MODEL")
	setInt(&cfg.LiteLLM.MaxTokens, "AGENTAI_LLM_MAX_TOKENS")
	setDuration(&cfg.LiteLLM.Timeout, "AGENTAI_LLM_TIMEOUT")
	setString(&cfg.Logging.Level, "AGENTAI_LOG_LEVEL")
	setString(&cfg.Logging.Service, "AGENTAI_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "AGENTAI_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "AGENTAI_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "AGENTAI_BREAKER_TIMEOUT")
	setFloat64(&cfg.Rate.RequestsPerSecond, "AGENTAI_RATE_RPS")
	setInt(&cfg.Rate.Burst, "AGENTAI_RATE_BURST")
	setDuration(&cfg.Rate.CleanupInterval, "AGENTAI_RATE_CLEANUP_INTERVAL")
	setDuration(&cfg.Rate.MaxIdleTime, "AGENTAI_RATE_MAX_IDLE_TIME")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "AGENTAI_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "AGENTAI_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L1TTL, "AGENTAI_CACHE_L1_TTL")
	setDuration(&cfg.Cache.DedupeTTL, "AGENTAI_CACHE_DEDUPE_TTL")
	setDuration(&cfg.Idempotency.TTL, "AGENTAI_IDEMPOTENCY_TTL")

	// Deliberation
	setInt(&cfg.Deliberation.MaxRounds, "AGENTAI_DELIB_MAX_ROUNDS")
	setDuration(&cfg.Deliberation.Deadline, "AGENTAI_DELIB_DEADLINE")
	setInt(&cfg.Deliberation.MaxRetries, "AGENTAI_DELIB_MAX_RETRIES")
	setDuration(&cfg.Deliberation.RetryBase, "AGENTAI_DELIB_RETRY_BASE")
	setInt(&cfg.Deliberation.Workers, "AGENTAI_DELIB_WORKERS")
	setInt(&cfg.Deliberation.MaxParallel, "AGENTAI_DELIB_MAX_PARALLEL")
	setFloat64(&cfg.Deliberation.ClearWinner, "AGENTAI_DELIB_CLEAR_WINNER")
	setFloat64(&cfg.Deliberation.TieEpsilon, "AGENTAI_DELIB_TIE_EPSILON")
	setInt(&cfg.Deliberation.MaxReasons, "AGENTAI_DELIB_MAX_REASONS")
	setFloat64(&cfg.Deliberation.ViableFloor, "AGENTAI_DELIB_VIABLE_FLOOR")
	setInt(&cfg.Deliberation.MaxOptions, "AGENTAI_DELIB_MAX_OPTIONS")
	setFloat64(&cfg.Deliberation.WorkerWeight, "AGENTAI_DELIB_WORKER_WEIGHT")
	setFloat64(&cfg.Deliberation.CriticWeight, "AGENTAI_DELIB_CRITIC_WEIGHT")
	setFloat64(&cfg.Deliberation.ArbiterWeight, "AGENTAI_DELIB_ARBITER_WEIGHT")

	// Routing
	setFloat64(&cfg.Routing.AutoThreshold, "AGENTAI_ROUTING_AUTO_THRESHOLD")
	setFloat64(&cfg.Routing.ConfirmThreshold, "AGENTAI_ROUTING_CONFIRM_THRESHOLD")

	// Actions + links
	setDuration(&cfg.Actions.ConfirmationTTL, "AGENTAI_ACTIONS_CONFIRMATION_TTL")
	setDuration(&cfg.Actions.SweepInterval, "AGENTAI_ACTIONS_SWEEP_INTERVAL")
	setString(&cfg.Links.BaseURL, "AGENTAI_LINKS_BASE_URL")
	setString(&cfg.Links.Secret, "AGENTAI_LINKS_SECRET")

	// Memory retention
	setDuration(&cfg.Memory.Volatile, "AGENTAI_MEMORY_VOLATILE")
	setDuration(&cfg.Memory.Seasonal, "AGENTAI_MEMORY_SEASONAL")
	setDuration(&cfg.Memory.Durable, "AGENTAI_MEMORY_DURABLE")
	setDuration(&cfg.Memory.Legal, "AGENTAI_MEMORY_LEGAL")

	// SMTP
	setString(&cfg.SMTP.Host, "AGENTAI_SMTP_HOST")
	setInt(&cfg.SMTP.Port, "AGENTAI_SMTP_PORT")
	setString(&cfg.SMTP.Username, "AGENTAI_SMTP_USERNAME")
	setString(&cfg.SMTP.Password, "AGENTAI_SMTP_PASSWORD")
	setString(&cfg.SMTP.From, "AGENTAI_SMTP_FROM")

	setString(&cfg.Webhook.InboundSecret, "AGENTAI_WEBHOOK_INBOUND_SECRET")
	setDuration(&cfg.Webhook.Tolerance, "AGENTAI_WEBHOOK_TOLERANCE")

	// Observability
	setString(&cfg.OTel.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.OTel.Insecure, "AGENTAI_OTEL_INSECURE")
	setFloat64(&cfg.OTel.SampleRatio, "AGENTAI_OTEL_SAMPLE_RATIO")
	setBool(&cfg.MCP.Enabled, "AGENTAI_MCP_ENABLED")
	setString(&cfg.MCP.Port, "AGENTAI_MCP_PORT")
	setString(&cfg.MCP.APIKey, "AGENTAI_MCP_API_KEY")
}

// validate checks that required fields are set and thresholds are coherent.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	if len(cfg.Links.Secret) < minLinkSecretLen {
		return fmt.Errorf("links.secret must be at least %d bytes", minLinkSecretLen)
	}
	if cfg.Deliberation.MaxRounds < 1 {
		return errors.New("deliberation.max_rounds must be >= 1")
	}
	if cfg.Deliberation.Workers < 1 {
		return errors.New("deliberation.workers must be >= 1")
	}
	if cfg.Deliberation.MaxParallel < 1 {
		return errors.New("deliberation.max_parallel must be >= 1")
	}
	if cfg.Deliberation.MaxRetries < 0 {
		return errors.New("deliberation.max_retries must be >= 0")
	}
	if cfg.Deliberation.Deadline <= 0 {
		return errors.New("deliberation.deadline must be positive")
	}
	for name, v := range map[string]float64{
		"deliberation.clear_winner": cfg.Deliberation.ClearWinner,
		"deliberation.tie_epsilon":  cfg.Deliberation.TieEpsilon,
		"deliberation.viable_floor": cfg.Deliberation.ViableFloor,
		"routing.auto_threshold":    cfg.Routing.AutoThreshold,
		"routing.confirm_threshold": cfg.Routing.ConfirmThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s out of range", name)
		}
	}
	if cfg.Deliberation.WorkerWeight <= 0 || cfg.Deliberation.CriticWeight <= 0 || cfg.Deliberation.ArbiterWeight <= 0 {
		return errors.New("deliberation role weights must be positive")
	}
	if cfg.Deliberation.CriticWeight <= cfg.Deliberation.WorkerWeight || cfg.Deliberation.ArbiterWeight <= cfg.Deliberation.WorkerWeight {
		return errors.New("deliberation critic and arbiter weights must exceed the worker weight")
	}
	if cfg.Deliberation.MaxOptions < 2 {
		return errors.New("deliberation.max_options must be >= 2")
	}
	if cfg.Routing.ConfirmThreshold > cfg.Routing.AutoThreshold {
		return errors.New("routing.confirm_threshold must not exceed routing.auto_threshold")
	}
	if cfg.Actions.ConfirmationTTL <= 0 {
		return errors.New("actions.confirmation_ttl must be positive")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
