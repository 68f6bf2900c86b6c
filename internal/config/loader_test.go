package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func validDefaults() Config {
	cfg := Defaults()
	cfg.Links.Secret = testSecret
	return cfg
}

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentai.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults_DecisionPolicy(t *testing.T) {
	cfg := Defaults()
	d := cfg.Deliberation

	checks := []struct {
		name      string
		got, want any
	}{
		{"auto threshold", cfg.Routing.AutoThreshold, 0.85},
		{"confirm threshold", cfg.Routing.ConfirmThreshold, 0.5},
		{"max rounds", d.MaxRounds, 2},
		{"max retries", d.MaxRetries, 2},
		{"deadline", d.Deadline, 60 * time.Second},
		{"clear winner", d.ClearWinner, 0.5},
		{"tie epsilon", d.TieEpsilon, 0.05},
		{"max reasons", d.MaxReasons, 5},
		{"viable floor", d.ViableFloor, 0.2},
		{"max options", d.MaxOptions, 3},
		{"worker weight", d.WorkerWeight, 1.0},
		{"critic weight", d.CriticWeight, 1.5},
		{"arbiter weight", d.ArbiterWeight, 2.0},
		{"confirmation ttl", cfg.Actions.ConfirmationTTL, 72 * time.Hour},
		{"webhook tolerance", cfg.Webhook.Tolerance, 5 * time.Minute},
		{"legal retention", cfg.Memory.Legal, time.Duration(0)},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadYAML_OverlaysDefaults(t *testing.T) {
	path := writeYAML(t, `
routing:
  auto_threshold: 0.9
deliberation:
  max_rounds: 3
  critic_weight: 1.25
memory:
  volatile: 168h
litellm:
  role_models:
    critic: "anthropic/claude-3-haiku"
`)

	cfg := Defaults()
	if err := loadYAML(&cfg, path); err != nil {
		t.Fatal(err)
	}

	if cfg.Routing.AutoThreshold != 0.9 {
		t.Errorf("auto threshold = %v", cfg.Routing.AutoThreshold)
	}
	if cfg.Deliberation.MaxRounds != 3 || cfg.Deliberation.CriticWeight != 1.25 {
		t.Errorf("deliberation = %+v", cfg.Deliberation)
	}
	if cfg.Memory.Volatile != 7*24*time.Hour {
		t.Errorf("volatile retention = %v", cfg.Memory.Volatile)
	}
	if cfg.LiteLLM.RoleModels["critic"] != "anthropic/claude-3-haiku" {
		t.Errorf("role models = %v", cfg.LiteLLM.RoleModels)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Routing.ConfirmThreshold != 0.5 || cfg.Deliberation.TieEpsilon != 0.05 {
		t.Errorf("defaults lost: confirm=%v epsilon=%v", cfg.Routing.ConfirmThreshold, cfg.Deliberation.TieEpsilon)
	}
}

func TestLoadYAML_MissingFileIsIgnored(t *testing.T) {
	cfg := Defaults()
	if err := loadYAML(&cfg, filepath.Join(t.TempDir(), "absent.yaml")); err != nil {
		t.Errorf("missing file: %v", err)
	}
}

func TestLoadYAML_Malformed(t *testing.T) {
	path := writeYAML(t, "routing: [not, a, map")
	cfg := Defaults()
	if err := loadYAML(&cfg, path); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadEnv(t *testing.T) {
	tests := []struct {
		env   string
		value string
		check func(Config) bool
	}{
		{"DATABASE_URL", "postgres://u:p@db:5432/mail", func(c Config) bool { return c.Postgres.DSN == "postgres://u:p@db:5432/mail" }},
		{"AGENTAI_ROUTING_CONFIRM_THRESHOLD", "0.4", func(c Config) bool { return c.Routing.ConfirmThreshold == 0.4 }},
		{"AGENTAI_DELIB_DEADLINE", "15s", func(c Config) bool { return c.Deliberation.Deadline == 15*time.Second }},
		{"AGENTAI_DELIB_MAX_OPTIONS", "4", func(c Config) bool { return c.Deliberation.MaxOptions == 4 }},
		{"AGENTAI_ACTIONS_SWEEP_INTERVAL", "1m", func(c Config) bool { return c.Actions.SweepInterval == time.Minute }},
		{"AGENTAI_MEMORY_LEGAL", "8760h", func(c Config) bool { return c.Memory.Legal == 365*24*time.Hour }},
		{"AGENTAI_CACHE_L1_SIZE_MB", "128", func(c Config) bool { return c.Cache.L1MaxSizeMB == 128 }},
		{"AGENTAI_PG_MAX_CONNS", "25", func(c Config) bool { return c.Postgres.MaxConns == 25 }},
		{"AGENTAI_LOG_ASYNC", "true", func(c Config) bool { return c.Logging.Async }},
		{"AGENTAI_SMTP_PORT", "2525", func(c Config) bool { return c.SMTP.Port == 2525 }},
		{"AGENTAI_WEBHOOK_INBOUND_SECRET", "whsec", func(c Config) bool { return c.Webhook.InboundSecret == "whsec" }},
		{"AGENTAI_MCP_ENABLED", "1", func(c Config) bool { return c.MCP.Enabled }},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			t.Setenv(tt.env, tt.value)
			cfg := Defaults()
			loadEnv(&cfg)
			if !tt.check(cfg) {
				t.Errorf("%s=%s not applied", tt.env, tt.value)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{"missing DSN", func(c *Config) { c.Postgres.DSN = "" }, "postgres.dsn is required"},
		{"missing NATS URL", func(c *Config) { c.NATS.URL = "" }, "nats.url is required"},
		{"short link secret", func(c *Config) { c.Links.Secret = "short" }, "links.secret must be at least 32 bytes"},
		{"zero rounds", func(c *Config) { c.Deliberation.MaxRounds = 0 }, "deliberation.max_rounds must be >= 1"},
		{"zero workers", func(c *Config) { c.Deliberation.Workers = 0 }, "deliberation.workers must be >= 1"},
		{"negative retries", func(c *Config) { c.Deliberation.MaxRetries = -1 }, "deliberation.max_retries must be >= 0"},
		{"zero deadline", func(c *Config) { c.Deliberation.Deadline = 0 }, "deliberation.deadline must be positive"},
		{"epsilon above one", func(c *Config) { c.Deliberation.TieEpsilon = 1.5 }, "deliberation.tie_epsilon out of range"},
		{"negative auto threshold", func(c *Config) { c.Routing.AutoThreshold = -0.1 }, "routing.auto_threshold out of range"},
		{
			"confirm above auto",
			func(c *Config) { c.Routing.AutoThreshold, c.Routing.ConfirmThreshold = 0.6, 0.7 },
			"routing.confirm_threshold must not exceed routing.auto_threshold",
		},
		{"zero arbiter weight", func(c *Config) { c.Deliberation.ArbiterWeight = 0 }, "deliberation role weights must be positive"},
		{
			"critic weight not above worker",
			func(c *Config) { c.Deliberation.CriticWeight = c.Deliberation.WorkerWeight },
			"deliberation critic and arbiter weights must exceed the worker weight",
		},
		{
			"arbiter weight below worker",
			func(c *Config) { c.Deliberation.WorkerWeight, c.Deliberation.ArbiterWeight = 1.0, 0.5 },
			"deliberation critic and arbiter weights must exceed the worker weight",
		},
		{"single option", func(c *Config) { c.Deliberation.MaxOptions = 1 }, "deliberation.max_options must be >= 2"},
		{"zero confirmation ttl", func(c *Config) { c.Actions.ConfirmationTTL = 0 }, "actions.confirmation_ttl must be positive"},
		{"zero rate burst", func(c *Config) { c.Rate.Burst = 0 }, "rate.burst must be >= 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefaults()
			tt.modify(&cfg)
			err := validate(&cfg)
			if err == nil || err.Error() != tt.errMsg {
				t.Errorf("validate = %v, want %q", err, tt.errMsg)
			}
		})
	}

	t.Run("defaults with secret", func(t *testing.T) {
		cfg := validDefaults()
		if err := validate(&cfg); err != nil {
			t.Errorf("validate = %v", err)
		}
	})
	t.Run("equal thresholds", func(t *testing.T) {
		cfg := validDefaults()
		cfg.Routing.AutoThreshold, cfg.Routing.ConfirmThreshold = 0.7, 0.7
		if err := validate(&cfg); err != nil {
			t.Errorf("validate = %v", err)
		}
	})
	t.Run("defaults without secret", func(t *testing.T) {
		cfg := Defaults()
		if err := validate(&cfg); err == nil || !strings.Contains(err.Error(), "links.secret") {
			t.Errorf("validate = %v, want links.secret error", err)
		}
	})
}

func TestParseFlags(t *testing.T) {
	flags, err := ParseFlags([]string{"-c", "prod.yaml", "--dsn", "postgres://flag/db", "--nats-url", "nats://flag:4222"})
	if err != nil {
		t.Fatal(err)
	}
	if flags.ConfigPath == nil || *flags.ConfigPath != "prod.yaml" {
		t.Errorf("config = %v", flags.ConfigPath)
	}
	if flags.DSN == nil || *flags.DSN != "postgres://flag/db" {
		t.Errorf("dsn = %v", flags.DSN)
	}
	if flags.NatsURL == nil || *flags.NatsURL != "nats://flag:4222" {
		t.Errorf("nats-url = %v", flags.NatsURL)
	}
	if flags.Port != nil || flags.LogLevel != nil {
		t.Errorf("unset flags must stay nil: port=%v level=%v", flags.Port, flags.LogLevel)
	}

	if _, err := ParseFlags([]string{"--threshold", "0.9"}); err == nil {
		t.Error("expected error for unknown flag")
	}
}

func TestApplyCLI(t *testing.T) {
	cfg := Defaults()
	before := cfg
	applyCLI(&cfg, CLIFlags{})
	if cfg.Server.Port != before.Server.Port || cfg.Postgres.DSN != before.Postgres.DSN {
		t.Error("empty flags changed the config")
	}

	port, level := "3333", "error"
	applyCLI(&cfg, CLIFlags{Port: &port, LogLevel: &level})
	if cfg.Server.Port != "3333" || cfg.Logging.Level != "error" {
		t.Errorf("port=%s level=%s", cfg.Server.Port, cfg.Logging.Level)
	}
}

func TestLoadWithCLI_Precedence(t *testing.T) {
	path := writeYAML(t, `
server:
  port: "9090"
logging:
  level: "debug"
links:
  secret: "`+testSecret+`"
routing:
  auto_threshold: 0.95
`)
	t.Setenv("AGENTAI_PORT", "7070")
	t.Setenv("AGENTAI_LOG_LEVEL", "warn")

	flags, err := ParseFlags([]string{"--config", path, "--port", "3333"})
	if err != nil {
		t.Fatal(err)
	}
	cfg, resolved, err := LoadWithCLI(flags)
	if err != nil {
		t.Fatal(err)
	}

	if resolved != path {
		t.Errorf("resolved path = %s", resolved)
	}
	if cfg.Server.Port != "3333" {
		t.Errorf("port = %s, want CLI value", cfg.Server.Port)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("level = %s, want env value", cfg.Logging.Level)
	}
	if cfg.Routing.AutoThreshold != 0.95 {
		t.Errorf("auto threshold = %v, want YAML value", cfg.Routing.AutoThreshold)
	}
}

func TestLoadWithCLI_InvalidConfig(t *testing.T) {
	path := writeYAML(t, `
links:
  secret: "`+testSecret+`"
routing:
  auto_threshold: 0.4
  confirm_threshold: 0.6
`)
	flags, err := ParseFlags([]string{"--config", path})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadWithCLI(flags); err == nil || !strings.Contains(err.Error(), "config validate") {
		t.Errorf("LoadWithCLI = %v, want validation error", err)
	}
}
