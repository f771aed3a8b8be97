// Package config loads ledgerd settings. Sources are applied in order:
// built-in defaults, an optional YAML file, an optional .env file, then the
// process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/agentledger/pkg/logger"
)

type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"LEDGER_HTTP_ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"LEDGER_HTTP_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"LEDGER_HTTP_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"LEDGER_HTTP_SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig selects the ledger backend. Driver is "memory" or "postgres".
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" env:"LEDGER_DB_DRIVER"`
	DSN             string        `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"LEDGER_DB_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"LEDGER_DB_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"LEDGER_DB_CONN_MAX_LIFETIME"`
	// Migrate is "embedded" (plain DDL), "migrate" (golang-migrate) or "none".
	Migrate string `yaml:"migrate" env:"LEDGER_DB_MIGRATE"`
}

// RedisConfig enables the shared deposit idempotency guard when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"REDIS_ADDR"`
	Password string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"REDIS_DB"`
	Prefix   string        `yaml:"prefix" env:"REDIS_PREFIX"`
	ClaimTTL time.Duration `yaml:"claim_ttl" env:"LEDGER_DEPOSIT_CLAIM_TTL"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"LEDGER_JWT_SECRET"`
	Issuer    string `yaml:"issuer" env:"LEDGER_JWT_ISSUER"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"LEDGER_RATE_LIMIT_RPS"`
	Burst             int     `yaml:"burst" env:"LEDGER_RATE_LIMIT_BURST"`
}

type LedgerConfig struct {
	MaxRetries   int           `yaml:"max_retries" env:"LEDGER_MAX_RETRIES"`
	RetryBackoff time.Duration `yaml:"retry_backoff" env:"LEDGER_RETRY_BACKOFF"`
}

// ConversionConfig keeps money settings as strings so they parse exactly.
type ConversionConfig struct {
	FeeRate         string   `yaml:"fee_rate" env:"LEDGER_FEE_RATE"`
	UnitsPerToken   string   `yaml:"units_per_token" env:"LEDGER_UNITS_PER_TOKEN"`
	MinimumDeposit  string   `yaml:"minimum_deposit" env:"LEDGER_MINIMUM_DEPOSIT"`
	SupportedTokens []string `yaml:"supported_tokens"`
	// TokensCSV overrides SupportedTokens from the environment.
	TokensCSV string `yaml:"-" env:"LEDGER_SUPPORTED_TOKENS"`
}

// Tokens returns the effective supported token list.
func (c ConversionConfig) Tokens() []string {
	if strings.TrimSpace(c.TokensCSV) == "" {
		return c.SupportedTokens
	}
	var out []string
	for _, t := range strings.Split(c.TokensCSV, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// EligibilityConfig picks the spawn eligibility policy. A ScriptPath
// replaces the threshold ratios with a JavaScript evaluate(agent) function.
type EligibilityConfig struct {
	EarningsRatio string        `yaml:"earnings_ratio" env:"LEDGER_ELIGIBILITY_EARNINGS_RATIO"`
	SuggestRatio  string        `yaml:"suggest_ratio" env:"LEDGER_ELIGIBILITY_SUGGEST_RATIO"`
	ScriptPath    string        `yaml:"script_path" env:"LEDGER_ELIGIBILITY_SCRIPT"`
	ScriptTimeout time.Duration `yaml:"script_timeout" env:"LEDGER_ELIGIBILITY_SCRIPT_TIMEOUT"`
}

type AuditConfig struct {
	QueueSize         int           `yaml:"queue_size" env:"LEDGER_AUDIT_QUEUE_SIZE"`
	BacklogSize       int           `yaml:"backlog_size" env:"LEDGER_AUDIT_BACKLOG_SIZE"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"LEDGER_AUDIT_WRITE_TIMEOUT"`
	ReconcileSchedule string        `yaml:"reconcile_schedule" env:"LEDGER_AUDIT_RECONCILE_SCHEDULE"`
}

// Config is the full ledgerd configuration.
type Config struct {
	Server      ServerConfig         `yaml:"server"`
	Database    DatabaseConfig       `yaml:"database"`
	Redis       RedisConfig          `yaml:"redis"`
	Auth        AuthConfig           `yaml:"auth"`
	RateLimit   RateLimitConfig      `yaml:"rate_limit"`
	Ledger      LedgerConfig         `yaml:"ledger"`
	Conversion  ConversionConfig     `yaml:"conversion"`
	Eligibility EligibilityConfig    `yaml:"eligibility"`
	Audit       AuditConfig          `yaml:"audit"`
	Logging     logger.LoggingConfig `yaml:"logging"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "memory",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			Migrate:         "embedded",
		},
		Redis: RedisConfig{
			Prefix:   "agentledger:deposit:",
			ClaimTTL: 72 * time.Hour,
		},
		Auth: AuthConfig{Issuer: "agentledger"},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
		},
		Ledger: LedgerConfig{
			MaxRetries:   3,
			RetryBackoff: 10 * time.Millisecond,
		},
		Conversion: ConversionConfig{
			FeeRate:         "0.02",
			UnitsPerToken:   "100",
			MinimumDeposit:  "5",
			SupportedTokens: []string{"USDT", "USDC"},
		},
		Eligibility: EligibilityConfig{
			EarningsRatio: "0.5",
			SuggestRatio:  "0.2",
			ScriptTimeout: 100 * time.Millisecond,
		},
		Audit: AuditConfig{
			QueueSize:         1024,
			BacklogSize:       10000,
			WriteTimeout:      2 * time.Second,
			ReconcileSchedule: "@every 1m",
		},
		Logging: logger.LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load builds the configuration from path (optional), envFile (optional)
// and the environment. A missing envFile is not an error; a missing path is.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings ledgerd cannot start with.
func (c Config) Validate() error {
	var problems []string
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			problems = append(problems, "database.dsn is required for the postgres driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("database.driver %q must be memory or postgres", c.Database.Driver))
	}
	switch c.Database.Migrate {
	case "embedded", "migrate", "none":
	default:
		problems = append(problems, fmt.Sprintf("database.migrate %q must be embedded, migrate or none", c.Database.Migrate))
	}
	if c.Server.Addr == "" {
		problems = append(problems, "server.addr is required")
	}
	if c.Ledger.MaxRetries < 0 {
		problems = append(problems, "ledger.max_retries must not be negative")
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		problems = append(problems, "rate_limit values must not be negative")
	}
	if c.Eligibility.ScriptPath == "" {
		for _, f := range [...]struct{ name, value string }{
			{"eligibility.earnings_ratio", c.Eligibility.EarningsRatio},
			{"eligibility.suggest_ratio", c.Eligibility.SuggestRatio},
		} {
			if r, err := decimal.NewFromString(f.value); err != nil || r.IsNegative() {
				problems = append(problems, fmt.Sprintf("%s %q must be a non-negative decimal", f.name, f.value))
			}
		}
	}
	if len(c.Conversion.Tokens()) == 0 {
		problems = append(problems, "conversion.supported_tokens must not be empty")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
