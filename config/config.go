package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"ai-trading-engine/internal/exchange"
	"ai-trading-engine/internal/logging"
	"ai-trading-engine/internal/notification"
	"ai-trading-engine/internal/patterns"
	"ai-trading-engine/internal/risk"
	"ai-trading-engine/internal/signals"
	"ai-trading-engine/internal/trader"
)

type Config struct {
	EngineConfig   trader.ManagerConfig `json:"engine"`
	RiskConfig     risk.Config          `json:"risk"`
	PatternConfig  PatternConfig        `json:"patterns"`
	SignalConfig   signals.Config       `json:"signals"`
	ExchangeConfig ExchangeConfig       `json:"exchange"`
	LoggingConfig  logging.Config       `json:"logging"`
	ServerConfig   ServerConfig         `json:"server"`
	AuthConfig     AuthConfig           `json:"auth"`
	DatabaseConfig DatabaseConfig       `json:"database"`
	RedisConfig    RedisConfig          `json:"redis"`
	VaultConfig    VaultConfig          `json:"vault"`
	MetricsConfig  MetricsConfig        `json:"metrics"`
	NotifyConfig   notification.Config  `json:"notifications"`
}

// PatternConfig holds matcher, learner and pruning settings
type PatternConfig struct {
	MinRelevance  float64                `json:"min_relevance"`
	MaxMatches    int                    `json:"max_matches"`
	Learner       patterns.LearnerConfig `json:"learner"`
	PruneSchedule string                 `json:"prune_schedule"` // cron spec, empty disables
	Prune         patterns.PruneCriteria `json:"prune"`
}

// ExchangeConfig configures the paper exchange and the guard in front of it
type ExchangeConfig struct {
	Name              string        `json:"name"`
	Seed              int64         `json:"seed"`
	InitialBalance    float64       `json:"initial_balance"`
	Volatility        float64       `json:"volatility"`
	RequestsPerSecond float64       `json:"requests_per_second"`
	Burst             int           `json:"burst"`
	CallTimeout       time.Duration `json:"call_timeout"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`  // CORS allowed origins, comma separated
	ReadTimeout     int    `json:"read_timeout"`     // Seconds
	WriteTimeout    int    `json:"write_timeout"`    // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
}

// AuthConfig holds API authentication configuration
type AuthConfig struct {
	Enabled             bool          `json:"enabled"`
	JWTSecret           string        `json:"jwt_secret"`
	AccessTokenDuration time.Duration `json:"access_token_duration"`
	OperatorUsername    string        `json:"operator_username"`
	OperatorPassword    string        `json:"operator_password"` // bcrypt hash or plain text, hashed at startup
}

// DatabaseConfig holds PostgreSQL configuration. An empty host keeps
// everything in memory.
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
	MaxConns int32  `json:"max_conns"`
}

// RedisConfig holds Redis configuration for the candle cache
type RedisConfig struct {
	Enabled  bool          `json:"enabled"`
	Address  string        `json:"address"`
	Password string        `json:"password"`
	DB       int           `json:"db"`
	PoolSize int           `json:"pool_size"`
	TTL      time.Duration `json:"ttl"` // 0 caches for one candle interval
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"` // KV v2 mount
	SecretPath string `json:"secret_path"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Default returns the configuration used when no file or environment is present
func Default() *Config {
	pd := patterns.DefaultConfig()
	return &Config{
		EngineConfig: trader.DefaultManagerConfig(),
		RiskConfig:   risk.DefaultConfig(),
		PatternConfig: PatternConfig{
			MinRelevance:  pd.MinRelevance,
			MaxMatches:    pd.MaxMatches,
			Learner:       patterns.DefaultLearnerConfig(),
			PruneSchedule: "@every 1h",
			Prune: patterns.PruneCriteria{
				MaxAge:         30 * 24 * time.Hour,
				MinSuccessRate: 0.4,
				MinUsageCount:  5,
				MaxPatterns:    1000,
			},
		},
		SignalConfig: signals.DefaultConfig(),
		ExchangeConfig: ExchangeConfig{
			Name:              "paper",
			Seed:              42,
			InitialBalance:    10000,
			Volatility:        0.01,
			RequestsPerSecond: 10,
			Burst:             20,
			CallTimeout:       10 * time.Second,
		},
		LoggingConfig: logging.DefaultConfig(),
		ServerConfig: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			AllowedOrigins:  "http://localhost:3000",
			ReadTimeout:     15,
			WriteTimeout:    15,
			ShutdownTimeout: 30,
		},
		AuthConfig: AuthConfig{
			Enabled:             true,
			AccessTokenDuration: 12 * time.Hour,
			OperatorUsername:    "admin",
		},
		DatabaseConfig: DatabaseConfig{
			Port:     5432,
			Database: "trading_engine",
			SSLMode:  "disable",
			MaxConns: 10,
		},
		RedisConfig: RedisConfig{
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		VaultConfig: VaultConfig{
			Address:    "http://127.0.0.1:8200",
			MountPath:  "secret",
			SecretPath: "trading-engine",
		},
		MetricsConfig: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		NotifyConfig: notification.Config{
			MaxRetries: 3,
		},
	}
}

// Load builds the configuration: defaults, then CONFIG_FILE (config.json
// by default), then environment. A .env file is read first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	filename := getEnvOrDefault("CONFIG_FILE", "config.json")
	cfg, err := loadFromFile(filename)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg = Default()
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the sections that have their own invariants
func (c *Config) Validate() error {
	if c.EngineConfig.MaxTraders <= 0 {
		return fmt.Errorf("engine.max_traders must be positive")
	}
	if err := c.RiskConfig.Validate(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}
	if err := c.SignalConfig.Validate(); err != nil {
		return fmt.Errorf("signals: %w", err)
	}
	if c.AuthConfig.Enabled && c.AuthConfig.JWTSecret == "" && !c.VaultConfig.Enabled {
		return fmt.Errorf("auth is enabled but no JWT secret is configured")
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Engine
	cfg.EngineConfig.MaxTraders = getEnvIntOrDefault("ENGINE_MAX_TRADERS", cfg.EngineConfig.MaxTraders)
	cfg.EngineConfig.HealthCheckInterval = getEnvDurationOrDefault("ENGINE_HEALTH_CHECK_INTERVAL", cfg.EngineConfig.HealthCheckInterval)
	cfg.EngineConfig.BalanceExchange = getEnvOrDefault("ENGINE_BALANCE_EXCHANGE", cfg.EngineConfig.BalanceExchange)
	cfg.EngineConfig.Trader.PollInterval = getEnvDurationOrDefault("ENGINE_POLL_INTERVAL", cfg.EngineConfig.Trader.PollInterval)
	cfg.EngineConfig.Trader.Retry.MaxRetries = getEnvIntOrDefault("ENGINE_MAX_RETRIES", cfg.EngineConfig.Trader.Retry.MaxRetries)

	// Risk
	cfg.RiskConfig.TotalBudget = getEnvFloatOrDefault("RISK_TOTAL_BUDGET", cfg.RiskConfig.TotalBudget)
	cfg.RiskConfig.MaxLeveragePerTrader = getEnvFloatOrDefault("RISK_MAX_LEVERAGE_PER_TRADER", cfg.RiskConfig.MaxLeveragePerTrader)
	cfg.RiskConfig.MaxTotalLeverage = getEnvFloatOrDefault("RISK_MAX_TOTAL_LEVERAGE", cfg.RiskConfig.MaxTotalLeverage)
	cfg.RiskConfig.MaxDailyLoss = getEnvFloatOrDefault("RISK_MAX_DAILY_LOSS", cfg.RiskConfig.MaxDailyLoss)
	cfg.RiskConfig.DefaultStopLossPct = getEnvFloatOrDefault("RISK_STOP_LOSS_PCT", cfg.RiskConfig.DefaultStopLossPct)

	// Patterns and signals
	cfg.PatternConfig.PruneSchedule = getEnvOrDefault("PATTERN_PRUNE_SCHEDULE", cfg.PatternConfig.PruneSchedule)
	cfg.PatternConfig.Learner.MinReturnPct = getEnvFloatOrDefault("PATTERN_MIN_RETURN_PCT", cfg.PatternConfig.Learner.MinReturnPct)
	cfg.SignalConfig.PatternThreshold = getEnvFloatOrDefault("SIGNAL_PATTERN_THRESHOLD", cfg.SignalConfig.PatternThreshold)
	cfg.SignalConfig.MinConfidence = getEnvFloatOrDefault("SIGNAL_MIN_CONFIDENCE", cfg.SignalConfig.MinConfidence)

	// Exchange
	cfg.ExchangeConfig.InitialBalance = getEnvFloatOrDefault("PAPER_INITIAL_BALANCE", cfg.ExchangeConfig.InitialBalance)
	cfg.ExchangeConfig.RequestsPerSecond = getEnvFloatOrDefault("EXCHANGE_RATE_LIMIT", cfg.ExchangeConfig.RequestsPerSecond)

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	if v := os.Getenv("LOG_JSON"); v != "" {
		cfg.LoggingConfig.JSONFormat = v == "true"
	}

	// Server
	cfg.ServerConfig.Port = getEnvIntOrDefault("SERVER_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("SERVER_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("CORS_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)

	// Notifications
	if v := os.Getenv("NOTIFY_ENABLED"); v != "" {
		cfg.NotifyConfig.Enabled = v == "true"
	}
	cfg.NotifyConfig.TelegramBotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotifyConfig.TelegramBotToken)
	cfg.NotifyConfig.TelegramChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotifyConfig.TelegramChatID)
	cfg.NotifyConfig.DiscordWebhook = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotifyConfig.DiscordWebhook)

	// Auth
	if v := os.Getenv("AUTH_ENABLED"); v != "" {
		cfg.AuthConfig.Enabled = v == "true"
	}
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.AccessTokenDuration = getEnvDurationOrDefault("JWT_ACCESS_DURATION", cfg.AuthConfig.AccessTokenDuration)
	cfg.AuthConfig.OperatorUsername = getEnvOrDefault("OPERATOR_USERNAME", cfg.AuthConfig.OperatorUsername)
	cfg.AuthConfig.OperatorPassword = getEnvOrDefault("OPERATOR_PASSWORD", cfg.AuthConfig.OperatorPassword)

	// Database
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Redis
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		cfg.RedisConfig.Enabled = v == "true"
	}
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	// Vault
	if v := os.Getenv("VAULT_ENABLED"); v != "" {
		cfg.VaultConfig.Enabled = v == "true"
	}
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)

	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		cfg.MetricsConfig.Enabled = v == "true"
	}
}

// loadFromFile overlays the file onto the defaults so partial files work
func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	config := Default()
	if err := json.Unmarshal(file, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// DSN returns the PostgreSQL connection string, empty when no host is set
func (c DatabaseConfig) DSN() string {
	if c.Host == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// Origins splits AllowedOrigins into a list
func (c ServerConfig) Origins() []string {
	out := make([]string, 0)
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// PaperConfig maps the exchange section onto the paper client settings
func (c ExchangeConfig) PaperConfig() exchange.PaperConfig {
	pc := exchange.DefaultPaperConfig()
	if c.Name != "" {
		pc.Name = c.Name
	}
	pc.Seed = c.Seed
	pc.InitialBalance = c.InitialBalance
	if c.Volatility > 0 {
		pc.Volatility = c.Volatility
	}
	return pc
}

// GuardConfig maps the exchange section onto the guard settings
func (c ExchangeConfig) GuardConfig() exchange.GuardConfig {
	gc := exchange.DefaultGuardConfig()
	if c.RequestsPerSecond > 0 {
		gc.RequestsPerSecond = c.RequestsPerSecond
	}
	if c.Burst > 0 {
		gc.Burst = c.Burst
	}
	if c.CallTimeout > 0 {
		gc.CallTimeout = c.CallTimeout
	}
	return gc
}

// Patterns builds the pattern service configuration
func (c PatternConfig) Patterns() patterns.Config {
	pc := patterns.DefaultConfig()
	if c.MinRelevance > 0 {
		pc.MinRelevance = c.MinRelevance
	}
	if c.MaxMatches > 0 {
		pc.MaxMatches = c.MaxMatches
	}
	return pc
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GenerateSampleConfig writes the defaults to filename
func GenerateSampleConfig(filename string) error {
	config := Default()
	config.AuthConfig.JWTSecret = "change-me"

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
