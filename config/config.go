package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the answering service
type Config struct {
	General      GeneralConfig      `mapstructure:"general"`
	Server       ServerConfig       `mapstructure:"server"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Search       SearchConfig       `mapstructure:"search"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Verification VerificationConfig `mapstructure:"verification"`
	Batch        BatchConfig        `mapstructure:"batch"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address           string        `mapstructure:"address"`
	JWTSecret         string        `mapstructure:"jwt_secret"`
	RateLimitPerHour  int           `mapstructure:"rate_limit_per_hour"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	ProgressKeepAlive time.Duration `mapstructure:"progress_keep_alive"`
}

func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.Address) == "" {
		return fmt.Errorf("server.address is required")
	}
	return nil
}

// LLMConfig contains model provider configurations
type LLMConfig struct {
	Providers map[string]LLMProviderConfig `mapstructure:"providers"`
	Routing   LLMRoutingConfig             `mapstructure:"routing"`
}

// LLMProviderConfig represents a single model provider configuration
type LLMProviderConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// LLMRoutingConfig selects models per concern
type LLMRoutingConfig struct {
	Answering string `mapstructure:"answering"` // main answer generation
	Embedding string `mapstructure:"embedding"` // background embedding creation
	Fallback  string `mapstructure:"fallback"`
}

// SearchConfig contains search tool provider settings
type SearchConfig struct {
	BraveAPIKey  string        `mapstructure:"brave_api_key"`
	SerperAPIKey string        `mapstructure:"serper_api_key"`
	MaxResults   int           `mapstructure:"max_results"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// StorageConfig contains persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL     string        `mapstructure:"url"`
	Host    string        `mapstructure:"host"`
	Port    string        `mapstructure:"port"`
	User    string        `mapstructure:"user"`
	Pass    string        `mapstructure:"password"`
	DBName  string        `mapstructure:"dbname"`
	SSLMode string        `mapstructure:"sslmode"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN assembles a connection string from discrete fields when url is absent.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Pass, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	host := r.Host
	if host == "" {
		host = "localhost"
	}
	return host + ":" + port
}

// VerificationConfig controls citation checking behaviour.
type VerificationConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRedirects   int           `mapstructure:"max_redirects"`
	DeadEndMarkers []string      `mapstructure:"dead_end_markers"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// Normalize applies defaults for unset verification values.
func (v VerificationConfig) Normalize() VerificationConfig {
	if v.Timeout <= 0 {
		v.Timeout = 10 * time.Second
	}
	if v.MaxRedirects <= 0 {
		v.MaxRedirects = 5
	}
	if v.UserAgent == "" {
		v.UserAgent = "govanswers-citation-check/1.0"
	}
	return v
}

// BatchConfig controls the duration-bounded batch scheduler.
type BatchConfig struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
	DefaultDuration time.Duration `mapstructure:"default_duration"`
	DrainCron       string        `mapstructure:"drain_cron"`
	DrainSlice      time.Duration `mapstructure:"drain_slice"`
}

// Normalize applies defaults for unset batch values.
func (b BatchConfig) Normalize() BatchConfig {
	if b.MaxRetries <= 0 {
		b.MaxRetries = 3
	}
	if b.RetryBaseDelay <= 0 {
		b.RetryBaseDelay = time.Second
	}
	if b.DefaultDuration <= 0 {
		b.DefaultDuration = 55 * time.Second
	}
	if b.DrainSlice <= 0 {
		b.DrainSlice = b.DefaultDuration
	}
	return b
}

// TelemetryConfig contains monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPath  string `mapstructure:"metrics_path"`
	PeriodicLogs bool   `mapstructure:"periodic_logs"`
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("server.address", ":10010")
	viper.SetDefault("server.rate_limit_per_hour", 30)
	viper.SetDefault("server.request_timeout", "90s")
	viper.SetDefault("batch.max_retries", 3)
	viper.SetDefault("batch.retry_base_delay", "1s")
	viper.SetDefault("batch.default_duration", "55s")
	viper.SetDefault("telemetry.metrics_path", "/metrics")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("GOVANSWERS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config.Verification = config.Verification.Normalize()
	config.Batch = config.Batch.Normalize()

	if err := config.Server.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	return &config
}
