package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from YAML, .env and the environment.
type Config struct {
	ServerPort string `validate:"required,numeric"`

	WeatherAPIKey     string        `validate:"required"`
	WeatherAPIURL     string        `validate:"required,url"`
	WeatherAPITimeout time.Duration `validate:"gt=0"`

	RequestTimeout time.Duration `validate:"gt=0"`

	RetryAttempts  int `validate:"min=1"`
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimitRPS   int
	RateLimitBurst int

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerTimeout          time.Duration

	Cache    CacheConfig
	Database DatabaseConfig

	StatsWindow         time.Duration `validate:"gt=0"`
	HistoryDefaultLimit int           `validate:"min=1"`
	HistoryMaxLimit     int           `validate:"gtefield=HistoryDefaultLimit"`

	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration
}

// CacheConfig configures the volatile cache.
type CacheConfig struct {
	Backend         string        `validate:"oneof=redis in_memory"`
	TTL             time.Duration `validate:"gt=0"`
	Timeout         time.Duration `validate:"gt=0"`
	ReprobeInterval time.Duration `validate:"gte=0"`

	RedisHost     string `validate:"required_if=Backend redis"`
	RedisPort     string `validate:"required_if=Backend redis"`
	RedisPassword string
	RedisDB       int `validate:"gte=0"`
}

// RedisAddr returns host:port for the Redis client.
func (c CacheConfig) RedisAddr() string {
	return net.JoinHostPort(c.RedisHost, c.RedisPort)
}

// DatabaseConfig configures the durable store and the connection manager.
type DatabaseConfig struct {
	Host     string `validate:"required"`
	Port     string `validate:"required,numeric"`
	Name     string `validate:"required"`
	User     string `validate:"required"`
	Password string
	SSLMode  string `validate:"oneof=disable allow prefer require verify-ca verify-full"`

	ConnectAttempts  int           `validate:"min=1"`
	ConnectDelay     time.Duration `validate:"gte=0"`
	StatementTimeout time.Duration `validate:"gt=0"`
}

// DSN returns the PostgreSQL keyword/value connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	WeatherAPI struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"weather_api"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend         string `yaml:"backend"`
		TTL             string `yaml:"ttl"`
		Timeout         string `yaml:"timeout"`
		ReprobeInterval string `yaml:"reprobe_interval"`
		Redis           struct {
			Host string `yaml:"host"`
			Port string `yaml:"port"`
			DB   int    `yaml:"db"`
		} `yaml:"redis"`
	} `yaml:"cache"`

	Database struct {
		Host             string `yaml:"host"`
		Port             string `yaml:"port"`
		Name             string `yaml:"name"`
		User             string `yaml:"user"`
		SSLMode          string `yaml:"sslmode"`
		ConnectAttempts  int    `yaml:"connect_attempts"`
		ConnectDelay     string `yaml:"connect_delay"`
		StatementTimeout string `yaml:"statement_timeout"`
	} `yaml:"database"`

	Reliability struct {
		RetryMaxAttempts        int    `yaml:"retry_max_attempts"`
		RetryBaseDelay          string `yaml:"retry_base_delay"`
		RetryMaxDelay           string `yaml:"retry_max_delay"`
		RateLimitRPS            int    `yaml:"rate_limit_rps"`
		RateLimitBurst          int    `yaml:"rate_limit_burst"`
		CircuitBreakerEnabled   *bool  `yaml:"circuit_breaker_enabled"`
		CircuitBreakerThreshold int    `yaml:"circuit_breaker_failure_threshold"`
		CircuitBreakerTimeout   string `yaml:"circuit_breaker_timeout"`
	} `yaml:"reliability"`

	Stats struct {
		Window              string `yaml:"window"`
		HistoryDefaultLimit int    `yaml:"history_default_limit"`
		HistoryMaxLimit     int    `yaml:"history_max_limit"`
	} `yaml:"stats"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`
}

type secretsFile struct {
	WeatherAPIKey string `yaml:"weather_api_key"`
	DBPassword    string `yaml:"db_password"`
	RedisPassword string `yaml:"redis_password"`
}

// Load reads .env (if present), config/{ENV_NAME}.yaml and config/secrets.yaml,
// then applies environment overrides. The YAML file is required only when
// ENV_NAME is set explicitly. Call from project root.
func Load() (*Config, error) {
	// Missing .env is the normal case outside local development.
	_ = godotenv.Load()

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("ENV_NAME"))
	explicitEnv := env != ""
	if !explicitEnv {
		env = "dev"
	}

	var fc fileConfig
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	case os.IsNotExist(err) && !explicitEnv:
		// defaults and environment only
	case os.IsNotExist(err):
		return nil, fmt.Errorf("config file not found: %s", configPath)
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	sec, err := loadSecrets(filepath.Join(cwd, "config", "secrets.yaml"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	cfg.ServerPort = firstNonEmpty(os.Getenv("PORT"), fc.Server.Port, "5002")

	cfg.WeatherAPIKey = firstNonEmpty(os.Getenv("OPENWEATHER_API_KEY"), sec.WeatherAPIKey, "demo")
	cfg.WeatherAPIURL = firstNonEmpty(os.Getenv("OPENWEATHER_API_URL"), fc.WeatherAPI.URL, "https://api.openweathermap.org/data/2.5/weather")
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 10*time.Second)
	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 15*time.Second)

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}
	cfg.CircuitBreakerEnabled = true
	if fc.Reliability.CircuitBreakerEnabled != nil {
		cfg.CircuitBreakerEnabled = *fc.Reliability.CircuitBreakerEnabled
	}
	cfg.CircuitBreakerFailureThreshold = fc.Reliability.CircuitBreakerThreshold
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerTimeout = parseDuration(fc.Reliability.CircuitBreakerTimeout, 30*time.Second)

	cfg.Cache.Backend = strings.TrimSpace(strings.ToLower(firstNonEmpty(os.Getenv("CACHE_BACKEND"), fc.Cache.Backend, "redis")))
	cfg.Cache.TTL = parseDuration(fc.Cache.TTL, 300*time.Second)
	if v := strings.TrimSpace(os.Getenv("CACHE_TTL")); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("CACHE_TTL must be a positive number of seconds, got %q", v)
		}
		cfg.Cache.TTL = time.Duration(secs) * time.Second
	}
	cfg.Cache.Timeout = parseDuration(fc.Cache.Timeout, 500*time.Millisecond)
	cfg.Cache.ReprobeInterval = parseDurationOrZero(fc.Cache.ReprobeInterval, 0)
	cfg.Cache.RedisHost = firstNonEmpty(os.Getenv("REDIS_HOST"), fc.Cache.Redis.Host, "redis-service")
	cfg.Cache.RedisPort = firstNonEmpty(os.Getenv("REDIS_PORT"), fc.Cache.Redis.Port, "6379")
	cfg.Cache.RedisPassword = firstNonEmpty(os.Getenv("REDIS_PASSWORD"), sec.RedisPassword)
	cfg.Cache.RedisDB = fc.Cache.Redis.DB

	cfg.Database.Host = firstNonEmpty(os.Getenv("DB_HOST"), fc.Database.Host, "postgres-service")
	cfg.Database.Port = firstNonEmpty(os.Getenv("DB_PORT"), fc.Database.Port, "5432")
	cfg.Database.Name = firstNonEmpty(os.Getenv("DB_NAME"), fc.Database.Name, "weatherdb")
	cfg.Database.User = firstNonEmpty(os.Getenv("DB_USER"), fc.Database.User, "weatheruser")
	cfg.Database.Password = firstNonEmpty(os.Getenv("DB_PASSWORD"), sec.DBPassword, "weatherpass")
	cfg.Database.SSLMode = firstNonEmpty(os.Getenv("DB_SSLMODE"), fc.Database.SSLMode, "disable")
	cfg.Database.ConnectAttempts = fc.Database.ConnectAttempts
	if cfg.Database.ConnectAttempts <= 0 {
		cfg.Database.ConnectAttempts = 10
	}
	cfg.Database.ConnectDelay = parseDuration(fc.Database.ConnectDelay, 3*time.Second)
	cfg.Database.StatementTimeout = parseDuration(fc.Database.StatementTimeout, 5*time.Second)

	cfg.StatsWindow = parseDuration(fc.Stats.Window, time.Hour)
	cfg.HistoryDefaultLimit = fc.Stats.HistoryDefaultLimit
	if cfg.HistoryDefaultLimit <= 0 {
		cfg.HistoryDefaultLimit = 10
	}
	cfg.HistoryMaxLimit = fc.Stats.HistoryMaxLimit
	if cfg.HistoryMaxLimit <= 0 {
		cfg.HistoryMaxLimit = 100
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.ShutdownInFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadSecrets(path string) (secretsFile, error) {
	var sec secretsFile
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sec, nil
		}
		return sec, fmt.Errorf("read secrets file: %w", err)
	}
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return sec, fmt.Errorf("parse secrets file: %w", err)
	}
	return sec, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Zero or negative durations are returned as-is; validation rejects them where they matter.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

var structValidator = validator.New()

// validate runs struct-tag validation and keeps RequestTimeout above WeatherAPITimeout.
func validate(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}
	return nil
}
