package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv blanks every variable Load reads so the host environment cannot leak into assertions.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ENV_NAME", "PORT", "OPENWEATHER_API_KEY", "OPENWEATHER_API_URL",
		"DB_HOST", "DB_PORT", "DB_NAME", "DB_USER", "DB_PASSWORD", "DB_SSLMODE",
		"REDIS_HOST", "REDIS_PORT", "REDIS_PASSWORD", "CACHE_TTL", "CACHE_BACKEND",
	} {
		t.Setenv(k, "")
	}
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	origWd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(origWd) })
}

func TestLoad_DefaultsWithoutConfigFile(t *testing.T) {
	clearEnv(t)
	chdir(t, t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"ServerPort", cfg.ServerPort, "5002"},
		{"WeatherAPIKey", cfg.WeatherAPIKey, "demo"},
		{"Database.Host", cfg.Database.Host, "postgres-service"},
		{"Database.Name", cfg.Database.Name, "weatherdb"},
		{"Database.User", cfg.Database.User, "weatheruser"},
		{"Database.Password", cfg.Database.Password, "weatherpass"},
		{"Database.Port", cfg.Database.Port, "5432"},
		{"Database.ConnectAttempts", cfg.Database.ConnectAttempts, 10},
		{"Database.ConnectDelay", cfg.Database.ConnectDelay, 3 * time.Second},
		{"Cache.RedisHost", cfg.Cache.RedisHost, "redis-service"},
		{"Cache.RedisPort", cfg.Cache.RedisPort, "6379"},
		{"Cache.Backend", cfg.Cache.Backend, "redis"},
		{"Cache.TTL", cfg.Cache.TTL, 300 * time.Second},
		{"Cache.ReprobeInterval", cfg.Cache.ReprobeInterval, time.Duration(0)},
		{"WeatherAPITimeout", cfg.WeatherAPITimeout, 10 * time.Second},
		{"StatsWindow", cfg.StatsWindow, time.Hour},
		{"HistoryDefaultLimit", cfg.HistoryDefaultLimit, 10},
		{"HistoryMaxLimit", cfg.HistoryMaxLimit, 100},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENWEATHER_API_KEY", "key-from-env")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("REDIS_HOST", "cache.internal")
	t.Setenv("CACHE_TTL", "60")
	t.Setenv("CACHE_BACKEND", "IN_MEMORY")
	t.Setenv("PORT", "9000")

	dir := t.TempDir()
	writeEnvFile(t, dir, minimalEnvYAML)
	chdir(t, dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.WeatherAPIKey != "key-from-env" {
		t.Errorf("WeatherAPIKey = %q, want key-from-env", cfg.WeatherAPIKey)
	}
	if cfg.Database.Host != "db.internal" || cfg.Database.Port != "6543" {
		t.Errorf("Database = %s:%s, want db.internal:6543", cfg.Database.Host, cfg.Database.Port)
	}
	if cfg.Cache.RedisAddr() != "cache.internal:6379" {
		t.Errorf("RedisAddr() = %q, want cache.internal:6379", cfg.Cache.RedisAddr())
	}
	if cfg.Cache.TTL != time.Minute {
		t.Errorf("Cache.TTL = %v, want 1m", cfg.Cache.TTL)
	}
	if cfg.Cache.Backend != "in_memory" {
		t.Errorf("Cache.Backend = %q, want in_memory", cfg.Cache.Backend)
	}
	if cfg.ServerPort != "9000" {
		t.Errorf("ServerPort = %q, want 9000 (env wins over yaml)", cfg.ServerPort)
	}
}

func TestLoad_InvalidCacheTTL(t *testing.T) {
	for _, v := range []string{"abc", "0", "-5"} {
		t.Run(v, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("CACHE_TTL", v)
			chdir(t, t.TempDir())

			cfg, err := Load()
			if err == nil {
				t.Fatalf("Load() expected error for CACHE_TTL=%q, got nil", v)
			}
			if cfg != nil {
				t.Fatalf("Load() expected nil config on error, got %+v", cfg)
			}
			if !strings.Contains(err.Error(), "CACHE_TTL") {
				t.Errorf("Load() error = %v, want message containing CACHE_TTL", err)
			}
		})
	}
}

func TestLoad_SucceedsWithSecretsFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeEnvFile(t, dir, minimalEnvYAML)
	writeSecretsFile(t, dir, "weather_api_key: key-from-secrets-file\ndb_password: s3cret\n")
	chdir(t, dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.WeatherAPIKey != "key-from-secrets-file" {
		t.Errorf("WeatherAPIKey = %q, want key from secrets file", cfg.WeatherAPIKey)
	}
	if cfg.Database.Password != "s3cret" {
		t.Errorf("Database.Password = %q, want s3cret", cfg.Database.Password)
	}
}

func TestLoad_DotEnvFile(t *testing.T) {
	clearEnv(t)
	// godotenv never overrides variables that are already set, even to "".
	os.Unsetenv("DB_NAME")
	t.Cleanup(func() { os.Unsetenv("DB_NAME") })

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("DB_NAME=fromdotenv\n"), 0644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	chdir(t, dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Name != "fromdotenv" {
		t.Errorf("Database.Name = %q, want fromdotenv", cfg.Database.Name)
	}
}

func TestLoad_EnvFileNotFound(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV_NAME", "nonexistent")
	chdir(t, findProjectRoot(t))

	cfg, err := Load()
	if err == nil {
		t.Fatal("Load() expected error for missing env file, got nil")
	}
	if cfg != nil {
		t.Fatalf("Load() expected nil config on error, got %+v", cfg)
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("Load() error = %v, want message about config file not found", err)
	}
}

func TestLoad_EmptyDurationFallsBackToDefault(t *testing.T) {
	clearEnv(t)
	emptyDurationYAML := `
weather_api:
  timeout: ""
cache:
  ttl: ""
`
	dir := t.TempDir()
	writeEnvFile(t, dir, emptyDurationYAML)
	chdir(t, dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.WeatherAPITimeout != 10*time.Second {
		t.Errorf("WeatherAPITimeout = %v, want default 10s", cfg.WeatherAPITimeout)
	}
	if cfg.Cache.TTL != 5*time.Minute {
		t.Errorf("Cache.TTL = %v, want default 5m", cfg.Cache.TTL)
	}
}

func TestLoad_InvalidDurationFallsBackToDefault(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeEnvFile(t, dir, minimalEnvYAML+"\nstats:\n  window: \"invalid\"\n")
	chdir(t, dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StatsWindow != time.Hour {
		t.Errorf("StatsWindow = %v, want default 1h", cfg.StatsWindow)
	}
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantSub string
	}{
		{
			name:    "zero weather api timeout",
			yaml:    "weather_api:\n  timeout: \"0s\"\n",
			wantSub: "WeatherAPITimeout",
		},
		{
			name:    "unknown cache backend",
			yaml:    "cache:\n  backend: \"memcached\"\n",
			wantSub: "Backend",
		},
		{
			name:    "bad sslmode",
			yaml:    "database:\n  sslmode: \"sometimes\"\n",
			wantSub: "SSLMode",
		},
		{
			name:    "negative reprobe interval",
			yaml:    "cache:\n  reprobe_interval: \"-1s\"\n",
			wantSub: "ReprobeInterval",
		},
		{
			name:    "history max below default",
			yaml:    "stats:\n  history_default_limit: 50\n  history_max_limit: 20\n",
			wantSub: "HistoryMaxLimit",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			dir := t.TempDir()
			writeEnvFile(t, dir, tt.yaml)
			chdir(t, dir)

			cfg, err := Load()
			if err == nil {
				t.Fatal("Load() expected validation error, got nil")
			}
			if cfg != nil {
				t.Fatalf("Load() expected nil config on error, got %+v", cfg)
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("Load() error = %v, want message containing %q", err, tt.wantSub)
			}
		})
	}
}

func TestLoad_RequestTimeoutRaisedAboveUpstreamTimeout(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeEnvFile(t, dir, "weather_api:\n  timeout: \"20s\"\nrequest:\n  timeout: \"5s\"\n")
	chdir(t, dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		t.Errorf("RequestTimeout = %v, want > WeatherAPITimeout %v", cfg.RequestTimeout, cfg.WeatherAPITimeout)
	}
}

func TestLoad_InvalidSecretsYAML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeEnvFile(t, dir, minimalEnvYAML)
	writeSecretsFile(t, dir, "not valid: yaml: [[[")
	chdir(t, dir)

	cfg, err := Load()
	if err == nil {
		t.Fatal("Load() expected error for invalid secrets YAML, got nil")
	}
	if cfg != nil {
		t.Fatalf("Load() expected nil config on error, got %+v", cfg)
	}
	if !strings.Contains(err.Error(), "secrets") {
		t.Errorf("Load() error = %v, want message about secrets", err)
	}
}

func TestLoad_InvalidConfigYAML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeEnvFile(t, dir, "not: valid: yaml: [[[")
	chdir(t, dir)

	cfg, err := Load()
	if err == nil {
		t.Fatal("Load() expected error for invalid config YAML, got nil")
	}
	if cfg != nil {
		t.Fatalf("Load() expected nil config on error, got %+v", cfg)
	}
	if !strings.Contains(err.Error(), "parse config") {
		t.Errorf("Load() error = %v, want message about parse config", err)
	}
}

func TestLoad_ProjectDevConfig(t *testing.T) {
	clearEnv(t)
	chdir(t, findProjectRoot(t))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.WeatherAPIURL == "" || cfg.ServerPort == "" {
		t.Errorf("Load() did not populate config from config/dev.yaml")
	}
	if cfg.CircuitBreakerFailureThreshold != 5 {
		t.Errorf("CircuitBreakerFailureThreshold = %d, want 5", cfg.CircuitBreakerFailureThreshold)
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{Host: "h", Port: "5432", Name: "weatherdb", User: "u", Password: "p", SSLMode: "disable"}
	want := "host=h port=5432 user=u password=p dbname=weatherdb sslmode=disable"
	if got := d.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}

const minimalEnvYAML = `
server:
  port: "8080"
weather_api:
  url: "https://api.example.com"
  timeout: "2s"
request:
  timeout: "5s"
cache:
  ttl: "5m"
reliability:
  retry_max_attempts: 3
  retry_base_delay: "100ms"
  retry_max_delay: "2s"
  rate_limit_rps: 5
  rate_limit_burst: 10
shutdown:
  timeout: "10s"
`

func writeEnvFile(t *testing.T, dir, content string) {
	t.Helper()
	configDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("mkdir config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "dev.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
}

func writeSecretsFile(t *testing.T, dir, content string) {
	t.Helper()
	secretsDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(secretsDir, 0755); err != nil {
		t.Fatalf("mkdir config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(secretsDir, "secrets.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("write secrets file: %v", err)
	}
}

// TestCoverageGaps_IntentionallyUntested documents paths we reviewed but chose not to test.
func TestCoverageGaps_IntentionallyUntested(t *testing.T) {
	t.Run("loadSecrets_read_error", func(t *testing.T) {
		t.Skip("read-error path (non-IsNotExist) requires simulated ReadFile failure; not worth the portability cost")
	})
	t.Run("Load_getwd_error", func(t *testing.T) {
		t.Skip("os.Getwd only fails when the working directory was removed underneath the process")
	})
}

func findProjectRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "config", "dev.yaml")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("config/dev.yaml not found (run tests from project root)")
		}
		dir = parent
	}
}
