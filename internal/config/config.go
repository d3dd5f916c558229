package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SHELF_"

type Config struct {
	Server    ServerConfig    `envPrefix:"SERVER_"`
	Redis     RedisConfig     `envPrefix:"REDIS_"`
	Storage   StorageConfig   `envPrefix:"STORAGE_"`
	Log       LogConfig       `envPrefix:"LOG_"`
	Schedule  ScheduleConfig  `envPrefix:"SCHEDULE_"`
	Activity  ActivityConfig  `envPrefix:"ACTIVITY_"`
	Reaper    ReaperConfig    `envPrefix:"REAPER_"`
	Cache     CacheConfig     `envPrefix:"CACHE_"`
	Telemetry TelemetryConfig `envPrefix:"TELEMETRY_"`
}

type ServerConfig struct {
	Port           int    `env:"PORT"`
	MaxConnections int    `env:"MAX_CONNECTIONS"`
	APIToken       string `env:"API_TOKEN"`
}

type RedisConfig struct {
	Addr         string        `env:"ADDR"`
	Password     string        `env:"PASSWORD"`
	DB           int           `env:"DB"`
	Prefix       string        `env:"PREFIX"`
	DialTimeout  time.Duration `env:"DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT"`
}

type StorageConfig struct {
	DataDir string `env:"DATA_DIR"`
}

type LogConfig struct {
	Level string `env:"LEVEL"`
}

type ScheduleConfig struct {
	PollInterval time.Duration `env:"POLL_INTERVAL"`
	ClaimTTL     time.Duration `env:"CLAIM_TTL"`
}

type ActivityConfig struct {
	ViewedCap int `env:"VIEWED_CAP"`
}

type ReaperConfig struct {
	Ceiling      int64         `env:"CEILING"`
	BatchCap     int64         `env:"BATCH_CAP"`
	IncludeCart  bool          `env:"INCLUDE_CART"`
	IdleInterval time.Duration `env:"IDLE_INTERVAL"`
	KeepTop      int64         `env:"KEEP_TOP"`
	TrimInterval time.Duration `env:"TRIM_INTERVAL"`
}

type CacheConfig struct {
	RankThreshold int64         `env:"RANK_THRESHOLD"`
	TTL           time.Duration `env:"TTL"`
}

type TelemetryConfig struct {
	Enabled  bool   `env:"ENABLED"`
	Endpoint string `env:"ENDPOINT"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:           4100,
			MaxConnections: 256,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Schedule: ScheduleConfig{
			PollInterval: 50 * time.Millisecond,
			ClaimTTL:     30 * time.Second,
		},
		Activity: ActivityConfig{
			ViewedCap: 25,
		},
		Reaper: ReaperConfig{
			Ceiling:      10_000_000,
			BatchCap:     100,
			IdleInterval: time.Second,
			KeepTop:      20000,
			TrimInterval: 5 * time.Minute,
		},
		Cache: CacheConfig{
			RankThreshold: 10000,
			TTL:           300 * time.Second,
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store, then validates it.
//
// On macOS the backend is UserDefaults (domain: com.shelf.app) and secrets
// fall back to the login Keychain, then the secrets file.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/shelf/config.json
// and secrets fall back to $XDG_DATA_HOME/shelf/secrets.json
// (or $SHELF_SECRETS_FILE).
//
// Environment variables (SHELF_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	// Try platform keychain for secrets still empty.
	if cfg.Redis.Password == "" {
		if v, err := kc.Get(secretService, "redis_password"); err == nil && v != "" {
			cfg.Redis.Password = v
		}
	}
	if cfg.Server.APIToken == "" {
		if v, err := kc.Get(secretService, "api_token"); err == nil && v != "" {
			cfg.Server.APIToken = v
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings no daemon can start with.
func (c Config) Validate() error {
	var problems []string
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Redis.Addr == "" {
		problems = append(problems, "redis.addr is empty")
	}
	if c.Storage.DataDir == "" {
		problems = append(problems, "storage.data_dir is empty")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Schedule.PollInterval <= 0 {
		problems = append(problems, "schedule.poll_interval must be positive")
	}
	if c.Reaper.Ceiling < 0 {
		problems = append(problems, "reaper.ceiling must not be negative")
	}
	if c.Reaper.BatchCap <= 0 {
		problems = append(problems, "reaper.batch_cap must be positive")
	}
	if c.Cache.TTL <= 0 {
		problems = append(problems, "cache.ttl must be positive")
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		problems = append(problems, "telemetry.endpoint is required when telemetry is enabled")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// keychainReader reads secrets from the platform store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	return readSecret(service, account)
}
