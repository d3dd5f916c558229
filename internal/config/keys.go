package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "SHELF_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_connections", typ: kInt, env: "SHELF_SERVER_MAX_CONNECTIONS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConnections = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConnections },
	},
	{
		key: "server.api_token", typ: kString, env: "SHELF_SERVER_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "redis.addr", typ: kString, env: "SHELF_REDIS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Redis.Addr = v.(string) },
		extract: func(cfg Config) any { return cfg.Redis.Addr },
	},
	{
		key: "redis.password", typ: kString, env: "SHELF_REDIS_PASSWORD",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Redis.Password = v.(string) },
		extract: func(cfg Config) any { return cfg.Redis.Password },
	},
	{
		key: "redis.db", typ: kInt, env: "SHELF_REDIS_DB",
		apply:   func(cfg *Config, v any) { cfg.Redis.DB = v.(int) },
		extract: func(cfg Config) any { return cfg.Redis.DB },
	},
	{
		key: "redis.prefix", typ: kString, env: "SHELF_REDIS_PREFIX",
		apply:   func(cfg *Config, v any) { cfg.Redis.Prefix = v.(string) },
		extract: func(cfg Config) any { return cfg.Redis.Prefix },
	},
	{
		key: "redis.dial_timeout", typ: kDuration, env: "SHELF_REDIS_DIAL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Redis.DialTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Redis.DialTimeout },
	},
	{
		key: "redis.read_timeout", typ: kDuration, env: "SHELF_REDIS_READ_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Redis.ReadTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Redis.ReadTimeout },
	},
	{
		key: "redis.write_timeout", typ: kDuration, env: "SHELF_REDIS_WRITE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Redis.WriteTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Redis.WriteTimeout },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SHELF_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "SHELF_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "schedule.poll_interval", typ: kDuration, env: "SHELF_SCHEDULE_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Schedule.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Schedule.PollInterval },
	},
	{
		key: "schedule.claim_ttl", typ: kDuration, env: "SHELF_SCHEDULE_CLAIM_TTL",
		apply:   func(cfg *Config, v any) { cfg.Schedule.ClaimTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Schedule.ClaimTTL },
	},
	{
		key: "activity.viewed_cap", typ: kInt, env: "SHELF_ACTIVITY_VIEWED_CAP",
		apply:   func(cfg *Config, v any) { cfg.Activity.ViewedCap = v.(int) },
		extract: func(cfg Config) any { return cfg.Activity.ViewedCap },
	},
	{
		key: "reaper.ceiling", typ: kInt, env: "SHELF_REAPER_CEILING",
		apply:   func(cfg *Config, v any) { cfg.Reaper.Ceiling = int64(v.(int)) },
		extract: func(cfg Config) any { return cfg.Reaper.Ceiling },
	},
	{
		key: "reaper.batch_cap", typ: kInt, env: "SHELF_REAPER_BATCH_CAP",
		apply:   func(cfg *Config, v any) { cfg.Reaper.BatchCap = int64(v.(int)) },
		extract: func(cfg Config) any { return cfg.Reaper.BatchCap },
	},
	{
		key: "reaper.include_cart", typ: kBool, env: "SHELF_REAPER_INCLUDE_CART",
		apply:   func(cfg *Config, v any) { cfg.Reaper.IncludeCart = v.(bool) },
		extract: func(cfg Config) any { return cfg.Reaper.IncludeCart },
	},
	{
		key: "reaper.idle_interval", typ: kDuration, env: "SHELF_REAPER_IDLE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Reaper.IdleInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Reaper.IdleInterval },
	},
	{
		key: "reaper.keep_top", typ: kInt, env: "SHELF_REAPER_KEEP_TOP",
		apply:   func(cfg *Config, v any) { cfg.Reaper.KeepTop = int64(v.(int)) },
		extract: func(cfg Config) any { return cfg.Reaper.KeepTop },
	},
	{
		key: "reaper.trim_interval", typ: kDuration, env: "SHELF_REAPER_TRIM_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Reaper.TrimInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Reaper.TrimInterval },
	},
	{
		key: "cache.rank_threshold", typ: kInt, env: "SHELF_CACHE_RANK_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Cache.RankThreshold = int64(v.(int)) },
		extract: func(cfg Config) any { return cfg.Cache.RankThreshold },
	},
	{
		key: "cache.ttl", typ: kDuration, env: "SHELF_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.TTL },
	},
	{
		key: "telemetry.enabled", typ: kBool, env: "SHELF_TELEMETRY_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Telemetry.Enabled },
	},
	{
		key: "telemetry.endpoint", typ: kString, env: "SHELF_TELEMETRY_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Telemetry.Endpoint },
	},
}

// applyBackend copies values stored in b over cfg. Environment overrides are
// applied afterwards by Load.
func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					slog.Warn("ignoring unparseable config value", "key", s.key, "value", v, "error", err)
				}
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					slog.Warn("ignoring unparseable config value", "key", s.key, "value", v, "error", err)
				}
			}
		}
	}
	return nil
}
