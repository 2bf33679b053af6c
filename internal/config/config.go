// Package config loads Ledge's runtime configuration from a YAML file,
// environment variables, and command-line flags via spf13/viper, the same
// viper+pflag+mapstructure stack dylandreimerink-sharedhttpcache's
// cmd/sharedhttpcache/main.go uses to configure its caching server.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is every recognized option from spec §6, plus the ambient
// transport/operational settings a deployed proxy needs.
type Config struct {
	// ListenAddress is where cmd/ledge accepts incoming HTTP requests.
	ListenAddress string `mapstructure:"listen_address"`

	// UpstreamHost and UpstreamPort address the single origin this proxy
	// fronts.
	UpstreamHost string `mapstructure:"upstream_host"`
	UpstreamPort string `mapstructure:"upstream_port"`

	// RedisAddr is the metadata store's address (pkg/store).
	RedisAddr string `mapstructure:"redis_addr"`

	// QueueRedisAddr is the job queue's address (pkg/queue). Defaults to
	// RedisAddr when unset, since a single Redis instance can serve both
	// roles.
	QueueRedisAddr string `mapstructure:"queue_redis_addr"`

	// WorkerPoolSize is the number of goroutines cmd/ledge-worker runs
	// pulling from the job queue.
	WorkerPoolSize int `mapstructure:"worker_pool_size"`

	// ServeWhenStale is the grace window (§4.3) during which an expired
	// entry is still served WARM.
	ServeWhenStale time.Duration `mapstructure:"serve_when_stale"`

	// CollapseOriginRequests is loaded and defaulted here, but no
	// component reads it: pkg/lifecycle always coalesces misses (C5),
	// whatever its value.
	CollapseOriginRequests bool `mapstructure:"collapse_origin_requests"`

	// KeepCacheFor is loaded and defaulted here, but no component reads
	// it: a written entry's TTL is its time to expiry plus ServeWhenStale
	// only, with no further retention window added.
	KeepCacheFor time.Duration `mapstructure:"keep_cache_for"`

	// KeyspaceScanCount is the batch size for wildcard purge scans. The
	// worker's GC scan does not use it.
	KeyspaceScanCount int64 `mapstructure:"keyspace_scan_count"`

	// LockTTL bounds how long a crashed collapse leader can block
	// followers.
	LockTTL time.Duration `mapstructure:"lock_ttl"`

	// FollowerWait is how long a collapse follower waits before falling
	// back to its own direct fetch.
	FollowerWait time.Duration `mapstructure:"follower_wait"`

	// LogLevel and LogPretty configure pkg/logging.
	LogLevel  string `mapstructure:"log_level"`
	LogPretty bool   `mapstructure:"log_pretty"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_address", ":8080")
	v.SetDefault("upstream_port", "80")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("queue_redis_addr", "")
	v.SetDefault("worker_pool_size", 4)
	v.SetDefault("serve_when_stale", "0s")
	v.SetDefault("collapse_origin_requests", true)
	v.SetDefault("keep_cache_for", "3600s")
	v.SetDefault("keyspace_scan_count", 100)
	v.SetDefault("lock_ttl", "10s")
	v.SetDefault("follower_wait", "5s")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)
}

// Load reads config from configPath (when non-empty; a path that cannot be
// read is an error), the LEDGE_-prefixed
// environment, and flagSet, in that ascending order of precedence, then
// unmarshals and validates the result.
func Load(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, fmt.Errorf("config: read %s: %w", configPath, err)
			}
		}
	}

	v.SetEnvPrefix("ledge")
	v.AutomaticEnv()

	if flagSet != nil {
		if err := v.BindPFlags(flagSet); err != nil {
			return nil, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.QueueRedisAddr == "" {
		cfg.QueueRedisAddr = cfg.RedisAddr
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Flags registers the subset of Config's keys that make sense as
// command-line overrides, mirroring sharedhttpcache's "-config" flag
// idiom but exposing the hot operational knobs directly.
func Flags(flagSet *pflag.FlagSet) {
	flagSet.String("listen_address", ":8080", "address to listen for incoming HTTP requests")
	flagSet.String("upstream_host", "", "origin host this proxy fronts")
	flagSet.String("upstream_port", "80", "origin port")
	flagSet.String("redis_addr", "localhost:6379", "metadata store address")
	flagSet.String("queue_redis_addr", "", "job queue address, defaults to redis_addr")
	flagSet.Int("worker_pool_size", 4, "number of background worker goroutines")
}

func (c *Config) validate() error {
	if c.UpstreamHost == "" {
		return fmt.Errorf("config: upstream_host is required")
	}
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("config: worker_pool_size must be positive, got %d", c.WorkerPoolSize)
	}
	if c.KeyspaceScanCount <= 0 {
		return fmt.Errorf("config: keyspace_scan_count must be positive, got %d", c.KeyspaceScanCount)
	}
	return nil
}
