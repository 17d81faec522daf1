package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	// Ledger
	RPCEndpoints    []string
	ContractAddress string
	StartBlock      uint64

	// Indexer
	BatchSize       uint64
	PollInterval    time.Duration
	RebuildInterval time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration

	// Failover
	UnhealthyThreshold int
	RecoveryDelay      time.Duration
	ProbeInterval      time.Duration

	// Cache
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	WarmupTimeout time.Duration

	// Query engine
	StakeCapTokens uint64
	MaxLimit       int
	DefaultLimit   int
	ActiveOnly     bool
	NeutralScore   int

	// API
	ListenAddr  string
	CacheMaxAge int

	// Optional event archive
	ArchiveDSN string

	LogLevel string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("REGISTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("batch-size", uint64(2000))
	v.SetDefault("poll-interval", 10*time.Second)
	v.SetDefault("rebuild-interval", 5*time.Minute)
	v.SetDefault("max-retries", 3)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("unhealthy-threshold", 3)
	v.SetDefault("recovery-delay", 30*time.Second)
	v.SetDefault("probe-interval", time.Minute)
	v.SetDefault("redis-addr", "localhost:6379")
	v.SetDefault("warmup-timeout", 5*time.Second)
	v.SetDefault("stake-cap-tokens", uint64(100000))
	v.SetDefault("max-limit", 100)
	v.SetDefault("default-limit", 20)
	v.SetDefault("active-only", true)
	v.SetDefault("neutral-score", 50)
	v.SetDefault("listen-addr", ":8080")
	v.SetDefault("cache-max-age", 30)
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		RPCEndpoints:       getStringSlice(v, "rpc"),
		ContractAddress:    v.GetString("contract"),
		StartBlock:         v.GetUint64("start-block"),
		BatchSize:          v.GetUint64("batch-size"),
		PollInterval:       v.GetDuration("poll-interval"),
		RebuildInterval:    v.GetDuration("rebuild-interval"),
		MaxRetries:         v.GetInt("max-retries"),
		RetryBackoff:       v.GetDuration("retry-backoff"),
		UnhealthyThreshold: v.GetInt("unhealthy-threshold"),
		RecoveryDelay:      v.GetDuration("recovery-delay"),
		ProbeInterval:      v.GetDuration("probe-interval"),
		RedisAddr:          v.GetString("redis-addr"),
		RedisPassword:      v.GetString("redis-password"),
		RedisDB:            v.GetInt("redis-db"),
		WarmupTimeout:      v.GetDuration("warmup-timeout"),
		StakeCapTokens:     v.GetUint64("stake-cap-tokens"),
		MaxLimit:           v.GetInt("max-limit"),
		DefaultLimit:       v.GetInt("default-limit"),
		ActiveOnly:         v.GetBool("active-only"),
		NeutralScore:       v.GetInt("neutral-score"),
		ListenAddr:         v.GetString("listen-addr"),
		CacheMaxAge:        v.GetInt("cache-max-age"),
		ArchiveDSN:         v.GetString("archive-dsn"),
		LogLevel:           v.GetString("log-level"),
	}

	return cfg, nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
