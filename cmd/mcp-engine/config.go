package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/xhit/go-str2duration/v2"
)

// flags.
const (
	flagConfig         = "config"
	flagTransport      = "transport"
	flagAddr           = "addr"
	flagStreaming      = "streaming"
	flagStore          = "store"
	flagStoreDir       = "store-dir"
	flagRedisAddr      = "redis-addr"
	flagRedisPrefix    = "redis-prefix"
	flagSessionTTL     = "session-ttl"
	flagGCInterval     = "gc-interval"
	flagGCProbability  = "gc-probability"
	flagPageSize       = "page-size"
	flagUpdateInterval = "update-interval"
	flagLogLevel       = "log-level"
	flagLogFormat      = "log-format"
)

const (
	transportStdio = "stdio"
	transportHTTP  = "http"

	storeMemory = "memory"
	storeFile   = "file"
	storeRedis  = "redis"

	envPrefix      = "MCP_ENGINE"
	configFileName = "mcp-engine"
)

// config is the resolved configuration of the serve command.
type config struct {
	Transport string
	Addr      string
	Streaming bool

	Store       string
	StoreDir    string
	RedisAddr   string
	RedisPrefix string

	SessionTTL     time.Duration
	GCInterval     time.Duration
	GCProbability  float64
	PageSize       int
	UpdateInterval time.Duration

	LogLevel  slog.Level
	LogFormat string
}

func addServeFlags(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.String(flagTransport, transportStdio, "transport to serve on (stdio, http)")
	fs.String(flagAddr, ":8080", "listen address of the http transport")
	fs.Bool(flagStreaming, false, "stream http responses as server-sent events when the client accepts them")
	fs.String(flagStore, storeMemory, "session store (memory, file, redis)")
	fs.String(flagStoreDir, "sessions", "directory of the file session store")
	fs.String(flagRedisAddr, "localhost:6379", "address of the redis session store")
	fs.String(flagRedisPrefix, "mcp:session", "key prefix of the redis session store")
	fs.String(flagSessionTTL, "30m", "session lifetime, e.g. 30m, 12h, 1d")
	fs.String(flagGCInterval, "5m", "interval of the session garbage collection, 0 to rely on per-request gc only")
	fs.Float64(flagGCProbability, 0.01, "probability that a request triggers session garbage collection")
	fs.Int(flagPageSize, 20, "page size of list methods")
	fs.String(flagUpdateInterval, "30s", "interval of the simulated resource updates")
	fs.String(flagLogLevel, "info", "log level (debug, info, warn, error)")
	fs.String(flagLogFormat, "text", "log format (text, json)")
}

// newViper binds the command flags, MCP_ENGINE_* environment variables and the config
// file, in increasing order of precedence: file, env, explicit flags.
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if path, _ := cmd.Flags().GetString(flagConfig); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configFileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/mcp-engine")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

func loadConfig(v *viper.Viper) (config, error) {
	cfg := config{
		Transport:     strings.ToLower(v.GetString(flagTransport)),
		Addr:          v.GetString(flagAddr),
		Streaming:     v.GetBool(flagStreaming),
		Store:         strings.ToLower(v.GetString(flagStore)),
		StoreDir:      v.GetString(flagStoreDir),
		RedisAddr:     v.GetString(flagRedisAddr),
		RedisPrefix:   v.GetString(flagRedisPrefix),
		GCProbability: v.GetFloat64(flagGCProbability),
		PageSize:      v.GetInt(flagPageSize),
		LogFormat:     strings.ToLower(v.GetString(flagLogFormat)),
	}

	var err error
	if cfg.SessionTTL, err = parseDuration(v, flagSessionTTL); err != nil {
		return config{}, err
	}
	if cfg.GCInterval, err = parseDuration(v, flagGCInterval); err != nil {
		return config{}, err
	}
	if cfg.UpdateInterval, err = parseDuration(v, flagUpdateInterval); err != nil {
		return config{}, err
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString(flagLogLevel))); err != nil {
		return config{}, fmt.Errorf("invalid %s: %w", flagLogLevel, err)
	}

	switch cfg.Transport {
	case transportStdio, transportHTTP:
	default:
		return config{}, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	switch cfg.Store {
	case storeMemory, storeFile, storeRedis:
	default:
		return config{}, fmt.Errorf("unknown session store %q", cfg.Store)
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return config{}, fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}
	if cfg.SessionTTL <= 0 {
		return config{}, fmt.Errorf("%s must be positive", flagSessionTTL)
	}
	if cfg.UpdateInterval <= 0 {
		return config{}, fmt.Errorf("%s must be positive", flagUpdateInterval)
	}
	if cfg.GCProbability < 0 || cfg.GCProbability > 1 {
		return config{}, fmt.Errorf("%s must be between 0 and 1", flagGCProbability)
	}
	if cfg.PageSize <= 0 {
		return config{}, fmt.Errorf("%s must be positive", flagPageSize)
	}
	return cfg, nil
}

// parseDuration accepts Go durations and day or week units such as "1d" or "2w".
func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" || raw == "0" {
		return 0, nil
	}
	d, err := str2duration.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

// newLogger writes to w, which is stderr for the stdio transport since stdout carries the
// protocol.
func newLogger(cfg config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
