package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"shardgate/internal/gateway"
	"shardgate/internal/rest"
)

const EnvPrefix = "SHARDGATE"

var ErrMissingToken = errors.New("config: token is required")

type Config struct {
	Token string `mapstructure:"token"`

	API struct {
		Base          string        `mapstructure:"base"`
		Version       int           `mapstructure:"version"`
		Timeout       time.Duration `mapstructure:"timeout"`
		Retries       int           `mapstructure:"retries"`
		BackoffMin    time.Duration `mapstructure:"backoff_min"`
		BackoffMax    time.Duration `mapstructure:"backoff_max"`
		GlobalRPS     float64       `mapstructure:"global_rps"`
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
	} `mapstructure:"api"`

	Gateway struct {
		Version          int           `mapstructure:"version"`
		RawShards        any           `mapstructure:"shards"`
		TotalShards      int           `mapstructure:"total_shards"`
		RawIntents       any           `mapstructure:"intents"`
		IdentifyInterval time.Duration `mapstructure:"identify_interval"`
		Compress         bool          `mapstructure:"compress"`
		CloseTimeout     time.Duration `mapstructure:"close_timeout"`
		LargeThreshold   int           `mapstructure:"large_threshold"`

		Shards  gateway.ShardSpec `mapstructure:"-"`
		Intents gateway.Intents   `mapstructure:"-"`
	} `mapstructure:"gateway"`

	Session struct {
		RedisAddr     string        `mapstructure:"redis_addr"`
		RedisPassword string        `mapstructure:"redis_password"`
		RedisDB       int           `mapstructure:"redis_db"`
		Prefix        string        `mapstructure:"prefix"`
		TTL           time.Duration `mapstructure:"ttl"`
		Keep          bool          `mapstructure:"keep"`
	} `mapstructure:"session"`

	Metrics struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"metrics"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("token", "")

	v.SetDefault("api.base", rest.DefaultAPIBase)
	v.SetDefault("api.version", rest.DefaultAPIVersion)
	v.SetDefault("api.timeout", rest.DefaultTimeout)
	v.SetDefault("api.retries", rest.DefaultRetries)
	v.SetDefault("api.backoff_min", rest.DefaultBackoffMin)
	v.SetDefault("api.backoff_max", rest.DefaultBackoffMax)
	v.SetDefault("api.global_rps", rest.DefaultGlobalRPS)
	v.SetDefault("api.sweep_interval", rest.DefaultSweepInterval)

	v.SetDefault("gateway.version", 10)
	v.SetDefault("gateway.shards", "auto")
	v.SetDefault("gateway.total_shards", 0)
	v.SetDefault("gateway.intents", "non_privileged")
	v.SetDefault("gateway.identify_interval", 5*time.Second)
	v.SetDefault("gateway.compress", false)
	v.SetDefault("gateway.close_timeout", 5*time.Second)
	v.SetDefault("gateway.large_threshold", 50)

	v.SetDefault("session.redis_addr", "")
	v.SetDefault("session.redis_password", "")
	v.SetDefault("session.redis_db", 0)
	v.SetDefault("session.prefix", "shardgate:session")
	v.SetDefault("session.ttl", 10*time.Minute)
	v.SetDefault("session.keep", false)

	v.SetDefault("metrics.addr", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// New returns a viper instance with defaults and SHARDGATE_* environment
// overrides, e.g. SHARDGATE_API_RETRIES for api.retries.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads path, when set, on top of the defaults and environment.
func Load(path string) (*Config, error) {
	v := New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return FromViper(v)
}

func FromViper(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	shards, err := ParseShards(c.Gateway.RawShards)
	if err != nil {
		return nil, err
	}
	c.Gateway.Shards = shards

	intents, err := ParseIntents(c.Gateway.RawIntents)
	if err != nil {
		return nil, err
	}
	c.Gateway.Intents = intents

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

// Validate checks everything but the token, which only commands that talk to
// the API need.
func (c *Config) Validate() error {
	switch {
	case c.API.Version <= 0:
		return fmt.Errorf("config: api.version must be positive, got %d", c.API.Version)
	case c.API.Retries < 0:
		return fmt.Errorf("config: api.retries must not be negative, got %d", c.API.Retries)
	case c.API.BackoffMin <= 0 || c.API.BackoffMax < c.API.BackoffMin:
		return fmt.Errorf("config: api.backoff_min (%s) must be positive and at most api.backoff_max (%s)", c.API.BackoffMin, c.API.BackoffMax)
	case c.API.GlobalRPS <= 0:
		return fmt.Errorf("config: api.global_rps must be positive, got %v", c.API.GlobalRPS)
	case c.Gateway.Version <= 0:
		return fmt.Errorf("config: gateway.version must be positive, got %d", c.Gateway.Version)
	case c.Gateway.IdentifyInterval < 0:
		return fmt.Errorf("config: gateway.identify_interval must not be negative")
	case c.Gateway.LargeThreshold != 0 && (c.Gateway.LargeThreshold < 50 || c.Gateway.LargeThreshold > 250):
		return fmt.Errorf("config: gateway.large_threshold must be between 50 and 250, got %d", c.Gateway.LargeThreshold)
	}

	for _, id := range c.Gateway.Shards.IDs {
		if c.Gateway.TotalShards > 0 && id >= c.Gateway.TotalShards {
			return fmt.Errorf("config: shard %d is outside gateway.total_shards (%d)", id, c.Gateway.TotalShards)
		}
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("config: log.format must be json or console, got %q", c.Log.Format)
	}

	return nil
}

func (c *Config) RequireToken() error {
	if strings.TrimSpace(c.Token) == "" {
		return ErrMissingToken
	}
	return nil
}

// ParseShards accepts "auto", a count, or a list of ids given as a list or a
// comma separated string.
func ParseShards(raw any) (gateway.ShardSpec, error) {
	switch value := raw.(type) {
	case nil:
		return gateway.ShardSpec{}, nil

	case int:
		return shardCount(value)
	case int64:
		return shardCount(int(value))
	case float64:
		return shardCount(int(value))

	case string:
		value = strings.TrimSpace(value)
		if value == "" || strings.EqualFold(value, "auto") {
			return gateway.ShardSpec{}, nil
		}

		if !strings.Contains(value, ",") && !strings.HasPrefix(value, "[") {
			n, err := strconv.Atoi(value)
			if err != nil {
				return gateway.ShardSpec{}, fmt.Errorf("config: gateway.shards: %q is not auto, a count or a list", value)
			}
			return shardCount(n)
		}

		parts := strings.Split(strings.Trim(value, "[]"), ",")
		items := make([]any, len(parts))
		for i, p := range parts {
			items[i] = strings.TrimSpace(p)
		}
		return shardList(items)

	case []any:
		return shardList(value)
	case []int:
		items := make([]any, len(value))
		for i, id := range value {
			items[i] = id
		}
		return shardList(items)
	case []string:
		items := make([]any, len(value))
		for i, id := range value {
			items[i] = id
		}
		return shardList(items)
	}

	return gateway.ShardSpec{}, fmt.Errorf("config: gateway.shards: unsupported value %v", raw)
}

func shardCount(n int) (gateway.ShardSpec, error) {
	if n <= 0 {
		return gateway.ShardSpec{}, fmt.Errorf("config: gateway.shards: count must be positive, got %d", n)
	}
	return gateway.ShardSpec{Count: n}, nil
}

func shardList(items []any) (gateway.ShardSpec, error) {
	seen := make(map[int]bool, len(items))
	ids := make([]int, 0, len(items))

	for _, item := range items {
		id, err := toInt(item)
		if err != nil || id < 0 {
			return gateway.ShardSpec{}, fmt.Errorf("config: gateway.shards: invalid shard id %v", item)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}

	if len(ids) == 0 {
		return gateway.ShardSpec{}, errors.New("config: gateway.shards: empty shard list")
	}

	return gateway.ShardSpec{IDs: ids}, nil
}

// ParseIntents accepts a raw bitmask or intent names given as a list or a
// comma separated string.
func ParseIntents(raw any) (gateway.Intents, error) {
	var names []string

	switch value := raw.(type) {
	case nil:
		return gateway.IntentsNonPrivileged, nil

	case int, int64, float64:
		n, _ := toInt(value)
		return gateway.Intents(n), nil

	case string:
		value = strings.TrimSpace(value)
		if n, err := strconv.Atoi(value); err == nil {
			return gateway.Intents(n), nil
		}
		names = strings.Split(value, ",")

	case []string:
		names = value

	case []any:
		for _, item := range value {
			names = append(names, fmt.Sprint(item))
		}

	default:
		return 0, fmt.Errorf("config: gateway.intents: unsupported value %v", raw)
	}

	intents, unknown := gateway.ParseIntents(names)
	if len(unknown) > 0 {
		return 0, fmt.Errorf("config: gateway.intents: unknown intents %s", strings.Join(unknown, ", "))
	}

	return intents, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%v is not a whole number", n)
		}
		return int(n), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(n))
	}
	return 0, fmt.Errorf("%v is not a number", v)
}
