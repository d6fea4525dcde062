// Package config loads the edgekit host configuration: built-in defaults,
// then an optional YAML file, then environment variables, validated at startup.
//
// Rate limit policies are keyed by name. A policy entry in the file replaces
// the built-in entry of the same name; the environment adjusts single fields:
//
//	EDGEKIT_RATELIMIT_AUTH_MAX=10
//	EDGEKIT_RATELIMIT_PASSWORD_RESET_WINDOW=30m
package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/growcircle/edgekit"
	"github.com/growcircle/edgekit/store"
	"gopkg.in/yaml.v3"
)

// Config is the complete host configuration.
type Config struct {
	Server     ServerConfig            `yaml:"server"`
	Redis      RedisConfig             `yaml:"redis"`
	Cache      CacheConfig             `yaml:"cache"`
	Logging    LoggingConfig           `yaml:"logging"`
	RateLimits map[string]PolicyConfig `yaml:"rate_limits" validate:"dive"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`

	// AdminToken guards the admin routes; they are not mounted when empty.
	AdminToken string `yaml:"admin_token"`
}

// RedisConfig configures the shared store connection.
type RedisConfig struct {
	URL       string        `yaml:"url" validate:"required"`
	Prefix    string        `yaml:"prefix" validate:"required"`
	OpTimeout time.Duration `yaml:"op_timeout" validate:"gt=0"`
	PoolSize  int           `yaml:"pool_size" validate:"gte=0"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Namespace   string        `yaml:"namespace" validate:"required,excludesall=*?[]"`
	DefaultTTL  time.Duration `yaml:"default_ttl" validate:"gte=1s"`
	MaxBodySize int           `yaml:"max_body_size" validate:"gt=0"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Pretty bool   `yaml:"pretty"`
}

// PolicyConfig is the file and environment form of edgekit.Policy.
type PolicyConfig struct {
	Window         time.Duration `yaml:"window" validate:"gte=1s"`
	Max            int64         `yaml:"max" validate:"gt=0"`
	Identity       string        `yaml:"identity" validate:"omitempty,oneof=ip real_ip subject"`
	FailMode       string        `yaml:"fail_mode" validate:"omitempty,oneof=open closed"`
	SkipSuccessful bool          `yaml:"skip_successful"`
	SkipPaths      []string      `yaml:"skip_paths" validate:"dive,startswith=/"`
	ErrorCode      string        `yaml:"error_code"`
	Message        string        `yaml:"message"`
}

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]; name != "" && name != "-" {
			return name
		}
		return fld.Name
	})
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			URL:       store.DefaultRedisURL,
			Prefix:    "rate_limit:",
			OpTimeout: 500 * time.Millisecond,
		},
		Cache: CacheConfig{
			Namespace:   edgekit.DefaultCacheNamespace,
			DefaultTTL:  5 * time.Minute,
			MaxBodySize: edgekit.DefaultMaxCacheBodySize,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		RateLimits: make(map[string]PolicyConfig),
	}
	for name, p := range edgekit.DefaultPolicies() {
		cfg.RateLimits[name] = fromPolicy(p)
	}
	return cfg
}

// Load returns the configuration built from defaults, the YAML file at path
// (skipped when path is empty) and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := loadFromEnvironment(cfg); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks struct constraints and every policy.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	var errs []error
	for _, name := range slices.Sorted(maps.Keys(c.RateLimits)) {
		errs = append(errs, c.RateLimits[name].Policy(name).Validate())
	}
	return errors.Join(errs...)
}

// Policies converts the configured rate limits for edgekit.NewRateLimiters.
func (c *Config) Policies() map[string]edgekit.Policy {
	out := make(map[string]edgekit.Policy, len(c.RateLimits))
	for name, pc := range c.RateLimits {
		out[name] = pc.Policy(name)
	}
	return out
}

// Policy returns the edgekit policy named name.
func (pc PolicyConfig) Policy(name string) edgekit.Policy {
	return edgekit.Policy{
		Name:           name,
		Window:         pc.Window,
		Max:            pc.Max,
		Identity:       edgekit.IdentityStrategy(pc.Identity),
		FailMode:       edgekit.FailMode(pc.FailMode),
		SkipSuccessful: pc.SkipSuccessful,
		SkipPaths:      pc.SkipPaths,
		ErrorCode:      pc.ErrorCode,
		Message:        pc.Message,
	}
}

func fromPolicy(p edgekit.Policy) PolicyConfig {
	return PolicyConfig{
		Window:         p.Window,
		Max:            p.Max,
		Identity:       string(p.Identity),
		FailMode:       string(p.FailMode),
		SkipSuccessful: p.SkipSuccessful,
		SkipPaths:      p.SkipPaths,
		ErrorCode:      p.ErrorCode,
		Message:        p.Message,
	}
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

func loadFromEnvironment(cfg *Config) error {
	var errs []error

	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}

	if prefix := os.Getenv("EDGEKIT_REDIS_PREFIX"); prefix != "" {
		cfg.Redis.Prefix = prefix
	}

	if timeout := os.Getenv("EDGEKIT_REDIS_OP_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			cfg.Redis.OpTimeout = d
		} else {
			errs = append(errs, fmt.Errorf("EDGEKIT_REDIS_OP_TIMEOUT: %w", err))
		}
	}

	if ttl := os.Getenv("EDGEKIT_CACHE_TTL"); ttl != "" {
		if d, err := time.ParseDuration(ttl); err == nil {
			cfg.Cache.DefaultTTL = d
		} else {
			errs = append(errs, fmt.Errorf("EDGEKIT_CACHE_TTL: %w", err))
		}
	}

	if level := os.Getenv("EDGEKIT_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = strings.ToLower(level)
	}

	if pretty := os.Getenv("EDGEKIT_LOG_PRETTY"); pretty != "" {
		cfg.Logging.Pretty = strings.ToLower(pretty) == "true"
	}

	if addr := os.Getenv("EDGEKIT_LISTEN_ADDR"); addr != "" {
		cfg.Server.ListenAddr = addr
	}

	if token := os.Getenv("EDGEKIT_ADMIN_TOKEN"); token != "" {
		cfg.Server.AdminToken = token
	}

	for name, pc := range cfg.RateLimits {
		env := "EDGEKIT_RATELIMIT_" + strings.ToUpper(name)

		if v := os.Getenv(env + "_MAX"); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				pc.Max = n
			} else {
				errs = append(errs, fmt.Errorf("%s_MAX: %w", env, err))
			}
		}

		if v := os.Getenv(env + "_WINDOW"); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				pc.Window = d
			} else {
				errs = append(errs, fmt.Errorf("%s_WINDOW: %w", env, err))
			}
		}

		cfg.RateLimits[name] = pc
	}

	return errors.Join(errs...)
}

// Example returns the default configuration as YAML.
func Example() ([]byte, error) {
	return yaml.Marshal(Default())
}
