// Package config loads engine configuration from a YAML file and DRAGONSCALE_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ZanzyTHEbar/dragonscale-engine"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/permission"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/ratelimit"
)

// EnvPrefix prefixes every environment override, e.g. DRAGONSCALE_SERVER_ADDR.
const EnvPrefix = "DRAGONSCALE"

type Config struct {
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Store      StoreConfig      `mapstructure:"store"`
	Memory     MemoryConfig     `mapstructure:"memory"`
	RateLimits RateLimitsConfig `mapstructure:"rate_limits"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Approval   ApprovalConfig   `mapstructure:"approval"`
	EventBus   EventBusConfig   `mapstructure:"event_bus"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
}

type ExecutorConfig struct {
	MaxParallel     int           `mapstructure:"max_parallel"`    // per wave, 0 = unbounded
	DefaultTimeout  time.Duration `mapstructure:"default_timeout"` // per attempt, 0 = unbounded
	AllowEnv        bool          `mapstructure:"allow_env"`
	MaxResultString int           `mapstructure:"max_result_string"`
	RollbackTimeout time.Duration `mapstructure:"rollback_timeout"`
}

type EngineConfig struct {
	MaxActivePlans  int           `mapstructure:"max_active_plans"`
	PlanTimeout     time.Duration `mapstructure:"plan_timeout"`
	RetainCompleted time.Duration `mapstructure:"retain_completed"`
}

type StoreConfig struct {
	Type string `mapstructure:"type"` // memory | sqlite
	Path string `mapstructure:"path"`
}

type MemoryConfig struct {
	Type     string        `mapstructure:"type"` // memory | file | redis
	TTL      time.Duration `mapstructure:"ttl"`
	Path     string        `mapstructure:"path"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
}

// RateLimitsConfig keys Modules by module id or "module/action".
type RateLimitsConfig struct {
	Default ratelimit.Limit            `mapstructure:"default"`
	Modules map[string]ratelimit.Limit `mapstructure:"modules"`
}

type PolicyConfig struct {
	MaxActions int               `mapstructure:"max_actions"`
	Rules      []permission.Rule `mapstructure:"rules"`
}

type ApprovalConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	TimeoutBehavior string        `mapstructure:"timeout_behavior"`
	AutoApprove     []string      `mapstructure:"auto_approve"` // "module/action" entries
}

type EventBusConfig struct {
	Enable     bool `mapstructure:"enable"`
	BufferSize int  `mapstructure:"buffer_size"`
	Workers    int  `mapstructure:"workers"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | text
	File   string `mapstructure:"file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("executor.max_parallel", 0)
	v.SetDefault("executor.default_timeout", 5*time.Minute)
	v.SetDefault("executor.allow_env", false)
	v.SetDefault("executor.max_result_string", 64*1024)
	v.SetDefault("executor.rollback_timeout", 30*time.Second)

	v.SetDefault("engine.max_active_plans", 0)
	v.SetDefault("engine.plan_timeout", 0)
	v.SetDefault("engine.retain_completed", time.Hour)

	v.SetDefault("store.type", "memory")
	v.SetDefault("store.path", "dragonscale.db")

	v.SetDefault("memory.type", "memory")
	v.SetDefault("memory.ttl", 24*time.Hour)
	v.SetDefault("memory.path", "dragonscale-memory.json")
	v.SetDefault("memory.addr", "localhost:6379")
	v.SetDefault("memory.prefix", "dragonscale:memory:")

	v.SetDefault("approval.timeout", 5*time.Minute)
	v.SetDefault("approval.timeout_behavior", string(dragonscale.TimeoutBehaviorReject))

	v.SetDefault("event_bus.enable", true)
	v.SetDefault("event_bus.buffer_size", 100)
	v.SetDefault("event_bus.workers", 5)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads path (optional) over the defaults and applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, dragonscale.NewConfigurationError(fmt.Sprintf("cannot read config file %s", path), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, dragonscale.NewConfigurationError("cannot decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(err)
	}
	return cfg
}

// Validate checks enumerated settings.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Type {
	case "memory", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("store.type must be memory or sqlite, got %q", c.Store.Type))
	}
	switch c.Memory.Type {
	case "memory", "file", "redis":
	default:
		errs = append(errs, fmt.Errorf("memory.type must be memory, file or redis, got %q", c.Memory.Type))
	}
	switch dragonscale.TimeoutBehavior(c.Approval.TimeoutBehavior) {
	case dragonscale.TimeoutBehaviorReject, dragonscale.TimeoutBehaviorApprove, dragonscale.TimeoutBehaviorSkip:
	default:
		errs = append(errs, fmt.Errorf("approval.timeout_behavior %q is not reject, approve or skip", c.Approval.TimeoutBehavior))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	for _, r := range c.Policy.Rules {
		if err := permission.ValidateExpression(r.When); err != nil {
			errs = append(errs, fmt.Errorf("policy rule %q: %w", r.Name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return dragonscale.NewConfigurationError("invalid configuration", err)
	}
	return nil
}
