package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

const EnvPrefix = "JOBS_"

const (
	BackendSync        = "sync"
	BackendQueue       = "queue"
	BackendDistributed = "distributed"
)

type Config struct {
	Backend     string            `koanf:"backend" validate:"oneof=sync queue distributed"`
	Redis       RedisConfig       `koanf:"redis"`
	Database    DatabaseConfig    `koanf:"database"`
	Queue       QueueConfig       `koanf:"queue"`
	Distributed DistributedConfig `koanf:"distributed"`
	Log         LogConfig         `koanf:"log"`
	Metrics     MetricsConfig     `koanf:"metrics"`
}

type RedisConfig struct {
	Addr      string `koanf:"addr" validate:"required"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db" validate:"gte=0"`
	KeyPrefix string `koanf:"key_prefix" validate:"required"`
}

type DatabaseConfig struct {
	// 工作流索引使用的 sqlite DSN
	DSN string `koanf:"dsn" validate:"required"`
}

type QueueConfig struct {
	Name        string        `koanf:"name" validate:"required"`
	Consumers   int           `koanf:"consumers" validate:"gte=1"`
	PollTimeout time.Duration `koanf:"poll_timeout" validate:"gt=0"`
	// 消费者租约, 过期之后它没有 ack 的任务会被其它进程回收
	LeaseTTL time.Duration `koanf:"lease_ttl" validate:"gt=0"`
}

type DistributedConfig struct {
	QueueNamesPrefix string `koanf:"queue_names_prefix" validate:"required"`
	// 逗号分隔的 worker 池名字
	Workers     string        `koanf:"workers" validate:"required"`
	PollTimeout time.Duration `koanf:"poll_timeout" validate:"gt=0"`
}

// WorkerNames Workers 拆分之后的列表
func (c DistributedConfig) WorkerNames() []string {
	names := make([]string, 0)
	for _, name := range strings.Split(c.Workers, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

type LogConfig struct {
	Level string `koanf:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `koanf:"json"`
}

type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
}

func Default() *Config {
	return &Config{
		Backend: BackendSync,
		Redis: RedisConfig{
			Addr:      "127.0.0.1:6379",
			KeyPrefix: "jobs",
		},
		Database: DatabaseConfig{
			DSN: "file:jobs.db?cache=shared",
		},
		Queue: QueueConfig{
			Name:        "jobs",
			Consumers:   4,
			PollTimeout: time.Second,
			LeaseTTL:    30 * time.Second,
		},
		Distributed: DistributedConfig{
			QueueNamesPrefix: "jobs",
			Workers:          "default",
			PollTimeout:      5 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// transformEnvKey JOBS_REDIS_KEY_PREFIX -> redis.key_prefix
func transformEnvKey(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	parts := strings.FieldsFunc(key, func(r rune) bool {
		return r == '_'
	})
	if len(parts) <= 1 {
		return strings.Join(parts, "")
	}
	return parts[0] + "." + strings.Join(parts[1:], "_")
}

// Load 默认值, 然后环境变量覆盖, 最后校验
func Load() (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, errors.WithMessage(err, "load default config failed")
	}
	envProvider := env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key string, value string) (string, any) {
			return transformEnvKey(key), value
		},
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, errors.WithMessage(err, "load env config failed")
	}
	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.WithMessage(err, "unmarshal config failed")
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, errors.WithMessage(err, "validate config failed")
	}
	return cfg, nil
}
