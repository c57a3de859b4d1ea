package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logger  LoggerConfig  `mapstructure:"logger"`
	Storage StorageConfig `mapstructure:"storage"`
	MySQL   MySQLConfig   `mapstructure:"mysql"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Ledger  LedgerConfig  `mapstructure:"ledger"`
}

type ServerConfig struct {
	AppEnv          string        `mapstructure:"app_env"`
	HTTPPort        string        `mapstructure:"http_port"`
	GRPCPort        string        `mapstructure:"grpc_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	HealthInterval  time.Duration `mapstructure:"health_interval"`
}

type LoggerConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

const (
	DriverMemory = "memory"
	DriverBadger = "badger"
	DriverMySQL  = "mysql"
)

type StorageConfig struct {
	Driver    string `mapstructure:"driver"`
	BadgerDir string `mapstructure:"badger_dir"`
}

type MySQLConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Addr         string `mapstructure:"addr"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	Stream       string `mapstructure:"stream"`
	StreamMaxLen int64  `mapstructure:"stream_max_len"`
	StreamEnable bool   `mapstructure:"stream_enabled"`
}

type LedgerConfig struct {
	LaneBuffer       int `mapstructure:"lane_buffer"`
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
	ReconcileWorkers int `mapstructure:"reconcile_workers"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.app_env", "dev")
	v.SetDefault("server.http_port", ":8080")
	v.SetDefault("server.grpc_port", ":50051")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.health_interval", 15*time.Second)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "console")
	v.SetDefault("logger.disable_caller", false)
	v.SetDefault("logger.disable_stacktrace", true)

	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.badger_dir", "data/ledger")

	v.SetDefault("mysql.dsn", "root:root@tcp(localhost:3306)/ledger?parseTime=true")
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 25)
	v.SetDefault("mysql.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 100)
	v.SetDefault("redis.stream", "ledger:changes")
	v.SetDefault("redis.stream_max_len", 100000)
	v.SetDefault("redis.stream_enabled", true)

	v.SetDefault("ledger.lane_buffer", 64)
	v.SetDefault("ledger.subscriber_buffer", 256)
	v.SetDefault("ledger.reconcile_workers", 8)
}

// Load reads .env if present, then an optional config file, then the
// environment. STORAGE_DRIVER overrides storage.driver and so on.
func Load(file string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverBadger:
	case DriverMySQL:
		if c.MySQL.DSN == "" {
			return errors.New("config: mysql.dsn is required for the mysql driver")
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("config: redis.addr is required when redis is enabled")
	}
	return nil
}
