package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Metrics MetricsConfig `yaml:"metrics"`
	Store   StoreConfig   `yaml:"store"`
	Redis   RedisConfig   `yaml:"redis"`
	Forward ForwardConfig `yaml:"forward"`
	Audit   AuditConfig   `yaml:"audit"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Listen        string        `yaml:"listen"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	MaxFrameSize  int           `yaml:"max_frame_size"`
	// AckWidth is 1 (single byte, count clamped to 255) or 4 (u32 big-endian).
	AckWidth     int    `yaml:"ack_width"`
	VerifyCRC    bool   `yaml:"verify_crc"`
	KeepPartial  bool   `yaml:"keep_partial"`
	DefaultModel string `yaml:"default_model"`
}

type MetricsConfig struct {
	Port string `yaml:"port"`
}

type StoreConfig struct {
	Driver        string `yaml:"driver"` // memory | mongo
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
}

type RedisConfig struct {
	URL string        `yaml:"url"`
	TTL time.Duration `yaml:"ttl"`
}

type ForwardConfig struct {
	GRPCAddr  string        `yaml:"grpc_addr"`
	ProxyAddr string        `yaml:"proxy_addr"`
	QueueSize int           `yaml:"queue_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

type AuditConfig struct {
	Enable bool   `yaml:"enable"`
	Dir    string `yaml:"dir"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads the YAML file at path when path is non-empty, applies
// environment overrides, fills defaults and validates the result.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.Server.Listen = getEnv("TCP_ADDR", cfg.Server.Listen)
	cfg.Server.DefaultModel = getEnv("DEFAULT_MODEL", cfg.Server.DefaultModel)
	cfg.Metrics.Port = getEnv("METRICS_PORT", cfg.Metrics.Port)
	cfg.Store.Driver = getEnv("STORE_DRIVER", cfg.Store.Driver)
	cfg.Store.MongoURI = getEnv("MONGODB_URI", cfg.Store.MongoURI)
	cfg.Store.MongoDatabase = getEnv("MONGODB_DATABASE", cfg.Store.MongoDatabase)
	cfg.Redis.URL = getEnv("REDIS_URL", cfg.Redis.URL)
	cfg.Forward.GRPCAddr = getEnv("GRPC_SERVER", cfg.Forward.GRPCAddr)
	cfg.Forward.ProxyAddr = getEnv("PROXY_ADDR", cfg.Forward.ProxyAddr)
	cfg.Audit.Dir = getEnv("AUDIT_DIR", cfg.Audit.Dir)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)

	var err error
	if cfg.Server.IdleTimeout, err = getEnvDuration("IDLE_TIMEOUT", cfg.Server.IdleTimeout); err != nil {
		return err
	}
	if cfg.Server.AckWidth, err = getEnvInt("ACK_WIDTH", cfg.Server.AckWidth); err != nil {
		return err
	}
	if cfg.Server.VerifyCRC, err = getEnvBool("VERIFY_CRC", cfg.Server.VerifyCRC); err != nil {
		return err
	}
	if cfg.Server.KeepPartial, err = getEnvBool("KEEP_PARTIAL", cfg.Server.KeepPartial); err != nil {
		return err
	}
	if cfg.Audit.Enable, err = getEnvBool("AUDIT_ENABLE", cfg.Audit.Enable); err != nil {
		return err
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = "0.0.0.0:9000"
	}
	if cfg.Server.IdleTimeout <= 0 {
		cfg.Server.IdleTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownGrace <= 0 {
		cfg.Server.ShutdownGrace = 10 * time.Second
	}
	if cfg.Server.MaxFrameSize <= 0 {
		cfg.Server.MaxFrameSize = 1 << 20
	}
	if cfg.Server.AckWidth == 0 {
		cfg.Server.AckWidth = 1
	}
	if cfg.Server.DefaultModel == "" {
		cfg.Server.DefaultModel = "FMB130"
	}
	if cfg.Metrics.Port == "" {
		cfg.Metrics.Port = "9100"
	}
	if cfg.Store.Driver == "" {
		if cfg.Store.MongoURI != "" {
			cfg.Store.Driver = "mongo"
		} else {
			cfg.Store.Driver = "memory"
		}
	}
	if cfg.Store.MongoDatabase == "" {
		cfg.Store.MongoDatabase = "tracking"
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = 24 * time.Hour
	}
	if cfg.Forward.QueueSize <= 0 {
		cfg.Forward.QueueSize = 1024
	}
	if cfg.Forward.Timeout <= 0 {
		cfg.Forward.Timeout = 5 * time.Second
	}
	if cfg.Audit.Dir == "" {
		cfg.Audit.Dir = "logs"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func (c Config) Validate() error {
	if c.Server.AckWidth != 1 && c.Server.AckWidth != 4 {
		return fmt.Errorf("server.ack_width must be 1 or 4, got %d", c.Server.AckWidth)
	}
	switch c.Store.Driver {
	case "memory":
	case "mongo":
		if c.Store.MongoURI == "" {
			return fmt.Errorf("store.mongo_uri is required when store.driver is mongo")
		}
	default:
		return fmt.Errorf("store.driver must be memory or mongo, got %q", c.Store.Driver)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	val := getEnv(key, "")
	if val == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	val := getEnv(key, "")
	if val == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	val := getEnv(key, "")
	if val == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
