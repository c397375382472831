package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Config holds the full server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	NATS     NATSConfig     `yaml:"nats"`
	Auth     AuthConfig     `yaml:"auth"`
	Janitor  JanitorConfig  `yaml:"janitor"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host        string        `yaml:"host"`
	Port        string        `yaml:"port"`
	User        string        `yaml:"user"`
	Password    string        `yaml:"password"`
	DBName      string        `yaml:"dbname"`
	SSLMode     string        `yaml:"sslmode"`
	MaxConns    int           `yaml:"max_conns"`
	MinConns    int           `yaml:"min_conns"`
	MaxIdleTime time.Duration `yaml:"max_idle_time"`
	MaxLifetime time.Duration `yaml:"max_lifetime"`
}

// RedisConfig holds redis connection settings for the transition event
// channel and the janitor leader lock.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NATSConfig holds NATS connection settings for the deferral notice
// stream.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// AuthConfig holds execution token settings.
type AuthConfig struct {
	SecretKey  string        `yaml:"secret_key"`
	Expiration time.Duration `yaml:"expiration"`
}

// JanitorConfig holds the stale-heartbeat sweep settings.
type JanitorConfig struct {
	Schedule           string        `yaml:"schedule"`
	HeartbeatThreshold time.Duration `yaml:"heartbeat_threshold"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8080",
			Env:  "development",
		},
		Database: DatabaseConfig{
			Host:        "localhost",
			Port:        "5432",
			User:        "taskwing",
			Password:    "taskwing_dev_password",
			DBName:      "taskwing",
			SSLMode:     "disable",
			MaxConns:    25,
			MinConns:    5,
			MaxIdleTime: 5 * time.Minute,
			MaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
		Auth: AuthConfig{
			SecretKey:  "change-me-in-production",
			Expiration: 24 * time.Hour,
		},
		Janitor: JanitorConfig{
			Schedule:           "@every 30s",
			HeartbeatThreshold: 5 * time.Minute,
		},
	}
}

// Load reads a YAML config file and applies environment overrides. An
// empty path loads defaults plus environment overrides only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setIfEnv(&c.Server.Port, "PORT")
	setIfEnv(&c.Server.Env, "ENV")
	setIfEnv(&c.Database.Host, "DB_HOST")
	setIfEnv(&c.Database.Port, "DB_PORT")
	setIfEnv(&c.Database.User, "DB_USER")
	setIfEnv(&c.Database.Password, "DB_PASSWORD")
	setIfEnv(&c.Database.DBName, "DB_NAME")
	setIfEnv(&c.Redis.Addr, "REDIS_ADDR")
	setIfEnv(&c.NATS.URL, "NATS_URL")
	setIfEnv(&c.Auth.SecretKey, "AUTH_SECRET_KEY")
}

func setIfEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
