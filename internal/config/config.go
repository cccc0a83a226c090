// Package config loads server and CLI settings from .env files, an optional
// maturity.yaml and MATURITY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/soaringjerry/aimaturity/internal/middleware"
)

const EnvPrefix = "MATURITY"

type Config struct {
	Addr            string        `mapstructure:"addr"`
	StoreDriver     string        `mapstructure:"store_driver"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	PostgresDSN     string        `mapstructure:"postgres_dsn"`
	MigrationsDir   string        `mapstructure:"migrations_dir"`
	SnapshotPath    string        `mapstructure:"snapshot_path"`
	StaticDir       string        `mapstructure:"static_dir"`
	DevFrontendURL  string        `mapstructure:"dev_frontend_url"`
	QueueDriver     string        `mapstructure:"queue_driver"`
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	RedisPrefix     string        `mapstructure:"redis_prefix"`
	AdminSecret     string        `mapstructure:"admin_secret"`
	AdminSecretHash string        `mapstructure:"admin_secret_hash"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	AdminTokenTTL   time.Duration `mapstructure:"admin_token_ttl"`
	RetentionPeriod time.Duration `mapstructure:"retention_period"`
	SeedOnStart     bool          `mapstructure:"seed_on_start"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	TrustedProxies  []string      `mapstructure:"trusted_proxies"`
	Commit          string        `mapstructure:"commit"`
	BuildTime       string        `mapstructure:"build_time"`
	SMTP            SMTPConfig    `mapstructure:"smtp"`
	Report          ReportConfig  `mapstructure:"report"`
	RateLimit       RateConfig    `mapstructure:"rate_limit"`
}

type SMTPConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from"`
	TLS      string        `mapstructure:"tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type ReportConfig struct {
	Workers     int           `mapstructure:"workers"`
	Attempts    int           `mapstructure:"attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type RateConfig struct {
	PerMinute int `mapstructure:"per_minute"`
	Burst     int `mapstructure:"burst"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("store_driver", "sqlite")
	v.SetDefault("sqlite_path", "data/maturity.db")
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("migrations_dir", "")
	v.SetDefault("snapshot_path", "")
	v.SetDefault("static_dir", "")
	v.SetDefault("dev_frontend_url", "")
	v.SetDefault("queue_driver", "memory")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_prefix", "maturity:jobs")
	v.SetDefault("admin_secret", "")
	v.SetDefault("admin_secret_hash", "")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("admin_token_ttl", 12*time.Hour)
	v.SetDefault("retention_period", 2*365*24*time.Hour)
	v.SetDefault("seed_on_start", true)
	v.SetDefault("cors_origins", []string{})
	v.SetDefault("trusted_proxies", []string{})
	v.SetDefault("commit", "")
	v.SetDefault("build_time", "")

	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.user", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "")
	v.SetDefault("smtp.tls", "mandatory")
	v.SetDefault("smtp.timeout", 30*time.Second)

	v.SetDefault("report.workers", 2)
	v.SetDefault("report.attempts", 3)
	v.SetDefault("report.base_backoff", 5*time.Second)
	v.SetDefault("report.timeout", 60*time.Second)

	v.SetDefault("rate_limit.per_minute", 10)
	v.SetDefault("rate_limit.burst", 5)
}

// LoadDotEnv loads .env and .env.local when present. Variables already set
// in the process win.
func LoadDotEnv() {
	for _, name := range []string{".env", ".env.local"} {
		if err := godotenv.Load(name); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				log.Printf("config: load %s: %v", name, err)
			}
			continue
		}
		log.Printf("config: loaded %s", name)
	}
}

// Load reads configuration. An empty file searches for maturity.{yaml,json}
// in the working directory; a missing explicit file is an error.
func Load(file string) (*Config, error) {
	LoadDotEnv()

	v := viper.New()
	setDefaults(v)
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName("maturity")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "memory":
	case "sqlite":
		if c.SQLitePath == "" {
			return errors.New("sqlite_path is required for the sqlite store")
		}
	case "postgres":
		if c.PostgresDSN == "" {
			return errors.New("postgres_dsn is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store_driver %q (memory, sqlite, postgres)", c.StoreDriver)
	}
	switch c.QueueDriver {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			return errors.New("redis_addr is required for the redis queue")
		}
	default:
		return fmt.Errorf("unknown queue_driver %q (memory, redis)", c.QueueDriver)
	}
	if c.AdminSecret == "" && c.AdminSecretHash == "" {
		return errors.New("admin_secret or admin_secret_hash is required")
	}
	if len(c.JWTSecret) < 16 {
		return errors.New("jwt_secret must be at least 16 characters")
	}
	if c.Report.Attempts < 1 {
		return errors.New("report.attempts must be at least 1")
	}
	switch c.SMTP.TLS {
	case "mandatory", "opportunistic", "none":
	default:
		return fmt.Errorf("unknown smtp.tls %q (mandatory, opportunistic, none)", c.SMTP.TLS)
	}
	if _, err := middleware.ParseTrustedProxies(c.TrustedProxies); err != nil {
		return err
	}
	return nil
}
