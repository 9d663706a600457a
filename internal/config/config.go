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
	Addr        string        `yaml:"addr"`
	Database    string        `yaml:"database"`
	// PGMaxConns caps the Postgres pool; ignored for SQLite.
	PGMaxConns  int           `yaml:"pg_max_conns"`
	AdminSecret string        `yaml:"admin_secret"`
	Redis       Redis         `yaml:"redis"`
	Auth        Auth          `yaml:"auth"`
	Register    RegisterLimit `yaml:"register"`
	Kafka       Kafka         `yaml:"kafka"`
	Outbox      Outbox        `yaml:"outbox"`
	Log         Log           `yaml:"log"`
}

// Redis holds the shared rate counter store. An empty Addr keeps counters
// in process.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Auth struct {
	BcryptCost     int           `yaml:"bcrypt_cost"`
	ScanWorkers    int           `yaml:"scan_workers"`
	ChallengeTTL   time.Duration `yaml:"challenge_ttl"`
	DefaultKeyTTL  time.Duration `yaml:"default_key_ttl"`
	TrustForwarded bool          `yaml:"trust_forwarded"`
}

type RegisterLimit struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type Outbox struct {
	Buffer int `yaml:"buffer"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		Addr:        ":8080",
		Database:    "neuroforge.db",
		PGMaxConns:  10,
		AdminSecret: "dev-admin-secret",
		Auth: Auth{
			BcryptCost:   10,
			ScanWorkers:  4,
			ChallengeTTL: 5 * time.Minute,
		},
		Register: RegisterLimit{Limit: 5, Window: time.Hour},
		Kafka:    Kafka{Topic: "neuroforge.activity"},
		Outbox:   Outbox{Buffer: 1024},
		Log:      Log{Level: "info", Format: "json"},
	}
}

// Load starts from Default, applies the YAML file named by
// NEUROFORGE_CONFIG if set, then environment overrides.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("NEUROFORGE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Addr = ":" + port
	}
	cfg.Addr = envString("NEUROFORGE_ADDR", cfg.Addr)
	cfg.Database = envString("NEUROFORGE_DATABASE", cfg.Database)
	cfg.PGMaxConns = envInt("NEUROFORGE_PG_MAX_CONNS", cfg.PGMaxConns)
	cfg.AdminSecret = envString("NEUROFORGE_ADMIN_SECRET", cfg.AdminSecret)
	cfg.Redis.Addr = envString("NEUROFORGE_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = envString("NEUROFORGE_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = envInt("NEUROFORGE_REDIS_DB", cfg.Redis.DB)
	cfg.Auth.BcryptCost = envInt("NEUROFORGE_BCRYPT_COST", cfg.Auth.BcryptCost)
	cfg.Auth.ScanWorkers = envInt("NEUROFORGE_KEY_SCAN_WORKERS", cfg.Auth.ScanWorkers)
	cfg.Auth.ChallengeTTL = envDuration("NEUROFORGE_CHALLENGE_TTL", cfg.Auth.ChallengeTTL)
	cfg.Auth.DefaultKeyTTL = envDuration("NEUROFORGE_DEFAULT_KEY_TTL", cfg.Auth.DefaultKeyTTL)
	cfg.Auth.TrustForwarded = envBool("NEUROFORGE_TRUST_FORWARDED", cfg.Auth.TrustForwarded)
	cfg.Register.Limit = envInt("NEUROFORGE_REGISTER_LIMIT", cfg.Register.Limit)
	cfg.Register.Window = envDuration("NEUROFORGE_REGISTER_WINDOW", cfg.Register.Window)
	if v := os.Getenv("NEUROFORGE_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	cfg.Kafka.Topic = envString("NEUROFORGE_KAFKA_TOPIC", cfg.Kafka.Topic)
	cfg.Outbox.Buffer = envInt("NEUROFORGE_OUTBOX_BUFFER", cfg.Outbox.Buffer)
	cfg.Log.Level = envString("NEUROFORGE_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = envString("NEUROFORGE_LOG_FORMAT", cfg.Log.Format)

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.AdminSecret == "" {
		return fmt.Errorf("admin secret is required")
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		return fmt.Errorf("bcrypt cost %d out of range 4-31", c.Auth.BcryptCost)
	}
	return nil
}

// UsesPostgres reports whether Database is a Postgres URL rather than a
// SQLite path.
func (c Config) UsesPostgres() bool {
	return strings.HasPrefix(c.Database, "postgres://") || strings.HasPrefix(c.Database, "postgresql://")
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
