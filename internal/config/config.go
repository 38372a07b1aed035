package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type AppConfig struct {
	ServiceName string     `mapstructure:"service_name"`
	Env         string     `mapstructure:"env"`
	LogLevel    string     `mapstructure:"log_level"`
	MetricsPath string     `mapstructure:"metrics_path"`
	HTTP        HTTPConfig `mapstructure:"http"`
}

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type RateLimitRedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type RateLimitConfig struct {
	LoginLimit int
	Window     time.Duration
	Redis      RateLimitRedisConfig
}

type LRSConfig struct {
	// URLPrefix is prepended to the statement routes when building the
	// "more" link for paged results.
	URLPrefix         string
	DefaultPageSize   int
	MaxPageSize       int
	AuthorityName     string
	AuthorityHomePage string
}

type KafkaConfig struct {
	Brokers         []string
	StatementsTopic string
}

func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

type Config struct {
	App            AppConfig
	DB             DBConfig
	LRS            LRSConfig
	Kafka          KafkaConfig
	JWTSecret      string
	JWTIssuer      string
	AccessTokenTTL time.Duration
	Argon2         Argon2Params
	RateLimit      RateLimitConfig
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	appCfg, err := loadApp(os.Getenv("LRSQL_CONFIG"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		App:            *appCfg,
		JWTSecret:      envString("JWT_SECRET", ""),
		JWTIssuer:      envString("JWT_ISSUER", "lrsql"),
		AccessTokenTTL: envDuration("ACCESS_TOKEN_TTL", time.Hour),
		Argon2: Argon2Params{
			Memory:      uint32(envInt("ARGON2_MEMORY", 64*1024)),
			Iterations:  uint32(envInt("ARGON2_ITERATIONS", 3)),
			Parallelism: uint8(envInt("ARGON2_PARALLELISM", 2)),
			SaltLength:  uint32(envInt("ARGON2_SALT_LENGTH", 16)),
			KeyLength:   uint32(envInt("ARGON2_KEY_LENGTH", 32)),
		},
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "lrsql"),
			User:     envString("POSTGRES_USER", "lrsql"),
			Password: envString("POSTGRES_PASSWORD", "lrsql"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
		},
		LRS: LRSConfig{
			URLPrefix:         envString("URL_PREFIX", "/xapi"),
			DefaultPageSize:   envInt("DEFAULT_PAGE_SIZE", 50),
			MaxPageSize:       envInt("MAX_PAGE_SIZE", 500),
			AuthorityName:     envString("AUTHORITY_NAME", "LRS"),
			AuthorityHomePage: envString("AUTHORITY_HOME_PAGE", "http://localhost:8080"),
		},
		Kafka: KafkaConfig{
			Brokers:         envCSV("KAFKA_BROKERS", nil),
			StatementsTopic: envString("KAFKA_STATEMENTS_TOPIC", "lrs.statements.stored"),
		},
		RateLimit: RateLimitConfig{
			LoginLimit: envInt("LOGIN_RATE_LIMIT", 10),
			Window:     envDuration("LOGIN_RATE_WINDOW", 1*time.Minute),
			Redis: RateLimitRedisConfig{
				Addr:     envString("RATE_LIMIT_REDIS_ADDR", ""),
				Password: envString("RATE_LIMIT_REDIS_PASSWORD", ""),
				DB:       envInt("RATE_LIMIT_REDIS_DB", 0),
				Prefix:   envString("RATE_LIMIT_REDIS_PREFIX", "lrsql:admin:rl:"),
			},
		},
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("LRSQL_JWT_SECRET must be set")
	}
	if cfg.LRS.DefaultPageSize <= 0 || cfg.LRS.MaxPageSize < cfg.LRS.DefaultPageSize {
		return nil, fmt.Errorf("invalid page size limits")
	}

	return cfg, nil
}

func loadApp(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("LRSQL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path == "" {
		path = "config.yaml"
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "lrsql")
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_path", "/metrics")
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "5s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.idle_timeout", "60s")
}

func envString(key, def string) string {
	if v := os.Getenv("LRSQL_" + key); v != "" {
		return v
	}
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv("LRSQL_" + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv("LRSQL_" + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	for _, k := range []string{"LRSQL_" + key, key} {
		v := os.Getenv(k)
		if v == "" {
			continue
		}
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
