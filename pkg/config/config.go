package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Lending  LendingConfig  `mapstructure:"lending"`
	Sequence SequenceConfig `mapstructure:"sequence"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig holds sqlite settings.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LendingConfig holds the fixed business thresholds. Amounts are strings so
// they parse straight into decimals without a float round trip.
type LendingConfig struct {
	FinePerDay        string `mapstructure:"fine_per_day"`
	MinSavingsBalance string `mapstructure:"min_savings_balance"`
	MinGroupRating    string `mapstructure:"min_group_rating"`
}

// SequenceConfig selects where code numbers come from: "sql" or "redis".
type SequenceConfig struct {
	Backend string `mapstructure:"backend"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from an optional file, .env and the environment.
// Env var overrides use prefix MICROFIN_, e.g. MICROFIN_DATABASE_PATH.
func Load(path string) (Config, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	v := viper.New()
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("database.path", "microcredit.db")
	v.SetDefault("lending.fine_per_day", "5")
	v.SetDefault("lending.min_savings_balance", "100")
	v.SetDefault("lending.min_group_rating", "0.5")
	v.SetDefault("sequence.backend", "sql")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("logging.level", "info")

	if path == "" {
		path = os.Getenv("MICROFIN_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("MICROFIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if c.Sequence.Backend != "sql" && c.Sequence.Backend != "redis" {
		return Config{}, fmt.Errorf("sequence.backend must be sql or redis, got %q", c.Sequence.Backend)
	}
	return c, nil
}
