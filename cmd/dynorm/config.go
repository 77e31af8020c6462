package main

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/cloudxsgmbh/dynamodb-orm-go"
)

// Config is the dynorm CLI configuration
type Config struct {
	Table      string `mapstructure:"table"`
	DBPath     string `mapstructure:"db_path"`
	Iterations int    `mapstructure:"iterations"`
	PageSize   int32  `mapstructure:"page_size"`
	Verbose    bool   `mapstructure:"verbose"`
}

// loadConfig reads dynorm.yaml (or path) and DYNORM_* environment variables
// over the defaults. A missing config file is not an error.
func loadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("table", "")
	v.SetDefault("db_path", "")
	v.SetDefault("iterations", 100)
	v.SetDefault("page_size", 0)
	v.SetDefault("verbose", false)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("dynorm")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("DYNORM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Iterations <= 0 {
		return nil, fmt.Errorf("iterations must be positive, got %d", cfg.Iterations)
	}
	return &cfg, nil
}

// newLogger returns a development zap logger when verbose, a no-op otherwise.
func newLogger(verbose bool) (*zap.Logger, error) {
	if !verbose {
		return zap.NewNop(), nil
	}
	return zap.NewDevelopment()
}

func repositoryLogger(l *zap.Logger) dynorm.Logger {
	return dynorm.NewZapLogger(l)
}
