package main

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/mavrin/marketauth/internal/logger"
)

const (
	defaultListenAddr      = "localhost:8000"
	defaultLoggingLevel    = logger.LevelInfo
	defaultEnvironment     = logger.EnvProduction
	defaultCleanupInterval = time.Hour
)

type Config struct {
	// Default logging level
	LogLevel string

	// Address on which the marketauth service will be run
	ListenAddr string

	// Database to connect to
	DatabaseDSN string

	// Optional redis address. When set tokens live in redis instead of postgres
	RedisAddr string

	// Secret key
	// Some internal parts (like signing JWT tokens) uses symmetric encryption, so this key is used for that purpose
	SecretKey string

	// Environment
	Environment string

	// How often expired tokens are swept from storage
	CleanupInterval time.Duration
}

func NewConfig() *Config {
	return &Config{
		LogLevel:        defaultLoggingLevel,
		ListenAddr:      defaultListenAddr,
		Environment:     defaultEnvironment,
		CleanupInterval: defaultCleanupInterval,
	}
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		c.LoadEnv(func(key string) string {
			return envMap[key]
		})
		return nil
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) {
	// Set option to value if it not empty
	setString := func(o *string) func(value string) {
		return func(value string) {
			if value != "" {
				*o = value
			}
		}
	}
	setDuration := func(o *time.Duration) func(value string) {
		return func(value string) {
			if value == "" {
				return
			}
			if d, err := time.ParseDuration(value); err == nil {
				*o = d
			}
		}
	}

	envMap := map[string]func(string){
		"RUN_ADDRESS":      setString(&c.ListenAddr),
		"DATABASE_URI":     setString(&c.DatabaseDSN),
		"REDIS_ADDRESS":    setString(&c.RedisAddr),
		"SECRET_KEY":       setString(&c.SecretKey),
		"LOG_LEVEL":        setString(&c.LogLevel),
		"ENVIRONMENT":      setString(&c.Environment),
		"CLEANUP_INTERVAL": setDuration(&c.CleanupInterval),
	}

	for key, parseFn := range envMap {
		parseFn(getenv(key))
	}
}

func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("marketauth", pflag.ContinueOnError)

	fs.StringVarP(&c.ListenAddr, "address", "a", c.ListenAddr, "Server listen address")
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Database connection string")
	fs.StringVarP(&c.RedisAddr, "redis", "r", c.RedisAddr, "Redis address for token storage (optional)")
	fs.StringVarP(&c.SecretKey, "secret-key", "s", c.SecretKey, "Secret key")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (dev, prod)")
	fs.DurationVar(&c.CleanupInterval, "cleanup-interval", c.CleanupInterval, "How often expired tokens are deleted")

	return fs.Parse(args)
}
