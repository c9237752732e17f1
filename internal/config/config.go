// Package config loads process configuration from the environment and
// study definitions from YAML.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v10"
	"golang.org/x/time/rate"

	"github.com/kscalelabs/gaintune/internal/envcfg"
)

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Simulator struct {
		// ConfigPath is a YAML simulator config; empty uses the built-in one.
		ConfigPath string `env:"SIM_CONFIG"`
	}
	Optimization struct {
		InitialPoints int     `env:"OPT_INITIAL_POINTS" envDefault:"10"`
		Iterations    int     `env:"OPT_ITERATIONS" envDefault:"200"`
		Episodes      int     `env:"OPT_EPISODES" envDefault:"5"`
		Candidates    int     `env:"OPT_CANDIDATES" envDefault:"1000"`
		Patience      int     `env:"OPT_PATIENCE" envDefault:"10"`
		Seed          int64   `env:"OPT_SEED" envDefault:"0"`
		MaxRuns       int     `env:"OPT_MAX_RUNS" envDefault:"4"`
		StartRate     float64 `env:"OPT_START_RATE" envDefault:"1"`
		StartBurst    int     `env:"OPT_START_BURST" envDefault:"4"`
	}
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Set default logging level based on environment
	if cfg.Logging.Level == "" {
		if cfg.Environment == "development" {
			cfg.Logging.Level = "debug"
		} else {
			cfg.Logging.Level = "info"
		}
	}

	if cfg.Optimization.MaxRuns < 1 {
		return nil, fmt.Errorf("OPT_MAX_RUNS must be positive, got %d", cfg.Optimization.MaxRuns)
	}
	if cfg.Optimization.StartRate < 0 {
		return nil, fmt.Errorf("OPT_START_RATE must not be negative, got %v", cfg.Optimization.StartRate)
	}

	return cfg, nil
}

// SimulatorConfig loads the base simulator configuration: the file named by
// SIM_CONFIG, or the built-in reference model.
func (c *Config) SimulatorConfig() (*envcfg.Config, error) {
	if c.Simulator.ConfigPath == "" {
		return envcfg.Default(), nil
	}
	return envcfg.Load(c.Simulator.ConfigPath)
}

// StartLimit returns the rate limit for starting runs. A zero rate disables
// throttling.
func (c *Config) StartLimit() rate.Limit {
	if c.Optimization.StartRate == 0 {
		return rate.Inf
	}
	return rate.Limit(c.Optimization.StartRate)
}

// GetEnv returns the value of the environment variable or the default value
func GetEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt returns the value of the environment variable as int or the default value
func GetEnvAsInt(key string, defaultValue int) int {
	valueStr := GetEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}
