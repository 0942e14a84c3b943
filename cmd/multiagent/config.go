package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/anaysingh0542/multi-agent/internal/engine"
	"github.com/anaysingh0542/multi-agent/internal/expressions"
)

// Config holds all multiagent configuration.
// Priority: env vars > .env > settings file > defaults.
type Config struct {
	MaxWorkers       int    `yaml:"max_workers" json:"max_workers"`
	MaxIters         int    `yaml:"max_iters" json:"max_iters"`
	GlobalStepCap    int    `yaml:"global_step_cap" json:"global_step_cap"`
	LogLevel         string `yaml:"log_level" json:"log_level"`
	DBPath           string `yaml:"db_path" json:"db_path"`
	ConditionDialect string `yaml:"condition_dialect" json:"condition_dialect"`
	MetricsAddr      string `yaml:"metrics_addr" json:"metrics_addr"`
}

func defaultConfig() Config {
	return Config{
		MaxWorkers:       engine.DefaultMaxWorkers,
		MaxIters:         engine.DefaultMaxIters,
		GlobalStepCap:    engine.DefaultGlobalStepCap,
		LogLevel:         "info",
		DBPath:           filepath.Join(multiagentDir(), "runs.db"),
		ConditionDialect: expressions.DialectExpr,
	}
}

func multiagentDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".multiagent"
	}
	return filepath.Join(home, ".multiagent")
}

func settingsPath() string {
	return filepath.Join(multiagentDir(), "settings.yaml")
}

// loadConfig layers the settings file at path (the default location when
// empty), the .env file at envFile and the process environment over the
// defaults. Missing files are skipped; a settings file named explicitly
// must exist.
func loadConfig(path, envFile string) (Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if !explicit {
		path = settingsPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		// yaml.v3 also reads JSON settings files.
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse settings %s: %w", path, err)
		}
	case explicit || !errors.Is(err, fs.ErrNotExist):
		return cfg, fmt.Errorf("read settings: %w", err)
	}

	// godotenv never overrides variables already set in the environment.
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("load %s: %w", envFile, err)
	}

	applyEnv(&cfg)
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envInt("EXECUTOR_MAX_WORKERS", &cfg.MaxWorkers)
	envInt("EXECUTOR_MAX_ITERS", &cfg.MaxIters)
	envInt("EXECUTOR_GLOBAL_STEP_CAP", &cfg.GlobalStepCap)
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok && v != "" {
		cfg.LogLevel = v
	}
	// An empty MULTIAGENT_DB_PATH selects the in-memory store.
	if v, ok := os.LookupEnv("MULTIAGENT_DB_PATH"); ok {
		cfg.DBPath = v
	}
	if v, ok := os.LookupEnv("MULTIAGENT_CONDITION_DIALECT"); ok && v != "" {
		cfg.ConditionDialect = v
	}
	if v, ok := os.LookupEnv("MULTIAGENT_METRICS_ADDR"); ok {
		cfg.MetricsAddr = v
	}
}

func envInt(key string, dst *int) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

// normalize replaces non-positive limits with the defaults.
func (c *Config) normalize() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = engine.DefaultMaxWorkers
	}
	if c.MaxIters <= 0 {
		c.MaxIters = engine.DefaultMaxIters
	}
	if c.GlobalStepCap <= 0 {
		c.GlobalStepCap = engine.DefaultGlobalStepCap
	}
	c.ConditionDialect = strings.ToLower(strings.TrimSpace(c.ConditionDialect))
	if c.ConditionDialect == "" {
		c.ConditionDialect = expressions.DialectExpr
	}
}

func (c Config) validate() error {
	switch c.ConditionDialect {
	case expressions.DialectExpr, expressions.DialectCEL:
		return nil
	default:
		return fmt.Errorf("condition_dialect must be %q or %q, got %q",
			expressions.DialectExpr, expressions.DialectCEL, c.ConditionDialect)
	}
}
