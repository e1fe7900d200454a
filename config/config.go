package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration derived from environment variables
// and an optional YAML config file. Environment takes precedence.
type Config struct {
	HTTPPort      string
	DBPath        string
	SpoolDir      string
	StopwordsPath string
	EnableWatcher bool
	StrictConfig  bool
	QueueSize     int
	WorkerCount   int
	Aggregate     AggregateConfig
}

// AggregateConfig captures the batch aggregation tuning parameters shared
// by the trend and keyword pipelines.
type AggregateConfig struct {
	LookbackDays       int
	TopKeywords        int
	RefreshIntervalSec int
}

type fileConfig struct {
	HTTPPort      string              `yaml:"http_port"`
	DBPath        string              `yaml:"db_path"`
	SpoolDir      string              `yaml:"spool_dir"`
	StopwordsPath string              `yaml:"stopwords_path"`
	Aggregate     aggregateFileConfig `yaml:"aggregate"`
}

type aggregateFileConfig struct {
	LookbackDays       *int `yaml:"lookback_days"`
	TopKeywords        *int `yaml:"top_keywords"`
	RefreshIntervalSec *int `yaml:"refresh_interval_sec"`
}

const (
	defaultPort        = ":8000"
	defaultSpoolDir    = "runtime/spool"
	defaultDBFile      = "pigmalion.db"
	defaultWorkers     = 2
	defaultQueueSize   = 64
	minQueueSize       = 1
	maxQueueSize       = 1024
	defaultLookback    = 25
	defaultTopKeywords = 20
)

func defaultAggregateConfig() AggregateConfig {
	return AggregateConfig{
		LookbackDays:       defaultLookback,
		TopKeywords:        defaultTopKeywords,
		RefreshIntervalSec: 0,
	}
}

// Load reads configuration from .env, the config file, and environment
// variables, applying sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		EnableWatcher: parseBoolEnvDefault("ENABLE_WATCHER", true),
		StrictConfig:  parseBoolEnv("STRICT_CONFIG"),
		QueueSize:     defaultQueueSize,
		WorkerCount:   defaultWorkers,
		Aggregate:     defaultAggregateConfig(),
	}

	configPath := getEnv("CONFIG_PATH", filepath.Join("config", "config.yaml"))
	fileCfg, fileErr := loadFileConfig(configPath)
	if fileErr != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("config load failed (%s): %w", configPath, fileErr)
		}
		log.Printf("config load failed (%s): %v (using defaults)", configPath, fileErr)
	}

	cfg.HTTPPort = firstNonEmpty(os.Getenv("HTTP_PORT"), fileCfg.HTTPPort, defaultPort)
	if !strings.HasPrefix(cfg.HTTPPort, ":") {
		cfg.HTTPPort = ":" + cfg.HTTPPort
	}
	cfg.SpoolDir = firstNonEmpty(os.Getenv("SPOOL_DIR"), fileCfg.SpoolDir, defaultSpoolDir)
	if dbPath := os.Getenv("DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	} else if fileCfg.DBPath != "" {
		cfg.DBPath = fileCfg.DBPath
	} else {
		cfg.DBPath = filepath.Join("runtime", defaultDBFile)
	}
	cfg.StopwordsPath = firstNonEmpty(os.Getenv("STOPWORDS_PATH"), fileCfg.StopwordsPath)

	if fileCfg.Aggregate.LookbackDays != nil && *fileCfg.Aggregate.LookbackDays >= 0 {
		cfg.Aggregate.LookbackDays = *fileCfg.Aggregate.LookbackDays
	}
	if fileCfg.Aggregate.TopKeywords != nil && *fileCfg.Aggregate.TopKeywords > 0 {
		cfg.Aggregate.TopKeywords = *fileCfg.Aggregate.TopKeywords
	}
	if fileCfg.Aggregate.RefreshIntervalSec != nil && *fileCfg.Aggregate.RefreshIntervalSec >= 0 {
		cfg.Aggregate.RefreshIntervalSec = *fileCfg.Aggregate.RefreshIntervalSec
	}

	if v, ok, err := parseIntEnv("LOOKBACK_DAYS"); err != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("invalid LOOKBACK_DAYS: %w", err)
		}
		log.Printf("invalid LOOKBACK_DAYS: %v (using default)", err)
	} else if ok && v >= 0 {
		cfg.Aggregate.LookbackDays = v
	}
	if v, ok, err := parseIntEnv("TOP_KEYWORDS"); err != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("invalid TOP_KEYWORDS: %w", err)
		}
		log.Printf("invalid TOP_KEYWORDS: %v (using default)", err)
	} else if ok && v > 0 {
		cfg.Aggregate.TopKeywords = v
	}
	if v, ok, err := parseIntEnv("AGGREGATE_REFRESH_INTERVAL_SEC"); err != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("invalid AGGREGATE_REFRESH_INTERVAL_SEC: %w", err)
		}
		log.Printf("invalid AGGREGATE_REFRESH_INTERVAL_SEC: %v (using default)", err)
	} else if ok && v >= 0 {
		cfg.Aggregate.RefreshIntervalSec = v
	}

	if v := os.Getenv("WORKER_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			log.Printf("invalid WORKER_COUNT=%q, using default %d", v, defaultWorkers)
			n = defaultWorkers
		}
		cfg.WorkerCount = n
	}
	if v := os.Getenv("QUEUE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("invalid QUEUE_SIZE=%q, using default %d", v, defaultQueueSize)
			n = defaultQueueSize
		}
		if n < minQueueSize {
			n = minQueueSize
		}
		if n > maxQueueSize {
			log.Printf("QUEUE_SIZE capped at %d (was %d)", maxQueueSize, n)
			n = maxQueueSize
		}
		cfg.QueueSize = n
	}

	if err := validateConfig(cfg); err != nil {
		if cfg.StrictConfig {
			return cfg, err
		}
		log.Printf("config validation failed: %v (continuing)", err)
	}

	return cfg, nil
}

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if len(data) == 0 {
		return cfg, errors.New("empty config file")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.HTTPPort) == "" {
		return errors.New("HTTP_PORT is required")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return errors.New("DB_PATH is required")
	}
	if cfg.Aggregate.LookbackDays < 0 {
		return errors.New("aggregate lookback days must be non-negative")
	}
	if cfg.Aggregate.TopKeywords <= 0 {
		return errors.New("aggregate top keywords must be positive")
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if strings.TrimSpace(val) != "" {
			return val
		}
	}
	return ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseBoolEnvDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return parseBoolEnv(key)
}

func parseIntEnv(key string) (int, bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}
