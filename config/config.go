package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

type Config struct {
	DatabaseURL string
	SQLitePath  string
	Source      SourceConfig
	Scheduler   SchedulerConfig
	S3          S3Config
	LogFile     string
}

// SourceConfig describes the external listing source. Endpoint, bbox and
// page size live in a yaml file so a source contract change doesn't need a
// rebuild; operational knobs (retries, timeouts) come from the environment.
type SourceConfig struct {
	BaseURL     string            `yaml:"base_url"`
	SearchPath  string            `yaml:"search_path"`
	APIPath     string            `yaml:"api_path"`
	PageSize    int               `yaml:"page_size"`
	Bounds      Bounds            `yaml:"bounds"`
	Headers     map[string]string `yaml:"headers"`
	MaxAttempts int               `yaml:"-"`
	BackoffBase time.Duration     `yaml:"-"`
	BackoffMax  time.Duration     `yaml:"-"`
	HTTPTimeout time.Duration     `yaml:"-"`
}

// Bounds is the search bbox, sw corner to ne corner.
type Bounds struct {
	SWLng float64 `yaml:"sw_lng"`
	SWLat float64 `yaml:"sw_lat"`
	NELng float64 `yaml:"ne_lng"`
	NELat float64 `yaml:"ne_lat"`
}

// BBox renders the bounds as the source's bbox filter value.
func (b Bounds) BBox() string {
	return fmt.Sprintf("%g,%g,%g,%g", b.SWLng, b.SWLat, b.NELng, b.NELat)
}

type SchedulerConfig struct {
	Interval time.Duration
	Cron     string
}

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// Enabled reports whether S3 mirroring is configured at all.
func (c S3Config) Enabled() bool {
	return c.Bucket != "" && c.AccessKeyID != ""
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  getEnv("SQLITE_PATH", "campgrounds.db"),
		LogFile:     getEnv("LOG_FILE", "scraper.log"),
		Source: SourceConfig{
			BaseURL:    "https://thedyrt.com",
			SearchPath: "/search",
			APIPath:    "/api/v6/locations/search-results",
			PageSize:   500,
			// Continental US, sw to ne.
			Bounds: Bounds{SWLng: -124.39, SWLat: 25.82, NELng: -66.94, NELat: 49.38},
			Headers: map[string]string{
				"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/136.0.0.0 Safari/537.36",
				"Accept":          "application/vnd.api+json",
				"Accept-Language": "en-US,en;q=0.9",
				"Referer":         "https://thedyrt.com/search",
				"Origin":          "https://thedyrt.com",
			},
			MaxAttempts: getEnvInt("FETCH_MAX_ATTEMPTS", 3),
			BackoffBase: getEnvDuration("FETCH_BACKOFF_BASE", time.Second),
			BackoffMax:  getEnvDuration("FETCH_BACKOFF_MAX", 30*time.Second),
			HTTPTimeout: getEnvDuration("FETCH_TIMEOUT", 30*time.Second),
		},
		Scheduler: SchedulerConfig{
			Interval: getEnvDuration("SCRAPE_INTERVAL", 24*time.Hour),
			Cron:     os.Getenv("SCRAPE_CRON"),
		},
		S3: S3Config{
			Bucket:          os.Getenv("S3_BUCKET"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		},
	}

	if err := cfg.loadSourceFile(getEnv("SOURCE_CONFIG", "config/source.yaml")); err != nil {
		return nil, err
	}

	if cfg.Source.PageSize <= 0 {
		return nil, fmt.Errorf("config: page_size must be positive")
	}
	if cfg.Source.MaxAttempts <= 0 {
		return nil, fmt.Errorf("config: FETCH_MAX_ATTEMPTS must be positive")
	}

	return cfg, nil
}

// loadSourceFile overlays the yaml source definition onto the built-in
// defaults. A missing file is fine; the defaults describe the live source.
func (c *Config) loadSourceFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	src := c.Source
	if err := yaml.Unmarshal(data, &src); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	c.Source = src
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
