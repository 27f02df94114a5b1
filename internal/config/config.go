// Package config loads the service configuration from an optional YAML file,
// a .env file and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Strategy names
const (
	StrategyProximity         = "proximity"
	StrategyScheduleDeviation = "schedule-deviation"
	StrategyHistoricAverage   = "historic-average"
	StrategyFixedDelay        = "fixed-delay"
)

// ErrConflictingDelay is returned when a fixed delay is configured together with random mode.
var ErrConflictingDelay = errors.New("fixed_delay and fixed_delay_random are mutually exclusive")

// Config holds all configuration for the prediction service
type Config struct {
	// Real-time input
	VehiclePositionsURL string        `yaml:"vehicle_positions_url" validate:"required,url"`
	PollInterval        time.Duration `yaml:"-" validate:"gt=0"`
	DownloadTimeout     time.Duration `yaml:"-" validate:"gt=0"`
	DownloadRetries     int           `yaml:"download_retries" validate:"gte=0,lte=10"`

	// Prediction
	Strategy           string  `yaml:"strategy" validate:"oneof=proximity schedule-deviation historic-average fixed-delay"`
	ProximityThreshold float64 `yaml:"proximity_threshold_meters" validate:"gt=0"`

	// Static timetable
	TimetablePath        string `yaml:"timetable_path" validate:"required"`
	TimetableURL         string `yaml:"timetable_url" validate:"omitempty,url"`
	TimetableRefreshDays int    `yaml:"timetable_refresh_days" validate:"gte=1"`

	// Historic store
	HistoryDriver        string `yaml:"history_driver" validate:"oneof=sqlite postgres"`
	HistoryPath          string `yaml:"history_path"`
	HistoryRetentionDays int    `yaml:"history_retention_days" validate:"gte=0"`

	// Fixed delay
	FixedDelay          time.Duration `yaml:"-" validate:"gte=0"`
	FixedDelayRandom    bool          `yaml:"fixed_delay_random"`
	FixedDelayRandomMax time.Duration `yaml:"-" validate:"gt=0"`
	FixedDelayBase      string        `yaml:"fixed_delay_base" validate:"omitempty,oneof=proximity schedule-deviation historic-average"`

	// HTTP serving
	HTTPHost  string `yaml:"http_host" validate:"required"`
	HTTPPort  string `yaml:"http_port" validate:"required,numeric"`
	StaticDir string `yaml:"static_dir"`

	// Messaging
	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject" validate:"required"`

	// Logging
	LogLevel  string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"oneof=console json"`
}

// Defaults returns the configuration used when nothing overrides a field
func Defaults() *Config {
	return &Config{
		PollInterval:         10 * time.Second,
		DownloadTimeout:      15 * time.Second,
		DownloadRetries:      2,
		Strategy:             StrategyProximity,
		ProximityThreshold:   100,
		TimetablePath:        "data/gtfs.zip",
		TimetableRefreshDays: 7,
		HistoryDriver:        "sqlite",
		FixedDelayRandomMax:  5 * time.Minute,
		HTTPHost:             "0.0.0.0",
		HTTPPort:             "8000",
		NATSSubject:          "tup.trip_updates",
		LogLevel:             "info",
		LogFormat:            "console",
	}
}

// Load builds the configuration. path names an optional YAML file; a missing
// .env file is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fileConfig mirrors Config with durations in seconds, as in the environment
type fileConfig struct {
	Config              `yaml:",inline"`
	PollInterval        *float64 `yaml:"poll_interval"`
	DownloadTimeout     *float64 `yaml:"download_timeout"`
	FixedDelay          *float64 `yaml:"fixed_delay"`
	FixedDelayRandomMax *float64 `yaml:"fixed_delay_random_max"`
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	fc := fileConfig{Config: *c}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	*c = fc.Config
	setSeconds(&c.PollInterval, fc.PollInterval)
	setSeconds(&c.DownloadTimeout, fc.DownloadTimeout)
	setSeconds(&c.FixedDelay, fc.FixedDelay)
	setSeconds(&c.FixedDelayRandomMax, fc.FixedDelayRandomMax)
	return nil
}

func setSeconds(dst *time.Duration, seconds *float64) {
	if seconds != nil {
		*dst = time.Duration(*seconds * float64(time.Second))
	}
}

func (c *Config) applyEnv() error {
	c.VehiclePositionsURL = getEnv("VEHICLE_POSITIONS_URL", c.VehiclePositionsURL)
	c.Strategy = getEnv("STRATEGY", c.Strategy)
	c.TimetablePath = getEnv("TIMETABLE_PATH", c.TimetablePath)
	c.TimetableURL = getEnv("TIMETABLE_URL", c.TimetableURL)
	c.HistoryDriver = getEnv("HISTORY_DRIVER", c.HistoryDriver)
	c.HistoryPath = getEnv("HISTORY_PATH", c.HistoryPath)
	c.FixedDelayBase = getEnv("FIXED_DELAY_BASE", c.FixedDelayBase)
	c.HTTPHost = getEnv("HTTP_HOST", c.HTTPHost)
	c.HTTPPort = getEnv("HTTP_PORT", c.HTTPPort)
	c.StaticDir = getEnv("STATIC_DIR", c.StaticDir)
	c.NATSURL = getEnv("NATS_URL", c.NATSURL)
	c.NATSSubject = getEnv("NATS_SUBJECT", c.NATSSubject)
	c.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", c.LogLevel))
	c.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", c.LogFormat))

	var err error
	if c.PollInterval, err = getEnvSeconds("POLL_INTERVAL", c.PollInterval); err != nil {
		return err
	}
	if c.DownloadTimeout, err = getEnvSeconds("DOWNLOAD_TIMEOUT", c.DownloadTimeout); err != nil {
		return err
	}
	if c.FixedDelay, err = getEnvSeconds("FIXED_DELAY", c.FixedDelay); err != nil {
		return err
	}
	if c.FixedDelayRandomMax, err = getEnvSeconds("FIXED_DELAY_RANDOM_MAX", c.FixedDelayRandomMax); err != nil {
		return err
	}
	if c.DownloadRetries, err = getEnvInt("DOWNLOAD_RETRIES", c.DownloadRetries); err != nil {
		return err
	}
	if c.TimetableRefreshDays, err = getEnvInt("TIMETABLE_REFRESH_DAYS", c.TimetableRefreshDays); err != nil {
		return err
	}
	if c.HistoryRetentionDays, err = getEnvInt("HISTORY_RETENTION_DAYS", c.HistoryRetentionDays); err != nil {
		return err
	}
	if c.ProximityThreshold, err = getEnvFloat("PROXIMITY_THRESHOLD_METERS", c.ProximityThreshold); err != nil {
		return err
	}
	if c.FixedDelayRandom, err = getEnvBool("FIXED_DELAY_RANDOM", c.FixedDelayRandom); err != nil {
		return err
	}
	return nil
}

var validate = validator.New()

// Validate checks field rules and the cross-field constraints
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.FixedDelayRandom && c.FixedDelay != 0 {
		return ErrConflictingDelay
	}
	if c.NeedsHistory() && c.HistoryPath == "" {
		return errors.New("invalid configuration: history_path is required for the historic-average strategy")
	}
	return nil
}

// NeedsHistory reports whether the selected strategy reads the historic store.
// A fixed-delay strategy without an explicit base runs on proximity.
func (c *Config) NeedsHistory() bool {
	return c.Strategy == StrategyHistoricAverage ||
		(c.Strategy == StrategyFixedDelay && c.FixedDelayBase == StrategyHistoricAverage)
}

// Addr returns the HTTP listen address
func (c *Config) Addr() string {
	return c.HTTPHost + ":" + c.HTTPPort
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

// getEnvSeconds reads a duration given in seconds, e.g. POLL_INTERVAL=30
func getEnvSeconds(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	secs, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
