// Package config loads the server settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/example/template-detector/internal/scanner"
)

// Config holds everything the server needs at startup.
type Config struct {
	HTTPAddr         string
	UploadDir        string
	MaxUploadBytes   int64
	DefaultThreshold float64
	ProgressEvery    int

	// RedisAddr empty selects the in-process cache, suitable for a single instance.
	RedisAddr     string
	SessionSecret string
	SessionTTL    time.Duration
	SecureCookie  bool

	JobLease  time.Duration
	StatusTTL time.Duration

	FFmpegPath  string
	FFprobePath string
	Matcher     string

	LogFile         string
	ShutdownTimeout time.Duration
}

// Load reads the environment, applying defaults and validating the result.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:      getEnv("HTTP_ADDR", ":5000"),
		UploadDir:     getEnv("UPLOAD_DIR", "uploads"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		SessionSecret: getEnv("SESSION_SECRET", "dev-secret"),
		FFmpegPath:    getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:   getEnv("FFPROBE_PATH", "ffprobe"),
		Matcher:       getEnv("MATCHER", "ncc"),
		LogFile:       os.Getenv("LOG_FILE"),
	}

	var err error
	if cfg.MaxUploadBytes, err = getInt64("MAX_UPLOAD_BYTES", 512<<20); err != nil {
		return Config{}, err
	}
	if cfg.DefaultThreshold, err = getFloat("DEFAULT_THRESHOLD", 0.8); err != nil {
		return Config{}, err
	}
	progress, err := getInt64("PROGRESS_EVERY", 100)
	if err != nil {
		return Config{}, err
	}
	cfg.ProgressEvery = int(progress)
	if cfg.SecureCookie, err = getBool("SECURE_COOKIE", false); err != nil {
		return Config{}, err
	}
	if cfg.SessionTTL, err = getDuration("SESSION_TTL", 24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.JobLease, err = getDuration("JOB_LEASE", time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.StatusTTL, err = getDuration("STATUS_TTL", 30*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownTimeout, err = getDuration("SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges that the type system cannot express.
func (c Config) Validate() error {
	if err := scanner.ValidateThreshold(c.DefaultThreshold); err != nil {
		return fmt.Errorf("DEFAULT_THRESHOLD: %w", err)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes)
	}
	if c.ProgressEvery < 0 {
		return fmt.Errorf("PROGRESS_EVERY must not be negative, got %d", c.ProgressEvery)
	}
	if c.UploadDir == "" {
		return fmt.Errorf("UPLOAD_DIR must not be empty")
	}
	if c.JobLease <= 0 || c.StatusTTL <= 0 || c.SessionTTL <= 0 {
		return fmt.Errorf("JOB_LEASE, STATUS_TTL and SESSION_TTL must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt64(key string, fallback int64) (int64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getBool(key string, fallback bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}
