package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the focus sampling service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool
	// ConfigFile is the optional YAML overlay that was applied, if any.
	ConfigFile string

	DatabaseURL string

	ClassifierBackend  string
	DeepFaceURL        string
	FERURL             string
	ClassifierTimeout  time.Duration
	ClassifierMaxWidth int

	FocusCascadePath string
	FocusPuplocPath  string
	FocusMinFaceSize int

	// Gray levels a pupil must sit below its surroundings.
	FocusMinPupilContrast int

	SamplerFocusEvery       int
	SamplerEmotionEvery     int
	SamplerEmotionInterval  time.Duration
	SamplerFrameInterval    time.Duration
	SamplerMaxFrameFailures int
	SamplerFrameTimeout     time.Duration

	SessionIdleTimeout  time.Duration
	SessionCloseRetries int
}

// Cascade locations used when nothing else is configured.
const (
	DefaultFocusCascadePath = "cascade/facefinder"
	DefaultFocusPuplocPath  = "cascade/puploc"
)

func defaults() Config {
	return Config{
		BindAddr:                ":8080",
		ShutdownTimeout:         15 * time.Second,
		MetricsNamespace:        "focuslens",
		ClassifierBackend:       "auto",
		DeepFaceURL:             "http://127.0.0.1:5005",
		FERURL:                  "http://127.0.0.1:5006",
		ClassifierTimeout:       5 * time.Second,
		ClassifierMaxWidth:      640,
		FocusCascadePath:        DefaultFocusCascadePath,
		FocusPuplocPath:         DefaultFocusPuplocPath,
		FocusMinFaceSize:        80,
		FocusMinPupilContrast:   18,
		SamplerFocusEvery:       15,
		SamplerEmotionEvery:     60,
		SamplerEmotionInterval:  2 * time.Second,
		SamplerFrameInterval:    33 * time.Millisecond,
		SamplerMaxFrameFailures: 0,
		SamplerFrameTimeout:     time.Second,
		SessionIdleTimeout:      2 * time.Minute,
		SessionCloseRetries:     3,
	}
}

// Load applies defaults, then the YAML file named by APP_CONFIG_FILE, then
// environment variables. Environment always wins.
func Load() (Config, error) {
	return LoadFrom(envTrim("APP_CONFIG_FILE"))
}

// LoadFrom is Load with an explicit overlay file. An empty path skips the file.
func LoadFrom(path string) (Config, error) {
	cfg := defaults()

	if path = strings.TrimSpace(path); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
		cfg.ConfigFile = path
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.ClassifierBackend = strings.ToLower(envOrDefault("CLASSIFIER_BACKEND", cfg.ClassifierBackend))
	cfg.DeepFaceURL = envOrDefault("DEEPFACE_URL", cfg.DeepFaceURL)
	cfg.FERURL = envOrDefault("FER_URL", cfg.FERURL)
	cfg.FocusCascadePath = envOrDefault("FOCUS_CASCADE_PATH", cfg.FocusCascadePath)
	cfg.FocusPuplocPath = envOrDefault("FOCUS_PUPLOC_PATH", cfg.FocusPuplocPath)

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"CLASSIFIER_TIMEOUT", &cfg.ClassifierTimeout},
		{"SAMPLER_EMOTION_INTERVAL", &cfg.SamplerEmotionInterval},
		{"SAMPLER_FRAME_INTERVAL", &cfg.SamplerFrameInterval},
		{"SAMPLER_FRAME_TIMEOUT", &cfg.SamplerFrameTimeout},
		{"SESSION_IDLE_TIMEOUT", &cfg.SessionIdleTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"CLASSIFIER_MAX_WIDTH", &cfg.ClassifierMaxWidth},
		{"FOCUS_MIN_FACE_SIZE", &cfg.FocusMinFaceSize},
		{"FOCUS_MIN_PUPIL_CONTRAST", &cfg.FocusMinPupilContrast},
		{"SAMPLER_FOCUS_EVERY", &cfg.SamplerFocusEvery},
		{"SAMPLER_EMOTION_EVERY", &cfg.SamplerEmotionEvery},
		{"SAMPLER_MAX_FRAME_FAILURES", &cfg.SamplerMaxFrameFailures},
		{"SESSION_CLOSE_RETRIES", &cfg.SessionCloseRetries},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}

	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.ClassifierBackend {
	case "auto", "deepface", "fer", "none":
	default:
		return fmt.Errorf("CLASSIFIER_BACKEND must be one of auto|deepface|fer|none, got %q", c.ClassifierBackend)
	}
	if c.ClassifierMaxWidth < 64 {
		return fmt.Errorf("CLASSIFIER_MAX_WIDTH must be at least 64")
	}
	if c.FocusMinFaceSize < 20 {
		return fmt.Errorf("FOCUS_MIN_FACE_SIZE must be at least 20")
	}
	if c.FocusMinPupilContrast < 1 || c.FocusMinPupilContrast > 255 {
		return fmt.Errorf("FOCUS_MIN_PUPIL_CONTRAST must be between 1 and 255")
	}
	if c.SamplerFocusEvery <= 0 {
		return fmt.Errorf("SAMPLER_FOCUS_EVERY must be positive")
	}
	if c.SamplerEmotionEvery <= 0 {
		return fmt.Errorf("SAMPLER_EMOTION_EVERY must be positive")
	}
	if c.SamplerEmotionInterval <= 0 {
		return fmt.Errorf("SAMPLER_EMOTION_INTERVAL must be positive")
	}
	if c.SamplerFrameInterval < 0 {
		return fmt.Errorf("SAMPLER_FRAME_INTERVAL must be >= 0")
	}
	if c.SamplerMaxFrameFailures < 0 {
		return fmt.Errorf("SAMPLER_MAX_FRAME_FAILURES must be >= 0")
	}
	if c.SamplerFrameTimeout <= 0 {
		return fmt.Errorf("SAMPLER_FRAME_TIMEOUT must be positive")
	}
	if c.SessionIdleTimeout < 5*time.Second {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must be at least 5s")
	}
	if c.SessionCloseRetries <= 0 {
		return fmt.Errorf("SESSION_CLOSE_RETRIES must be positive")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := envTrim(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrim(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrim(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envTrim(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrim(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
