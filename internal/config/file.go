package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config for the YAML overlay. Durations are Go duration
// strings ("2s", "500ms"); empty fields keep the default.
type fileConfig struct {
	Server struct {
		BindAddr         string `yaml:"bind_addr"`
		ShutdownTimeout  string `yaml:"shutdown_timeout"`
		MetricsNamespace string `yaml:"metrics_namespace"`
		AllowAnyOrigin   *bool  `yaml:"allow_any_origin"`
	} `yaml:"server"`
	DatabaseURL string `yaml:"database_url"`
	Classifier  struct {
		Backend     string `yaml:"backend"`
		DeepFaceURL string `yaml:"deepface_url"`
		FERURL      string `yaml:"fer_url"`
		Timeout     string `yaml:"timeout"`
		MaxWidth    int    `yaml:"max_width"`
	} `yaml:"classifier"`
	Focus struct {
		CascadePath      string `yaml:"cascade_path"`
		PuplocPath       string `yaml:"puploc_path"`
		MinFaceSize      int    `yaml:"min_face_size"`
		MinPupilContrast int    `yaml:"min_pupil_contrast"`
	} `yaml:"focus"`
	Sampler struct {
		FocusEvery       int    `yaml:"focus_every"`
		EmotionEvery     int    `yaml:"emotion_every"`
		EmotionInterval  string `yaml:"emotion_interval"`
		FrameInterval    string `yaml:"frame_interval"`
		MaxFrameFailures *int   `yaml:"max_frame_failures"`
		FrameTimeout     string `yaml:"frame_timeout"`
	} `yaml:"sampler"`
	Session struct {
		IdleTimeout  string `yaml:"idle_timeout"`
		CloseRetries int    `yaml:"close_retries"`
	} `yaml:"session"`
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.BindAddr, fc.Server.BindAddr)
	setString(&cfg.MetricsNamespace, fc.Server.MetricsNamespace)
	if fc.Server.AllowAnyOrigin != nil {
		cfg.AllowAnyOrigin = *fc.Server.AllowAnyOrigin
	}
	setString(&cfg.DatabaseURL, fc.DatabaseURL)
	setString(&cfg.ClassifierBackend, fc.Classifier.Backend)
	setString(&cfg.DeepFaceURL, fc.Classifier.DeepFaceURL)
	setString(&cfg.FERURL, fc.Classifier.FERURL)
	setInt(&cfg.ClassifierMaxWidth, fc.Classifier.MaxWidth)
	setString(&cfg.FocusCascadePath, fc.Focus.CascadePath)
	setString(&cfg.FocusPuplocPath, fc.Focus.PuplocPath)
	setInt(&cfg.FocusMinFaceSize, fc.Focus.MinFaceSize)
	setInt(&cfg.FocusMinPupilContrast, fc.Focus.MinPupilContrast)
	setInt(&cfg.SamplerFocusEvery, fc.Sampler.FocusEvery)
	setInt(&cfg.SamplerEmotionEvery, fc.Sampler.EmotionEvery)
	if fc.Sampler.MaxFrameFailures != nil {
		cfg.SamplerMaxFrameFailures = *fc.Sampler.MaxFrameFailures
	}
	setInt(&cfg.SessionCloseRetries, fc.Session.CloseRetries)

	durations := []struct {
		field string
		raw   string
		dst   *time.Duration
	}{
		{"server.shutdown_timeout", fc.Server.ShutdownTimeout, &cfg.ShutdownTimeout},
		{"classifier.timeout", fc.Classifier.Timeout, &cfg.ClassifierTimeout},
		{"sampler.emotion_interval", fc.Sampler.EmotionInterval, &cfg.SamplerEmotionInterval},
		{"sampler.frame_interval", fc.Sampler.FrameInterval, &cfg.SamplerFrameInterval},
		{"sampler.frame_timeout", fc.Sampler.FrameTimeout, &cfg.SamplerFrameTimeout},
		{"session.idle_timeout", fc.Session.IdleTimeout, &cfg.SessionIdleTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config file %s: %s: %w", path, d.field, err)
		}
		*d.dst = v
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}
