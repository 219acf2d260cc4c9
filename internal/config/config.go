// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package config

import (
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// AppConfig is the complete service configuration.
type AppConfig struct {
	Name     string `mapstructure:"service_name" validate:"required"`
	Version  string `mapstructure:"version" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	LogFile  string `mapstructure:"log_file"`

	Capture   CaptureConfig   `mapstructure:"capture"`
	Detector  DetectorConfig  `mapstructure:"detector"`
	Segmenter SegmenterConfig `mapstructure:"segmenter"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Reclaimer ReclaimerConfig `mapstructure:"reclaimer"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
}

// CaptureConfig parameterizes the microphone input.
type CaptureConfig struct {
	SampleRate int `mapstructure:"sample_rate" validate:"required,min=8000"`
	Channels   int `mapstructure:"channels" validate:"required,min=1,max=2"`
	FrameSize  int `mapstructure:"frame_size" validate:"required,min=64"`
	QueueSize  int `mapstructure:"queue_size" validate:"required,min=1"`
}

// DetectorConfig selects and tunes the boundary detector.
type DetectorConfig struct {
	Strategy        string  `mapstructure:"strategy" validate:"required,oneof=energy silero"`
	EnergyThreshold float64 `mapstructure:"energy_threshold" validate:"gte=0,lte=1"`
	SileroModelPath string  `mapstructure:"silero_model_path" validate:"required_if=Strategy silero"`
	SileroThreshold float32 `mapstructure:"silero_threshold" validate:"gte=0,lte=1"`
}

// SegmenterConfig bounds segments.
type SegmenterConfig struct {
	SilenceWindowSeconds      float64 `mapstructure:"silence_window_seconds" validate:"required,gt=0"`
	MinSegmentBytes           int64   `mapstructure:"min_segment_bytes" validate:"min=0"`
	MaxSegmentDurationSeconds float64 `mapstructure:"max_segment_duration_seconds" validate:"required,gt=0"`
	MaxSegmentBytes           int64   `mapstructure:"max_segment_bytes" validate:"required,gt=0"`
	TempDir                   string  `mapstructure:"temp_dir"`
}

// UploadConfig parameterizes the transcription upload path.
type UploadConfig struct {
	Endpoint          string `mapstructure:"endpoint" validate:"required,url"`
	Model             string `mapstructure:"model" validate:"required"`
	Language          string `mapstructure:"language"`
	APIKeyName        string `mapstructure:"api_key_name" validate:"required"`
	TimeoutSeconds    int    `mapstructure:"timeout_seconds" validate:"required,min=1"`
	RetryMaxAttempts  int    `mapstructure:"retry_max_attempts" validate:"required,min=1"`
	RetryDelaySeconds int    `mapstructure:"retry_delay_seconds" validate:"required,min=1"`
	MaxConcurrent     int    `mapstructure:"max_concurrent" validate:"required,min=1"`
}

// ReclaimerConfig parameterizes orphan reclamation.
type ReclaimerConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds" validate:"required,min=1"`
}

// MetricsConfig parameterizes the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address" validate:"required_if=Enabled true"`
}

// ArchiveConfig parameterizes session history persistence.
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" validate:"required_if=Enabled true"`
}

// InitConfig reads configuration from the environment (optionally seeded
// from an env file at ENV_PATH) with defaults applied.
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	path := os.Getenv("ENV_PATH")
	if path != "" {
		log.Printf("env path %v", path)
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()

	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("Reading from env variables.")
	}

	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	v.SetDefault("SERVICE_NAME", "voicewire")
	v.SetDefault("VERSION", "0.0.1")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "")

	v.SetDefault("CAPTURE__SAMPLE_RATE", 48000)
	v.SetDefault("CAPTURE__CHANNELS", 1)
	v.SetDefault("CAPTURE__FRAME_SIZE", 1024)
	v.SetDefault("CAPTURE__QUEUE_SIZE", 64)

	v.SetDefault("DETECTOR__STRATEGY", "energy")
	v.SetDefault("DETECTOR__ENERGY_THRESHOLD", 0.01)
	v.SetDefault("DETECTOR__SILERO_MODEL_PATH", "")
	v.SetDefault("DETECTOR__SILERO_THRESHOLD", 0.5)

	v.SetDefault("SEGMENTER__SILENCE_WINDOW_SECONDS", 1.2)
	v.SetDefault("SEGMENTER__MIN_SEGMENT_BYTES", 12*1024)
	v.SetDefault("SEGMENTER__MAX_SEGMENT_DURATION_SECONDS", 240)
	v.SetDefault("SEGMENTER__MAX_SEGMENT_BYTES", 24*1024*1024)
	v.SetDefault("SEGMENTER__TEMP_DIR", filepath.Join(os.TempDir(), "voicewire"))

	v.SetDefault("UPLOAD__ENDPOINT", "https://api.openai.com/v1/audio/transcriptions")
	v.SetDefault("UPLOAD__MODEL", "whisper-1")
	v.SetDefault("UPLOAD__LANGUAGE", "en")
	v.SetDefault("UPLOAD__API_KEY_NAME", "VOICEWIRE_API_KEY")
	v.SetDefault("UPLOAD__TIMEOUT_SECONDS", 30)
	v.SetDefault("UPLOAD__RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("UPLOAD__RETRY_DELAY_SECONDS", 3)
	v.SetDefault("UPLOAD__MAX_CONCURRENT", 4)

	v.SetDefault("RECLAIMER__INTERVAL_SECONDS", 60)

	v.SetDefault("METRICS__ENABLED", true)
	v.SetDefault("METRICS__ADDRESS", ":9102")

	v.SetDefault("ARCHIVE__ENABLED", false)
	v.SetDefault("ARCHIVE__PATH", "voicewire.db")
}

// GetApplicationConfig unmarshals and validates the application config.
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var config AppConfig
	err := v.Unmarshal(&config)
	if err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}

	validate := validator.New()
	err = validate.Struct(&config)
	if err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}
	return &config, nil
}

// SilenceWindow returns the silence window as a duration.
func (c *SegmenterConfig) SilenceWindow() time.Duration {
	return time.Duration(c.SilenceWindowSeconds * float64(time.Second))
}

// MaxSegmentDuration returns the forced-split cap as a duration.
func (c *SegmenterConfig) MaxSegmentDuration() time.Duration {
	return time.Duration(c.MaxSegmentDurationSeconds * float64(time.Second))
}

// Timeout returns the per-attempt request timeout as a duration.
func (c *UploadConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RetryDelay returns the fixed delay between attempts as a duration.
func (c *UploadConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// Interval returns the sweep interval as a duration.
func (c *ReclaimerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}
