package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissingSource is returned by Validate when no stream source is configured.
var ErrMissingSource = errors.New("RTSP_URL is not set")

// Settings holds all configuration for the archiver daemon.
type Settings struct {
	RTSPURL         string        `yaml:"rtspUrl"`
	ArchivePath     string        `yaml:"archivePath"`
	RetentionDays   int           `yaml:"retentionDays"`
	FFmpegPath      string        `yaml:"ffmpegPath"`
	SegmentSeconds  int           `yaml:"segmentSeconds"`
	TickInterval    time.Duration `yaml:"tickInterval"`
	StopGrace       time.Duration `yaml:"stopGrace"`
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
	SafetyBuckets   int           `yaml:"safetyBuckets"`
	StatusAddr      string        `yaml:"statusAddr"`
	LogLevel        string        `yaml:"logLevel"`
	LogFormat       string        `yaml:"logFormat"`
	KafkaBrokers    []string      `yaml:"kafkaBrokers"`
	KafkaTopic      string        `yaml:"kafkaTopic"`
	DatabaseURL     string        `yaml:"databaseUrl"`
	EventBuffer     int           `yaml:"eventBuffer"`
}

// Default returns Settings with the daemon's defaults.
func Default() Settings {
	return Settings{
		ArchivePath:     "/archive",
		RetentionDays:   90,
		FFmpegPath:      "ffmpeg",
		SegmentSeconds:  10,
		TickInterval:    10 * time.Second,
		StopGrace:       30 * time.Second,
		CleanupInterval: time.Hour,
		SafetyBuckets:   3,
		StatusAddr:      ":8080",
		LogLevel:        "info",
		LogFormat:       "json",
		KafkaTopic:      "archive-events",
		EventBuffer:     256,
	}
}

// LoadFile overlays the YAML file at path onto s. Keys absent from the file
// keep their current values.
func LoadFile(path string, s *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// LoadSettings builds Settings from defaults, the optional YAML file named by
// ARCHIVER_CONFIG, then environment variables, in that order of precedence.
func LoadSettings() (Settings, error) {
	s := Default()
	if path := os.Getenv("ARCHIVER_CONFIG"); path != "" {
		if err := LoadFile(path, &s); err != nil {
			return s, err
		}
	}
	return FromEnv(s), nil
}

// FromEnv returns base with every set environment variable applied on top.
func FromEnv(base Settings) Settings {
	s := base
	s.RTSPURL = GetEnv("RTSP_URL", s.RTSPURL)
	s.ArchivePath = GetEnv("ARCHIVE_PATH", s.ArchivePath)
	s.RetentionDays = GetEnvInt("RETENTION_DAYS", s.RetentionDays)
	s.FFmpegPath = GetEnv("FFMPEG_PATH", s.FFmpegPath)
	s.SegmentSeconds = GetEnvInt("SEGMENT_SECONDS", s.SegmentSeconds)
	s.TickInterval = GetEnvDuration("TICK_INTERVAL", s.TickInterval)
	s.StopGrace = GetEnvDuration("STOP_GRACE", s.StopGrace)
	s.CleanupInterval = GetEnvDuration("CLEANUP_INTERVAL", s.CleanupInterval)
	s.SafetyBuckets = GetEnvInt("SAFETY_BUCKETS", s.SafetyBuckets)
	s.StatusAddr = GetEnv("STATUS_ADDR", s.StatusAddr)
	s.LogLevel = GetEnv("LOG_LEVEL", s.LogLevel)
	s.LogFormat = GetEnv("LOG_FORMAT", s.LogFormat)
	s.KafkaBrokers = GetEnvList("KAFKA_BROKERS", s.KafkaBrokers)
	s.KafkaTopic = GetEnv("KAFKA_TOPIC", s.KafkaTopic)
	s.DatabaseURL = GetEnv("DATABASE_URL", s.DatabaseURL)
	s.EventBuffer = GetEnvInt("EVENT_BUFFER", s.EventBuffer)
	return s
}

// Validate reports the first setting that would prevent the daemon from running.
func (s Settings) Validate() error {
	if s.RTSPURL == "" {
		return ErrMissingSource
	}
	if s.ArchivePath == "" {
		return errors.New("ARCHIVE_PATH must not be empty")
	}
	if s.RetentionDays <= 0 {
		return fmt.Errorf("RETENTION_DAYS must be positive, got %d", s.RetentionDays)
	}
	if s.SegmentSeconds <= 0 {
		return fmt.Errorf("SEGMENT_SECONDS must be positive, got %d", s.SegmentSeconds)
	}
	if s.TickInterval <= 0 {
		return fmt.Errorf("TICK_INTERVAL must be positive, got %s", s.TickInterval)
	}
	if s.StopGrace <= 0 {
		return fmt.Errorf("STOP_GRACE must be positive, got %s", s.StopGrace)
	}
	if s.CleanupInterval <= 0 {
		return fmt.Errorf("CLEANUP_INTERVAL must be positive, got %s", s.CleanupInterval)
	}
	if s.SafetyBuckets < 1 {
		return fmt.Errorf("SAFETY_BUCKETS must be at least 1, got %d", s.SafetyBuckets)
	}
	return nil
}

// RetentionWindow is the age after which an archive artifact expires.
func (s Settings) RetentionWindow() time.Duration {
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}
