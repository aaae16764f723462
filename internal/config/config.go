// Package config provides configuration management for replayd using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/jmylchreest/replayd/internal/export"
	"github.com/jmylchreest/replayd/internal/media"
	"github.com/jmylchreest/replayd/internal/source"
)

// Default configuration values.
const (
	defaultWindow           = 300 * time.Second
	maxWindow               = 24 * time.Hour
	defaultKeyframeInterval = 2 * time.Second
	defaultMaxBufferBytes   = "1GiB"
	defaultQueueCapacity    = 512
	defaultQueuePatience    = 50 * time.Millisecond
	defaultGOPSize          = 30
	defaultAudioBitrate     = "128k"
	defaultDriftInterval    = 5 * time.Second
	defaultDriftThreshold   = 40 * time.Millisecond
	defaultShutdownTimeout  = 10 * time.Second
	defaultServerPort       = 8270
	defaultServerTimeout    = 30 * time.Second
	defaultGRPCAddress      = "127.0.0.1:8271"
	defaultMaxOpenConns     = 4
	defaultMaxIdleConns     = 2
	defaultConnMaxIdleTime  = 30 * time.Minute
	defaultRetentionMaxAge  = "7d"
	defaultRetentionClips   = 100
	defaultLogMaxSizeMB     = 50
	defaultLogMaxBackups    = 3
	defaultLogMaxAgeDays    = 28
)

// RedactedValue replaces secrets in dumped configuration.
const RedactedValue = "[REDACTED]"

// Config holds all configuration for the application.
type Config struct {
	Capture   CaptureConfig   `mapstructure:"capture" yaml:"capture"`
	Encoder   EncoderConfig   `mapstructure:"encoder" yaml:"encoder"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Export    ExportConfig    `mapstructure:"export" yaml:"export"`
	Session   SessionConfig   `mapstructure:"session" yaml:"session"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	GRPC      GRPCConfig      `mapstructure:"grpc" yaml:"grpc"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Retention RetentionConfig `mapstructure:"retention" yaml:"retention"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// CaptureConfig holds the replay window and capture pipeline settings.
type CaptureConfig struct {
	Window           time.Duration `mapstructure:"window" yaml:"window"`
	Quality          string        `mapstructure:"quality" yaml:"quality"`
	UseMic           bool          `mapstructure:"use_mic" yaml:"use_mic"`
	KeyframeInterval time.Duration `mapstructure:"keyframe_interval" yaml:"keyframe_interval"`
	MaxBufferBytes   ByteSize      `mapstructure:"max_buffer_bytes" yaml:"max_buffer_bytes"` // per stream
	QueueCapacity    int           `mapstructure:"queue_capacity" yaml:"queue_capacity"`
	QueuePatience    time.Duration `mapstructure:"queue_patience" yaml:"queue_patience"`
	NormalizeAudio   bool          `mapstructure:"normalize_audio" yaml:"normalize_audio"`
	Source           string        `mapstructure:"source" yaml:"source"` // synthetic, grab
	Video            VideoConfig   `mapstructure:"video" yaml:"video"`
	Audio            AudioConfig   `mapstructure:"audio" yaml:"audio"`
}

// VideoConfig holds the video source geometry.
type VideoConfig struct {
	Width   int    `mapstructure:"width" yaml:"width"`
	Height  int    `mapstructure:"height" yaml:"height"`
	FPS     int    `mapstructure:"fps" yaml:"fps"`
	Display string `mapstructure:"display" yaml:"display"`
	Grabber string `mapstructure:"grabber" yaml:"grabber"` // x11grab, kmsgrab
}

// AudioConfig holds the audio devices to capture.
type AudioConfig struct {
	Device    string `mapstructure:"device" yaml:"device"`
	MicDevice string `mapstructure:"mic_device" yaml:"mic_device"`
}

// EncoderConfig holds FFmpeg encoder settings.
type EncoderConfig struct {
	Backend      string `mapstructure:"backend" yaml:"backend"` // primary (nvenc), fallback (vaapi)
	FFmpegPath   string `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	VAAPIDevice  string `mapstructure:"vaapi_device" yaml:"vaapi_device"`
	GOPSize      int    `mapstructure:"gop_size" yaml:"gop_size"`
	AudioBitrate string `mapstructure:"audio_bitrate" yaml:"audio_bitrate"`
}

// SyncConfig holds audio/video synchronization settings.
type SyncConfig struct {
	DriftCheckInterval time.Duration `mapstructure:"drift_check_interval" yaml:"drift_check_interval"`
	DriftThreshold     time.Duration `mapstructure:"drift_threshold" yaml:"drift_threshold"`
}

// ExportConfig holds clip output settings.
type ExportConfig struct {
	OutputDir string `mapstructure:"output_dir" yaml:"output_dir"`
	Container string `mapstructure:"container" yaml:"container"` // mp4, ts
}

// SessionConfig holds capture session lifecycle settings.
type SessionConfig struct {
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// GRPCConfig holds the gRPC control listener configuration.
type GRPCConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
}

// DatabaseConfig holds clip catalog connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" yaml:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn" yaml:"dsn" masq:"secret"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" yaml:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level" yaml:"log_level"` // silent, error, warn, info
}

// RetentionConfig holds clip pruning configuration.
type RetentionConfig struct {
	Enabled  bool     `mapstructure:"enabled" yaml:"enabled"`
	Schedule string   `mapstructure:"schedule" yaml:"schedule"` // cron spec or @every
	MaxAge   Duration `mapstructure:"max_age" yaml:"max_age"`   // 0 disables age pruning
	MaxClips int      `mapstructure:"max_clips" yaml:"max_clips"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`   // trace, debug, info, warn, error
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source" yaml:"add_source"`
	TimeFormat string `mapstructure:"time_format" yaml:"time_format"`

	// File enables a rotating log file written alongside stderr.
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with REPLAYD_ and use underscores for nesting.
// Example: REPLAYD_CAPTURE_WINDOW=10m.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/replayd")
		v.AddConfigPath("/etc/replayd")
	}

	v.SetEnvPrefix("REPLAYD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	// capture.window_seconds is an integer alias for capture.window.
	if v.IsSet("capture.window_seconds") {
		v.Set("capture.window", time.Duration(v.GetInt64("capture.window_seconds"))*time.Second)
	}

	return decode(v)
}

// Defaults returns the built-in configuration, ignoring files and environment.
func Defaults() (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Capture defaults
	v.SetDefault("capture.window", defaultWindow)
	v.SetDefault("capture.quality", string(media.QualityHigh))
	v.SetDefault("capture.use_mic", false)
	v.SetDefault("capture.keyframe_interval", defaultKeyframeInterval)
	v.SetDefault("capture.max_buffer_bytes", defaultMaxBufferBytes)
	v.SetDefault("capture.queue_capacity", defaultQueueCapacity)
	v.SetDefault("capture.queue_patience", defaultQueuePatience)
	v.SetDefault("capture.normalize_audio", true)
	v.SetDefault("capture.source", string(source.KindSynthetic))
	v.SetDefault("capture.video.width", 1920)
	v.SetDefault("capture.video.height", 1080)
	v.SetDefault("capture.video.fps", 60)
	v.SetDefault("capture.video.display", "")
	v.SetDefault("capture.video.grabber", source.GrabberX11)
	v.SetDefault("capture.audio.device", "default")
	v.SetDefault("capture.audio.mic_device", "")

	// Encoder defaults
	v.SetDefault("encoder.backend", string(media.BackendPrimary))
	v.SetDefault("encoder.ffmpeg_path", "")
	v.SetDefault("encoder.vaapi_device", "/dev/dri/renderD128")
	v.SetDefault("encoder.gop_size", defaultGOPSize)
	v.SetDefault("encoder.audio_bitrate", defaultAudioBitrate)

	// Sync defaults
	v.SetDefault("sync.drift_check_interval", defaultDriftInterval)
	v.SetDefault("sync.drift_threshold", defaultDriftThreshold)

	// Export defaults
	v.SetDefault("export.output_dir", "./clips")
	v.SetDefault("export.container", string(export.ContainerMP4))

	// Session defaults
	v.SetDefault("session.shutdown_timeout", defaultShutdownTimeout)

	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	// gRPC defaults
	v.SetDefault("grpc.enabled", false)
	v.SetDefault("grpc.address", defaultGRPCAddress)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "replayd.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Retention defaults
	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.schedule", "@every 1h")
	v.SetDefault("retention.max_age", defaultRetentionMaxAge)
	v.SetDefault("retention.max_clips", defaultRetentionClips)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", defaultLogMaxSizeMB)
	v.SetDefault("logging.max_backups", defaultLogMaxBackups)
	v.SetDefault("logging.max_age_days", defaultLogMaxAgeDays)
	v.SetDefault("logging.compress", false)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Capture validation
	if c.Capture.Window <= 0 || c.Capture.Window > maxWindow {
		return fmt.Errorf("capture.window must be greater than 0 and at most %s", maxWindow)
	}
	if _, err := media.ParseQuality(c.Capture.Quality); err != nil {
		return fmt.Errorf("capture.quality: %w", err)
	}
	if c.Capture.KeyframeInterval <= 0 {
		return fmt.Errorf("capture.keyframe_interval must be positive")
	}
	if c.Capture.MaxBufferBytes <= 0 {
		return fmt.Errorf("capture.max_buffer_bytes must be positive")
	}
	if c.Capture.QueueCapacity < 1 {
		return fmt.Errorf("capture.queue_capacity must be at least 1")
	}
	if c.Capture.QueuePatience < 0 {
		return fmt.Errorf("capture.queue_patience must not be negative")
	}
	if _, err := source.ParseKind(c.Capture.Source); err != nil {
		return fmt.Errorf("capture.source: %w", err)
	}
	if c.Capture.Video.Width <= 0 || c.Capture.Video.Height <= 0 {
		return fmt.Errorf("capture.video width and height must be positive")
	}
	if c.Capture.Video.Width%2 != 0 || c.Capture.Video.Height%2 != 0 {
		return fmt.Errorf("capture.video width and height must be even")
	}
	if c.Capture.Video.FPS <= 0 {
		return fmt.Errorf("capture.video.fps must be positive")
	}
	switch c.Capture.Video.Grabber {
	case source.GrabberX11, source.GrabberKMS:
	default:
		return fmt.Errorf("capture.video.grabber must be one of: %s, %s", source.GrabberX11, source.GrabberKMS)
	}

	// Encoder validation
	if _, err := media.ParseBackend(c.Encoder.Backend); err != nil {
		return fmt.Errorf("encoder.backend: %w", err)
	}
	if c.Encoder.GOPSize < 1 {
		return fmt.Errorf("encoder.gop_size must be at least 1")
	}
	if c.Encoder.AudioBitrate == "" {
		return fmt.Errorf("encoder.audio_bitrate is required")
	}

	// Sync validation
	if c.Sync.DriftCheckInterval <= 0 {
		return fmt.Errorf("sync.drift_check_interval must be positive")
	}
	if c.Sync.DriftThreshold <= 0 {
		return fmt.Errorf("sync.drift_threshold must be positive")
	}

	// Export validation
	if c.Export.OutputDir == "" {
		return fmt.Errorf("export.output_dir is required")
	}
	if _, err := export.ParseContainer(c.Export.Container); err != nil {
		return fmt.Errorf("export.container: %w", err)
	}

	if c.Session.ShutdownTimeout <= 0 {
		return fmt.Errorf("session.shutdown_timeout must be positive")
	}

	// Server validation
	const maxPort = 65535
	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > maxPort) {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}
	if c.GRPC.Enabled && c.GRPC.Address == "" {
		return fmt.Errorf("grpc.address is required when grpc is enabled")
	}

	// Database validation
	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	// Retention validation
	if c.Retention.Enabled && c.Retention.Schedule == "" {
		return fmt.Errorf("retention.schedule is required when retention is enabled")
	}
	if c.Retention.MaxAge < 0 {
		return fmt.Errorf("retention.max_age must not be negative")
	}
	if c.Retention.MaxClips < 0 {
		return fmt.Errorf("retention.max_clips must not be negative")
	}

	// Logging validation
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// QualityTier returns the parsed capture quality, HIGH when invalid.
func (c *CaptureConfig) QualityTier() media.Quality {
	q, err := media.ParseQuality(c.Quality)
	if err != nil {
		return media.QualityHigh
	}
	return q
}

// SourceKind returns the parsed capture source kind.
func (c *CaptureConfig) SourceKind() source.Kind {
	k, err := source.ParseKind(c.Source)
	if err != nil {
		return source.KindSynthetic
	}
	return k
}

// VideoBackend returns the parsed encoder backend, primary when invalid.
func (c *EncoderConfig) VideoBackend() media.Backend {
	b, err := media.ParseBackend(c.Backend)
	if err != nil {
		return media.BackendPrimary
	}
	return b
}

// ClipContainer returns the parsed export container, mp4 when invalid.
func (c *ExportConfig) ClipContainer() export.Container {
	ct, err := export.ParseContainer(c.Container)
	if err != nil {
		return export.ContainerMP4
	}
	return ct
}

// Redacted returns a copy with secrets replaced, for display.
func (c Config) Redacted() Config {
	if c.Database.DSN != "" {
		c.Database.DSN = RedactedValue
	}
	return c
}
