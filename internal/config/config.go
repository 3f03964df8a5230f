package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Redis     RedisConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Storage   StorageConfig
	Pipeline  PipelineConfig
	Tools     ToolsConfig
	R2        R2Config
}

type ServerConfig struct {
	Port        string
	Env         string
	LogLevel    string
	BodyLimitMB int
}

type LogConfig struct {
	File       string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Enabled  bool
}

type AuthConfig struct {
	Enabled   bool
	JWTSecret string
}

type RateLimitConfig struct {
	ProcessPerHour int
}

type StorageConfig struct {
	SongsDir    string
	TempDir     string
	CatalogPath string
}

type PipelineConfig struct {
	MaxConcurrentJobs int
	JobTTL            time.Duration
	CaptionMaxBytes   int64
	AllowedSources    []string
}

// ToolsConfig names the external programs and models each stage runs.
type ToolsConfig struct {
	Demucs         string
	DemucsModel    string
	Separator      string
	SeparatorModel string
	Waveform       string
	Whisper        string
	WhisperModel   string
	Downloader     string
	FFmpeg         string
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

// Enabled reports whether enough R2 settings are present to publish assets.
func (c R2Config) Enabled() bool {
	return c.AccountID != "" && c.AccessKeyID != "" && c.SecretAccessKey != "" && c.BucketName != ""
}

func Load() (*Config, error) {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()
	bindEnv(v)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:        v.GetString("server.port"),
			Env:         v.GetString("server.env"),
			LogLevel:    v.GetString("server.log_level"),
			BodyLimitMB: v.GetInt("server.body_limit_mb"),
		},
		Log: LogConfig{
			File:       v.GetString("log.file"),
			MaxSize:    v.GetInt("log.max_size"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAge:     v.GetInt("log.max_age"),
			Compress:   v.GetBool("log.compress"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			Enabled:  v.GetBool("redis.enabled"),
		},
		Auth: AuthConfig{
			Enabled:   v.GetBool("auth.enabled"),
			JWTSecret: v.GetString("jwt.secret"),
		},
		RateLimit: RateLimitConfig{
			ProcessPerHour: v.GetInt("ratelimit.process_per_hour"),
		},
		Storage: StorageConfig{
			SongsDir:    v.GetString("storage.songs_dir"),
			TempDir:     v.GetString("storage.temp_dir"),
			CatalogPath: v.GetString("storage.catalog_path"),
		},
		Pipeline: PipelineConfig{
			MaxConcurrentJobs: v.GetInt("pipeline.max_concurrent_jobs"),
			JobTTL:            v.GetDuration("pipeline.job_ttl"),
			CaptionMaxBytes:   v.GetInt64("pipeline.caption_max_bytes"),
			AllowedSources:    v.GetStringSlice("pipeline.allowed_sources"),
		},
		Tools: ToolsConfig{
			Demucs:         v.GetString("tools.demucs"),
			DemucsModel:    v.GetString("tools.demucs_model"),
			Separator:      v.GetString("tools.separator"),
			SeparatorModel: v.GetString("tools.separator_model"),
			Waveform:       v.GetString("tools.waveform"),
			Whisper:        v.GetString("tools.whisper"),
			WhisperModel:   v.GetString("tools.whisper_model"),
			Downloader:     v.GetString("tools.downloader"),
			FFmpeg:         v.GetString("tools.ffmpeg"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("server.body_limit_mb", "BODY_LIMIT_MB")
	_ = v.BindEnv("log.file", "LOG_FILE")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("redis.enabled", "REDIS_ENABLED")
	_ = v.BindEnv("auth.enabled", "AUTH_ENABLED")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("ratelimit.process_per_hour", "RATELIMIT_PROCESS_PER_HOUR")
	_ = v.BindEnv("storage.songs_dir", "SONGS_DIR")
	_ = v.BindEnv("storage.temp_dir", "TEMP_DIR")
	_ = v.BindEnv("storage.catalog_path", "CATALOG_PATH")
	_ = v.BindEnv("pipeline.max_concurrent_jobs", "MAX_CONCURRENT_JOBS")
	_ = v.BindEnv("pipeline.job_ttl", "JOB_TTL")
	_ = v.BindEnv("pipeline.caption_max_bytes", "CAPTION_MAX_BYTES")
	_ = v.BindEnv("pipeline.allowed_sources", "ALLOWED_SOURCES")
	_ = v.BindEnv("tools.demucs", "DEMUCS_BIN")
	_ = v.BindEnv("tools.demucs_model", "DEMUCS_MODEL")
	_ = v.BindEnv("tools.separator", "SEPARATOR_BIN")
	_ = v.BindEnv("tools.separator_model", "SEPARATOR_MODEL")
	_ = v.BindEnv("tools.waveform", "AUDIOWAVEFORM_BIN")
	_ = v.BindEnv("tools.whisper", "WHISPER_BIN")
	_ = v.BindEnv("tools.whisper_model", "WHISPER_MODEL")
	_ = v.BindEnv("tools.downloader", "YTDLP_BIN")
	_ = v.BindEnv("tools.ffmpeg", "FFMPEG_BIN")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.public_url", "R2_PUBLIC_URL")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "3000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.body_limit_mb", 200)
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.compress", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("ratelimit.process_per_hour", 20)

	v.SetDefault("storage.songs_dir", "./data/songs")
	v.SetDefault("storage.temp_dir", "./data/tmp")
	v.SetDefault("storage.catalog_path", "./data/catalog.db")

	v.SetDefault("pipeline.max_concurrent_jobs", 2)
	v.SetDefault("pipeline.job_ttl", time.Hour)
	v.SetDefault("pipeline.caption_max_bytes", 25*1024*1024)
	v.SetDefault("pipeline.allowed_sources", []string{
		`^https?://(www\.|m\.|music\.)?youtube\.com/`,
		`^https?://youtu\.be/`,
	})

	v.SetDefault("tools.demucs", "demucs")
	v.SetDefault("tools.demucs_model", "htdemucs")
	v.SetDefault("tools.separator", "audio-separator")
	v.SetDefault("tools.separator_model", "UVR-MDX-NET-Inst_HQ_3.onnx")
	v.SetDefault("tools.waveform", "audiowaveform")
	v.SetDefault("tools.whisper", "whisper-cli")
	v.SetDefault("tools.whisper_model", "models/ggml-base.bin")
	v.SetDefault("tools.downloader", "yt-dlp")
	v.SetDefault("tools.ffmpeg", "ffmpeg")
}

// Validate checks settings the pipeline cannot run without.
func (c *Config) Validate() error {
	if c.Pipeline.MaxConcurrentJobs < 1 {
		return fmt.Errorf("pipeline.max_concurrent_jobs must be at least 1, got %d", c.Pipeline.MaxConcurrentJobs)
	}
	if strings.TrimSpace(c.Storage.SongsDir) == "" {
		return fmt.Errorf("storage.songs_dir is required")
	}
	if c.Pipeline.CaptionMaxBytes <= 0 {
		return fmt.Errorf("pipeline.caption_max_bytes must be positive")
	}
	for _, pattern := range c.Pipeline.AllowedSources {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("pipeline.allowed_sources: invalid pattern %q: %w", pattern, err)
		}
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt.secret is required when auth is enabled")
	}
	return nil
}

// EnsureDirectories creates the song, temp and catalog directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Storage.SongsDir, c.Storage.TempDir}
	if c.Storage.CatalogPath != "" {
		dirs = append(dirs, dirOf(c.Storage.CatalogPath))
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func dirOf(path string) string {
	i := strings.LastIndexAny(path, `/\`)
	if i < 0 {
		return "."
	}
	return path[:i]
}
