package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Pipeline.MaxConcurrentJobs != 2 {
		t.Errorf("expected 2 concurrent jobs, got %d", cfg.Pipeline.MaxConcurrentJobs)
	}
	if cfg.Pipeline.JobTTL != time.Hour {
		t.Errorf("expected 1h ttl, got %s", cfg.Pipeline.JobTTL)
	}
	if cfg.Pipeline.CaptionMaxBytes != 25*1024*1024 {
		t.Errorf("unexpected caption limit %d", cfg.Pipeline.CaptionMaxBytes)
	}
	if len(cfg.Pipeline.AllowedSources) == 0 {
		t.Error("expected default allowed sources")
	}
	if cfg.Tools.Demucs != "demucs" || cfg.Tools.Downloader != "yt-dlp" {
		t.Errorf("unexpected tool defaults %+v", cfg.Tools)
	}
	if cfg.R2.Enabled() {
		t.Error("R2 should be disabled without credentials")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MAX_CONCURRENT_JOBS", "4")
	t.Setenv("SONGS_DIR", "/srv/songs")
	t.Setenv("JOB_TTL", "30m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Pipeline.MaxConcurrentJobs != 4 {
		t.Errorf("expected 4, got %d", cfg.Pipeline.MaxConcurrentJobs)
	}
	if cfg.Storage.SongsDir != "/srv/songs" {
		t.Errorf("expected /srv/songs, got %s", cfg.Storage.SongsDir)
	}
	if cfg.Pipeline.JobTTL != 30*time.Minute {
		t.Errorf("expected 30m, got %s", cfg.Pipeline.JobTTL)
	}
}

func TestLoadReadsSecretFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	secret := filepath.Join(dir, "jwt")
	if err := os.WriteFile(secret, []byte("s3cret\n"), 0o600); err != nil {
		t.Fatalf("write secret: %v", err)
	}
	t.Setenv("JWT_SECRET", "")
	t.Setenv("JWT_SECRET_FILE", secret)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Auth.JWTSecret != "s3cret" {
		t.Errorf("expected secret from file, got %q", cfg.Auth.JWTSecret)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Storage:  StorageConfig{SongsDir: "songs"},
			Pipeline: PipelineConfig{MaxConcurrentJobs: 1, CaptionMaxBytes: 1},
		}
	}
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"zero workers", func(c *Config) { c.Pipeline.MaxConcurrentJobs = 0 }, true},
		{"no songs dir", func(c *Config) { c.Storage.SongsDir = " " }, true},
		{"bad pattern", func(c *Config) { c.Pipeline.AllowedSources = []string{"("} }, true},
		{"auth without secret", func(c *Config) { c.Auth.Enabled = true }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
