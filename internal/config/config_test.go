package config

import (
	"reflect"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/veo")
	t.Setenv("SUPABASE_URL", "https://example.supabase.co")
	t.Setenv("SUPABASE_SERVICE_KEY", "service")
	t.Setenv("GEMINI_API_KEY", "key-a")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.APIPort != "8080" || !cfg.WorkerEnabled || cfg.SupabaseStorageBucket != "veo-clips" {
		t.Errorf("unexpected server defaults %+v", cfg)
	}
	if cfg.KeyCooldown != 8*time.Second || cfg.KeyRateLimit != 300*time.Second {
		t.Errorf("unexpected key timings %v %v", cfg.KeyCooldown, cfg.KeyRateLimit)
	}
	if cfg.MaxRetriesPerClip != 5 || cfg.MaxRateLimitRetries != 3 || cfg.MaxSubmitRetries != 15 || cfg.ParallelClips != 6 {
		t.Errorf("unexpected generation defaults %+v", cfg)
	}
	if cfg.AspectRatio != "9:16" || cfg.DurationSeconds != 8 || cfg.VeoModel != "veo-3.1-fast-generate-preview" {
		t.Errorf("unexpected video defaults %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("KEY_COOLDOWN_SECONDS", "1.5")
	t.Setenv("PARALLEL_CLIPS", "3")
	t.Setenv("VALIDATE_KEYS_ON_START", "true")
	t.Setenv("RESERVE_KEYS_PER_JOB", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.KeyCooldown != 1500*time.Millisecond || cfg.ParallelClips != 3 || !cfg.ValidateKeysOnStart {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.ReserveKeysPerJob != 0 {
		t.Errorf("invalid int should fall back to the default, got %d", cfg.ReserveKeysPerJob)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing database", map[string]string{"DATABASE_URL": ""}},
		{"missing supabase", map[string]string{"SUPABASE_SERVICE_KEY": ""}},
		{"no gemini keys", map[string]string{"GEMINI_API_KEY": "your-key-here"}},
		{"bad aspect ratio", map[string]string{"VIDEO_ASPECT_RATIO": "4:3"}},
		{"short clips", map[string]string{"VIDEO_DURATION_SECONDS": "1"}},
		{"bad resolution", map[string]string{"VIDEO_RESOLUTION": "4k"}},
		{"zero cooldown", map[string]string{"KEY_COOLDOWN_SECONDS": "0"}},
		{"zero rate limit window", map[string]string{"KEY_RATE_LIMIT_SECONDS": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestLoadWithoutWorkerNeedsNoKeys(t *testing.T) {
	setRequired(t)
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("WORKER_ENABLED", "false")

	if _, err := Load(); err != nil {
		t.Errorf("API-only process should not need keys: %v", err)
	}
}

func TestGeminiKeys(t *testing.T) {
	environ := []string{
		"PATH=/usr/bin",
		"GEMINI_KEY_2=key-b",
		"GEMINI_API_KEY=key-a",
		"GOOGLE_API_KEY=key-c",
		"GEMINI_KEY_1=key-a",
		"GEMINI_KEY_3=your-gemini-key",
		"GEMINI_KEY_4=",
		"OTHER_GEMINI_KEY=ignored",
	}

	got := geminiKeys(environ)
	want := []string{"key-a", "key-b", "key-c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("geminiKeys = %v, want %v", got, want)
	}
}
