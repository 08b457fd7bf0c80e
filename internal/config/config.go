package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Supabase
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	// Gemini API keys used for Veo, in pool order
	GeminiKeys []string

	// Veo
	VeoModel         string
	AspectRatio      string
	Resolution       string
	DurationSeconds  int
	PersonGeneration string

	// OpenAI (optional prompt enrichment)
	OpenAIKey   string
	OpenAIModel string

	// Key pool
	KeyCooldown         time.Duration
	KeyRateLimit        time.Duration
	ReserveKeysPerJob   int
	ValidateKeysOnStart bool

	// Clip generation
	MaxRetriesPerClip   int
	MaxRateLimitRetries int
	MaxSubmitRetries    int
	MaxImageAttempts    int
	PollInterval        time.Duration
	ParallelClips       int

	// Worker
	MaxConcurrentJobs int
	ResumeInterval    time.Duration
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:               getEnv("API_PORT", "8080"),
		WorkerEnabled:         getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:         getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:    getEnv("CORS_ALLOWED_ORIGINS", ""),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		RedisURL:              getEnv("REDIS_URL", "redis://localhost:6379"),
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "veo-clips"),
		GeminiKeys:            geminiKeys(os.Environ()),
		VeoModel:              getEnv("VEO_MODEL", "veo-3.1-fast-generate-preview"),
		AspectRatio:           getEnv("VIDEO_ASPECT_RATIO", "9:16"),
		Resolution:            getEnv("VIDEO_RESOLUTION", "720p"),
		DurationSeconds:       getEnvInt("VIDEO_DURATION_SECONDS", 8),
		PersonGeneration:      getEnv("PERSON_GENERATION", "allow_adult"),
		OpenAIKey:             getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:           getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		KeyCooldown:           getEnvSeconds("KEY_COOLDOWN_SECONDS", 8*time.Second),
		KeyRateLimit:          getEnvSeconds("KEY_RATE_LIMIT_SECONDS", 300*time.Second),
		ReserveKeysPerJob:     getEnvInt("RESERVE_KEYS_PER_JOB", 0),
		ValidateKeysOnStart:   getEnvBool("VALIDATE_KEYS_ON_START", false),
		MaxRetriesPerClip:     getEnvInt("MAX_RETRIES_PER_CLIP", 5),
		MaxRateLimitRetries:   getEnvInt("MAX_RATE_LIMIT_RETRIES", 3),
		MaxSubmitRetries:      getEnvInt("MAX_SUBMIT_RETRIES", 15),
		MaxImageAttempts:      getEnvInt("MAX_IMAGE_ATTEMPTS", 10),
		PollInterval:          getEnvSeconds("POLL_INTERVAL_SECONDS", 10*time.Second),
		ParallelClips:         getEnvInt("PARALLEL_CLIPS", 6),
		MaxConcurrentJobs:     getEnvInt("MAX_CONCURRENT_JOBS", 2),
		ResumeInterval:        getEnvSeconds("RESUME_CHECK_SECONDS", 30*time.Second),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.SupabaseURL == "" || cfg.SupabaseServiceKey == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required")
	}

	if cfg.WorkerEnabled && len(cfg.GeminiKeys) == 0 {
		return nil, fmt.Errorf("at least one GEMINI_API_KEY (or GEMINI_KEY_*, GOOGLE_API_KEY*) is required")
	}

	if cfg.AspectRatio != "9:16" && cfg.AspectRatio != "16:9" {
		return nil, fmt.Errorf("VIDEO_ASPECT_RATIO must be 9:16 or 16:9, got %q", cfg.AspectRatio)
	}

	if cfg.Resolution != "720p" && cfg.Resolution != "1080p" {
		return nil, fmt.Errorf("VIDEO_RESOLUTION must be 720p or 1080p, got %q", cfg.Resolution)
	}

	if cfg.DurationSeconds < 2 {
		return nil, fmt.Errorf("VIDEO_DURATION_SECONDS must be at least 2, got %d", cfg.DurationSeconds)
	}

	// The key pool treats a zero window as "use the default", so zero is
	// rejected here rather than silently replaced.
	if cfg.KeyCooldown <= 0 {
		return nil, fmt.Errorf("KEY_COOLDOWN_SECONDS must be greater than 0")
	}
	if cfg.KeyRateLimit <= 0 {
		return nil, fmt.Errorf("KEY_RATE_LIMIT_SECONDS must be greater than 0")
	}

	return cfg, nil
}

var keyVarPrefixes = []string{"GEMINI_API_KEY", "GEMINI_KEY", "GOOGLE_API_KEY"}

// geminiKeys collects API keys from every variable whose name starts with
// one of keyVarPrefixes, ordered by variable name. Duplicates and
// placeholder values are skipped.
func geminiKeys(environ []string) []string {
	type kv struct{ name, value string }
	var vars []kv
	for _, e := range environ {
		name, value, ok := strings.Cut(e, "=")
		if !ok {
			continue
		}
		for _, p := range keyVarPrefixes {
			if strings.HasPrefix(name, p) {
				vars = append(vars, kv{name, strings.TrimSpace(value)})
				break
			}
		}
	}
	sort.Slice(vars, func(i, j int) bool { return vars[i].name < vars[j].name })

	seen := make(map[string]bool)
	var keys []string
	for _, v := range vars {
		if v.value == "" || strings.HasPrefix(strings.ToLower(v.value), "your-") || seen[v.value] {
			continue
		}
		seen[v.value] = true
		keys = append(keys, v.value)
	}
	return keys
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvSeconds reads a whole or fractional number of seconds.
func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil && f >= 0 {
			return time.Duration(f * float64(time.Second))
		}
	}
	return defaultValue
}
