package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the onboarding control plane.
type Config struct {
	Port       int
	Version    string
	DataDir    string
	LogLevel   string
	PolicyFile string

	Telemetry     TelemetryConfig
	Auth          AuthConfig
	Orchestration OrchestrationConfig
	Thresholds    Thresholds
	Recovery      RecoveryConfig
	Audit         AuditConfig
	Notify        NotifyConfig
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type AuthConfig struct {
	// APIKeys enables API key auth when non-empty.
	APIKeys      []string
	APIKeyHeader string
}

type OrchestrationConfig struct {
	AgentTimeout   time.Duration
	DefaultPattern string
	MaxDepth       int
}

// Thresholds is the single table every quality and pipeline gate reads.
type Thresholds struct {
	Quality          float64 `yaml:"quality_threshold"`    // overall quality ≥ this proceeds
	HardFloor        float64 `yaml:"hard_floor"`           // overall quality < this mandates error handling
	PipelineMajority int     `yaml:"pipeline_majority"`    // stages that must succeed
	MinSources       int     `yaml:"min_sources"`          // successful data sources for validation
	SourceScoreMin   float64 `yaml:"source_score_minimum"` // per-source score for validation
}

// DefaultThresholds returns the stock gate values.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Quality:          70,
		HardFloor:        30,
		PipelineMajority: 2,
		MinSources:       2,
		SourceScoreMin:   50,
	}
}

type RecoveryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type AuditConfig struct {
	// Sink is "memory" or "sqlite".
	Sink string
	Path string
}

type NotifyConfig struct {
	WebhookURL    string
	WebhookSecret string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	dataDir := envStr("ONBOARDING_DATA_DIR", defaultDataDir())
	def := DefaultThresholds()
	return &Config{
		Port:       envInt("ONBOARDING_PORT", 8080),
		Version:    envStr("ONBOARDING_VERSION", "0.1.0"),
		DataDir:    dataDir,
		LogLevel:   envStr("LOG_LEVEL", "info"),
		PolicyFile: envStr("ONBOARDING_POLICY_FILE", ""),
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "onboarding-control-plane"),
		},
		Auth: AuthConfig{
			APIKeys:      envList("ONBOARDING_API_KEYS"),
			APIKeyHeader: envStr("AUTH_API_KEY_HEADER", "X-API-Key"),
		},
		Orchestration: OrchestrationConfig{
			AgentTimeout:   envDuration("AGENT_TIMEOUT", 30*time.Second),
			DefaultPattern: envStr("ORCHESTRATION_PATTERN", "concurrent_data_collection"),
			MaxDepth:       envInt("STATE_MAX_DEPTH", 32),
		},
		Thresholds: Thresholds{
			Quality:          envFloat("QUALITY_THRESHOLD", def.Quality),
			HardFloor:        envFloat("QUALITY_HARD_FLOOR", def.HardFloor),
			PipelineMajority: envInt("PIPELINE_MAJORITY", def.PipelineMajority),
			MinSources:       envInt("MIN_SUCCESSFUL_SOURCES", def.MinSources),
			SourceScoreMin:   envFloat("SOURCE_SCORE_MINIMUM", def.SourceScoreMin),
		},
		Recovery: RecoveryConfig{
			MaxAttempts:     envInt("RECOVERY_MAX_ATTEMPTS", 3),
			InitialInterval: envDuration("RECOVERY_INITIAL_INTERVAL", 500*time.Millisecond),
			MaxInterval:     envDuration("RECOVERY_MAX_INTERVAL", 5*time.Second),
		},
		Audit: AuditConfig{
			Sink: envStr("AUDIT_SINK", "memory"),
			Path: envStr("AUDIT_DB_PATH", ""),
		},
		Notify: NotifyConfig{
			WebhookURL:    envStr("NOTIFY_WEBHOOK_URL", ""),
			WebhookSecret: envStr("NOTIFY_WEBHOOK_SECRET", ""),
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".onboarding")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// envList splits a comma-separated variable, dropping blanks.
func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
