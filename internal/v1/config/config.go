package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port            string
	TokenSecret     string
	MediaWorkerAddr string

	// Token verification (optional static JWK set; no network fetch)
	TokenJWKS string

	// Media worker / RTC settings forwarded to the worker
	AnnouncedIP    string
	RTCMinPort     int
	RTCMaxPort     int
	WorkerLogLevel string

	// Room behavior
	ClientPoliciesJSON  string
	AdminCleanupTimeout time.Duration
	DisconnectGrace     time.Duration
	EmptyRoomTTL        time.Duration
	RecoveryWindow      time.Duration

	// Socket keepalive
	PingInterval time.Duration
	PongTimeout  time.Duration

	// Video quality hint thresholds (participant counts)
	VideoQualityThresholds []int

	// Optional variables with defaults
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
	AllowedOrigins  string

	// Redis (rate-limiter store + readiness probe only; rooms are in-memory)
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Tracing
	OTLPEndpoint string

	// Rate Limits
	RateLimitWsIP     string
	RateLimitWsUser   string
	RateLimitAPIProbe string
}

// ValidateEnv validates all required environment variables and returns a Config object.
// Returns an error listing every violation if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// Required: TOKEN_SECRET (minimum 32 characters) unless a static JWK set is supplied
	cfg.TokenSecret = os.Getenv("TOKEN_SECRET")
	cfg.TokenJWKS = os.Getenv("TOKEN_JWKS")
	if cfg.TokenSecret == "" && cfg.TokenJWKS == "" {
		errs = append(errs, "TOKEN_SECRET or TOKEN_JWKS is required")
	} else if cfg.TokenSecret != "" && len(cfg.TokenSecret) < 32 {
		errs = append(errs, fmt.Sprintf("TOKEN_SECRET must be at least 32 characters (got %d)", len(cfg.TokenSecret)))
	}

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Required: MEDIA_WORKER_ADDR (format: host:port)
	cfg.MediaWorkerAddr = os.Getenv("MEDIA_WORKER_ADDR")
	if cfg.MediaWorkerAddr == "" {
		errs = append(errs, "MEDIA_WORKER_ADDR is required")
	} else if !isValidHostPort(cfg.MediaWorkerAddr) {
		errs = append(errs, fmt.Sprintf("MEDIA_WORKER_ADDR must be in format 'host:port' (got '%s')", cfg.MediaWorkerAddr))
	}

	// RTC port range forwarded to the media worker
	cfg.AnnouncedIP = os.Getenv("ANNOUNCED_IP")
	cfg.RTCMinPort = getEnvInt("RTC_MIN_PORT", 40000, &errs)
	cfg.RTCMaxPort = getEnvInt("RTC_MAX_PORT", 49999, &errs)
	if cfg.RTCMinPort > cfg.RTCMaxPort {
		errs = append(errs, fmt.Sprintf("RTC_MIN_PORT (%d) must not exceed RTC_MAX_PORT (%d)", cfg.RTCMinPort, cfg.RTCMaxPort))
	}
	cfg.WorkerLogLevel = getEnvOrDefault("WORKER_LOG_LEVEL", "warn")

	// Room behavior
	cfg.ClientPoliciesJSON = os.Getenv("CLIENT_POLICIES")
	cfg.AdminCleanupTimeout = getEnvDuration("ADMIN_CLEANUP_TIMEOUT", 120*time.Second, &errs)
	cfg.DisconnectGrace = getEnvDuration("DISCONNECT_GRACE", 15*time.Second, &errs)
	cfg.EmptyRoomTTL = getEnvDuration("EMPTY_ROOM_TTL", 60*time.Second, &errs)
	cfg.RecoveryWindow = getEnvDuration("RECOVERY_WINDOW", 30*time.Second, &errs)

	// Socket keepalive
	cfg.PingInterval = getEnvDuration("PING_INTERVAL", 25*time.Second, &errs)
	cfg.PongTimeout = getEnvDuration("PONG_TIMEOUT", 60*time.Second, &errs)

	// Video quality thresholds: comma-separated participant counts
	cfg.VideoQualityThresholds = parseThresholds(getEnvOrDefault("VIDEO_QUALITY_THRESHOLDS", "4,9,16"), &errs)

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Optional with defaults
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	// Rate Limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "600-M")
	cfg.RateLimitAPIProbe = getEnvOrDefault("RATE_LIMIT_API_PROBE", "100-M")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return cfg, nil
}

// RedactedSummary returns the configuration with secrets redacted, for startup logging.
func (c *Config) RedactedSummary() map[string]string {
	return map[string]string{
		"port":                  c.Port,
		"token_secret":          redactSecret(c.TokenSecret),
		"media_worker_addr":     c.MediaWorkerAddr,
		"announced_ip":          c.AnnouncedIP,
		"rtc_port_range":        fmt.Sprintf("%d-%d", c.RTCMinPort, c.RTCMaxPort),
		"redis_enabled":         strconv.FormatBool(c.RedisEnabled),
		"redis_addr":            c.RedisAddr,
		"go_env":                c.GoEnv,
		"log_level":             c.LogLevel,
		"admin_cleanup_timeout": c.AdminCleanupTimeout.String(),
		"disconnect_grace":      c.DisconnectGrace.String(),
		"empty_room_ttl":        c.EmptyRoomTTL.String(),
	}
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	return parts[0] != ""
}

func parseThresholds(raw string, errs *[]string) []int {
	var out []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 1 {
			*errs = append(*errs, fmt.Sprintf("VIDEO_QUALITY_THRESHOLDS must be positive integers (got '%s')", part))
			return nil
		}
		if len(out) > 0 && n <= out[len(out)-1] {
			*errs = append(*errs, "VIDEO_QUALITY_THRESHOLDS must be strictly increasing")
			return nil
		}
		out = append(out, n)
	}
	return out
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int, errs *[]string) int {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be an integer (got '%s')", key, raw))
		return defaultValue
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration, errs *[]string) time.Duration {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be a duration like '120s' (got '%s')", key, raw))
		return defaultValue
	}
	return d
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
