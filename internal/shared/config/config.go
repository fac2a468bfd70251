package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Rate limit identity modes
const (
	IdentityAPIKey     = "api_key"
	IdentityIP         = "ip"
	IdentityAPIKeyOrIP = "api_key_or_ip"
)

// Upstream provider names
const (
	ProviderWebAI      = "webai"
	ProviderAggregator = "aggregator"
)

const defaultRoutingModel = "gemini-2.0-flash"

// Config holds all configuration for the gateway
type Config struct {
	// Server
	Port           string
	Env            string
	LogLevel       string
	RequestTimeout time.Duration
	AllowedOrigins []string

	// Database (optional, enables request/chain logging and DB-backed API keys)
	DatabaseURL string

	// Redis (optional, enables response cache, session history and credential persistence)
	RedisURL string

	// Auth
	AuthEnabled bool
	APIKeys     []string
	AdminAPIKey string

	// Providers
	DefaultProvider   string
	FailoverEnabled   bool
	WebAIEnabled      bool
	WebAIBaseURL      string
	AggregatorEnabled bool
	AggregatorBaseURL string
	AggregatorAPIKey  string
	ProviderTimeout   time.Duration
	StreamingEnabled  bool

	// Browser-session credentials
	CookiePSID           string
	CookiePSIDTS         string
	CookieFile           string
	CookieTTL            time.Duration
	CookieRefreshLead    time.Duration
	CookieCheckInterval  time.Duration
	CookieRenewAttempts  int
	CookieRetryInterval  time.Duration
	CookieBackoffInitial time.Duration
	CookieBackoffMax     time.Duration

	// Rate Limiting
	RateLimitEnabled  bool
	RateLimit         int
	RateLimitWindow   time.Duration
	RateLimitIdentity string
	TrustForwardedFor bool

	// Chains
	DefaultModel string
	TaskTimeout  time.Duration
	RoutingFile  string
	Routing      *RoutingFile

	// Caching
	CacheTTLSeconds int
	CacheEnabled    bool

	// Sessions
	SessionTTL        time.Duration
	SessionMaxHistory int

	// OpenTelemetry
	OTelEnabled     bool
	OTelEndpoint    string
	OTelInsecure    bool
	OTelServiceName string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", "6969"),
		Env:            getEnv("ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 120*time.Second),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"*"}),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		AuthEnabled: getEnvBool("API_AUTH_ENABLED", true),
		APIKeys:     getEnvList("API_KEYS", nil),
		AdminAPIKey: getEnv("ADMIN_API_KEY", ""),

		DefaultProvider:   getEnv("DEFAULT_PROVIDER", ProviderWebAI),
		FailoverEnabled:   getEnvBool("FAILOVER_ENABLED", true),
		WebAIEnabled:      getEnvBool("GEMINI_ENABLED", true),
		WebAIBaseURL:      getEnv("WEBAI_BASE_URL", "http://localhost:6970"),
		AggregatorEnabled: getEnvBool("AGGREGATOR_ENABLED", true),
		AggregatorBaseURL: getEnv("AGGREGATOR_BASE_URL", "http://localhost:1337/v1"),
		AggregatorAPIKey:  getEnv("AGGREGATOR_API_KEY", ""),
		ProviderTimeout:   getEnvDuration("PROVIDER_TIMEOUT", 90*time.Second),
		StreamingEnabled:  getEnvBool("STREAMING_ENABLED", true),

		CookiePSID:           getEnv("GEMINI_COOKIE_1PSID", ""),
		CookiePSIDTS:         getEnv("GEMINI_COOKIE_1PSIDTS", ""),
		CookieFile:           getEnv("COOKIE_FILE", ""),
		CookieTTL:            getEnvDuration("COOKIE_TTL", 12*time.Hour),
		CookieRefreshLead:    getEnvDuration("COOKIE_REFRESH_LEAD", 30*time.Minute),
		CookieCheckInterval:  getEnvDuration("COOKIE_CHECK_INTERVAL", time.Minute),
		CookieRenewAttempts:  getEnvInt("COOKIE_RENEW_ATTEMPTS", 3),
		CookieRetryInterval:  getEnvDuration("COOKIE_RETRY_INTERVAL", 2*time.Second),
		CookieBackoffInitial: getEnvDuration("COOKIE_BACKOFF_INITIAL", 30*time.Second),
		CookieBackoffMax:     getEnvDuration("COOKIE_BACKOFF_MAX", 30*time.Minute),

		RateLimitEnabled:  getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimit:         getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
		RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		RateLimitIdentity: strings.ToLower(getEnv("RATE_LIMIT_IDENTITY", "")),
		TrustForwardedFor: getEnvBool("TRUST_FORWARDED_FOR", false),

		DefaultModel: getEnv("GEMINI_DEFAULT_MODEL", defaultRoutingModel),
		TaskTimeout:  getEnvDuration("CHAIN_TASK_TIMEOUT", 60*time.Second),
		RoutingFile:  getEnv("ROUTING_CONFIG", ""),

		CacheTTLSeconds: getEnvInt("CACHE_TTL_SECONDS", 3600),
		CacheEnabled:    getEnvBool("CACHE_ENABLED", false),

		SessionTTL:        getEnvDuration("SESSION_TTL", 24*time.Hour),
		SessionMaxHistory: getEnvInt("SESSION_MAX_HISTORY", 50),

		OTelEnabled:     getEnvBool("OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
		OTelInsecure:    getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		OTelServiceName: getEnv("OTEL_SERVICE_NAME", "webai-gateway"),
	}

	if cfg.RoutingFile != "" {
		routing, err := LoadRoutingFile(cfg.RoutingFile)
		if err != nil {
			return nil, err
		}
		cfg.Routing = routing
		if routing.DefaultModel != "" {
			cfg.DefaultModel = routing.DefaultModel
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports configuration errors that must stop startup.
func (c *Config) Validate() error {
	if c.RateLimitEnabled {
		if c.RateLimit <= 0 {
			return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive, got %d", c.RateLimit)
		}
		if c.RateLimitWindow <= 0 {
			return fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %s", c.RateLimitWindow)
		}
		switch c.RateLimitIdentity {
		case IdentityAPIKey, IdentityIP, IdentityAPIKeyOrIP:
		case "":
			return fmt.Errorf("RATE_LIMIT_IDENTITY is required when rate limiting is enabled (%s, %s or %s)",
				IdentityAPIKey, IdentityIP, IdentityAPIKeyOrIP)
		default:
			return fmt.Errorf("invalid RATE_LIMIT_IDENTITY %q", c.RateLimitIdentity)
		}
	}

	switch c.DefaultProvider {
	case ProviderWebAI, ProviderAggregator:
	default:
		return fmt.Errorf("invalid DEFAULT_PROVIDER %q (webai or aggregator)", c.DefaultProvider)
	}

	if !c.WebAIEnabled && !c.AggregatorEnabled {
		return fmt.Errorf("at least one provider must be enabled (GEMINI_ENABLED or AGGREGATOR_ENABLED)")
	}

	if c.CookieRenewAttempts <= 0 {
		return fmt.Errorf("COOKIE_RENEW_ATTEMPTS must be positive, got %d", c.CookieRenewAttempts)
	}
	if c.CookieRefreshLead >= c.CookieTTL {
		return fmt.Errorf("COOKIE_REFRESH_LEAD (%s) must be shorter than COOKIE_TTL (%s)", c.CookieRefreshLead, c.CookieTTL)
	}

	return nil
}

// Cookies returns the browser-session cookies supplied through the environment.
func (c *Config) Cookies() map[string]string {
	cookies := make(map[string]string)
	if c.CookiePSID != "" {
		cookies["__Secure-1PSID"] = c.CookiePSID
	}
	if c.CookiePSIDTS != "" {
		cookies["__Secure-1PSIDTS"] = c.CookiePSIDTS
	}
	return cookies
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
