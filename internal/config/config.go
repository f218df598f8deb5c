package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AI provider identifiers accepted by DECKFORGE_AI_PROVIDER.
const (
	AIProviderOpenAI    = "openai"
	AIProviderAnthropic = "anthropic"
	AIProviderOllama    = "ollama"
	AIProviderDeepSeek  = "deepseek"
)

// Artifact backends accepted by DECKFORGE_ARTIFACT_BACKEND.
const (
	ArtifactBackendFS = "fs"
	ArtifactBackendS3 = "s3"
)

// Config holds all runtime configuration for deckforge.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int
	MetricsPort int // 0 disables the dedicated metrics listener
	BaseURL     string
	DatabaseURL string // empty means SQLite under DataDir
	JWTSecret   string
	LogLevel    string
	LogFormat   string

	AIProvider string
	AIModel    string
	AIBaseURL  string
	AIAPIKey   string

	ProviderTimeout       time.Duration
	PipelineTimeout       time.Duration
	RegenerateOnMalformed bool

	StripeWebhookSecret string
	StripePricePro      string
	StripePriceBusiness string

	FreeQuota     int
	ProQuota      int
	BusinessQuota int

	ArtifactBackend string
	S3Bucket        string
	S3Region        string

	CORSOrigins []string

	// Reverse proxies whose X-Forwarded-For is believed. Empty trusts none.
	TrustedProxies []netip.Prefix

	// Requests per minute allowed per client on /generate and the webhook.
	RateLimitPerMinute int
}

// DatabasePath returns the SQLite file used when DatabaseURL is empty.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "deckforge.db")
}

// ArtifactsDir returns the directory used by the filesystem artifact backend.
func (c *Config) ArtifactsDir() string {
	return filepath.Join(c.DataDir, "artifacts")
}

// PriceTiers maps configured Stripe price ids to plan tiers.
func (c *Config) PriceTiers() map[string]string {
	prices := make(map[string]string, 2)
	if c.StripePricePro != "" {
		prices[c.StripePricePro] = "pro"
	}
	if c.StripePriceBusiness != "" {
		prices[c.StripePriceBusiness] = "business"
	}
	return prices
}

// Load reads configuration from environment variables.
// A .env file is loaded if present but not required.
func Load() (*Config, error) {
	_ = godotenv.Load()

	port, err := envOrDefaultInt("DECKFORGE_PORT", 8080)
	if err != nil {
		return nil, err
	}
	metricsPort, err := envOrDefaultInt("DECKFORGE_METRICS_PORT", 0)
	if err != nil {
		return nil, err
	}
	providerTimeout, err := envOrDefaultDuration("DECKFORGE_PROVIDER_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, err
	}
	pipelineTimeout, err := envOrDefaultDuration("DECKFORGE_PIPELINE_TIMEOUT", 150*time.Second)
	if err != nil {
		return nil, err
	}
	regenerate, err := envOrDefaultBool("DECKFORGE_REGENERATE_ON_MALFORMED", false)
	if err != nil {
		return nil, err
	}
	freeQuota, err := envOrDefaultInt("DECKFORGE_FREE_QUOTA", 3)
	if err != nil {
		return nil, err
	}
	proQuota, err := envOrDefaultInt("DECKFORGE_PRO_QUOTA", 20)
	if err != nil {
		return nil, err
	}
	businessQuota, err := envOrDefaultInt("DECKFORGE_BUSINESS_QUOTA", 50)
	if err != nil {
		return nil, err
	}
	rateLimit, err := envOrDefaultInt("DECKFORGE_RATE_LIMIT_PER_MINUTE", 30)
	if err != nil {
		return nil, err
	}

	trustedProxies, err := parsePrefixes("DECKFORGE_TRUSTED_PROXY_CIDRS", os.Getenv("DECKFORGE_TRUSTED_PROXY_CIDRS"))
	if err != nil {
		return nil, err
	}

	provider := strings.ToLower(envOrDefault("DECKFORGE_AI_PROVIDER", AIProviderOpenAI))

	cfg := &Config{
		DataDir:               envOrDefault("DECKFORGE_DATA_DIR", "./data"),
		BindAddress:           envOrDefault("DECKFORGE_BIND_ADDRESS", "0.0.0.0"),
		Port:                  port,
		MetricsPort:           metricsPort,
		BaseURL:               strings.TrimRight(envOrDefault("DECKFORGE_BASE_URL", fmt.Sprintf("http://localhost:%d", port)), "/"),
		DatabaseURL:           strings.TrimSpace(os.Getenv("DECKFORGE_DATABASE_URL")),
		JWTSecret:             strings.TrimSpace(os.Getenv("DECKFORGE_JWT_SECRET")),
		LogLevel:              envOrDefault("DECKFORGE_LOG_LEVEL", "info"),
		LogFormat:             envOrDefault("DECKFORGE_LOG_FORMAT", "auto"),
		AIProvider:            provider,
		AIModel:               envOrDefault("DECKFORGE_AI_MODEL", defaultModel(provider)),
		AIBaseURL:             strings.TrimSpace(os.Getenv("DECKFORGE_AI_BASE_URL")),
		AIAPIKey:              apiKeyFor(provider),
		ProviderTimeout:       providerTimeout,
		PipelineTimeout:       pipelineTimeout,
		RegenerateOnMalformed: regenerate,
		StripeWebhookSecret:   strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		StripePricePro:        strings.TrimSpace(os.Getenv("STRIPE_PRICE_PRO")),
		StripePriceBusiness:   strings.TrimSpace(os.Getenv("STRIPE_PRICE_BUSINESS")),
		FreeQuota:             freeQuota,
		ProQuota:              proQuota,
		BusinessQuota:         businessQuota,
		ArtifactBackend:       strings.ToLower(envOrDefault("DECKFORGE_ARTIFACT_BACKEND", ArtifactBackendFS)),
		S3Bucket:              strings.TrimSpace(os.Getenv("DECKFORGE_S3_BUCKET")),
		S3Region:              strings.TrimSpace(os.Getenv("DECKFORGE_S3_REGION")),
		CORSOrigins:           splitList(os.Getenv("DECKFORGE_CORS_ORIGINS")),
		RateLimitPerMinute:    rateLimit,
		TrustedProxies:        trustedProxies,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// RequireServerSecrets reports the secrets the HTTP server cannot start without.
// The generate CLI command does not need them.
func (c *Config) RequireServerSecrets() error {
	var missing []string
	if c.JWTSecret == "" {
		missing = append(missing, "DECKFORGE_JWT_SECRET")
	}
	if c.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("DECKFORGE_JWT_SECRET must be at least 32 characters")
	}
	return nil
}

func (c *Config) validate() error {
	var missing []string
	switch c.AIProvider {
	case AIProviderOpenAI, AIProviderDeepSeek:
		if c.AIAPIKey == "" {
			missing = append(missing, "OPENAI_API_KEY")
		}
	case AIProviderAnthropic:
		if c.AIAPIKey == "" {
			missing = append(missing, "ANTHROPIC_API_KEY")
		}
	case AIProviderOllama:
	default:
		return fmt.Errorf("DECKFORGE_AI_PROVIDER must be one of openai, anthropic, ollama, deepseek; got %q", c.AIProvider)
	}
	if c.ArtifactBackend == ArtifactBackendS3 && c.S3Bucket == "" {
		missing = append(missing, "DECKFORGE_S3_BUCKET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("DECKFORGE_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("DECKFORGE_METRICS_PORT must be between 0 and 65535, got %d", c.MetricsPort)
	}
	if c.MetricsPort != 0 && c.MetricsPort == c.Port {
		return fmt.Errorf("DECKFORGE_METRICS_PORT must differ from DECKFORGE_PORT")
	}
	if c.ArtifactBackend != ArtifactBackendFS && c.ArtifactBackend != ArtifactBackendS3 {
		return fmt.Errorf("DECKFORGE_ARTIFACT_BACKEND must be fs or s3, got %q", c.ArtifactBackend)
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("DECKFORGE_PROVIDER_TIMEOUT must be greater than 0")
	}
	if c.PipelineTimeout < c.ProviderTimeout {
		return fmt.Errorf("DECKFORGE_PIPELINE_TIMEOUT (%s) must not be shorter than DECKFORGE_PROVIDER_TIMEOUT (%s)", c.PipelineTimeout, c.ProviderTimeout)
	}
	for key, quota := range map[string]int{
		"DECKFORGE_FREE_QUOTA":     c.FreeQuota,
		"DECKFORGE_PRO_QUOTA":      c.ProQuota,
		"DECKFORGE_BUSINESS_QUOTA": c.BusinessQuota,
	} {
		if quota < -1 {
			return fmt.Errorf("%s must be -1 (unlimited) or a non-negative integer, got %d", key, quota)
		}
	}
	if c.RateLimitPerMinute < 1 {
		return fmt.Errorf("DECKFORGE_RATE_LIMIT_PER_MINUTE must be greater than 0, got %d", c.RateLimitPerMinute)
	}

	parsedBaseURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("DECKFORGE_BASE_URL must be a valid URL: %w", err)
	}
	if parsedBaseURL.Scheme != "http" && parsedBaseURL.Scheme != "https" {
		return fmt.Errorf("DECKFORGE_BASE_URL must use http or https scheme")
	}
	if parsedBaseURL.Host == "" {
		return fmt.Errorf("DECKFORGE_BASE_URL must include a host")
	}
	return nil
}

// parsePrefixes reads a comma separated list of CIDRs. A bare address is a
// single-host prefix.
func parsePrefixes(key, value string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, item := range splitList(value) {
		if prefix, err := netip.ParsePrefix(item); err == nil {
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid CIDR or address %q", key, item)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

func defaultModel(provider string) string {
	switch provider {
	case AIProviderAnthropic:
		return "claude-3-5-haiku-latest"
	case AIProviderOllama:
		return "llama3.1"
	case AIProviderDeepSeek:
		return "deepseek-chat"
	default:
		return "gpt-4o-mini"
	}
}

func apiKeyFor(provider string) string {
	switch provider {
	case AIProviderAnthropic:
		return strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	case AIProviderOllama:
		return ""
	default:
		return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a valid boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}

// envOrDefaultDuration accepts Go durations ("90s") or bare seconds ("90").
func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration (e.g. 90s): %w", key, err)
	}
	return d, nil
}
