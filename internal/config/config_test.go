package config

import (
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DECKFORGE_DATA_DIR", "/var/lib/deckforge")
	t.Setenv("DECKFORGE_AI_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("DECKFORGE_BASE_URL", "https://decks.example.com/")
	t.Setenv("DECKFORGE_TRUSTED_PROXY_CIDRS", "")
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 0, cfg.MetricsPort)
	assert.Equal(t, "https://decks.example.com", cfg.BaseURL)
	assert.Equal(t, "gpt-4o-mini", cfg.AIModel)
	assert.Equal(t, "sk-test", cfg.AIAPIKey)
	assert.Equal(t, 60*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, 150*time.Second, cfg.PipelineTimeout)
	assert.False(t, cfg.RegenerateOnMalformed)
	assert.Equal(t, 3, cfg.FreeQuota)
	assert.Equal(t, 20, cfg.ProQuota)
	assert.Equal(t, 50, cfg.BusinessQuota)
	assert.Equal(t, ArtifactBackendFS, cfg.ArtifactBackend)
	assert.Equal(t, filepath.Join("/var/lib/deckforge", "deckforge.db"), cfg.DatabasePath())
	assert.Equal(t, filepath.Join("/var/lib/deckforge", "artifacts"), cfg.ArtifactsDir())
	assert.Empty(t, cfg.TrustedProxies)
}

func TestLoadOverrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("DECKFORGE_AI_PROVIDER", "Anthropic")
	t.Setenv("ANTHROPIC_API_KEY", "ak-test")
	t.Setenv("DECKFORGE_PROVIDER_TIMEOUT", "45")
	t.Setenv("DECKFORGE_PIPELINE_TIMEOUT", "2m")
	t.Setenv("DECKFORGE_REGENERATE_ON_MALFORMED", "true")
	t.Setenv("DECKFORGE_PRO_QUOTA", "-1")
	t.Setenv("DECKFORGE_CORS_ORIGINS", "https://a.example.com, ,https://b.example.com")
	t.Setenv("STRIPE_PRICE_PRO", "price_pro")
	t.Setenv("STRIPE_PRICE_BUSINESS", "price_biz")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, AIProviderAnthropic, cfg.AIProvider)
	assert.Equal(t, "ak-test", cfg.AIAPIKey)
	assert.Equal(t, "claude-3-5-haiku-latest", cfg.AIModel)
	assert.Equal(t, 45*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, 2*time.Minute, cfg.PipelineTimeout)
	assert.True(t, cfg.RegenerateOnMalformed)
	assert.Equal(t, -1, cfg.ProQuota)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSOrigins)
	assert.Equal(t, map[string]string{"price_pro": "pro", "price_biz": "business"}, cfg.PriceTiers())
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "missing provider key",
			env:     map[string]string{"OPENAI_API_KEY": ""},
			wantErr: "OPENAI_API_KEY",
		},
		{
			name:    "unknown provider",
			env:     map[string]string{"DECKFORGE_AI_PROVIDER": "gemini"},
			wantErr: "DECKFORGE_AI_PROVIDER",
		},
		{
			name:    "bad port",
			env:     map[string]string{"DECKFORGE_PORT": "70000"},
			wantErr: "DECKFORGE_PORT",
		},
		{
			name:    "non integer quota",
			env:     map[string]string{"DECKFORGE_FREE_QUOTA": "three"},
			wantErr: "DECKFORGE_FREE_QUOTA must be a valid integer",
		},
		{
			name:    "pipeline shorter than provider",
			env:     map[string]string{"DECKFORGE_PROVIDER_TIMEOUT": "60s", "DECKFORGE_PIPELINE_TIMEOUT": "10s"},
			wantErr: "DECKFORGE_PIPELINE_TIMEOUT",
		},
		{
			name:    "s3 without bucket",
			env:     map[string]string{"DECKFORGE_ARTIFACT_BACKEND": "s3"},
			wantErr: "DECKFORGE_S3_BUCKET",
		},
		{
			name:    "bad trusted proxy",
			env:     map[string]string{"DECKFORGE_TRUSTED_PROXY_CIDRS": "10.0.0.0/8,proxy.internal"},
			wantErr: "DECKFORGE_TRUSTED_PROXY_CIDRS",
		},
		{
			name:    "base url without scheme",
			env:     map[string]string{"DECKFORGE_BASE_URL": "decks.example.com"},
			wantErr: "DECKFORGE_BASE_URL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBaseEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadTrustedProxies(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("DECKFORGE_TRUSTED_PROXY_CIDRS", "10.1.2.3/8, 192.0.2.10 ,2001:db8::/32")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.0.2.10/32"),
		netip.MustParsePrefix("2001:db8::/32"),
	}, cfg.TrustedProxies)
}

func TestOllamaNeedsNoKey(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("DECKFORGE_AI_PROVIDER", "ollama")
	t.Setenv("OPENAI_API_KEY", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.AIAPIKey)
	assert.Equal(t, "llama3.1", cfg.AIModel)
}

func TestRequireServerSecrets(t *testing.T) {
	cfg := &Config{}
	err := cfg.RequireServerSecrets()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DECKFORGE_JWT_SECRET")
	assert.Contains(t, err.Error(), "STRIPE_WEBHOOK_SECRET")

	cfg.JWTSecret = "short"
	cfg.StripeWebhookSecret = "whsec_test"
	require.Error(t, cfg.RequireServerSecrets())

	cfg.JWTSecret = "0123456789abcdef0123456789abcdef"
	require.NoError(t, cfg.RequireServerSecrets())
}
