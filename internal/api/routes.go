package api

import (
	"net/http"

	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter registers every route and wraps the mux with CORS and ErrorHandler.
func NewRouter(d *Deps) http.Handler {
	mux := http.NewServeMux()
	limiter := NewRateLimiter(d.RateLimit, d.TrustedProxies...)
	var checker AccountChecker
	if d.Accounts != nil {
		checker = d.Accounts
	}
	auth := func(h http.HandlerFunc) http.HandlerFunc { return RequireAuth(d.Tokens, checker, h) }

	mux.HandleFunc("POST /generate", auth(limiter.Middleware("/generate", d.handleGenerate)))
	mux.HandleFunc("GET /download/{id}", auth(d.handleDownload))
	mux.HandleFunc("GET /artifacts", auth(d.handleListArtifacts))
	mux.HandleFunc("GET /entitlement", auth(d.handleEntitlement))
	mux.HandleFunc("GET /plans", d.handlePlans)

	mux.HandleFunc("POST /signup", limiter.Middleware("/signup", d.handleSignup))
	mux.HandleFunc("POST /login", limiter.Middleware("/login", d.handleLogin))
	mux.HandleFunc("POST /reset-password", auth(d.handleResetPassword))
	mux.HandleFunc("POST /account/close", auth(d.handleCloseAccount))

	if d.Webhooks != nil {
		// Stripe retries aggressively; limit per source IP but generously.
		webhookLimiter := NewRateLimiter(max(d.RateLimit*10, 300), d.TrustedProxies...)
		mux.Handle("/webhooks/stripe", webhookLimiter.Middleware("/webhooks/stripe", d.Webhooks.ServeHTTP))
	}

	mux.HandleFunc("GET /healthz", d.handleHealthz)
	mux.HandleFunc("GET /readyz", d.handleReadyz)
	mux.Handle("GET /metrics", promhttp.Handler())

	var handler http.Handler = mux
	if len(d.CORSOrigins) > 0 {
		handler = cors.Handler(cors.Options{
			AllowedOrigins:   d.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"Content-Disposition", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		})(handler)
	}
	return ErrorHandler(handler)
}
