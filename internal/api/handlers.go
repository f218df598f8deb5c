package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/rcourtman/deckforge/internal/accounts"
	"github.com/rcourtman/deckforge/internal/artifact"
	"github.com/rcourtman/deckforge/internal/completion"
	"github.com/rcourtman/deckforge/internal/entitlement"
	"github.com/rcourtman/deckforge/internal/logging"
	"github.com/rcourtman/deckforge/internal/pipeline"
)

const maxJSONBody = 64 * 1024

// Generator runs the generation pipeline. An empty source means the deck is
// drafted from the topic alone.
type Generator interface {
	GenerateFromSource(ctx context.Context, userID, topic, source string) (*pipeline.Result, error)
}

// Artifacts reads stored decks.
type Artifacts interface {
	Open(ctx context.Context, userID, id string) (*artifact.Stored, io.ReadCloser, error)
	List(ctx context.Context, userID string, limit int) ([]artifact.Stored, error)
}

// Entitlements exposes read access to the ledger.
type Entitlements interface {
	Get(ctx context.Context, userID string) (*entitlement.Record, error)
	Plan(tier entitlement.Tier) entitlement.Plan
	Plans() []entitlement.Plan
}

// Accounts is the account service surface used by the auth routes.
type Accounts interface {
	AccountChecker
	Register(ctx context.Context, email, password string) (*accounts.Account, error)
	Authenticate(ctx context.Context, email, password string) (*accounts.Account, error)
	ResetPassword(ctx context.Context, userID, newPassword string) error
	Close(ctx context.Context, userID string) error
}

// TokenIssuer issues bearer tokens for authenticated accounts.
type TokenIssuer interface {
	TokenVerifier
	Issue(acct *accounts.Account) (string, time.Time, error)
}

// Pinger checks a dependency for readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps bundles everything the HTTP surface needs.
type Deps struct {
	BaseURL      string
	Generator    Generator
	Artifacts    Artifacts
	Entitlements Entitlements
	Accounts     Accounts
	Tokens       TokenIssuer
	Webhooks     http.Handler
	DB           Pinger
	TempDir      string
	CORSOrigins  []string
	RateLimit    int
	Version      string

	// Peers allowed to set X-Forwarded-For.
	TrustedProxies []netip.Prefix
}

type generateRequest struct {
	Topic  string `json:"topic"`
	Source string `json:"source,omitempty"`
}

type generateResponse struct {
	Status      string `json:"status"`
	DownloadURL string `json:"downloadUrl,omitempty"`
	Message     string `json:"message,omitempty"`
	Code        string `json:"code,omitempty"`
}

// generateFailure maps a pipeline failure to an HTTP status and user message.
func generateFailure(err error) (int, string, string) {
	var perr *pipeline.Error
	if !errors.As(err, &perr) {
		return http.StatusInternalServerError, string(pipeline.Internal), "Something went wrong generating your presentation"
	}
	switch perr.Kind {
	case pipeline.InvalidTopic:
		return http.StatusBadRequest, string(perr.Kind), fmt.Sprintf("Please enter a topic of at most %d characters", pipeline.MaxTopicLength)
	case pipeline.InvalidSource:
		return http.StatusBadRequest, string(perr.Kind), fmt.Sprintf("Source text must be at most %d characters", completion.MaxSourceLength)
	case pipeline.QuotaExceeded:
		return http.StatusPaymentRequired, string(perr.Kind), "You have used all presentations in your plan. Please upgrade your plan to continue."
	case pipeline.UpstreamUnavailable:
		return http.StatusServiceUnavailable, string(perr.Kind), "The content service is temporarily unavailable. Please try again later."
	case pipeline.GenerationFailed:
		return http.StatusUnprocessableEntity, string(perr.Kind), "We could not build a presentation from that topic. Please try rephrasing it."
	case pipeline.RenderFailed:
		return http.StatusInternalServerError, string(perr.Kind), "Your presentation could not be created. You have not been charged."
	case pipeline.AccountUnavailable:
		return http.StatusForbidden, string(perr.Kind), "Your account cannot generate presentations"
	default:
		return http.StatusInternalServerError, string(perr.Kind), "Something went wrong generating your presentation"
	}
}

func (d *Deps) handleGenerate(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	var req generateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := d.Generator.GenerateFromSource(r.Context(), userID, req.Topic, req.Source)
	if err != nil {
		status, code, message := generateFailure(err)
		logger := logging.FromContext(r.Context())
		if status >= 500 {
			logger.Error().Err(err).Str("code", code).Msg("Generation failed")
		} else {
			logger.Info().Err(err).Str("code", code).Msg("Generation refused")
		}
		writeJSON(w, status, generateResponse{Status: "error", Message: message, Code: code})
		return
	}

	writeJSON(w, http.StatusOK, generateResponse{
		Status:      "success",
		DownloadURL: strings.TrimSuffix(d.BaseURL, "/") + "/download/" + result.ArtifactID,
	})
}

func (d *Deps) handleDownload(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	id := r.PathValue("id")

	meta, body, err := d.Artifacts.Open(r.Context(), userID, id)
	if errors.Is(err, artifact.ErrNotFound) {
		writeErrorResponse(w, http.StatusNotFound, "not_found", "Presentation not found", nil)
		return
	}
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "internal_error",
			sanitizeErrorForClient(err, "Failed to load presentation"), nil)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", meta.Filename))
	if meta.Size > 0 {
		w.Header().Set("Content-Length", fmt.Sprint(meta.Size))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		logging.FromContext(r.Context()).Warn().Err(err).Str("artifact_id", id).Msg("Download interrupted")
	}
}

func (d *Deps) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	list, err := d.Artifacts.List(r.Context(), UserIDFromContext(r.Context()), 50)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "internal_error",
			sanitizeErrorForClient(err, "Failed to list presentations"), nil)
		return
	}
	if list == nil {
		list = []artifact.Stored{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"presentations": list})
}

type entitlementResponse struct {
	Tier           entitlement.Tier `json:"tier"`
	PlanName       string           `json:"plan_name"`
	QuotaRemaining int              `json:"quota_remaining"`
	QuotaUsed      int              `json:"quota_used"`
	Unlimited      bool             `json:"unlimited"`
	QuotaResetAt   time.Time        `json:"quota_reset_at"`
	Watermark      bool             `json:"watermark"`
}

func (d *Deps) handleEntitlement(w http.ResponseWriter, r *http.Request) {
	rec, err := d.Entitlements.Get(r.Context(), UserIDFromContext(r.Context()))
	if errors.Is(err, entitlement.ErrAccountNotFound) {
		writeErrorResponse(w, http.StatusNotFound, "not_found", "No plan found for this account", nil)
		return
	}
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "internal_error",
			sanitizeErrorForClient(err, "Failed to load plan"), nil)
		return
	}
	plan := d.Entitlements.Plan(rec.Tier)
	writeJSON(w, http.StatusOK, entitlementResponse{
		Tier:           rec.Tier,
		PlanName:       plan.Name,
		QuotaRemaining: rec.QuotaRemaining,
		QuotaUsed:      rec.QuotaUsed,
		Unlimited:      plan.IsUnlimited(),
		QuotaResetAt:   rec.QuotaResetAt,
		Watermark:      plan.Watermark,
	})
}

func (d *Deps) handlePlans(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"plans": d.Entitlements.Plans()})
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Status    string    `json:"status"`
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (d *Deps) writeSession(w http.ResponseWriter, status int, acct *accounts.Account) {
	token, expires, err := d.Tokens.Issue(acct)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "internal_error",
			sanitizeErrorForClient(err, "Failed to create session"), nil)
		return
	}
	writeJSON(w, status, sessionResponse{Status: "success", UserID: acct.ID, Token: token, ExpiresAt: expires})
}

func (d *Deps) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !decodeJSON(w, r, &req) {
		return
	}
	acct, err := d.Accounts.Register(r.Context(), req.Email, req.Password)
	switch {
	case errors.Is(err, accounts.ErrEmailTaken):
		writeErrorResponse(w, http.StatusConflict, "email_taken", "Email already registered", nil)
		return
	case errors.Is(err, accounts.ErrInvalidEmail):
		writeErrorResponse(w, http.StatusBadRequest, "invalid_email", "Please enter a valid email address", nil)
		return
	case errors.Is(err, accounts.ErrWeakPassword):
		writeErrorResponse(w, http.StatusBadRequest, "weak_password",
			fmt.Sprintf("Password must be at least %d characters long", accounts.MinPasswordLength), nil)
		return
	case err != nil:
		writeErrorResponse(w, http.StatusInternalServerError, "internal_error",
			sanitizeErrorForClient(err, "Registration failed"), nil)
		return
	}
	d.writeSession(w, http.StatusCreated, acct)
}

func (d *Deps) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !decodeJSON(w, r, &req) {
		return
	}
	acct, err := d.Accounts.Authenticate(r.Context(), req.Email, req.Password)
	if errors.Is(err, accounts.ErrInvalidCredentials) {
		writeErrorResponse(w, http.StatusUnauthorized, "invalid_credentials", "Invalid email or password", nil)
		return
	}
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "internal_error",
			sanitizeErrorForClient(err, "Login failed"), nil)
		return
	}
	d.writeSession(w, http.StatusOK, acct)
}

type resetPasswordRequest struct {
	Password string `json:"password"`
}

func (d *Deps) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := d.Accounts.ResetPassword(r.Context(), UserIDFromContext(r.Context()), req.Password)
	switch {
	case errors.Is(err, accounts.ErrWeakPassword):
		writeErrorResponse(w, http.StatusBadRequest, "weak_password",
			fmt.Sprintf("Password must be at least %d characters long", accounts.MinPasswordLength), nil)
	case errors.Is(err, accounts.ErrNotFound):
		writeErrorResponse(w, http.StatusNotFound, "not_found", "Account not found", nil)
	case err != nil:
		writeErrorResponse(w, http.StatusInternalServerError, "internal_error",
			sanitizeErrorForClient(err, "Password reset failed"), nil)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}
}

// handleCloseAccount closes the caller's account. Its outstanding tokens stop
// working on the next request.
func (d *Deps) handleCloseAccount(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	err := d.Accounts.Close(r.Context(), userID)
	switch {
	case errors.Is(err, accounts.ErrNotFound):
		writeErrorResponse(w, http.StatusNotFound, "not_found", "Account not found", nil)
	case err != nil:
		writeErrorResponse(w, http.StatusInternalServerError, "internal_error",
			sanitizeErrorForClient(err, "Account could not be closed"), nil)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
	}
}

func (d *Deps) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": d.Version})
}

// handleReadyz checks the database and that the render temp root is writable.
func (d *Deps) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok", "tempdir": "ok"}
	ready := true
	if d.DB != nil {
		if err := d.DB.Ping(ctx); err != nil {
			checks["database"] = sanitizeErrorForClient(err, "database unreachable")
			ready = false
		}
	}
	if err := checkWritable(d.TempDir); err != nil {
		checks["tempdir"] = sanitizeErrorForClient(err, "temp dir not writable")
		ready = false
	}

	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": checks})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "checks": checks})
}

func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".readyz-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
