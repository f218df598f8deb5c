package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rcourtman/deckforge/internal/accounts"
	"github.com/rcourtman/deckforge/internal/artifact"
	"github.com/rcourtman/deckforge/internal/deck"
	"github.com/rcourtman/deckforge/internal/entitlement"
	"github.com/rcourtman/deckforge/internal/pipeline"
	"github.com/rcourtman/deckforge/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// fakeGenerator stores a canned deck, or fails with err.
type fakeGenerator struct {
	store      *artifact.Store
	err        error
	calls      int
	panic      bool
	lastSource string
}

func (g *fakeGenerator) GenerateFromSource(ctx context.Context, userID, topic, source string) (*pipeline.Result, error) {
	g.calls++
	g.lastSource = source
	if g.panic {
		panic("boom")
	}
	if g.err != nil {
		return nil, g.err
	}
	art := &deck.Artifact{
		Data:        []byte("%PDF-1.3 " + topic),
		ContentType: deck.ContentTypePDF,
		Filename:    deck.DefaultFilename,
		SlideCount:  5,
	}
	id, err := g.store.Put(ctx, userID, topic, art)
	if err != nil {
		return nil, err
	}
	return &pipeline.Result{Artifact: art, ArtifactID: id}, nil
}

type testEnv struct {
	handler   http.Handler
	deps      *Deps
	generator *fakeGenerator
	ledger    *entitlement.Ledger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ledger := entitlement.NewLedger(db, entitlement.DefaultCatalog())
	blobs, err := artifact.NewFSBlobs(filepath.Join(t.TempDir(), "artifacts"))
	require.NoError(t, err)
	artifacts := artifact.NewStore(db, blobs)
	gen := &fakeGenerator{store: artifacts}

	deps := &Deps{
		BaseURL:      "https://decks.example.com",
		Generator:    gen,
		Artifacts:    artifacts,
		Entitlements: ledger,
		Accounts:     accounts.NewService(db, ledger),
		Tokens:       accounts.NewTokens(testSecret, time.Hour),
		Webhooks: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		}),
		DB:        db,
		TempDir:   t.TempDir(),
		RateLimit: 100,
		Version:   "test",
	}
	return &testEnv{handler: NewRouter(deps), deps: deps, generator: gen, ledger: ledger}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) signup(t *testing.T, email string) (token, userID string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/signup", "", credentials{Email: email, Password: "correct horse"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token, resp.UserID
}

func TestSignupLoginAndEntitlement(t *testing.T) {
	env := newTestEnv(t)
	token, userID := env.signup(t, "ada@example.com")

	rec := env.do(t, http.MethodPost, "/signup", "", credentials{Email: "ada@example.com", Password: "correct horse"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/login", "", credentials{Email: "ada@example.com", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/login", "", credentials{Email: "ada@example.com", Password: "correct horse"})
	require.Equal(t, http.StatusOK, rec.Code)
	var login sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))
	assert.Equal(t, userID, login.UserID)

	rec = env.do(t, http.MethodGet, "/entitlement", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ent entitlementResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ent))
	assert.Equal(t, entitlement.TierFree, ent.Tier)
	assert.Equal(t, "Starter", ent.PlanName)
	assert.Equal(t, 3, ent.QuotaRemaining)
	assert.True(t, ent.Watermark)
}

func TestSignupValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/signup", "", credentials{Email: "bad", Password: "correct horse"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPost, "/signup", "", credentials{Email: "ada@example.com", Password: "short"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPost, "/signup", "", map[string]string{"email": "a@b.co", "extra": "field"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerateAndDownload(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.signup(t, "ada@example.com")

	rec := env.do(t, http.MethodPost, "/generate", token, generateRequest{Topic: "Quantum Computing"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp generateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Status)
	require.True(t, strings.HasPrefix(resp.DownloadURL, "https://decks.example.com/download/"))
	path := strings.TrimPrefix(resp.DownloadURL, "https://decks.example.com")

	rec = env.do(t, http.MethodGet, path, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, deck.ContentTypePDF, rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="presentation.pdf"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "%PDF-1.3 Quantum Computing", rec.Body.String())

	// Another user cannot fetch it.
	other, _ := env.signup(t, "eve@example.com")
	rec = env.do(t, http.MethodGet, path, other, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/artifacts", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Quantum Computing")
}

func TestGenerateErrorMapping(t *testing.T) {
	tests := []struct {
		kind   pipeline.ErrorKind
		status int
		text   string
	}{
		{pipeline.InvalidTopic, http.StatusBadRequest, "topic"},
		{pipeline.InvalidSource, http.StatusBadRequest, "Source text"},
		{pipeline.QuotaExceeded, http.StatusPaymentRequired, "upgrade your plan"},
		{pipeline.UpstreamUnavailable, http.StatusServiceUnavailable, "try again later"},
		{pipeline.GenerationFailed, http.StatusUnprocessableEntity, "rephrasing"},
		{pipeline.RenderFailed, http.StatusInternalServerError, "not been charged"},
		{pipeline.AccountUnavailable, http.StatusForbidden, "account"},
	}

	env := newTestEnv(t)
	token, _ := env.signup(t, "ada@example.com")

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			env.generator.err = &pipeline.Error{Kind: tt.kind, Err: errors.New("cause")}
			rec := env.do(t, http.MethodPost, "/generate", token, generateRequest{Topic: "x"})
			assert.Equal(t, tt.status, rec.Code)

			var resp generateResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "error", resp.Status)
			assert.Equal(t, string(tt.kind), resp.Code)
			assert.Contains(t, resp.Message, tt.text)
			assert.NotContains(t, resp.Message, "cause")
		})
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/generate"},
		{http.MethodGet, "/download/abc"},
		{http.MethodGet, "/entitlement"},
		{http.MethodGet, "/artifacts"},
		{http.MethodPost, "/reset-password"},
		{http.MethodPost, "/account/close"},
	} {
		rec := env.do(t, tc.method, tc.path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, tc.path)
		rec = env.do(t, tc.method, tc.path, "garbage", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, tc.path)
	}
	assert.Zero(t, env.generator.calls)
}

func TestResetPassword(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.signup(t, "ada@example.com")

	rec := env.do(t, http.MethodPost, "/reset-password", token, resetPasswordRequest{Password: "short"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/reset-password", token, resetPasswordRequest{Password: "battery staple"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/login", "", credentials{Email: "ada@example.com", Password: "battery staple"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGeneratePassesSourceText(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.signup(t, "ada@example.com")

	rec := env.do(t, http.MethodPost, "/generate", token,
		generateRequest{Topic: "Tidal Energy", Source: "Turbines sit on the seabed."})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Turbines sit on the seabed.", env.generator.lastSource)

	rec = env.do(t, http.MethodPost, "/generate", token, generateRequest{Topic: "Tidal Energy"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, env.generator.lastSource)
}

func TestCloseAccount(t *testing.T) {
	env := newTestEnv(t)
	token, userID := env.signup(t, "ada@example.com")

	rec := env.do(t, http.MethodPost, "/account/close", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	_, err := env.ledger.CheckAndReserve(context.Background(), userID)
	assert.ErrorIs(t, err, entitlement.ErrAccountClosed)

	// The still-unexpired token is refused everywhere.
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/entitlement"},
		{http.MethodGet, "/artifacts"},
		{http.MethodPost, "/account/close"},
	} {
		rec = env.do(t, tc.method, tc.path, token, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, tc.path)
		assert.Contains(t, rec.Body.String(), "account_closed")
	}
	rec = env.do(t, http.MethodPost, "/generate", token, generateRequest{Topic: "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, env.generator.calls)

	rec = env.do(t, http.MethodPost, "/login", "", credentials{Email: "ada@example.com", Password: "correct horse"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPlansAndHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/plans", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var plans struct {
		Plans []entitlement.Plan `json:"plans"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &plans))
	require.Len(t, plans.Plans, 3)
	assert.Equal(t, "Creator", plans.Plans[1].Name)

	rec = env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = env.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	env.deps.TempDir = filepath.Join(t.TempDir(), "missing")
	rec = env.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "deckforge_http_requests_total")
}

func TestWebhookRouteIsPublic(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/webhooks/stripe", "", map[string]string{"id": "evt_1"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestPanicIsRecovered(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.signup(t, "ada@example.com")
	env.generator.panic = true

	rec := env.do(t, http.MethodPost, "/generate", token, generateRequest{Topic: "x"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var apiErr APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, "internal_error", apiErr.Code)
	assert.NotEmpty(t, apiErr.RequestID)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))

	now = now.Add(30 * time.Second)
	assert.True(t, rl.Allow("a"))

	now = now.Add(time.Hour)
	rl.Allow("c")
	rl.mu.Lock()
	_, stillThere := rl.limiters["a"]
	rl.mu.Unlock()
	assert.False(t, stillThere)
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(1)
	h := rl.Middleware("/signup", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodPost, "/signup", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	rec := httptest.NewRecorder()
	h(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestClientIP(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	tests := []struct {
		name    string
		remote  string
		xff     string
		trusted []netip.Prefix
		want    string
	}{
		{"direct peer", "198.51.100.7:1234", "", trusted, "198.51.100.7"},
		{"forged header from untrusted peer", "198.51.100.7:1234", "203.0.113.1", trusted, "198.51.100.7"},
		{"no proxies configured", "10.0.0.5:80", "203.0.113.1", nil, "10.0.0.5"},
		{"trusted proxy", "10.0.0.5:80", "203.0.113.1", trusted, "203.0.113.1"},
		{"spoofed leftmost hop", "10.0.0.5:80", "1.2.3.4, 203.0.113.1, 10.0.0.9", trusted, "203.0.113.1"},
		{"only proxies", "10.0.0.5:80", "10.0.0.7, 10.0.0.9", trusted, "10.0.0.7"},
		{"trusted proxy without header", "10.0.0.5:80", "", trusted, "10.0.0.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			assert.Equal(t, tt.want, clientIP(req, tt.trusted))
		})
	}
}

func TestRateLimitIgnoresForgedForwardedFor(t *testing.T) {
	rl := NewRateLimiter(1)
	h := rl.Middleware("/login", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	for i, want := range []int{http.StatusNoContent, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodPost, "/login", nil)
		req.RemoteAddr = "198.51.100.7:1234"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i+1))
		rec := httptest.NewRecorder()
		h(rec, req)
		assert.Equal(t, want, rec.Code)
	}
}

func TestNormalizeRoute(t *testing.T) {
	assert.Equal(t, "/download/{id}", normalizeRoute("/download/01HX"))
	assert.Equal(t, "/generate", normalizeRoute("/generate"))
	assert.Equal(t, "other", normalizeRoute("/wp-admin"))
}
