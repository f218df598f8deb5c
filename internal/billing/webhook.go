// Package billing turns signed Stripe webhooks into entitlement ledger events.
package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rcourtman/deckforge/internal/entitlement"
	"github.com/rcourtman/deckforge/internal/metrics"
	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const (
	webhookBodyLimit = 1024 * 1024 // 1 MiB
	// SignatureTolerance is the maximum age of a signed payload.
	SignatureTolerance = 5 * time.Minute
)

// Ledger is the part of the entitlement ledger the handler writes to.
type Ledger interface {
	ApplyPaymentEvent(ctx context.Context, ev entitlement.PaymentEvent) (entitlement.Outcome, error)
}

// Status is the handler's verdict on a delivery.
type Status string

const (
	Accepted Status = "accepted"
	Rejected Status = "rejected"
)

// RejectReason explains a Rejected result.
type RejectReason string

const (
	BadSignature RejectReason = "bad_signature"
	UnknownEvent RejectReason = "unknown_event"
)

// Result describes how a delivery was handled.
type Result struct {
	Status    Status
	Reason    RejectReason        // set when Status is Rejected
	EventID   string
	EventType string
	Outcome   entitlement.Outcome // ledger outcome, empty for ignored types
}

func accepted(event *stripelib.Event, outcome entitlement.Outcome) Result {
	return Result{Status: Accepted, EventID: event.ID, EventType: string(event.Type), Outcome: outcome}
}

func rejected(reason RejectReason) Result {
	return Result{Status: Rejected, Reason: reason}
}

// WebhookHandler verifies Stripe-signed payment notifications and applies them
// to the ledger.
type WebhookHandler struct {
	secret     string
	ledger     Ledger
	priceTiers map[string]string
}

// NewWebhookHandler creates a handler. priceTiers maps Stripe price ids to tier
// names for events that carry no plan metadata.
func NewWebhookHandler(secret string, ledger Ledger, priceTiers map[string]string) *WebhookHandler {
	if priceTiers == nil {
		priceTiers = map[string]string{}
	}
	return &WebhookHandler{
		secret:     secret,
		ledger:     ledger,
		priceTiers: priceTiers,
	}
}

// Handle verifies and applies one delivery. The ledger is not touched unless
// the signature verifies. A non-nil error means processing failed and the
// provider should retry.
func (h *WebhookHandler) Handle(ctx context.Context, payload []byte, signatureHeader string) (Result, error) {
	if strings.TrimSpace(h.secret) == "" || strings.TrimSpace(signatureHeader) == "" {
		h.logBadSignature(payload, errors.New("missing signature or secret"))
		return rejected(BadSignature), nil
	}

	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, h.secret, webhook.ConstructEventOptions{
		Tolerance:                SignatureTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		h.logBadSignature(payload, err)
		return rejected(BadSignature), nil
	}

	status, handled := statusByEventType[string(event.Type)]
	if !handled {
		log.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Stripe webhook ignored (unknown type)")
		return accepted(&event, ""), nil
	}

	mapped, err := decodeEvent(&event)
	if err != nil {
		return h.rejectUnknown(&event, err.Error()), nil
	}
	if mapped.userID == "" {
		return h.rejectUnknown(&event, "no user id in metadata or client_reference_id"), nil
	}

	var tier entitlement.Tier
	if status == entitlement.PaymentSucceeded {
		var ok bool
		if tier, ok = resolveTier(mapped, h.priceTiers); !ok {
			return h.rejectUnknown(&event, "no plan metadata or known price id"), nil
		}
	}

	outcome, err := h.ledger.ApplyPaymentEvent(ctx, entitlement.PaymentEvent{
		EventID:   event.ID,
		UserID:    mapped.userID,
		Tier:      tier,
		Status:    status,
		Signature: signatureHeader,
		Type:      string(event.Type),
		Reference: mapped.reference,
	})
	if err != nil {
		if errors.Is(err, entitlement.ErrInvalidEvent) {
			return h.rejectUnknown(&event, err.Error()), nil
		}
		return Result{EventID: event.ID, EventType: string(event.Type)}, err
	}

	if outcome == entitlement.OutcomeDuplicate {
		log.Info().
			Str("event_id", event.ID).
			Str("type", string(event.Type)).
			Msg("Stripe webhook replay ignored")
	}
	return accepted(&event, outcome), nil
}

func (h *WebhookHandler) rejectUnknown(event *stripelib.Event, reason string) Result {
	log.Warn().
		Str("event_id", event.ID).
		Str("type", string(event.Type)).
		Str("reason", reason).
		Msg("Stripe webhook could not be mapped to a payment event")
	r := rejected(UnknownEvent)
	r.EventID = event.ID
	r.EventType = string(event.Type)
	return r
}

func (h *WebhookHandler) logBadSignature(payload []byte, err error) {
	sum := sha256.Sum256(payload)
	log.Warn().
		Err(err).
		Str("payload_sha256", hex.EncodeToString(sum[:])).
		Int("payload_bytes", len(payload)).
		Msg("Stripe webhook signature verification failed")
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// ServeHTTP reads the raw body and Stripe-Signature header and forwards them to Handle.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	outcome := "error"
	defer func() {
		metrics.WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		outcome = "method_not_allowed"
		writeJSON(w, http.StatusMethodNotAllowed, webhookErrorResponse{Error: "method not allowed"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		outcome = "bad_request"
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	result, err := h.Handle(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if result.EventType != "" {
		eventType = result.EventType
	}
	if err != nil {
		log.Error().Err(err).
			Str("event_id", result.EventID).
			Str("type", result.EventType).
			Msg("Stripe webhook processing failed")
		writeJSON(w, http.StatusInternalServerError, webhookErrorResponse{Error: "processing failed"})
		return
	}

	switch {
	case result.Status == Rejected && result.Reason == BadSignature:
		outcome = string(BadSignature)
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "invalid Stripe signature"})
	case result.Status == Rejected:
		outcome = string(result.Reason)
		writeJSON(w, http.StatusUnprocessableEntity, webhookErrorResponse{Error: "event could not be mapped"})
	default:
		outcome = string(result.Outcome)
		if outcome == "" {
			outcome = "ignored"
		}
		writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
	}
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("billing: encode webhook response")
	}
}
