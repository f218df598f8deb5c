package entitlement

import (
	"errors"
	"time"
)

var (
	ErrQuotaExceeded       = errors.New("quota exceeded")
	ErrAccountNotFound     = errors.New("entitlement account not found")
	ErrAccountClosed       = errors.New("entitlement account closed")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrInvalidSignature    = errors.New("payment event signature missing or invalid")
	ErrInvalidEvent        = errors.New("invalid payment event")
)

// Record is a user's entitlement row.
type Record struct {
	UserID           string     `json:"user_id"`
	Tier             Tier       `json:"tier"`
	QuotaRemaining   int        `json:"quota_remaining"`
	QuotaUsed        int        `json:"quota_used"`
	QuotaResetAt     time.Time  `json:"quota_reset_at"`
	Epoch            int64      `json:"epoch"`
	PaymentReference string     `json:"payment_reference,omitempty"`
	ClosedAt         *time.Time `json:"closed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Reservation is a provisional hold on one quota unit. It must be settled
// exactly once with Commit or Release.
type Reservation struct {
	ID        string
	UserID    string
	Epoch     int64 // entitlement epoch the unit was taken from
	Metered   bool  // false on unlimited plans
	CreatedAt time.Time
}

// PaymentStatus is the normalized outcome of a provider payment event.
type PaymentStatus string

const (
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
	PaymentCanceled  PaymentStatus = "canceled"
)

// PaymentEvent is a verified, provider-neutral payment notification.
type PaymentEvent struct {
	EventID   string // idempotency key
	UserID    string
	Tier      Tier
	Status    PaymentStatus
	Signature string // proof of verification; empty events are rejected
	Type      string // provider event type, for the audit trail
	Reference string // provider subscription or checkout id
}

// Outcome reports what ApplyPaymentEvent did.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"   // entitlement changed
	OutcomeRecorded  Outcome = "recorded"  // stored, no entitlement change
	OutcomeDuplicate Outcome = "duplicate" // event id already seen
	OutcomeRejected  Outcome = "rejected"
)
