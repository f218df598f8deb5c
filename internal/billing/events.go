package billing

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rcourtman/deckforge/internal/entitlement"
	stripelib "github.com/stripe/stripe-go/v82"
)

// Stripe event types the handler maps onto ledger events. Stripe sends both
// invoice.paid and invoice.payment_succeeded for one payment; only the former
// is handled.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventInvoicePaid         = "invoice.paid"
	EventInvoiceFailed       = "invoice.payment_failed"
	EventChargeRefunded      = "charge.refunded"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

var statusByEventType = map[string]entitlement.PaymentStatus{
	EventCheckoutCompleted:   entitlement.PaymentSucceeded,
	EventInvoicePaid:         entitlement.PaymentSucceeded,
	EventInvoiceFailed:       entitlement.PaymentFailed,
	EventChargeRefunded:      entitlement.PaymentRefunded,
	EventSubscriptionDeleted: entitlement.PaymentCanceled,
}

// checkoutSession is the subset of a Stripe checkout.session object we read.
type checkoutSession struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	Subscription      string            `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
}

type invoice struct {
	ID                  string            `json:"id"`
	Subscription        string            `json:"subscription"`
	Metadata            map[string]string `json:"metadata"`
	SubscriptionDetails struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Lines struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"lines"`
}

type charge struct {
	ID       string            `json:"id"`
	Invoice  string            `json:"invoice"`
	Metadata map[string]string `json:"metadata"`
}

type subscription struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
	Items    struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// mappedEvent is what we could extract from a provider event before tier
// resolution.
type mappedEvent struct {
	userID    string
	plan      string
	priceID   string
	reference string
}

// decodeEvent pulls user, plan and reference out of a handled event's object.
func decodeEvent(event *stripelib.Event) (mappedEvent, error) {
	var m mappedEvent
	raw := event.Data.Raw

	switch string(event.Type) {
	case EventCheckoutCompleted:
		var s checkoutSession
		if err := json.Unmarshal(raw, &s); err != nil {
			return m, fmt.Errorf("decode checkout.session: %w", err)
		}
		m.userID = firstNonEmpty(s.Metadata["user_id"], s.ClientReferenceID)
		m.plan = s.Metadata["plan"]
		m.reference = firstNonEmpty(s.Subscription, s.ID)

	case EventInvoicePaid, EventInvoiceFailed:
		var inv invoice
		if err := json.Unmarshal(raw, &inv); err != nil {
			return m, fmt.Errorf("decode invoice: %w", err)
		}
		m.userID = firstNonEmpty(inv.Metadata["user_id"], inv.SubscriptionDetails.Metadata["user_id"])
		m.plan = firstNonEmpty(inv.Metadata["plan"], inv.SubscriptionDetails.Metadata["plan"])
		for _, line := range inv.Lines.Data {
			if m.priceID = strings.TrimSpace(line.Price.ID); m.priceID != "" {
				break
			}
		}
		m.reference = firstNonEmpty(inv.Subscription, inv.ID)

	case EventChargeRefunded:
		var c charge
		if err := json.Unmarshal(raw, &c); err != nil {
			return m, fmt.Errorf("decode charge: %w", err)
		}
		m.userID = c.Metadata["user_id"]
		m.reference = c.Metadata["subscription"]

	case EventSubscriptionDeleted:
		var s subscription
		if err := json.Unmarshal(raw, &s); err != nil {
			return m, fmt.Errorf("decode subscription: %w", err)
		}
		m.userID = s.Metadata["user_id"]
		m.plan = s.Metadata["plan"]
		for _, item := range s.Items.Data {
			if m.priceID = strings.TrimSpace(item.Price.ID); m.priceID != "" {
				break
			}
		}
		m.reference = s.ID
	}
	m.userID = strings.TrimSpace(m.userID)
	return m, nil
}

// resolveTier prefers explicit plan metadata, then the configured price map.
func resolveTier(m mappedEvent, priceTiers map[string]string) (entitlement.Tier, bool) {
	if m.plan != "" {
		if tier, err := entitlement.ParseTier(m.plan); err == nil {
			return tier, true
		}
	}
	if name, ok := priceTiers[m.priceID]; ok && m.priceID != "" {
		if tier, err := entitlement.ParseTier(name); err == nil {
			return tier, true
		}
	}
	return "", false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
