package entitlement

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rcourtman/deckforge/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, *fakeClock) {
	t.Helper()
	db, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewLedger(db, DefaultCatalog(), opts...), clock
}

func signed(id, user string, tier Tier, status PaymentStatus) PaymentEvent {
	return PaymentEvent{
		EventID:   id,
		UserID:    user,
		Tier:      tier,
		Status:    status,
		Signature: "t=1,v1=verified",
		Type:      "checkout.session.completed",
	}
}

func TestOpenProvisionsFreeTier(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	rec, err := l.Open(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, TierFree, rec.Tier)
	assert.Equal(t, 3, rec.QuotaRemaining)
	assert.Equal(t, 0, rec.QuotaUsed)
	assert.Equal(t, clock.Now().AddDate(0, 0, 7), rec.QuotaResetAt)
	assert.Nil(t, rec.ClosedAt)

	// Idempotent.
	_, err = l.CheckAndReserve(ctx, "u1")
	require.NoError(t, err)
	rec, err = l.Open(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.QuotaRemaining)
}

func TestReserveUnknownUser(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.CheckAndReserve(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	_, err = l.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestQuotaConservation(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Open(ctx, "u1")
	require.NoError(t, err)

	// Two successes and one failure out of three.
	for i, succeed := range []bool{true, false, true} {
		res, err := l.CheckAndReserve(ctx, "u1")
		require.NoError(t, err, "attempt %d", i)
		if succeed {
			require.NoError(t, l.Commit(ctx, res))
		} else {
			require.NoError(t, l.Release(ctx, res))
		}
	}

	rec, err := l.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.QuotaRemaining)
	assert.Equal(t, 2, rec.QuotaUsed)
}

func TestQuotaExhausted(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Open(ctx, "u1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res, err := l.CheckAndReserve(ctx, "u1")
		require.NoError(t, err)
		require.NoError(t, l.Commit(ctx, res))
	}

	_, err = l.CheckAndReserve(ctx, "u1")
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	rec, err := l.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.QuotaRemaining)
	assert.Equal(t, 3, rec.QuotaUsed)
}

func TestConcurrentReserveWithSingleUnit(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Open(ctx, "u1")
	require.NoError(t, err)

	// Spend down to one unit.
	for i := 0; i < 2; i++ {
		res, err := l.CheckAndReserve(ctx, "u1")
		require.NoError(t, err)
		require.NoError(t, l.Commit(ctx, res))
	}

	const racers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		exceeded int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.CheckAndReserve(ctx, "u1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrQuotaExceeded):
				exceeded++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, racers-1, exceeded)

	rec, err := l.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.QuotaRemaining)
}

func TestSettleTwice(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Open(ctx, "u1")
	require.NoError(t, err)

	res, err := l.CheckAndReserve(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, res))

	assert.ErrorIs(t, l.Release(ctx, res), ErrReservationNotFound)
	assert.ErrorIs(t, l.Commit(ctx, res), ErrReservationNotFound)
	assert.ErrorIs(t, l.Commit(ctx, nil), ErrReservationNotFound)

	rec, err := l.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.QuotaRemaining)
}

func TestPaymentUpgradeAndReplay(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Open(ctx, "u1")
	require.NoError(t, err)

	ev := signed("evt_1", "u1", TierPro, PaymentSucceeded)
	outcome, err := l.ApplyPaymentEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	rec, err := l.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, TierPro, rec.Tier)
	assert.Equal(t, 20, rec.QuotaRemaining)

	// Spend one so a replay that re-applied would be visible.
	res, err := l.CheckAndReserve(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, res))

	outcome, err = l.ApplyPaymentEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	after, err := l.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, TierPro, after.Tier)
	assert.Equal(t, 19, after.QuotaRemaining)
	assert.Equal(t, rec.Epoch, after.Epoch)
}

func TestRepeatConfirmationOfSubscriptionDoesNotRefill(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	checkout := signed("evt_checkout", "u1", TierPro, PaymentSucceeded)
	checkout.Reference = "sub_1"
	outcome, err := l.ApplyPaymentEvent(ctx, checkout)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	res, err := l.CheckAndReserve(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, res))

	invoice := signed("evt_invoice", "u1", TierPro, PaymentSucceeded)
	invoice.Type = "invoice.paid"
	invoice.Reference = "sub_1"
	outcome, err = l.ApplyPaymentEvent(ctx, invoice)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecorded, outcome)

	rec, err := l.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 19, rec.QuotaRemaining)

	// Moving the same subscription to another plan is a real change.
	upgrade := signed("evt_upgrade", "u1", TierBusiness, PaymentSucceeded)
	upgrade.Reference = "sub_1"
	outcome, err = l.ApplyPaymentEvent(ctx, upgrade)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	rec, err = l.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, TierBusiness, rec.Tier)
	assert.Equal(t, 50, rec.QuotaRemaining)
}

func TestPaymentEventForUnknownUserProvisions(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	outcome, err := l.ApplyPaymentEvent(ctx, signed("evt_9", "new-user", TierBusiness, PaymentSucceeded))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	rec, err := l.Get(ctx, "new-user")
	require.NoError(t, err)
	assert.Equal(t, TierBusiness, rec.Tier)
	assert.Equal(t, 50, rec.QuotaRemaining)
}

func TestPaymentEventRejections(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Open(ctx, "u1")
	require.NoError(t, err)

	unsigned := signed("evt_2", "u1", TierPro, PaymentSucceeded)
	unsigned.Signature = ""
	outcome, err := l.ApplyPaymentEvent(ctx, unsigned)
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Equal(t, OutcomeRejected, outcome)

	tests := []struct {
		name string
		ev   PaymentEvent
	}{
		{"missing event id", signed("", "u1", TierPro, PaymentSucceeded)},
		{"missing user", signed("evt_3", "", TierPro, PaymentSucceeded)},
		{"bad tier", signed("evt_4", "u1", Tier("platinum"), PaymentSucceeded)},
		{"bad status", signed("evt_5", "u1", TierPro, PaymentStatus("pending"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, err := l.ApplyPaymentEvent(ctx, tt.ev)
			assert.ErrorIs(t, err, ErrInvalidEvent)
			assert.Equal(t, OutcomeRejected, outcome)
		})
	}

	rec, err := l.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, TierFree, rec.Tier)
	assert.Equal(t, 3, rec.QuotaRemaining)

	// A rejected unsigned event does not burn its id.
	unsigned.Signature = "t=1,v1=ok"
	outcome, err = l.ApplyPaymentEvent(ctx, unsigned)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
}

func TestFailedPaymentIsRecordedOnly(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Open(ctx, "u1")
	require.NoError(t, err)

	outcome, err := l.ApplyPaymentEvent(ctx, signed("evt_f", "u1", TierPro, PaymentFailed))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecorded, outcome)

	rec, err := l.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, TierFree, rec.Tier)
}

func TestRefundDowngrades(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	up := signed("evt_up", "u1", TierPro, PaymentSucceeded)
	up.Reference = "sub_2"
	_, err := l.ApplyPaymentEvent(ctx, up)
	require.NoError(t, err)

	// Cancellation of an older subscription is recorded but ignored.
	stale := signed("evt_old", "u1", "", PaymentCanceled)
	stale.Reference = "sub_1"
	outcome, err := l.ApplyPaymentEvent(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecorded, outcome)

	rec, err := l.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, TierPro, rec.Tier)
	assert.Equal(t, "sub_2", rec.PaymentReference)

	refund := signed("evt_refund", "u1", "", PaymentRefunded)
	refund.Reference = "sub_2"
	outcome, err = l.ApplyPaymentEvent(ctx, refund)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	rec, err = l.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, TierFree, rec.Tier)
	assert.Equal(t, 3, rec.QuotaRemaining)
	assert.Empty(t, rec.PaymentReference)
}

func TestReleaseAfterUpgradeDoesNotAddUnit(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Open(ctx, "u1")
	require.NoError(t, err)

	res, err := l.CheckAndReserve(ctx, "u1")
	require.NoError(t, err)

	_, err = l.ApplyPaymentEvent(ctx, signed("evt_mid", "u1", TierPro, PaymentSucceeded))
	require.NoError(t, err)

	require.NoError(t, l.Release(ctx, res))

	rec, err := l.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 20, rec.QuotaRemaining)
}

func TestCommitAfterUpgradeDoesNotChargeNewPeriod(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Open(ctx, "u1")
	require.NoError(t, err)

	res, err := l.CheckAndReserve(ctx, "u1")
	require.NoError(t, err)
	_, err = l.ApplyPaymentEvent(ctx, signed("evt_mid", "u1", TierPro, PaymentSucceeded))
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, res))

	rec, err := l.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 20, rec.QuotaRemaining)
	assert.Equal(t, 0, rec.QuotaUsed)
}

func TestLazyRenewalAfterLongIdle(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()
	start, err := l.Open(ctx, "u1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res, err := l.CheckAndReserve(ctx, "u1")
		require.NoError(t, err)
		require.NoError(t, l.Commit(ctx, res))
	}
	_, err = l.CheckAndReserve(ctx, "u1")
	require.ErrorIs(t, err, ErrQuotaExceeded)

	// Ten weeks and a day pass without activity.
	clock.Advance(71 * 24 * time.Hour)

	rec, err := l.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.QuotaRemaining)
	assert.Equal(t, 0, rec.QuotaUsed)
	assert.True(t, rec.QuotaResetAt.After(clock.Now()))
	assert.False(t, rec.QuotaResetAt.After(clock.Now().AddDate(0, 0, 7)))
	assert.Equal(t, start.QuotaResetAt.AddDate(0, 0, 7*10), rec.QuotaResetAt)
	assert.Greater(t, rec.Epoch, start.Epoch)

	_, err = l.CheckAndReserve(ctx, "u1")
	require.NoError(t, err)
}

func TestStaleReservationsAreReaped(t *testing.T) {
	l, clock := newTestLedger(t, WithReservationTTL(5*time.Minute))
	ctx := context.Background()
	_, err := l.Open(ctx, "u1")
	require.NoError(t, err)

	// Three abandoned reservations exhaust the free quota.
	var abandoned []*Reservation
	for i := 0; i < 3; i++ {
		res, err := l.CheckAndReserve(ctx, "u1")
		require.NoError(t, err)
		abandoned = append(abandoned, res)
	}
	_, err = l.CheckAndReserve(ctx, "u1")
	require.ErrorIs(t, err, ErrQuotaExceeded)

	clock.Advance(6 * time.Minute)

	res, err := l.CheckAndReserve(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, res))

	rec, err := l.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.QuotaRemaining)
	assert.Equal(t, 1, rec.QuotaUsed)

	assert.ErrorIs(t, l.Commit(ctx, abandoned[0]), ErrReservationNotFound)
}

func TestUnlimitedPlanIsNotMetered(t *testing.T) {
	db, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	l := NewLedger(db, NewCatalog(3, 20, Unlimited))
	ctx := context.Background()
	_, err = l.ApplyPaymentEvent(ctx, signed("evt_b", "u1", TierBusiness, PaymentSucceeded))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		res, err := l.CheckAndReserve(ctx, "u1")
		require.NoError(t, err)
		assert.False(t, res.Metered)
		require.NoError(t, l.Release(ctx, res))
	}

	rec, err := l.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.QuotaRemaining)
}

func TestCloseAccount(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Open(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, l.CloseAccount(ctx, "u1"))
	require.NoError(t, l.CloseAccount(ctx, "u1"))
	assert.ErrorIs(t, l.CloseAccount(ctx, "ghost"), ErrAccountNotFound)

	_, err = l.CheckAndReserve(ctx, "u1")
	assert.ErrorIs(t, err, ErrAccountClosed)

	rec, err := l.Get(ctx, "u1")
	require.NoError(t, err)
	assert.NotNil(t, rec.ClosedAt)
}
