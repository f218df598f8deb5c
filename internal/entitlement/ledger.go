package entitlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rcourtman/deckforge/internal/metrics"
	"github.com/rcourtman/deckforge/internal/store"
	"github.com/rs/zerolog/log"
)

// DefaultReservationTTL bounds how long an unsettled reservation holds a unit
// before it is reaped on the owner's next access.
const DefaultReservationTTL = 10 * time.Minute

// Ledger is the SQL-backed entitlement state machine. All mutations of a user's
// record happen inside one transaction with conditional single-row updates.
type Ledger struct {
	db             *store.DB
	plans          Catalog
	now            func() time.Time
	reservationTTL time.Duration
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the ledger's time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithReservationTTL overrides DefaultReservationTTL.
func WithReservationTTL(ttl time.Duration) Option {
	return func(l *Ledger) {
		if ttl > 0 {
			l.reservationTTL = ttl
		}
	}
}

// NewLedger returns a ledger over db using plans.
func NewLedger(db *store.DB, plans Catalog, opts ...Option) *Ledger {
	if plans == nil {
		plans = DefaultCatalog()
	}
	l := &Ledger{
		db:             db,
		plans:          plans,
		now:            time.Now,
		reservationTTL: DefaultReservationTTL,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Plan returns the plan for tier.
func (l *Ledger) Plan(tier Tier) Plan {
	return l.plans.Get(tier)
}

// Plans returns the plan catalog in tier order.
func (l *Ledger) Plans() []Plan {
	return l.plans.List()
}

func (l *Ledger) clock() time.Time {
	return l.now().UTC().Truncate(time.Second)
}

const recordColumns = `user_id, tier, quota_remaining, quota_used, quota_reset_at, epoch,
	payment_reference, closed_at, created_at, updated_at`

// Open creates a free-tier record for userID if none exists and returns the
// current record.
func (l *Ledger) Open(ctx context.Context, userID string) (*Record, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("open entitlement: %w", ErrAccountNotFound)
	}
	var rec *Record
	err := l.db.InTx(ctx, func(tx *store.Tx) error {
		now := l.clock()
		if err := l.provision(ctx, tx, userID, now); err != nil {
			return err
		}
		var err error
		rec, err = l.loadCurrent(ctx, tx, userID, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open entitlement: %w", err)
	}
	return rec, nil
}

// Get returns the user's record after applying any due renewal.
func (l *Ledger) Get(ctx context.Context, userID string) (*Record, error) {
	var rec *Record
	err := l.db.InTx(ctx, func(tx *store.Tx) error {
		var err error
		rec, err = l.loadCurrent(ctx, tx, userID, l.clock())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get entitlement: %w", err)
	}
	return rec, nil
}

// CheckAndReserve holds one quota unit for userID. It renews the quota if the
// period has elapsed and reaps the user's stale reservations first.
func (l *Ledger) CheckAndReserve(ctx context.Context, userID string) (*Reservation, error) {
	var (
		res      *Reservation
		exceeded bool
	)
	err := l.db.InTx(ctx, func(tx *store.Tx) error {
		now := l.clock()
		rec, err := l.loadCurrent(ctx, tx, userID, now)
		if err != nil {
			return err
		}
		if rec.ClosedAt != nil {
			return ErrAccountClosed
		}
		if err := l.reapStale(ctx, tx, rec, now); err != nil {
			return err
		}

		plan := l.plans.Get(rec.Tier)
		metered := !plan.IsUnlimited()
		if metered {
			result, err := tx.ExecContext(ctx, `
				UPDATE entitlements
				SET quota_remaining = quota_remaining - 1, updated_at = ?
				WHERE user_id = ? AND epoch = ? AND quota_remaining > 0`,
				now.Unix(), userID, rec.Epoch)
			if err != nil {
				return fmt.Errorf("decrement quota: %w", err)
			}
			if n, err := result.RowsAffected(); err != nil {
				return fmt.Errorf("decrement quota: %w", err)
			} else if n == 0 {
				// Commit so renewal and reaping above are kept.
				exceeded = true
				return nil
			}
		}

		res = &Reservation{
			ID:        ulid.Make().String(),
			UserID:    userID,
			Epoch:     rec.Epoch,
			Metered:   metered,
			CreatedAt: now,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reservations (id, user_id, epoch, metered, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			res.ID, res.UserID, res.Epoch, store.BoolToInt(res.Metered), res.CreatedAt.Unix()); err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
		return nil
	})

	switch {
	case err != nil:
		metrics.QuotaReservationsTotal.WithLabelValues(reserveResultLabel(err)).Inc()
		return nil, fmt.Errorf("reserve quota: %w", err)
	case exceeded:
		metrics.QuotaReservationsTotal.WithLabelValues("exceeded").Inc()
		return nil, ErrQuotaExceeded
	}

	metrics.QuotaReservationsTotal.WithLabelValues("reserved").Inc()
	log.Debug().
		Str("user_id", userID).
		Str("reservation_id", res.ID).
		Bool("metered", res.Metered).
		Msg("Quota reserved")
	return res, nil
}

func reserveResultLabel(err error) string {
	switch {
	case errors.Is(err, ErrAccountClosed):
		return "closed"
	case errors.Is(err, ErrAccountNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// Commit finalizes a reservation: the held unit stays consumed.
func (l *Ledger) Commit(ctx context.Context, r *Reservation) error {
	if r == nil {
		return ErrReservationNotFound
	}
	err := l.db.InTx(ctx, func(tx *store.Tx) error {
		row, err := takeReservation(ctx, tx, r.ID)
		if err != nil {
			return err
		}
		// Usage from a superseded period is not charged to the new one.
		if _, err := tx.ExecContext(ctx, `
			UPDATE entitlements
			SET quota_used = quota_used + 1, updated_at = ?
			WHERE user_id = ? AND epoch = ?`,
			l.clock().Unix(), row.UserID, row.Epoch); err != nil {
			return fmt.Errorf("record usage: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit reservation %s: %w", r.ID, err)
	}
	metrics.QuotaSettlementsTotal.WithLabelValues("commit").Inc()
	return nil
}

// Release returns a reservation's unit. The unit is restored only when the
// reservation was metered and the quota has not been reset since it was taken.
func (l *Ledger) Release(ctx context.Context, r *Reservation) error {
	if r == nil {
		return ErrReservationNotFound
	}
	err := l.db.InTx(ctx, func(tx *store.Tx) error {
		row, err := takeReservation(ctx, tx, r.ID)
		if err != nil {
			return err
		}
		if !row.Metered {
			return nil
		}
		rec, err := l.load(ctx, tx, row.UserID)
		if err != nil {
			return err
		}
		return l.restoreUnit(ctx, tx, rec, row.Epoch, l.clock())
	})
	if err != nil {
		return fmt.Errorf("release reservation %s: %w", r.ID, err)
	}
	metrics.QuotaSettlementsTotal.WithLabelValues("release").Inc()
	return nil
}

// ApplyPaymentEvent applies a verified payment event at most once per EventID.
func (l *Ledger) ApplyPaymentEvent(ctx context.Context, ev PaymentEvent) (Outcome, error) {
	if strings.TrimSpace(ev.Signature) == "" {
		return OutcomeRejected, ErrInvalidSignature
	}
	if err := validateEvent(ev); err != nil {
		return OutcomeRejected, err
	}

	outcome := OutcomeRecorded
	err := l.db.InTx(ctx, func(tx *store.Tx) error {
		now := l.clock()
		result, err := tx.ExecContext(ctx, `
			INSERT INTO payment_events (event_id, user_id, tier, status, event_type, reference, received_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (event_id) DO NOTHING`,
			ev.EventID, ev.UserID, string(ev.Tier), string(ev.Status), ev.Type, ev.Reference, now.Unix())
		if err != nil {
			return fmt.Errorf("record payment event: %w", err)
		}
		if n, err := result.RowsAffected(); err != nil {
			return fmt.Errorf("record payment event: %w", err)
		} else if n == 0 {
			outcome = OutcomeDuplicate
			return nil
		}

		if err := l.provision(ctx, tx, ev.UserID, now); err != nil {
			return err
		}

		switch ev.Status {
		case PaymentSucceeded:
			rec, err := l.load(ctx, tx, ev.UserID)
			if err != nil {
				return err
			}
			// Checkout and the first invoice both confirm one subscription.
			// Renewals arrive the same way; the period rollover refills those.
			if ev.Reference != "" && ev.Reference == rec.PaymentReference && ev.Tier == rec.Tier {
				return nil
			}
			if err := l.resetTo(ctx, tx, ev.UserID, l.plans.Get(ev.Tier), ev.Reference, now); err != nil {
				return err
			}
			outcome = OutcomeApplied
		case PaymentRefunded, PaymentCanceled:
			rec, err := l.load(ctx, tx, ev.UserID)
			if err != nil {
				return err
			}
			// A refund or cancellation of a superseded payment leaves the
			// current subscription alone.
			if ev.Reference != "" && rec.PaymentReference != "" && ev.Reference != rec.PaymentReference {
				return nil
			}
			if err := l.resetTo(ctx, tx, ev.UserID, l.plans.Get(TierFree), "", now); err != nil {
				return err
			}
			outcome = OutcomeApplied
		case PaymentFailed:
		}
		return nil
	})
	if err != nil {
		return OutcomeRejected, fmt.Errorf("apply payment event %s: %w", ev.EventID, err)
	}

	log.Info().
		Str("event_id", ev.EventID).
		Str("user_id", ev.UserID).
		Str("tier", string(ev.Tier)).
		Str("status", string(ev.Status)).
		Str("outcome", string(outcome)).
		Msg("Payment event processed")
	return outcome, nil
}

func validateEvent(ev PaymentEvent) error {
	if strings.TrimSpace(ev.EventID) == "" {
		return fmt.Errorf("%w: missing event id", ErrInvalidEvent)
	}
	if strings.TrimSpace(ev.UserID) == "" {
		return fmt.Errorf("%w: missing user id", ErrInvalidEvent)
	}
	switch ev.Status {
	case PaymentSucceeded:
		if _, err := ParseTier(string(ev.Tier)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
	case PaymentFailed, PaymentRefunded, PaymentCanceled:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidEvent, ev.Status)
	}
	return nil
}

// CloseAccount soft-expires the record. Later reservations fail with
// ErrAccountClosed; the row itself is kept.
func (l *Ledger) CloseAccount(ctx context.Context, userID string) error {
	err := l.db.InTx(ctx, func(tx *store.Tx) error {
		now := l.clock()
		result, err := tx.ExecContext(ctx, `
			UPDATE entitlements SET closed_at = ?, updated_at = ?
			WHERE user_id = ? AND closed_at IS NULL`,
			now.Unix(), now.Unix(), userID)
		if err != nil {
			return err
		}
		if n, _ := result.RowsAffected(); n == 0 {
			// Either already closed (fine) or absent.
			_, err := l.load(ctx, tx, userID)
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("close entitlement: %w", err)
	}
	log.Info().Str("user_id", userID).Msg("Entitlement closed")
	return nil
}

func (l *Ledger) provision(ctx context.Context, tx *store.Tx, userID string, now time.Time) error {
	plan := l.plans.Get(TierFree)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO entitlements (user_id, tier, quota_remaining, quota_used, quota_reset_at, epoch,
			payment_reference, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, 0, '', ?, ?)
		ON CONFLICT (user_id) DO NOTHING`,
		userID, string(TierFree), plan.StartingQuota(), plan.Period.Next(now).Unix(), now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("provision entitlement: %w", err)
	}
	return nil
}

// resetTo moves the user onto plan with a fresh allotment and a new epoch.
func (l *Ledger) resetTo(ctx context.Context, tx *store.Tx, userID string, plan Plan, reference string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE entitlements
		SET tier = ?, quota_remaining = ?, quota_used = 0, quota_reset_at = ?,
			epoch = epoch + 1, payment_reference = ?, updated_at = ?
		WHERE user_id = ?`,
		string(plan.Tier), plan.StartingQuota(), plan.Period.Next(now).Unix(), reference, now.Unix(), userID)
	if err != nil {
		return fmt.Errorf("reset entitlement to %s: %w", plan.Tier, err)
	}
	return nil
}

// loadCurrent loads the record and applies a due renewal.
func (l *Ledger) loadCurrent(ctx context.Context, tx *store.Tx, userID string, now time.Time) (*Record, error) {
	rec, err := l.load(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if now.Before(rec.QuotaResetAt) {
		return rec, nil
	}

	plan := l.plans.Get(rec.Tier)
	next := rec.QuotaResetAt
	for !next.After(now) {
		next = plan.Period.Next(next)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE entitlements
		SET quota_remaining = ?, quota_used = 0, quota_reset_at = ?, epoch = epoch + 1, updated_at = ?
		WHERE user_id = ? AND epoch = ?`,
		plan.StartingQuota(), next.Unix(), now.Unix(), userID, rec.Epoch); err != nil {
		return nil, fmt.Errorf("renew quota: %w", err)
	}

	log.Debug().
		Str("user_id", userID).
		Str("tier", string(rec.Tier)).
		Time("next_reset", next).
		Msg("Quota renewed")

	rec.QuotaRemaining = plan.StartingQuota()
	rec.QuotaUsed = 0
	rec.QuotaResetAt = next
	rec.Epoch++
	rec.UpdatedAt = now
	return rec, nil
}

// reapStale drops the user's reservations older than the TTL, restoring their
// units when they belong to the current epoch.
func (l *Ledger) reapStale(ctx context.Context, tx *store.Tx, rec *Record, now time.Time) error {
	cutoff := now.Add(-l.reservationTTL).Unix()
	rows, err := tx.QueryContext(ctx, `
		SELECT id, epoch, metered FROM reservations
		WHERE user_id = ? AND created_at < ?`, rec.UserID, cutoff)
	if err != nil {
		return fmt.Errorf("find stale reservations: %w", err)
	}
	type stale struct {
		id      string
		epoch   int64
		metered bool
	}
	var found []stale
	for rows.Next() {
		var s stale
		var metered int
		if err := rows.Scan(&s.id, &s.epoch, &metered); err != nil {
			rows.Close()
			return fmt.Errorf("scan stale reservation: %w", err)
		}
		s.metered = metered != 0
		found = append(found, s)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, s := range found {
		if _, err := tx.ExecContext(ctx, `DELETE FROM reservations WHERE id = ?`, s.id); err != nil {
			return fmt.Errorf("reap reservation %s: %w", s.id, err)
		}
		if s.metered {
			if err := l.restoreUnit(ctx, tx, rec, s.epoch, now); err != nil {
				return err
			}
			if s.epoch == rec.Epoch {
				rec.QuotaRemaining = min(rec.QuotaRemaining+1, l.plans.Get(rec.Tier).StartingQuota())
			}
		}
		metrics.QuotaSettlementsTotal.WithLabelValues("reaped").Inc()
		log.Warn().
			Str("user_id", rec.UserID).
			Str("reservation_id", s.id).
			Msg("Reaped stale quota reservation")
	}
	return nil
}

// restoreUnit gives one unit back if epoch is still current, capped at the allotment.
func (l *Ledger) restoreUnit(ctx context.Context, tx *store.Tx, rec *Record, epoch int64, now time.Time) error {
	if epoch != rec.Epoch {
		return nil
	}
	allotment := l.plans.Get(rec.Tier).StartingQuota()
	_, err := tx.ExecContext(ctx, `
		UPDATE entitlements
		SET quota_remaining = CASE WHEN quota_remaining < ? THEN quota_remaining + 1 ELSE quota_remaining END,
			updated_at = ?
		WHERE user_id = ? AND epoch = ?`,
		allotment, now.Unix(), rec.UserID, epoch)
	if err != nil {
		return fmt.Errorf("restore quota unit: %w", err)
	}
	return nil
}

func (l *Ledger) load(ctx context.Context, tx *store.Tx, userID string) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM entitlements WHERE user_id = ?`
	if tx.Dialect() == store.DialectPostgres {
		query += ` FOR UPDATE`
	}
	rec, err := scanRecord(tx.QueryRowContext(ctx, query, userID))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrAccountNotFound
	}
	return rec, nil
}

type reservationRow struct {
	UserID  string
	Epoch   int64
	Metered bool
}

// takeReservation deletes the reservation row and returns what it held.
func takeReservation(ctx context.Context, tx *store.Tx, id string) (*reservationRow, error) {
	var row reservationRow
	var metered int
	err := tx.QueryRowContext(ctx, `
		DELETE FROM reservations WHERE id = ?
		RETURNING user_id, epoch, metered`, id).Scan(&row.UserID, &row.Epoch, &metered)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("take reservation: %w", err)
	}
	row.Metered = metered != 0
	return &row, nil
}

func scanRecord(s store.Scanner) (*Record, error) {
	var rec Record
	var tier string
	var resetAt, createdAt, updatedAt int64
	var closedAt sql.NullInt64

	err := s.Scan(
		&rec.UserID, &tier, &rec.QuotaRemaining, &rec.QuotaUsed, &resetAt, &rec.Epoch,
		&rec.PaymentReference, &closedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan entitlement: %w", err)
	}
	rec.Tier = Tier(tier)
	rec.QuotaResetAt = time.Unix(resetAt, 0).UTC()
	rec.ClosedAt = store.TimeFromNullUnix(closedAt)
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &rec, nil
}
