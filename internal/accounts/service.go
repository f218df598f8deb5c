// Package accounts holds user signup, login and password changes. Every new
// account is provisioned a free entitlement record.
package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rcourtman/deckforge/internal/entitlement"
	"github.com/rcourtman/deckforge/internal/store"
	"github.com/rs/zerolog/log"
)

var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrWeakPassword       = errors.New("password does not meet requirements")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrNotFound           = errors.New("account not found")
	ErrClosed             = errors.New("account closed")
)

// Account is a registered user.
type Account struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
}

// Entitlements is the ledger surface accounts drive on signup and closure.
type Entitlements interface {
	Open(ctx context.Context, userID string) (*entitlement.Record, error)
	CloseAccount(ctx context.Context, userID string) error
}

// Service manages accounts.
type Service struct {
	db           *store.DB
	entitlements Entitlements
	now          func() time.Time
}

func NewService(db *store.DB, entitlements Entitlements) *Service {
	return &Service{db: db, entitlements: entitlements, now: time.Now}
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// Register creates an account and its free-tier entitlement.
func (s *Service) Register(ctx context.Context, email, password string) (*Account, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := s.now().UTC().Truncate(time.Second)
	acct := &Account{ID: uuid.NewString(), Email: email, PasswordHash: hash, CreatedAt: now}

	err = s.db.InTx(ctx, func(tx *store.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE email = ?`, email).Scan(&exists)
		if err == nil {
			return ErrEmailTaken
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO accounts (id, email, password_hash, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
			acct.ID, acct.Email, acct.PasswordHash, now.Unix(), now.Unix())
		if err != nil && isUniqueViolation(err) {
			return ErrEmailTaken
		}
		return err
	})
	if err != nil {
		if errors.Is(err, ErrEmailTaken) {
			return nil, err
		}
		return nil, fmt.Errorf("create account: %w", err)
	}

	if _, err := s.entitlements.Open(ctx, acct.ID); err != nil {
		// Open is idempotent and also runs on first login, so signup still succeeds.
		log.Error().Err(err).Str("user_id", acct.ID).Msg("Failed to provision entitlement at signup")
	}

	log.Info().Str("user_id", acct.ID).Msg("Account registered")
	return acct, nil
}

// Authenticate checks credentials. Unknown emails, wrong passwords and closed
// accounts are indistinguishable to the caller.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*Account, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	acct, err := s.scan(s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at, closed_at FROM accounts WHERE email = ?`, email))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if acct.ClosedAt != nil || !CheckPasswordHash(password, acct.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	if _, err := s.entitlements.Open(ctx, acct.ID); err != nil {
		return nil, fmt.Errorf("load entitlement: %w", err)
	}
	return acct, nil
}

// Get returns the account with id.
func (s *Service) Get(ctx context.Context, id string) (*Account, error) {
	return s.scan(s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at, closed_at FROM accounts WHERE id = ?`, id))
}

// Active returns nil when userID names an open account, ErrClosed when it was
// closed and ErrNotFound when it never existed.
func (s *Service) Active(ctx context.Context, userID string) error {
	acct, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	if acct.ClosedAt != nil {
		return ErrClosed
	}
	return nil
}

// ResetPassword replaces the password of an authenticated user.
func (s *Service) ResetPassword(ctx context.Context, userID, newPassword string) error {
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET password_hash = ?, updated_at = ? WHERE id = ? AND closed_at IS NULL`,
		hash, s.now().UTC().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	log.Info().Str("user_id", userID).Msg("Password reset")
	return nil
}

// Close soft-deletes the account and expires its entitlement.
func (s *Service) Close(ctx context.Context, userID string) error {
	now := s.now().UTC().Unix()
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET closed_at = ?, updated_at = ? WHERE id = ? AND closed_at IS NULL`,
		now, now, userID)
	if err != nil {
		return fmt.Errorf("close account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, userID); err != nil {
			return err
		}
	}
	if err := s.entitlements.CloseAccount(ctx, userID); err != nil && !errors.Is(err, entitlement.ErrAccountNotFound) {
		return err
	}
	log.Info().Str("user_id", userID).Msg("Account closed")
	return nil
}

func (s *Service) scan(row store.Scanner) (*Account, error) {
	var acct Account
	var created int64
	var closed sql.NullInt64
	if err := row.Scan(&acct.ID, &acct.Email, &acct.PasswordHash, &created, &closed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	acct.CreatedAt = time.Unix(created, 0).UTC()
	acct.ClosedAt = store.TimeFromNullUnix(closed)
	return &acct, nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
