// Package artifact persists generated decks so they can be downloaded later.
package artifact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rcourtman/deckforge/internal/deck"
	"github.com/rcourtman/deckforge/internal/store"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned for unknown ids and for ids owned by someone else.
var ErrNotFound = errors.New("artifact not found")

// Stored is an artifact's metadata row.
type Stored struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Topic       string    `json:"topic"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	SlideCount  int       `json:"slide_count"`
	Size        int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store pairs blob storage with metadata rows in the shared database.
type Store struct {
	db    *store.DB
	blobs Blobs
	now   func() time.Time
}

func NewStore(db *store.DB, blobs Blobs) *Store {
	return &Store{db: db, blobs: blobs, now: time.Now}
}

func blobKey(id string) string {
	return id + ".pdf"
}

// Put stores art for userID and returns its id.
func (s *Store) Put(ctx context.Context, userID, topic string, art *deck.Artifact) (string, error) {
	if art == nil {
		return "", errors.New("nil artifact")
	}
	id := ulid.Make().String()
	if err := s.blobs.Put(ctx, blobKey(id), art.Data, art.ContentType); err != nil {
		return "", err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, user_id, topic, filename, content_type, slide_count, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, userID, topic, art.Filename, art.ContentType, art.SlideCount, int64(len(art.Data)), s.now().UTC().Unix())
	if err != nil {
		if derr := s.blobs.Delete(context.WithoutCancel(ctx), blobKey(id)); derr != nil {
			log.Warn().Err(derr).Str("artifact_id", id).Msg("Failed to remove orphaned artifact blob")
		}
		return "", fmt.Errorf("insert artifact: %w", err)
	}
	return id, nil
}

// Open returns the metadata and content of an artifact owned by userID. The
// caller closes the reader.
func (s *Store) Open(ctx context.Context, userID, id string) (*Stored, io.ReadCloser, error) {
	meta, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, nil, err
	}
	body, err := s.blobs.Get(ctx, blobKey(id))
	if err != nil {
		return nil, nil, err
	}
	return meta, body, nil
}

// Get returns the metadata of an artifact owned by userID.
func (s *Store) Get(ctx context.Context, userID, id string) (*Stored, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, topic, filename, content_type, slide_count, size_bytes, created_at
		FROM artifacts WHERE id = ? AND user_id = ?`, id, userID)
	meta, err := scanStored(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return meta, err
}

// Delete removes an artifact owned by userID: the row first, so the deck stops
// being listed even if the blob removal fails.
func (s *Store) Delete(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	if err := s.blobs.Delete(ctx, blobKey(id)); err != nil {
		log.Warn().Err(err).Str("artifact_id", id).Msg("Failed to remove artifact blob")
	}
	return nil
}

// List returns userID's artifacts, newest first.
func (s *Store) List(ctx context.Context, userID string, limit int) ([]Stored, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, topic, filename, content_type, slide_count, size_bytes, created_at
		FROM artifacts WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []Stored
	for rows.Next() {
		meta, err := scanStored(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *meta)
	}
	return out, rows.Err()
}

func scanStored(s store.Scanner) (*Stored, error) {
	var m Stored
	var created int64
	if err := s.Scan(&m.ID, &m.UserID, &m.Topic, &m.Filename, &m.ContentType, &m.SlideCount, &m.Size, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan artifact: %w", err)
	}
	m.CreatedAt = time.Unix(created, 0).UTC()
	return &m, nil
}
