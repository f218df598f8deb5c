package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rcourtman/deckforge/internal/artifact"
	"github.com/rcourtman/deckforge/internal/completion"
	"github.com/rcourtman/deckforge/internal/config"
	"github.com/rcourtman/deckforge/internal/deck"
	"github.com/rcourtman/deckforge/internal/entitlement"
	"github.com/rcourtman/deckforge/internal/pipeline"
	"github.com/rcourtman/deckforge/internal/store"
	"github.com/rs/zerolog/log"
)

// services is the dependency graph shared by the serve and generate commands.
type services struct {
	db        *store.DB
	ledger    *entitlement.Ledger
	artifacts *artifact.Store
	pipeline  *pipeline.Pipeline
	tempDir   string
	provider  string
}

func newServices(ctx context.Context, cfg *config.Config) (*services, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.DatabasePath())
	if err != nil {
		return nil, err
	}

	ok := false
	defer func() {
		if !ok {
			_ = db.Close()
		}
	}()

	catalog := entitlement.NewCatalog(cfg.FreeQuota, cfg.ProQuota, cfg.BusinessQuota)
	ledger := entitlement.NewLedger(db, catalog, entitlement.WithReservationTTL(reservationTTL(cfg.PipelineTimeout)))

	blobs, err := newBlobs(ctx, cfg)
	if err != nil {
		return nil, err
	}
	artifacts := artifact.NewStore(db, blobs)

	provider, err := completion.NewFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("configure completion provider: %w", err)
	}
	client := completion.NewClient(provider, cfg.ProviderTimeout)

	tempDir := filepath.Join(cfg.DataDir, "tmp")
	if err := os.MkdirAll(tempDir, 0o700); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	renderer := deck.NewRenderer(tempDir)

	p := pipeline.New(ledger, client, renderer,
		pipeline.WithTimeout(cfg.PipelineTimeout),
		pipeline.WithArtifactSink(artifacts),
		pipeline.WithRegenerateOnMalformed(cfg.RegenerateOnMalformed),
	)

	log.Info().
		Str("provider", client.ProviderName()).
		Str("model", cfg.AIModel).
		Str("artifacts", cfg.ArtifactBackend).
		Str("dialect", string(db.Dialect())).
		Msg("Services initialized")

	ok = true
	return &services{
		db:        db,
		ledger:    ledger,
		artifacts: artifacts,
		pipeline:  p,
		tempDir:   tempDir,
		provider:  client.ProviderName(),
	}, nil
}

func (s *services) Close() error {
	return s.db.Close()
}

func newBlobs(ctx context.Context, cfg *config.Config) (artifact.Blobs, error) {
	switch cfg.ArtifactBackend {
	case config.ArtifactBackendS3:
		return artifact.NewS3Blobs(ctx, cfg.S3Bucket, cfg.S3Region)
	case config.ArtifactBackendFS, "":
		return artifact.NewFSBlobs(cfg.ArtifactsDir())
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.ArtifactBackend)
	}
}

// reservationTTL outlives the slowest generation so the reaper never takes a
// unit back from a request that is still running.
func reservationTTL(pipelineTimeout time.Duration) time.Duration {
	return max(2*pipelineTimeout, 5*time.Minute)
}
