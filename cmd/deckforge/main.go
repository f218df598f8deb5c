package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rcourtman/deckforge/internal/accounts"
	"github.com/rcourtman/deckforge/internal/api"
	"github.com/rcourtman/deckforge/internal/billing"
	"github.com/rcourtman/deckforge/internal/config"
	"github.com/rcourtman/deckforge/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const sessionTTL = 24 * time.Hour

var rootCmd = &cobra.Command{
	Use:           "deckforge",
	Short:         "DeckForge - AI slide deck generator",
	Long:          `DeckForge turns a topic into a five-slide deck using a language model, metered by plan quota.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var (
	generateUser   string
	generateTopic  string
	generateOut    string
	generateSource string
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a deck for a user and write it to disk",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGenerate(cmd.Context(), cmd, generateUser, generateTopic, generateSource, generateOut)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "DeckForge %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(out, "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(out, "Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	generateCmd.Flags().StringVar(&generateUser, "user", "", "user id to charge the generation to")
	generateCmd.Flags().StringVar(&generateTopic, "topic", "", "deck topic")
	generateCmd.Flags().StringVarP(&generateOut, "out", "o", "", "output path (defaults to the artifact filename)")
	generateCmd.Flags().StringVar(&generateSource, "source-file", "", "text file the deck should be built from")
	_ = generateCmd.MarkFlagRequired("user")
	_ = generateCmd.MarkFlagRequired("topic")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	// Baseline logger for early startup messages.
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "deckforge"})

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "deckforge"})
	return cfg, nil
}

func runServer(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.RequireServerSecrets(); err != nil {
		return err
	}

	log.Info().Str("version", Version).Msg("Starting DeckForge")

	svc, err := newServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}()

	router := api.NewRouter(&api.Deps{
		BaseURL:      cfg.BaseURL,
		Generator:    svc.pipeline,
		Artifacts:    svc.artifacts,
		Entitlements: svc.ledger,
		Accounts:     accounts.NewService(svc.db, svc.ledger),
		Tokens:       accounts.NewTokens(cfg.JWTSecret, sessionTTL),
		Webhooks:     billing.NewWebhookHandler(cfg.StripeWebhookSecret, svc.ledger, cfg.PriceTiers()),
		DB:           svc.db,
		TempDir:      svc.tempDir,
		CORSOrigins:  cfg.CORSOrigins,
		RateLimit:    cfg.RateLimitPerMinute,
		Version:      Version,

		TrustedProxies: cfg.TrustedProxies,
	})

	serverCfg := api.ServerConfig{
		Addr:         net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.Port)),
		WriteTimeout: cfg.PipelineTimeout + 30*time.Second,
	}
	if cfg.MetricsPort > 0 {
		serverCfg.MetricsAddr = net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.MetricsPort))
	}
	return api.Serve(ctx, serverCfg, router)
}

func runGenerate(ctx context.Context, cmd *cobra.Command, userID, topic, sourceFile, out string) error {
	var source string
	if sourceFile != "" {
		data, err := os.ReadFile(sourceFile)
		if err != nil {
			return fmt.Errorf("read source file: %w", err)
		}
		source = string(data)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	svc, err := newServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	// The CLI acts for users that may not have signed up through the API.
	if _, err := svc.ledger.Open(ctx, userID); err != nil {
		return fmt.Errorf("open entitlement: %w", err)
	}

	result, err := svc.pipeline.GenerateFromSource(ctx, userID, topic, source)
	if err != nil {
		return err
	}

	if out == "" {
		out = result.Artifact.Filename
	}
	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	if err := os.WriteFile(out, result.Artifact.Data, 0o644); err != nil {
		return fmt.Errorf("write deck: %w", err)
	}

	rec, err := svc.ledger.Get(ctx, userID)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Wrote %s (%d slides)\n", out, result.Artifact.SlideCount)
	if result.ArtifactID != "" {
		fmt.Fprintf(w, "Artifact: %s\n", result.ArtifactID)
	}
	if svc.ledger.Plan(rec.Tier).IsUnlimited() {
		fmt.Fprintf(w, "Plan: %s (unlimited)\n", rec.Tier)
	} else {
		fmt.Fprintf(w, "Plan: %s, %d generations remaining until %s\n",
			rec.Tier, rec.QuotaRemaining, rec.QuotaResetAt.Format(time.RFC1123))
	}
	return nil
}
