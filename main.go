package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/leadmap/mailsync/internal/api"
	"github.com/leadmap/mailsync/internal/auth"
	"github.com/leadmap/mailsync/internal/config"
	"github.com/leadmap/mailsync/internal/events"
	"github.com/leadmap/mailsync/internal/mailsync"
	"github.com/leadmap/mailsync/internal/providers/gmail"
	"github.com/leadmap/mailsync/internal/providers/outlook"
	"github.com/leadmap/mailsync/internal/reply"
	"github.com/leadmap/mailsync/internal/secrets"
	"github.com/leadmap/mailsync/internal/store"
	"github.com/leadmap/mailsync/internal/token"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if cfg.TokenKey == "" {
		logger.Error("TOKEN_KEY is required")
		os.Exit(1)
	}
	box, err := secrets.New(cfg.TokenKey)
	if err != nil {
		logger.Error("invalid TOKEN_KEY", "err", err)
		os.Exit(1)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	coordinator := token.NewCoordinator(db, box, token.Config{
		Google: token.ProviderConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
		},
		Microsoft: token.ProviderConfig{
			ClientID:     cfg.MicrosoftClientID,
			ClientSecret: cfg.MicrosoftClientSecret,
		},
		MicrosoftTenant: cfg.MicrosoftTenant,
	}, logger)

	linker := reply.NewLinker(db, logger)
	poller := mailsync.NewPoller(db, linker, logger)

	providerFactory := func(ctx context.Context, mb store.Mailbox, accessToken string) (mailsync.MailProvider, error) {
		switch mb.Provider {
		case store.ProviderGmail:
			return gmail.New(ctx, mb, accessToken)
		case store.ProviderOutlook:
			return outlook.New(ctx, mb, accessToken)
		default:
			return nil, fmt.Errorf("unsupported provider %q", mb.Provider)
		}
	}

	batch := mailsync.NewBatch(mailsync.BatchConfig{
		Store:         db,
		Tokens:        coordinator,
		Box:           box,
		Providers:     providerFactory,
		Poller:        poller,
		RefreshBuffer: cfg.RefreshBuffer,
		Delay:         cfg.MailboxDelay,
		Concurrency:   cfg.SyncConcurrency,
		MaxMessages:   cfg.MaxMessagesPerSync,
		Logger:        logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	publisher, err := events.NewPublisher(cfg.NATSURL)
	if err != nil {
		logger.Error("failed to connect to NATS", "err", err)
		os.Exit(1)
	}
	defer publisher.Close()
	if err := publisher.EnsureStream(ctx); err != nil {
		logger.Error("failed to ensure stream", "err", err)
		os.Exit(1)
	}
	go events.NewDispatcher(db, publisher, logger).Run(ctx)

	var verifier api.Authenticator
	if cfg.JWKSURL != "" {
		v, err := auth.NewVerifier(cfg.JWKSURL)
		if err != nil {
			logger.Error("failed to initialize JWT verifier", "err", err)
			os.Exit(1)
		}
		verifier = v
	} else {
		logger.Warn("JWKS_URL not set, mailbox API disabled")
	}

	server := api.NewServer(db, batch, box, verifier, cfg.CronSecret, logger)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: server.Router(),
	}

	go func() {
		logger.Info("listening", "port", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
}
