package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dukerupert/valley/internal/auth"
	"github.com/dukerupert/valley/internal/backup"
	"github.com/dukerupert/valley/internal/database"
	"github.com/dukerupert/valley/internal/email"
	"github.com/dukerupert/valley/internal/server"
	"github.com/dukerupert/valley/internal/store"
	stripeclient "github.com/dukerupert/valley/internal/stripe"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, logger, err := load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateServe(); err != nil {
		return err
	}

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	gateway := stripeclient.NewClient(stripeclient.Config{
		SecretKey:     cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		Timeout:       cfg.Gateway.Timeout,
	})

	emailClient := email.NewClient(cfg.Postmark.ServerToken, cfg.Postmark.FromEmail, cfg.BaseURL)
	srvCfg := server.Config{
		BaseURL:        cfg.BaseURL,
		WSOrigins:      cfg.WSOrigins,
		Gateway:        gateway,
		Mailer:         emailClient,
		Tokens:         auth.NewTokens(cfg.JWTSecret),
		GatewayTimeout: cfg.Gateway.Timeout,
		RetryAttempts:  cfg.Gateway.RetryAttempts,
		RetryDelay:     cfg.Gateway.RetryDelay,
	}
	if emailClient.Configured() {
		srvCfg.Notifier = email.NewNotifier(emailClient, cfg.Postmark.OwnerEmail, cfg.BaseURL)
	} else {
		logger.Warn("postmark not configured, purchase emails disabled")
	}

	srv := server.New(db, srvCfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backupMgr := backup.NewManager(backupConfig(cfg), db, store.NewBackupStore(db), logger.With("component", "backup"))
	backupMgr.Start(ctx)
	defer backupMgr.Stop()

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				srv.Cleanup(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("valley starting", "addr", httpServer.Addr, "base_url", cfg.BaseURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
