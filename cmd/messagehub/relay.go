package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/4xmen/messagehub/internal/relay"
	"github.com/4xmen/messagehub/pkg/config"
)

const tokenTTL = 24 * time.Hour

func init() {
	rootCmd.AddCommand(relayCmd)
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Start the message API and event relay",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runRelay(ctx, cfg)
	},
}

func runRelay(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	// Ensure data directories exist
	if err := os.MkdirAll(cfg.FileStoragePath, 0o755); err != nil {
		return fmt.Errorf("failed to create upload dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return fmt.Errorf("failed to create database dir: %w", err)
	}

	store, err := relay.OpenStore(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	auth := relay.NewAuth(store, cfg.JWTSecret, tokenTTL)
	hub := relay.NewHub(store, log)
	go hub.Run(ctx)

	router := relay.NewRouter(store, hub, auth, relay.Options{
		Production:    cfg.Environment == "production",
		CORSOrigins:   cfg.CORSOrigins,
		StoragePath:   cfg.FileStoragePath,
		MaxUploadSize: cfg.MaxUploadSize,
		Logger:        log,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%s", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("relay listening", "addr", srv.Addr, "env", cfg.Environment)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
