// Package main запускает HTTP-сервер сервиса leadtokens.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rmartinelli/leadtokens/internal/billing"
	"github.com/rmartinelli/leadtokens/internal/config"
	"github.com/rmartinelli/leadtokens/internal/handler"
	"github.com/rmartinelli/leadtokens/internal/repository"
	"github.com/rmartinelli/leadtokens/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	// Интерфейс заполняется только при наличии адреса: типизированный nil
	// в интерфейсе сломал бы проверку client == nil внутри сервиса.
	var billingClient service.BillingClient
	if cfg.BillingAPIURL != "" {
		billingClient = billing.NewClient(cfg.BillingAPIURL, cfg.BillingAPIKey)
	}

	svc := service.NewService(repo, billingClient, logger)
	defer svc.Close()

	h := handler.NewHandler(svc, logger, cfg.WebhookSecret, cfg.AllowedOrigin)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновой сверки незавершённых платежей
	g.Go(func() error {
		svc.StartReconciliation(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting leadtokens server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
