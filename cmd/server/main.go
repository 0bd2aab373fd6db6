package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignatzorin/agripay-backend/internal/app"
	"github.com/ignatzorin/agripay-backend/internal/config"
	httpHandlers "github.com/ignatzorin/agripay-backend/internal/http/handlers"
	httpRouter "github.com/ignatzorin/agripay-backend/internal/http/router"
	"github.com/ignatzorin/agripay-backend/internal/logger"
	"github.com/ignatzorin/agripay-backend/internal/service"
	"github.com/ignatzorin/agripay-backend/internal/storage"
	"github.com/ignatzorin/agripay-backend/internal/ws"
)

func main() {
	// Готовим контекст для graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("main: ошибка загрузки конфигурации: %v", err)
	}
	logger.Init(cfg.LogLevel, cfg.IsProduction())
	mainLog := logger.Component("main")

	stores, err := app.OpenStores(ctx, cfg, true)
	if err != nil {
		mainLog.WithError(err).Fatal("ошибка подключения к хранилищу")
	}
	defer func() {
		if err := stores.Close(); err != nil {
			mainLog.WithError(err).Error("ошибка закрытия базы")
		}
	}()

	evidenceStorage, err := storage.NewEvidenceStorage(cfg.EvidenceStoragePath, cfg.MaxUploadSizeMB)
	if err != nil {
		mainLog.WithError(err).Fatal("не удалось подготовить файловое хранилище")
	}

	// Вебсокеты: клиенты получают события изменения баланса.
	hub := ws.NewHub()
	go hub.Run(ctx)

	services := app.NewServices(cfg, stores, ws.NewWalletPublisher(hub))
	tokenManager := service.NewTokenManager(cfg.JWTSecret, cfg.AccessTokenTTL)

	engine := httpRouter.SetupRouter(cfg, httpRouter.Handlers{
		Health:   httpHandlers.NewHealthHandler(stores.DB, cfg.StorageDriver),
		Wallets:  httpHandlers.NewWalletHandler(services.Wallets, services.Reserves),
		Reserves: httpHandlers.NewReserveHandler(services.Reserves),
		Disputes: httpHandlers.NewDisputeHandler(services.Disputes, evidenceStorage),
		WS:       httpHandlers.NewWSHandler(hub, cfg.AllowedOrigins),
	}, tokenManager)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Завершаем сервер при получении сигнала.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			mainLog.WithError(err).Error("ошибка остановки http сервера")
		}
	}()

	mainLog.WithField("port", cfg.HTTPPort).WithField("storage", cfg.StorageDriver).Info("HTTP сервер запущен")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		mainLog.WithError(err).Fatal("сервер завершился с ошибкой")
	}
}
