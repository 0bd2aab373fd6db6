// Package app собирает зависимости приложения для сервера и CLI.
package app

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/ignatzorin/agripay-backend/internal/ai"
	"github.com/ignatzorin/agripay-backend/internal/config"
	"github.com/ignatzorin/agripay-backend/internal/db"
	"github.com/ignatzorin/agripay-backend/internal/gateway"
	"github.com/ignatzorin/agripay-backend/internal/logger"
	"github.com/ignatzorin/agripay-backend/internal/repository"
	"github.com/ignatzorin/agripay-backend/internal/repository/memory"
	"github.com/ignatzorin/agripay-backend/internal/service"
)

// LedgerBackend хранилище кошельков, проводок и резервов.
type LedgerBackend interface {
	service.LedgerStore
	service.ReserveStore
}

// Stores выбранное хранилище. DB равен nil для хранилища в памяти.
type Stores struct {
	DB       *sqlx.DB
	Ledger   LedgerBackend
	Disputes service.DisputeStore
}

// Close освобождает соединение с базой.
func (s *Stores) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// OpenStores подключает хранилище по STORAGE_DRIVER. Для postgres при migrate=true применяет миграции.
func OpenStores(ctx context.Context, cfg *config.Config, migrate bool) (*Stores, error) {
	log := logger.Component("app")

	switch cfg.StorageDriver {
	case config.StorageDriverMemory:
		log.Warn("используется хранилище в памяти, данные не сохраняются между запусками")
		ledgerStore := memory.NewLedgerStore()
		return &Stores{Ledger: ledgerStore, Disputes: memory.NewDisputeStore(ledgerStore)}, nil

	case config.StorageDriverPostgres:
		conn, err := db.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if migrate {
			if _, err := db.RunMigrations(ctx, conn, cfg.MigrationsPath); err != nil {
				_ = conn.Close()
				return nil, err
			}
		}
		return &Stores{
			DB:       conn,
			Ledger:   repository.NewLedgerRepository(conn),
			Disputes: repository.NewDisputeRepository(conn),
		}, nil
	}
	return nil, fmt.Errorf("app: неизвестное хранилище %q", cfg.StorageDriver)
}

// Services доменные сервисы.
type Services struct {
	Gate     *service.TrustGate
	Wallets  *service.WalletService
	Reserves *service.ReserveService
	Disputes *service.DisputeService
}

// NewServices связывает сервисы. events может быть nil.
func NewServices(cfg *config.Config, stores *Stores, events service.WalletEventPublisher) *Services {
	gate := service.NewTrustGate(stores.Ledger, service.NewStaticTrustScorer(cfg.Trust.DefaultScore), cfg.Trust)
	wallets := service.NewWalletService(stores.Ledger, gate, gateway.NewSandbox(cfg.GatewayPayoutCeiling), events, cfg.Wallet)
	reserves := service.NewReserveService(stores.Ledger, stores.Ledger, gate, events)

	var analyzer service.DisputeAnalyzer
	if cfg.AI.Enabled() {
		analyzer = ai.NewDisputeAnalyzer(cfg.AI)
	} else {
		logger.Component("app").Warn("AI_BASE_URL не задан, анализ споров недоступен")
	}
	disputes := service.NewDisputeService(stores.Disputes, reserves, stores.Ledger, analyzer, cfg.AI.Timeout, cfg.Wallet.Currency)

	return &Services{Gate: gate, Wallets: wallets, Reserves: reserves, Disputes: disputes}
}
