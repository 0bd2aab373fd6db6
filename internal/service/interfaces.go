package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ignatzorin/agripay-backend/internal/ledger"
	"github.com/ignatzorin/agripay-backend/internal/models"
)

// LedgerStore хранилище кошельков и журнала транзакций.
// Реализации: repository.LedgerRepository (PostgreSQL) и memory.LedgerStore.
type LedgerStore interface {
	CreateWallet(ctx context.Context, w *models.Wallet) (*models.Wallet, bool, error)
	GetWallet(ctx context.Context, id uuid.UUID) (*models.Wallet, error)
	GetWalletByOwner(ctx context.Context, ownerID uuid.UUID) (*models.Wallet, error)
	ListWalletIDs(ctx context.Context) ([]uuid.UUID, error)
	UpdateWallet(ctx context.Context, id uuid.UUID, mutate func(w *models.Wallet) error) (*models.Wallet, error)
	Post(ctx context.Context, batch ledger.Batch) (*ledger.Posting, error)
	TransactionsByKey(ctx context.Context, key string) ([]models.Transaction, error)
	ListTransactions(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]models.Transaction, error)
	JournalFor(ctx context.Context, walletID uuid.UUID) ([]models.Transaction, error)
	SumOutgoingSince(ctx context.Context, walletID uuid.UUID, since time.Time) (decimal.Decimal, error)
}

// ReserveStore хранилище резервов. Удержание и урегулирование проводятся
// в той же транзакции, что и проводки по кошелькам.
type ReserveStore interface {
	HoldReserve(ctx context.Context, orderID, buyerWalletID, sellerWalletID uuid.UUID, amount decimal.Decimal, dailyCap *ledger.DailyCap) (*models.ReserveResult, error)
	SettleReserve(ctx context.Context, orderID uuid.UUID, kind models.SettlementKind, fraction decimal.Decimal) (*models.ReserveResult, error)
	MarkReserveDisputed(ctx context.Context, orderID uuid.UUID) (*models.Reserve, error)
	GetReserve(ctx context.Context, orderID uuid.UUID) (*models.Reserve, error)
	ListReserves(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]models.Reserve, error)
}

// WalletReader чтение кошельков для проверки участников.
type WalletReader interface {
	GetWallet(ctx context.Context, id uuid.UUID) (*models.Wallet, error)
	GetWalletByOwner(ctx context.Context, ownerID uuid.UUID) (*models.Wallet, error)
}

// PaymentGateway внешний платёжный шлюз (M-Pesa, банк, карта).
type PaymentGateway interface {
	InitiateDeposit(ctx context.Context, method models.PaymentMethod, amount decimal.Decimal) (string, error)
	InitiateWithdrawal(ctx context.Context, method models.PaymentMethod, amount decimal.Decimal) (string, error)
}

// DisputeAnalyzer внешняя модель, дающая рекомендацию по спору.
type DisputeAnalyzer interface {
	Analyze(ctx context.Context, req models.AnalysisRequest) (*models.AIAnalysis, error)
}

// WalletEventPublisher доставляет события об изменении кошелька.
type WalletEventPublisher interface {
	PublishWalletChanged(ctx context.Context, event models.WalletChangedEvent) error
}

// TrustScorer возвращает оценку доверия пользователя в диапазоне [0, 100].
type TrustScorer interface {
	TrustScore(ctx context.Context, userID uuid.UUID) (float64, error)
}

// Authorizer проверка операций перед движением средств.
type Authorizer interface {
	Authorize(ctx context.Context, req GateRequest) (Decision, error)
	VerifyPIN(ctx context.Context, walletID uuid.UUID, pin string) (Decision, error)
}
