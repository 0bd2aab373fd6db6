package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type WalletStatus string

// Статусы кошелька
const (
	WalletStatusActive    WalletStatus = "active"
	WalletStatusSuspended WalletStatus = "suspended"
	WalletStatusFrozen    WalletStatus = "frozen"
	WalletStatusClosed    WalletStatus = "closed"
)

// ValidWalletStatuses список валидных статусов кошелька
var ValidWalletStatuses = map[WalletStatus]struct{}{
	WalletStatusActive:    {},
	WalletStatusSuspended: {},
	WalletStatusFrozen:    {},
	WalletStatusClosed:    {},
}

// Wallet хранит проекцию баланса пользователя. Источник истины - журнал транзакций.
type Wallet struct {
	ID                uuid.UUID       `db:"id" json:"id"`
	OwnerID           uuid.UUID       `db:"owner_id" json:"owner_id"`
	Currency          string          `db:"currency" json:"currency"`
	Balance           decimal.Decimal `db:"balance" json:"balance"`
	ReserveBalance    decimal.Decimal `db:"reserve_balance" json:"reserve_balance"`
	Status            WalletStatus    `db:"status" json:"status"`
	DailyLimit        decimal.Decimal `db:"daily_limit" json:"daily_limit"`
	TransactionLimit  decimal.Decimal `db:"transaction_limit" json:"transaction_limit"`
	PinHash           *string         `db:"pin_hash" json:"-"`
	PinFailedAttempts int             `db:"pin_failed_attempts" json:"-"`
	PinLockedUntil    *time.Time      `db:"pin_locked_until" json:"-"`
	Version           int64           `db:"version" json:"version"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// HasPin сообщает, установлен ли PIN.
func (w *Wallet) HasPin() bool {
	return w.PinHash != nil && *w.PinHash != ""
}

// IsActive сообщает, можно ли проводить по кошельку транзакции.
func (w *Wallet) IsActive() bool {
	return w.Status == WalletStatusActive
}

// Balances возвращает пару доступный баланс / резерв.
func (w *Wallet) Balances() Balances {
	return Balances{WalletID: w.ID, Balance: w.Balance, ReserveBalance: w.ReserveBalance}
}

// Balances ответ getBalance.
type Balances struct {
	WalletID       uuid.UUID       `json:"wallet_id"`
	Balance        decimal.Decimal `json:"balance"`
	ReserveBalance decimal.Decimal `json:"reserve_balance"`
}

// WalletChangedEvent публикуется после каждой зафиксированной проводки.
type WalletChangedEvent struct {
	WalletID       uuid.UUID       `json:"wallet_id"`
	OwnerID        uuid.UUID       `json:"owner_id"`
	Balance        decimal.Decimal `json:"balance"`
	ReserveBalance decimal.Decimal `json:"reserve_balance"`
	TransactionID  uuid.UUID       `json:"transaction_id"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

// WalletResult результат операции с кошельком.
type WalletResult struct {
	Transactions []Transaction `json:"transactions"`
	Balance      Balances      `json:"balance"`
	// ExternalRef идентификатор операции во внешнем шлюзе.
	ExternalRef string `json:"external_ref,omitempty"`
	Replayed    bool   `json:"replayed"`
}
