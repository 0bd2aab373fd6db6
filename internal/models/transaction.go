package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransactionType string

// Типы транзакций
const (
	TransactionTypeDeposit        TransactionType = "deposit"
	TransactionTypeWithdrawal     TransactionType = "withdrawal"
	TransactionTypePayment        TransactionType = "payment"
	TransactionTypeRefund         TransactionType = "refund"
	TransactionTypeReserveHold    TransactionType = "reserve_hold"
	TransactionTypeReserveRelease TransactionType = "reserve_release"
	TransactionTypeReserveRefund  TransactionType = "reserve_refund"
	TransactionTypeTransferIn     TransactionType = "transfer_in"
	TransactionTypeTransferOut    TransactionType = "transfer_out"
	TransactionTypeFee            TransactionType = "fee"
	TransactionTypeCommission     TransactionType = "commission"
)

// OutgoingTransactionTypes типы, которые учитываются в дневном лимите.
var OutgoingTransactionTypes = []TransactionType{
	TransactionTypeWithdrawal,
	TransactionTypePayment,
	TransactionTypeReserveHold,
	TransactionTypeTransferOut,
	TransactionTypeFee,
}

type TransactionStatus string

// Статусы транзакций
const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusReversed  TransactionStatus = "reversed"
)

// Типы ссылок транзакций
const (
	ReferenceTypeOrder      = "order"
	ReferenceTypeDeposit    = "deposit"
	ReferenceTypeWithdrawal = "withdrawal"
	ReferenceTypeTransfer   = "transfer"
)

// Leg сторона связанной проводки. Для reserve_release различает кошелёк
// покупателя (source) и продавца (target).
type Leg string

const (
	LegSingle Leg = ""
	LegSource Leg = "source"
	LegTarget Leg = "target"
)

// Reference связывает транзакцию с внешней сущностью (заказ, платёж шлюза).
type Reference struct {
	Type string
	ID   string
}

// Transaction неизменяемая запись журнала.
type Transaction struct {
	ID             uuid.UUID         `db:"id" json:"id"`
	WalletID       uuid.UUID         `db:"wallet_id" json:"wallet_id"`
	Type           TransactionType   `db:"type" json:"type"`
	Leg            Leg               `db:"leg" json:"leg,omitempty"`
	Amount         decimal.Decimal   `db:"amount" json:"amount"`
	BalanceBefore  decimal.Decimal   `db:"balance_before" json:"balance_before"`
	BalanceAfter   decimal.Decimal   `db:"balance_after" json:"balance_after"`
	ReserveBefore  decimal.Decimal   `db:"reserve_before" json:"reserve_before"`
	ReserveAfter   decimal.Decimal   `db:"reserve_after" json:"reserve_after"`
	Status         TransactionStatus `db:"status" json:"status"`
	ReferenceType  *string           `db:"reference_type" json:"reference_type,omitempty"`
	ReferenceID    *string           `db:"reference_id" json:"reference_id,omitempty"`
	GroupID        uuid.UUID         `db:"group_id" json:"group_id"`
	IdempotencyKey *string           `db:"idempotency_key" json:"-"`
	Description    *string           `db:"description" json:"description,omitempty"`
	Seq            int64             `db:"seq" json:"-"`
	CreatedAt      time.Time         `db:"created_at" json:"created_at"`
	CompletedAt    *time.Time        `db:"completed_at" json:"completed_at,omitempty"`
}

// BalanceDelta изменение доступного баланса этой транзакцией.
func (t *Transaction) BalanceDelta() decimal.Decimal {
	return t.BalanceAfter.Sub(t.BalanceBefore)
}

// ReserveDelta изменение резерва этой транзакцией.
func (t *Transaction) ReserveDelta() decimal.Decimal {
	return t.ReserveAfter.Sub(t.ReserveBefore)
}
