package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ReserveStatus string

// Статусы резерва (TradeGuard)
const (
	ReserveStatusHeld              ReserveStatus = "held"
	ReserveStatusPartiallyReleased ReserveStatus = "partially_released"
	ReserveStatusReleased          ReserveStatus = "released"
	ReserveStatusRefunded          ReserveStatus = "refunded"
	ReserveStatusDisputed          ReserveStatus = "disputed"
)

// Reserve средства покупателя, удерживаемые под заказ.
type Reserve struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	OrderID        uuid.UUID       `db:"order_id" json:"order_id"`
	BuyerWalletID  uuid.UUID       `db:"buyer_wallet_id" json:"buyer_wallet_id"`
	SellerWalletID uuid.UUID       `db:"seller_wallet_id" json:"seller_wallet_id"`
	Amount         decimal.Decimal `db:"amount" json:"amount"`
	ReleasedAmount decimal.Decimal `db:"released_amount" json:"released_amount"`
	RefundedAmount decimal.Decimal `db:"refunded_amount" json:"refunded_amount"`
	Status         ReserveStatus   `db:"status" json:"status"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
	SettledAt      *time.Time      `db:"settled_at" json:"settled_at,omitempty"`
}

// Remaining сумма, ещё находящаяся в резерве.
func (r *Reserve) Remaining() decimal.Decimal {
	return r.Amount.Sub(r.ReleasedAmount).Sub(r.RefundedAmount)
}

// IsTerminal сообщает, что резерв полностью урегулирован.
func (r *Reserve) IsTerminal() bool {
	return r.Status == ReserveStatusReleased || r.Status == ReserveStatusRefunded
}

// SettlementKind вид урегулирования резерва.
type SettlementKind string

const (
	SettlementRelease SettlementKind = "release"
	SettlementRefund  SettlementKind = "refund"
	SettlementSplit   SettlementKind = "split"
)

// ReserveResult результат удержания или урегулирования резерва.
type ReserveResult struct {
	Reserve      *Reserve      `json:"reserve"`
	Transactions []Transaction `json:"transactions"`
	// Wallets состояние затронутых кошельков после проводки.
	Wallets []Wallet `json:"-"`
	// Replayed true, если вызов повторил уже выполненную операцию.
	Replayed bool `json:"replayed"`
}
