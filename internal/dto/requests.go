package dto

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ignatzorin/agripay-backend/internal/models"
)

// CreateWalletRequest тело POST /wallets. OwnerID задаёт только сотрудник.
type CreateWalletRequest struct {
	OwnerID *uuid.UUID `json:"owner_id"`
}

// DepositRequest пополнение кошелька.
type DepositRequest struct {
	Amount decimal.Decimal      `json:"amount"`
	Method models.PaymentMethod `json:"method"`
}

// WithdrawRequest вывод средств.
type WithdrawRequest struct {
	Amount decimal.Decimal      `json:"amount"`
	Method models.PaymentMethod `json:"method"`
	PIN    string               `json:"pin" binding:"required"`
}

// TransferRequest перевод на другой кошелёк.
type TransferRequest struct {
	ToWalletID  uuid.UUID       `json:"to_wallet_id" binding:"required"`
	Amount      decimal.Decimal `json:"amount"`
	PIN         string          `json:"pin" binding:"required"`
	Description string          `json:"description"`
}

// SetPINRequest установка или смена PIN.
type SetPINRequest struct {
	CurrentPIN string `json:"current_pin"`
	NewPIN     string `json:"new_pin" binding:"required"`
}

// UpdateWalletStatusRequest смена статуса кошелька сотрудником.
type UpdateWalletStatusRequest struct {
	Status models.WalletStatus `json:"status" binding:"required"`
}

// HoldReserveRequest резервирование средств покупателя под заказ.
type HoldReserveRequest struct {
	OrderID        uuid.UUID       `json:"order_id" binding:"required"`
	BuyerWalletID  uuid.UUID       `json:"buyer_wallet_id" binding:"required"`
	SellerWalletID uuid.UUID       `json:"seller_wallet_id" binding:"required"`
	Amount         decimal.Decimal `json:"amount"`
	PIN            string          `json:"pin"`
}

// SettleReserveRequest освобождение или возврат. Без fraction урегулируется весь остаток.
// PIN обязателен для участника сделки.
type SettleReserveRequest struct {
	Fraction *decimal.Decimal `json:"fraction"`
	PIN      string           `json:"pin"`
}

// RaiseDisputeRequest открытие спора.
type RaiseDisputeRequest struct {
	OrderID  uuid.UUID              `json:"order_id" binding:"required"`
	Reason   string                 `json:"reason" binding:"required"`
	Priority models.DisputePriority `json:"priority"`
}

// AddEvidenceRequest доказательство без файла либо со ссылкой на загруженный файл.
type AddEvidenceRequest struct {
	EvidenceType models.EvidenceType `json:"evidence_type" binding:"required"`
	Description  string              `json:"description" binding:"required"`
	FileURL      *string             `json:"file_url"`
	GPSCoords    *models.GPSCoords   `json:"gps_coords"`
}

// ResolveDisputeRequest решение сотрудника.
type ResolveDisputeRequest struct {
	Type           models.ResolutionType `json:"type" binding:"required"`
	RefundFraction *decimal.Decimal      `json:"refund_fraction"`
	Rationale      string                `json:"rationale" binding:"required"`
}

// CloseDisputeRequest административное закрытие.
type CloseDisputeRequest struct {
	Note string `json:"note"`
}
