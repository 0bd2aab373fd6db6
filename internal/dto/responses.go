package dto

import (
	"github.com/ignatzorin/agripay-backend/internal/ledger"
	"github.com/ignatzorin/agripay-backend/internal/models"
)

// ErrorResponse represents a standard error response
type ErrorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// SuccessResponse represents a standard success response
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ListResponse represents a paginated list
type ListResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// NewListResponse гарантирует, что items сериализуется как [], а не null.
func NewListResponse[T any](items []T, limit, offset int) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Items: items, Limit: limit, Offset: offset}
}

// WalletResponse кошелёк с признаком, что он создан этим запросом.
type WalletResponse struct {
	*models.Wallet
	PinSet bool `json:"pin_set"`
}

func NewWalletResponse(w *models.Wallet) *WalletResponse {
	return &WalletResponse{Wallet: w, PinSet: w.HasPin()}
}

// ReconciliationResponse результат сверки журнала с проекцией.
type ReconciliationResponse struct {
	*ledger.Reconciliation
	Consistent bool `json:"consistent"`
}

func NewReconciliationResponse(r *ledger.Reconciliation) *ReconciliationResponse {
	return &ReconciliationResponse{Reconciliation: r, Consistent: r.Consistent()}
}
