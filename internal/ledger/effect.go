// Package ledger содержит чистую логику проводок: таблицу эффектов, проверку
// связанных пар, расчёт урегулирования резерва и воспроизведение журнала.
// Хранилища (PostgreSQL, память) применяют её внутри своих транзакций.
package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ignatzorin/agripay-backend/internal/models"
)

// Delta изменение доступного баланса и резерва кошелька.
type Delta struct {
	Balance decimal.Decimal
	Reserve decimal.Decimal
}

// Effect возвращает изменение кошелька для проводки типа t.
func Effect(t models.TransactionType, leg models.Leg, amount decimal.Decimal) (Delta, error) {
	zero := decimal.Zero
	neg := amount.Neg()

	switch t {
	case models.TransactionTypeDeposit, models.TransactionTypeRefund,
		models.TransactionTypeTransferIn, models.TransactionTypeCommission:
		return Delta{Balance: amount, Reserve: zero}, nil
	case models.TransactionTypeWithdrawal, models.TransactionTypePayment,
		models.TransactionTypeTransferOut, models.TransactionTypeFee:
		return Delta{Balance: neg, Reserve: zero}, nil
	case models.TransactionTypeReserveHold:
		return Delta{Balance: neg, Reserve: amount}, nil
	case models.TransactionTypeReserveRefund:
		return Delta{Balance: amount, Reserve: neg}, nil
	case models.TransactionTypeReserveRelease:
		switch leg {
		case models.LegSource:
			return Delta{Balance: zero, Reserve: neg}, nil
		case models.LegTarget:
			return Delta{Balance: amount, Reserve: zero}, nil
		}
		return Delta{}, fmt.Errorf("ledger: reserve_release требует сторону source или target, получено %q", leg)
	}
	return Delta{}, fmt.Errorf("ledger: неизвестный тип транзакции %q", t)
}

// IsOutgoing сообщает, уменьшает ли проводка доступный баланс владельца.
func IsOutgoing(t models.TransactionType) bool {
	for _, out := range models.OutgoingTransactionTypes {
		if out == t {
			return true
		}
	}
	return false
}

// linkedPartner возвращает парную проводку для связанных типов.
func linkedPartner(t models.TransactionType, leg models.Leg) (models.TransactionType, models.Leg, bool) {
	switch t {
	case models.TransactionTypeTransferOut:
		return models.TransactionTypeTransferIn, models.LegSingle, true
	case models.TransactionTypeTransferIn:
		return models.TransactionTypeTransferOut, models.LegSingle, true
	case models.TransactionTypeFee:
		return models.TransactionTypeCommission, models.LegSingle, true
	case models.TransactionTypeCommission:
		return models.TransactionTypeFee, models.LegSingle, true
	case models.TransactionTypeReserveRelease:
		if leg == models.LegSource {
			return models.TransactionTypeReserveRelease, models.LegTarget, true
		}
		return models.TransactionTypeReserveRelease, models.LegSource, true
	}
	return "", models.LegSingle, false
}

// opensPair сообщает, что проводка начинает связанную пару (дебетовая сторона).
func opensPair(t models.TransactionType, leg models.Leg) bool {
	switch t {
	case models.TransactionTypeTransferOut, models.TransactionTypeFee:
		return true
	case models.TransactionTypeReserveRelease:
		return leg == models.LegSource
	}
	return false
}
