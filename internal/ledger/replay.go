package ledger

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ignatzorin/agripay-backend/internal/models"
)

// Reconciliation результат сверки проекции кошелька с журналом.
type Reconciliation struct {
	WalletID        uuid.UUID       `json:"wallet_id"`
	ExpectedBalance decimal.Decimal `json:"expected_balance"`
	ExpectedReserve decimal.Decimal `json:"expected_reserve"`
	ActualBalance   decimal.Decimal `json:"actual_balance"`
	ActualReserve   decimal.Decimal `json:"actual_reserve"`
	Transactions    int             `json:"transactions"`
	Issues          []string        `json:"issues,omitempty"`
}

// Consistent сообщает, что проекция совпала с журналом.
func (r *Reconciliation) Consistent() bool {
	return len(r.Issues) == 0
}

// Replay воспроизводит завершённые проводки кошелька в порядке seq и сверяет
// результат с текущей проекцией.
func Replay(wallet *models.Wallet, txs []models.Transaction) *Reconciliation {
	ordered := make([]models.Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx.WalletID == wallet.ID && tx.Status == models.TransactionStatusCompleted {
			ordered = append(ordered, tx)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	rec := &Reconciliation{
		WalletID:      wallet.ID,
		ActualBalance: wallet.Balance,
		ActualReserve: wallet.ReserveBalance,
		Transactions:  len(ordered),
	}

	balance, reserve := decimal.Zero, decimal.Zero
	for _, tx := range ordered {
		if !tx.BalanceBefore.Equal(balance) || !tx.ReserveBefore.Equal(reserve) {
			rec.Issues = append(rec.Issues, fmt.Sprintf(
				"транзакция %s: ожидалось состояние до %s/%s, записано %s/%s",
				tx.ID, balance.StringFixed(2), reserve.StringFixed(2),
				tx.BalanceBefore.StringFixed(2), tx.ReserveBefore.StringFixed(2)))
		}

		delta, err := Effect(tx.Type, tx.Leg, tx.Amount)
		if err != nil {
			rec.Issues = append(rec.Issues, fmt.Sprintf("транзакция %s: %v", tx.ID, err))
			continue
		}
		if !delta.Balance.Equal(tx.BalanceDelta()) || !delta.Reserve.Equal(tx.ReserveDelta()) {
			rec.Issues = append(rec.Issues, fmt.Sprintf(
				"транзакция %s (%s): записанное изменение не совпадает с таблицей эффектов", tx.ID, tx.Type))
		}
		balance = balance.Add(delta.Balance)
		reserve = reserve.Add(delta.Reserve)
	}

	rec.ExpectedBalance = balance
	rec.ExpectedReserve = reserve
	if !balance.Equal(wallet.Balance) || !reserve.Equal(wallet.ReserveBalance) {
		rec.Issues = append(rec.Issues, fmt.Sprintf(
			"проекция %s/%s не совпадает с журналом %s/%s",
			wallet.Balance.StringFixed(2), wallet.ReserveBalance.StringFixed(2),
			balance.StringFixed(2), reserve.StringFixed(2)))
	}
	return rec
}
