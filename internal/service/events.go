package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/agripay-backend/internal/metrics"
	"github.com/ignatzorin/agripay-backend/internal/models"
)

type noopPublisher struct{}

func (noopPublisher) PublishWalletChanged(context.Context, models.WalletChangedEvent) error {
	return nil
}

func publisherOrNoop(p WalletEventPublisher) WalletEventPublisher {
	if p == nil {
		return noopPublisher{}
	}
	return p
}

// publishPosting отправляет WalletChanged по каждому затронутому кошельку
// с последней транзакцией этого кошелька. Вызывается только после фиксации.
func publishPosting(ctx context.Context, log *logrus.Entry, p WalletEventPublisher, wallets []models.Wallet, txs []models.Transaction) {
	last := make(map[uuid.UUID]models.Transaction, len(wallets))
	for _, tx := range txs {
		last[tx.WalletID] = tx
		metrics.PostingsTotal.WithLabelValues(string(tx.Type)).Inc()
	}

	for _, w := range wallets {
		tx, ok := last[w.ID]
		if !ok {
			continue
		}
		event := models.WalletChangedEvent{
			WalletID:       w.ID,
			OwnerID:        w.OwnerID,
			Balance:        w.Balance,
			ReserveBalance: w.ReserveBalance,
			TransactionID:  tx.ID,
			OccurredAt:     tx.CreatedAt,
		}
		if err := p.PublishWalletChanged(ctx, event); err != nil {
			log.WithError(err).WithField("wallet_id", w.ID).Warn("не удалось отправить событие wallet.changed")
		}
	}
}
