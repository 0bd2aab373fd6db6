package ws

import (
	"context"

	"github.com/ignatzorin/agripay-backend/internal/models"
)

// EventWalletChanged имя события об изменении баланса.
const EventWalletChanged = "wallet.changed"

// WalletPublisher доставляет события кошелька владельцу через хаб.
type WalletPublisher struct {
	hub *Hub
}

func NewWalletPublisher(hub *Hub) *WalletPublisher {
	return &WalletPublisher{hub: hub}
}

func (p *WalletPublisher) PublishWalletChanged(ctx context.Context, e models.WalletChangedEvent) error {
	return p.hub.BroadcastToUser(ctx, e.OwnerID, EventWalletChanged, e)
}
