package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/agripay-backend/internal/models"
)

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub()
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub, cancel
}

// dial подключает пользователя userID к хабу через настоящий WebSocket.
func dial(t *testing.T, hub *Hub, userID uuid.UUID) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(conn, hub, userID)
		if err := hub.Register(client); err != nil {
			_ = conn.Close()
			return
		}
		client.Run(context.Background())
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return hub.ConnectedClients(userID) == 1 }, time.Second, 10*time.Millisecond)
	return conn
}

func TestWalletPublisher_DeliversToOwner(t *testing.T) {
	hub, _ := startHub(t)
	owner := uuid.New()
	conn := dial(t, hub, owner)

	event := models.WalletChangedEvent{
		WalletID:      uuid.New(),
		OwnerID:       owner,
		Balance:       decimal.RequireFromString("600"),
		TransactionID: uuid.New(),
		OccurredAt:    time.Now().UTC(),
	}
	require.NoError(t, NewWalletPublisher(hub).PublishWalletChanged(context.Background(), event))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var got struct {
		Type string                    `json:"type"`
		Data models.WalletChangedEvent `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, EventWalletChanged, got.Type)
	assert.Equal(t, event.WalletID, got.Data.WalletID)
	assert.True(t, got.Data.Balance.Equal(event.Balance))
}

func TestHub_ClientDisconnectUnregisters(t *testing.T) {
	hub, _ := startHub(t)
	userID := uuid.New()
	conn := dial(t, hub, userID)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.ConnectedClients(userID) == 0 }, 2*time.Second, 10*time.Millisecond)

	// Без подключений сообщение просто отбрасывается
	assert.NoError(t, hub.BroadcastToUser(context.Background(), userID, "wallet.changed", map[string]string{}))
}

func TestHub_StoppedHubRejectsBroadcast(t *testing.T) {
	hub, cancel := startHub(t)
	cancel()

	assert.Eventually(t, func() bool {
		// Буфер может принять несколько сообщений до остановки цикла
		for i := 0; i < 100; i++ {
			if err := hub.BroadcastToUser(context.Background(), uuid.New(), "x", nil); err != nil {
				return err == ErrHubStopped
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}
