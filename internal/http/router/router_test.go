package router

import (
	"bytes"
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

	"github.com/ignatzorin/agripay-backend/internal/app"
	"github.com/ignatzorin/agripay-backend/internal/config"
	"github.com/ignatzorin/agripay-backend/internal/http/handlers"
	"github.com/ignatzorin/agripay-backend/internal/models"
	"github.com/ignatzorin/agripay-backend/internal/service"
	"github.com/ignatzorin/agripay-backend/internal/storage"
	"github.com/ignatzorin/agripay-backend/internal/ws"
)

type apiClient struct {
	t      *testing.T
	srv    *httptest.Server
	tokens *service.TokenManager
	hub    *ws.Hub
}

func newAPI(t *testing.T) *apiClient {
	t.Helper()

	cfg := &config.Config{
		Env:                 "test",
		StorageDriver:       config.StorageDriverMemory,
		JWTSecret:           "router-test-secret-router-test-secret",
		AccessTokenTTL:      time.Minute,
		RateLimitLimit:      100,
		RateLimitPeriod:     time.Minute,
		EvidenceStoragePath: t.TempDir(),
		MaxUploadSizeMB:     1,
		AI:                  config.AIConfig{Timeout: time.Second},
		Wallet: config.WalletConfig{
			Currency:         "KES",
			DailyLimit:       decimal.NewFromInt(150000),
			TransactionLimit: decimal.NewFromInt(70000),
		},
		Trust: config.TrustConfig{
			PinMaxAttempts:     5,
			PinLockoutDuration: 30 * time.Minute,
			MinScore:           40,
			DefaultScore:       50,
			HighValueThreshold: decimal.NewFromInt(10000),
			LimitsLocation:     time.UTC,
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	stores, err := app.OpenStores(ctx, cfg, false)
	require.NoError(t, err)
	hub := ws.NewHub()
	go hub.Run(ctx)
	services := app.NewServices(cfg, stores, ws.NewWalletPublisher(hub))

	evidence, err := storage.NewEvidenceStorage(cfg.EvidenceStoragePath, cfg.MaxUploadSizeMB)
	require.NoError(t, err)

	tokens := service.NewTokenManager(cfg.JWTSecret, cfg.AccessTokenTTL)
	engine := SetupRouter(cfg, Handlers{
		Health:   handlers.NewHealthHandler(nil, cfg.StorageDriver),
		Wallets:  handlers.NewWalletHandler(services.Wallets, services.Reserves),
		Reserves: handlers.NewReserveHandler(services.Reserves),
		Disputes: handlers.NewDisputeHandler(services.Disputes, evidence),
		WS:       handlers.NewWSHandler(hub, cfg.AllowedOrigins),
	}, tokens)

	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)
	return &apiClient{t: t, srv: srv, tokens: tokens, hub: hub}
}

func (a *apiClient) token(userID uuid.UUID, role string) string {
	tok, _, err := a.tokens.Issue(userID, role, 0)
	require.NoError(a.t, err)
	return tok
}

func (a *apiClient) call(method, path, token string, body any, headers ...string) (*http.Response, []byte) {
	a.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, a.srv.URL+path, &buf)
	require.NoError(a.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := a.srv.Client().Do(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()

	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(a.t, err)
	return resp, out.Bytes()
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	api := newAPI(t)

	resp, body := api.call(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health handlers.HealthResponse
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, config.StorageDriverMemory, health.Checks["storage"])

	resp, body = api.call(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestRouter_RequiresToken(t *testing.T) {
	api := newAPI(t)

	resp, _ := api.call(http.MethodGet, "/api/wallets/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = api.call(http.MethodGet, "/api/wallets/me", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = api.call(http.MethodGet, storage.PublicPrefix+"/"+uuid.NewString()+"/x.png", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRouter_WalletFlowPushesBalanceOverWebSocket(t *testing.T) {
	api := newAPI(t)
	userID := uuid.New()
	token := api.token(userID, models.RoleUser)

	resp, body := api.call(http.MethodPost, "/api/wallets", token, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var wallet struct {
		ID uuid.UUID `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &wallet))

	resp, body = api.call(http.MethodGet, "/api/wallets/"+uuid.NewString(), token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, string(body))

	wsURL := "ws" + strings.TrimPrefix(api.srv.URL, "http") + "/api/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return api.hub.ConnectedClients(userID) == 1 }, 2*time.Second, 10*time.Millisecond)

	deposit := map[string]any{
		"amount": "150.50",
		"method": models.PaymentMethod{Type: models.PaymentMethodMpesa, Mpesa: &models.MpesaDetails{PhoneNumber: "+254712345678"}},
	}
	resp, body = api.call(http.MethodPost, "/api/wallets/"+wallet.ID.String()+"/deposit", token, deposit, "Idempotency-Key", "router-dep-1")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var envelope struct {
		Type string                    `json:"type"`
		Data models.WalletChangedEvent `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &envelope))
	assert.Equal(t, ws.EventWalletChanged, envelope.Type)
	assert.Equal(t, wallet.ID, envelope.Data.WalletID)
	assert.Equal(t, "150.50", envelope.Data.Balance.StringFixed(2))

	resp, body = api.call(http.MethodGet, "/api/wallets/"+wallet.ID.String()+"/balance", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var balance models.Balances
	require.NoError(t, json.Unmarshal(body, &balance))
	assert.Equal(t, "150.50", balance.Balance.StringFixed(2))
}
