package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/agripay-backend/internal/app"
	"github.com/ignatzorin/agripay-backend/internal/config"
	"github.com/ignatzorin/agripay-backend/internal/http/handlers/common"
	"github.com/ignatzorin/agripay-backend/internal/http/middleware"
	"github.com/ignatzorin/agripay-backend/internal/models"
	"github.com/ignatzorin/agripay-backend/internal/storage"
)

const testPIN = "4826"

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Env:                 "test",
		StorageDriver:       config.StorageDriverMemory,
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
}

// testServer собирает роуты поверх хранилища в памяти.
// Инициатор запроса передаётся заголовками X-Test-User и X-Test-Role.
type testServer struct {
	engine       *gin.Engine
	services     *app.Services
	evidenceRoot string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := testConfig(t)
	stores, err := app.OpenStores(context.Background(), cfg, false)
	require.NoError(t, err)
	services := app.NewServices(cfg, stores, nil)

	evidence, err := storage.NewEvidenceStorage(cfg.EvidenceStoragePath, cfg.MaxUploadSizeMB)
	require.NoError(t, err)

	wallets := NewWalletHandler(services.Wallets, services.Reserves)
	reserves := NewReserveHandler(services.Reserves)
	disputes := NewDisputeHandler(services.Disputes, evidence)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if raw := c.GetHeader("X-Test-User"); raw != "" {
			c.Set(middleware.ContextActorKey, models.NewActor(uuid.MustParse(raw), c.GetHeader("X-Test-Role")))
		}
		c.Next()
	})

	r.POST("/wallets", wallets.CreateWallet)
	r.GET("/wallets/me", wallets.GetMyWallet)
	r.GET("/wallets/:id", wallets.GetWallet)
	r.GET("/wallets/:id/balance", wallets.GetBalance)
	r.POST("/wallets/:id/deposit", wallets.Deposit)
	r.POST("/wallets/:id/withdraw", wallets.Withdraw)
	r.POST("/wallets/:id/transfer", wallets.Transfer)
	r.GET("/wallets/:id/transactions", wallets.ListTransactions)
	r.GET("/wallets/:id/reconcile", wallets.Reconcile)
	r.PUT("/wallets/:id/pin", wallets.SetPIN)
	r.PATCH("/wallets/:id/status", wallets.UpdateStatus)

	r.POST("/reserves", reserves.Hold)
	r.GET("/reserves/:orderId", reserves.GetReserve)
	r.POST("/reserves/:orderId/release", reserves.Release)
	r.POST("/reserves/:orderId/refund", reserves.Refund)
	r.POST("/reserves/:orderId/split", reserves.Split)

	r.POST("/disputes", disputes.Raise)
	r.GET("/disputes", disputes.List)
	r.GET("/disputes/:id", disputes.Get)
	r.POST("/disputes/:id/evidence", disputes.AddEvidence)
	r.POST("/disputes/:id/evidence/upload", disputes.UploadEvidence)
	r.POST("/disputes/:id/analyze", disputes.TriggerAnalysis)
	r.POST("/disputes/:id/resolve", disputes.Resolve)
	r.POST("/disputes/:id/escalate", disputes.Escalate)
	r.POST("/disputes/:id/close", disputes.Close)

	return &testServer{engine: r, services: services, evidenceRoot: cfg.EvidenceStoragePath}
}

type testUser struct {
	actor    models.Actor
	walletID uuid.UUID
}

func (s *testServer) do(t *testing.T, method, path string, as *models.Actor, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if as != nil {
		req.Header.Set("X-Test-User", as.ID.String())
		req.Header.Set("X-Test-Role", as.Role)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

// newUser создаёт кошелёк через API, задаёт PIN и пополняет баланс через песочницу шлюза.
func (s *testServer) newUser(t *testing.T, deposit string) testUser {
	t.Helper()

	actor := models.NewActor(uuid.New(), models.RoleUser)
	w := s.do(t, http.MethodPost, "/wallets", &actor, map[string]any{})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var wallet struct {
		ID uuid.UUID `json:"id"`
	}
	decode(t, w, &wallet)

	w = s.do(t, http.MethodPut, "/wallets/"+wallet.ID.String()+"/pin", &actor, map[string]string{"new_pin": testPIN})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	if decimal.RequireFromString(deposit).IsPositive() {
		w = s.do(t, http.MethodPost, "/wallets/"+wallet.ID.String()+"/deposit", &actor,
			map[string]any{"amount": deposit, "method": mpesaMethod()},
			common.IdempotencyHeader, "seed-"+uuid.NewString())
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}
	return testUser{actor: actor, walletID: wallet.ID}
}

func (s *testServer) balance(t *testing.T, u testUser) models.Balances {
	t.Helper()
	w := s.do(t, http.MethodGet, "/wallets/"+u.walletID.String()+"/balance", &u.actor, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var b models.Balances
	decode(t, w, &b)
	return b
}

func mpesaMethod() models.PaymentMethod {
	return models.PaymentMethod{Type: models.PaymentMethodMpesa, Mpesa: &models.MpesaDetails{PhoneNumber: "+254712345678"}}
}

func adminActor() models.Actor {
	return models.NewActor(uuid.New(), models.RoleAdmin)
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
}
