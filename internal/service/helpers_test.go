package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/agripay-backend/internal/config"
	"github.com/ignatzorin/agripay-backend/internal/ledger"
	"github.com/ignatzorin/agripay-backend/internal/models"
	"github.com/ignatzorin/agripay-backend/internal/repository/memory"
)

const testPIN = "4826"

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) InitiateDeposit(ctx context.Context, method models.PaymentMethod, amount decimal.Decimal) (string, error) {
	args := m.Called(ctx, method, amount)
	return args.String(0), args.Error(1)
}

func (m *mockGateway) InitiateWithdrawal(ctx context.Context, method models.PaymentMethod, amount decimal.Decimal) (string, error) {
	args := m.Called(ctx, method, amount)
	return args.String(0), args.Error(1)
}

type mockAnalyzer struct {
	mock.Mock
}

func (m *mockAnalyzer) Analyze(ctx context.Context, req models.AnalysisRequest) (*models.AIAnalysis, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.AIAnalysis), args.Error(1)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.WalletChangedEvent
}

func (p *recordingPublisher) PublishWalletChanged(_ context.Context, e models.WalletChangedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

type testEnv struct {
	ctx       context.Context
	store     *memory.LedgerStore
	disputes  *memory.DisputeStore
	scorer    *StaticTrustScorer
	gate      *TrustGate
	gateway   *mockGateway
	analyzer  *mockAnalyzer
	events    *recordingPublisher
	walletSvc *WalletService
	reserves  *ReserveService
	disputeSv *DisputeService
	platform  uuid.UUID
}

func testTrustConfig() config.TrustConfig {
	return config.TrustConfig{
		PinMaxAttempts:     5,
		PinLockoutDuration: 30 * time.Minute,
		MinScore:           40,
		DefaultScore:       50,
		HighValueThreshold: decimal.NewFromInt(10000),
		LimitsLocation:     time.UTC,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		ctx:      context.Background(),
		store:    memory.NewLedgerStore(),
		gateway:  new(mockGateway),
		analyzer: new(mockAnalyzer),
		events:   &recordingPublisher{},
	}
	env.disputes = memory.NewDisputeStore(env.store)
	env.scorer = NewStaticTrustScorer(50)
	env.gate = NewTrustGate(env.store, env.scorer, testTrustConfig())

	platform, _, err := env.store.CreateWallet(env.ctx, &models.Wallet{
		ID: uuid.New(), OwnerID: uuid.New(), Currency: "KES", Status: models.WalletStatusActive,
	})
	require.NoError(t, err)
	env.platform = platform.ID

	env.walletSvc = NewWalletService(env.store, env.gate, env.gateway, env.events, config.WalletConfig{
		Currency:           "KES",
		DailyLimit:         decimal.NewFromInt(150000),
		TransactionLimit:   decimal.NewFromInt(70000),
		TransferFeePercent: decimal.NewFromInt(1),
		PlatformWalletID:   platform.ID,
	})
	env.reserves = NewReserveService(env.store, env.store, env.gate, env.events)
	env.disputeSv = NewDisputeService(env.disputes, env.reserves, env.store, env.analyzer, time.Second, "KES")
	return env
}

// newUser создаёт пользователя с кошельком, PIN и начальным балансом.
func (e *testEnv) newUser(t *testing.T, balance string) (models.Actor, *models.Wallet) {
	t.Helper()

	actor := models.NewActor(uuid.New(), models.RoleUser)
	w, created, err := e.walletSvc.Create(e.ctx, actor, uuid.Nil)
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, e.walletSvc.SetPIN(e.ctx, actor, w.ID, "", testPIN))

	if amount := decimal.RequireFromString(balance); amount.IsPositive() {
		e.fund(t, w.ID, amount)
	}
	return actor, w
}

func (e *testEnv) fund(t *testing.T, walletID uuid.UUID, amount decimal.Decimal) {
	t.Helper()
	_, err := e.store.Post(e.ctx, ledger.NewBatch("seed:"+uuid.NewString(), ledger.Entry{
		WalletID: walletID,
		Type:     models.TransactionTypeDeposit,
		Amount:   amount,
	}))
	require.NoError(t, err)
}

func (e *testEnv) balances(t *testing.T, walletID uuid.UUID) (string, string) {
	t.Helper()
	w, err := e.store.GetWallet(e.ctx, walletID)
	require.NoError(t, err)
	return w.Balance.StringFixed(2), w.ReserveBalance.StringFixed(2)
}

func staffActor() models.Actor {
	return models.NewActor(uuid.New(), models.RoleAdmin)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func mpesa() models.PaymentMethod {
	return models.PaymentMethod{
		Type:  models.PaymentMethodMpesa,
		Mpesa: &models.MpesaDetails{PhoneNumber: "+254712345678"},
	}
}
