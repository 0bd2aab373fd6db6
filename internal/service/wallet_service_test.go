package service

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/agripay-backend/internal/ledger"
	"github.com/ignatzorin/agripay-backend/internal/models"
	"github.com/ignatzorin/agripay-backend/internal/pkg/apperror"
)

func TestWalletService_CreateIsIdempotentPerOwner(t *testing.T) {
	env := newTestEnv(t)
	actor := models.NewActor(uuid.New(), models.RoleUser)

	first, created, err := env.walletSvc.Create(env.ctx, actor, uuid.Nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.WalletStatusActive, first.Status)
	assert.Equal(t, "KES", first.Currency)

	second, created, err := env.walletSvc.Create(env.ctx, actor, actor.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	_, _, err = env.walletSvc.Create(env.ctx, actor, uuid.New())
	assert.ErrorIs(t, err, apperror.ErrForbidden)
}

func TestWalletService_GetChecksOwnership(t *testing.T) {
	env := newTestEnv(t)
	_, w := env.newUser(t, "0")
	stranger := models.NewActor(uuid.New(), models.RoleUser)

	_, err := env.walletSvc.Get(env.ctx, stranger, w.ID)
	assert.ErrorIs(t, err, apperror.ErrForbidden)

	got, err := env.walletSvc.Get(env.ctx, staffActor(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.ID, got.ID)
}

func TestWalletService_DepositReplaysByIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	actor, w := env.newUser(t, "0")
	env.gateway.On("InitiateDeposit", mock.Anything, mpesa(), dec("250.00")).Return("SBX-1", nil).Once()

	in := DepositInput{WalletID: w.ID, Amount: dec("250.00"), Method: mpesa(), IdempotencyKey: "mpesa-QWE1"}
	res, err := env.walletSvc.Deposit(env.ctx, actor, in)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, "SBX-1", res.ExternalRef)
	assert.Equal(t, "250.00", res.Balance.Balance.StringFixed(2))

	again, err := env.walletSvc.Deposit(env.ctx, actor, in)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, "SBX-1", again.ExternalRef)

	bal, _ := env.balances(t, w.ID)
	assert.Equal(t, "250.00", bal)
	env.gateway.AssertExpectations(t)
	assert.Len(t, env.events.events, 1)
}

func TestWalletService_DepositRejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t)
	actor, w := env.newUser(t, "0")

	_, err := env.walletSvc.Deposit(env.ctx, actor, DepositInput{WalletID: w.ID, Amount: dec("0"), Method: mpesa()})
	assert.ErrorIs(t, err, apperror.ErrAmountInvalid)

	_, err = env.walletSvc.Deposit(env.ctx, actor, DepositInput{WalletID: w.ID, Amount: dec("10.001"), Method: mpesa()})
	assert.ErrorIs(t, err, apperror.ErrAmountInvalid)

	bad := models.PaymentMethod{Type: models.PaymentMethodCard, Mpesa: &models.MpesaDetails{PhoneNumber: "+254712345678"}}
	_, err = env.walletSvc.Deposit(env.ctx, actor, DepositInput{WalletID: w.ID, Amount: dec("10"), Method: bad})
	assert.Equal(t, apperror.ErrCodeValidation, apperror.CodeOf(err))

	env.gateway.AssertNotCalled(t, "InitiateDeposit", mock.Anything, mock.Anything, mock.Anything)
}

func TestWalletService_WithdrawCompensatesGatewayFailure(t *testing.T) {
	env := newTestEnv(t)
	actor, w := env.newUser(t, "1000")
	env.gateway.On("InitiateWithdrawal", mock.Anything, mpesa(), dec("400")).Return("", errors.New("gateway timeout")).Once()

	in := WithdrawInput{WalletID: w.ID, Amount: dec("400"), Method: mpesa(), PIN: testPIN, IdempotencyKey: "wd-1"}
	_, err := env.walletSvc.Withdraw(env.ctx, actor, in)
	assert.ErrorIs(t, err, apperror.ErrGatewayFailed)

	bal, reserve := env.balances(t, w.ID)
	assert.Equal(t, "1000.00", bal)
	assert.Equal(t, "0.00", reserve)

	journal, err := env.store.JournalFor(env.ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, journal, 3)
	assert.Equal(t, models.TransactionTypeWithdrawal, journal[1].Type)
	assert.Equal(t, models.TransactionTypeRefund, journal[2].Type)
	assert.Equal(t, *journal[1].ReferenceID, *journal[2].ReferenceID)

	// Повтор не отправляет выплату снова
	_, err = env.walletSvc.Withdraw(env.ctx, actor, in)
	assert.ErrorIs(t, err, apperror.ErrGatewayFailed)
	env.gateway.AssertExpectations(t)
}

func TestWalletService_WithdrawSuccess(t *testing.T) {
	env := newTestEnv(t)
	actor, w := env.newUser(t, "1000")
	env.gateway.On("InitiateWithdrawal", mock.Anything, mpesa(), dec("400")).Return("SBX-PAYOUT", nil).Once()

	res, err := env.walletSvc.Withdraw(env.ctx, actor, WithdrawInput{WalletID: w.ID, Amount: dec("400"), Method: mpesa(), PIN: testPIN})
	require.NoError(t, err)
	assert.Equal(t, "SBX-PAYOUT", res.ExternalRef)
	assert.Equal(t, "600.00", res.Balance.Balance.StringFixed(2))
}

func TestWalletService_WithdrawDeniedByGate(t *testing.T) {
	env := newTestEnv(t)
	actor, w := env.newUser(t, "1000")

	_, err := env.walletSvc.Withdraw(env.ctx, actor, WithdrawInput{WalletID: w.ID, Amount: dec("100"), Method: mpesa(), PIN: "9999"})
	require.ErrorIs(t, err, apperror.ErrAuthorizationDenied)

	var appErr *apperror.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, DenyPinInvalid, appErr.Reason)

	bal, _ := env.balances(t, w.ID)
	assert.Equal(t, "1000.00", bal)
	env.gateway.AssertNotCalled(t, "InitiateWithdrawal", mock.Anything, mock.Anything, mock.Anything)
}

func TestWalletService_WithdrawInsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	actor, w := env.newUser(t, "100")

	_, err := env.walletSvc.Withdraw(env.ctx, actor, WithdrawInput{WalletID: w.ID, Amount: dec("100.01"), Method: mpesa(), PIN: testPIN})
	assert.ErrorIs(t, err, apperror.ErrInsufficientFunds)
	env.gateway.AssertNotCalled(t, "InitiateWithdrawal", mock.Anything, mock.Anything, mock.Anything)
}

func TestWalletService_TransferWithFee(t *testing.T) {
	env := newTestEnv(t)
	sender, from := env.newUser(t, "2000")
	_, to := env.newUser(t, "0")

	res, err := env.walletSvc.Transfer(env.ctx, sender, TransferInput{
		FromWalletID:   from.ID,
		ToWalletID:     to.ID,
		Amount:         dec("1000"),
		PIN:            testPIN,
		IdempotencyKey: "tr-1",
	})
	require.NoError(t, err)
	require.Len(t, res.Transactions, 4)
	assert.True(t, ledger.Conservation(res.Transactions).IsZero())

	fromBal, _ := env.balances(t, from.ID)
	toBal, _ := env.balances(t, to.ID)
	platformBal, _ := env.balances(t, env.platform)
	assert.Equal(t, "990.00", fromBal)
	assert.Equal(t, "1000.00", toBal)
	assert.Equal(t, "10.00", platformBal)

	again, err := env.walletSvc.Transfer(env.ctx, sender, TransferInput{
		FromWalletID: from.ID, ToWalletID: to.ID, Amount: dec("1000"), PIN: testPIN, IdempotencyKey: "tr-1",
	})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	fromBal, _ = env.balances(t, from.ID)
	assert.Equal(t, "990.00", fromBal)
}

func TestWalletService_TransferRejectsSameWalletAndStranger(t *testing.T) {
	env := newTestEnv(t)
	sender, from := env.newUser(t, "100")
	stranger, _ := env.newUser(t, "0")

	_, err := env.walletSvc.Transfer(env.ctx, sender, TransferInput{FromWalletID: from.ID, ToWalletID: from.ID, Amount: dec("1"), PIN: testPIN})
	assert.Equal(t, apperror.ErrCodeValidation, apperror.CodeOf(err))

	_, err = env.walletSvc.Transfer(env.ctx, stranger, TransferInput{FromWalletID: from.ID, ToWalletID: env.platform, Amount: dec("1"), PIN: testPIN})
	assert.ErrorIs(t, err, apperror.ErrForbidden)
}

func TestWalletService_SetPINChangeRequiresCurrent(t *testing.T) {
	env := newTestEnv(t)
	actor, w := env.newUser(t, "0")

	err := env.walletSvc.SetPIN(env.ctx, actor, w.ID, "0000", "7391")
	assert.ErrorIs(t, err, apperror.ErrAuthorizationDenied)

	err = env.walletSvc.SetPIN(env.ctx, actor, w.ID, testPIN, "12")
	assert.Equal(t, apperror.ErrCodeValidation, apperror.CodeOf(err))

	require.NoError(t, env.walletSvc.SetPIN(env.ctx, actor, w.ID, testPIN, "7391"))
	decision, err := env.gate.VerifyPIN(env.ctx, w.ID, "7391")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestWalletService_UpdateStatus(t *testing.T) {
	env := newTestEnv(t)
	owner, w := env.newUser(t, "50")
	admin := staffActor()

	_, err := env.walletSvc.UpdateStatus(env.ctx, owner, w.ID, models.WalletStatusFrozen)
	assert.ErrorIs(t, err, apperror.ErrForbidden)

	_, err = env.walletSvc.UpdateStatus(env.ctx, admin, w.ID, models.WalletStatusClosed)
	assert.ErrorIs(t, err, apperror.ErrInvalidStateTransition)

	frozen, err := env.walletSvc.UpdateStatus(env.ctx, admin, w.ID, models.WalletStatusFrozen)
	require.NoError(t, err)
	assert.Equal(t, models.WalletStatusFrozen, frozen.Status)

	_, empty := env.newUser(t, "0")
	_, err = env.walletSvc.UpdateStatus(env.ctx, admin, empty.ID, models.WalletStatusClosed)
	require.NoError(t, err)
	_, err = env.walletSvc.UpdateStatus(env.ctx, admin, empty.ID, models.WalletStatusActive)
	assert.ErrorIs(t, err, apperror.ErrInvalidStateTransition)
}

func TestWalletService_ReconcileMatchesProjection(t *testing.T) {
	env := newTestEnv(t)
	sender, from := env.newUser(t, "500")
	_, to := env.newUser(t, "0")

	_, err := env.walletSvc.Transfer(env.ctx, sender, TransferInput{FromWalletID: from.ID, ToWalletID: to.ID, Amount: dec("120.50"), PIN: testPIN})
	require.NoError(t, err)

	recs, err := env.walletSvc.ReconcileAll(env.ctx, models.SystemActor)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for _, rec := range recs {
		assert.True(t, rec.Consistent(), "wallet %s: %v", rec.WalletID, rec.Issues)
	}

	_, err = env.walletSvc.ReconcileAll(env.ctx, sender)
	assert.ErrorIs(t, err, apperror.ErrForbidden)
}

func TestWalletService_ListTransactionsPaginates(t *testing.T) {
	env := newTestEnv(t)
	actor, w := env.newUser(t, "0")
	for i := 0; i < 3; i++ {
		env.fund(t, w.ID, dec("10"))
	}

	txs, err := env.walletSvc.ListTransactions(env.ctx, actor, w.ID, 2, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 2)
	assert.Greater(t, txs[0].Seq, txs[1].Seq)

	txs, err = env.walletSvc.ListTransactions(env.ctx, actor, w.ID, 0, 2)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestWalletService_DepositConsultsGate(t *testing.T) {
	env := newTestEnv(t)
	actor, w := env.newUser(t, "0")
	_, err := env.walletSvc.UpdateStatus(env.ctx, staffActor(), w.ID, models.WalletStatusFrozen)
	require.NoError(t, err)

	_, err = env.walletSvc.Deposit(env.ctx, actor, DepositInput{WalletID: w.ID, Amount: dec("250.00"), Method: mpesa()})
	require.ErrorIs(t, err, apperror.ErrAuthorizationDenied)
	var appErr *apperror.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, DenyWalletNotActive, appErr.Reason)
	env.gateway.AssertNotCalled(t, "InitiateDeposit", mock.Anything, mock.Anything, mock.Anything)
}

func TestWalletService_ConcurrentWithdrawalsRespectDailyLimit(t *testing.T) {
	env := newTestEnv(t)
	actor, w := env.newUser(t, "300000")
	env.gateway.On("InitiateWithdrawal", mock.Anything, mpesa(), dec("60000")).Return("SBX-PAYOUT", nil)

	const attempts = 4
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		ok     int
		denied int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.walletSvc.Withdraw(env.ctx, actor, WithdrawInput{WalletID: w.ID, Amount: dec("60000"), Method: mpesa(), PIN: testPIN})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if errors.Is(err, apperror.ErrAuthorizationDenied) {
				denied++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, ok)
	assert.Equal(t, attempts-2, denied)
	bal, _ := env.balances(t, w.ID)
	assert.Equal(t, "180000.00", bal)
}
