package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/agripay-backend/internal/models"
	"github.com/ignatzorin/agripay-backend/internal/pkg/apperror"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newWallet(balance string) *models.Wallet {
	return &models.Wallet{
		ID:             uuid.New(),
		OwnerID:        uuid.New(),
		Currency:       "KES",
		Balance:        d(balance),
		ReserveBalance: decimal.Zero,
		Status:         models.WalletStatusActive,
	}
}

func walletMap(ws ...*models.Wallet) map[uuid.UUID]*models.Wallet {
	m := make(map[uuid.UUID]*models.Wallet, len(ws))
	for _, w := range ws {
		m[w.ID] = w
	}
	return m
}

func TestEffect_Table(t *testing.T) {
	a := d("100")
	tests := []struct {
		txType  models.TransactionType
		leg     models.Leg
		balance string
		reserve string
	}{
		{models.TransactionTypeDeposit, models.LegSingle, "100", "0"},
		{models.TransactionTypeWithdrawal, models.LegSingle, "-100", "0"},
		{models.TransactionTypePayment, models.LegSingle, "-100", "0"},
		{models.TransactionTypeRefund, models.LegSingle, "100", "0"},
		{models.TransactionTypeReserveHold, models.LegSingle, "-100", "100"},
		{models.TransactionTypeReserveRelease, models.LegSource, "0", "-100"},
		{models.TransactionTypeReserveRelease, models.LegTarget, "100", "0"},
		{models.TransactionTypeReserveRefund, models.LegSingle, "100", "-100"},
		{models.TransactionTypeTransferOut, models.LegSingle, "-100", "0"},
		{models.TransactionTypeTransferIn, models.LegSingle, "100", "0"},
		{models.TransactionTypeFee, models.LegSingle, "-100", "0"},
		{models.TransactionTypeCommission, models.LegSingle, "100", "0"},
	}

	for _, tt := range tests {
		t.Run(string(tt.txType)+string(tt.leg), func(t *testing.T) {
			delta, err := Effect(tt.txType, tt.leg, a)
			require.NoError(t, err)
			assert.True(t, d(tt.balance).Equal(delta.Balance), "balance %s", delta.Balance)
			assert.True(t, d(tt.reserve).Equal(delta.Reserve), "reserve %s", delta.Reserve)
		})
	}

	_, err := Effect(models.TransactionTypeReserveRelease, models.LegSingle, a)
	assert.Error(t, err)
	_, err = Effect("mint", models.LegSingle, a)
	assert.Error(t, err)
}

func TestValidateBatch_LinkedLegs(t *testing.T) {
	w1, w2 := uuid.New(), uuid.New()

	t.Run("complete transfer pair", func(t *testing.T) {
		b := NewBatch("", Entry{WalletID: w1, Type: models.TransactionTypeTransferOut, Amount: d("50")},
			Entry{WalletID: w2, Type: models.TransactionTypeTransferIn, Amount: d("50")})
		assert.NoError(t, ValidateBatch(b))
	})

	t.Run("transfer out alone", func(t *testing.T) {
		b := NewBatch("", Entry{WalletID: w1, Type: models.TransactionTypeTransferOut, Amount: d("50")})
		assert.Equal(t, apperror.ErrCodeValidation, apperror.CodeOf(ValidateBatch(b)))
	})

	t.Run("credit leg first", func(t *testing.T) {
		b := NewBatch("", Entry{WalletID: w2, Type: models.TransactionTypeCommission, Amount: d("5")},
			Entry{WalletID: w1, Type: models.TransactionTypeFee, Amount: d("5")})
		assert.Error(t, ValidateBatch(b))
	})

	t.Run("amount mismatch", func(t *testing.T) {
		b := NewBatch("", Entry{WalletID: w1, Type: models.TransactionTypeFee, Amount: d("5")},
			Entry{WalletID: w2, Type: models.TransactionTypeCommission, Amount: d("4")})
		assert.Error(t, ValidateBatch(b))
	})

	t.Run("same wallet on both legs", func(t *testing.T) {
		b := NewBatch("", Entry{WalletID: w1, Type: models.TransactionTypeReserveRelease, Leg: models.LegSource, Amount: d("5")},
			Entry{WalletID: w1, Type: models.TransactionTypeReserveRelease, Leg: models.LegTarget, Amount: d("5")})
		assert.Error(t, ValidateBatch(b))
	})

	t.Run("non positive amount", func(t *testing.T) {
		b := NewBatch("", Entry{WalletID: w1, Type: models.TransactionTypeDeposit, Amount: d("0")})
		assert.True(t, errors.Is(ValidateBatch(b), apperror.ErrAmountInvalid))
	})

	t.Run("sub cent amount", func(t *testing.T) {
		b := NewBatch("", Entry{WalletID: w1, Type: models.TransactionTypeDeposit, Amount: d("1.005")})
		assert.True(t, errors.Is(ValidateBatch(b), apperror.ErrAmountInvalid))
	})
}

func TestApplyBatch_HoldMovesFundsIntoReserve(t *testing.T) {
	w := newWallet("1000")
	wallets := walletMap(w)
	_, batch, err := PlanHold(uuid.New(), w.ID, uuid.New(), d("400"), time.Now())
	require.NoError(t, err)

	txs, err := ApplyBatch(wallets, batch, time.Now())
	require.NoError(t, err)
	require.Len(t, txs, 1)

	assert.True(t, d("600").Equal(w.Balance))
	assert.True(t, d("400").Equal(w.ReserveBalance))
	assert.Equal(t, int64(1), w.Version)
	assert.True(t, Conservation(txs).IsZero())
	assert.Equal(t, models.TransactionStatusCompleted, txs[0].Status)
	assert.Equal(t, "order", *txs[0].ReferenceType)
}

func TestApplyBatch_InsufficientFundsLeavesWalletsUntouched(t *testing.T) {
	from := newWallet("100")
	to := newWallet("0")
	wallets := walletMap(from, to)

	b := NewBatch("", Entry{WalletID: from.ID, Type: models.TransactionTypeTransferOut, Amount: d("150")},
		Entry{WalletID: to.ID, Type: models.TransactionTypeTransferIn, Amount: d("150")})

	_, err := ApplyBatch(wallets, b, time.Now())
	assert.True(t, errors.Is(err, apperror.ErrInsufficientFunds))
	assert.True(t, d("100").Equal(from.Balance))
	assert.True(t, to.Balance.IsZero())
	assert.Zero(t, from.Version)
}

func TestApplyBatch_WalletNotActive(t *testing.T) {
	w := newWallet("100")
	w.Status = models.WalletStatusFrozen
	wallets := walletMap(w)

	_, err := ApplyBatch(wallets, NewBatch("", Entry{WalletID: w.ID, Type: models.TransactionTypeWithdrawal, Amount: d("10")}), time.Now())
	assert.True(t, errors.Is(err, apperror.ErrWalletNotActive))

	// возврат владельцу допускается на замороженном кошельке
	_, err = ApplyBatch(wallets, NewBatch("", Entry{WalletID: w.ID, Type: models.TransactionTypeRefund, Amount: d("10")}), time.Now())
	assert.NoError(t, err)

	w.Status = models.WalletStatusClosed
	_, err = ApplyBatch(wallets, NewBatch("", Entry{WalletID: w.ID, Type: models.TransactionTypeRefund, Amount: d("10")}), time.Now())
	assert.True(t, errors.Is(err, apperror.ErrWalletNotActive))
}

func TestApplyBatch_MissingWallet(t *testing.T) {
	_, err := ApplyBatch(map[uuid.UUID]*models.Wallet{}, NewBatch("", Entry{WalletID: uuid.New(), Type: models.TransactionTypeDeposit, Amount: d("1")}), time.Now())
	assert.True(t, apperror.IsNotFound(err))
}

func heldReserve(buyer, seller uuid.UUID, amount string) models.Reserve {
	return models.Reserve{
		ID: uuid.New(), OrderID: uuid.New(), BuyerWalletID: buyer, SellerWalletID: seller,
		Amount: d(amount), ReleasedAmount: decimal.Zero, RefundedAmount: decimal.Zero,
		Status: models.ReserveStatusHeld,
	}
}

func TestPlanSettlement_FullRelease(t *testing.T) {
	r := heldReserve(uuid.New(), uuid.New(), "400")

	s, err := PlanSettlement(r, models.SettlementRelease, decimal.NewFromInt(1), time.Now())
	require.NoError(t, err)

	assert.Equal(t, models.ReserveStatusReleased, s.Reserve.Status)
	assert.True(t, d("400").Equal(s.ReleaseAmount))
	assert.True(t, s.RefundAmount.IsZero())
	assert.NotNil(t, s.Reserve.SettledAt)
	require.Len(t, s.Batch.Entries, 2)
	assert.NoError(t, ValidateBatch(s.Batch))
}

func TestPlanSettlement_PartialReleaseThenRefund(t *testing.T) {
	r := heldReserve(uuid.New(), uuid.New(), "400")

	s, err := PlanSettlement(r, models.SettlementRelease, d("0.25"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.ReserveStatusPartiallyReleased, s.Reserve.Status)
	assert.True(t, d("100").Equal(s.ReleaseAmount))
	assert.Nil(t, s.Reserve.SettledAt)

	s2, err := PlanSettlement(s.Reserve, models.SettlementRefund, decimal.NewFromInt(1), time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.ReserveStatusRefunded, s2.Reserve.Status)
	assert.True(t, d("300").Equal(s2.RefundAmount))
	assert.True(t, s2.Reserve.Remaining().IsZero())
	assert.True(t, s2.Reserve.ReleasedAmount.Add(s2.Reserve.RefundedAmount).Equal(r.Amount))
}

func TestPlanSettlement_Split(t *testing.T) {
	r := heldReserve(uuid.New(), uuid.New(), "400")
	r.Status = models.ReserveStatusDisputed

	s, err := PlanSettlement(r, models.SettlementSplit, d("0.5"), time.Now())
	require.NoError(t, err)

	assert.True(t, d("200").Equal(s.RefundAmount))
	assert.True(t, d("200").Equal(s.ReleaseAmount))
	assert.Equal(t, models.ReserveStatusReleased, s.Reserve.Status)
	require.Len(t, s.Batch.Entries, 3)
	assert.Equal(t, models.TransactionTypeReserveRefund, s.Batch.Entries[0].Type)
	assert.NoError(t, ValidateBatch(s.Batch))
}

func TestPlanSettlement_RoundsToCents(t *testing.T) {
	r := heldReserve(uuid.New(), uuid.New(), "100")

	s, err := PlanSettlement(r, models.SettlementSplit, d("0.3333"), time.Now())
	require.NoError(t, err)
	assert.True(t, d("33.33").Equal(s.RefundAmount))
	assert.True(t, d("66.67").Equal(s.ReleaseAmount))
}

func TestPlanSettlement_Rejections(t *testing.T) {
	r := heldReserve(uuid.New(), uuid.New(), "400")

	for _, f := range []string{"0", "-0.1", "1.01"} {
		_, err := PlanSettlement(r, models.SettlementRelease, d(f), time.Now())
		assert.True(t, errors.Is(err, apperror.ErrInvalidFraction), f)
	}

	_, err := PlanSettlement(r, models.SettlementSplit, decimal.NewFromInt(1), time.Now())
	assert.True(t, errors.Is(err, apperror.ErrInvalidFraction))

	r.Status = models.ReserveStatusRefunded
	r.RefundedAmount = r.Amount
	_, err = PlanSettlement(r, models.SettlementRelease, decimal.NewFromInt(1), time.Now())
	assert.True(t, errors.Is(err, apperror.ErrInvalidStateTransition))
}

func TestReserveTransitions(t *testing.T) {
	assert.True(t, CanTransition(models.ReserveStatusHeld, models.ReserveStatusDisputed))
	assert.True(t, CanTransition(models.ReserveStatusDisputed, models.ReserveStatusRefunded))
	assert.False(t, CanTransition(models.ReserveStatusDisputed, models.ReserveStatusDisputed))
	assert.False(t, CanTransition(models.ReserveStatusReleased, models.ReserveStatusRefunded))
	assert.False(t, CanTransition(models.ReserveStatusRefunded, models.ReserveStatusHeld))

	r := heldReserve(uuid.New(), uuid.New(), "10")
	disputed, err := MarkDisputed(r, time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.ReserveStatusDisputed, disputed.Status)

	_, err = MarkDisputed(disputed, time.Now())
	assert.True(t, errors.Is(err, apperror.ErrInvalidStateTransition))
}

func TestSettlementKey_NormalizesFraction(t *testing.T) {
	order := uuid.New()
	assert.Equal(t, SettlementKey(order, models.SettlementRelease, d("0.50")), SettlementKey(order, models.SettlementRelease, d("0.5")))
	assert.NotEqual(t, SettlementKey(order, models.SettlementRelease, d("1")), SettlementKey(order, models.SettlementRefund, d("1")))
}

func TestReplay_ReproducesProjection(t *testing.T) {
	buyer := newWallet("0")
	seller := newWallet("0")
	wallets := walletMap(buyer, seller)
	now := time.Now()

	var journal []models.Transaction
	post := func(b Batch) {
		txs, err := ApplyBatch(wallets, b, now)
		require.NoError(t, err)
		for i := range txs {
			txs[i].Seq = int64(len(journal) + 1)
			journal = append(journal, txs[i])
		}
	}

	post(NewBatch("", Entry{WalletID: buyer.ID, Type: models.TransactionTypeDeposit, Amount: d("1000")}))
	reserve, hold, err := PlanHold(uuid.New(), buyer.ID, seller.ID, d("400"), now)
	require.NoError(t, err)
	post(hold)
	s, err := PlanSettlement(reserve, models.SettlementSplit, d("0.5"), now)
	require.NoError(t, err)
	post(s.Batch)

	assert.True(t, d("800").Equal(buyer.Balance))
	assert.True(t, buyer.ReserveBalance.IsZero())
	assert.True(t, d("200").Equal(seller.Balance))

	rec := Replay(buyer, journal)
	assert.True(t, rec.Consistent(), rec.Issues)
	assert.Equal(t, 4, rec.Transactions)

	rec = Replay(seller, journal)
	assert.True(t, rec.Consistent(), rec.Issues)

	buyer.Balance = d("900")
	rec = Replay(buyer, journal)
	assert.False(t, rec.Consistent())
	assert.True(t, d("800").Equal(rec.ExpectedBalance))
}

func TestCheckDailyCap(t *testing.T) {
	w1, w2 := uuid.New(), uuid.New()
	b := NewBatch("",
		Entry{WalletID: w1, Type: models.TransactionTypeTransferOut, Amount: d("400")},
		Entry{WalletID: w1, Type: models.TransactionTypeFee, Amount: d("4")},
		Entry{WalletID: w2, Type: models.TransactionTypeTransferIn, Amount: d("400")},
	)
	assert.True(t, d("404").Equal(b.OutgoingFor(w1)))
	assert.True(t, b.OutgoingFor(w2).IsZero())

	require.NoError(t, CheckDailyCap(b, d("1000")), "без лимита пакет не проверяется")

	b.DailyCap = &DailyCap{WalletID: w1, Since: time.Now().Add(-time.Hour), Limit: d("1000")}
	assert.NoError(t, CheckDailyCap(b, d("596")))

	err := CheckDailyCap(b, d("596.01"))
	require.Error(t, err)
	var appErr *apperror.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperror.ErrCodeAuthorizationDenied, appErr.Code)
	assert.Equal(t, DenyDailyLimitExceeded, appErr.Reason)

	b.DailyCap.Limit = decimal.Zero
	assert.NoError(t, CheckDailyCap(b, d("5000")), "нулевой лимит отключает проверку")
}
