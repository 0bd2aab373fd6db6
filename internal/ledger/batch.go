package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ignatzorin/agripay-backend/internal/models"
	"github.com/ignatzorin/agripay-backend/internal/pkg/apperror"
)

// Entry одна проводка по кошельку.
type Entry struct {
	WalletID    uuid.UUID
	Type        models.TransactionType
	Leg         models.Leg
	Amount      decimal.Decimal
	Reference   *models.Reference
	Description string
}

// Batch набор проводок, фиксируемых одной атомарной единицей.
type Batch struct {
	GroupID        uuid.UUID
	IdempotencyKey string
	Entries        []Entry
	// DailyCap сверяется хранилищем под блокировкой кошелька.
	DailyCap *DailyCap
}

// DenyDailyLimitExceeded причина отказа при превышении дневного лимита.
const DenyDailyLimitExceeded = "daily_limit_exceeded"

// DailyCap дневной лимит исходящих проводок кошелька.
type DailyCap struct {
	WalletID uuid.UUID
	Since    time.Time
	Limit    decimal.Decimal
}

// OutgoingFor сумма исходящих проводок пакета по кошельку.
func (b Batch) OutgoingFor(walletID uuid.UUID) decimal.Decimal {
	total := decimal.Zero
	for _, e := range b.Entries {
		if e.WalletID == walletID && IsOutgoing(e.Type) {
			total = total.Add(e.Amount)
		}
	}
	return total
}

// CheckDailyCap сравнивает уже списанное за сутки вместе с пакетом с лимитом.
// spent должен быть прочитан под той же блокировкой, что и проводка пакета.
func CheckDailyCap(b Batch, spent decimal.Decimal) error {
	if b.DailyCap == nil || !b.DailyCap.Limit.IsPositive() {
		return nil
	}
	if spent.Add(b.OutgoingFor(b.DailyCap.WalletID)).GreaterThan(b.DailyCap.Limit) {
		return apperror.ErrAuthorizationDenied.WithReason(DenyDailyLimitExceeded).WithMessage("превышен дневной лимит")
	}
	return nil
}

// NewBatch создаёт пакет с новым GroupID.
func NewBatch(idempotencyKey string, entries ...Entry) Batch {
	return Batch{GroupID: uuid.New(), IdempotencyKey: idempotencyKey, Entries: entries}
}

// WalletIDs возвращает кошельки пакета в порядке блокировки (по возрастанию id).
func (b Batch) WalletIDs() []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(b.Entries))
	ids := make([]uuid.UUID, 0, len(b.Entries))
	for _, e := range b.Entries {
		if _, ok := seen[e.WalletID]; ok {
			continue
		}
		seen[e.WalletID] = struct{}{}
		ids = append(ids, e.WalletID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// ValidateAmount проверяет, что сумма положительна и задана с точностью до копеек.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperror.ErrAmountInvalid
	}
	if !amount.Equal(amount.Round(2)) {
		return apperror.ErrAmountInvalid.WithMessage("сумма должна содержать не более двух знаков после запятой")
	}
	return nil
}

// ValidateBatch проверяет суммы и полноту связанных пар. Связанные проводки
// должны идти подряд: дебетовая сторона, затем кредитовая, с равной суммой
// и разными кошельками.
func ValidateBatch(b Batch) error {
	if len(b.Entries) == 0 {
		return apperror.New(apperror.ErrCodeValidation, "пустой пакет проводок")
	}

	for i := 0; i < len(b.Entries); i++ {
		e := b.Entries[i]
		if err := ValidateAmount(e.Amount); err != nil {
			return err
		}
		if _, err := Effect(e.Type, e.Leg, e.Amount); err != nil {
			return apperror.Wrap(err, apperror.ErrCodeValidation, "некорректная проводка")
		}

		partnerType, partnerLeg, linked := linkedPartner(e.Type, e.Leg)
		if !linked {
			continue
		}
		if !opensPair(e.Type, e.Leg) {
			return apperror.New(apperror.ErrCodeValidation,
				fmt.Sprintf("проводка %s без парной %s", e.Type, partnerType))
		}
		if i+1 >= len(b.Entries) {
			return apperror.New(apperror.ErrCodeValidation,
				fmt.Sprintf("проводка %s без парной %s", e.Type, partnerType))
		}
		next := b.Entries[i+1]
		if next.Type != partnerType || next.Leg != partnerLeg {
			return apperror.New(apperror.ErrCodeValidation,
				fmt.Sprintf("проводка %s без парной %s", e.Type, partnerType))
		}
		if !next.Amount.Equal(e.Amount) {
			return apperror.New(apperror.ErrCodeValidation, "суммы связанных проводок не совпадают")
		}
		if next.WalletID == e.WalletID {
			return apperror.New(apperror.ErrCodeValidation, "связанные проводки должны относиться к разным кошелькам")
		}
		i++
	}
	return nil
}

// creditExempt типы, возвращающие деньги владельцу. Они допускаются на
// приостановленных и замороженных кошельках.
func creditExempt(t models.TransactionType) bool {
	return t == models.TransactionTypeRefund || t == models.TransactionTypeReserveRefund
}

func checkStatus(w *models.Wallet, t models.TransactionType) error {
	if w.IsActive() {
		return nil
	}
	if creditExempt(t) && w.Status != models.WalletStatusClosed {
		return nil
	}
	return apperror.ErrWalletNotActive.WithMessage(fmt.Sprintf("кошелёк %s в статусе %s", w.ID, w.Status))
}

// ApplyBatch применяет пакет к кошелькам. wallets должен содержать все кошельки
// пакета; они изменяются на месте только при успехе всего пакета.
func ApplyBatch(wallets map[uuid.UUID]*models.Wallet, b Batch, now time.Time) ([]models.Transaction, error) {
	if err := ValidateBatch(b); err != nil {
		return nil, err
	}

	working := make(map[uuid.UUID]models.Wallet, len(wallets))
	for _, id := range b.WalletIDs() {
		w, ok := wallets[id]
		if !ok || w == nil {
			return nil, apperror.ErrWalletNotFound.WithMessage(fmt.Sprintf("кошелёк %s не найден", id))
		}
		working[id] = *w
	}

	var key *string
	if b.IdempotencyKey != "" {
		k := b.IdempotencyKey
		key = &k
	}

	txs := make([]models.Transaction, 0, len(b.Entries))
	for _, e := range b.Entries {
		w := working[e.WalletID]
		if err := checkStatus(&w, e.Type); err != nil {
			return nil, err
		}

		delta, _ := Effect(e.Type, e.Leg, e.Amount)
		newBalance := w.Balance.Add(delta.Balance)
		newReserve := w.ReserveBalance.Add(delta.Reserve)
		if newBalance.IsNegative() {
			return nil, apperror.ErrInsufficientFunds.WithMessage(
				fmt.Sprintf("доступно %s, требуется %s", w.Balance.StringFixed(2), e.Amount.StringFixed(2)))
		}
		if newReserve.IsNegative() {
			return nil, apperror.ErrInsufficientFunds.WithMessage(
				fmt.Sprintf("в резерве %s, требуется %s", w.ReserveBalance.StringFixed(2), e.Amount.StringFixed(2)))
		}

		completedAt := now
		tx := models.Transaction{
			ID:             uuid.New(),
			WalletID:       e.WalletID,
			Type:           e.Type,
			Leg:            e.Leg,
			Amount:         e.Amount,
			BalanceBefore:  w.Balance,
			BalanceAfter:   newBalance,
			ReserveBefore:  w.ReserveBalance,
			ReserveAfter:   newReserve,
			Status:         models.TransactionStatusCompleted,
			GroupID:        b.GroupID,
			IdempotencyKey: key,
			CreatedAt:      now,
			CompletedAt:    &completedAt,
		}
		if e.Reference != nil {
			refType, refID := e.Reference.Type, e.Reference.ID
			tx.ReferenceType = &refType
			tx.ReferenceID = &refID
		}
		if e.Description != "" {
			desc := e.Description
			tx.Description = &desc
		}
		txs = append(txs, tx)

		w.Balance = newBalance
		w.ReserveBalance = newReserve
		working[e.WalletID] = w
	}

	for id, w := range working {
		w.Version++
		w.UpdatedAt = now
		*wallets[id] = w
	}
	return txs, nil
}

// Conservation возвращает сумму изменений баланса и резерва по всем проводкам.
// Для связанных операций (резерв, перевод, комиссия) она равна нулю.
func Conservation(txs []models.Transaction) decimal.Decimal {
	total := decimal.Zero
	for i := range txs {
		total = total.Add(txs[i].BalanceDelta()).Add(txs[i].ReserveDelta())
	}
	return total
}

// Posting результат проводки пакета хранилищем.
type Posting struct {
	Transactions []models.Transaction
	Wallets      []models.Wallet
	Replayed     bool
}
