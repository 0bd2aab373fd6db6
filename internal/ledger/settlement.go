package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ignatzorin/agripay-backend/internal/models"
	"github.com/ignatzorin/agripay-backend/internal/pkg/apperror"
)

var reserveTransitions = map[models.ReserveStatus][]models.ReserveStatus{
	models.ReserveStatusHeld: {
		models.ReserveStatusReleased, models.ReserveStatusPartiallyReleased,
		models.ReserveStatusRefunded, models.ReserveStatusDisputed,
	},
	models.ReserveStatusDisputed: {
		models.ReserveStatusReleased, models.ReserveStatusPartiallyReleased, models.ReserveStatusRefunded,
	},
	models.ReserveStatusPartiallyReleased: {
		models.ReserveStatusReleased, models.ReserveStatusPartiallyReleased,
		models.ReserveStatusRefunded, models.ReserveStatusDisputed,
	},
}

// CanTransition проверяет переход резерва.
func CanTransition(from, to models.ReserveStatus) bool {
	for _, allowed := range reserveTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidateFraction проверяет долю для release/refund: (0, 1].
func ValidateFraction(fraction decimal.Decimal) error {
	if !fraction.IsPositive() || fraction.GreaterThan(decimal.NewFromInt(1)) {
		return apperror.ErrInvalidFraction.WithMessage(fmt.Sprintf("доля %s вне диапазона (0, 1]", fraction))
	}
	return nil
}

// ValidateSplitFraction проверяет долю возврата для частичного возврата: (0, 1).
func ValidateSplitFraction(fraction decimal.Decimal) error {
	if !fraction.IsPositive() || !fraction.LessThan(decimal.NewFromInt(1)) {
		return apperror.ErrInvalidFraction.WithMessage(fmt.Sprintf("доля возврата %s вне диапазона (0, 1)", fraction))
	}
	return nil
}

// SettlementKey ключ идемпотентности урегулирования. Повтор с теми же
// параметрами возвращает прежний результат.
func SettlementKey(orderID uuid.UUID, kind models.SettlementKind, fraction decimal.Decimal) string {
	return fmt.Sprintf("reserve:%s:%s:%s", orderID, kind, fraction.String())
}

// HoldKey ключ идемпотентности удержания.
func HoldKey(orderID uuid.UUID) string {
	return fmt.Sprintf("reserve:%s:hold", orderID)
}

// Settlement рассчитанное урегулирование резерва.
type Settlement struct {
	Reserve       models.Reserve
	ReleaseAmount decimal.Decimal
	RefundAmount  decimal.Decimal
	Batch         Batch
}

// PlanSettlement рассчитывает проводки release/refund/split от остатка резерва.
// Для split fraction задаёт долю возврата покупателю, остаток переводится продавцу.
func PlanSettlement(r models.Reserve, kind models.SettlementKind, fraction decimal.Decimal, now time.Time) (*Settlement, error) {
	switch kind {
	case models.SettlementRelease, models.SettlementRefund:
		if err := ValidateFraction(fraction); err != nil {
			return nil, err
		}
	case models.SettlementSplit:
		if err := ValidateSplitFraction(fraction); err != nil {
			return nil, err
		}
	default:
		return nil, apperror.New(apperror.ErrCodeValidation, fmt.Sprintf("неизвестный вид урегулирования %q", kind))
	}

	remaining := r.Remaining()
	if r.IsTerminal() || !remaining.IsPositive() {
		return nil, apperror.ErrInvalidStateTransition.WithMessage(
			fmt.Sprintf("резерв заказа %s уже урегулирован (%s)", r.OrderID, r.Status))
	}

	portion := remaining
	if !fraction.Equal(decimal.NewFromInt(1)) {
		portion = remaining.Mul(fraction).Round(2)
	}

	var release, refund decimal.Decimal
	switch kind {
	case models.SettlementRelease:
		release = portion
	case models.SettlementRefund:
		refund = portion
	case models.SettlementSplit:
		refund = portion
		release = remaining.Sub(portion)
	}
	if release.IsZero() && refund.IsZero() {
		return nil, apperror.ErrAmountInvalid.WithMessage("доля от остатка резерва меньше одной копейки")
	}

	ref := &models.Reference{Type: models.ReferenceTypeOrder, ID: r.OrderID.String()}
	var entries []Entry
	if refund.IsPositive() {
		entries = append(entries, Entry{
			WalletID: r.BuyerWalletID, Type: models.TransactionTypeReserveRefund,
			Amount: refund, Reference: ref, Description: "Возврат средств из резерва",
		})
	}
	if release.IsPositive() {
		entries = append(entries,
			Entry{
				WalletID: r.BuyerWalletID, Type: models.TransactionTypeReserveRelease, Leg: models.LegSource,
				Amount: release, Reference: ref, Description: "Списание резерва в пользу продавца",
			},
			Entry{
				WalletID: r.SellerWalletID, Type: models.TransactionTypeReserveRelease, Leg: models.LegTarget,
				Amount: release, Reference: ref, Description: "Оплата заказа из резерва",
			},
		)
	}

	next := r
	next.ReleasedAmount = r.ReleasedAmount.Add(release)
	next.RefundedAmount = r.RefundedAmount.Add(refund)
	next.UpdatedAt = now

	switch {
	case next.Remaining().IsPositive():
		next.Status = models.ReserveStatusPartiallyReleased
	case release.IsPositive():
		next.Status = models.ReserveStatusReleased
	default:
		next.Status = models.ReserveStatusRefunded
	}
	if !CanTransition(r.Status, next.Status) {
		return nil, apperror.ErrInvalidStateTransition.WithMessage(
			fmt.Sprintf("переход резерва %s -> %s недопустим", r.Status, next.Status))
	}
	if next.IsTerminal() {
		settledAt := now
		next.SettledAt = &settledAt
	}

	return &Settlement{
		Reserve:       next,
		ReleaseAmount: release,
		RefundAmount:  refund,
		Batch:         NewBatch(SettlementKey(r.OrderID, kind, fraction), entries...),
	}, nil
}

// PlanHold строит проводку удержания и новый резерв.
func PlanHold(orderID, buyerWalletID, sellerWalletID uuid.UUID, amount decimal.Decimal, now time.Time) (models.Reserve, Batch, error) {
	if err := ValidateAmount(amount); err != nil {
		return models.Reserve{}, Batch{}, err
	}
	if buyerWalletID == sellerWalletID {
		return models.Reserve{}, Batch{}, apperror.New(apperror.ErrCodeValidation, "покупатель и продавец должны использовать разные кошельки")
	}

	reserve := models.Reserve{
		ID:             uuid.New(),
		OrderID:        orderID,
		BuyerWalletID:  buyerWalletID,
		SellerWalletID: sellerWalletID,
		Amount:         amount,
		ReleasedAmount: decimal.Zero,
		RefundedAmount: decimal.Zero,
		Status:         models.ReserveStatusHeld,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	batch := NewBatch(HoldKey(orderID), Entry{
		WalletID:    buyerWalletID,
		Type:        models.TransactionTypeReserveHold,
		Amount:      amount,
		Reference:   &models.Reference{Type: models.ReferenceTypeOrder, ID: orderID.String()},
		Description: "Резервирование средств под заказ",
	})
	return reserve, batch, nil
}

// MatchesHold сообщает, совпадает ли существующий резерв с параметрами повторного удержания.
func MatchesHold(r *models.Reserve, buyerWalletID, sellerWalletID uuid.UUID, amount decimal.Decimal) bool {
	return r.BuyerWalletID == buyerWalletID && r.SellerWalletID == sellerWalletID && r.Amount.Equal(amount)
}

// MarkDisputed переводит резерв в disputed.
func MarkDisputed(r models.Reserve, now time.Time) (models.Reserve, error) {
	if !CanTransition(r.Status, models.ReserveStatusDisputed) {
		return r, apperror.ErrInvalidStateTransition.WithMessage(
			fmt.Sprintf("резерв в статусе %s нельзя оспорить", r.Status))
	}
	r.Status = models.ReserveStatusDisputed
	r.UpdatedAt = now
	return r, nil
}
