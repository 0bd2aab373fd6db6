package service

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/ignatzorin/agripay-backend/internal/ledger"
	"github.com/ignatzorin/agripay-backend/internal/logger"
	"github.com/ignatzorin/agripay-backend/internal/metrics"
	"github.com/ignatzorin/agripay-backend/internal/models"
	"github.com/ignatzorin/agripay-backend/internal/pkg/apperror"
)

// HoldInput удержание средств покупателя под заказ.
type HoldInput struct {
	OrderID        uuid.UUID
	BuyerWalletID  uuid.UUID
	SellerWalletID uuid.UUID
	Amount         decimal.Decimal
	PIN            string
}

// SettleInput урегулирование резерва. PIN подтверждает участник сделки,
// сотрудникам и системе он не нужен.
type SettleInput struct {
	OrderID  uuid.UUID
	Fraction decimal.Decimal
	PIN      string
}

// orderLockStripes число мьютексов, между которыми распределяются заказы.
const orderLockStripes = 256

// ReserveService управляет резервами TradeGuard. Операции по одному заказу
// выполняются последовательно внутри процесса, одинаковые параллельные
// урегулирования объединяются через singleflight.
type ReserveService struct {
	reserves ReserveStore
	wallets  WalletReader
	gate     Authorizer
	events   WalletEventPublisher
	locks    [orderLockStripes]sync.Mutex
	flight   singleflight.Group
	log      *logrus.Entry
}

func NewReserveService(reserves ReserveStore, wallets WalletReader, gate Authorizer, events WalletEventPublisher) *ReserveService {
	return &ReserveService{
		reserves: reserves,
		wallets:  wallets,
		gate:     gate,
		events:   publisherOrNoop(events),
		log:      logger.Component("reserve"),
	}
}

// orderLock возвращает мьютекс заказа. Разные заказы могут делить мьютекс,
// вложенных блокировок заказов нет.
func (s *ReserveService) orderLock(orderID uuid.UUID) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write(orderID[:])
	return &s.locks[h.Sum32()%orderLockStripes]
}

// Hold удерживает средства покупателя. Повтор с теми же параметрами возвращает
// существующий резерв без повторной проверки PIN и лимитов.
func (s *ReserveService) Hold(ctx context.Context, actor models.Actor, in HoldInput) (*models.ReserveResult, error) {
	buyer, err := s.wallets.GetWallet(ctx, in.BuyerWalletID)
	if err != nil {
		return nil, err
	}
	if buyer.OwnerID != actor.ID && !actor.IsStaff {
		return nil, apperror.ErrForbidden
	}
	if in.BuyerWalletID == in.SellerWalletID {
		return nil, apperror.New(apperror.ErrCodeValidation, "покупатель и продавец должны различаться")
	}
	if err := ledger.ValidateAmount(in.Amount); err != nil {
		return nil, err
	}

	mu := s.orderLock(in.OrderID)
	mu.Lock()
	defer mu.Unlock()

	var dailyCap *ledger.DailyCap
	_, err = s.reserves.GetReserve(ctx, in.OrderID)
	switch {
	case err == nil:
		// Резерв уже есть: хранилище вернёт его или ReserveAlreadyHeld
	case apperror.IsNotFound(err):
		decision, err := s.gate.Authorize(ctx, GateRequest{
			WalletID:  in.BuyerWalletID,
			Operation: models.TransactionTypeReserveHold,
			Amount:    in.Amount,
			PIN:       in.PIN,
			Actor:     actor,
		})
		if err != nil {
			return nil, err
		}
		if !decision.Allowed {
			metrics.ReserveOperationsTotal.WithLabelValues("hold", "denied").Inc()
			return nil, decision.Err()
		}
		dailyCap = decision.DailyCap
	default:
		return nil, err
	}

	res, err := s.reserves.HoldReserve(ctx, in.OrderID, in.BuyerWalletID, in.SellerWalletID, in.Amount, dailyCap)
	metrics.ReserveOperationsTotal.WithLabelValues("hold", metrics.Result(err)).Inc()
	if err != nil {
		return nil, err
	}

	if !res.Replayed {
		s.log.WithFields(logrus.Fields{
			"order_id": in.OrderID,
			"amount":   in.Amount.StringFixed(2),
		}).Info("средства зарезервированы")
		publishPosting(ctx, s.log, s.events, res.Wallets, res.Transactions)
	}
	return res, nil
}

// Release переводит долю остатка резерва продавцу. Доступно покупателю и сотрудникам.
func (s *ReserveService) Release(ctx context.Context, actor models.Actor, in SettleInput) (*models.ReserveResult, error) {
	return s.settle(ctx, actor, models.SettlementRelease, in)
}

// Refund возвращает долю остатка резерва покупателю. Доступно продавцу и сотрудникам.
func (s *ReserveService) Refund(ctx context.Context, actor models.Actor, in SettleInput) (*models.ReserveResult, error) {
	return s.settle(ctx, actor, models.SettlementRefund, in)
}

// Split одной операцией возвращает долю остатка покупателю (in.Fraction) и отдаёт
// остальное продавцу.
func (s *ReserveService) Split(ctx context.Context, actor models.Actor, in SettleInput) (*models.ReserveResult, error) {
	return s.settle(ctx, actor, models.SettlementSplit, in)
}

// settle урегулирует резерв. Оспоренный резерв урегулируют только сотрудники
// и система (решение по спору), участник подтверждает операцию PIN.
func (s *ReserveService) settle(ctx context.Context, actor models.Actor, kind models.SettlementKind, in SettleInput) (*models.ReserveResult, error) {
	orderID, fraction := in.OrderID, in.Fraction
	if kind == models.SettlementSplit {
		if err := ledger.ValidateSplitFraction(fraction); err != nil {
			return nil, err
		}
	} else if err := ledger.ValidateFraction(fraction); err != nil {
		return nil, err
	}

	reserve, err := s.reserves.GetReserve(ctx, orderID)
	if err != nil {
		return nil, err
	}

	privileged := actor.IsStaff || actor.System
	key := ledger.SettlementKey(orderID, kind, fraction)
	if !privileged {
		walletID, err := s.authorizeSettlement(ctx, actor, reserve, kind)
		if err != nil {
			return nil, err
		}
		if err := checkNotDisputed(reserve); err != nil {
			return nil, err
		}
		decision, err := s.gate.Authorize(ctx, GateRequest{
			WalletID:  walletID,
			Operation: settlementOperation(kind),
			Amount:    reserve.Remaining(),
			PIN:       in.PIN,
			Actor:     actor,
			Check:     GateCheckConfirm,
		})
		if err != nil {
			return nil, err
		}
		if !decision.Allowed {
			metrics.ReserveOperationsTotal.WithLabelValues(string(kind), "denied").Inc()
			return nil, decision.Err()
		}
		// Вызов участника не объединяется с решением по спору
		key += ":participant"
	}

	v, err, _ := s.flight.Do(key, func() (interface{}, error) {
		mu := s.orderLock(orderID)
		mu.Lock()
		defer mu.Unlock()

		// Спор мог быть открыт после первого чтения
		if !privileged {
			current, err := s.reserves.GetReserve(ctx, orderID)
			if err != nil {
				return nil, err
			}
			if err := checkNotDisputed(current); err != nil {
				return nil, err
			}
		}
		return s.reserves.SettleReserve(ctx, orderID, kind, fraction)
	})
	metrics.ReserveOperationsTotal.WithLabelValues(string(kind), metrics.Result(err)).Inc()
	if err != nil {
		return nil, err
	}

	res := v.(*models.ReserveResult)
	if !res.Replayed && len(res.Wallets) > 0 {
		s.log.WithFields(logrus.Fields{
			"order_id": orderID,
			"kind":     kind,
			"fraction": fraction.String(),
			"status":   res.Reserve.Status,
			"actor_id": actor.ID,
		}).Info("резерв урегулирован")
		publishPosting(ctx, s.log, s.events, res.Wallets, res.Transactions)
	}
	return res, nil
}

func checkNotDisputed(r *models.Reserve) error {
	if r.Status == models.ReserveStatusDisputed {
		return apperror.ErrInvalidStateTransition.WithMessage(
			fmt.Sprintf("резерв заказа %s оспорен и урегулируется решением по спору", r.OrderID))
	}
	return nil
}

func settlementOperation(kind models.SettlementKind) models.TransactionType {
	if kind == models.SettlementRefund {
		return models.TransactionTypeReserveRefund
	}
	return models.TransactionTypeReserveRelease
}

// authorizeSettlement проверяет участника и возвращает кошелёк, владелец которого
// подтверждает операцию: release инициирует покупатель, refund продавец,
// split только сотрудники и система.
func (s *ReserveService) authorizeSettlement(ctx context.Context, actor models.Actor, r *models.Reserve, kind models.SettlementKind) (uuid.UUID, error) {
	var walletID uuid.UUID
	switch kind {
	case models.SettlementRelease:
		walletID = r.BuyerWalletID
	case models.SettlementRefund:
		walletID = r.SellerWalletID
	default:
		return uuid.Nil, apperror.ErrForbidden
	}

	w, err := s.wallets.GetWallet(ctx, walletID)
	if err != nil {
		return uuid.Nil, err
	}
	if w.OwnerID != actor.ID {
		return uuid.Nil, apperror.ErrForbidden.WithMessage(fmt.Sprintf("операция %s недоступна этому участнику", kind))
	}
	return walletID, nil
}

// MarkDisputed переводит резерв в disputed при открытии спора.
func (s *ReserveService) MarkDisputed(ctx context.Context, actor models.Actor, orderID uuid.UUID) (*models.Reserve, error) {
	if !actor.System && !actor.IsStaff {
		return nil, apperror.ErrForbidden
	}

	mu := s.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	reserve, err := s.reserves.MarkReserveDisputed(ctx, orderID)
	metrics.ReserveOperationsTotal.WithLabelValues("dispute", metrics.Result(err)).Inc()
	return reserve, err
}

// Get возвращает резерв участнику сделки или сотруднику.
func (s *ReserveService) Get(ctx context.Context, actor models.Actor, orderID uuid.UUID) (*models.Reserve, error) {
	reserve, err := s.reserves.GetReserve(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if actor.IsStaff {
		return reserve, nil
	}
	if _, err := participantParty(ctx, s.wallets, actor, reserve); err != nil {
		return nil, err
	}
	return reserve, nil
}

// List возвращает резервы кошелька.
func (s *ReserveService) List(ctx context.Context, actor models.Actor, walletID uuid.UUID, limit, offset int) ([]models.Reserve, error) {
	w, err := s.wallets.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if w.OwnerID != actor.ID && !actor.IsStaff {
		return nil, apperror.ErrForbidden
	}
	limit, offset = normalizePage(limit, offset)
	return s.reserves.ListReserves(ctx, walletID, limit, offset)
}

// participantParty определяет сторону сделки, которой является actor.
func participantParty(ctx context.Context, wallets WalletReader, actor models.Actor, r *models.Reserve) (models.EvidenceParty, error) {
	if actor.System {
		return models.EvidencePartySystem, nil
	}
	buyer, err := wallets.GetWallet(ctx, r.BuyerWalletID)
	if err != nil {
		return "", err
	}
	if buyer.OwnerID == actor.ID {
		return models.EvidencePartyBuyer, nil
	}
	seller, err := wallets.GetWallet(ctx, r.SellerWalletID)
	if err != nil {
		return "", err
	}
	if seller.OwnerID == actor.ID {
		return models.EvidencePartySeller, nil
	}
	if actor.IsStaff {
		return models.EvidencePartySystem, nil
	}
	return "", apperror.ErrForbidden.WithMessage("пользователь не является участником сделки")
}
