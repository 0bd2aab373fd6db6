package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/ignatzorin/agripay-backend/internal/config"
	"github.com/ignatzorin/agripay-backend/internal/ledger"
	"github.com/ignatzorin/agripay-backend/internal/logger"
	"github.com/ignatzorin/agripay-backend/internal/metrics"
	"github.com/ignatzorin/agripay-backend/internal/models"
	"github.com/ignatzorin/agripay-backend/internal/pkg/apperror"
)

// Причины отказа проверки доверия
const (
	DenyPinLocked                = "pin_locked"
	DenyPinInvalid               = "pin_invalid"
	DenyPinNotSet                = "pin_not_set"
	DenyDailyLimitExceeded       = ledger.DenyDailyLimitExceeded
	DenyTransactionLimitExceeded = "transaction_limit_exceeded"
	DenyTrustScoreTooLow         = "trust_score_too_low"
	DenyWalletNotActive          = "wallet_not_active"
)

var denyMessages = map[string]string{
	DenyPinLocked:                "PIN заблокирован после неудачных попыток",
	DenyPinInvalid:               "неверный PIN",
	DenyPinNotSet:                "PIN не установлен",
	DenyDailyLimitExceeded:       "превышен дневной лимит",
	DenyTransactionLimitExceeded: "превышен лимит одной операции",
	DenyTrustScoreTooLow:         "недостаточный уровень доверия для крупной операции",
	DenyWalletNotActive:          "кошелёк не активен",
}

// GateCheck набор проверок для операции.
type GateCheck int

const (
	// GateCheckOutgoing списание: статус, PIN, лимиты и уровень доверия.
	GateCheckOutgoing GateCheck = iota
	// GateCheckConfirm подтверждение урегулирования резерва участником: статус и PIN.
	// Лимиты и доверие проверены при удержании.
	GateCheckConfirm
	// GateCheckIncoming зачисление: статус и уровень доверия для крупных сумм.
	GateCheckIncoming
)

// GateRequest операция, которую нужно проверить перед движением средств.
type GateRequest struct {
	WalletID  uuid.UUID
	Operation models.TransactionType
	Amount    decimal.Decimal
	PIN       string
	Actor     models.Actor
	Check     GateCheck
}

// Decision результат проверки. Отказ возвращается значением, а не ошибкой.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	// DailyCap передаётся в пакет проводок, чтобы хранилище повторило
	// проверку дневного лимита под блокировкой кошелька.
	DailyCap *ledger.DailyCap `json:"-"`
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string) Decision {
	metrics.GateDenialsTotal.WithLabelValues(reason).Inc()
	return Decision{Reason: reason}
}

// Err переводит отказ в доменную ошибку AuthorizationDenied.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return apperror.ErrAuthorizationDenied.WithReason(d.Reason).WithMessage(denyMessages[d.Reason])
}

// GateStore данные кошелька, нужные для проверки.
type GateStore interface {
	GetWallet(ctx context.Context, id uuid.UUID) (*models.Wallet, error)
	UpdateWallet(ctx context.Context, id uuid.UUID, mutate func(w *models.Wallet) error) (*models.Wallet, error)
	SumOutgoingSince(ctx context.Context, walletID uuid.UUID, since time.Time) (decimal.Decimal, error)
}

// TrustGate проверяет PIN, лимиты и уровень доверия.
type TrustGate struct {
	store  GateStore
	scorer TrustScorer
	cfg    config.TrustConfig
	now    func() time.Time
	log    *logrus.Entry
}

func NewTrustGate(store GateStore, scorer TrustScorer, cfg config.TrustConfig) *TrustGate {
	if cfg.LimitsLocation == nil {
		cfg.LimitsLocation = time.UTC
	}
	return &TrustGate{
		store:  store,
		scorer: scorer,
		cfg:    cfg,
		now:    time.Now,
		log:    logger.Component("trust_gate"),
	}
}

// Authorize проверяет операцию по набору req.Check. Для списаний проверяются
// статус кошелька, PIN, лимиты и доверие.
func (g *TrustGate) Authorize(ctx context.Context, req GateRequest) (Decision, error) {
	wallet, err := g.store.GetWallet(ctx, req.WalletID)
	if err != nil {
		return Decision{}, err
	}
	if !wallet.IsActive() {
		return deny(DenyWalletNotActive), nil
	}

	// Системные процессы не вводят PIN, зачисление подтверждает шлюз
	if !req.Actor.System && req.Check != GateCheckIncoming {
		decision, err := g.VerifyPIN(ctx, req.WalletID, req.PIN)
		if err != nil || !decision.Allowed {
			return decision, err
		}
	}
	if req.Check == GateCheckConfirm {
		return allow(), nil
	}

	var dailyCap *ledger.DailyCap
	if req.Check == GateCheckOutgoing {
		if wallet.TransactionLimit.IsPositive() && req.Amount.GreaterThan(wallet.TransactionLimit) {
			return deny(DenyTransactionLimitExceeded), nil
		}

		if wallet.DailyLimit.IsPositive() {
			dailyCap = &ledger.DailyCap{WalletID: wallet.ID, Since: g.dayStart(), Limit: wallet.DailyLimit}
			spent, err := g.store.SumOutgoingSince(ctx, wallet.ID, dailyCap.Since)
			if err != nil {
				return Decision{}, fmt.Errorf("trust gate: sum outgoing: %w", err)
			}
			if spent.Add(req.Amount).GreaterThan(wallet.DailyLimit) {
				return deny(DenyDailyLimitExceeded), nil
			}
		}
	}

	if g.scorer != nil && req.Amount.GreaterThanOrEqual(g.cfg.HighValueThreshold) {
		score, err := g.scorer.TrustScore(ctx, wallet.OwnerID)
		if err != nil {
			return Decision{}, fmt.Errorf("trust gate: trust score: %w", err)
		}
		if score < g.cfg.MinScore {
			g.log.WithFields(logrus.Fields{
				"wallet_id": wallet.ID,
				"score":     score,
				"amount":    req.Amount.StringFixed(2),
			}).Info("крупная операция отклонена по уровню доверия")
			return deny(DenyTrustScoreTooLow), nil
		}
	}

	decision := allow()
	decision.DailyCap = dailyCap
	return decision, nil
}

// VerifyPIN сверяет PIN и ведёт счётчик неудачных попыток.
func (g *TrustGate) VerifyPIN(ctx context.Context, walletID uuid.UUID, pin string) (Decision, error) {
	wallet, err := g.store.GetWallet(ctx, walletID)
	if err != nil {
		return Decision{}, err
	}

	now := g.now()
	if wallet.PinLockedUntil != nil && now.Before(*wallet.PinLockedUntil) {
		return deny(DenyPinLocked), nil
	}
	if !wallet.HasPin() {
		return deny(DenyPinNotSet), nil
	}

	err = bcrypt.CompareHashAndPassword([]byte(*wallet.PinHash), []byte(pin))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return g.recordFailure(ctx, walletID, now)
	}
	if err != nil {
		return Decision{}, fmt.Errorf("trust gate: compare pin: %w", err)
	}

	if wallet.PinFailedAttempts > 0 || wallet.PinLockedUntil != nil {
		_, err := g.store.UpdateWallet(ctx, walletID, func(w *models.Wallet) error {
			w.PinFailedAttempts = 0
			w.PinLockedUntil = nil
			return nil
		})
		if err != nil {
			return Decision{}, fmt.Errorf("trust gate: reset pin attempts: %w", err)
		}
	}
	return allow(), nil
}

// recordFailure увеличивает счётчик под блокировкой строки кошелька,
// поэтому параллельные неверные попытки не теряются.
func (g *TrustGate) recordFailure(ctx context.Context, walletID uuid.UUID, now time.Time) (Decision, error) {
	locked := false
	_, err := g.store.UpdateWallet(ctx, walletID, func(w *models.Wallet) error {
		if w.PinLockedUntil != nil && now.Before(*w.PinLockedUntil) {
			locked = true
			return nil
		}
		w.PinFailedAttempts++
		if w.PinFailedAttempts >= g.cfg.PinMaxAttempts {
			until := now.Add(g.cfg.PinLockoutDuration)
			w.PinLockedUntil = &until
			w.PinFailedAttempts = 0
			g.log.WithField("wallet_id", w.ID).Warn("PIN заблокирован после неудачных попыток")
		}
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("trust gate: record pin failure: %w", err)
	}
	if locked {
		return deny(DenyPinLocked), nil
	}
	return deny(DenyPinInvalid), nil
}

// dayStart начало текущих суток в часовом поясе лимитов.
func (g *TrustGate) dayStart() time.Time {
	now := g.now().In(g.cfg.LimitsLocation)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, g.cfg.LimitsLocation)
}

// StaticTrustScorer возвращает оценку из таблицы или значение по умолчанию.
type StaticTrustScorer struct {
	mu           sync.RWMutex
	defaultScore float64
	scores       map[uuid.UUID]float64
}

func NewStaticTrustScorer(defaultScore float64) *StaticTrustScorer {
	return &StaticTrustScorer{defaultScore: defaultScore, scores: make(map[uuid.UUID]float64)}
}

// Set задаёт оценку пользователя.
func (s *StaticTrustScorer) Set(userID uuid.UUID, score float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[userID] = score
}

func (s *StaticTrustScorer) TrustScore(_ context.Context, userID uuid.UUID) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if score, ok := s.scores[userID]; ok {
		return score, nil
	}
	return s.defaultScore, nil
}
