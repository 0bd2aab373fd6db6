package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/agripay-backend/internal/logger"
	"github.com/ignatzorin/agripay-backend/internal/models"
)

// Sandbox платёжный шлюз для разработки. Подтверждает все операции и выдаёт
// ссылки вида SBX-<uuid>. Выплаты выше PayoutCeiling отклоняются.
type Sandbox struct {
	// PayoutCeiling ноль снимает ограничение.
	PayoutCeiling decimal.Decimal

	mu      sync.Mutex
	payouts map[string]decimal.Decimal
	log     *logrus.Entry
}

// NewSandbox создаёт шлюз-заглушку.
func NewSandbox(payoutCeiling decimal.Decimal) *Sandbox {
	return &Sandbox{
		PayoutCeiling: payoutCeiling,
		payouts:       make(map[string]decimal.Decimal),
		log:           logger.Component("gateway"),
	}
}

func (s *Sandbox) InitiateDeposit(ctx context.Context, method models.PaymentMethod, amount decimal.Decimal) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := method.Validate(); err != nil {
		return "", fmt.Errorf("gateway: %w", err)
	}

	ref := "SBX-" + uuid.NewString()
	s.log.WithFields(logrus.Fields{
		"method": method.Masked(),
		"amount": amount.StringFixed(2),
		"ref":    ref,
	}).Info("sandbox: пополнение подтверждено")
	return ref, nil
}

func (s *Sandbox) InitiateWithdrawal(ctx context.Context, method models.PaymentMethod, amount decimal.Decimal) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := method.Validate(); err != nil {
		return "", fmt.Errorf("gateway: %w", err)
	}
	if s.PayoutCeiling.IsPositive() && amount.GreaterThan(s.PayoutCeiling) {
		return "", fmt.Errorf("gateway: выплата %s превышает лимит песочницы %s", amount.StringFixed(2), s.PayoutCeiling.StringFixed(2))
	}

	ref := "SBX-" + uuid.NewString()
	s.mu.Lock()
	s.payouts[ref] = amount
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"method": method.Masked(),
		"amount": amount.StringFixed(2),
		"ref":    ref,
	}).Info("sandbox: выплата отправлена")
	return ref, nil
}

// Payout возвращает сумму выплаты по ссылке.
func (s *Sandbox) Payout(ref string) (decimal.Decimal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	amount, ok := s.payouts[ref]
	return amount, ok
}
