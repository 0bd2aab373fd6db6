package models

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

type PaymentMethodType string

// Поддерживаемые способы оплаты
const (
	PaymentMethodMpesa PaymentMethodType = "mpesa"
	PaymentMethodBank  PaymentMethodType = "bank"
	PaymentMethodCard  PaymentMethodType = "card"
)

// MpesaDetails реквизиты M-Pesa.
type MpesaDetails struct {
	PhoneNumber string `json:"phone_number" validate:"required,e164"`
}

// BankDetails реквизиты банковского счёта.
type BankDetails struct {
	BankCode      string `json:"bank_code" validate:"required,alphanum,min=2,max=11"`
	AccountNumber string `json:"account_number" validate:"required,numeric,min=6,max=20"`
	AccountName   string `json:"account_name" validate:"required,max=120"`
}

// CardDetails токенизированная карта. Номер карты ядро не хранит.
type CardDetails struct {
	Token    string `json:"token" validate:"required,max=128"`
	Last4    string `json:"last4" validate:"required,numeric,len=4"`
	ExpMonth int    `json:"exp_month" validate:"required,min=1,max=12"`
	ExpYear  int    `json:"exp_year" validate:"required,min=2000,max=2100"`
}

// PaymentMethod закрытое объединение способов оплаты: заполнен ровно один вариант,
// совпадающий с Type.
type PaymentMethod struct {
	Type  PaymentMethodType `json:"type"`
	Mpesa *MpesaDetails     `json:"mpesa,omitempty"`
	Bank  *BankDetails      `json:"bank,omitempty"`
	Card  *CardDetails      `json:"card,omitempty"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func paymentValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate проверяет, что заполнен вариант, соответствующий Type, и только он.
func (m PaymentMethod) Validate() error {
	filled := 0
	for _, set := range []bool{m.Mpesa != nil, m.Bank != nil, m.Card != nil} {
		if set {
			filled++
		}
	}
	if filled != 1 {
		return fmt.Errorf("способ оплаты: должен быть заполнен ровно один вариант, заполнено %d", filled)
	}

	var details any
	switch m.Type {
	case PaymentMethodMpesa:
		details = m.Mpesa
	case PaymentMethodBank:
		details = m.Bank
	case PaymentMethodCard:
		details = m.Card
	default:
		return fmt.Errorf("способ оплаты: неизвестный тип %q", m.Type)
	}

	switch d := details.(type) {
	case *MpesaDetails:
		if d == nil {
			return fmt.Errorf("способ оплаты: не заполнены реквизиты %s", m.Type)
		}
	case *BankDetails:
		if d == nil {
			return fmt.Errorf("способ оплаты: не заполнены реквизиты %s", m.Type)
		}
	case *CardDetails:
		if d == nil {
			return fmt.Errorf("способ оплаты: не заполнены реквизиты %s", m.Type)
		}
	}

	if err := paymentValidator().Struct(details); err != nil {
		return fmt.Errorf("способ оплаты %s: %w", m.Type, err)
	}
	return nil
}

// Masked возвращает безопасное для логов описание способа оплаты.
func (m PaymentMethod) Masked() string {
	switch {
	case m.Mpesa != nil && len(m.Mpesa.PhoneNumber) > 4:
		return "mpesa:***" + m.Mpesa.PhoneNumber[len(m.Mpesa.PhoneNumber)-4:]
	case m.Bank != nil && len(m.Bank.AccountNumber) > 4:
		return "bank:" + m.Bank.BankCode + ":***" + m.Bank.AccountNumber[len(m.Bank.AccountNumber)-4:]
	case m.Card != nil:
		return "card:***" + m.Card.Last4
	default:
		return string(m.Type)
	}
}
