package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized  ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden     ErrorCode = "FORBIDDEN"
	ErrCodeBadRequest    ErrorCode = "BAD_REQUEST"
	ErrCodeConflict      ErrorCode = "CONFLICT"
	ErrCodeInternal      ErrorCode = "INTERNAL_ERROR"
	ErrCodeValidation    ErrorCode = "VALIDATION_ERROR"
	ErrCodeDatabaseError ErrorCode = "DATABASE_ERROR"

	// Доменные коды кошелька, резервов и споров.
	ErrCodeInsufficientFunds      ErrorCode = "INSUFFICIENT_FUNDS"
	ErrCodeWalletNotActive        ErrorCode = "WALLET_NOT_ACTIVE"
	ErrCodeAmountInvalid          ErrorCode = "AMOUNT_INVALID"
	ErrCodeReserveAlreadyHeld     ErrorCode = "RESERVE_ALREADY_HELD"
	ErrCodeReserveNotFound        ErrorCode = "RESERVE_NOT_FOUND"
	ErrCodeInvalidFraction        ErrorCode = "INVALID_FRACTION"
	ErrCodeNoActiveReserve        ErrorCode = "NO_ACTIVE_RESERVE"
	ErrCodeInsufficientEvidence   ErrorCode = "INSUFFICIENT_EVIDENCE"
	ErrCodeAIAnalysisFailed       ErrorCode = "AI_ANALYSIS_FAILED"
	ErrCodeInvalidStateTransition ErrorCode = "INVALID_STATE_TRANSITION"
	ErrCodeAuthorizationDenied    ErrorCode = "AUTHORIZATION_DENIED"
	ErrCodeGatewayFailed          ErrorCode = "PAYMENT_GATEWAY_FAILED"
)

type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	// Reason уточняет отказ машиночитаемым кодом (например, "daily_limit_exceeded").
	Reason string
	Cause  error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is сравнивает ошибки по коду, поэтому errors.Is(err, ErrInsufficientFunds)
// срабатывает и для ошибок с уточнённым сообщением.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// WithMessage возвращает копию ошибки с другим сообщением.
func (e *AppError) WithMessage(message string) *AppError {
	cp := *e
	cp.Message = message
	return &cp
}

// WithReason возвращает копию ошибки с кодом причины.
func (e *AppError) WithReason(reason string) *AppError {
	cp := *e
	cp.Reason = reason
	return &cp
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
	}
}

func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
		Cause:      err,
	}
}

func codeToHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeNotFound, ErrCodeReserveNotFound:
		return http.StatusNotFound
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeForbidden, ErrCodeAuthorizationDenied:
		return http.StatusForbidden
	case ErrCodeBadRequest, ErrCodeValidation, ErrCodeAmountInvalid, ErrCodeInvalidFraction:
		return http.StatusBadRequest
	case ErrCodeConflict, ErrCodeReserveAlreadyHeld, ErrCodeInvalidStateTransition,
		ErrCodeWalletNotActive, ErrCodeNoActiveReserve:
		return http.StatusConflict
	case ErrCodeInsufficientFunds, ErrCodeInsufficientEvidence:
		return http.StatusUnprocessableEntity
	case ErrCodeAIAnalysisFailed, ErrCodeGatewayFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// CodeOf возвращает код доменной ошибки или пустую строку для инфраструктурных ошибок.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsDomain сообщает, является ли ошибка ожидаемым доменным исходом.
func IsDomain(err error) bool {
	code := CodeOf(err)
	return code != "" && code != ErrCodeInternal && code != ErrCodeDatabaseError
}

func IsNotFound(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && (appErr.Code == ErrCodeNotFound || appErr.Code == ErrCodeReserveNotFound)
}

var (
	ErrForbidden = New(ErrCodeForbidden, "недостаточно прав")

	ErrWalletNotFound  = New(ErrCodeNotFound, "кошелёк не найден")
	ErrDisputeNotFound = New(ErrCodeNotFound, "спор не найден")
	ErrDisputeExists   = New(ErrCodeConflict, "по заказу уже открыт спор")

	ErrInsufficientFunds      = New(ErrCodeInsufficientFunds, "недостаточно средств")
	ErrWalletNotActive        = New(ErrCodeWalletNotActive, "кошелёк не активен")
	ErrAmountInvalid          = New(ErrCodeAmountInvalid, "сумма должна быть положительной")
	ErrReserveAlreadyHeld     = New(ErrCodeReserveAlreadyHeld, "по заказу уже зарезервированы средства с другими параметрами")
	ErrReserveNotFound        = New(ErrCodeReserveNotFound, "резерв не найден")
	ErrInvalidFraction        = New(ErrCodeInvalidFraction, "доля должна быть в диапазоне (0, 1]")
	ErrNoActiveReserve        = New(ErrCodeNoActiveReserve, "у заказа нет активного резерва")
	ErrInsufficientEvidence   = New(ErrCodeInsufficientEvidence, "для анализа нужно хотя бы одно доказательство")
	ErrAIAnalysisFailed       = New(ErrCodeAIAnalysisFailed, "не удалось получить AI анализ")
	ErrInvalidStateTransition = New(ErrCodeInvalidStateTransition, "недопустимый переход состояния")
	ErrAuthorizationDenied    = New(ErrCodeAuthorizationDenied, "операция отклонена")
	ErrGatewayFailed          = New(ErrCodeGatewayFailed, "платёжный шлюз не подтвердил операцию")
)
