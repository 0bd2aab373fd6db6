package goroutine

import (
	"context"
	"runtime/debug"

	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/agripay-backend/internal/logger"
)

// RecoveryHandler перехватывает panic в фоновых горутинах.
type RecoveryHandler struct {
	log *logrus.Entry
}

// NewRecoveryHandler создает обработчик, пишущий в log.
func NewRecoveryHandler(log *logrus.Entry) *RecoveryHandler {
	return &RecoveryHandler{log: log}
}

// Recover вызывается через defer внутри горутины.
func (rh *RecoveryHandler) Recover(name string) {
	if r := recover(); r != nil {
		rh.log.WithFields(logrus.Fields{
			"goroutine": name,
			"panic":     r,
			"stack":     string(debug.Stack()),
		}).Error("panic в горутине перехвачен")
	}
}

// SafeGo запускает горутину с обработкой panic
func (rh *RecoveryHandler) SafeGo(name string, fn func()) {
	go func() {
		defer rh.Recover(name)
		fn()
	}()
}

// SafeGoWithContext запускает горутину с контекстом и обработкой panic
func (rh *RecoveryHandler) SafeGoWithContext(ctx context.Context, name string, fn func(context.Context)) {
	go func() {
		defer rh.Recover(name)
		fn(ctx)
	}()
}

// DefaultRecoveryHandler пишет в глобальный логгер.
var DefaultRecoveryHandler = NewRecoveryHandler(logger.Component("goroutine"))

// SafeGo - упрощенная функция для запуска безопасной горутины
func SafeGo(name string, fn func()) {
	DefaultRecoveryHandler.SafeGo(name, fn)
}

// SafeGoWithContext - упрощенная функция для запуска безопасной горутины с контекстом
func SafeGoWithContext(ctx context.Context, name string, fn func(context.Context)) {
	DefaultRecoveryHandler.SafeGoWithContext(ctx, name, fn)
}
