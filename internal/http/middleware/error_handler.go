package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/agripay-backend/internal/dto"
	"github.com/ignatzorin/agripay-backend/internal/logger"
	"github.com/ignatzorin/agripay-backend/internal/pkg/apperror"
)

// ErrorHandler обрабатывает ошибки, добавленные через c.Error, централизованно.
// Доменные ошибки отдаются клиенту с кодом и причиной, остальные маскируются как 500.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Проверяем, не был ли уже отправлен ответ
		if c.Writer.Written() || len(c.Errors) == 0 {
			return
		}

		status, body := ErrorBody(c, c.Errors.Last().Err)
		c.JSON(status, body)
	}
}

// ErrorBody переводит ошибку в HTTP статус и тело ответа.
func ErrorBody(c *gin.Context, err error) (int, dto.ErrorResponse) {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) && apperror.IsDomain(err) {
		return appErr.HTTPStatus, dto.ErrorResponse{
			Error:  appErr.Message,
			Code:   string(appErr.Code),
			Reason: appErr.Reason,
		}
	}

	logger.Log.WithFields(logrus.Fields{
		"error":  err.Error(),
		"path":   c.Request.URL.Path,
		"method": c.Request.Method,
	}).Error("Request error")

	return http.StatusInternalServerError, dto.ErrorResponse{
		Error: "внутренняя ошибка сервера",
		Code:  string(apperror.ErrCodeInternal),
	}
}
