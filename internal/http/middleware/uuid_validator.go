package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ignatzorin/agripay-backend/internal/dto"
	"github.com/ignatzorin/agripay-backend/internal/pkg/apperror"
)

// UUIDValidator проверяет, что параметры с указанными именами являются валидными UUID.
// Использование: router.GET("/wallets/:id", UUIDValidator("id"), handler.GetWallet)
func UUIDValidator(paramNames ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, name := range paramNames {
			idStr := c.Param(name)
			if idStr == "" {
				c.AbortWithStatusJSON(http.StatusBadRequest, dto.ErrorResponse{
					Error: "параметр " + name + " обязателен",
					Code:  string(apperror.ErrCodeValidation),
				})
				return
			}
			if _, err := uuid.Parse(idStr); err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, dto.ErrorResponse{
					Error: "параметр " + name + " должен быть валидным UUID",
					Code:  string(apperror.ErrCodeValidation),
				})
				return
			}
		}

		c.Next()
	}
}
