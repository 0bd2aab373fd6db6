package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ignatzorin/agripay-backend/internal/dto"
	"github.com/ignatzorin/agripay-backend/internal/models"
	"github.com/ignatzorin/agripay-backend/internal/pkg/apperror"
)

// ContextActorKey ключ gin.Context, под которым хранится инициатор запроса.
const ContextActorKey = "actor"

// AccessParser проверяет access токен.
type AccessParser interface {
	ParseAccess(token string) (models.Actor, error)
}

// AuthMiddleware проверяет JWT access токен из заголовка Authorization.
// Для WebSocket допускается параметр ?token=, браузер не передаёт заголовки при апгрейде.
func AuthMiddleware(tokens AccessParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, dto.ErrorResponse{Error: "требуется авторизация", Code: string(apperror.ErrCodeUnauthorized)})
			return
		}

		actor, err := tokens.ParseAccess(raw)
		if err != nil || actor.ID == uuid.Nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, dto.ErrorResponse{Error: "токен невалиден", Code: string(apperror.ErrCodeUnauthorized)})
			return
		}

		c.Set(ContextActorKey, actor)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if websocketUpgrade(c.Request) {
		return c.Query("token")
	}
	return ""
}

func websocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
