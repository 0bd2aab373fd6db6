package common

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ignatzorin/agripay-backend/internal/dto"
	"github.com/ignatzorin/agripay-backend/internal/http/middleware"
	"github.com/ignatzorin/agripay-backend/internal/models"
	"github.com/ignatzorin/agripay-backend/internal/pkg/apperror"
	"github.com/ignatzorin/agripay-backend/internal/validation"
)

// IdempotencyHeader заголовок с клиентским ключом идемпотентности.
const IdempotencyHeader = "Idempotency-Key"

var (
	// ErrActorNotFound is returned when the actor is not found in context
	ErrActorNotFound = errors.New("пользователь не найден в контексте")

	// ErrInvalidUUID is returned when UUID parsing fails
	ErrInvalidUUID = errors.New("неверный формат UUID")
)

// CurrentActor extracts the authenticated actor from Gin context
func CurrentActor(c *gin.Context) (models.Actor, error) {
	raw, exists := c.Get(middleware.ContextActorKey)
	if !exists {
		return models.Actor{}, ErrActorNotFound
	}

	actor, ok := raw.(models.Actor)
	if !ok || actor.ID == uuid.Nil {
		return models.Actor{}, ErrActorNotFound
	}

	return actor, nil
}

// ParseUUIDParam parses UUID from URL parameter
func ParseUUIDParam(c *gin.Context, paramName string) (uuid.UUID, error) {
	param := c.Param(paramName)
	if param == "" {
		return uuid.Nil, fmt.Errorf("параметр %s отсутствует", paramName)
	}

	parsed, err := uuid.Parse(param)
	if err != nil {
		return uuid.Nil, ErrInvalidUUID
	}

	return parsed, nil
}

// BindAndValidate binds JSON request and returns properly formatted error
func BindAndValidate(c *gin.Context, req interface{}) error {
	if err := c.ShouldBindJSON(req); err != nil {
		return fmt.Errorf("ошибка валидации запроса: %w", err)
	}
	return nil
}

// IdempotencyKey reads and validates the Idempotency-Key header
func IdempotencyKey(c *gin.Context) (string, error) {
	key := c.GetHeader(IdempotencyHeader)
	if err := validation.ValidateIdempotencyKey(key); err != nil {
		return "", err
	}
	return key, nil
}

// FractionOrWhole returns 1 when the fraction is omitted
func FractionOrWhole(f *decimal.Decimal) decimal.Decimal {
	if f == nil {
		return decimal.NewFromInt(1)
	}
	return *f
}

// RespondAppError sends a domain error with its HTTP status or masks an infrastructure error
func RespondAppError(c *gin.Context, err error) {
	status, body := middleware.ErrorBody(c, err)
	c.JSON(status, body)
}

// RespondError sends a standardized error response
func RespondError(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, dto.ErrorResponse{Error: message})
}

// RespondUnauthorized sends a 401 Unauthorized response
func RespondUnauthorized(c *gin.Context, message string) {
	if message == "" {
		message = "требуется авторизация"
	}
	c.JSON(http.StatusUnauthorized, dto.ErrorResponse{Error: message, Code: string(apperror.ErrCodeUnauthorized)})
}

// RespondBadRequest sends a 400 Bad Request response
func RespondBadRequest(c *gin.Context, message string) {
	if message == "" {
		message = "некорректный запрос"
	}
	c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: message, Code: string(apperror.ErrCodeValidation)})
}

// ParseIntQuery safely reads an integer query parameter with a fallback value
func ParseIntQuery(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

// GetPagination extracts limit and offset from query parameters with defaults
func GetPagination(c *gin.Context) (limit, offset int) {
	limit = ParseIntQuery(c, "limit", 20)
	offset = ParseIntQuery(c, "offset", 0)
	if limit > 100 {
		limit = 100
	}
	if limit < 1 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return
}
