package service

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ignatzorin/agripay-backend/internal/models"
)

// TokenManager проверяет access токены, выпущенные сервисом идентификации.
// Выпуск используется CLI для служебных и тестовых токенов.
type TokenManager struct {
	accessSecret []byte
	accessTTL    time.Duration
}

// NewTokenManager создаёт менеджер токенов.
func NewTokenManager(accessSecret string, accessTTL time.Duration) *TokenManager {
	return &TokenManager{
		accessSecret: []byte(accessSecret),
		accessTTL:    accessTTL,
	}
}

// Issue выпускает access токен для пользователя с ролью.
func (m *TokenManager) Issue(userID uuid.UUID, role string, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = m.accessTTL
	}
	now := time.Now()
	exp := now.Add(ttl)

	claims := jwt.MapClaims{
		"sub":  userID.String(),
		"role": role,
		"iat":  now.Unix(),
		"exp":  exp.Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.accessSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token: не удалось подписать токен: %w", err)
	}
	return token, exp, nil
}

// ParseAccess извлекает инициатора операции из access токена.
func (m *TokenManager) ParseAccess(token string) (models.Actor, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return m.accessSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return models.Actor{}, err
	}
	if !parsed.Valid {
		return models.Actor{}, jwt.ErrTokenInvalidClaims
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return models.Actor{}, jwt.ErrTokenInvalidClaims
	}

	sub, ok := claims["sub"].(string)
	if !ok {
		return models.Actor{}, jwt.ErrTokenInvalidClaims
	}
	userID, err := uuid.Parse(sub)
	if err != nil {
		return models.Actor{}, err
	}

	role, _ := claims["role"].(string)
	if role == "" {
		role = models.RoleUser
	}
	return models.NewActor(userID, role), nil
}
