package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/agripay-backend/internal/models"
)

func TestTokenManager_IssueAndParse(t *testing.T) {
	tm := NewTokenManager("test-secret", time.Minute)
	userID := uuid.New()

	token, exp, err := tm.Issue(userID, models.RoleAgent, 0)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), exp, 2*time.Second)

	actor, err := tm.ParseAccess(token)
	require.NoError(t, err)
	assert.Equal(t, userID, actor.ID)
	assert.Equal(t, models.RoleAgent, actor.Role)
	assert.True(t, actor.IsStaff)
}

func TestTokenManager_RejectsForeignSecretAndExpired(t *testing.T) {
	tm := NewTokenManager("test-secret", time.Minute)
	other := NewTokenManager("other-secret", time.Minute)

	token, _, err := other.Issue(uuid.New(), models.RoleUser, 0)
	require.NoError(t, err)
	_, err = tm.ParseAccess(token)
	assert.Error(t, err)

	claims := jwt.MapClaims{"sub": uuid.NewString(), "exp": time.Now().Add(-time.Minute).Unix()}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	_, err = tm.ParseAccess(raw)
	assert.Error(t, err)
}

func TestTokenManager_DefaultRoleIsUser(t *testing.T) {
	tm := NewTokenManager("test-secret", time.Minute)
	claims := jwt.MapClaims{"sub": uuid.NewString(), "exp": time.Now().Add(time.Minute).Unix()}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	actor, err := tm.ParseAccess(raw)
	require.NoError(t, err)
	assert.Equal(t, models.RoleUser, actor.Role)
	assert.False(t, actor.IsStaff)
}
