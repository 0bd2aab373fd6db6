package handlers

import (
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/agripay-backend/internal/dto"
	"github.com/ignatzorin/agripay-backend/internal/http/handlers/common"
	"github.com/ignatzorin/agripay-backend/internal/models"
	"github.com/ignatzorin/agripay-backend/internal/pkg/apperror"
)

func TestWalletHandler_Unauthorized(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/wallets/me", "/wallets/" + uuid.NewString() + "/balance"} {
		w := s.do(t, http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

func TestWalletHandler_InvalidWalletID(t *testing.T) {
	s := newTestServer(t)
	actor := models.NewActor(uuid.New(), models.RoleUser)

	w := s.do(t, http.MethodGet, "/wallets/invalid-uuid", &actor, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWalletHandler_CreateIsIdempotentPerOwner(t *testing.T) {
	s := newTestServer(t)
	actor := models.NewActor(uuid.New(), models.RoleUser)

	w := s.do(t, http.MethodPost, "/wallets", &actor, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var first dto.WalletResponse
	decode(t, w, &first)
	assert.False(t, first.PinSet)

	w = s.do(t, http.MethodPost, "/wallets", &actor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var second dto.WalletResponse
	decode(t, w, &second)
	assert.Equal(t, first.ID, second.ID)

	w = s.do(t, http.MethodGet, "/wallets/me", &actor, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestWalletHandler_DepositReplayByIdempotencyKey(t *testing.T) {
	s := newTestServer(t)
	u := s.newUser(t, "0")
	path := "/wallets/" + u.walletID.String() + "/deposit"
	body := map[string]any{"amount": "250", "method": mpesaMethod()}

	w := s.do(t, http.MethodPost, path, &u.actor, body, common.IdempotencyHeader, "dep-1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, path, &u.actor, body, common.IdempotencyHeader, "dep-1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res models.WalletResult
	decode(t, w, &res)
	assert.True(t, res.Replayed)

	assert.Equal(t, "250.00", s.balance(t, u).Balance.StringFixed(2))
}

func TestWalletHandler_DepositValidation(t *testing.T) {
	s := newTestServer(t)
	u := s.newUser(t, "0")
	path := "/wallets/" + u.walletID.String() + "/deposit"

	w := s.do(t, http.MethodPost, path, &u.actor, map[string]any{"amount": "10", "method": mpesaMethod()},
		common.IdempotencyHeader, "has space")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, path, &u.actor, map[string]any{"amount": "10.001", "method": mpesaMethod()})
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, path, &u.actor, map[string]any{"amount": "10", "method": map[string]string{"type": "mpesa"}})
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
}

func TestWalletHandler_WithdrawWrongPIN(t *testing.T) {
	s := newTestServer(t)
	u := s.newUser(t, "500")

	w := s.do(t, http.MethodPost, "/wallets/"+u.walletID.String()+"/withdraw", &u.actor,
		map[string]any{"amount": "100", "method": mpesaMethod(), "pin": "0000"})
	require.Equal(t, http.StatusForbidden, w.Code, w.Body.String())

	var errBody dto.ErrorResponse
	decode(t, w, &errBody)
	assert.Equal(t, string(apperror.ErrCodeAuthorizationDenied), errBody.Code)
	assert.NotEmpty(t, errBody.Reason)
	assert.Equal(t, "500.00", s.balance(t, u).Balance.StringFixed(2))
}

func TestWalletHandler_TransferAndHistory(t *testing.T) {
	s := newTestServer(t)
	from := s.newUser(t, "1000")
	to := s.newUser(t, "0")

	w := s.do(t, http.MethodPost, "/wallets/"+from.walletID.String()+"/transfer", &from.actor,
		map[string]any{"to_wallet_id": to.walletID, "amount": "300", "pin": testPIN},
		common.IdempotencyHeader, "tr-1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	assert.Equal(t, "700.00", s.balance(t, from).Balance.StringFixed(2))
	assert.Equal(t, "300.00", s.balance(t, to).Balance.StringFixed(2))

	// Чужой кошелёк недоступен
	w = s.do(t, http.MethodGet, "/wallets/"+from.walletID.String()+"/transactions", &to.actor, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodGet, "/wallets/"+from.walletID.String()+"/transactions?limit=1", &from.actor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page dto.ListResponse[models.Transaction]
	decode(t, w, &page)
	assert.Len(t, page.Items, 1)
	assert.Equal(t, 1, page.Limit)
}

func TestWalletHandler_StatusAndReconcile(t *testing.T) {
	s := newTestServer(t)
	u := s.newUser(t, "100")
	admin := adminActor()
	path := "/wallets/" + u.walletID.String()

	w := s.do(t, http.MethodPatch, path+"/status", &u.actor, map[string]string{"status": "suspended"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPatch, path+"/status", &admin, map[string]string{"status": "suspended"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, path+"/reconcile", &admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rec struct {
		Consistent bool `json:"consistent"`
	}
	decode(t, w, &rec)
	assert.True(t, rec.Consistent)
}
