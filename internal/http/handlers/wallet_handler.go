package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ignatzorin/agripay-backend/internal/dto"
	"github.com/ignatzorin/agripay-backend/internal/http/handlers/common"
	"github.com/ignatzorin/agripay-backend/internal/models"
	"github.com/ignatzorin/agripay-backend/internal/service"
)

type WalletHandler struct {
	wallets  *service.WalletService
	reserves *service.ReserveService
}

func NewWalletHandler(wallets *service.WalletService, reserves *service.ReserveService) *WalletHandler {
	return &WalletHandler{wallets: wallets, reserves: reserves}
}

// CreateWallet POST /wallets
func (h *WalletHandler) CreateWallet(c *gin.Context) {
	actor, err := common.CurrentActor(c)
	if err != nil {
		common.RespondUnauthorized(c, err.Error())
		return
	}

	var req dto.CreateWalletRequest
	if c.Request.ContentLength > 0 {
		if err := common.BindAndValidate(c, &req); err != nil {
			common.RespondBadRequest(c, err.Error())
			return
		}
	}
	ownerID := uuid.Nil
	if req.OwnerID != nil {
		ownerID = *req.OwnerID
	}

	wallet, created, err := h.wallets.Create(c.Request.Context(), actor, ownerID)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, dto.NewWalletResponse(wallet))
}

// GetMyWallet GET /wallets/me
func (h *WalletHandler) GetMyWallet(c *gin.Context) {
	actor, err := common.CurrentActor(c)
	if err != nil {
		common.RespondUnauthorized(c, err.Error())
		return
	}

	wallet, err := h.wallets.GetMine(c.Request.Context(), actor)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewWalletResponse(wallet))
}

// GetWallet GET /wallets/:id
func (h *WalletHandler) GetWallet(c *gin.Context) {
	actor, walletID, ok := actorAndID(c, "id")
	if !ok {
		return
	}

	wallet, err := h.wallets.Get(c.Request.Context(), actor, walletID)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewWalletResponse(wallet))
}

// GetBalance GET /wallets/:id/balance
func (h *WalletHandler) GetBalance(c *gin.Context) {
	actor, walletID, ok := actorAndID(c, "id")
	if !ok {
		return
	}

	balance, err := h.wallets.Balance(c.Request.Context(), actor, walletID)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

// Deposit POST /wallets/:id/deposit
func (h *WalletHandler) Deposit(c *gin.Context) {
	actor, walletID, ok := actorAndID(c, "id")
	if !ok {
		return
	}

	var req dto.DepositRequest
	if err := common.BindAndValidate(c, &req); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}
	key, err := common.IdempotencyKey(c)
	if err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	res, err := h.wallets.Deposit(c.Request.Context(), actor, service.DepositInput{
		WalletID:       walletID,
		Amount:         req.Amount,
		Method:         req.Method,
		IdempotencyKey: key,
	})
	if err != nil {
		common.RespondAppError(c, err)
		return
	}
	c.JSON(postingStatus(res.Replayed), res)
}

// Withdraw POST /wallets/:id/withdraw
func (h *WalletHandler) Withdraw(c *gin.Context) {
	actor, walletID, ok := actorAndID(c, "id")
	if !ok {
		return
	}

	var req dto.WithdrawRequest
	if err := common.BindAndValidate(c, &req); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}
	key, err := common.IdempotencyKey(c)
	if err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	res, err := h.wallets.Withdraw(c.Request.Context(), actor, service.WithdrawInput{
		WalletID:       walletID,
		Amount:         req.Amount,
		Method:         req.Method,
		PIN:            req.PIN,
		IdempotencyKey: key,
	})
	if err != nil {
		common.RespondAppError(c, err)
		return
	}
	c.JSON(postingStatus(res.Replayed), res)
}

// Transfer POST /wallets/:id/transfer
func (h *WalletHandler) Transfer(c *gin.Context) {
	actor, walletID, ok := actorAndID(c, "id")
	if !ok {
		return
	}

	var req dto.TransferRequest
	if err := common.BindAndValidate(c, &req); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}
	key, err := common.IdempotencyKey(c)
	if err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	res, err := h.wallets.Transfer(c.Request.Context(), actor, service.TransferInput{
		FromWalletID:   walletID,
		ToWalletID:     req.ToWalletID,
		Amount:         req.Amount,
		PIN:            req.PIN,
		Description:    req.Description,
		IdempotencyKey: key,
	})
	if err != nil {
		common.RespondAppError(c, err)
		return
	}
	c.JSON(postingStatus(res.Replayed), res)
}

// ListTransactions GET /wallets/:id/transactions
func (h *WalletHandler) ListTransactions(c *gin.Context) {
	actor, walletID, ok := actorAndID(c, "id")
	if !ok {
		return
	}

	limit, offset := common.GetPagination(c)
	txs, err := h.wallets.ListTransactions(c.Request.Context(), actor, walletID, limit, offset)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewListResponse(txs, limit, offset))
}

// ListReserves GET /wallets/:id/reserves
func (h *WalletHandler) ListReserves(c *gin.Context) {
	actor, walletID, ok := actorAndID(c, "id")
	if !ok {
		return
	}

	limit, offset := common.GetPagination(c)
	reserves, err := h.reserves.List(c.Request.Context(), actor, walletID, limit, offset)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewListResponse(reserves, limit, offset))
}

// SetPIN PUT /wallets/:id/pin
func (h *WalletHandler) SetPIN(c *gin.Context) {
	actor, walletID, ok := actorAndID(c, "id")
	if !ok {
		return
	}

	var req dto.SetPINRequest
	if err := common.BindAndValidate(c, &req); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	if err := h.wallets.SetPIN(c.Request.Context(), actor, walletID, req.CurrentPIN, req.NewPIN); err != nil {
		common.RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse{Message: "PIN обновлён"})
}

// UpdateStatus PATCH /wallets/:id/status
func (h *WalletHandler) UpdateStatus(c *gin.Context) {
	actor, walletID, ok := actorAndID(c, "id")
	if !ok {
		return
	}

	var req dto.UpdateWalletStatusRequest
	if err := common.BindAndValidate(c, &req); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	wallet, err := h.wallets.UpdateStatus(c.Request.Context(), actor, walletID, req.Status)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewWalletResponse(wallet))
}

// Reconcile GET /wallets/:id/reconcile
func (h *WalletHandler) Reconcile(c *gin.Context) {
	actor, walletID, ok := actorAndID(c, "id")
	if !ok {
		return
	}

	rec, err := h.wallets.Reconcile(c.Request.Context(), actor, walletID)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewReconciliationResponse(rec))
}

// actorAndID извлекает инициатора и UUID из параметра пути, при ошибке отвечает сам.
func actorAndID(c *gin.Context, param string) (actor models.Actor, id uuid.UUID, ok bool) {
	actor, err := common.CurrentActor(c)
	if err != nil {
		common.RespondUnauthorized(c, err.Error())
		return actor, uuid.Nil, false
	}

	id, err = common.ParseUUIDParam(c, param)
	if err != nil {
		common.RespondBadRequest(c, err.Error())
		return actor, uuid.Nil, false
	}
	return actor, id, true
}

// postingStatus 201 для новой проводки, 200 для повтора по ключу идемпотентности.
func postingStatus(replayed bool) int {
	if replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}
