package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ignatzorin/agripay-backend/internal/dto"
	"github.com/ignatzorin/agripay-backend/internal/http/handlers/common"
	"github.com/ignatzorin/agripay-backend/internal/models"
	"github.com/ignatzorin/agripay-backend/internal/service"
)

type ReserveHandler struct {
	reserves *service.ReserveService
}

func NewReserveHandler(reserves *service.ReserveService) *ReserveHandler {
	return &ReserveHandler{reserves: reserves}
}

// Hold POST /reserves
func (h *ReserveHandler) Hold(c *gin.Context) {
	actor, err := common.CurrentActor(c)
	if err != nil {
		common.RespondUnauthorized(c, err.Error())
		return
	}

	var req dto.HoldReserveRequest
	if err := common.BindAndValidate(c, &req); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	res, err := h.reserves.Hold(c.Request.Context(), actor, service.HoldInput{
		OrderID:        req.OrderID,
		BuyerWalletID:  req.BuyerWalletID,
		SellerWalletID: req.SellerWalletID,
		Amount:         req.Amount,
		PIN:            req.PIN,
	})
	if err != nil {
		common.RespondAppError(c, err)
		return
	}
	c.JSON(postingStatus(res.Replayed), res)
}

// GetReserve GET /reserves/:orderId
func (h *ReserveHandler) GetReserve(c *gin.Context) {
	actor, orderID, ok := actorAndID(c, "orderId")
	if !ok {
		return
	}

	reserve, err := h.reserves.Get(c.Request.Context(), actor, orderID)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, reserve)
}

// Release POST /reserves/:orderId/release
func (h *ReserveHandler) Release(c *gin.Context) {
	h.settle(c, models.SettlementRelease)
}

// Refund POST /reserves/:orderId/refund
func (h *ReserveHandler) Refund(c *gin.Context) {
	h.settle(c, models.SettlementRefund)
}

// Split POST /reserves/:orderId/split, fraction обязательна и означает долю возврата покупателю
func (h *ReserveHandler) Split(c *gin.Context) {
	h.settle(c, models.SettlementSplit)
}

func (h *ReserveHandler) settle(c *gin.Context, kind models.SettlementKind) {
	actor, orderID, ok := actorAndID(c, "orderId")
	if !ok {
		return
	}

	var req dto.SettleReserveRequest
	if c.Request.ContentLength > 0 {
		if err := common.BindAndValidate(c, &req); err != nil {
			common.RespondBadRequest(c, err.Error())
			return
		}
	}
	in := service.SettleInput{OrderID: orderID, Fraction: common.FractionOrWhole(req.Fraction), PIN: req.PIN}

	var (
		res *models.ReserveResult
		err error
	)
	switch kind {
	case models.SettlementRelease:
		res, err = h.reserves.Release(c.Request.Context(), actor, in)
	case models.SettlementRefund:
		res, err = h.reserves.Refund(c.Request.Context(), actor, in)
	default:
		if req.Fraction == nil {
			common.RespondBadRequest(c, "fraction обязательна для разделения")
			return
		}
		res, err = h.reserves.Split(c.Request.Context(), actor, in)
	}
	if err != nil {
		common.RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
