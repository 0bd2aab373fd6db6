package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/agripay-backend/internal/dto"
	"github.com/ignatzorin/agripay-backend/internal/http/handlers/common"
	"github.com/ignatzorin/agripay-backend/internal/logger"
	"github.com/ignatzorin/agripay-backend/internal/models"
	"github.com/ignatzorin/agripay-backend/internal/service"
	"github.com/ignatzorin/agripay-backend/internal/storage"
)

type DisputeHandler struct {
	disputes *service.DisputeService
	storage  *storage.EvidenceStorage
}

func NewDisputeHandler(disputes *service.DisputeService, evidenceStorage *storage.EvidenceStorage) *DisputeHandler {
	return &DisputeHandler{disputes: disputes, storage: evidenceStorage}
}

// Raise POST /disputes
func (h *DisputeHandler) Raise(c *gin.Context) {
	actor, err := common.CurrentActor(c)
	if err != nil {
		common.RespondUnauthorized(c, err.Error())
		return
	}

	var req dto.RaiseDisputeRequest
	if err := common.BindAndValidate(c, &req); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	d, err := h.disputes.Raise(c.Request.Context(), actor, service.RaiseInput{
		OrderID:  req.OrderID,
		Reason:   req.Reason,
		Priority: req.Priority,
	})
	if err != nil {
		common.RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

// List GET /disputes?status=
func (h *DisputeHandler) List(c *gin.Context) {
	actor, err := common.CurrentActor(c)
	if err != nil {
		common.RespondUnauthorized(c, err.Error())
		return
	}

	var status *models.DisputeStatus
	if raw := c.Query("status"); raw != "" {
		s := models.DisputeStatus(raw)
		status = &s
	}
	limit, offset := common.GetPagination(c)

	disputes, err := h.disputes.List(c.Request.Context(), actor, status, limit, offset)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewListResponse(disputes, limit, offset))
}

// Get GET /disputes/:id
func (h *DisputeHandler) Get(c *gin.Context) {
	actor, disputeID, ok := actorAndID(c, "id")
	if !ok {
		return
	}

	d, err := h.disputes.Get(c.Request.Context(), actor, disputeID)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// AddEvidence POST /disputes/:id/evidence
func (h *DisputeHandler) AddEvidence(c *gin.Context) {
	actor, disputeID, ok := actorAndID(c, "id")
	if !ok {
		return
	}

	var req dto.AddEvidenceRequest
	if err := common.BindAndValidate(c, &req); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	e, err := h.disputes.AddEvidence(c.Request.Context(), actor, disputeID, service.EvidenceInput{
		EvidenceType: req.EvidenceType,
		Description:  req.Description,
		FileURL:      req.FileURL,
		Metadata:     models.EvidenceMetadata{GPSCoords: req.GPSCoords},
	})
	if err != nil {
		common.RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusCreated, e)
}

// UploadEvidence POST /disputes/:id/evidence/upload (multipart: file, evidence_type, description)
func (h *DisputeHandler) UploadEvidence(c *gin.Context) {
	actor, disputeID, ok := actorAndID(c, "id")
	if !ok {
		return
	}
	if h.storage == nil {
		common.RespondError(c, http.StatusServiceUnavailable, "хранилище файлов не настроено")
		return
	}

	// Проверяем доступ до записи файла на диск
	if _, err := h.disputes.Get(c.Request.Context(), actor, disputeID); err != nil {
		common.RespondAppError(c, err)
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		common.RespondBadRequest(c, "поле file обязательно")
		return
	}
	if file.Size == 0 {
		common.RespondBadRequest(c, "файл не может быть пустым")
		return
	}

	src, err := file.Open()
	if err != nil {
		common.RespondAppError(c, err)
		return
	}
	defer src.Close()

	stored, err := h.storage.Save(c.Request.Context(), disputeID, src)
	switch {
	case errors.Is(err, storage.ErrUnsupportedType), errors.Is(err, storage.ErrEmptyFile), errors.Is(err, storage.ErrFileTooLarge):
		common.RespondBadRequest(c, err.Error())
		return
	case err != nil:
		common.RespondAppError(c, err)
		return
	}

	evidenceType := models.EvidenceType(c.PostForm("evidence_type"))
	if evidenceType == "" {
		evidenceType = evidenceTypeForMime(stored.MimeType)
	}

	e, err := h.disputes.AddEvidence(c.Request.Context(), actor, disputeID, service.EvidenceInput{
		EvidenceType: evidenceType,
		Description:  c.PostForm("description"),
		FileURL:      &stored.URL,
		Metadata:     models.EvidenceMetadata{MimeType: stored.MimeType, SizeBytes: stored.Size},
	})
	if err != nil {
		// Файл без записи о доказательстве не нужен
		if delErr := h.storage.Delete(c.Request.Context(), stored.URL); delErr != nil {
			logger.Log.WithError(delErr).WithFields(logrus.Fields{"url": stored.URL}).Warn("не удалось удалить файл доказательства")
		}
		common.RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusCreated, e)
}

// TriggerAnalysis POST /disputes/:id/analyze
func (h *DisputeHandler) TriggerAnalysis(c *gin.Context) {
	actor, disputeID, ok := actorAndID(c, "id")
	if !ok {
		return
	}

	d, err := h.disputes.TriggerAIAnalysis(c.Request.Context(), actor, disputeID)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// Resolve POST /disputes/:id/resolve
func (h *DisputeHandler) Resolve(c *gin.Context) {
	actor, disputeID, ok := actorAndID(c, "id")
	if !ok {
		return
	}

	var req dto.ResolveDisputeRequest
	if err := common.BindAndValidate(c, &req); err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	d, err := h.disputes.Resolve(c.Request.Context(), actor, disputeID, service.ResolveInput{
		Type:           req.Type,
		RefundFraction: req.RefundFraction,
		Rationale:      req.Rationale,
	})
	if err != nil {
		common.RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// Escalate POST /disputes/:id/escalate
func (h *DisputeHandler) Escalate(c *gin.Context) {
	actor, disputeID, ok := actorAndID(c, "id")
	if !ok {
		return
	}

	d, err := h.disputes.Escalate(c.Request.Context(), actor, disputeID)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// Close POST /disputes/:id/close
func (h *DisputeHandler) Close(c *gin.Context) {
	actor, disputeID, ok := actorAndID(c, "id")
	if !ok {
		return
	}

	var req dto.CloseDisputeRequest
	if c.Request.ContentLength > 0 {
		if err := common.BindAndValidate(c, &req); err != nil {
			common.RespondBadRequest(c, err.Error())
			return
		}
	}

	d, err := h.disputes.Close(c.Request.Context(), actor, disputeID, req.Note)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func evidenceTypeForMime(mime string) models.EvidenceType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return models.EvidenceTypePhoto
	case strings.HasPrefix(mime, "video/"):
		return models.EvidenceTypeVideo
	default:
		return models.EvidenceTypeDocument
	}
}
