package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/agripay-backend/internal/logger"
	"github.com/ignatzorin/agripay-backend/internal/metrics"
	"github.com/ignatzorin/agripay-backend/internal/models"
	"github.com/ignatzorin/agripay-backend/internal/pkg/apperror"
	"github.com/ignatzorin/agripay-backend/internal/validation"
)

// DisputeStore хранилище споров, доказательств и AI анализов.
// Переходы статуса выполняются условно: from задаёт допустимые исходные статусы.
type DisputeStore interface {
	Create(ctx context.Context, d *models.Dispute) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Dispute, error)
	GetActiveByOrder(ctx context.Context, orderID uuid.UUID) (*models.Dispute, error)
	List(ctx context.Context, f models.DisputeFilter) ([]models.Dispute, error)
	AddEvidence(ctx context.Context, e *models.Evidence) error
	ListEvidence(ctx context.Context, disputeID uuid.UUID) ([]models.Evidence, error)
	Transition(ctx context.Context, id uuid.UUID, from []models.DisputeStatus, to models.DisputeStatus) (*models.Dispute, error)
	Resolve(ctx context.Context, id uuid.UUID, from []models.DisputeStatus, res models.Resolution, at time.Time) (*models.Dispute, error)
	Close(ctx context.Context, id uuid.UUID, from []models.DisputeStatus, note string) (*models.Dispute, error)
	SaveAnalysis(ctx context.Context, a *models.AIAnalysis) (*models.Dispute, error)
}

// ReserveManager операции с резервом, которые запрашивает спор.
type ReserveManager interface {
	Get(ctx context.Context, actor models.Actor, orderID uuid.UUID) (*models.Reserve, error)
	MarkDisputed(ctx context.Context, actor models.Actor, orderID uuid.UUID) (*models.Reserve, error)
	Release(ctx context.Context, actor models.Actor, in SettleInput) (*models.ReserveResult, error)
	Refund(ctx context.Context, actor models.Actor, in SettleInput) (*models.ReserveResult, error)
	Split(ctx context.Context, actor models.Actor, in SettleInput) (*models.ReserveResult, error)
}

// RaiseInput открытие спора.
type RaiseInput struct {
	OrderID  uuid.UUID
	Reason   string
	Priority models.DisputePriority
}

// EvidenceInput новое доказательство.
type EvidenceInput struct {
	EvidenceType models.EvidenceType
	Description  string
	FileURL      *string
	Metadata     models.EvidenceMetadata
}

// ResolveInput решение сотрудника по спору.
type ResolveInput struct {
	Type           models.ResolutionType
	RefundFraction *decimal.Decimal
	Rationale      string
}

var (
	escalatableStatuses = []models.DisputeStatus{models.DisputeStatusOpen, models.DisputeStatusAIAnalyzing, models.DisputeStatusUnderReview}
	resolvableStatuses  = []models.DisputeStatus{models.DisputeStatusUnderReview, models.DisputeStatusEscalated}
	closableStatuses    = []models.DisputeStatus{models.DisputeStatusOpen, models.DisputeStatusAIAnalyzing, models.DisputeStatusUnderReview, models.DisputeStatusEscalated}
)

type DisputeService struct {
	disputes  DisputeStore
	reserves  ReserveManager
	wallets   WalletReader
	analyzer  DisputeAnalyzer
	aiTimeout time.Duration
	currency  string
	now       func() time.Time
	log       *logrus.Entry
}

// NewDisputeService создаёт сервис споров. analyzer может быть nil,
// тогда запуск AI анализа завершается ошибкой AIAnalysisFailed.
func NewDisputeService(disputes DisputeStore, reserves ReserveManager, wallets WalletReader, analyzer DisputeAnalyzer, aiTimeout time.Duration, currency string) *DisputeService {
	if aiTimeout <= 0 {
		aiTimeout = 20 * time.Second
	}
	return &DisputeService{
		disputes:  disputes,
		reserves:  reserves,
		wallets:   wallets,
		analyzer:  analyzer,
		aiTimeout: aiTimeout,
		currency:  currency,
		now:       func() time.Time { return time.Now().UTC() },
		log:       logger.Component("dispute"),
	}
}

// Raise открывает спор и переводит резерв заказа в disputed.
func (s *DisputeService) Raise(ctx context.Context, actor models.Actor, in RaiseInput) (*models.Dispute, error) {
	if err := validation.ValidateDisputeReason(in.Reason); err != nil {
		return nil, apperror.New(apperror.ErrCodeValidation, err.Error())
	}
	priority := in.Priority
	if priority == "" {
		priority = models.DisputePriorityMedium
	}
	if _, ok := models.ValidDisputePriorities[priority]; !ok {
		return nil, apperror.New(apperror.ErrCodeValidation, fmt.Sprintf("неизвестный приоритет %q", priority))
	}

	reserve, err := s.reserves.Get(ctx, models.SystemActor, in.OrderID)
	if apperror.IsNotFound(err) {
		return nil, apperror.ErrNoActiveReserve
	}
	if err != nil {
		return nil, err
	}

	party, err := participantParty(ctx, s.wallets, actor, reserve)
	if err != nil {
		return nil, err
	}
	if party == models.EvidencePartySystem {
		return nil, apperror.ErrForbidden.WithMessage("спор открывает покупатель или продавец")
	}

	switch reserve.Status {
	case models.ReserveStatusHeld:
	case models.ReserveStatusDisputed:
		// Повтор после сбоя: резерв уже оспорен, но спор не создан
		if _, err := s.disputes.GetActiveByOrder(ctx, in.OrderID); err == nil {
			return nil, apperror.ErrDisputeExists
		} else if !apperror.IsNotFound(err) {
			return nil, err
		}
	default:
		return nil, apperror.ErrNoActiveReserve.WithMessage(fmt.Sprintf("резерв заказа в статусе %s", reserve.Status))
	}

	if _, err := s.reserves.MarkDisputed(ctx, models.SystemActor, in.OrderID); err != nil {
		return nil, err
	}

	now := s.now()
	d := &models.Dispute{
		ID:        uuid.New(),
		OrderID:   in.OrderID,
		ReserveID: reserve.ID,
		RaisedBy:  actor.ID,
		Reason:    strings.TrimSpace(in.Reason),
		Priority:  priority,
		Status:    models.DisputeStatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.disputes.Create(ctx, d); err != nil {
		return nil, err
	}
	d.Evidence = []models.Evidence{}

	metrics.DisputeTransitionsTotal.WithLabelValues("", string(models.DisputeStatusOpen)).Inc()
	s.log.WithFields(logrus.Fields{
		"dispute_id": d.ID,
		"order_id":   d.OrderID,
		"raised_by":  actor.ID,
		"party":      party,
	}).Info("спор открыт")
	return d, nil
}

// AddEvidence добавляет доказательство, пока спор не завершён.
func (s *DisputeService) AddEvidence(ctx context.Context, actor models.Actor, disputeID uuid.UUID, in EvidenceInput) (*models.Evidence, error) {
	if _, ok := models.ValidEvidenceTypes[in.EvidenceType]; !ok {
		return nil, apperror.New(apperror.ErrCodeValidation, fmt.Sprintf("неизвестный тип доказательства %q", in.EvidenceType))
	}
	if err := validation.ValidateEvidenceDescription(in.Description); err != nil {
		return nil, apperror.New(apperror.ErrCodeValidation, err.Error())
	}
	if err := validation.ValidateFileURL(in.FileURL); err != nil {
		return nil, apperror.New(apperror.ErrCodeValidation, err.Error())
	}
	if in.EvidenceType == models.EvidenceTypeGPSLog && in.Metadata.GPSCoords == nil && in.FileURL == nil {
		return nil, apperror.New(apperror.ErrCodeValidation, "для GPS-лога нужны координаты или файл")
	}

	d, party, err := s.accessible(ctx, actor, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status.IsTerminal() {
		return nil, apperror.ErrInvalidStateTransition.WithMessage("спор завершён, доказательства не принимаются")
	}

	e := &models.Evidence{
		ID:           uuid.New(),
		DisputeID:    d.ID,
		SubmittedBy:  party,
		SubmitterID:  actor.ID,
		EvidenceType: in.EvidenceType,
		Description:  strings.TrimSpace(in.Description),
		FileURL:      in.FileURL,
		Metadata:     in.Metadata,
		CreatedAt:    s.now(),
	}
	if err := s.disputes.AddEvidence(ctx, e); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"dispute_id": d.ID,
		"type":       e.EvidenceType,
		"party":      party,
	}).Info("доказательство добавлено")
	return e, nil
}

// TriggerAIAnalysis запрашивает рекомендацию модели. На время вызова спор
// находится в ai_analyzing; при ошибке статус возвращается к исходному.
// Рекомендация сохраняется, но не применяется автоматически.
func (s *DisputeService) TriggerAIAnalysis(ctx context.Context, actor models.Actor, disputeID uuid.UUID) (*models.Dispute, error) {
	d, _, err := s.accessible(ctx, actor, disputeID)
	if err != nil {
		return nil, err
	}

	switch d.Status {
	case models.DisputeStatusOpen:
		if len(d.Evidence) == 0 {
			return nil, apperror.ErrInsufficientEvidence
		}
	case models.DisputeStatusUnderReview:
	default:
		return nil, apperror.ErrInvalidStateTransition.WithMessage(fmt.Sprintf("анализ недоступен в статусе %s", d.Status))
	}
	if s.analyzer == nil {
		return nil, apperror.ErrAIAnalysisFailed.WithMessage("AI анализ не настроен")
	}

	reserve, err := s.reserves.Get(ctx, models.SystemActor, d.OrderID)
	if err != nil {
		return nil, err
	}

	previous := d.Status
	if _, err := s.disputes.Transition(ctx, d.ID, []models.DisputeStatus{previous}, models.DisputeStatusAIAnalyzing); err != nil {
		return nil, err
	}
	metrics.DisputeTransitionsTotal.WithLabelValues(string(previous), string(models.DisputeStatusAIAnalyzing)).Inc()

	analysis, err := s.analyze(ctx, d, reserve)
	if err != nil {
		s.revertAnalysis(ctx, d.ID, previous)
		s.log.WithError(err).WithField("dispute_id", d.ID).Warn("AI анализ не удался")
		if apperror.CodeOf(err) == apperror.ErrCodeAIAnalysisFailed {
			return nil, err
		}
		return nil, apperror.Wrap(err, apperror.ErrCodeAIAnalysisFailed, apperror.ErrAIAnalysisFailed.Message)
	}

	updated, err := s.disputes.SaveAnalysis(ctx, analysis)
	if err != nil {
		s.revertAnalysis(ctx, d.ID, previous)
		return nil, err
	}
	if updated.Status == models.DisputeStatusUnderReview {
		metrics.DisputeTransitionsTotal.WithLabelValues(string(models.DisputeStatusAIAnalyzing), string(models.DisputeStatusUnderReview)).Inc()
	}

	s.log.WithFields(logrus.Fields{
		"dispute_id":     d.ID,
		"recommendation": analysis.AIRecommendation,
		"confidence":     analysis.ConfidenceScore,
		"duration_ms":    analysis.ProcessingTimeMs,
	}).Info("AI анализ сохранён")
	return updated, nil
}

func (s *DisputeService) analyze(ctx context.Context, d *models.Dispute, reserve *models.Reserve) (*models.AIAnalysis, error) {
	ctx, cancel := context.WithTimeout(ctx, s.aiTimeout)
	defer cancel()

	started := time.Now()
	analysis, err := s.analyzer.Analyze(ctx, models.AnalysisRequest{
		DisputeID: d.ID,
		Order: models.OrderContext{
			OrderID:  d.OrderID,
			Amount:   reserve.Amount,
			Currency: s.currency,
			HeldAt:   reserve.CreatedAt,
		},
		Reason:   d.Reason,
		Evidence: d.Evidence,
	})
	elapsed := time.Since(started)
	metrics.AIAnalysisDuration.WithLabelValues(metrics.Result(err)).Observe(elapsed.Seconds())
	if err != nil {
		return nil, err
	}
	if analysis == nil {
		return nil, apperror.ErrAIAnalysisFailed.WithMessage("модель вернула пустой ответ")
	}
	if analysis.ConfidenceScore < 0 || analysis.ConfidenceScore > 1 {
		return nil, apperror.ErrAIAnalysisFailed.WithMessage(fmt.Sprintf("уверенность %.3f вне диапазона [0, 1]", analysis.ConfidenceScore))
	}
	if !analysis.AIRecommendation.IsValid() {
		return nil, apperror.ErrAIAnalysisFailed.WithMessage(fmt.Sprintf("неизвестная рекомендация %q", analysis.AIRecommendation))
	}

	analysis.ID = uuid.New()
	analysis.DisputeID = d.ID
	analysis.EvidenceAnalyzed = models.CountEvidence(d.Evidence)
	analysis.ProcessingTimeMs = elapsed.Milliseconds()
	analysis.CreatedAt = s.now()
	return analysis, nil
}

// revertAnalysis возвращает исходный статус, если спор всё ещё в ai_analyzing.
// Эскалация во время анализа сохраняется.
func (s *DisputeService) revertAnalysis(ctx context.Context, disputeID uuid.UUID, previous models.DisputeStatus) {
	_, err := s.disputes.Transition(context.WithoutCancel(ctx), disputeID, []models.DisputeStatus{models.DisputeStatusAIAnalyzing}, previous)
	if err != nil {
		s.log.WithError(err).WithField("dispute_id", disputeID).Warn("статус спора не возвращён после ошибки анализа")
		return
	}
	metrics.DisputeTransitionsTotal.WithLabelValues(string(models.DisputeStatusAIAnalyzing), string(previous)).Inc()
}

// Resolve фиксирует решение сотрудника и урегулирует резерв. Если урегулирование
// не удалось, спор не меняется; повтор безопасен, так как операции с резервом идемпотентны.
func (s *DisputeService) Resolve(ctx context.Context, actor models.Actor, disputeID uuid.UUID, in ResolveInput) (*models.Dispute, error) {
	if !actor.IsStaff {
		return nil, apperror.ErrForbidden.WithMessage("решение по спору принимает сотрудник")
	}
	if !in.Type.IsValid() {
		return nil, apperror.New(apperror.ErrCodeValidation, fmt.Sprintf("неизвестный тип решения %q", in.Type))
	}
	if err := validation.ValidateRationale(in.Rationale); err != nil {
		return nil, apperror.New(apperror.ErrCodeValidation, err.Error())
	}

	var fraction decimal.NullDecimal
	if in.Type == models.ResolutionPartialRefund {
		if in.RefundFraction == nil {
			return nil, apperror.ErrInvalidFraction.WithMessage("для частичного возврата нужна доля")
		}
		fraction = decimal.NewNullDecimal(*in.RefundFraction)
	}

	d, err := s.disputes.GetByID(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !statusIn(d.Status, resolvableStatuses) {
		return nil, apperror.ErrInvalidStateTransition.WithMessage(fmt.Sprintf("спор в статусе %s нельзя разрешить", d.Status))
	}

	one := decimal.NewFromInt(1)
	switch in.Type {
	case models.ResolutionRefund:
		_, err = s.reserves.Refund(ctx, models.SystemActor, SettleInput{OrderID: d.OrderID, Fraction: one})
	case models.ResolutionRelease:
		_, err = s.reserves.Release(ctx, models.SystemActor, SettleInput{OrderID: d.OrderID, Fraction: one})
	case models.ResolutionPartialRefund:
		_, err = s.reserves.Split(ctx, models.SystemActor, SettleInput{OrderID: d.OrderID, Fraction: fraction.Decimal})
	case models.ResolutionNoAction:
	}
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"dispute_id": d.ID,
			"resolution": in.Type,
		}).Warn("урегулирование резерва по спору не выполнено")
		return nil, err
	}

	resolved, err := s.disputes.Resolve(ctx, d.ID, resolvableStatuses, models.Resolution{
		Type:           in.Type,
		RefundFraction: fraction,
		Rationale:      strings.TrimSpace(in.Rationale),
		ResolvedBy:     actor.ID,
	}, s.now())
	if err != nil {
		return nil, err
	}

	metrics.DisputeTransitionsTotal.WithLabelValues(string(d.Status), string(models.DisputeStatusResolved)).Inc()
	s.log.WithFields(logrus.Fields{
		"dispute_id":  d.ID,
		"resolution":  in.Type,
		"resolved_by": actor.ID,
	}).Info("спор разрешён")
	return resolved, nil
}

// Escalate передаёт спор на ручное рассмотрение.
func (s *DisputeService) Escalate(ctx context.Context, actor models.Actor, disputeID uuid.UUID) (*models.Dispute, error) {
	d, _, err := s.accessible(ctx, actor, disputeID)
	if err != nil {
		return nil, err
	}
	updated, err := s.disputes.Transition(ctx, d.ID, escalatableStatuses, models.DisputeStatusEscalated)
	if err != nil {
		return nil, err
	}

	metrics.DisputeTransitionsTotal.WithLabelValues(string(d.Status), string(models.DisputeStatusEscalated)).Inc()
	s.log.WithFields(logrus.Fields{"dispute_id": d.ID, "actor_id": actor.ID}).Info("спор эскалирован")
	return updated, nil
}

// Close административно закрывает спор без урегулирования резерва.
// Резерв остаётся в disputed до решения сотрудника по заказу.
func (s *DisputeService) Close(ctx context.Context, actor models.Actor, disputeID uuid.UUID, note string) (*models.Dispute, error) {
	if !actor.IsStaff {
		return nil, apperror.ErrForbidden
	}
	if err := validation.ValidateCloseNote(note); err != nil {
		return nil, apperror.New(apperror.ErrCodeValidation, err.Error())
	}

	d, err := s.disputes.GetByID(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	closed, err := s.disputes.Close(ctx, d.ID, closableStatuses, strings.TrimSpace(note))
	if err != nil {
		return nil, err
	}

	metrics.DisputeTransitionsTotal.WithLabelValues(string(d.Status), string(models.DisputeStatusClosed)).Inc()
	s.log.WithFields(logrus.Fields{"dispute_id": d.ID, "actor_id": actor.ID}).Info("спор закрыт")
	return closed, nil
}

// Get возвращает спор участнику сделки или сотруднику.
func (s *DisputeService) Get(ctx context.Context, actor models.Actor, disputeID uuid.UUID) (*models.Dispute, error) {
	d, _, err := s.accessible(ctx, actor, disputeID)
	return d, err
}

// List возвращает споры: сотрудникам все, остальным только свои.
func (s *DisputeService) List(ctx context.Context, actor models.Actor, status *models.DisputeStatus, limit, offset int) ([]models.Dispute, error) {
	limit, offset = normalizePage(limit, offset)
	filter := models.DisputeFilter{Status: status, Limit: limit, Offset: offset}

	if !actor.IsStaff {
		w, err := s.wallets.GetWalletByOwner(ctx, actor.ID)
		if apperror.IsNotFound(err) {
			return []models.Dispute{}, nil
		}
		if err != nil {
			return nil, err
		}
		filter.ParticipantWalletIDs = []uuid.UUID{w.ID}
	}
	return s.disputes.List(ctx, filter)
}

// accessible загружает спор и определяет сторону actor в сделке.
func (s *DisputeService) accessible(ctx context.Context, actor models.Actor, disputeID uuid.UUID) (*models.Dispute, models.EvidenceParty, error) {
	d, err := s.disputes.GetByID(ctx, disputeID)
	if err != nil {
		return nil, "", err
	}
	reserve, err := s.reserves.Get(ctx, models.SystemActor, d.OrderID)
	if err != nil {
		return nil, "", err
	}
	party, err := participantParty(ctx, s.wallets, actor, reserve)
	if err != nil {
		return nil, "", err
	}
	return d, party, nil
}

func statusIn(status models.DisputeStatus, set []models.DisputeStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}
