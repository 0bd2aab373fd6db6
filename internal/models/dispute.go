package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type DisputeStatus string

const (
	DisputeStatusOpen        DisputeStatus = "open"
	DisputeStatusAIAnalyzing DisputeStatus = "ai_analyzing"
	DisputeStatusUnderReview DisputeStatus = "under_review"
	DisputeStatusResolved    DisputeStatus = "resolved"
	DisputeStatusEscalated   DisputeStatus = "escalated"
	DisputeStatusClosed      DisputeStatus = "closed"
)

// IsTerminal сообщает, что спор завершён.
func (s DisputeStatus) IsTerminal() bool {
	return s == DisputeStatusResolved || s == DisputeStatusClosed
}

// CanTransitionTo проверяет переход по диаграмме состояний спора.
func (s DisputeStatus) CanTransitionTo(next DisputeStatus) bool {
	transitions := map[DisputeStatus][]DisputeStatus{
		DisputeStatusOpen:        {DisputeStatusAIAnalyzing, DisputeStatusEscalated, DisputeStatusClosed},
		DisputeStatusAIAnalyzing: {DisputeStatusUnderReview, DisputeStatusEscalated, DisputeStatusClosed, DisputeStatusOpen},
		DisputeStatusUnderReview: {DisputeStatusAIAnalyzing, DisputeStatusResolved, DisputeStatusEscalated, DisputeStatusClosed},
		DisputeStatusEscalated:   {DisputeStatusResolved, DisputeStatusClosed},
		DisputeStatusResolved:    {},
		DisputeStatusClosed:      {},
	}

	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type DisputePriority string

const (
	DisputePriorityLow    DisputePriority = "low"
	DisputePriorityMedium DisputePriority = "medium"
	DisputePriorityHigh   DisputePriority = "high"
	DisputePriorityUrgent DisputePriority = "urgent"
)

// ValidDisputePriorities список валидных приоритетов
var ValidDisputePriorities = map[DisputePriority]struct{}{
	DisputePriorityLow:    {},
	DisputePriorityMedium: {},
	DisputePriorityHigh:   {},
	DisputePriorityUrgent: {},
}

type EvidenceParty string

const (
	EvidencePartyBuyer  EvidenceParty = "buyer"
	EvidencePartySeller EvidenceParty = "seller"
	EvidencePartySystem EvidenceParty = "system"
)

type EvidenceType string

const (
	EvidenceTypePhoto    EvidenceType = "photo"
	EvidenceTypeVideo    EvidenceType = "video"
	EvidenceTypeDocument EvidenceType = "document"
	EvidenceTypeGPSLog   EvidenceType = "gps_log"
	EvidenceTypeText     EvidenceType = "text"
)

// ValidEvidenceTypes список валидных типов доказательств
var ValidEvidenceTypes = map[EvidenceType]struct{}{
	EvidenceTypePhoto:    {},
	EvidenceTypeVideo:    {},
	EvidenceTypeDocument: {},
	EvidenceTypeGPSLog:   {},
	EvidenceTypeText:     {},
}

type AIRecommendation string

const (
	AIRecommendationFullRefund    AIRecommendation = "full_refund"
	AIRecommendationPartialRefund AIRecommendation = "partial_refund"
	AIRecommendationReleaseFunds  AIRecommendation = "release_funds"
	AIRecommendationNoAction      AIRecommendation = "no_action"
)

// IsValid проверяет рекомендацию AI.
func (r AIRecommendation) IsValid() bool {
	switch r {
	case AIRecommendationFullRefund, AIRecommendationPartialRefund, AIRecommendationReleaseFunds, AIRecommendationNoAction:
		return true
	}
	return false
}

type ResolutionType string

const (
	ResolutionRefund        ResolutionType = "refund"
	ResolutionPartialRefund ResolutionType = "partial_refund"
	ResolutionRelease       ResolutionType = "release"
	ResolutionNoAction      ResolutionType = "no_action"
)

// IsValid проверяет тип решения.
func (r ResolutionType) IsValid() bool {
	switch r {
	case ResolutionRefund, ResolutionPartialRefund, ResolutionRelease, ResolutionNoAction:
		return true
	}
	return false
}

// GPSCoords координаты из GPS-лога доставки.
type GPSCoords struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// EvidenceMetadata хранится в JSONB колонке.
type EvidenceMetadata struct {
	GPSCoords *GPSCoords `json:"gps_coords,omitempty"`
	MimeType  string     `json:"mime_type,omitempty"`
	SizeBytes int64      `json:"size_bytes,omitempty"`
}

func (m EvidenceMetadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

func (m *EvidenceMetadata) Scan(src any) error {
	return scanJSON(src, m)
}

// Evidence доказательство по спору. Только добавляется.
type Evidence struct {
	ID           uuid.UUID        `db:"id" json:"id"`
	DisputeID    uuid.UUID        `db:"dispute_id" json:"dispute_id"`
	SubmittedBy  EvidenceParty    `db:"submitted_by" json:"submitted_by"`
	SubmitterID  uuid.UUID        `db:"submitter_id" json:"submitter_id"`
	EvidenceType EvidenceType     `db:"evidence_type" json:"evidence_type"`
	Description  string           `db:"description" json:"description"`
	FileURL      *string          `db:"file_url" json:"file_url,omitempty"`
	Metadata     EvidenceMetadata `db:"metadata" json:"metadata"`
	CreatedAt    time.Time        `db:"created_at" json:"created_at"`
}

// EvidenceCounts количество проанализированных доказательств по типам.
type EvidenceCounts map[EvidenceType]int

func (c EvidenceCounts) Value() (driver.Value, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c)
}

func (c *EvidenceCounts) Scan(src any) error {
	return scanJSON(src, c)
}

// CountEvidence считает доказательства по типам.
func CountEvidence(items []Evidence) EvidenceCounts {
	counts := EvidenceCounts{}
	for _, e := range items {
		counts[e.EvidenceType]++
	}
	return counts
}

// AIAnalysis рекомендация внешней модели. Носит только рекомендательный характер.
type AIAnalysis struct {
	ID               uuid.UUID        `db:"id" json:"id"`
	DisputeID        uuid.UUID        `db:"dispute_id" json:"dispute_id"`
	ConfidenceScore  float64          `db:"confidence_score" json:"confidence_score"`
	AIRecommendation AIRecommendation `db:"ai_recommendation" json:"ai_recommendation"`
	Reasoning        string           `db:"reasoning" json:"reasoning"`
	EvidenceAnalyzed EvidenceCounts   `db:"evidence_analyzed" json:"evidence_analyzed"`
	ProcessingTimeMs int64            `db:"processing_time_ms" json:"processing_time_ms"`
	AIModelVersion   string           `db:"ai_model_version" json:"ai_model_version"`
	CreatedAt        time.Time        `db:"created_at" json:"created_at"`
}

// Resolution решение по спору.
type Resolution struct {
	Type           ResolutionType      `json:"type"`
	RefundFraction decimal.NullDecimal `json:"refund_fraction,omitempty"`
	Rationale      string              `json:"rationale"`
	ResolvedBy     uuid.UUID           `json:"resolved_by"`
}

// Dispute спор по заказу (TradeGuard).
type Dispute struct {
	ID                  uuid.UUID           `db:"id" json:"id"`
	OrderID             uuid.UUID           `db:"order_id" json:"order_id"`
	ReserveID           uuid.UUID           `db:"reserve_id" json:"reserve_id"`
	RaisedBy            uuid.UUID           `db:"raised_by" json:"raised_by"`
	Reason              string              `db:"reason" json:"reason"`
	Priority            DisputePriority     `db:"priority" json:"priority"`
	Status              DisputeStatus       `db:"status" json:"status"`
	ResolutionType      *ResolutionType     `db:"resolution_type" json:"resolution_type,omitempty"`
	ResolutionFraction  decimal.NullDecimal `db:"resolution_fraction" json:"resolution_fraction,omitempty"`
	ResolutionRationale *string             `db:"resolution_rationale" json:"resolution_rationale,omitempty"`
	ResolvedBy          *uuid.UUID          `db:"resolved_by" json:"resolved_by,omitempty"`
	CloseNote           *string             `db:"close_note" json:"close_note,omitempty"`
	CreatedAt           time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time           `db:"updated_at" json:"updated_at"`
	ResolvedAt          *time.Time          `db:"resolved_at" json:"resolved_at,omitempty"`

	Evidence        []Evidence   `db:"-" json:"evidence"`
	AIAnalysis      *AIAnalysis  `db:"-" json:"ai_analysis,omitempty"`
	AnalysisHistory []AIAnalysis `db:"-" json:"analysis_history,omitempty"`
}

// Resolution возвращает решение, если спор разрешён.
func (d *Dispute) Resolution() *Resolution {
	if d.ResolutionType == nil {
		return nil
	}
	res := &Resolution{
		Type:           *d.ResolutionType,
		RefundFraction: d.ResolutionFraction,
	}
	if d.ResolutionRationale != nil {
		res.Rationale = *d.ResolutionRationale
	}
	if d.ResolvedBy != nil {
		res.ResolvedBy = *d.ResolvedBy
	}
	return res
}

// AnalysisRequest вход AI адаптера.
type AnalysisRequest struct {
	DisputeID uuid.UUID
	Order     OrderContext
	Reason    string
	Evidence  []Evidence
}

// OrderContext сведения о заказе, доступные модели.
type OrderContext struct {
	OrderID  uuid.UUID       `json:"order_id"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	HeldAt   time.Time       `json:"held_at"`
}

// DisputeFilter фильтр списка споров.
type DisputeFilter struct {
	ParticipantWalletIDs []uuid.UUID
	Status               *DisputeStatus
	Limit                int
	Offset               int
}

func scanJSON(src any, dest any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dest)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("models: неподдерживаемый тип для JSON колонки: %T", src)
	}
}
