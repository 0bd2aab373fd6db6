package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ignatzorin/agripay-backend/internal/models"
	"github.com/ignatzorin/agripay-backend/internal/pkg/apperror"
	"github.com/ignatzorin/agripay-backend/internal/repository/common"
)

// DisputeRepository хранит споры, доказательства и AI анализы.
type DisputeRepository struct {
	db *sqlx.DB
}

func NewDisputeRepository(db *sqlx.DB) *DisputeRepository {
	return &DisputeRepository{db: db}
}

func (r *DisputeRepository) Create(ctx context.Context, d *models.Dispute) error {
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO disputes (id, order_id, reserve_id, raised_by, reason, priority, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		RETURNING created_at, updated_at
	`, d.ID, d.OrderID, d.ReserveID, d.RaisedBy, d.Reason, d.Priority, d.Status, d.CreatedAt).
		Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if common.IsUniqueViolation(err) {
			return apperror.ErrDisputeExists
		}
		return fmt.Errorf("dispute repository: create %w", err)
	}
	d.Evidence = []models.Evidence{}
	return nil
}

// GetByID возвращает спор вместе с доказательствами и историей анализов.
func (r *DisputeRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Dispute, error) {
	d, err := common.GetOne[models.Dispute](ctx, r.db, apperror.ErrDisputeNotFound, `SELECT * FROM disputes WHERE id = $1`, id)
	if err != nil {
		if apperror.IsNotFound(err) {
			return nil, err
		}
		return nil, fmt.Errorf("dispute repository: get %w", err)
	}
	if err := r.loadDetails(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// GetActiveByOrder возвращает незавершённый спор по заказу.
func (r *DisputeRepository) GetActiveByOrder(ctx context.Context, orderID uuid.UUID) (*models.Dispute, error) {
	d, err := common.GetOne[models.Dispute](ctx, r.db, apperror.ErrDisputeNotFound, `
		SELECT * FROM disputes WHERE order_id = $1 AND status NOT IN ('resolved', 'closed')
	`, orderID)
	if err != nil && !apperror.IsNotFound(err) {
		return nil, fmt.Errorf("dispute repository: get active by order %w", err)
	}
	return d, err
}

func (r *DisputeRepository) loadDetails(ctx context.Context, d *models.Dispute) error {
	evidence, err := r.ListEvidence(ctx, d.ID)
	if err != nil {
		return err
	}
	d.Evidence = evidence

	analyses := make([]models.AIAnalysis, 0)
	if err := r.db.SelectContext(ctx, &analyses, `
		SELECT * FROM dispute_ai_analyses WHERE dispute_id = $1 ORDER BY created_at DESC
	`, d.ID); err != nil {
		return fmt.Errorf("dispute repository: list analyses %w", err)
	}
	d.AnalysisHistory = analyses
	if len(analyses) > 0 {
		latest := analyses[0]
		d.AIAnalysis = &latest
	}
	return nil
}

// List возвращает споры по фильтру. Пустой ParticipantWalletIDs означает все споры.
func (r *DisputeRepository) List(ctx context.Context, f models.DisputeFilter) ([]models.Dispute, error) {
	var (
		conds []string
		args  []any
	)
	if len(f.ParticipantWalletIDs) > 0 {
		ids := make([]string, 0, len(f.ParticipantWalletIDs))
		for _, id := range f.ParticipantWalletIDs {
			ids = append(ids, id.String())
		}
		args = append(args, pq.Array(ids))
		conds = append(conds, fmt.Sprintf(
			"reserve_id IN (SELECT id FROM reserves WHERE buyer_wallet_id = ANY($%d::uuid[]) OR seller_wallet_id = ANY($%d::uuid[]))",
			len(args), len(args)))
	}
	if f.Status != nil {
		args = append(args, *f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}

	query := "SELECT * FROM disputes"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	disputes := make([]models.Dispute, 0)
	if err := r.db.SelectContext(ctx, &disputes, query, args...); err != nil {
		return nil, fmt.Errorf("dispute repository: list %w", err)
	}
	return disputes, nil
}

// AddEvidence добавляет доказательство, только пока спор не завершён.
func (r *DisputeRepository) AddEvidence(ctx context.Context, e *models.Evidence) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO dispute_evidence (id, dispute_id, submitted_by, submitter_id, evidence_type, description, file_url, metadata, created_at)
		SELECT $1::uuid, $2::uuid, $3, $4::uuid, $5, $6, $7, $8::jsonb, $9::timestamptz
		WHERE EXISTS (SELECT 1 FROM disputes WHERE id = $2 AND status NOT IN ('resolved', 'closed'))
	`, e.ID, e.DisputeID, e.SubmittedBy, e.SubmitterID, e.EvidenceType, e.Description, e.FileURL, e.Metadata, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("dispute repository: add evidence %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.ErrInvalidStateTransition.WithMessage("спор завершён, доказательства не принимаются")
	}
	_, err = r.db.ExecContext(ctx, `UPDATE disputes SET updated_at = NOW() WHERE id = $1`, e.DisputeID)
	return err
}

func (r *DisputeRepository) ListEvidence(ctx context.Context, disputeID uuid.UUID) ([]models.Evidence, error) {
	evidence := make([]models.Evidence, 0)
	if err := r.db.SelectContext(ctx, &evidence, `
		SELECT * FROM dispute_evidence WHERE dispute_id = $1 ORDER BY created_at
	`, disputeID); err != nil {
		return nil, fmt.Errorf("dispute repository: list evidence %w", err)
	}
	return evidence, nil
}

// Transition меняет статус, если текущий статус входит в from (compare-and-set).
func (r *DisputeRepository) Transition(ctx context.Context, id uuid.UUID, from []models.DisputeStatus, to models.DisputeStatus) (*models.Dispute, error) {
	return r.updateIf(ctx, id, from, `status = $3, updated_at = NOW()`, to)
}

// Resolve фиксирует решение и переводит спор в resolved.
func (r *DisputeRepository) Resolve(ctx context.Context, id uuid.UUID, from []models.DisputeStatus, res models.Resolution, at time.Time) (*models.Dispute, error) {
	return r.updateIf(ctx, id, from, `
		status = 'resolved', resolution_type = $3, resolution_fraction = $4, resolution_rationale = $5,
		resolved_by = $6, resolved_at = $7, updated_at = NOW()`,
		res.Type, res.RefundFraction, res.Rationale, res.ResolvedBy, at)
}

// Close административно закрывает спор.
func (r *DisputeRepository) Close(ctx context.Context, id uuid.UUID, from []models.DisputeStatus, note string) (*models.Dispute, error) {
	return r.updateIf(ctx, id, from, `status = 'closed', close_note = $3, updated_at = NOW()`, note)
}

func (r *DisputeRepository) updateIf(ctx context.Context, id uuid.UUID, from []models.DisputeStatus, set string, args ...any) (*models.Dispute, error) {
	statuses := make([]string, 0, len(from))
	for _, s := range from {
		statuses = append(statuses, string(s))
	}

	query := fmt.Sprintf(`UPDATE disputes SET %s WHERE id = $1 AND status = ANY($2) RETURNING *`, set)
	params := append([]any{id, pq.Array(statuses)}, args...)

	var d models.Dispute
	err := r.db.GetContext(ctx, &d, query, params...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.transitionError(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("dispute repository: update %w", err)
	}
	if err := r.loadDetails(ctx, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// transitionError различает отсутствующий спор и недопустимый переход.
func (r *DisputeRepository) transitionError(ctx context.Context, id uuid.UUID) error {
	var status models.DisputeStatus
	err := r.db.GetContext(ctx, &status, `SELECT status FROM disputes WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return apperror.ErrDisputeNotFound
	}
	if err != nil {
		return fmt.Errorf("dispute repository: get status %w", err)
	}
	return apperror.ErrInvalidStateTransition.WithMessage(fmt.Sprintf("спор в статусе %s", status))
}

// SaveAnalysis сохраняет анализ и, если спор всё ещё в ai_analyzing, переводит его в under_review.
// Анализ сохраняется в истории, даже если спор успели эскалировать.
func (r *DisputeRepository) SaveAnalysis(ctx context.Context, a *models.AIAnalysis) (*models.Dispute, error) {
	err := common.WithTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dispute_ai_analyses (id, dispute_id, confidence_score, ai_recommendation, reasoning,
				evidence_analyzed, processing_time_ms, ai_model_version, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, a.ID, a.DisputeID, a.ConfidenceScore, a.AIRecommendation, a.Reasoning,
			a.EvidenceAnalyzed, a.ProcessingTimeMs, a.AIModelVersion, a.CreatedAt); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE disputes SET status = 'under_review', updated_at = NOW()
			WHERE id = $1 AND status = 'ai_analyzing'
		`, a.DisputeID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("dispute repository: save analysis %w", err)
	}
	return r.GetByID(ctx, a.DisputeID)
}
