package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/agripay-backend/internal/models"
	"github.com/ignatzorin/agripay-backend/internal/pkg/apperror"
)

// DisputeStore хранит споры в памяти. Для фильтра по участнику нужен LedgerStore.
type DisputeStore struct {
	mu       sync.Mutex
	ledger   *LedgerStore
	disputes map[uuid.UUID]*models.Dispute
	evidence map[uuid.UUID][]models.Evidence
	analyses map[uuid.UUID][]models.AIAnalysis
}

func NewDisputeStore(ledger *LedgerStore) *DisputeStore {
	return &DisputeStore{
		ledger:   ledger,
		disputes: make(map[uuid.UUID]*models.Dispute),
		evidence: make(map[uuid.UUID][]models.Evidence),
		analyses: make(map[uuid.UUID][]models.AIAnalysis),
	}
}

func (s *DisputeStore) Create(_ context.Context, d *models.Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.disputes {
		if existing.OrderID == d.OrderID && !existing.Status.IsTerminal() {
			return apperror.ErrDisputeExists
		}
	}
	d.UpdatedAt = d.CreatedAt
	d.Evidence = []models.Evidence{}
	stored := *d
	s.disputes[d.ID] = &stored
	return nil
}

func (s *DisputeStore) GetByID(_ context.Context, id uuid.UUID) (*models.Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.disputes[id]
	if !ok {
		return nil, apperror.ErrDisputeNotFound
	}
	return s.detailedLocked(d), nil
}

func (s *DisputeStore) GetActiveByOrder(_ context.Context, orderID uuid.UUID) (*models.Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.disputes {
		if d.OrderID == orderID && !d.Status.IsTerminal() {
			out := *d
			return &out, nil
		}
	}
	return nil, apperror.ErrDisputeNotFound
}

func (s *DisputeStore) detailedLocked(d *models.Dispute) *models.Dispute {
	out := *d
	out.Evidence = append([]models.Evidence{}, s.evidence[d.ID]...)

	history := s.analyses[d.ID]
	out.AnalysisHistory = make([]models.AIAnalysis, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		out.AnalysisHistory = append(out.AnalysisHistory, history[i])
	}
	if len(out.AnalysisHistory) > 0 {
		latest := out.AnalysisHistory[0]
		out.AIAnalysis = &latest
	}
	return &out
}

func (s *DisputeStore) List(ctx context.Context, f models.DisputeFilter) ([]models.Dispute, error) {
	var allowed map[uuid.UUID]struct{}
	if len(f.ParticipantWalletIDs) > 0 {
		allowed = make(map[uuid.UUID]struct{})
		for _, walletID := range f.ParticipantWalletIDs {
			reserves, err := s.ledger.ListReserves(ctx, walletID, 0, 0)
			if err != nil {
				return nil, err
			}
			for _, r := range reserves {
				allowed[r.ID] = struct{}{}
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Dispute, 0)
	for _, d := range s.disputes {
		if allowed != nil {
			if _, ok := allowed[d.ReserveID]; !ok {
				continue
			}
		}
		if f.Status != nil && d.Status != *f.Status {
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, f.Limit, f.Offset), nil
}

func (s *DisputeStore) AddEvidence(_ context.Context, e *models.Evidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.disputes[e.DisputeID]
	if !ok {
		return apperror.ErrDisputeNotFound
	}
	if d.Status.IsTerminal() {
		return apperror.ErrInvalidStateTransition.WithMessage("спор завершён, доказательства не принимаются")
	}
	s.evidence[e.DisputeID] = append(s.evidence[e.DisputeID], *e)
	d.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *DisputeStore) ListEvidence(_ context.Context, disputeID uuid.UUID) ([]models.Evidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Evidence{}, s.evidence[disputeID]...), nil
}

func (s *DisputeStore) Transition(_ context.Context, id uuid.UUID, from []models.DisputeStatus, to models.DisputeStatus) (*models.Dispute, error) {
	return s.updateIf(id, from, func(d *models.Dispute) {
		d.Status = to
	})
}

func (s *DisputeStore) Resolve(_ context.Context, id uuid.UUID, from []models.DisputeStatus, res models.Resolution, at time.Time) (*models.Dispute, error) {
	return s.updateIf(id, from, func(d *models.Dispute) {
		resType := res.Type
		rationale := res.Rationale
		resolvedBy := res.ResolvedBy
		resolvedAt := at

		d.Status = models.DisputeStatusResolved
		d.ResolutionType = &resType
		d.ResolutionFraction = res.RefundFraction
		d.ResolutionRationale = &rationale
		d.ResolvedBy = &resolvedBy
		d.ResolvedAt = &resolvedAt
	})
}

func (s *DisputeStore) Close(_ context.Context, id uuid.UUID, from []models.DisputeStatus, note string) (*models.Dispute, error) {
	return s.updateIf(id, from, func(d *models.Dispute) {
		d.Status = models.DisputeStatusClosed
		d.CloseNote = &note
	})
}

func (s *DisputeStore) updateIf(id uuid.UUID, from []models.DisputeStatus, apply func(d *models.Dispute)) (*models.Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.disputes[id]
	if !ok {
		return nil, apperror.ErrDisputeNotFound
	}
	if !statusIn(d.Status, from) {
		return nil, apperror.ErrInvalidStateTransition.WithMessage(fmt.Sprintf("спор в статусе %s", d.Status))
	}
	apply(d)
	d.UpdatedAt = time.Now().UTC()
	return s.detailedLocked(d), nil
}

func (s *DisputeStore) SaveAnalysis(_ context.Context, a *models.AIAnalysis) (*models.Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.disputes[a.DisputeID]
	if !ok {
		return nil, apperror.ErrDisputeNotFound
	}
	s.analyses[a.DisputeID] = append(s.analyses[a.DisputeID], *a)
	if d.Status == models.DisputeStatusAIAnalyzing {
		d.Status = models.DisputeStatusUnderReview
	}
	d.UpdatedAt = time.Now().UTC()
	return s.detailedLocked(d), nil
}

func statusIn(status models.DisputeStatus, set []models.DisputeStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}
