// Package memory хранит данные в памяти процесса. Используется при
// STORAGE_DRIVER=memory и в тестах сервисов.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ignatzorin/agripay-backend/internal/ledger"
	"github.com/ignatzorin/agripay-backend/internal/models"
	"github.com/ignatzorin/agripay-backend/internal/pkg/apperror"
)

// LedgerStore реализует хранилище кошельков, журнала и резервов под одним мьютексом.
type LedgerStore struct {
	mu       sync.Mutex
	wallets  map[uuid.UUID]*models.Wallet
	byOwner  map[uuid.UUID]uuid.UUID
	journal  []models.Transaction
	byKey    map[string][]int
	reserves map[uuid.UUID]*models.Reserve
	seq      int64
	now      func() time.Time
}

func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		wallets:  make(map[uuid.UUID]*models.Wallet),
		byOwner:  make(map[uuid.UUID]uuid.UUID),
		byKey:    make(map[string][]int),
		reserves: make(map[uuid.UUID]*models.Reserve),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock подменяет часы (для тестов дневных лимитов).
func (s *LedgerStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *LedgerStore) CreateWallet(_ context.Context, w *models.Wallet) (*models.Wallet, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byOwner[w.OwnerID]; ok {
		existing := *s.wallets[id]
		return &existing, false, nil
	}

	created := *w
	created.Balance = decimal.Zero
	created.ReserveBalance = decimal.Zero
	created.Version = 0
	if created.CreatedAt.IsZero() {
		created.CreatedAt = s.now()
	}
	created.UpdatedAt = created.CreatedAt
	s.wallets[created.ID] = &created
	s.byOwner[created.OwnerID] = created.ID

	out := created
	return &out, true, nil
}

func (s *LedgerStore) GetWallet(_ context.Context, id uuid.UUID) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[id]
	if !ok {
		return nil, apperror.ErrWalletNotFound
	}
	out := *w
	return &out, nil
}

func (s *LedgerStore) GetWalletByOwner(ctx context.Context, ownerID uuid.UUID) (*models.Wallet, error) {
	s.mu.Lock()
	id, ok := s.byOwner[ownerID]
	s.mu.Unlock()
	if !ok {
		return nil, apperror.ErrWalletNotFound
	}
	return s.GetWallet(ctx, id)
}

func (s *LedgerStore) ListWalletIDs(_ context.Context) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(s.wallets))
	for id := range s.wallets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return s.wallets[ids[i]].CreatedAt.Before(s.wallets[ids[j]].CreatedAt) })
	return ids, nil
}

func (s *LedgerStore) UpdateWallet(_ context.Context, id uuid.UUID, mutate func(w *models.Wallet) error) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.wallets[id]
	if !ok {
		return nil, apperror.ErrWalletNotFound
	}
	w := *current
	if err := mutate(&w); err != nil {
		return nil, err
	}
	if !w.Balance.Equal(current.Balance) || !w.ReserveBalance.Equal(current.ReserveBalance) {
		return nil, fmt.Errorf("memory store: update wallet не может менять баланс")
	}
	w.Version = current.Version + 1
	w.UpdatedAt = s.now()
	*current = w

	out := w
	return &out, nil
}

func (s *LedgerStore) Post(_ context.Context, batch ledger.Batch) (*ledger.Posting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.postLocked(batch)
}

func (s *LedgerStore) postLocked(batch ledger.Batch) (*ledger.Posting, error) {
	if prior := s.byKeyLocked(batch.IdempotencyKey); len(prior) > 0 {
		return &ledger.Posting{Transactions: prior, Wallets: s.walletsLocked(batch.WalletIDs()), Replayed: true}, nil
	}

	if batch.DailyCap != nil {
		spent := s.sumOutgoingLocked(batch.DailyCap.WalletID, batch.DailyCap.Since)
		if err := ledger.CheckDailyCap(batch, spent); err != nil {
			return nil, err
		}
	}

	// ApplyBatch меняет кошельки только при успехе всего пакета.
	working := make(map[uuid.UUID]*models.Wallet, len(batch.Entries))
	for _, id := range batch.WalletIDs() {
		w, ok := s.wallets[id]
		if !ok {
			return nil, apperror.ErrWalletNotFound.WithMessage(fmt.Sprintf("кошелёк %s не найден", id))
		}
		cp := *w
		working[id] = &cp
	}

	txs, err := ledger.ApplyBatch(working, batch, s.now())
	if err != nil {
		return nil, err
	}

	for id, w := range working {
		*s.wallets[id] = *w
	}
	for i := range txs {
		s.seq++
		txs[i].Seq = s.seq
		s.journal = append(s.journal, txs[i])
		if batch.IdempotencyKey != "" {
			s.byKey[batch.IdempotencyKey] = append(s.byKey[batch.IdempotencyKey], len(s.journal)-1)
		}
	}
	return &ledger.Posting{Transactions: txs, Wallets: s.walletsLocked(batch.WalletIDs())}, nil
}

func (s *LedgerStore) byKeyLocked(key string) []models.Transaction {
	if key == "" {
		return nil
	}
	idx := s.byKey[key]
	out := make([]models.Transaction, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.journal[i])
	}
	return out
}

func (s *LedgerStore) walletsLocked(ids []uuid.UUID) []models.Wallet {
	out := make([]models.Wallet, 0, len(ids))
	for _, id := range ids {
		if w, ok := s.wallets[id]; ok {
			out = append(out, *w)
		}
	}
	return out
}

func (s *LedgerStore) TransactionsByKey(_ context.Context, key string) ([]models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byKeyLocked(key), nil
}

func (s *LedgerStore) ListTransactions(_ context.Context, walletID uuid.UUID, limit, offset int) ([]models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Transaction, 0)
	skipped := 0
	for i := len(s.journal) - 1; i >= 0 && len(out) < limit; i-- {
		if s.journal[i].WalletID != walletID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, s.journal[i])
	}
	return out, nil
}

func (s *LedgerStore) JournalFor(_ context.Context, walletID uuid.UUID) ([]models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Transaction, 0)
	for _, tx := range s.journal {
		if tx.WalletID == walletID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (s *LedgerStore) SumOutgoingSince(_ context.Context, walletID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sumOutgoingLocked(walletID, since), nil
}

func (s *LedgerStore) sumOutgoingLocked(walletID uuid.UUID, since time.Time) decimal.Decimal {
	sum := decimal.Zero
	for _, tx := range s.journal {
		if tx.WalletID != walletID || tx.Status != models.TransactionStatusCompleted || tx.CreatedAt.Before(since) {
			continue
		}
		if ledger.IsOutgoing(tx.Type) {
			sum = sum.Add(tx.Amount)
		}
	}
	return sum
}

func (s *LedgerStore) HoldReserve(_ context.Context, orderID, buyerWalletID, sellerWalletID uuid.UUID, amount decimal.Decimal, dailyCap *ledger.DailyCap) (*models.ReserveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	reserve, batch, err := ledger.PlanHold(orderID, buyerWalletID, sellerWalletID, amount, now)
	if err != nil {
		return nil, err
	}
	batch.DailyCap = dailyCap

	if existing, ok := s.reserves[orderID]; ok {
		if !ledger.MatchesHold(existing, buyerWalletID, sellerWalletID, amount) {
			return nil, apperror.ErrReserveAlreadyHeld.WithMessage(
				fmt.Sprintf("по заказу %s уже удержано %s", orderID, existing.Amount.StringFixed(2)))
		}
		out := *existing
		return &models.ReserveResult{Reserve: &out, Transactions: s.byKeyLocked(ledger.HoldKey(orderID)), Replayed: true}, nil
	}

	if _, ok := s.wallets[sellerWalletID]; !ok {
		return nil, apperror.ErrWalletNotFound.WithMessage(fmt.Sprintf("кошелёк %s не найден", sellerWalletID))
	}
	posting, err := s.postLocked(batch)
	if err != nil {
		return nil, err
	}

	s.reserves[orderID] = &reserve
	out := reserve
	return &models.ReserveResult{Reserve: &out, Transactions: posting.Transactions, Wallets: posting.Wallets}, nil
}

func (s *LedgerStore) SettleReserve(_ context.Context, orderID uuid.UUID, kind models.SettlementKind, fraction decimal.Decimal) (*models.ReserveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reserve, ok := s.reserves[orderID]
	if !ok {
		return nil, apperror.ErrReserveNotFound
	}

	key := ledger.SettlementKey(orderID, kind, fraction)
	if prior := s.byKeyLocked(key); len(prior) > 0 {
		out := *reserve
		return &models.ReserveResult{Reserve: &out, Transactions: prior, Replayed: true}, nil
	}

	plan, err := ledger.PlanSettlement(*reserve, kind, fraction, s.now())
	if err != nil {
		return nil, err
	}
	posting, err := s.postLocked(plan.Batch)
	if err != nil {
		return nil, err
	}

	*reserve = plan.Reserve
	out := *reserve
	return &models.ReserveResult{Reserve: &out, Transactions: posting.Transactions, Wallets: posting.Wallets}, nil
}

func (s *LedgerStore) MarkReserveDisputed(_ context.Context, orderID uuid.UUID) (*models.Reserve, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reserve, ok := s.reserves[orderID]
	if !ok {
		return nil, apperror.ErrNoActiveReserve
	}
	if reserve.Status != models.ReserveStatusDisputed {
		next, err := ledger.MarkDisputed(*reserve, s.now())
		if err != nil {
			return nil, apperror.ErrNoActiveReserve.WithMessage(fmt.Sprintf("резерв заказа %s в статусе %s", orderID, reserve.Status))
		}
		*reserve = next
	}
	out := *reserve
	return &out, nil
}

func (s *LedgerStore) GetReserve(_ context.Context, orderID uuid.UUID) (*models.Reserve, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reserve, ok := s.reserves[orderID]
	if !ok {
		return nil, apperror.ErrReserveNotFound
	}
	out := *reserve
	return &out, nil
}

func (s *LedgerStore) ListReserves(_ context.Context, walletID uuid.UUID, limit, offset int) ([]models.Reserve, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]models.Reserve, 0)
	for _, r := range s.reserves {
		if r.BuyerWalletID == walletID || r.SellerWalletID == walletID {
			all = append(all, *r)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return paginate(all, limit, offset), nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if limit <= 0 || end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
