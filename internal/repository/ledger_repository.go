package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/ignatzorin/agripay-backend/internal/ledger"
	"github.com/ignatzorin/agripay-backend/internal/models"
	"github.com/ignatzorin/agripay-backend/internal/pkg/apperror"
	"github.com/ignatzorin/agripay-backend/internal/repository/common"
)

// ErrConcurrentUpdate версия кошелька изменилась между чтением и записью.
var ErrConcurrentUpdate = errors.New("wallet version changed concurrently")

// LedgerRepository хранит кошельки, журнал проводок и резервы в PostgreSQL.
// Все изменения баланса проходят через Post/HoldReserve/SettleReserve.
type LedgerRepository struct {
	db *sqlx.DB
}

func NewLedgerRepository(db *sqlx.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// CreateWallet создаёт кошелёк владельца. Если он уже есть, возвращает существующий и created=false.
func (r *LedgerRepository) CreateWallet(ctx context.Context, w *models.Wallet) (*models.Wallet, bool, error) {
	created, err := common.GetOne[models.Wallet](ctx, r.db, sql.ErrNoRows, `
		INSERT INTO wallets (id, owner_id, currency, balance, reserve_balance, status, daily_limit, transaction_limit, version, created_at, updated_at)
		VALUES ($1, $2, $3, 0, 0, $4, $5, $6, 0, $7, $7)
		ON CONFLICT (owner_id) DO NOTHING
		RETURNING *
	`, w.ID, w.OwnerID, w.Currency, w.Status, w.DailyLimit, w.TransactionLimit, w.CreatedAt)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("ledger repository: create wallet %w", err)
	}

	existing, err := r.GetWalletByOwner(ctx, w.OwnerID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *LedgerRepository) GetWallet(ctx context.Context, id uuid.UUID) (*models.Wallet, error) {
	w, err := common.GetOne[models.Wallet](ctx, r.db, apperror.ErrWalletNotFound, `SELECT * FROM wallets WHERE id = $1`, id)
	if err != nil && !apperror.IsNotFound(err) {
		return nil, fmt.Errorf("ledger repository: get wallet %w", err)
	}
	return w, err
}

func (r *LedgerRepository) GetWalletByOwner(ctx context.Context, ownerID uuid.UUID) (*models.Wallet, error) {
	w, err := common.GetOne[models.Wallet](ctx, r.db, apperror.ErrWalletNotFound, `SELECT * FROM wallets WHERE owner_id = $1`, ownerID)
	if err != nil && !apperror.IsNotFound(err) {
		return nil, fmt.Errorf("ledger repository: get wallet by owner %w", err)
	}
	return w, err
}

// ListWalletIDs возвращает идентификаторы всех кошельков (для сверки).
func (r *LedgerRepository) ListWalletIDs(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	if err := r.db.SelectContext(ctx, &ids, `SELECT id FROM wallets ORDER BY created_at`); err != nil {
		return nil, fmt.Errorf("ledger repository: list wallets %w", err)
	}
	return ids, nil
}

// UpdateWallet блокирует кошелёк и применяет mutate к служебным полям
// (статус, лимиты, PIN). Балансы через этот метод не меняются.
func (r *LedgerRepository) UpdateWallet(ctx context.Context, id uuid.UUID, mutate func(w *models.Wallet) error) (*models.Wallet, error) {
	var updated *models.Wallet
	err := common.WithTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		w, err := common.GetOne[models.Wallet](ctx, tx, apperror.ErrWalletNotFound, `SELECT * FROM wallets WHERE id = $1 FOR UPDATE`, id)
		if err != nil {
			return err
		}
		balance, reserve := w.Balance, w.ReserveBalance
		if err := mutate(w); err != nil {
			return err
		}
		if !w.Balance.Equal(balance) || !w.ReserveBalance.Equal(reserve) {
			return fmt.Errorf("ledger repository: update wallet не может менять баланс")
		}

		updated, err = common.GetOne[models.Wallet](ctx, tx, apperror.ErrWalletNotFound, `
			UPDATE wallets
			SET status = $2, daily_limit = $3, transaction_limit = $4, pin_hash = $5,
				pin_failed_attempts = $6, pin_locked_until = $7, version = version + 1, updated_at = NOW()
			WHERE id = $1
			RETURNING *
		`, id, w.Status, w.DailyLimit, w.TransactionLimit, w.PinHash, w.PinFailedAttempts, w.PinLockedUntil)
		return err
	})
	if err != nil {
		if apperror.IsDomain(err) {
			return nil, err
		}
		return nil, fmt.Errorf("ledger repository: update wallet %w", err)
	}
	return updated, nil
}

// Post атомарно применяет пакет проводок. Повтор с тем же ключом идемпотентности
// возвращает ранее записанные проводки.
func (r *LedgerRepository) Post(ctx context.Context, batch ledger.Batch) (*ledger.Posting, error) {
	var posting *ledger.Posting
	err := common.WithTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		wallets, err := lockWallets(ctx, tx, batch.WalletIDs())
		if err != nil {
			return err
		}
		posting, err = applyPosting(ctx, tx, wallets, batch)
		return err
	})
	if err != nil {
		return nil, wrapLedgerErr("post", err)
	}
	return posting, nil
}

// TransactionsByKey возвращает проводки, записанные с ключом идемпотентности.
func (r *LedgerRepository) TransactionsByKey(ctx context.Context, key string) ([]models.Transaction, error) {
	txs, err := transactionsByKey(ctx, r.db, key)
	if err != nil {
		return nil, fmt.Errorf("ledger repository: transactions by key %w", err)
	}
	return txs, nil
}

// ListTransactions возвращает историю кошелька, новые сначала.
func (r *LedgerRepository) ListTransactions(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]models.Transaction, error) {
	txs := make([]models.Transaction, 0)
	err := r.db.SelectContext(ctx, &txs, `
		SELECT * FROM wallet_transactions WHERE wallet_id = $1
		ORDER BY seq DESC LIMIT $2 OFFSET $3
	`, walletID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ledger repository: list transactions %w", err)
	}
	return txs, nil
}

// JournalFor возвращает весь журнал кошелька в порядке записи.
func (r *LedgerRepository) JournalFor(ctx context.Context, walletID uuid.UUID) ([]models.Transaction, error) {
	txs := make([]models.Transaction, 0)
	if err := r.db.SelectContext(ctx, &txs, `SELECT * FROM wallet_transactions WHERE wallet_id = $1 ORDER BY seq`, walletID); err != nil {
		return nil, fmt.Errorf("ledger repository: journal %w", err)
	}
	return txs, nil
}

// SumOutgoingSince сумма завершённых исходящих проводок начиная с since.
func (r *LedgerRepository) SumOutgoingSince(ctx context.Context, walletID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	sum, err := sumOutgoing(ctx, r.db, walletID, since)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger repository: sum outgoing %w", err)
	}
	return sum, nil
}

func sumOutgoing(ctx context.Context, q sqlx.QueryerContext, walletID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	types := make([]string, 0, len(models.OutgoingTransactionTypes))
	for _, t := range models.OutgoingTransactionTypes {
		types = append(types, string(t))
	}

	var sum decimal.Decimal
	err := sqlx.GetContext(ctx, q, &sum, `
		SELECT COALESCE(SUM(amount), 0) FROM wallet_transactions
		WHERE wallet_id = $1 AND status = 'completed' AND created_at >= $2 AND type = ANY($3)
	`, walletID, since, pq.Array(types))
	return sum, err
}

// HoldReserve создаёт резерв заказа и удерживает средства покупателя.
// Повтор с теми же параметрами возвращает существующий резерв.
func (r *LedgerRepository) HoldReserve(ctx context.Context, orderID, buyerWalletID, sellerWalletID uuid.UUID, amount decimal.Decimal, dailyCap *ledger.DailyCap) (*models.ReserveResult, error) {
	var result *models.ReserveResult
	err := common.WithTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		reserve, batch, err := ledger.PlanHold(orderID, buyerWalletID, sellerWalletID, amount, now)
		if err != nil {
			return err
		}
		batch.DailyCap = dailyCap

		wallets, err := lockWallets(ctx, tx, []uuid.UUID{buyerWalletID, sellerWalletID})
		if err != nil {
			return err
		}

		inserted, err := common.GetOne[models.Reserve](ctx, tx, sql.ErrNoRows, `
			INSERT INTO reserves (id, order_id, buyer_wallet_id, seller_wallet_id, amount, released_amount, refunded_amount, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 0, 0, $6, $7, $7)
			ON CONFLICT (order_id) DO NOTHING
			RETURNING *
		`, reserve.ID, reserve.OrderID, reserve.BuyerWalletID, reserve.SellerWalletID, reserve.Amount, reserve.Status, now)
		if errors.Is(err, sql.ErrNoRows) {
			result, err = replayHold(ctx, tx, orderID, buyerWalletID, sellerWalletID, amount)
			return err
		}
		if err != nil {
			return err
		}

		posting, err := applyPosting(ctx, tx, wallets, batch)
		if err != nil {
			return err
		}
		result = &models.ReserveResult{Reserve: inserted, Transactions: posting.Transactions, Wallets: posting.Wallets}
		return nil
	})
	if err != nil {
		return nil, wrapLedgerErr("hold reserve", err)
	}
	return result, nil
}

func replayHold(ctx context.Context, tx *sqlx.Tx, orderID, buyerWalletID, sellerWalletID uuid.UUID, amount decimal.Decimal) (*models.ReserveResult, error) {
	existing, err := lockReserve(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if !ledger.MatchesHold(existing, buyerWalletID, sellerWalletID, amount) {
		return nil, apperror.ErrReserveAlreadyHeld.WithMessage(
			fmt.Sprintf("по заказу %s уже удержано %s", orderID, existing.Amount.StringFixed(2)))
	}
	txs, err := transactionsByKey(ctx, tx, ledger.HoldKey(orderID))
	if err != nil {
		return nil, err
	}
	return &models.ReserveResult{Reserve: existing, Transactions: txs, Replayed: true}, nil
}

// SettleReserve выполняет release/refund/split резерва заказа.
func (r *LedgerRepository) SettleReserve(ctx context.Context, orderID uuid.UUID, kind models.SettlementKind, fraction decimal.Decimal) (*models.ReserveResult, error) {
	var result *models.ReserveResult
	err := common.WithTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		reserve, err := lockReserve(ctx, tx, orderID)
		if err != nil {
			return err
		}

		key := ledger.SettlementKey(orderID, kind, fraction)
		prior, err := transactionsByKey(ctx, tx, key)
		if err != nil {
			return err
		}
		if len(prior) > 0 {
			result = &models.ReserveResult{Reserve: reserve, Transactions: prior, Replayed: true}
			return nil
		}

		now := time.Now().UTC()
		plan, err := ledger.PlanSettlement(*reserve, kind, fraction, now)
		if err != nil {
			return err
		}

		wallets, err := lockWallets(ctx, tx, plan.Batch.WalletIDs())
		if err != nil {
			return err
		}
		posting, err := applyPosting(ctx, tx, wallets, plan.Batch)
		if err != nil {
			return err
		}

		updated, err := common.GetOne[models.Reserve](ctx, tx, apperror.ErrReserveNotFound, `
			UPDATE reserves
			SET released_amount = $2, refunded_amount = $3, status = $4, updated_at = $5, settled_at = $6
			WHERE id = $1
			RETURNING *
		`, reserve.ID, plan.Reserve.ReleasedAmount, plan.Reserve.RefundedAmount, plan.Reserve.Status, now, plan.Reserve.SettledAt)
		if err != nil {
			return err
		}

		result = &models.ReserveResult{Reserve: updated, Transactions: posting.Transactions, Wallets: posting.Wallets}
		return nil
	})
	if err != nil {
		return nil, wrapLedgerErr("settle reserve", err)
	}
	return result, nil
}

// MarkReserveDisputed переводит резерв в disputed. Уже оспоренный резерв возвращается без изменений.
func (r *LedgerRepository) MarkReserveDisputed(ctx context.Context, orderID uuid.UUID) (*models.Reserve, error) {
	var result *models.Reserve
	err := common.WithTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		reserve, err := lockReserve(ctx, tx, orderID)
		if err != nil {
			if apperror.IsNotFound(err) {
				return apperror.ErrNoActiveReserve
			}
			return err
		}
		if reserve.Status == models.ReserveStatusDisputed {
			result = reserve
			return nil
		}

		next, err := ledger.MarkDisputed(*reserve, time.Now().UTC())
		if err != nil {
			return apperror.ErrNoActiveReserve.WithMessage(fmt.Sprintf("резерв заказа %s в статусе %s", orderID, reserve.Status))
		}
		result, err = common.GetOne[models.Reserve](ctx, tx, apperror.ErrReserveNotFound, `
			UPDATE reserves SET status = $2, updated_at = $3 WHERE id = $1 RETURNING *
		`, reserve.ID, next.Status, next.UpdatedAt)
		return err
	})
	if err != nil {
		return nil, wrapLedgerErr("mark reserve disputed", err)
	}
	return result, nil
}

func (r *LedgerRepository) GetReserve(ctx context.Context, orderID uuid.UUID) (*models.Reserve, error) {
	reserve, err := common.GetOne[models.Reserve](ctx, r.db, apperror.ErrReserveNotFound, `SELECT * FROM reserves WHERE order_id = $1`, orderID)
	if err != nil && !apperror.IsNotFound(err) {
		return nil, fmt.Errorf("ledger repository: get reserve %w", err)
	}
	return reserve, err
}

// ListReserves возвращает резервы, где кошелёк выступает покупателем или продавцом.
func (r *LedgerRepository) ListReserves(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]models.Reserve, error) {
	reserves := make([]models.Reserve, 0)
	err := r.db.SelectContext(ctx, &reserves, `
		SELECT * FROM reserves WHERE buyer_wallet_id = $1 OR seller_wallet_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, walletID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ledger repository: list reserves %w", err)
	}
	return reserves, nil
}

// lockWallets блокирует кошельки в порядке id, чтобы параллельные пакеты не взаимоблокировались.
func lockWallets(ctx context.Context, tx *sqlx.Tx, ids []uuid.UUID) (map[uuid.UUID]*models.Wallet, error) {
	strIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		strIDs = append(strIDs, id.String())
	}

	var rows []models.Wallet
	err := tx.SelectContext(ctx, &rows, `SELECT * FROM wallets WHERE id = ANY($1::uuid[]) ORDER BY id FOR UPDATE`, pq.Array(strIDs))
	if err != nil {
		return nil, err
	}

	wallets := make(map[uuid.UUID]*models.Wallet, len(rows))
	for i := range rows {
		wallets[rows[i].ID] = &rows[i]
	}
	for _, id := range ids {
		if _, ok := wallets[id]; !ok {
			return nil, apperror.ErrWalletNotFound.WithMessage(fmt.Sprintf("кошелёк %s не найден", id))
		}
	}
	return wallets, nil
}

func lockReserve(ctx context.Context, tx *sqlx.Tx, orderID uuid.UUID) (*models.Reserve, error) {
	return common.GetOne[models.Reserve](ctx, tx, apperror.ErrReserveNotFound, `SELECT * FROM reserves WHERE order_id = $1 FOR UPDATE`, orderID)
}

func transactionsByKey(ctx context.Context, q sqlx.QueryerContext, key string) ([]models.Transaction, error) {
	txs := make([]models.Transaction, 0)
	if key == "" {
		return txs, nil
	}
	err := sqlx.SelectContext(ctx, q, &txs, `SELECT * FROM wallet_transactions WHERE idempotency_key = $1 ORDER BY seq`, key)
	return txs, err
}

// applyPosting применяет пакет к заблокированным кошелькам и записывает проводки.
func applyPosting(ctx context.Context, tx *sqlx.Tx, wallets map[uuid.UUID]*models.Wallet, batch ledger.Batch) (*ledger.Posting, error) {
	prior, err := transactionsByKey(ctx, tx, batch.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if len(prior) > 0 {
		return &ledger.Posting{Transactions: prior, Wallets: walletSlice(wallets, batch), Replayed: true}, nil
	}

	// Кошелёк уже заблокирован FOR UPDATE, сумма за сутки не изменится до коммита
	if c := batch.DailyCap; c != nil {
		spent, err := sumOutgoing(ctx, tx, c.WalletID, c.Since)
		if err != nil {
			return nil, err
		}
		if err := ledger.CheckDailyCap(batch, spent); err != nil {
			return nil, err
		}
	}

	versions := make(map[uuid.UUID]int64, len(wallets))
	for id, w := range wallets {
		versions[id] = w.Version
	}

	now := time.Now().UTC()
	txs, err := ledger.ApplyBatch(wallets, batch, now)
	if err != nil {
		return nil, err
	}

	for _, id := range batch.WalletIDs() {
		w := wallets[id]
		res, err := tx.ExecContext(ctx, `
			UPDATE wallets SET balance = $2, reserve_balance = $3, version = $4, updated_at = $5
			WHERE id = $1 AND version = $6
		`, w.ID, w.Balance, w.ReserveBalance, w.Version, w.UpdatedAt, versions[id])
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil, ErrConcurrentUpdate
		}
	}

	inserter := common.NewRowInserter(tx, `
		INSERT INTO wallet_transactions (id, wallet_id, type, leg, amount, balance_before, balance_after,
			reserve_before, reserve_after, status, reference_type, reference_id, group_id, idempotency_key,
			description, created_at, completed_at)`, 17)
	for _, t := range txs {
		if err := inserter.Add(t.ID, t.WalletID, t.Type, t.Leg, t.Amount, t.BalanceBefore, t.BalanceAfter,
			t.ReserveBefore, t.ReserveAfter, t.Status, t.ReferenceType, t.ReferenceID, t.GroupID, t.IdempotencyKey,
			t.Description, t.CreatedAt, t.CompletedAt); err != nil {
			return nil, err
		}
	}
	var stored []models.Transaction
	if err := inserter.Exec(ctx, &stored, "RETURNING *"); err != nil {
		return nil, err
	}

	return &ledger.Posting{Transactions: stored, Wallets: walletSlice(wallets, batch)}, nil
}

func walletSlice(wallets map[uuid.UUID]*models.Wallet, batch ledger.Batch) []models.Wallet {
	out := make([]models.Wallet, 0, len(wallets))
	for _, id := range batch.WalletIDs() {
		if w, ok := wallets[id]; ok {
			out = append(out, *w)
		}
	}
	return out
}

// wrapLedgerErr пропускает доменные ошибки как есть и оборачивает инфраструктурные.
func wrapLedgerErr(op string, err error) error {
	if apperror.IsDomain(err) {
		return err
	}
	if common.IsCheckViolation(err) {
		return apperror.ErrInsufficientFunds.WithMessage("операция нарушает неотрицательность баланса")
	}
	return fmt.Errorf("ledger repository: %s %w", op, err)
}
