package common

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// maxTxAttempts сколько раз повторять транзакцию при deadlock/serialization failure.
const maxTxAttempts = 3

// GetOne выполняет запрос, возвращающий одну строку, и подменяет sql.ErrNoRows на notFoundErr.
func GetOne[T any](ctx context.Context, q sqlx.QueryerContext, notFoundErr error, query string, args ...any) (*T, error) {
	var entity T
	if err := sqlx.GetContext(ctx, q, &entity, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFoundErr
		}
		return nil, err
	}
	return &entity, nil
}

// RowInserter накапливает строки и вставляет их одним INSERT.
type RowInserter struct {
	tx          *sqlx.Tx
	query       string
	fieldsCount int
	values      []any
	rowCount    int
}

// NewRowInserter создаёт inserter для запроса вида "INSERT INTO t (a, b)".
func NewRowInserter(tx *sqlx.Tx, baseQuery string, fieldsCount int) *RowInserter {
	return &RowInserter{tx: tx, query: baseQuery, fieldsCount: fieldsCount}
}

// Add добавляет строку.
func (ri *RowInserter) Add(rowValues ...any) error {
	if len(rowValues) != ri.fieldsCount {
		return fmt.Errorf("expected %d fields, got %d", ri.fieldsCount, len(rowValues))
	}
	ri.values = append(ri.values, rowValues...)
	ri.rowCount++
	return nil
}

// Exec вставляет накопленные строки. suffix добавляется после VALUES (например, RETURNING).
func (ri *RowInserter) Exec(ctx context.Context, dest any, suffix string) error {
	if ri.rowCount == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(ri.query)
	sb.WriteString(" VALUES ")
	for i := 0; i < ri.rowCount; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j := 0; j < ri.fieldsCount; j++ {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*ri.fieldsCount+j+1)
		}
		sb.WriteString(")")
	}
	if suffix != "" {
		sb.WriteString(" ")
		sb.WriteString(suffix)
	}

	if dest != nil {
		if err := ri.tx.SelectContext(ctx, dest, sb.String(), ri.values...); err != nil {
			return fmt.Errorf("batch insert: %w", err)
		}
	} else if _, err := ri.tx.ExecContext(ctx, sb.String(), ri.values...); err != nil {
		return fmt.Errorf("batch insert: %w", err)
	}

	ri.values = ri.values[:0]
	ri.rowCount = 0
	return nil
}

// WithTransaction выполняет fn внутри транзакции. Deadlock и serialization failure
// повторяются, доменные ошибки возвращаются без повтора.
func WithTransaction(ctx context.Context, db *sqlx.DB, fn func(*sqlx.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = runTx(ctx, db, fn)
		if err == nil || !IsRetryable(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

func runTx(ctx context.Context, db *sqlx.DB, fn func(*sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx error: %w, rollback error: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
