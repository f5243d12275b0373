package hostfunc

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// exportRows reads every row into a column-keyed map.
func exportRows(rows *sql.Rows) ([]map[string]any, error) {
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	records := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		record := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				record[col] = Buffer(append([]byte(nil), b...))
				continue
			}
			record[col] = values[i]
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func query(ctx context.Context, e execer, stmt string, params []any) ([]map[string]any, error) {
	rows, err := e.QueryContext(ctx, stmt, params...)
	if err != nil {
		return nil, err
	}
	return exportRows(rows)
}

func execStmt(ctx context.Context, e execer, stmt string, params []any) (int64, error) {
	res, err := e.ExecContext(ctx, stmt, params...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// isolationLevel maps the script ordinal (0 Default .. 7 Linearizable) onto
// database/sql, whose levels share the same order.
func isolationLevel(n int64) (sql.IsolationLevel, error) {
	if n < int64(sql.LevelDefault) || n > int64(sql.LevelLinearizable) {
		return 0, invalidArgs("db", "isolation must be between 0 and 7, got %d", n)
	}
	return sql.IsolationLevel(n), nil
}

// Transaction is owned by the invocation that began it. It ends exactly
// once; a transaction still open when the invocation ends is rolled back.
type Transaction struct {
	ctx  context.Context
	tx   *sql.Tx
	done atomic.Bool
}

func (t *Transaction) Query(stmt string, params ...any) ([]map[string]any, error) {
	if t.done.Load() {
		return nil, ErrTransactionClosed
	}
	return query(t.ctx, t.tx, stmt, params)
}

func (t *Transaction) Exec(stmt string, params ...any) (int64, error) {
	if t.done.Load() {
		return 0, ErrTransactionClosed
	}
	return execStmt(t.ctx, t.tx, stmt, params)
}

func (t *Transaction) Commit() error {
	if !t.done.CompareAndSwap(false, true) {
		return &Error{Kind: KindTransactionClosed, Op: "db", Detail: "commit"}
	}
	return t.tx.Commit()
}

func (t *Transaction) Rollback() error {
	if !t.done.CompareAndSwap(false, true) {
		return &Error{Kind: KindTransactionClosed, Op: "db", Detail: "rollback"}
	}
	return t.tx.Rollback()
}

func (t *Transaction) closed() bool { return t.done.Load() }

// DatabaseClient is the script-facing db capability. Statements take
// positional parameters only.
type DatabaseClient struct {
	inv *Invocation
	db  *sql.DB
}

var errNoDatabase = errors.New("database not configured")

func (d *DatabaseClient) Query(stmt string, params ...any) ([]map[string]any, error) {
	return query(d.inv.Context(), d.db, stmt, params)
}

func (d *DatabaseClient) Exec(stmt string, params ...any) (int64, error) {
	return execStmt(d.inv.Context(), d.db, stmt, params)
}

// BeginTx starts a transaction at the given isolation ordinal.
func (d *DatabaseClient) BeginTx(isolation int64) (*Transaction, error) {
	level, err := isolationLevel(isolation)
	if err != nil {
		return nil, err
	}
	ctx := d.inv.Context()
	tx, err := d.db.BeginTx(ctx, &sql.TxOptions{Isolation: level})
	if err != nil {
		return nil, err
	}
	t := &Transaction{ctx: ctx, tx: tx}
	d.inv.Defer(func() {
		if t.closed() {
			return
		}
		if err := t.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			Logger().Warn("rollback on invocation end", zap.String("invocation", d.inv.ID), zap.Error(err))
		}
	})
	return t, nil
}

// Transaction runs fn inside a transaction, committing when fn returns
// normally and rolling back when it fails or panics. A transaction that fn
// ended itself is left as is. The value fn returns is ignored.
func (d *DatabaseClient) Transaction(fn func(tx *Transaction) (any, error), isolation int64) (err error) {
	if fn == nil {
		return invalidArgs("db", "function required")
	}
	t, err := d.BeginTx(isolation)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			if !t.closed() {
				t.Rollback()
			}
			panic(r)
		}
	}()

	if _, err := fn(t); err != nil {
		if !t.closed() {
			t.Rollback()
		}
		return err
	}
	if t.closed() {
		return nil
	}
	return t.Commit()
}
