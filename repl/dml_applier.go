package repl

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/translicate/translicate/telemetry"
	"github.com/translicate/translicate/wal"
)

// Executor abstracts pgx.Conn and pgxpool.Pool - both expose the same Exec
// signature. Statements run in autocommit, one implicit transaction each.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// DMLApplier translates decoded row changes into parameterized statements
// against the replica.
type DMLApplier struct {
	replica Executor
	dialect goqu.DialectWrapper
}

// NewDMLApplier creates an applier bound to the replica connection.
func NewDMLApplier(replica Executor) *DMLApplier {
	return &DMLApplier{
		replica: replica,
		dialect: goqu.Dialect("postgres"),
	}
}

// Apply executes one row change. Execution failures are returned wrapped;
// the caller decides whether to retry, skip, or halt.
func (a *DMLApplier) Apply(ctx context.Context, change *wal.RowChange) error {
	sqlStmt, args, err := a.buildSQL(change)
	if err != nil {
		return err
	}

	if _, err := a.replica.Exec(ctx, sqlStmt, args...); err != nil {
		return fmt.Errorf("apply %s on %s: %w", change.Kind, change.Table, err)
	}
	telemetry.ChangesApplied.Inc()
	return nil
}

func (a *DMLApplier) buildSQL(change *wal.RowChange) (string, []any, error) {
	switch change.Kind {
	case wal.KindInsert:
		return a.buildInsert(change)
	case wal.KindUpdate:
		return a.buildUpdate(change)
	case wal.KindDelete:
		return a.buildDelete(change)
	default:
		return "", nil, fmt.Errorf("%w: %q on table %s", ErrUnsupportedOperation, change.Kind, change.Table)
	}
}

func (a *DMLApplier) buildInsert(change *wal.RowChange) (string, []any, error) {
	if len(change.ColumnNames) == 0 {
		return "", nil, fmt.Errorf("%w: insert on %s has no columns", ErrMalformedChange, change.Table)
	}
	if len(change.ColumnNames) != len(change.ColumnValues) {
		return "", nil, fmt.Errorf("%w: insert on %s has %d columns but %d values",
			ErrMalformedChange, change.Table, len(change.ColumnNames), len(change.ColumnValues))
	}

	cols := make([]any, len(change.ColumnNames))
	for i, name := range change.ColumnNames {
		cols[i] = name
	}

	sqlStmt, args, err := a.dialect.
		Insert(tableExpr(change)).
		Cols(cols...).
		Vals(goqu.Vals(change.ColumnValues)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return "", nil, fmt.Errorf("build insert for %s: %w", change.Table, err)
	}
	return sqlStmt, args, nil
}

func (a *DMLApplier) buildUpdate(change *wal.RowChange) (string, []any, error) {
	if len(change.ColumnNames) == 0 {
		return "", nil, fmt.Errorf("%w: update on %s has no columns", ErrMalformedChange, change.Table)
	}
	if len(change.ColumnNames) != len(change.ColumnValues) {
		return "", nil, fmt.Errorf("%w: update on %s has %d columns but %d values",
			ErrMalformedChange, change.Table, len(change.ColumnNames), len(change.ColumnValues))
	}
	where, err := identityExpr(change)
	if err != nil {
		return "", nil, err
	}

	// goqu sorts record keys, so generated SQL is deterministic for a
	// given column set regardless of wal2json ordering.
	record := goqu.Record{}
	for i, name := range change.ColumnNames {
		record[name] = change.ColumnValues[i]
	}

	sqlStmt, args, err := a.dialect.
		Update(tableExpr(change)).
		Set(record).
		Where(where).
		Prepared(true).
		ToSQL()
	if err != nil {
		return "", nil, fmt.Errorf("build update for %s: %w", change.Table, err)
	}
	return sqlStmt, args, nil
}

func (a *DMLApplier) buildDelete(change *wal.RowChange) (string, []any, error) {
	where, err := identityExpr(change)
	if err != nil {
		return "", nil, err
	}

	sqlStmt, args, err := a.dialect.
		Delete(tableExpr(change)).
		Where(where).
		Prepared(true).
		ToSQL()
	if err != nil {
		return "", nil, fmt.Errorf("build delete for %s: %w", change.Table, err)
	}
	return sqlStmt, args, nil
}

// identityExpr builds the WHERE clause from the change's old-key columns.
// A change without identity keys cannot target a row deterministically.
func identityExpr(change *wal.RowChange) (goqu.Ex, error) {
	if change.OldKeys == nil || len(change.OldKeys.KeyNames) == 0 {
		return nil, fmt.Errorf("%w: %s on %s", ErrMissingIdentityKeys, change.Kind, change.Table)
	}
	if len(change.OldKeys.KeyNames) != len(change.OldKeys.KeyValues) {
		return nil, fmt.Errorf("%w: %s on %s has %d key names but %d key values",
			ErrMalformedChange, change.Kind, change.Table,
			len(change.OldKeys.KeyNames), len(change.OldKeys.KeyValues))
	}

	where := goqu.Ex{}
	for i, name := range change.OldKeys.KeyNames {
		where[name] = change.OldKeys.KeyValues[i]
	}
	return where, nil
}

// tableExpr qualifies the target table with its schema when wal2json
// reports one outside the default search path.
func tableExpr(change *wal.RowChange) exp.IdentifierExpression {
	t := goqu.T(change.Table)
	if change.Schema != "" && change.Schema != "public" {
		t = t.Schema(change.Schema)
	}
	return t
}
