package repl

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/translicate/translicate/wal"
)

// Querier abstracts pgx.Conn and pgxpool.Pool for row queries.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// sequenceCatalogQuery walks pg_depend ownership links ('a' = auto
// dependency) from sequences to the columns they feed.
const sequenceCatalogQuery = `
SELECT
  n.nspname AS schema,
  t.relname AS table,
  a.attname AS column,
  s.relname AS sequence
FROM pg_class s
JOIN pg_depend d ON d.objid = s.oid AND d.deptype = 'a'
JOIN pg_class t ON d.refobjid = t.oid
JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = d.refobjsubid
JOIN pg_namespace n ON n.oid = t.relnamespace
WHERE s.relkind = 'S'`

// PGDDLSource reads the side-channel DDL log table on the primary.
type PGDDLSource struct {
	primary Querier
	table   string
}

// NewPGDDLSource creates a source polling the given DDL log table.
func NewPGDDLSource(primary Querier, table string) *PGDDLSource {
	return &PGDDLSource{primary: primary, table: table}
}

// EntriesSince returns DDL log rows with lsn > since in ascending order.
func (s *PGDDLSource) EntriesSince(ctx context.Context, since wal.LSN) ([]DDLLogEntry, error) {
	query := fmt.Sprintf(
		"SELECT lsn::text, ddl FROM %s WHERE lsn > $1::pg_lsn ORDER BY lsn", s.table)

	rows, err := s.primary.Query(ctx, query, since.String())
	if err != nil {
		return nil, fmt.Errorf("query ddl log %s: %w", s.table, err)
	}
	defer rows.Close()

	var entries []DDLLogEntry
	for rows.Next() {
		var lsnText, ddl string
		if err := rows.Scan(&lsnText, &ddl); err != nil {
			return nil, fmt.Errorf("scan ddl log row: %w", err)
		}
		lsn, err := wal.ParseLSN(lsnText)
		if err != nil {
			return nil, err
		}
		entries = append(entries, DDLLogEntry{LSN: lsn, Statement: ddl})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read ddl log: %w", err)
	}
	return entries, nil
}

// PGSequenceCatalog introspects the replica's sequence ownership links.
type PGSequenceCatalog struct {
	replica Querier
}

// NewPGSequenceCatalog creates a catalog backed by the replica connection.
func NewPGSequenceCatalog(replica Querier) *PGSequenceCatalog {
	return &PGSequenceCatalog{replica: replica}
}

// SequenceColumns returns every sequence-backed column on the replica.
func (c *PGSequenceCatalog) SequenceColumns(ctx context.Context) ([]SequenceColumn, error) {
	rows, err := c.replica.Query(ctx, sequenceCatalogQuery)
	if err != nil {
		return nil, fmt.Errorf("query sequence catalog: %w", err)
	}
	defer rows.Close()

	var columns []SequenceColumn
	for rows.Next() {
		var col SequenceColumn
		if err := rows.Scan(&col.Schema, &col.Table, &col.Column, &col.Sequence); err != nil {
			return nil, fmt.Errorf("scan sequence catalog row: %w", err)
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read sequence catalog: %w", err)
	}
	return columns, nil
}

// CheckReplicationSlot verifies the slot exists on the primary and reports
// whether it is currently held by another consumer. Provisioning the slot
// is a deployment concern; streaming against a missing slot is not.
func CheckReplicationSlot(ctx context.Context, primary Querier, slot string) error {
	rows, err := primary.Query(ctx,
		"SELECT active FROM pg_replication_slots WHERE slot_name = $1", slot)
	if err != nil {
		return fmt.Errorf("check replication slot %s: %w", slot, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return fmt.Errorf("check replication slot %s: %w", slot, err)
		}
		return fmt.Errorf("replication slot %q does not exist", slot)
	}

	var active bool
	if err := rows.Scan(&active); err != nil {
		return fmt.Errorf("check replication slot %s: %w", slot, err)
	}
	if active {
		return fmt.Errorf("replication slot %q is already active", slot)
	}
	return nil
}
