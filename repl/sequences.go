package repl

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"

	"github.com/translicate/translicate/telemetry"
)

// SequenceColumn maps a sequence to the column whose values it feeds.
type SequenceColumn struct {
	Schema   string
	Table    string
	Column   string
	Sequence string
}

// SequenceCatalog discovers every sequence-backed column on the replica.
type SequenceCatalog interface {
	SequenceColumns(ctx context.Context) ([]SequenceColumn, error)
}

const catalogCacheKey = "sequence-columns"

// SequenceSynchronizer recomputes auto-increment sequences on the replica
// from the current column maxima. Recompute-from-scratch is O(rows) per
// table, acceptable because it runs once per processed message, not per row.
// Catalog discovery is cached since the sequence set only changes on DDL.
type SequenceSynchronizer struct {
	catalog SequenceCatalog
	replica Executor
	cache   *expirable.LRU[string, []SequenceColumn]
}

// NewSequenceSynchronizer creates a synchronizer. cacheTTL bounds how stale
// the cached catalog may get; sequences created by freshly replayed DDL are
// picked up after at most one TTL.
func NewSequenceSynchronizer(catalog SequenceCatalog, replica Executor, cacheTTL time.Duration) *SequenceSynchronizer {
	return &SequenceSynchronizer{
		catalog: catalog,
		replica: replica,
		cache:   expirable.NewLRU[string, []SequenceColumn](1, nil, cacheTTL),
	}
}

// Resync sets every sequence to MAX(owning column), or 1 for an empty
// table. Uses "set exactly" semantics so direct writes to the replica are
// overridden. A failure on one sequence is logged and does not block the
// rest.
func (s *SequenceSynchronizer) Resync(ctx context.Context) {
	columns, ok := s.cache.Get(catalogCacheKey)
	if !ok {
		var err error
		columns, err = s.catalog.SequenceColumns(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to discover sequence columns, skipping resync")
			telemetry.SequenceResyncFailures.Inc()
			return
		}
		s.cache.Add(catalogCacheKey, columns)
	}

	for _, col := range columns {
		if err := s.resyncOne(ctx, col); err != nil {
			log.Warn().Err(err).
				Str("sequence", col.Sequence).
				Str("table", col.Table).
				Str("column", col.Column).
				Msg("Failed to resync sequence")
			telemetry.SequenceResyncFailures.Inc()
		}
	}
}

// Invalidate drops the cached catalog. Called after DDL replay so new
// sequences are discovered on the next resync.
func (s *SequenceSynchronizer) Invalidate() {
	s.cache.Remove(catalogCacheKey)
}

func (s *SequenceSynchronizer) resyncOne(ctx context.Context, col SequenceColumn) error {
	seq := quoteQualified(col.Schema, col.Sequence)
	// Column and table names come from the replica's own catalog, quoted
	// here to survive mixed-case identifiers.
	stmt := fmt.Sprintf(
		"SELECT setval($1, COALESCE((SELECT MAX(%s) FROM %s), 1))",
		quoteIdent(col.Column), quoteQualified(col.Schema, col.Table),
	)
	_, err := s.replica.Exec(ctx, stmt, seq)
	return err
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}

func quoteQualified(schema, name string) string {
	if schema == "" {
		return quoteIdent(name)
	}
	return quoteIdent(schema) + "." + quoteIdent(name)
}
