package repl

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/translicate/translicate/telemetry"
	"github.com/translicate/translicate/wal"
)

// DDLLogEntry is one row of the primary's DDL capture table.
type DDLLogEntry struct {
	LSN       wal.LSN
	Statement string
}

// DDLSource fetches DDL log entries with LSN strictly greater than since,
// in ascending LSN order.
type DDLSource interface {
	EntriesSince(ctx context.Context, since wal.LSN) ([]DDLLogEntry, error)
}

// DDLReplayer mirrors schema changes from the primary's DDL log onto the
// replica. Replay is fail-stop: a failing statement halts the pass and is
// retried verbatim on the next poll, so later entries never jump the queue.
type DDLReplayer struct {
	source     DDLSource
	replica    Executor
	classifier *AdminClassifier
}

// NewDDLReplayer creates a replayer reading from source and applying to the
// replica connection.
func NewDDLReplayer(source DDLSource, replica Executor, classifier *AdminClassifier) *DDLReplayer {
	return &DDLReplayer{
		source:     source,
		replica:    replica,
		classifier: classifier,
	}
}

// Replay applies all DDL log entries newer than since and returns the new
// high-water mark. Administrative statements are skipped but still advance
// the mark. On a statement failure the returned error wraps ErrDDLApply and
// the mark stops at the last entry that succeeded; a source read failure is
// returned as-is with the mark unchanged.
func (r *DDLReplayer) Replay(ctx context.Context, since wal.LSN) (wal.LSN, error) {
	entries, err := r.source.EntriesSince(ctx, since)
	if err != nil {
		return since, fmt.Errorf("failed to read ddl log: %w", err)
	}

	applied := since
	for _, entry := range entries {
		if r.classifier.IsAdministrative(entry.Statement) {
			log.Debug().
				Stringer("lsn", entry.LSN).
				Str("statement", entry.Statement).
				Msg("Skipping administrative DDL")
			telemetry.DDLSkipped.Inc()
			applied = entry.LSN
			continue
		}

		if _, err := r.replica.Exec(ctx, entry.Statement); err != nil {
			telemetry.DDLFailures.Inc()
			return applied, fmt.Errorf("%w: lsn %s: %s: %v", ErrDDLApply, entry.LSN, entry.Statement, err)
		}

		log.Info().
			Stringer("lsn", entry.LSN).
			Str("statement", entry.Statement).
			Msg("Applied DDL")
		telemetry.DDLApplied.Inc()
		applied = entry.LSN
	}

	return applied, nil
}
