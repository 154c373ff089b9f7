package repl

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/translicate/translicate/telemetry"
	"github.com/translicate/translicate/wal"
)

// StateStore persists the replication cursor and the deferred-change buffer
// so a crash between acknowledgment and buffer drain loses nothing.
type StateStore interface {
	SetLastAppliedDDL(lsn wal.LSN) error
	SetLastAcked(lsn wal.LSN) error
	AppendBuffered(change wal.BufferedChange) error
	ReplaceBuffer(buffer []wal.BufferedChange) error
}

// TableFilter reports whether a table matches a configured pattern set.
type TableFilter interface {
	Match(schema, table string) bool
}

// AppliedObserver is notified after a row change lands on the replica.
// Implementations must not block; the coordinator is single-threaded.
type AppliedObserver interface {
	ChangeApplied(lsn wal.LSN, change *wal.RowChange)
}

// Coordinator enforces schema/DML causality: no row change at LSN L is
// applied to the replica before every DDL entry at LSN <= L. Changes that
// arrive ahead of their schema are buffered and replayed once DDL replay
// catches up, so the stream itself never stalls.
type Coordinator struct {
	ddl      *DDLReplayer
	dml      *DMLApplier
	seqs     *SequenceSynchronizer
	store    StateStore
	ignore   TableFilter // optional
	observer AppliedObserver
	ddlTable string

	// mu guards the cursor and buffer for concurrent status reads; all
	// mutation happens on the single dispatch goroutine.
	mu             sync.Mutex
	lastAppliedDDL wal.LSN
	buffer         []wal.BufferedChange
}

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	DDLReplayer   *DDLReplayer
	DMLApplier    *DMLApplier
	Sequences     *SequenceSynchronizer
	Store         StateStore
	IgnoreTables  TableFilter
	Observer      AppliedObserver
	DDLLogTable   string
	ResumeDDLLSN  wal.LSN              // cursor recovered from the state store
	ResumeBuffer  []wal.BufferedChange // buffer recovered from the state store
}

// NewCoordinator creates a coordinator resuming from persisted state.
func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	return &Coordinator{
		ddl:            opts.DDLReplayer,
		dml:            opts.DMLApplier,
		seqs:           opts.Sequences,
		store:          opts.Store,
		ignore:         opts.IgnoreTables,
		observer:       opts.Observer,
		ddlTable:       opts.DDLLogTable,
		lastAppliedDDL: opts.ResumeDDLLSN,
		buffer:         opts.ResumeBuffer,
	}
}

// ProcessMessage handles one decoded WAL message at position msgLSN:
// poll and replay pending DDL, apply or buffer every row change, sweep the
// buffer, and resync sequences if anything changed. A returned error means
// the stream must stop (primary unreachable, state store failure); DDL and
// DML apply failures are contained here.
func (c *Coordinator) ProcessMessage(ctx context.Context, msgLSN wal.LSN, set *wal.ChangeSet) error {
	ddlCaughtUp, err := c.replayDDL(ctx)
	if err != nil {
		return err
	}

	for i := range set.Changes {
		change := &set.Changes[i]
		if c.dropChange(change) {
			continue
		}

		if msgLSN <= c.lastAppliedDDL {
			c.applyChange(ctx, msgLSN, change)
			continue
		}

		buffered := wal.BufferedChange{LSN: msgLSN, Change: *change}
		if err := c.store.AppendBuffered(buffered); err != nil {
			return err
		}
		c.mu.Lock()
		c.buffer = append(c.buffer, buffered)
		c.mu.Unlock()
		telemetry.ChangesBuffered.Inc()
		log.Debug().
			Stringer("lsn", msgLSN).
			Stringer("applied_ddl_lsn", c.lastAppliedDDL).
			Str("table", change.Table).
			Msg("Buffered change ahead of schema")
	}

	if err := c.sweepBuffer(ctx, msgLSN, ddlCaughtUp); err != nil {
		return err
	}

	if len(set.Changes) > 0 {
		c.seqs.Resync(ctx)
	}
	return nil
}

// replayDDL runs one DDL poll and advances the high-water mark. Returns
// whether the pass consumed the whole log: a failed statement leaves later
// entries, and every buffered change behind them, waiting for the retry.
func (c *Coordinator) replayDDL(ctx context.Context) (bool, error) {
	mark, err := c.ddl.Replay(ctx, c.lastAppliedDDL)
	caughtUp := err == nil
	if err != nil && !errors.Is(err, ErrDDLApply) {
		return false, err
	}
	if err != nil {
		log.Warn().Err(err).
			Stringer("applied_ddl_lsn", mark).
			Msg("DDL replay stopped, will retry on next poll")
	}

	if mark > c.lastAppliedDDL {
		c.mu.Lock()
		c.lastAppliedDDL = mark
		c.mu.Unlock()
		telemetry.LastAppliedDDLLSN.Set(float64(mark))
		c.seqs.Invalidate()
		if err := c.store.SetLastAppliedDDL(mark); err != nil {
			return false, err
		}
	}
	return caughtUp, nil
}

// sweepBuffer re-evaluates every buffered change after the DDL poll.
// Entries at or below the applied-DDL mark are always safe. When the poll
// consumed the whole log, every logged DDL below msgLSN is applied, so
// entries up to msgLSN are safe too. Anything else stays buffered.
func (c *Coordinator) sweepBuffer(ctx context.Context, msgLSN wal.LSN, ddlCaughtUp bool) error {
	c.mu.Lock()
	pending := c.buffer
	c.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}

	safe := c.lastAppliedDDL
	if ddlCaughtUp && msgLSN > safe {
		safe = msgLSN
	}

	var retained []wal.BufferedChange
	applied := 0
	for _, bc := range pending {
		if bc.LSN > safe {
			retained = append(retained, bc)
			continue
		}
		change := bc.Change
		c.applyChange(ctx, bc.LSN, &change)
		applied++
	}

	if applied > 0 {
		log.Info().
			Int("applied", applied).
			Int("retained", len(retained)).
			Stringer("safe_lsn", safe).
			Msg("Swept deferred changes")
	}

	c.mu.Lock()
	c.buffer = retained
	c.mu.Unlock()
	telemetry.BufferDepth.Set(float64(len(retained)))
	if applied == 0 {
		return nil
	}
	return c.store.ReplaceBuffer(retained)
}

// applyChange applies one row change. Failures are logged and dropped;
// stream liveness is preserved at the cost of best-effort delivery, with
// the drop counted so divergence is at least visible.
func (c *Coordinator) applyChange(ctx context.Context, lsn wal.LSN, change *wal.RowChange) {
	if err := c.dml.Apply(ctx, change); err != nil {
		reason := "exec"
		switch {
		case errors.Is(err, ErrMissingIdentityKeys):
			reason = "missing_identity_keys"
		case errors.Is(err, ErrUnsupportedOperation):
			reason = "unsupported_operation"
		case errors.Is(err, ErrMalformedChange):
			reason = "malformed"
		}
		telemetry.ChangesDropped.With(reason).Inc()
		log.Error().Err(err).
			Stringer("lsn", lsn).
			Str("table", change.Table).
			Str("kind", string(change.Kind)).
			Msg("Dropped row change")
		return
	}

	if c.observer != nil {
		c.observer.ChangeApplied(lsn, change)
	}
}

// dropChange filters structural noise (the DDL log's own rows) and tables
// the operator excluded from replication.
func (c *Coordinator) dropChange(change *wal.RowChange) bool {
	if change.Table == c.ddlTable {
		return true
	}
	if c.ignore != nil && c.ignore.Match(change.Schema, change.Table) {
		telemetry.ChangesDropped.With("filtered").Inc()
		return true
	}
	return false
}

// Status is a point-in-time view of the coordinator for the admin API.
type Status struct {
	LastAppliedDDL wal.LSN
	BufferDepth    int
}

// Status returns the current cursor and buffer depth.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		LastAppliedDDL: c.lastAppliedDDL,
		BufferDepth:    len(c.buffer),
	}
}
