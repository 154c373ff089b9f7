package repl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/translicate/translicate/wal"
)

type coordFixture struct {
	exec    *fakeExec
	source  *fakeDDLSource
	catalog *fakeCatalog
	store   *memStore
	coord   *Coordinator
}

func newCoordFixture(mutate func(*CoordinatorOptions)) *coordFixture {
	f := &coordFixture{
		exec:    newFakeExec(),
		source:  &fakeDDLSource{},
		catalog: &fakeCatalog{},
		store:   &memStore{},
	}
	classifier := NewAdminClassifier("translicate_ddl_log")
	opts := CoordinatorOptions{
		DDLReplayer: NewDDLReplayer(f.source, f.exec, classifier),
		DMLApplier:  NewDMLApplier(f.exec),
		Sequences:   NewSequenceSynchronizer(f.catalog, f.exec, time.Minute),
		Store:       f.store,
		DDLLogTable: "translicate_ddl_log",
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.coord = NewCoordinator(opts)
	return f
}

func insertChange(table string, id int) wal.RowChange {
	return wal.RowChange{
		Kind:         wal.KindInsert,
		Schema:       "public",
		Table:        table,
		ColumnNames:  []string{"id"},
		ColumnValues: []any{id},
	}
}

func changeSet(changes ...wal.RowChange) *wal.ChangeSet {
	return &wal.ChangeSet{Changes: changes}
}

func TestProcessMessageAppliesDDLBeforeRows(t *testing.T) {
	f := newCoordFixture(nil)
	f.source.entries = []DDLLogEntry{
		{LSN: 10, Statement: "ALTER TABLE todos ADD COLUMN done boolean"},
	}

	// The row change at LSN 8 arrives after its DDL was logged at 10; the
	// poll must land the DDL first.
	err := f.coord.ProcessMessage(context.Background(), 8, changeSet(insertChange("todos", 1)))
	require.NoError(t, err)

	stmts := f.exec.executed()
	require.Len(t, stmts, 2)
	assert.Equal(t, "ALTER TABLE todos ADD COLUMN done boolean", stmts[0])
	assert.Contains(t, stmts[1], `INSERT INTO "todos"`)
	assert.Equal(t, wal.LSN(10), f.coord.Status().LastAppliedDDL)
	assert.Equal(t, wal.LSN(10), f.store.ddlLSN)
	assert.Zero(t, f.coord.Status().BufferDepth)
}

func TestProcessMessageAppliesWhenLogCaughtUp(t *testing.T) {
	f := newCoordFixture(nil)

	// No pending DDL at all: the change passes through in the same call,
	// via the buffer and an immediate sweep.
	err := f.coord.ProcessMessage(context.Background(), 150, changeSet(insertChange("todos", 1)))
	require.NoError(t, err)

	require.Len(t, f.exec.executed(), 1)
	assert.Zero(t, f.coord.Status().BufferDepth)
	assert.Equal(t, 1, f.store.appends)
	assert.Equal(t, 1, f.store.rewrites)
	assert.Empty(t, f.store.buffer)
}

func TestProcessMessageBuffersWhileDDLFails(t *testing.T) {
	f := newCoordFixture(nil)
	f.exec.failOn("ADD COLUMN")
	f.source.entries = []DDLLogEntry{
		{LSN: 10, Statement: "ALTER TABLE todos ADD COLUMN done boolean"},
	}

	err := f.coord.ProcessMessage(context.Background(), 8, changeSet(insertChange("todos", 1)))
	require.NoError(t, err)

	// Nothing landed: the DDL failed and the row is parked behind it.
	assert.Empty(t, f.exec.executed())
	assert.Equal(t, 1, f.coord.Status().BufferDepth)
	require.Len(t, f.store.buffer, 1)
	assert.Equal(t, wal.LSN(8), f.store.buffer[0].LSN)

	// Next poll retries the same statement; once it succeeds the sweep
	// drains the buffer, DDL first.
	f.exec.heal("ADD COLUMN")
	err = f.coord.ProcessMessage(context.Background(), 11, changeSet())
	require.NoError(t, err)

	stmts := f.exec.executed()
	require.Len(t, stmts, 2)
	assert.Equal(t, "ALTER TABLE todos ADD COLUMN done boolean", stmts[0])
	assert.Contains(t, stmts[1], `INSERT INTO "todos"`)
	assert.Zero(t, f.coord.Status().BufferDepth)
	assert.Empty(t, f.store.buffer)
}

func TestSweepAppliesBufferedInOrder(t *testing.T) {
	f := newCoordFixture(nil)
	f.exec.failOn("ADD COLUMN")
	f.source.entries = []DDLLogEntry{
		{LSN: 10, Statement: "ALTER TABLE a ADD COLUMN x int"},
	}

	require.NoError(t, f.coord.ProcessMessage(context.Background(), 5, changeSet(insertChange("a", 1))))
	require.NoError(t, f.coord.ProcessMessage(context.Background(), 6, changeSet(insertChange("a", 2))))
	assert.Equal(t, 2, f.coord.Status().BufferDepth)

	f.exec.heal("ADD COLUMN")
	require.NoError(t, f.coord.ProcessMessage(context.Background(), 12, changeSet()))

	stmts := f.exec.executed()
	require.Len(t, stmts, 3)
	assert.Equal(t, "ALTER TABLE a ADD COLUMN x int", stmts[0])
	assert.Contains(t, stmts[1], `INSERT INTO "a"`)
	assert.Contains(t, stmts[2], `INSERT INTO "a"`)
	assert.Equal(t, []any{2}, f.exec.lastArgs())
}

func TestSweepRetainsChangesAheadOfFailedDDL(t *testing.T) {
	f := newCoordFixture(nil)
	f.exec.failOn("SECOND")
	f.source.entries = []DDLLogEntry{
		{LSN: 10, Statement: "CREATE TABLE a (id int)"},
		{LSN: 20, Statement: "CREATE TABLE b (id int) -- SECOND"},
	}

	// Replay stops at the failed entry, so both changes wait even though
	// the one at 15 is only blocked by DDL it does not depend on.
	require.NoError(t, f.coord.ProcessMessage(context.Background(), 15, changeSet(insertChange("a", 1))))
	require.NoError(t, f.coord.ProcessMessage(context.Background(), 25, changeSet(insertChange("b", 1))))

	assert.Equal(t, wal.LSN(10), f.coord.Status().LastAppliedDDL)
	assert.Equal(t, 2, f.coord.Status().BufferDepth)

	stmts := f.exec.executed()
	require.Len(t, stmts, 1)
	assert.Equal(t, "CREATE TABLE a (id int)", stmts[0])

	// Healing the DDL releases both, in stream order.
	f.exec.heal("SECOND")
	require.NoError(t, f.coord.ProcessMessage(context.Background(), 30, changeSet()))
	stmts = f.exec.executed()
	require.Len(t, stmts, 4)
	assert.Contains(t, stmts[1], "CREATE TABLE b")
	assert.Contains(t, stmts[2], `INSERT INTO "a"`)
	assert.Contains(t, stmts[3], `INSERT INTO "b"`)
}

func TestProcessMessageDropsDDLLogRows(t *testing.T) {
	f := newCoordFixture(nil)

	err := f.coord.ProcessMessage(context.Background(), 5,
		changeSet(insertChange("translicate_ddl_log", 1)))
	require.NoError(t, err)

	assert.Empty(t, f.exec.executed())
	assert.Zero(t, f.coord.Status().BufferDepth)
}

type tableSetFilter map[string]bool

func (f tableSetFilter) Match(_, table string) bool { return f[table] }

func TestProcessMessageIgnoresFilteredTables(t *testing.T) {
	f := newCoordFixture(func(opts *CoordinatorOptions) {
		opts.IgnoreTables = tableSetFilter{"audit": true}
	})

	err := f.coord.ProcessMessage(context.Background(), 5,
		changeSet(insertChange("audit", 1), insertChange("todos", 1)))
	require.NoError(t, err)

	stmts := f.exec.executed()
	require.Len(t, stmts, 1)
	assert.Contains(t, stmts[0], `INSERT INTO "todos"`)
}

func TestProcessMessageSurvivesDMLFailure(t *testing.T) {
	f := newCoordFixture(nil)
	f.exec.failOn("INSERT")

	err := f.coord.ProcessMessage(context.Background(), 5, changeSet(insertChange("todos", 1)))
	require.NoError(t, err)

	// The change is dropped, not retried: the buffer stays empty and the
	// stream keeps moving.
	assert.Zero(t, f.coord.Status().BufferDepth)
	assert.Empty(t, f.store.buffer)
}

func TestProcessMessageFatalOnSourceError(t *testing.T) {
	f := newCoordFixture(nil)
	f.source.err = errors.New("connection reset")

	err := f.coord.ProcessMessage(context.Background(), 5, changeSet(insertChange("todos", 1)))
	require.Error(t, err)
	assert.Empty(t, f.exec.executed())
}

func TestProcessMessageFatalOnStoreError(t *testing.T) {
	f := newCoordFixture(nil)
	f.exec.failOn("ADD COLUMN")
	f.source.entries = []DDLLogEntry{
		{LSN: 10, Statement: "ALTER TABLE todos ADD COLUMN done boolean"},
	}
	f.store.err = errors.New("disk full")

	err := f.coord.ProcessMessage(context.Background(), 5, changeSet(insertChange("todos", 1)))
	require.Error(t, err)
}

func TestProcessMessageResyncsSequences(t *testing.T) {
	f := newCoordFixture(nil)
	f.catalog.columns = []SequenceColumn{
		{Schema: "public", Table: "todos", Column: "id", Sequence: "todos_id_seq"},
	}

	// No changes, no resync.
	require.NoError(t, f.coord.ProcessMessage(context.Background(), 5, changeSet()))
	assert.Zero(t, f.catalog.calls)

	require.NoError(t, f.coord.ProcessMessage(context.Background(), 6, changeSet(insertChange("todos", 1))))
	assert.Equal(t, 1, f.catalog.calls)

	stmts := f.exec.executed()
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[1], "setval")
}

func TestDDLReplayInvalidatesSequenceCache(t *testing.T) {
	f := newCoordFixture(nil)
	f.catalog.columns = []SequenceColumn{
		{Schema: "public", Table: "todos", Column: "id", Sequence: "todos_id_seq"},
	}

	require.NoError(t, f.coord.ProcessMessage(context.Background(), 5, changeSet(insertChange("todos", 1))))
	assert.Equal(t, 1, f.catalog.calls)

	// New DDL drops the cached catalog, so the next resync rediscovers it.
	f.source.entries = []DDLLogEntry{
		{LSN: 10, Statement: "CREATE TABLE users (id serial PRIMARY KEY)"},
	}
	require.NoError(t, f.coord.ProcessMessage(context.Background(), 12, changeSet(insertChange("todos", 2))))
	assert.Equal(t, 2, f.catalog.calls)
}

type recordingObserver struct {
	lsns   []wal.LSN
	tables []string
}

func (o *recordingObserver) ChangeApplied(lsn wal.LSN, change *wal.RowChange) {
	o.lsns = append(o.lsns, lsn)
	o.tables = append(o.tables, change.Table)
}

func TestObserverSeesAppliedChangesOnly(t *testing.T) {
	obs := &recordingObserver{}
	f := newCoordFixture(func(opts *CoordinatorOptions) {
		opts.Observer = obs
	})
	f.exec.failOn(`"broken"`)

	err := f.coord.ProcessMessage(context.Background(), 5,
		changeSet(insertChange("todos", 1), insertChange("broken", 1)))
	require.NoError(t, err)

	assert.Equal(t, []wal.LSN{5}, obs.lsns)
	assert.Equal(t, []string{"todos"}, obs.tables)
}

func TestCoordinatorResumesFromPersistedState(t *testing.T) {
	f := newCoordFixture(func(opts *CoordinatorOptions) {
		opts.ResumeDDLLSN = 10
		opts.ResumeBuffer = []wal.BufferedChange{
			{LSN: 8, Change: insertChange("todos", 1)},
		}
	})

	assert.Equal(t, wal.LSN(10), f.coord.Status().LastAppliedDDL)
	assert.Equal(t, 1, f.coord.Status().BufferDepth)

	// First message sweeps the recovered buffer.
	require.NoError(t, f.coord.ProcessMessage(context.Background(), 12, changeSet()))
	require.Len(t, f.exec.executed(), 1)
	assert.Contains(t, f.exec.executed()[0], `INSERT INTO "todos"`)
	assert.Zero(t, f.coord.Status().BufferDepth)
}
