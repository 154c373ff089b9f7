package repl

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/translicate/translicate/wal"
)

func newTestReplayer(source DDLSource, exec Executor) *DDLReplayer {
	return NewDDLReplayer(source, exec, NewAdminClassifier("translicate_ddl_log"))
}

func TestReplayAppliesInOrder(t *testing.T) {
	exec := newFakeExec()
	source := &fakeDDLSource{entries: []DDLLogEntry{
		{LSN: 10, Statement: "CREATE TABLE a (id int)"},
		{LSN: 20, Statement: "ALTER TABLE a ADD COLUMN x int"},
		{LSN: 30, Statement: "CREATE INDEX ON a (x)"},
	}}

	applied, err := newTestReplayer(source, exec).Replay(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, wal.LSN(30), applied)
	assert.Equal(t, []string{
		"CREATE TABLE a (id int)",
		"ALTER TABLE a ADD COLUMN x int",
		"CREATE INDEX ON a (x)",
	}, exec.executed())
}

func TestReplaySkipsAlreadyApplied(t *testing.T) {
	exec := newFakeExec()
	source := &fakeDDLSource{entries: []DDLLogEntry{
		{LSN: 10, Statement: "CREATE TABLE a (id int)"},
		{LSN: 20, Statement: "ALTER TABLE a ADD COLUMN x int"},
	}}

	applied, err := newTestReplayer(source, exec).Replay(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, wal.LSN(20), applied)
	assert.Equal(t, []string{"ALTER TABLE a ADD COLUMN x int"}, exec.executed())
}

func TestReplaySkipsAdministrativeButAdvances(t *testing.T) {
	exec := newFakeExec()
	source := &fakeDDLSource{entries: []DDLLogEntry{
		{LSN: 10, Statement: "ALTER PUBLICATION translicate_pub ADD TABLE a"},
		{LSN: 20, Statement: "CREATE INDEX ON translicate_ddl_log (lsn)"},
	}}

	applied, err := newTestReplayer(source, exec).Replay(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, wal.LSN(20), applied)
	assert.Empty(t, exec.executed())
}

func TestReplayFailStop(t *testing.T) {
	exec := newFakeExec()
	exec.failOn("ADD COLUMN")
	source := &fakeDDLSource{entries: []DDLLogEntry{
		{LSN: 10, Statement: "CREATE TABLE a (id int)"},
		{LSN: 20, Statement: "ALTER TABLE a ADD COLUMN x int"},
		{LSN: 30, Statement: "CREATE INDEX ON a (id)"},
	}}
	replayer := newTestReplayer(source, exec)

	applied, err := replayer.Replay(context.Background(), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDDLApply)
	assert.Equal(t, wal.LSN(10), applied)
	// The entry after the failure must not run.
	assert.Equal(t, []string{"CREATE TABLE a (id int)"}, exec.executed())

	// Once the failure clears, the next pass resumes at the failed entry.
	exec.heal("ADD COLUMN")
	applied, err = replayer.Replay(context.Background(), applied)
	require.NoError(t, err)
	assert.Equal(t, wal.LSN(30), applied)
	assert.Equal(t, []string{
		"CREATE TABLE a (id int)",
		"ALTER TABLE a ADD COLUMN x int",
		"CREATE INDEX ON a (id)",
	}, exec.executed())
}

func TestReplaySourceError(t *testing.T) {
	exec := newFakeExec()
	source := &fakeDDLSource{err: errors.New("connection reset")}

	applied, err := newTestReplayer(source, exec).Replay(context.Background(), 42)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDDLApply)
	assert.Equal(t, wal.LSN(42), applied)
}

func TestReplayEmptyLog(t *testing.T) {
	exec := newFakeExec()
	source := &fakeDDLSource{}

	applied, err := newTestReplayer(source, exec).Replay(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, wal.LSN(7), applied)
	assert.Empty(t, exec.executed())
}
