package repl

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/translicate/translicate/wal"
)

// fakeExec records executed statements and can be told to fail matching
// statements.
type fakeExec struct {
	mu    sync.Mutex
	stmts []string
	args  [][]any

	// failContains makes Exec fail for any statement containing the
	// substring. Cleared entries stop failing.
	failContains map[string]error
}

func newFakeExec() *fakeExec {
	return &fakeExec{failContains: map[string]error{}}
}

func (f *fakeExec) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for substr, err := range f.failContains {
		if strings.Contains(sql, substr) {
			return pgconn.CommandTag{}, err
		}
	}
	f.stmts = append(f.stmts, sql)
	f.args = append(f.args, args)
	return pgconn.NewCommandTag("OK"), nil
}

func (f *fakeExec) failOn(substr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failContains[substr] = fmt.Errorf("forced failure on %q", substr)
}

func (f *fakeExec) heal(substr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failContains, substr)
}

func (f *fakeExec) executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.stmts...)
}

func (f *fakeExec) lastArgs() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.args) == 0 {
		return nil
	}
	return f.args[len(f.args)-1]
}

// fakeDDLSource serves a fixed, ordered DDL log.
type fakeDDLSource struct {
	entries []DDLLogEntry
	err     error
	calls   int
}

func (s *fakeDDLSource) EntriesSince(_ context.Context, since wal.LSN) ([]DDLLogEntry, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	var out []DDLLogEntry
	for _, e := range s.entries {
		if e.LSN > since {
			out = append(out, e)
		}
	}
	return out, nil
}

// fakeCatalog serves a fixed sequence catalog and counts discoveries.
type fakeCatalog struct {
	columns []SequenceColumn
	err     error
	calls   int
}

func (c *fakeCatalog) SequenceColumns(context.Context) ([]SequenceColumn, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.columns, nil
}

// memStore is an in-memory StateStore.
type memStore struct {
	ddlLSN   wal.LSN
	ackLSN   wal.LSN
	buffer   []wal.BufferedChange
	appends  int
	rewrites int
	err      error
}

func (m *memStore) SetLastAppliedDDL(lsn wal.LSN) error {
	if m.err != nil {
		return m.err
	}
	m.ddlLSN = lsn
	return nil
}

func (m *memStore) SetLastAcked(lsn wal.LSN) error {
	if m.err != nil {
		return m.err
	}
	m.ackLSN = lsn
	return nil
}

func (m *memStore) AppendBuffered(change wal.BufferedChange) error {
	if m.err != nil {
		return m.err
	}
	m.appends++
	m.buffer = append(m.buffer, change)
	return nil
}

func (m *memStore) ReplaceBuffer(buffer []wal.BufferedChange) error {
	if m.err != nil {
		return m.err
	}
	m.rewrites++
	m.buffer = append([]wal.BufferedChange{}, buffer...)
	return nil
}
