package wal

import (
	"encoding/json"
	"fmt"
)

// ChangeKind is the row operation carried by a decoded WAL change.
type ChangeKind string

const (
	KindInsert ChangeKind = "insert"
	KindUpdate ChangeKind = "update"
	KindDelete ChangeKind = "delete"
)

// OldKeys identifies the pre-image row for updates and deletes.
// KeyValues is parallel to KeyNames.
type OldKeys struct {
	KeyNames  []string `json:"keynames"`
	KeyValues []any    `json:"keyvalues"`
}

// RowChange is one decoded row mutation from a wal2json message.
// ColumnValues is parallel to ColumnNames. Immutable once decoded.
type RowChange struct {
	Kind         ChangeKind `json:"kind"`
	Schema       string     `json:"schema"`
	Table        string     `json:"table"`
	ColumnNames  []string   `json:"columnnames"`
	ColumnValues []any      `json:"columnvalues"`
	OldKeys      *OldKeys   `json:"oldkeys,omitempty"`
}

// ChangeSet is the payload of one wal2json WAL message.
type ChangeSet struct {
	Changes []RowChange `json:"change"`
}

// BufferedChange is a row change held back because its LSN is ahead of the
// last applied DDL. Buffer order is arrival order.
type BufferedChange struct {
	LSN    LSN       `msgpack:"lsn"`
	Change RowChange `msgpack:"change"`
}

// DecodeChangeSet parses one wal2json message payload.
func DecodeChangeSet(payload []byte) (*ChangeSet, error) {
	var set ChangeSet
	if err := json.Unmarshal(payload, &set); err != nil {
		return nil, fmt.Errorf("failed to decode wal2json payload: %w", err)
	}
	return &set, nil
}
