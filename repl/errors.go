package repl

import "errors"

var (
	// ErrMissingIdentityKeys means an update or delete carried no old-key
	// columns, so the target row cannot be identified deterministically.
	// The change is dropped and logged.
	ErrMissingIdentityKeys = errors.New("change has no identity key columns")

	// ErrUnsupportedOperation means a change-set entry carried a kind
	// outside insert/update/delete. The change is dropped and logged.
	ErrUnsupportedOperation = errors.New("unsupported change operation")

	// ErrDDLApply wraps a DDL statement failure on the replica. Replay
	// stops at the failing entry; the same statement is retried verbatim
	// on the next poll.
	ErrDDLApply = errors.New("ddl apply failed")

	// ErrMalformedChange means a change's parallel name/value lists do not
	// line up, so bindings cannot be trusted.
	ErrMalformedChange = errors.New("malformed change")
)
