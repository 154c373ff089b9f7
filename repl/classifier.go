package repl

import "strings"

// AdminClassifier decides whether a DDL statement is administrative noise
// that must not be mirrored to the replica: statements touching the DDL
// capture table itself, or publication/subscription management.
//
// Detection is a substring heuristic over the statement text. wal2json and
// the event trigger that feeds the DDL log hand us raw SQL, not structured
// metadata, so text matching is all we have. Keeping it behind one named
// predicate makes the heuristic testable and replaceable.
type AdminClassifier struct {
	ddlLogTable string
}

// NewAdminClassifier builds a classifier for the given DDL log table name.
func NewAdminClassifier(ddlLogTable string) *AdminClassifier {
	return &AdminClassifier{ddlLogTable: strings.ToLower(ddlLogTable)}
}

// IsAdministrative reports whether the statement must be skipped on the
// replica. Skipped statements still advance the replay high-water mark.
func (c *AdminClassifier) IsAdministrative(statement string) bool {
	s := strings.ToLower(statement)
	if c.ddlLogTable != "" && strings.Contains(s, c.ddlLogTable) {
		return true
	}
	return strings.Contains(s, "publication") || strings.Contains(s, "subscription")
}
