package wal

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedLSN is returned when an LSN string cannot be parsed.
// Callers must treat this as fatal for the message being processed:
// a change that cannot be ordered cannot be applied safely.
var ErrMalformedLSN = errors.New("malformed LSN")

// LSN is a position in the primary's write-ahead log. The textual form is
// the two-part hexadecimal "high/low" used by Postgres; internally it is
// (high << 32) | low so positions compare as plain integers.
type LSN uint64

// ParseLSN converts the "high/low" textual form into an LSN.
// "0/0" maps to 0.
func ParseLSN(s string) (LSN, error) {
	high, low, found := strings.Cut(s, "/")
	if !found || strings.Contains(low, "/") {
		return 0, fmt.Errorf("%w: %q", ErrMalformedLSN, s)
	}

	hi, err := strconv.ParseUint(high, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrMalformedLSN, s, err)
	}
	lo, err := strconv.ParseUint(low, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrMalformedLSN, s, err)
	}

	return LSN(hi<<32 | lo), nil
}

// String renders the LSN in the canonical "high/low" form.
// The inverse of ParseLSN: ParseLSN(l.String()) == l for every l.
func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", uint32(l>>32), uint32(l))
}
