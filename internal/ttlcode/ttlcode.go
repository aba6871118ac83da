// Package ttlcode encodes run identity into a single sorted-set member so
// the expiry scan can act on a run when its deadline passes without a
// secondary lookup.
package ttlcode

import (
	"errors"
	"fmt"
	"strings"
)

// Delimiter is the ASCII Record Separator. It cannot appear in any valid
// identifier, which is what makes the encoding reversible.
const Delimiter = "\x1e"

// ErrDelimiter is returned when a field contains the delimiter byte.
var ErrDelimiter = errors.New("identifier contains reserved delimiter")

// ErrMalformed is returned when a member string does not decode into
// exactly three fields.
var ErrMalformed = errors.New("malformed ttl member")

// Member identifies a queued run with an absolute deadline: enough to
// remove it from its pending set and expire it.
type Member struct {
	RunID    string
	QueueKey string
	OrgID    string
}

// Encode renders the member as a delimited string. Empty fields and fields
// containing the delimiter are rejected at construction.
func Encode(m Member) (string, error) {
	for _, f := range []string{m.RunID, m.QueueKey, m.OrgID} {
		if f == "" {
			return "", fmt.Errorf("encode ttl member: empty field")
		}
		if strings.Contains(f, Delimiter) {
			return "", fmt.Errorf("encode ttl member %q: %w", f, ErrDelimiter)
		}
	}
	return m.RunID + Delimiter + m.QueueKey + Delimiter + m.OrgID, nil
}

// Decode parses a member string produced by Encode.
func Decode(s string) (Member, error) {
	parts := strings.Split(s, Delimiter)
	if len(parts) != 3 {
		return Member{}, fmt.Errorf("decode %q: %w", s, ErrMalformed)
	}
	return Member{RunID: parts[0], QueueKey: parts[1], OrgID: parts[2]}, nil
}
