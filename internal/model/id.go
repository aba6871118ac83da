package model

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// Friendly id prefixes. Friendly ids cross the API boundary; bare ULIDs
// stay internal to storage keys.
const (
	RunIDPrefix       = "run_"
	WaitpointIDPrefix = "wp_"
	SnapshotIDPrefix  = "snap_"
	BatchIDPrefix     = "batch_"
)

// NewID generates a new ULID string for use as an entity identifier.
// ULIDs sort by creation time, which the run queue relies on for its
// priority tie-break.
func NewID() string {
	return ulid.Make().String()
}

// FriendlyID returns the external form of an internal id.
func FriendlyID(prefix, id string) string {
	return prefix + id
}

// InternalID strips a friendly prefix if present, so handlers accept
// either form of an identifier.
func InternalID(prefix, id string) string {
	return strings.TrimPrefix(id, prefix)
}
