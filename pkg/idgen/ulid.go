// Package idgen generates node identifiers.
package idgen

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewNodeID returns a lexically sortable node identifier prefixed with
// "node-". Nodes started later sort after earlier ones.
func NewNodeID() string {
	return "node-" + MustGenerateSortableID()
}

// MustGenerateSortableID returns a new ULID string.
func MustGenerateSortableID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		panic(err)
	}
	return id.String()
}
