// Package ids generates record identifiers. IDs are opaque strings; the
// default generator produces a time-based (version 1) UUID serialized as
// 32 hex characters, which sorts roughly by creation time and is unique
// across nodes.
package ids

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// Generator produces a fresh unique id. Backends accept a Generator so tests
// and embedders can substitute deterministic ids.
type Generator func() string

// New returns a time-based UUID as lowercase hex without separators.
func New() string {
	u, err := uuid.NewUUID()
	if err != nil {
		// NewUUID only fails if the clock sequence cannot be read;
		// a random UUID still satisfies the uniqueness contract.
		u = uuid.New()
	}
	return hex.EncodeToString(u[:])
}
