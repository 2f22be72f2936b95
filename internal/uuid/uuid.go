// Package uuid generates and validates the v4 identifiers used for
// idempotency keys, transfer IDs and ledger entries.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a fresh v4 identifier in canonical string form.
func New() string {
	return uuid.New().String()
}

// Validate rejects anything that is not a canonical v4 identifier. The
// authority runs every client-supplied idempotency key through this before
// looking it up, so a malformed key is a permanent rejection rather than a
// row keyed on garbage.
func Validate(s string) error {
	if len(s) != 36 {
		return fmt.Errorf("identifier %q is not in canonical form", s)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("malformed identifier %q: %w", s, err)
	}
	if id.Version() != 4 {
		return fmt.Errorf("identifier %q is version %d, want 4", s, id.Version())
	}
	return nil
}
