// Package id generates short prefixed identifiers for verifications and
// verifier instances.
package id

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// Generate creates an identifier of the form <prefix>_<12 hex chars>,
// e.g. "vfy_3f9a0c12be44". The hex part is the first 48 bits of a random
// (version 4) UUID, all of which are random.
func Generate(prefix string) string {
	u := uuid.New()
	return prefix + "_" + hex.EncodeToString(u[:6])
}
