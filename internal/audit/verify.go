package audit

import (
	"fmt"

	"github.com/majorcontext/origin/internal/hashing"
)

// Result is the outcome of checking a ledger.
type Result struct {
	Valid      bool           `json:"valid"`
	EntryCount uint64         `json:"entry_count"`
	Verdicts   uint64         `json:"verdicts"`
	Dead       uint64         `json:"dead_letters"`
	MerkleRoot hashing.Digest `json:"merkle_root,omitzero"`
	Error      string         `json:"error,omitempty"`
	// SealedBy is the hex public key of a verified bundle seal.
	SealedBy string `json:"sealed_by,omitempty"`
}

func (r *Result) fail(format string, args ...any) *Result {
	r.Valid = false
	r.Error = fmt.Sprintf(format, args...)
	return r
}

// verifyEntries checks sequence numbers, hash links and entry hashes, and
// that the chain ends at lastHash.
func verifyEntries(entries []*Entry, lastHash string) *Result {
	result := &Result{Valid: true, EntryCount: uint64(len(entries))}
	fail := result.fail

	var prevHash string
	for i, entry := range entries {
		expectedSeq := uint64(i) + FirstSequence //nolint:gosec // i is bounded by slice length
		if entry.Sequence != expectedSeq {
			return fail("sequence gap: expected %d, got %d", expectedSeq, entry.Sequence)
		}
		if entry.PrevHash != prevHash {
			return fail("broken chain at seq %d: prev_hash mismatch", entry.Sequence)
		}
		if !entry.Verify() {
			return fail("invalid hash at seq %d: entry tampered", entry.Sequence)
		}
		switch entry.Type {
		case EntryVerdict:
			result.Verdicts++
		case EntryDeadLetter:
			result.Dead++
		}
		prevHash = entry.Hash
	}
	if prevHash != lastHash {
		return fail("last hash mismatch: chain ends at %q, expected %q", prevHash, lastHash)
	}
	result.MerkleRoot = MerkleRoot(entries)
	return result
}
