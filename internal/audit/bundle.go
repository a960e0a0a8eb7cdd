package audit

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"time"

	"github.com/majorcontext/origin/internal/hashing"
)

// BundleVersion is the current proof bundle format version.
const BundleVersion = 1

// ProofBundle is a portable, self-contained copy of a ledger that can be
// checked without the original database.
type ProofBundle struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	LastHash  string    `json:"last_hash"`
	Entries   []*Entry  `json:"entries"`
	Seal      *Seal     `json:"seal,omitempty"`
}

// Seal is the ledger key's signature over a bundle's chain head. Without it
// a bundle only proves it is consistent with itself, since every entry hash
// can be recomputed by whoever edits it.
type Seal struct {
	Sequence   uint64           `json:"seq"`
	LastHash   string           `json:"last_hash"`
	MerkleRoot hashing.Digest   `json:"merkle_root"`
	Timestamp  time.Time        `json:"timestamp"`
	PublicKey  hashing.HexBytes `json:"public_key"`
	Signature  hashing.HexBytes `json:"signature"`
}

// message is Hash(u64be(seq) || u64be(unix nanos) || last_hash || merkle_root).
func (s *Seal) message() []byte {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], s.Sequence)
	binary.BigEndian.PutUint64(buf[8:], uint64(s.Timestamp.UnixNano())) //nolint:gosec // timestamps are after 1970
	d := hashing.Default.Concat(buf[:], []byte(s.LastHash), s.MerkleRoot[:])
	return d[:]
}

// Verify checks the seal's signature under its own public key.
func (s *Seal) Verify() bool {
	return VerifySignature(s.PublicKey, s.message(), s.Signature)
}

// Export builds a proof bundle of the whole ledger. A non-nil signer seals it.
func (s *Store) Export(signer *Signer) (*ProofBundle, error) {
	entries, err := s.All()
	if err != nil {
		return nil, err
	}
	b := &ProofBundle{
		Version:   BundleVersion,
		CreatedAt: s.now(),
		LastHash:  s.LastHash(),
		Entries:   entries,
	}
	if signer != nil {
		seal := &Seal{
			Sequence:   uint64(len(entries)),
			LastHash:   b.LastHash,
			MerkleRoot: MerkleRoot(entries),
			Timestamp:  b.CreatedAt,
			PublicKey:  hashing.HexBytes(signer.PublicKey()),
		}
		seal.Signature = signer.Sign(seal.message())
		b.Seal = seal
	}
	return b, nil
}

// Verify checks the bundle offline. With a trusted key the bundle must carry
// a seal made by that key; without one, a seal that is present is still
// checked and reported in Result.SealedBy.
func (b *ProofBundle) Verify(trusted ed25519.PublicKey) *Result {
	result := verifyEntries(b.Entries, b.LastHash)
	if !result.Valid {
		return result
	}
	if b.Seal == nil {
		if trusted != nil {
			return result.fail("bundle is not sealed")
		}
		return result
	}

	seal := b.Seal
	if trusted != nil && !bytes.Equal(seal.PublicKey, trusted) {
		return result.fail("bundle sealed by %s, not the trusted key", seal.PublicKey)
	}
	if seal.Sequence != result.EntryCount || seal.LastHash != b.LastHash || seal.MerkleRoot != result.MerkleRoot {
		return result.fail("seal does not cover this chain: sealed at seq %d", seal.Sequence)
	}
	if !seal.Verify() {
		return result.fail("invalid seal signature")
	}
	result.SealedBy = seal.PublicKey.String()
	return result
}
