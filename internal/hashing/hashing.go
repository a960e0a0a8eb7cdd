// Package hashing provides the content digests used throughout origin.
//
// Every hash in the attestation pipeline (raw sensor bytes, processed output,
// program code, batches, HashPath links) goes through a Hasher so that the
// whole verifier agrees on one algorithm.
package hashing

import (
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	sha256 "github.com/minio/sha256-simd"
	"github.com/multiformats/go-multihash"
	"golang.org/x/crypto/sha3"
	"lukechampine.com/blake3"
)

// Size is the length of every digest in bytes.
const Size = 32

// ErrInvalidDigest is returned when a digest cannot be decoded.
var ErrInvalidDigest = errors.New("invalid digest")

// Digest is a 32-byte content hash.
type Digest [Size]byte

// String returns the lowercase hex encoding of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Bytes returns a copy of the digest as a slice.
func (d Digest) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, d[:])
	return b
}

// IsZero reports whether the digest is all zero bytes.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// MarshalText encodes the digest as hex (used by encoding/json).
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText decodes a hex digest, with or without a 0x prefix.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDigest decodes a 64-character hex string. A leading "0x" is accepted.
func ParseDigest(s string) (Digest, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, fmt.Errorf("%w: %v", ErrInvalidDigest, err)
	}
	return DigestFromBytes(b)
}

// DigestFromBytes copies b into a Digest. b must be exactly Size bytes.
func DigestFromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != Size {
		return d, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidDigest, Size, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// Algorithm names a supported digest function.
type Algorithm string

const (
	SHA256   Algorithm = "sha256"
	SHA3_256 Algorithm = "sha3-256"
	BLAKE3   Algorithm = "blake3"
)

// ParseAlgorithm resolves a configured algorithm id. The empty string
// selects SHA256.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(s))) {
	case "", SHA256, "sha2-256":
		return SHA256, nil
	case SHA3_256:
		return SHA3_256, nil
	case BLAKE3:
		return BLAKE3, nil
	default:
		return "", fmt.Errorf("unsupported hash function %q", s)
	}
}

// Hasher computes digests with a fixed algorithm. The zero value uses SHA256.
type Hasher struct {
	alg Algorithm
}

// Default is the SHA-256 hasher used by the package-level helpers.
var Default = Hasher{alg: SHA256}

// New returns a Hasher for alg.
func New(alg Algorithm) (Hasher, error) {
	parsed, err := ParseAlgorithm(string(alg))
	if err != nil {
		return Hasher{}, err
	}
	return Hasher{alg: parsed}, nil
}

// Algorithm returns the hasher's algorithm.
func (h Hasher) Algorithm() Algorithm {
	if h.alg == "" {
		return SHA256
	}
	return h.alg
}

func (h Hasher) newHash() hash.Hash {
	switch h.Algorithm() {
	case SHA3_256:
		return sha3.New256()
	case BLAKE3:
		return blake3.New(Size, nil)
	default:
		return sha256.New()
	}
}

// Hash returns the digest of b.
func (h Hasher) Hash(b []byte) Digest {
	switch h.Algorithm() {
	case SHA3_256:
		return sha3.Sum256(b)
	case BLAKE3:
		return blake3.Sum256(b)
	default:
		return sha256.Sum256(b)
	}
}

// Concat returns the digest of the concatenation of parts, in order.
func (h Hasher) Concat(parts ...[]byte) Digest {
	w := h.newHash()
	for _, p := range parts {
		w.Write(p)
	}
	var d Digest
	copy(d[:], w.Sum(nil))
	return d
}

// Combine returns Hash(d[0] || d[1] || ... ). Order is significant.
func (h Hasher) Combine(digests ...Digest) Digest {
	w := h.newHash()
	for i := range digests {
		w.Write(digests[i][:])
	}
	var d Digest
	copy(d[:], w.Sum(nil))
	return d
}

// Multihash encodes d as a self-describing multihash in base58.
func (h Hasher) Multihash(d Digest) (string, error) {
	var code uint64
	switch h.Algorithm() {
	case SHA3_256:
		code = multihash.SHA3_256
	case BLAKE3:
		code = multihash.BLAKE3
	default:
		code = multihash.SHA2_256
	}
	mh, err := multihash.Encode(d[:], code)
	if err != nil {
		return "", fmt.Errorf("encoding multihash: %w", err)
	}
	return multihash.Multihash(mh).B58String(), nil
}

// Hash returns the SHA-256 digest of b.
func Hash(b []byte) Digest {
	return Default.Hash(b)
}

// Combine returns SHA-256(d[0] || d[1] || ...).
func Combine(digests ...Digest) Digest {
	return Default.Combine(digests...)
}

// HexBytes is a byte slice that encodes as hex text in JSON and YAML.
type HexBytes []byte

// String returns the lowercase hex encoding.
func (b HexBytes) String() string {
	return hex.EncodeToString(b)
}

// MarshalText implements encoding.TextMarshaler.
func (b HexBytes) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(b)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. A leading "0x" is accepted.
func (b *HexBytes) UnmarshalText(text []byte) error {
	s := strings.TrimPrefix(strings.TrimSpace(string(text)), "0x")
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("decoding hex: %w", err)
	}
	*b = decoded
	return nil
}
