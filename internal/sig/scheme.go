// Package sig verifies device and TEE signatures.
//
// All verification is fail-closed: malformed keys or signatures report
// "not verified" rather than an error. Only faults inside the underlying
// crypto libraries surface as a *CryptoFailure.
package sig

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// Scheme names a supported signature scheme.
type Scheme string

const (
	// ECDSAP256 is ECDSA over NIST P-256, as produced by ATECC608A-class
	// secure elements.
	ECDSAP256 Scheme = "ecdsa-p256"
	// ECDSASecp256k1 is ECDSA over secp256k1.
	ECDSASecp256k1 Scheme = "ecdsa-secp256k1"
)

// rawSignatureSize is the length of a fixed-width r||s signature for the
// 256-bit curves supported here.
const rawSignatureSize = 64

var errUnsupportedKey = errors.New("unsupported public key encoding")

// ParseScheme resolves a configured scheme id. The empty string selects ECDSAP256.
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(strings.ToLower(strings.TrimSpace(s))) {
	case "", ECDSAP256, "p256", "es256":
		return ECDSAP256, nil
	case ECDSASecp256k1, "secp256k1", "es256k":
		return ECDSASecp256k1, nil
	default:
		return "", fmt.Errorf("unsupported signature scheme %q", s)
	}
}

// CryptoFailure reports a fault inside a crypto library, distinct from a
// signature that simply did not verify.
type CryptoFailure struct {
	Op    string
	Cause any
}

func (e *CryptoFailure) Error() string {
	return fmt.Sprintf("crypto failure during %s: %v", e.Op, e.Cause)
}

// parseP256PublicKey accepts SEC1 (compressed or uncompressed) or PKIX DER.
func parseP256PublicKey(pub []byte) (*ecdsa.PublicKey, error) {
	curve := elliptic.P256()
	switch {
	case len(pub) == 65 && pub[0] == 0x04:
		return ecdsa.ParseUncompressedPublicKey(curve, pub)
	case len(pub) == 33 && (pub[0] == 0x02 || pub[0] == 0x03):
		x, y := elliptic.UnmarshalCompressed(curve, pub)
		if x == nil {
			return nil, errUnsupportedKey
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	}

	parsed, err := x509.ParsePKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*ecdsa.PublicKey)
	if !ok || key.Curve != curve {
		return nil, errUnsupportedKey
	}
	return key, nil
}

func verifyP256(pub, digest, signature []byte) bool {
	key, err := parseP256PublicKey(pub)
	if err != nil {
		return false
	}
	if len(signature) == rawSignatureSize {
		r := new(big.Int).SetBytes(signature[:32])
		s := new(big.Int).SetBytes(signature[32:])
		return ecdsa.Verify(key, digest, r, s)
	}
	return ecdsa.VerifyASN1(key, digest, signature)
}

func verifySecp256k1(pub, digest, signature []byte) bool {
	key, err := btcec.ParsePubKey(pub)
	if err != nil {
		return false
	}

	var parsed *btcecdsa.Signature
	if len(signature) == rawSignatureSize {
		var r, s btcec.ModNScalar
		if overflow := r.SetByteSlice(signature[:32]); overflow || r.IsZero() {
			return false
		}
		if overflow := s.SetByteSlice(signature[32:]); overflow || s.IsZero() {
			return false
		}
		parsed = btcecdsa.NewSignature(&r, &s)
	} else {
		parsed, err = btcecdsa.ParseDERSignature(signature)
		if err != nil {
			return false
		}
	}
	return parsed.Verify(digest, key)
}
