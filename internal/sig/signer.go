package sig

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/majorcontext/origin/internal/hashing"
)

// Signer produces signatures verifiable by a Verifier with the same scheme
// and hasher. Real devices sign inside a secure element; these signers back
// the device simulator and tests.
type Signer interface {
	Scheme() Scheme
	PublicKey() []byte
	Sign(message []byte) ([]byte, error)
}

// Generate creates a signer with a fresh key for scheme.
func Generate(scheme Scheme, hasher hashing.Hasher) (Signer, error) {
	switch scheme {
	case ECDSASecp256k1:
		key, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, fmt.Errorf("generating secp256k1 key: %w", err)
		}
		return &Secp256k1Signer{key: key, hasher: hasher}, nil
	default:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generating P-256 key: %w", err)
		}
		return NewP256Signer(key, hasher), nil
	}
}

// P256Signer signs with an ECDSA P-256 key, emitting ASN.1 DER signatures.
type P256Signer struct {
	key    *ecdsa.PrivateKey
	hasher hashing.Hasher
}

// NewP256Signer wraps key.
func NewP256Signer(key *ecdsa.PrivateKey, hasher hashing.Hasher) *P256Signer {
	return &P256Signer{key: key, hasher: hasher}
}

func (s *P256Signer) Scheme() Scheme { return ECDSAP256 }

// PrivateKey returns the underlying key.
func (s *P256Signer) PrivateKey() *ecdsa.PrivateKey { return s.key }

// PublicKey returns the uncompressed SEC1 public key (65 bytes).
func (s *P256Signer) PublicKey() []byte {
	pub, err := s.key.PublicKey.ECDH()
	if err != nil {
		return nil
	}
	return pub.Bytes()
}

func (s *P256Signer) Sign(message []byte) ([]byte, error) {
	digest := s.hasher.Hash(message)
	return ecdsa.SignASN1(rand.Reader, s.key, digest[:])
}

// Secp256k1Signer signs with a secp256k1 key, emitting DER signatures.
type Secp256k1Signer struct {
	key    *btcec.PrivateKey
	hasher hashing.Hasher
}

func (s *Secp256k1Signer) Scheme() Scheme { return ECDSASecp256k1 }

// PublicKey returns the compressed SEC1 public key (33 bytes).
func (s *Secp256k1Signer) PublicKey() []byte {
	return s.key.PubKey().SerializeCompressed()
}

func (s *Secp256k1Signer) Sign(message []byte) ([]byte, error) {
	digest := s.hasher.Hash(message)
	return btcecdsa.Sign(s.key, digest[:]).Serialize(), nil
}

// LoadP256Key reads a PEM-encoded P-256 private key ("EC PRIVATE KEY" or
// PKCS#8 "PRIVATE KEY").
func LoadP256Key(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key %q: %w", path, err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("key %q: no PEM block found", path)
	}

	var key *ecdsa.PrivateKey
	switch block.Type {
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", path, err)
		}
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", path, err)
		}
		var ok bool
		key, ok = parsed.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key %q: must be ECDSA P-256", path)
		}
	default:
		return nil, fmt.Errorf("key %q: unsupported PEM type %q", path, block.Type)
	}

	if key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("key %q: must be ECDSA P-256, got %s", path, key.Curve.Params().Name)
	}
	return key, nil
}

// WriteP256Key writes key to path as a PEM "EC PRIVATE KEY" with mode 0600.
func WriteP256Key(path string, key *ecdsa.PrivateKey) error {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshaling key: %w", err)
	}
	block := &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return fmt.Errorf("saving key: %w", err)
	}
	return nil
}
