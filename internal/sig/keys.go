package sig

import (
	"crypto/ecdsa"
	"crypto/elliptic"

	"github.com/btcsuite/btcd/btcec/v2"
)

// CompressPublicKey returns pub in compressed SEC1 form (33 bytes). It takes
// the encodings VerifySignature takes: SEC1 for either curve and PKIX DER for
// P-256. An uncompressed point is matched to the curve it lies on; a
// compressed key is returned as given.
func CompressPublicKey(pub []byte) ([]byte, error) {
	switch {
	case len(pub) == 33 && (pub[0] == 0x02 || pub[0] == 0x03):
		return append([]byte(nil), pub...), nil
	case len(pub) == 65 && pub[0] == 0x04:
		if key, err := ecdsa.ParseUncompressedPublicKey(elliptic.P256(), pub); err == nil {
			return elliptic.MarshalCompressed(key.Curve, key.X, key.Y), nil
		}
		key, err := btcec.ParsePubKey(pub)
		if err != nil {
			return nil, errUnsupportedKey
		}
		return key.SerializeCompressed(), nil
	}

	key, err := parseP256PublicKey(pub)
	if err != nil {
		return nil, errUnsupportedKey
	}
	return elliptic.MarshalCompressed(key.Curve, key.X, key.Y), nil
}
