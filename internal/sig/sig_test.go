package sig

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/asn1"
	"encoding/json"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/origin/internal/hashing"
)

func newTestVerifier(t *testing.T, scheme Scheme, measurement []byte) *Verifier {
	t.Helper()
	v, err := NewVerifier(Config{Scheme: scheme, ExpectedMeasurement: measurement})
	require.NoError(t, err)
	return v
}

func newP256(t *testing.T) *P256Signer {
	t.Helper()
	s, err := Generate(ECDSAP256, hashing.Default)
	require.NoError(t, err)
	return s.(*P256Signer)
}

// rawSignature converts a DER signature into fixed-width r||s.
func rawSignature(t *testing.T, der []byte) []byte {
	t.Helper()
	var parsed struct{ R, S *big.Int }
	_, err := asn1.Unmarshal(der, &parsed)
	require.NoError(t, err)
	out := make([]byte, 64)
	parsed.R.FillBytes(out[:32])
	parsed.S.FillBytes(out[32:])
	return out
}

func TestVerifySignature_P256(t *testing.T) {
	v := newTestVerifier(t, ECDSAP256, nil)
	signer := newP256(t)
	msg := []byte("code||raw||data||challenge||ts")

	der, err := signer.Sign(msg)
	require.NoError(t, err)

	pkix, err := x509.MarshalPKIXPublicKey(&signer.PrivateKey().PublicKey)
	require.NoError(t, err)
	pub, err := signer.PrivateKey().PublicKey.ECDH()
	require.NoError(t, err)
	compressed := compressP256(signer.PrivateKey())

	tests := []struct {
		name string
		sig  []byte
		pub  []byte
	}{
		{"der signature, uncompressed key", der, pub.Bytes()},
		{"raw signature, uncompressed key", rawSignature(t, der), signer.PublicKey()},
		{"der signature, pkix key", der, pkix},
		{"der signature, compressed key", der, compressed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := v.VerifySignature(msg, tt.sig, tt.pub)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func compressP256(key *ecdsa.PrivateKey) []byte {
	out := make([]byte, 33)
	out[0] = 0x02 | byte(key.Y.Bit(0))
	key.X.FillBytes(out[1:])
	return out
}

func TestVerifySignature_FailsClosed(t *testing.T) {
	v := newTestVerifier(t, ECDSAP256, nil)
	signer := newP256(t)
	other := newP256(t)
	msg := []byte("message")

	good, err := signer.Sign(msg)
	require.NoError(t, err)

	flipped := append([]byte(nil), good...)
	flipped[len(flipped)-1] ^= 0x01

	tests := []struct {
		name string
		msg  []byte
		sig  []byte
		pub  []byte
	}{
		{"wrong key", msg, good, other.PublicKey()},
		{"tampered message", []byte("messagf"), good, signer.PublicKey()},
		{"flipped signature bit", msg, flipped, signer.PublicKey()},
		{"garbage signature", msg, []byte{0x30, 0x01, 0x02}, signer.PublicKey()},
		{"empty signature", msg, nil, signer.PublicKey()},
		{"short key", msg, good, []byte{0x04, 0x01}},
		{"empty key", msg, good, nil},
		{"zero raw signature", msg, make([]byte, 64), signer.PublicKey()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := v.VerifySignature(tt.msg, tt.sig, tt.pub)
			assert.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestVerifySignature_Secp256k1(t *testing.T) {
	v := newTestVerifier(t, ECDSASecp256k1, nil)
	signer, err := Generate(ECDSASecp256k1, hashing.Default)
	require.NoError(t, err)
	msg := []byte("secp payload")

	der, err := signer.Sign(msg)
	require.NoError(t, err)

	ok, err := v.VerifySignature(msg, der, signer.PublicKey())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.VerifySignature(msg, rawSignature(t, der), signer.PublicKey())
	require.NoError(t, err)
	assert.True(t, ok)

	uncompressed, err := btcec.ParsePubKey(signer.PublicKey())
	require.NoError(t, err)
	ok, err = v.VerifySignature(msg, der, uncompressed.SerializeUncompressed())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.VerifySignature([]byte("other"), der, signer.PublicKey())
	require.NoError(t, err)
	assert.False(t, ok)

	// A P-256 verifier must not accept secp256k1 material.
	p256 := newTestVerifier(t, ECDSAP256, nil)
	ok, err = p256.VerifySignature(msg, der, signer.PublicKey())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifySignature_HasherMustMatch(t *testing.T) {
	blake, err := hashing.New(hashing.BLAKE3)
	require.NoError(t, err)
	signer, err := Generate(ECDSAP256, blake)
	require.NoError(t, err)
	msg := []byte("m")
	s, err := signer.Sign(msg)
	require.NoError(t, err)

	sha := newTestVerifier(t, ECDSAP256, nil)
	ok, err := sha.VerifySignature(msg, s, signer.PublicKey())
	require.NoError(t, err)
	assert.False(t, ok)

	b3, err := NewVerifier(Config{Hasher: blake})
	require.NoError(t, err)
	ok, err = b3.VerifySignature(msg, s, signer.PublicKey())
	require.NoError(t, err)
	assert.True(t, ok)
}

type teeFixture struct {
	signer      *P256Signer
	measurement []byte
	report      []byte
}

func newTEEFixture(t *testing.T) teeFixture {
	t.Helper()
	signer := newP256(t)
	measurement := hashing.Hash([]byte("attestation-engine firmware v1")).Bytes()
	binding := hashing.Hash(signer.PublicKey())
	report, err := json.Marshal(TEEReport{
		Platform:    "sev-snp",
		Measurement: measurement,
		ReportData:  binding.Bytes(),
		SigningKey:  signer.PublicKey(),
	})
	require.NoError(t, err)
	return teeFixture{signer: signer, measurement: measurement, report: report}
}

func TestVerifyTeeAttestation(t *testing.T) {
	fx := newTEEFixture(t)
	v := newTestVerifier(t, ECDSAP256, fx.measurement)
	payload := []byte("challenge record bytes")
	signature, err := fx.signer.Sign(payload)
	require.NoError(t, err)

	res, err := v.VerifyTeeAttestation(fx.report, payload, signature)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, "sev-snp", res.Platform)

	res, err = v.VerifyTeeAttestation(fx.report, []byte("other payload"), signature)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonBadSignature, res.Reason)
}

func TestVerifyTeeAttestation_MeasurementMismatch(t *testing.T) {
	fx := newTEEFixture(t)
	v := newTestVerifier(t, ECDSAP256, hashing.Hash([]byte("other firmware")).Bytes())
	payload := []byte("p")
	signature, err := fx.signer.Sign(payload)
	require.NoError(t, err)

	res, err := v.VerifyTeeAttestation(fx.report, payload, signature)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonMeasurementMismatch, res.Reason)
}

func TestVerifyTeeAttestation_BindingMismatch(t *testing.T) {
	fx := newTEEFixture(t)
	impostor := newP256(t)

	// Report claims the impostor's key but keeps the genuine binding.
	var r TEEReport
	require.NoError(t, json.Unmarshal(fx.report, &r))
	r.SigningKey = impostor.PublicKey()
	report, err := json.Marshal(r)
	require.NoError(t, err)

	v := newTestVerifier(t, ECDSAP256, fx.measurement)
	payload := []byte("p")
	signature, err := impostor.Sign(payload)
	require.NoError(t, err)

	res, err := v.VerifyTeeAttestation(report, payload, signature)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonReportBindingMismatch, res.Reason)
}

func TestVerifyTeeAttestation_Malformed(t *testing.T) {
	fx := newTEEFixture(t)
	v := newTestVerifier(t, ECDSAP256, fx.measurement)

	for _, report := range [][]byte{nil, []byte("not json"), []byte(`{"platform":"sev-snp"}`)} {
		res, err := v.VerifyTeeAttestation(report, []byte("p"), []byte("s"))
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.Equal(t, ReasonMalformedReport, res.Reason)
	}
}

func TestVerifyTeeAttestation_RequiresMeasurement(t *testing.T) {
	fx := newTEEFixture(t)
	v := newTestVerifier(t, ECDSAP256, nil)

	_, err := v.VerifyTeeAttestation(fx.report, []byte("p"), []byte("s"))
	assert.ErrorIs(t, err, ErrNoExpectedMeasurement)
}

func TestCompressPublicKey(t *testing.T) {
	p256 := newP256(t)
	pub := p256.PrivateKey().PublicKey
	compressed := elliptic.MarshalCompressed(pub.Curve, pub.X, pub.Y)
	pkix, err := x509.MarshalPKIXPublicKey(&pub)
	require.NoError(t, err)

	for name, encoded := range map[string][]byte{
		"uncompressed": p256.PublicKey(),
		"compressed":   compressed,
		"pkix":         pkix,
	} {
		got, err := CompressPublicKey(encoded)
		require.NoError(t, err, name)
		assert.Equal(t, compressed, got, name)
	}

	k1, err := Generate(ECDSASecp256k1, hashing.Default)
	require.NoError(t, err)
	parsed, err := btcec.ParsePubKey(k1.PublicKey())
	require.NoError(t, err)
	got, err := CompressPublicKey(parsed.SerializeUncompressed())
	require.NoError(t, err)
	assert.Equal(t, k1.PublicKey(), got)

	_, err = CompressPublicKey([]byte{0x04, 0xaa, 0xbb})
	assert.Error(t, err)
	_, err = CompressPublicKey(append([]byte{0x04}, make([]byte, 64)...))
	assert.Error(t, err, "the zero point lies on neither curve")
}

func TestParseScheme(t *testing.T) {
	s, err := ParseScheme("")
	require.NoError(t, err)
	assert.Equal(t, ECDSAP256, s)

	s, err = ParseScheme("secp256k1")
	require.NoError(t, err)
	assert.Equal(t, ECDSASecp256k1, s)

	_, err = ParseScheme("rsa-pss")
	assert.Error(t, err)

	_, err = NewVerifier(Config{Scheme: "ed448"})
	assert.Error(t, err)
}

func TestCryptoFailure_Error(t *testing.T) {
	err := &CryptoFailure{Op: "verify ecdsa-p256", Cause: "boom"}
	assert.Equal(t, "crypto failure during verify ecdsa-p256: boom", err.Error())
}

func TestP256Key_WriteLoad(t *testing.T) {
	signer := newP256(t)
	path := filepath.Join(t.TempDir(), "device.pem")

	require.NoError(t, WriteP256Key(path, signer.PrivateKey()))

	loaded, err := LoadP256Key(path)
	require.NoError(t, err)
	assert.True(t, loaded.Equal(signer.PrivateKey()))

	_, err = LoadP256Key(filepath.Join(t.TempDir(), "missing.pem"))
	assert.Error(t, err)
}
