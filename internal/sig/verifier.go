package sig

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/majorcontext/origin/internal/hashing"
)

// Reasons reported by VerifyTeeAttestation.
const (
	ReasonMalformedReport       = "malformed-report"
	ReasonMeasurementMismatch   = "measurement-mismatch"
	ReasonReportBindingMismatch = "report-binding-mismatch"
	ReasonBadSignature          = "bad-signature"
)

// ErrNoExpectedMeasurement is returned when a TEE report is checked without a
// configured reference measurement.
var ErrNoExpectedMeasurement = errors.New("expected TEE measurement is not configured")

// Config configures a Verifier.
type Config struct {
	// Scheme is the device signature scheme.
	Scheme Scheme
	// TEEScheme is the scheme of the TEE signing key. Defaults to ECDSAP256.
	TEEScheme Scheme
	// Hasher produces the message digest that signatures are computed over.
	Hasher hashing.Hasher
	// ExpectedMeasurement is the reference TEE measurement. Required for
	// VerifyTeeAttestation.
	ExpectedMeasurement []byte
}

// Verifier checks device and TEE signatures. It is safe for concurrent use.
type Verifier struct {
	scheme      Scheme
	teeScheme   Scheme
	hasher      hashing.Hasher
	measurement []byte
}

// NewVerifier creates a Verifier from cfg.
func NewVerifier(cfg Config) (*Verifier, error) {
	scheme, err := ParseScheme(string(cfg.Scheme))
	if err != nil {
		return nil, err
	}
	teeScheme, err := ParseScheme(string(cfg.TEEScheme))
	if err != nil {
		return nil, fmt.Errorf("tee: %w", err)
	}
	return &Verifier{
		scheme:      scheme,
		teeScheme:   teeScheme,
		hasher:      cfg.Hasher,
		measurement: append([]byte(nil), cfg.ExpectedMeasurement...),
	}, nil
}

// Scheme returns the device signature scheme.
func (v *Verifier) Scheme() Scheme {
	return v.scheme
}

// VerifySignature reports whether signature is a valid device signature over
// message under publicKey. Malformed input yields false with a nil error.
func (v *Verifier) VerifySignature(message, signature, publicKey []byte) (bool, error) {
	return v.verify(v.scheme, message, signature, publicKey)
}

func (v *Verifier) verify(scheme Scheme, message, signature, publicKey []byte) (ok bool, err error) {
	if len(signature) == 0 || len(publicKey) == 0 {
		return false, nil
	}

	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = &CryptoFailure{Op: "verify " + string(scheme), Cause: r}
		}
	}()

	digest := v.hasher.Hash(message)
	switch scheme {
	case ECDSASecp256k1:
		return verifySecp256k1(publicKey, digest[:], signature), nil
	default:
		return verifyP256(publicKey, digest[:], signature), nil
	}
}

// TEEReport is the attestation report a trusted execution environment
// publishes alongside its signatures.
type TEEReport struct {
	// Platform identifies the TEE technology, e.g. "sev-snp".
	Platform string `json:"platform"`
	// Measurement is the launch measurement of the firmware and code.
	Measurement hashing.HexBytes `json:"measurement"`
	// ReportData binds the report to SigningKey: it must equal Hash(SigningKey).
	ReportData hashing.HexBytes `json:"report_data"`
	// SigningKey is the public key the TEE signs challenge records with.
	SigningKey hashing.HexBytes `json:"signing_key"`
}

// ParseTEEReport decodes a JSON-encoded report.
func ParseTEEReport(data []byte) (*TEEReport, error) {
	var r TEEReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing TEE report: %w", err)
	}
	if len(r.Measurement) == 0 || len(r.SigningKey) == 0 || len(r.ReportData) == 0 {
		return nil, errors.New("parsing TEE report: missing required fields")
	}
	return &r, nil
}

// TEEResult is the outcome of VerifyTeeAttestation.
type TEEResult struct {
	Valid    bool   `json:"valid"`
	Reason   string `json:"reason,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// VerifyTeeAttestation validates the report's measurement against the
// configured reference, checks that the report vouches for its signing key,
// then verifies signature over signedPayload with that key.
func (v *Verifier) VerifyTeeAttestation(report, signedPayload, signature []byte) (TEEResult, error) {
	if len(v.measurement) == 0 {
		return TEEResult{}, ErrNoExpectedMeasurement
	}

	r, err := ParseTEEReport(report)
	if err != nil {
		return TEEResult{Reason: ReasonMalformedReport}, nil
	}
	result := TEEResult{Platform: r.Platform}

	if subtle.ConstantTimeCompare(r.Measurement, v.measurement) != 1 {
		result.Reason = ReasonMeasurementMismatch
		return result, nil
	}

	binding := v.hasher.Hash(r.SigningKey)
	if subtle.ConstantTimeCompare(r.ReportData, binding[:]) != 1 {
		result.Reason = ReasonReportBindingMismatch
		return result, nil
	}

	ok, err := v.verify(v.teeScheme, signedPayload, signature, r.SigningKey)
	if err != nil {
		return TEEResult{}, err
	}
	if !ok {
		result.Reason = ReasonBadSignature
		return result, nil
	}

	result.Valid = true
	return result, nil
}
