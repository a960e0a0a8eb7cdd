package verify

import (
	"fmt"

	"github.com/majorcontext/origin/internal/hashing"
	"github.com/majorcontext/origin/internal/temporal"
)

// Step names a stage of the verification pipeline.
type Step string

// Steps in the order they run.
const (
	StepPacket          Step = "packet"
	StepFetchRecord     Step = "fetch-record"
	StepTEESignature    Step = "tee-signature"
	StepHashPath        Step = "hashpath"
	StepChallenge       Step = "challenge"
	StepCodeHash        Step = "code-hash"
	StepPayload         Step = "payload"
	StepDeviceSignature Step = "device-signature"
	StepRegistry        Step = "registry"
	StepTemporal        Step = "temporal"
)

// Steps lists every step in pipeline order. StepRegistry only runs when a
// registry is configured.
var Steps = []Step{
	StepPacket,
	StepFetchRecord,
	StepTEESignature,
	StepHashPath,
	StepChallenge,
	StepCodeHash,
	StepPayload,
	StepDeviceSignature,
	StepRegistry,
	StepTemporal,
}

// Rejection reasons. These strings are surfaced to users as-is.
const (
	ReasonMalformedPacket        = "malformed-packet"
	ReasonChallengeNotFound      = "challenge-not-found"
	ReasonTEESignatureInvalid    = "tee-signature-invalid"
	ReasonHashPathInvalid        = "hashpath-invalid"
	ReasonChallengeMismatch      = "challenge-mismatch"
	ReasonCodeHashMismatch       = "code-hash-mismatch"
	ReasonBatchHashMismatch      = "batch-hash-mismatch"
	ReasonDataHashMismatch       = "data-hash-mismatch"
	ReasonDeviceSignatureInvalid = "device-signature-invalid"
	ReasonDeviceNotRegistered    = "device-not-registered"
	ReasonChallengeBackdated     = temporal.ReasonBackdated
	ReasonReadingBeforeChallenge = temporal.ReasonBeforeChallenge
	ReasonStaleReading           = temporal.ReasonStale
)

// Result is the verdict for one packet. A rejected packet is a normal
// outcome, not an error.
type Result struct {
	Verified   bool              `json:"verified"`
	FailedStep Step              `json:"failed_step,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Details    map[string]string `json:"details,omitempty"`

	ProcessID string `json:"process_id"`
	Slot      uint64 `json:"slot"`

	// Set when Verified, for the caller's audit log.
	HashPath    hashing.Digest `json:"hashpath,omitzero"`
	BlockHeight uint64         `json:"block_height,omitempty"`
}

func (r *Result) reject(step Step, reason string, details ...string) *Result {
	r.Verified = false
	r.FailedStep = step
	r.Reason = reason
	for i := 0; i+1 < len(details); i += 2 {
		if r.Details == nil {
			r.Details = make(map[string]string)
		}
		r.Details[details[i]] = details[i+1]
	}
	return r
}

// InfrastructureError reports that a step could not be checked, as opposed
// to checked and failed. Callers may retry.
type InfrastructureError struct {
	Step Step
	Err  error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("verify %s: %v", e.Step, e.Err)
}

func (e *InfrastructureError) Unwrap() error {
	return e.Err
}
