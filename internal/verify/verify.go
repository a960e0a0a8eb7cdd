// Package verify runs the attestation verification pipeline: it decides
// whether a signed sensor packet answers an authentic, correctly ordered
// challenge and was signed by the device running the expected code.
//
// Steps run in a fixed order and the first failure ends verification:
//
//  1. fetch the challenge record named by the packet
//  2. check the TEE signature over the record
//  3. check the record's HashPath against the engine's message log
//  4. compare the packet challenge with the record
//  5. compare the packet code hash with the record
//  6. check that hashes in the packet match the data it carries
//  7. check the device signature, then the registry if one is configured
//  8. check challenge, block and reading time ordering
package verify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/majorcontext/origin/internal/attest"
	"github.com/majorcontext/origin/internal/challenge"
	"github.com/majorcontext/origin/internal/hashing"
	"github.com/majorcontext/origin/internal/hashpath"
	"github.com/majorcontext/origin/internal/id"
	"github.com/majorcontext/origin/internal/log"
	"github.com/majorcontext/origin/internal/registry"
	"github.com/majorcontext/origin/internal/sig"
	"github.com/majorcontext/origin/internal/temporal"
)

// BlockSource resolves a block height to its canonical timestamp.
type BlockSource interface {
	BlockTime(ctx context.Context, height uint64) (time.Time, error)
}

// Options configures a Verifier. Records, Messages, Blocks and Signatures are
// required.
type Options struct {
	Records    challenge.Source
	Messages   hashpath.MessageFetcher
	Blocks     BlockSource
	Signatures *sig.Verifier
	Hasher     hashing.Hasher

	// Registry, when set, is consulted after the device signature checks out.
	Registry registry.Registry

	// MaxFreshnessWindow bounds the time between challenge issuance and the
	// reading. Required.
	MaxFreshnessWindow time.Duration

	// HashPathConcurrency fetches HashPath messages in parallel when > 1.
	HashPathConcurrency int
}

// Verifier verifies attestation packets. It holds no per-packet state and is
// safe for concurrent use.
type Verifier struct {
	opts Options
}

// New creates a Verifier.
func New(opts Options) (*Verifier, error) {
	switch {
	case opts.Records == nil:
		return nil, errors.New("verify: no challenge record source")
	case opts.Messages == nil:
		return nil, errors.New("verify: no message fetcher")
	case opts.Blocks == nil:
		return nil, errors.New("verify: no block source")
	case opts.Signatures == nil:
		return nil, errors.New("verify: no signature verifier")
	case opts.MaxFreshnessWindow <= 0:
		return nil, temporal.ErrWindowRequired
	}
	return &Verifier{opts: opts}, nil
}

// Verify checks p. A rejected packet yields a Result with Verified false and
// a nil error; an error (an *InfrastructureError) means verification could
// not be completed.
func (v *Verifier) Verify(ctx context.Context, p *attest.Packet) (*Result, error) {
	if p == nil {
		return nil, &InfrastructureError{Step: StepPacket, Err: errors.New("nil packet")}
	}
	res := &Result{ProcessID: p.AEProcessID, Slot: p.AESlot}
	logger := log.Verification(id.Generate("vfy"), p.AEProcessID, p.AESlot)

	verdict, err := v.run(ctx, p, res, logger.Debug)
	if err != nil {
		logger.Warn("verification incomplete", "error", err)
		return nil, err
	}
	if verdict.Verified {
		logger.Info("packet verified", "block_height", verdict.BlockHeight)
	} else {
		logger.Info("packet rejected", "step", verdict.FailedStep, "reason", verdict.Reason)
	}
	return verdict, nil
}

func (v *Verifier) run(ctx context.Context, p *attest.Packet, res *Result, debug func(string, ...any)) (*Result, error) {
	infra := func(step Step, err error) (*Result, error) {
		return nil, &InfrastructureError{Step: step, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return infra(StepPacket, err)
	}
	if err := p.Validate(); err != nil {
		return res.reject(StepPacket, ReasonMalformedPacket, "error", err.Error()), nil
	}

	// 1. Challenge record.
	rec, err := v.opts.Records.FetchChallengeRecord(ctx, p.AEProcessID, p.AESlot)
	if errors.Is(err, challenge.ErrNotFound) {
		return res.reject(StepFetchRecord, ReasonChallengeNotFound), nil
	}
	if err != nil {
		return infra(StepFetchRecord, err)
	}
	if rec.Slot != p.AESlot {
		return infra(StepFetchRecord, fmt.Errorf("engine returned record for slot %d", rec.Slot))
	}
	debug("fetched challenge record", "block_height", rec.BlockHeight, "issued_at", rec.IssuedAt)

	// 2. TEE signature over the record.
	tee, err := v.opts.Signatures.VerifyTeeAttestation(rec.TEEReport, rec.SignedBytes(), rec.TEESignature)
	if err != nil {
		return infra(StepTEESignature, err)
	}
	if !tee.Valid {
		return res.reject(StepTEESignature, ReasonTEESignatureInvalid, "tee_reason", tee.Reason), nil
	}
	debug("tee signature valid", "platform", tee.Platform)

	// 3. HashPath.
	hp, err := hashpath.Verify(ctx, p.AEProcessID, p.AESlot, rec.HashPath, v.opts.Messages,
		hashpath.WithHasher(v.opts.Hasher),
		hashpath.WithConcurrency(v.opts.HashPathConcurrency),
	)
	if err != nil {
		return infra(StepHashPath, err)
	}
	if !hp.Valid {
		details := []string{"hashpath_reason", hp.Reason}
		if hp.Reason == hashpath.ReasonMissingSlot {
			details = append(details, "missing_slot", strconv.FormatUint(hp.Slot, 10))
		}
		return res.reject(StepHashPath, ReasonHashPathInvalid, details...), nil
	}
	debug("hashpath valid", "hashpath", hp.Computed)

	// 4-5. The packet must answer this record's challenge with this record's code.
	if p.Challenge != rec.Challenge {
		return res.reject(StepChallenge, ReasonChallengeMismatch), nil
	}
	if p.CodeHash != rec.CodeHash {
		return res.reject(StepCodeHash, ReasonCodeHashMismatch), nil
	}

	// 6. Payload hashes.
	if reason, detail := v.checkPayload(p); reason != "" {
		return res.reject(StepPayload, reason, detail...), nil
	}

	// 7. Device signature and registry.
	ok, err := v.opts.Signatures.VerifySignature(p.SignedPayload(), p.Signature, p.DevicePublicKey)
	if err != nil {
		return infra(StepDeviceSignature, err)
	}
	if !ok {
		return res.reject(StepDeviceSignature, ReasonDeviceSignatureInvalid), nil
	}
	debug("device signature valid")

	if v.opts.Registry != nil {
		registered, err := v.opts.Registry.IsRegistered(ctx, p.DevicePublicKey)
		if err != nil {
			return infra(StepRegistry, err)
		}
		if !registered {
			return res.reject(StepRegistry, ReasonDeviceNotRegistered, "device", registry.DeviceID(p.DevicePublicKey)), nil
		}
	}

	// 8. Temporal ordering.
	blockTime, err := v.opts.Blocks.BlockTime(ctx, rec.BlockHeight)
	if err != nil {
		return infra(StepTemporal, fmt.Errorf("block %d: %w", rec.BlockHeight, err))
	}
	tr, err := temporal.CheckOrdering(rec.IssuedTime(), blockTime, p.DeviceTime(), v.opts.MaxFreshnessWindow)
	if err != nil {
		return infra(StepTemporal, err)
	}
	if !tr.Valid {
		return res.reject(StepTemporal, tr.Reason, "age", tr.Age.String()), nil
	}

	res.Verified = true
	res.HashPath = hp.Computed
	res.BlockHeight = rec.BlockHeight
	return res, nil
}

// checkPayload recomputes the hashes a packet carries data for.
func (v *Verifier) checkPayload(p *attest.Packet) (string, []string) {
	h := v.opts.Hasher
	if p.IsBatch() {
		for i, r := range p.Readings {
			if len(r.Data) > 0 && h.Hash(r.Data) != r.DataHash {
				return ReasonDataHashMismatch, []string{"reading", strconv.Itoa(i)}
			}
		}
		if attest.BatchHash(h, p.Readings) != p.BatchHash {
			return ReasonBatchHashMismatch, nil
		}
		return "", nil
	}
	if len(p.Data) > 0 && h.Hash(p.Data) != p.DataHash {
		return ReasonDataHashMismatch, nil
	}
	return "", nil
}
