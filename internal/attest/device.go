package attest

import (
	"fmt"
	"time"

	"github.com/majorcontext/origin/internal/hashing"
	"github.com/majorcontext/origin/internal/sig"
)

// ChallengeRef identifies the challenge a device embeds in its packets.
type ChallengeRef struct {
	ProcessID string
	Slot      uint64
	Challenge hashing.Digest
}

// Device simulates the device-side pipeline: it hashes its program once and
// signs packets with its key. On real hardware the key lives in a secure
// element.
type Device struct {
	signer   sig.Signer
	hasher   hashing.Hasher
	codeHash hashing.Digest
	now      func() time.Time
}

// NewDevice creates a device running program.
func NewDevice(signer sig.Signer, h hashing.Hasher, program []byte) *Device {
	return &Device{
		signer:   signer,
		hasher:   h,
		codeHash: h.Hash(program),
		now:      time.Now,
	}
}

// SetClock overrides the device clock (for testing).
func (d *Device) SetClock(now func() time.Time) {
	d.now = now
}

// CodeHash returns the hash of the device program.
func (d *Device) CodeHash() hashing.Digest { return d.codeHash }

// PublicKey returns the device public key.
func (d *Device) PublicKey() []byte { return d.signer.PublicKey() }

// Identity returns the identity record for this device.
func (d *Device) Identity(owner string, metadata map[string]string, registeredAt time.Time) DeviceIdentity {
	return DeviceIdentity{
		DevicePublicKey: d.signer.PublicKey(),
		OwnerWallet:     owner,
		Metadata:        metadata,
		RegisteredAt:    registeredAt,
	}
}

// Attest produces a signed single-reading packet.
func (d *Device) Attest(reading SensorReading, ch ChallengeRef) (*Packet, error) {
	p := &Packet{
		CodeHash: d.codeHash,
		RawHash:  reading.RawHash,
		DataHash: reading.DataHash,
		Data:     reading.Data,
	}
	return d.seal(p, ch)
}

// AttestBatch seals acc and produces a signed batch packet.
func (d *Device) AttestBatch(acc *BatchAccumulator, ch ChallengeRef) (*Packet, error) {
	readings, batchHash, err := acc.Seal()
	if err != nil {
		return nil, err
	}
	p := &Packet{
		CodeHash:  d.codeHash,
		BatchHash: batchHash,
		Readings:  readings,
	}
	return d.seal(p, ch)
}

func (d *Device) seal(p *Packet, ch ChallengeRef) (*Packet, error) {
	p.Challenge = ch.Challenge
	p.TimestampDevice = d.now().Unix()
	p.DevicePublicKey = d.signer.PublicKey()
	p.AEProcessID = ch.ProcessID
	p.AESlot = ch.Slot

	signature, err := d.signer.Sign(p.SignedPayload())
	if err != nil {
		return nil, fmt.Errorf("signing packet: %w", err)
	}
	p.Signature = signature
	return p, nil
}
