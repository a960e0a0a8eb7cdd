// Package attest defines the Proof-of-Origin data model: device identities,
// challenge records issued by the attestation engine, sensor readings and the
// signed attestation packets that bind them together.
package attest

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/majorcontext/origin/internal/hashing"
)

// ErrMalformedPacket is returned when a packet cannot be decoded or is
// missing required fields.
var ErrMalformedPacket = errors.New("malformed attestation packet")

// DeviceIdentity is the identity record anchored when a device is provisioned.
// It is never mutated; revocation is recorded by the registry.
type DeviceIdentity struct {
	DevicePublicKey hashing.HexBytes  `json:"device_public_key"`
	OwnerWallet     string            `json:"owner_wallet"`
	Metadata        map[string]string `json:"metadata,omitempty"` // model, batch, sensor_type, device_label
	RegisteredAt    time.Time         `json:"registered_at"`
	Revoked         bool              `json:"revoked,omitempty"`
}

// ChallengeRecord is the attestation engine's record of one issued challenge.
// Records are immutable once created and unique by slot and by challenge.
type ChallengeRecord struct {
	ProcessID     string           `json:"process_id"`
	Slot          uint64           `json:"slot"`
	Challenge     hashing.Digest   `json:"challenge"`
	WalletAddress string           `json:"wallet_address"`
	CodeHash      hashing.Digest   `json:"code_hash"`
	IssuedAt      int64            `json:"issued_at"` // Unix seconds
	BlockHeight   uint64           `json:"block_height"`
	TEESignature  hashing.HexBytes `json:"tee_signature"`
	TEEReport     []byte           `json:"tee_report"`

	// HashPath is the chain value the engine claims for Slot. It travels in
	// the X-HashPath response header rather than the body.
	HashPath hashing.Digest `json:"hashpath,omitzero"`
}

// IssuedTime returns IssuedAt as a time.Time.
func (r *ChallengeRecord) IssuedTime() time.Time {
	return time.Unix(r.IssuedAt, 0).UTC()
}

// SignedBytes returns the canonical bytes the TEE signs:
// challenge || u32(len(wallet)) || wallet || codeHash || u64(issuedAt) || u64(slot) || u64(blockHeight).
// All integers are big endian.
func (r *ChallengeRecord) SignedBytes() []byte {
	buf := make([]byte, 0, hashing.Size*2+4+len(r.WalletAddress)+24)
	buf = append(buf, r.Challenge[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.WalletAddress))) //nolint:gosec // wallet addresses are short
	buf = append(buf, r.WalletAddress...)
	buf = append(buf, r.CodeHash[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.IssuedAt)) //nolint:gosec // two's complement is fine for hashing
	buf = binary.BigEndian.AppendUint64(buf, r.Slot)
	buf = binary.BigEndian.AppendUint64(buf, r.BlockHeight)
	return buf
}

// SensorReading is one captured sample. Raw bytes are hashed at capture and
// never stored.
type SensorReading struct {
	RawHash  hashing.Digest `json:"raw_hash"`
	DataHash hashing.Digest `json:"data_hash"`
	Data     []byte         `json:"data,omitempty"`
}

// NewReading hashes raw and processed output. processed is kept as Data.
func NewReading(h hashing.Hasher, raw, processed []byte) SensorReading {
	return SensorReading{
		RawHash:  h.Hash(raw),
		DataHash: h.Hash(processed),
		Data:     processed,
	}
}

// BatchHash returns Hash(raw_1 || data_1 || ... || raw_N || data_N).
func BatchHash(h hashing.Hasher, readings []SensorReading) hashing.Digest {
	digests := make([]hashing.Digest, 0, len(readings)*2)
	for _, r := range readings {
		digests = append(digests, r.RawHash, r.DataHash)
	}
	return h.Combine(digests...)
}

// Packet is a signed attestation packet in single-reading or batch form.
// Single form sets RawHash/DataHash; batch form sets BatchHash/Readings.
type Packet struct {
	CodeHash hashing.Digest `json:"code_hash"`

	RawHash  hashing.Digest `json:"raw_hash,omitzero"`
	DataHash hashing.Digest `json:"data_hash,omitzero"`
	Data     []byte         `json:"data,omitempty"`

	BatchHash hashing.Digest  `json:"batch_hash,omitzero"`
	Readings  []SensorReading `json:"readings,omitempty"`

	Challenge       hashing.Digest   `json:"challenge"`
	TimestampDevice int64            `json:"timestamp"` // Unix seconds
	DevicePublicKey hashing.HexBytes `json:"device_public_key"`
	Signature       hashing.HexBytes `json:"signature"`

	AEProcessID string `json:"ae_process_id"`
	AESlot      uint64 `json:"ae_slot"`
}

// IsBatch reports whether p is in batch form.
func (p *Packet) IsBatch() bool {
	return len(p.Readings) > 0 || !p.BatchHash.IsZero()
}

// DeviceTime returns TimestampDevice as a time.Time.
func (p *Packet) DeviceTime() time.Time {
	return time.Unix(p.TimestampDevice, 0).UTC()
}

// SignedPayload returns the bytes the device signs:
// codeHash || (rawHash || dataHash | batchHash) || challenge || u64(timestamp).
func (p *Packet) SignedPayload() []byte {
	buf := make([]byte, 0, hashing.Size*4+8)
	buf = append(buf, p.CodeHash[:]...)
	if p.IsBatch() {
		buf = append(buf, p.BatchHash[:]...)
	} else {
		buf = append(buf, p.RawHash[:]...)
		buf = append(buf, p.DataHash[:]...)
	}
	buf = append(buf, p.Challenge[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.TimestampDevice)) //nolint:gosec // two's complement is fine for hashing
	return buf
}

// Validate checks that p carries the fields every verification needs.
func (p *Packet) Validate() error {
	switch {
	case p.AEProcessID == "":
		return fmt.Errorf("%w: missing ae_process_id", ErrMalformedPacket)
	case len(p.DevicePublicKey) == 0:
		return fmt.Errorf("%w: missing device_public_key", ErrMalformedPacket)
	case len(p.Signature) == 0:
		return fmt.Errorf("%w: missing signature", ErrMalformedPacket)
	case p.IsBatch() && len(p.Readings) == 0:
		return fmt.Errorf("%w: batch packet without readings", ErrMalformedPacket)
	case p.IsBatch() && (!p.RawHash.IsZero() || !p.DataHash.IsZero()):
		return fmt.Errorf("%w: packet mixes single and batch fields", ErrMalformedPacket)
	}
	return nil
}

// ParsePacket decodes and validates a JSON packet.
func ParsePacket(data []byte) (*Packet, error) {
	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
