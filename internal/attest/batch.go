package attest

import (
	"errors"

	"github.com/majorcontext/origin/internal/hashing"
)

// ErrEmptyBatch is returned when sealing a batch with no readings.
var ErrEmptyBatch = errors.New("batch is empty")

// BatchAccumulator collects readings until the configured batch size is
// reached. It is owned by a single capture loop and is not safe for
// concurrent use.
type BatchAccumulator struct {
	hasher   hashing.Hasher
	size     int
	readings []SensorReading
}

// NewBatchAccumulator returns an accumulator that is full after size
// readings. A size below 1 means one attestation per reading.
func NewBatchAccumulator(h hashing.Hasher, size int) *BatchAccumulator {
	if size < 1 {
		size = 1
	}
	return &BatchAccumulator{
		hasher:   h,
		size:     size,
		readings: make([]SensorReading, 0, size),
	}
}

// Add appends r and reports whether the batch is now full.
func (b *BatchAccumulator) Add(r SensorReading) bool {
	b.readings = append(b.readings, r)
	return b.Full()
}

// Capture hashes raw and processed output and adds the reading.
func (b *BatchAccumulator) Capture(raw, processed []byte) bool {
	return b.Add(NewReading(b.hasher, raw, processed))
}

// Len returns the number of buffered readings.
func (b *BatchAccumulator) Len() int { return len(b.readings) }

// Size returns the configured batch size.
func (b *BatchAccumulator) Size() int { return b.size }

// Full reports whether the batch has reached its configured size.
func (b *BatchAccumulator) Full() bool { return len(b.readings) >= b.size }

// Seal returns the buffered readings with their batch hash and resets the
// accumulator. Partial batches may be sealed explicitly (e.g. on shutdown).
func (b *BatchAccumulator) Seal() ([]SensorReading, hashing.Digest, error) {
	if len(b.readings) == 0 {
		return nil, hashing.Digest{}, ErrEmptyBatch
	}
	readings := b.readings
	b.readings = make([]SensorReading, 0, b.size)
	return readings, BatchHash(b.hasher, readings), nil
}
