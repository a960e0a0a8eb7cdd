// Package hashpath verifies HashPaths: the iterative hash chain an
// attestation engine maintains over the messages of a process.
//
//	HP[0] = Hash(processID)
//	HP[i] = Hash(HP[i-1] || message[i])   for i = 1..slot
//
// Unlike a Merkle tree there is no branching; proving the value at slot N
// means replaying every message from slot 1 to N.
package hashpath

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/majorcontext/origin/internal/hashing"
)

// ErrSlotNotFound is returned by fetchers when a slot has no message.
var ErrSlotNotFound = errors.New("slot not found")

// Failure reasons reported in Result.Reason.
const (
	ReasonMissingSlot = "missing-slot"
	ReasonMismatch    = "hashpath-mismatch"
)

// prefetchWindowFactor bounds how many messages are held in memory per
// concurrent fetcher when prefetching.
const prefetchWindowFactor = 16

// rangeWindow is the number of slots requested per RangeFetcher call.
const rangeWindow = 256

// MessageFetcher retrieves the message scheduled at a slot. Retry policy
// belongs to the fetcher.
type MessageFetcher interface {
	FetchMessage(ctx context.Context, processID string, slot uint64) ([]byte, error)
}

// RangeFetcher is implemented by fetchers that can return slots from..to
// (inclusive) in one round trip. A short result means the remaining slots
// are missing. Verify uses it unless WithConcurrency asks for parallel
// single-slot fetches.
type RangeFetcher interface {
	FetchMessages(ctx context.Context, processID string, from, to uint64) ([][]byte, error)
}

// Accumulator builds a HashPath incrementally.
type Accumulator struct {
	hasher hashing.Hasher
	slot   uint64
	value  hashing.Digest
}

// NewAccumulator starts a chain at HP[0] for processID.
func NewAccumulator(h hashing.Hasher, processID string) *Accumulator {
	return &Accumulator{hasher: h, value: Genesis(h, processID)}
}

// Append links the message for the next slot and returns the new value.
func (a *Accumulator) Append(message []byte) hashing.Digest {
	a.value = a.hasher.Concat(a.value[:], message)
	a.slot++
	return a.value
}

// Slot returns the slot of the current value.
func (a *Accumulator) Slot() uint64 { return a.slot }

// Value returns the current chain value.
func (a *Accumulator) Value() hashing.Digest { return a.value }

// Genesis returns HP[0] for processID.
func Genesis(h hashing.Hasher, processID string) hashing.Digest {
	return h.Hash([]byte(processID))
}

// Compute returns HP[len(messages)], where messages[0] is slot 1.
func Compute(h hashing.Hasher, processID string, messages [][]byte) hashing.Digest {
	acc := NewAccumulator(h, processID)
	for _, m := range messages {
		acc.Append(m)
	}
	return acc.Value()
}

// Result is the outcome of Verify.
type Result struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
	// Slot is the target slot, or the first missing slot on ReasonMissingSlot.
	Slot     uint64         `json:"slot"`
	Computed hashing.Digest `json:"computed,omitzero"`
}

type options struct {
	hasher      hashing.Hasher
	messages    [][]byte
	prefetched  bool
	concurrency int
}

// Option configures Verify.
type Option func(*options)

// WithHasher selects the digest algorithm. Defaults to SHA-256.
func WithHasher(h hashing.Hasher) Option {
	return func(o *options) { o.hasher = h }
}

// WithMessages supplies pre-fetched messages (messages[0] is slot 1). When
// set, Verify performs no I/O.
func WithMessages(messages [][]byte) Option {
	return func(o *options) {
		o.messages = messages
		o.prefetched = true
	}
}

// WithConcurrency fetches up to n slots in parallel, one slot per request,
// even when the fetcher supports ranges. Hashing remains sequential.
func WithConcurrency(n int) Option {
	return func(o *options) { o.concurrency = n }
}

// Verify recomputes the HashPath of processID up to targetSlot and compares
// it with claimed. A missing slot or a mismatch yields an invalid Result;
// fetch failures and cancellation are returned as errors.
func Verify(ctx context.Context, processID string, targetSlot uint64, claimed hashing.Digest, fetcher MessageFetcher, opts ...Option) (Result, error) {
	o := options{hasher: hashing.Default, concurrency: 1}
	for _, opt := range opts {
		opt(&o)
	}

	acc := NewAccumulator(o.hasher, processID)
	var missing uint64
	var err error

	switch {
	case targetSlot == 0:
	case o.prefetched:
		missing = appendAll(acc, o.messages, targetSlot)
	case fetcher == nil:
		return Result{}, errors.New("hashpath: no message fetcher configured")
	default:
		rf, isRange := fetcher.(RangeFetcher)
		switch {
		case o.concurrency > 1:
			missing, err = appendParallel(ctx, acc, fetcher, processID, targetSlot, o.concurrency)
		case isRange:
			missing, err = appendRange(ctx, acc, rf, processID, targetSlot)
		default:
			missing, err = appendSequential(ctx, acc, fetcher, processID, targetSlot)
		}
	}
	if err != nil {
		return Result{}, err
	}
	if missing != 0 {
		return Result{Reason: ReasonMissingSlot, Slot: missing}, nil
	}

	result := Result{Slot: targetSlot, Computed: acc.Value()}
	if acc.Value() != claimed {
		result.Reason = ReasonMismatch
		return result, nil
	}
	result.Valid = true
	return result, nil
}

// appendAll links messages up to target and returns the first missing slot,
// or 0 if none is missing.
func appendAll(acc *Accumulator, messages [][]byte, target uint64) uint64 {
	for slot := uint64(1); slot <= target; slot++ {
		if slot > uint64(len(messages)) {
			return slot
		}
		acc.Append(messages[slot-1])
	}
	return 0
}

func appendSequential(ctx context.Context, acc *Accumulator, f MessageFetcher, processID string, target uint64) (uint64, error) {
	for slot := uint64(1); slot <= target; slot++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		msg, err := f.FetchMessage(ctx, processID, slot)
		if errors.Is(err, ErrSlotNotFound) {
			return slot, nil
		}
		if err != nil {
			return 0, fmt.Errorf("fetching slot %d: %w", slot, err)
		}
		acc.Append(msg)
	}
	return 0, nil
}

// appendRange fetches the chain in windows of rangeWindow slots, linking each
// window before requesting the next.
func appendRange(ctx context.Context, acc *Accumulator, f RangeFetcher, processID string, target uint64) (uint64, error) {
	for start := uint64(1); start <= target; start += rangeWindow {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		end := min(start+rangeWindow-1, target)
		messages, err := f.FetchMessages(ctx, processID, start, end)
		if errors.Is(err, ErrSlotNotFound) {
			return start, nil
		}
		if err != nil {
			return 0, fmt.Errorf("fetching slots %d..%d: %w", start, end, err)
		}
		if uint64(len(messages)) > end-start+1 {
			return 0, fmt.Errorf("fetching slots %d..%d: got %d messages", start, end, len(messages))
		}
		for _, msg := range messages {
			acc.Append(msg)
		}
		if uint64(len(messages)) < end-start+1 {
			return start + uint64(len(messages)), nil
		}
	}
	return 0, nil
}

// appendParallel fetches windows of slots concurrently and links each window
// in order before fetching the next, so memory stays bounded.
func appendParallel(ctx context.Context, acc *Accumulator, f MessageFetcher, processID string, target uint64, concurrency int) (uint64, error) {
	window := uint64(concurrency * prefetchWindowFactor) //nolint:gosec // concurrency is a small positive config value

	for start := uint64(1); start <= target; start += window {
		end := min(start+window-1, target)
		messages := make([][]byte, end-start+1)
		notFound := make([]bool, len(messages))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)
		for slot := start; slot <= end; slot++ {
			i := slot - start
			g.Go(func() error {
				msg, err := f.FetchMessage(gctx, processID, slot)
				if errors.Is(err, ErrSlotNotFound) {
					notFound[i] = true
					return nil
				}
				if err != nil {
					return fmt.Errorf("fetching slot %d: %w", slot, err)
				}
				messages[i] = msg
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return 0, err
		}

		for i, msg := range messages {
			if notFound[i] {
				return start + uint64(i), nil
			}
			acc.Append(msg)
		}
	}
	return 0, nil
}
