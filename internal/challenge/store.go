// Package challenge provides a read-through cache of challenge records
// fetched from the attestation engine.
//
// Challenge records are append-only and never change after creation, so
// cached entries are kept for the life of the Store with no invalidation.
// Concurrent fetches for the same (process, slot) share one upstream call.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/majorcontext/origin/internal/attest"
	"github.com/majorcontext/origin/internal/log"
)

// ErrNotFound is returned when the engine has no record at the requested slot.
var ErrNotFound = errors.New("challenge record not found")

// Source fetches challenge records from the attestation engine.
// Implementations return ErrNotFound (possibly wrapped) for unknown slots.
type Source interface {
	FetchChallengeRecord(ctx context.Context, processID string, slot uint64) (*attest.ChallengeRecord, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, processID string, slot uint64) (*attest.ChallengeRecord, error)

// FetchChallengeRecord calls f.
func (f SourceFunc) FetchChallengeRecord(ctx context.Context, processID string, slot uint64) (*attest.ChallengeRecord, error) {
	return f(ctx, processID, slot)
}

// Persistent is a second cache tier that survives restarts.
type Persistent interface {
	Get(ctx context.Context, processID string, slot uint64) (*attest.ChallengeRecord, error)
	Put(ctx context.Context, rec *attest.ChallengeRecord) error
}

// Store is a read-through challenge record cache. It is safe for concurrent
// use. Returned records are shared between callers and must not be modified.
type Store struct {
	source     Source
	persistent Persistent

	records sync.Map // key -> *attest.ChallengeRecord
	group   singleflight.Group
}

// Option configures a Store.
type Option func(*Store)

// WithPersistent adds a persistent tier consulted before the source.
func WithPersistent(p Persistent) Option {
	return func(s *Store) { s.persistent = p }
}

// NewStore creates a Store reading through to source.
func NewStore(source Source, opts ...Option) *Store {
	s := &Store{source: source}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func key(processID string, slot uint64) string {
	return processID + "/" + strconv.FormatUint(slot, 10)
}

// FetchChallengeRecord returns the record at slot of processID, fetching it
// on a cache miss. ErrNotFound results are not cached.
func (s *Store) FetchChallengeRecord(ctx context.Context, processID string, slot uint64) (*attest.ChallengeRecord, error) {
	k := key(processID, slot)
	if v, ok := s.records.Load(k); ok {
		return v.(*attest.ChallengeRecord), nil
	}

	// The shared call runs under the context of whichever caller started it.
	// If that caller goes away, waiters that are still live try once more.
	for attempt := 0; ; attempt++ {
		ch := s.group.DoChan(k, func() (any, error) {
			return s.load(ctx, processID, slot)
		})

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				if attempt == 0 && ctx.Err() == nil && isContextErr(res.Err) {
					log.Debug("challenge fetch leader cancelled, retrying", "process", processID, "slot", slot)
					continue
				}
				return nil, res.Err
			}
			return res.Val.(*attest.ChallengeRecord), nil
		}
	}
}

func (s *Store) load(ctx context.Context, processID string, slot uint64) (*attest.ChallengeRecord, error) {
	k := key(processID, slot)
	if v, ok := s.records.Load(k); ok {
		return v.(*attest.ChallengeRecord), nil
	}

	if s.persistent != nil {
		rec, err := s.persistent.Get(ctx, processID, slot)
		switch {
		case err == nil:
			v, _ := s.records.LoadOrStore(k, rec)
			return v.(*attest.ChallengeRecord), nil
		case !errors.Is(err, ErrNotFound):
			log.Warn("reading persistent challenge cache", "process", processID, "slot", slot, "error", err)
		}
	}

	rec, err := s.source.FetchChallengeRecord(ctx, processID, slot)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("fetching challenge record %s: %w", k, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("fetching challenge record %s: empty response", k)
	}
	if rec.ProcessID == "" {
		rec.ProcessID = processID
	}
	if rec.Slot != slot || rec.ProcessID != processID {
		return nil, fmt.Errorf("fetching challenge record %s: engine returned %s", k, key(rec.ProcessID, rec.Slot))
	}

	v, loaded := s.records.LoadOrStore(k, rec)
	if !loaded && s.persistent != nil {
		if err := s.persistent.Put(ctx, rec); err != nil {
			log.Warn("writing persistent challenge cache", "process", processID, "slot", slot, "error", err)
		}
	}
	log.Debug("cached challenge record", "process", processID, "slot", slot)
	return v.(*attest.ChallengeRecord), nil
}

// Len returns the number of records held in memory.
func (s *Store) Len() int {
	n := 0
	s.records.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
