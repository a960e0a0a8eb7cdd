// Package temporal checks the time ordering that binds a sensor reading to
// the challenge it answers.
package temporal

import (
	"errors"
	"time"
)

// Reasons reported when an ordering invariant does not hold.
const (
	ReasonBackdated       = "challenge-backdated"
	ReasonBeforeChallenge = "reading-before-challenge"
	ReasonStale           = "stale-reading"
)

// ErrWindowRequired is returned when the freshness window is not positive.
// There is no default window; callers choose one for their threat model.
var ErrWindowRequired = errors.New("max freshness window must be positive")

// Result is the outcome of CheckOrdering.
type Result struct {
	Valid  bool          `json:"valid"`
	Reason string        `json:"reason,omitempty"`
	Age    time.Duration `json:"age"` // deviceTime - issuedAt
}

// CheckOrdering verifies, in order:
//
//	issuedAt   >= blockTime              (challenge-backdated)
//	deviceTime >= issuedAt               (reading-before-challenge)
//	deviceTime - issuedAt <= window      (stale-reading)
//
// A reading exactly window after issuance is still fresh.
func CheckOrdering(issuedAt, blockTime, deviceTime time.Time, window time.Duration) (Result, error) {
	if window <= 0 {
		return Result{}, ErrWindowRequired
	}

	res := Result{Age: deviceTime.Sub(issuedAt)}
	switch {
	case issuedAt.Before(blockTime):
		res.Reason = ReasonBackdated
	case deviceTime.Before(issuedAt):
		res.Reason = ReasonBeforeChallenge
	case res.Age > window:
		res.Reason = ReasonStale
	default:
		res.Valid = true
	}
	return res, nil
}
