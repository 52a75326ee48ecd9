package schedule

import (
	"time"

	"github.com/cronicorn/cronicorn/endpoint"
)

// Outcome is the result of the last dispatch attempt fed into Next. None
// means first scheduling (no attempt yet).
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeSuccess
	OutcomeFailed
	OutcomeCanceled
)

// BackoffCap bounds the exponential backoff multiplier at 2^6 = 64x.
const BackoffCap = 6

// Decision is the output of the algebra: the new schedule state plus the
// hint-clear policy for the store to apply. FromBackoff tells the store the
// next-run was produced under backoff so it can enforce monotonicity (the
// store never moves nextRunAt backwards because of backoff alone).
type Decision struct {
	NextRunAt     time.Time
	FailureCount  int
	ClearOneShot  bool
	ClearAllHints bool
	FromBackoff   bool
}

// Next computes the next run for an endpoint given the outcome of the last
// attempt and the current time. The function is total: malformed cron
// expressions (which validation should have rejected) degrade to an hourly
// cadence rather than failing.
//
// Candidate precedence: an active one-shot hint and an active interval hint
// compete with each other (earliest wins) and shadow the baseline; with no
// active hint the baseline cadence applies. Backoff multiplies the delay of
// interval and baseline candidates but never of a one-shot hint, and never
// shortens a delay. Guardrails clamp floor first, then ceiling, so an
// aggressive hint can never run below the floor. A pause window that extends
// past the candidate wins last.
func Next(e *endpoint.Endpoint, outcome Outcome, now time.Time) Decision {
	failed := outcome == OutcomeFailed || outcome == OutcomeCanceled

	d := Decision{FailureCount: e.FailureCount}
	switch outcome {
	case OutcomeSuccess:
		d.FailureCount = 0
	case OutcomeFailed, OutcomeCanceled:
		d.FailureCount = e.FailureCount + 1
	}

	// Backoff multiplier derives from the failure streak before this
	// outcome: the first failure reschedules at 1x, the second at 2x, ...
	mult := int64(1)
	if failed {
		shift := e.FailureCount
		if shift > BackoffCap {
			shift = BackoffCap
		}
		mult = int64(1) << shift
	}

	base := now
	if e.LastRunAt != nil {
		base = *e.LastRunAt
	}

	var t time.Time
	backoffApplied := false
	oneShot, interval := hintCandidates(e, base, now, mult)
	switch {
	case oneShot != nil && interval != nil:
		if oneShot.Before(*interval) {
			t = *oneShot
		} else {
			t = *interval
			backoffApplied = failed
		}
	case oneShot != nil:
		t = *oneShot
	case interval != nil:
		t = *interval
		backoffApplied = failed
	default:
		t = baselineCandidate(e, base, now, mult)
		backoffApplied = failed
	}

	// A clamped result is guardrail-driven, not backoff-driven, so it is
	// exempt from the store's backoff monotonicity guard: the ceiling must
	// win even against a later current nextRunAt.
	if clamped := ClampGuardrails(e, t, now); !clamped.Equal(t) {
		backoffApplied = false
		t = clamped
	}

	// Pause overlay.
	if e.PausedUntil != nil && e.PausedUntil.After(t) {
		t = *e.PausedUntil
		backoffApplied = false
	}

	d.NextRunAt = t
	d.FromBackoff = backoffApplied

	// Hint-clear policy applies only after a completed attempt.
	if outcome != OutcomeNone {
		if e.AIHintExpiresAt != nil && !e.AIHintExpiresAt.After(now) {
			d.ClearAllHints = true
		} else if e.AIHintNextRunAt != nil && !e.AIHintNextRunAt.After(now) {
			d.ClearOneShot = true
		}
	}
	return d
}

// ClampGuardrails applies the per-endpoint interval guardrails to a
// candidate time: floor (now + minInterval) first, then ceiling
// (now + maxInterval). Floor-first ordering guarantees an aggressive hint can
// never schedule below the floor.
func ClampGuardrails(e *endpoint.Endpoint, t, now time.Time) time.Time {
	if e.MinIntervalMs != nil {
		floor := now.Add(time.Duration(*e.MinIntervalMs) * time.Millisecond)
		if t.Before(floor) {
			t = floor
		}
	}
	if e.MaxIntervalMs != nil {
		ceiling := now.Add(time.Duration(*e.MaxIntervalMs) * time.Millisecond)
		if t.After(ceiling) {
			t = ceiling
		}
	}
	return t
}

// LeaseFor sizes the claim lease: at least the endpoint's max execution time,
// never shorter than the claim horizon, floored at one minute. The horizon
// itself is never used as the lease duration; a lease shorter than the
// execution window would let a second worker re-claim a busy endpoint.
func LeaseFor(maxExecutionTimeMs int, horizon time.Duration) time.Duration {
	lease := time.Duration(maxExecutionTimeMs) * time.Millisecond
	if horizon > lease {
		lease = horizon
	}
	if lease < time.Minute {
		lease = time.Minute
	}
	return lease
}

// hintCandidates returns the active one-shot and interval hint candidates,
// nil when inactive. The one-shot is exempt from backoff; the interval hint
// delay is multiplied like the baseline.
func hintCandidates(e *endpoint.Endpoint, base, now time.Time, mult int64) (oneShot, interval *time.Time) {
	if e.AIHintExpiresAt == nil || !e.AIHintExpiresAt.After(now) {
		return nil, nil
	}
	if e.AIHintNextRunAt != nil && (e.LastRunAt == nil || e.AIHintNextRunAt.After(*e.LastRunAt)) {
		t := *e.AIHintNextRunAt
		oneShot = &t
	}
	if e.AIHintIntervalMs != nil {
		t := base.Add(time.Duration(*e.AIHintIntervalMs*mult) * time.Millisecond)
		interval = &t
	}
	return oneShot, interval
}

func baselineCandidate(e *endpoint.Endpoint, base, now time.Time, mult int64) time.Time {
	if e.BaselineIntervalMs > 0 {
		return base.Add(time.Duration(e.BaselineIntervalMs*mult) * time.Millisecond)
	}
	next, err := NextCron(e.BaselineCron, base)
	if err != nil {
		return now.Add(time.Hour)
	}
	if mult > 1 {
		return base.Add(next.Sub(base) * time.Duration(mult))
	}
	return next
}

// Attribute decides the source recorded on the run created for a claimed
// endpoint: a live, unconsumed one-shot hint that has reached its time wins,
// then a live interval hint, then a pending manual nudge, else baseline.
func Attribute(e *endpoint.Endpoint, now time.Time) endpoint.Source {
	if e.OneShotActive(now) && !e.NextRunAt.Before(*e.AIHintNextRunAt) {
		return endpoint.SourceAIOneshot
	}
	if e.AIHintIntervalMs != nil && e.AIHintExpiresAt != nil && e.AIHintExpiresAt.After(now) {
		return endpoint.SourceAIInterval
	}
	if e.NudgedAt != nil {
		return endpoint.SourceManual
	}
	return endpoint.SourceBaseline
}
