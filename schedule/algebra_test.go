package schedule_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cronicorn/cronicorn/endpoint"
	"github.com/cronicorn/cronicorn/schedule"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func baselineEndpoint(intervalMs int64) *endpoint.Endpoint {
	return &endpoint.Endpoint{
		ID:                 "ep-1",
		JobID:              "job-1",
		BaselineIntervalMs: intervalMs,
	}
}

func ptrTime(t time.Time) *time.Time { return &t }
func ptrInt64(v int64) *int64        { return &v }

func TestNextBaselineInterval(t *testing.T) {
	e := baselineEndpoint(60_000)
	e.LastRunAt = ptrTime(t0)

	d := schedule.Next(e, schedule.OutcomeSuccess, t0)
	require.Equal(t, t0.Add(time.Minute), d.NextRunAt)
	require.Zero(t, d.FailureCount)
	require.False(t, d.FromBackoff)
}

func TestNextBackoffDoublesPerFailure(t *testing.T) {
	// Three consecutive failures with dispatch at T, T+60s, T+180s push the
	// delay through x1, x2, x4.
	e := baselineEndpoint(60_000)

	e.LastRunAt = ptrTime(t0)
	d := schedule.Next(e, schedule.OutcomeFailed, t0)
	require.Equal(t, t0.Add(60*time.Second), d.NextRunAt)
	require.Equal(t, 1, d.FailureCount)
	require.True(t, d.FromBackoff)

	e.FailureCount = d.FailureCount
	e.LastRunAt = ptrTime(t0.Add(60 * time.Second))
	d = schedule.Next(e, schedule.OutcomeFailed, t0.Add(60*time.Second))
	require.Equal(t, t0.Add(180*time.Second), d.NextRunAt)
	require.Equal(t, 2, d.FailureCount)

	e.FailureCount = d.FailureCount
	e.LastRunAt = ptrTime(t0.Add(180 * time.Second))
	d = schedule.Next(e, schedule.OutcomeFailed, t0.Add(180*time.Second))
	require.Equal(t, t0.Add(420*time.Second), d.NextRunAt)
	require.Equal(t, 3, d.FailureCount)
}

func TestNextBackoffMultiplierIsCapped(t *testing.T) {
	e := baselineEndpoint(1_000)
	e.FailureCount = 40
	e.LastRunAt = ptrTime(t0)

	d := schedule.Next(e, schedule.OutcomeFailed, t0)
	require.Equal(t, t0.Add(64*time.Second), d.NextRunAt)
}

func TestNextCeilingClampOverridesBackoff(t *testing.T) {
	// The guardrail ceiling wins over the backoff candidate, and the result
	// is no longer flagged as backoff-driven so the store's monotonicity
	// guard does not suppress it.
	e := baselineEndpoint(60_000)
	e.MaxIntervalMs = ptrInt64(150_000)
	e.FailureCount = 2
	now := t0.Add(180 * time.Second)
	e.LastRunAt = ptrTime(now)

	d := schedule.Next(e, schedule.OutcomeFailed, now)
	require.Equal(t, now.Add(150*time.Second), d.NextRunAt)
	require.False(t, d.FromBackoff)
}

func TestNextFloorClampRaisesAggressiveHint(t *testing.T) {
	e := baselineEndpoint(600_000)
	e.MinIntervalMs = ptrInt64(30_000)
	e.LastRunAt = ptrTime(t0)
	e.AIHintIntervalMs = ptrInt64(1_000)
	e.AIHintExpiresAt = ptrTime(t0.Add(time.Hour))

	d := schedule.Next(e, schedule.OutcomeSuccess, t0)
	require.Equal(t, t0.Add(30*time.Second), d.NextRunAt)
}

func TestNextOneShotHintBeatsBaseline(t *testing.T) {
	e := baselineEndpoint(3_600_000)
	e.LastRunAt = ptrTime(t0)
	e.AIHintNextRunAt = ptrTime(t0.Add(120 * time.Second))
	e.AIHintExpiresAt = ptrTime(t0.Add(600 * time.Second))

	d := schedule.Next(e, schedule.OutcomeSuccess, t0)
	require.Equal(t, t0.Add(120*time.Second), d.NextRunAt)
	require.False(t, d.ClearOneShot)
}

func TestNextConsumedOneShotClearedAndBaselineResumes(t *testing.T) {
	// After the hinted dispatch fires, the one-shot no longer lies ahead of
	// lastRunAt: it is cleared and the baseline cadence resumes from the
	// hinted run.
	fireAt := t0.Add(120 * time.Second)
	e := baselineEndpoint(3_600_000)
	e.LastRunAt = ptrTime(fireAt)
	e.AIHintNextRunAt = ptrTime(fireAt)
	e.AIHintExpiresAt = ptrTime(t0.Add(600 * time.Second))

	d := schedule.Next(e, schedule.OutcomeSuccess, fireAt)
	require.Equal(t, fireAt.Add(time.Hour), d.NextRunAt)
	require.True(t, d.ClearOneShot)
	require.False(t, d.ClearAllHints)
}

func TestNextOneShotExemptFromBackoff(t *testing.T) {
	e := baselineEndpoint(60_000)
	e.FailureCount = 3
	e.LastRunAt = ptrTime(t0)
	e.AIHintNextRunAt = ptrTime(t0.Add(10 * time.Second))
	e.AIHintExpiresAt = ptrTime(t0.Add(time.Hour))

	d := schedule.Next(e, schedule.OutcomeFailed, t0)
	require.Equal(t, t0.Add(10*time.Second), d.NextRunAt)
	require.False(t, d.FromBackoff)
}

func TestNextIntervalHintMultipliedByBackoff(t *testing.T) {
	e := baselineEndpoint(600_000)
	e.FailureCount = 1
	e.LastRunAt = ptrTime(t0)
	e.AIHintIntervalMs = ptrInt64(30_000)
	e.AIHintExpiresAt = ptrTime(t0.Add(time.Hour))

	d := schedule.Next(e, schedule.OutcomeFailed, t0)
	require.Equal(t, t0.Add(60*time.Second), d.NextRunAt)
	require.True(t, d.FromBackoff)
}

func TestNextExpiredHintsCleared(t *testing.T) {
	e := baselineEndpoint(60_000)
	e.LastRunAt = ptrTime(t0)
	e.AIHintIntervalMs = ptrInt64(5_000)
	e.AIHintExpiresAt = ptrTime(t0.Add(-time.Second))

	d := schedule.Next(e, schedule.OutcomeSuccess, t0)
	require.Equal(t, t0.Add(time.Minute), d.NextRunAt, "expired hint must not shadow the baseline")
	require.True(t, d.ClearAllHints)
}

func TestNextPauseOverlayWins(t *testing.T) {
	e := baselineEndpoint(60_000)
	e.LastRunAt = ptrTime(t0)
	e.PausedUntil = ptrTime(t0.Add(time.Hour))

	d := schedule.Next(e, schedule.OutcomeSuccess, t0)
	require.Equal(t, t0.Add(time.Hour), d.NextRunAt)
	require.False(t, d.FromBackoff)
}

func TestNextSuccessResetsFailureStreak(t *testing.T) {
	e := baselineEndpoint(60_000)
	e.FailureCount = 5
	e.LastRunAt = ptrTime(t0)

	d := schedule.Next(e, schedule.OutcomeSuccess, t0)
	require.Zero(t, d.FailureCount)
	require.Equal(t, t0.Add(time.Minute), d.NextRunAt)
}

func TestNextCronBaseline(t *testing.T) {
	e := &endpoint.Endpoint{BaselineCron: "*/15 * * * *"}
	e.LastRunAt = ptrTime(t0.Add(time.Minute)) // 12:01

	d := schedule.Next(e, schedule.OutcomeSuccess, t0.Add(time.Minute))
	require.Equal(t, time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC), d.NextRunAt)
}

func TestNextMalformedCronDegradesToHourly(t *testing.T) {
	e := &endpoint.Endpoint{BaselineCron: "not a cron"}

	d := schedule.Next(e, schedule.OutcomeNone, t0)
	require.Equal(t, t0.Add(time.Hour), d.NextRunAt)
}

func TestClampGuardrailsFloorThenCeiling(t *testing.T) {
	e := &endpoint.Endpoint{
		MinIntervalMs: ptrInt64(60_000),
		MaxIntervalMs: ptrInt64(30_000),
	}
	// Contradictory guardrails: floor applies first, then the ceiling wins.
	got := schedule.ClampGuardrails(e, t0, t0)
	require.Equal(t, t0.Add(30*time.Second), got)
}

func TestLeaseFor(t *testing.T) {
	cases := []struct {
		name    string
		maxExec int
		horizon time.Duration
		want    time.Duration
	}{
		{"floor at one minute", 1_000, time.Second, time.Minute},
		{"max execution dominates", 300_000, time.Second, 5 * time.Minute},
		{"horizon dominates", 1_000, 2 * time.Minute, 2 * time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, schedule.LeaseFor(tc.maxExec, tc.horizon))
		})
	}
}

func TestAttribute(t *testing.T) {
	now := t0

	t.Run("one-shot hint at its time", func(t *testing.T) {
		e := baselineEndpoint(60_000)
		e.AIHintNextRunAt = ptrTime(now.Add(-time.Second))
		e.AIHintExpiresAt = ptrTime(now.Add(time.Hour))
		e.NextRunAt = now
		require.Equal(t, endpoint.SourceAIOneshot, schedule.Attribute(e, now))
	})

	t.Run("interval hint", func(t *testing.T) {
		e := baselineEndpoint(60_000)
		e.AIHintIntervalMs = ptrInt64(30_000)
		e.AIHintExpiresAt = ptrTime(now.Add(time.Hour))
		require.Equal(t, endpoint.SourceAIInterval, schedule.Attribute(e, now))
	})

	t.Run("manual nudge", func(t *testing.T) {
		e := baselineEndpoint(60_000)
		e.NudgedAt = ptrTime(now.Add(-time.Minute))
		require.Equal(t, endpoint.SourceManual, schedule.Attribute(e, now))
	})

	t.Run("baseline by default", func(t *testing.T) {
		e := baselineEndpoint(60_000)
		require.Equal(t, endpoint.SourceBaseline, schedule.Attribute(e, now))
	})
}
