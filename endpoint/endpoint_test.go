package endpoint_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cronicorn/cronicorn/endpoint"
)

func validEndpoint() *endpoint.Endpoint {
	e := &endpoint.Endpoint{
		JobID:              "job-1",
		Name:               "poll-orders",
		URL:                "https://api.example.com/orders",
		BaselineIntervalMs: 60_000,
	}
	e.Normalize()
	return e
}

func TestJobValidate(t *testing.T) {
	j := &endpoint.Job{Name: "checkout", UserID: "user-1"}
	require.NoError(t, j.Validate())
	require.Equal(t, endpoint.JobActive, j.Status, "empty status defaults to active")

	require.ErrorIs(t, (&endpoint.Job{UserID: "user-1"}).Validate(), endpoint.ErrInvalid)
	require.ErrorIs(t, (&endpoint.Job{Name: "checkout"}).Validate(), endpoint.ErrInvalid)
	require.ErrorIs(t, (&endpoint.Job{Name: "checkout", UserID: "u", Status: "zombie"}).Validate(), endpoint.ErrInvalid)
}

func TestNormalizeDefaults(t *testing.T) {
	e := &endpoint.Endpoint{}
	e.Normalize()
	require.Equal(t, "GET", e.Method)
	require.Equal(t, endpoint.DefaultTimeoutMs, e.TimeoutMs)
	require.Equal(t, endpoint.DefaultMaxExecutionMs, e.MaxExecutionTimeMs)
	require.Equal(t, endpoint.DefaultMaxRespKb, e.MaxResponseSizeKb)
}

func TestNormalizeClampsBounds(t *testing.T) {
	e := &endpoint.Endpoint{TimeoutMs: 10, MaxExecutionTimeMs: 99 * 60 * 1000}
	e.Normalize()
	require.Equal(t, endpoint.MinTimeoutMs, e.TimeoutMs, "timeout floor")
	require.Equal(t, endpoint.MaxMaxExecutionMs, e.MaxExecutionTimeMs, "execution ceiling")
}

func TestValidateBaselineExactlyOne(t *testing.T) {
	e := validEndpoint()
	require.NoError(t, e.Validate())

	both := validEndpoint()
	both.BaselineCron = "*/5 * * * *"
	require.ErrorIs(t, both.Validate(), endpoint.ErrInvalid)

	neither := validEndpoint()
	neither.BaselineIntervalMs = 0
	require.ErrorIs(t, neither.Validate(), endpoint.ErrInvalid)

	cronOnly := validEndpoint()
	cronOnly.BaselineIntervalMs = 0
	cronOnly.BaselineCron = "*/5 * * * *"
	require.NoError(t, cronOnly.Validate())

	negative := validEndpoint()
	negative.BaselineIntervalMs = -1
	require.ErrorIs(t, negative.Validate(), endpoint.ErrInvalid)
}

func TestValidateGuardrailOrdering(t *testing.T) {
	lo, hi := int64(10_000), int64(60_000)
	e := validEndpoint()
	e.MinIntervalMs = &lo
	e.MaxIntervalMs = &hi
	require.NoError(t, e.Validate())

	e.MinIntervalMs, e.MaxIntervalMs = &hi, &lo
	require.ErrorIs(t, e.Validate(), endpoint.ErrInvalid)
}

func TestValidateMethodAndURL(t *testing.T) {
	for _, method := range []string{"GET", "POST", "PUT", "PATCH", "DELETE"} {
		e := validEndpoint()
		e.Method = method
		require.NoError(t, e.Validate(), method)
	}

	head := validEndpoint()
	head.Method = "HEAD"
	require.ErrorIs(t, head.Validate(), endpoint.ErrInvalid)

	noURL := validEndpoint()
	noURL.URL = ""
	require.ErrorIs(t, noURL.Validate(), endpoint.ErrInvalid)

	ftp := validEndpoint()
	ftp.URL = "ftp://example.com/file"
	require.ErrorIs(t, ftp.Validate(), endpoint.ErrInvalid)

	noJob := validEndpoint()
	noJob.JobID = ""
	require.ErrorIs(t, noJob.Validate(), endpoint.ErrInvalid)
}

func TestHintAndPauseWindows(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	interval := int64(5000)

	e := validEndpoint()
	require.False(t, e.HintActive(now), "no hint")

	expires := now.Add(time.Minute)
	e.AIHintIntervalMs = &interval
	e.AIHintExpiresAt = &expires
	require.True(t, e.HintActive(now))
	require.False(t, e.HintActive(now.Add(2*time.Minute)), "expired hint")

	until := now.Add(time.Hour)
	e.PausedUntil = &until
	require.True(t, e.Paused(now))
	require.False(t, e.Paused(now.Add(2*time.Hour)), "expired pause")
}

func TestOneShotConsumption(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	at := now.Add(30 * time.Second)
	expires := now.Add(time.Hour)

	e := validEndpoint()
	e.AIHintNextRunAt = &at
	e.AIHintExpiresAt = &expires
	require.True(t, e.OneShotActive(now), "never ran")

	ranBefore := at.Add(-time.Minute)
	e.LastRunAt = &ranBefore
	require.True(t, e.OneShotActive(now), "last run predates the hint")

	ranAfter := at.Add(time.Minute)
	e.LastRunAt = &ranAfter
	require.False(t, e.OneShotActive(now), "hint consumed by that run")
}
