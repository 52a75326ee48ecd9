package schedule_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cronicorn/cronicorn/schedule"
)

func TestNextCronStrictlyAfter(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	next, err := schedule.NextCron("0 * * * *", at)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC), next,
		"an occurrence exactly at t must not be returned")

	next, err = schedule.NextCron("*/5 * * * *", at.Add(30*time.Second))
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC), next)
}

func TestNextCronNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("plus2", 2*60*60)
	at := time.Date(2026, 3, 1, 14, 30, 0, 0, loc) // 12:30 UTC

	next, err := schedule.NextCron("0 13 * * *", at)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC), next)
}

func TestParseCronRejectsMalformed(t *testing.T) {
	for _, expr := range []string{"", "* * *", "61 * * * *", "@every 5m", "* * * * * *"} {
		_, err := schedule.ParseCron(expr)
		require.Error(t, err, "expression %q", expr)
	}
}
