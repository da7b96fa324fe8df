package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCron_RejectsInvalidExpression(t *testing.T) {
	_, err := parseCron("not a cron expression")
	require.Error(t, err)
}

func TestCronExpr_MatchesOnItsOwnMinute(t *testing.T) {
	expr, err := parseCron("30 9 * * *") // every day at 09:30
	require.NoError(t, err)

	fire := time.Date(2026, 7, 31, 9, 30, 12, 0, time.UTC)
	assert.True(t, expr.matches(fire))
}

func TestCronExpr_DoesNotMatchAdjacentMinute(t *testing.T) {
	expr, err := parseCron("30 9 * * *")
	require.NoError(t, err)

	before := time.Date(2026, 7, 31, 9, 29, 59, 0, time.UTC)
	after := time.Date(2026, 7, 31, 9, 31, 0, 0, time.UTC)
	assert.False(t, expr.matches(before))
	assert.False(t, expr.matches(after))
}

func TestCronExpr_EveryMinuteMatchesEveryMinute(t *testing.T) {
	expr, err := parseCron("* * * * *")
	require.NoError(t, err)

	assert.True(t, expr.matches(time.Date(2026, 7, 31, 14, 5, 50, 0, time.UTC)))
	assert.True(t, expr.matches(time.Date(2026, 7, 31, 14, 6, 0, 0, time.UTC)))
}
