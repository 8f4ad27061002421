package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"dhis2bridge/internal/logging"
	"dhis2bridge/internal/period"
)

func TestPreviousPeriod(t *testing.T) {
	restore := timeNow
	defer func() { timeNow = restore }()

	t.Run("Should report the month before the run", func(t *testing.T) {
		timeNow = func() time.Time { return time.Date(2024, 3, 5, 2, 0, 0, 0, time.UTC) }
		assert.Equal(t, "202402", previousPeriod(period.Monthly))
	})

	t.Run("Should cross the year boundary", func(t *testing.T) {
		timeNow = func() time.Time { return time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC) }
		assert.Equal(t, "202312", previousPeriod(period.Monthly))
		assert.Equal(t, "2023Q4", previousPeriod(period.Quarterly))
		assert.Equal(t, "2023", previousPeriod(period.Yearly))
	})

	t.Run("Should report the previous ISO week", func(t *testing.T) {
		timeNow = func() time.Time { return time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC) }
		assert.Equal(t, "2024W2", previousPeriod(period.Weekly))
	})

	t.Run("Should report yesterday for daily periods", func(t *testing.T) {
		timeNow = func() time.Time { return time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC) }
		assert.Equal(t, "20240229", previousPeriod(period.Daily))
	})
}

func TestScheduleValidation(t *testing.T) {
	t.Run("Should reject malformed cron expressions", func(t *testing.T) {
		s := NewService(nil, nil, logging.Nop())
		assert.Error(t, s.ScheduleSync("not a cron"))
		assert.Error(t, s.ScheduleExport("* * *", period.Monthly))
	})

	t.Run("Should accept empty expressions as disabled", func(t *testing.T) {
		s := NewService(nil, nil, logging.Nop())
		assert.NoError(t, s.ScheduleSync(""))
		assert.NoError(t, s.ScheduleExport("", period.Monthly))
	})
}
