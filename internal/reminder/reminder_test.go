package reminder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const day = 24 * time.Hour

func ms(t time.Time) int64 { return t.UnixMilli() }

func TestKindValid(t *testing.T) {
	assert.True(t, KindBeforeDue.Valid())
	assert.True(t, KindOnDue.Valid())
	assert.True(t, KindAfterDue.Valid())
	assert.False(t, Kind("").Valid())
	assert.False(t, Kind("weekly").Valid())
}

func TestIdempotencyKeyDeterministic(t *testing.T) {
	due := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	k1 := IdempotencyKey("inv-1", KindOnDue, ms(due))
	k2 := IdempotencyKey("inv-1", KindOnDue, ms(due))
	assert.Equal(t, k1, k2)
	assert.Equal(t, "inv-1:on_due:2026-03-15T00:00:00Z", k1)

	// Different kind, invoice or due date each produce a distinct key.
	assert.NotEqual(t, k1, IdempotencyKey("inv-1", KindAfterDue, ms(due)))
	assert.NotEqual(t, k1, IdempotencyKey("inv-2", KindOnDue, ms(due)))
	assert.NotEqual(t, k1, IdempotencyKey("inv-1", KindOnDue, ms(due.Add(day))))
}

func TestBuildJobsFutureDueDate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	due := now.Add(10 * day)

	jobs := BuildJobs("inv-1", ms(due), ms(now), DefaultOffsets())
	require.Len(t, jobs, 3)

	assert.Equal(t, KindBeforeDue, jobs[0].Kind)
	assert.Equal(t, ms(due.Add(-3*day)), jobs[0].ScheduledAt)

	assert.Equal(t, KindOnDue, jobs[1].Kind)
	assert.Equal(t, ms(due), jobs[1].ScheduledAt)

	assert.Equal(t, KindAfterDue, jobs[2].Kind)
	assert.Equal(t, ms(due.Add(7*day)), jobs[2].ScheduledAt)

	for _, j := range jobs {
		assert.Equal(t, "inv-1", j.InvoiceID)
		assert.Equal(t, IdempotencyKey("inv-1", j.Kind, ms(due)), j.IdempotencyKey)
		assert.False(t, j.Sent)
	}
}

func TestBuildJobsDueSoon(t *testing.T) {
	// Due in 2 days: the before-due fire time is already past, so only the
	// on-due and after-due jobs are created.
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	due := now.Add(2 * day)

	jobs := BuildJobs("inv-1", ms(due), ms(now), DefaultOffsets())
	require.Len(t, jobs, 2)
	assert.Equal(t, KindOnDue, jobs[0].Kind)
	assert.Equal(t, KindAfterDue, jobs[1].Kind)
}

func TestBuildJobsPastDue(t *testing.T) {
	// Invoice already overdue at scheduling time: only the after-due job
	// survives, and it is created even though its fire time may be past too.
	now := time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)
	due := now.Add(-10 * day)

	jobs := BuildJobs("inv-1", ms(due), ms(now), DefaultOffsets())
	require.Len(t, jobs, 1)
	assert.Equal(t, KindAfterDue, jobs[0].Kind)
	assert.Equal(t, ms(due.Add(7*day)), jobs[0].ScheduledAt)
	assert.True(t, jobs[0].Due(ms(now)))
}

func TestBuildJobsBoundary(t *testing.T) {
	// A fire time equal to now is not "strictly in the future" and is dropped.
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	due := now.Add(3 * day)

	jobs := BuildJobs("inv-1", ms(due), ms(now), DefaultOffsets())
	require.Len(t, jobs, 2)
	assert.Equal(t, KindOnDue, jobs[0].Kind)
	assert.Equal(t, KindAfterDue, jobs[1].Kind)
}

func TestJobDue(t *testing.T) {
	j := Job{ScheduledAt: 1000}
	assert.False(t, j.Due(999))
	assert.True(t, j.Due(1000))
	assert.True(t, j.Due(1001))

	j.Sent = true
	assert.False(t, j.Due(2000))
}

func TestNextWake(t *testing.T) {
	s := NewState()

	_, ok := s.NextWake()
	assert.False(t, ok, "empty state has no wake time")

	s.Invoices["a"] = &Schedule{
		InvoiceID: "a",
		Jobs: []Job{
			{Kind: KindOnDue, ScheduledAt: 500, Sent: true},
			{Kind: KindAfterDue, ScheduledAt: 900},
		},
	}
	s.Invoices["b"] = &Schedule{
		InvoiceID: "b",
		Jobs:      []Job{{Kind: KindOnDue, ScheduledAt: 300}},
	}
	s.Invoices["c"] = &Schedule{
		InvoiceID: "c",
		Cancelled: true,
		Jobs:      []Job{{Kind: KindOnDue, ScheduledAt: 100}},
	}

	next, ok := s.NextWake()
	require.True(t, ok)
	assert.Equal(t, int64(300), next, "sent and cancelled jobs are ignored")

	s.Invoices["b"].Jobs[0].Sent = true
	next, ok = s.NextWake()
	require.True(t, ok)
	assert.Equal(t, int64(900), next)

	s.Invoices["a"].Jobs[1].Sent = true
	_, ok = s.NextWake()
	assert.False(t, ok, "all jobs consumed")
}
