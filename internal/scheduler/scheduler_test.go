package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextFire(t *testing.T) {
	from := time.Date(2026, 3, 3, 9, 7, 30, 0, time.UTC) // Tuesday

	cases := []struct {
		name     string
		interval time.Duration
		want     time.Time
	}{
		{"fifteen minutes", 15 * time.Minute, time.Date(2026, 3, 3, 9, 15, 0, 0, time.UTC)},
		{"fifty minutes", 50 * time.Minute, time.Date(2026, 3, 3, 9, 50, 0, 0, time.UTC)},
		{"hourly", time.Hour, time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)},
		{"six hours", 6 * time.Hour, time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)},
		{"daily", 24 * time.Hour, time.Date(2026, 3, 4, 2, 0, 0, 0, time.UTC)},
		{"every two days", 48 * time.Hour, time.Date(2026, 3, 5, 2, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, NextFire(tc.interval, from, 2))
		})
	}

	assert.Equal(t, time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC), NextFire(50*time.Minute, from.Add(45*time.Minute), 2))

	late := time.Date(2026, 3, 3, 19, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC), NextFire(6*time.Hour, late, 2))
	early := time.Date(2026, 3, 3, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 3, 2, 0, 0, 0, time.UTC), NextFire(24*time.Hour, early, 2))
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "every 15 minutes", Describe(15*time.Minute, 2))
	assert.Equal(t, "every 6 hours", Describe(6*time.Hour, 2))
	assert.Equal(t, "daily at 02:00 every 1 days", Describe(24*time.Hour, 2))
}

func TestJobsScheduleReplaceAndCancel(t *testing.T) {
	jobs := NewJobs(context.Background(), 2, nil, zerolog.Nop())
	defer jobs.Stop()

	var oldRuns, newRuns atomic.Int32
	jobs.Schedule("E1", 15*time.Minute, time.Now().Add(time.Hour), func(context.Context, string) { oldRuns.Add(1) })

	job := jobs.Schedule("E1", 360*time.Minute, time.Now().Add(20*time.Millisecond), func(context.Context, string) { newRuns.Add(1) })
	assert.Equal(t, 360*time.Minute, job.Interval)
	assert.Equal(t, "every 6 hours", job.Expression)
	require.Len(t, jobs.List(), 1)

	require.Eventually(t, func() bool { return newRuns.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, oldRuns.Load())

	current, ok := jobs.Get("E1")
	require.True(t, ok)
	require.NotNil(t, current.LastRun)
	assert.True(t, current.NextRun.After(*current.LastRun))

	assert.True(t, jobs.Cancel("E1"))
	assert.False(t, jobs.Cancel("E1"))
	_, ok = jobs.Get("E1")
	assert.False(t, ok)
}

func TestJobsCancelPreventsPendingFire(t *testing.T) {
	jobs := NewJobs(context.Background(), 2, nil, zerolog.Nop())
	defer jobs.Stop()

	var runs atomic.Int32
	jobs.Schedule("E1", time.Hour, time.Now().Add(30*time.Millisecond), func(context.Context, string) { runs.Add(1) })
	jobs.Cancel("E1")

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, runs.Load())
}

func TestJobsRescheduleKeepsBody(t *testing.T) {
	jobs := NewJobs(context.Background(), 2, nil, zerolog.Nop())
	defer jobs.Stop()

	_, ok := jobs.Reschedule("E1", time.Hour)
	assert.False(t, ok)

	jobs.Schedule("E1", 15*time.Minute, time.Now().Add(time.Hour), func(context.Context, string) {})
	job, ok := jobs.Reschedule("E1", 360*time.Minute)
	require.True(t, ok)
	assert.Equal(t, "every 6 hours", job.Expression)

	jobs.Cancel("E1")
	_, ok = jobs.Reschedule("E1", 15*time.Minute)
	assert.False(t, ok)
	assert.Empty(t, jobs.List())
}

func TestTimersReplaceAndCancel(t *testing.T) {
	timers := NewTimers()
	defer timers.Stop()

	var first, second atomic.Int32
	timers.After("a1", time.Hour, func() { first.Add(1) })
	timers.After("a1", 10*time.Millisecond, func() { second.Add(1) })
	require.True(t, timers.Pending("a1"))
	assert.Equal(t, []string{"a1"}, timers.Keys())

	require.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, first.Load())
	assert.False(t, timers.Pending("a1"))

	var cancelled atomic.Int32
	timers.After("a2", 20*time.Millisecond, func() { cancelled.Add(1) })
	assert.True(t, timers.Cancel("a2"))
	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, cancelled.Load())
}

func TestSchedulerRunsTicksUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var ticks atomic.Int32

	sched := New(Options{Interval: 10 * time.Millisecond, RunImmediately: true}, zerolog.Nop())
	done := make(chan error, 1)
	go func() {
		done <- sched.Run(ctx, func(context.Context, time.Time) error {
			ticks.Add(1)
			return errors.New("tick failures are logged, not fatal")
		})
	}()

	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
