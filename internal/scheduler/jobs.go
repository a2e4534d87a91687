package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// JobFunc is the body of a recurring keyed job.
type JobFunc func(ctx context.Context, key string)

// Job is a point-in-time view of a registered job.
type Job struct {
	Key        string
	Interval   time.Duration
	Expression string
	LastRun    *time.Time
	NextRun    time.Time
}

type jobEntry struct {
	gen      uint64
	interval time.Duration
	lastRun  *time.Time
	nextRun  time.Time
	timer    *time.Timer
	fn       JobFunc
}

// Jobs keeps at most one recurring job per key. Replacing a job swaps the
// registry entry under the lock, so no reader ever observes the key missing,
// and fires belonging to a replaced or cancelled job are discarded.
type Jobs struct {
	ctx       context.Context
	dailyHour int
	now       func() time.Time
	logger    zerolog.Logger

	mu      sync.Mutex
	jobs    map[string]*jobEntry
	gen     uint64
	stopped bool
	running sync.WaitGroup
}

// NewJobs builds a registry whose job bodies run with ctx.
func NewJobs(ctx context.Context, dailyHour int, now func() time.Time, logger zerolog.Logger) *Jobs {
	if now == nil {
		now = time.Now
	}
	return &Jobs{
		ctx:       ctx,
		dailyHour: dailyHour,
		now:       now,
		logger:    logger.With().Str("component", "jobs").Logger(),
		jobs:      make(map[string]*jobEntry),
	}
}

// Schedule registers fn under key, replacing any existing job. The first run
// happens at first, or at the next aligned fire time when first is zero.
func (j *Jobs) Schedule(key string, interval time.Duration, first time.Time, fn JobFunc) Job {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now()
	if first.IsZero() {
		first = NextFire(interval, now, j.dailyHour)
	}
	if j.stopped {
		return Job{Key: key, Interval: interval, Expression: Describe(interval, j.dailyHour), NextRun: first}
	}

	j.gen++
	entry := &jobEntry{gen: j.gen, interval: interval, nextRun: first, fn: fn}
	old := j.jobs[key]
	if old != nil {
		entry.lastRun = old.lastRun
	}
	j.jobs[key] = entry
	if old != nil {
		old.timer.Stop()
	}
	j.arm(key, entry, first.Sub(now))

	j.logger.Debug().Str("key", key).Dur("interval", interval).Time("next_run", first).Bool("replaced", old != nil).Msg("job scheduled")
	return j.view(key, entry)
}

// Reschedule swaps the interval of the job registered under key, keeping its
// body. The next run is realigned to the new interval. It reports false when
// no job is registered, so a cancelled job is never revived.
func (j *Jobs) Reschedule(key string, interval time.Duration) (Job, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	old, ok := j.jobs[key]
	if !ok || j.stopped {
		return Job{}, false
	}

	now := j.now()
	j.gen++
	entry := &jobEntry{
		gen:      j.gen,
		interval: interval,
		lastRun:  old.lastRun,
		nextRun:  NextFire(interval, now, j.dailyHour),
		fn:       old.fn,
	}
	j.jobs[key] = entry
	old.timer.Stop()
	j.arm(key, entry, entry.nextRun.Sub(now))
	return j.view(key, entry), true
}

// Cancel removes the job for key. It reports whether a job was registered.
func (j *Jobs) Cancel(key string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	entry, ok := j.jobs[key]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(j.jobs, key)
	return true
}

// Get returns the job registered under key.
func (j *Jobs) Get(key string) (Job, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	entry, ok := j.jobs[key]
	if !ok {
		return Job{}, false
	}
	return j.view(key, entry), true
}

// List returns every registered job ordered by key.
func (j *Jobs) List() []Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Job, 0, len(j.jobs))
	for key, entry := range j.jobs {
		out = append(out, j.view(key, entry))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Key < out[b].Key })
	return out
}

// Stop cancels every job and waits for running bodies to return.
func (j *Jobs) Stop() {
	j.mu.Lock()
	j.stopped = true
	for key, entry := range j.jobs {
		entry.timer.Stop()
		delete(j.jobs, key)
	}
	j.mu.Unlock()
	j.running.Wait()
}

func (j *Jobs) arm(key string, entry *jobEntry, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	gen := entry.gen
	entry.timer = time.AfterFunc(delay, func() { j.fire(key, gen) })
}

func (j *Jobs) fire(key string, gen uint64) {
	j.mu.Lock()
	entry, ok := j.jobs[key]
	if !ok || entry.gen != gen || j.stopped {
		j.mu.Unlock()
		return
	}
	now := j.now()
	entry.lastRun = &now
	entry.nextRun = NextFire(entry.interval, now, j.dailyHour)
	j.arm(key, entry, entry.nextRun.Sub(now))
	fn := entry.fn
	j.running.Add(1)
	j.mu.Unlock()

	defer j.running.Done()
	fn(j.ctx, key)
}

func (j *Jobs) view(key string, entry *jobEntry) Job {
	job := Job{
		Key:        key,
		Interval:   entry.interval,
		Expression: Describe(entry.interval, j.dailyHour),
		NextRun:    entry.nextRun,
	}
	if entry.lastRun != nil {
		last := *entry.lastRun
		job.LastRun = &last
	}
	return job
}
