// Package scheduler implements C4: the in-process job scheduler that turns
// recurring Job records into timed task creation. Grounded on the teacher's
// services/automation.Scheduler (mutex-guarded trigger map, single polling
// goroutine, stopCh shutdown) generalized from on-chain trigger polling to
// the household Job/Frequency model, plus robfig/cron/v3 for the optional
// CronSpec window some jobs specify instead of a fixed Frequency.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hearth-os/hearth/pkg/logger"
	"github.com/hearth-os/hearth/pkg/metrics"
	"github.com/hearth-os/hearth/system/bus"
	"github.com/hearth-os/hearth/system/store"
)

// pollInterval is how often the scheduler wakes to check for due jobs.
const pollInterval = time.Second

// maxFailuresBeforeDisable auto-disables a job after repeated failures
// (§3 "no job may retry forever").
const maxFailuresBeforeDisable = 10

// backoffAfterFailures is the failure_count threshold past which NextRun
// applies exponential backoff instead of the job's normal cadence (§3
// "failure accounting").
const backoffAfterFailures = 3

// maxBackoff caps the exponential backoff delay so a chronically failing
// job still gets retried at a bounded cadence rather than drifting to
// hours between attempts.
const maxBackoff = 30 * time.Minute

// jitterWindow bounds the random jitter added to every computed next_run so
// jobs sharing a frequency don't all fire in the same instant.
const jitterWindow = 30 * time.Second

// TaskCreator is the subset of the task-creation surface the scheduler
// depends on; satisfied by the agent runtime or a direct store call.
type TaskCreator func(ctx context.Context, job *store.Job) error

// Scheduler polls the store for due jobs and fires TaskCreator for each,
// advancing next_run monotonically so a missed window is coalesced into a
// single catch-up run rather than replayed once per missed tick.
type Scheduler struct {
	mu      sync.RWMutex
	st      store.Store
	b       *bus.Bus
	log     *logger.Logger
	create  TaskCreator
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// New creates a Scheduler. create is invoked once per due job firing.
func New(st store.Store, b *bus.Bus, log *logger.Logger, create TaskCreator) *Scheduler {
	return &Scheduler{
		st:     st,
		b:      b,
		log:    log,
		create: create,
		stopCh: make(chan struct{}),
	}
}

// Start begins the polling loop. Idempotent: a second call is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)
}

// Stop halts the polling loop and waits for the in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	jobs, err := s.st.ListJobs(ctx)
	if err != nil {
		if s.log != nil {
			s.log.Component("scheduler").WithField("error", err).Warn("failed to list jobs")
		}
		return
	}
	now := time.Now()
	for _, j := range jobs {
		if !j.Enabled || j.NextRun.After(now) {
			continue
		}
		s.fire(ctx, j, now)
	}
}

// fire creates the task for one due job, advances NextRun monotonically
// (coalescing any number of missed windows into the single catch-up run
// §3 "catch-up, not replay"), and accounts failures toward auto-disable.
func (s *Scheduler) fire(ctx context.Context, j *store.Job, now time.Time) {
	start := time.Now()
	err := s.create(ctx, j)
	metrics.RecordSchedulerJob(j.Name, time.Since(start), err == nil)

	newJob := *j
	newJob.LastRun = &now
	newJob.RunCount++
	if err != nil {
		newJob.LastStatus = store.JobStatusFailed
		newJob.FailureCount++
		if newJob.FailureCount >= maxFailuresBeforeDisable {
			newJob.Enabled = false
			s.publish(ctx, "scheduler.job.disabled", &newJob, fmt.Sprintf("disabled after %d consecutive failures", newJob.FailureCount))
		}
	} else {
		newJob.LastStatus = store.JobStatusSuccess
		newJob.FailureCount = 0
	}
	newJob.NextRun = NextRun(&newJob, now)

	if uerr := s.st.UpdateJobIfVersion(ctx, &newJob); uerr != nil {
		if s.log != nil {
			s.log.Component("scheduler").WithField("job", j.Name).WithField("error", uerr).Warn("failed to advance job")
		}
		return
	}
	metrics.RecordSchedulerNextRun(j.Name, newJob.NextRun)
	s.publish(ctx, "scheduler.tick", &newJob, "")
}

// RunNow fires a job immediately, outside its regular cadence, without
// disturbing its computed NextRun (manual trigger, §6 POST /jobs/{id}/run).
func (s *Scheduler) RunNow(ctx context.Context, j *store.Job) error {
	start := time.Now()
	err := s.create(ctx, j)
	metrics.RecordSchedulerJob(j.Name, time.Since(start), err == nil)
	s.publish(ctx, "scheduler.run_now", j, "")
	return err
}

// publish emits topic at PriorityHigh for jobs marked Critical, PriorityNormal
// otherwise (§3 "priority = high for critical jobs else normal"); the
// job-disabled incident always escalates to PriorityHigh regardless, since a
// newly-disabled job is itself the noteworthy event.
func (s *Scheduler) publish(ctx context.Context, topic string, j *store.Job, note string) {
	if s.b == nil {
		return
	}
	priority := bus.PriorityNormal
	if j.Critical || topic == "scheduler.job.disabled" {
		priority = bus.PriorityHigh
	}
	_ = s.b.Publish(ctx, bus.Event{
		Topic:    topic,
		Priority: priority,
		Source:   "scheduler",
		Payload: map[string]any{
			"job":   j.Name,
			"agent": string(j.Agent),
			"note":  note,
		},
	})
}

// NextRun computes the next firing instant strictly after now, given the
// job's frequency (or its CronSpec window when set). The result always
// advances — callers never schedule into the past even after a long outage.
// Once FailureCount exceeds backoffAfterFailures, the normal cadence is
// overridden with an exponential backoff delay (capped at maxBackoff) so a
// struggling job is retried less often rather than hammered every cadence.
func NextRun(j *store.Job, now time.Time) time.Time {
	if j.FailureCount > backoffAfterFailures {
		return jitter(now.Add(backoffDelay(j.FailureCount)), now)
	}
	if j.CronSpec != "" {
		p := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if sched, err := p.Parse(j.CronSpec); err == nil {
			return jitter(sched.Next(now), now)
		}
	}

	base := now
	if j.LastRun != nil && j.LastRun.After(base) {
		base = *j.LastRun
	}

	var next time.Time
	switch j.Frequency {
	case store.FreqHourly:
		next = time.Date(base.Year(), base.Month(), base.Day(), base.Hour(), j.Minute, 0, 0, base.Location())
		for !next.After(now) {
			next = next.Add(time.Hour)
		}
	case store.FreqDaily:
		next = time.Date(base.Year(), base.Month(), base.Day(), j.Hour, j.Minute, 0, 0, base.Location())
		for !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
	case store.FreqWeekly:
		next = time.Date(base.Year(), base.Month(), base.Day(), j.Hour, j.Minute, 0, 0, base.Location())
		for next.Weekday() != time.Weekday(j.DayOfWeek) || !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
	case store.FreqMonthly:
		day := j.DayOfMonth
		if day <= 0 {
			day = 1
		}
		next = time.Date(base.Year(), base.Month(), day, j.Hour, j.Minute, 0, 0, base.Location())
		for !next.After(now) {
			next = next.AddDate(0, 1, 0)
		}
	case store.FreqOnce:
		return now.Add(100 * 365 * 24 * time.Hour) // effectively never again
	default:
		next = now.Add(time.Hour)
	}
	return jitter(next, now)
}

// backoffDelay doubles per failure past backoffAfterFailures, starting at
// two minutes for the first failure past it and capping at maxBackoff.
func backoffDelay(failureCount int) time.Duration {
	shift := failureCount - backoffAfterFailures
	delay := time.Minute << uint(shift)
	if delay > maxBackoff || delay <= 0 {
		return maxBackoff
	}
	return delay
}

// jitter shifts t by up to ±jitterWindow, clamped so the result never lands
// at or before now (that would re-fire the job on the next poll).
func jitter(t, now time.Time) time.Time {
	d := time.Duration(rand.Int63n(int64(jitterWindow)))
	if rand.Intn(2) == 1 {
		d = -d
	}
	j := t.Add(d)
	if !j.After(now) {
		return t
	}
	return j
}
