package core

import (
	"fmt"
	"time"
)

// cronjob is one periodically-fired task.
type cronjob struct {
	task      func(now time.Time)
	interval  time.Duration
	nextEvent time.Time
}

// cron runs named interval jobs from inside the Core's single handler
// goroutine. Grounded on pkg/routing/cron.go's job registry, but unlike
// that Cron this one never spawns `go job.task()`: spec.md §5 requires the
// forwarding engine's single-threaded cooperative model, so every fire
// happens synchronously on the caller's goroutine instead of its own
// ticker thread.
type cron struct {
	jobs map[string]*cronjob
}

func newCron() *cron {
	return &cron{jobs: make(map[string]*cronjob)}
}

// register adds a named job firing every interval, first firing after
// interval has elapsed. Re-registering an existing name is an error,
// mirroring the teacher's Cron.Register.
func (c *cron) register(name string, interval time.Duration, task func(now time.Time)) error {
	return c.registerDelayed(name, interval, interval, task)
}

// registerDelayed is register with an independent delay before the first
// fire; every fire after the first uses interval, matching the teacher's
// Cron rescheduling.
func (c *cron) registerDelayed(name string, firstDelay, interval time.Duration, task func(now time.Time)) error {
	if _, exists := c.jobs[name]; exists {
		return fmt.Errorf("core: cron job %q already registered", name)
	}
	c.jobs[name] = &cronjob{
		task:      task,
		interval:  interval,
		nextEvent: time.Now().Add(firstDelay),
	}
	return nil
}

// reschedule changes an already-registered job's steady-state interval
// without disturbing its next scheduled fire, used for hot-reloading the
// self-announce cadence. Reports false if name isn't registered.
func (c *cron) reschedule(name string, interval time.Duration) bool {
	job, ok := c.jobs[name]
	if !ok {
		return false
	}
	job.interval = interval
	return true
}

// fire runs every job whose nextEvent has passed, called once per handler
// tick.
func (c *cron) fire(now time.Time) {
	for _, job := range c.jobs {
		if job.nextEvent.After(now) {
			continue
		}
		job.nextEvent = now.Add(job.interval)
		job.task(now)
	}
}
