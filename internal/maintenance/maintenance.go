// Package maintenance runs the bridge's background jobs on cron
// schedules: the session inactivity reaper, the credential refresh
// check, and the PKCE pending-flow sweep.
package maintenance

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// cronParser accepts both standard 5-field cron expressions and
// descriptors like "@every 60s".
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Runner owns the cron ticker for all registered jobs.
type Runner struct {
	mu      sync.Mutex
	cron    *cron.Cron
	started bool
}

// New creates an empty Runner.
func New() *Runner {
	return &Runner{cron: cron.New(cron.WithParser(cronParser))}
}

// Add registers a named job on the given schedule. Job panics are the
// job's own bug to fix; cron recovers them, but a panicking
// maintenance job would mask real failures, so jobs here log and
// return instead.
func (r *Runner) Add(name, schedule string, fn func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.cron.AddFunc(schedule, func() {
		slog.Debug("maintenance job firing", "job", name)
		fn()
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return nil
}

// Start begins the cron ticker.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.cron.Start()
}

// Stop halts the ticker and waits for running jobs to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	r.started = false
	<-r.cron.Stop().Done()
}
