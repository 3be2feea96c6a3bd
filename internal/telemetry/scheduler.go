package telemetry

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"gwbridge/util"
)

// Scheduler runs the periodic maintenance jobs (heartbeat, counter
// logging) on gocron's goroutines.  Jobs must only read shared state
// that is safe for concurrent access.
type Scheduler struct {
	s      gocron.Scheduler
	logger *util.Logger
	jobs   map[string]string // name -> job ID
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(logger *util.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Scheduler{s: s, logger: logger, jobs: make(map[string]string)}, nil
}

// Every registers fn to run every interval.  A second registration
// under the same name is ignored.  Runs never overlap.
func (s *Scheduler) Every(name string, interval time.Duration, fn func()) error {
	if _, ok := s.jobs[name]; ok {
		return nil
	}
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	job, err := s.s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(fn),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	s.jobs[name] = job.ID().String()
	s.logger.Verbose("scheduled %s every %v", name, interval)
	return nil
}

// Jobs lists registered job names.
func (s *Scheduler) Jobs() []string {
	out := make([]string, 0, len(s.jobs))
	for _, j := range s.s.Jobs() {
		out = append(out, j.Name())
	}
	return out
}

// Start begins running jobs.
func (s *Scheduler) Start() { s.s.Start() }

// Stop waits for running jobs and shuts the scheduler down.
func (s *Scheduler) Stop() error { return s.s.Shutdown() }
