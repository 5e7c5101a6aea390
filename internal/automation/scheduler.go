// Package automation runs the background jobs that move payments without
// human intervention: deposit detection, custody expiry, payouts and chain
// synchronization.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/custodia-pay/custodia/internal/traces"
)

// ErrUnknownJob is returned by Trigger for an unregistered job name.
var ErrUnknownJob = errors.New("automation: unknown job")

// Job is one periodic unit of work. Run returns the number of records it
// processed.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int, error)

	running atomic.Bool
}

// Result reports one job run for the admin trigger endpoint.
type Result struct {
	Job       string        `json:"job"`
	Processed int           `json:"processed"`
	Duration  time.Duration `json:"duration"`
	Err       string        `json:"error,omitempty"`
}

// Scheduler runs registered jobs on their intervals. A job whose previous
// run is still in flight is skipped, never stacked.
type Scheduler struct {
	jobs   []*Job
	byName map[string]*Job
	logger *slog.Logger
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates an empty scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		byName: make(map[string]*Job),
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// Register adds a job. Must be called before Start.
func (s *Scheduler) Register(name string, interval time.Duration, run func(ctx context.Context) (int, error)) {
	j := &Job{Name: name, Interval: interval, Run: run}
	s.jobs = append(s.jobs, j)
	s.byName[name] = j
}

// Start launches one goroutine per job.
func (s *Scheduler) Start(ctx context.Context) {
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	s.logger.Info("automation scheduler started", "jobs", len(s.jobs))
}

// Stop signals all job loops to exit and waits for them.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// Trigger runs a job immediately, outside its schedule. Used by the admin
// API. Returns the run result; a run skipped because the job is already in
// flight reports an error.
func (s *Scheduler) Trigger(ctx context.Context, name string) (*Result, error) {
	j, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, j), nil
}

// JobNames lists the registered jobs.
func (s *Scheduler) JobNames() []string {
	names := make([]string, 0, len(s.jobs))
	for _, j := range s.jobs {
		names = append(names, j.Name)
	}
	return names
}

func (s *Scheduler) loop(ctx context.Context, j *Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.run(ctx, j)
		}
	}
}

// run executes one guarded job run. Each run gets a bounded context so a
// hung dependency cannot wedge the loop forever.
func (s *Scheduler) run(ctx context.Context, j *Job) *Result {
	if !j.running.CompareAndSwap(false, true) {
		jobSkipped.WithLabelValues(j.Name).Inc()
		s.logger.Warn("job still running, skipping", "job", j.Name)
		return &Result{Job: j.Name, Err: "previous run still in flight"}
	}
	defer j.running.Store(false)

	runCtx, cancel := context.WithTimeout(ctx, j.Interval)
	defer cancel()

	runCtx, span := traces.StartSpan(runCtx, "automation.run", traces.Job(j.Name))
	defer span.End()

	start := time.Now()
	jobRuns.WithLabelValues(j.Name).Inc()

	res := &Result{Job: j.Name}
	func() {
		defer func() {
			if r := recover(); r != nil {
				res.Err = fmt.Sprintf("panic: %v", r)
				s.logger.Error("panic in automation job", "job", j.Name, "panic", fmt.Sprint(r))
			}
		}()
		n, err := j.Run(runCtx)
		res.Processed = n
		if err != nil {
			res.Err = err.Error()
		}
	}()

	res.Duration = time.Since(start)
	jobDuration.WithLabelValues(j.Name).Observe(res.Duration.Seconds())
	jobProcessed.WithLabelValues(j.Name).Add(float64(res.Processed))

	if res.Err != "" {
		jobErrors.WithLabelValues(j.Name).Inc()
		s.logger.Warn("job run failed", "job", j.Name, "processed", res.Processed, "error", res.Err)
	} else if res.Processed > 0 {
		s.logger.Info("job run completed", "job", j.Name, "processed", res.Processed,
			"duration", res.Duration)
	}
	return res
}
