// Package scheduler runs the long-lived job loops: discovery, price
// monitor, order-book analysis, convergence, and the health watchdog. Every
// loop catches its own failures at the boundary, backs off, and resumes; no
// loop can take the process down.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/crossarb/internal/metrics"
)

// Job is one periodic loop. Stagger delays the first run so loops sharing a
// process do not all fire on the same instant.
type Job struct {
	Name     string
	Interval time.Duration
	Stagger  time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler owns the loops. Start launches them; cancelling the context
// stops every loop at its next tick boundary (in-flight work finishes).
type Scheduler struct {
	jobs         []Job
	errorBackoff time.Duration
	metrics      *metrics.Metrics
	wg           sync.WaitGroup
}

// New builds a scheduler. metrics may be nil in tests.
func New(errorBackoff time.Duration, m *metrics.Metrics) *Scheduler {
	if errorBackoff <= 0 {
		errorBackoff = 60 * time.Second
	}
	return &Scheduler{errorBackoff: errorBackoff, metrics: m}
}

// Add registers a job. Must be called before Start.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil || job.Interval <= 0 {
		return fmt.Errorf("scheduler: job needs a name, interval and run func")
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start launches every registered loop.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		s.wg.Add(1)
		go func(job Job) {
			defer s.wg.Done()
			s.loop(ctx, job)
		}(job)
	}
	log.Info().Int("jobs", len(s.jobs)).Msg("Scheduler started")
}

// Wait blocks until every loop has exited.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) loop(ctx context.Context, job Job) {
	if job.Stagger > 0 {
		if !sleepCtx(ctx, job.Stagger) {
			return
		}
	}

	logger := log.With().Str("job", job.Name).Logger()
	logger.Info().Dur("interval", job.Interval).Msg("Job loop started")

	for {
		delay := job.Interval
		if err := s.runOnce(ctx, job); err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Error().Err(err).Dur("backoff", s.errorBackoff).Msg("Job failed, backing off")
			delay = s.errorBackoff
		}
		if !sleepCtx(ctx, delay) {
			break
		}
	}
	logger.Info().Msg("Job loop stopped")
}

// runOnce contains one tick, converting panics into errors so a bad tick
// costs a backoff interval instead of the process.
func (s *Scheduler) runOnce(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
	}()

	var timer *metrics.JobTimer
	if s.metrics != nil {
		timer = s.metrics.StartJobTimer(job.Name)
	}
	err = job.Run(ctx)
	if timer != nil {
		result := metrics.ResultOK
		if err != nil {
			result = metrics.ResultError
		}
		timer.Stop(result)
	}
	return err
}

// sleepCtx sleeps for d and reports false when the context was cancelled
// first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
