// Package maintenance runs the periodic jobs that keep the durable store and
// the in-memory snapshots current. Jobs never run on the request path.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kb-assistant/backend/internal/metrics"
	"github.com/kb-assistant/backend/pkg/logger"
)

type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type Scheduler struct {
	jobs    []Job
	timeout time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler builds a scheduler. timeout bounds a single job run.
func NewScheduler(timeout time.Duration, jobs ...Job) *Scheduler {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Scheduler{jobs: jobs, timeout: timeout, stop: make(chan struct{})}
}

// Start launches one ticker loop per job. Each loop runs its job immediately
// and then on every tick until Stop or ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		if job.Interval <= 0 {
			logger.Warn("Skipping maintenance job without interval", zap.String("job", job.Name))
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
	logger.Info("Maintenance scheduler started", zap.Int("jobs", len(s.jobs)))
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	s.run(ctx, job)
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(ctx, job)
		}
	}
}

// Stop signals every loop and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// RunOnce runs every job sequentially, in registration order.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var errs []error
	for _, job := range s.jobs {
		if err := s.run(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", job.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) run(ctx context.Context, job Job) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := job.Run(ctx)
	if err != nil {
		metrics.BackgroundJobs.WithLabelValues(job.Name, "error").Inc()
		logger.Error("Maintenance job failed",
			zap.String("job", job.Name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return err
	}

	metrics.BackgroundJobs.WithLabelValues(job.Name, "success").Inc()
	logger.Debug("Maintenance job finished",
		zap.String("job", job.Name),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}
