// Package scheduler runs named periodic tasks on an injectable clock.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"orderflow/logger"
)

// Task is one unit of periodic work. It must return promptly once ctx is done.
type Task func(ctx context.Context)

type job struct {
	name     string
	interval time.Duration
	task     Task
}

// Scheduler owns a set of periodic jobs. Jobs are registered before Run and
// all stop when Run's context is cancelled.
type Scheduler struct {
	clock   Clock
	log     *logger.Log
	mu      sync.Mutex
	jobs    []job
	running bool
	wg      sync.WaitGroup
}

// New returns a scheduler on clock. A nil clock means SystemClock.
func New(clock Clock, log *logger.Log) *Scheduler {
	if clock == nil {
		clock = SystemClock()
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Scheduler{clock: clock, log: log}
}

// Clock returns the scheduler's clock.
func (s *Scheduler) Clock() Clock { return s.clock }

// Every registers task to run once per interval.
func (s *Scheduler) Every(name string, interval time.Duration, task Task) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be greater than 0", name)
	}
	if task == nil {
		return fmt.Errorf("job %s: task is nil", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("job %s: scheduler already running", name)
	}
	s.jobs = append(s.jobs, job{name: name, interval: interval, task: task})
	return nil
}

// Run starts every job and blocks until ctx is cancelled and all jobs exit.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	jobs := append([]job(nil), s.jobs...)
	s.mu.Unlock()

	log := s.log.WithComponent("scheduler")
	log.WithFields(logger.Fields{"jobs": len(jobs)}).Info("scheduler started")

	for _, j := range jobs {
		s.wg.Add(1)
		go s.runJob(ctx, j)
	}

	<-ctx.Done()
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	log.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) runJob(ctx context.Context, j job) {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(j.interval)
	defer ticker.Stop()

	log := s.log.WithComponent("scheduler").WithFields(logger.Fields{"job": j.name})
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			start := time.Now()
			j.task(ctx)
			if took := time.Since(start); took > j.interval {
				log.WithFields(logger.Fields{
					"duration_ms": took.Milliseconds(),
					"interval_ms": j.interval.Milliseconds(),
				}).Warn("job took longer than interval")
			}
		}
	}
}
