// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package scheduler runs periodic maintenance jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Job is a named periodic task.
type Job struct {
	Name        string
	Description string
	Schedule    string
	Run         func(ctx context.Context) error
}

// JobInfo is the public view of a registered job.
type JobInfo struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Schedule    string    `json:"schedule"`
	LastRun     time.Time `json:"last_run"`
	LastError   string    `json:"last_error,omitempty"`
	NextRun     time.Time `json:"next_run"`
}

type registeredJob struct {
	job     Job
	entryID cron.EntryID
	lastRun time.Time
	lastErr error
	// serializes runs of one job between cron and TriggerNow
	running sync.Mutex
}

// Scheduler owns a cron instance and its jobs.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.RWMutex
	jobs map[string]*registeredJob
}

// New creates a stopped scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithParser(parser)),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*registeredJob),
	}
}

// Add registers job. Names are unique.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("scheduler: job needs a name and a run function")
	}
	if _, err := parser.Parse(job.Schedule); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", job.Schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("scheduler: job %q already registered", job.Name)
	}
	rj := &registeredJob{job: job}
	id, err := s.cron.AddFunc(job.Schedule, func() { _ = s.run(s.ctx, rj) })
	if err != nil {
		return fmt.Errorf("scheduling %s: %w", job.Name, err)
	}
	rj.entryID = id
	s.jobs[job.Name] = rj
	s.logger.Debug("registered scheduled job", "name", job.Name, "schedule", job.Schedule)
	return nil
}

func (s *Scheduler) run(ctx context.Context, rj *registeredJob) (err error) {
	rj.running.Lock()
	defer rj.running.Unlock()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
		s.mu.Lock()
		rj.lastRun, rj.lastErr = start, err
		s.mu.Unlock()
		if err != nil {
			s.logger.Error("scheduled job failed", "name", rj.job.Name, "error", err)
			return
		}
		s.logger.Debug("scheduled job done", "name", rj.job.Name, "duration", time.Since(start))
	}()
	return rj.job.Run(ctx)
}

// Start begins running jobs on their schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// TriggerNow runs a job immediately and returns its error.
func (s *Scheduler) TriggerNow(ctx context.Context, name string) error {
	s.mu.RLock()
	rj, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("job not found: %s", name)
	}
	s.logger.Info("manually triggering job", "name", name)
	return s.run(ctx, rj)
}

// List returns all registered jobs sorted by name.
func (s *Scheduler) List() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for _, rj := range s.jobs {
		info := JobInfo{
			Name:        rj.job.Name,
			Description: rj.job.Description,
			Schedule:    rj.job.Schedule,
			LastRun:     rj.lastRun,
			NextRun:     s.cron.Entry(rj.entryID).Next,
		}
		if rj.lastErr != nil {
			info.LastError = rj.lastErr.Error()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Purger removes expired rows and reports how many went.
type Purger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// PurgeJob returns an hourly job calling p.PurgeExpired.
func PurgeJob(name string, p Purger, logger *slog.Logger) Job {
	return Job{
		Name:        name,
		Description: "Remove expired sessions and one-time tokens",
		Schedule:    "@hourly",
		Run: func(ctx context.Context) error {
			n, err := p.PurgeExpired(ctx)
			if err != nil {
				return err
			}
			if n > 0 && logger != nil {
				logger.Info("purged expired auth rows", "count", n)
			}
			return nil
		},
	}
}
