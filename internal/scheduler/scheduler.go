// Package scheduler drives time-based swarm work: it fires stored swarm jobs
// when their schedule comes due and reaps swarms whose TTL has passed.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hivegate/hivegate/internal/config"
	"github.com/hivegate/hivegate/internal/saga"
	"github.com/hivegate/hivegate/internal/schedule"
	"github.com/hivegate/hivegate/internal/store"
)

const (
	JobActive    = "active"
	JobPaused    = "paused"
	JobCompleted = "completed"
)

type Scheduler struct {
	store        *store.Store
	prov         *saga.Provisioner
	events       saga.Publisher
	pollInterval time.Duration
}

func New(s *store.Store, prov *saga.Provisioner, events saga.Publisher, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:        s,
		prov:         prov,
		events:       events,
		pollInterval: cfg.PollInterval,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.pollInterval == 0 {
		s.pollInterval = 30 * time.Second
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	now := time.Now()
	s.prov.ReapExpired(ctx, now)

	jobs, err := s.store.GetDueJobs(now)
	if err != nil {
		slog.Error("failed to get due jobs", "error", err)
		return
	}
	for _, job := range jobs {
		s.runJob(ctx, job)
	}
}

// CreateJob validates and stores a scheduled swarm creation. The request is
// validated the same way a live swarm_create would be, minus the balance
// check, which only makes sense at fire time.
func (s *Scheduler) CreateJob(userID, name, rawSchedule string, req saga.CreateRequest) (*store.SwarmJob, error) {
	normalized, err := schedule.Normalize(rawSchedule)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", saga.ErrValidation, err)
	}
	req.UserID = userID
	if req.Name == "" {
		req.Name = name
	}

	request, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode job request: %w", err)
	}

	job := &store.SwarmJob{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      name,
		Schedule:  normalized,
		Request:   request,
		Status:    JobActive,
		NextRunAt: schedule.NextRun(normalized, time.Now()),
	}
	if job.NextRunAt == nil {
		return nil, fmt.Errorf("%w: schedule never fires", saga.ErrValidation)
	}
	if err := s.store.SaveJob(job); err != nil {
		return nil, err
	}

	slog.Info("swarm job created", "job", job.ID, "name", name, "schedule", schedule.Describe(normalized))
	return job, nil
}

func (s *Scheduler) Jobs() ([]store.SwarmJob, error) {
	return s.store.ListJobs()
}

func (s *Scheduler) DeleteJob(id string) error {
	return s.store.DeleteJob(id)
}

// SetJobStatus pauses or resumes a job. Resuming recomputes the next run so a
// job paused past its slot doesn't fire immediately with a stale time.
func (s *Scheduler) SetJobStatus(id, status string) error {
	if status != JobActive && status != JobPaused {
		return fmt.Errorf("%w: job status must be %q or %q", saga.ErrValidation, JobActive, JobPaused)
	}
	job, err := s.store.GetJob(id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %s not found", id)
	}
	if status == JobActive {
		if err := s.store.UpdateJobNextRun(id, schedule.NextRun(job.Schedule, time.Now())); err != nil {
			return err
		}
	}
	return s.store.UpdateJobStatus(id, status)
}

func (s *Scheduler) runJob(ctx context.Context, job store.SwarmJob) {
	slog.Info("firing swarm job", "job", job.ID, "name", job.Name)

	var req saga.CreateRequest
	lastStatus, lastError := "ok", ""
	if err := json.Unmarshal(job.Request, &req); err != nil {
		lastStatus, lastError = "error", fmt.Sprintf("decode request: %v", err)
	} else {
		// The job owner is authoritative regardless of the stored request.
		req.UserID = job.UserID
		if _, err := s.prov.CreateSwarm(ctx, req); err != nil {
			lastStatus, lastError = "error", err.Error()
			slog.Warn("swarm job failed", "job", job.ID, "error", err)
		}
	}

	nextRun := schedule.NextRun(job.Schedule, time.Now())
	if err := s.store.UpdateJobRun(job.ID, lastStatus, lastError, nextRun); err != nil {
		slog.Error("failed to update job run", "job", job.ID, "error", err)
	}

	if s.events != nil {
		_ = s.events.PublishJSON("events.job."+job.ID, map[string]any{
			"event":  "job_fired",
			"job_id": job.ID,
			"name":   job.Name,
			"status": lastStatus,
			"error":  lastError,
		})
	}

	// One-shots retire themselves.
	if nextRun == nil {
		if err := s.store.UpdateJobStatus(job.ID, JobCompleted); err != nil {
			slog.Error("failed to complete job", "job", job.ID, "error", err)
		}
	}
}
