// Package cron triggers plan runs on recurring schedules. Jobs persist
// in a JSON file so schedules survive restarts.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
)

// tickInterval is how often due jobs are checked. Cron expressions
// have minute resolution, so once a minute is enough.
const tickInterval = time.Minute

// Job is one recurring plan submission.
type Job struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Schedule    string     `json:"schedule"`
	Description string     `json:"description"`
	Context     string     `json:"context,omitempty"`
	Enabled     bool       `json:"enabled"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Submitter starts a plan run for a due job. Implementations dispatch
// through the planner and executor on the cron lane.
type Submitter func(ctx context.Context, description, contextText string)

// Service owns the job store and the scheduling loop.
type Service struct {
	path   string
	submit Submitter
	gron   *gronx.Gronx

	mu   sync.Mutex
	jobs map[string]*Job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(path string, submit Submitter) *Service {
	return &Service{
		path:   path,
		submit: submit,
		gron:   gronx.New(),
		jobs:   make(map[string]*Job),
	}
}

// Start loads persisted jobs and begins the scheduling loop.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Load(); err != nil {
		return err
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.runLoop(ctx)
	slog.Info("cron service started", "jobs", len(s.jobs))
	return nil
}

// Stop halts the loop; in-flight submissions are not interrupted.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Add validates the schedule and persists a new job.
func (s *Service) Add(name, schedule, description, contextText string) (*Job, error) {
	if !s.gron.IsValid(schedule) {
		return nil, fmt.Errorf("invalid cron schedule %q", schedule)
	}
	if description == "" {
		return nil, fmt.Errorf("description is required")
	}

	job := &Job{
		ID:          uuid.NewString(),
		Name:        name,
		Schedule:    schedule,
		Description: description,
		Context:     contextText,
		Enabled:     true,
		CreatedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	slog.Info("cron job added", "job", job.ID, "schedule", schedule)
	return job, nil
}

// Remove deletes a job. Unknown IDs are a no-op.
func (s *Service) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return nil
	}
	delete(s.jobs, id)
	return s.persistLocked()
}

// SetEnabled toggles a job without removing its history.
func (s *Service) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("cron job %s not found", id)
	}
	job.Enabled = enabled
	return s.persistLocked()
}

// List returns jobs sorted by creation time.
func (s *Service) List() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		c := *job
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Service) runLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.fireDue(ctx, now)
		}
	}
}

func (s *Service) fireDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*Job
	for _, job := range s.jobs {
		if !job.Enabled {
			continue
		}
		ok, err := s.gron.IsDue(job.Schedule, now)
		if err != nil {
			slog.Warn("unevaluable cron schedule", "job", job.ID, "error", err)
			continue
		}
		if ok {
			t := now.UTC()
			job.LastRun = &t
			due = append(due, job)
		}
	}
	if len(due) > 0 {
		if err := s.persistLocked(); err != nil {
			slog.Warn("failed to persist cron state", "error", err)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		slog.Info("cron job due", "job", job.ID, "name", job.Name)
		s.submit(ctx, job.Description, job.Context)
	}
}

// Load reads the persisted job store. Start calls it; tools that only
// inspect or edit the store call it directly.
func (s *Service) Load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read cron store: %w", err)
	}
	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("parse cron store: %w", err)
	}
	s.mu.Lock()
	for _, job := range jobs {
		s.jobs[job.ID] = job
	}
	s.mu.Unlock()
	return nil
}

// persistLocked writes the store atomically via rename. Callers hold mu.
func (s *Service) persistLocked() error {
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cron store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create cron store dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cron store: %w", err)
	}
	return os.Rename(tmp, s.path)
}
