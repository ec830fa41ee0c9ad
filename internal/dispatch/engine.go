package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/garnizeh/sobershift/internal/config"
	"github.com/garnizeh/sobershift/internal/events"
	"github.com/garnizeh/sobershift/internal/models"
	"github.com/garnizeh/sobershift/pkg/repository"
)

// Engine picks workers for jobs and drives the assignment lifecycle outside
// of sobriety verification.
type Engine struct {
	workers     repository.WorkerRepo
	jobs        repository.JobRequestRepo
	assignments repository.AssignmentRepo
	events      events.Publisher
	logger      *slog.Logger
	maxAttempts int
	now         func() time.Time
}

func NewEngine(repo *repository.Repository, publisher events.Publisher, logger *slog.Logger, cfg config.DispatchConfig) (*Engine, error) {
	if repo == nil || repo.Worker == nil || repo.JobRequest == nil || repo.Assignment == nil {
		return nil, fmt.Errorf("worker, job request and assignment repos are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Engine{
		workers:     repo.Worker,
		jobs:        repo.JobRequest,
		assignments: repo.Assignment,
		events:      publisher,
		logger:      logger,
		maxAttempts: cfg.MaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock replaces the time source used for scoring and timestamps.
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// PostJob validates and stores j. With AutoAssign set it then runs Assign;
// the job stays stored whatever the assignment outcome is.
func (e *Engine) PostJob(ctx context.Context, j *models.JobRequest) (*models.JobRequest, *models.JobAssignment, error) {
	if j == nil {
		return nil, nil, fmt.Errorf("%w: job request is nil", models.ErrInvalidInput)
	}
	if err := j.Validate(); err != nil {
		return nil, nil, err
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	j.Status = models.JobStatusOpen
	j.Created = e.now()
	if err := e.jobs.CreateJobRequest(ctx, j); err != nil {
		return nil, nil, fmt.Errorf("store job request: %w", err)
	}
	e.logger.InfoContext(ctx, "job posted", "job_request_id", j.ID, "auto_assign", j.AutoAssign)

	if !j.AutoAssign {
		return j, nil, nil
	}
	a, err := e.Assign(ctx, j.ID)
	stored, gerr := e.jobs.GetJobRequest(ctx, j.ID)
	if gerr == nil && stored != nil {
		j = stored
	}
	return j, a, err
}

// Assign selects the best available worker for the job and commits the
// assignment. A worker lost to a concurrent caller is skipped in favor of the
// next candidate, at most maxAttempts times.
func (e *Engine) Assign(ctx context.Context, jobRequestID string) (*models.JobAssignment, error) {
	job, err := e.openJob(ctx, jobRequestID)
	if err != nil {
		return nil, err
	}

	workers, err := e.workers.ListAvailableWithSkills(ctx, job.RequiredSkills)
	if err != nil {
		return nil, fmt.Errorf("list available workers: %w", err)
	}

	now := e.now()
	cands := make([]Candidate, 0, len(workers))
	for _, w := range workers {
		if !w.HasAnySkill(job.RequiredSkills) {
			continue
		}
		s, err := Score(w, *job, now)
		if err != nil {
			e.logger.WarnContext(ctx, "skipping unscorable worker", "worker_id", w.ID, "err", err)
			continue
		}
		cands = append(cands, Candidate{Worker: w, Score: s})
	}
	if len(cands) == 0 {
		return nil, fmt.Errorf("%w: job request %s", models.ErrNoEligibleWorkers, jobRequestID)
	}
	Rank(cands)

	for i, c := range cands {
		if i >= e.maxAttempts {
			break
		}
		a, err := e.commit(ctx, job.ID, c.Worker.ID, models.AssignmentAuto)
		if err == nil {
			e.logger.InfoContext(ctx, "worker assigned", "job_request_id", job.ID, "worker_id", c.Worker.ID,
				"score", c.Score, "attempt", i+1)
			e.emitCreated(ctx, a, c.Score)
			return a, nil
		}
		if errors.Is(err, models.ErrConcurrencyConflict) {
			e.logger.DebugContext(ctx, "worker taken concurrently", "job_request_id", job.ID, "worker_id", c.Worker.ID)
			continue
		}
		return nil, err
	}

	return nil, fmt.Errorf("%w: job request %s lost every ranked candidate", models.ErrNoEligibleWorkers, jobRequestID)
}

// AssignManual assigns the buyer chosen worker. The worker must be available.
func (e *Engine) AssignManual(ctx context.Context, jobRequestID, workerID string) (*models.JobAssignment, error) {
	job, err := e.openJob(ctx, jobRequestID)
	if err != nil {
		return nil, err
	}
	w, err := e.workers.GetWorker(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	if w == nil {
		return nil, fmt.Errorf("%w: worker %s", models.ErrNotFound, workerID)
	}
	if w.Availability != models.AvailabilityAvailable {
		return nil, fmt.Errorf("%w: worker %s is %s", models.ErrConcurrencyConflict, workerID, w.Availability)
	}

	a, err := e.commit(ctx, job.ID, workerID, models.AssignmentManual)
	if err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "worker assigned manually", "job_request_id", job.ID, "worker_id", workerID)
	e.emitCreated(ctx, a, -1)
	return a, nil
}

// StartWork moves an approved assignment to in_progress. Only the assigned
// worker may start it.
func (e *Engine) StartWork(ctx context.Context, assignmentID, workerID string) (*models.JobAssignment, error) {
	a, err := e.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if a.WorkerID != workerID {
		return nil, fmt.Errorf("%w: assignment %s belongs to another worker", models.ErrInvalidTransition, assignmentID)
	}
	if a.Status != models.AssignmentWorkApproved {
		return nil, fmt.Errorf("%w: assignment %s is %s", models.ErrInvalidTransition, assignmentID, a.Status)
	}
	now := e.now()
	if err := e.assignments.StartWork(ctx, assignmentID, now); err != nil {
		return nil, err
	}
	return e.afterTransition(ctx, assignmentID, a.Status, now)
}

// Complete finishes in_progress work, releasing the worker and closing the job.
func (e *Engine) Complete(ctx context.Context, assignmentID string) (*models.JobAssignment, error) {
	return e.finish(ctx, assignmentID, models.AssignmentCompleted)
}

// Cancel ends any non-terminal assignment, releasing the worker and reopening the job.
func (e *Engine) Cancel(ctx context.Context, assignmentID string) (*models.JobAssignment, error) {
	return e.finish(ctx, assignmentID, models.AssignmentCancelled)
}

func (e *Engine) finish(ctx context.Context, assignmentID string, to models.AssignmentStatus) (*models.JobAssignment, error) {
	a, err := e.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	if err := e.assignments.FinishAssignment(ctx, assignmentID, to, now); err != nil {
		return nil, err
	}
	return e.afterTransition(ctx, assignmentID, a.Status, now)
}

func (e *Engine) GetAssignment(ctx context.Context, id string) (*models.JobAssignment, error) {
	a, err := e.assignments.GetAssignment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	if a == nil {
		return nil, fmt.Errorf("%w: assignment %s", models.ErrNotFound, id)
	}
	return a, nil
}

// GetJobRequest returns the stored job or ErrNotFound.
func (e *Engine) GetJobRequest(ctx context.Context, id string) (*models.JobRequest, error) {
	job, err := e.jobs.GetJobRequest(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job request: %w", err)
	}
	if job == nil {
		return nil, fmt.Errorf("%w: job request %s", models.ErrNotFound, id)
	}
	return job, nil
}

func (e *Engine) ListWorkerAssignments(ctx context.Context, workerID string) ([]models.JobAssignment, error) {
	w, err := e.workers.GetWorker(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	if w == nil {
		return nil, fmt.Errorf("%w: worker %s", models.ErrNotFound, workerID)
	}
	return e.assignments.ListAssignmentsByWorker(ctx, workerID)
}

func (e *Engine) openJob(ctx context.Context, id string) (*models.JobRequest, error) {
	job, err := e.GetJobRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusOpen {
		return nil, fmt.Errorf("%w: job request %s is %s", models.ErrInvalidTransition, id, job.Status)
	}
	return job, nil
}

func (e *Engine) commit(ctx context.Context, jobID, workerID string, typ models.AssignmentType) (*models.JobAssignment, error) {
	now := e.now()
	a := &models.JobAssignment{
		ID:                    uuid.NewString(),
		JobRequestID:          jobID,
		WorkerID:              workerID,
		Type:                  typ,
		Status:                models.AssignmentAssigned,
		SobrietyCheckRequired: true,
		SobrietyCheckStatus:   models.CheckPending,
		Created:               now,
		Updated:               now,
	}
	if err := e.assignments.CreateAssignment(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (e *Engine) afterTransition(ctx context.Context, id string, from models.AssignmentStatus, at time.Time) (*models.JobAssignment, error) {
	a, err := e.GetAssignment(ctx, id)
	if err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "assignment transition", "assignment_id", id, "from", from, "to", a.Status)

	ev := events.New(events.TypeAssignmentStatusChanged, at)
	ev.AssignmentID = a.ID
	ev.JobRequestID = a.JobRequestID
	ev.WorkerID = a.WorkerID
	ev.Status = string(a.Status)
	ev.Attributes = map[string]string{"from": string(from)}
	events.Emit(ctx, e.events, e.logger, ev)
	return a, nil
}

func (e *Engine) emitCreated(ctx context.Context, a *models.JobAssignment, score float64) {
	ev := events.New(events.TypeAssignmentCreated, a.Created)
	ev.AssignmentID = a.ID
	ev.JobRequestID = a.JobRequestID
	ev.WorkerID = a.WorkerID
	ev.Status = string(a.Status)
	ev.Attributes = map[string]string{"assignment_type": string(a.Type)}
	if score >= 0 {
		ev.Attributes["score"] = strconv.FormatFloat(score, 'f', 4, 64)
	}
	events.Emit(ctx, e.events, e.logger, ev)
}
