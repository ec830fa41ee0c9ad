package repository

import (
	"context"
	"time"

	"github.com/garnizeh/sobershift/internal/models"
)

// Repository interfaces for domain entities. These are the public contracts
// consumers should depend on; concrete implementations live under internal/
// (sqlite) and pkg/repository/mock (in-memory).
//
// Getters return (nil, nil) when the entity does not exist.

type WorkerRepo interface {
	CreateWorker(ctx context.Context, w *models.Worker) error
	GetWorker(ctx context.Context, id string) (*models.Worker, error)
	// ListAvailableWithSkills returns available workers sharing at least one
	// skill with skills (case-insensitive). Order is unspecified.
	ListAvailableWithSkills(ctx context.Context, skills []string) ([]models.Worker, error)
	SetAvailability(ctx context.Context, id string, a models.Availability) error
}

type JobRequestRepo interface {
	CreateJobRequest(ctx context.Context, j *models.JobRequest) error
	GetJobRequest(ctx context.Context, id string) (*models.JobRequest, error)
}

type AssignmentRepo interface {
	// CreateAssignment atomically moves the job open->assigned, claims the worker
	// available->assigned and inserts a. It returns ErrInvalidTransition when the
	// job is no longer open and ErrConcurrencyConflict when the worker was taken.
	CreateAssignment(ctx context.Context, a *models.JobAssignment) error
	GetAssignment(ctx context.Context, id string) (*models.JobAssignment, error)
	ListAssignmentsByWorker(ctx context.Context, workerID string) ([]models.JobAssignment, error)
	// StartWork moves work_approved->in_progress.
	StartWork(ctx context.Context, id string, at time.Time) error
	// FinishAssignment moves the assignment to completed (from in_progress) or
	// cancelled (from any non-terminal status) and releases the worker in the
	// same transaction.
	FinishAssignment(ctx context.Context, id string, to models.AssignmentStatus, at time.Time) error
}

type SobrietyCheckRepo interface {
	// CreateCheck inserts a pending check and makes it the assignment's current
	// check, moving the assignment to sobriety_check_pending.
	CreateCheck(ctx context.Context, c *models.SobrietyCheck) error
	GetCheck(ctx context.Context, id string) (*models.SobrietyCheck, error)
	ListChecksByWorker(ctx context.Context, workerID string) ([]models.SobrietyCheck, error)
	ListChecksAwaitingReview(ctx context.Context) ([]models.SobrietyCheck, error)
	// RecordAnalysisFailure stores reason on a check that is still pending.
	RecordAnalysisFailure(ctx context.Context, id string, reason string) error
	// ApplyOutcome commits a verdict or a review: check status, assignment
	// status and worker history, all or nothing.
	ApplyOutcome(ctx context.Context, o models.CheckOutcome) error
}

type SchemaRepo interface {
	CreateSchema(ctx context.Context, version, description, schemaJSON string) (int64, error)
	GetSchemaByVersion(ctx context.Context, version string) (*models.Schema, error)
	ListSchemas(ctx context.Context) ([]models.Schema, error)
	DeleteSchema(ctx context.Context, version string) error
}

type TemplateRepo interface {
	CreateTemplate(ctx context.Context, name, version, templateText string, schemaVersion *string, metadata *string) (int64, error)
	GetTemplate(ctx context.Context, name, version string) (*models.Template, error)
	ListTemplates(ctx context.Context) ([]models.Template, error)
	DeleteTemplate(ctx context.Context, name, version string) error
}

type JobRepo interface {
	Enqueue(ctx context.Context, j *models.BackgroundJob) (int64, error)
	FetchNext(ctx context.Context) (*models.BackgroundJob, error)
	UpdateJob(ctx context.Context, j *models.BackgroundJob) error
	MoveToDeadLetter(ctx context.Context, j *models.BackgroundJob) error
}

// Repository groups the domain repositories handed to services.
type Repository struct {
	Worker     WorkerRepo
	JobRequest JobRequestRepo
	Assignment AssignmentRepo
	Check      SobrietyCheckRepo
	Schema     SchemaRepo
	Template   TemplateRepo
	Job        JobRepo
}
