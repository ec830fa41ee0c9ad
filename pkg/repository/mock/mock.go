package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/garnizeh/sobershift/internal/models"
	"github.com/garnizeh/sobershift/pkg/repository"
)

// Store is an in-memory implementation of every repository contract. All
// methods share one mutex, so each call is atomic the way a sqlite
// transaction is.
type Store struct {
	mu          sync.Mutex
	workers     map[string]*models.Worker
	jobRequests map[string]*models.JobRequest
	assignments map[string]*models.JobAssignment
	checks      map[string]*models.SobrietyCheck
	schemas     map[string]*models.Schema
	templates   map[string]*models.Template
	jobs        map[int64]*models.BackgroundJob
	deadLetters []models.BackgroundJob
	seq         int64

	// Error injection. A non-nil value is returned before any state changes.
	CreateAssignmentErr error
	ApplyOutcomeErr     error
	CreateCheckErr      error
	EnqueueErr          error
}

var _ repository.WorkerRepo = (*Store)(nil)
var _ repository.JobRequestRepo = (*Store)(nil)
var _ repository.AssignmentRepo = (*Store)(nil)
var _ repository.SobrietyCheckRepo = (*Store)(nil)
var _ repository.SchemaRepo = (*Store)(nil)
var _ repository.TemplateRepo = (*Store)(nil)
var _ repository.JobRepo = (*Store)(nil)

func New() *Store {
	return &Store{
		workers:     map[string]*models.Worker{},
		jobRequests: map[string]*models.JobRequest{},
		assignments: map[string]*models.JobAssignment{},
		checks:      map[string]*models.SobrietyCheck{},
		schemas:     map[string]*models.Schema{},
		templates:   map[string]*models.Template{},
		jobs:        map[int64]*models.BackgroundJob{},
	}
}

// Repository returns the aggregate with every repo backed by s.
func (s *Store) Repository() *repository.Repository {
	return &repository.Repository{
		Worker:     s,
		JobRequest: s,
		Assignment: s,
		Check:      s,
		Schema:     s,
		Template:   s,
		Job:        s,
	}
}

func cloneWorker(w *models.Worker) *models.Worker {
	c := *w
	c.Skills = append([]string{}, w.Skills...)
	c.SobrietyHistory = append([]models.HistoryEntry{}, w.SobrietyHistory...)
	return &c
}

func cloneJobRequest(j *models.JobRequest) *models.JobRequest {
	c := *j
	c.RequiredSkills = append([]string{}, j.RequiredSkills...)
	return &c
}

func cloneCheck(ch *models.SobrietyCheck) *models.SobrietyCheck {
	c := *ch
	c.DetectedIssues = append([]string{}, ch.DetectedIssues...)
	if ch.Analysis != nil {
		c.Analysis = append([]byte{}, ch.Analysis...)
	}
	return &c
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

// Workers

func (s *Store) CreateWorker(ctx context.Context, w *models.Worker) error {
	if w == nil {
		return fmt.Errorf("worker is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[w.ID]; ok {
		return fmt.Errorf("worker %s already exists", w.ID)
	}
	if w.Availability == "" {
		w.Availability = models.AvailabilityAvailable
	}
	w.Created = stamp(w.Created)
	s.workers[w.ID] = cloneWorker(w)
	return nil
}

func (s *Store) GetWorker(ctx context.Context, id string) (*models.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return nil, nil
	}
	return cloneWorker(w), nil
}

func (s *Store) ListAvailableWithSkills(ctx context.Context, skills []string) ([]models.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Worker{}
	if len(skills) == 0 {
		return out, nil
	}
	for _, w := range s.workers {
		if w.Availability == models.AvailabilityAvailable && w.HasAnySkill(skills) {
			out = append(out, *cloneWorker(w))
		}
	}
	return out, nil
}

func (s *Store) SetAvailability(ctx context.Context, id string, a models.Availability) error {
	if a == models.AvailabilityAssigned {
		return fmt.Errorf("%w: assigned is only set by assignment creation", models.ErrInvalidTransition)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok || w.Availability == models.AvailabilityAssigned {
		return fmt.Errorf("%w: worker %s missing or assigned", models.ErrInvalidTransition, id)
	}
	w.Availability = a
	return nil
}

// Job requests

func (s *Store) CreateJobRequest(ctx context.Context, j *models.JobRequest) error {
	if j == nil {
		return fmt.Errorf("job request is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobRequests[j.ID]; ok {
		return fmt.Errorf("job request %s already exists", j.ID)
	}
	if j.Status == "" {
		j.Status = models.JobStatusOpen
	}
	j.Created = stamp(j.Created)
	s.jobRequests[j.ID] = cloneJobRequest(j)
	return nil
}

func (s *Store) GetJobRequest(ctx context.Context, id string) (*models.JobRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobRequests[id]
	if !ok {
		return nil, nil
	}
	return cloneJobRequest(j), nil
}

// Assignments

func (s *Store) CreateAssignment(ctx context.Context, a *models.JobAssignment) error {
	if a == nil {
		return fmt.Errorf("assignment is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateAssignmentErr != nil {
		return s.CreateAssignmentErr
	}

	job, ok := s.jobRequests[a.JobRequestID]
	if !ok || job.Status != models.JobStatusOpen {
		return fmt.Errorf("%w: job request %s is not open", models.ErrInvalidTransition, a.JobRequestID)
	}
	w, ok := s.workers[a.WorkerID]
	if !ok || w.Availability != models.AvailabilityAvailable {
		return fmt.Errorf("%w: worker %s is not available", models.ErrConcurrencyConflict, a.WorkerID)
	}

	job.Status = models.JobStatusAssigned
	w.Availability = models.AvailabilityAssigned
	c := *a
	c.Created = stamp(a.Created)
	c.Updated = c.Created
	s.assignments[a.ID] = &c
	return nil
}

func (s *Store) GetAssignment(ctx context.Context, id string) (*models.JobAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[id]
	if !ok {
		return nil, nil
	}
	c := *a
	return &c, nil
}

func (s *Store) ListAssignmentsByWorker(ctx context.Context, workerID string) ([]models.JobAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.JobAssignment{}
	for _, a := range s.assignments {
		if a.WorkerID == workerID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.After(out[j].Created)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) StartWork(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[id]
	if !ok || a.Status != models.AssignmentWorkApproved {
		return fmt.Errorf("%w: assignment %s is not approved for work", models.ErrInvalidTransition, id)
	}
	t := stamp(at)
	a.Status = models.AssignmentInProgress
	a.WorkStartedAt = &t
	a.Updated = t
	return nil
}

func (s *Store) FinishAssignment(ctx context.Context, id string, to models.AssignmentStatus, at time.Time) error {
	if to != models.AssignmentCompleted && to != models.AssignmentCancelled {
		return fmt.Errorf("%w: cannot finish assignment as %s", models.ErrInvalidTransition, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[id]
	if !ok {
		return fmt.Errorf("%w: assignment %s", models.ErrNotFound, id)
	}
	if a.Status.Terminal() || (to == models.AssignmentCompleted && a.Status != models.AssignmentInProgress) {
		return fmt.Errorf("%w: assignment %s is %s", models.ErrInvalidTransition, id, a.Status)
	}

	t := stamp(at)
	a.Status = to
	a.Updated = t
	if w, ok := s.workers[a.WorkerID]; ok && w.Availability == models.AvailabilityAssigned {
		w.Availability = models.AvailabilityAvailable
		if to == models.AssignmentCompleted {
			w.CompletedJobs++
		}
	}
	if j, ok := s.jobRequests[a.JobRequestID]; ok {
		j.Status = models.JobStatusOpen
		if to == models.AssignmentCompleted {
			j.Status = models.JobStatusClosed
		}
	}
	if to == models.AssignmentCompleted {
		a.WorkCompletedAt = &t
	}
	return nil
}

// Sobriety checks

func (s *Store) CreateCheck(ctx context.Context, c *models.SobrietyCheck) error {
	if c == nil {
		return fmt.Errorf("sobriety check is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateCheckErr != nil {
		return s.CreateCheckErr
	}
	a, ok := s.assignments[c.AssignmentID]
	if !ok || a.WorkerID != c.WorkerID || !a.SobrietyCheckRequired || !a.Status.AcceptsRecording() {
		return fmt.Errorf("%w: assignment %s does not accept a recording", models.ErrInvalidTransition, c.AssignmentID)
	}
	if c.Status == "" {
		c.Status = models.CheckPending
	}
	c.Created = stamp(c.Created)
	c.Updated = c.Created

	a.Status = models.AssignmentSobrietyPending
	a.SobrietyCheckStatus = models.CheckPending
	a.CurrentCheckID = c.ID
	a.Updated = c.Created
	s.checks[c.ID] = cloneCheck(c)
	return nil
}

func (s *Store) GetCheck(ctx context.Context, id string) (*models.SobrietyCheck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.checks[id]
	if !ok {
		return nil, nil
	}
	return cloneCheck(c), nil
}

func (s *Store) ListChecksByWorker(ctx context.Context, workerID string) ([]models.SobrietyCheck, error) {
	return s.listChecks(func(c *models.SobrietyCheck) bool { return c.WorkerID == workerID }, true), nil
}

func (s *Store) ListChecksAwaitingReview(ctx context.Context) ([]models.SobrietyCheck, error) {
	return s.listChecks(func(c *models.SobrietyCheck) bool {
		return c.Status == models.CheckUncertain && c.ManualReviewRequired
	}, false), nil
}

func (s *Store) listChecks(keep func(*models.SobrietyCheck) bool, newestFirst bool) []models.SobrietyCheck {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.SobrietyCheck{}
	for _, c := range s.checks {
		if keep(c) {
			out = append(out, *cloneCheck(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			if newestFirst {
				return out[i].Created.After(out[j].Created)
			}
			return out[i].Created.Before(out[j].Created)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) RecordAnalysisFailure(ctx context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.checks[id]
	if !ok || c.Status != models.CheckPending {
		return fmt.Errorf("%w: check %s is not pending", models.ErrInvalidTransition, id)
	}
	c.FailureReason = reason
	c.Updated = time.Now().UTC()
	return nil
}

func (s *Store) ApplyOutcome(ctx context.Context, o models.CheckOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ApplyOutcomeErr != nil {
		return s.ApplyOutcomeErr
	}
	c, ok := s.checks[o.CheckID]
	if !ok || c.Status != o.FromStatus {
		return fmt.Errorf("%w: check %s is no longer %s", models.ErrInvalidTransition, o.CheckID, o.FromStatus)
	}
	w, ok := s.workers[o.WorkerID]
	if !ok {
		return fmt.Errorf("%w: worker %s", models.ErrNotFound, o.WorkerID)
	}

	t := stamp(o.At)
	c.Status = o.Status
	c.Confidence = o.Confidence
	c.DetectedIssues = append([]string{}, o.DetectedIssues...)
	if len(o.Analysis) > 0 {
		c.Analysis = append([]byte{}, o.Analysis...)
	}
	c.ManualReviewRequired = o.ManualReviewRequired
	c.ReviewedBy = o.ReviewedBy
	c.ReviewNotes = o.ReviewNotes
	c.FailureReason = ""
	c.Updated = t

	if a, ok := s.assignments[o.AssignmentID]; ok && o.AssignmentStatus != "" && a.CurrentCheckID == o.CheckID {
		switch a.Status {
		case models.AssignmentInProgress, models.AssignmentCompleted, models.AssignmentCancelled:
		default:
			a.Status = o.AssignmentStatus
			a.SobrietyCheckStatus = o.Status
			a.Updated = t
		}
	}

	w.SobrietyHistory = models.AppendHistory(w.SobrietyHistory, o.History)
	if o.VerifiedAt != nil {
		v := *o.VerifiedAt
		w.LastSobrietyCheck = &v
	}
	return nil
}

// AI schemas and templates

func (s *Store) CreateSchema(ctx context.Context, version, description, schemaJSON string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UnixMilli()
	if existing, ok := s.schemas[version]; ok {
		existing.Description = description
		existing.SchemaJSON = schemaJSON
		existing.Updated = now
		return existing.ID, nil
	}
	s.seq++
	s.schemas[version] = &models.Schema{ID: s.seq, Version: version, Description: description, SchemaJSON: schemaJSON, Created: now, Updated: now}
	return s.seq, nil
}

func (s *Store) GetSchemaByVersion(ctx context.Context, version string) (*models.Schema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schemas[version]
	if !ok {
		return nil, nil
	}
	c := *sc
	return &c, nil
}

func (s *Store) ListSchemas(ctx context.Context) ([]models.Schema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Schema{}
	for _, sc := range s.schemas {
		out = append(out, *sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *Store) DeleteSchema(ctx context.Context, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schemas, version)
	return nil
}

func templateKey(name, version string) string { return name + "@" + version }

func (s *Store) CreateTemplate(ctx context.Context, name, version, templateText string, schemaVersion *string, metadata *string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UnixMilli()
	key := templateKey(name, version)
	if existing, ok := s.templates[key]; ok {
		existing.TemplateTxt = templateText
		existing.SchemaVer = schemaVersion
		existing.Metadata = metadata
		existing.Updated = now
		return existing.ID, nil
	}
	s.seq++
	s.templates[key] = &models.Template{ID: s.seq, Name: name, Version: version, TemplateTxt: templateText, SchemaVer: schemaVersion, Metadata: metadata, Created: now, Updated: now}
	return s.seq, nil
}

func (s *Store) GetTemplate(ctx context.Context, name, version string) (*models.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[templateKey(name, version)]
	if !ok {
		return nil, nil
	}
	c := *t
	return &c, nil
}

func (s *Store) ListTemplates(ctx context.Context) ([]models.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Template{}
	for _, t := range s.templates {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func (s *Store) DeleteTemplate(ctx context.Context, name, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.templates, templateKey(name, version))
	return nil
}

// Background jobs

func (s *Store) Enqueue(ctx context.Context, j *models.BackgroundJob) (int64, error) {
	if j == nil {
		return 0, fmt.Errorf("job is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.EnqueueErr != nil {
		return 0, s.EnqueueErr
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 5
	}
	s.seq++
	c := *j
	c.ID = s.seq
	c.Status = "queued"
	c.ScheduledAt = stamp(j.ScheduledAt)
	c.Created = time.Now().UTC()
	c.Updated = c.Created
	s.jobs[c.ID] = &c
	return c.ID, nil
}

func (s *Store) FetchNext(ctx context.Context) (*models.BackgroundJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var best *models.BackgroundJob
	for _, j := range s.jobs {
		if j.Status != "queued" && j.Status != "retry" {
			continue
		}
		if j.ScheduledAt.After(now) || (j.NextTryAt != nil && j.NextTryAt.After(now)) {
			continue
		}
		if best == nil || j.Priority < best.Priority ||
			(j.Priority == best.Priority && (j.ScheduledAt.Before(best.ScheduledAt) || (j.ScheduledAt.Equal(best.ScheduledAt) && j.ID < best.ID))) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = "running"
	best.Updated = now.UTC()
	c := *best
	return &c, nil
}

func (s *Store) UpdateJob(ctx context.Context, j *models.BackgroundJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[j.ID]
	if !ok {
		return nil
	}
	stored.Status = j.Status
	stored.Attempts = j.Attempts
	stored.NextTryAt = j.NextTryAt
	stored.LastError = j.LastError
	stored.Updated = time.Now().UTC()
	return nil
}

func (s *Store) MoveToDeadLetter(ctx context.Context, j *models.BackgroundJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, *j)
	delete(s.jobs, j.ID)
	return nil
}

// DeadLetters returns a copy of the jobs that exhausted their attempts.
func (s *Store) DeadLetters() []models.BackgroundJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.BackgroundJob{}, s.deadLetters...)
}

// Job returns a copy of a queued job, or nil once it was dead-lettered.
func (s *Store) Job(id int64) *models.BackgroundJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	c := *j
	return &c
}
