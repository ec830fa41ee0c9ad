// Package sobriety gates the start of work on a verified sobriety check.
//
// A check moves pending -> passed|failed|uncertain on the analyzer verdict
// and uncertain -> passed|failed on manual review. Each transition commits
// the check, the assignment and the worker history together; events go out
// after the commit.
package sobriety

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/garnizeh/sobershift/internal/ai"
	"github.com/garnizeh/sobershift/internal/config"
	"github.com/garnizeh/sobershift/internal/events"
	"github.com/garnizeh/sobershift/internal/models"
	"github.com/garnizeh/sobershift/internal/storage"
	"github.com/garnizeh/sobershift/pkg/repository"
)

// Transition is what a verdict does to the check and its assignment.
type Transition struct {
	Check        models.CheckStatus
	Assignment   models.AssignmentStatus
	ManualReview bool
}

// TransitionFor maps a verdict onto the check and assignment states.
func TransitionFor(v models.Verdict) (Transition, error) {
	switch v {
	case models.VerdictPass:
		return Transition{Check: models.CheckPassed, Assignment: models.AssignmentWorkApproved}, nil
	case models.VerdictFail:
		return Transition{Check: models.CheckFailed, Assignment: models.AssignmentSobrietyFailed}, nil
	case models.VerdictUncertain:
		return Transition{Check: models.CheckUncertain, Assignment: models.AssignmentSobrietyPending, ManualReview: true}, nil
	}
	return Transition{}, fmt.Errorf("%w: unknown verdict %q", models.ErrInvalidInput, v)
}

type Service struct {
	assignments repository.AssignmentRepo
	checks      repository.SobrietyCheckRepo
	workers     repository.WorkerRepo
	recordings  storage.RecordingStore
	analyzer    ai.Analyzer
	events      events.Publisher
	logger      *slog.Logger
	timeout     time.Duration
	now         func() time.Time
}

func NewService(repo *repository.Repository, recordings storage.RecordingStore, analyzer ai.Analyzer, publisher events.Publisher, logger *slog.Logger, cfg config.EngineConfig) (*Service, error) {
	if repo == nil || repo.Assignment == nil || repo.Check == nil || repo.Worker == nil {
		return nil, fmt.Errorf("assignment, sobriety check and worker repos are required")
	}
	if recordings == nil {
		return nil, fmt.Errorf("recording store is required")
	}
	if analyzer == nil {
		return nil, fmt.Errorf("analyzer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Service{
		assignments: repo.Assignment,
		checks:      repo.Check,
		workers:     repo.Worker,
		recordings:  recordings,
		analyzer:    analyzer,
		events:      publisher,
		logger:      logger,
		timeout:     timeout,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock replaces the time source used for check and history timestamps.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SubmitRecording stores the recording, opens a pending check and applies the
// analyzer verdict. When the analyzer fails the pending check is returned
// together with an error matching ErrAnalysisUnavailable; the worker may
// submit again.
func (s *Service) SubmitRecording(ctx context.Context, assignmentID, workerID string, recording []byte) (*models.SobrietyCheck, error) {
	a, err := s.getAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	switch {
	case a.WorkerID != workerID:
		return nil, fmt.Errorf("%w: assignment %s belongs to another worker", models.ErrInvalidTransition, assignmentID)
	case !a.SobrietyCheckRequired:
		return nil, fmt.Errorf("%w: assignment %s does not require a sobriety check", models.ErrInvalidTransition, assignmentID)
	case !a.Status.AcceptsRecording():
		return nil, fmt.Errorf("%w: assignment %s is %s", models.ErrInvalidTransition, assignmentID, a.Status)
	}
	if len(recording) == 0 {
		return nil, fmt.Errorf("%w: recording is empty", models.ErrInvalidInput)
	}

	ref, err := s.recordings.Put(ctx, recording)
	if err != nil {
		return nil, fmt.Errorf("store recording: %w", err)
	}

	check := &models.SobrietyCheck{
		ID:             uuid.NewString(),
		AssignmentID:   a.ID,
		WorkerID:       workerID,
		RecordingRef:   ref,
		Status:         models.CheckPending,
		DetectedIssues: []string{},
		Created:        s.now(),
	}
	if err := s.checks.CreateCheck(ctx, check); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "sobriety check opened", "check_id", check.ID, "assignment_id", a.ID, "worker_id", workerID)
	if a.Status != models.AssignmentSobrietyPending {
		s.emitStatusChanged(ctx, a, a.Status, models.AssignmentSobrietyPending, check.Created)
	}

	actx, cancel := context.WithTimeout(ctx, s.timeout)
	res, err := s.analyzer.Analyze(actx, recording)
	cancel()
	if err == nil {
		err = checkAnalysis(res)
	}
	if err != nil {
		return s.analysisFailed(ctx, check, err)
	}

	tr, err := TransitionFor(res.Verdict)
	if err != nil {
		return s.analysisFailed(ctx, check, err)
	}

	now := s.now()
	o := models.CheckOutcome{
		CheckID:              check.ID,
		FromStatus:           models.CheckPending,
		Status:               tr.Check,
		Confidence:           res.Confidence,
		DetectedIssues:       res.DetectedSigns,
		Analysis:             res.Raw,
		ManualReviewRequired: tr.ManualReview,
		AssignmentID:         a.ID,
		AssignmentStatus:     tr.Assignment,
		WorkerID:             workerID,
		History:              models.HistoryEntry{Timestamp: now, Verdict: res.Verdict, Confidence: res.Confidence},
		At:                   now,
	}
	if res.Verdict == models.VerdictPass {
		o.VerifiedAt = &now
	}

	// The commit survives client cancellation once a verdict exists.
	commitCtx := context.WithoutCancel(ctx)
	if err := s.checks.ApplyOutcome(commitCtx, o); err != nil {
		return nil, fmt.Errorf("commit verdict: %w", err)
	}
	s.logger.InfoContext(ctx, "sobriety verdict", "check_id", check.ID, "verdict", res.Verdict,
		"confidence", res.Confidence, "recommendation", res.Recommendation)

	committed, err := s.GetCheck(commitCtx, check.ID)
	if err != nil {
		return nil, err
	}
	ev := events.New(events.TypeSobrietyVerdict, now)
	ev.CheckID = committed.ID
	ev.AssignmentID = a.ID
	ev.WorkerID = workerID
	ev.Status = string(committed.Status)
	ev.Attributes = map[string]string{
		"verdict":                string(res.Verdict),
		"confidence":             strconv.FormatFloat(res.Confidence, 'f', 2, 64),
		"recommendation":         string(res.Recommendation),
		"manual_review_required": strconv.FormatBool(tr.ManualReview),
	}
	events.Emit(commitCtx, s.events, s.logger, ev)
	s.emitIfMoved(commitCtx, a.ID, models.AssignmentSobrietyPending, now)

	return committed, nil
}

func checkAnalysis(res *ai.Analysis) error {
	if res == nil {
		return fmt.Errorf("%w: nil analysis", ai.ErrMalformedResponse)
	}
	v, err := models.ParseVerdict(string(res.Verdict))
	if err != nil {
		return fmt.Errorf("%w: %v", ai.ErrMalformedResponse, err)
	}
	res.Verdict = v
	if res.Confidence < 0 || res.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ai.ErrMalformedResponse, res.Confidence)
	}
	return nil
}

// analysisFailed records why the check is still pending. The write uses a
// context that outlives the request so a cancelled client leaves a trace.
func (s *Service) analysisFailed(ctx context.Context, check *models.SobrietyCheck, cause error) (*models.SobrietyCheck, error) {
	reason := cause.Error()
	if errors.Is(cause, context.DeadlineExceeded) && ctx.Err() == nil {
		reason = fmt.Sprintf("analysis timed out after %s: %s", s.timeout, reason)
	}
	s.logger.WarnContext(ctx, "sobriety analysis failed", "check_id", check.ID, "err", cause)

	if err := s.checks.RecordAnalysisFailure(context.WithoutCancel(ctx), check.ID, reason); err != nil {
		s.logger.ErrorContext(ctx, "record analysis failure", "check_id", check.ID, "err", err)
	} else {
		check.FailureReason = reason
	}
	return check, fmt.Errorf("%w: %s", models.ErrAnalysisUnavailable, reason)
}

// ManualReview settles an uncertain check. decision is PASS or FAIL in any casing.
func (s *Service) ManualReview(ctx context.Context, checkID, reviewerID, decision, notes string) (*models.SobrietyCheck, error) {
	c, err := s.GetCheck(ctx, checkID)
	if err != nil {
		return nil, err
	}
	if c.Status != models.CheckUncertain {
		return nil, fmt.Errorf("%w: check %s is %s", models.ErrInvalidTransition, checkID, c.Status)
	}
	v, err := models.ParseVerdict(decision)
	if err != nil {
		return nil, err
	}
	if v == models.VerdictUncertain {
		return nil, fmt.Errorf("%w: review decision must be PASS or FAIL", models.ErrInvalidInput)
	}
	if reviewerID == "" {
		return nil, fmt.Errorf("%w: reviewer is required", models.ErrInvalidInput)
	}

	tr, _ := TransitionFor(v)
	before, err := s.getAssignment(ctx, c.AssignmentID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	o := models.CheckOutcome{
		CheckID:              c.ID,
		FromStatus:           models.CheckUncertain,
		Status:               tr.Check,
		Confidence:           c.Confidence,
		DetectedIssues:       c.DetectedIssues,
		ManualReviewRequired: c.ManualReviewRequired,
		ReviewedBy:           reviewerID,
		ReviewNotes:          notes,
		AssignmentID:         c.AssignmentID,
		AssignmentStatus:     tr.Assignment,
		WorkerID:             c.WorkerID,
		History:              models.HistoryEntry{Timestamp: now, Verdict: v, Confidence: c.Confidence},
		At:                   now,
	}
	if v == models.VerdictPass {
		o.VerifiedAt = &now
	}
	if err := s.checks.ApplyOutcome(ctx, o); err != nil {
		return nil, fmt.Errorf("commit review: %w", err)
	}
	s.logger.InfoContext(ctx, "sobriety check reviewed", "check_id", c.ID, "reviewer", reviewerID, "decision", v)

	reviewed, err := s.GetCheck(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	ev := events.New(events.TypeSobrietyReviewed, now)
	ev.CheckID = c.ID
	ev.AssignmentID = c.AssignmentID
	ev.WorkerID = c.WorkerID
	ev.Status = string(reviewed.Status)
	ev.Attributes = map[string]string{"decision": string(v), "reviewed_by": reviewerID}
	events.Emit(ctx, s.events, s.logger, ev)
	s.emitIfMoved(ctx, c.AssignmentID, before.Status, now)

	return reviewed, nil
}

func (s *Service) GetCheck(ctx context.Context, id string) (*models.SobrietyCheck, error) {
	c, err := s.checks.GetCheck(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get sobriety check: %w", err)
	}
	if c == nil {
		return nil, fmt.Errorf("%w: sobriety check %s", models.ErrNotFound, id)
	}
	return c, nil
}

// ListWorkerChecks returns the worker's checks, newest first.
func (s *Service) ListWorkerChecks(ctx context.Context, workerID string) ([]models.SobrietyCheck, error) {
	w, err := s.workers.GetWorker(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	if w == nil {
		return nil, fmt.Errorf("%w: worker %s", models.ErrNotFound, workerID)
	}
	return s.checks.ListChecksByWorker(ctx, workerID)
}

// ListPendingReviews returns uncertain checks awaiting a reviewer, oldest first.
func (s *Service) ListPendingReviews(ctx context.Context) ([]models.SobrietyCheck, error) {
	return s.checks.ListChecksAwaitingReview(ctx)
}

// Recording returns the stored bytes of a check's recording.
func (s *Service) Recording(ctx context.Context, checkID string) ([]byte, error) {
	c, err := s.GetCheck(ctx, checkID)
	if err != nil {
		return nil, err
	}
	return s.recordings.Get(ctx, c.RecordingRef)
}

func (s *Service) getAssignment(ctx context.Context, id string) (*models.JobAssignment, error) {
	a, err := s.assignments.GetAssignment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	if a == nil {
		return nil, fmt.Errorf("%w: assignment %s", models.ErrNotFound, id)
	}
	return a, nil
}

func (s *Service) emitIfMoved(ctx context.Context, assignmentID string, from models.AssignmentStatus, at time.Time) {
	a, err := s.assignments.GetAssignment(ctx, assignmentID)
	if err != nil || a == nil {
		s.logger.WarnContext(ctx, "reload assignment for event", "assignment_id", assignmentID, "err", err)
		return
	}
	if a.Status != from {
		s.emitStatusChanged(ctx, a, from, a.Status, at)
	}
}

func (s *Service) emitStatusChanged(ctx context.Context, a *models.JobAssignment, from, to models.AssignmentStatus, at time.Time) {
	ev := events.New(events.TypeAssignmentStatusChanged, at)
	ev.AssignmentID = a.ID
	ev.JobRequestID = a.JobRequestID
	ev.WorkerID = a.WorkerID
	ev.Status = string(to)
	ev.Attributes = map[string]string{"from": string(from)}
	events.Emit(ctx, s.events, s.logger, ev)
}
