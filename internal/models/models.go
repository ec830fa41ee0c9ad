package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MaxHistoryEntries bounds a worker's sobriety history.
const MaxHistoryEntries = 10

type Availability string

const (
	AvailabilityAvailable   Availability = "available"
	AvailabilityAssigned    Availability = "assigned"
	AvailabilityUnavailable Availability = "unavailable"
)

type JobStatus string

const (
	JobStatusOpen     JobStatus = "open"
	JobStatusAssigned JobStatus = "assigned"
	JobStatusClosed   JobStatus = "closed"
)

type AssignmentType string

const (
	AssignmentManual AssignmentType = "manual"
	AssignmentAuto   AssignmentType = "auto"
)

type AssignmentStatus string

const (
	AssignmentAssigned        AssignmentStatus = "assigned"
	AssignmentSobrietyPending AssignmentStatus = "sobriety_check_pending"
	AssignmentSobrietyFailed  AssignmentStatus = "sobriety_check_failed"
	AssignmentWorkApproved    AssignmentStatus = "work_approved"
	AssignmentInProgress      AssignmentStatus = "in_progress"
	AssignmentCompleted       AssignmentStatus = "completed"
	AssignmentCancelled       AssignmentStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s AssignmentStatus) Terminal() bool {
	return s == AssignmentCompleted || s == AssignmentCancelled
}

// AcceptsRecording reports whether a new sobriety attempt may start from s.
func (s AssignmentStatus) AcceptsRecording() bool {
	switch s {
	case AssignmentAssigned, AssignmentSobrietyPending, AssignmentSobrietyFailed:
		return true
	}
	return false
}

// CheckStatus is the derived state of a single sobriety check attempt.
type CheckStatus string

const (
	CheckPending   CheckStatus = "pending"
	CheckPassed    CheckStatus = "passed"
	CheckFailed    CheckStatus = "failed"
	CheckUncertain CheckStatus = "uncertain"
)

// Verdict is the three-way outcome reported by the analysis provider.
type Verdict string

const (
	VerdictPass      Verdict = "PASS"
	VerdictFail      Verdict = "FAIL"
	VerdictUncertain Verdict = "UNCERTAIN"
)

// ParseVerdict accepts any casing and surrounding whitespace.
func ParseVerdict(s string) (Verdict, error) {
	switch v := Verdict(strings.ToUpper(strings.TrimSpace(s))); v {
	case VerdictPass, VerdictFail, VerdictUncertain:
		return v, nil
	}
	return "", fmt.Errorf("%w: unknown verdict %q", ErrInvalidInput, s)
}

func (v *Verdict) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseVerdict(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

type Recommendation string

const (
	RecommendApprove Recommendation = "APPROVE_FOR_WORK"
	RecommendRetest  Recommendation = "REQUIRE_RETEST"
	RecommendDeny    Recommendation = "DENY_ASSIGNMENT"
)

type HistoryEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Verdict    Verdict   `json:"verdict"`
	Confidence float64   `json:"confidence"`
}

// AppendHistory appends e and keeps only the most recent MaxHistoryEntries,
// dropping the oldest first. The input slice is not modified.
func AppendHistory(h []HistoryEntry, e HistoryEntry) []HistoryEntry {
	out := make([]HistoryEntry, 0, len(h)+1)
	out = append(out, h...)
	out = append(out, e)
	if len(out) > MaxHistoryEntries {
		out = out[len(out)-MaxHistoryEntries:]
	}
	return out
}

type Worker struct {
	ID                string         `json:"id" db:"id"`
	Name              string         `json:"name" db:"name"`
	Skills            []string       `json:"skills" db:"skills"`
	ExperienceYears   *float64       `json:"experience_years,omitempty" db:"experience_years"`
	HourlyRate        *float64       `json:"hourly_rate,omitempty" db:"hourly_rate"`
	AverageRating     float64        `json:"average_rating" db:"average_rating"`
	CompletedJobs     int            `json:"total_jobs_completed" db:"total_jobs_completed"`
	Availability      Availability   `json:"availability_status" db:"availability_status"`
	LastSobrietyCheck *time.Time     `json:"last_sobriety_check,omitempty" db:"last_sobriety_check"`
	SobrietyHistory   []HistoryEntry `json:"sobriety_check_history" db:"sobriety_check_history"`
	Created           time.Time      `json:"created" db:"created"`
}

// HasAnySkill reports whether the worker shares at least one skill with want.
func (w Worker) HasAnySkill(want []string) bool {
	for _, s := range w.Skills {
		for _, x := range want {
			if NormalizeSkill(s) == NormalizeSkill(x) {
				return true
			}
		}
	}
	return false
}

func NormalizeSkill(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

type JobRequest struct {
	ID             string    `json:"id" db:"id"`
	BuyerID        string    `json:"buyer_id" db:"buyer_id"`
	Title          string    `json:"title" db:"title"`
	Description    string    `json:"description,omitempty" db:"description"`
	Category       string    `json:"category,omitempty" db:"category"`
	RequiredSkills []string  `json:"required_skills" db:"required_skills"`
	BudgetMin      float64   `json:"budget_min" db:"budget_min"`
	BudgetMax      float64   `json:"budget_max" db:"budget_max"`
	Urgency        string    `json:"urgency_level" db:"urgency_level"`
	AutoAssign     bool      `json:"auto_assign" db:"auto_assign"`
	Status         JobStatus `json:"status" db:"status"`
	Created        time.Time `json:"created" db:"created"`
}

var urgencyLevels = map[string]bool{"low": true, "normal": true, "high": true, "emergency": true}

// Validate checks the posting invariants and fills the default urgency.
func (j *JobRequest) Validate() error {
	if strings.TrimSpace(j.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if len(j.RequiredSkills) == 0 {
		return fmt.Errorf("%w: at least one required skill", ErrInvalidInput)
	}
	if j.BudgetMin < 0 || j.BudgetMax < 0 {
		return fmt.Errorf("%w: budget must be non-negative", ErrInvalidInput)
	}
	if j.BudgetMin > j.BudgetMax {
		return fmt.Errorf("%w: budget_min exceeds budget_max", ErrInvalidInput)
	}
	if j.Urgency == "" {
		j.Urgency = "normal"
	}
	if !urgencyLevels[j.Urgency] {
		return fmt.Errorf("%w: unknown urgency %q", ErrInvalidInput, j.Urgency)
	}
	return nil
}

type JobAssignment struct {
	ID                    string           `json:"id" db:"id"`
	JobRequestID          string           `json:"service_request_id" db:"job_request_id"`
	WorkerID              string           `json:"worker_id" db:"worker_id"`
	Type                  AssignmentType   `json:"assignment_type" db:"assignment_type"`
	Status                AssignmentStatus `json:"status" db:"status"`
	SobrietyCheckRequired bool             `json:"sobriety_check_required" db:"sobriety_check_required"`
	SobrietyCheckStatus   CheckStatus      `json:"sobriety_check_status" db:"sobriety_check_status"`
	CurrentCheckID        string           `json:"current_check_id,omitempty" db:"current_check_id"`
	WorkStartedAt         *time.Time       `json:"work_started_at,omitempty" db:"work_started_at"`
	WorkCompletedAt       *time.Time       `json:"work_completed_at,omitempty" db:"work_completed_at"`
	Created               time.Time        `json:"created" db:"created"`
	Updated               time.Time        `json:"updated" db:"updated"`
}

type SobrietyCheck struct {
	ID                   string          `json:"id" db:"id"`
	AssignmentID         string          `json:"job_assignment_id" db:"job_assignment_id"`
	WorkerID             string          `json:"worker_id" db:"worker_id"`
	RecordingRef         string          `json:"recording_ref" db:"recording_ref"`
	Analysis             json.RawMessage `json:"analysis,omitempty" db:"analysis"`
	Status               CheckStatus     `json:"status" db:"status"`
	Confidence           float64         `json:"confidence_score" db:"confidence_score"`
	DetectedIssues       []string        `json:"detected_issues" db:"detected_issues"`
	ManualReviewRequired bool            `json:"manual_review_required" db:"manual_review_required"`
	ReviewedBy           string          `json:"reviewed_by,omitempty" db:"reviewed_by"`
	ReviewNotes          string          `json:"review_notes,omitempty" db:"review_notes"`
	FailureReason        string          `json:"failure_reason,omitempty" db:"failure_reason"`
	Created              time.Time       `json:"created" db:"created"`
	Updated              time.Time       `json:"updated" db:"updated"`
}

// CheckOutcome is the single commit applied when a check leaves FromStatus.
// AssignmentStatus is only applied while the check is still the assignment's
// current check; an empty value leaves the assignment untouched.
type CheckOutcome struct {
	CheckID              string
	FromStatus           CheckStatus
	Status               CheckStatus
	Confidence           float64
	DetectedIssues       []string
	Analysis             json.RawMessage
	ManualReviewRequired bool
	ReviewedBy           string
	ReviewNotes          string

	AssignmentID     string
	AssignmentStatus AssignmentStatus

	WorkerID   string
	History    HistoryEntry
	VerifiedAt *time.Time
	At         time.Time
}

type Schema struct {
	ID          int64  `json:"id" db:"id"`
	Version     string `json:"version" db:"version"`
	Description string `json:"description,omitempty" db:"description"`
	SchemaJSON  string `json:"schema_json" db:"schema_json"`
	Created     int64  `json:"created" db:"created"`
	Updated     int64  `json:"updated" db:"updated"`
}

type Template struct {
	ID          int64   `json:"id" db:"id"`
	Name        string  `json:"name" db:"name"`
	Version     string  `json:"version" db:"version"`
	TemplateTxt string  `json:"template_text" db:"template_text"`
	SchemaVer   *string `json:"schema_version,omitempty" db:"schema_version"`
	Metadata    *string `json:"metadata,omitempty" db:"metadata"`
	Created     int64   `json:"created" db:"created"`
	Updated     int64   `json:"updated" db:"updated"`
}

type BackgroundJob struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Priority    int             `json:"priority"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	NextTryAt   *time.Time      `json:"next_try_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	Created     time.Time       `json:"created"`
	Updated     time.Time       `json:"updated"`
}
