package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/garnizeh/sobershift/internal/models"
)

const checkColumns = `id, job_assignment_id, worker_id, recording_ref, analysis, status, confidence_score, detected_issues, manual_review_required, reviewed_by, review_notes, failure_reason, created, updated`

func (r *SQLiteRepo) CreateCheck(ctx context.Context, c *models.SobrietyCheck) error {
	if c == nil {
		return fmt.Errorf("sobriety check is nil")
	}
	issues, err := encodeStrings(c.DetectedIssues)
	if err != nil {
		return err
	}
	if c.Status == "" {
		c.Status = models.CheckPending
	}
	ts := toMillis(c.Created)

	return r.conn.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE job_assignments SET status = ?, sobriety_check_status = ?, current_check_id = ?, updated = ?
			WHERE id = ? AND worker_id = ? AND sobriety_check_required = 1 AND status IN (?, ?, ?)`,
			string(models.AssignmentSobrietyPending), string(models.CheckPending), c.ID, ts,
			c.AssignmentID, c.WorkerID,
			string(models.AssignmentAssigned), string(models.AssignmentSobrietyPending), string(models.AssignmentSobrietyFailed))
		if err != nil {
			return fmt.Errorf("mark assignment pending: %w", err)
		}
		if err := mustAffect(res, fmt.Errorf("%w: assignment %s does not accept a recording", models.ErrInvalidTransition, c.AssignmentID)); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO sobriety_checks (`+checkColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.AssignmentID, c.WorkerID, c.RecordingRef, nullRaw(c.Analysis), string(c.Status), c.Confidence, issues,
			boolInt(c.ManualReviewRequired), c.ReviewedBy, c.ReviewNotes, c.FailureReason, ts, ts)
		if err != nil {
			return fmt.Errorf("insert sobriety check: %w", err)
		}
		return nil
	})
}

func (r *SQLiteRepo) GetCheck(ctx context.Context, id string) (*models.SobrietyCheck, error) {
	row := r.conn.QueryRow(ctx, `SELECT `+checkColumns+` FROM sobriety_checks WHERE id = ?`, id)
	c, err := scanCheck(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

func (r *SQLiteRepo) ListChecksByWorker(ctx context.Context, workerID string) ([]models.SobrietyCheck, error) {
	return r.listChecks(ctx, `SELECT `+checkColumns+` FROM sobriety_checks WHERE worker_id = ? ORDER BY created DESC, id`, workerID)
}

func (r *SQLiteRepo) ListChecksAwaitingReview(ctx context.Context) ([]models.SobrietyCheck, error) {
	return r.listChecks(ctx, `SELECT `+checkColumns+` FROM sobriety_checks WHERE status = ? AND manual_review_required = 1 ORDER BY created ASC, id`,
		string(models.CheckUncertain))
}

func (r *SQLiteRepo) listChecks(ctx context.Context, q string, args ...any) ([]models.SobrietyCheck, error) {
	rows, err := r.conn.QueryRows(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.SobrietyCheck{}
	for rows.Next() {
		c, err := scanCheck(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *SQLiteRepo) RecordAnalysisFailure(ctx context.Context, id string, reason string) error {
	res, err := r.conn.Exec(ctx, `UPDATE sobriety_checks SET failure_reason = ?, updated = ? WHERE id = ? AND status = ?`,
		reason, now(), id, string(models.CheckPending))
	if err != nil {
		return err
	}
	return mustAffect(res, fmt.Errorf("%w: check %s is not pending", models.ErrInvalidTransition, id))
}

// ApplyOutcome commits the check transition, the assignment propagation and
// the worker history append in one transaction. The check update is
// conditional on FromStatus so two concurrent outcomes cannot both apply.
func (r *SQLiteRepo) ApplyOutcome(ctx context.Context, o models.CheckOutcome) error {
	issues, err := encodeStrings(o.DetectedIssues)
	if err != nil {
		return err
	}
	ts := toMillis(o.At)

	return r.conn.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE sobriety_checks SET status = ?, confidence_score = ?, detected_issues = ?, analysis = COALESCE(?, analysis),
			manual_review_required = ?, reviewed_by = ?, review_notes = ?, failure_reason = '', updated = ?
			WHERE id = ? AND status = ?`,
			string(o.Status), o.Confidence, issues, nullRaw(o.Analysis),
			boolInt(o.ManualReviewRequired), o.ReviewedBy, o.ReviewNotes, ts,
			o.CheckID, string(o.FromStatus))
		if err != nil {
			return fmt.Errorf("update sobriety check: %w", err)
		}
		if err := mustAffect(res, fmt.Errorf("%w: check %s is no longer %s", models.ErrInvalidTransition, o.CheckID, o.FromStatus)); err != nil {
			return err
		}

		if o.AssignmentStatus != "" {
			// A superseded check or an assignment that already moved on keeps its state.
			_, err := tx.ExecContext(ctx, `UPDATE job_assignments SET status = ?, sobriety_check_status = ?, updated = ?
				WHERE id = ? AND current_check_id = ? AND status NOT IN (?, ?, ?)`,
				string(o.AssignmentStatus), string(o.Status), ts,
				o.AssignmentID, o.CheckID,
				string(models.AssignmentInProgress), string(models.AssignmentCompleted), string(models.AssignmentCancelled))
			if err != nil {
				return fmt.Errorf("update assignment: %w", err)
			}
		}

		var raw string
		if err := tx.QueryRowContext(ctx, `SELECT sobriety_check_history FROM workers WHERE id = ?`, o.WorkerID).Scan(&raw); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: worker %s", models.ErrNotFound, o.WorkerID)
			}
			return err
		}
		history := []models.HistoryEntry{}
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &history); err != nil {
				return fmt.Errorf("decode sobriety history: %w", err)
			}
		}
		hist, err := encodeJSON(models.AppendHistory(history, o.History))
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `UPDATE workers SET sobriety_check_history = ?, last_sobriety_check = COALESCE(?, last_sobriety_check) WHERE id = ?`,
			hist, nullMillis(o.VerifiedAt), o.WorkerID)
		if err != nil {
			return fmt.Errorf("update worker history: %w", err)
		}
		return nil
	})
}

func nullRaw(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func scanCheck(s scanner) (*models.SobrietyCheck, error) {
	var (
		c                models.SobrietyCheck
		analysis         sql.NullString
		status, issues   string
		manual           int
		created, updated int64
	)
	if err := s.Scan(&c.ID, &c.AssignmentID, &c.WorkerID, &c.RecordingRef, &analysis, &status, &c.Confidence, &issues,
		&manual, &c.ReviewedBy, &c.ReviewNotes, &c.FailureReason, &created, &updated); err != nil {
		return nil, err
	}

	var err error
	if c.DetectedIssues, err = decodeStrings(issues); err != nil {
		return nil, err
	}
	if analysis.Valid && analysis.String != "" {
		c.Analysis = json.RawMessage(analysis.String)
	}
	c.Status = models.CheckStatus(status)
	c.ManualReviewRequired = manual != 0
	c.Created = fromMillis(created)
	c.Updated = fromMillis(updated)
	return &c, nil
}
