package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/garnizeh/sobershift/internal/models"
)

const assignmentColumns = `id, job_request_id, worker_id, assignment_type, status, sobriety_check_required, sobriety_check_status, current_check_id, work_started_at, work_completed_at, created, updated`

// CreateAssignment commits the job transition, the worker claim and the insert
// as one unit. The conditional updates are the mutual exclusion point: a
// worker can leave 'available' for at most one caller.
func (r *SQLiteRepo) CreateAssignment(ctx context.Context, a *models.JobAssignment) error {
	if a == nil {
		return fmt.Errorf("assignment is nil")
	}

	return r.conn.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE job_requests SET status = ? WHERE id = ? AND status = ?`,
			string(models.JobStatusAssigned), a.JobRequestID, string(models.JobStatusOpen))
		if err != nil {
			return fmt.Errorf("claim job request: %w", err)
		}
		if err := mustAffect(res, fmt.Errorf("%w: job request %s is not open", models.ErrInvalidTransition, a.JobRequestID)); err != nil {
			return err
		}

		res, err = tx.ExecContext(ctx, `UPDATE workers SET availability_status = ? WHERE id = ? AND availability_status = ?`,
			string(models.AvailabilityAssigned), a.WorkerID, string(models.AvailabilityAvailable))
		if err != nil {
			return fmt.Errorf("claim worker: %w", err)
		}
		if err := mustAffect(res, fmt.Errorf("%w: worker %s is not available", models.ErrConcurrencyConflict, a.WorkerID)); err != nil {
			return err
		}

		ts := toMillis(a.Created)
		_, err = tx.ExecContext(ctx, `INSERT INTO job_assignments (`+assignmentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.JobRequestID, a.WorkerID, string(a.Type), string(a.Status), boolInt(a.SobrietyCheckRequired),
			string(a.SobrietyCheckStatus), a.CurrentCheckID, nullMillis(a.WorkStartedAt), nullMillis(a.WorkCompletedAt), ts, ts)
		if err != nil {
			return fmt.Errorf("insert assignment: %w", err)
		}
		return nil
	})
}

func (r *SQLiteRepo) GetAssignment(ctx context.Context, id string) (*models.JobAssignment, error) {
	row := r.conn.QueryRow(ctx, `SELECT `+assignmentColumns+` FROM job_assignments WHERE id = ?`, id)
	a, err := scanAssignment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return a, nil
}

func (r *SQLiteRepo) ListAssignmentsByWorker(ctx context.Context, workerID string) ([]models.JobAssignment, error) {
	rows, err := r.conn.QueryRows(ctx, `SELECT `+assignmentColumns+` FROM job_assignments WHERE worker_id = ? ORDER BY created DESC, id`, workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.JobAssignment{}
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (r *SQLiteRepo) StartWork(ctx context.Context, id string, at time.Time) error {
	ts := toMillis(at)
	res, err := r.conn.Exec(ctx, `UPDATE job_assignments SET status = ?, work_started_at = ?, updated = ? WHERE id = ? AND status = ?`,
		string(models.AssignmentInProgress), ts, ts, id, string(models.AssignmentWorkApproved))
	if err != nil {
		return err
	}
	return mustAffect(res, fmt.Errorf("%w: assignment %s is not approved for work", models.ErrInvalidTransition, id))
}

func (r *SQLiteRepo) FinishAssignment(ctx context.Context, id string, to models.AssignmentStatus, at time.Time) error {
	if to != models.AssignmentCompleted && to != models.AssignmentCancelled {
		return fmt.Errorf("%w: cannot finish assignment as %s", models.ErrInvalidTransition, to)
	}

	return r.conn.WithTx(ctx, func(tx *sql.Tx) error {
		var workerID, jobID, status string
		err := tx.QueryRowContext(ctx, `SELECT worker_id, job_request_id, status FROM job_assignments WHERE id = ?`, id).Scan(&workerID, &jobID, &status)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: assignment %s", models.ErrNotFound, id)
			}
			return err
		}

		from := models.AssignmentStatus(status)
		if from.Terminal() || (to == models.AssignmentCompleted && from != models.AssignmentInProgress) {
			return fmt.Errorf("%w: assignment %s is %s", models.ErrInvalidTransition, id, from)
		}

		ts := toMillis(at)
		var completedAt any
		completedInc := 0
		jobStatus := models.JobStatusOpen
		if to == models.AssignmentCompleted {
			completedAt = ts
			completedInc = 1
			jobStatus = models.JobStatusClosed
		}

		res, err := tx.ExecContext(ctx, `UPDATE job_assignments SET status = ?, work_completed_at = COALESCE(?, work_completed_at), updated = ? WHERE id = ? AND status = ?`,
			string(to), completedAt, ts, id, status)
		if err != nil {
			return fmt.Errorf("update assignment: %w", err)
		}
		if err := mustAffect(res, fmt.Errorf("%w: assignment %s changed concurrently", models.ErrInvalidTransition, id)); err != nil {
			return err
		}

		res, err = tx.ExecContext(ctx, `UPDATE workers SET availability_status = ?, total_jobs_completed = total_jobs_completed + ? WHERE id = ? AND availability_status = ?`,
			string(models.AvailabilityAvailable), completedInc, workerID, string(models.AvailabilityAssigned))
		if err != nil {
			return fmt.Errorf("release worker: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			r.logger.Warn("worker was not marked assigned while finishing assignment", "assignment_id", id, "worker_id", workerID)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE job_requests SET status = ? WHERE id = ?`, string(jobStatus), jobID); err != nil {
			return fmt.Errorf("update job request: %w", err)
		}
		return nil
	})
}

func scanAssignment(s scanner) (*models.JobAssignment, error) {
	var (
		a                models.JobAssignment
		typ, status, cs  string
		required         int
		started, done    sql.NullInt64
		created, updated int64
	)
	if err := s.Scan(&a.ID, &a.JobRequestID, &a.WorkerID, &typ, &status, &required, &cs, &a.CurrentCheckID, &started, &done, &created, &updated); err != nil {
		return nil, err
	}
	a.Type = models.AssignmentType(typ)
	a.Status = models.AssignmentStatus(status)
	a.SobrietyCheckRequired = required != 0
	a.SobrietyCheckStatus = models.CheckStatus(cs)
	a.WorkStartedAt = fromNullMillis(started)
	a.WorkCompletedAt = fromNullMillis(done)
	a.Created = fromMillis(created)
	a.Updated = fromMillis(updated)
	return &a, nil
}
