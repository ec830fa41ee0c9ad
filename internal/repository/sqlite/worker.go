package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/garnizeh/sobershift/internal/models"
)

const workerColumns = `id, name, skills, experience_years, hourly_rate, average_rating, total_jobs_completed, availability_status, last_sobriety_check, sobriety_check_history, created`

type scanner interface {
	Scan(dest ...any) error
}

func (r *SQLiteRepo) CreateWorker(ctx context.Context, w *models.Worker) error {
	if w == nil {
		return fmt.Errorf("worker is nil")
	}
	skills, err := encodeStrings(w.Skills)
	if err != nil {
		return err
	}
	history := w.SobrietyHistory
	if history == nil {
		history = []models.HistoryEntry{}
	}
	hist, err := encodeJSON(history)
	if err != nil {
		return err
	}
	if w.Availability == "" {
		w.Availability = models.AvailabilityAvailable
	}

	_, err = r.conn.Exec(ctx, `INSERT INTO workers (`+workerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, skills, w.ExperienceYears, w.HourlyRate, w.AverageRating, w.CompletedJobs,
		string(w.Availability), nullMillis(w.LastSobrietyCheck), hist, toMillis(w.Created))
	return err
}

func (r *SQLiteRepo) GetWorker(ctx context.Context, id string) (*models.Worker, error) {
	row := r.conn.QueryRow(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	w, err := scanWorker(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return w, nil
}

func (r *SQLiteRepo) ListAvailableWithSkills(ctx context.Context, skills []string) ([]models.Worker, error) {
	if len(skills) == 0 {
		return []models.Worker{}, nil
	}
	// Skills are matched in Go: sqlite lower() only folds ASCII.
	q := `SELECT ` + workerColumns + ` FROM workers w WHERE w.availability_status = ? ORDER BY w.id`
	rows, err := r.conn.QueryRows(ctx, q, string(models.AvailabilityAvailable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.Worker{}
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		if w.HasAnySkill(skills) {
			out = append(out, *w)
		}
	}

	return out, rows.Err()
}

// SetAvailability is an administrative override (e.g. marking a worker
// unavailable). It refuses to touch workers that hold an assignment.
func (r *SQLiteRepo) SetAvailability(ctx context.Context, id string, a models.Availability) error {
	if a == models.AvailabilityAssigned {
		return fmt.Errorf("%w: assigned is only set by assignment creation", models.ErrInvalidTransition)
	}
	res, err := r.conn.Exec(ctx, `UPDATE workers SET availability_status = ? WHERE id = ? AND availability_status != 'assigned'`, string(a), id)
	if err != nil {
		return err
	}
	return mustAffect(res, fmt.Errorf("%w: worker %s missing or assigned", models.ErrInvalidTransition, id))
}

func scanWorker(s scanner) (*models.Worker, error) {
	var (
		w       models.Worker
		skills  string
		exp     sql.NullFloat64
		rate    sql.NullFloat64
		avail   string
		last    sql.NullInt64
		hist    string
		created int64
	)
	if err := s.Scan(&w.ID, &w.Name, &skills, &exp, &rate, &w.AverageRating, &w.CompletedJobs, &avail, &last, &hist, &created); err != nil {
		return nil, err
	}

	var err error
	if w.Skills, err = decodeStrings(skills); err != nil {
		return nil, err
	}
	w.ExperienceYears = nullFloat(exp)
	w.HourlyRate = nullFloat(rate)
	w.Availability = models.Availability(avail)
	w.LastSobrietyCheck = fromNullMillis(last)
	w.Created = fromMillis(created)
	w.SobrietyHistory = []models.HistoryEntry{}
	if hist != "" {
		if err := json.Unmarshal([]byte(hist), &w.SobrietyHistory); err != nil {
			return nil, fmt.Errorf("decode sobriety history: %w", err)
		}
	}

	return &w, nil
}
