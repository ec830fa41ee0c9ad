package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/garnizeh/sobershift/internal/models"
)

const jobRequestColumns = `id, buyer_id, title, description, category, required_skills, budget_min, budget_max, urgency_level, auto_assign, status, created`

func (r *SQLiteRepo) CreateJobRequest(ctx context.Context, j *models.JobRequest) error {
	if j == nil {
		return fmt.Errorf("job request is nil")
	}
	skills, err := encodeStrings(j.RequiredSkills)
	if err != nil {
		return err
	}
	if j.Status == "" {
		j.Status = models.JobStatusOpen
	}

	_, err = r.conn.Exec(ctx, `INSERT INTO job_requests (`+jobRequestColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.BuyerID, j.Title, j.Description, j.Category, skills, j.BudgetMin, j.BudgetMax,
		j.Urgency, boolInt(j.AutoAssign), string(j.Status), toMillis(j.Created))
	return err
}

func (r *SQLiteRepo) GetJobRequest(ctx context.Context, id string) (*models.JobRequest, error) {
	row := r.conn.QueryRow(ctx, `SELECT `+jobRequestColumns+` FROM job_requests WHERE id = ?`, id)
	var (
		j       models.JobRequest
		skills  string
		auto    int
		status  string
		created int64
	)
	if err := row.Scan(&j.ID, &j.BuyerID, &j.Title, &j.Description, &j.Category, &skills, &j.BudgetMin, &j.BudgetMax, &j.Urgency, &auto, &status, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	var err error
	if j.RequiredSkills, err = decodeStrings(skills); err != nil {
		return nil, err
	}
	j.AutoAssign = auto != 0
	j.Status = models.JobStatus(status)
	j.Created = fromMillis(created)

	return &j, nil
}
