package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/garnizeh/sobershift/internal/db"
	"github.com/garnizeh/sobershift/pkg/repository"
)

// SQLiteRepo implements repository interfaces using the internal DB wrapper.
type SQLiteRepo struct {
	conn   *db.DB
	logger *slog.Logger
}

// Ensure SQLiteRepo implements the public interfaces.
var _ repository.WorkerRepo = (*SQLiteRepo)(nil)
var _ repository.JobRequestRepo = (*SQLiteRepo)(nil)
var _ repository.AssignmentRepo = (*SQLiteRepo)(nil)
var _ repository.SobrietyCheckRepo = (*SQLiteRepo)(nil)
var _ repository.SchemaRepo = (*SQLiteRepo)(nil)
var _ repository.TemplateRepo = (*SQLiteRepo)(nil)
var _ repository.JobRepo = (*SQLiteRepo)(nil)

func New(conn *db.DB, logger *slog.Logger) *SQLiteRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteRepo{conn: conn, logger: logger}
}

// Repository returns the aggregate with every repo backed by r.
func (r *SQLiteRepo) Repository() *repository.Repository {
	return &repository.Repository{
		Worker:     r,
		JobRequest: r,
		Assignment: r,
		Check:      r,
		Schema:     r,
		Template:   r,
		Job:        r,
	}
}

func now() int64 {
	return time.Now().UTC().UnixMilli()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return now()
	}
	return t.UTC().UnixMilli()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	return string(b), nil
}

// encodeStrings never stores null so a list column always decodes.
func encodeStrings(ss []string) (string, error) {
	if ss == nil {
		ss = []string{}
	}
	return encodeJSON(ss)
}

func decodeStrings(s string) ([]string, error) {
	out := []string{}
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("decode string list: %w", err)
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// mustAffect turns a zero-row conditional update into errOnZero.
func mustAffect(res sql.Result, errOnZero error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errOnZero
	}
	return nil
}
