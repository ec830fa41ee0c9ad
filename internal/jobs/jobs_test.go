package jobs_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"log/slog"

	"go.uber.org/goleak"

	dbfs "github.com/garnizeh/sobershift/db"
	"github.com/garnizeh/sobershift/internal/db"
	"github.com/garnizeh/sobershift/internal/jobs"
	"github.com/garnizeh/sobershift/internal/models"
	"github.com/garnizeh/sobershift/internal/repository/sqlite"
	"github.com/garnizeh/sobershift/pkg/repository/mock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestEnqueueAndProcess(t *testing.T) {
	ctx := context.Background()
	logger := slog.Default()
	d, err := db.New(ctx, ":memory:", logger)
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	defer d.Close()

	if err := db.Migrate(ctx, d, dbfs.Migrations, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	repo := sqlite.New(d, logger)
	handled := make(chan struct{}, 1)
	handlers := map[string]jobs.Handler{
		"test": func(ctx context.Context, j *models.BackgroundJob) error {
			handled <- struct{}{}
			return nil
		},
	}
	pool := jobs.NewWorkerPool(repo, handlers, logger, 1)
	pool.SetPollInterval(20 * time.Millisecond)
	pool.Start(ctx)
	defer pool.Stop()

	if _, err := pool.Enqueue(ctx, "test", map[string]string{"foo": "bar"}, 10, 3); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case <-handled:
		// ok
	case <-time.After(3 * time.Second):
		t.Fatalf("handler was not called")
	}
}

func TestFailingJobIsRetriedThenDeadLettered(t *testing.T) {
	ctx := context.Background()
	store := mock.New()

	calls := make(chan struct{}, 4)
	handlers := map[string]jobs.Handler{
		"flaky": func(ctx context.Context, j *models.BackgroundJob) error {
			calls <- struct{}{}
			return errors.New("downstream unavailable")
		},
	}
	retryID, err := jobs.Enqueue(ctx, store, "flaky", nil, 10, 3)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	deadID, err := jobs.Enqueue(ctx, store, "flaky", nil, 20, 1)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	pool := jobs.NewWorkerPool(store, handlers, nil, 1)
	pool.SetPollInterval(10 * time.Millisecond)
	pool.Start(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && len(store.DeadLetters()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	pool.Stop()

	dl := store.DeadLetters()
	if len(dl) != 1 || dl[0].ID != deadID || dl[0].Status != jobs.StatusFailed {
		t.Fatalf("expected job %d dead-lettered, got %#v", deadID, dl)
	}

	retry := store.Job(retryID)
	if retry == nil || retry.Status != jobs.StatusRetry || retry.Attempts != 1 || retry.NextTryAt == nil {
		t.Fatalf("expected job %d scheduled for retry, got %#v", retryID, retry)
	}
	if retry.LastError != "downstream unavailable" {
		t.Fatalf("unexpected last error %q", retry.LastError)
	}
}

func TestUnknownJobTypeIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	store := mock.New()
	if _, err := jobs.Enqueue(ctx, store, "nobody.handles.this", map[string]int{"n": 1}, 10, 5); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	pool := jobs.NewWorkerPool(store, map[string]jobs.Handler{}, nil, 2)
	pool.SetPollInterval(10 * time.Millisecond)
	pool.Start(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && len(store.DeadLetters()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	pool.Stop()
	pool.Stop()

	dl := store.DeadLetters()
	if len(dl) != 1 || dl[0].LastError != "no handler" {
		t.Fatalf("expected unhandled job in dead letter, got %#v", dl)
	}
}

func TestBackoffDuration(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{20, 5 * time.Minute},
	}
	for _, c := range cases {
		if got := jobs.BackoffDuration(c.attempt); got != c.want {
			t.Fatalf("BackoffDuration(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}
