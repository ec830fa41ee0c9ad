// Package events carries assignment and sobriety notifications to whoever
// listens: a Redis channel in production, the log otherwise. Delivery goes
// through the background job queue so a broker outage only delays events.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/garnizeh/sobershift/internal/jobs"
	"github.com/garnizeh/sobershift/internal/models"
	"github.com/garnizeh/sobershift/pkg/repository"
)

const (
	TypeAssignmentCreated       = "assignment.created"
	TypeAssignmentStatusChanged = "assignment.status_changed"
	TypeSobrietyVerdict         = "sobriety.verdict"
	TypeSobrietyReviewed        = "sobriety.reviewed"

	// DeliverJobType is the background job that hands a queued event to a Publisher.
	DeliverJobType = "event.deliver"
)

type Event struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	At           time.Time         `json:"at"`
	JobRequestID string            `json:"job_request_id,omitempty"`
	AssignmentID string            `json:"assignment_id,omitempty"`
	WorkerID     string            `json:"worker_id,omitempty"`
	CheckID      string            `json:"check_id,omitempty"`
	Status       string            `json:"status,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// New stamps an event with an id and the time of the change it reports.
func New(typ string, at time.Time) Event {
	return Event{ID: uuid.NewString(), Type: typ, At: at.UTC()}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// LogPublisher writes events to a structured logger.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, e Event) error {
	p.logger.InfoContext(ctx, "event", "id", e.ID, "type", e.Type, "assignment_id", e.AssignmentID,
		"worker_id", e.WorkerID, "check_id", e.CheckID, "status", e.Status)
	return nil
}

// RedisClient is the subset of the go-redis client used here.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisPublisher publishes JSON encoded events on a pub/sub channel.
type RedisPublisher struct {
	client  RedisClient
	channel string
}

func NewRedisPublisher(client RedisClient, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s to %s: %w", e.Type, p.channel, err)
	}
	return nil
}

// Outbox queues events as background jobs instead of publishing inline.
type Outbox struct {
	repo        repository.JobRepo
	maxAttempts int
}

func NewOutbox(repo repository.JobRepo, maxAttempts int) *Outbox {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Outbox{repo: repo, maxAttempts: maxAttempts}
}

func (o *Outbox) Publish(ctx context.Context, e Event) error {
	if _, err := jobs.Enqueue(ctx, o.repo, DeliverJobType, e, 50, o.maxAttempts); err != nil {
		return fmt.Errorf("queue event %s: %w", e.Type, err)
	}
	return nil
}

// DeliveryHandler decodes a queued event and hands it to p. A publish error
// lets the worker pool retry with backoff.
func DeliveryHandler(p Publisher) jobs.Handler {
	return func(ctx context.Context, j *models.BackgroundJob) error {
		var e Event
		if err := json.Unmarshal(j.Payload, &e); err != nil {
			return fmt.Errorf("decode event payload: %w", err)
		}
		return p.Publish(ctx, e)
	}
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event{}, r.events...)
}

// Types returns the recorded event types in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

// Emit publishes e and logs instead of failing the caller. Events are sent
// after the state change committed, so a lost event never undoes it.
func Emit(ctx context.Context, p Publisher, logger *slog.Logger, e Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, e); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.WarnContext(ctx, "event publish failed", "type", e.Type, "id", e.ID, "err", err)
	}
}
